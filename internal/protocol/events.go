package protocol

// EventType names an event category on the wire. The strings match the
// upstream protocol event names and are what webhook subscribers filter on.
type EventType string

const (
	EventConnectionUpdate  EventType = "connection.update"
	EventMessagesUpsert    EventType = "messages.upsert"
	EventMessagesUpdate    EventType = "messages.update"
	EventMessagesDelete    EventType = "messages.delete"
	EventReceiptUpdate     EventType = "message-receipt.update"
	EventPresenceUpdate    EventType = "presence.update"
	EventChatsUpsert       EventType = "chats.upsert"
	EventChatsUpdate       EventType = "chats.update"
	EventContactsUpsert    EventType = "contacts.upsert"
	EventGroupsUpsert      EventType = "groups.upsert"
	EventGroupParticipants EventType = "group-participants.update"
	EventCall              EventType = "call"
)

// AllEventTypes lists every category a session forwards to the dispatcher.
var AllEventTypes = []EventType{
	EventConnectionUpdate,
	EventMessagesUpsert,
	EventMessagesUpdate,
	EventMessagesDelete,
	EventReceiptUpdate,
	EventPresenceUpdate,
	EventChatsUpsert,
	EventChatsUpdate,
	EventContactsUpsert,
	EventGroupsUpsert,
	EventGroupParticipants,
	EventCall,
}

// Event is a tagged protocol event. Concrete payload types below implement it.
type Event interface {
	Type() EventType
}

// ConnState is the connection phase reported in a ConnectionUpdate.
type ConnState string

const (
	ConnStateOpen  ConnState = "open"
	ConnStateClose ConnState = "close"
)

// ConnectionUpdate reports connection phase changes and pairing artifacts.
type ConnectionUpdate struct {
	State ConnState `json:"connection,omitempty"`
	// QRCode carries a pairing artifact while the session awaits scan.
	QRCode string `json:"qr,omitempty"`
	// StatusCode is the disconnect reason code on close.
	StatusCode int `json:"statusCode,omitempty"`
	// LoggedOut marks an explicit far-end logout; credentials are stale.
	LoggedOut bool `json:"loggedOut,omitempty"`
}

func (ConnectionUpdate) Type() EventType { return EventConnectionUpdate }

// InboundMessage is one received message.
type InboundMessage struct {
	ID          string `json:"id"`
	From        string `json:"from"`
	FromMe      bool   `json:"fromMe"`
	IsGroup     bool   `json:"isGroup"`
	MessageType string `json:"messageType"`
	Text        string `json:"text,omitempty"`
	// MediaData holds raw media bytes when the message carries an attachment.
	MediaData []byte `json:"-"`
	MediaName string `json:"mediaName,omitempty"`
}

// MessagesUpsert carries newly received messages. Notify is true for live
// inbound traffic as opposed to history sync.
type MessagesUpsert struct {
	Notify   bool             `json:"notify"`
	Messages []InboundMessage `json:"messages"`
}

func (MessagesUpsert) Type() EventType { return EventMessagesUpsert }

// StatusCode values reported in MessageStatusUpdate.Status.
const (
	StatusPending   = 1
	StatusSent      = 2
	StatusDelivered = 3
	StatusRead      = 4
)

// MessageStatusUpdate reports a delivery-state change for one message.
type MessageStatusUpdate struct {
	MessageID string `json:"messageId"`
	Status    int    `json:"status"`
}

// MessagesUpdate carries delivery-state changes (sent/delivered/read, edits).
type MessagesUpdate struct {
	Updates []MessageStatusUpdate `json:"updates"`
}

func (MessagesUpdate) Type() EventType { return EventMessagesUpdate }

// MessagesDelete reports deleted messages.
type MessagesDelete struct {
	MessageIDs []string `json:"messageIds"`
}

func (MessagesDelete) Type() EventType { return EventMessagesDelete }

// ReceiptUpdate reports read receipts for delivered messages.
type ReceiptUpdate struct {
	Receipts []MessageStatusUpdate `json:"receipts"`
}

func (ReceiptUpdate) Type() EventType { return EventReceiptUpdate }

// PresenceUpdate reports a contact's presence change.
type PresenceUpdate struct {
	From     string `json:"from"`
	Presence string `json:"presence"`
}

func (PresenceUpdate) Type() EventType { return EventPresenceUpdate }

// ChatInfo is a chat summary in chats.upsert/chats.update events.
type ChatInfo struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// ChatsUpsert carries newly discovered chats.
type ChatsUpsert struct {
	Chats []ChatInfo `json:"chats"`
}

func (ChatsUpsert) Type() EventType { return EventChatsUpsert }

// ChatsUpdate carries chat metadata changes.
type ChatsUpdate struct {
	Chats []ChatInfo `json:"chats"`
}

func (ChatsUpdate) Type() EventType { return EventChatsUpdate }

// ContactInfo is a contact record.
type ContactInfo struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// ContactsUpsert carries newly discovered contacts.
type ContactsUpsert struct {
	Contacts []ContactInfo `json:"contacts"`
}

func (ContactsUpsert) Type() EventType { return EventContactsUpsert }

// GroupInfo is a group record.
type GroupInfo struct {
	ID      string `json:"id"`
	Subject string `json:"subject,omitempty"`
}

// GroupsUpsert carries newly discovered groups.
type GroupsUpsert struct {
	Groups []GroupInfo `json:"groups"`
}

func (GroupsUpsert) Type() EventType { return EventGroupsUpsert }

// GroupParticipantsUpdate reports membership changes in a group.
type GroupParticipantsUpdate struct {
	GroupID      string   `json:"groupId"`
	Action       string   `json:"action"`
	Participants []string `json:"participants"`
}

func (GroupParticipantsUpdate) Type() EventType { return EventGroupParticipants }

// CallEvent reports an incoming or ended call.
type CallEvent struct {
	From   string `json:"from"`
	CallID string `json:"callId"`
	Status string `json:"status"`
}

func (CallEvent) Type() EventType { return EventCall }
