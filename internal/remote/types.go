// Package remote implements the client side of the bridged chat service:
// the wire types, the connect handshake, the ordered event stream, and the
// address book snapshot captured at connect time.
package remote

// Identity is a user known to the remote service. Values are never
// mutated after they are decoded from the wire.
type Identity struct {
	// ID is the stable identifier assigned by the remote service.
	ID string `json:"id"`
	// Name is the display name. May contain spaces or be empty.
	Name string `json:"name"`
}

// Conversation is a remote grouping of participants. The gateway treats
// conversations as read-only; membership changes only show up in a fresh
// snapshot.
type Conversation struct {
	ID      string     `json:"id"`
	Name    string     `json:"name"`
	Members []Identity `json:"members"`
}

// ChatMessage is one chat event from the remote event stream.
type ChatMessage struct {
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Text           string `json:"text"`
}

// Snapshot is the initial state delivered when a connection authenticates.
type Snapshot struct {
	Self          Identity       `json:"self"`
	Users         []Identity     `json:"users"`
	Conversations []Conversation `json:"conversations"`
	ResumeToken   string         `json:"resume_token"`
}
