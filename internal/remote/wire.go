package remote

// Frame types exchanged with the remote gateway. Everything is a JSON
// text frame over the websocket; unknown types are skipped by readers so
// either side can grow the protocol.
const (
	frameConnect   = "connect"
	frameConnected = "connected"
	frameError     = "error"
	frameEvent     = "event"
	frameSend      = "send"
)

// frame is the envelope for every wire message. Only the fields relevant
// to a given type are populated.
type frame struct {
	Type   string `json:"type"`
	ID     string `json:"id,omitempty"`
	Token  string `json:"token,omitempty"`
	Reason string `json:"reason,omitempty"`

	// connected
	Snapshot *Snapshot `json:"snapshot,omitempty"`

	// event
	Event *ChatMessage `json:"event,omitempty"`

	// send
	ConversationID string `json:"conversation_id,omitempty"`
	Text           string `json:"text,omitempty"`
}
