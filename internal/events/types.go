// Package events defines the asynchronous message bus connecting the
// network sessions to the game's state manager and UI layers.
package events

// EventType names a message on the bus.
type EventType string

const (
	// Client session signals
	EventClientStatusChanged EventType = "client_status_changed"
	EventPrepareToPlay       EventType = "prepare_to_play"
	EventServerCmdAnswer     EventType = "server_cmd_answer"
	EventChatReceived        EventType = "chat_received"

	// Server session signals
	EventClientJoined EventType = "client_joined"
	EventClientLeft   EventType = "client_left"

	// System
	EventShutdown EventType = "shutdown"
)

// Event is a single message on the bus.
type Event struct {
	Type    EventType
	Source  string
	Payload interface{}
}

// StatusChangedPayload signals a client connection state transition so the
// UI can update its connection indicator.
type StatusChangedPayload struct {
	Connected bool
	Reason    string
}

// PrepareToPlayPayload raises "entering preplay for level X" to the state
// manager.
type PrepareToPlayPayload struct {
	LevelID string
	Slaves  []int
}

// ServerCmdAnswerPayload forwards an uninterpreted server command answer.
type ServerCmdAnswerPayload struct {
	Answer string
}

// ChatPayload carries a displayed chat line.
type ChatPayload struct {
	Author  string
	Message string
	Private bool
}

// ClientRosterPayload announces a server-side join or leave.
type ClientRosterPayload struct {
	ID   int
	Name string
}
