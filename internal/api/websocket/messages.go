package websocket

import "time"

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// Machine state messages
	MessageTypeMachinePhase  MessageType = "machine_phase"
	MessageTypeProtocolState MessageType = "protocol_state"

	// Schedule messages
	MessageTypeFeedScheduled MessageType = "feed_scheduled"

	// System messages
	MessageTypeSystemStatus MessageType = "system_status"
)

// Message represents a WebSocket message
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// MachinePhaseData represents a dispense phase change
type MachinePhaseData struct {
	Phase    string `json:"phase"`
	Previous string `json:"previous_phase,omitempty"`
	Cans     int    `json:"cans_loaded"`
}

// ProtocolStateData represents a motion protocol state change
type ProtocolStateData struct {
	State string  `json:"state"`
	X     float64 `json:"x"`
	Z     float64 `json:"z"`
}

// FeedScheduledData announces the next scheduled feed
type FeedScheduledData struct {
	Mode     string `json:"mode"`
	NextFeed int64  `json:"next_feed"` // unix, 0 = unset
}

// NewMessage creates a new message with current timestamp
func NewMessage(msgType MessageType, data interface{}) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

func NewMachinePhaseMessage(phase, previous string, cans int) Message {
	return NewMessage(MessageTypeMachinePhase, MachinePhaseData{
		Phase:    phase,
		Previous: previous,
		Cans:     cans,
	})
}

func NewProtocolStateMessage(state string, x, z float64) Message {
	return NewMessage(MessageTypeProtocolState, ProtocolStateData{
		State: state,
		X:     x,
		Z:     z,
	})
}

func NewFeedScheduledMessage(mode string, nextFeed int64) Message {
	return NewMessage(MessageTypeFeedScheduled, FeedScheduledData{
		Mode:     mode,
		NextFeed: nextFeed,
	})
}
