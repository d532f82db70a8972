package command

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Action is a discrete operator request for the control loop.
type Action string

const (
	ActionFeed          Action = "feed"
	ActionEject         Action = "eject"
	ActionAbort         Action = "abort"
	ActionHomeX         Action = "home_x"
	ActionHomeZ         Action = "home_z"
	ActionResetInterval Action = "reset_interval"
	ActionCanLoadLower  Action = "can_load_lower"
	ActionCanLoadDone   Action = "can_load_done"
)

func ParseAction(s string) (Action, error) {
	switch Action(s) {
	case ActionFeed, ActionEject, ActionAbort, ActionHomeX, ActionHomeZ,
		ActionResetInterval, ActionCanLoadLower, ActionCanLoadDone:
		return Action(s), nil
	default:
		return "", fmt.Errorf("unknown action: %q", s)
	}
}

// Trigger is one pending action token. It is consumed exactly once:
// either actioned by the control loop or rejected because the machine
// was busy or not ready.
type Trigger struct {
	ID         uuid.UUID `json:"id"`
	Action     Action    `json:"action"`
	ReceivedAt time.Time `json:"received_at"`
}

// Inbox holds at most one pending trigger. The presentation layer
// posts into it, the control loop takes from it once per pass.
type Inbox struct {
	logger *zap.Logger

	mu      sync.Mutex
	pending *Trigger
}

func NewInbox(logger *zap.Logger) *Inbox {
	return &Inbox{logger: logger}
}

// Post queues an action. A second post while one is pending is
// rejected so a stuck control loop cannot accumulate surprises.
func (in *Inbox) Post(action Action) (uuid.UUID, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.pending != nil {
		return uuid.Nil, fmt.Errorf("trigger %s already pending", in.pending.Action)
	}

	t := &Trigger{
		ID:         uuid.New(),
		Action:     action,
		ReceivedAt: time.Now(),
	}
	in.pending = t

	in.logger.Info("Trigger posted",
		zap.String("id", t.ID.String()),
		zap.String("action", string(action)))

	return t.ID, nil
}

// Take consumes and returns the pending trigger, or nil.
func (in *Inbox) Take() *Trigger {
	in.mu.Lock()
	defer in.mu.Unlock()

	t := in.pending
	in.pending = nil
	return t
}

// Pending reports whether a trigger is waiting, without consuming it.
func (in *Inbox) Pending() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.pending != nil
}
