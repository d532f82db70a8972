package marlin

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ackToken is the firmware's exact acknowledgment line.
const ackToken = "ok"

// zFeedRate is fixed for all Z moves; the axis carries the can
// magazine and must never be rushed.
const zFeedRate = 300

// Controller is the motion protocol state machine. It is the only
// component allowed to transition State and the only writer of
// Position. The firmware acknowledges utility and homing commands
// directly but motion commands need an explicit M400 probe before the
// real completion ack arrives, which is why move states come in
// started/await-complete pairs.
type Controller struct {
	logger *zap.Logger
	link   Transport

	mu              sync.RWMutex
	state           State
	pos             Position
	extraAckPending bool

	// awaitingSince is non-zero while a command's completion is
	// outstanding. There is deliberately no timeout or retry: a
	// command that never gets its ack stalls the sequence until an
	// abort, and this timestamp is the observable health signal.
	awaitingSince time.Time

	lines    chan string
	stopChan chan struct{}
	wg       sync.WaitGroup

	readerMu      sync.Mutex
	readerRunning bool
}

func NewController(link Transport, logger *zap.Logger) *Controller {
	return &Controller{
		logger: logger,
		link:   link,
		state:  StateDisconnected,
		lines:  make(chan string, 128),
	}
}

// Initialize puts the firmware into absolute positioning and the state
// machine into idle. Called once at link-up.
func (c *Controller) Initialize() error {
	if err := c.SendCommand("G90"); err != nil {
		return err
	}

	c.mu.Lock()
	c.state = StateIdle
	c.mu.Unlock()

	return nil
}

// IsConnected reports whether the underlying link is usable.
func (c *Controller) IsConnected() bool {
	return c.link.Connected()
}

// SendCommand writes one raw gcode line. Commands issued while
// disconnected are rejected rather than queued.
func (c *Controller) SendCommand(gcode string) error {
	if !c.link.Connected() {
		c.logger.Error("Cannot send command: not connected",
			zap.String("gcode", gcode))
		return ErrLinkDown
	}
	return c.link.Send(gcode)
}

// HomeX starts an X-axis homing cycle.
func (c *Controller) HomeX() error {
	c.mu.Lock()
	c.state = StateHomingX
	c.awaitingSince = time.Now()
	c.mu.Unlock()

	return c.SendCommand("G28 X")
}

// MoveXTo starts a linear X move at the given feed rate and records
// the target as the optimistic position.
func (c *Controller) MoveXTo(pos, feedRate float64) error {
	c.mu.Lock()
	c.state = StateMoveStarted
	c.pos.X = pos // rough position until the firmware reports back
	c.awaitingSince = time.Now()
	c.mu.Unlock()

	return c.SendCommand(fmt.Sprintf("G0 X%.2f F%.0f", pos, feedRate))
}

// HomeZ starts a Z-axis homing cycle.
func (c *Controller) HomeZ() error {
	c.mu.Lock()
	c.state = StateHomingZ
	c.awaitingSince = time.Now()
	c.mu.Unlock()

	return c.SendCommand("G28 Z")
}

// MoveZTo starts a linear Z move at the fixed Z feed rate.
func (c *Controller) MoveZTo(pos float64) error {
	c.mu.Lock()
	c.state = StateZMoveStarted
	c.pos.Z = pos // rough position until the firmware reports back
	c.awaitingSince = time.Now()
	c.mu.Unlock()

	return c.SendCommand(fmt.Sprintf("G0 Z%.2f F%d", pos, zFeedRate))
}

// RequestPosition asks the firmware for an authoritative position
// report (M114). The report itself arrives as an X:-prefixed line, the
// trailing ack returns the machine to idle.
func (c *Controller) RequestPosition() error {
	c.mu.Lock()
	c.state = StateAwaitingPosition
	c.awaitingSince = time.Now()
	c.mu.Unlock()

	return c.SendCommand("M114")
}

// SetFanSpeed clamps percent to 0..100 and converts it to an 8-bit
// duty value with round-half-up: 50% becomes 128. Fan commands do not
// touch the protocol state.
func (c *Controller) SetFanSpeed(fan, percent int) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	duty := int(math.Round(float64(percent) * 255.0 / 100.0))

	c.logger.Info("Setting fan speed",
		zap.Int("fan", fan),
		zap.Int("percent", percent),
		zap.Int("duty", duty))

	return c.SendCommand(fmt.Sprintf("M106 P%d S%d", fan, duty))
}

// EmergencyStop issues an immediate firmware halt.
func (c *Controller) EmergencyStop() error {
	return c.SendCommand("M112")
}

// SetState overrides the protocol state. The sequencer uses this to
// stage its expectation before issuing a command and the abort path
// uses it to force the machine back to idle.
func (c *Controller) SetState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
	if s == StateIdle || s == StateDisconnected {
		c.awaitingSince = time.Time{}
	}
}

// StateNow returns the current protocol state.
func (c *Controller) StateNow() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// PositionNow returns the best-known axis positions.
func (c *Controller) PositionNow() Position {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pos
}

// SetPosition restores positions from a persisted snapshot.
func (c *Controller) SetPosition(p Position) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pos = p
}

// SetExtraAckPending arms the workaround for Z move sequences that
// produce one additional, otherwise indistinguishable, ack. The flag
// makes the state machine consume exactly one extra ack before leaving
// the await-complete sub-state. This is a documented firmware quirk,
// not a retry mechanism.
func (c *Controller) SetExtraAckPending(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.extraAckPending = v
}

// ExtraAckPending reports whether the quirk latch is armed.
func (c *Controller) ExtraAckPending() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.extraAckPending
}

// AwaitingSince returns the time the in-flight command was issued, or
// the zero time when nothing is outstanding.
func (c *Controller) AwaitingSince() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.awaitingSince
}

// HandleLine advances the state machine for one received line. The
// resulting state is a pure function of the prior state and the line:
// position reports overwrite both axes and never transition state,
// the literal ack token drives the transition table, and everything
// else (busy echoes and the like) is logged and ignored.
func (c *Controller) HandleLine(line string) {
	c.logger.Debug("Marlin", zap.String("line", line))

	if strings.HasPrefix(line, "X:") {
		if pos, ok := parsePositionReport(line); ok {
			c.mu.Lock()
			c.pos = pos
			c.mu.Unlock()
			c.logger.Info("Position updated",
				zap.Float64("x", pos.X),
				zap.Float64("z", pos.Z))
		}
		return
	}

	if line != ackToken {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateHomingX:
		c.toLocked(StateXHomed)

	case StateHomingZ:
		c.toLocked(StateIdle)

	case StateZMoveStarted:
		// Move is queued; probe until the motion queue drains.
		c.sendLocked("M400")
		c.toLocked(StateZMoveAwaitAck1)

	case StateZMoveAwaitAck1:
		if c.extraAckPending {
			c.extraAckPending = false
			c.logger.Info("Consuming extra Z ack")
			c.toLocked(StateZMoveAwaitAck2)
		} else {
			c.toLocked(StateIdle)
		}

	case StateZMoveAwaitAck2:
		c.toLocked(StateIdle)

	case StateMoveStarted:
		c.sendLocked("M400")
		c.toLocked(StateMoveAwaitComplete)

	case StateMoveAwaitComplete:
		c.toLocked(StateMoveCompleted)

	case StateAwaitingPosition:
		c.toLocked(StateIdle)
	}
}

// toLocked transitions state and clears the stall timestamp on the
// terminal states a caller can be waiting for. Caller holds c.mu.
func (c *Controller) toLocked(s State) {
	from := c.state
	c.state = s

	switch s {
	case StateIdle, StateXHomed, StateMoveCompleted, StateZMoveCompleted:
		c.awaitingSince = time.Time{}
	}

	c.logger.Info("Protocol state",
		zap.String("from", string(from)),
		zap.String("to", string(s)))
}

// sendLocked writes a line while c.mu is held. The link has its own
// lock and never calls back into the controller.
func (c *Controller) sendLocked(gcode string) {
	if err := c.link.Send(gcode); err != nil {
		c.logger.Error("Failed to send command", zap.String("gcode", gcode), zap.Error(err))
	}
}

// parsePositionReport extracts X and Z from a firmware report like
//
//	X:0.00 Y:370.00 Z:0.00 E:0.00 Count X:0 Y:29600 Z:0
//
// Each value is the float between the axis prefix and the next space.
func parsePositionReport(line string) (Position, bool) {
	x, okX := parseAxis(line, "X:")
	z, okZ := parseAxis(line, "Z:")
	if !okX || !okZ {
		return Position{}, false
	}
	return Position{X: x, Z: z}, true
}

func parseAxis(line, prefix string) (float64, bool) {
	start := strings.Index(line, prefix)
	if start < 0 {
		return 0, false
	}
	start += len(prefix)

	end := strings.IndexByte(line[start:], ' ')
	var field string
	if end < 0 {
		field = line[start:]
	} else {
		field = line[start : start+end]
	}

	v, err := strconv.ParseFloat(field, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
