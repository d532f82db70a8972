package feeder

import (
	"errors"
	"sync"

	"github.com/KevinKickass/OpenFeederCore/internal/config"
	"github.com/KevinKickass/OpenFeederCore/internal/marlin"
	"go.uber.org/zap"
)

var (
	ErrNoCans       = errors.New("no cans loaded")
	ErrBusy         = errors.New("operation already running")
	ErrNotStarted   = errors.New("startup sequence not complete")
	ErrMagazineFull = errors.New("magazine is full")
)

// phaseStep couples a phase's one-time entry action with its polled
// completion predicate. Predicates are pure functions of the protocol
// state; the sequencer never issues a new command before the previous
// one reached its target state, which is what keeps a single command
// in flight on the wire.
type phaseStep struct {
	enter func(s *Sequencer) error
	done  func(st marlin.State) bool
	next  Phase
}

// PersistFunc receives the sequencer's own fields as arguments so the
// persistence layer never calls back into a locked sequencer.
type PersistFunc func(phase Phase, cansLoaded int, ejectLast float64)

// Sequencer drives the multi-phase can opening and ejection mechanics
// on top of the protocol state machine. The control loop calls Poll on
// every pass; each call advances at most one phase boundary.
type Sequencer struct {
	logger  *zap.Logger
	marlin  *marlin.Controller
	cfg     config.PositionsConfig
	persist PersistFunc

	mu         sync.Mutex
	phase      Phase
	started    map[Phase]bool
	running    bool
	cansLoaded int
	ejectLast  float64

	steps map[Phase]phaseStep
}

// NewSequencer builds a sequencer around the given protocol
// controller. persist is invoked after every phase transition and
// must write the machine snapshot.
func NewSequencer(m *marlin.Controller, cfg config.PositionsConfig, persist PersistFunc, logger *zap.Logger) *Sequencer {
	s := &Sequencer{
		logger:    logger,
		marlin:    m,
		cfg:       cfg,
		persist:   persist,
		phase:     PhaseIdle,
		started:   make(map[Phase]bool),
		ejectLast: 318.0,
	}
	s.steps = s.buildSteps()
	return s
}

func (s *Sequencer) buildSteps() map[Phase]phaseStep {
	cfg := s.cfg
	return map[Phase]phaseStep{
		PhaseHomeX: {
			enter: func(s *Sequencer) error { return s.marlin.HomeX() },
			done:  func(st marlin.State) bool { return st == marlin.StateXHomed },
			next:  PhaseToStart,
		},
		PhaseToStart: {
			enter: func(s *Sequencer) error { return s.marlin.MoveXTo(cfg.StartX, cfg.StartFeedRate) },
			done:  func(st marlin.State) bool { return st == marlin.StateMoveCompleted },
			next:  PhaseTabLift,
		},
		PhaseTabLift: {
			enter: func(s *Sequencer) error { return s.marlin.MoveXTo(cfg.TabLiftX, cfg.TabLiftFeedRate) },
			done:  func(st marlin.State) bool { return st == marlin.StateMoveCompleted },
			next:  PhaseLidPeel,
		},
		PhaseLidPeel: {
			enter: func(s *Sequencer) error { return s.marlin.MoveXTo(cfg.LidPeelX, cfg.LidPeelFeedRate) },
			done:  func(st marlin.State) bool { return st == marlin.StateMoveCompleted },
			next:  PhaseRehome,
		},
		PhaseRehome: {
			enter: func(s *Sequencer) error { return s.marlin.HomeX() },
			done:  func(st marlin.State) bool { return st == marlin.StateXHomed },
			next:  PhaseZLiftEject,
		},
		PhaseZLiftEject: {
			enter: func(s *Sequencer) error {
				z := s.marlin.PositionNow().Z
				return s.marlin.MoveZTo(z + cfg.CanToEject)
			},
			done: func(st marlin.State) bool { return st == marlin.StateIdle },
			next: PhaseEject,
		},
		PhaseEject: {
			enter: func(s *Sequencer) error { return s.marlin.MoveXTo(cfg.EjectX, cfg.EjectFeedRate) },
			done:  func(st marlin.State) bool { return st == marlin.StateMoveCompleted },
			next:  PhaseRehomeFinal,
		},
		PhaseRehomeFinal: {
			enter: func(s *Sequencer) error { return s.marlin.HomeX() },
			done:  func(st marlin.State) bool { return st == marlin.StateXHomed },
			next:  PhaseZNextCan,
		},
		PhaseZNextCan: {
			enter: func(s *Sequencer) error {
				z := s.marlin.PositionNow().Z
				return s.marlin.MoveZTo(z + cfg.NextCan)
			},
			done: func(st marlin.State) bool { return st == marlin.StateIdle },
			next: PhaseIdle,
		},
	}
}

// Start begins a full dispense run from phase 1. Fans go to full so
// the opened can's scent is pushed out of the mechanism.
func (s *Sequencer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrBusy
	}
	if s.cansLoaded < 1 {
		return ErrNoCans
	}

	s.logger.Info("Starting dispense sequence", zap.Int("cans_loaded", s.cansLoaded))

	s.fansOn()
	s.resetLatchesLocked()
	s.running = true
	s.phase = PhaseHomeX

	s.persistLocked()
	return nil
}

// StartEjectOnly skips the opening phases and ejects the current can,
// entering the sequence directly at the Z lift.
func (s *Sequencer) StartEjectOnly() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrBusy
	}
	if s.cansLoaded < 1 {
		return ErrNoCans
	}

	s.logger.Info("Starting eject-only sequence")

	s.fansOn()
	s.resetLatchesLocked()
	s.running = true
	s.phase = PhaseZLiftEject

	s.persistLocked()
	return nil
}

// Poll runs one pass of the enter/poll pair for the current phase. On
// first visit it fires the entry action and returns; on later visits
// it checks the completion predicate and advances one phase.
func (s *Sequencer) Poll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.phase == PhaseIdle {
		return
	}

	step, ok := s.steps[s.phase]
	if !ok {
		s.logger.Error("No step for phase, aborting sequence", zap.String("phase", string(s.phase)))
		s.abortLocked()
		return
	}

	if !s.started[s.phase] {
		s.logger.Info("Entering phase", zap.String("phase", string(s.phase)))
		s.started[s.phase] = true
		if err := step.enter(s); err != nil {
			s.logger.Error("Phase entry action failed", zap.String("phase", string(s.phase)), zap.Error(err))
		}
		s.persistLocked()
		return
	}

	if !step.done(s.marlin.StateNow()) {
		return
	}

	s.logger.Info("Phase complete", zap.String("phase", string(s.phase)))
	s.started[s.phase] = false

	if step.next == PhaseIdle {
		s.cansLoaded--
		s.running = false
		s.logger.Info("Dispense sequence complete", zap.Int("cans_loaded", s.cansLoaded))
	}

	s.phase = step.next
	s.persistLocked()
}

// Abort stops a running sequence: immediate firmware halt, fans off,
// all latches reset, both state machines forced to idle. Calling it
// with no sequence active is a no-op.
func (s *Sequencer) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	s.logger.Warn("Aborting operation")
	s.abortLocked()
}

func (s *Sequencer) abortLocked() {
	if err := s.marlin.EmergencyStop(); err != nil {
		s.logger.Error("Emergency stop failed", zap.Error(err))
	}
	s.marlin.SetFanSpeed(0, 0)
	s.marlin.SetFanSpeed(1, 0)

	s.resetLatchesLocked()
	s.running = false
	s.phase = PhaseIdle
	s.marlin.SetState(marlin.StateIdle)

	s.persistLocked()
}

// persistLocked hands the current fields to the persistence callback.
// Caller holds s.mu.
func (s *Sequencer) persistLocked() {
	if s.persist == nil {
		return
	}
	s.persist(s.phase, s.cansLoaded, s.ejectLast)
}

// persistNow is persistLocked for callers that do not hold s.mu.
func (s *Sequencer) persistNow() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persistLocked()
}

func (s *Sequencer) resetLatchesLocked() {
	for _, p := range dispenseOrder {
		s.started[p] = false
	}
}

func (s *Sequencer) fansOn() {
	s.marlin.SetFanSpeed(0, 100)
	s.marlin.SetFanSpeed(1, 100)
}

// FansOff stops both fans, used when the post-dispense cooldown ends.
func (s *Sequencer) FansOff() {
	s.marlin.SetFanSpeed(0, 0)
	s.marlin.SetFanSpeed(1, 0)
}

// Running reports whether a dispense or eject sequence is active.
func (s *Sequencer) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// PhaseNow returns the current dispense phase.
func (s *Sequencer) PhaseNow() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// CansLoaded returns the magazine fill level.
func (s *Sequencer) CansLoaded() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cansLoaded
}

// SetCansLoaded overrides the magazine fill level (operator setting
// and snapshot restore).
func (s *Sequencer) SetCansLoaded(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < 0 {
		n = 0
	}
	s.cansLoaded = n
}

// Restore reinstates phase and calibration from a persisted snapshot.
// The phase's latch is left false so a resumed phase re-fires its
// entry action, which is safe because every entry action is an
// absolute move or a homing cycle.
func (s *Sequencer) Restore(phase Phase, cansLoaded int, ejectLast float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.phase = phase
	s.cansLoaded = cansLoaded
	if ejectLast > 0 {
		s.ejectLast = ejectLast
	}
	s.resetLatchesLocked()

	for _, p := range dispenseOrder {
		if p == phase {
			s.running = true
			break
		}
	}
}
