package system

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/KevinKickass/OpenFeederCore/internal/command"
	"github.com/KevinKickass/OpenFeederCore/internal/config"
	"github.com/KevinKickass/OpenFeederCore/internal/feeder"
	"github.com/KevinKickass/OpenFeederCore/internal/marlin"
	"github.com/KevinKickass/OpenFeederCore/internal/snapshot"
	"go.uber.org/zap"
)

// fakeLink is an in-memory marlin.Transport for control loop tests.
type fakeLink struct {
	mu        sync.Mutex
	sent      []string
	connected bool
}

func (f *fakeLink) Send(line string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return marlin.ErrLinkDown
	}
	f.sent = append(f.sent, line)
	return nil
}

func (f *fakeLink) TryReceiveLine() (string, bool) { return "", false }

func (f *fakeLink) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeLink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func testPositions() config.PositionsConfig {
	return config.PositionsConfig{
		StartX:          165,
		StartFeedRate:   600,
		TabLiftX:        248,
		TabLiftFeedRate: 150,
		LidPeelX:        25,
		LidPeelFeedRate: 150,
		EjectX:          248,
		EjectFeedRate:   600,
		CanToEject:      21,
		NextCan:         37,
		CartridgeHeight: 58,
		MaxCans:         6,
	}
}

// newTestLifecycle builds a lifecycle manager around an in-memory
// link, skipping Start so tests drive the loop's passes by hand.
func newTestLifecycle(t *testing.T, cans int) (*LifecycleManager, *marlin.Controller) {
	t.Helper()
	logger := zap.NewNop()

	store, err := snapshot.NewStore(filepath.Join(t.TempDir(), "machine_state.json"), logger)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	link := &fakeLink{connected: true}
	ctrl := marlin.NewController(link, logger)
	ctrl.SetState(marlin.StateIdle)

	lm := &LifecycleManager{
		config:          &config.Config{Positions: testPositions()},
		logger:          logger,
		store:           store,
		marlin:          ctrl,
		scheduler:       feeder.NewScheduler(logger),
		inbox:           command.NewInbox(logger),
		currentState:    StateRunning,
		startupComplete: true,
		stopChan:        make(chan struct{}),
	}
	lm.sequencer = feeder.NewSequencer(ctrl, testPositions(), lm.persistSnapshot, logger)
	lm.sequencer.SetCansLoaded(cans)

	return lm, ctrl
}

func TestManualHomeDoesNotStallScheduledFeeds(t *testing.T) {
	lm, ctrl := newTestLifecycle(t, 3)
	now := time.Now()
	lm.scheduler.Restore(feeder.ModeInterval, 8, 6, 30, now.Add(-time.Minute).Unix())

	// Operator homes the X axis by hand
	if _, err := lm.inbox.Post(command.ActionHomeX); err != nil {
		t.Fatalf("post failed: %v", err)
	}
	lm.serviceTrigger(now)
	if ctrl.StateNow() != marlin.StateHomingX {
		t.Fatalf("expected homing_x, got %s", ctrl.StateNow())
	}

	// While the home is in flight, the due feed must wait
	lm.settleProtocolState()
	lm.serviceSchedule(now)
	if lm.sequencer.Running() {
		t.Fatal("feed started with a command in flight")
	}

	// The home completes and parks the machine at x_homed. No later
	// line returns it to idle; the loop has to settle it.
	ctrl.HandleLine("ok")
	if ctrl.StateNow() != marlin.StateXHomed {
		t.Fatalf("expected x_homed, got %s", ctrl.StateNow())
	}

	lm.settleProtocolState()
	if ctrl.StateNow() != marlin.StateIdle {
		t.Fatalf("terminal state not settled, got %s", ctrl.StateNow())
	}

	lm.serviceSchedule(now)
	if !lm.sequencer.Running() {
		t.Fatal("scheduled feed still stalled after manual home")
	}
	if nf := lm.scheduler.NextFeed(); !nf.After(now) {
		t.Errorf("feed time not advanced, got %v", nf)
	}
}

func TestSettleLeavesRunningSequenceAlone(t *testing.T) {
	lm, ctrl := newTestLifecycle(t, 2)

	if err := lm.sequencer.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	lm.sequencer.Poll() // enter phase 1, homing in flight
	ctrl.HandleLine("ok")

	// x_homed is phase 1's completion predicate; settling it away
	// would wedge the sequence.
	lm.settleProtocolState()
	if ctrl.StateNow() != marlin.StateXHomed {
		t.Fatalf("settle consumed a state the sequencer needs, got %s", ctrl.StateNow())
	}

	lm.sequencer.Poll()
	if lm.sequencer.PhaseNow() != feeder.PhaseToStart {
		t.Errorf("sequence failed to advance, phase %s", lm.sequencer.PhaseNow())
	}
}

func TestDueFeedWithEmptyMagazineSkipsToNextSlot(t *testing.T) {
	lm, _ := newTestLifecycle(t, 0)
	now := time.Now()
	lm.scheduler.Restore(feeder.ModeInterval, 8, 6, 30, now.Add(-time.Minute).Unix())

	lm.serviceSchedule(now)

	if lm.sequencer.Running() {
		t.Fatal("feed started with an empty magazine")
	}
	if nf := lm.scheduler.NextFeed(); !nf.After(now) {
		t.Fatalf("missed meal must advance to the next slot, got %v", nf)
	}

	// Loading cans later must not fire the skipped meal
	lm.sequencer.SetCansLoaded(4)
	lm.serviceSchedule(now.Add(time.Second))
	if lm.sequencer.Running() {
		t.Error("skipped meal fired after loading cans")
	}
}
