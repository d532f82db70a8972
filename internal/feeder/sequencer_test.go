package feeder

import (
	"strings"
	"sync"
	"testing"

	"github.com/KevinKickass/OpenFeederCore/internal/config"
	"github.com/KevinKickass/OpenFeederCore/internal/marlin"
	"go.uber.org/zap"
)

// fakeLink is an in-memory marlin.Transport recording everything sent.
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

func (f *fakeLink) sentLines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeLink) contains(fragment string) bool {
	for _, line := range f.sentLines() {
		if strings.Contains(line, fragment) {
			return true
		}
	}
	return false
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

type testRig struct {
	seq      *Sequencer
	ctrl     *marlin.Controller
	link     *fakeLink
	persists int
}

func newTestRig(cans int) *testRig {
	rig := &testRig{link: &fakeLink{connected: true}}
	rig.ctrl = marlin.NewController(rig.link, zap.NewNop())
	rig.ctrl.SetState(marlin.StateIdle)
	rig.seq = NewSequencer(rig.ctrl, testPositions(),
		func(Phase, int, float64) { rig.persists++ }, zap.NewNop())
	rig.seq.SetCansLoaded(cans)
	return rig
}

// completePhase acknowledges whatever command the current phase sent.
// Homing needs one ack, X and Z moves need the command ack plus the
// M400 probe ack.
func (r *testRig) completePhase(t *testing.T) {
	t.Helper()
	switch r.ctrl.StateNow() {
	case marlin.StateHomingX, marlin.StateHomingZ:
		r.ctrl.HandleLine("ok")
	case marlin.StateMoveStarted, marlin.StateZMoveStarted:
		r.ctrl.HandleLine("ok")
		r.ctrl.HandleLine("ok")
	default:
		t.Fatalf("no command in flight, state %s", r.ctrl.StateNow())
	}
}

func TestDispenseRunsPhasesInStrictOrder(t *testing.T) {
	rig := newTestRig(3)

	if err := rig.seq.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if !rig.seq.Running() {
		t.Fatal("expected sequence running")
	}

	// Fans must be at full before any motion
	if !rig.link.contains("M106 P0 S255") || !rig.link.contains("M106 P1 S255") {
		t.Error("expected both fans at full duty on start")
	}

	var visited []Phase
	for range dispenseOrder {
		phase := rig.seq.PhaseNow()
		visited = append(visited, phase)

		rig.seq.Poll() // fires the entry action
		rig.completePhase(t)
		rig.seq.Poll() // sees the predicate, advances
	}

	for i, want := range dispenseOrder {
		if visited[i] != want {
			t.Fatalf("phase %d: expected %s, got %s", i, want, visited[i])
		}
	}

	if rig.seq.Running() {
		t.Error("expected sequence finished")
	}
	if rig.seq.PhaseNow() != PhaseIdle {
		t.Errorf("expected idle, got %s", rig.seq.PhaseNow())
	}
	if rig.seq.CansLoaded() != 2 {
		t.Errorf("expected 2 cans after dispense, got %d", rig.seq.CansLoaded())
	}
	if rig.persists == 0 {
		t.Error("expected snapshot persistence during the run")
	}
}

func TestPollWithoutCompletionDoesNotAdvance(t *testing.T) {
	rig := newTestRig(1)
	rig.seq.Start()

	rig.seq.Poll() // enter phase 1
	for i := 0; i < 5; i++ {
		rig.seq.Poll()
	}

	if rig.seq.PhaseNow() != PhaseHomeX {
		t.Errorf("phase advanced without ack: %s", rig.seq.PhaseNow())
	}

	sent := rig.link.sentLines()
	homes := 0
	for _, l := range sent {
		if l == "G28 X" {
			homes++
		}
	}
	if homes != 1 {
		t.Errorf("entry action fired %d times, want exactly once", homes)
	}
}

func TestStartRejections(t *testing.T) {
	rig := newTestRig(0)
	if err := rig.seq.Start(); err != ErrNoCans {
		t.Fatalf("expected ErrNoCans, got %v", err)
	}

	rig = newTestRig(2)
	rig.seq.Start()
	if err := rig.seq.Start(); err != ErrBusy {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if err := rig.seq.StartEjectOnly(); err != ErrBusy {
		t.Fatalf("expected ErrBusy for eject during run, got %v", err)
	}
}

func TestEjectOnlyEntersAtZLift(t *testing.T) {
	rig := newTestRig(1)

	if err := rig.seq.StartEjectOnly(); err != nil {
		t.Fatalf("eject start failed: %v", err)
	}
	if rig.seq.PhaseNow() != PhaseZLiftEject {
		t.Fatalf("expected entry at z lift, got %s", rig.seq.PhaseNow())
	}

	// Remaining phases: 6 through 9
	remaining := []Phase{PhaseZLiftEject, PhaseEject, PhaseRehomeFinal, PhaseZNextCan}
	for _, want := range remaining {
		if rig.seq.PhaseNow() != want {
			t.Fatalf("expected %s, got %s", want, rig.seq.PhaseNow())
		}
		rig.seq.Poll()
		rig.completePhase(t)
		rig.seq.Poll()
	}

	if rig.seq.Running() || rig.seq.CansLoaded() != 0 {
		t.Errorf("expected finished with 0 cans, got running=%v cans=%d",
			rig.seq.Running(), rig.seq.CansLoaded())
	}
}

func TestAbortResetsEverything(t *testing.T) {
	rig := newTestRig(2)
	rig.seq.Start()

	// Get a few phases in
	rig.seq.Poll()
	rig.completePhase(t)
	rig.seq.Poll()
	rig.seq.Poll() // enter phase 2, move in flight

	rig.seq.Abort()

	if !rig.link.contains("M112") {
		t.Error("expected emergency stop on abort")
	}
	if !rig.link.contains("M106 P0 S0") || !rig.link.contains("M106 P1 S0") {
		t.Error("expected fans off on abort")
	}
	if rig.seq.Running() {
		t.Error("expected sequence stopped")
	}
	if rig.seq.PhaseNow() != PhaseIdle {
		t.Errorf("expected idle phase, got %s", rig.seq.PhaseNow())
	}
	if rig.ctrl.StateNow() != marlin.StateIdle {
		t.Errorf("expected idle protocol state, got %s", rig.ctrl.StateNow())
	}
	if rig.seq.CansLoaded() != 2 {
		t.Errorf("abort must not consume a can, got %d", rig.seq.CansLoaded())
	}

	// A fresh run starts from phase 1 with clean latches
	if err := rig.seq.Start(); err != nil {
		t.Fatalf("restart after abort failed: %v", err)
	}
	if rig.seq.PhaseNow() != PhaseHomeX {
		t.Errorf("expected restart at phase 1, got %s", rig.seq.PhaseNow())
	}
}

func TestAbortWithoutRunIsNoOp(t *testing.T) {
	rig := newTestRig(1)
	rig.seq.Abort()

	if rig.link.contains("M112") {
		t.Error("idle abort must not touch the firmware")
	}
}

func TestRestoreResumesMidDispense(t *testing.T) {
	rig := newTestRig(0)
	rig.seq.Restore(PhaseEject, 3, 320)

	if !rig.seq.Running() {
		t.Fatal("expected resumed sequence to be running")
	}
	if rig.seq.PhaseNow() != PhaseEject {
		t.Fatalf("expected restored phase, got %s", rig.seq.PhaseNow())
	}
	if rig.seq.CansLoaded() != 3 || rig.seq.EjectLast() != 320 {
		t.Errorf("restore lost fields: cans=%d ejectLast=%f",
			rig.seq.CansLoaded(), rig.seq.EjectLast())
	}

	// The resumed phase re-fires its entry action
	rig.seq.Poll()
	if !rig.link.contains("G0 X248.00 F600") {
		t.Error("expected eject move re-issued on resume")
	}
}

func TestRestoreIdleStaysIdle(t *testing.T) {
	rig := newTestRig(0)
	rig.seq.Restore(PhaseIdle, 4, 318)

	if rig.seq.Running() {
		t.Error("idle restore must not start a sequence")
	}
}

func TestRestoreIgnoresNonPositiveEjectLast(t *testing.T) {
	rig := newTestRig(0)
	rig.seq.Restore(PhaseIdle, 1, 0)

	if rig.seq.EjectLast() != 318 {
		t.Errorf("expected default eject height kept, got %f", rig.seq.EjectLast())
	}
}

func TestParsePhaseFallsBackToIdle(t *testing.T) {
	if got := ParsePhase("phase7_x_eject"); got != PhaseEject {
		t.Errorf("expected eject phase, got %s", got)
	}
	if got := ParsePhase("nonsense"); got != PhaseIdle {
		t.Errorf("expected idle fallback, got %s", got)
	}
}
