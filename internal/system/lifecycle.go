package system

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/OpenFeederCore/internal/api/rest"
	"github.com/KevinKickass/OpenFeederCore/internal/api/websocket"
	"github.com/KevinKickass/OpenFeederCore/internal/command"
	"github.com/KevinKickass/OpenFeederCore/internal/config"
	"github.com/KevinKickass/OpenFeederCore/internal/feeder"
	"github.com/KevinKickass/OpenFeederCore/internal/marlin"
	"github.com/KevinKickass/OpenFeederCore/internal/snapshot"
	"go.uber.org/zap"
)

// readerStopGrace bounds how long shutdown waits for the serial reader
// task to exit.
const readerStopGrace = 2 * time.Second

// LifecycleManager wires the components together and owns the control
// loop. All machine decisions happen on the loop goroutine; the REST
// and WebSocket layers only read state and post triggers.
type LifecycleManager struct {
	config    *config.Config
	logger    *zap.Logger
	store     *snapshot.Store
	link      *marlin.Link
	marlin    *marlin.Controller
	sequencer *feeder.Sequencer
	scheduler *feeder.Scheduler
	inbox     *command.Inbox
	wsHub     *websocket.Hub

	restServer *rest.Server

	stateMu      sync.RWMutex
	currentState SystemState

	// Startup sequence: home the magazine axis, then raise the top can
	// to opening height. Scheduled feeds and triggers other than abort
	// wait until this completes.
	startupPhase    feeder.Phase
	startupStarted  bool
	startupComplete bool

	// fanOffAt is the armed fan cooldown deadline, zero when idle.
	fanOffAt    time.Time
	prevRunning bool

	startedAt    time.Time
	stopChan     chan struct{}
	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

func NewLifecycleManager(cfg *config.Config, logger *zap.Logger) (*LifecycleManager, error) {
	store, err := snapshot.NewStore(cfg.Snapshot.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot store: %w", err)
	}

	link, err := marlin.OpenLink(cfg.Serial.Port, cfg.Serial.Baud, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial link: %w", err)
	}

	lm := &LifecycleManager{
		config:       cfg,
		logger:       logger,
		store:        store,
		link:         link,
		scheduler:    feeder.NewScheduler(logger),
		inbox:        command.NewInbox(logger),
		wsHub:        websocket.NewHub(logger),
		currentState: StateInitializing,
		startupPhase: feeder.PhaseInitialZHoming,
		stopChan:     make(chan struct{}),
	}

	lm.marlin = marlin.NewController(link, logger)
	lm.sequencer = feeder.NewSequencer(lm.marlin, cfg.Positions, lm.persistSnapshot, logger)

	return lm, nil
}

// Component accessors (interfaces.LifecycleManager implementation)

func (lm *LifecycleManager) Marlin() *marlin.Controller   { return lm.marlin }
func (lm *LifecycleManager) Sequencer() *feeder.Sequencer { return lm.sequencer }
func (lm *LifecycleManager) Scheduler() *feeder.Scheduler { return lm.scheduler }
func (lm *LifecycleManager) Inbox() *command.Inbox        { return lm.inbox }
func (lm *LifecycleManager) Hub() *websocket.Hub          { return lm.wsHub }
func (lm *LifecycleManager) Config() *config.Config       { return lm.config }

func (lm *LifecycleManager) StartupComplete() bool {
	lm.stateMu.RLock()
	defer lm.stateMu.RUnlock()
	return lm.startupComplete
}

func (lm *LifecycleManager) SystemState() string {
	lm.stateMu.RLock()
	defer lm.stateMu.RUnlock()
	return lm.currentState.String()
}

func (lm *LifecycleManager) Uptime() time.Duration {
	return time.Since(lm.startedAt)
}

// Persist writes the current machine snapshot to disk.
func (lm *LifecycleManager) Persist() {
	lm.persistSnapshot(lm.sequencer.PhaseNow(), lm.sequencer.CansLoaded(), lm.sequencer.EjectLast())
}

// persistSnapshot composes the single persisted record. The sequencer
// hands its own fields over as arguments; everything else is read from
// the independently locked components.
func (lm *LifecycleManager) persistSnapshot(phase feeder.Phase, cansLoaded int, ejectLast float64) {
	pos := lm.marlin.PositionNow()
	hour, minute := lm.scheduler.DailyTime()

	snap := snapshot.Snapshot{
		DispensePhase:   string(phase),
		ProtocolState:   string(lm.marlin.StateNow()),
		XPosition:       pos.X,
		ZPosition:       pos.Z,
		CansLoaded:      cansLoaded,
		EjectLast:       ejectLast,
		FeedGapHours:    lm.scheduler.FeedGapHours(),
		ScheduleMode:    string(lm.scheduler.Mode()),
		DailyFeedHour:   hour,
		DailyFeedMinute: minute,
		NextFeedTime:    lm.scheduler.NextFeedUnix(),
	}

	if err := lm.store.Save(snap); err != nil {
		lm.logger.Error("Failed to persist snapshot", zap.Error(err))
	}
}

// Start brings the whole system up: serial protocol, snapshot restore,
// API servers and the control loop.
func (lm *LifecycleManager) Start() error {
	lm.logger.Info("Starting OpenFeederCore")
	lm.startedAt = time.Now()
	lm.setState(StateInitializing)

	// Absolute positioning first, then the reader task. The G90 ack
	// arrives while the machine is idle and is ignored by design of the
	// transition table.
	if err := lm.marlin.Initialize(); err != nil {
		lm.setState(StateError)
		return fmt.Errorf("failed to initialize motion controller: %w", err)
	}
	lm.marlin.StartReader()

	time.Sleep(200 * time.Millisecond)
	lm.marlin.Drain()

	lm.restoreSnapshot()

	// Start WebSocket hub
	go lm.wsHub.Run()

	// Start REST API server
	lm.restServer = rest.NewServer(lm.config, lm, lm.logger, lm.wsHub)
	if err := lm.restServer.Start(); err != nil {
		lm.setState(StateError)
		return fmt.Errorf("failed to start REST API: %w", err)
	}

	// Control loop
	lm.wg.Add(1)
	go lm.runLoop()

	lm.setState(StateRunning)
	lm.logger.Info("System started successfully",
		zap.Int("http_port", lm.config.Server.HTTPPort),
		zap.String("serial_port", lm.config.Serial.Port))

	return nil
}

// restoreSnapshot reinstates persisted state into all components and
// repairs a stale schedule.
func (lm *LifecycleManager) restoreSnapshot() {
	snap := lm.store.Load()
	now := time.Now()

	lm.marlin.SetPosition(marlin.Position{X: snap.XPosition, Z: snap.ZPosition})
	lm.marlin.SetState(marlin.ParseState(snap.ProtocolState))

	lm.sequencer.Restore(feeder.ParsePhase(snap.DispensePhase), snap.CansLoaded, snap.EjectLast)

	mode := feeder.ModeInterval
	if snap.ScheduleMode == snapshot.ModeDaily {
		mode = feeder.ModeDaily
	}
	lm.scheduler.Restore(mode, snap.FeedGapHours, snap.DailyFeedHour, snap.DailyFeedMinute, snap.NextFeedTime)
	lm.scheduler.RecoverPastDue(now)

	// A daily schedule without a feed time means the record predates
	// the mode switch; anchor it now.
	if mode == feeder.ModeDaily && lm.scheduler.NextFeedUnix() == 0 {
		lm.scheduler.ActivateDaily(now)
	}

	if lm.sequencer.Running() {
		lm.logger.Warn("Resuming interrupted dispense sequence",
			zap.String("phase", string(lm.sequencer.PhaseNow())))
	}
}

// runLoop is the single decision-making goroutine. Every pass drains
// received serial lines, advances the startup or dispense sequence by
// at most one phase and services one pending trigger.
func (lm *LifecycleManager) runLoop() {
	defer lm.wg.Done()

	ticker := time.NewTicker(lm.config.Control.LoopInterval)
	defer ticker.Stop()

	statusTicker := time.NewTicker(1 * time.Second)
	defer statusTicker.Stop()

	lastPhase := lm.sequencer.PhaseNow()
	lastProtocol := lm.marlin.StateNow()
	lastNextFeed := lm.scheduler.NextFeedUnix()

	for {
		select {
		case <-lm.stopChan:
			return

		case <-statusTicker.C:
			lm.broadcastSystemStatus()

		case now := <-ticker.C:
			lm.marlin.Drain()

			if phase := lm.sequencer.PhaseNow(); phase != lastPhase {
				lm.wsHub.Broadcast(websocket.NewMachinePhaseMessage(
					string(phase), string(lastPhase), lm.sequencer.CansLoaded()))
				lastPhase = phase
			}
			if st := lm.marlin.StateNow(); st != lastProtocol {
				pos := lm.marlin.PositionNow()
				lm.wsHub.Broadcast(websocket.NewProtocolStateMessage(string(st), pos.X, pos.Z))
				lastProtocol = st
			}
			if nf := lm.scheduler.NextFeedUnix(); nf != lastNextFeed {
				lm.wsHub.Broadcast(websocket.NewFeedScheduledMessage(
					string(lm.scheduler.Mode()), nf))
				lastNextFeed = nf
			}

			if !lm.StartupComplete() {
				lm.advanceStartup()
				lm.serviceTriggerDuringStartup()
				continue
			}

			lm.settleProtocolState()
			lm.serviceTrigger(now)
			lm.serviceSchedule(now)
			lm.sequencer.Poll()
			lm.serviceFanCooldown(now)
		}
	}
}

// advanceStartup drives the two-phase startup sequence: Z homing, then
// a move to the can opening offset for the restored magazine fill.
func (lm *LifecycleManager) advanceStartup() {
	switch lm.startupPhase {
	case feeder.PhaseInitialZHoming:
		if !lm.startupStarted {
			lm.logger.Info("Startup: homing magazine axis")
			lm.startupStarted = true
			if err := lm.marlin.HomeZ(); err != nil {
				lm.logger.Error("Startup Z homing failed", zap.Error(err))
			}
			return
		}
		if lm.marlin.StateNow() == marlin.StateIdle {
			lm.startupPhase = feeder.PhaseInitialZOffsetting
			lm.startupStarted = false
		}

	case feeder.PhaseInitialZOffsetting:
		if !lm.startupStarted {
			offset := lm.sequencer.CanOpenOffset()
			lm.logger.Info("Startup: moving to can open offset",
				zap.Float64("offset", offset),
				zap.Int("cans_loaded", lm.sequencer.CansLoaded()))
			lm.startupStarted = true
			if err := lm.marlin.MoveZTo(offset); err != nil {
				lm.logger.Error("Startup Z offsetting failed", zap.Error(err))
			}
			return
		}
		if lm.marlin.StateNow() == marlin.StateIdle {
			lm.stateMu.Lock()
			lm.startupComplete = true
			lm.stateMu.Unlock()
			lm.logger.Info("Startup sequence complete")
			lm.Persist()
		}
	}
}

// serviceTriggerDuringStartup keeps the inbox responsive before the
// startup sequence finishes: abort is honored, everything else is
// rejected.
func (lm *LifecycleManager) serviceTriggerDuringStartup() {
	t := lm.inbox.Take()
	if t == nil {
		return
	}

	if t.Action == command.ActionAbort {
		// No sequence is running yet, so halt the firmware directly.
		// The operator gets control back; homing must be redone by hand.
		lm.logger.Warn("Abort during startup", zap.String("trigger_id", t.ID.String()))
		if err := lm.marlin.EmergencyStop(); err != nil {
			lm.logger.Error("Emergency stop failed", zap.Error(err))
		}
		lm.sequencer.FansOff()
		lm.marlin.SetState(marlin.StateIdle)
		lm.stateMu.Lock()
		lm.startupComplete = true
		lm.stateMu.Unlock()
		return
	}

	lm.logger.Warn("Trigger rejected, startup not complete",
		zap.String("trigger_id", t.ID.String()),
		zap.String("action", string(t.Action)))
}

// serviceTrigger consumes at most one pending trigger per pass.
func (lm *LifecycleManager) serviceTrigger(now time.Time) {
	t := lm.inbox.Take()
	if t == nil {
		return
	}

	lm.logger.Info("Trigger taken",
		zap.String("trigger_id", t.ID.String()),
		zap.String("action", string(t.Action)))

	var err error
	switch t.Action {
	case command.ActionFeed:
		err = lm.sequencer.Start()

	case command.ActionEject:
		err = lm.sequencer.StartEjectOnly()

	case command.ActionAbort:
		lm.sequencer.Abort()
		lm.fanOffAt = time.Time{}

	case command.ActionHomeX:
		if lm.sequencer.Running() {
			err = feeder.ErrBusy
		} else {
			err = lm.marlin.HomeX()
		}

	case command.ActionHomeZ:
		if lm.sequencer.Running() {
			err = feeder.ErrBusy
		} else {
			err = lm.marlin.HomeZ()
		}

	case command.ActionResetInterval:
		lm.scheduler.ResetInterval(now)
		lm.Persist()

	case command.ActionCanLoadLower:
		err = lm.sequencer.CanLoadLower()

	case command.ActionCanLoadDone:
		err = lm.sequencer.CanLoadFinish()
	}

	if err != nil {
		lm.logger.Warn("Trigger failed",
			zap.String("trigger_id", t.ID.String()),
			zap.String("action", string(t.Action)),
			zap.Error(err))
	}
}

// settleProtocolState returns the protocol machine to idle when a
// manually triggered home or move has reached its terminal state.
// Inside a dispense run the sequencer's completion predicates consume
// these states; outside a run nothing else does, and the machine would
// stay parked there.
func (lm *LifecycleManager) settleProtocolState() {
	if lm.sequencer.Running() {
		return
	}

	switch lm.marlin.StateNow() {
	case marlin.StateXHomed, marlin.StateMoveCompleted, marlin.StateZMoveCompleted:
		lm.marlin.SetState(marlin.StateIdle)
	}
}

// serviceSchedule fires a scheduled feed when due. The feed time is
// advanced before the dispense starts so a slow sequence can never
// re-trigger itself; it is advanced even when the magazine is empty,
// so a missed meal is skipped to the next slot rather than fired the
// moment cans are loaded.
func (lm *LifecycleManager) serviceSchedule(now time.Time) {
	if !lm.scheduler.Due(now) {
		return
	}
	if lm.sequencer.Running() || lm.marlin.StateNow() != marlin.StateIdle {
		return
	}

	lm.logger.Info("Scheduled feed due", zap.Time("now", now))

	lm.scheduler.Advance(now)
	lm.Persist()

	if err := lm.sequencer.Start(); err != nil {
		lm.logger.Error("Scheduled feed failed to start", zap.Error(err))
	}
}

// serviceFanCooldown arms the fan-off timer when a dispense finishes
// and stops the fans when it expires.
func (lm *LifecycleManager) serviceFanCooldown(now time.Time) {
	running := lm.sequencer.Running()

	if lm.prevRunning && !running {
		lm.fanOffAt = now.Add(lm.config.Control.FanCooldown)
		lm.logger.Info("Fan cooldown armed", zap.Time("fan_off_at", lm.fanOffAt))
	}
	lm.prevRunning = running

	if !lm.fanOffAt.IsZero() && now.After(lm.fanOffAt) {
		lm.sequencer.FansOff()
		lm.fanOffAt = time.Time{}
		lm.logger.Info("Fan cooldown complete, fans off")
	}
}

func (lm *LifecycleManager) broadcastSystemStatus() {
	pos := lm.marlin.PositionNow()

	lm.wsHub.Broadcast(websocket.NewMessage(websocket.MessageTypeSystemStatus, map[string]interface{}{
		"state":            lm.SystemState(),
		"startup_complete": lm.StartupComplete(),
		"phase":            string(lm.sequencer.PhaseNow()),
		"protocol_state":   string(lm.marlin.StateNow()),
		"x_position":       pos.X,
		"z_position":       pos.Z,
		"cans_loaded":      lm.sequencer.CansLoaded(),
		"next_feed":        lm.scheduler.NextFeedUnix(),
		"uptime_seconds":   int64(lm.Uptime().Seconds()),
	}))
}

// Shutdown gracefully shuts down the system
func (lm *LifecycleManager) Shutdown(ctx context.Context) error {
	var shutdownErr error

	lm.shutdownOnce.Do(func() {
		lm.logger.Info("Shutting down system")
		lm.setState(StateStopping)

		close(lm.stopChan)
		lm.wg.Wait()

		// Final snapshot with the loop stopped
		lm.Persist()

		shutdownErr = lm.gracefulShutdown(ctx)

		lm.setState(StateStopped)
	})

	return shutdownErr
}

func (lm *LifecycleManager) gracefulShutdown(ctx context.Context) error {
	var wg sync.WaitGroup
	errChan := make(chan error, 2)

	// 1. Serial reader and link
	wg.Add(1)
	go func() {
		defer wg.Done()
		lm.marlin.StopReader(readerStopGrace)
		if err := lm.link.Close(); err != nil {
			errChan <- fmt.Errorf("serial link close failed: %w", err)
		}
	}()

	// 2. REST API Server graceful shutdown
	if lm.restServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()

			if err := lm.restServer.Shutdown(shutdownCtx); err != nil {
				errChan <- fmt.Errorf("rest api shutdown failed: %w", err)
			}
		}()
	}

	// Wait for all shutdowns
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		lm.logger.Info("Graceful shutdown completed")
		return nil
	case <-ctx.Done():
		lm.logger.Warn("Shutdown timeout, forcing stop")
		return fmt.Errorf("shutdown timeout exceeded")
	case err := <-errChan:
		return err
	}
}

func (lm *LifecycleManager) setState(state SystemState) {
	lm.stateMu.Lock()
	defer lm.stateMu.Unlock()
	lm.currentState = state
}
