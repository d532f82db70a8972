package interfaces

import (
	"time"

	"github.com/KevinKickass/OpenFeederCore/internal/command"
	"github.com/KevinKickass/OpenFeederCore/internal/feeder"
	"github.com/KevinKickass/OpenFeederCore/internal/marlin"
)

// LifecycleManager is what the presentation layer sees of the running
// system. The REST and WebSocket layers depend on this interface, not
// on the concrete lifecycle type, to avoid import cycles.
type LifecycleManager interface {
	Marlin() *marlin.Controller
	Sequencer() *feeder.Sequencer
	Scheduler() *feeder.Scheduler
	Inbox() *command.Inbox

	// StartupComplete reports whether the initial Z homing and
	// offsetting sequence has finished.
	StartupComplete() bool

	// SystemState is the coarse lifecycle state as a string
	// (INITIALIZING, RUNNING, STOPPING, ...).
	SystemState() string

	// Uptime since process start.
	Uptime() time.Duration

	// Persist writes the current machine snapshot to disk.
	Persist()
}
