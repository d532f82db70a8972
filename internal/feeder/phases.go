package feeder

// Phase is one ordered step of the dispense sequence. Each phase has a
// one-time entry action and a polled completion predicate; the machine
// also passes through two startup phases before feeding is enabled.
type Phase string

const (
	PhaseIdle Phase = "idle"

	PhaseHomeX       Phase = "phase1_x_homing"
	PhaseToStart     Phase = "phase2_x_to_start"
	PhaseTabLift     Phase = "phase3_tab_lifting"
	PhaseLidPeel     Phase = "phase4_lid_peeling"
	PhaseRehome      Phase = "phase5_x_rehoming"
	PhaseZLiftEject  Phase = "phase6_z_lift_to_eject"
	PhaseEject       Phase = "phase7_x_eject"
	PhaseRehomeFinal Phase = "phase8_x_rehoming_final"
	PhaseZNextCan    Phase = "phase9_z_next_can"

	// Startup-only phases: home the magazine axis, then bring the top
	// can to the opening height.
	PhaseInitialZHoming     Phase = "initial_z_homing"
	PhaseInitialZOffsetting Phase = "initial_z_offsetting"
)

// dispenseOrder is the strict phase order of a full dispense run.
var dispenseOrder = []Phase{
	PhaseHomeX,
	PhaseToStart,
	PhaseTabLift,
	PhaseLidPeel,
	PhaseRehome,
	PhaseZLiftEject,
	PhaseEject,
	PhaseRehomeFinal,
	PhaseZNextCan,
}

// ParsePhase maps a persisted phase string back to a Phase, defaulting
// to idle so an unknown value cannot resume into a nonsense phase.
func ParsePhase(s string) Phase {
	switch Phase(s) {
	case PhaseHomeX, PhaseToStart, PhaseTabLift, PhaseLidPeel,
		PhaseRehome, PhaseZLiftEject, PhaseEject, PhaseRehomeFinal,
		PhaseZNextCan, PhaseInitialZHoming, PhaseInitialZOffsetting:
		return Phase(s)
	default:
		return PhaseIdle
	}
}
