package snapshot

// Schedule mode values as persisted.
const (
	ModeInterval = "INTERVAL"
	ModeDaily    = "DAILY"
)

// Snapshot is the single persisted record used for crash/restart
// recovery. It is written after every phase transition and after
// every calibration or schedule change, and read once at startup.
//
// Note that the open position is intentionally absent: it is always
// derived from eject_last and must never be persisted independently.
type Snapshot struct {
	DispensePhase   string  `json:"dispense_phase"`
	ProtocolState   string  `json:"protocol_state"`
	XPosition       float64 `json:"x_position"`
	ZPosition       float64 `json:"z_position"`
	CansLoaded      int     `json:"cans_loaded"`
	EjectLast       float64 `json:"eject_last"`
	FeedGapHours    float64 `json:"feed_gap"`
	ScheduleMode    string  `json:"schedule_mode"`
	DailyFeedHour   int     `json:"daily_feed_hour"`
	DailyFeedMinute int     `json:"daily_feed_minute"`
	NextFeedTime    int64   `json:"next_feed_time"`
	Timestamp       int64   `json:"timestamp,omitempty"`
}

// Default returns the documented fallback record used when the
// persisted snapshot is missing or corrupt.
func Default() Snapshot {
	return Snapshot{
		DispensePhase:   "idle",
		ProtocolState:   "idle",
		XPosition:       0,
		ZPosition:       0,
		CansLoaded:      0,
		EjectLast:       318.0,
		FeedGapHours:    8.0,
		ScheduleMode:    ModeInterval,
		DailyFeedHour:   6,
		DailyFeedMinute: 30,
		NextFeedTime:    0,
	}
}

// sanitize clamps fields that could have been hand-edited into an
// out-of-range state, falling back per field to the defaults.
func (s *Snapshot) sanitize() {
	def := Default()

	if s.CansLoaded < 0 {
		s.CansLoaded = def.CansLoaded
	}
	if s.EjectLast <= 0 {
		s.EjectLast = def.EjectLast
	}
	if s.FeedGapHours < 1 || s.FeedGapHours > 48 {
		s.FeedGapHours = def.FeedGapHours
	}
	if s.ScheduleMode != ModeInterval && s.ScheduleMode != ModeDaily {
		s.ScheduleMode = def.ScheduleMode
	}
	if s.DailyFeedHour < 0 || s.DailyFeedHour > 23 {
		s.DailyFeedHour = def.DailyFeedHour
	}
	if s.DailyFeedMinute < 0 || s.DailyFeedMinute > 59 {
		s.DailyFeedMinute = def.DailyFeedMinute
	}
	if s.NextFeedTime < 0 {
		s.NextFeedTime = 0
	}
}
