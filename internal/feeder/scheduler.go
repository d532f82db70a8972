package feeder

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

type ScheduleMode string

const (
	ModeInterval ScheduleMode = "INTERVAL"
	ModeDaily    ScheduleMode = "DAILY"
)

// Scheduler computes and advances the next feed time. All methods take
// the current time explicitly so the arithmetic stays deterministic
// and testable; only the control loop feeds in the real clock.
type Scheduler struct {
	logger *zap.Logger

	mu           sync.Mutex
	mode         ScheduleMode
	feedGapHours float64
	dailyHour    int
	dailyMinute  int
	nextFeed     time.Time // zero = no feed scheduled
}

func NewScheduler(logger *zap.Logger) *Scheduler {
	return &Scheduler{
		logger:       logger,
		mode:         ModeInterval,
		feedGapHours: 8.0,
		dailyHour:    6,
		dailyMinute:  30,
	}
}

// Due reports whether a scheduled feed time has been reached. The
// caller is responsible for the machine-idle and startup-complete
// preconditions.
func (sc *Scheduler) Due(now time.Time) bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return !sc.nextFeed.IsZero() && !now.Before(sc.nextFeed)
}

// Advance moves the next feed time past now. Called immediately when a
// scheduled feed triggers, before the dispense runs, so a long-running
// sequence can never re-trigger itself.
func (sc *Scheduler) Advance(now time.Time) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	switch sc.mode {
	case ModeDaily:
		sc.nextFeed = sc.nextFeed.Add(24 * time.Hour)
	default:
		sc.nextFeed = now.Add(sc.gap())
	}

	sc.logger.Info("Feed time advanced",
		zap.String("mode", string(sc.mode)),
		zap.Time("next_feed", sc.nextFeed))
}

// RecoverPastDue reschedules a feed time that was missed while the
// process was down: daily mode moves to the next occurrence of the
// configured time-of-day, interval mode to one full gap from now. A
// feed time exactly equal to now is not considered missed.
func (sc *Scheduler) RecoverPastDue(now time.Time) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.nextFeed.IsZero() || !sc.nextFeed.Before(now) {
		return
	}

	sc.logger.Warn("Scheduled feed time is in the past, rescheduling",
		zap.Time("stale", sc.nextFeed))

	switch sc.mode {
	case ModeDaily:
		target := sc.dailyTarget(now)
		if !target.After(now) {
			target = target.Add(24 * time.Hour)
		}
		sc.nextFeed = target
	default:
		sc.nextFeed = now.Add(sc.gap())
	}

	sc.logger.Info("Feed rescheduled", zap.Time("next_feed", sc.nextFeed))
}

// ActivateDaily computes the next occurrence of the daily feed time:
// today when the time-of-day is still ahead, otherwise tomorrow.
func (sc *Scheduler) ActivateDaily(now time.Time) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	sc.mode = ModeDaily

	target := sc.dailyTarget(now)
	if target.Before(now) {
		target = target.Add(24 * time.Hour)
	}
	sc.nextFeed = target

	sc.logger.Info("Daily schedule activated", zap.Time("next_feed", sc.nextFeed))
}

// ResetInterval switches to interval mode and restarts the countdown
// from now.
func (sc *Scheduler) ResetInterval(now time.Time) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	sc.mode = ModeInterval
	sc.nextFeed = now.Add(sc.gap())

	sc.logger.Info("Interval schedule reset",
		zap.Float64("gap_hours", sc.feedGapHours),
		zap.Time("next_feed", sc.nextFeed))
}

// SetFeedGap sets the interval length in hours, clamped to 1..48.
func (sc *Scheduler) SetFeedGap(hours float64) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if hours < 1 {
		hours = 1
	}
	if hours > 48 {
		hours = 48
	}
	sc.feedGapHours = hours
}

// SetDailyTime sets the daily feed time-of-day. Out-of-range values
// are ignored.
func (sc *Scheduler) SetDailyTime(hour, minute int) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if hour >= 0 && hour <= 23 {
		sc.dailyHour = hour
	}
	if minute >= 0 && minute <= 59 {
		sc.dailyMinute = minute
	}
}

// Mode returns the active schedule mode.
func (sc *Scheduler) Mode() ScheduleMode {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.mode
}

// FeedGapHours returns the interval length.
func (sc *Scheduler) FeedGapHours() float64 {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.feedGapHours
}

// DailyTime returns the configured daily hour and minute.
func (sc *Scheduler) DailyTime() (int, int) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.dailyHour, sc.dailyMinute
}

// NextFeed returns the next scheduled feed, zero when unset.
func (sc *Scheduler) NextFeed() time.Time {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.nextFeed
}

// NextFeedUnix returns the next feed as a unix timestamp, 0 = unset,
// matching the persisted representation.
func (sc *Scheduler) NextFeedUnix() int64 {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.nextFeed.IsZero() {
		return 0
	}
	return sc.nextFeed.Unix()
}

// Restore reinstates schedule state from a persisted snapshot.
func (sc *Scheduler) Restore(mode ScheduleMode, gapHours float64, hour, minute int, nextFeedUnix int64) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if mode == ModeDaily {
		sc.mode = ModeDaily
	} else {
		sc.mode = ModeInterval
	}
	if gapHours >= 1 && gapHours <= 48 {
		sc.feedGapHours = gapHours
	}
	if hour >= 0 && hour <= 23 {
		sc.dailyHour = hour
	}
	if minute >= 0 && minute <= 59 {
		sc.dailyMinute = minute
	}
	if nextFeedUnix > 0 {
		sc.nextFeed = time.Unix(nextFeedUnix, 0)
	} else {
		sc.nextFeed = time.Time{}
	}
}

// dailyTarget is today's date at the configured time-of-day, in now's
// location. Caller holds sc.mu.
func (sc *Scheduler) dailyTarget(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day(),
		sc.dailyHour, sc.dailyMinute, 0, 0, now.Location())
}

func (sc *Scheduler) gap() time.Duration {
	return time.Duration(sc.feedGapHours * float64(time.Hour))
}
