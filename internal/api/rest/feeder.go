package rest

import (
	"net/http"
	"time"

	"github.com/KevinKickass/OpenFeederCore/internal/command"
	"github.com/KevinKickass/OpenFeederCore/internal/feeder"
	"github.com/KevinKickass/OpenFeederCore/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// GET /api/v1/feeder/status
func (s *Server) getFeederStatus(c *gin.Context) {
	m := s.lm.Marlin()
	seq := s.lm.Sequencer()
	sched := s.lm.Scheduler()

	pos := m.PositionNow()

	status := gin.H{
		"phase":            string(seq.PhaseNow()),
		"dispensing":       seq.Running(),
		"protocol_state":   string(m.StateNow()),
		"x_position":       pos.X,
		"z_position":       pos.Z,
		"cans_loaded":      seq.CansLoaded(),
		"startup_complete": s.lm.StartupComplete(),
		"schedule_mode":    string(sched.Mode()),
		"next_feed":        sched.NextFeedUnix(),
	}

	// A non-terminal protocol state that has waited this long on an ack
	// almost always means the serial link or the firmware died.
	if since := m.AwaitingSince(); !since.IsZero() {
		status["awaiting_ack_seconds"] = time.Since(since).Seconds()
	}

	c.JSON(http.StatusOK, status)
}

// POST /api/v1/feeder/command
func (s *Server) postFeederCommand(c *gin.Context) {
	var req struct {
		Action string `json:"action" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("FEEDER_400", "Invalid request body", err.Error()))
		return
	}

	action, err := command.ParseAction(req.Action)
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("FEEDER_400", "Unknown action", err.Error()))
		return
	}

	id, err := s.lm.Inbox().Post(action)
	if err != nil {
		s.logger.Warn("Trigger rejected",
			zap.String("action", req.Action),
			zap.Error(err))
		c.JSON(http.StatusConflict, types.NewErrorResponse("FEEDER_409", "Trigger already pending", err.Error()))
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"message":    "Trigger accepted",
		"trigger_id": id.String(),
		"action":     req.Action,
	})
}

// GET /api/v1/feeder/schedule
func (s *Server) getSchedule(c *gin.Context) {
	sched := s.lm.Scheduler()
	hour, minute := sched.DailyTime()

	c.JSON(http.StatusOK, gin.H{
		"mode":           string(sched.Mode()),
		"feed_gap_hours": sched.FeedGapHours(),
		"daily_hour":     hour,
		"daily_minute":   minute,
		"next_feed":      sched.NextFeedUnix(),
	})
}

// PUT /api/v1/feeder/schedule
func (s *Server) putSchedule(c *gin.Context) {
	var req struct {
		Mode         *string  `json:"mode"`
		FeedGapHours *float64 `json:"feed_gap_hours"`
		DailyHour    *int     `json:"daily_hour"`
		DailyMinute  *int     `json:"daily_minute"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("FEEDER_400", "Invalid request body", err.Error()))
		return
	}

	sched := s.lm.Scheduler()

	if req.FeedGapHours != nil {
		sched.SetFeedGap(*req.FeedGapHours)
	}
	if req.DailyHour != nil || req.DailyMinute != nil {
		hour, minute := sched.DailyTime()
		if req.DailyHour != nil {
			hour = *req.DailyHour
		}
		if req.DailyMinute != nil {
			minute = *req.DailyMinute
		}
		sched.SetDailyTime(hour, minute)
	}

	if req.Mode != nil {
		switch feeder.ScheduleMode(*req.Mode) {
		case feeder.ModeDaily:
			sched.ActivateDaily(time.Now())
		case feeder.ModeInterval:
			sched.ResetInterval(time.Now())
		default:
			c.JSON(http.StatusBadRequest, types.NewErrorResponse("FEEDER_400", "Unknown schedule mode", *req.Mode))
			return
		}
	} else if sched.Mode() == feeder.ModeDaily && (req.DailyHour != nil || req.DailyMinute != nil) {
		// Changing the daily time reanchors the next occurrence
		sched.ActivateDaily(time.Now())
	}

	s.lm.Persist()

	hour, minute := sched.DailyTime()
	c.JSON(http.StatusOK, gin.H{
		"mode":           string(sched.Mode()),
		"feed_gap_hours": sched.FeedGapHours(),
		"daily_hour":     hour,
		"daily_minute":   minute,
		"next_feed":      sched.NextFeedUnix(),
	})
}

// GET /api/v1/feeder/calibration
func (s *Server) getCalibration(c *gin.Context) {
	seq := s.lm.Sequencer()

	c.JSON(http.StatusOK, gin.H{
		"eject_last":      seq.EjectLast(),
		"open_last":       seq.OpenLast(),
		"can_open_offset": seq.CanOpenOffset(),
		"cans_loaded":     seq.CansLoaded(),
	})
}

// PUT /api/v1/feeder/calibration
func (s *Server) putCalibration(c *gin.Context) {
	var req struct {
		EjectLast *float64 `json:"eject_last"`
		Nudge     *float64 `json:"nudge"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("FEEDER_400", "Invalid request body", err.Error()))
		return
	}

	seq := s.lm.Sequencer()

	if seq.Running() {
		c.JSON(http.StatusConflict, types.NewErrorResponse("FEEDER_409", "Dispense in progress", "calibration is only allowed while idle"))
		return
	}

	var err error
	switch {
	case req.EjectLast != nil:
		err = seq.SetEjectLast(*req.EjectLast)
	case req.Nudge != nil:
		err = seq.NudgeEjectLast(*req.Nudge)
	default:
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("FEEDER_400", "Missing field", "provide eject_last or nudge"))
		return
	}

	if err != nil {
		s.logger.Error("Calibration move failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse("FEEDER_500", "Calibration move failed", err.Error()))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"eject_last":      seq.EjectLast(),
		"open_last":       seq.OpenLast(),
		"can_open_offset": seq.CanOpenOffset(),
	})
}
