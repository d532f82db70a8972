package feeder

import (
	"github.com/KevinKickass/OpenFeederCore/internal/marlin"
	"go.uber.org/zap"
)

// Calibration revolves around ejectLast, the Z height at which the
// bottom can of a full magazine is ejected. The opening height is
// always derived from it, never stored: openLast = ejectLast minus the
// eject lift. Everything else follows from the magazine geometry.

// EjectLast returns the calibrated eject height in mm.
func (s *Sequencer) EjectLast() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ejectLast
}

// OpenLast returns the derived can-opening height. Recomputed on every
// call so it can never drift from ejectLast.
func (s *Sequencer) OpenLast() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openLastLocked()
}

func (s *Sequencer) openLastLocked() float64 {
	return s.ejectLast - s.cfg.CanToEject
}

// CanOpenOffset computes the Z height that puts the next loaded can at
// opening level for the current magazine fill.
func (s *Sequencer) CanOpenOffset() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canOpenOffsetLocked()
}

func (s *Sequencer) canOpenOffsetLocked() float64 {
	return (s.openLastLocked() + s.cfg.CartridgeHeight) - float64(s.cansLoaded)*s.cfg.CartridgeHeight
}

// SetEjectLast overrides the calibration (snapshot restore and the
// settings API) and moves the magazine to the matching open offset.
func (s *Sequencer) SetEjectLast(v float64) error {
	s.mu.Lock()
	if v > 0 {
		s.ejectLast = v
	}
	offset := s.canOpenOffsetLocked()
	s.mu.Unlock()

	s.logger.Info("Calibration updated",
		zap.Float64("eject_last", v),
		zap.Float64("can_open_offset", offset))

	err := s.marlin.MoveZTo(offset)
	s.persistNow()
	return err
}

// NudgeEjectLast adjusts the calibration by delta mm (the operator's
// 0.25mm up/down steps) and moves Z live so the change is visible.
func (s *Sequencer) NudgeEjectLast(delta float64) error {
	s.mu.Lock()
	s.ejectLast += delta
	offset := s.canOpenOffsetLocked()
	s.mu.Unlock()

	s.logger.Info("Calibration nudged",
		zap.Float64("delta", delta),
		zap.Float64("can_open_offset", offset))

	err := s.marlin.MoveZTo(offset)
	s.persistNow()
	return err
}

// CanLoadLower drops the magazine by one can height to make room for a
// fresh can on top. Only valid while the protocol machine is idle.
func (s *Sequencer) CanLoadLower() error {
	if s.marlin.StateNow() != marlin.StateIdle {
		return ErrBusy
	}

	s.mu.Lock()
	if s.cansLoaded >= s.cfg.MaxCans {
		s.mu.Unlock()
		return ErrMagazineFull
	}
	s.mu.Unlock()

	z := s.marlin.PositionNow().Z
	return s.marlin.MoveZTo(z - s.cfg.NextCan)
}

// CanLoadFinish records the freshly inserted can and raises the
// magazine so the new can sits at opening height.
func (s *Sequencer) CanLoadFinish() error {
	if s.marlin.StateNow() != marlin.StateIdle {
		return ErrBusy
	}

	s.mu.Lock()
	if s.cansLoaded >= s.cfg.MaxCans {
		s.mu.Unlock()
		return ErrMagazineFull
	}
	s.cansLoaded++
	offset := s.canOpenOffsetLocked()
	s.mu.Unlock()

	s.logger.Info("Can loaded", zap.Int("cans_loaded", s.CansLoaded()))

	err := s.marlin.MoveZTo(offset)
	s.persistNow()
	return err
}
