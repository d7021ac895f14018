package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// HoldExpirer cancels pending bookings whose payment hold ran out.
type HoldExpirer interface {
	ExpireStaleHolds(ctx context.Context) (int, error)
}

// HoldSweeper runs hold expiry on a fixed interval.
type HoldSweeper struct {
	expirer  HoldExpirer
	interval time.Duration
	logger   *zerolog.Logger
}

func NewHoldSweeper(expirer HoldExpirer, interval time.Duration, logger *zerolog.Logger) *HoldSweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &HoldSweeper{expirer: expirer, interval: interval, logger: logger}
}

// Start sweeps once immediately, then on every tick until ctx is done.
func (s *HoldSweeper) Start(ctx context.Context) {
	s.logger.Info().Dur("interval", s.interval).Msg("hold sweeper started")
	defer s.logger.Info().Msg("hold sweeper stopped")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *HoldSweeper) sweep(ctx context.Context) {
	n, err := s.expirer.ExpireStaleHolds(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("expire stale holds")
		return
	}
	if n > 0 {
		s.logger.Info().Int("expired", n).Msg("stale holds cancelled")
	}
}
