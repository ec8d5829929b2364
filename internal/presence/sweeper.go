package presence

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"pushhub/internal/logging"
	"pushhub/internal/metrics"
)

// Sweeper periodically evicts stale subscriptions. It never touches
// connections or rooms.
type Sweeper struct {
	subs      *SubscriptionTable
	interval  time.Duration
	threshold time.Duration
	clock     Clock
	logger    zerolog.Logger
}

func NewSweeper(subs *SubscriptionTable, interval, threshold time.Duration, clock Clock) *Sweeper {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Sweeper{
		subs:      subs,
		interval:  interval,
		threshold: threshold,
		clock:     clock,
		logger:    logging.Component("sweeper"),
	}
}

// Run sweeps on every tick until ctx is cancelled
func (s *Sweeper) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().
		Dur("interval", s.interval).
		Dur("threshold", s.threshold).
		Msg("sweeper started")
	defer s.logger.Info().Msg("sweeper stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			s.SweepOnce()
		}
	}
}

// SweepOnce runs a single pass at the clock's current time
func (s *Sweeper) SweepOnce() []Eviction {
	evicted := s.subs.Sweep(s.clock.Now(), s.threshold)
	for _, e := range evicted {
		s.logger.Info().
			Str("actor_id", e.ActorID.String()).
			Int64("technician_id", e.TechnicianID).
			Dur("idle", e.Idle).
			Msg("evicted stale subscription")
	}
	if len(evicted) > 0 {
		metrics.GetMetrics().SweeperEvictions.Add(float64(len(evicted)))
	}
	return evicted
}
