package service

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// CheckoutPurger deletes pending checkout records created before cutoff.
type CheckoutPurger interface {
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// JanitorService periodically drops pending checkouts nobody came back for.
// A record whose webview never returned is never verified or abandoned by a
// session, so it would otherwise stay in the store forever.
type JanitorService struct {
	store    CheckoutPurger
	maxAge   time.Duration
	interval time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

// NewJanitorService creates a janitor removing records older than maxAge every interval.
func NewJanitorService(store CheckoutPurger, maxAge, interval time.Duration, logger *zap.Logger) *JanitorService {
	return &JanitorService{
		store:    store,
		maxAge:   maxAge,
		interval: interval,
		now:      time.Now,
		logger:   logger.Named("janitor"),
	}
}

// Start begins the purge loop in a background goroutine. It stops with ctx.
func (s *JanitorService) Start(ctx context.Context) {
	go func() {
		s.purge(ctx)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.purge(ctx)
			}
		}
	}()
}

func (s *JanitorService) purge(ctx context.Context) int64 {
	n, err := s.store.PurgeOlderThan(ctx, s.now().Add(-s.maxAge))
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("failed to purge stale checkouts", zap.Error(err))
		}
		return 0
	}
	if n > 0 {
		s.logger.Info("purged stale checkouts", zap.Int64("count", n))
	}
	return n
}
