// Package quota provides per-tenant backtest admission control.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Service enforces a per-tenant cap on backtest runs per hour. Counting
// rides on the cache's atomic counters, so the quota is shared across
// nodes on the Pro tier.
type Service struct {
	cache  domain.Cache
	limit  int64
	window time.Duration
}

// NewService creates a quota service. A limit <= 0 disables admission
// control entirely.
func NewService(cache domain.Cache, runsPerHour int) *Service {
	return &Service{
		cache:  cache,
		limit:  int64(runsPerHour),
		window: time.Hour,
	}
}

// Allow consumes one run from the tenant's quota. It returns whether the
// run is admitted and how many runs remain in the current window. A
// rejected call still consumes nothing beyond the counter increment.
func (s *Service) Allow(ctx context.Context, tenantID string) (bool, int64, error) {
	if tenantID == "" {
		return false, 0, fmt.Errorf("tenantID is required")
	}
	if s.limit <= 0 {
		return true, -1, nil
	}

	count, err := s.cache.IncrementCounter(ctx, tenantID, "backtest_runs", s.window)
	if err != nil {
		return false, 0, fmt.Errorf("quota counter failed: %w", err)
	}

	remaining := s.limit - count
	if remaining < 0 {
		remaining = 0
	}
	return count <= s.limit, remaining, nil
}

// Limit returns the configured runs-per-hour cap.
func (s *Service) Limit() int64 {
	return s.limit
}
