package cache

import (
	"context"
	"time"

	"armadaledger/backend/internal/domain"
)

// AnomalyCache holds recent anomaly scan results so repeated dashboard polls
// do not recompute the window statistics on every request.
type AnomalyCache interface {
	Get(ctx context.Context, key string) (*domain.AnomalyScanResult, bool, error)
	Set(ctx context.Context, key string, value *domain.AnomalyScanResult, ttl time.Duration) error
}

type NoopAnomalyCache struct{}

func (NoopAnomalyCache) Get(_ context.Context, _ string) (*domain.AnomalyScanResult, bool, error) {
	return nil, false, nil
}

func (NoopAnomalyCache) Set(_ context.Context, _ string, _ *domain.AnomalyScanResult, _ time.Duration) error {
	return nil
}
