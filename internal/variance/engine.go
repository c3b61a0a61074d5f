package variance

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"armadaledger/backend/internal/cache"
	"armadaledger/backend/internal/domain"
)

// Engine scans reconciliation records for statistical wastage outliers and
// recurring per-truck variance patterns. It only reports candidates; flagging
// a record for investigation is a separate manual operation.
type Engine struct {
	cache    cache.AnomalyCache
	cacheTTL time.Duration
}

func NewEngine(cacheStore cache.AnomalyCache, cacheTTL time.Duration) *Engine {
	if cacheStore == nil {
		cacheStore = cache.NoopAnomalyCache{}
	}
	if cacheTTL <= 0 {
		cacheTTL = 60 * time.Second
	}

	return &Engine{
		cache:    cacheStore,
		cacheTTL: cacheTTL,
	}
}

// FindAnomalies flags records whose wastage percentage exceeds
// mean + k*stddev over the given records. The standard deviation is the
// population deviation: the window is treated as the whole population of
// interest, not a sample of a larger one.
func (e *Engine) FindAnomalies(ctx context.Context, records []domain.DailyReconciliation, windowDays int, k float64) domain.AnomalyScanResult {
	result := domain.AnomalyScanResult{
		WindowDays: windowDays,
		KStdDev:    k,
		Scanned:    len(records),
		Anomalies:  []domain.DailyReconciliation{},
	}
	if len(records) == 0 {
		return result
	}

	cacheKey := buildCacheKey(records, windowDays, k)
	if cached, ok, err := e.cache.Get(ctx, cacheKey); err == nil && ok {
		return *cached
	}

	mean, stddev := meanStdDev(records)
	result.Mean = round4(mean)
	result.StdDev = round4(stddev)

	cutoff := mean + k*stddev
	for _, rec := range records {
		if rec.WastagePercent > cutoff {
			result.Anomalies = append(result.Anomalies, rec)
		}
	}
	sort.Slice(result.Anomalies, func(i, j int) bool {
		return result.Anomalies[i].WastagePercent > result.Anomalies[j].WastagePercent
	})

	_ = e.cache.Set(ctx, cacheKey, &result, e.cacheTTL)
	return result
}

// ConsistentPatterns groups records exceeding the wastage threshold by truck
// and reports trucks with at least three such days inside any dayRange-day
// span: a recurring operational problem rather than a one-off.
func (e *Engine) ConsistentPatterns(records []domain.DailyReconciliation, threshold float64, dayRange int) map[string][]domain.DailyReconciliation {
	if dayRange < 1 {
		dayRange = 30
	}

	byTruck := make(map[string][]domain.DailyReconciliation)
	for _, rec := range records {
		if rec.WastagePercent <= threshold {
			continue
		}
		byTruck[rec.TruckID] = append(byTruck[rec.TruckID], rec)
	}

	patterns := make(map[string][]domain.DailyReconciliation)
	for truckID, recs := range byTruck {
		sort.Slice(recs, func(i, j int) bool { return recs[i].ReconDate.Before(recs[j].ReconDate) })
		if hasWindowOfThree(recs, dayRange) {
			patterns[truckID] = recs
		}
	}
	return patterns
}

func hasWindowOfThree(recs []domain.DailyReconciliation, dayRange int) bool {
	span := time.Duration(dayRange) * 24 * time.Hour
	for i := 0; i+2 < len(recs); i++ {
		if recs[i+2].ReconDate.Sub(recs[i].ReconDate) <= span {
			return true
		}
	}
	return false
}

func meanStdDev(records []domain.DailyReconciliation) (float64, float64) {
	sum := 0.0
	for _, rec := range records {
		sum += rec.WastagePercent
	}
	mean := sum / float64(len(records))

	variance := 0.0
	for _, rec := range records {
		delta := rec.WastagePercent - mean
		variance += delta * delta
	}
	variance /= float64(len(records))

	return mean, math.Sqrt(variance)
}

func buildCacheKey(records []domain.DailyReconciliation, windowDays int, k float64) string {
	parts := make([]string, 0, len(records)+2)
	parts = append(parts, fmt.Sprintf("w:%d", windowDays))
	parts = append(parts, fmt.Sprintf("k:%.3f", k))
	for _, rec := range records {
		parts = append(parts, fmt.Sprintf("%s:%s:%.4f", rec.ID, rec.UpdatedAt.Format(time.RFC3339), rec.WastagePercent))
	}

	hash := sha1.Sum([]byte(strings.Join(parts, "|")))
	return "ledger:anomaly:" + hex.EncodeToString(hash[:])
}

func round4(val float64) float64 {
	return math.Round(val*10000) / 10000
}
