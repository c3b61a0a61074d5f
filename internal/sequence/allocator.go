package sequence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"armadaledger/backend/internal/xid"
)

// ErrAllocationExhausted means the collision-retry bound was exceeded. This
// should never happen under normal load and indicates a deeper contention
// problem; it is surfaced to the caller rather than retried.
var ErrAllocationExhausted = errors.New("invoice number allocation exhausted")

const maxAttempts = 10

// Store is the slice of the repository the allocator needs.
type Store interface {
	NextInvoiceSequence(ctx context.Context, prefix string) (int, error)
	MaxInvoiceNumber(ctx context.Context, prefix string) (string, error)
	ClaimInvoiceNumber(ctx context.Context, number string) (bool, error)
}

// Allocator hands out date-scoped invoice numbers: a YYYYMMDD prefix plus a
// 4-digit zero-padded sequence. The primary path is an atomic per-date
// counter whose candidates are claim-checked against already-issued numbers.
// When the counter is unavailable it falls back to scanning the largest
// existing number and claiming the increment, retrying collisions with a
// random suffix; when even the scan fails it degrades to a timestamp-derived
// number so invoice creation never blocks on allocation.
type Allocator struct {
	store Store
	log   zerolog.Logger
	now   func() time.Time
}

func New(store Store, log zerolog.Logger) *Allocator {
	return &Allocator{store: store, log: log, now: func() time.Time { return time.Now().UTC() }}
}

func (a *Allocator) Allocate(ctx context.Context, date time.Time) (string, error) {
	prefix := date.UTC().Format("20060102")

	for attempt := 0; attempt < maxAttempts; attempt++ {
		seq, err := a.store.NextInvoiceSequence(ctx, prefix)
		if err != nil {
			a.log.Warn().Err(err).Str("prefix", prefix).Msg("sequence counter unavailable, falling back to scan allocation")
			return a.allocateByScan(ctx, prefix)
		}

		// The scan fallback may have issued this number during an earlier
		// counter outage; advancing the counter skips past it.
		candidate := fmt.Sprintf("%s%04d", prefix, seq)
		claimed, err := a.store.ClaimInvoiceNumber(ctx, candidate)
		if err != nil {
			a.log.Warn().Err(err).Str("prefix", prefix).Msg("number claim unavailable, falling back to scan allocation")
			return a.allocateByScan(ctx, prefix)
		}
		if claimed {
			return candidate, nil
		}
		a.log.Warn().Str("candidate", candidate).Int("attempt", attempt+1).
			Msg("counter-issued number already claimed, advancing")
	}

	return a.allocateByScan(ctx, prefix)
}

func (a *Allocator) allocateByScan(ctx context.Context, prefix string) (string, error) {
	last, err := a.store.MaxInvoiceNumber(ctx, prefix)
	if err != nil {
		// Availability over strict format: a second-granularity timestamp is
		// unique with overwhelming probability.
		degraded := "INV-" + a.now().Format("20060102150405")
		a.log.Error().Err(err).Str("prefix", prefix).Str("number", degraded).
			Msg("invoice number scan failed, issuing timestamp-derived number")
		return degraded, nil
	}

	next := parseTrailingSequence(last, prefix) + 1
	for attempt := 0; attempt < maxAttempts; attempt++ {
		candidate := fmt.Sprintf("%s%04d", prefix, next)
		if attempt > 0 {
			candidate = fmt.Sprintf("%s-%s", candidate, xid.Suffix())
		}

		claimed, err := a.store.ClaimInvoiceNumber(ctx, candidate)
		if err != nil {
			degraded := "INV-" + a.now().Format("20060102150405")
			a.log.Error().Err(err).Str("prefix", prefix).Str("number", degraded).
				Msg("invoice number claim failed, issuing timestamp-derived number")
			return degraded, nil
		}
		if claimed {
			return candidate, nil
		}
		a.log.Warn().Str("candidate", candidate).Int("attempt", attempt+1).
			Msg("invoice number collision, retrying with suffix")
	}

	return "", ErrAllocationExhausted
}

// parseTrailingSequence extracts the numeric sequence after the date prefix.
// Suffixed numbers from earlier collision retries ("202601150007-a3f1")
// contribute their base sequence.
func parseTrailingSequence(number string, prefix string) int {
	if number == "" || !strings.HasPrefix(number, prefix) {
		return 0
	}
	tail := strings.TrimPrefix(number, prefix)
	if idx := strings.IndexByte(tail, '-'); idx >= 0 {
		tail = tail[:idx]
	}
	seq, err := strconv.Atoi(tail)
	if err != nil || seq < 0 {
		return 0
	}
	return seq
}
