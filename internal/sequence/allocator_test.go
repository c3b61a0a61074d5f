package sequence

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"armadaledger/backend/internal/store/memory"
)

func TestAllocateSequentialNumbers(t *testing.T) {
	allocator := New(memory.New(), zerolog.Nop())
	ctx := context.Background()
	date := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

	first, err := allocator.Allocate(ctx, date)
	if err != nil {
		t.Fatalf("allocate failed: %v", err)
	}
	if first != "202601150001" {
		t.Fatalf("expected 202601150001, got %s", first)
	}

	second, err := allocator.Allocate(ctx, date)
	if err != nil {
		t.Fatalf("allocate failed: %v", err)
	}
	if second != "202601150002" {
		t.Fatalf("expected 202601150002, got %s", second)
	}
}

func TestAllocateResetsPerDate(t *testing.T) {
	allocator := New(memory.New(), zerolog.Nop())
	ctx := context.Background()

	if _, err := allocator.Allocate(ctx, time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("allocate failed: %v", err)
	}
	nextDay, err := allocator.Allocate(ctx, time.Date(2026, 1, 16, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("allocate failed: %v", err)
	}
	if nextDay != "202601160001" {
		t.Fatalf("expected sequence to restart on new date, got %s", nextDay)
	}
}

func TestAllocateConcurrentDistinct(t *testing.T) {
	allocator := New(memory.New(), zerolog.Nop())
	ctx := context.Background()
	date := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)

	const workers = 1000
	var wg sync.WaitGroup
	numbers := make(chan string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			number, err := allocator.Allocate(ctx, date)
			if err != nil {
				numbers <- "error"
				return
			}
			numbers <- number
		}()
	}
	wg.Wait()
	close(numbers)

	seen := make(map[string]bool, workers)
	for number := range numbers {
		if number == "error" {
			t.Fatalf("allocation error")
		}
		if seen[number] {
			t.Fatalf("duplicate number %s", number)
		}
		seen[number] = true
	}
	if len(seen) != workers {
		t.Fatalf("expected %d distinct numbers, got %d", workers, len(seen))
	}
}

// counterStore has a working sequence counter over a shared claim set, so a
// counter-issued candidate can collide with a number handed out earlier by
// the scan fallback.
type counterStore struct {
	mu      sync.Mutex
	seq     int
	claimed map[string]bool
}

func (s *counterStore) NextInvoiceSequence(ctx context.Context, prefix string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq, nil
}

func (s *counterStore) MaxInvoiceNumber(ctx context.Context, prefix string) (string, error) {
	return "", nil
}

func (s *counterStore) ClaimInvoiceNumber(ctx context.Context, number string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimed[number] {
		return false, nil
	}
	s.claimed[number] = true
	return true, nil
}

func TestAllocateCounterSkipsAlreadyIssuedNumbers(t *testing.T) {
	store := &counterStore{claimed: map[string]bool{"202601150001": true}}
	allocator := New(store, zerolog.Nop())

	number, err := allocator.Allocate(context.Background(), time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("allocate failed: %v", err)
	}
	if number != "202601150002" {
		t.Fatalf("expected counter to skip the issued number, got %s", number)
	}
}

// scanOnlyStore has no working sequence counter, forcing the scan+claim
// fallback path.
type scanOnlyStore struct {
	mu      sync.Mutex
	max     string
	claimed map[string]bool

	seqErr    error
	scanErr   error
	claimErr  error
	rejectAll bool
}

func newScanOnlyStore(max string) *scanOnlyStore {
	return &scanOnlyStore{
		max:     max,
		claimed: make(map[string]bool),
		seqErr:  errors.New("counter table missing"),
	}
}

func (s *scanOnlyStore) NextInvoiceSequence(ctx context.Context, prefix string) (int, error) {
	return 0, s.seqErr
}

func (s *scanOnlyStore) MaxInvoiceNumber(ctx context.Context, prefix string) (string, error) {
	if s.scanErr != nil {
		return "", s.scanErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.max, nil
}

func (s *scanOnlyStore) ClaimInvoiceNumber(ctx context.Context, number string) (bool, error) {
	if s.claimErr != nil {
		return false, s.claimErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rejectAll || s.claimed[number] {
		return false, nil
	}
	s.claimed[number] = true
	if number > s.max {
		s.max = number
	}
	return true, nil
}

func TestAllocateScanFallback(t *testing.T) {
	store := newScanOnlyStore("202601150007")
	allocator := New(store, zerolog.Nop())

	number, err := allocator.Allocate(context.Background(), time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("allocate failed: %v", err)
	}
	if number != "202601150008" {
		t.Fatalf("expected 202601150008 from scan fallback, got %s", number)
	}
}

func TestAllocateScanFallbackRetriesCollisions(t *testing.T) {
	store := newScanOnlyStore("")
	// The first candidate is already taken; the retry must carry a suffix.
	store.claimed["202601150001"] = true
	allocator := New(store, zerolog.Nop())

	number, err := allocator.Allocate(context.Background(), time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("allocate failed: %v", err)
	}
	if !strings.HasPrefix(number, "202601150001-") {
		t.Fatalf("expected suffixed retry number, got %s", number)
	}
}

func TestAllocateExhaustion(t *testing.T) {
	store := newScanOnlyStore("")
	store.rejectAll = true
	allocator := New(store, zerolog.Nop())

	_, err := allocator.Allocate(context.Background(), time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC))
	if !errors.Is(err, ErrAllocationExhausted) {
		t.Fatalf("expected ErrAllocationExhausted, got %v", err)
	}
}

func TestAllocateDegradesToTimestamp(t *testing.T) {
	store := newScanOnlyStore("")
	store.scanErr = errors.New("storage down")
	allocator := New(store, zerolog.Nop())
	allocator.now = func() time.Time {
		return time.Date(2026, 1, 15, 14, 30, 45, 0, time.UTC)
	}

	number, err := allocator.Allocate(context.Background(), time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("allocate failed: %v", err)
	}
	if number != "INV-20260115143045" {
		t.Fatalf("expected timestamp-derived number, got %s", number)
	}
}

func TestParseTrailingSequence(t *testing.T) {
	cases := []struct {
		number string
		prefix string
		want   int
	}{
		{"202601150007", "20260115", 7},
		{"202601150042-a3f1", "20260115", 42},
		{"", "20260115", 0},
		{"20260116xxxx", "20260115", 0},
		{"20260115abcd", "20260115", 0},
	}
	for _, tc := range cases {
		if got := parseTrailingSequence(tc.number, tc.prefix); got != tc.want {
			t.Fatalf("parseTrailingSequence(%q, %q) = %d, want %d", tc.number, tc.prefix, got, tc.want)
		}
	}
}
