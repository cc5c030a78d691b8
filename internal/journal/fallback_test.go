package journal_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/orchestra/internal/journal"
	"github.com/MrWong99/orchestra/internal/resilience"
)

// downStore fails every call.
type downStore struct{ calls int }

var errDown = errors.New("database is down")

func (d *downStore) Record(context.Context, journal.Entry) error { d.calls++; return errDown }
func (d *downStore) List(context.Context, journal.Filter) ([]journal.Entry, error) {
	d.calls++
	return nil, errDown
}
func (d *downStore) Ping(context.Context) error { d.calls++; return errDown }
func (d *downStore) Close() error               { return nil }

func TestFallbackStore_FailsOver(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	primary := &downStore{}
	mem := journal.NewMemStore()

	s := journal.NewFallbackStore(primary, "postgres", resilience.Config{MaxFailures: 2, ResetTimeout: time.Hour})
	s.AddFallback("memory", mem)

	for range 5 {
		if err := s.Record(ctx, journal.Entry{Event: journal.KindOpened}); err != nil {
			t.Fatalf("Record() error: %v", err)
		}
	}
	if primary.calls != 2 {
		t.Errorf("primary called %d times, want 2 before its breaker opened", primary.calls)
	}

	got, err := s.List(ctx, journal.Filter{})
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(got) != 5 {
		t.Errorf("List() = %d entries, want 5", len(got))
	}
	if err := s.Ping(ctx); err != nil {
		t.Errorf("Ping() error = %v, want nil while memory is up", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if err := mem.Ping(ctx); !errors.Is(err, journal.ErrClosed) {
		t.Errorf("fallback store not closed: Ping() = %v", err)
	}
}

func TestFallbackStore_AllDown(t *testing.T) {
	t.Parallel()
	s := journal.NewFallbackStore(&downStore{}, "a", resilience.Config{})
	s.AddFallback("b", &downStore{})
	err := s.Record(context.Background(), journal.Entry{})
	if !errors.Is(err, resilience.ErrAllFailed) || !errors.Is(err, errDown) {
		t.Errorf("Record() error = %v, want ErrAllFailed wrapping the store error", err)
	}
}
