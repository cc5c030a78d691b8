package journal

import (
	"context"
	"errors"

	"github.com/MrWong99/orchestra/internal/resilience"
)

// FallbackStore writes to a primary store and fails over to secondary
// stores while the primary is down. Each store sits behind its own circuit
// breaker, so a dead database is probed only after the breaker's reset
// timeout instead of on every entry.
//
// Reads come from the first store that answers; entries written during an
// outage are only visible through the store that took them.
type FallbackStore struct {
	group *resilience.FallbackGroup[Store]
}

var _ Store = (*FallbackStore)(nil)

// NewFallbackStore returns a store that prefers primary.
func NewFallbackStore(primary Store, primaryName string, cfg resilience.Config) *FallbackStore {
	return &FallbackStore{group: resilience.NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback appends a store tried after all earlier ones.
func (f *FallbackStore) AddFallback(name string, s Store) {
	f.group.AddFallback(name, s)
}

// Record implements [Store].
func (f *FallbackStore) Record(ctx context.Context, e Entry) error {
	return f.group.Execute(func(s Store) error { return s.Record(ctx, e) })
}

// List implements [Store].
func (f *FallbackStore) List(ctx context.Context, flt Filter) ([]Entry, error) {
	return resilience.ExecuteWithResult(f.group, func(s Store) ([]Entry, error) {
		return s.List(ctx, flt)
	})
}

// Ping succeeds while any store is reachable.
func (f *FallbackStore) Ping(ctx context.Context) error {
	return f.group.Execute(func(s Store) error { return s.Ping(ctx) })
}

// Close closes every store.
func (f *FallbackStore) Close() error {
	var errs []error
	f.group.Each(func(_ string, s Store) {
		errs = append(errs, s.Close())
	})
	return errors.Join(errs...)
}
