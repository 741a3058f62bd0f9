package sequence

import (
	"context"
	"errors"
	"sort"

	"go.uber.org/zap"
)

// ErrNilCommit is returned when Next is called without a commit callback.
var ErrNilCommit = errors.New("sequence_nil_commit")

// ScopeQuery exposes the occupied values of one sequence scope, for example
// all invoice sequential ids of a customer.
type ScopeQuery interface {
	// MaxValue returns the highest value currently taken, zero when none.
	MaxValue(ctx context.Context) (int64, error)
	// Exists reports whether value is already taken in the scope.
	Exists(ctx context.Context, value int64) (bool, error)
}

// Allocator hands out gap-free sequential values. Callers wrap the whole
// unit of work that consumes a value in Locked, so the read-probe-commit
// cycle stays atomic relative to the transaction that makes it visible.
type Allocator struct {
	locker Locker
	log    *zap.Logger
}

func NewAllocator(locker Locker, log *zap.Logger) *Allocator {
	return &Allocator{locker: locker, log: log.Named("sequence.allocator")}
}

// Locked runs fn while every key is held. Keys are acquired in sorted order
// so callers locking overlapping sets cannot deadlock each other. The keys
// must stay held until the transaction that persists the allocated values
// commits; a holder that releases earlier lets the next one read a stale max
// and collide.
func (a *Allocator) Locked(ctx context.Context, keys []string, fn func() error) error {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	var run func(i int) error
	run = func(i int) error {
		if i == len(sorted) {
			return fn()
		}
		return a.locker.WithLock(ctx, sorted[i], func() error { return run(i + 1) })
	}

	err := run(0)
	if errors.Is(err, ErrLockTimeout) {
		a.log.Warn("sequence lock wait timed out", zap.Strings("lock_keys", sorted))
	}
	return err
}

// Next reserves the next free value in scope and persists it through commit.
// The caller must hold the scope's lock key, via Locked. Next starts probing
// at max+1 and walks forward past values taken by rows the MAX cannot see,
// such as deleted or re-imported documents.
func (a *Allocator) Next(ctx context.Context, scope ScopeQuery, commit func(ctx context.Context, value int64) error) (int64, error) {
	if commit == nil {
		return 0, ErrNilCommit
	}

	max, err := scope.MaxValue(ctx)
	if err != nil {
		return 0, err
	}

	candidate := max + 1
	for {
		taken, err := scope.Exists(ctx, candidate)
		if err != nil {
			return 0, err
		}
		if !taken {
			break
		}
		candidate++
	}

	if err := commit(ctx, candidate); err != nil {
		return 0, err
	}
	return candidate, nil
}
