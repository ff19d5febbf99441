package fact

import (
	"context"
	"fmt"
	"time"

	"github.com/malbeclabs/fooddw/warehouse/pkg/dimension"
	"github.com/malbeclabs/fooddw/warehouse/pkg/entity"
)

const (
	// KeyNone is bound when a reference is null or absent, for example an order without a
	// promotion.
	KeyNone int64 = 0
	// KeyUnknown is bound when no dimension version covers the business timestamp.
	KeyUnknown int64 = -1
)

type Resolution string

const (
	Resolved Resolution = "resolved"
	// ResolvedNone means the reference was empty.
	ResolvedNone Resolution = "none"
	// ResolvedUnknown means the natural key has no dimension history at all.
	ResolvedUnknown Resolution = "unknown"
	// ResolvedOutOfRange means the natural key has history, but not at the requested instant.
	ResolvedOutOfRange Resolution = "out_of_range"
)

// Resolver performs point-in-time lookups: it binds a natural key to the surrogate key of the
// version whose [effective_from, effective_to) contains the business timestamp.
type Resolver struct {
	store   dimension.Store
	locks   *dimension.KeyLock
	timeout time.Duration
}

func NewResolver(store dimension.Store, locks *dimension.KeyLock, timeout time.Duration) *Resolver {
	if timeout <= 0 {
		timeout = dimension.DefaultOpTimeout
	}
	return &Resolver{store: store, locks: locks, timeout: timeout}
}

func (r *Resolver) Resolve(ctx context.Context, dim entity.Type, naturalKey string, at time.Time) (int64, Resolution, error) {
	if naturalKey == "" {
		return KeyNone, ResolvedNone, nil
	}

	unlock := r.locks.RLock(dim, naturalKey)
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	v, err := r.store.AsOf(ctx, dim, naturalKey, at)
	if err != nil {
		return 0, "", fmt.Errorf("resolve %s %q at %s: %w", dim, naturalKey, at.Format(time.RFC3339), err)
	}
	if v != nil {
		return v.SurrogateKey, Resolved, nil
	}

	known, err := r.store.HasHistory(ctx, dim, naturalKey)
	if err != nil {
		return 0, "", fmt.Errorf("resolve %s %q: %w", dim, naturalKey, err)
	}
	if known {
		return KeyUnknown, ResolvedOutOfRange, nil
	}
	return KeyUnknown, ResolvedUnknown, nil
}
