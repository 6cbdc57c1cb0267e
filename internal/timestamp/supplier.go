package timestamp

import (
	"context"
	"fmt"
	"time"
)

// Supplier returns sweep timestamps. Writers stamp versions with
// wall-clock milliseconds, so a version is safe to judge once it is
// older than the configured lag. The stored bound is raised to cover
// every supplied timestamp, and no timestamp is supplied while the bound
// is invalidated.
type Supplier struct {
	bounds *BoundStore
	lag    time.Duration
	now    func() time.Time
}

// NewSupplier creates a supplier.
func NewSupplier(bounds *BoundStore, lag time.Duration) *Supplier {
	return &Supplier{bounds: bounds, lag: lag, now: time.Now}
}

// SetNow overrides the clock.
func (s *Supplier) SetNow(now func() time.Time) {
	s.now = now
}

// SweepTimestamp implements sweep.TimestampSupplier.
func (s *Supplier) SweepTimestamp(ctx context.Context) (int64, error) {
	limit, err := s.bounds.UpperLimit(ctx)
	if err != nil {
		return 0, err
	}
	ts := s.now().Add(-s.lag).UnixMilli()
	if ts >= limit {
		if err := s.bounds.StoreUpperLimit(ctx, ts+1); err != nil {
			return 0, fmt.Errorf("timestamp: raise bound: %w", err)
		}
	}
	return ts, nil
}
