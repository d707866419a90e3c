package backfill

import (
	"context"
	"time"

	"fundingflow/internal/store"
)

// ReplicaSync mirrors recent hour buckets from the write store to a read
// store. The replica has no other writer, so it copies in replace mode and
// re-copies a lookback window to pick up late merges.
type ReplicaSync struct {
	copier   *Copier
	lookback time.Duration
	now      func() time.Time
}

func NewReplicaSync(src, replica store.HourBucketStore, lookback time.Duration, pageSize int) *ReplicaSync {
	if lookback <= 0 {
		lookback = 24 * time.Hour
	}
	return &ReplicaSync{
		copier:   New(src, replica, Options{Mode: ModeReplace, PageSize: pageSize}),
		lookback: lookback,
		now:      time.Now,
	}
}

// Run copies every bucket from now-lookback through the current hour.
func (r *ReplicaSync) Run(ctx context.Context) error {
	now := r.now().UTC()
	from := now.Add(-r.lookback).Truncate(time.Hour)
	to := now.Truncate(time.Hour).Add(time.Hour)
	_, err := r.copier.Run(ctx, from, to)
	return err
}
