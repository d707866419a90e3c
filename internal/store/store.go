// Package store persists snapshots, buckets and connector health.
//
// Snapshots, minute buckets and health rows each have a single writer:
// connectors insert snapshots and their own health row, the aggregator moves
// rows down the cascade. Hour buckets can also be written by an import, so
// every hour merge happens inside the store rather than as a read followed
// by an overwrite. The Commit* methods write the new buckets and delete the
// consumed source rows in one transaction; that delete is what marks source
// rows as aggregated.
package store

import (
	"context"
	"errors"
	"time"

	"fundingflow/internal/models"
)

var ErrClosed = errors.New("store closed")

type Store interface {
	SnapshotWriter
	HealthWriter
	HourBucketStore

	// PendingSnapshots returns at most limit snapshots observed before the
	// cutoff, oldest first.
	PendingSnapshots(ctx context.Context, before time.Time, limit int) ([]models.RawSnapshot, error)
	MinuteBuckets(ctx context.Context, keys []models.BucketKey) ([]models.MinuteBucket, error)
	CommitMinuteBuckets(ctx context.Context, buckets []models.MinuteBucket, consumed []models.SnapshotKey) error
	PendingMinuteBuckets(ctx context.Context, before time.Time, limit int) ([]models.MinuteBucket, error)
	// CommitHourBuckets merges buckets into existing hours like
	// MergeHourBuckets and deletes the consumed minutes in the same
	// transaction.
	CommitHourBuckets(ctx context.Context, buckets []models.HourBucket, consumed []models.BucketKey) error

	Health(ctx context.Context, exchange string) (models.ConnectorHealth, bool, error)
	ListHealth(ctx context.Context) ([]models.ConnectorHealth, error)

	Close() error
}

// SnapshotWriter is the slice of Store a connector writes snapshots through.
type SnapshotWriter interface {
	// InsertSnapshots overwrites rows with the same (exchange, symbol,
	// observed_at).
	InsertSnapshots(ctx context.Context, snaps []models.RawSnapshot) error
}

type HealthWriter interface {
	UpsertHealth(ctx context.Context, h models.ConnectorHealth) error
}

// HourBucketStore is what import and replica sync need on both ends.
type HourBucketStore interface {
	HourBuckets(ctx context.Context, keys []models.BucketKey) ([]models.HourBucket, error)
	// UpsertHourBuckets replaces rows by key.
	UpsertHourBuckets(ctx context.Context, buckets []models.HourBucket) error
	// MergeHourBuckets folds each bucket into the stored row by sample
	// count, atomically per row, and inserts buckets with no stored row.
	MergeHourBuckets(ctx context.Context, buckets []models.HourBucket) error
	// InsertHourBuckets writes only buckets whose key is absent and reports
	// how many it wrote.
	InsertHourBuckets(ctx context.Context, buckets []models.HourBucket) (int, error)
	// HourBucketPage walks hour buckets with from <= hour < to ordered by
	// (hour, exchange, symbol), starting after the given key. A zero key
	// starts at the beginning.
	HourBucketPage(ctx context.Context, from, to time.Time, after models.BucketKey, limit int) ([]models.HourBucket, error)
}
