package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundingflow/internal/models"
)

func TestMemoryStoreSnapshotOverwrite(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	at := time.Date(2024, 1, 1, 0, 0, 1, 500, time.UTC)

	require.NoError(t, s.InsertSnapshots(ctx, []models.RawSnapshot{
		{Exchange: "binance", Symbol: "BTCUSDT", ObservedAt: at, FundingRate: 0.0001},
	}))
	require.NoError(t, s.InsertSnapshots(ctx, []models.RawSnapshot{
		{Exchange: "binance", Symbol: "BTCUSDT", ObservedAt: at, FundingRate: 0.0002},
	}))

	rows, err := s.PendingSnapshots(ctx, at.Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 0.0002, rows[0].FundingRate)
}

func TestMemoryStorePendingOrderAndLimit(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var snaps []models.RawSnapshot
	for i := 0; i < 5; i++ {
		snaps = append(snaps, models.RawSnapshot{Exchange: "okx", Symbol: "BTC-USDT-SWAP", ObservedAt: base.Add(time.Duration(4-i) * time.Second)})
	}
	require.NoError(t, s.InsertSnapshots(ctx, snaps))

	rows, err := s.PendingSnapshots(ctx, base.Add(4*time.Second), 3)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.True(t, rows[0].ObservedAt.Equal(base))
	assert.True(t, rows[2].ObservedAt.Equal(base.Add(2*time.Second)))
}

func TestMemoryStoreCommitMinuteBuckets(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	at := time.Date(2024, 1, 1, 0, 0, 5, 0, time.UTC)
	snap := models.RawSnapshot{Exchange: "bybit", Symbol: "ETHUSDT", ObservedAt: at}
	require.NoError(t, s.InsertSnapshots(ctx, []models.RawSnapshot{snap}))

	bucket := models.MinuteBucket{Exchange: "bybit", Symbol: "ETHUSDT", BucketTime: at.Truncate(time.Minute)}
	bucket.SampleCount = 1

	s.FailNextCommit(errors.New("boom"))
	require.Error(t, s.CommitMinuteBuckets(ctx, []models.MinuteBucket{bucket}, []models.SnapshotKey{snap.Key()}))
	snaps, minutes, _ := s.Counts()
	assert.Equal(t, 1, snaps)
	assert.Equal(t, 0, minutes)

	require.NoError(t, s.CommitMinuteBuckets(ctx, []models.MinuteBucket{bucket}, []models.SnapshotKey{snap.Key()}))
	snaps, minutes, _ = s.Counts()
	assert.Equal(t, 0, snaps)
	assert.Equal(t, 1, minutes)

	got, err := s.MinuteBuckets(ctx, []models.BucketKey{bucket.Key(), {Exchange: "x"}})
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestMemoryStoreHourBucketPage(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var buckets []models.HourBucket
	for h := 0; h < 3; h++ {
		for _, ex := range []string{"binance", "okx"} {
			buckets = append(buckets, models.HourBucket{Exchange: ex, Symbol: "BTC", HourTime: base.Add(time.Duration(h) * time.Hour)})
		}
	}
	require.NoError(t, s.UpsertHourBuckets(ctx, buckets))

	var seen []models.BucketKey
	after := models.BucketKey{}
	for {
		page, err := s.HourBucketPage(ctx, base, base.Add(2*time.Hour), after, 3)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		for _, b := range page {
			seen = append(seen, b.Key())
		}
		after = page[len(page)-1].Key()
	}
	require.Len(t, seen, 4)
	assert.Equal(t, "binance", seen[0].Exchange)
	assert.Equal(t, "okx", seen[3].Exchange)
	assert.Equal(t, base.Add(time.Hour).Unix(), seen[3].Unix)
}

func TestMemoryStoreHealthAndClose(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.UpsertHealth(ctx, models.ConnectorHealth{Exchange: "okx", State: "running"}))
	require.NoError(t, s.UpsertHealth(ctx, models.ConnectorHealth{Exchange: "binance", State: "error"}))

	h, ok, err := s.Health(ctx, "okx")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "running", h.State)

	all, err := s.ListHealth(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "binance", all[0].Exchange)

	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.InsertSnapshots(ctx, nil), ErrClosed)
}

func TestMemoryStoreMergeAndInsertHourBuckets(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	hour := func(count int64, price float64) models.HourBucket {
		return models.HourBucket{Exchange: "okx", Symbol: "BTC", HourTime: at, BucketStats: models.BucketStats{
			AvgPrice: price, MinPrice: price, MaxPrice: price, PriceSamples: count, SampleCount: count,
		}}
	}

	n, err := s.InsertHourBuckets(ctx, []models.HourBucket{hour(4, 100)})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = s.InsertHourBuckets(ctx, []models.HourBucket{hour(100, 200)})
	require.NoError(t, err)
	assert.Zero(t, n, "existing row is kept")

	require.NoError(t, s.MergeHourBuckets(ctx, []models.HourBucket{hour(4, 200)}))
	got, err := s.HourBuckets(ctx, []models.BucketKey{hour(0, 0).Key()})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(8), got[0].SampleCount)
	assert.InDelta(t, 150, got[0].AvgPrice, 1e-9)
	assert.Equal(t, 100.0, got[0].MinPrice)
	assert.Equal(t, 200.0, got[0].MaxPrice)

	require.NoError(t, s.Close())
	_, err = s.InsertHourBuckets(ctx, nil)
	assert.True(t, errors.Is(err, ErrClosed))
}
