package archive

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"

	"fundingflow/internal/models"
	"fundingflow/internal/store"
)

var hour = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeUploader struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{objects: make(map[string][]byte)}
}

func (f *fakeUploader) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	body, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(params.Key)] = body
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeUploader) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.objects))
	for k := range f.objects {
		out = append(out, k)
	}
	return out
}

func hourBucket(exchange, symbol string, at time.Time, rate float64) models.HourBucket {
	return models.HourBucket{
		Exchange: exchange,
		Symbol:   symbol,
		HourTime: at,
		BucketStats: models.BucketStats{
			CanonicalSymbol:      "BTC",
			AvgPrice:             65000,
			AvgFundingRate:       rate,
			AvgHourlyRate:        rate / 8,
			AvgAnnualRate:        rate / 8 * 24 * 365 * 100,
			FundingIntervalHours: 8,
			IntervalSource:       "override",
			SampleCount:          60,
		},
	}
}

func seed(t *testing.T, st *store.MemoryStore, buckets ...models.HourBucket) {
	t.Helper()
	require.NoError(t, st.UpsertHourBuckets(context.Background(), buckets))
}

func readParquet(t *testing.T, path string) []hourRecord {
	t.Helper()
	fr, err := local.NewLocalFileReader(path)
	require.NoError(t, err)
	defer fr.Close()

	pr, err := reader.NewParquetReader(fr, new(hourRecord), 1)
	require.NoError(t, err)
	defer pr.ReadStop()

	rows := make([]hourRecord, int(pr.GetNumRows()))
	require.NoError(t, pr.Read(&rows))
	return rows
}

func TestExportHourWritesParquetToEveryDestination(t *testing.T) {
	st := store.NewMemoryStore()
	seed(t, st,
		hourBucket("binance", "BTCUSDT", hour, 0.0001),
		hourBucket("okx", "BTC-USDT-SWAP", hour, 0.0002),
		hourBucket("okx", "BTC-USDT-SWAP", hour.Add(time.Hour), 0.0003),
	)
	up := newFakeUploader()
	dir := t.TempDir()
	arch, err := New(st, []Destination{NewS3Destination(up, "funding-archive"), NewLocalDestination(dir)}, Options{Compression: "snappy", PageSize: 1})
	require.NoError(t, err)

	obj, err := arch.ExportHour(context.Background(), hour.Add(25*time.Minute))
	require.NoError(t, err)

	assert.Equal(t, "market_history/date=2024-03-01/hour=12/market_history_2024030112.parquet", obj.Key)
	assert.Equal(t, 2, obj.Rows)
	require.Len(t, obj.Locations, 2)
	assert.Equal(t, "s3://funding-archive/"+obj.Key, obj.Locations[0])

	rows := readParquet(t, filepath.Join(dir, filepath.FromSlash(obj.Key)))
	require.Len(t, rows, 2)
	assert.Equal(t, "binance", rows[0].Exchange)
	assert.Equal(t, hour.UnixMilli(), rows[0].HourTimestamp)
	assert.InDelta(t, 0.0001, rows[0].AvgFundingRate, 1e-12)
	assert.Equal(t, int64(60), rows[0].SampleCount)
	assert.Equal(t, "okx", rows[1].Exchange)

	assert.Contains(t, up.keys(), obj.Key)
	assert.Contains(t, up.keys(), "market_history/metadata/metadata.json")

	var tm TableMetadata
	require.NoError(t, json.Unmarshal(up.objects["market_history/metadata/metadata.json"], &tm))
	require.Len(t, tm.Snapshots, 1)
	assert.Equal(t, hour.UnixNano(), tm.CurrentSnapshotID)
	assert.Contains(t, up.keys(), "market_history/metadata/"+tm.Snapshots[0].Manifest)
}

func TestExportEmptyHourWritesNothing(t *testing.T) {
	up := newFakeUploader()
	arch, err := New(store.NewMemoryStore(), []Destination{NewS3Destination(up, "funding-archive")}, Options{})
	require.NoError(t, err)

	obj, err := arch.ExportHour(context.Background(), hour)
	require.NoError(t, err)
	assert.Zero(t, obj.Rows)
	assert.Empty(t, up.keys())
}

func TestRunAdvancesWatermarkOverFinalHours(t *testing.T) {
	st := store.NewMemoryStore()
	seed(t, st,
		hourBucket("binance", "BTCUSDT", hour.Add(-2*time.Hour), 0.0001),
		hourBucket("binance", "BTCUSDT", hour, 0.0001),
		hourBucket("binance", "BTCUSDT", hour.Add(time.Hour), 0.0001),
	)
	up := newFakeUploader()
	now := hour.Add(3*time.Hour + 30*time.Minute)
	arch, err := New(st, []Destination{NewS3Destination(up, "funding-archive")}, Options{
		Delay: 2 * time.Hour,
		Now:   func() time.Time { return now },
	})
	require.NoError(t, err)

	require.NoError(t, arch.Run(context.Background()))
	assert.Equal(t, hour, arch.Watermark(), "first run starts at the latest final hour")

	arch.SetWatermark(hour.Add(-3 * time.Hour))
	require.NoError(t, arch.Run(context.Background()))
	assert.Equal(t, hour, arch.Watermark())

	var parquetKeys []string
	for _, k := range up.keys() {
		if strings.HasSuffix(k, ".parquet") {
			parquetKeys = append(parquetKeys, k)
		}
	}
	assert.ElementsMatch(t, []string{
		"market_history/date=2024-03-01/hour=10/market_history_2024030110.parquet",
		"market_history/date=2024-03-01/hour=12/market_history_2024030112.parquet",
	}, parquetKeys, "hour 13 is not final yet")
}

func TestRunStopsAtFailedUpload(t *testing.T) {
	st := store.NewMemoryStore()
	seed(t, st, hourBucket("binance", "BTCUSDT", hour, 0.0001))
	up := newFakeUploader()
	up.err = errors.New("SlowDown")
	arch, err := New(st, []Destination{NewS3Destination(up, "funding-archive")}, Options{
		Delay: time.Hour,
		Now:   func() time.Time { return hour.Add(3 * time.Hour) },
	})
	require.NoError(t, err)
	arch.SetWatermark(hour.Add(-time.Hour))

	err = arch.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, hour.Add(-time.Hour), arch.Watermark())

	up.err = nil
	require.NoError(t, arch.Run(context.Background()))
	assert.Equal(t, hour.Add(time.Hour), arch.Watermark())
}

func TestNewRequiresDestination(t *testing.T) {
	_, err := New(store.NewMemoryStore(), nil, Options{})
	assert.ErrorIs(t, err, ErrNoDestination)
}
