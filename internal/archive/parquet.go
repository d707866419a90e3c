package archive

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"fundingflow/internal/models"
)

// hourRecord is the parquet row of one market_history bucket.
type hourRecord struct {
	Exchange             string  `parquet:"name=exchange, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol               string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	CanonicalSymbol      string  `parquet:"name=canonical_symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	HourTimestamp        int64   `parquet:"name=hour_timestamp, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	MarkPrice            float64 `parquet:"name=mark_price, type=DOUBLE"`
	MinPrice             float64 `parquet:"name=min_price, type=DOUBLE"`
	MaxPrice             float64 `parquet:"name=max_price, type=DOUBLE"`
	IndexPrice           float64 `parquet:"name=index_price, type=DOUBLE"`
	Volatility           float64 `parquet:"name=volatility, type=DOUBLE"`
	VolumeBase           float64 `parquet:"name=volume_base, type=DOUBLE"`
	VolumeQuote          float64 `parquet:"name=volume_quote, type=DOUBLE"`
	OpenInterest         float64 `parquet:"name=open_interest, type=DOUBLE"`
	OpenInterestUSD      float64 `parquet:"name=open_interest_usd, type=DOUBLE"`
	MaxOpenInterestUSD   float64 `parquet:"name=max_open_interest_usd, type=DOUBLE"`
	AvgFundingRate       float64 `parquet:"name=avg_funding_rate, type=DOUBLE"`
	MinFundingRate       float64 `parquet:"name=min_funding_rate, type=DOUBLE"`
	MaxFundingRate       float64 `parquet:"name=max_funding_rate, type=DOUBLE"`
	AvgHourlyRate        float64 `parquet:"name=avg_hourly_rate, type=DOUBLE"`
	AvgFundingRateAnnual float64 `parquet:"name=avg_funding_rate_annual, type=DOUBLE"`
	FundingIntervalHours float64 `parquet:"name=funding_interval_hours, type=DOUBLE"`
	IntervalSource       string  `parquet:"name=interval_source, type=BYTE_ARRAY, convertedtype=UTF8"`
	SampleCount          int64   `parquet:"name=sample_count, type=INT64"`
}

func recordFromBucket(b models.HourBucket) hourRecord {
	return hourRecord{
		Exchange:             b.Exchange,
		Symbol:               b.Symbol,
		CanonicalSymbol:      b.CanonicalSymbol,
		HourTimestamp:        b.HourTime.UTC().UnixMilli(),
		MarkPrice:            b.AvgPrice,
		MinPrice:             b.MinPrice,
		MaxPrice:             b.MaxPrice,
		IndexPrice:           b.AvgIndexPrice,
		Volatility:           b.Volatility,
		VolumeBase:           b.VolumeBase,
		VolumeQuote:          b.VolumeQuote,
		OpenInterest:         b.AvgOpenInterest,
		OpenInterestUSD:      b.AvgOpenInterestUSD,
		MaxOpenInterestUSD:   b.MaxOpenInterestUSD,
		AvgFundingRate:       b.AvgFundingRate,
		MinFundingRate:       b.MinFundingRate,
		MaxFundingRate:       b.MaxFundingRate,
		AvgHourlyRate:        b.AvgHourlyRate,
		AvgFundingRateAnnual: b.AvgAnnualRate,
		FundingIntervalHours: b.FundingIntervalHours,
		IntervalSource:       b.IntervalSource,
		SampleCount:          b.SampleCount,
	}
}

// memFile is a write-only parquet target backed by a buffer.
type memFile struct {
	buffer *bytes.Buffer
}

func newMemFile() *memFile {
	return &memFile{buffer: &bytes.Buffer{}}
}

func (m *memFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFile) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFile) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memFile) Read([]byte) (int, error)                  { return 0, fmt.Errorf("read not supported") }
func (m *memFile) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memFile) Close() error                              { return nil }
func (m *memFile) Bytes() []byte                             { return m.buffer.Bytes() }

func compressionCodec(name string) parquet.CompressionCodec {
	switch strings.ToLower(name) {
	case "snappy":
		return parquet.CompressionCodec_SNAPPY
	case "gzip":
		return parquet.CompressionCodec_GZIP
	default:
		return parquet.CompressionCodec_UNCOMPRESSED
	}
}

// encodeParquet writes buckets as one parquet file and returns its bytes.
func encodeParquet(buckets []models.HourBucket, compression string) ([]byte, error) {
	mem := newMemFile()
	pw, err := writer.NewParquetWriter(mem, new(hourRecord), 1)
	if err != nil {
		return nil, fmt.Errorf("new parquet writer: %w", err)
	}
	pw.CompressionType = compressionCodec(compression)

	for _, b := range buckets {
		if err := pw.Write(recordFromBucket(b)); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("write hour record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("finalize parquet: %w", err)
	}
	return mem.Bytes(), nil
}
