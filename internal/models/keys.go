package models

import "time"

// SnapshotKey identifies a RawSnapshot; ObservedAt is unix milliseconds.
type SnapshotKey struct {
	Exchange   string
	Symbol     string
	ObservedAt int64
}

func (k SnapshotKey) Time() time.Time { return time.UnixMilli(k.ObservedAt).UTC() }

// BucketKey identifies a minute or hour bucket; Unix is the bucket start
// in unix seconds.
type BucketKey struct {
	Exchange string
	Symbol   string
	Unix     int64
}

func (k BucketKey) Time() time.Time { return time.Unix(k.Unix, 0).UTC() }

// IsZero reports whether k is the empty key used to start a page walk.
func (k BucketKey) IsZero() bool { return k.Exchange == "" && k.Symbol == "" && k.Unix == 0 }

func NewBucketKey(exchange, symbol string, t time.Time) BucketKey {
	return BucketKey{Exchange: exchange, Symbol: symbol, Unix: t.Unix()}
}

// PairKey groups rows of one exchange and native symbol.
type PairKey struct {
	Exchange string
	Symbol   string
}
