package store

import (
	"context"
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"fundingflow/config"
	"fundingflow/internal/models"
	"fundingflow/logger"
)

const (
	defaultPostgresHost    = "localhost"
	defaultPostgresPort    = 5432
	defaultPostgresSSLMode = "disable"

	// Keeps tuple IN lists and insert batches well below the 65535
	// bind-parameter limit.
	tupleBatch  = 1000
	insertBatch = 500
)

// PostgresOption defines connection options for PostgreSQL.
type PostgresOption struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	Params          map[string]string
	ConnString      string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	AutoMigrate     bool
	Config          *gorm.Config
}

func OptionFromConfig(cfg config.PostgresConfig) PostgresOption {
	return PostgresOption{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		Params:          cfg.Params,
		ConnString:      cfg.DSN,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		AutoMigrate:     cfg.AutoMigrate,
	}
}

type PostgresStore struct {
	db     *gorm.DB
	closed atomic.Bool
}

// NewPostgresStore opens the pool and, when asked, migrates the four tables.
func NewPostgresStore(opt PostgresOption) (*PostgresStore, error) {
	dsn, err := opt.dsn()
	if err != nil {
		return nil, err
	}

	gcfg := opt.Config
	if gcfg == nil {
		gcfg = &gorm.Config{
			Logger: gormlogger.New(logger.GetLogger().WithComponent("store"), gormlogger.Config{
				SlowThreshold:             time.Second,
				LogLevel:                  gormlogger.Warn,
				IgnoreRecordNotFoundError: true,
			}),
			NowFunc: func() time.Time { return time.Now().UTC() },
		}
	}

	db, err := gorm.Open(postgres.Open(dsn), gcfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("postgres pool: %w", err)
	}
	if opt.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(opt.MaxOpenConns)
	}
	if opt.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(opt.MaxIdleConns)
	}
	if opt.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(opt.ConnMaxLifetime)
	}

	s := &PostgresStore{db: db}
	if opt.AutoMigrate {
		if err := s.Migrate(); err != nil {
			_ = sqlDB.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *PostgresStore) Migrate() error {
	if err := s.db.AutoMigrate(
		&models.RawSnapshot{},
		&models.MinuteBucket{},
		&models.HourBucket{},
		&models.ConnectorHealth{},
	); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// DB returns the underlying gorm.DB instance.
func (s *PostgresStore) DB() *gorm.DB { return s.db }

func (s *PostgresStore) conn(ctx context.Context) (*gorm.DB, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return s.db.WithContext(ctx), nil
}

var (
	snapshotConflict = clause.OnConflict{
		Columns:   []clause.Column{{Name: "exchange"}, {Name: "symbol"}, {Name: "observed_at"}},
		UpdateAll: true,
	}
	minuteConflict = clause.OnConflict{
		Columns:   []clause.Column{{Name: "exchange"}, {Name: "symbol"}, {Name: "bucket_time"}},
		UpdateAll: true,
	}
	hourKey      = []clause.Column{{Name: "exchange"}, {Name: "symbol"}, {Name: "hour_timestamp"}}
	hourConflict = clause.OnConflict{
		Columns:   hourKey,
		UpdateAll: true,
	}
	hourIgnore = clause.OnConflict{
		Columns:   hourKey,
		DoNothing: true,
	}
	hourMerge = clause.OnConflict{
		Columns:   hourKey,
		DoUpdates: hourMergeSet(),
		Where:     clause.Where{Exprs: []clause.Expression{clause.Expr{SQL: "excluded.sample_count > 0"}}},
	}
	healthConflict = clause.OnConflict{
		Columns:   []clause.Column{{Name: "exchange"}},
		UpdateAll: true,
	}
)

func (s *PostgresStore) InsertSnapshots(ctx context.Context, snaps []models.RawSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	// Postgres rejects an upsert batch that touches the same key twice.
	snaps = dedupeSnapshots(snaps)
	if err := db.Clauses(snapshotConflict).CreateInBatches(snaps, insertBatch).Error; err != nil {
		return fmt.Errorf("insert snapshots: %w", err)
	}
	return nil
}

func (s *PostgresStore) PendingSnapshots(ctx context.Context, before time.Time, limit int) ([]models.RawSnapshot, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var out []models.RawSnapshot
	err = db.Where("observed_at < ?", before).
		Order("observed_at, exchange, symbol").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("pending snapshots: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) MinuteBuckets(ctx context.Context, keys []models.BucketKey) ([]models.MinuteBucket, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.MinuteBucket, 0, len(keys))
	for _, chunk := range chunkBucketKeys(keys) {
		var rows []models.MinuteBucket
		if err := db.Where("(exchange, symbol, bucket_time) IN ?", bucketTuples(chunk)).Find(&rows).Error; err != nil {
			return nil, fmt.Errorf("load minute buckets: %w", err)
		}
		out = append(out, rows...)
	}
	return out, nil
}

func (s *PostgresStore) CommitMinuteBuckets(ctx context.Context, buckets []models.MinuteBucket, consumed []models.SnapshotKey) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	return db.Transaction(func(tx *gorm.DB) error {
		if len(buckets) > 0 {
			if err := tx.Clauses(minuteConflict).CreateInBatches(buckets, insertBatch).Error; err != nil {
				return fmt.Errorf("upsert minute buckets: %w", err)
			}
		}
		for _, chunk := range chunkSnapshotKeys(consumed) {
			if err := tx.Where("(exchange, symbol, observed_at) IN ?", snapshotTuples(chunk)).
				Delete(&models.RawSnapshot{}).Error; err != nil {
				return fmt.Errorf("delete consumed snapshots: %w", err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) PendingMinuteBuckets(ctx context.Context, before time.Time, limit int) ([]models.MinuteBucket, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var out []models.MinuteBucket
	err = db.Where("bucket_time < ?", before).
		Order("bucket_time, exchange, symbol").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("pending minute buckets: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) HourBuckets(ctx context.Context, keys []models.BucketKey) ([]models.HourBucket, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.HourBucket, 0, len(keys))
	for _, chunk := range chunkBucketKeys(keys) {
		var rows []models.HourBucket
		if err := db.Where("(exchange, symbol, hour_timestamp) IN ?", bucketTuples(chunk)).Find(&rows).Error; err != nil {
			return nil, fmt.Errorf("load hour buckets: %w", err)
		}
		out = append(out, rows...)
	}
	return out, nil
}

func (s *PostgresStore) CommitHourBuckets(ctx context.Context, buckets []models.HourBucket, consumed []models.BucketKey) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	return db.Transaction(func(tx *gorm.DB) error {
		if err := mergeHours(tx, buckets); err != nil {
			return err
		}
		for _, chunk := range chunkBucketKeys(consumed) {
			if err := tx.Where("(exchange, symbol, bucket_time) IN ?", bucketTuples(chunk)).
				Delete(&models.MinuteBucket{}).Error; err != nil {
				return fmt.Errorf("delete consumed minute buckets: %w", err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) MergeHourBuckets(ctx context.Context, buckets []models.HourBucket) error {
	if len(buckets) == 0 {
		return nil
	}
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	return db.Transaction(func(tx *gorm.DB) error { return mergeHours(tx, buckets) })
}

func (s *PostgresStore) InsertHourBuckets(ctx context.Context, buckets []models.HourBucket) (int, error) {
	if len(buckets) == 0 {
		return 0, nil
	}
	db, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	res := db.Clauses(hourIgnore).CreateInBatches(buckets, insertBatch)
	if res.Error != nil {
		return 0, fmt.Errorf("insert hour buckets: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

// mergeHours folds buckets into existing rows inside the database, so two
// writers merging into the same hour serialize on the row lock instead of
// overwriting each other. Volatility depends on the merged values and is
// recomputed afterwards in the same transaction.
func mergeHours(tx *gorm.DB, buckets []models.HourBucket) error {
	if len(buckets) == 0 {
		return nil
	}
	if err := tx.Clauses(hourMerge).CreateInBatches(buckets, insertBatch).Error; err != nil {
		return fmt.Errorf("merge hour buckets: %w", err)
	}
	keys := make([]models.BucketKey, len(buckets))
	for i, b := range buckets {
		keys[i] = b.Key()
	}
	for _, chunk := range chunkBucketKeys(keys) {
		err := tx.Model(&models.HourBucket{}).
			Where("(exchange, symbol, hour_timestamp) IN ?", bucketTuples(chunk)).
			Update("volatility", gorm.Expr(volatilitySQL)).Error
		if err != nil {
			return fmt.Errorf("recompute volatility: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) UpsertHourBuckets(ctx context.Context, buckets []models.HourBucket) error {
	if len(buckets) == 0 {
		return nil
	}
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	if err := db.Clauses(hourConflict).CreateInBatches(buckets, insertBatch).Error; err != nil {
		return fmt.Errorf("upsert hour buckets: %w", err)
	}
	return nil
}

func (s *PostgresStore) HourBucketPage(ctx context.Context, from, to time.Time, after models.BucketKey, limit int) ([]models.HourBucket, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	q := db.Where("hour_timestamp >= ? AND hour_timestamp < ?", from.UTC(), to.UTC())
	if !after.IsZero() {
		q = q.Where("(hour_timestamp, exchange, symbol) > (?, ?, ?)", after.Time(), after.Exchange, after.Symbol)
	}
	var out []models.HourBucket
	if err := q.Order("hour_timestamp, exchange, symbol").Limit(limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("hour bucket page: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) UpsertHealth(ctx context.Context, h models.ConnectorHealth) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	if err := db.Clauses(healthConflict).Create(&h).Error; err != nil {
		return fmt.Errorf("upsert health: %w", err)
	}
	return nil
}

func (s *PostgresStore) Health(ctx context.Context, exchange string) (models.ConnectorHealth, bool, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return models.ConnectorHealth{}, false, err
	}
	var rows []models.ConnectorHealth
	if err := db.Where("exchange = ?", exchange).Limit(1).Find(&rows).Error; err != nil {
		return models.ConnectorHealth{}, false, fmt.Errorf("load health: %w", err)
	}
	if len(rows) == 0 {
		return models.ConnectorHealth{}, false, nil
	}
	return rows[0], true, nil
}

func (s *PostgresStore) ListHealth(ctx context.Context) ([]models.ConnectorHealth, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var out []models.ConnectorHealth
	if err := db.Order("exchange").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list health: %w", err)
	}
	return out, nil
}

// Close closes the underlying connection pool.
func (s *PostgresStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (opt PostgresOption) dsn() (string, error) {
	if opt.ConnString != "" {
		return opt.ConnString, nil
	}

	host := opt.Host
	if host == "" {
		host = defaultPostgresHost
	}
	port := opt.Port
	if port == 0 {
		port = defaultPostgresPort
	}
	sslMode := opt.SSLMode
	if sslMode == "" {
		sslMode = defaultPostgresSSLMode
	}

	u := &url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", host, port),
	}
	if opt.User != "" {
		if opt.Password != "" {
			u.User = url.UserPassword(opt.User, opt.Password)
		} else {
			u.User = url.User(opt.User)
		}
	}
	if opt.Database != "" {
		u.Path = "/" + opt.Database
	}

	query := url.Values{}
	query.Set("sslmode", sslMode)
	for key, value := range opt.Params {
		if key == "" {
			continue
		}
		query.Set(key, value)
	}
	u.RawQuery = query.Encode()
	return u.String(), nil
}

func dedupeSnapshots(snaps []models.RawSnapshot) []models.RawSnapshot {
	idx := make(map[models.SnapshotKey]int, len(snaps))
	out := make([]models.RawSnapshot, 0, len(snaps))
	for _, snap := range snaps {
		snap.ObservedAt = snap.ObservedAt.UTC().Truncate(time.Millisecond)
		k := snap.Key()
		if i, ok := idx[k]; ok {
			out[i] = snap
			continue
		}
		idx[k] = len(out)
		out = append(out, snap)
	}
	return out
}

func chunkBucketKeys(keys []models.BucketKey) [][]models.BucketKey {
	var out [][]models.BucketKey
	for len(keys) > 0 {
		n := tupleBatch
		if len(keys) < n {
			n = len(keys)
		}
		out = append(out, keys[:n])
		keys = keys[n:]
	}
	return out
}

func chunkSnapshotKeys(keys []models.SnapshotKey) [][]models.SnapshotKey {
	var out [][]models.SnapshotKey
	for len(keys) > 0 {
		n := tupleBatch
		if len(keys) < n {
			n = len(keys)
		}
		out = append(out, keys[:n])
		keys = keys[n:]
	}
	return out
}

func bucketTuples(keys []models.BucketKey) [][]interface{} {
	out := make([][]interface{}, 0, len(keys))
	for _, k := range keys {
		out = append(out, []interface{}{k.Exchange, k.Symbol, k.Time()})
	}
	return out
}

func snapshotTuples(keys []models.SnapshotKey) [][]interface{} {
	out := make([][]interface{}, 0, len(keys))
	for _, k := range keys {
		out = append(out, []interface{}{k.Exchange, k.Symbol, k.Time()})
	}
	return out
}
