package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/partner-proxy/internal/clock"
	"github.com/Sternrassler/partner-proxy/pkg/logging"
)

const persistentSchema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL,
	hit_count  INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_cache_entries_expires_at ON cache_entries (expires_at);
`

// PersistentConfig holds the persistent tier configuration.
type PersistentConfig struct {
	// Path is the SQLite database file. ":memory:" keeps it in process.
	Path string

	// ExpectedItems and FalsePositiveRate size the negative-lookup filter.
	ExpectedItems     uint
	FalsePositiveRate float64

	Clock  clock.Clock
	Logger *zerolog.Logger
}

// DefaultPersistentConfig returns the default persistent tier configuration.
func DefaultPersistentConfig() PersistentConfig {
	return PersistentConfig{
		Path:              "partner-cache.db",
		ExpectedItems:     100000,
		FalsePositiveRate: 0.01,
	}
}

// PersistentTier is the slowest tier, backed by a local SQLite file that
// survives restarts.
//
// A bloom filter of stored keys answers most misses without touching the
// database. Deletes leave stale bits behind; Purge rebuilds the filter.
type PersistentTier struct {
	db     *sqlx.DB
	cfg    PersistentConfig
	clock  clock.Clock
	logger zerolog.Logger

	mu     sync.RWMutex
	filter *bloom.BloomFilter
}

type persistentRow struct {
	Key       string `db:"key"`
	Value     []byte `db:"value"`
	CreatedAt int64  `db:"created_at"`
	ExpiresAt int64  `db:"expires_at"`
	HitCount  int64  `db:"hit_count"`
}

// OpenPersistentTier opens (or creates) the SQLite store and loads the key
// filter from it.
func OpenPersistentTier(ctx context.Context, cfg PersistentConfig) (*PersistentTier, error) {
	def := DefaultPersistentConfig()
	if cfg.Path == "" {
		cfg.Path = def.Path
	}
	if cfg.ExpectedItems == 0 {
		cfg.ExpectedItems = def.ExpectedItems
	}
	if cfg.FalsePositiveRate <= 0 || cfg.FalsePositiveRate >= 1 {
		cfg.FalsePositiveRate = def.FalsePositiveRate
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}

	db, err := sqlx.ConnectContext(ctx, "sqlite3", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open persistent cache %s: %w", cfg.Path, err)
	}
	// SQLite serialises writers; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, persistentSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create persistent cache schema: %w", err)
	}

	t := &PersistentTier{
		db:     db,
		cfg:    cfg,
		clock:  cfg.Clock,
		logger: logging.OrDefault(cfg.Logger, "cache-persistent"),
	}
	if err := t.rebuildFilter(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return t, nil
}

// Name implements Tier.
func (t *PersistentTier) Name() string { return TierPersistent }

// Get implements Tier.
func (t *PersistentTier) Get(ctx context.Context, key string) (*CacheEntry, error) {
	if !t.mightContain(key) {
		return nil, ErrCacheMiss
	}

	var row persistentRow
	err := t.db.GetContext(ctx, &row,
		`SELECT key, value, created_at, expires_at, hit_count FROM cache_entries WHERE key = ?`, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("select cache entry: %w", err)
	}

	entry := row.entry()
	if entry.IsExpired(t.clock.Now()) {
		return nil, ErrCacheMiss
	}

	if _, err := t.db.ExecContext(ctx,
		`UPDATE cache_entries SET hit_count = hit_count + 1 WHERE key = ?`, key); err != nil {
		t.logger.Debug().Err(err).Str("key", key).Msg("Failed to bump hit count")
	} else {
		entry.HitCount++
	}
	return entry, nil
}

// Set upserts the entry. Already expired entries are not written.
func (t *PersistentTier) Set(ctx context.Context, entry *CacheEntry) error {
	if entry == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}
	if entry.IsExpired(t.clock.Now()) {
		return nil
	}

	_, err := t.db.ExecContext(ctx, `
		INSERT INTO cache_entries (key, value, created_at, expires_at, hit_count)
		VALUES (?, ?, ?, ?, 0)
		ON CONFLICT (key) DO UPDATE SET
			value = excluded.value,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at,
			hit_count = 0`,
		entry.Key, entry.Value, entry.CreatedAt.UnixNano(), entry.ExpiresAt.UnixNano())
	if err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}

	t.mu.Lock()
	t.filter.AddString(entry.Key)
	t.mu.Unlock()
	return nil
}

// Delete implements Tier.
func (t *PersistentTier) Delete(ctx context.Context, key string) error {
	if _, err := t.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	return nil
}

// DeletePrefix implements Tier. Keys are compared as bytes so the prefix
// length matches for non-ASCII keys.
func (t *PersistentTier) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	res, err := t.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE substr(CAST(key AS BLOB), 1, ?) = CAST(? AS BLOB)`,
		len(prefix), prefix)
	if err != nil {
		return 0, fmt.Errorf("delete cache prefix: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete cache prefix: %w", err)
	}
	return int(n), nil
}

// Purge deletes expired rows and rebuilds the key filter from what remains.
func (t *PersistentTier) Purge(ctx context.Context) (int, error) {
	res, err := t.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE expires_at <= ?`, t.clock.Now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("purge expired entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge expired entries: %w", err)
	}

	if err := t.rebuildFilter(ctx); err != nil {
		return int(n), err
	}

	t.logger.Info().Int64("purged", n).Msg("Purged expired persistent cache entries")
	return int(n), nil
}

// Ping checks the database connection.
func (t *PersistentTier) Ping(ctx context.Context) error {
	return t.db.PingContext(ctx)
}

// Close closes the database.
func (t *PersistentTier) Close() error {
	return t.db.Close()
}

func (t *PersistentTier) mightContain(key string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.filter.TestString(key)
}

func (t *PersistentTier) rebuildFilter(ctx context.Context) error {
	filter := bloom.NewWithEstimates(t.cfg.ExpectedItems, t.cfg.FalsePositiveRate)

	rows, err := t.db.QueryxContext(ctx, `SELECT key FROM cache_entries`)
	if err != nil {
		return fmt.Errorf("load cache keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return fmt.Errorf("scan cache key: %w", err)
		}
		filter.AddString(key)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("load cache keys: %w", err)
	}

	t.mu.Lock()
	t.filter = filter
	t.mu.Unlock()
	return nil
}

func (r persistentRow) entry() *CacheEntry {
	return &CacheEntry{
		Key:       r.Key,
		Value:     r.Value,
		CreatedAt: time.Unix(0, r.CreatedAt).UTC(),
		ExpiresAt: time.Unix(0, r.ExpiresAt).UTC(),
		HitCount:  r.HitCount,
	}
}

var (
	_ Tier   = (*PersistentTier)(nil)
	_ Pinger = (*PersistentTier)(nil)
)
