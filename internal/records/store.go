package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite3 driver

	"media-intake/internal/logging"
)

// Default timeout for database operations
const defaultTimeout = 5 * time.Second

// ErrMediaNotFound is returned when no media record exists for an ID.
var ErrMediaNotFound = errors.New("media record not found")

// Store persists media records, conversion readiness flags, optimization
// savings, and idempotency claims in SQLite.
type Store struct {
	db     *sql.DB
	dbPath string
}

// New opens (and if needed initializes) the record store at dbPath. The
// parent directory must already exist and be writable.
func New(ctx context.Context, dbPath string) (*Store, error) {
	logging.Info("Record store path: %s", dbPath)

	// WAL mode and busy_timeout prevent "database is locked" errors when
	// the job workers and the ingest path write concurrently.
	connStr := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", dbPath)

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open record store: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logging.Error("failed to close record store after ping failure: %v", closeErr)
		}
		return nil, fmt.Errorf("failed to connect to record store: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db, dbPath: dbPath}
	if err := s.initialize(ctx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logging.Error("failed to close record store after init failure: %v", closeErr)
		}
		return nil, fmt.Errorf("failed to initialize record store schema: %w", err)
	}

	logging.Info("Record store initialized at %s", dbPath)
	return s, nil
}

func (s *Store) initialize(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS media (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		owner TEXT NOT NULL,
		collection TEXT NOT NULL,
		file_name TEXT NOT NULL,
		mime TEXT NOT NULL,
		size INTEGER NOT NULL,
		width INTEGER NOT NULL,
		height INTEGER NOT NULL,
		hash TEXT NOT NULL,
		headers TEXT NOT NULL DEFAULT '{}',
		custom_properties TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
	);

	CREATE INDEX IF NOT EXISTS idx_media_owner_collection ON media(owner, collection);
	CREATE INDEX IF NOT EXISTS idx_media_hash ON media(hash);

	CREATE TABLE IF NOT EXISTS conversions (
		media_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		ready INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (media_id, name)
	);

	CREATE TABLE IF NOT EXISTS savings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		media_id INTEGER NOT NULL,
		file TEXT NOT NULL,
		bytes_before INTEGER NOT NULL,
		bytes_after INTEGER NOT NULL,
		created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
	);

	CREATE TABLE IF NOT EXISTS idempotency (
		key TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL
	);
	`
	opCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	_, err := s.db.ExecContext(opCtx, schema)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Media is a persisted attachment record.
type Media struct {
	ID         int64
	Owner      string
	Collection string
	FileName   string
	Mime       string
	Size       int64
	Width      int
	Height     int
	Hash       string
	CreatedAt  time.Time
}

// ObjectKey returns the storage key of the stored original. It is the
// record's content-addressed file name, fixed when the artifact was
// persisted; readers use it verbatim and never re-derive the key.
func (m *Media) ObjectKey() string {
	return m.FileName
}

// ConversionKey returns the storage key a named derived rendition is
// uploaded under.
func (m *Media) ConversionKey(name string) string {
	return "conversions/" + name + "-" + m.FileName
}

// FindMedia returns the media record with the given ID.
func (s *Store) FindMedia(ctx context.Context, id int64) (*Media, error) {
	opCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var m Media
	var created int64
	err := s.db.QueryRowContext(opCtx, `
		SELECT id, owner, collection, file_name, mime, size, width, height, hash, created_at
		FROM media WHERE id = ?`, id).
		Scan(&m.ID, &m.Owner, &m.Collection, &m.FileName, &m.Mime, &m.Size, &m.Width, &m.Height, &m.Hash, &created)
	if err == sql.ErrNoRows {
		return nil, ErrMediaNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find media %d: %w", id, err)
	}
	m.CreatedAt = time.Unix(created, 0)
	return &m, nil
}

// FindByHash returns the first media record with the given content hash in
// a collection, or ErrMediaNotFound.
func (s *Store) FindByHash(ctx context.Context, collection, hash string) (*Media, error) {
	opCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var id int64
	err := s.db.QueryRowContext(opCtx,
		`SELECT id FROM media WHERE collection = ? AND hash = ? ORDER BY id LIMIT 1`,
		collection, hash).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, ErrMediaNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find media by hash: %w", err)
	}
	return s.FindMedia(ctx, id)
}

// MarkConversionReady records that a named derived rendition exists for a
// media record.
func (s *Store) MarkConversionReady(ctx context.Context, mediaID int64, name string) error {
	opCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	_, err := s.db.ExecContext(opCtx, `
		INSERT INTO conversions (media_id, name, ready) VALUES (?, ?, 1)
		ON CONFLICT(media_id, name) DO UPDATE SET ready = 1`, mediaID, name)
	if err != nil {
		return fmt.Errorf("mark conversion %s ready for media %d: %w", name, mediaID, err)
	}
	return nil
}

// ConversionsReady reports whether every named conversion is marked ready
// for a media record.
func (s *Store) ConversionsReady(ctx context.Context, mediaID int64, names []string) (bool, error) {
	if len(names) == 0 {
		return true, nil
	}
	opCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	ready := 0
	for _, name := range names {
		var r int
		err := s.db.QueryRowContext(opCtx,
			`SELECT ready FROM conversions WHERE media_id = ? AND name = ?`, mediaID, name).Scan(&r)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("check conversion %s for media %d: %w", name, mediaID, err)
		}
		if r == 1 {
			ready++
		}
	}
	return ready == len(names), nil
}

// RecordSavings persists the byte savings of one optimization run.
func (s *Store) RecordSavings(ctx context.Context, mediaID int64, file string, before, after int64) error {
	opCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	_, err := s.db.ExecContext(opCtx,
		`INSERT INTO savings (media_id, file, bytes_before, bytes_after) VALUES (?, ?, ?, ?)`,
		mediaID, file, before, after)
	if err != nil {
		return fmt.Errorf("record savings for media %d: %w", mediaID, err)
	}
	return nil
}

// TotalSavings returns the total bytes saved across all optimization runs.
func (s *Store) TotalSavings(ctx context.Context) (int64, error) {
	opCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var total sql.NullInt64
	err := s.db.QueryRowContext(opCtx,
		`SELECT SUM(bytes_before - bytes_after) FROM savings`).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("total savings: %w", err)
	}
	return total.Int64, nil
}

// ClaimIdempotencyKey claims key for the given window. It returns true when
// this caller made the claim and false when an unexpired claim already
// exists, collapsing duplicate enqueues into one effective execution.
func (s *Store) ClaimIdempotencyKey(ctx context.Context, key string, window time.Duration) (bool, error) {
	opCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	now := time.Now().Unix()
	cutoff := time.Now().Add(-window).Unix()

	tx, err := s.db.BeginTx(opCtx, nil)
	if err != nil {
		return false, fmt.Errorf("claim idempotency key: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(opCtx,
		`DELETE FROM idempotency WHERE key = ? AND created_at < ?`, key, cutoff); err != nil {
		return false, fmt.Errorf("expire idempotency key: %w", err)
	}

	res, err := tx.ExecContext(opCtx,
		`INSERT OR IGNORE INTO idempotency (key, created_at) VALUES (?, ?)`, key, now)
	if err != nil {
		return false, fmt.Errorf("claim idempotency key: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim idempotency key: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("claim idempotency key: %w", err)
	}
	return rows == 1, nil
}
