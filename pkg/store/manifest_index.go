// Package store persists an index of sealed evidence manifests.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when no manifest matches a lookup.
var ErrNotFound = errors.New("manifest record not found")

// ManifestRecord is one sealed manifest in the index.
type ManifestRecord struct {
	ID           string    `json:"id"`
	CaseID       string    `json:"caseId"`
	CombinedHash string    `json:"combinedHash"`
	MetadataHash string    `json:"metadataHash"`
	MerkleRoot   string    `json:"merkleRoot,omitempty"`
	Signature    string    `json:"signature,omitempty"`
	GeneratedAt  string    `json:"generatedAt"`
	ManifestJSON []byte    `json:"manifestJson"`
	RecordedAt   time.Time `json:"recordedAt"`
}

// ManifestIndex records sealed manifests and looks them up.
type ManifestIndex interface {
	Record(ctx context.Context, rec *ManifestRecord) error
	Get(ctx context.Context, id string) (*ManifestRecord, error)
	GetByCombinedHash(ctx context.Context, combinedHash string) (*ManifestRecord, error)
	List(ctx context.Context, caseID string, limit int) ([]*ManifestRecord, error)
}

// Dialect selects placeholder syntax.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// rebind rewrites ? placeholders to $n for postgres.
func (d Dialect) rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const manifestSchema = `
CREATE TABLE IF NOT EXISTS evidence_manifests (
	id TEXT PRIMARY KEY,
	case_id TEXT NOT NULL,
	combined_hash TEXT NOT NULL,
	metadata_hash TEXT NOT NULL,
	merkle_root TEXT NOT NULL DEFAULT '',
	signature TEXT NOT NULL DEFAULT '',
	generated_at TEXT NOT NULL,
	manifest_json TEXT NOT NULL,
	recorded_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_evidence_manifests_combined ON evidence_manifests (combined_hash);
CREATE INDEX IF NOT EXISTS idx_evidence_manifests_case ON evidence_manifests (case_id, recorded_at);
`

// timeLayout is fixed width so recorded_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const selectColumns = `SELECT id, case_id, combined_hash, metadata_hash, merkle_root, signature, generated_at, manifest_json, recorded_at FROM evidence_manifests`

// SQLIndex implements ManifestIndex using database/sql.
// It supports both Postgres and SQLite via standard drivers.
type SQLIndex struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
	newID   func() string
}

// IndexOption customizes a SQLIndex.
type IndexOption func(*SQLIndex)

// WithIndexClock overrides the recorded_at time source.
func WithIndexClock(now func() time.Time) IndexOption {
	return func(s *SQLIndex) { s.now = now }
}

// WithIDGenerator overrides record ID generation.
func WithIDGenerator(fn func() string) IndexOption {
	return func(s *SQLIndex) { s.newID = fn }
}

// NewSQLIndex wraps db. Call Init before first use.
func NewSQLIndex(db *sql.DB, dialect Dialect, opts ...IndexOption) *SQLIndex {
	s := &SQLIndex{
		db:      db,
		dialect: dialect,
		now:     time.Now,
		newID:   func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects with driver ("sqlite" or "postgres") and creates the schema.
func Open(ctx context.Context, driver, dsn string, opts ...IndexOption) (*SQLIndex, error) {
	var dialect Dialect
	switch driver {
	case "sqlite", "sqlite3":
		driver, dialect = "sqlite", DialectSQLite
	case "postgres", "postgresql":
		driver, dialect = "postgres", DialectPostgres
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1)
	}
	s := NewSQLIndex(db, dialect, opts...)
	if err := s.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Init creates the table and indexes if they do not exist.
func (s *SQLIndex) Init(ctx context.Context) error {
	for _, stmt := range strings.Split(manifestSchema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate manifest index: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLIndex) Close() error { return s.db.Close() }

// Record inserts rec, assigning ID and RecordedAt when unset.
func (s *SQLIndex) Record(ctx context.Context, rec *ManifestRecord) error {
	if rec == nil {
		return errors.New("manifest record is nil")
	}
	if rec.CaseID == "" || rec.CombinedHash == "" {
		return errors.New("manifest record requires case id and combined hash")
	}
	if rec.ID == "" {
		rec.ID = s.newID()
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = s.now().UTC()
	}

	query := s.dialect.rebind(`INSERT INTO evidence_manifests (
		id, case_id, combined_hash, metadata_hash, merkle_root, signature, generated_at, manifest_json, recorded_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.CaseID, rec.CombinedHash, rec.MetadataHash, rec.MerkleRoot, rec.Signature,
		rec.GeneratedAt, string(rec.ManifestJSON), rec.RecordedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to insert manifest record: %w", err)
	}
	return nil
}

// Get returns the record with id.
func (s *SQLIndex) Get(ctx context.Context, id string) (*ManifestRecord, error) {
	query := s.dialect.rebind(selectColumns + ` WHERE id = ?`)
	return scanRecord(s.db.QueryRowContext(ctx, query, id))
}

// GetByCombinedHash returns the most recently recorded manifest with the
// given combined hash.
func (s *SQLIndex) GetByCombinedHash(ctx context.Context, combinedHash string) (*ManifestRecord, error) {
	query := s.dialect.rebind(selectColumns + ` WHERE combined_hash = ? ORDER BY recorded_at DESC LIMIT 1`)
	return scanRecord(s.db.QueryRowContext(ctx, query, strings.ToLower(combinedHash)))
}

// List returns up to limit records for caseID, newest first. An empty caseID
// lists every case.
func (s *SQLIndex) List(ctx context.Context, caseID string, limit int) ([]*ManifestRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var (
		rows *sql.Rows
		err  error
	)
	if caseID == "" {
		query := s.dialect.rebind(selectColumns + ` ORDER BY recorded_at DESC LIMIT ?`)
		rows, err = s.db.QueryContext(ctx, query, limit)
	} else {
		query := s.dialect.rebind(selectColumns + ` WHERE case_id = ? ORDER BY recorded_at DESC LIMIT ?`)
		rows, err = s.db.QueryContext(ctx, query, caseID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list manifests: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*ManifestRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list manifests: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*ManifestRecord, error) {
	var (
		rec        ManifestRecord
		manifest   string
		recordedAt string
	)
	err := row.Scan(&rec.ID, &rec.CaseID, &rec.CombinedHash, &rec.MetadataHash, &rec.MerkleRoot,
		&rec.Signature, &rec.GeneratedAt, &manifest, &recordedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan manifest record: %w", err)
	}
	rec.ManifestJSON = []byte(manifest)
	if t, err := time.Parse(timeLayout, recordedAt); err == nil {
		rec.RecordedAt = t
	}
	return &rec, nil
}
