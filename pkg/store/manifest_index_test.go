package store

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2026, 1, 30, 10, 0, 0, 0, time.UTC)

func newSQLiteIndex(t *testing.T) *SQLIndex {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	tick := 0
	idx := NewSQLIndex(db, DialectSQLite, WithIndexClock(func() time.Time {
		tick++
		return baseTime.Add(time.Duration(tick) * time.Second)
	}))
	require.NoError(t, idx.Init(context.Background()))
	return idx
}

func hashOf(n int) string { return fmt.Sprintf("%064x", n) }

func TestSQLIndex_RecordAndGet(t *testing.T) {
	idx := newSQLiteIndex(t)
	ctx := context.Background()

	rec := &ManifestRecord{
		CaseID:       "case-42",
		CombinedHash: hashOf(1),
		MetadataHash: hashOf(2),
		MerkleRoot:   hashOf(3),
		Signature:    "header.payload.sig",
		GeneratedAt:  "2026-01-30T10:00:00.000Z",
		ManifestJSON: []byte(`{"version":"1.0.0"}`),
	}
	require.NoError(t, idx.Record(ctx, rec))
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, baseTime.Add(time.Second), rec.RecordedAt)

	got, err := idx.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, rec.RecordedAt.Equal(got.RecordedAt))
	got.RecordedAt = rec.RecordedAt
	assert.Equal(t, rec, got)

	byHash, err := idx.GetByCombinedHash(ctx, hashOf(1))
	require.NoError(t, err)
	assert.Equal(t, rec.ID, byHash.ID)

	_, err = idx.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = idx.GetByCombinedHash(ctx, hashOf(99))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSQLIndex_GetByCombinedHashReturnsNewest(t *testing.T) {
	idx := newSQLiteIndex(t)
	ctx := context.Background()

	first := &ManifestRecord{CaseID: "case-1", CombinedHash: hashOf(7), GeneratedAt: "a", ManifestJSON: []byte("{}")}
	second := &ManifestRecord{CaseID: "case-1", CombinedHash: hashOf(7), GeneratedAt: "b", ManifestJSON: []byte("{}")}
	require.NoError(t, idx.Record(ctx, first))
	require.NoError(t, idx.Record(ctx, second))

	got, err := idx.GetByCombinedHash(ctx, hashOf(7))
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)
}

func TestSQLIndex_List(t *testing.T) {
	idx := newSQLiteIndex(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		caseID := "case-a"
		if i%2 == 1 {
			caseID = "case-b"
		}
		require.NoError(t, idx.Record(ctx, &ManifestRecord{
			CaseID:       caseID,
			CombinedHash: hashOf(i),
			GeneratedAt:  "t",
			ManifestJSON: []byte("{}"),
		}))
	}

	all, err := idx.List(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, hashOf(4), all[0].CombinedHash, "newest first")

	caseA, err := idx.List(ctx, "case-a", 10)
	require.NoError(t, err)
	require.Len(t, caseA, 3)
	for _, rec := range caseA {
		assert.Equal(t, "case-a", rec.CaseID)
	}

	limited, err := idx.List(ctx, "", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestSQLIndex_RecordValidation(t *testing.T) {
	idx := newSQLiteIndex(t)
	ctx := context.Background()

	require.Error(t, idx.Record(ctx, nil))
	require.Error(t, idx.Record(ctx, &ManifestRecord{CombinedHash: hashOf(1)}))
	require.Error(t, idx.Record(ctx, &ManifestRecord{CaseID: "c"}))

	rec := &ManifestRecord{ID: "fixed", CaseID: "c", CombinedHash: hashOf(1), ManifestJSON: []byte("{}")}
	require.NoError(t, idx.Record(ctx, rec))
	require.Error(t, idx.Record(ctx, rec), "duplicate id")
}

func TestOpen_SQLite(t *testing.T) {
	idx, err := Open(context.Background(), "sqlite", ":memory:")
	require.NoError(t, err)
	defer func() { _ = idx.Close() }()
	assert.Equal(t, DialectSQLite, idx.dialect)

	_, err = Open(context.Background(), "oracle", "dsn")
	require.Error(t, err)
}

func TestDialectRebind(t *testing.T) {
	q := "SELECT * FROM t WHERE a = ? AND b = ? LIMIT ?"
	assert.Equal(t, q, DialectSQLite.rebind(q))
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2 LIMIT $3", DialectPostgres.rebind(q))
}

func TestSQLIndex_PostgresRecord(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	idx := NewSQLIndex(db, DialectPostgres,
		WithIDGenerator(func() string { return "id-1" }),
		WithIndexClock(func() time.Time { return baseTime }),
	)

	mock.ExpectExec(`(?s)INSERT INTO evidence_manifests .* VALUES \(\$1, \$2, \$3, \$4, \$5, \$6, \$7, \$8, \$9\)`).
		WithArgs("id-1", "case-42", hashOf(1), hashOf(2), "", "", "2026-01-30T10:00:00.000Z", "{}", baseTime.Format(timeLayout)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = idx.Record(context.Background(), &ManifestRecord{
		CaseID:       "case-42",
		CombinedHash: hashOf(1),
		MetadataHash: hashOf(2),
		GeneratedAt:  "2026-01-30T10:00:00.000Z",
		ManifestJSON: []byte("{}"),
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLIndex_PostgresGetNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	idx := NewSQLIndex(db, DialectPostgres)
	mock.ExpectQuery(`(?s)SELECT .* FROM evidence_manifests WHERE id = \$1`).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err = idx.Get(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLIndex_PostgresList(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	idx := NewSQLIndex(db, DialectPostgres)
	cols := []string{"id", "case_id", "combined_hash", "metadata_hash", "merkle_root", "signature", "generated_at", "manifest_json", "recorded_at"}
	mock.ExpectQuery(`WHERE case_id = \$1 ORDER BY recorded_at DESC LIMIT \$2`).
		WithArgs("case-42", 10).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("id-1", "case-42", hashOf(1), hashOf(2), "", "", "t", "{}", baseTime.Format(timeLayout)))

	got, err := idx.List(context.Background(), "case-42", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "id-1", got[0].ID)
	assert.True(t, baseTime.Equal(got[0].RecordedAt))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLIndex_InitError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS evidence_manifests").WillReturnError(sql.ErrConnDone)
	err = NewSQLIndex(db, DialectPostgres).Init(context.Background())
	require.ErrorIs(t, err, sql.ErrConnDone)
}
