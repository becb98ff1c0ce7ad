package audit

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/gatekeeper/pkg/txctx"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return db, mock
}

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testRecord(id string, ts time.Time, et EventType, outcome Outcome) *Record {
	return &Record{
		ID:             id,
		Timestamp:      ts,
		EventType:      et,
		Outcome:        outcome,
		ActorID:        "admin",
		OrganizationID: "acme",
		TargetType:     TargetRole,
		TargetID:       "role-1",
		Message:        "test",
	}
}

func TestNewDBSink(t *testing.T) {
	sink, err := NewDBSink(nil)
	assert.Error(t, err)
	assert.Nil(t, sink)
	assert.Contains(t, err.Error(), "database connection is required")
}

func TestDBSink_EnsureSchemaError(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS audit_records").WillReturnError(errors.New("boom"))

	sink, err := NewDBSink(db)
	require.NoError(t, err)
	err = sink.EnsureSchema(context.Background())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to ensure audit_records table")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDBSink_AppendJoinsContextTransaction(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO audit_records").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectRollback()

	sink, err := NewDBSink(db)
	require.NoError(t, err)

	tx, err := db.Begin()
	require.NoError(t, err)
	ctx := txctx.WithTx(context.Background(), tx)

	require.NoError(t, sink.Append(ctx, testRecord("r1", time.Now(), EventRoleCreated, OutcomeSuccess)))
	// the sink neither commits nor rolls back a caller-owned transaction
	require.NoError(t, tx.Rollback())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDBSink_AppendRollsBackOwnTransaction(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO audit_records").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO audit_records").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	sink, err := NewDBSink(db)
	require.NoError(t, err)

	now := time.Now()
	err = sink.Append(context.Background(),
		testRecord("r1", now, EventRoleCreated, OutcomeSuccess),
		testRecord("r2", now, EventRoleUpdated, OutcomeSuccess),
	)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to insert audit record")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDBSink_SearchAndStats(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	sink, err := NewDBSink(db)
	require.NoError(t, err)
	require.NoError(t, sink.EnsureSchema(ctx))

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r1 := testRecord("r1", base, EventRoleCreated, OutcomeSuccess)
	r1.Changes = &Changes{After: map[string]interface{}{"name": "editor"}}
	r2 := testRecord("r2", base.Add(time.Minute), EventAccessChecked, OutcomeDenied)
	r2.Metadata = map[string]interface{}{"permission": "document:write"}
	r3 := testRecord("r3", base.Add(2*time.Minute), EventAccessChecked, OutcomeAllowed)
	require.NoError(t, sink.Append(ctx, r1, r2, r3))

	all, err := sink.Search(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "r1", all[0].ID)
	require.NotNil(t, all[0].Changes)
	assert.Equal(t, "editor", all[0].Changes.After["name"])

	checks, err := sink.Search(ctx, Filter{EventTypes: []EventType{EventAccessChecked}, Outcome: OutcomeDenied})
	require.NoError(t, err)
	require.Len(t, checks, 1)
	assert.Equal(t, "document:write", checks[0].Metadata["permission"])

	from := base.Add(30 * time.Second)
	window, err := sink.Search(ctx, Filter{StartTime: &from, Limit: 1})
	require.NoError(t, err)
	require.Len(t, window, 1)
	assert.Equal(t, "r2", window[0].ID)

	got, err := sink.Get(ctx, "r3")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, OutcomeAllowed, got.Outcome)

	missing, err := sink.Get(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	stats, err := sink.Stats(ctx, base, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalRecords)
	assert.Equal(t, int64(1), stats.Denials)
	assert.Equal(t, int64(2), stats.RecordsByType[EventAccessChecked])

	purged, err := sink.Purge(ctx, base.Add(90*time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(2), purged)
}
