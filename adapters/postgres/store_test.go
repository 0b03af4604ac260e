package postgres

import (
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/esrt/core/es"
)

var snapshotCols = []string{"stream_name", "version", "payload", "aggregate_type", "package_path", "byte_size", "schema_version"}

func newMock(t *testing.T) (*SnapshotStore, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })
	return New(sqlx.NewDb(mockDB, "postgres")), mock
}

func TestSnapshotStore_GetSnapshot(t *testing.T) {
	store, mock := newMock(t)
	ctx := t.Context()

	mock.ExpectQuery(regexp.QuoteMeta(selectSnapshot)).
		WithArgs("pkg.A", "as-1", 2).
		WillReturnRows(sqlmock.NewRows(snapshotCols).AddRow("as-1", int64(7), []byte(`{}`), "pkg.A", "pkg", 2, 2))

	data, err := store.GetSnapshot(ctx, "pkg.A", "as-1", 2)
	require.NoError(t, err)
	assert.Equal(t, es.SnapshotData{
		StreamName:    "as-1",
		Version:       7,
		Payload:       []byte(`{}`),
		AggregateType: "pkg.A",
		PackagePath:   "pkg",
		ByteSize:      2,
		SchemaVersion: 2,
	}, *data)

	mock.ExpectQuery(regexp.QuoteMeta(selectSnapshot)).
		WithArgs("pkg.A", "as-2", 2).
		WillReturnRows(sqlmock.NewRows(snapshotCols))
	_, err = store.GetSnapshot(ctx, "pkg.A", "as-2", 2)
	require.ErrorIs(t, err, es.ErrSnapshotNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshotStore_GetStaleSnapshot(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectQuery(regexp.QuoteMeta(selectStaleSnapshot)).
		WithArgs("pkg.A", 3).
		WillReturnRows(sqlmock.NewRows(snapshotCols).AddRow("as-1", int64(1), []byte(`{}`), "pkg.A", "pkg", 2, 2))

	data, err := store.GetStaleSnapshot(t.Context(), "pkg.A", 3)
	require.NoError(t, err)
	assert.Equal(t, 2, data.SchemaVersion)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshotStore_SaveSnapshots(t *testing.T) {
	store, mock := newMock(t)
	ctx := t.Context()
	snaps := []es.SnapshotData{
		{StreamName: "as-1", Version: 3, Payload: []byte(`{}`), AggregateType: "pkg.A", PackagePath: "pkg", ByteSize: 2, SchemaVersion: 1},
		{StreamName: "as-2", Version: 0, Payload: []byte(`{}`), AggregateType: "pkg.A", PackagePath: "pkg", ByteSize: 2, SchemaVersion: 1},
	}

	mock.ExpectBegin()
	for _, s := range snaps {
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO esrt_snapshots")).
			WithArgs(s.StreamName, s.Version, s.Payload, s.AggregateType, s.PackagePath, s.ByteSize, s.SchemaVersion).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectCommit()
	require.NoError(t, store.SaveSnapshots(ctx, snaps...))

	// nothing to do without a transaction
	require.NoError(t, store.SaveSnapshots(ctx))

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO esrt_snapshots")).WillReturnError(errors.New("boom"))
	mock.ExpectRollback()
	err := store.SaveSnapshots(ctx, snaps[0])
	require.ErrorContains(t, err, "boom")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshotStore_schemas(t *testing.T) {
	store, mock := newMock(t)
	ctx := t.Context()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO esrt_snapshot_schemas")).
		WithArgs("pkg.A", "pkg", 2, "h2", true).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	require.NoError(t, store.SaveSchemas(ctx, es.SnapshotSchema{
		AggregateType: "pkg.A", PackagePath: "pkg", Version: 2, Hash: "h2", HasStaleSnapshots: true,
	}))

	mock.ExpectQuery(regexp.QuoteMeta(selectSchemas)).
		WillReturnRows(sqlmock.NewRows([]string{"aggregate_type", "package_path", "version", "hash", "has_stale_snapshots"}).
			AddRow("pkg.A", "pkg", 2, "h2", true).
			AddRow("pkg.B", "pkg", 1, "h1", false))
	schemas, err := store.GetSchemas(ctx)
	require.NoError(t, err)
	require.Len(t, schemas, 2)
	assert.True(t, schemas[0].HasStaleSnapshots)
	assert.Equal(t, "pkg.B", schemas[1].AggregateType)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshotStore_DeleteSnapshot(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectExec(regexp.QuoteMeta(deleteSnapshot)).
		WithArgs("pkg.A", "as-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.DeleteSnapshot(t.Context(), "pkg.A", "as-1"))

	mock.ExpectExec(regexp.QuoteMeta(deleteSnapshot)).WillReturnError(errors.New("gone"))
	require.Error(t, store.DeleteSnapshot(t.Context(), "pkg.A", "as-1"))

	assert.NoError(t, mock.ExpectationsWereMet())
}
