package registry

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var packageColumns = []string{
	"id", "version", "name", "description", "tags", "price", "content_digest", "compatibility",
	"payload_location", "size_bytes", "active", "download_count", "created_at", "deactivated_at",
}

func TestPostgresStore_Insert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	m := manifest("x", "1.2.3", "4.00", "power")
	require.NoError(t, m.Validate())

	mock.ExpectExec("INSERT INTO packages").
		WithArgs("x", "1.2.3", 1, 2, 3, m.Name, m.Description, sqlmock.AnyArg(), sqlmock.AnyArg(),
			testDigest, sqlmock.AnyArg(), "loc", int64(10), true, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = NewPostgresStore(db).Insert(context.Background(), &Record{Manifest: m, PayloadLocation: "loc", SizeBytes: 10, Active: true})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertDuplicate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	m := manifest("x", "1.0.0", "4.00")
	mock.ExpectExec("INSERT INTO packages").
		WillReturnError(&pq.Error{Code: "23505"})

	err = NewPostgresStore(db).Insert(context.Background(), &Record{Manifest: m})
	assert.True(t, IsAlreadyExistsError(err))
}

func TestPostgresStore_Get(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery("SELECT (.+) FROM packages WHERE id = \\$1 AND version = \\$2").
		WithArgs("x", "1.0.0").
		WillReturnRows(sqlmock.NewRows(packageColumns).AddRow(
			"x", "1.0.0", "Block x", "desc", "{power,dcdc}", "4.50", testDigest, []byte(`{"kicad":"8"}`),
			"loc", int64(10), true, int64(7), now, nil,
		))

	rec, err := NewPostgresStore(db).Get(context.Background(), "x", "1.0.0")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, []string{"power", "dcdc"}, rec.Tags)
	assert.Equal(t, "8", rec.Compatibility["kicad"])
	assert.Equal(t, int64(7), rec.DownloadCount)
	assert.Nil(t, rec.DeactivatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT (.+) FROM packages").
		WillReturnError(sql.ErrNoRows)

	rec, err := NewPostgresStore(db).Get(context.Background(), "x", "1.0.0")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestPostgresStore_SearchBuildsFilters(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT (.+) FROM packages WHERE active AND \\(name ILIKE \\$1 OR description ILIKE \\$1\\) AND tags @> \\$2 AND compatibility @> \\$3::jsonb ORDER BY CASE WHEN name ILIKE \\$1").
		WithArgs("%50\\%%", sqlmock.AnyArg(), `{"kicad":"8"}`, 5).
		WillReturnRows(sqlmock.NewRows(packageColumns))

	recs, err := NewPostgresStore(db).Search(context.Background(), SearchQuery{
		Query:         "50%",
		Tags:          []string{"power"},
		Compatibility: map[string]string{"kicad": "8"},
		Limit:         5,
	})
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SetActiveNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE packages").
		WithArgs("x", "1.0.0", false).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = NewPostgresStore(db).SetActive(context.Background(), "x", "1.0.0", false)
	assert.True(t, IsNotFoundError(err))
}

func TestPostgresStore_IncrementDownloads(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE packages SET download_count = download_count \\+ 1").
		WithArgs("x", "1.0.0").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, NewPostgresStore(db).IncrementDownloads(context.Background(), "x", "1.0.0"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
