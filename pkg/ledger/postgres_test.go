package ledger

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var entryRowColumns = []string{
	"id", "idempotency_key", "subscriber_id", "kind", "bucket", "cost", "occurred_at",
	"job_id", "provider", "model", "input_tokens", "output_tokens",
	"package_id", "package_version", "receipt_id", "created_at",
}

func TestPostgresStore_InsertNew(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	e := usage("u1", "sub_1", "1", baseTime)
	e.ID = "11111111-1111-1111-1111-111111111111"
	e.Kind = KindUsage

	mock.ExpectExec("INSERT INTO ledger_entries (.+) ON CONFLICT \\(idempotency_key\\) DO NOTHING").
		WillReturnResult(sqlmock.NewResult(0, 1))

	stored, inserted, err := NewPostgresStore(db).Insert(context.Background(), &e)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, e.ID, stored.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertReturnsExisting(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	e := usage("u1", "sub_1", "1", baseTime)
	e.ID = "new-id"
	e.Kind = KindUsage

	mock.ExpectExec("INSERT INTO ledger_entries").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT (.+) FROM ledger_entries WHERE idempotency_key").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows(entryRowColumns).AddRow(
			"old-id", "u1", "sub_1", "usage", "included", "1", baseTime,
			"job_1", "anthropic", "claude", int64(1000), int64(200),
			"", "", "", baseTime))

	stored, inserted, err := NewPostgresStore(db).Insert(context.Background(), &e)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, "old-id", stored.ID)
	assert.Equal(t, KindUsage, stored.Kind)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_QueryBySubscriberBuildsFilters(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	kind := KindPurchase
	r := &DateRange{From: baseTime}

	mock.ExpectQuery("SELECT (.+) FROM ledger_entries WHERE subscriber_id = \\$1 AND kind = \\$2 AND occurred_at >= \\$3 ORDER BY occurred_at, id").
		WithArgs("sub_1", "purchase", baseTime).
		WillReturnRows(sqlmock.NewRows(entryRowColumns).AddRow(
			"id-1", "p1", "sub_1", "purchase", "on_demand", "10", baseTime,
			"", "", "", int64(0), int64(0),
			"motor", "1.0.0", "rcpt_1", baseTime))

	entries, err := NewPostgresStore(db).QueryBySubscriber(context.Background(), "sub_1", Filter{Kind: &kind, Range: r})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "motor", entries[0].PackageID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_QueryByJob(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT (.+) FROM ledger_entries WHERE job_id = \\$1").
		WithArgs("job_1").
		WillReturnRows(sqlmock.NewRows(entryRowColumns))

	entries, err := NewPostgresStore(db).QueryByJob(context.Background(), "job_1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}
