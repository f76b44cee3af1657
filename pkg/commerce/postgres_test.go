package commerce

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/platinummonkey/tollbooth/pkg/billing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var receiptRowColumns = []string{
	"id", "subscriber_id", "idempotency_key", "items", "total", "included_charged", "on_demand_charged",
	"included_balance_after", "on_demand_accrued_after", "status", "failure_reason", "refund_reason",
	"created_at", "updated_at", "refunded_at",
}

func receiptRow(t *testing.T, status ReceiptStatus) *sqlmock.Rows {
	items, err := json.Marshal([]ChargedItem{{
		ID: "motor", Version: "1.0.0", Bucket: billing.BucketIncluded, Price: d("4"),
		IncludedPortion: d("4"), OnDemandPortion: d("0"), ContentDigest: testDigest,
	}})
	require.NoError(t, err)
	return sqlmock.NewRows(receiptRowColumns).AddRow(
		"r1", "sub_1", "chk_1", items, "4", "4", "0", "6", "0", string(status), "", "",
		fixedNow, fixedNow, nil)
}

func TestPostgresReceiptStore_InsertNew(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO receipts (.+) ON CONFLICT \\(idempotency_key\\) DO NOTHING").
		WillReturnResult(sqlmock.NewResult(0, 1))

	r := &Receipt{ID: "r1", SubscriberID: "sub_1", IdempotencyKey: "chk_1", Status: ReceiptCompleted, CreatedAt: fixedNow, UpdatedAt: fixedNow}
	stored, inserted, err := NewPostgresReceiptStore(db).Insert(context.Background(), r)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, "r1", stored.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresReceiptStore_InsertReturnsExisting(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO receipts").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT (.+) FROM receipts WHERE idempotency_key = \\$1").
		WithArgs("chk_1").
		WillReturnRows(receiptRow(t, ReceiptCompleted))

	r := &Receipt{ID: "r1", SubscriberID: "sub_1", IdempotencyKey: "chk_1", Status: ReceiptFailed}
	stored, inserted, err := NewPostgresReceiptStore(db).Insert(context.Background(), r)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, ReceiptCompleted, stored.Status)
	require.Len(t, stored.Items, 1)
	assert.True(t, stored.Items[0].Price.Equal(d("4")))
	assert.True(t, stored.BalanceAfter.IncludedBalance.Equal(d("6")))
	assert.Nil(t, stored.RefundedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresReceiptStore_GetMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT (.+) FROM receipts WHERE id = \\$1").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(receiptRowColumns))

	r, err := NewPostgresReceiptStore(db).Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, r)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresReceiptStore_ListBySubscriber(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT (.+) FROM receipts WHERE subscriber_id = \\$1 ORDER BY created_at DESC, id DESC LIMIT \\$2").
		WithArgs("sub_1", 50).
		WillReturnRows(receiptRow(t, ReceiptRefunded))

	receipts, err := NewPostgresReceiptStore(db).ListBySubscriber(context.Background(), "sub_1", 50)
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	assert.Equal(t, ReceiptRefunded, receipts[0].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresReceiptStore_TransitionIsConditional(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE receipts SET status = \\$3, refund_reason = \\$4, updated_at = \\$5, refunded_at = \\$5 WHERE id = \\$1 AND status = \\$2").
		WithArgs("r1", "completed", "refunded", "dup", fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE receipts").
		WithArgs("r1", "completed", "refunded", "dup", fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 0))

	store := NewPostgresReceiptStore(db)
	change := StatusChange{ReceiptID: "r1", From: ReceiptCompleted, To: ReceiptRefunded, Reason: "dup", At: fixedNow}
	applied, err := store.Transition(context.Background(), change)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = store.Transition(context.Background(), change)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}
