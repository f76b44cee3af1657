package api

import (
	"github.com/platinummonkey/tollbooth/pkg/balance"
	"github.com/platinummonkey/tollbooth/pkg/commerce"
	"github.com/platinummonkey/tollbooth/pkg/ledger"
	"github.com/platinummonkey/tollbooth/pkg/registry"
	"github.com/shopspring/decimal"
)

// IdempotencyKeyHeader may carry the key instead of the request body
const IdempotencyKeyHeader = "Idempotency-Key"

// CheckoutRequest is the body of POST /v1/subscribers/{id}/checkout
type CheckoutRequest struct {
	Items           []commerce.ItemRef `json:"items" validate:"required,min=1,max=100,dive"`
	IdempotencyKey  string             `json:"idempotency_key,omitempty" validate:"omitempty,max=255"`
	DeclineOnDemand bool               `json:"decline_on_demand,omitempty"`
}

// UsageRequest is the body of POST /v1/subscribers/{id}/usage
type UsageRequest struct {
	IdempotencyKey string           `json:"idempotency_key,omitempty" validate:"omitempty,max=255"`
	JobID          string           `json:"job_id,omitempty" validate:"omitempty,max=255"`
	Provider       string           `json:"provider,omitempty" validate:"omitempty,max=100"`
	Model          string           `json:"model" validate:"required,max=200"`
	InputTokens    int64            `json:"input_tokens" validate:"gte=0"`
	OutputTokens   int64            `json:"output_tokens" validate:"gte=0"`
	Cost           *decimal.Decimal `json:"cost,omitempty"`
}

// RefundRequest is the optional body of POST /v1/receipts/{id}/refund
type RefundRequest struct {
	Reason string `json:"reason,omitempty" validate:"omitempty,max=500"`
}

// RefundResponse reports the receipt after a refund
type RefundResponse struct {
	Refunded bool              `json:"refunded"`
	Receipt  *commerce.Receipt `json:"receipt"`
}

// RegisterRequest is the body of POST /v1/packages
type RegisterRequest struct {
	Manifest        registry.Manifest `json:"manifest" validate:"required"`
	PayloadLocation string            `json:"payload_location" validate:"required,max=1024"`
	SizeBytes       int64             `json:"size_bytes" validate:"gte=0"`
}

// ResolveRequest is the body of POST /v1/packages/resolve
type ResolveRequest struct {
	Requirements []registry.Requirement `json:"requirements" validate:"required,min=1,max=100,dive"`
}

// BalanceResponse is a balance plus derived totals. Exists is false for a
// subscriber with no stored balance; the amounts are then zero.
type BalanceResponse struct {
	*balance.Balance
	Spent  decimal.Decimal `json:"spent"`
	Exists bool            `json:"exists"`
}

// EntriesResponse wraps ledger query results
type EntriesResponse struct {
	Entries []*ledger.Entry `json:"entries"`
	Count   int             `json:"count"`
}

// ReceiptsResponse wraps a receipt listing
type ReceiptsResponse struct {
	Receipts []*commerce.Receipt `json:"receipts"`
	Count    int                 `json:"count"`
}

// PackagesResponse wraps a package search
type PackagesResponse struct {
	Packages []*registry.Record `json:"packages"`
	Count    int                `json:"count"`
}
