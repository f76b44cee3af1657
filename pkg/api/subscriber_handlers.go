package api

import (
	"net/http"
	"strings"

	"github.com/platinummonkey/tollbooth/pkg/commerce"
	"github.com/platinummonkey/tollbooth/pkg/httputil"
	"github.com/platinummonkey/tollbooth/pkg/ledger"
)

func (s *Server) checkout(w http.ResponseWriter, r *http.Request) {
	limitBody(w, r, maxBodyBytes)
	var req CheckoutRequest
	if !httputil.DecodeAndValidateOrError(w, r, &req) {
		return
	}

	key, ok := idempotencyKey(w, r, req.IdempotencyKey)
	if !ok {
		return
	}

	result, err := s.engine.Checkout(r.Context(), commerce.CheckoutRequest{
		SubscriberID:    httputil.PathVar(r, "id"),
		Items:           req.Items,
		IdempotencyKey:  key,
		DeclineOnDemand: req.DeclineOnDemand,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	httputil.WriteJSON(w, status, result)
}

// idempotencyKey reconciles the header and body keys. Either may be used;
// if both are set they must agree.
func idempotencyKey(w http.ResponseWriter, r *http.Request, bodyKey string) (string, bool) {
	headerKey := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))
	bodyKey = strings.TrimSpace(bodyKey)
	switch {
	case headerKey == "" && bodyKey == "":
		httputil.WriteBadRequest(w, "idempotency key is required")
		return "", false
	case headerKey != "" && bodyKey != "" && headerKey != bodyKey:
		httputil.WriteBadRequest(w, "Idempotency-Key header does not match idempotency_key")
		return "", false
	case headerKey != "":
		return headerKey, true
	}
	return bodyKey, true
}

func (s *Server) getBalance(w http.ResponseWriter, r *http.Request) {
	bal, err := s.balances.GetBalance(r.Context(), httputil.PathVar(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, BalanceResponse{Balance: bal, Spent: bal.Spent(), Exists: bal.Exists()})
}

func (s *Server) listReceipts(w http.ResponseWriter, r *http.Request) {
	limit, err := httputil.ParseQueryInt(r, "limit", 0)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	receipts, err := s.engine.ListReceipts(r.Context(), httputil.PathVar(r, "id"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, ReceiptsResponse{Receipts: receipts, Count: len(receipts)})
}

func (s *Server) queryUsage(w http.ResponseWriter, r *http.Request) {
	var kind *ledger.Kind
	if raw := httputil.ParseQueryString(r, "kind", ""); raw != "" {
		k, err := ledger.ParseKind(raw)
		if err != nil {
			writeError(w, r, err)
			return
		}
		kind = &k
	}
	dr, ok := parseDateRange(w, r)
	if !ok {
		return
	}

	entries, err := s.ledger.QueryBySubscriber(r.Context(), httputil.PathVar(r, "id"), kind, &dr)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, EntriesResponse{Entries: entries, Count: len(entries)})
}

func (s *Server) summarizeUsage(w http.ResponseWriter, r *http.Request) {
	dr, ok := parseDateRange(w, r)
	if !ok {
		return
	}
	summary, err := s.ledger.Summarize(r.Context(), httputil.PathVar(r, "id"), dr)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, summary)
}

func (s *Server) recordUsage(w http.ResponseWriter, r *http.Request) {
	limitBody(w, r, maxBodyBytes)
	var req UsageRequest
	if !httputil.DecodeAndValidateOrError(w, r, &req) {
		return
	}
	key, ok := idempotencyKey(w, r, req.IdempotencyKey)
	if !ok {
		return
	}

	result, err := s.engine.RecordUsage(r.Context(), commerce.UsageRequest{
		SubscriberID:   httputil.PathVar(r, "id"),
		IdempotencyKey: key,
		JobID:          req.JobID,
		Provider:       req.Provider,
		Model:          req.Model,
		InputTokens:    req.InputTokens,
		OutputTokens:   req.OutputTokens,
		Cost:           req.Cost,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, result)
}

func parseDateRange(w http.ResponseWriter, r *http.Request) (ledger.DateRange, bool) {
	var dr ledger.DateRange
	from, err := httputil.ParseQueryTime(r, "from")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return dr, false
	}
	to, err := httputil.ParseQueryTime(r, "to")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return dr, false
	}
	if from != nil {
		dr.From = *from
	}
	if to != nil {
		dr.To = *to
	}
	return dr, true
}
