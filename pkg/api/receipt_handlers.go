package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/platinummonkey/tollbooth/pkg/httputil"
)

func (s *Server) getReceipt(w http.ResponseWriter, r *http.Request) {
	receipt, err := s.engine.GetReceipt(r.Context(), httputil.PathVar(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, receipt)
}

func (s *Server) deliver(w http.ResponseWriter, r *http.Request) {
	result, err := s.engine.Deliver(r.Context(), httputil.PathVar(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, result)
}

func (s *Server) refund(w http.ResponseWriter, r *http.Request) {
	limitBody(w, r, maxBodyBytes)
	var req RefundRequest
	// The body is optional
	if err := httputil.ParseJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if err := httputil.Validate(&req); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	id := httputil.PathVar(r, "id")
	refunded, err := s.engine.Refund(r.Context(), id, req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	receipt, err := s.engine.GetReceipt(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, RefundResponse{Refunded: refunded, Receipt: receipt})
}

func (s *Server) queryJobUsage(w http.ResponseWriter, r *http.Request) {
	entries, err := s.ledger.QueryByJob(r.Context(), httputil.PathVar(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, EntriesResponse{Entries: entries, Count: len(entries)})
}
