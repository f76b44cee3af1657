package subscriptions

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/platinummonkey/tollbooth/pkg/httputil"
	"github.com/platinummonkey/tollbooth/pkg/plans"
	"github.com/sirupsen/logrus"
)

const maxEventBytes = 1 << 20

// Handler receives signed subscription events over HTTP
type Handler struct {
	processor *Processor
	secret    []byte
	log       *logrus.Logger
}

// NewHandler creates a new Handler
func NewHandler(processor *Processor, secret []byte, log *logrus.Logger) *Handler {
	if log == nil {
		log = logrus.New()
	}
	return &Handler{processor: processor, secret: secret, log: log}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxEventBytes+1))
	if err != nil {
		httputil.WriteBadRequest(w, "failed to read body")
		return
	}
	if len(payload) > maxEventBytes {
		httputil.WriteErrorMessage(w, http.StatusRequestEntityTooLarge, "event too large")
		return
	}
	if !VerifySignature(payload, r.Header.Get(SignatureHeader), h.secret) {
		h.log.WithField("remote_addr", r.RemoteAddr).Warn("Rejected subscription event with bad signature")
		httputil.WriteUnauthorized(w, ErrInvalidSignature.Error())
		return
	}

	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		httputil.WriteBadRequest(w, "invalid JSON")
		return
	}

	outcome, err := h.processor.Apply(r.Context(), event)
	switch {
	case err == nil:
		httputil.WriteSuccess(w, outcome)
	case errors.Is(err, ErrInvalidEvent), errors.Is(err, plans.ErrPlanNotFound):
		httputil.WriteBadRequest(w, err.Error())
	case errors.Is(err, ErrEventInProgress):
		httputil.WriteConflict(w, err.Error())
	default:
		// non-2xx makes the provider redeliver
		h.log.WithError(err).WithField("event_id", event.ID).Error("Failed to apply subscription event")
		httputil.WriteInternalError(w)
	}
}
