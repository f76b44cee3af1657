package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/platinummonkey/tollbooth/pkg/httputil"
	"github.com/platinummonkey/tollbooth/pkg/registry"
)

func (s *Server) uploadPayload(w http.ResponseWriter, r *http.Request) {
	if s.payloads == nil {
		httputil.WriteNotFound(w, "payload uploads are not enabled")
		return
	}
	limitBody(w, r, maxPayloadBytes)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.WriteErrorMessage(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		httputil.WriteBadRequest(w, "failed to read payload")
		return
	}
	if len(data) == 0 {
		httputil.WriteBadRequest(w, "payload is empty")
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	payload, err := s.payloads.PutPayload(r.Context(), data, contentType)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, payload)
}

func (s *Server) registerPackage(w http.ResponseWriter, r *http.Request) {
	limitBody(w, r, maxBodyBytes)
	var req RegisterRequest
	if !httputil.DecodeAndValidateOrError(w, r, &req) {
		return
	}
	record, err := s.registry.Register(r.Context(), req.Manifest, req.PayloadLocation, req.SizeBytes)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, record)
}

func (s *Server) searchPackages(w http.ResponseWriter, r *http.Request) {
	limit, err := httputil.ParseQueryInt(r, "limit", 0)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	q := registry.SearchQuery{
		Query: httputil.ParseQueryString(r, "q", ""),
		Limit: limit,
	}
	for _, tag := range r.URL.Query()["tag"] {
		if tag = strings.TrimSpace(tag); tag != "" {
			q.Tags = append(q.Tags, tag)
		}
	}
	// compat=engine:2 may repeat
	for _, pair := range r.URL.Query()["compat"] {
		k, v, ok := strings.Cut(pair, ":")
		if !ok || k == "" {
			httputil.WriteBadRequest(w, "compat must be key:value")
			return
		}
		if q.Compatibility == nil {
			q.Compatibility = make(map[string]string)
		}
		q.Compatibility[k] = v
	}

	records, err := s.registry.Search(r.Context(), q)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, PackagesResponse{Packages: records, Count: len(records)})
}

func (s *Server) resolvePackages(w http.ResponseWriter, r *http.Request) {
	limitBody(w, r, maxBodyBytes)
	var req ResolveRequest
	if !httputil.DecodeAndValidateOrError(w, r, &req) {
		return
	}
	resolution, err := s.registry.Resolve(r.Context(), req.Requirements)
	if err != nil {
		writeError(w, r, err)
		return
	}
	// Partial resolutions are data, not failures
	httputil.WriteSuccess(w, resolution)
}

func (s *Server) getLatest(w http.ResponseWriter, r *http.Request) {
	record, err := s.registry.GetLatest(r.Context(), httputil.PathVar(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if record == nil {
		httputil.WriteNotFound(w, "package not found")
		return
	}
	httputil.WriteSuccess(w, record)
}

func (s *Server) getExact(w http.ResponseWriter, r *http.Request) {
	record, err := s.registry.GetExact(r.Context(), httputil.PathVar(r, "id"), httputil.PathVar(r, "version"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if record == nil {
		httputil.WriteNotFound(w, "package not found")
		return
	}
	httputil.WriteSuccess(w, record)
}

func (s *Server) deactivate(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Deactivate(r.Context(), httputil.PathVar(r, "id"), httputil.PathVar(r, "version")); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}
