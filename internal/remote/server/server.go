// Package server exposes a remote.Store over HTTP. It is the reference
// remote the httpstore transport talks to.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/matheus3301/offsync/internal/record"
	"github.com/matheus3301/offsync/internal/remote"
)

const maxBodySize = 4 << 20 // 4MB

// UpdateRequest is the PATCH /records/{id} body.
type UpdateRequest struct {
	Record            record.Record `json:"record"`
	ExpectedUpdatedAt time.Time     `json:"expected_updated_at,omitzero"`
}

// ErrorResponse is the body of every non-2xx response. Record is set on 409.
type ErrorResponse struct {
	Error  string         `json:"error"`
	Record *record.Record `json:"record,omitempty"`
}

// ListResponse is the GET /records body.
type ListResponse struct {
	Records []record.Record `json:"records"`
}

// NewHandler returns the HTTP API for store.
func NewHandler(store remote.Store, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &handler{store: store, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.health)
	r.Get("/records", h.list)
	r.Post("/records", h.create)
	r.Get("/records/{id}", h.get)
	r.Patch("/records/{id}", h.update)
	r.Delete("/records/{id}", h.delete)
	return r
}

type handler struct {
	store  remote.Store
	logger *zap.Logger
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		h.fail(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) list(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if s := r.URL.Query().Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			h.fail(w, http.StatusBadRequest, fmt.Errorf("invalid since: %w", err))
			return
		}
		since = t
	}
	recs, err := h.store.ListUpdatedSince(r.Context(), since)
	if err != nil {
		h.storeError(w, err)
		return
	}
	if recs == nil {
		recs = []record.Record{}
	}
	writeJSON(w, http.StatusOK, ListResponse{Records: recs})
}

func (h *handler) create(w http.ResponseWriter, r *http.Request) {
	var rec record.Record
	if !h.decode(w, r, &rec) {
		return
	}
	if rec.ID == "" {
		h.fail(w, http.StatusBadRequest, errors.New("id is required"))
		return
	}
	out, err := h.store.Create(r.Context(), rec)
	if err != nil {
		h.storeError(w, err)
		return
	}
	h.logger.Debug("record created", zap.String("record_id", out.ID))
	writeJSON(w, http.StatusCreated, out)
}

func (h *handler) get(w http.ResponseWriter, r *http.Request) {
	out, err := h.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) update(w http.ResponseWriter, r *http.Request) {
	var req UpdateRequest
	if !h.decode(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	out, err := h.store.Update(r.Context(), id, req.Record, req.ExpectedUpdatedAt)
	if err != nil {
		h.storeError(w, err)
		return
	}
	h.logger.Debug("record updated", zap.String("record_id", id))
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.store.Delete(r.Context(), id); err != nil {
		h.storeError(w, err)
		return
	}
	h.logger.Debug("record deleted", zap.String("record_id", id))
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.fail(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return false
	}
	return true
}

func (h *handler) storeError(w http.ResponseWriter, err error) {
	if ce, ok := remote.AsConflict(err); ok {
		rec := ce.Remote
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Record: &rec})
		return
	}
	if errors.Is(err, remote.ErrNotFound) {
		h.fail(w, http.StatusNotFound, err)
		return
	}
	h.logger.Error("store error", zap.Error(err))
	h.fail(w, http.StatusInternalServerError, err)
}

func (h *handler) fail(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, ErrorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
