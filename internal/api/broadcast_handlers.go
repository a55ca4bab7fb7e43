package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/phi-mailer/internal/service/broadcast"
)

// CreateBroadcast creates a draft broadcast.
//
//	POST /v1/broadcasts
func (h *Handlers) CreateBroadcast(w http.ResponseWriter, r *http.Request) {
	var in broadcast.CreateInput
	if err := decodeJSON(w, r, &in); err != nil {
		respondServiceError(w, err)
		return
	}
	b, err := h.broadcasts.Create(r.Context(), TenantFrom(r.Context()), in)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, b)
}

// AddRecipients appends recipients to a draft broadcast.
//
//	POST /v1/broadcasts/{id}/recipients
func (h *Handlers) AddRecipients(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Recipients []broadcast.RecipientInput `json:"recipients"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		respondServiceError(w, err)
		return
	}
	n, err := h.broadcasts.AddRecipients(r.Context(), TenantFrom(r.Context()), chi.URLParam(r, "id"), body.Recipients)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"added": n})
}

// StartBroadcast queues a draft broadcast for delivery.
//
//	POST /v1/broadcasts/{id}/start
func (h *Handlers) StartBroadcast(w http.ResponseWriter, r *http.Request) {
	b, err := h.broadcasts.Start(r.Context(), TenantFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, b)
}

// CancelBroadcast stops an unfinished broadcast.
//
//	POST /v1/broadcasts/{id}/cancel
func (h *Handlers) CancelBroadcast(w http.ResponseWriter, r *http.Request) {
	b, err := h.broadcasts.Cancel(r.Context(), TenantFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, b)
}

// GetBroadcast returns a broadcast with decrypted recipients.
//
//	GET /v1/broadcasts/{id}
func (h *Handlers) GetBroadcast(w http.ResponseWriter, r *http.Request) {
	b, err := h.broadcasts.Find(r.Context(), TenantFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, b)
}

// BroadcastStatus returns counters and progress.
//
//	GET /v1/broadcasts/{id}/status
func (h *Handlers) BroadcastStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.broadcasts.Status(r.Context(), TenantFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}
