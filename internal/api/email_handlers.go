package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/phi-mailer/internal/service/email"
)

// SubmitEmail accepts one email for asynchronous delivery.
//
//	POST /v1/emails
func (h *Handlers) SubmitEmail(w http.ResponseWriter, r *http.Request) {
	var in email.SubmitInput
	if err := decodeJSON(w, r, &in); err != nil {
		respondServiceError(w, err)
		return
	}
	if in.IdempotencyKey == "" {
		in.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}

	sr, err := h.emails.Submit(r.Context(), TenantFrom(r.Context()), in)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"id":     sr.ID,
		"status": sr.Status,
	})
}

// GetEmail returns one send request with its content decrypted.
//
//	GET /v1/emails/{id}
func (h *Handlers) GetEmail(w http.ResponseWriter, r *http.Request) {
	sr, err := h.emails.Find(r.Context(), TenantFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sr)
}

// ListEmails returns a page of send requests without PHI fields.
//
//	GET /v1/emails?status=&broadcast_id=&page=&limit=
func (h *Handlers) ListEmails(w http.ResponseWriter, r *http.Request) {
	p := ParsePagination(r, 50, 100)
	q := r.URL.Query()
	items, total, err := h.emails.List(r.Context(), TenantFrom(r.Context()), email.ListFilter{
		Status:      q.Get("status"),
		BroadcastID: q.Get("broadcast_id"),
		Limit:       p.Limit,
		Offset:      p.Offset,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, NewPaginatedResponse(items, p, int64(total)))
}
