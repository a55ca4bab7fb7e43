package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/ignite/phi-mailer/internal/domain"
	"github.com/ignite/phi-mailer/internal/service/broadcast"
	"github.com/ignite/phi-mailer/internal/service/email"
)

// maxBodyBytes bounds request bodies; recipient uploads are the largest.
const maxBodyBytes = 10 << 20

// EmailService is the part of email.Service the API calls.
type EmailService interface {
	Submit(ctx context.Context, tenantID string, in email.SubmitInput) (*domain.SendRequest, error)
	Find(ctx context.Context, tenantID, id string) (*domain.SendRequest, error)
	List(ctx context.Context, tenantID string, f email.ListFilter) ([]domain.SendRequest, int, error)
}

// BroadcastService is the part of broadcast.Service the API calls.
type BroadcastService interface {
	Create(ctx context.Context, tenantID string, in broadcast.CreateInput) (*domain.Broadcast, error)
	AddRecipients(ctx context.Context, tenantID, id string, in []broadcast.RecipientInput) (int, error)
	Start(ctx context.Context, tenantID, id string) (*domain.Broadcast, error)
	Cancel(ctx context.Context, tenantID, id string) (*domain.Broadcast, error)
	Find(ctx context.Context, tenantID, id string) (*domain.Broadcast, error)
	Status(ctx context.Context, tenantID, id string) (*domain.BroadcastStatusReport, error)
}

// Handlers contains all HTTP handlers
type Handlers struct {
	emails     EmailService
	broadcasts BroadcastService
	webhook    http.Handler
	health     *HealthChecker
}

// NewHandlers creates a new Handlers instance. health may be nil.
func NewHandlers(emails EmailService, broadcasts BroadcastService, webhook http.Handler, health *HealthChecker) *Handlers {
	if health == nil {
		health = NewHealthChecker(nil, nil, nil)
	}
	return &Handlers{
		emails:     emails,
		broadcasts: broadcasts,
		webhook:    webhook,
		health:     health,
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// decodeJSON reads a bounded JSON body into v. Decode failures are
// validation errors and never echo the body.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: request body is not valid JSON", domain.ErrValidation)
	}
	return nil
}
