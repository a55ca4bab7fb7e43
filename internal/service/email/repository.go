package email

import (
	"context"

	"github.com/ignite/phi-mailer/internal/domain"
)

// Repository defines the data access contract for send requests.
// Implementations must be safe for concurrent use and return
// domain.ErrNotFound for missing rows.
type Repository interface {
	// Create inserts a new request. Returns domain.ErrConflict if the
	// (tenant, idempotency key) pair already exists.
	Create(ctx context.Context, r *domain.SendRequest) error

	// Get returns a request scoped to its tenant.
	Get(ctx context.Context, tenantID, id string) (*domain.SendRequest, error)

	// GetByIdempotencyKey returns the request holding key for tenantID.
	GetByIdempotencyKey(ctx context.Context, tenantID, key string) (*domain.SendRequest, error)

	// GetByProviderMessageID looks a request up by the provider's id.
	GetByProviderMessageID(ctx context.Context, providerMessageID string) (*domain.SendRequest, error)

	// MarkQueued moves a pending request to queued. It must not touch a
	// request the worker has already advanced.
	MarkQueued(ctx context.Context, tenantID, id string) error

	// Update persists status, retry bookkeeping, provider id, linkage and metadata.
	Update(ctx context.Context, r *domain.SendRequest) error

	// List returns requests for a tenant, newest first, and the total count.
	List(ctx context.Context, tenantID string, f ListFilter) ([]domain.SendRequest, int, error)
}

// DomainResolver picks the sending domain and effective From address.
type DomainResolver interface {
	Resolve(ctx context.Context, tenantID, from string) (*domain.SendingDomain, string, error)
}

// ListFilter controls pagination and filtering for send request lists.
type ListFilter struct {
	Status      string
	BroadcastID string
	Limit       int
	Offset      int
}

// SubmitInput holds the fields for one outbound email.
type SubmitInput struct {
	To             string                 `json:"to"`
	From           string                 `json:"from,omitempty"`
	Subject        string                 `json:"subject"`
	HTML           string                 `json:"html,omitempty"`
	Text           string                 `json:"text,omitempty"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`

	// Set by the broadcast orchestrator only.
	BroadcastID string `json:"-"`
	RecipientID string `json:"-"`
}
