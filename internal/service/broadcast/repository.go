package broadcast

import (
	"context"

	"github.com/ignite/phi-mailer/internal/domain"
	"github.com/ignite/phi-mailer/internal/service/email"
)

// Repository defines the data access contract for broadcasts and their
// recipients. Missing rows yield domain.ErrNotFound.
type Repository interface {
	Create(ctx context.Context, b *domain.Broadcast) error
	Get(ctx context.Context, tenantID, id string) (*domain.Broadcast, error)

	// Transition sets status to `to` only if the current status is one of
	// from, and reports whether the row changed.
	Transition(ctx context.Context, tenantID, id string, to domain.BroadcastStatus, from ...domain.BroadcastStatus) (bool, error)

	// IncrementCounters atomically adds to sent_count and failed_count.
	IncrementCounters(ctx context.Context, id string, sent, failed int) error

	// AddRecipients inserts recipients in order while the broadcast is still
	// a draft, refreshes its total and returns how many were stored. A
	// broadcast that has left draft yields domain.ErrInvalidState.
	AddRecipients(ctx context.Context, tenantID, broadcastID string, rs []domain.BroadcastRecipient) (int, error)

	// Queue moves a draft broadcast to queued and snapshots its recipient
	// count in the same step. A broadcast without recipients is left in
	// draft and 0 is returned. A broadcast that is not a draft yields
	// domain.ErrInvalidState.
	Queue(ctx context.Context, tenantID, id string) (int, error)

	// CountPending returns pending recipients whose seq is greater than afterSeq.
	CountPending(ctx context.Context, broadcastID string, afterSeq int64) (int, error)

	// RecipientPage returns up to limit recipients in insertion order,
	// skipping offset, regardless of status.
	RecipientPage(ctx context.Context, broadcastID string, offset, limit int) ([]domain.BroadcastRecipient, error)

	// Recipients returns every recipient in insertion order.
	Recipients(ctx context.Context, broadcastID string) ([]domain.BroadcastRecipient, error)

	// UpdateRecipient persists status, send request link and error.
	UpdateRecipient(ctx context.Context, r *domain.BroadcastRecipient) error
}

// Submitter creates a send request for one rendered recipient.
type Submitter interface {
	Submit(ctx context.Context, tenantID string, in email.SubmitInput) (*domain.SendRequest, error)
}

// CreateInput holds the fields for a new broadcast.
type CreateInput struct {
	Name     string                 `json:"name"`
	Subject  string                 `json:"subject"`
	HTML     string                 `json:"html,omitempty"`
	Text     string                 `json:"text,omitempty"`
	From     string                 `json:"from,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// RecipientInput is one recipient to add to a draft broadcast.
type RecipientInput struct {
	Email           string                 `json:"email"`
	Personalization domain.Personalization `json:"personalization,omitempty"`
}
