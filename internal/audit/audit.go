// Package audit records who touched which PHI-bearing resource. Writes are
// append-only and best-effort: a failure to record is logged and never
// propagated to the operation being audited.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/phi-mailer/internal/domain"
	"github.com/ignite/phi-mailer/internal/pkg/logger"
	"github.com/ignite/phi-mailer/internal/pkg/phi"
)

// Store persists audit entries.
type Store interface {
	Append(ctx context.Context, entry *domain.AuditEntry) error
}

// Actor identifies the caller of an audited operation.
type Actor struct {
	ID        string
	IPAddress string
	UserAgent string
}

type actorKey struct{}

// WithActor attaches the caller to ctx.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFrom returns the caller attached to ctx, or the zero Actor.
func ActorFrom(ctx context.Context) Actor {
	a, _ := ctx.Value(actorKey{}).(Actor)
	return a
}

// Service builds masked audit entries and hands them to a Store.
type Service struct {
	store Store
	now   func() time.Time
}

// NewService creates an audit service backed by store.
func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

// Log records entry. Metadata is masked and the error message sanitized
// before the store sees them. Store failures are logged and swallowed.
func (s *Service) Log(ctx context.Context, entry domain.AuditEntry) {
	if s == nil || s.store == nil {
		return
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now().UTC()
	}
	actor := ActorFrom(ctx)
	if entry.ActorID == "" {
		entry.ActorID = actor.ID
	}
	if entry.IPAddress == "" {
		entry.IPAddress = actor.IPAddress
	}
	if entry.UserAgent == "" {
		entry.UserAgent = actor.UserAgent
	}
	entry.Metadata = phi.MaskObject(entry.Metadata)
	entry.ErrorMessage = phi.SanitizeString(entry.ErrorMessage)
	entry.Description = phi.SanitizeString(entry.Description)

	if err := s.store.Append(ctx, &entry); err != nil {
		logger.Error("audit write failed",
			"tenant_id", entry.TenantID,
			"action", string(entry.Action),
			"resource_type", string(entry.ResourceType),
			"resource_id", entry.ResourceID,
			"error", phi.SanitizeErrorMessage(err))
	}
}

// LogAccess records a read of PHI.
func (s *Service) LogAccess(ctx context.Context, tenantID string, resource domain.AuditResource, resourceID string, metadata map[string]interface{}) {
	s.Log(ctx, domain.AuditEntry{
		TenantID:     tenantID,
		Action:       domain.AuditAccess,
		ResourceType: resource,
		ResourceID:   resourceID,
		Description:  fmt.Sprintf("Accessed %s with PHI", resource),
		Metadata:     metadata,
		Success:      true,
	})
}

// LogCreate records creation of a resource containing PHI.
func (s *Service) LogCreate(ctx context.Context, tenantID string, resource domain.AuditResource, resourceID string, metadata map[string]interface{}) {
	s.Log(ctx, domain.AuditEntry{
		TenantID:     tenantID,
		Action:       domain.AuditCreate,
		ResourceType: resource,
		ResourceID:   resourceID,
		Description:  fmt.Sprintf("Created %s containing PHI", resource),
		Metadata:     metadata,
		Success:      true,
	})
}

// LogUpdate records a state change.
func (s *Service) LogUpdate(ctx context.Context, tenantID string, resource domain.AuditResource, resourceID string, metadata map[string]interface{}) {
	s.Log(ctx, domain.AuditEntry{
		TenantID:     tenantID,
		Action:       domain.AuditUpdate,
		ResourceType: resource,
		ResourceID:   resourceID,
		Description:  fmt.Sprintf("Updated %s", resource),
		Metadata:     metadata,
		Success:      true,
	})
}

// LogDelete records a deletion. A non-nil cause marks the entry failed.
func (s *Service) LogDelete(ctx context.Context, tenantID string, resource domain.AuditResource, resourceID string, cause error) {
	entry := domain.AuditEntry{
		TenantID:     tenantID,
		Action:       domain.AuditDelete,
		ResourceType: resource,
		ResourceID:   resourceID,
		Description:  fmt.Sprintf("Deleted %s", resource),
		Success:      cause == nil,
	}
	if cause != nil {
		entry.ErrorMessage = cause.Error()
	}
	s.Log(ctx, entry)
}

// LogExport records a bulk export of records.
func (s *Service) LogExport(ctx context.Context, tenantID string, resource domain.AuditResource, metadata map[string]interface{}) {
	s.Log(ctx, domain.AuditEntry{
		TenantID:     tenantID,
		Action:       domain.AuditExport,
		ResourceType: resource,
		Description:  fmt.Sprintf("Exported %s", resource),
		Metadata:     metadata,
		Success:      true,
	})
}
