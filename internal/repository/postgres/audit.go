package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ignite/phi-mailer/internal/domain"
)

// AuditRepo implements audit.Store. The table is append-only.
type AuditRepo struct{ db *sql.DB }

// NewAuditRepo creates a Postgres-backed audit store.
func NewAuditRepo(db *sql.DB) *AuditRepo { return &AuditRepo{db: db} }

func (r *AuditRepo) Append(ctx context.Context, e *domain.AuditEntry) error {
	meta, err := marshalJSON(e.Metadata)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, tenant_id, actor_id, action, resource_type, resource_id, description,
			metadata, ip_address, user_agent, success, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, e.ID, e.TenantID, nullString(e.ActorID), e.Action, e.ResourceType, nullString(e.ResourceID),
		e.Description, meta, nullString(e.IPAddress), nullString(e.UserAgent), e.Success,
		nullString(e.ErrorMessage), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}
