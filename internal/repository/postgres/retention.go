package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/ignite/phi-mailer/internal/domain"
)

// RetentionRepo implements worker.RetentionStore.
type RetentionRepo struct{ db *sql.DB }

// NewRetentionRepo creates a Postgres-backed retention store.
func NewRetentionRepo(db *sql.DB) *RetentionRepo { return &RetentionRepo{db: db} }

func (r *RetentionRepo) exec(ctx context.Context, what, query string, args ...interface{}) (int64, error) {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", what, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (r *RetentionRepo) DeleteSendRequestsBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	return r.exec(ctx, "delete send requests", `
		DELETE FROM send_requests
		WHERE id IN (
			SELECT id FROM send_requests
			WHERE created_at < $1
			LIMIT $2
		)
	`, cutoff, limit)
}

func (r *RetentionRepo) DeleteRecipientsBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	return r.exec(ctx, "delete recipients", `
		DELETE FROM broadcast_recipients
		WHERE id IN (
			SELECT id FROM broadcast_recipients
			WHERE created_at < $1
			LIMIT $2
		)
	`, cutoff, limit)
}

func (r *RetentionRepo) AuditEntriesBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.AuditEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, tenant_id, actor_id, action, resource_type, resource_id, description,
		       metadata, ip_address, user_agent, success, error_message, created_at
		FROM audit_logs
		WHERE created_at < $1
		ORDER BY created_at
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var out []domain.AuditEntry
	for rows.Next() {
		var (
			e                            domain.AuditEntry
			actor, resID, ip, ua, errMsg sql.NullString
			meta                         []byte
		)
		if err := rows.Scan(&e.ID, &e.TenantID, &actor, &e.Action, &e.ResourceType, &resID, &e.Description,
			&meta, &ip, &ua, &e.Success, &errMsg, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.ActorID = actor.String
		e.ResourceID = resID.String
		e.IPAddress = ip.String
		e.UserAgent = ua.String
		e.ErrorMessage = errMsg.String
		if e.Metadata, err = unmarshalJSON(meta); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	return out, nil
}

func (r *RetentionRepo) DeleteAuditEntries(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	return r.exec(ctx, "delete audit entries",
		`DELETE FROM audit_logs WHERE id = ANY($1)`, pq.Array(ids))
}

func (r *RetentionRepo) DeleteSendRequest(ctx context.Context, tenantID, id string) error {
	n, err := r.exec(ctx, "delete send request",
		`DELETE FROM send_requests WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *RetentionRepo) DeleteRecipient(ctx context.Context, tenantID, id string) error {
	n, err := r.exec(ctx, "delete recipient", `
		DELETE FROM broadcast_recipients
		WHERE id = $1
		  AND broadcast_id IN (SELECT id FROM broadcasts WHERE tenant_id = $2)
	`, id, tenantID)
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}
