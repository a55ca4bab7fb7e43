package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/ignite/phi-mailer/internal/domain"
)

// BroadcastRepo implements broadcast.Repository against PostgreSQL.
type BroadcastRepo struct{ db *sql.DB }

// NewBroadcastRepo creates a Postgres-backed broadcast repository.
func NewBroadcastRepo(db *sql.DB) *BroadcastRepo { return &BroadcastRepo{db: db} }

func (r *BroadcastRepo) Create(ctx context.Context, b *domain.Broadcast) error {
	meta, err := marshalJSON(b.Metadata)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO broadcasts (id, tenant_id, domain_id, name, subject, html, text, from_address,
			status, total_recipients, sent_count, failed_count, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, b.ID, b.TenantID, b.DomainID, b.Name, b.Subject, b.HTML, b.Text, b.From,
		b.Status, b.TotalRecipients, b.SentCount, b.FailedCount, meta, b.CreatedAt, b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create broadcast: %w", err)
	}
	return nil
}

func (r *BroadcastRepo) Get(ctx context.Context, tenantID, id string) (*domain.Broadcast, error) {
	var (
		b    domain.Broadcast
		meta []byte
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, domain_id, name, subject, html, text, from_address,
		       status, total_recipients, sent_count, failed_count, metadata, created_at, updated_at
		FROM broadcasts
		WHERE id = $1 AND tenant_id = $2
	`, id, tenantID).Scan(&b.ID, &b.TenantID, &b.DomainID, &b.Name, &b.Subject, &b.HTML, &b.Text, &b.From,
		&b.Status, &b.TotalRecipients, &b.SentCount, &b.FailedCount, &meta, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get broadcast: %w", err)
	}
	if b.Metadata, err = unmarshalJSON(meta); err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *BroadcastRepo) Transition(ctx context.Context, tenantID, id string, to domain.BroadcastStatus, from ...domain.BroadcastStatus) (bool, error) {
	states := make([]string, len(from))
	for i, s := range from {
		states[i] = string(s)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE broadcasts SET status = $3, updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2 AND status = ANY($4)
	`, id, tenantID, to, pq.Array(states))
	if err != nil {
		return false, fmt.Errorf("transition broadcast: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *BroadcastRepo) IncrementCounters(ctx context.Context, id string, sent, failed int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE broadcasts
		SET sent_count = sent_count + $2, failed_count = failed_count + $3, updated_at = NOW()
		WHERE id = $1
	`, id, sent, failed)
	if err != nil {
		return fmt.Errorf("increment broadcast counters: %w", err)
	}
	return nil
}

// lockDraft row-locks the broadcast for the rest of tx and fails unless it
// is still a draft.
func lockDraft(ctx context.Context, tx *sql.Tx, tenantID, id string) error {
	var status domain.BroadcastStatus
	err := tx.QueryRowContext(ctx,
		`SELECT status FROM broadcasts WHERE id = $1 AND tenant_id = $2 FOR UPDATE`,
		id, tenantID,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock broadcast: %w", err)
	}
	if status != domain.BroadcastDraft {
		return fmt.Errorf("%w: broadcast is %s", domain.ErrInvalidState, status)
	}
	return nil
}

func (r *BroadcastRepo) AddRecipients(ctx context.Context, tenantID, broadcastID string, rs []domain.BroadcastRecipient) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin add recipients: %w", err)
	}
	defer tx.Rollback()

	if err := lockDraft(ctx, tx, tenantID, broadcastID); err != nil {
		return 0, err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO broadcast_recipients (id, broadcast_id, email, personalization, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare add recipients: %w", err)
	}
	defer stmt.Close()

	for i := range rs {
		rc := &rs[i]
		if _, err := stmt.ExecContext(ctx, rc.ID, broadcastID, rc.Email, nullString(rc.Personalization), rc.Status, rc.CreatedAt); err != nil {
			return 0, fmt.Errorf("insert recipient %d: %w", i, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE broadcasts
		SET total_recipients = (SELECT COUNT(*) FROM broadcast_recipients WHERE broadcast_id = $1), updated_at = NOW()
		WHERE id = $1
	`, broadcastID); err != nil {
		return 0, fmt.Errorf("refresh broadcast total: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit add recipients: %w", err)
	}
	return len(rs), nil
}

func (r *BroadcastRepo) Queue(ctx context.Context, tenantID, id string) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin queue broadcast: %w", err)
	}
	defer tx.Rollback()

	if err := lockDraft(ctx, tx, tenantID, id); err != nil {
		return 0, err
	}
	var total int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM broadcast_recipients WHERE broadcast_id = $1`, id,
	).Scan(&total); err != nil {
		return 0, fmt.Errorf("count recipients: %w", err)
	}
	if total == 0 {
		return 0, nil
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE broadcasts SET status = $2, total_recipients = $3, updated_at = NOW()
		WHERE id = $1
	`, id, domain.BroadcastQueued, total); err != nil {
		return 0, fmt.Errorf("queue broadcast: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit queue broadcast: %w", err)
	}
	return total, nil
}

func (r *BroadcastRepo) CountPending(ctx context.Context, broadcastID string, afterSeq int64) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM broadcast_recipients
		WHERE broadcast_id = $1 AND status = 'pending' AND seq > $2
	`, broadcastID, afterSeq).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending recipients: %w", err)
	}
	return n, nil
}

const recipientColumns = `id, broadcast_id, seq, email, personalization, status, send_request_id, error, created_at`

func (r *BroadcastRepo) RecipientPage(ctx context.Context, broadcastID string, offset, limit int) ([]domain.BroadcastRecipient, error) {
	return r.queryRecipients(ctx, `
		SELECT `+recipientColumns+`
		FROM broadcast_recipients
		WHERE broadcast_id = $1
		ORDER BY seq
		LIMIT $2 OFFSET $3
	`, broadcastID, limit, offset)
}

func (r *BroadcastRepo) Recipients(ctx context.Context, broadcastID string) ([]domain.BroadcastRecipient, error) {
	return r.queryRecipients(ctx, `
		SELECT `+recipientColumns+`
		FROM broadcast_recipients
		WHERE broadcast_id = $1
		ORDER BY seq
	`, broadcastID)
}

func (r *BroadcastRepo) queryRecipients(ctx context.Context, query string, args ...interface{}) ([]domain.BroadcastRecipient, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query recipients: %w", err)
	}
	defer rows.Close()

	var out []domain.BroadcastRecipient
	for rows.Next() {
		var (
			rc                   domain.BroadcastRecipient
			pers, srID, errorMsg sql.NullString
		)
		if err := rows.Scan(&rc.ID, &rc.BroadcastID, &rc.Seq, &rc.Email, &pers, &rc.Status, &srID, &errorMsg, &rc.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		rc.Personalization = pers.String
		rc.SendRequestID = srID.String
		rc.Error = errorMsg.String
		out = append(out, rc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query recipients: %w", err)
	}
	return out, nil
}

func (r *BroadcastRepo) UpdateRecipient(ctx context.Context, rc *domain.BroadcastRecipient) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE broadcast_recipients SET status = $2, send_request_id = $3, error = $4
		WHERE id = $1
	`, rc.ID, rc.Status, nullString(rc.SendRequestID), nullString(rc.Error))
	if err != nil {
		return fmt.Errorf("update recipient: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}
