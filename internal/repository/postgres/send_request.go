package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/ignite/phi-mailer/internal/domain"
	"github.com/ignite/phi-mailer/internal/service/email"
)

// SendRequestRepo implements email.Repository against PostgreSQL.
type SendRequestRepo struct{ db *sql.DB }

// NewSendRequestRepo creates a Postgres-backed send request repository.
func NewSendRequestRepo(db *sql.DB) *SendRequestRepo { return &SendRequestRepo{db: db} }

const sendRequestColumns = `id, tenant_id, domain_id, idempotency_key, to_address, from_address, subject,
	html, text, status, retry_count, last_error, provider_message_id, broadcast_id, recipient_id,
	metadata, created_at, updated_at`

func scanSendRequest(s scanner) (*domain.SendRequest, error) {
	var (
		r                                        domain.SendRequest
		idemKey, lastErr, providerID, bcast, rcp sql.NullString
		meta                                     []byte
	)
	err := s.Scan(&r.ID, &r.TenantID, &r.DomainID, &idemKey, &r.To, &r.From, &r.Subject,
		&r.HTML, &r.Text, &r.Status, &r.RetryCount, &lastErr, &providerID, &bcast, &rcp,
		&meta, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.IdempotencyKey = idemKey.String
	r.LastError = lastErr.String
	r.ProviderMessageID = providerID.String
	r.BroadcastID = bcast.String
	r.RecipientID = rcp.String
	if r.Metadata, err = unmarshalJSON(meta); err != nil {
		return nil, err
	}
	return &r, nil
}

func (r *SendRequestRepo) getOne(ctx context.Context, where string, args ...interface{}) (*domain.SendRequest, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sendRequestColumns+` FROM send_requests WHERE `+where, args...)
	sr, err := scanSendRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get send request: %w", err)
	}
	return sr, nil
}

func (r *SendRequestRepo) Create(ctx context.Context, sr *domain.SendRequest) error {
	meta, err := marshalJSON(sr.Metadata)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO send_requests (`+sendRequestColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`, sr.ID, sr.TenantID, sr.DomainID, nullString(sr.IdempotencyKey), sr.To, sr.From, sr.Subject,
		sr.HTML, sr.Text, sr.Status, sr.RetryCount, nullString(sr.LastError), nullString(sr.ProviderMessageID),
		nullString(sr.BroadcastID), nullString(sr.RecipientID), meta, sr.CreatedAt, sr.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("create send request: %w", domain.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("create send request: %w", err)
	}
	return nil
}

func (r *SendRequestRepo) Get(ctx context.Context, tenantID, id string) (*domain.SendRequest, error) {
	return r.getOne(ctx, `id = $1 AND tenant_id = $2`, id, tenantID)
}

func (r *SendRequestRepo) GetByIdempotencyKey(ctx context.Context, tenantID, key string) (*domain.SendRequest, error) {
	return r.getOne(ctx, `tenant_id = $1 AND idempotency_key = $2`, tenantID, key)
}

func (r *SendRequestRepo) GetByProviderMessageID(ctx context.Context, providerMessageID string) (*domain.SendRequest, error) {
	return r.getOne(ctx, `provider_message_id = $1`, providerMessageID)
}

func (r *SendRequestRepo) MarkQueued(ctx context.Context, tenantID, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE send_requests SET status = 'queued', updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2 AND status = 'pending'
	`, id, tenantID)
	if err != nil {
		return fmt.Errorf("mark queued: %w", err)
	}
	return nil
}

func (r *SendRequestRepo) Update(ctx context.Context, sr *domain.SendRequest) error {
	meta, err := marshalJSON(sr.Metadata)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE send_requests
		SET status = $3, retry_count = $4, last_error = $5, provider_message_id = $6,
		    broadcast_id = $7, recipient_id = $8, metadata = $9, updated_at = $10
		WHERE id = $1 AND tenant_id = $2
	`, sr.ID, sr.TenantID, sr.Status, sr.RetryCount, nullString(sr.LastError), nullString(sr.ProviderMessageID),
		nullString(sr.BroadcastID), nullString(sr.RecipientID), meta, sr.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update send request: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *SendRequestRepo) List(ctx context.Context, tenantID string, f email.ListFilter) ([]domain.SendRequest, int, error) {
	where := []string{"tenant_id = $1"}
	args := []interface{}{tenantID}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.BroadcastID != "" {
		args = append(args, f.BroadcastID)
		where = append(where, fmt.Sprintf("broadcast_id = $%d", len(args)))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM send_requests WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count send requests: %w", err)
	}

	args = append(args, f.Limit, f.Offset)
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM send_requests
		WHERE %s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d
	`, sendRequestColumns, cond, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list send requests: %w", err)
	}
	defer rows.Close()

	var out []domain.SendRequest
	for rows.Next() {
		sr, err := scanSendRequest(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan send request: %w", err)
		}
		out = append(out, *sr)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list send requests: %w", err)
	}
	return out, total, nil
}
