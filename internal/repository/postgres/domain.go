package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ignite/phi-mailer/internal/domain"
	"github.com/ignite/phi-mailer/internal/tenant"
)

// DomainRepo implements tenant.Directory over the domains table.
type DomainRepo struct{ db *sql.DB }

// NewDomainRepo creates a Postgres-backed domain directory.
func NewDomainRepo(db *sql.DB) *DomainRepo { return &DomainRepo{db: db} }

func (r *DomainRepo) getOne(ctx context.Context, where string, args ...interface{}) (*domain.SendingDomain, error) {
	var d domain.SendingDomain
	err := r.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, domain, provider_api_key, is_active, is_default
		FROM domains
		WHERE `+where+`
		LIMIT 1
	`, args...).Scan(&d.ID, &d.TenantID, &d.Name, &d.Credential, &d.Active, &d.IsDefault)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tenant.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get domain: %w", err)
	}
	return &d, nil
}

func (r *DomainRepo) DefaultDomain(ctx context.Context, tenantID string) (*domain.SendingDomain, error) {
	return r.getOne(ctx, `tenant_id = $1 AND is_default = true`, tenantID)
}

func (r *DomainRepo) DomainByName(ctx context.Context, tenantID, name string) (*domain.SendingDomain, error) {
	return r.getOne(ctx, `tenant_id = $1 AND lower(domain) = lower($2)`, tenantID, name)
}
