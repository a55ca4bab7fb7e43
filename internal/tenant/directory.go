// Package tenant resolves which verified sending domain, and therefore which
// provider credential, a tenant's message goes out through.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ignite/phi-mailer/internal/domain"
)

var (
	// ErrDomainNotConfigured means the tenant has no usable sending domain
	// for the requested From address.
	ErrDomainNotConfigured = errors.New("sending domain not configured")
	// ErrNotFound is returned by Directory implementations for unknown rows.
	ErrNotFound = errors.New("domain not found")
)

// Directory looks up a tenant's sending domains. It is read-only.
type Directory interface {
	// DefaultDomain returns the tenant's default active domain.
	DefaultDomain(ctx context.Context, tenantID string) (*domain.SendingDomain, error)
	// DomainByName returns the tenant's domain with the given name.
	DomainByName(ctx context.Context, tenantID, name string) (*domain.SendingDomain, error)
}

// Resolver picks the sending domain for a message.
type Resolver struct {
	dir Directory
}

// NewResolver creates a resolver over dir.
func NewResolver(dir Directory) *Resolver {
	return &Resolver{dir: dir}
}

// Resolve returns the domain to send from and the effective From address.
// An explicit from selects the domain by its host part; an empty from uses
// the tenant default and the address noreply@<domain>.
func (r *Resolver) Resolve(ctx context.Context, tenantID, from string) (*domain.SendingDomain, string, error) {
	var (
		d   *domain.SendingDomain
		err error
	)
	if from != "" {
		host := hostOf(from)
		if host == "" {
			return nil, "", fmt.Errorf("%w: from address has no domain", ErrDomainNotConfigured)
		}
		d, err = r.dir.DomainByName(ctx, tenantID, host)
	} else {
		d, err = r.dir.DefaultDomain(ctx, tenantID)
	}
	if errors.Is(err, ErrNotFound) {
		return nil, "", ErrDomainNotConfigured
	}
	if err != nil {
		return nil, "", fmt.Errorf("resolve sending domain: %w", err)
	}
	if d == nil || !d.Active {
		return nil, "", ErrDomainNotConfigured
	}
	if from == "" {
		from = d.DefaultSender()
	}
	return d, from, nil
}

func hostOf(addr string) string {
	if i := strings.LastIndex(addr, "<"); i >= 0 {
		addr = strings.TrimSuffix(addr[i+1:], ">")
	}
	at := strings.LastIndex(addr, "@")
	if at < 0 || at == len(addr)-1 {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(addr[at+1:]))
}
