package api

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/ignite/phi-mailer/internal/audit"
)

const (
	// TenantHeader carries the caller's tenant id. Authentication happens
	// upstream; this service trusts the gateway to set it.
	TenantHeader = "X-Tenant-ID"
	// ActorHeader optionally names the user acting for the tenant.
	ActorHeader = "X-Actor-ID"
)

type tenantKey struct{}

// TenantFrom returns the tenant id attached by RequireTenant.
func TenantFrom(ctx context.Context) string {
	id, _ := ctx.Value(tenantKey{}).(string)
	return id
}

// WithTenant attaches a tenant id to ctx.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantKey{}, tenantID)
}

// RequireTenant rejects requests without a tenant header and attaches the
// tenant and the audit actor to the request context.
func RequireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := strings.TrimSpace(r.Header.Get(TenantHeader))
		if tenantID == "" {
			respondServiceError(w, errMissingTenant)
			return
		}

		ctx := WithTenant(r.Context(), tenantID)
		ctx = audit.WithActor(ctx, audit.Actor{
			ID:        strings.TrimSpace(r.Header.Get(ActorHeader)),
			IPAddress: clientIP(r),
			UserAgent: r.UserAgent(),
		})
		if reqID := middleware.GetReqID(ctx); reqID != "" {
			w.Header().Set("X-Request-ID", reqID)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// clientIP strips the port from RemoteAddr. middleware.RealIP has already
// applied any forwarding headers, which leave no port.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
