package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/ignite/phi-mailer/internal/domain"
	"github.com/ignite/phi-mailer/internal/pkg/logger"
	"github.com/ignite/phi-mailer/internal/pkg/phi"
	"github.com/ignite/phi-mailer/internal/tenant"
	"github.com/ignite/phi-mailer/internal/webhook"
)

// =============================================================================
// ERROR SANITIZER
// Ensures internal errors (database details, stack traces, submitted PHI)
// are NEVER leaked to API consumers. 5xx errors return generic safe messages
// while the sanitized error is logged server-side for debugging.
// =============================================================================

// errMissingTenant is returned when a request has no tenant header.
var errMissingTenant = errors.New("missing tenant")

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, tenant.ErrDomainNotConfigured),
		errors.Is(err, domain.ErrInvalidState):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, webhook.ErrUnauthorizedCallback),
		errors.Is(err, errMissingTenant):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// respondServiceError maps err to a status and writes a sanitized JSON error.
func respondServiceError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	respondSafeError(w, code, err, safeErrorMessage(code, err))
}

// respondSafeError logs the internal error and sends a public-safe JSON
// error response to the client.
func respondSafeError(w http.ResponseWriter, code int, internalErr error, publicMsg string) {
	if internalErr != nil && code >= 500 {
		logger.Error("request failed", "status", code, "public", publicMsg, "error", phi.SanitizeErrorMessage(internalErr))
	}
	respondError(w, code, publicMsg)
}

// safeErrorMessage maps common internal error patterns to public-safe messages.
// For 400-level errors, the sanitized original message is returned (user input
// issues). For 500-level errors, this returns a generic safe message.
func safeErrorMessage(code int, internalErr error) string {
	if code < 500 {
		if internalErr != nil {
			return phi.SanitizeErrorMessage(internalErr)
		}
		return "Bad request"
	}

	if internalErr == nil {
		return "An internal error occurred"
	}

	errStr := strings.ToLower(internalErr.Error())

	switch {
	case strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "dial tcp"):
		return "Service temporarily unavailable"

	case strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "context canceled"):
		return "Request timed out"

	case strings.Contains(errStr, "sql") ||
		strings.Contains(errStr, "pq:") ||
		strings.Contains(errStr, "query") ||
		strings.Contains(errStr, "scan") ||
		strings.Contains(errStr, "transaction") ||
		strings.Contains(errStr, "database"):
		return "A database error occurred"

	case strings.Contains(errStr, "queue") ||
		strings.Contains(errStr, "sqs"):
		return "Message could not be queued"

	case strings.Contains(errStr, "decrypt") ||
		strings.Contains(errStr, "encrypt"):
		return "A data protection error occurred"

	default:
		return "An internal error occurred"
	}
}
