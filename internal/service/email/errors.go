package email

import (
	"fmt"

	"github.com/ignite/phi-mailer/internal/domain"
	"github.com/ignite/phi-mailer/internal/tenant"
)

// Sentinel errors for the email service layer.
var (
	ErrNotFound            = fmt.Errorf("send request %w", domain.ErrNotFound)
	ErrValidation          = domain.ErrValidation
	ErrDomainNotConfigured = tenant.ErrDomainNotConfigured
)

// DeadLetterReason tags messages that exhausted their retries.
const DeadLetterReason = "Max retries exceeded"
