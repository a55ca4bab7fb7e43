package broadcast

import (
	"errors"
	"fmt"

	"github.com/ignite/phi-mailer/internal/domain"
	"github.com/ignite/phi-mailer/internal/tenant"
)

// Sentinel errors for the broadcast service layer.
var (
	ErrNotFound            = fmt.Errorf("broadcast %w", domain.ErrNotFound)
	ErrValidation          = domain.ErrValidation
	ErrInvalidState        = domain.ErrInvalidState
	ErrDomainNotConfigured = tenant.ErrDomainNotConfigured
	ErrEmptyBroadcast      = fmt.Errorf("%w: broadcast has no recipients", domain.ErrInvalidState)

	// ErrBatchLeased means another worker holds the broadcast's lease. The
	// message is left unacknowledged so it is delivered again later.
	ErrBatchLeased = errors.New("broadcast batch leased by another worker")
)
