package domain

import "time"

// AuditAction enumerates what was done to a resource.
type AuditAction string

const (
	AuditCreate AuditAction = "create"
	AuditRead   AuditAction = "read"
	AuditUpdate AuditAction = "update"
	AuditDelete AuditAction = "delete"
	AuditAccess AuditAction = "access"
	AuditExport AuditAction = "export"
	AuditLogin  AuditAction = "login"
	AuditLogout AuditAction = "logout"
)

// AuditResource enumerates the resource kinds that carry PHI.
type AuditResource string

const (
	ResourceBroadcast          AuditResource = "broadcast"
	ResourceBroadcastRecipient AuditResource = "broadcast_recipient"
	ResourceSendRequest        AuditResource = "send_request"
	ResourceTenant             AuditResource = "tenant"
	ResourceDomain             AuditResource = "domain"
	ResourceAuditLog           AuditResource = "audit_log"
)

// AuditEntry is an append-only record of an operation on PHI. It never
// carries raw PHI: metadata is masked and errors are sanitized before the
// entry is built.
type AuditEntry struct {
	ID           string                 `json:"id" db:"id"`
	TenantID     string                 `json:"tenant_id" db:"tenant_id"`
	ActorID      string                 `json:"actor_id,omitempty" db:"actor_id"`
	Action       AuditAction            `json:"action" db:"action"`
	ResourceType AuditResource          `json:"resource_type" db:"resource_type"`
	ResourceID   string                 `json:"resource_id,omitempty" db:"resource_id"`
	Description  string                 `json:"description,omitempty" db:"description"`
	Metadata     map[string]interface{} `json:"metadata,omitempty" db:"metadata"`
	IPAddress    string                 `json:"ip_address,omitempty" db:"ip_address"`
	UserAgent    string                 `json:"user_agent,omitempty" db:"user_agent"`
	Success      bool                   `json:"success" db:"success"`
	ErrorMessage string                 `json:"error_message,omitempty" db:"error_message"`
	CreatedAt    time.Time              `json:"created_at" db:"created_at"`
}
