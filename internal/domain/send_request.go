package domain

import "time"

// SendStatus enumerates the lifecycle states of a single send request.
type SendStatus string

const (
	SendPending    SendStatus = "pending"
	SendQueued     SendStatus = "queued"
	SendSent       SendStatus = "sent"
	SendDelivered  SendStatus = "delivered"
	SendBounced    SendStatus = "bounced"
	SendComplained SendStatus = "complained"
	SendFailed     SendStatus = "failed"
)

// MaxSendAttempts is the retry ceiling for a send request. Once RetryCount
// reaches this value the message is dead-lettered and never re-enqueued.
const MaxSendAttempts = 3

// SendRequest is one email the platform has accepted for delivery.
// To, From, HTML and Text are encrypted; Subject is stored as plaintext.
type SendRequest struct {
	ID                string                 `json:"id" db:"id"`
	TenantID          string                 `json:"tenant_id" db:"tenant_id"`
	DomainID          string                 `json:"domain_id" db:"domain_id"`
	IdempotencyKey    string                 `json:"idempotency_key" db:"idempotency_key"`
	To                string                 `json:"to" db:"to_address"`
	From              string                 `json:"from" db:"from_address"`
	Subject           string                 `json:"subject" db:"subject"`
	HTML              string                 `json:"html,omitempty" db:"html"`
	Text              string                 `json:"text,omitempty" db:"text"`
	Status            SendStatus             `json:"status" db:"status"`
	RetryCount        int                    `json:"retry_count" db:"retry_count"`
	LastError         string                 `json:"last_error,omitempty" db:"last_error"`
	ProviderMessageID string                 `json:"provider_message_id,omitempty" db:"provider_message_id"`
	BroadcastID       string                 `json:"broadcast_id,omitempty" db:"broadcast_id"`
	RecipientID       string                 `json:"recipient_id,omitempty" db:"recipient_id"`
	Metadata          map[string]interface{} `json:"metadata,omitempty" db:"metadata"`
	CreatedAt         time.Time              `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time              `json:"updated_at" db:"updated_at"`

	// DecryptFailed is set on read copies when one or more PHI fields could
	// not be decrypted and were returned in their stored form.
	DecryptFailed bool `json:"decrypt_failed,omitempty" db:"-"`
}

// IsTerminal reports whether the request will not be attempted again.
func (r *SendRequest) IsTerminal() bool {
	switch r.Status {
	case SendSent, SendDelivered, SendBounced, SendComplained:
		return true
	case SendFailed:
		return r.RetryCount >= MaxSendAttempts
	}
	return false
}
