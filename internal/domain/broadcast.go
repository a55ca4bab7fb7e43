package domain

import "time"

// BroadcastStatus enumerates the lifecycle states of a broadcast campaign.
type BroadcastStatus string

const (
	BroadcastDraft      BroadcastStatus = "draft"
	BroadcastQueued     BroadcastStatus = "queued"
	BroadcastProcessing BroadcastStatus = "processing"
	BroadcastCompleted  BroadcastStatus = "completed"
	BroadcastFailed     BroadcastStatus = "failed"
	BroadcastCancelled  BroadcastStatus = "cancelled"
)

// Broadcast is a campaign that renders one template for many recipients.
// HTML and Text may contain {{field}} placeholders.
type Broadcast struct {
	ID              string                 `json:"id" db:"id"`
	TenantID        string                 `json:"tenant_id" db:"tenant_id"`
	DomainID        string                 `json:"domain_id" db:"domain_id"`
	Name            string                 `json:"name" db:"name"`
	Subject         string                 `json:"subject" db:"subject"`
	HTML            string                 `json:"html,omitempty" db:"html"`
	Text            string                 `json:"text,omitempty" db:"text"`
	From            string                 `json:"from" db:"from_address"`
	Status          BroadcastStatus        `json:"status" db:"status"`
	TotalRecipients int                    `json:"total_recipients" db:"total_recipients"`
	SentCount       int                    `json:"sent_count" db:"sent_count"`
	FailedCount     int                    `json:"failed_count" db:"failed_count"`
	Metadata        map[string]interface{} `json:"metadata,omitempty" db:"metadata"`
	CreatedAt       time.Time              `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at" db:"updated_at"`

	// Recipients is only populated by Find.
	Recipients []BroadcastRecipient `json:"recipients,omitempty" db:"-"`
}

// IsTerminal returns true if the broadcast is in a final state.
func (b *Broadcast) IsTerminal() bool {
	return b.Status == BroadcastCompleted || b.Status == BroadcastFailed || b.Status == BroadcastCancelled
}

// Progress returns the sent percentage, or 0 for an empty broadcast.
func (b *Broadcast) Progress() float64 {
	if b.TotalRecipients <= 0 {
		return 0
	}
	return float64(b.SentCount) / float64(b.TotalRecipients) * 100
}

// RecipientStatus enumerates the per-recipient states within a broadcast.
type RecipientStatus string

const (
	RecipientPending RecipientStatus = "pending"
	RecipientSent    RecipientStatus = "sent"
	RecipientFailed  RecipientStatus = "failed"
)

// BroadcastRecipient is one contact of a broadcast. Email is encrypted.
// Personalization holds either an encrypted token of the serialized map or,
// for rows written before encryption was enabled, the raw JSON object.
type BroadcastRecipient struct {
	ID              string          `json:"id" db:"id"`
	BroadcastID     string          `json:"broadcast_id" db:"broadcast_id"`
	Seq             int64           `json:"-" db:"seq"`
	Email           string          `json:"email" db:"email"`
	Personalization string          `json:"-" db:"personalization"`
	Status          RecipientStatus `json:"status" db:"status"`
	SendRequestID   string          `json:"send_request_id,omitempty" db:"send_request_id"`
	Error           string          `json:"error,omitempty" db:"error"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`

	// Fields below are only set on decrypted read copies.
	Fields        Personalization `json:"personalization,omitempty" db:"-"`
	DecryptFailed bool            `json:"decrypt_failed,omitempty" db:"-"`
}

// BroadcastStatusReport is the lightweight progress view of a broadcast.
type BroadcastStatusReport struct {
	ID              string          `json:"id"`
	Status          BroadcastStatus `json:"status"`
	TotalRecipients int             `json:"total_recipients"`
	SentCount       int             `json:"sent_count"`
	FailedCount     int             `json:"failed_count"`
	Progress        float64         `json:"progress"`
}
