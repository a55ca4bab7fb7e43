package email

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/phi-mailer/internal/audit"
	"github.com/ignite/phi-mailer/internal/domain"
	"github.com/ignite/phi-mailer/internal/pkg/logger"
	"github.com/ignite/phi-mailer/internal/pkg/phi"
	"github.com/ignite/phi-mailer/internal/pkg/vault"
	"github.com/ignite/phi-mailer/internal/provider"
	"github.com/ignite/phi-mailer/internal/queue"
)

// Service implements the send request state machine
// pending -> queued -> sent | failed. All public methods are safe for
// concurrent use if the repository is.
type Service struct {
	repo     Repository
	queue    queue.Gateway
	provider provider.Provider
	cipher   vault.Cipher
	domains  DomainResolver
	audit    *audit.Service
	now      func() time.Time
}

// NewService wires the email service.
func NewService(repo Repository, q queue.Gateway, p provider.Provider, c vault.Cipher, domains DomainResolver, a *audit.Service) *Service {
	return &Service{
		repo:     repo,
		queue:    q,
		provider: p,
		cipher:   c,
		domains:  domains,
		audit:    a,
		now:      time.Now,
	}
}

// Submit accepts an email for asynchronous delivery. A request carrying an
// idempotency key that was already used by the tenant returns the existing
// record unchanged without enqueueing or auditing again.
func (s *Service) Submit(ctx context.Context, tenantID string, in SubmitInput) (*domain.SendRequest, error) {
	if err := validate(in); err != nil {
		return nil, err
	}

	if in.IdempotencyKey != "" {
		existing, err := s.repo.GetByIdempotencyKey(ctx, tenantID, in.IdempotencyKey)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("idempotency lookup: %w", err)
		}
	}

	d, from, err := s.domains.Resolve(ctx, tenantID, in.From)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	r := &domain.SendRequest{
		ID:             uuid.New().String(),
		TenantID:       tenantID,
		DomainID:       d.ID,
		IdempotencyKey: in.IdempotencyKey,
		Subject:        in.Subject,
		Status:         domain.SendPending,
		BroadcastID:    in.BroadcastID,
		RecipientID:    in.RecipientID,
		Metadata:       in.Metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if r.IdempotencyKey == "" {
		r.IdempotencyKey = uuid.New().String()
	}
	if err := s.seal(r, in.To, from, in.HTML, in.Text); err != nil {
		return nil, err
	}

	if err := s.repo.Create(ctx, r); err != nil {
		if errors.Is(err, domain.ErrConflict) && in.IdempotencyKey != "" {
			winner, getErr := s.repo.GetByIdempotencyKey(ctx, tenantID, in.IdempotencyKey)
			if getErr != nil {
				return nil, fmt.Errorf("idempotency re-read: %w", getErr)
			}
			return winner, nil
		}
		return nil, fmt.Errorf("create send request: %w", err)
	}

	s.audit.LogCreate(ctx, tenantID, domain.ResourceSendRequest, r.ID, map[string]interface{}{"subject": r.Subject})

	msg := queue.EmailMessage{
		SendRequestID: r.ID,
		TenantID:      tenantID,
		DomainID:      d.ID,
		Credential:    d.Credential,
		To:            in.To,
		From:          from,
		Subject:       in.Subject,
		HTML:          in.HTML,
		Text:          in.Text,
		BroadcastID:   in.BroadcastID,
		RecipientID:   in.RecipientID,
	}
	if err := s.queue.Enqueue(ctx, queue.EmailQueue, msg); err != nil {
		r.Status = domain.SendFailed
		r.LastError = phi.SanitizeErrorMessage(err)
		r.UpdatedAt = s.now().UTC()
		if upErr := s.repo.Update(ctx, r); upErr != nil {
			logger.Error("mark send request failed after enqueue error", "send_request_id", r.ID, "error", upErr)
		}
		return nil, fmt.Errorf("enqueue send request %s: %w", r.ID, err)
	}

	if err := s.repo.MarkQueued(ctx, tenantID, r.ID); err != nil {
		return nil, fmt.Errorf("mark queued: %w", err)
	}
	r.Status = domain.SendQueued
	return r, nil
}

func (s *Service) seal(r *domain.SendRequest, to, from, html, text string) error {
	fields := []struct {
		dst *string
		val string
		fn  string
	}{
		{&r.To, to, "to"},
		{&r.From, from, "from"},
		{&r.HTML, html, "html"},
		{&r.Text, text, "text"},
	}
	for _, f := range fields {
		token, err := s.cipher.Encrypt(f.val)
		if err != nil {
			return fmt.Errorf("encrypt %s: %w", f.fn, err)
		}
		*f.dst = token
	}
	return nil
}

// Dispatch sends one queued message. Messages for unknown requests, for
// requests that already reached a final outcome and stale redeliveries
// whose retry count is behind the stored one are dropped. A provider
// failure is retried through the queue or dead-lettered, then recorded and
// returned. If the retry cannot be queued the queue error is returned and
// the record is left untouched.
func (s *Service) Dispatch(ctx context.Context, msg queue.EmailMessage) error {
	r, err := s.repo.Get(ctx, msg.TenantID, msg.SendRequestID)
	if errors.Is(err, domain.ErrNotFound) {
		logger.Warn("send request not found, discarding message", "send_request_id", msg.SendRequestID, "tenant_id", msg.TenantID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load send request %s: %w", msg.SendRequestID, err)
	}
	if r.IsTerminal() || msg.RetryCount < r.RetryCount {
		logger.Info("skipping stale dispatch",
			"send_request_id", r.ID, "status", string(r.Status),
			"stored_retry_count", r.RetryCount, "message_retry_count", msg.RetryCount)
		return nil
	}

	tags := map[string]string{"tenant_id": msg.TenantID, "send_request_id": r.ID}
	if msg.BroadcastID != "" {
		tags["broadcast_id"] = msg.BroadcastID
	}
	providerID, sendErr := s.provider.Send(ctx, msg.Credential, provider.Message{
		To:      msg.To,
		From:    msg.From,
		Subject: msg.Subject,
		HTML:    msg.HTML,
		Text:    msg.Text,
		Tags:    tags,
	})

	if msg.BroadcastID != "" {
		r.BroadcastID = msg.BroadcastID
		r.RecipientID = msg.RecipientID
	}
	r.UpdatedAt = s.now().UTC()

	if sendErr == nil {
		r.Status = domain.SendSent
		r.ProviderMessageID = providerID
		r.RetryCount = msg.RetryCount
		r.LastError = ""
		if err := s.repo.Update(ctx, r); err != nil {
			return fmt.Errorf("record sent %s: %w", r.ID, err)
		}
		logger.Info("email sent", "send_request_id", r.ID, "provider_message_id", providerID, "attempt", msg.RetryCount+1)
		return nil
	}

	attempts := msg.RetryCount + 1
	next := msg
	next.RetryCount = attempts

	// The attempt is only recorded once its follow-up is durable; otherwise
	// the stored count stays behind and redelivery of msg retries.
	if attempts < domain.MaxSendAttempts {
		if err := s.queue.Enqueue(ctx, queue.EmailQueue, next); err != nil {
			return fmt.Errorf("re-enqueue %s retry %d: %w", r.ID, attempts, err)
		}
	} else {
		if err := s.queue.DeadLetter(ctx, next, DeadLetterReason); err != nil {
			return fmt.Errorf("dead-letter %s: %w", r.ID, err)
		}
		logger.Warn("send request dead-lettered", "send_request_id", r.ID, "retry_count", attempts)
	}

	r.RetryCount = attempts
	r.Status = domain.SendFailed
	r.LastError = phi.SanitizeErrorMessage(sendErr)
	if err := s.repo.Update(ctx, r); err != nil {
		logger.Error("record failed attempt", "send_request_id", r.ID, "error", err)
	}

	return fmt.Errorf("dispatch %s attempt %d: %w", r.ID, attempts, sendErr)
}

// UpdateStatus applies a provider callback. Unknown provider ids are
// ignored. A late "sent" never overrides a delivery outcome.
func (s *Service) UpdateStatus(ctx context.Context, providerMessageID string, status domain.SendStatus, metadata map[string]interface{}) error {
	r, err := s.repo.GetByProviderMessageID(ctx, providerMessageID)
	if errors.Is(err, domain.ErrNotFound) {
		logger.Warn("status callback for unknown message", "provider_message_id", providerMessageID, "status", string(status))
		return nil
	}
	if err != nil {
		return fmt.Errorf("load by provider id: %w", err)
	}

	if r.Metadata == nil {
		r.Metadata = make(map[string]interface{}, len(metadata))
	}
	for k, v := range metadata {
		r.Metadata[k] = v
	}
	if !(status == domain.SendSent && outcome(r.Status)) {
		r.Status = status
	}
	r.UpdatedAt = s.now().UTC()
	if err := s.repo.Update(ctx, r); err != nil {
		return fmt.Errorf("update status %s: %w", r.ID, err)
	}
	return nil
}

func outcome(s domain.SendStatus) bool {
	return s == domain.SendDelivered || s == domain.SendBounced || s == domain.SendComplained
}

// Find returns a request with its PHI fields decrypted and records the
// access. Fields that fail to decrypt are returned as stored and the
// record is flagged with DecryptFailed.
func (s *Service) Find(ctx context.Context, tenantID, id string) (*domain.SendRequest, error) {
	r, err := s.repo.Get(ctx, tenantID, id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get send request: %w", err)
	}

	for _, f := range []struct {
		name string
		val  *string
	}{{"to", &r.To}, {"from", &r.From}, {"html", &r.HTML}, {"text", &r.Text}} {
		plain, legacy, err := vault.Open(s.cipher, *f.val)
		switch {
		case err != nil:
			logger.Error("decrypt field", "send_request_id", r.ID, "field", f.name, "error", err)
			r.DecryptFailed = true
		case legacy:
			logger.Warn("plaintext field read", "send_request_id", r.ID, "field", f.name, "compat", "legacy_plaintext")
			*f.val = plain
		default:
			*f.val = plain
		}
	}

	s.audit.LogAccess(ctx, tenantID, domain.ResourceSendRequest, r.ID, nil)
	return r, nil
}

// List returns a page of requests without any PHI fields.
func (s *Service) List(ctx context.Context, tenantID string, f ListFilter) ([]domain.SendRequest, int, error) {
	if f.Limit <= 0 || f.Limit > 100 {
		f.Limit = 50
	}
	items, total, err := s.repo.List(ctx, tenantID, f)
	if err != nil {
		return nil, 0, fmt.Errorf("list send requests: %w", err)
	}
	for i := range items {
		items[i].To, items[i].From, items[i].HTML, items[i].Text = "", "", "", ""
	}
	return items, total, nil
}

func validate(in SubmitInput) error {
	var problems []string
	if strings.TrimSpace(in.To) == "" {
		problems = append(problems, "to is required")
	} else if _, err := mail.ParseAddress(in.To); err != nil {
		problems = append(problems, "to is not a valid address")
	}
	if in.From != "" {
		if _, err := mail.ParseAddress(in.From); err != nil {
			problems = append(problems, "from is not a valid address")
		}
	}
	if strings.TrimSpace(in.Subject) == "" {
		problems = append(problems, "subject is required")
	}
	if in.HTML == "" && in.Text == "" {
		problems = append(problems, "html or text is required")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrValidation, strings.Join(problems, "; "))
	}
	return nil
}
