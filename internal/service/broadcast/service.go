package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/phi-mailer/internal/audit"
	"github.com/ignite/phi-mailer/internal/domain"
	"github.com/ignite/phi-mailer/internal/pkg/distlock"
	"github.com/ignite/phi-mailer/internal/pkg/logger"
	"github.com/ignite/phi-mailer/internal/pkg/phi"
	"github.com/ignite/phi-mailer/internal/pkg/vault"
	"github.com/ignite/phi-mailer/internal/queue"
	"github.com/ignite/phi-mailer/internal/service/email"
)

// DefaultPageSize is the number of recipients handled per batch message.
const DefaultPageSize = 100

// Service implements the broadcast state machine
// draft -> queued -> processing -> completed | failed | cancelled.
type Service struct {
	repo      Repository
	queue     queue.Gateway
	submitter Submitter
	cipher    vault.Cipher
	domains   email.DomainResolver
	locks     distlock.Locker
	audit     *audit.Service
	pageSize  int
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithPageSize overrides DefaultPageSize.
func WithPageSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// NewService wires the broadcast orchestrator.
func NewService(repo Repository, q queue.Gateway, submitter Submitter, c vault.Cipher, domains email.DomainResolver, locks distlock.Locker, a *audit.Service, opts ...Option) *Service {
	s := &Service{
		repo:      repo,
		queue:     q,
		submitter: submitter,
		cipher:    c,
		domains:   domains,
		locks:     locks,
		audit:     a,
		pageSize:  DefaultPageSize,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create validates and persists a new broadcast in draft.
func (s *Service) Create(ctx context.Context, tenantID string, in CreateInput) (*domain.Broadcast, error) {
	var problems []string
	if strings.TrimSpace(in.Name) == "" {
		problems = append(problems, "name is required")
	}
	if strings.TrimSpace(in.Subject) == "" {
		problems = append(problems, "subject is required")
	}
	if in.HTML == "" && in.Text == "" {
		problems = append(problems, "html or text is required")
	}
	if in.From != "" {
		if _, err := mail.ParseAddress(in.From); err != nil {
			problems = append(problems, "from is not a valid address")
		}
	}
	if len(problems) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrValidation, strings.Join(problems, "; "))
	}

	d, from, err := s.domains.Resolve(ctx, tenantID, in.From)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	b := &domain.Broadcast{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		DomainID:  d.ID,
		Name:      in.Name,
		Subject:   in.Subject,
		HTML:      in.HTML,
		Text:      in.Text,
		From:      from,
		Status:    domain.BroadcastDraft,
		Metadata:  in.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.Create(ctx, b); err != nil {
		return nil, fmt.Errorf("create broadcast: %w", err)
	}

	s.audit.LogCreate(ctx, tenantID, domain.ResourceBroadcast, b.ID, map[string]interface{}{"name": b.Name})
	return b, nil
}

func (s *Service) get(ctx context.Context, tenantID, id string) (*domain.Broadcast, error) {
	b, err := s.repo.Get(ctx, tenantID, id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get broadcast: %w", err)
	}
	return b, nil
}

// AddRecipients encrypts and stores recipients of a draft broadcast and
// returns how many were added. The draft state is checked again by the
// store under the same lock Start takes, so a broadcast started meanwhile
// rejects the insert.
func (s *Service) AddRecipients(ctx context.Context, tenantID, id string, in []RecipientInput) (int, error) {
	b, err := s.get(ctx, tenantID, id)
	if err != nil {
		return 0, err
	}
	if b.Status != domain.BroadcastDraft {
		return 0, fmt.Errorf("%w: recipients can only be added to a draft broadcast, status is %s", ErrInvalidState, b.Status)
	}
	if len(in) == 0 {
		return 0, fmt.Errorf("%w: no recipients given", ErrValidation)
	}

	recs := make([]domain.BroadcastRecipient, 0, len(in))
	now := s.now().UTC()
	for i, r := range in {
		if _, err := mail.ParseAddress(r.Email); err != nil {
			return 0, fmt.Errorf("%w: recipient %d has an invalid email", ErrValidation, i)
		}
		emailToken, err := s.cipher.Encrypt(r.Email)
		if err != nil {
			return 0, fmt.Errorf("encrypt recipient %d: %w", i, err)
		}
		var pToken string
		if len(r.Personalization) > 0 {
			raw, err := json.Marshal(r.Personalization)
			if err != nil {
				return 0, fmt.Errorf("%w: recipient %d personalization: %v", ErrValidation, i, err)
			}
			if pToken, err = s.cipher.Encrypt(string(raw)); err != nil {
				return 0, fmt.Errorf("encrypt recipient %d personalization: %w", i, err)
			}
		}
		recs = append(recs, domain.BroadcastRecipient{
			ID:              uuid.New().String(),
			BroadcastID:     b.ID,
			Email:           emailToken,
			Personalization: pToken,
			Status:          domain.RecipientPending,
			CreatedAt:       now,
		})
	}

	n, err := s.repo.AddRecipients(ctx, tenantID, b.ID, recs)
	if errors.Is(err, domain.ErrInvalidState) {
		return 0, fmt.Errorf("%w: recipients can only be added to a draft broadcast", ErrInvalidState)
	}
	if errors.Is(err, domain.ErrNotFound) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("add recipients: %w", err)
	}

	s.audit.LogCreate(ctx, tenantID, domain.ResourceBroadcastRecipient, b.ID, map[string]interface{}{"count": n})
	return n, nil
}

// Start queues a draft broadcast that has recipients.
func (s *Service) Start(ctx context.Context, tenantID, id string) (*domain.Broadcast, error) {
	b, err := s.get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if b.Status != domain.BroadcastDraft {
		return nil, fmt.Errorf("%w: only a draft broadcast can be started, status is %s", ErrInvalidState, b.Status)
	}
	total, err := s.repo.Queue(ctx, tenantID, b.ID)
	if errors.Is(err, domain.ErrInvalidState) {
		return nil, fmt.Errorf("%w: broadcast changed state concurrently", ErrInvalidState)
	}
	if err != nil {
		return nil, fmt.Errorf("queue broadcast: %w", err)
	}
	if total == 0 {
		return nil, ErrEmptyBroadcast
	}

	msg := queue.BroadcastMessage{BroadcastID: b.ID, TenantID: tenantID, DomainID: b.DomainID, Offset: 0}
	if err := s.queue.Enqueue(ctx, queue.BroadcastQueue, msg); err != nil {
		if _, rbErr := s.repo.Transition(ctx, tenantID, b.ID, domain.BroadcastDraft, domain.BroadcastQueued); rbErr != nil {
			logger.Error("roll back broadcast to draft", "broadcast_id", b.ID, "error", rbErr)
		}
		return nil, fmt.Errorf("enqueue broadcast %s: %w", b.ID, err)
	}

	b.Status = domain.BroadcastQueued
	b.TotalRecipients = total
	s.audit.LogUpdate(ctx, tenantID, domain.ResourceBroadcast, b.ID, map[string]interface{}{"status": string(b.Status), "total": total})
	logger.Info("broadcast started", "broadcast_id", b.ID, "recipients", total)
	return b, nil
}

// ProcessBatch handles one page of a running broadcast. Messages for
// unknown or finished broadcasts are dropped. ErrBatchLeased is returned
// when another worker is on the same broadcast. The lease is renewed before
// every recipient so a long page cannot outlive it; losing it ends the
// batch with ErrBatchLeased.
func (s *Service) ProcessBatch(ctx context.Context, msg queue.BroadcastMessage) error {
	b, err := s.repo.Get(ctx, msg.TenantID, msg.BroadcastID)
	if errors.Is(err, domain.ErrNotFound) {
		logger.Warn("broadcast not found, discarding batch", "broadcast_id", msg.BroadcastID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load broadcast %s: %w", msg.BroadcastID, err)
	}
	if b.IsTerminal() || b.Status == domain.BroadcastDraft {
		logger.Info("skipping batch", "broadcast_id", b.ID, "status", string(b.Status), "offset", msg.Offset)
		return nil
	}

	lock := s.locks.NewLock("broadcast:" + b.ID)
	ok, err := lock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire broadcast lease: %w", err)
	}
	if !ok {
		return ErrBatchLeased
	}
	defer func() {
		if err := lock.Release(context.Background()); err != nil {
			logger.Warn("release broadcast lease", "broadcast_id", b.ID, "error", err)
		}
	}()

	if b.Status == domain.BroadcastQueued {
		if _, err := s.repo.Transition(ctx, b.TenantID, b.ID, domain.BroadcastProcessing, domain.BroadcastQueued); err != nil {
			return fmt.Errorf("mark processing: %w", err)
		}
	}

	if _, _, err := s.domains.Resolve(ctx, b.TenantID, b.From); err != nil {
		if errors.Is(err, ErrDomainNotConfigured) {
			logger.Error("sending domain gone, failing broadcast", "broadcast_id", b.ID)
			s.finish(ctx, b, domain.BroadcastFailed)
			return nil
		}
		return err
	}

	pending, err := s.repo.CountPending(ctx, b.ID, 0)
	if err != nil {
		return fmt.Errorf("count pending: %w", err)
	}
	if pending == 0 {
		s.finish(ctx, b, domain.BroadcastCompleted)
		return nil
	}

	page, err := s.repo.RecipientPage(ctx, b.ID, msg.Offset, s.pageSize)
	if err != nil {
		return fmt.Errorf("load recipients at offset %d: %w", msg.Offset, err)
	}

	var sent, failed int
	for i := range page {
		r := &page[i]
		if r.Status != domain.RecipientPending {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := lock.Extend(ctx); err != nil {
			if errors.Is(err, distlock.ErrNotHeld) {
				logger.Warn("broadcast lease lost mid-batch", "broadcast_id", b.ID, "offset", msg.Offset, "sent", sent, "failed", failed)
				return fmt.Errorf("%w: lease lost", ErrBatchLeased)
			}
			return fmt.Errorf("renew broadcast lease: %w", err)
		}
		if s.sendOne(ctx, b, r) {
			sent++
		} else {
			failed++
		}
	}

	if len(page) == s.pageSize {
		more, err := s.repo.CountPending(ctx, b.ID, page[len(page)-1].Seq)
		if err != nil {
			return fmt.Errorf("count remaining: %w", err)
		}
		if more > 0 {
			next := msg
			next.Offset = msg.Offset + s.pageSize
			if err := s.queue.Enqueue(ctx, queue.BroadcastQueue, next); err != nil {
				return fmt.Errorf("enqueue next batch: %w", err)
			}
			logger.Info("broadcast batch done", "broadcast_id", b.ID, "offset", msg.Offset, "sent", sent, "failed", failed, "next_offset", next.Offset)
			return nil
		}
	}

	logger.Info("broadcast batch done", "broadcast_id", b.ID, "offset", msg.Offset, "sent", sent, "failed", failed)
	s.finish(ctx, b, domain.BroadcastCompleted)
	return nil
}

// sendOne renders and submits one recipient, persisting its outcome.
func (s *Service) sendOne(ctx context.Context, b *domain.Broadcast, r *domain.BroadcastRecipient) bool {
	sr, err := s.submitRecipient(ctx, b, r)
	if err != nil {
		r.Status = domain.RecipientFailed
		r.Error = phi.SanitizeErrorMessage(err)
		logger.Warn("broadcast recipient failed", "broadcast_id", b.ID, "recipient_id", r.ID, "error", r.Error)
	} else {
		r.Status = domain.RecipientSent
		r.SendRequestID = sr.ID
		r.Error = ""
	}

	if err := s.repo.UpdateRecipient(ctx, r); err != nil {
		logger.Error("persist recipient status", "recipient_id", r.ID, "error", err)
	}
	sentN, failedN := 0, 1
	if r.Status == domain.RecipientSent {
		sentN, failedN = 1, 0
	}
	if err := s.repo.IncrementCounters(ctx, b.ID, sentN, failedN); err != nil {
		logger.Error("increment broadcast counters", "broadcast_id", b.ID, "error", err)
	}
	return r.Status == domain.RecipientSent
}

func (s *Service) submitRecipient(ctx context.Context, b *domain.Broadcast, r *domain.BroadcastRecipient) (*domain.SendRequest, error) {
	to, fields, err := s.open(r)
	if err != nil {
		return nil, err
	}
	return s.submitter.Submit(ctx, b.TenantID, email.SubmitInput{
		To:          to,
		From:        b.From,
		Subject:     b.Subject,
		HTML:        Render(b.HTML, fields),
		Text:        Render(b.Text, fields),
		BroadcastID: b.ID,
		RecipientID: r.ID,
		Metadata:    map[string]interface{}{"broadcastId": b.ID, "recipientId": r.ID},
	})
}

// open decrypts a recipient's address and personalization. Legacy rows
// stored as plaintext are accepted and logged.
func (s *Service) open(r *domain.BroadcastRecipient) (string, domain.Personalization, error) {
	to, legacy, err := vault.Open(s.cipher, r.Email)
	if err != nil {
		return "", nil, fmt.Errorf("decrypt recipient email: %w", err)
	}
	if legacy {
		logger.Warn("plaintext recipient email", "recipient_id", r.ID, "compat", "legacy_plaintext")
	}

	raw, legacy, err := vault.Open(s.cipher, r.Personalization)
	if err != nil {
		return "", nil, fmt.Errorf("decrypt recipient personalization: %w", err)
	}
	if legacy {
		logger.Warn("plaintext personalization", "recipient_id", r.ID, "compat", "legacy_plaintext")
	}
	var fields domain.Personalization
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &fields); err != nil {
			return "", nil, fmt.Errorf("parse recipient personalization: %w", err)
		}
	}
	return to, fields, nil
}

func (s *Service) finish(ctx context.Context, b *domain.Broadcast, status domain.BroadcastStatus) {
	ok, err := s.repo.Transition(ctx, b.TenantID, b.ID, status, domain.BroadcastQueued, domain.BroadcastProcessing)
	if err != nil {
		logger.Error("finish broadcast", "broadcast_id", b.ID, "status", string(status), "error", err)
		return
	}
	if ok {
		logger.Info("broadcast finished", "broadcast_id", b.ID, "status", string(status))
	}
}

// Status returns counters and progress without touching PHI.
func (s *Service) Status(ctx context.Context, tenantID, id string) (*domain.BroadcastStatusReport, error) {
	b, err := s.get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	return &domain.BroadcastStatusReport{
		ID:              b.ID,
		Status:          b.Status,
		TotalRecipients: b.TotalRecipients,
		SentCount:       b.SentCount,
		FailedCount:     b.FailedCount,
		Progress:        b.Progress(),
	}, nil
}

// Find returns the broadcast with decrypted recipients and records one
// access. A recipient that cannot be decrypted is returned as stored and
// flagged with DecryptFailed.
func (s *Service) Find(ctx context.Context, tenantID, id string) (*domain.Broadcast, error) {
	b, err := s.get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	recs, err := s.repo.Recipients(ctx, b.ID)
	if err != nil {
		return nil, fmt.Errorf("load recipients: %w", err)
	}
	for i := range recs {
		r := &recs[i]
		to, fields, err := s.open(r)
		if err != nil {
			logger.Warn("decrypt recipient", "recipient_id", r.ID, "error", err)
			r.DecryptFailed = true
			continue
		}
		r.Email = to
		r.Fields = fields
		r.Personalization = ""
	}
	b.Recipients = recs

	s.audit.LogAccess(ctx, tenantID, domain.ResourceBroadcast, b.ID, map[string]interface{}{"recipients": len(recs)})
	return b, nil
}

// Cancel stops a broadcast that has not finished. Pages already leased
// finish; later pages are skipped.
func (s *Service) Cancel(ctx context.Context, tenantID, id string) (*domain.Broadcast, error) {
	b, err := s.get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	ok, err := s.repo.Transition(ctx, tenantID, id, domain.BroadcastCancelled,
		domain.BroadcastDraft, domain.BroadcastQueued, domain.BroadcastProcessing)
	if err != nil {
		return nil, fmt.Errorf("cancel broadcast: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: broadcast is already %s", ErrInvalidState, b.Status)
	}
	b.Status = domain.BroadcastCancelled
	s.audit.LogUpdate(ctx, tenantID, domain.ResourceBroadcast, id, map[string]interface{}{"status": string(b.Status)})
	return b, nil
}
