package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/phi-mailer/internal/audit"
	"github.com/ignite/phi-mailer/internal/domain"
	"github.com/ignite/phi-mailer/internal/pkg/logger"
)

// =============================================================================
// RETENTION WORKER: Purges PHI Past Its Retention Window
// =============================================================================
// Send requests, broadcast recipients and audit entries are deleted once
// they are older than their retention window (default 2555 days, 7 years).
// Audit entries are exported to the archive before they are deleted, and
// each export is itself recorded in the audit trail.
//
// Deletes run in batches so a purge never holds long locks on the tables.

const (
	// DefaultRetentionInterval is how often the purge cycle runs.
	DefaultRetentionInterval = 24 * time.Hour

	// DefaultRetentionDays is the retention window for every record kind.
	DefaultRetentionDays = 2555

	// DefaultRetentionBatchSize limits each DELETE.
	DefaultRetentionBatchSize = 10000
)

// RetentionStore is the persistence the retention worker needs.
type RetentionStore interface {
	DeleteSendRequestsBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error)
	DeleteRecipientsBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error)
	AuditEntriesBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.AuditEntry, error)
	DeleteAuditEntries(ctx context.Context, ids []string) (int64, error)

	// DeleteSendRequest and DeleteRecipient remove one tenant-scoped row and
	// return domain.ErrNotFound if it does not exist.
	DeleteSendRequest(ctx context.Context, tenantID, id string) error
	DeleteRecipient(ctx context.Context, tenantID, id string) error
}

// RetentionPolicy holds the retention windows in days.
type RetentionPolicy struct {
	EmailDays   int
	ContactDays int
	AuditDays   int
}

func (p RetentionPolicy) withDefaults() RetentionPolicy {
	if p.EmailDays <= 0 {
		p.EmailDays = DefaultRetentionDays
	}
	if p.ContactDays <= 0 {
		p.ContactDays = DefaultRetentionDays
	}
	if p.AuditDays <= 0 {
		p.AuditDays = DefaultRetentionDays
	}
	return p
}

// RetentionResult counts what one cycle removed.
type RetentionResult struct {
	SendRequests int64
	Recipients   int64
	AuditEntries int64
	Archives     []string
}

// RetentionWorker periodically enforces RetentionPolicy.
type RetentionWorker struct {
	store     RetentionStore
	archiver  audit.Archiver
	audit     *audit.Service
	policy    RetentionPolicy
	interval  time.Duration
	batchSize int
	pause     time.Duration
	now       func() time.Time
}

// RetentionOption configures a RetentionWorker.
type RetentionOption func(*RetentionWorker)

// WithArchiver exports audit entries before they are purged.
func WithArchiver(a audit.Archiver) RetentionOption {
	return func(w *RetentionWorker) { w.archiver = a }
}

// WithRetentionInterval sets the cycle interval.
func WithRetentionInterval(d time.Duration) RetentionOption {
	return func(w *RetentionWorker) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithBatchSize sets the per-statement delete limit.
func WithBatchSize(n int) RetentionOption {
	return func(w *RetentionWorker) {
		if n > 0 {
			w.batchSize = n
		}
	}
}

// WithBatchPause sets the sleep between delete batches.
func WithBatchPause(d time.Duration) RetentionOption {
	return func(w *RetentionWorker) { w.pause = d }
}

// WithNow replaces time.Now.
func WithNow(now func() time.Time) RetentionOption {
	return func(w *RetentionWorker) { w.now = now }
}

// NewRetentionWorker creates a retention worker.
func NewRetentionWorker(store RetentionStore, a *audit.Service, policy RetentionPolicy, opts ...RetentionOption) *RetentionWorker {
	w := &RetentionWorker{
		store:     store,
		audit:     a,
		policy:    policy.withDefaults(),
		interval:  DefaultRetentionInterval,
		batchSize: DefaultRetentionBatchSize,
		pause:     100 * time.Millisecond,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start runs a cycle immediately and then every interval until ctx is
// cancelled.
func (w *RetentionWorker) Start(ctx context.Context) {
	logger.Info("retention worker starting", "interval", w.interval.String(), "batch_size", w.batchSize,
		"email_days", w.policy.EmailDays, "contact_days", w.policy.ContactDays, "audit_days", w.policy.AuditDays)

	w.cycle(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("retention worker stopping")
			return
		case <-ticker.C:
			w.cycle(ctx)
		}
	}
}

func (w *RetentionWorker) cycle(ctx context.Context) {
	start := time.Now()
	res, err := w.RunOnce(ctx)
	if err != nil {
		logger.Error("retention cycle failed", "error", err)
	}
	logger.Info("retention cycle completed",
		"send_requests", res.SendRequests, "recipients", res.Recipients, "audit_entries", res.AuditEntries,
		"duration", time.Since(start).Round(time.Millisecond).String())
}

func (w *RetentionWorker) cutoff(days int) time.Time {
	return w.now().UTC().AddDate(0, 0, -days)
}

// RunOnce performs one purge pass. Archive failures stop the audit purge so
// no audit entry is deleted without an export.
func (w *RetentionWorker) RunOnce(ctx context.Context) (RetentionResult, error) {
	var res RetentionResult
	var errs []error

	n, err := w.batchDelete(ctx, w.cutoff(w.policy.EmailDays), w.store.DeleteSendRequestsBefore)
	res.SendRequests = n
	if err != nil {
		errs = append(errs, fmt.Errorf("purge send requests: %w", err))
	}

	n, err = w.batchDelete(ctx, w.cutoff(w.policy.ContactDays), w.store.DeleteRecipientsBefore)
	res.Recipients = n
	if err != nil {
		errs = append(errs, fmt.Errorf("purge recipients: %w", err))
	}

	n, keys, err := w.purgeAudit(ctx, w.cutoff(w.policy.AuditDays))
	res.AuditEntries = n
	res.Archives = keys
	if err != nil {
		errs = append(errs, fmt.Errorf("purge audit entries: %w", err))
	}

	return res, errors.Join(errs...)
}

// batchDelete runs del with the batch size until it deletes nothing.
func (w *RetentionWorker) batchDelete(ctx context.Context, cutoff time.Time, del func(context.Context, time.Time, int) (int64, error)) (int64, error) {
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		affected, err := del(ctx, cutoff, w.batchSize)
		if err != nil {
			return total, err
		}
		total += affected
		if affected < int64(w.batchSize) {
			return total, nil
		}
		w.sleep(ctx)
	}
}

func (w *RetentionWorker) purgeAudit(ctx context.Context, cutoff time.Time) (int64, []string, error) {
	var total int64
	var keys []string
	for {
		if err := ctx.Err(); err != nil {
			return total, keys, err
		}
		entries, err := w.store.AuditEntriesBefore(ctx, cutoff, w.batchSize)
		if err != nil {
			return total, keys, err
		}
		if len(entries) == 0 {
			return total, keys, nil
		}

		if w.archiver != nil {
			key, err := w.archiver.Archive(ctx, cutoff, entries)
			if err != nil {
				return total, keys, err
			}
			keys = append(keys, key)
			w.recordExport(ctx, key, cutoff, entries)
		}

		ids := make([]string, len(entries))
		for i, e := range entries {
			ids[i] = e.ID
		}
		affected, err := w.store.DeleteAuditEntries(ctx, ids)
		if err != nil {
			return total, keys, err
		}
		total += affected
		if len(entries) < w.batchSize {
			return total, keys, nil
		}
		w.sleep(ctx)
	}
}

// recordExport writes one export entry per tenant in the archived batch.
func (w *RetentionWorker) recordExport(ctx context.Context, key string, cutoff time.Time, entries []domain.AuditEntry) {
	perTenant := make(map[string]int)
	var order []string
	for _, e := range entries {
		if perTenant[e.TenantID] == 0 {
			order = append(order, e.TenantID)
		}
		perTenant[e.TenantID]++
	}
	for _, tenantID := range order {
		w.audit.LogExport(ctx, tenantID, domain.ResourceAuditLog, map[string]interface{}{
			"archive_key": key,
			"count":       perTenant[tenantID],
			"cutoff":      cutoff.Format(time.RFC3339),
		})
	}
}

func (w *RetentionWorker) sleep(ctx context.Context) {
	if w.pause <= 0 {
		return
	}
	t := time.NewTimer(w.pause)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// SecureDeleteSendRequest removes one send request on request of the data
// subject and records the deletion.
func (w *RetentionWorker) SecureDeleteSendRequest(ctx context.Context, tenantID, id string) error {
	err := w.store.DeleteSendRequest(ctx, tenantID, id)
	w.audit.LogDelete(ctx, tenantID, domain.ResourceSendRequest, id, err)
	if err != nil {
		return fmt.Errorf("delete send request %s: %w", id, err)
	}
	return nil
}

// SecureDeleteRecipient removes one broadcast recipient and records the
// deletion.
func (w *RetentionWorker) SecureDeleteRecipient(ctx context.Context, tenantID, id string) error {
	err := w.store.DeleteRecipient(ctx, tenantID, id)
	w.audit.LogDelete(ctx, tenantID, domain.ResourceBroadcastRecipient, id, err)
	if err != nil {
		return fmt.Errorf("delete recipient %s: %w", id, err)
	}
	return nil
}
