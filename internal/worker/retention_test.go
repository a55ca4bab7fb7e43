package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ignite/phi-mailer/internal/audit"
	"github.com/ignite/phi-mailer/internal/domain"
)

// =============================================================================
// RETENTION WORKER TESTS
// =============================================================================

type retentionStore struct {
	mu           sync.Mutex
	sendRequests []time.Time
	recipients   []time.Time
	auditLog     []domain.AuditEntry
	cutoffs      []time.Time
	deleteCalls  int
	rows         map[string]string // id -> tenant
}

func takeBefore(rows []time.Time, cutoff time.Time, limit int) ([]time.Time, int64) {
	var kept []time.Time
	var n int64
	for _, ts := range rows {
		if ts.Before(cutoff) && n < int64(limit) {
			n++
			continue
		}
		kept = append(kept, ts)
	}
	return kept, n
}

func (s *retentionStore) DeleteSendRequestsBefore(_ context.Context, cutoff time.Time, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteCalls++
	s.cutoffs = append(s.cutoffs, cutoff)
	var n int64
	s.sendRequests, n = takeBefore(s.sendRequests, cutoff, limit)
	return n, nil
}

func (s *retentionStore) DeleteRecipientsBefore(_ context.Context, cutoff time.Time, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	s.recipients, n = takeBefore(s.recipients, cutoff, limit)
	return n, nil
}

func (s *retentionStore) AuditEntriesBefore(_ context.Context, cutoff time.Time, limit int) ([]domain.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.AuditEntry
	for _, e := range s.auditLog {
		if e.CreatedAt.Before(cutoff) && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *retentionStore) DeleteAuditEntries(_ context.Context, ids []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	var kept []domain.AuditEntry
	for _, e := range s.auditLog {
		if !drop[e.ID] {
			kept = append(kept, e)
		}
	}
	n := int64(len(s.auditLog) - len(kept))
	s.auditLog = kept
	return n, nil
}

func (s *retentionStore) deleteRow(tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rows[id] != tenantID {
		return domain.ErrNotFound
	}
	delete(s.rows, id)
	return nil
}

func (s *retentionStore) DeleteSendRequest(_ context.Context, tenantID, id string) error {
	return s.deleteRow(tenantID, id)
}

func (s *retentionStore) DeleteRecipient(_ context.Context, tenantID, id string) error {
	return s.deleteRow(tenantID, id)
}

type auditSink struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (a *auditSink) Append(_ context.Context, e *domain.AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, *e)
	return nil
}

type fakeArchiver struct {
	batches [][]domain.AuditEntry
	err     error
}

func (f *fakeArchiver) Archive(_ context.Context, _ time.Time, entries []domain.AuditEntry) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.batches = append(f.batches, entries)
	return "audit-logs/test.jsonl.gz", nil
}

var retentionNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func old(days int) time.Time { return retentionNow.AddDate(0, 0, -days) }

func TestRetention_DeletesInBatches(t *testing.T) {
	store := &retentionStore{}
	for i := 0; i < 25; i++ {
		store.sendRequests = append(store.sendRequests, old(40))
	}
	store.sendRequests = append(store.sendRequests, old(5))
	store.recipients = []time.Time{old(100), old(1)}

	w := NewRetentionWorker(store, audit.NewService(&auditSink{}),
		RetentionPolicy{EmailDays: 30, ContactDays: 30, AuditDays: 30},
		WithBatchSize(10), WithBatchPause(0), WithNow(func() time.Time { return retentionNow }))

	res, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.SendRequests != 25 || res.Recipients != 1 {
		t.Errorf("expected 25 send requests and 1 recipient purged, got %+v", res)
	}
	if store.deleteCalls != 3 {
		t.Errorf("expected 3 delete batches, got %d", store.deleteCalls)
	}
	if len(store.sendRequests) != 1 || len(store.recipients) != 1 {
		t.Errorf("recent rows must survive")
	}
}

func TestRetention_DefaultPolicyIsSevenYears(t *testing.T) {
	store := &retentionStore{}
	w := NewRetentionWorker(store, audit.NewService(&auditSink{}), RetentionPolicy{},
		WithNow(func() time.Time { return retentionNow }))

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	want := retentionNow.AddDate(0, 0, -2555)
	if len(store.cutoffs) != 1 || !store.cutoffs[0].Equal(want) {
		t.Errorf("expected cutoff %s, got %v", want, store.cutoffs)
	}
}

func TestRetention_ArchivesAuditBeforePurge(t *testing.T) {
	store := &retentionStore{auditLog: []domain.AuditEntry{
		{ID: "a1", TenantID: "t1", CreatedAt: old(40)},
		{ID: "a2", TenantID: "t2", CreatedAt: old(50)},
		{ID: "a3", TenantID: "t1", CreatedAt: old(60)},
		{ID: "a4", TenantID: "t1", CreatedAt: old(2)},
	}}
	sink := &auditSink{}
	arch := &fakeArchiver{}
	w := NewRetentionWorker(store, audit.NewService(sink), RetentionPolicy{AuditDays: 30},
		WithArchiver(arch), WithBatchPause(0), WithNow(func() time.Time { return retentionNow }))

	res, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.AuditEntries != 3 || len(res.Archives) != 1 {
		t.Fatalf("expected 3 entries purged in one archive, got %+v", res)
	}
	if len(arch.batches) != 1 || len(arch.batches[0]) != 3 {
		t.Fatalf("expected archived batch of 3, got %v", arch.batches)
	}
	if len(store.auditLog) != 1 || store.auditLog[0].ID != "a4" {
		t.Errorf("recent audit entry must survive, got %v", store.auditLog)
	}

	exports := map[string]interface{}{}
	for _, e := range sink.entries {
		if e.Action == domain.AuditExport {
			exports[e.TenantID] = e.Metadata["count"]
		}
	}
	if exports["t1"] != 2 || exports["t2"] != 1 {
		t.Errorf("expected export entries per tenant, got %v", exports)
	}
}

func TestRetention_ArchiveFailureKeepsAudit(t *testing.T) {
	store := &retentionStore{auditLog: []domain.AuditEntry{{ID: "a1", TenantID: "t1", CreatedAt: old(40)}}}
	w := NewRetentionWorker(store, audit.NewService(&auditSink{}), RetentionPolicy{AuditDays: 30},
		WithArchiver(&fakeArchiver{err: errors.New("s3 down")}), WithNow(func() time.Time { return retentionNow }))

	res, err := w.RunOnce(context.Background())
	if err == nil {
		t.Fatal("expected archive error")
	}
	if res.AuditEntries != 0 || len(store.auditLog) != 1 {
		t.Errorf("audit entries must not be deleted without an archive")
	}
}

func TestSecureDelete(t *testing.T) {
	store := &retentionStore{rows: map[string]string{"sr-1": "t1", "rc-1": "t1"}}
	sink := &auditSink{}
	w := NewRetentionWorker(store, audit.NewService(sink), RetentionPolicy{})
	ctx := context.Background()

	if err := w.SecureDeleteSendRequest(ctx, "t1", "sr-1"); err != nil {
		t.Fatalf("delete send request: %v", err)
	}
	if err := w.SecureDeleteRecipient(ctx, "t2", "rc-1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("cross-tenant delete must be not found, got %v", err)
	}

	if len(sink.entries) != 2 {
		t.Fatalf("expected 2 delete audit entries, got %d", len(sink.entries))
	}
	if e := sink.entries[0]; e.Action != domain.AuditDelete || !e.Success || e.ResourceType != domain.ResourceSendRequest {
		t.Errorf("unexpected first entry %+v", e)
	}
	if e := sink.entries[1]; e.Success || e.ErrorMessage == "" {
		t.Errorf("failed delete must be audited as unsuccessful, got %+v", e)
	}
}
