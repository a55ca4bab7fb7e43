package email_test

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/ignite/phi-mailer/internal/audit"
	"github.com/ignite/phi-mailer/internal/domain"
	"github.com/ignite/phi-mailer/internal/pkg/vault/vaulttest"
	"github.com/ignite/phi-mailer/internal/provider"
	"github.com/ignite/phi-mailer/internal/queue"
	"github.com/ignite/phi-mailer/internal/service/email"
	"github.com/ignite/phi-mailer/internal/tenant"
)

// memRepo is an in-memory send request repository for unit testing.
type memRepo struct {
	mu           sync.Mutex
	requests     map[string]*domain.SendRequest // keyed by id
	beforeCreate func(r *domain.SendRequest)
}

func newMemRepo() *memRepo {
	return &memRepo{requests: make(map[string]*domain.SendRequest)}
}

func (m *memRepo) Create(_ context.Context, r *domain.SendRequest) error {
	if m.beforeCreate != nil {
		m.beforeCreate(r)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.requests {
		if existing.TenantID == r.TenantID && existing.IdempotencyKey == r.IdempotencyKey {
			return domain.ErrConflict
		}
	}
	cp := *r
	m.requests[r.ID] = &cp
	return nil
}

func (m *memRepo) Get(_ context.Context, tenantID, id string) (*domain.SendRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok || r.TenantID != tenantID {
		return nil, domain.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memRepo) GetByIdempotencyKey(_ context.Context, tenantID, key string) (*domain.SendRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.requests {
		if r.TenantID == tenantID && r.IdempotencyKey == key {
			cp := *r
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memRepo) GetByProviderMessageID(_ context.Context, pid string) (*domain.SendRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.requests {
		if r.ProviderMessageID == pid {
			cp := *r
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memRepo) MarkQueued(_ context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok || r.TenantID != tenantID {
		return domain.ErrNotFound
	}
	if r.Status == domain.SendPending {
		r.Status = domain.SendQueued
	}
	return nil
}

func (m *memRepo) Update(_ context.Context, r *domain.SendRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[r.ID]; !ok {
		return domain.ErrNotFound
	}
	cp := *r
	m.requests[r.ID] = &cp
	return nil
}

func (m *memRepo) List(_ context.Context, tenantID string, f email.ListFilter) ([]domain.SendRequest, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.SendRequest
	for _, r := range m.requests {
		if r.TenantID == tenantID && (f.Status == "" || string(r.Status) == f.Status) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, len(out), nil
}

func (m *memRepo) raw(id string) domain.SendRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.requests[id]
}

type memAudit struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (a *memAudit) Append(_ context.Context, e *domain.AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, *e)
	return nil
}

func (a *memAudit) count(action domain.AuditAction) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, e := range a.entries {
		if e.Action == action {
			n++
		}
	}
	return n
}

type dir struct{}

func (dir) DefaultDomain(_ context.Context, tenantID string) (*domain.SendingDomain, error) {
	if tenantID != testTenant {
		return nil, tenant.ErrNotFound
	}
	return &domain.SendingDomain{ID: "dom-1", TenantID: testTenant, Name: "clinic.org", Credential: "re_test", Active: true, IsDefault: true}, nil
}

func (dir) DomainByName(ctx context.Context, tenantID, name string) (*domain.SendingDomain, error) {
	if name != "clinic.org" {
		return nil, tenant.ErrNotFound
	}
	return dir{}.DefaultDomain(ctx, tenantID)
}

type fakeProvider struct {
	mu    sync.Mutex
	calls []provider.Message
	creds []string
	fail  bool
}

func (p *fakeProvider) Send(_ context.Context, credential string, msg provider.Message) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, msg)
	p.creds = append(p.creds, credential)
	if p.fail {
		return "", errors.Join(provider.ErrProvider, errors.New("mailbox "+msg.To+" unavailable"))
	}
	return "prov-" + msg.To, nil
}

func (p *fakeProvider) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

const testTenant = "tenant-1"

type fixture struct {
	svc    *email.Service
	repo   *memRepo
	gw     *queue.MemoryGateway
	prov   *fakeProvider
	cipher *vaulttest.Cipher
	audits *memAudit
}

func newFixture() *fixture {
	f := &fixture{
		repo:   newMemRepo(),
		gw:     queue.NewMemoryGateway(),
		prov:   &fakeProvider{},
		cipher: vaulttest.New(),
		audits: &memAudit{},
	}
	f.svc = email.NewService(f.repo, f.gw, f.prov, f.cipher, tenant.NewResolver(dir{}), audit.NewService(f.audits))
	return f
}

// drain dispatches every visible email message, acknowledging all of them.
func (f *fixture) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for {
		msgs, err := f.gw.Receive(ctx, queue.EmailQueue, 10)
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
		if len(msgs) == 0 {
			return
		}
		for _, m := range msgs {
			var em queue.EmailMessage
			if err := queue.Decode(m, &em); err != nil {
				t.Fatalf("decode: %v", err)
			}
			_ = f.svc.Dispatch(ctx, em)
			_ = f.gw.Acknowledge(ctx, queue.EmailQueue, m.Receipt)
		}
	}
}

func validInput() email.SubmitInput {
	return email.SubmitInput{
		To:      "patient@example.com",
		Subject: "Your appointment",
		HTML:    "<p>See you Tuesday</p>",
	}
}

func TestSubmitEncryptsAndQueues(t *testing.T) {
	f := newFixture()
	r, err := f.svc.Submit(context.Background(), testTenant, validInput())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if r.Status != domain.SendQueued {
		t.Fatalf("expected queued, got %s", r.Status)
	}

	stored := f.repo.raw(r.ID)
	if stored.To == "patient@example.com" || stored.To == "" {
		t.Fatalf("to must be stored encrypted, got %q", stored.To)
	}
	if stored.Subject != "Your appointment" {
		t.Fatalf("subject is stored in plaintext, got %q", stored.Subject)
	}
	if stored.IdempotencyKey == "" {
		t.Fatal("a generated idempotency key must be stored")
	}
	if stored.Status != domain.SendQueued {
		t.Fatalf("expected stored status queued, got %s", stored.Status)
	}
	if n := f.gw.Len(queue.EmailQueue); n != 1 {
		t.Fatalf("expected 1 enqueued message, got %d", n)
	}

	var msg queue.EmailMessage
	if err := json.Unmarshal(f.gw.Bodies(queue.EmailQueue)[0], &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.From != "noreply@clinic.org" || msg.Credential != "re_test" || msg.RetryCount != 0 {
		t.Fatalf("unexpected message %+v", msg)
	}

	if n := f.audits.count(domain.AuditCreate); n != 1 {
		t.Fatalf("expected 1 create audit, got %d", n)
	}
	meta := f.audits.entries[0].Metadata
	if len(meta) != 1 || meta["subject"] != "Your appointment" {
		t.Fatalf("create audit must carry only the subject, got %v", meta)
	}
}

func TestSubmitIdempotent(t *testing.T) {
	f := newFixture()
	in := validInput()
	in.IdempotencyKey = "k1"

	first, err := f.svc.Submit(context.Background(), testTenant, in)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	second, err := f.svc.Submit(context.Background(), testTenant, in)
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}

	if first.ID != second.ID {
		t.Fatalf("expected same id, got %s and %s", first.ID, second.ID)
	}
	if n := f.gw.Len(queue.EmailQueue); n != 1 {
		t.Fatalf("expected exactly one enqueue, got %d", n)
	}
	if n := len(f.audits.entries); n != 1 {
		t.Fatalf("resubmission must not audit, got %d entries", n)
	}
}

func TestSubmitIdempotencyRace(t *testing.T) {
	f := newFixture()
	in := validInput()
	in.IdempotencyKey = "k-race"

	winner := &domain.SendRequest{ID: "winner", TenantID: testTenant, IdempotencyKey: "k-race", Status: domain.SendQueued}
	f.repo.beforeCreate = func(*domain.SendRequest) {
		f.repo.beforeCreate = nil
		_ = f.repo.Create(context.Background(), winner)
	}

	got, err := f.svc.Submit(context.Background(), testTenant, in)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got.ID != "winner" {
		t.Fatalf("expected concurrent winner to be returned, got %s", got.ID)
	}
	if n := f.gw.Len(queue.EmailQueue); n != 0 {
		t.Fatalf("loser must not enqueue, got %d", n)
	}
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture()
	cases := []email.SubmitInput{
		{Subject: "s", HTML: "x"},
		{To: "not-an-address", Subject: "s", HTML: "x"},
		{To: "a@b.co", HTML: "x"},
		{To: "a@b.co", Subject: "s"},
		{To: "a@b.co", From: "bogus", Subject: "s", Text: "x"},
	}
	for i, in := range cases {
		_, err := f.svc.Submit(context.Background(), testTenant, in)
		if !errors.Is(err, email.ErrValidation) {
			t.Fatalf("case %d: expected ErrValidation, got %v", i, err)
		}
	}
	if len(f.repo.requests) != 0 {
		t.Fatal("invalid input must not be persisted")
	}
}

func TestSubmitDomainNotConfigured(t *testing.T) {
	f := newFixture()
	_, err := f.svc.Submit(context.Background(), "other-tenant", validInput())
	if !errors.Is(err, email.ErrDomainNotConfigured) {
		t.Fatalf("expected ErrDomainNotConfigured, got %v", err)
	}

	in := validInput()
	in.From = "someone@unverified.net"
	_, err = f.svc.Submit(context.Background(), testTenant, in)
	if !errors.Is(err, email.ErrDomainNotConfigured) {
		t.Fatalf("expected ErrDomainNotConfigured for explicit from, got %v", err)
	}
}

func TestDispatchSuccess(t *testing.T) {
	f := newFixture()
	r, _ := f.svc.Submit(context.Background(), testTenant, validInput())

	f.drain(t)

	got := f.repo.raw(r.ID)
	if got.Status != domain.SendSent {
		t.Fatalf("expected sent, got %s", got.Status)
	}
	if got.ProviderMessageID != "prov-patient@example.com" {
		t.Fatalf("unexpected provider id %q", got.ProviderMessageID)
	}
	if f.prov.calls[0].To != "patient@example.com" || f.prov.creds[0] != "re_test" {
		t.Fatalf("provider must receive plaintext fields and domain credential, got %+v", f.prov.calls[0])
	}
}

func TestRetryCeiling(t *testing.T) {
	f := newFixture()
	f.prov.fail = true
	in := validInput()
	in.IdempotencyKey = "k1"

	r, err := f.svc.Submit(context.Background(), testTenant, in)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	f.drain(t)

	got := f.repo.raw(r.ID)
	if got.Status != domain.SendFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if got.RetryCount != domain.MaxSendAttempts {
		t.Fatalf("expected retryCount %d, got %d", domain.MaxSendAttempts, got.RetryCount)
	}
	if got.LastError == "" || strings.Contains(got.LastError, "patient@example.com") {
		t.Fatalf("last error must be set and sanitized, got %q", got.LastError)
	}
	if n := f.prov.count(); n != 3 {
		t.Fatalf("expected 3 provider calls, got %d", n)
	}

	dead := f.gw.Bodies(queue.DeadLetters)
	if len(dead) != 1 {
		t.Fatalf("expected exactly one dead letter, got %d", len(dead))
	}
	var body map[string]interface{}
	if err := json.Unmarshal(dead[0], &body); err != nil {
		t.Fatalf("decode dead letter: %v", err)
	}
	if body["reason"] != "Max retries exceeded" || body["deadLetterTimestamp"] == nil {
		t.Fatalf("unexpected dead letter %v", body)
	}
}

func TestDispatchReturnsProviderError(t *testing.T) {
	f := newFixture()
	f.prov.fail = true
	r, _ := f.svc.Submit(context.Background(), testTenant, validInput())

	err := f.svc.Dispatch(context.Background(), queue.EmailMessage{SendRequestID: r.ID, TenantID: testTenant, To: "patient@example.com"})
	if !errors.Is(err, provider.ErrProvider) {
		t.Fatalf("expected provider error after bookkeeping, got %v", err)
	}
	if got := f.repo.raw(r.ID); got.RetryCount != 1 || got.Status != domain.SendFailed {
		t.Fatalf("expected failed with 1 attempt, got %s/%d", got.Status, got.RetryCount)
	}
}

// failingGateway wraps a MemoryGateway and can refuse retries.
type failingGateway struct {
	*queue.MemoryGateway
	mu             sync.Mutex
	failEnqueue    bool
	failDeadLetter bool
}

func (g *failingGateway) set(enqueue, deadLetter bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failEnqueue, g.failDeadLetter = enqueue, deadLetter
}

func (g *failingGateway) Enqueue(ctx context.Context, q queue.ID, payload interface{}) error {
	g.mu.Lock()
	fail := g.failEnqueue
	g.mu.Unlock()
	if fail {
		return errors.Join(queue.ErrQueue, errors.New("sqs unavailable"))
	}
	return g.MemoryGateway.Enqueue(ctx, q, payload)
}

func (g *failingGateway) DeadLetter(ctx context.Context, payload interface{}, reason string) error {
	g.mu.Lock()
	fail := g.failDeadLetter
	g.mu.Unlock()
	if fail {
		return errors.Join(queue.ErrQueue, errors.New("dlq unavailable"))
	}
	return g.MemoryGateway.DeadLetter(ctx, payload, reason)
}

func newFailingFixture() (*fixture, *failingGateway) {
	f := newFixture()
	gw := &failingGateway{MemoryGateway: f.gw}
	f.svc = email.NewService(f.repo, gw, f.prov, f.cipher, tenant.NewResolver(dir{}), audit.NewService(f.audits))
	return f, gw
}

func TestDispatchRetryEnqueueFailureKeepsAttempt(t *testing.T) {
	f, gw := newFailingFixture()
	ctx := context.Background()
	r, err := f.svc.Submit(ctx, testTenant, validInput())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	msg := queue.EmailMessage{SendRequestID: r.ID, TenantID: testTenant, To: "patient@example.com"}

	f.prov.fail = true
	gw.set(true, false)
	err = f.svc.Dispatch(ctx, msg)
	if !errors.Is(err, queue.ErrQueue) {
		t.Fatalf("expected queue error, got %v", err)
	}
	if got := f.repo.raw(r.ID); got.RetryCount != 0 || got.Status != domain.SendQueued {
		t.Fatalf("attempt must not be recorded without a queued retry, got %s/%d", got.Status, got.RetryCount)
	}

	// The unacknowledged original comes back and is sent.
	f.prov.fail = false
	gw.set(false, false)
	if err := f.svc.Dispatch(ctx, msg); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	got := f.repo.raw(r.ID)
	if got.Status != domain.SendSent {
		t.Fatalf("expected redelivery to send, got %s", got.Status)
	}
	if n := f.prov.count(); n != 2 {
		t.Fatalf("expected 2 provider calls, got %d", n)
	}
}

func TestDispatchDeadLetterFailureKeepsAttempt(t *testing.T) {
	f, gw := newFailingFixture()
	ctx := context.Background()
	r, _ := f.svc.Submit(ctx, testTenant, validInput())
	f.prov.fail = true
	last := queue.EmailMessage{SendRequestID: r.ID, TenantID: testTenant, To: "patient@example.com", RetryCount: domain.MaxSendAttempts - 1}

	// Bring the stored count in line with the final attempt.
	stored := f.repo.raw(r.ID)
	stored.RetryCount = domain.MaxSendAttempts - 1
	stored.Status = domain.SendFailed
	if err := f.repo.Update(ctx, &stored); err != nil {
		t.Fatalf("seed: %v", err)
	}

	gw.set(false, true)
	if err := f.svc.Dispatch(ctx, last); !errors.Is(err, queue.ErrQueue) {
		t.Fatalf("expected queue error, got %v", err)
	}
	if got := f.repo.raw(r.ID); got.RetryCount != domain.MaxSendAttempts-1 {
		t.Fatalf("final attempt must not be recorded before dead-lettering, got %d", got.RetryCount)
	}

	gw.set(false, false)
	if err := f.svc.Dispatch(ctx, last); !errors.Is(err, provider.ErrProvider) {
		t.Fatalf("expected provider error, got %v", err)
	}
	if got := f.repo.raw(r.ID); got.RetryCount != domain.MaxSendAttempts || !got.IsTerminal() {
		t.Fatalf("expected terminal failure, got %s/%d", got.Status, got.RetryCount)
	}
	if n := len(f.gw.Bodies(queue.DeadLetters)); n != 1 {
		t.Fatalf("expected one dead letter, got %d", n)
	}
}

func TestDispatchStaleRedeliveryIsDropped(t *testing.T) {
	f := newFixture()
	r, _ := f.svc.Submit(context.Background(), testTenant, validInput())
	msg := queue.EmailMessage{SendRequestID: r.ID, TenantID: testTenant, To: "patient@example.com"}

	if err := f.svc.Dispatch(context.Background(), msg); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if err := f.svc.Dispatch(context.Background(), msg); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if n := f.prov.count(); n != 1 {
		t.Fatalf("a sent request must not be sent again, got %d calls", n)
	}
}

func TestDispatchMissingRecord(t *testing.T) {
	f := newFixture()
	err := f.svc.Dispatch(context.Background(), queue.EmailMessage{SendRequestID: "gone", TenantID: testTenant})
	if err != nil {
		t.Fatalf("missing record must be discarded, got %v", err)
	}
	if f.prov.count() != 0 {
		t.Fatal("provider must not be called")
	}
}

func TestUpdateStatus(t *testing.T) {
	f := newFixture()
	r, _ := f.svc.Submit(context.Background(), testTenant, validInput())
	f.drain(t)
	pid := f.repo.raw(r.ID).ProviderMessageID

	err := f.svc.UpdateStatus(context.Background(), pid, domain.SendDelivered, map[string]interface{}{"deliveredAt": "2024-05-01T10:00:00Z"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	err = f.svc.UpdateStatus(context.Background(), pid, domain.SendSent, map[string]interface{}{"sentAt": "2024-05-01T09:59:00Z"})
	if err != nil {
		t.Fatalf("late sent: %v", err)
	}

	got := f.repo.raw(r.ID)
	if got.Status != domain.SendDelivered {
		t.Fatalf("late sent event must not regress status, got %s", got.Status)
	}
	if got.Metadata["deliveredAt"] == nil || got.Metadata["sentAt"] == nil {
		t.Fatalf("metadata must be merged, got %v", got.Metadata)
	}

	if err := f.svc.UpdateStatus(context.Background(), "unknown", domain.SendBounced, nil); err != nil {
		t.Fatalf("unknown provider id must be a no-op, got %v", err)
	}
}

func TestFindDecryptsAndAudits(t *testing.T) {
	f := newFixture()
	r, _ := f.svc.Submit(context.Background(), testTenant, validInput())

	got, err := f.svc.Find(context.Background(), testTenant, r.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.To != "patient@example.com" || got.From != "noreply@clinic.org" || got.HTML != "<p>See you Tuesday</p>" {
		t.Fatalf("expected decrypted fields, got %+v", got)
	}
	if got.DecryptFailed {
		t.Fatal("unexpected decrypt failure flag")
	}
	if n := f.audits.count(domain.AuditAccess); n != 1 {
		t.Fatalf("expected 1 access audit, got %d", n)
	}

	if _, err := f.svc.Find(context.Background(), "other-tenant", r.ID); !errors.Is(err, email.ErrNotFound) {
		t.Fatalf("expected ErrNotFound across tenants, got %v", err)
	}
}

func TestFindLegacyAndCorruptFields(t *testing.T) {
	f := newFixture()
	legacy := &domain.SendRequest{ID: "legacy", TenantID: testTenant, IdempotencyKey: "l", To: "old@example.com", Subject: "s"}
	_ = f.repo.Create(context.Background(), legacy)

	got, err := f.svc.Find(context.Background(), testTenant, "legacy")
	if err != nil {
		t.Fatalf("find legacy: %v", err)
	}
	if got.To != "old@example.com" || got.DecryptFailed {
		t.Fatalf("legacy plaintext must be returned as-is, got %+v", got)
	}

	r, _ := f.svc.Submit(context.Background(), testTenant, validInput())
	f.cipher.FailDecrypt(true)
	got, err = f.svc.Find(context.Background(), testTenant, r.ID)
	if err != nil {
		t.Fatalf("decrypt failure must not abort the read, got %v", err)
	}
	if !got.DecryptFailed || got.To != f.repo.raw(r.ID).To {
		t.Fatalf("expected raw marker with DecryptFailed, got %+v", got)
	}
}

func TestListOmitsPHI(t *testing.T) {
	f := newFixture()
	f.svc.Submit(context.Background(), testTenant, validInput())
	f.svc.Submit(context.Background(), testTenant, validInput())

	items, total, err := f.svc.List(context.Background(), testTenant, email.ListFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 2 || len(items) != 2 {
		t.Fatalf("expected 2 items, got %d (total %d)", len(items), total)
	}
	for _, it := range items {
		if it.To != "" || it.HTML != "" || it.Subject == "" {
			t.Fatalf("list must expose subject and status only, got %+v", it)
		}
	}
	if f.audits.count(domain.AuditAccess) != 0 {
		t.Fatal("list reads no PHI and must not audit access")
	}
}
