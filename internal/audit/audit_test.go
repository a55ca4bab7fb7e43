package audit

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/phi-mailer/internal/domain"
)

type memStore struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
	err     error
}

func (m *memStore) Append(_ context.Context, e *domain.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, *e)
	return nil
}

func TestLogCreate_MasksMetadata(t *testing.T) {
	store := &memStore{}
	svc := NewService(store)
	ctx := WithActor(context.Background(), Actor{ID: "user-1", IPAddress: "10.0.0.1"})

	svc.LogCreate(ctx, "t1", domain.ResourceSendRequest, "sr-1", map[string]interface{}{
		"subject": "Appointment",
		"to":      "pat@clinic.org",
	})

	require.Len(t, store.entries, 1)
	e := store.entries[0]
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, "t1", e.TenantID)
	assert.Equal(t, "user-1", e.ActorID)
	assert.Equal(t, "10.0.0.1", e.IPAddress)
	assert.Equal(t, domain.AuditCreate, e.Action)
	assert.Equal(t, "Created send_request containing PHI", e.Description)
	assert.Equal(t, "Appointment", e.Metadata["subject"])
	assert.Equal(t, "pa***@clinic.org", e.Metadata["to"])
	assert.True(t, e.Success)
	assert.False(t, e.CreatedAt.IsZero())
}

func TestLogAccess_Description(t *testing.T) {
	store := &memStore{}
	NewService(store).LogAccess(context.Background(), "t1", domain.ResourceBroadcast, "b-1", nil)

	require.Len(t, store.entries, 1)
	assert.Equal(t, domain.AuditAccess, store.entries[0].Action)
	assert.Equal(t, "Accessed broadcast with PHI", store.entries[0].Description)
}

func TestLogDelete_SanitizesCause(t *testing.T) {
	store := &memStore{}
	NewService(store).LogDelete(context.Background(), "t1", domain.ResourceBroadcastRecipient, "r-1", errors.New("row for x@y.com locked"))

	require.Len(t, store.entries, 1)
	assert.False(t, store.entries[0].Success)
	assert.Equal(t, "row for [EMAIL_REDACTED] locked", store.entries[0].ErrorMessage)
}

func TestLog_StoreFailureIsSwallowed(t *testing.T) {
	store := &memStore{err: errors.New("db down")}
	svc := NewService(store)

	assert.NotPanics(t, func() {
		svc.LogExport(context.Background(), "", domain.ResourceAuditLog, map[string]interface{}{"count": 3})
	})
	assert.Empty(t, store.entries)
}

func TestLog_NilServiceIsNoop(t *testing.T) {
	var svc *Service
	assert.NotPanics(t, func() {
		svc.LogUpdate(context.Background(), "t1", domain.ResourceBroadcast, "b", nil)
	})
}

type fakeS3 struct {
	input *s3.PutObjectInput
	body  []byte
	err   error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.input = in
	f.body, _ = io.ReadAll(in.Body)
	return &s3.PutObjectOutput{}, nil
}

func TestS3Archiver_WritesGzipLines(t *testing.T) {
	client := &fakeS3{}
	a := NewS3Archiver(client, "audit-bucket", "prod/")
	cutoff := time.Date(2019, 1, 2, 0, 0, 0, 0, time.UTC)

	key, err := a.Archive(context.Background(), cutoff, []domain.AuditEntry{
		{ID: "a1", TenantID: "t1", Action: domain.AuditAccess},
		{ID: "a2", TenantID: "t1", Action: domain.AuditCreate},
	})
	require.NoError(t, err)
	assert.Contains(t, key, "prod/audit-logs/")
	assert.Contains(t, key, "before-20190102")
	assert.Equal(t, "audit-bucket", *client.input.Bucket)

	zr, err := gzip.NewReader(bytes.NewReader(client.body))
	require.NoError(t, err)
	dec := json.NewDecoder(zr)
	var ids []string
	for dec.More() {
		var e domain.AuditEntry
		require.NoError(t, dec.Decode(&e))
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []string{"a1", "a2"}, ids)
}

func TestS3Archiver_EmptyIsNoop(t *testing.T) {
	client := &fakeS3{}
	key, err := NewS3Archiver(client, "b", "").Archive(context.Background(), time.Now(), nil)
	require.NoError(t, err)
	assert.Empty(t, key)
	assert.Nil(t, client.input)
}

func TestS3Archiver_PutError(t *testing.T) {
	_, err := NewS3Archiver(&fakeS3{err: errors.New("denied")}, "b", "").Archive(context.Background(), time.Now(), []domain.AuditEntry{{ID: "x"}})
	assert.ErrorContains(t, err, "denied")
}
