package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/phi-mailer/internal/domain"
)

type update struct {
	id       string
	status   domain.SendStatus
	metadata map[string]interface{}
}

type recorder struct {
	updates []update
	err     error
}

func (r *recorder) UpdateStatus(_ context.Context, id string, status domain.SendStatus, metadata map[string]interface{}) error {
	if r.err != nil {
		return r.err
	}
	r.updates = append(r.updates, update{id, status, metadata})
	return nil
}

func sign(secret, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

func post(h http.Handler, body, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/resend", bytes.NewBufferString(body))
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

const secret = "whsec_test"

func TestWebhook_EventMapping(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		status  domain.SendStatus
		metaKey string
	}{
		{"sent", `{"type":"email.sent","data":{"email_id":"re_1","created_at":"2026-01-01T00:00:00Z"}}`, domain.SendSent, "sentAt"},
		{"delivered", `{"type":"email.delivered","data":{"email_id":"re_1","created_at":"2026-01-01T00:00:00Z"}}`, domain.SendDelivered, "deliveredAt"},
		{"bounced", `{"type":"email.bounced","data":{"email_id":"re_1","created_at":"2026-01-01T00:00:00Z"}}`, domain.SendBounced, "bouncedAt"},
		{"complained", `{"type":"email.complained","data":{"email_id":"re_1","created_at":"2026-01-01T00:00:00Z"}}`, domain.SendComplained, "complainedAt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			w := post(NewHandler(rec, secret), tt.body, sign(secret, tt.body))

			require.Equal(t, http.StatusOK, w.Code)
			assert.JSONEq(t, `{"received":true}`, w.Body.String())
			require.Len(t, rec.updates, 1)
			assert.Equal(t, "re_1", rec.updates[0].id)
			assert.Equal(t, tt.status, rec.updates[0].status)
			assert.Equal(t, "2026-01-01T00:00:00Z", rec.updates[0].metadata[tt.metaKey])
		})
	}
}

func TestWebhook_BounceDataIsMasked(t *testing.T) {
	body := `{"type":"email.bounced","data":{"email_id":"re_9","created_at":"2026-01-01T00:00:00Z","to":["jane.doe@example.com"],"from":"clinic@clinic.org"}}`
	rec := &recorder{}
	w := post(NewHandler(rec, secret), body, sign(secret, body))

	require.Equal(t, http.StatusOK, w.Code)
	data, ok := rec.updates[0].metadata["bounceData"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "***", data["to"])
	assert.Equal(t, "cl***@clinic.org", data["from"])
	assert.Equal(t, "re_9", data["email_id"])
}

func TestWebhook_RejectsBadSignature(t *testing.T) {
	body := `{"type":"email.delivered","data":{"email_id":"re_1"}}`
	for name, sig := range map[string]string{
		"missing":   "",
		"wrong":     sign("other", body),
		"not hex":   "zz",
		"truncated": sign(secret, body)[:10],
	} {
		t.Run(name, func(t *testing.T) {
			rec := &recorder{}
			w := post(NewHandler(rec, secret), body, sig)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Empty(t, rec.updates)
		})
	}
}

func TestWebhook_SignatureCheckedBeforeParsing(t *testing.T) {
	w := post(NewHandler(&recorder{}, secret), `not json`, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWebhook_NoSecretSkipsVerification(t *testing.T) {
	body := `{"type":"email.delivered","data":{"email_id":"re_1"}}`
	rec := &recorder{}
	w := post(NewHandler(rec, ""), body, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, rec.updates, 1)
}

func TestWebhook_AcknowledgedNoOps(t *testing.T) {
	for name, body := range map[string]string{
		"unknown type":     `{"type":"email.opened","data":{"email_id":"re_1"}}`,
		"missing email_id": `{"type":"email.delivered","data":{}}`,
		"missing data":     `{"type":"email.delivered"}`,
	} {
		t.Run(name, func(t *testing.T) {
			rec := &recorder{}
			w := post(NewHandler(rec, secret), body, sign(secret, body))
			assert.Equal(t, http.StatusOK, w.Code)
			assert.Empty(t, rec.updates)
		})
	}
}

func TestWebhook_InvalidJSON(t *testing.T) {
	body := `{"type":`
	w := post(NewHandler(&recorder{}, secret), body, sign(secret, body))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhook_UpdateFailureIs500(t *testing.T) {
	body := `{"type":"email.delivered","data":{"email_id":"re_1"}}`
	rec := &recorder{err: errors.New("db down for jane@example.com")}
	w := post(NewHandler(rec, secret), body, sign(secret, body))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "jane")
}
