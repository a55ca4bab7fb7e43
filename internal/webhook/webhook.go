// Package webhook receives provider delivery callbacks and applies them to
// send requests.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/ignite/phi-mailer/internal/domain"
	"github.com/ignite/phi-mailer/internal/pkg/logger"
	"github.com/ignite/phi-mailer/internal/pkg/phi"
)

// SignatureHeader carries hex(HMAC-SHA256(secret, body)).
const SignatureHeader = "resend-signature"

const maxBodyBytes = 1 << 20

// ErrUnauthorizedCallback is returned for a missing or invalid signature.
var ErrUnauthorizedCallback = errors.New("unauthorized callback")

// StatusUpdater applies a delivery status to the send request that owns
// providerMessageID.
type StatusUpdater interface {
	UpdateStatus(ctx context.Context, providerMessageID string, status domain.SendStatus, metadata map[string]interface{}) error
}

// Event is a provider callback body.
type Event struct {
	Type      string                 `json:"type"`
	CreatedAt string                 `json:"created_at"`
	Data      map[string]interface{} `json:"data"`
}

// Handler is the HTTP endpoint for provider callbacks.
type Handler struct {
	updater StatusUpdater
	secret  []byte
}

// NewHandler creates a Handler. An empty secret disables signature
// verification.
func NewHandler(updater StatusUpdater, secret string) *Handler {
	if secret == "" {
		logger.Warn("webhook secret not configured, signature verification disabled")
	}
	return &Handler{updater: updater, secret: []byte(secret)}
}

// Verify checks signature against body.
func (h *Handler) Verify(body []byte, signature string) error {
	if len(h.secret) == 0 {
		return nil
	}
	if signature == "" {
		return ErrUnauthorizedCallback
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return ErrUnauthorizedCallback
	}
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrUnauthorizedCallback
	}
	return nil
}

// ServeHTTP verifies, decodes and applies one callback.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respond(w, http.StatusBadRequest, map[string]string{"error": "failed to read body"})
		return
	}

	if err := h.Verify(body, r.Header.Get(SignatureHeader)); err != nil {
		logger.Warn("rejected webhook", "remote_addr", r.RemoteAddr)
		respond(w, http.StatusUnauthorized, map[string]string{"error": "invalid webhook signature"})
		return
	}

	var evt Event
	if err := json.Unmarshal(body, &evt); err != nil {
		respond(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}

	if err := h.Handle(r.Context(), evt); err != nil {
		logger.Error("webhook processing failed", "type", evt.Type, "error", phi.SanitizeErrorMessage(err))
		respond(w, http.StatusInternalServerError, map[string]string{"error": "failed to process webhook"})
		return
	}
	respond(w, http.StatusOK, map[string]bool{"received": true})
}

// Handle maps an event to a status update. Unknown types and events with no
// email id are acknowledged without effect.
func (h *Handler) Handle(ctx context.Context, evt Event) error {
	emailID, _ := evt.Data["email_id"].(string)
	if emailID == "" {
		logger.Warn("webhook missing email_id", "type", evt.Type)
		return nil
	}
	at := evt.Data["created_at"]

	var status domain.SendStatus
	var meta map[string]interface{}
	switch evt.Type {
	case "email.sent":
		status, meta = domain.SendSent, map[string]interface{}{"sentAt": at}
	case "email.delivered":
		status, meta = domain.SendDelivered, map[string]interface{}{"deliveredAt": at}
	case "email.bounced":
		status, meta = domain.SendBounced, map[string]interface{}{"bouncedAt": at, "bounceData": phi.MaskObject(evt.Data)}
	case "email.complained":
		status, meta = domain.SendComplained, map[string]interface{}{"complainedAt": at, "complaintData": phi.MaskObject(evt.Data)}
	default:
		logger.Info("unhandled webhook type", "type", evt.Type, "provider_message_id", emailID)
		return nil
	}

	if err := h.updater.UpdateStatus(ctx, emailID, status, meta); err != nil {
		return err
	}
	logger.Info("processed webhook", "type", evt.Type, "provider_message_id", emailID)
	return nil
}

func respond(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
