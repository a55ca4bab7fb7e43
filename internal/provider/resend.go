package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/ignite/phi-mailer/internal/pkg/httpretry"
	"github.com/ignite/phi-mailer/internal/pkg/phi"
)

// DefaultResendURL is the public Resend API base.
const DefaultResendURL = "https://api.resend.com"

// Resend sends through the Resend HTTP API. The credential is the API key
// of the sending domain.
type Resend struct {
	baseURL string
	client  httpretry.HTTPDoer
}

// NewResend creates a Resend client. A nil client gets a RetryClient.
func NewResend(baseURL string, client httpretry.HTTPDoer) *Resend {
	if baseURL == "" {
		baseURL = DefaultResendURL
	}
	if client == nil {
		client = httpretry.NewRetryClient(nil, 2)
	}
	return &Resend{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

type resendTag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type resendRequest struct {
	From    string      `json:"from"`
	To      []string    `json:"to"`
	Subject string      `json:"subject"`
	HTML    string      `json:"html,omitempty"`
	Text    string      `json:"text,omitempty"`
	Tags    []resendTag `json:"tags,omitempty"`
}

type resendResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
	Name    string `json:"name"`
}

// Send posts msg to /emails.
func (r *Resend) Send(ctx context.Context, credential string, msg Message) (string, error) {
	if credential == "" {
		return "", fmt.Errorf("%w: resend: missing api key", ErrProvider)
	}

	payload := resendRequest{
		From:    msg.From,
		To:      []string{msg.To},
		Subject: msg.Subject,
		HTML:    msg.HTML,
		Text:    msg.Text,
	}
	keys := make([]string, 0, len(msg.Tags))
	for k := range msg.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		payload.Tags = append(payload.Tags, resendTag{Name: k, Value: msg.Tags[k]})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("%w: resend: marshal: %v", ErrProvider, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/emails", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: resend: build request: %v", ErrProvider, err)
	}
	req.Header.Set("Authorization", "Bearer "+credential)
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: resend: %s", ErrProvider, phi.SanitizeErrorMessage(err))
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var out resendResponse
	_ = json.Unmarshal(raw, &out)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail := out.Message
		if detail == "" {
			detail = http.StatusText(resp.StatusCode)
		}
		return "", fmt.Errorf("%w: resend: status %d: %s", ErrProvider, resp.StatusCode, phi.SanitizeString(detail))
	}
	if out.ID == "" {
		return "", fmt.Errorf("%w: resend: response has no id", ErrProvider)
	}
	return out.ID, nil
}
