// Package queue is the durable point-to-point transport between the
// submission paths and the dispatch workers. Delivery is at-least-once and
// unordered; a leased message that is not acknowledged before its
// visibility timeout is delivered again.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrQueue wraps every failure of a queue operation.
var ErrQueue = errors.New("queue operation failed")

// ID names a logical queue.
type ID string

const (
	EmailQueue     ID = "email"
	BroadcastQueue ID = "broadcast"
	DeadLetters    ID = "dead_letter"
)

// Message is a leased delivery. Receipt is only valid until the lease expires.
type Message struct {
	ID           string
	Body         []byte
	Receipt      string
	ReceiveCount int
}

// Gateway is implemented by SQSGateway and MemoryGateway.
type Gateway interface {
	// Enqueue serializes payload as JSON and sends it to q.
	Enqueue(ctx context.Context, q ID, payload interface{}) error
	// Receive long-polls q and leases up to max messages.
	Receive(ctx context.Context, q ID, max int) ([]Message, error)
	// Acknowledge deletes a leased message. Unknown receipts are not an error.
	Acknowledge(ctx context.Context, q ID, receipt string) error
	// DeadLetter sends payload to the terminal queue tagged with reason.
	DeadLetter(ctx context.Context, payload interface{}, reason string) error
}

// EmailMessage asks the email worker to hand one SendRequest to the provider.
type EmailMessage struct {
	SendRequestID string `json:"sendRequestId"`
	TenantID      string `json:"tenantId"`
	DomainID      string `json:"domainId"`
	Credential    string `json:"credential"`
	To            string `json:"to"`
	From          string `json:"from"`
	Subject       string `json:"subject"`
	HTML          string `json:"html,omitempty"`
	Text          string `json:"text,omitempty"`
	BroadcastID   string `json:"broadcastId,omitempty"`
	RecipientID   string `json:"recipientId,omitempty"`
	RetryCount    int    `json:"retryCount"`
}

// BroadcastMessage asks the broadcast worker to process the page of pending
// recipients starting at Offset.
type BroadcastMessage struct {
	BroadcastID string `json:"broadcastId"`
	TenantID    string `json:"tenantId"`
	DomainID    string `json:"domainId"`
	Offset      int    `json:"offset"`
}

// Decode unmarshals a message body into v.
func Decode(m Message, v interface{}) error {
	if err := json.Unmarshal(m.Body, v); err != nil {
		return fmt.Errorf("decode message %s: %w", m.ID, err)
	}
	return nil
}

// deadLetterBody returns the JSON of payload with deadLetterTimestamp and
// reason added. Non-object payloads are nested under "payload".
func deadLetterBody(payload interface{}, reason string, now time.Time) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal dead letter: %v", ErrQueue, err)
	}
	body := map[string]interface{}{}
	if err := json.Unmarshal(raw, &body); err != nil {
		body = map[string]interface{}{"payload": json.RawMessage(raw)}
	}
	body["deadLetterTimestamp"] = now.UTC().Format(time.RFC3339Nano)
	body["reason"] = reason
	out, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal dead letter: %v", ErrQueue, err)
	}
	return out, nil
}

func messageType(q ID) string {
	switch q {
	case EmailQueue:
		return "email"
	case BroadcastQueue:
		return "broadcast"
	case DeadLetters:
		return "dead_letter"
	}
	return string(q)
}
