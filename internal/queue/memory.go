package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memItem struct {
	id        string
	body      []byte
	receipt   string
	visibleAt time.Time
	received  int
}

// MemoryGateway is an in-process Gateway with visibility timeouts and
// redelivery. It backs tests and single-process local runs.
type MemoryGateway struct {
	mu         sync.Mutex
	queues     map[ID][]*memItem
	signal     chan struct{}
	visibility time.Duration
	wait       time.Duration
	now        func() time.Time
}

// MemoryOption configures a MemoryGateway.
type MemoryOption func(*MemoryGateway)

// WithVisibilityTimeout sets how long a received message stays hidden.
func WithVisibilityTimeout(d time.Duration) MemoryOption {
	return func(g *MemoryGateway) { g.visibility = d }
}

// WithWaitTime sets the long-poll wait of Receive.
func WithWaitTime(d time.Duration) MemoryOption {
	return func(g *MemoryGateway) { g.wait = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) MemoryOption {
	return func(g *MemoryGateway) { g.now = now }
}

// NewMemoryGateway creates an empty gateway. Defaults: 30s visibility, no wait.
func NewMemoryGateway(opts ...MemoryOption) *MemoryGateway {
	g := &MemoryGateway{
		queues:     make(map[ID][]*memItem),
		signal:     make(chan struct{}),
		visibility: 30 * time.Second,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Enqueue appends payload to q.
func (g *MemoryGateway) Enqueue(_ context.Context, q ID, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: marshal %s message: %v", ErrQueue, q, err)
	}
	g.push(q, body)
	return nil
}

func (g *MemoryGateway) push(q ID, body []byte) {
	g.mu.Lock()
	g.queues[q] = append(g.queues[q], &memItem{id: uuid.New().String(), body: body})
	close(g.signal)
	g.signal = make(chan struct{})
	g.mu.Unlock()
}

// Receive leases up to max visible messages, waiting up to the configured
// wait time for at least one to arrive.
func (g *MemoryGateway) Receive(ctx context.Context, q ID, max int) ([]Message, error) {
	if max <= 0 {
		max = 10
	}
	deadline := g.now().Add(g.wait)
	for {
		g.mu.Lock()
		msgs := g.lease(q, max)
		signal := g.signal
		g.mu.Unlock()
		if len(msgs) > 0 {
			return msgs, nil
		}

		remaining := deadline.Sub(g.now())
		if remaining <= 0 {
			return nil, nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: receive from %s: %v", ErrQueue, q, ctx.Err())
		case <-signal:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (g *MemoryGateway) lease(q ID, max int) []Message {
	now := g.now()
	var out []Message
	for _, it := range g.queues[q] {
		if len(out) == max {
			break
		}
		if it.visibleAt.After(now) {
			continue
		}
		it.receipt = uuid.New().String()
		it.visibleAt = now.Add(g.visibility)
		it.received++
		out = append(out, Message{ID: it.id, Body: it.body, Receipt: it.receipt, ReceiveCount: it.received})
	}
	return out
}

// Acknowledge removes the message holding receipt. Stale receipts from an
// expired lease do not delete the redelivered copy.
func (g *MemoryGateway) Acknowledge(_ context.Context, q ID, receipt string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	items := g.queues[q]
	for i, it := range items {
		if it.receipt == receipt && receipt != "" {
			g.queues[q] = append(items[:i], items[i+1:]...)
			return nil
		}
	}
	return nil
}

// DeadLetter appends payload to the DeadLetters queue.
func (g *MemoryGateway) DeadLetter(_ context.Context, payload interface{}, reason string) error {
	body, err := deadLetterBody(payload, reason, g.now())
	if err != nil {
		return err
	}
	g.push(DeadLetters, body)
	return nil
}

// Len returns the number of messages in q, leased or not.
func (g *MemoryGateway) Len(q ID) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queues[q])
}

// Bodies returns a copy of every message body in q in arrival order.
func (g *MemoryGateway) Bodies(q ID) [][]byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([][]byte, 0, len(g.queues[q]))
	for _, it := range g.queues[q] {
		out = append(out, append([]byte(nil), it.body...))
	}
	return out
}
