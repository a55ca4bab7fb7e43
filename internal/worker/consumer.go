package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/phi-mailer/internal/pkg/logger"
	"github.com/ignite/phi-mailer/internal/pkg/phi"
	"github.com/ignite/phi-mailer/internal/queue"
)

// =============================================================================
// QUEUE CONSUMER: Long-polls one queue and hands each message to a handler
// =============================================================================
// Messages are processed one at a time in receive order. A message is
// acknowledged only after its handler returns nil; on a handler error it is
// left to reappear after the visibility timeout. Messages that cannot be
// decoded are acknowledged immediately so a poison payload is never retried.

const (
	// DefaultMaxMessages is the receive batch size.
	DefaultMaxMessages = 10

	// DefaultReceiveBackoff is the pause after a failed receive.
	DefaultReceiveBackoff = 5 * time.Second
)

// Handler processes one decoded message.
type Handler[T any] func(ctx context.Context, msg T) error

// Stats is a snapshot of a consumer's counters.
type Stats struct {
	Received     int64 `json:"received"`
	Processed    int64 `json:"processed"`
	Failed       int64 `json:"failed"`
	Acked        int64 `json:"acked"`
	DecodeErrors int64 `json:"decode_errors"`
}

// Consumer drives a Handler from a queue.
type Consumer[T any] struct {
	name        string
	gw          queue.Gateway
	queueID     queue.ID
	handler     Handler[T]
	maxMessages int
	backoff     time.Duration

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	started  atomic.Bool

	received     atomic.Int64
	processed    atomic.Int64
	failed       atomic.Int64
	acked        atomic.Int64
	decodeErrors atomic.Int64
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*consumerOptions)

type consumerOptions struct {
	maxMessages int
	backoff     time.Duration
}

// WithMaxMessages sets the receive batch size.
func WithMaxMessages(n int) ConsumerOption {
	return func(o *consumerOptions) {
		if n > 0 {
			o.maxMessages = n
		}
	}
}

// WithReceiveBackoff sets the pause after a failed receive.
func WithReceiveBackoff(d time.Duration) ConsumerOption {
	return func(o *consumerOptions) {
		if d > 0 {
			o.backoff = d
		}
	}
}

// NewConsumer creates a consumer named name for queue q.
func NewConsumer[T any](name string, gw queue.Gateway, q queue.ID, h Handler[T], opts ...ConsumerOption) *Consumer[T] {
	o := consumerOptions{maxMessages: DefaultMaxMessages, backoff: DefaultReceiveBackoff}
	for _, opt := range opts {
		opt(&o)
	}
	return &Consumer[T]{
		name:        name,
		gw:          gw,
		queueID:     q,
		handler:     h,
		maxMessages: o.maxMessages,
		backoff:     o.backoff,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start runs the loop in a goroutine. Calling Start twice is a no-op.
func (c *Consumer[T]) Start(ctx context.Context) {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	logger.Info("consumer started", "consumer", c.name, "queue", string(c.queueID), "max_messages", c.maxMessages)
	go c.run(ctx)
}

// Stop halts new receives. A message already being handled finishes.
func (c *Consumer[T]) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Wait blocks until the loop has exited. It returns immediately if the
// consumer was never started.
func (c *Consumer[T]) Wait() {
	if !c.started.Load() {
		return
	}
	<-c.done
}

// Stats returns the current counters.
func (c *Consumer[T]) Stats() Stats {
	return Stats{
		Received:     c.received.Load(),
		Processed:    c.processed.Load(),
		Failed:       c.failed.Load(),
		Acked:        c.acked.Load(),
		DecodeErrors: c.decodeErrors.Load(),
	}
}

func (c *Consumer[T]) stopping(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-c.stop:
		return true
	default:
		return false
	}
}

func (c *Consumer[T]) run(ctx context.Context) {
	defer close(c.done)
	defer logger.Info("consumer stopped", "consumer", c.name)

	// Receive long-polls, so it gets a context that Stop cancels. Handlers
	// keep the caller's context and are allowed to finish.
	recvCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.stop:
			cancel()
		case <-recvCtx.Done():
		}
	}()

	for !c.stopping(ctx) {
		msgs, err := c.gw.Receive(recvCtx, c.queueID, c.maxMessages)
		if err != nil {
			if c.stopping(ctx) {
				return
			}
			logger.Error("queue receive failed", "consumer", c.name, "error", err)
			c.sleep(ctx)
			continue
		}

		for _, m := range msgs {
			c.received.Add(1)
			c.handle(ctx, m)
		}
	}
}

func (c *Consumer[T]) handle(ctx context.Context, m queue.Message) {
	var msg T
	if err := queue.Decode(m, &msg); err != nil {
		c.decodeErrors.Add(1)
		logger.Error("undecodable message, discarding", "consumer", c.name, "message_id", m.ID, "error", phi.SanitizeErrorMessage(err))
		c.ack(ctx, m)
		return
	}

	if err := c.handler(ctx, msg); err != nil {
		c.failed.Add(1)
		logger.Warn("message handler failed", "consumer", c.name, "message_id", m.ID,
			"receive_count", m.ReceiveCount, "error", phi.SanitizeErrorMessage(err))
		return
	}
	c.processed.Add(1)
	c.ack(ctx, m)
}

func (c *Consumer[T]) ack(ctx context.Context, m queue.Message) {
	if err := c.gw.Acknowledge(ctx, c.queueID, m.Receipt); err != nil {
		logger.Error("acknowledge failed", "consumer", c.name, "message_id", m.ID, "error", err)
		return
	}
	c.acked.Add(1)
}

func (c *Consumer[T]) sleep(ctx context.Context) {
	t := time.NewTimer(c.backoff)
	defer t.Stop()
	select {
	case <-t.C:
	case <-c.stop:
	case <-ctx.Done():
	}
}
