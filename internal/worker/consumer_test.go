package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ignite/phi-mailer/internal/queue"
)

// =============================================================================
// QUEUE CONSUMER TESTS
// =============================================================================

type testMsg struct {
	N int `json:"n"`
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newGateway() *queue.MemoryGateway {
	return queue.NewMemoryGateway(queue.WithWaitTime(20*time.Millisecond), queue.WithVisibilityTimeout(time.Hour))
}

func TestConsumer_ProcessesInOrderAndAcks(t *testing.T) {
	gw := newGateway()
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		if err := gw.Enqueue(ctx, queue.EmailQueue, testMsg{N: i}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	var mu sync.Mutex
	var seen []int
	c := NewConsumer("test", gw, queue.EmailQueue, func(_ context.Context, m testMsg) error {
		mu.Lock()
		seen = append(seen, m.N)
		mu.Unlock()
		return nil
	})
	c.Start(ctx)
	waitFor(t, "acks", func() bool { return c.Stats().Acked == 3 })
	c.Stop()
	c.Wait()

	if gw.Len(queue.EmailQueue) != 0 {
		t.Errorf("expected empty queue, got %d", gw.Len(queue.EmailQueue))
	}
	if len(seen) != 3 || seen[0] != 1 || seen[2] != 3 {
		t.Errorf("expected sequential order [1 2 3], got %v", seen)
	}
	if s := c.Stats(); s.Processed != 3 || s.Failed != 0 || s.Received != 3 {
		t.Errorf("unexpected stats %+v", s)
	}
}

func TestConsumer_UndecodableMessageIsAcked(t *testing.T) {
	gw := newGateway()
	ctx := context.Background()
	_ = gw.Enqueue(ctx, queue.EmailQueue, "not an object")

	var calls atomic.Int32
	c := NewConsumer("test", gw, queue.EmailQueue, func(context.Context, testMsg) error {
		calls.Add(1)
		return nil
	})
	c.Start(ctx)
	waitFor(t, "poison ack", func() bool { return c.Stats().Acked == 1 })
	c.Stop()
	c.Wait()

	if calls.Load() != 0 {
		t.Errorf("handler must not run for an undecodable message")
	}
	if c.Stats().DecodeErrors != 1 || gw.Len(queue.EmailQueue) != 0 {
		t.Errorf("expected poison message discarded, stats %+v", c.Stats())
	}
}

func TestConsumer_HandlerErrorLeavesMessage(t *testing.T) {
	gw := newGateway()
	ctx := context.Background()
	_ = gw.Enqueue(ctx, queue.EmailQueue, testMsg{N: 1})

	c := NewConsumer("test", gw, queue.EmailQueue, func(context.Context, testMsg) error {
		return errors.New("provider unavailable for jane@example.com")
	})
	c.Start(ctx)
	waitFor(t, "failure", func() bool { return c.Stats().Failed == 1 })
	c.Stop()
	c.Wait()

	if gw.Len(queue.EmailQueue) != 1 {
		t.Errorf("failed message must stay leased for redelivery")
	}
	if c.Stats().Acked != 0 {
		t.Errorf("failed message must not be acknowledged")
	}
}

// flakyGateway fails every Receive.
type flakyGateway struct {
	queue.Gateway
	receives atomic.Int32
}

func (f *flakyGateway) Receive(context.Context, queue.ID, int) ([]queue.Message, error) {
	f.receives.Add(1)
	return nil, errors.New("connection refused")
}

func TestConsumer_ReceiveErrorBacksOff(t *testing.T) {
	gw := &flakyGateway{}
	c := NewConsumer("test", gw, queue.EmailQueue, func(context.Context, testMsg) error { return nil },
		WithReceiveBackoff(time.Hour))
	c.Start(context.Background())
	waitFor(t, "first receive", func() bool { return gw.receives.Load() >= 1 })

	stopped := make(chan struct{})
	go func() {
		c.Stop()
		c.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop must interrupt the receive backoff")
	}
	if n := gw.receives.Load(); n != 1 {
		t.Errorf("expected one receive during backoff, got %d", n)
	}
}

func TestConsumer_StopLetsInFlightFinish(t *testing.T) {
	gw := newGateway()
	ctx := context.Background()
	_ = gw.Enqueue(ctx, queue.EmailQueue, testMsg{N: 1})

	entered := make(chan struct{})
	release := make(chan struct{})
	c := NewConsumer("test", gw, queue.EmailQueue, func(hctx context.Context, _ testMsg) error {
		close(entered)
		<-release
		return hctx.Err()
	})
	c.Start(ctx)
	<-entered
	c.Stop()

	waited := make(chan struct{})
	go func() {
		c.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		t.Fatal("Wait returned while a message was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-waited
	if c.Stats().Acked != 1 {
		t.Errorf("in-flight message should complete and be acked, stats %+v", c.Stats())
	}
}

func TestConsumer_ContextCancelStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := NewConsumer("test", newGateway(), queue.EmailQueue, func(context.Context, testMsg) error { return nil })
	c.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		c.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("consumer did not exit on context cancel")
	}
}

func TestConsumer_WaitWithoutStart(t *testing.T) {
	c := NewConsumer("test", newGateway(), queue.EmailQueue, func(context.Context, testMsg) error { return nil })
	c.Wait()
}
