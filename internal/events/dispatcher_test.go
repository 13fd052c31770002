package events

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/goleak"

	xerrors "ExtensionHost/internal/errors"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeActivator struct {
	mu     sync.Mutex
	events []string
	fail   map[string]error
	done   chan struct{}
	want   int
}

func (f *fakeActivator) ActivateByEvent(_ context.Context, event string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	if len(f.events) == f.want {
		close(f.done)
	}
	return f.fail[event]
}

func (f *fakeActivator) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]string(nil), f.events...)
	sort.Strings(out)
	return out
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestDispatcherActivatesQueuedEvents(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	queue := NewMemoryQueue(16)
	activator := &fakeActivator{
		fail: map[string]error{"onCommand:broken": errors.New("boom")},
		done: make(chan struct{}),
		want: 3,
	}
	d := NewDispatcher(activator, queue, queue, WithWorkerCount(2), WithDispatcherLogger(quiet()))

	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	for _, ev := range []string{"*", "onLanguage:go", "onCommand:broken"} {
		if err := d.Submit(ctx, ev); err != nil {
			t.Fatalf("submit %s: %v", ev, err)
		}
	}

	select {
	case <-activator.done:
	case <-ctx.Done():
		t.Fatalf("events were not dispatched: %v", activator.seen())
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("unexpected exit error: %v", err)
	}

	if diff := cmp.Diff([]string{"*", "onCommand:broken", "onLanguage:go"}, activator.seen()); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
	want := Stats{Published: 3, Handled: 2, Failed: 1}
	if diff := cmp.Diff(want, d.Stats()); diff != "" {
		t.Fatalf("stats mismatch (-want +got):\n%s", diff)
	}
}

func TestDispatcherRejectsEmptyEvent(t *testing.T) {
	queue := NewMemoryQueue(1)
	d := NewDispatcher(&fakeActivator{}, queue, queue, WithDispatcherLogger(quiet()))
	if err := d.Submit(context.Background(), "  "); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if err := NewDispatcher(nil, nil, nil).Start(context.Background()); xerrors.CodeOf(err) != xerrors.CodeInitializationFailure {
		t.Fatalf("expected initialization failure, got %v", err)
	}
}

type timeoutActivator struct{}

func (timeoutActivator) ActivateByEvent(context.Context, string) error {
	return xerrors.New(xerrors.CodeTimeout, "registry not ready")
}

func TestDispatcherMarksTimeoutRetryable(t *testing.T) {
	d := NewDispatcher(timeoutActivator{}, nil, nil, WithDispatcherLogger(quiet()))
	err := d.handle(context.Background(), "*")
	if !xerrors.RetryableError(err) {
		t.Fatalf("timeouts should be retryable, got %v", err)
	}
}

func TestMemoryQueueClose(t *testing.T) {
	queue := NewMemoryQueue(1)
	if err := queue.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := queue.Publish(context.Background(), "*"); xerrors.CodeOf(err) != xerrors.CodeQueueFailure {
		t.Fatalf("expected queue failure after close, got %v", err)
	}
	if err := queue.Consume(context.Background(), 2, func(context.Context, string) error { return nil }); err != nil {
		t.Fatalf("consume on closed queue should return nil, got %v", err)
	}
}

func TestMemoryQueueCloseUnblocksFullPublish(t *testing.T) {
	queue := NewMemoryQueue(1)
	if err := queue.Publish(context.Background(), "*"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	blocked := make(chan error, 1)
	go func() { blocked <- queue.Publish(context.Background(), "onCommand:late") }()
	time.Sleep(20 * time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- queue.Close() }()
	select {
	case err := <-closed:
		if err != nil {
			t.Fatalf("close: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("close stalled behind a blocked publisher")
	}
	if err := <-blocked; xerrors.CodeOf(err) != xerrors.CodeQueueFailure {
		t.Fatalf("blocked publish should fail with queue failure, got %v", err)
	}
}

func TestRedisQueueDefaults(t *testing.T) {
	client := goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()

	q := newRedisQueue(client, RedisQueueConfig{})
	if q.queue != "exthost:events" || q.wait != 5*time.Second {
		t.Fatalf("unexpected defaults: %s %s", q.queue, q.wait)
	}
	if _, err := NewRedisQueue(context.Background(), RedisQueueConfig{}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if _, err := NewRabbitMQQueue(RabbitMQConfig{}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}
