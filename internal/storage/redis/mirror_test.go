package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	goredis "github.com/redis/go-redis/v9"

	xerrors "ExtensionHost/internal/errors"
	"ExtensionHost/internal/messages"
)

func TestEntryRoundTripKeepsFields(t *testing.T) {
	entry := Entry{ExtensionID: "a", State: "failed", ErrorCode: "DEPENDENCY_LOOP", Error: "loop", UpdatedAt: 42}
	raw, err := encodeEntry(entry)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := decodeEntry(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := cmp.Diff(entry, got); diff != "" {
		t.Fatalf("entry mismatch (-want +got):\n%s", diff)
	}
	if _, err := encodeEntry(Entry{State: "activated"}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument for empty id, got %v", err)
	}
	if _, err := decodeEntry("{"); xerrors.CodeOf(err) != xerrors.CodeStorageFailure {
		t.Fatalf("expected storage failure for bad payload, got %v", err)
	}
}

func TestNewWithClientDerivesKeys(t *testing.T) {
	client := goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()

	m := NewWithClient(client, "")
	if m.HashKey() != "exthost:activations" || m.Channel() != "exthost:messages" {
		t.Fatalf("unexpected keys %s %s", m.HashKey(), m.Channel())
	}
	custom := NewWithClient(client, "ci")
	if custom.HashKey() != "ci:activations" {
		t.Fatalf("unexpected custom key %s", custom.HashKey())
	}
}

func TestNewRequiresAddress(t *testing.T) {
	if _, err := New(context.Background(), Config{}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

// TestMirrorAgainstRedis 需要真实的 Redis，设置 EXTHOST_TEST_REDIS_ADDR 后运行。
func TestMirrorAgainstRedis(t *testing.T) {
	addr := os.Getenv("EXTHOST_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("EXTHOST_TEST_REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	m, err := New(ctx, Config{Address: addr, Prefix: "exthost-test"})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer m.Close()
	if err := m.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}

	subCtx, stop := context.WithCancel(ctx)
	defer stop()
	received := m.Subscribe(subCtx)
	time.Sleep(100 * time.Millisecond)

	if err := m.Put(ctx, Entry{ExtensionID: "a", State: "activated", UpdatedAt: 1}); err != nil {
		t.Fatalf("put: %v", err)
	}
	entry, ok, err := m.Get(ctx, "a")
	if err != nil || !ok || entry.State != "activated" {
		t.Fatalf("unexpected get result: %+v %v %v", entry, ok, err)
	}
	all, err := m.All(ctx)
	if err != nil || len(all) != 1 {
		t.Fatalf("unexpected all result: %+v %v", all, err)
	}

	msg := messages.New(xerrors.CodeNotFound, "b", "x", "missing x")
	if err := m.Notify(ctx, msg); err != nil {
		t.Fatalf("notify: %v", err)
	}
	select {
	case got := <-received:
		if got.ID != msg.ID {
			t.Fatalf("unexpected message %+v", got)
		}
	case <-ctx.Done():
		t.Fatalf("message not received")
	}
}
