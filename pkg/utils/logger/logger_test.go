package logger

import (
	"context"
	"sync"
	"testing"

	"autotest/pkg/utils/contextkey"

	"go.uber.org/zap"
)

func TestAddSinkReceivesContextFields(t *testing.T) {
	if err := Init(Config{Level: "info", Format: "json", OutputPath: t.TempDir() + "/out.log"}); err != nil {
		t.Fatalf("init logger: %v", err)
	}

	var mu sync.Mutex
	var got []map[string]any
	remove := AddSink(func(entry map[string]any) {
		mu.Lock()
		got = append(got, entry)
		mu.Unlock()
	})

	ctx := context.WithValue(context.Background(), contextkey.RunID, int64(7))
	Info(ctx, "hello", zap.String("k", "v"))
	Debug(ctx, "filtered by level")
	remove()
	Info(ctx, "after remove")

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected 1 entry, got %d: %v", len(got), got)
	}
	entry := got[0]
	if entry["msg"] != "hello" {
		t.Fatalf("unexpected msg: %v", entry["msg"])
	}
	if entry["k"] != "v" {
		t.Fatalf("unexpected field k: %v", entry["k"])
	}
	// JSON numbers decode as float64.
	if entry["run_id"] != float64(7) {
		t.Fatalf("unexpected run_id: %v", entry["run_id"])
	}
}

func TestRemoveSinkTwice(t *testing.T) {
	remove := AddSink(func(map[string]any) {})
	remove()
	remove()
	if n := sinkCount.Load(); n != 0 {
		t.Fatalf("expected no sinks, got %d", n)
	}
}
