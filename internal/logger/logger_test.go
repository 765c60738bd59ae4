package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/omniscient-ai/provider-gateway/internal/providers"
	"github.com/omniscient-ai/provider-gateway/internal/usage"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Close drains every buffered record to the slog handler.
func TestLogger_CloseFlushes(t *testing.T) {
	out := &syncBuffer{}
	l, err := New(context.Background(), slog.New(slog.NewJSONHandler(out, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for i := 0; i < 3; i++ {
		l.Log(usage.Record{TenantID: "acme", Provider: providers.OpenAI, Success: true, LatencyMs: 12})
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 log lines, got %d: %q", len(lines), out.String())
	}

	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec["msg"] != "usage_record" || rec["tenant_id"] != "acme" || rec["provider"] != "openai" {
		t.Fatalf("unexpected record %v", rec)
	}
	if l.DroppedLogs() != 0 {
		t.Fatalf("expected no drops, got %d", l.DroppedLogs())
	}
}

func TestLogger_NilContext(t *testing.T) {
	if _, err := New(nil, nil); err == nil {
		t.Fatal("expected error for nil context")
	}
}
