package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestAuditTrail_RecordAndDrain(t *testing.T) {
	var buf bytes.Buffer
	lg := slog.New(slog.NewJSONHandler(&buf, nil))
	trail := NewAuditTrail(lg, 8, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		trail.Run(ctx)
		close(done)
	}()

	trail.Record(context.Background(), AuditRecord{
		Kind:     AuditFormulaInjection,
		TenantID: "t_acme",
		Route:    "/v1/jobs",
		Detail:   "leading formula character",
	})

	// Give the drain goroutine a moment, then stop it. Run flushes the
	// buffer on cancel so the record must land either way.
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	out := buf.String()
	if !strings.Contains(out, "security audit") {
		t.Fatalf("expected audit line, got %q", out)
	}
	if !strings.Contains(out, string(AuditFormulaInjection)) {
		t.Fatalf("expected kind in output, got %q", out)
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(strings.SplitN(out, "\n", 2)[0]), &entry); err != nil {
		t.Fatalf("audit line is not JSON: %v", err)
	}
	if entry["tenant_id"] != "t_acme" {
		t.Fatalf("tenant_id = %v", entry["tenant_id"])
	}
}

func TestAuditTrail_RequestIDFromContext(t *testing.T) {
	var buf bytes.Buffer
	lg := slog.New(slog.NewJSONHandler(&buf, nil))
	trail := NewAuditTrail(lg, 8, nil)

	ctx := ContextWithRequestID(context.Background(), "req-777")
	trail.Record(ctx, AuditRecord{Kind: AuditTenantMismatch, TenantID: "t_a"})

	runCtx, cancel := context.WithCancel(context.Background())
	cancel()
	trail.Run(runCtx) // cancelled ctx: flush path only

	if !strings.Contains(buf.String(), "req-777") {
		t.Fatalf("expected request id from context, got %q", buf.String())
	}
}

func TestAuditTrail_DropsWhenFull(t *testing.T) {
	var dropCalls int
	trail := NewAuditTrail(slog.Default(), 2, func() { dropCalls++ })

	// No drain goroutine running: third record must be dropped.
	for i := 0; i < 3; i++ {
		trail.Record(context.Background(), AuditRecord{Kind: AuditPathTraversal})
	}

	if got := trail.Dropped(); got != 1 {
		t.Fatalf("Dropped() = %d, want 1", got)
	}
	if dropCalls != 1 {
		t.Fatalf("onDrop calls = %d, want 1", dropCalls)
	}
}

func TestNewAuditTrail_Defaults(t *testing.T) {
	trail := NewAuditTrail(nil, 0, nil)
	if trail == nil || cap(trail.ch) != 256 {
		t.Fatalf("expected default buffer of 256")
	}
}
