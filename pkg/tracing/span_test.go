package tracing

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestSpanTree(t *testing.T) {
	ctx, root := StartSpan(context.Background(), "run", "run-1")
	uctx, unify := StartChildSpan(ctx, "unify")
	_, nested := StartChildSpan(uctx, "load")
	nested.End()
	unify.End()
	_, doc := StartChildSpan(ctx, "assemble")
	doc.SetAttr("category", "wheats")
	doc.End()
	root.End()

	if root.Count() != 4 {
		t.Fatalf("count = %d, want 4", root.Count())
	}
	if nested.TraceID != "run-1" {
		t.Errorf("trace id not propagated: %q", nested.TraceID)
	}

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	root.Log(logger)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("logged %d spans:\n%s", len(lines), buf.String())
	}
	if !strings.Contains(lines[2], "span=load") || !strings.Contains(lines[2], "depth=2") {
		t.Errorf("third record = %s", lines[2])
	}
	if !strings.Contains(lines[3], "category=wheats") {
		t.Errorf("attrs missing: %s", lines[3])
	}
}

func TestChildWithoutParent(t *testing.T) {
	_, s := StartChildSpan(context.Background(), "orphan")
	if s.TraceID != "" || SpanFromContext(context.Background()) != nil {
		t.Error("orphan span should have no trace id")
	}
}
