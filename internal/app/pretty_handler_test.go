package app

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestPrettyHandler_Line(t *testing.T) {
	t.Parallel()

	var sb strings.Builder
	log := slog.New(newPrettyHandler(&sb, &slog.HandlerOptions{Level: slog.LevelDebug}))

	log.Info("ws.accept", "user", "alice", "latency", 250*time.Millisecond)

	line := sb.String()
	for _, want := range []string{"INFO", "ws.accept", "user=alice", "latency=250ms"} {
		if !strings.Contains(line, want) {
			t.Fatalf("line %q missing %q", line, want)
		}
	}
	if !strings.HasSuffix(line, "\n") {
		t.Fatalf("line %q not newline-terminated", line)
	}
}

func TestPrettyHandler_QuotesValuesWithSpaces(t *testing.T) {
	t.Parallel()

	var sb strings.Builder
	log := slog.New(newPrettyHandler(&sb, nil))

	log.Warn("conversation.reject", "reason", "not a participant")

	if !strings.Contains(sb.String(), `reason="not a participant"`) {
		t.Fatalf("line %q missing quoted value", sb.String())
	}
}

func TestPrettyHandler_GroupsAndAttrs(t *testing.T) {
	t.Parallel()

	var sb strings.Builder
	log := slog.New(newPrettyHandler(&sb, nil)).
		With("session", "s1").
		WithGroup("conv")

	log.Info("message.append", "id", "m1")

	line := sb.String()
	if !strings.Contains(line, "session=s1") || !strings.Contains(line, "conv.id=m1") {
		t.Fatalf("line %q missing grouped attrs", line)
	}
}

func TestPrettyHandler_Enabled(t *testing.T) {
	t.Parallel()

	h := newPrettyHandler(&strings.Builder{}, &slog.HandlerOptions{Level: slog.LevelWarn})

	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("info should be disabled at warn level")
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Fatal("error should be enabled at warn level")
	}
}
