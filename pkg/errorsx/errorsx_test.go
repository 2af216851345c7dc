package errorsx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
)

func TestWrapAndReason(t *testing.T) {
	err := Wrap(assertErr{}, ReasonLLMGenerate)
	if Reason(err) != ReasonLLMGenerate {
		t.Fatalf("expected reason %s, got %s", ReasonLLMGenerate, Reason(err))
	}
	if !HasReason(err, ReasonLLMGenerate) {
		t.Fatalf("expected HasReason true")
	}
}

func TestWrapPreservesExistingReason(t *testing.T) {
	first := Wrap(assertErr{}, ReasonSTTSend)
	second := Wrap(first, ReasonLLMGenerate)
	if Reason(second) != ReasonSTTSend {
		t.Fatalf("expected reason preserved, got %s", Reason(second))
	}
}

func TestReasonSurvivesFmtWrapping(t *testing.T) {
	err := fmt.Errorf("lookup alice: %w", Wrap(assertErr{}, ReasonIdentityNotFound))
	if !HasReason(err, ReasonIdentityNotFound) {
		t.Fatalf("expected reason through fmt wrap, got %s", Reason(err))
	}
	var target assertErr
	if !errors.As(err, &target) {
		t.Fatalf("expected original error to unwrap")
	}
}

func TestNilHasUnknownReason(t *testing.T) {
	if Wrap(nil, ReasonTTSSend) != nil {
		t.Fatalf("expected nil wrap to stay nil")
	}
	if Reason(nil) != ReasonUnknown {
		t.Fatalf("expected unknown reason for nil")
	}
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }

func TestCancellationLogsAtDebug(t *testing.T) {
	err := Wrap(fmt.Errorf("synthesize: %w", context.Canceled), ReasonTTSStream)
	if !IsCanceled(err) {
		t.Fatalf("expected cancellation to be detected")
	}
	if Level(err) != slog.LevelDebug {
		t.Fatalf("expected debug level, got %s", Level(err))
	}
	if Level(New(ReasonSTTSend, "socket closed")) != slog.LevelWarn {
		t.Fatalf("expected warn level for engine errors")
	}
}

func TestAttrsCarryReason(t *testing.T) {
	attrs := Attrs(New(ReasonLLMDecode, "bad json"))
	if len(attrs) != 2 {
		t.Fatalf("expected two attrs, got %d", len(attrs))
	}
	a, ok := attrs[0].(slog.Attr)
	if !ok || a.Key != "reason_code" || a.Value.String() != string(ReasonLLMDecode) {
		t.Fatalf("unexpected first attr %v", attrs[0])
	}
	if Attrs(nil) != nil {
		t.Fatalf("expected no attrs for nil")
	}
}
