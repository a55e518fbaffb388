package notify

import (
	"errors"
	"testing"
)

func TestTruncateError(t *testing.T) {
	if got := truncateError(nil, 10); got != "" {
		t.Fatalf("expected empty string for nil error, got %q", got)
	}
	if got := truncateError(errors.New("short"), 10); got != "short" {
		t.Fatalf("got %q", got)
	}
	if got := truncateError(errors.New("héllo"), 2); got != "h" {
		t.Fatalf("expected rune-safe truncation, got %q", got)
	}
}
