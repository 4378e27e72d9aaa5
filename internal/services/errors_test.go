package services_test

import (
	"errors"
	"strings"
	"testing"

	"lattice/internal/services"
)

func TestWrapIncludesContext(t *testing.T) {
	base := errors.New("boom")
	err := services.Wrap(services.ErrExternalTool, "transcode", "ffmpeg", "exited", base)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("expected marker to be retained, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error to contain base error, got %v", err)
	}
	msg := err.Error()
	for _, fragment := range []string{"transcode", "ffmpeg", "exited"} {
		if !strings.Contains(msg, fragment) {
			t.Fatalf("expected %q in error string %q", fragment, msg)
		}
	}
}

func TestFailureKindMapping(t *testing.T) {
	validationErr := services.Wrap(services.ErrValidation, "transcode", "walk", "no input node", nil)
	if kind := services.FailureKind(validationErr); kind != "validation" {
		t.Fatalf("expected validation kind, got %s", kind)
	}

	transportErr := services.Wrap(services.ErrTransport, "node", "poll", "dial failed", errors.New("refused"))
	if kind := services.FailureKind(transportErr); kind != "transport" {
		t.Fatalf("expected transport kind, got %s", kind)
	}
	if !services.IsRetryable(transportErr) {
		t.Fatal("expected transport errors to be retryable")
	}
	if services.IsRetryable(validationErr) {
		t.Fatal("validation errors must not be retried")
	}

	if kind := services.FailureKind(nil); kind != "" {
		t.Fatalf("expected empty kind for nil error, got %s", kind)
	}
	if kind := services.FailureKind(errors.New("plain")); kind != "transient" {
		t.Fatalf("expected transient for unmarked error, got %s", kind)
	}
}
