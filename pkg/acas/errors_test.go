package acas

import (
	"errors"
	"fmt"
	"testing"
)

func TestCardError_IsMatchesSentinels(t *testing.T) {
	err := &CardError{Kind: CardRejected, Cmd: 0x34, SW: 0x6A82}

	if !errors.Is(err, ErrCardRejected) {
		t.Fatalf("expected errors.Is(err, ErrCardRejected) to hold")
	}
	if errors.Is(err, ErrCardUnavailable) {
		t.Fatalf("expected errors.Is(err, ErrCardUnavailable) to be false for a CardRejected error")
	}
}

func TestCardError_UnwrapExposesCause(t *testing.T) {
	cause := errors.New("transport reset")
	err := &CardError{Kind: CardUnavailable, Cause: cause}

	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to see through Unwrap to the cause")
	}
}

func TestCardError_WrappedByFmtErrorfStillMatchesSentinel(t *testing.T) {
	err := &CardError{Kind: CardUnavailable}
	wrapped := fmt.Errorf("ecm resolution: %w", err)

	if !errors.Is(wrapped, ErrCardUnavailable) {
		t.Fatalf("expected a %%w-wrapped CardError to still match its sentinel")
	}

	var ce *CardError
	if !errors.As(wrapped, &ce) || ce.Kind != CardUnavailable {
		t.Fatalf("expected errors.As to recover the underlying *CardError")
	}
}

func TestPipelineError_Error(t *testing.T) {
	withCause := &PipelineError{Kind: IoError, Cause: errors.New("disk fell off")}
	if withCause.Error() == "" {
		t.Fatalf("expected a non-empty error message")
	}
	if !errors.Is(withCause, withCause.Cause) {
		t.Fatalf("expected Unwrap to expose the cause")
	}

	eof := &PipelineError{Kind: IoEof}
	if eof.Unwrap() != nil {
		t.Fatalf("expected a nil cause for a bare IoEof")
	}
}
