package types

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestError_ChainingAndHelpers(t *testing.T) {
	t.Parallel()

	root := errors.New("root")
	err := NewError(ErrUpstreamError, "upstream failed").
		WithCause(root).
		WithHTTPStatus(502).
		WithRetryable(true)

	if GetErrorCode(err) != ErrUpstreamError {
		t.Fatalf("expected code %s, got %s", ErrUpstreamError, GetErrorCode(err))
	}
	if !IsRetryable(err) {
		t.Fatalf("expected retryable")
	}
	if !errors.Is(err, root) {
		t.Fatalf("expected errors.Is unwrap to root")
	}
	if got := err.Error(); got == "" {
		t.Fatalf("expected non-empty error string")
	}
}

func TestError_WrappedLookup(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("record insight: %w", NewInvalidModuleError("math"))

	if !IsErrorCode(wrapped, ErrInvalidModule) {
		t.Fatalf("expected INVALID_MODULE through wrapping, got %q", GetErrorCode(wrapped))
	}
	e, ok := AsError(wrapped)
	if !ok {
		t.Fatalf("expected AsError to find *Error")
	}
	if e.HTTPStatus != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", e.HTTPStatus)
	}
	if IsRetryable(wrapped) {
		t.Fatalf("invalid module must not be retryable")
	}
}

func TestError_Constructors(t *testing.T) {
	t.Parallel()

	cause := errors.New("unknown field")
	payloadErr := NewInvalidPayloadError("speaking", cause)
	if payloadErr.Code != ErrInvalidPayload || !errors.Is(payloadErr, cause) {
		t.Fatalf("unexpected payload error: %v", payloadErr)
	}

	internal := NewInternalError("save insight", cause)
	if internal.HTTPStatus != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", internal.HTTPStatus)
	}

	if GetErrorCode(errors.New("plain")) != "" {
		t.Fatalf("plain errors carry no code")
	}
}
