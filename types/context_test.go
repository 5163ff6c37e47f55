package types

import (
	"context"
	"testing"
)

func TestContextHelpers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	ctx = WithTraceID(ctx, "t1")
	if got, ok := TraceID(ctx); !ok || got != "t1" {
		t.Fatalf("TraceID mismatch: %v %v", got, ok)
	}

	ctx = WithUserID(ctx, "student-42")
	if got, ok := UserID(ctx); !ok || got != "student-42" {
		t.Fatalf("UserID mismatch: %v %v", got, ok)
	}

	ctx = WithRequestID(ctx, "req-1")
	if got, ok := RequestID(ctx); !ok || got != "req-1" {
		t.Fatalf("RequestID mismatch: %v %v", got, ok)
	}

	ctx = WithRoles(ctx, []string{"student", "admin"})
	if !HasRole(ctx, "admin") {
		t.Fatalf("expected admin role")
	}
	if HasRole(ctx, "tutor") {
		t.Fatalf("unexpected tutor role")
	}
}

func TestContextHelpers_EmptyValues(t *testing.T) {
	t.Parallel()

	ctx := WithUserID(context.Background(), "")
	if _, ok := UserID(ctx); ok {
		t.Fatalf("empty user id must report ok=false")
	}
	if _, ok := Roles(context.Background()); ok {
		t.Fatalf("missing roles must report ok=false")
	}
}
