package errdefs_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/bdobrica/botan/internal/botan/errdefs"
)

func TestKindSurvivesWrapping(t *testing.T) {
	base := errdefs.NotFoundf("bot %q", "b1")
	wrapped := fmt.Errorf("registry: get: %w", base)

	if !errdefs.IsNotFound(wrapped) {
		t.Errorf("IsNotFound(%v) = false, want true", wrapped)
	}
	if errdefs.IsAlreadyExists(wrapped) {
		t.Errorf("IsAlreadyExists(%v) = true, want false", wrapped)
	}
}

func TestStoragePreservesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := errdefs.Storage(fmt.Errorf("write registry.json: %w", cause))

	if !errdefs.IsStorage(err) {
		t.Fatalf("IsStorage(%v) = false, want true", err)
	}
	if !errors.Is(err, cause) {
		t.Errorf("cause lost through Storage wrap: %v", err)
	}
}

func TestStorageNil(t *testing.T) {
	if err := errdefs.Storage(nil); err != nil {
		t.Errorf("Storage(nil) = %v, want nil", err)
	}
}

func TestFromContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := errdefs.FromContext(ctx.Err())
	if !errdefs.IsTimeout(err) {
		t.Errorf("cancelled context not mapped to timeout kind: %v", err)
	}

	plain := errors.New("something else")
	if got := errdefs.FromContext(plain); got != plain {
		t.Errorf("FromContext changed unrelated error: %v", got)
	}
}

func TestKindNames(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{errdefs.NotFoundf("x"), "not-found"},
		{errdefs.AlreadyExistsf("x"), "already-exists"},
		{errdefs.InvalidStatef("x"), "invalid-state"},
		{errdefs.Validationf("x"), "validation"},
		{errdefs.ResourceLimitf("x"), "resource-limit-exceeded"},
		{errdefs.Timeoutf("x"), "timeout"},
		{errdefs.Storage(errors.New("x")), "storage"},
		{errdefs.Internalf("x"), "internal"},
		{errors.New("unclassified"), "internal"},
	}
	for _, tc := range cases {
		if got := errdefs.Kind(tc.err); got != tc.want {
			t.Errorf("Kind(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestMessagesReadNaturally(t *testing.T) {
	err := errdefs.InvalidStatef("container %q is %s", "web-1", "running")
	const want = `container "web-1" is running: invalid state`
	if err.Error() != want {
		t.Errorf("message = %q, want %q", err.Error(), want)
	}
}
