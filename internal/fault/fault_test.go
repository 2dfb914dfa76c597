package fault

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOfTagged(t *testing.T) {
	err := New(Network, "connection refused")
	if KindOf(err) != Network {
		t.Fatalf("expected network kind, got %s", KindOf(err))
	}
	wrapped := fmt.Errorf("download failed: %w", err)
	if KindOf(wrapped) != Network {
		t.Fatalf("expected kind to survive wrapping, got %s", KindOf(wrapped))
	}
}

func TestKindOfContextErrors(t *testing.T) {
	if KindOf(context.Canceled) != Cancelled {
		t.Fatalf("expected cancelled for context.Canceled")
	}
	if KindOf(context.DeadlineExceeded) != Cancelled {
		t.Fatalf("expected cancelled for deadline exceeded")
	}
}

func TestWrapKeepsOriginalKind(t *testing.T) {
	inner := New(Integrity, "checksum mismatch")
	outer := Wrap(Network, inner)
	if KindOf(outer) != Integrity {
		t.Fatalf("expected original kind preserved, got %s", KindOf(outer))
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(Device, nil) != nil {
		t.Fatal("expected nil for nil error")
	}
}

func TestKindOfUntagged(t *testing.T) {
	if KindOf(errors.New("plain")) != Unknown {
		t.Fatal("expected unknown for untagged error")
	}
}

func TestIs(t *testing.T) {
	err := Errorf(IllegalState, "cannot configure while %s", "recording")
	if !Is(err, IllegalState) {
		t.Fatal("expected illegal_state kind")
	}
	if Is(err, Device) {
		t.Fatal("unexpected device kind")
	}
}
