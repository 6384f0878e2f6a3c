package build

import (
	"context"
	"testing"
	"time"

	"github.com/ppiankov/kiln/internal/failure"
)

func TestAcquireLock(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first, err := acquireLock(ctx, dir, "build-a", 0, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := acquireLock(ctx, dir, "build-a", 0, nil); !failure.Is(err, failure.JobCreateError) {
		t.Errorf("expected JobCreateError while locked, got %v", err)
	}

	other, err := acquireLock(ctx, dir, "build-b", 0, nil)
	if err != nil {
		t.Fatalf("expected a different build to lock independently: %v", err)
	}
	_ = other.Unlock()

	sleeps := 0
	second, err := acquireLock(ctx, dir, "build-a", 5*time.Second, func(time.Duration) {
		sleeps++
		if sleeps == 2 {
			_ = first.Unlock()
		}
	})
	if err != nil {
		t.Fatalf("expected lock after release, got %v", err)
	}
	if sleeps != 2 {
		t.Errorf("expected 2 retries, got %d", sleeps)
	}
	_ = second.Unlock()
}

func TestAcquireLock_Interrupted(t *testing.T) {
	dir := t.TempDir()
	held, err := acquireLock(context.Background(), dir, "build-a", 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = held.Unlock() }()

	ctx, cancel := context.WithCancel(context.Background())
	_, err = acquireLock(ctx, dir, "build-a", time.Minute, func(time.Duration) { cancel() })
	if !failure.Is(err, failure.Interrupted) {
		t.Errorf("expected Interrupted, got %v", err)
	}
}
