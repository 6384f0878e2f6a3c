package poll

import (
	"context"
	"errors"
	"testing"
	"time"
)

func noSleep(time.Duration) {}

func TestAttempts(t *testing.T) {
	tests := []struct {
		interval, timeout time.Duration
		want              int
	}{
		{time.Second, 60 * time.Second, 61},
		{2 * time.Second, 5 * time.Second, 4},
		{5 * time.Second, 0, 1},
		{0, time.Minute, 1},
	}
	for _, tt := range tests {
		b := Backoff{Interval: tt.interval, Timeout: tt.timeout}
		if got := b.Attempts(); got != tt.want {
			t.Errorf("Attempts(%s, %s) = %d, want %d", tt.interval, tt.timeout, got, tt.want)
		}
	}
}

func TestPoll_SucceedsAfterAttempts(t *testing.T) {
	var calls, sleeps int
	b := Backoff{Interval: time.Second, Timeout: 10 * time.Second, Sleep: func(d time.Duration) {
		if d != time.Second {
			t.Errorf("expected 1s sleep, got %s", d)
		}
		sleeps++
	}}
	err := b.Poll(context.Background(), func(context.Context) (bool, error) {
		calls++
		return calls == 3, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
	if sleeps != 2 {
		t.Errorf("expected 2 sleeps, got %d", sleeps)
	}
}

func TestPoll_Timeout(t *testing.T) {
	var calls int
	b := Backoff{Interval: time.Second, Timeout: 3 * time.Second, Sleep: noSleep}
	err := b.Poll(context.Background(), func(context.Context) (bool, error) {
		calls++
		return false, nil
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if calls != b.Attempts() {
		t.Errorf("expected %d calls, got %d", b.Attempts(), calls)
	}
}

func TestPoll_ConditionError(t *testing.T) {
	boom := errors.New("boom")
	var calls int
	b := Backoff{Interval: time.Second, Timeout: time.Minute, Sleep: noSleep}
	err := b.Poll(context.Background(), func(context.Context) (bool, error) {
		calls++
		return false, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected polling to stop after 1 call, got %d", calls)
	}
}

func TestPoll_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	b := Backoff{Interval: time.Second, Timeout: time.Minute, Sleep: func(time.Duration) { cancel() }}
	err := b.Poll(ctx, func(context.Context) (bool, error) {
		calls++
		return false, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call before cancel, got %d", calls)
	}
}

func TestPoll_SlowConditionHitsDeadline(t *testing.T) {
	b := Backoff{Interval: 10 * time.Millisecond, Timeout: 100 * time.Millisecond}
	start := time.Now()
	err := b.Poll(context.Background(), func(ctx context.Context) (bool, error) {
		select {
		case <-ctx.Done():
		case <-time.After(100 * time.Millisecond):
		}
		return false, nil
	})
	elapsed := time.Since(start)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed > time.Second {
		t.Errorf("expected polling to stop near its deadline, took %s", elapsed)
	}
}

func TestPoll_ConditionSeesDeadline(t *testing.T) {
	b := Backoff{Interval: 10 * time.Millisecond, Timeout: 50 * time.Millisecond}
	err := b.Poll(context.Background(), func(ctx context.Context) (bool, error) {
		<-ctx.Done()
		return false, ctx.Err()
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected a hung condition to end in ErrTimeout, got %v", err)
	}
}

func TestPoll_ParentCancelWinsOverDeadline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := Backoff{Interval: 10 * time.Millisecond, Timeout: time.Minute}
	err := b.Poll(ctx, func(ctx context.Context) (bool, error) {
		cancel()
		<-ctx.Done()
		return false, ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
