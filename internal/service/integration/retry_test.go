package integration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestRetrySucceedsAfterFailures(t *testing.T) {
	p := NewRetryPolicy(3, time.Second, 32*time.Second)
	p.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	calls := 0
	err := p.Do(context.Background(), zerolog.Nop(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	p := NewRetryPolicy(3, time.Second, 32*time.Second)
	p.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	wantErr := errors.New("still broken")
	calls := 0
	err := p.Do(context.Background(), zerolog.Nop(), func(ctx context.Context) error {
		calls++
		return wantErr
	})

	if !errors.Is(err, wantErr) {
		t.Errorf("expected last error back, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
}

func TestRetryBackoffDoublesAndCaps(t *testing.T) {
	p := NewRetryPolicy(7, time.Second, 32*time.Second)

	var delays []time.Duration
	p.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	_ = p.Do(context.Background(), zerolog.Nop(), func(ctx context.Context) error {
		return errors.New("nope")
	})

	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second,
		8 * time.Second, 16 * time.Second, 32 * time.Second,
	}
	if len(delays) != len(want) {
		t.Fatalf("expected %d sleeps, got %d", len(want), len(delays))
	}
	for i, d := range delays {
		if d != want[i] {
			t.Errorf("delay %d: got %v, want %v", i, d, want[i])
		}
	}
}

func TestRetryStopsOnContextCancel(t *testing.T) {
	p := NewRetryPolicy(5, time.Second, 32*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := p.Do(ctx, zerolog.Nop(), func(ctx context.Context) error {
		calls++
		return errors.New("transient")
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected a single attempt before cancellation, got %d", calls)
	}
}
