package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Factor: 2}
}

func TestDoSucceedsFirstTime(t *testing.T) {
	calls := 0
	attempts, err := Do(context.Background(), fastPolicy(3), func(context.Context) error {
		calls++
		return nil
	})
	if err != nil || attempts != 1 || calls != 1 {
		t.Fatalf("attempts = %d, calls = %d, err = %v", attempts, calls, err)
	}
}

func TestDoRetriesThenSucceeds(t *testing.T) {
	calls := 0
	attempts, err := Do(context.Background(), fastPolicy(5), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	boom := errors.New("boom")
	attempts, err := Do(context.Background(), fastPolicy(3), func(context.Context) error {
		return boom
	})
	if !errors.Is(err, boom) || attempts != 3 {
		t.Fatalf("attempts = %d, err = %v", attempts, err)
	}
}

func TestDoStopsOnPermanent(t *testing.T) {
	bad := errors.New("bad config")
	calls := 0
	attempts, err := Do(context.Background(), fastPolicy(5), func(context.Context) error {
		calls++
		return Permanent(bad)
	})
	if attempts != 1 || calls != 1 {
		t.Errorf("attempts = %d, calls = %d", attempts, calls)
	}
	if err != bad {
		t.Errorf("err = %v, want the unwrapped error", err)
	}
}

func TestDoHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := Policy{MaxAttempts: 10, InitialDelay: time.Hour, MaxDelay: time.Hour}
	done := make(chan error, 1)
	go func() {
		_, err := Do(ctx, policy, func(context.Context) error { return errors.New("down") })
		done <- err
	}()
	cancel()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected error")
		}
	case <-time.After(time.Second):
		t.Fatal("Do did not stop on cancel")
	}

	attempts, err := Do(ctx, fastPolicy(3), func(context.Context) error { return nil })
	if attempts != 0 || !errors.Is(err, context.Canceled) {
		t.Errorf("canceled before start: attempts = %d, err = %v", attempts, err)
	}
}

func TestDoValue(t *testing.T) {
	calls := 0
	v, attempts, err := DoValue(context.Background(), fastPolicy(3), func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("later")
		}
		return "ok", nil
	})
	if v != "ok" || attempts != 2 || err != nil {
		t.Fatalf("DoValue() = %q, %d, %v", v, attempts, err)
	}
}

func TestPolicyDelay(t *testing.T) {
	p := Policy{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Factor: 2}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second, time.Second}
	for i, w := range want {
		if got := p.Delay(i + 1); got != w {
			t.Errorf("Delay(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestPermanentNil(t *testing.T) {
	if Permanent(nil) != nil {
		t.Fatal("Permanent(nil) should be nil")
	}
	if IsPermanent(errors.New("x")) {
		t.Fatal("plain error reported permanent")
	}
}
