package chatnet

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBackoff_ExponentialWithCap(t *testing.T) {
	b := DefaultReconnectPolicy().newBackoff()

	want := []time.Duration{
		250 * time.Millisecond,
		500 * time.Millisecond,
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		4 * time.Second,
	}
	for i, w := range want {
		if got := b.next(); got != w {
			t.Errorf("backoff %d = %v, want %v", i+1, got, w)
		}
	}
}

func TestBackoff_Reset(t *testing.T) {
	b := ReconnectPolicy{InitialBackoff: time.Second, MaxBackoff: 30 * time.Second}.newBackoff()

	b.next() // 1s
	b.next() // 2s
	b.next() // 4s

	b.reset()

	if d := b.next(); d != time.Second {
		t.Errorf("after reset, backoff = %v, want 1s", d)
	}
}

func TestBackoff_InitialAboveCap(t *testing.T) {
	b := ReconnectPolicy{InitialBackoff: 10 * time.Second, MaxBackoff: time.Second}.newBackoff()
	if d := b.next(); d != time.Second {
		t.Errorf("backoff = %v, want capped 1s", d)
	}
}

func TestBackoff_WaitHonorsContext(t *testing.T) {
	b := ReconnectPolicy{InitialBackoff: time.Hour, MaxBackoff: time.Hour}.newBackoff()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := b.wait(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("wait() = %v, want context.Canceled", err)
	}
}

func TestBackoff_WaitElapses(t *testing.T) {
	b := ReconnectPolicy{InitialBackoff: 10 * time.Millisecond, MaxBackoff: 10 * time.Millisecond}.newBackoff()

	start := time.Now()
	if err := b.wait(context.Background()); err != nil {
		t.Fatalf("wait() error: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 10*time.Millisecond {
		t.Errorf("wait() returned after %v, want >= 10ms", elapsed)
	}
}

func TestDefaultReconnectPolicy(t *testing.T) {
	p := DefaultReconnectPolicy()
	if p.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", p.MaxAttempts)
	}
	if p.InitialBackoff != 250*time.Millisecond || p.MaxBackoff != 4*time.Second {
		t.Errorf("backoff = %v..%v, want 250ms..4s", p.InitialBackoff, p.MaxBackoff)
	}
}
