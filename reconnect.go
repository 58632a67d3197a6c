package chatnet

import (
	"context"
	"time"
)

// ReconnectPolicy bounds how a chat service replaces a session after a
// transient transport fault.
type ReconnectPolicy struct {
	// MaxAttempts is the number of reconnect attempts per fault. Zero
	// disables transparent reconnects.
	MaxAttempts int
	// InitialBackoff is the delay before the second attempt; the first is immediate.
	InitialBackoff time.Duration
	// MaxBackoff caps the exponential delay.
	MaxBackoff time.Duration
}

// DefaultReconnectPolicy retries up to 5 times, backing off from 250ms to 4s.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		MaxAttempts:    5,
		InitialBackoff: 250 * time.Millisecond,
		MaxBackoff:     4 * time.Second,
	}
}

// backoff doubles the delay between reconnect attempts up to a cap.
// It is only used under the service's lifecycle lock.
type backoff struct {
	policy ReconnectPolicy
	delay  time.Duration
}

func (p ReconnectPolicy) newBackoff() *backoff {
	return &backoff{policy: p, delay: p.InitialBackoff}
}

// next returns the current delay and doubles the one after it.
func (b *backoff) next() time.Duration {
	d := min(b.delay, b.policy.MaxBackoff)
	b.delay = min(b.delay*2, b.policy.MaxBackoff)
	return d
}

// wait sleeps for the next delay or until ctx is done.
func (b *backoff) wait(ctx context.Context) error {
	t := time.NewTimer(b.next())
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *backoff) reset() {
	b.delay = b.policy.InitialBackoff
}
