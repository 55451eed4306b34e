package fc

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// ConfigLock serialises configuration operations on one connection. An
// operation may span several request/response round-trips (write, then
// read back) and no other operation's traffic interleaves with it.
type ConfigLock struct {
	g gate
}

// Do runs op while holding the lock. Waiters are admitted in FIFO order.
// The lock is released when op returns, fails or panics.
func (l *ConfigLock) Do(ctx context.Context, op func(ctx context.Context) error) (err error) {
	tok, err := l.g.acquire(ctx)
	if err != nil {
		return fmt.Errorf("config lock: %w", err)
	}
	defer func() {
		if !l.g.release(tok) {
			log.Debugf("[lock] release of revoked holder ignored")
		}
	}()
	return op(ctx)
}

// Held reports whether an operation currently owns the lock.
func (l *ConfigLock) Held() bool { return l.g.held() }

// ForceRelease revokes the current holder. It is called when the transport
// closes; the next waiter is admitted and fails fast on the closed link.
func (l *ConfigLock) ForceRelease() {
	l.g.forceRelease()
}

// WithLock runs op under l and returns its result.
func WithLock[T any](ctx context.Context, l *ConfigLock, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := l.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = op(ctx)
		return err
	})
	return out, err
}
