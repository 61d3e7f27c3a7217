package reconcile

import (
	"context"
	"sync"
)

// keyLocks serializes reconciliations per correlation id. Different keys
// never contend; acquiring the same key blocks until the holder releases
// or the caller's context expires.
type keyLocks struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

func newKeyLocks() *keyLocks {
	return &keyLocks{held: make(map[string]chan struct{})}
}

// acquire takes the lock for key, waiting until it is free or ctx is
// done. The returned channel is closed by release.
func (k *keyLocks) acquire(ctx context.Context, key string) error {
	for {
		k.mu.Lock()
		waitCh, taken := k.held[key]
		if !taken {
			k.held[key] = make(chan struct{})
			k.mu.Unlock()
			return nil
		}
		k.mu.Unlock()

		select {
		case <-waitCh:
			// Holder released; race for it again.
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (k *keyLocks) release(key string) {
	k.mu.Lock()
	ch := k.held[key]
	delete(k.held, key)
	k.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}
