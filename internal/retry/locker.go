package retry

import (
	"context"
	"fmt"
	"sync"

	"github.com/kursadbilgin/message-dispatch/internal/domain"
)

// Locker grants exclusive access to a key. Acquire returns domain.ErrLocked
// without blocking when the key is already held.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// LocalLocker is an in-process Locker for single-instance deployments and tests.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]struct{})}
}

func (l *LocalLocker) Acquire(ctx context.Context, key string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[key]; ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrLocked, key)
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}

func messageLockKey(id string) string {
	return "message:" + id
}
