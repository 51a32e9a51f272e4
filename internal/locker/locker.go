package locker

import (
	"context"
	"sync"

	"jobfeed/internal/domain"
)

// TaskLocker serializes runs of the same task name. Acquire returns a
// release func; callers must release on every path, success or failure.
type TaskLocker interface {
	Acquire(ctx context.Context, name string) (release func(), err error)
}

// Local is the single-process implementation: a mutex map keyed by task
// name. Acquire does not block; a held lock is reported so the caller can
// requeue instead of piling up goroutines.
type Local struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewLocal() *Local {
	return &Local{held: make(map[string]bool)}
}

func (l *Local) Acquire(ctx context.Context, name string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held[name] {
		return nil, domain.ErrLockHeld
	}
	l.held[name] = true
	return func() {
		l.mu.Lock()
		delete(l.held, name)
		l.mu.Unlock()
	}, nil
}
