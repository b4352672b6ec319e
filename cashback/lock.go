package cashback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrRunInProgress is returned when a batch for the same period is running.
var ErrRunInProgress = errors.New("cashback run already in progress")

// LocalLocker is a RunLocker for a single process. Expired entries are
// treated as free.
type LocalLocker struct {
	mu    sync.Mutex
	held  map[string]time.Time
	token uint64
	owner map[string]uint64
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: map[string]time.Time{}, owner: map[string]uint64{}}
}

func (l *LocalLocker) Acquire(_ context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if until, ok := l.held[key]; ok && time.Now().Before(until) {
		return nil, fmt.Errorf("%s: %w", key, ErrRunInProgress)
	}
	l.token++
	token := l.token
	l.held[key] = time.Now().Add(ttl)
	l.owner[key] = token

	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.owner[key] == token {
			delete(l.held, key)
			delete(l.owner, key)
		}
		return nil
	}, nil
}
