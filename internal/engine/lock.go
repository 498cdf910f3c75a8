package engine

import (
	"context"
	"sync"
)

// LocalTurnLocker is an in-process TurnLocker for single-node deployments
type LocalTurnLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocalTurnLocker creates an empty locker
func NewLocalTurnLocker() *LocalTurnLocker {
	return &LocalTurnLocker{held: make(map[string]struct{})}
}

// TryLock takes the session's turn lock if it is free
func (l *LocalTurnLocker) TryLock(_ context.Context, sessionID string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.held[sessionID]; busy {
		return nil, false, nil
	}
	l.held[sessionID] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, sessionID)
			l.mu.Unlock()
		})
	}, true, nil
}
