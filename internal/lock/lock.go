// Package lock provides run locks for scheduled jobs. Local keeps them inside
// the process; Redis shares them between replicas.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrLockHeld = errors.New("lock held")

// Locker hands out a release func on success. Release is idempotent.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// Local is an in-process Locker. A zero ttl means the lock lives until
// released.
type Local struct {
	mu    sync.Mutex
	held  map[string]uint64
	until map[string]time.Time
	seq   uint64
	now   func() time.Time
}

func NewLocal() *Local {
	return &Local{
		held:  map[string]uint64{},
		until: map[string]time.Time{},
		now:   time.Now,
	}
}

func (l *Local) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if _, ok := l.held[key]; ok {
		exp, hasExp := l.until[key]
		if !hasExp || now.Before(exp) {
			return nil, ErrLockHeld
		}
	}
	l.seq++
	token := l.seq
	l.held[key] = token
	if ttl > 0 {
		l.until[key] = now.Add(ttl)
	} else {
		delete(l.until, key)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if l.held[key] == token {
				delete(l.held, key)
				delete(l.until, key)
			}
		})
	}, nil
}
