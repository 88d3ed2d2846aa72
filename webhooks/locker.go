package webhooks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
)

// Locker serializes work on a key across instances. Lock fails with
// ErrLockHeld when the key is already held. A held lock is kept alive
// until unlock is called, so ttl only bounds how long a crashed holder
// blocks others.
type Locker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

type redisLocker struct {
	client *redislock.Client
	logger *logrus.Logger
}

func NewRedisLocker(client *redislock.Client, logger *logrus.Logger) Locker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &redisLocker{client: client, logger: logger}
}

func (l *redisLocker) Lock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if l.client == nil {
		return nil, errors.New("service not ready (redis lock not initialized)")
	}
	lock, err := l.client.Obtain(ctx, key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrLockHeld
	}
	if err != nil {
		return nil, err
	}
	bg := context.WithoutCancel(ctx)
	stop := keepAlive(bg, ttl, func(ctx context.Context) error {
		err := lock.Refresh(ctx, ttl, nil)
		if err != nil {
			l.logger.WithField("lock_key", key).WithError(err).Error("lost lock while still holding it")
		}
		return err
	})
	return func() {
		stop()
		_ = lock.Release(bg)
	}, nil
}

// keepAlive calls refresh every ttl/3 until stop is called or a refresh
// fails. stop waits for the refresher to exit.
func keepAlive(ctx context.Context, ttl time.Duration, refresh func(context.Context) error) (stop func()) {
	interval := ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := refresh(ctx); err != nil {
					return
				}
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			<-exited
		})
	}
}

// MemoryLocker is a process-local Locker for single-instance runs and tests.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: map[string]bool{}}
}

func (l *MemoryLocker) Lock(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, ErrLockHeld
	}
	l.held[key] = true
	return func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}, nil
}
