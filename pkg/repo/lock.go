package repo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

const lockPollInterval = 50 * time.Millisecond

// repoLock serialises writers to the shared working copy: a mutex for
// goroutines in this process and an flock for other worker processes
// sharing the same repository.
type repoLock struct {
	mu   sync.Mutex
	path string
}

func newRepoLock(path string) *repoLock {
	return &repoLock{path: path}
}

// acquire blocks until the lock is held or ctx is done.
func (l *repoLock) acquire(ctx context.Context) (release func(), err error) {
	locked := make(chan struct{})
	go func() {
		l.mu.Lock()
		close(locked)
	}()
	select {
	case <-locked:
	case <-ctx.Done():
		// Hand the mutex back once the goroutine gets it.
		go func() {
			<-locked
			l.mu.Unlock()
		}()
		return nil, ctx.Err()
	}

	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		l.mu.Unlock()
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	for {
		err = unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			file.Close()
			l.mu.Unlock()
			return nil, fmt.Errorf("flock %s: %w", l.path, err)
		}
		select {
		case <-ctx.Done():
			file.Close()
			l.mu.Unlock()
			return nil, ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}

	return func() {
		_ = unix.Flock(int(file.Fd()), unix.LOCK_UN)
		file.Close()
		l.mu.Unlock()
	}, nil
}
