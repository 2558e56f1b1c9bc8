// Package eventloop provides the single-threaded cooperative loop that drives scheduled work.
package eventloop

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"time"
)

// ErrStopped is returned by Run when the loop has already been stopped.
var ErrStopped = errors.New("event loop stopped")

// Scheduler is the subset of the loop handed to components that schedule work on it.
type Scheduler interface {
	Post(fn func()) bool
	PostDelayed(delay time.Duration, fn func()) bool
}

// Loop executes posted tasks one at a time on the goroutine that called Run. Posting is
// safe from any goroutine. The loop never drains to completion on its own: Run returns
// only when its context ends.
type Loop struct {
	logger *log.Logger

	mu      sync.Mutex
	queue   []func()
	timers  map[*time.Timer]struct{}
	stopped bool
	wake    chan struct{}
}

// New constructs a loop. A nil logger falls back to stdout.
func New(logger *log.Logger) *Loop {
	if logger == nil {
		logger = log.New(os.Stdout, "eventloop ", log.LstdFlags|log.Lmicroseconds)
	}
	return &Loop{
		logger:  logger,
		mu:      sync.Mutex{},
		queue:   nil,
		timers:  make(map[*time.Timer]struct{}),
		stopped: false,
		wake:    make(chan struct{}, 1),
	}
}

// Post enqueues fn for execution on the loop goroutine. It reports false once the loop stopped.
func (l *Loop) Post(fn func()) bool {
	if fn == nil {
		return false
	}
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// PostDelayed enqueues fn after delay has elapsed. A non-positive delay posts immediately.
func (l *Loop) PostDelayed(delay time.Duration, fn func()) bool {
	if fn == nil {
		return false
	}
	if delay <= 0 {
		return l.Post(fn)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return false
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		l.mu.Lock()
		delete(l.timers, timer)
		l.mu.Unlock()
		l.Post(fn)
	})
	l.timers[timer] = struct{}{}
	return true
}

// Run executes tasks until ctx is done. Pending tasks are discarded on exit.
func (l *Loop) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return ErrStopped
	}
	l.mu.Unlock()
	defer l.stop()

	for {
		for {
			task, ok := l.next()
			if !ok {
				break
			}
			l.execute(task)
			if ctx.Err() != nil {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-l.wake:
		}
	}
}

// Pending reports the number of queued tasks.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil, false
	}
	task := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return task, true
}

func (l *Loop) execute(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Printf("task panic recovered: %v", r)
		}
	}()
	task()
}

func (l *Loop) stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped = true
	l.queue = nil
	for timer := range l.timers {
		timer.Stop()
	}
	l.timers = map[*time.Timer]struct{}{}
}
