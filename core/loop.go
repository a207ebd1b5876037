package core

import (
	"context"
	"sync"
	"time"
)

// Loop is a single-goroutine task runner. Tasks scheduled with After are
// executed one at a time, in the order their timers fire, by Run.
type Loop struct {
	tasks chan func()
	done  chan struct{}
	once  sync.Once
}

// NewLoop creates a Loop with a small task buffer.
func NewLoop() *Loop {
	return &Loop{
		tasks: make(chan func(), 16),
		done:  make(chan struct{}),
	}
}

// After queues fn to run on the loop goroutine once delay has elapsed.
// Tasks still pending when Run returns are dropped.
func (l *Loop) After(delay time.Duration, fn func()) {
	enqueue := func() {
		select {
		case l.tasks <- fn:
		case <-l.done:
		}
	}
	if delay <= 0 {
		select {
		case l.tasks <- fn:
		default:
			go enqueue()
		}
		return
	}
	time.AfterFunc(delay, enqueue)
}

// Run executes queued tasks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	defer l.once.Do(func() { close(l.done) })
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-l.tasks:
			fn()
		}
	}
}
