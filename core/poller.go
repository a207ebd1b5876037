package core

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const defaultBackoff = 30 * time.Second

// PollState is the state of the fetch loop.
type PollState int

const (
	StatePolling PollState = iota
	StateBackoff
	StateStopped
)

func (s PollState) String() string {
	switch s {
	case StatePolling:
		return "polling"
	case StateBackoff:
		return "backoff"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Poller drives the fetch-then-dispatch cycle. A failed fetch moves it to
// Backoff for a fixed delay, after which it resumes from the source's last
// committed cursor. Only an explicit stop ends the loop.
//
// At most one fetch and one dispatch are in flight at any time. It can run
// on its own goroutine (Start/Stop or Run) or be armed on a Scheduler that
// re-invokes it after each cycle.
type Poller struct {
	source  UpdateFetcher
	handler UpdateHandler
	logger  *slog.Logger
	backoff time.Duration

	mu       sync.Mutex
	state    PollState
	observer func(PollState)
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewPoller creates a Poller in the Polling state.
func NewPoller(source UpdateFetcher, handler UpdateHandler, logger *slog.Logger) *Poller {
	return &Poller{
		source:  source,
		handler: handler,
		logger:  logger,
		backoff: defaultBackoff,
		state:   StatePolling,
	}
}

// WithBackoff overrides the delay spent in Backoff.
func (p *Poller) WithBackoff(d time.Duration) *Poller {
	if d > 0 {
		p.backoff = d
	}
	return p
}

// OnStateChange registers a callback run on every transition.
func (p *Poller) OnStateChange(fn func(PollState)) *Poller {
	p.mu.Lock()
	p.observer = fn
	p.mu.Unlock()
	return p
}

// State returns the current state.
func (p *Poller) State() PollState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Poller) setState(s PollState) {
	p.mu.Lock()
	if p.state == s || p.state == StateStopped {
		p.mu.Unlock()
		return
	}
	p.state = s
	fn := p.observer
	p.mu.Unlock()

	p.logger.Debug("poller state changed", "state", s)
	if fn != nil {
		fn(s)
	}
}

// Cycle performs one fetch and dispatches the batch in order. It returns
// the delay to wait before the next cycle: zero after success, the backoff
// delay after a failed fetch. Dispatch is not interrupted by ctx.
func (p *Poller) Cycle(ctx context.Context) (time.Duration, error) {
	if p.State() == StateBackoff {
		p.logger.Info("resuming polling")
		p.setState(StatePolling)
	}

	updates, err := p.source.Fetch(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		p.logger.Error("fetch failed, backing off",
			"error", err, "transport", IsTransport(err), "delay", p.backoff)
		p.setState(StateBackoff)
		return p.backoff, err
	}

	dispatchCtx := context.WithoutCancel(ctx)
	for _, u := range updates {
		p.handler.Handle(dispatchCtx, u)
	}
	return 0, nil
}

// Run loops until ctx is cancelled. Cancellation is observed between
// cycles and during the backoff wait, never in the middle of a dispatch.
func (p *Poller) Run(ctx context.Context) {
	p.logger.Info("poller started", "backoff", p.backoff)
	defer p.logger.Info("poller stopped")
	defer p.setState(StateStopped)

	for {
		if ctx.Err() != nil {
			return
		}
		delay, _ := p.Cycle(ctx)
		if delay <= 0 {
			continue
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

// Start runs the loop on its own goroutine.
func (p *Poller) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	p.mu.Lock()
	p.cancel = cancel
	p.done = done
	p.mu.Unlock()

	go func() {
		defer close(done)
		p.Run(ctx)
	}()
}

// Stop signals the loop started by Start and blocks until the in-flight
// cycle has finished.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	if cancel == nil {
		p.setState(StateStopped)
		return
	}
	cancel()
	<-done
}

// Scheduler runs fn after a delay. Implementations that run every task on
// one goroutine give the cooperative model.
type Scheduler interface {
	After(delay time.Duration, fn func())
}

// Arm schedules the first cycle on s. Each cycle re-arms the next one with
// the delay it returned, until ctx is cancelled.
func (p *Poller) Arm(ctx context.Context, s Scheduler) {
	p.logger.Info("poller armed", "backoff", p.backoff)
	var step func()
	step = func() {
		if ctx.Err() != nil {
			p.setState(StateStopped)
			return
		}
		delay, _ := p.Cycle(ctx)
		if ctx.Err() != nil {
			p.setState(StateStopped)
			return
		}
		s.After(delay, step)
	}
	s.After(0, step)
}
