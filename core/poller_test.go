package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// scriptedSource replays a fixed sequence of fetch results and keeps a
// cursor the way the real source does: it only advances after a batch is
// returned successfully.
type scriptedSource struct {
	mu      sync.Mutex
	steps   []func(cursor int64) ([]Update, error)
	cursor  int64
	offsets []int64
}

func (s *scriptedSource) Fetch(ctx context.Context) ([]Update, error) {
	s.mu.Lock()
	s.offsets = append(s.offsets, s.cursor)
	if len(s.steps) == 0 {
		s.mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	step := s.steps[0]
	s.steps = s.steps[1:]
	cursor := s.cursor
	s.mu.Unlock()

	updates, err := step(cursor)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	for _, u := range updates {
		if u.ID >= s.cursor {
			s.cursor = u.ID + 1
		}
	}
	s.mu.Unlock()
	return updates, nil
}

func batch(ids ...int64) func(int64) ([]Update, error) {
	return func(int64) ([]Update, error) {
		var out []Update
		for _, id := range ids {
			out = append(out, Update{ID: id, Text: "/ping"})
		}
		return out, nil
	}
}

func failing(msg string) func(int64) ([]Update, error) {
	return func(int64) ([]Update, error) {
		return nil, &TransportError{Op: "getUpdates", Err: errors.New(msg)}
	}
}

type recordingHandler struct {
	mu  sync.Mutex
	ids []int64
	hit chan int64
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{hit: make(chan int64, 64)}
}

func (h *recordingHandler) Handle(_ context.Context, u Update) {
	h.mu.Lock()
	h.ids = append(h.ids, u.ID)
	h.mu.Unlock()
	h.hit <- u.ID
}

func (h *recordingHandler) seen() []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]int64(nil), h.ids...)
}

func waitFor(t *testing.T, ch <-chan int64, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d of %d updates", i, n)
		}
	}
}

func TestPollerCycleDispatchesInOrder(t *testing.T) {
	src := &scriptedSource{steps: []func(int64) ([]Update, error){batch(5, 6, 7)}}
	h := newRecordingHandler()
	p := NewPoller(src, h, testLogger())

	delay, err := p.Cycle(context.Background())
	if err != nil || delay != 0 {
		t.Fatalf("Cycle = %v, %v", delay, err)
	}
	got := h.seen()
	if len(got) != 3 || got[0] != 5 || got[1] != 6 || got[2] != 7 {
		t.Errorf("dispatched %v, want [5 6 7]", got)
	}
	if p.State() != StatePolling {
		t.Errorf("state = %s, want polling", p.State())
	}
}

func TestPollerBackoffTransition(t *testing.T) {
	src := &scriptedSource{steps: []func(int64) ([]Update, error){
		failing("connection refused"),
		batch(1),
	}}
	var transitions []PollState
	p := NewPoller(src, newRecordingHandler(), testLogger()).
		WithBackoff(time.Minute).
		OnStateChange(func(s PollState) { transitions = append(transitions, s) })

	delay, err := p.Cycle(context.Background())
	if err == nil || !IsTransport(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if delay != time.Minute {
		t.Errorf("delay = %v, want 1m", delay)
	}
	if p.State() != StateBackoff {
		t.Fatalf("state = %s, want backoff", p.State())
	}

	if _, err := p.Cycle(context.Background()); err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if len(transitions) != 2 || transitions[0] != StateBackoff || transitions[1] != StatePolling {
		t.Errorf("transitions = %v, want [backoff polling]", transitions)
	}
}

func TestPollerResumesFromCommittedCursor(t *testing.T) {
	src := &scriptedSource{steps: []func(int64) ([]Update, error){
		batch(10, 11),
		failing("timeout"),
		batch(12),
	}}
	h := newRecordingHandler()
	p := NewPoller(src, h, testLogger()).WithBackoff(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	waitFor(t, h.hit, 3)
	cancel()
	p.Stop()

	src.mu.Lock()
	offsets := src.offsets[:3]
	src.mu.Unlock()
	if offsets[0] != 0 || offsets[1] != 12 || offsets[2] != 12 {
		t.Errorf("requested offsets %v, want [0 12 12]", offsets)
	}
	if got := h.seen(); len(got) != 3 || got[2] != 12 {
		t.Errorf("dispatched %v", got)
	}
	if p.State() != StateStopped {
		t.Errorf("state = %s, want stopped", p.State())
	}
}

type blockingHandler struct {
	entered  chan struct{}
	release  chan struct{}
	finished bool
	mu       sync.Mutex
}

func (h *blockingHandler) Handle(ctx context.Context, _ Update) {
	close(h.entered)
	<-h.release
	if ctx.Err() != nil {
		return
	}
	h.mu.Lock()
	h.finished = true
	h.mu.Unlock()
}

func TestPollerStopWaitsForDispatch(t *testing.T) {
	src := &scriptedSource{steps: []func(int64) ([]Update, error){batch(1)}}
	h := &blockingHandler{entered: make(chan struct{}), release: make(chan struct{})}
	p := NewPoller(src, h, testLogger())

	p.Start(context.Background())
	<-h.entered

	stopped := make(chan struct{})
	go func() {
		p.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while dispatch was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(h.release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.finished {
		t.Error("dispatch context was cancelled by Stop")
	}
}

func TestPollerArmOnLoop(t *testing.T) {
	src := &scriptedSource{steps: []func(int64) ([]Update, error){
		batch(1, 2),
		failing("reset"),
		batch(3),
	}}
	h := newRecordingHandler()
	p := NewPoller(src, h, testLogger()).WithBackoff(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	loop := NewLoop()
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	p.Arm(ctx, loop)
	waitFor(t, h.hit, 3)
	cancel()
	<-done

	if got := h.seen(); len(got) != 3 || got[0] != 1 || got[2] != 3 {
		t.Errorf("dispatched %v, want [1 2 3]", got)
	}
}

func TestPollStateString(t *testing.T) {
	for s, want := range map[PollState]string{
		StatePolling: "polling",
		StateBackoff: "backoff",
		StateStopped: "stopped",
	} {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", s, s.String(), want)
		}
	}
}
