package khl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"

	"github.com/jdelaire/telebots/internal/store"
)

const (
	// EventMatch carries (game name, message) for every new broadcast line.
	EventMatch = "match_event"
	listTTL    = 10 * time.Minute
)

var (
	ErrUnknownGame = errors.New("unknown game")
	ErrNotWatched  = errors.New("game is not watched")
)

// EventSink receives match events. core.Dispatcher implements it.
type EventSink interface {
	DispatchEvent(ctx context.Context, name string, data ...any)
}

// WatchStore persists watched games across restarts.
type WatchStore interface {
	PutWatch(w store.Watch) error
	DeleteWatch(gameID string) error
	Watches() ([]store.Watch, error)
}

type tracked struct {
	game        Game
	seen        map[string]bool
	primed      bool
	lastUpdated time.Time
}

// Watcher polls watched games on a gocron schedule and forwards new events.
type Watcher struct {
	client   *Client
	store    WatchStore
	sink     EventSink
	logger   *slog.Logger
	clock    clockwork.Clock
	interval time.Duration
	idle     time.Duration

	mu          sync.Mutex
	games       map[int]Game
	listUpdated time.Time
	watched     map[int]*tracked
	sched       gocron.Scheduler
}

// NewWatcher creates a watcher. store may be nil.
func NewWatcher(client *Client, st WatchStore, sink EventSink, interval, idle time.Duration, logger *slog.Logger) *Watcher {
	return &Watcher{
		client:   client,
		store:    st,
		sink:     sink,
		logger:   logger,
		clock:    clockwork.NewRealClock(),
		interval: interval,
		idle:     idle,
		games:    make(map[int]Game),
		watched:  make(map[int]*tracked),
	}
}

// WithClock replaces the clock used for idle tracking and scheduling.
func (w *Watcher) WithClock(c clockwork.Clock) *Watcher {
	w.clock = c
	return w
}

// Start restores persisted watches and schedules the poll job.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.restore(); err != nil {
		w.logger.Warn("failed to restore watches", "error", err)
	}

	s, err := gocron.NewScheduler(
		gocron.WithClock(w.clock),
		gocron.WithLogger(w.logger),
	)
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.DurationJob(w.interval),
		gocron.NewTask(func() { w.Tick(ctx) }),
		gocron.WithName("khl-watch"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("schedule watch job: %w", err)
	}

	w.mu.Lock()
	w.sched = s
	w.mu.Unlock()

	s.Start()
	w.logger.Info("khl watcher started", "interval", w.interval, "idle_timeout", w.idle)
	return nil
}

// Shutdown stops the schedule and waits for a running tick.
func (w *Watcher) Shutdown() error {
	w.mu.Lock()
	s := w.sched
	w.sched = nil
	w.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Shutdown()
}

func (w *Watcher) restore() error {
	if w.store == nil {
		return nil
	}
	watches, err := w.store.Watches()
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, sw := range watches {
		id, err := strconv.Atoi(sw.GameID)
		if err != nil {
			w.logger.Warn("ignoring stored watch", "game_id", sw.GameID)
			continue
		}
		w.watched[id] = &tracked{
			game:        Game{ID: id, Name: sw.GameID},
			seen:        make(map[string]bool),
			lastUpdated: w.clock.Now(),
		}
		w.logger.Debug("restored watch", "game_id", id, "chat_id", sw.ChatID, "since", sw.Since)
	}
	if len(watches) > 0 {
		w.logger.Info("restored watches", "count", len(watches))
	}
	return nil
}

// Games returns the cached game list, refreshing it when stale.
func (w *Watcher) Games(ctx context.Context) ([]Game, error) {
	if err := w.refresh(ctx, false); err != nil {
		return nil, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Game, 0, len(w.games))
	for _, g := range w.games {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (w *Watcher) refresh(ctx context.Context, force bool) error {
	w.mu.Lock()
	fresh := !w.listUpdated.IsZero() && w.clock.Since(w.listUpdated) < listTTL
	w.mu.Unlock()
	if fresh && !force {
		return nil
	}

	games, err := w.client.Games(ctx)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.games = make(map[int]Game, len(games))
	for _, g := range games {
		w.games[g.ID] = g
		if t, ok := w.watched[g.ID]; ok {
			t.game = g
		}
	}
	w.listUpdated = w.clock.Now()
	w.logger.Debug("game list refreshed", "games", len(games))
	return nil
}

// Watch starts following game id. chatID is recorded with the persisted
// watch as the requester; match events still go to every admin. added is
// false when the game was already watched.
func (w *Watcher) Watch(ctx context.Context, id int, chatID int64) (game Game, added bool, err error) {
	w.mu.Lock()
	_, known := w.games[id]
	w.mu.Unlock()
	if !known {
		if err := w.refresh(ctx, true); err != nil {
			return Game{}, false, err
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	g, ok := w.games[id]
	if !ok {
		return Game{}, false, ErrUnknownGame
	}
	if _, ok := w.watched[id]; ok {
		return g, false, nil
	}

	now := w.clock.Now()
	w.watched[id] = &tracked{
		game:        g,
		seen:        make(map[string]bool),
		primed:      true,
		lastUpdated: now,
	}
	if w.store != nil {
		if err := w.store.PutWatch(store.Watch{GameID: strconv.Itoa(id), ChatID: chatID, Since: now}); err != nil {
			w.logger.Warn("failed to persist watch", "game_id", id, "error", err)
		}
	}
	w.logger.Info("watching game", "game", g)
	return g, true, nil
}

// Unwatch stops following game id.
func (w *Watcher) Unwatch(id int) (Game, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.watched[id]
	if !ok {
		return Game{}, ErrNotWatched
	}
	w.drop(id)
	return t.game, nil
}

// UnwatchAll stops following every game and returns how many were dropped.
func (w *Watcher) UnwatchAll() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := len(w.watched)
	for id := range w.watched {
		w.drop(id)
	}
	return n
}

// Watched lists the followed games ordered by id.
func (w *Watcher) Watched() []Game {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Game, 0, len(w.watched))
	for _, t := range w.watched {
		out = append(out, t.game)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// drop must be called with w.mu held.
func (w *Watcher) drop(id int) {
	delete(w.watched, id)
	if w.store == nil {
		return
	}
	if err := w.store.DeleteWatch(strconv.Itoa(id)); err != nil && !errors.Is(err, store.ErrNotFound) {
		w.logger.Warn("failed to delete watch", "game_id", id, "error", err)
	}
}

type pending struct {
	name     string
	messages []string
}

// Tick fetches every watched game once, forwards unseen events oldest
// first and drops games that stayed silent longer than the idle timeout.
func (w *Watcher) Tick(ctx context.Context) {
	if err := w.refresh(ctx, false); err != nil {
		w.logger.Warn("game list refresh failed", "error", err)
	}

	w.mu.Lock()
	targets := make(map[int]Game, len(w.watched))
	for id, t := range w.watched {
		targets[id] = t.game
	}
	w.mu.Unlock()

	var out []pending
	for id, g := range targets {
		if g.Link == "" {
			continue
		}
		_, events, err := w.client.Events(ctx, g.Link)
		if err != nil {
			w.logger.Warn("game fetch failed", "game", g, "error", err)
			continue
		}
		if p, ok := w.collect(id, events); ok {
			out = append(out, p)
		}
	}

	out = append(out, w.expire()...)

	for _, p := range out {
		for _, m := range p.messages {
			w.sink.DispatchEvent(ctx, EventMatch, p.name, m)
		}
	}
}

// collect records events and returns the unseen ones. The page lists
// newest first, so the result is reversed.
func (w *Watcher) collect(id int, events []Event) (pending, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.watched[id]
	if !ok {
		return pending{}, false
	}

	var fresh []string
	for _, e := range events {
		h := e.Hash()
		if t.seen[h] {
			continue
		}
		t.seen[h] = true
		fresh = append([]string{e.Message()}, fresh...)
	}

	if !t.primed {
		// First fetch after a restart: history was already delivered.
		t.primed = true
		return pending{}, false
	}
	if len(fresh) == 0 {
		return pending{}, false
	}
	t.lastUpdated = w.clock.Now()
	return pending{name: t.game.Name, messages: fresh}, true
}

func (w *Watcher) expire() []pending {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []pending
	now := w.clock.Now()
	for id, t := range w.watched {
		if now.Sub(t.lastUpdated) <= w.idle {
			continue
		}
		w.logger.Info("game idle, stop watching", "game", t.game, "idle", now.Sub(t.lastUpdated))
		w.drop(id)
		out = append(out, pending{name: t.game.Name, messages: []string{"Stop watching " + t.game.Name}})
	}
	return out
}
