package ops

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"

	"github.com/jdelaire/telebots/core"
	"github.com/jdelaire/telebots/internal/khl"
)

// GameWatcher is the part of khl.Watcher the handler drives.
type GameWatcher interface {
	Games(ctx context.Context) ([]khl.Game, error)
	Watch(ctx context.Context, id int, chatID int64) (khl.Game, bool, error)
	Unwatch(id int) (khl.Game, error)
	UnwatchAll() int
}

// KHLHandler lets admins pick hockey games to follow and relays the
// watcher's match events.
type KHLHandler struct {
	watcher GameWatcher
}

func NewKHLHandler(w GameWatcher) *KHLHandler {
	return &KHLHandler{watcher: w}
}

func (h *KHLHandler) Name() string { return "khl" }

func (h *KHLHandler) Commands() []core.CommandSpec {
	return []core.CommandSpec{
		{Name: "/games", Description: "Today's KHL games", Run: h.games},
		{Name: "/watch", Description: "Follow a game: /watch <id>", Run: h.watch},
		{Name: "/stop", Description: "Stop following a game, or all games", Run: h.stop},
	}
}

func (h *KHLHandler) Events() []core.EventSpec {
	return []core.EventSpec{{Name: khl.EventMatch, Run: h.matchEvent}}
}

func (h *KHLHandler) games(ctx context.Context, _ core.Command) (core.Response, error) {
	games, err := h.watcher.Games(ctx)
	if err != nil {
		return nil, err
	}
	if len(games) == 0 {
		return core.TextReply("No games today"), nil
	}
	rows := make([][]core.Button, 0, len(games))
	for _, g := range games {
		label := g.Name
		if g.State != "" {
			label += " (" + g.State + ")"
		}
		rows = append(rows, []core.Button{{Text: label, CallbackData: fmt.Sprintf("/watch %d", g.ID)}})
	}
	return core.Reply(core.Text("Which game?").WithMarkup(core.Keyboard(rows...))), nil
}

func (h *KHLHandler) watch(ctx context.Context, cmd core.Command) (core.Response, error) {
	id, err := strconv.Atoi(cmd.Arg(0))
	if err != nil {
		return core.TextReply("Need a game id"), nil
	}
	g, added, err := h.watcher.Watch(ctx, id, cmd.Update.ChatID)
	switch {
	case errors.Is(err, khl.ErrUnknownGame):
		return core.TextReply("Can't find this game"), nil
	case err != nil:
		return nil, err
	case !added:
		return core.TextReply(fmt.Sprintf("Game %s already watched", g.Name)), nil
	}
	return core.TextReply(fmt.Sprintf("Begin watching game %s", g.Name)), nil
}

func (h *KHLHandler) stop(_ context.Context, cmd core.Command) (core.Response, error) {
	if len(cmd.Args) == 0 {
		h.watcher.UnwatchAll()
		return core.TextReply("Stop watching all games"), nil
	}
	id, err := strconv.Atoi(cmd.Arg(0))
	if err != nil {
		return core.TextReply("Need a game id"), nil
	}
	g, err := h.watcher.Unwatch(id)
	if errors.Is(err, khl.ErrNotWatched) {
		return core.TextReply(fmt.Sprintf("Game %d is not watched", id)), nil
	}
	if err != nil {
		return nil, err
	}
	return core.TextReply(fmt.Sprintf("Stop watching game %s", g.Name)), nil
}

// matchEvent expects (game name, message).
func (h *KHLHandler) matchEvent(_ context.Context, data ...any) (core.Response, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("expected game and message, got %d values", len(data))
	}
	game := fmt.Sprint(data[0])
	msg := fmt.Sprint(data[1])
	text := fmt.Sprintf("<b>%s</b>\n%s", html.EscapeString(game), html.EscapeString(msg))
	return core.Reply(core.Text(text).HTML()), nil
}
