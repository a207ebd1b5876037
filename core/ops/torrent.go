package ops

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/jdelaire/telebots/core"
	"github.com/jdelaire/telebots/core/approval"
	"github.com/jdelaire/telebots/internal/transmission"
)

// EventDownloadDone announces a finished download. Its data is the text
// to relay.
const EventDownloadDone = "download_done"

// TorrentClient is the part of transmission.Client the handler uses.
type TorrentClient interface {
	Torrents(ctx context.Context) ([]transmission.Torrent, error)
	AddURL(ctx context.Context, link, downloadDir string) (transmission.Added, error)
	Remove(ctx context.Context, ids ...int) error
}

const actionRemove = "remove"

// TorrentHandler manages the torrent client from chat. Removal asks for
// confirmation through an inline button.
type TorrentHandler struct {
	client    TorrentClient
	approvals *approval.Store
}

func NewTorrentHandler(c TorrentClient) *TorrentHandler {
	return &TorrentHandler{client: c, approvals: approval.New()}
}

// WithApprovals replaces the confirmation store.
func (h *TorrentHandler) WithApprovals(s *approval.Store) *TorrentHandler {
	h.approvals = s
	return h
}

func (h *TorrentHandler) Name() string { return "torrent" }

func (h *TorrentHandler) Commands() []core.CommandSpec {
	return []core.CommandSpec{
		{Name: "/torrents", Description: "List torrents", Run: h.list},
		{Name: "/add", Description: "Add a torrent: /add <url|magnet>", Run: h.add},
		{Name: "/remove", Description: "Remove a torrent: /remove <id>", Run: h.remove},
		{Name: "/confirm", Description: "Confirm a pending removal", Run: h.confirm},
	}
}

func (h *TorrentHandler) Events() []core.EventSpec {
	return []core.EventSpec{{Name: EventDownloadDone, Run: h.downloadDone}}
}

func (h *TorrentHandler) list(ctx context.Context, _ core.Command) (core.Response, error) {
	torrents, err := h.client.Torrents(ctx)
	if err != nil {
		return nil, err
	}
	if len(torrents) == 0 {
		return core.TextReply("No torrents"), nil
	}

	var b strings.Builder
	for _, t := range torrents {
		fmt.Fprintf(&b, "%d. <b>%s</b> - %.2f%% done, %s, %s\n",
			t.ID, html.EscapeString(t.Name), t.PercentDone*100, t.StatusText(), humanize.Bytes(uint64(max(t.TotalSize, 0))))
		if t.Error != "" {
			fmt.Fprintf(&b, "   error: %s\n", html.EscapeString(t.Error))
		}
	}
	return core.Reply(core.Text(strings.TrimRight(b.String(), "\n")).HTML()), nil
}

func (h *TorrentHandler) add(ctx context.Context, cmd core.Command) (core.Response, error) {
	link := cmd.Arg(0)
	if link == "" {
		return core.TextReply("Usage: /add <url|magnet>"), nil
	}
	added, err := h.client.AddURL(ctx, link, "")
	if err != nil {
		return nil, err
	}
	if added.Duplicate {
		return core.TextReply(fmt.Sprintf("Torrent %q is already added", added.Name)), nil
	}
	return core.TextReply(fmt.Sprintf("Torrent %q added", added.Name)), nil
}

func (h *TorrentHandler) remove(_ context.Context, cmd core.Command) (core.Response, error) {
	id, err := strconv.Atoi(cmd.Arg(0))
	if err != nil || id <= 0 {
		return core.TextReply("Usage: /remove <id>"), nil
	}
	token, err := h.approvals.Create(approval.Action{
		ChatID: cmd.Update.ChatID,
		Name:   actionRemove,
		Arg:    strconv.Itoa(id),
	})
	if err != nil {
		return nil, err
	}
	msg := core.Text(fmt.Sprintf("Remove torrent %d?", id)).
		WithMarkup(core.Keyboard([]core.Button{{Text: "Remove", CallbackData: "/confirm " + token}}))
	return core.Reply(msg), nil
}

func (h *TorrentHandler) confirm(ctx context.Context, cmd core.Command) (core.Response, error) {
	a, err := h.approvals.Consume(cmd.Arg(0), cmd.Update.ChatID)
	if errors.Is(err, approval.ErrUnknown) || errors.Is(err, approval.ErrWrongChat) {
		return core.TextReply("Nothing to confirm"), nil
	}
	if err != nil {
		return nil, err
	}
	if a.Name != actionRemove {
		return nil, fmt.Errorf("unexpected action %q", a.Name)
	}

	id, err := strconv.Atoi(a.Arg)
	if err != nil {
		return nil, err
	}
	if err := h.client.Remove(ctx, id); err != nil {
		return nil, err
	}
	return core.TextReply(fmt.Sprintf("Torrent %d removed", id)), nil
}

func (h *TorrentHandler) downloadDone(_ context.Context, data ...any) (core.Response, error) {
	parts := make([]string, 0, len(data))
	for _, d := range data {
		parts = append(parts, fmt.Sprint(d))
	}
	text := strings.TrimSpace(strings.Join(parts, " "))
	if text == "" {
		return nil, nil
	}
	return core.TextReply("Download done: " + text), nil
}
