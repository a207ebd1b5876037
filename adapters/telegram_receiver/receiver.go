package telegram_receiver

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/jdelaire/telebots/core"
)

const (
	defaultPollTimeout = 60 * time.Second
	defaultLimit       = 100
	// Slack on top of the server-side wait before the request is abandoned.
	httpGrace = 10 * time.Second
)

// Caller is the part of the Bot API client the receiver needs.
type Caller interface {
	Call(ctx context.Context, method string, params any, out any) error
}

// CursorStore persists the committed cursor across restarts.
type CursorStore interface {
	LoadCursor() (int64, error)
	SaveCursor(cursor int64) error
}

type getUpdatesParams struct {
	Offset         int64    `json:"offset"`
	Timeout        int      `json:"timeout"`
	Limit          int      `json:"limit"`
	AllowedUpdates []string `json:"allowed_updates"`
}

type update struct {
	UpdateID      int64           `json:"update_id"`
	Message       json.RawMessage `json:"message"`
	CallbackQuery *callbackQuery  `json:"callback_query"`
}

type message struct {
	MessageID int64  `json:"message_id"`
	From      *user  `json:"from"`
	Chat      chat   `json:"chat"`
	Date      int64  `json:"date"`
	Text      string `json:"text"`
}

type callbackQuery struct {
	ID      string          `json:"id"`
	From    user            `json:"from"`
	Message json.RawMessage `json:"message"`
	Data    string          `json:"data"`
}

type user struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
}

func (u *user) name() string {
	if u == nil {
		return ""
	}
	if u.Username != "" {
		return u.Username
	}
	return u.FirstName
}

type chat struct {
	ID int64 `json:"id"`
}

// Source long-polls getUpdates and normalizes the batch. The cursor only
// advances once a whole batch has been received; the server drops the
// delivered updates on the next poll, which carries the new offset.
type Source struct {
	api     Caller
	logger  *slog.Logger
	timeout time.Duration
	limit   int
	store   CursorStore

	cursor int64
	loaded bool
}

// New creates a Source.
func New(api Caller, logger *slog.Logger) *Source {
	return &Source{
		api:     api,
		logger:  logger,
		timeout: defaultPollTimeout,
		limit:   defaultLimit,
	}
}

// WithPollTimeout sets the server-side long-poll wait.
func (s *Source) WithPollTimeout(d time.Duration) *Source {
	if d >= time.Second {
		s.timeout = d
	}
	return s
}

// WithLimit sets the batch size (1-100).
func (s *Source) WithLimit(n int) *Source {
	if n > 0 && n <= 100 {
		s.limit = n
	}
	return s
}

// WithCursorStore loads the cursor from store on first fetch and saves it
// after every batch.
func (s *Source) WithCursorStore(store CursorStore) *Source {
	s.store = store
	return s
}

// Cursor returns the next offset to request.
func (s *Source) Cursor() int64 {
	return s.cursor
}

// Fetch issues one long-poll request and returns the normalized batch.
// Callback queries are acknowledged here, before they are rewritten.
func (s *Source) Fetch(ctx context.Context) ([]core.Update, error) {
	s.loadCursor()

	pollCtx, cancel := context.WithTimeout(ctx, s.timeout+httpGrace)
	defer cancel()

	var raw []update
	err := s.api.Call(pollCtx, "getUpdates", getUpdatesParams{
		Offset:         s.cursor,
		Timeout:        int(s.timeout / time.Second),
		Limit:          s.limit,
		AllowedUpdates: []string{"message", "callback_query"},
	}, &raw)
	if err != nil {
		return nil, err
	}

	next := s.cursor
	var out []core.Update
	for _, u := range raw {
		if u.UpdateID < next {
			s.logger.Warn("skipping out-of-order update", "update_id", u.UpdateID, "cursor", next)
			continue
		}
		next = u.UpdateID + 1

		cu, ok := s.normalize(ctx, u)
		if !ok {
			s.logger.Debug("skipping unsupported update", "update_id", u.UpdateID)
			continue
		}
		out = append(out, cu)
	}

	s.commit(next)
	return out, nil
}

func (s *Source) normalize(ctx context.Context, u update) (core.Update, bool) {
	switch {
	case u.CallbackQuery != nil:
		return s.rewriteCallback(ctx, u.UpdateID, u.CallbackQuery), true
	case len(u.Message) > 0:
		var m message
		if err := json.Unmarshal(u.Message, &m); err != nil {
			s.logger.Warn("malformed message", "update_id", u.UpdateID, "error", err)
			return core.Update{}, false
		}
		var senderID int64
		if m.From != nil {
			senderID = m.From.ID
		}
		return core.Update{
			ID:         u.UpdateID,
			Kind:       core.KindMessage,
			SenderID:   senderID,
			SenderName: m.From.name(),
			ChatID:     m.Chat.ID,
			MessageID:  m.MessageID,
			Text:       m.Text,
			Date:       time.Unix(m.Date, 0),
			Raw:        u.Message,
		}, true
	default:
		return core.Update{}, false
	}
}

// rewriteCallback acknowledges the query and turns it into a message-shaped
// update whose text is the callback data.
func (s *Source) rewriteCallback(ctx context.Context, id int64, cq *callbackQuery) core.Update {
	if err := s.api.Call(ctx, "answerCallbackQuery", map[string]string{"callback_query_id": cq.ID}, nil); err != nil {
		s.logger.Warn("callback acknowledgement failed", "callback_id", cq.ID, "error", err)
	}

	chatID := cq.From.ID
	var msgID, date int64
	if len(cq.Message) > 0 {
		var m message
		if err := json.Unmarshal(cq.Message, &m); err == nil {
			chatID = m.Chat.ID
			msgID = m.MessageID
			date = m.Date
		}
	}

	return core.Update{
		ID:           id,
		Kind:         core.KindCallbackQuery,
		SenderID:     cq.From.ID,
		SenderName:   cq.From.name(),
		ChatID:       chatID,
		MessageID:    msgID,
		Text:         cq.Data,
		CallbackID:   cq.ID,
		CallbackData: cq.Data,
		Date:         time.Unix(date, 0),
		Raw:          cq.Message,
	}
}

func (s *Source) loadCursor() {
	if s.loaded {
		return
	}
	s.loaded = true
	if s.store == nil {
		return
	}
	cursor, err := s.store.LoadCursor()
	if err != nil {
		s.logger.Warn("failed to load cursor", "error", err)
		return
	}
	if cursor > s.cursor {
		s.cursor = cursor
		s.logger.Info("resuming from stored cursor", "cursor", cursor)
	}
}

func (s *Source) commit(next int64) {
	if next == s.cursor {
		return
	}
	s.cursor = next
	if s.store == nil {
		return
	}
	if err := s.store.SaveCursor(next); err != nil {
		s.logger.Warn("failed to save cursor", "cursor", next, "error", err)
	}
}
