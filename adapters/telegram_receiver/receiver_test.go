package telegram_receiver_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jdelaire/telebots/adapters/telegram_receiver"
	"github.com/jdelaire/telebots/adapters/telegramapi"
	"github.com/jdelaire/telebots/core"
	"github.com/jdelaire/telebots/core/policy"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeBotAPI serves scripted getUpdates batches and records every call.
type fakeBotAPI struct {
	mu      sync.Mutex
	batches [][]map[string]any
	offsets []int64
	calls   []string
	acks    []string
}

func (f *fakeBotAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
	var params map[string]any
	json.NewDecoder(r.Body).Decode(&params)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, method)

	switch method {
	case "getUpdates":
		f.offsets = append(f.offsets, int64(params["offset"].(float64)))
		if len(f.batches) == 0 {
			// Nothing scripted: behave like an idle long poll.
			f.mu.Unlock()
			<-r.Context().Done()
			f.mu.Lock()
			return
		}
		result := f.batches[0]
		f.batches = f.batches[1:]
		if result == nil {
			result = []map[string]any{}
		}
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": result})
	case "answerCallbackQuery":
		f.acks = append(f.acks, params["callback_query_id"].(string))
		w.Write([]byte(`{"ok":true,"result":true}`))
	default:
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"ok":false,"error_code":404,"description":"Not Found"}`))
	}
}

func textUpdate(id int64, from int64, text string) map[string]any {
	return map[string]any{
		"update_id": id,
		"message": map[string]any{
			"message_id": id * 10,
			"from":       map[string]any{"id": from, "username": "alice"},
			"chat":       map[string]any{"id": from},
			"date":       time.Now().Unix(),
			"text":       text,
		},
	}
}

func newSource(t *testing.T, api *fakeBotAPI) *telegram_receiver.Source {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	client := telegramapi.New("tok", telegramapi.WithBaseURL(srv.URL))
	return telegram_receiver.New(client, testLogger()).WithPollTimeout(time.Second)
}

func TestFetchNormalizesMessage(t *testing.T) {
	api := &fakeBotAPI{batches: [][]map[string]any{{textUpdate(100, 42, "/status")}}}
	src := newSource(t, api)

	updates, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(updates) != 1 {
		t.Fatalf("got %d updates, want 1", len(updates))
	}
	u := updates[0]
	if u.ID != 100 || u.Kind != core.KindMessage || u.SenderID != 42 || u.ChatID != 42 || u.Text != "/status" {
		t.Errorf("update = %+v", u)
	}
	if u.SenderName != "alice" || u.MessageID != 1000 {
		t.Errorf("sender/message id = %q/%d", u.SenderName, u.MessageID)
	}
	if len(u.Raw) == 0 {
		t.Error("raw message was not passed through")
	}
}

func TestFetchAdvancesCursorAfterBatch(t *testing.T) {
	api := &fakeBotAPI{batches: [][]map[string]any{
		{textUpdate(200, 1, "a"), textUpdate(201, 1, "b")},
		nil,
	}}
	src := newSource(t, api)

	if _, err := src.Fetch(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := src.Fetch(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(api.offsets) != 2 || api.offsets[0] != 0 || api.offsets[1] != 202 {
		t.Errorf("offsets = %v, want [0 202]", api.offsets)
	}
	if src.Cursor() != 202 {
		t.Errorf("cursor = %d, want 202", src.Cursor())
	}
}

func TestFetchSkipsNonMonotonicIDs(t *testing.T) {
	api := &fakeBotAPI{batches: [][]map[string]any{
		{textUpdate(10, 1, "first")},
		{textUpdate(9, 1, "stale"), textUpdate(11, 1, "next"), textUpdate(11, 1, "dup")},
	}}
	src := newSource(t, api)

	src.Fetch(context.Background())
	updates, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(updates) != 1 || updates[0].Text != "next" {
		t.Errorf("updates = %+v, want only 'next'", updates)
	}
	if src.Cursor() != 12 {
		t.Errorf("cursor = %d, want 12", src.Cursor())
	}
}

func TestFetchCallbackAcknowledgedAndRewritten(t *testing.T) {
	api := &fakeBotAPI{batches: [][]map[string]any{{{
		"update_id": 300,
		"callback_query": map[string]any{
			"id":   "cb-1",
			"from": map[string]any{"id": 42, "first_name": "Bob"},
			"message": map[string]any{
				"message_id": 77,
				"chat":       map[string]any{"id": -500},
				"date":       time.Now().Unix(),
				"text":       "menu",
			},
			"data": "/sensor door",
		},
	}}}}
	src := newSource(t, api)

	updates, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if len(api.acks) != 1 || api.acks[0] != "cb-1" {
		t.Fatalf("acks = %v, want exactly [cb-1]", api.acks)
	}
	if len(updates) != 1 {
		t.Fatalf("got %d updates", len(updates))
	}
	u := updates[0]
	if u.Kind != core.KindCallbackQuery || u.Text != "/sensor door" || u.CallbackData != "/sensor door" {
		t.Errorf("update = %+v", u)
	}
	if u.SenderID != 42 || u.ChatID != -500 || u.MessageID != 77 || u.SenderName != "Bob" {
		t.Errorf("sender/chat = %d/%d/%d/%q", u.SenderID, u.ChatID, u.MessageID, u.SenderName)
	}
	if got := strings.Join(api.calls, ","); got != "getUpdates,answerCallbackQuery" {
		t.Errorf("call order = %s", got)
	}
}

type subHandler struct{}

func (subHandler) Name() string             { return "sub" }
func (subHandler) Events() []core.EventSpec { return nil }
func (subHandler) Commands() []core.CommandSpec {
	return []core.CommandSpec{{
		Name: "/sub",
		Run: func(_ context.Context, cmd core.Command) (core.Response, error) {
			return core.TextReply(fmt.Sprintf("subscribed %d %v", cmd.Update.ChatID, cmd.Args)), nil
		},
	}}
}

func TestCallbackDispatchesLikeTypedCommand(t *testing.T) {
	api := &fakeBotAPI{batches: [][]map[string]any{{
		textUpdate(600, 42, "/sub"),
		{
			"update_id": 601,
			"callback_query": map[string]any{
				"id":   "cb-sub",
				"from": map[string]any{"id": 42, "username": "alice"},
				"message": map[string]any{
					"message_id": 5,
					"chat":       map[string]any{"id": 42},
					"date":       time.Now().Unix(),
					"text":       "Camera",
				},
				"data": "/sub",
			},
		},
	}}}
	src := newSource(t, api)

	updates, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(updates) != 2 {
		t.Fatalf("got %d updates, want 2", len(updates))
	}

	d := core.NewDispatcher(policy.New([]int64{42}), core.NewRegistry(), nil, testLogger())
	if _, err := d.Register(subHandler{}); err != nil {
		t.Fatal(err)
	}

	typed := d.Process(context.Background(), updates[0])
	pressed := d.Process(context.Background(), updates[1])
	if len(typed) != 1 || len(pressed) != 1 {
		t.Fatalf("deliveries typed=%d pressed=%d, want 1 each", len(typed), len(pressed))
	}
	if typed[0].ChatID != pressed[0].ChatID || typed[0].Message.Text != pressed[0].Message.Text {
		t.Errorf("typed %+v, pressed %+v", typed[0], pressed[0])
	}
	if pressed[0].Message.Text != "subscribed 42 []" {
		t.Errorf("reply = %q", pressed[0].Message.Text)
	}
	if len(api.acks) != 1 || api.acks[0] != "cb-sub" {
		t.Errorf("acks = %v", api.acks)
	}
}

func TestFetchSkipsUnsupportedUpdates(t *testing.T) {
	api := &fakeBotAPI{batches: [][]map[string]any{{
		{"update_id": 400, "edited_message": map[string]any{"message_id": 1}},
		textUpdate(401, 1, "ok"),
	}}}
	src := newSource(t, api)

	updates, _ := src.Fetch(context.Background())
	if len(updates) != 1 || updates[0].ID != 401 {
		t.Errorf("updates = %+v", updates)
	}
	if src.Cursor() != 402 {
		t.Errorf("cursor = %d, want 402", src.Cursor())
	}
}

func TestFetchServerErrorIsTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprintln(w, "internal error")
	}))
	defer srv.Close()

	src := telegram_receiver.New(telegramapi.New("tok", telegramapi.WithBaseURL(srv.URL)), testLogger())
	_, err := src.Fetch(context.Background())
	if !core.IsTransport(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if src.Cursor() != 0 {
		t.Errorf("cursor moved on failure: %d", src.Cursor())
	}
}

func TestFetchContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	src := telegram_receiver.New(telegramapi.New("tok", telegramapi.WithBaseURL(srv.URL)), testLogger())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := src.Fetch(ctx)
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Error("expected error after cancellation")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("fetch did not return after context cancellation")
	}
}

type memCursor struct {
	cursor int64
	saves  []int64
}

func (m *memCursor) LoadCursor() (int64, error) { return m.cursor, nil }
func (m *memCursor) SaveCursor(c int64) error {
	m.cursor = c
	m.saves = append(m.saves, c)
	return nil
}

func TestFetchUsesCursorStore(t *testing.T) {
	api := &fakeBotAPI{batches: [][]map[string]any{{textUpdate(51, 1, "x")}}}
	store := &memCursor{cursor: 50}
	src := newSource(t, api).WithCursorStore(store)

	if _, err := src.Fetch(context.Background()); err != nil {
		t.Fatal(err)
	}
	if api.offsets[0] != 50 {
		t.Errorf("first offset = %d, want stored 50", api.offsets[0])
	}
	if len(store.saves) != 1 || store.saves[0] != 52 {
		t.Errorf("saves = %v, want [52]", store.saves)
	}
}

func TestPollerWithSourceDispatchesOnce(t *testing.T) {
	api := &fakeBotAPI{batches: [][]map[string]any{{textUpdate(1, 1, "/a"), textUpdate(2, 1, "/b")}}}
	src := newSource(t, api)

	var mu sync.Mutex
	var seen []int64
	hit := make(chan struct{}, 8)
	handler := updateHandlerFunc(func(_ context.Context, u core.Update) {
		mu.Lock()
		seen = append(seen, u.ID)
		mu.Unlock()
		hit <- struct{}{}
	})

	p := core.NewPoller(src, handler, testLogger())
	p.Start(context.Background())
	for i := 0; i < 2; i++ {
		select {
		case <-hit:
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for updates")
		}
	}
	p.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Errorf("seen = %v, want [1 2]", seen)
	}
}

type updateHandlerFunc func(context.Context, core.Update)

func (f updateHandlerFunc) Handle(ctx context.Context, u core.Update) { f(ctx, u) }
