package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type spySink struct {
	mu        sync.Mutex
	broadcast []OutboundMessage
	events    []string
	eventData [][]any
	done      chan struct{}
}

func newSpySink() *spySink {
	return &spySink{done: make(chan struct{}, 16)}
}

func (s *spySink) Broadcast(_ context.Context, msgs ...OutboundMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcast = append(s.broadcast, msgs...)
}

func (s *spySink) DispatchEvent(_ context.Context, name string, data ...any) {
	s.mu.Lock()
	s.events = append(s.events, name)
	s.eventData = append(s.eventData, data)
	s.mu.Unlock()
	s.done <- struct{}{}
}

func (s *spySink) texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, m := range s.broadcast {
		out = append(out, m.Text)
	}
	return out
}

func setupTestServer(t *testing.T, sink EventSink) (*Server, string, context.CancelFunc) {
	t.Helper()
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "test.sock")
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	srv := NewServer(sockPath, sink, logger)
	ctx, cancel := context.WithCancel(context.Background())

	if err := srv.Start(ctx); err != nil {
		cancel()
		t.Fatalf("start server: %v", err)
	}

	return srv, sockPath, cancel
}

func sendRequest(t *testing.T, sockPath string, data []byte) Ack {
	t.Helper()
	conn, err := net.DialTimeout("unix", sockPath, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(2 * time.Second))

	if _, err := conn.Write(data); err != nil {
		t.Fatalf("write: %v", err)
	}
	// Signal we're done writing so server's ReadAll returns.
	conn.(*net.UnixConn).CloseWrite()

	var resp Ack
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func TestServer_NotifySuccess(t *testing.T) {
	sink := newSpySink()
	srv, sockPath, cancel := setupTestServer(t, sink)
	defer func() { cancel(); srv.Shutdown() }()

	data := []byte(`{"version":1,"action":"notify","payload":{"text":"hello","source":"test"}}`)
	resp := sendRequest(t, sockPath, data)

	if !resp.OK {
		t.Fatalf("expected ok, got error: %s", resp.Error)
	}
	if resp.ID == "" {
		t.Error("expected non-empty ID")
	}
	texts := sink.texts()
	if len(texts) != 1 {
		t.Fatalf("expected 1 broadcast, got %d", len(texts))
	}
	if texts[0] != "[test] hello" {
		t.Errorf("expected text [test] hello, got %s", texts[0])
	}
}

func TestServer_NotifyWithSourceStaysWithinLimit(t *testing.T) {
	sink := newSpySink()
	srv, sockPath, cancel := setupTestServer(t, sink)
	defer func() { cancel(); srv.Shutdown() }()

	text := strings.Repeat("x", MaxTextLen)
	data := []byte(`{"version":1,"action":"notify","payload":{"text":"` + text + `","source":"backup"}}`)
	if resp := sendRequest(t, sockPath, data); !resp.OK {
		t.Fatalf("expected ok, got error: %s", resp.Error)
	}

	texts := sink.texts()
	if len(texts) != 1 {
		t.Fatalf("expected 1 broadcast, got %d", len(texts))
	}
	if len(texts[0]) != MaxTextLen || !strings.HasPrefix(texts[0], "[backup] x") {
		t.Errorf("broadcast length = %d, prefix %q", len(texts[0]), texts[0][:12])
	}
}

func TestServer_EventDispatched(t *testing.T) {
	sink := newSpySink()
	srv, sockPath, cancel := setupTestServer(t, sink)
	defer func() { cancel(); srv.Shutdown() }()

	data := []byte(`{"version":1,"action":"event","payload":{"name":"download_done","data":["debian.iso","4.2 GB"]}}`)
	resp := sendRequest(t, sockPath, data)
	if !resp.OK {
		t.Fatalf("expected ok, got error: %s", resp.Error)
	}

	select {
	case <-sink.done:
	case <-time.After(2 * time.Second):
		t.Fatal("event was not dispatched")
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.events) != 1 || sink.events[0] != "download_done" {
		t.Fatalf("events = %v", sink.events)
	}
	if got := sink.eventData[0]; len(got) != 2 || got[0] != "debian.iso" || got[1] != "4.2 GB" {
		t.Errorf("event data = %v", got)
	}
}

func TestServer_InvalidJSON(t *testing.T) {
	srv, sockPath, cancel := setupTestServer(t, newSpySink())
	defer func() { cancel(); srv.Shutdown() }()

	resp := sendRequest(t, sockPath, []byte(`{bad`))
	if resp.OK {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestServer_UnknownAction(t *testing.T) {
	srv, sockPath, cancel := setupTestServer(t, newSpySink())
	defer func() { cancel(); srv.Shutdown() }()

	data := []byte(`{"version":1,"action":"delete","payload":{}}`)
	resp := sendRequest(t, sockPath, data)
	if resp.OK {
		t.Fatal("expected error for unknown action")
	}
	if !strings.Contains(resp.Error, "unknown action") {
		t.Errorf("unexpected error: %s", resp.Error)
	}
}

func TestServer_PayloadTooLarge(t *testing.T) {
	srv, sockPath, cancel := setupTestServer(t, newSpySink())
	defer func() { cancel(); srv.Shutdown() }()

	big := []byte(`{"version":1,"action":"notify","payload":{"text":"` + strings.Repeat("x", MaxPayloadBytes) + `"}}`)
	resp := sendRequest(t, sockPath, big)
	if resp.OK {
		t.Fatal("expected error for oversized payload")
	}
	if !strings.Contains(resp.Error, "byte limit") {
		t.Errorf("unexpected error: %s", resp.Error)
	}
}

func TestServer_SocketPermissions(t *testing.T) {
	srv, sockPath, cancel := setupTestServer(t, newSpySink())
	defer func() { cancel(); srv.Shutdown() }()

	info, err := os.Stat(sockPath)
	if err != nil {
		t.Fatalf("stat socket: %v", err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("expected socket permissions 0600, got %o", perm)
	}
}

func TestServer_DirectoryPermissions(t *testing.T) {
	// Use /tmp for shorter path - macOS Unix socket paths max 104 chars.
	dir, err := os.MkdirTemp("/tmp", "osd")
	if err != nil {
		t.Fatalf("mkdirtemp: %v", err)
	}
	defer os.RemoveAll(dir)

	subdir := filepath.Join(dir, "sub")
	sockPath := filepath.Join(subdir, "t.sock")
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	srv := NewServer(sockPath, newSpySink(), logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Shutdown()

	info, err := os.Stat(subdir)
	if err != nil {
		t.Fatalf("stat dir: %v", err)
	}
	perm := info.Mode().Perm()
	if perm != 0700 {
		t.Errorf("expected directory permissions 0700, got %o", perm)
	}
}

func TestServer_StaleSocketCleanup(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "test.sock")

	// Create a stale socket file.
	os.WriteFile(sockPath, []byte("stale"), 0600)

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	srv := NewServer(sockPath, newSpySink(), logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		t.Fatalf("start failed with stale socket: %v", err)
	}
	defer srv.Shutdown()

	// Verify server works.
	data := []byte(`{"version":1,"action":"notify","payload":{"text":"after cleanup"}}`)
	resp := sendRequest(t, sockPath, data)
	if !resp.OK {
		t.Fatalf("expected ok after stale cleanup, got: %s", resp.Error)
	}
}

func TestServer_GracefulShutdown(t *testing.T) {
	srv, sockPath, cancel := setupTestServer(t, newSpySink())

	cancel()
	srv.Shutdown()

	if _, err := os.Stat(sockPath); !os.IsNotExist(err) {
		t.Error("expected socket file to be removed after shutdown")
	}
}

func TestServer_MultipleConnections(t *testing.T) {
	sink := newSpySink()
	srv, sockPath, cancel := setupTestServer(t, sink)
	defer func() { cancel(); srv.Shutdown() }()

	for i := 0; i < 5; i++ {
		data := []byte(fmt.Sprintf(`{"version":1,"action":"notify","payload":{"text":"msg %d"}}`, i))
		resp := sendRequest(t, sockPath, data)
		if !resp.OK {
			t.Fatalf("request %d failed: %s", i, resp.Error)
		}
	}

	if n := len(sink.texts()); n != 5 {
		t.Errorf("expected 5 broadcasts, got %d", n)
	}
}
