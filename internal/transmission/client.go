// Package transmission is a minimal Transmission RPC client.
package transmission

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

const sessionHeader = "X-Transmission-Session-Id"

// Torrent status codes reported by torrent-get.
const (
	StatusStopped      = 0
	StatusCheckWait    = 1
	StatusCheck        = 2
	StatusDownloadWait = 3
	StatusDownload     = 4
	StatusSeedWait     = 5
	StatusSeed         = 6
)

var torrentFields = []string{
	"id", "name", "status", "percentDone", "errorString",
	"downloadDir", "totalSize", "comment", "hashString",
}

// Torrent is the subset of torrent-get fields the bot shows.
type Torrent struct {
	ID          int     `json:"id"`
	Name        string  `json:"name"`
	Status      int     `json:"status"`
	PercentDone float64 `json:"percentDone"`
	Error       string  `json:"errorString"`
	DownloadDir string  `json:"downloadDir"`
	TotalSize   int64   `json:"totalSize"`
	Comment     string  `json:"comment"`
	HashString  string  `json:"hashString"`
}

// StatusText names the torrent status.
func (t Torrent) StatusText() string {
	switch t.Status {
	case StatusStopped:
		return "stopped"
	case StatusCheckWait, StatusCheck:
		return "checking"
	case StatusDownloadWait:
		return "queued"
	case StatusDownload:
		return "downloading"
	case StatusSeedWait, StatusSeed:
		return "seeding"
	default:
		return "unknown"
	}
}

// Added describes the torrent created (or found) by torrent-add.
type Added struct {
	ID        int    `json:"id"`
	Name      string `json:"name"`
	Duplicate bool   `json:"-"`
}

type request struct {
	Method    string `json:"method"`
	Arguments any    `json:"arguments,omitempty"`
}

type response struct {
	Result    string          `json:"result"`
	Arguments json.RawMessage `json:"arguments"`
}

// Client talks to one Transmission daemon. It is safe for concurrent use.
type Client struct {
	url  string
	http *http.Client

	mu      sync.Mutex
	session string
}

// New creates a client for the RPC endpoint
// (http://host:9091/transmission/rpc).
func New(rpcURL string) *Client {
	return &Client{
		url:  rpcURL,
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

// Call performs an RPC method. A 409 answer carries a fresh session id; the
// request is repeated once with it.
func (c *Client) Call(ctx context.Context, method string, args any, out any) error {
	body, err := json.Marshal(request{Method: method, Arguments: args})
	if err != nil {
		return fmt.Errorf("encode %s: %w", method, err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		resp, err := c.post(ctx, body)
		if err != nil {
			return fmt.Errorf("%s: %w", method, err)
		}

		if resp.StatusCode == http.StatusConflict {
			id := resp.Header.Get(sessionHeader)
			resp.Body.Close()
			if id == "" {
				return fmt.Errorf("%s: conflict without session id", method)
			}
			c.mu.Lock()
			c.session = id
			c.mu.Unlock()
			continue
		}

		err = decode(method, resp, out)
		resp.Body.Close()
		return err
	}
	return fmt.Errorf("%s: session handshake failed", method)
}

func (c *Client) post(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.mu.Lock()
	if c.session != "" {
		req.Header.Set(sessionHeader, c.session)
	}
	c.mu.Unlock()
	return c.http.Do(req)
}

func decode(method string, resp *http.Response, out any) error {
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: status %d: %s", method, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var r response
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return fmt.Errorf("%s: decode response: %w", method, err)
	}
	if r.Result != "success" {
		return fmt.Errorf("%s: %s", method, r.Result)
	}
	if out == nil || len(r.Arguments) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Arguments, out); err != nil {
		return fmt.Errorf("%s: decode arguments: %w", method, err)
	}
	return nil
}

// Torrents lists every torrent.
func (c *Client) Torrents(ctx context.Context) ([]Torrent, error) {
	var out struct {
		Torrents []Torrent `json:"torrents"`
	}
	if err := c.Call(ctx, "torrent-get", map[string]any{"fields": torrentFields}, &out); err != nil {
		return nil, err
	}
	return out.Torrents, nil
}

// AddURL adds a torrent by URL or magnet link.
func (c *Client) AddURL(ctx context.Context, link, downloadDir string) (Added, error) {
	args := map[string]any{"filename": link}
	if downloadDir != "" {
		args["download-dir"] = downloadDir
	}
	return c.add(ctx, args)
}

// AddMetainfo adds a torrent from .torrent file contents.
func (c *Client) AddMetainfo(ctx context.Context, metainfo []byte, downloadDir string) (Added, error) {
	args := map[string]any{"metainfo": base64.StdEncoding.EncodeToString(metainfo)}
	if downloadDir != "" {
		args["download-dir"] = downloadDir
	}
	return c.add(ctx, args)
}

func (c *Client) add(ctx context.Context, args map[string]any) (Added, error) {
	var out struct {
		Added     *Added `json:"torrent-added"`
		Duplicate *Added `json:"torrent-duplicate"`
	}
	if err := c.Call(ctx, "torrent-add", args, &out); err != nil {
		return Added{}, err
	}
	switch {
	case out.Added != nil:
		return *out.Added, nil
	case out.Duplicate != nil:
		d := *out.Duplicate
		d.Duplicate = true
		return d, nil
	default:
		return Added{}, fmt.Errorf("torrent-add: empty response")
	}
}

// Remove deletes torrents by id, keeping downloaded data.
func (c *Client) Remove(ctx context.Context, ids ...int) error {
	return c.Call(ctx, "torrent-remove", map[string]any{"ids": ids}, nil)
}
