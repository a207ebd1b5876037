// Package khl scrapes the KHL online text broadcast pages and follows
// games, emitting new match events as they appear.
package khl

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

const leagueHeading = "КХЛ"

// Game is one entry of the online games list.
type Game struct {
	ID    int
	Name  string
	State string
	Link  string
}

func (g Game) String() string {
	return fmt.Sprintf("game %d %s state %q", g.ID, g.Name, g.State)
}

// Event is one line of a game's text broadcast.
type Event struct {
	Time string
	Text string
}

// Hash identifies an event across page refreshes.
func (e Event) Hash() string {
	sum := md5.Sum([]byte(e.Time + "_" + e.Text))
	return hex.EncodeToString(sum[:])
}

// Message renders the event as a chat line.
func (e Event) Message() string {
	if e.Time == "" {
		return e.Text
	}
	return e.Time + ": " + e.Text
}

// Client fetches and parses the broadcast pages.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the site rooted at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 20 * time.Second},
	}
}

func (c *Client) fetch(ctx context.Context, url string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}
	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", url, err)
	}
	return doc, nil
}

// Games returns the league games listed on the online page.
func (c *Client) Games(ctx context.Context) ([]Game, error) {
	doc, err := c.fetch(ctx, c.baseURL+"/online")
	if err != nil {
		return nil, err
	}

	var games []Game
	doc.Find("h4").Each(func(_ int, h *goquery.Selection) {
		if !strings.Contains(h.Text(), leagueHeading) {
			return
		}
		h.NextFiltered("div").ChildrenFiltered(".list-group-item").Each(func(_ int, item *goquery.Selection) {
			g, ok := c.parseGame(item)
			if ok {
				games = append(games, g)
			}
		})
	})
	return games, nil
}

func (c *Client) parseGame(item *goquery.Selection) (Game, bool) {
	title := strings.TrimSpace(item.Find(".list-group-item-heading").First().Text())
	num, name, found := strings.Cut(title, ".")
	if !found {
		return Game{}, false
	}
	id, err := strconv.Atoi(strings.TrimSpace(num))
	if err != nil {
		return Game{}, false
	}

	g := Game{
		ID:    id,
		Name:  strings.TrimSpace(name),
		State: strings.TrimSpace(item.Find(".list-group-item-text").First().Text()),
	}
	if href, ok := item.Attr("href"); ok && href != "" && href != "#" {
		g.Link = c.baseURL + "/online/" + strings.TrimLeft(href, "/")
	}
	return g, true
}

// Events returns the current game state line and its broadcast events in
// page order.
func (c *Client) Events(ctx context.Context, link string) (state string, events []Event, err error) {
	doc, err := c.fetch(ctx, link)
	if err != nil {
		return "", nil, err
	}

	doc.Find(".lead").Each(func(_ int, s *goquery.Selection) {
		state = strings.TrimSpace(s.Text())
	})

	doc.Find("#tab-game .list-group-item").Each(func(_ int, item *goquery.Selection) {
		var lines []string
		item.Find("p").Each(func(_ int, p *goquery.Selection) {
			lines = append(lines, strings.TrimSpace(p.Text()))
		})
		events = append(events, Event{
			Time: strings.TrimSpace(item.Find(".col-md-1").First().Text()),
			Text: strings.Join(lines, "\n"),
		})
	})
	return state, events, nil
}
