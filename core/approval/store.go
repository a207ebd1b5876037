// Package approval holds confirmations for destructive commands. A command
// parks its action here and offers the token on a button; pressing it
// consumes the token in the same chat.
package approval

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const (
	expiry     = 2 * time.Minute
	maxPending = 100
)

var (
	ErrUnknown   = errors.New("unknown or expired confirmation")
	ErrWrongChat = errors.New("confirmation belongs to a different chat")
)

// Action is a parked command waiting for confirmation.
type Action struct {
	ChatID int64
	Name   string
	Arg    string
}

type pending struct {
	action    Action
	createdAt time.Time
}

// Store holds pending confirmations.
type Store struct {
	mu    sync.Mutex
	items map[string]pending
	clock clockwork.Clock
}

// New creates a store.
func New() *Store {
	return NewWithClock(clockwork.NewRealClock())
}

// NewWithClock creates a store using clock for expiry.
func NewWithClock(clock clockwork.Clock) *Store {
	return &Store{
		items: make(map[string]pending),
		clock: clock,
	}
}

// Create parks a and returns its token.
func (s *Store) Create(a Action) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneLocked()
	if len(s.items) >= maxPending {
		return "", fmt.Errorf("too many pending confirmations")
	}

	token := uuid.NewString()
	s.items[token] = pending{action: a, createdAt: s.clock.Now()}
	return token, nil
}

// Consume removes and returns the action parked under token. A token from
// another chat is left in place.
func (s *Store) Consume(token string, chatID int64) (Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneLocked()
	p, ok := s.items[token]
	if !ok {
		return Action{}, ErrUnknown
	}
	if p.action.ChatID != chatID {
		return Action{}, ErrWrongChat
	}
	delete(s.items, token)
	return p.action, nil
}

// Pending returns the number of live confirmations.
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	return len(s.items)
}

func (s *Store) pruneLocked() {
	now := s.clock.Now()
	for token, p := range s.items {
		if now.Sub(p.createdAt) > expiry {
			delete(s.items, token)
		}
	}
}
