package core

import (
	"context"
	"encoding/json"
	"time"
)

// UpdateKind tells where an Update originated.
type UpdateKind int

const (
	KindMessage UpdateKind = iota
	KindCallbackQuery
)

func (k UpdateKind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindCallbackQuery:
		return "callback_query"
	default:
		return "unknown"
	}
}

// Update is one inbound event, normalized from the remote wire shape.
// Callback queries arrive already rewritten into message shape: Text holds
// the callback data and CallbackData keeps the original value.
type Update struct {
	ID           int64
	Kind         UpdateKind
	SenderID     int64
	SenderName   string
	ChatID       int64
	MessageID    int64
	Text         string
	CallbackID   string
	CallbackData string
	Date         time.Time

	// Raw is the message envelope as received (location, document, contact...).
	Raw json.RawMessage
}

// Command is a parsed directive: "/name arg1 arg2".
type Command struct {
	Name   string
	Args   []string
	Update Update
}

// Arg returns the i-th argument or "" if absent.
func (c Command) Arg(i int) string {
	if i < 0 || i >= len(c.Args) {
		return ""
	}
	return c.Args[i]
}

// UpdateHandler consumes updates one at a time.
type UpdateHandler interface {
	Handle(ctx context.Context, u Update)
}
