package core

import "context"

// CommandFunc runs a named command. A nil Response sends nothing.
type CommandFunc func(ctx context.Context, cmd Command) (Response, error)

// EventFunc runs a named event with event-specific positional data.
type EventFunc func(ctx context.Context, data ...any) (Response, error)

// CommandSpec binds a command name ("/status") to its operation.
type CommandSpec struct {
	Name        string
	Description string
	Run         CommandFunc
}

// EventSpec binds an event name ("sensor") to its operation.
type EventSpec struct {
	Name string
	Run  EventFunc
}

// Handler is a feature module sharing the bot transport. It declares its
// capability table once; the registry never inspects it again.
type Handler interface {
	Name() string
	Commands() []CommandSpec
	Events() []EventSpec
}

// Outbox lets handlers push messages without being asked.
type Outbox interface {
	Send(ctx context.Context, chatID int64, msgs ...OutboundMessage)
	Broadcast(ctx context.Context, msgs ...OutboundMessage)
}

// Binder is implemented by handlers that want the back-reference. Bind is
// called exactly once, when the handler is registered.
type Binder interface {
	Bind(out Outbox)
}

// MessageSender delivers one message to one chat.
type MessageSender interface {
	Send(ctx context.Context, chatID int64, msg OutboundMessage) error
}

// UpdateFetcher performs one long-poll fetch.
type UpdateFetcher interface {
	Fetch(ctx context.Context) ([]Update, error)
}
