package core

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jdelaire/telebots/core/policy"
)

const (
	defaultMaxSends    = 4
	defaultSendTimeout = 60 * time.Second
	opTimeout          = 60 * time.Second
)

// Dispatcher authorizes inbound updates, resolves them against the handler
// registry, invokes the matching operation and hands the result to the sender.
//
// Handler operations never run concurrently with each other: commands from
// the poller and events from other goroutines share one lock. Sends run
// outside the lock on a bounded group and may overlap.
type Dispatcher struct {
	policy   *policy.Policy
	registry *Registry
	sender   MessageSender
	logger   *slog.Logger

	limiter     FailureLimiter
	mu          sync.Mutex
	sends       errgroup.Group
	sendTimeout time.Duration
}

// FailureLimiter tracks unauthorized senders. ratelimit.Limiter implements it.
type FailureLimiter interface {
	Check(senderID int64) error
	RecordFailure(senderID int64) bool
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(pol *policy.Policy, reg *Registry, sender MessageSender, logger *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		policy:      pol,
		registry:    reg,
		sender:      sender,
		logger:      logger,
		sendTimeout: defaultSendTimeout,
	}
	d.sends.SetLimit(defaultMaxSends)
	return d
}

// WithSendLimit caps the number of sends in flight. Call before first use.
func (d *Dispatcher) WithSendLimit(n int) *Dispatcher {
	if n > 0 {
		d.sends.SetLimit(n)
	}
	return d
}

// WithSendTimeout bounds a single send.
func (d *Dispatcher) WithSendTimeout(timeout time.Duration) *Dispatcher {
	if timeout > 0 {
		d.sendTimeout = timeout
	}
	return d
}

// WithLimiter mutes senders that keep sending unauthorized commands.
func (d *Dispatcher) WithLimiter(l FailureLimiter) *Dispatcher {
	d.limiter = l
	return d
}

// Register adds a handler to the registry and gives it the back-reference.
// It returns command names shadowed by handlers registered earlier.
func (d *Dispatcher) Register(h Handler) ([]string, error) {
	shadowed, err := d.registry.Register(h)
	if err != nil {
		return nil, err
	}
	if b, ok := h.(Binder); ok {
		b.Bind(d)
	}
	return shadowed, nil
}

// Handle processes one update and sends whatever it produced.
func (d *Dispatcher) Handle(ctx context.Context, u Update) {
	d.deliver(ctx, d.Process(ctx, u))
}

// Process classifies an update, authorizes it, runs the resolved command and
// returns the messages to send. It performs no I/O of its own.
func (d *Dispatcher) Process(ctx context.Context, u Update) []Delivery {
	cmd, ok := ParseCommand(u)
	if !ok {
		d.logger.Debug("ignoring non-command update", "update_id", u.ID, "chat_id", u.ChatID)
		return nil
	}

	if d.policy.Check(u.SenderID) != policy.Allowed {
		d.reject(cmd, u)
		return nil
	}

	d.logger.Info("processing command",
		"command", cmd.Name, "args", strings.Join(cmd.Args, " "), "sender_id", u.SenderID, "kind", u.Kind)

	spec, found := d.registry.ResolveCommand(cmd.Name)
	if !found {
		return address([]int64{u.ChatID}, TextReply(d.commandList()))
	}

	resp, err := d.invoke(ctx, spec.Name, func(ctx context.Context) (Response, error) {
		return spec.Run(ctx, cmd)
	})
	if err != nil {
		d.logger.Error("command failed", "command", cmd.Name, "error", err)
		return address([]int64{u.ChatID}, TextReply(Clip(fmt.Sprintf("Error running %s: %s", cmd.Name, describe(err)), MaxTextLen)))
	}
	return address([]int64{u.ChatID}, resp)
}

func (d *Dispatcher) reject(cmd Command, u Update) {
	if d.limiter != nil {
		if err := d.limiter.Check(u.SenderID); err != nil {
			d.logger.Debug("dropping command from muted sender", "sender_id", u.SenderID, "error", err)
			return
		}
	}
	d.logger.Warn("unauthorized command",
		"command", cmd.Name, "sender_id", u.SenderID, "sender", u.SenderName, "chat_id", u.ChatID)
	if d.limiter != nil && d.limiter.RecordFailure(u.SenderID) {
		d.logger.Warn("muting sender after repeated unauthorized commands", "sender_id", u.SenderID)
	}
}

// DispatchEvent runs the named event and broadcasts the result to every
// admin chat. Events come from trusted collaborators and skip authorization.
func (d *Dispatcher) DispatchEvent(ctx context.Context, name string, data ...any) {
	d.deliver(ctx, d.ProcessEvent(ctx, name, data...))
}

// ProcessEvent is DispatchEvent without the sends.
func (d *Dispatcher) ProcessEvent(ctx context.Context, name string, data ...any) []Delivery {
	spec, found := d.registry.ResolveEvent(name)
	if !found {
		d.logger.Debug("no handler for event", "event", name)
		return nil
	}

	resp, err := d.invoke(ctx, name, func(ctx context.Context) (Response, error) {
		return spec.Run(ctx, data...)
	})
	if err != nil {
		d.logger.Error("event failed", "event", name, "error", err)
		resp = TextReply(Clip(fmt.Sprintf("Error in event %s: %s", name, describe(err)), MaxTextLen))
	}
	return address(d.policy.Admins(), resp)
}

// Send delivers messages to one chat. Part of Outbox.
func (d *Dispatcher) Send(ctx context.Context, chatID int64, msgs ...OutboundMessage) {
	d.deliver(ctx, address([]int64{chatID}, msgs))
}

// Broadcast delivers messages to every admin chat. Part of Outbox.
func (d *Dispatcher) Broadcast(ctx context.Context, msgs ...OutboundMessage) {
	d.deliver(ctx, address(d.policy.Admins(), msgs))
}

// Wait blocks until every send issued so far has finished.
func (d *Dispatcher) Wait() {
	d.sends.Wait()
}

func (d *Dispatcher) invoke(ctx context.Context, name string, run func(context.Context) (Response, error)) (resp Response, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			resp = nil
			err = &HandlerError{Name: name, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	resp, err = run(ctx)
	if err != nil {
		return nil, &HandlerError{Name: name, Err: err}
	}
	return resp, nil
}

func (d *Dispatcher) deliver(ctx context.Context, deliveries []Delivery) {
	// Sends outlive the caller's cancellation; Wait drains them on shutdown.
	base := context.WithoutCancel(ctx)
	for _, dl := range deliveries {
		d.sends.Go(func() error {
			sendCtx, cancel := context.WithTimeout(base, d.sendTimeout)
			defer cancel()

			if err := d.sender.Send(sendCtx, dl.ChatID, dl.Message); err != nil {
				d.logger.Error("failed to send response",
					"chat_id", dl.ChatID, "kind", dl.Message.Kind, "error", err)
				return nil
			}
			d.logger.Debug("response sent", "chat_id", dl.ChatID, "kind", dl.Message.Kind)
			return nil
		})
	}
}

func (d *Dispatcher) commandList() string {
	names := d.registry.CommandNames()
	if len(names) == 0 {
		return "No commands available."
	}
	return strings.Join(names, "\n")
}

func address(chats []int64, resp Response) []Delivery {
	if len(resp) == 0 {
		return nil
	}
	out := make([]Delivery, 0, len(chats)*len(resp))
	for _, chatID := range chats {
		for _, msg := range resp {
			out = append(out, Delivery{ChatID: chatID, Message: msg})
		}
	}
	return out
}

func describe(err error) string {
	if he, ok := err.(*HandlerError); ok {
		return he.Err.Error()
	}
	return err.Error()
}

// ParseCommand extracts a Command from an update whose text starts with "/".
// It handles "/command", "/command args", and "/command@botname args".
func ParseCommand(u Update) (Command, bool) {
	name, args := parseCommand(u.Text)
	if name == "" {
		return Command{}, false
	}
	return Command{Name: name, Args: args, Update: u}, true
}

func parseCommand(text string) (name string, args []string) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", nil
	}

	name = fields[0]
	// Strip @botname suffix.
	if at := strings.Index(name, "@"); at != -1 {
		name = name[:at]
	}
	if name == "/" {
		return "", nil
	}

	name = strings.ToLower(name)
	if len(fields) > 1 {
		args = fields[1:]
	}
	return name, args
}
