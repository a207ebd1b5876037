// Package ops holds the feature handlers served by the bot: simple text
// operations (system, help, shell commands) plus the home, khl and torrent
// modules.
package ops

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jdelaire/telebots/core"
)

// Op is a text command: arguments in, text out.
type Op interface {
	Name() string
	Description() string
	Execute(ctx context.Context, args string) (string, error)
}

// Registry holds registered operations keyed by name.
type Registry struct {
	mu  sync.RWMutex
	ops map[string]Op
}

// NewRegistry creates an empty operation registry.
func NewRegistry() *Registry {
	return &Registry{ops: make(map[string]Op)}
}

// Register adds an operation. Returns an error if the name is already registered.
func (r *Registry) Register(op Op) error {
	name := strings.TrimPrefix(core.NormalizeCommand(op.Name()), "/")
	if name == "" || strings.ContainsAny(name, " \t\n") {
		return fmt.Errorf("invalid op name %q", op.Name())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.ops[name]; exists {
		return fmt.Errorf("op already registered: %s", name)
	}
	r.ops[name] = op
	return nil
}

// Unregister removes an operation and reports whether it existed.
func (r *Registry) Unregister(name string) bool {
	name = strings.TrimPrefix(core.NormalizeCommand(name), "/")
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.ops[name]
	delete(r.ops, name)
	return ok
}

// Get returns the operation with the given name, or nil if not found.
func (r *Registry) Get(name string) Op {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ops[strings.TrimPrefix(core.NormalizeCommand(name), "/")]
}

// List returns all registered operations sorted by name.
func (r *Registry) List() []Op {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.ops))
	for name := range r.ops {
		names = append(names, name)
	}
	sort.Strings(names)

	result := make([]Op, len(names))
	for i, name := range names {
		result[i] = r.ops[name]
	}
	return result
}

// Handler exposes the registry as one feature module. Its command table is
// read when the handler is registered with the dispatcher and again on
// every core.Registry.Refresh.
func (r *Registry) Handler(name string) *OpsHandler {
	return &OpsHandler{name: name, reg: r}
}

// OpsHandler adapts a Registry to core.Handler.
type OpsHandler struct {
	name string
	reg  *Registry
}

func (h *OpsHandler) Name() string             { return h.name }
func (h *OpsHandler) Events() []core.EventSpec { return nil }

func (h *OpsHandler) Commands() []core.CommandSpec {
	ops := h.reg.List()
	specs := make([]core.CommandSpec, 0, len(ops))
	for _, op := range ops {
		specs = append(specs, core.CommandSpec{
			Name:        op.Name(),
			Description: op.Description(),
			Run:         runOp(op),
		})
	}
	return specs
}

func runOp(op Op) core.CommandFunc {
	return func(ctx context.Context, cmd core.Command) (core.Response, error) {
		out, err := op.Execute(ctx, strings.Join(cmd.Args, " "))
		if err != nil {
			return nil, err
		}
		if out == "" {
			return nil, nil
		}
		return core.TextReply(core.Clip(out, core.MaxTextLen)), nil
	}
}
