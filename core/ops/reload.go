package ops

import (
	"log/slog"
	"sync"

	"github.com/jdelaire/telebots/core"
)

// Refresher re-reads a registered handler's command table.
// core.Registry implements it.
type Refresher interface {
	Refresh(h core.Handler) ([]string, error)
}

// Reloader swaps the shell commands of a Registry when the commands file
// changes and refreshes the dispatcher's view of the owning handler.
type Reloader struct {
	registry *Registry
	handler  core.Handler
	target   Refresher
	logger   *slog.Logger

	mu           sync.Mutex
	shellOpNames []string
}

// NewReloader creates a reloader. target may be nil until the handler is
// registered; ops are then only swapped in the Registry.
func NewReloader(registry *Registry, handler core.Handler, target Refresher, logger *slog.Logger) *Reloader {
	return &Reloader{
		registry: registry,
		handler:  handler,
		target:   target,
		logger:   logger,
	}
}

// SetTarget sets the registry refreshed after each reload.
func (r *Reloader) SetTarget(target Refresher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.target = target
}

// LoadCommands registers the commands from path and remembers their names
// for the next reload.
func (r *Reloader) LoadCommands(path string) error {
	cmds, err := LoadCommands(path)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.shellOpNames = r.registerLocked(cmds)
	return nil
}

// ReloadCommands replaces the shell ops with the current contents of path.
// A file that fails to parse leaves the previous commands in place; a
// deleted file removes them.
func (r *Reloader) ReloadCommands(path string) {
	cmds, err := LoadCommands(path)
	if err != nil {
		r.logger.Error("reload commands failed, keeping previous set", "path", path, "error", err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range r.shellOpNames {
		r.registry.Unregister(name)
	}
	r.shellOpNames = r.registerLocked(cmds)
	r.logger.Info("commands reloaded", "path", path, "count", len(r.shellOpNames))

	if r.target == nil {
		return
	}
	shadowed, err := r.target.Refresh(r.handler)
	if err != nil {
		r.logger.Error("refresh handler failed", "handler", r.handler.Name(), "error", err)
		return
	}
	if len(shadowed) > 0 {
		r.logger.Warn("reloaded commands shadowed by earlier handlers", "commands", shadowed)
	}
}

func (r *Reloader) registerLocked(cmds []ShellOp) []string {
	var names []string
	for i := range cmds {
		if err := r.registry.Register(&cmds[i]); err != nil {
			r.logger.Warn("skip command", "name", cmds[i].Name(), "error", err)
			continue
		}
		names = append(names, cmds[i].Name())
		r.logger.Debug("loaded command", "name", cmds[i].Name())
	}
	return names
}
