package core

import (
	"fmt"
	"strings"
	"sync"
)

// descriptor is a handler plus the capability table it declared at
// registration time.
type descriptor struct {
	handler  Handler
	commands map[string]CommandSpec
	order    []string
	events   map[string]EventSpec
}

// Registry holds handlers in registration order. Resolution is first-match:
// when two handlers expose the same name, the one registered first wins.
type Registry struct {
	mu          sync.RWMutex
	descriptors []*descriptor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends a handler and returns the command names it exposes that
// are already claimed by an earlier handler and will therefore never reach it.
func (r *Registry) Register(h Handler) (shadowed []string, err error) {
	d, err := newDescriptor(h)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	shadowed = r.shadowedLocked(d, len(r.descriptors))
	r.descriptors = append(r.descriptors, d)
	return shadowed, nil
}

// Refresh re-reads the capability table of an already registered handler,
// keeping its position in the resolution order.
func (r *Registry) Refresh(h Handler) (shadowed []string, err error) {
	d, err := newDescriptor(h)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for i, prev := range r.descriptors {
		if prev.handler == h {
			r.descriptors[i] = d
			return r.shadowedLocked(d, i), nil
		}
	}
	return nil, fmt.Errorf("handler %s is not registered", h.Name())
}

func newDescriptor(h Handler) (*descriptor, error) {
	if h == nil {
		return nil, fmt.Errorf("nil handler")
	}

	d := &descriptor{
		handler:  h,
		commands: make(map[string]CommandSpec),
		events:   make(map[string]EventSpec),
	}
	for _, c := range h.Commands() {
		name := NormalizeCommand(c.Name)
		if name == "/" || c.Run == nil {
			return nil, fmt.Errorf("handler %s: invalid command %q", h.Name(), c.Name)
		}
		if _, dup := d.commands[name]; dup {
			continue
		}
		c.Name = name
		d.commands[name] = c
		d.order = append(d.order, name)
	}
	for _, e := range h.Events() {
		if e.Name == "" || e.Run == nil {
			return nil, fmt.Errorf("handler %s: invalid event %q", h.Name(), e.Name)
		}
		if _, dup := d.events[e.Name]; !dup {
			d.events[e.Name] = e
		}
	}
	return d, nil
}

// shadowedLocked lists names of d already claimed by the first n descriptors.
func (r *Registry) shadowedLocked(d *descriptor, n int) []string {
	var shadowed []string
	for _, name := range d.order {
		for _, prev := range r.descriptors[:n] {
			if _, ok := prev.commands[name]; ok {
				shadowed = append(shadowed, name)
				break
			}
		}
	}
	return shadowed
}

// ResolveCommand returns the first registered command with the given name.
func (r *Registry) ResolveCommand(name string) (CommandSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name = NormalizeCommand(name)
	for _, d := range r.descriptors {
		if c, ok := d.commands[name]; ok {
			return c, true
		}
	}
	return CommandSpec{}, false
}

// ResolveEvent returns the first registered event operation with the given name.
func (r *Registry) ResolveEvent(name string) (EventSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, d := range r.descriptors {
		if e, ok := d.events[name]; ok {
			return e, true
		}
	}
	return EventSpec{}, false
}

// CommandNames returns every registered command name, deduplicated, in
// registration order.
func (r *Registry) CommandNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var names []string
	for _, d := range r.descriptors {
		for _, name := range d.order {
			if seen[name] {
				continue
			}
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}

// Commands returns the command that each registered name resolves to, in
// registration order.
func (r *Registry) Commands() []CommandSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var specs []CommandSpec
	for _, d := range r.descriptors {
		for _, name := range d.order {
			if seen[name] {
				continue
			}
			seen[name] = true
			specs = append(specs, d.commands[name])
		}
	}
	return specs
}

// Handlers returns the registered handlers in registration order.
func (r *Registry) Handlers() []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	hs := make([]Handler, len(r.descriptors))
	for i, d := range r.descriptors {
		hs[i] = d.handler
	}
	return hs
}

// NormalizeCommand lower-cases a command name and ensures the leading "/".
func NormalizeCommand(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if !strings.HasPrefix(name, "/") {
		name = "/" + name
	}
	return name
}
