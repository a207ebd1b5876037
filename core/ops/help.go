package ops

import (
	"context"
	"fmt"
	"strings"

	"github.com/jdelaire/telebots/core"
)

// CommandLister is the view of the handler registry /help needs.
type CommandLister interface {
	Commands() []core.CommandSpec
}

// HelpOp lists every command the dispatcher resolves.
type HelpOp struct {
	Commands CommandLister
}

func (h *HelpOp) Name() string        { return "help" }
func (h *HelpOp) Description() string { return "List available commands" }

func (h *HelpOp) Execute(_ context.Context, _ string) (string, error) {
	all := h.Commands.Commands()
	if len(all) == 0 {
		return "No commands available.", nil
	}

	var b strings.Builder
	b.WriteString("Available commands:\n")
	for _, c := range all {
		if c.Description == "" {
			fmt.Fprintf(&b, "%s\n", c.Name)
			continue
		}
		fmt.Fprintf(&b, "%s - %s\n", c.Name, c.Description)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}
