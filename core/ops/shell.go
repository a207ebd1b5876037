package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"al.essio.dev/pkg/shellescape"
	"github.com/go-playground/validator/v10"
)

const defaultShellTimeout = 30 * time.Second

// ShellOp is a shell command loaded from the commands file. Arguments given
// in chat are quoted and replace "{}" in Command, or are appended to it.
type ShellOp struct {
	CmdName string `json:"name"        validate:"required"`
	Desc    string `json:"description"`
	Command string `json:"command"     validate:"required"`
	WorkDir string `json:"workdir"     validate:"omitempty,dir"`
	Timeout int    `json:"timeout"     validate:"gte=0"`
}

func (s *ShellOp) Name() string        { return s.CmdName }
func (s *ShellOp) Description() string { return s.Desc }

func (s *ShellOp) Execute(ctx context.Context, args string) (string, error) {
	timeout := defaultShellTimeout
	if s.Timeout > 0 {
		timeout = time.Duration(s.Timeout) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", s.expand(args))
	if s.WorkDir != "" {
		cmd.Dir = s.WorkDir
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%s: %w\n%s", s.CmdName, err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

// expand substitutes the quoted arguments for "{}" in Command, or appends
// them when there is no placeholder.
func (s *ShellOp) expand(args string) string {
	quoted := ""
	if fields := strings.Fields(args); len(fields) > 0 {
		quoted = shellescape.QuoteCommand(fields)
	}
	if strings.Contains(s.Command, "{}") {
		return strings.ReplaceAll(s.Command, "{}", quoted)
	}
	if quoted == "" {
		return s.Command
	}
	return s.Command + " " + quoted
}

var commandValidator = validator.New(validator.WithRequiredStructEnabled())

// LoadCommands reads a JSON commands file and returns ShellOps.
// Returns nil, nil if the file does not exist.
func LoadCommands(path string) ([]ShellOp, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read commands file: %w", err)
	}

	var cmds []ShellOp
	if err := json.Unmarshal(data, &cmds); err != nil {
		return nil, fmt.Errorf("parse commands file: %w", err)
	}

	seen := make(map[string]bool)
	for i := range cmds {
		if err := commandValidator.Struct(&cmds[i]); err != nil {
			return nil, fmt.Errorf("command at index %d (%q): %w", i, cmds[i].CmdName, err)
		}
		if strings.ContainsAny(cmds[i].CmdName, " \t/") {
			return nil, fmt.Errorf("command at index %d: invalid name %q", i, cmds[i].CmdName)
		}
		name := strings.ToLower(cmds[i].CmdName)
		if seen[name] {
			return nil, fmt.Errorf("duplicate command %q", cmds[i].CmdName)
		}
		seen[name] = true
	}
	return cmds, nil
}
