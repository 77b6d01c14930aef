package executor

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/driftworks/convoy/task"
)

// Command executes tasks by running a per-task-type command line. The
// task's fields are passed in the child's environment, so the same argv
// serves every task of a type.
type Command struct {
	commands map[string][]string // task type -> argv
	workDir  string
}

// NewCommand creates a Command executor from a task-type -> argv map.
func NewCommand(commands map[string][]string, workDir string) *Command {
	return &Command{commands: commands, workDir: workDir}
}

// Name returns the executor identifier.
func (c *Command) Name() string { return "command" }

// Execute runs the argv registered for the task's type. A non-zero exit
// is an execution failure; stdout is captured into the result payload.
func (c *Command) Execute(ctx context.Context, t *task.Task) (*Result, error) {
	argv, ok := c.commands[t.Type]
	if !ok || len(argv) == 0 {
		return nil, fmt.Errorf("no command registered for task type %q", t.Type)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if c.workDir != "" {
		cmd.Dir = c.workDir
	}
	cmd.Env = append(cmd.Environ(),
		"CONVOY_TASK_ID="+t.ID,
		"CONVOY_TASK_TYPE="+t.Type,
		"CONVOY_TASK_TITLE="+t.Title,
		"CONVOY_TASK_DESCRIPTION="+t.Description,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("command %q: %s", argv[0], msg)
	}

	return &Result{
		Output: map[string]any{
			"stdout": stdout.String(),
			"stderr": stderr.String(),
		},
	}, nil
}
