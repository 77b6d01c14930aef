package executor

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/driftworks/convoy/task"
)

func TestCommand_Execute(t *testing.T) {
	exec := NewCommand(map[string][]string{
		"shell": {"sh", "-c", "echo task $CONVOY_TASK_ID of type $CONVOY_TASK_TYPE"},
	}, "")

	res, err := exec.Execute(context.Background(), &task.Task{ID: "t1", Type: "shell", Title: "run"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	stdout, _ := res.Output["stdout"].(string)
	if !strings.Contains(stdout, "task t1 of type shell") {
		t.Errorf("stdout = %q, want task fields from environment", stdout)
	}
}

func TestCommand_Execute_UnknownType(t *testing.T) {
	exec := NewCommand(map[string][]string{"shell": {"true"}}, "")
	_, err := exec.Execute(context.Background(), &task.Task{ID: "t1", Type: "other"})
	if err == nil {
		t.Error("Execute unknown type = nil, want error")
	}
}

func TestCommand_Execute_NonZeroExit(t *testing.T) {
	exec := NewCommand(map[string][]string{
		"shell": {"sh", "-c", "echo boom >&2; exit 3"},
	}, "")
	_, err := exec.Execute(context.Background(), &task.Task{ID: "t1", Type: "shell"})
	if err == nil {
		t.Fatal("Execute = nil, want error on exit 3")
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("error = %v, want stderr content", err)
	}
}

func TestCommand_Execute_Cancelled(t *testing.T) {
	exec := NewCommand(map[string][]string{
		"shell": {"sleep", "10"},
	}, "")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := exec.Execute(ctx, &task.Task{ID: "t1", Type: "shell"})
	if err != context.DeadlineExceeded {
		t.Errorf("Execute = %v, want context.DeadlineExceeded", err)
	}
}

func TestScripted_SequenceAndExhaustion(t *testing.T) {
	exec := NewScripted([]Step{
		{Output: map[string]any{"n": 1}},
		{Output: map[string]any{"n": 2}},
	}, false)

	for want := 1; want <= 2; want++ {
		res, err := exec.Execute(context.Background(), &task.Task{ID: "t"})
		if err != nil {
			t.Fatalf("Execute %d: %v", want, err)
		}
		if res.Output["n"] != want {
			t.Errorf("output = %v, want n=%d", res.Output, want)
		}
	}
	if _, err := exec.Execute(context.Background(), &task.Task{ID: "t"}); err == nil {
		t.Error("Execute after exhaustion = nil, want error")
	}
	if calls := exec.Calls(); len(calls) != 2 {
		t.Errorf("calls = %d, want 2 (exhausted call not recorded)", len(calls))
	}
}

func TestScripted_Loop(t *testing.T) {
	exec := NewScripted([]Step{{Output: map[string]any{"ok": true}}}, true)
	for i := 0; i < 5; i++ {
		if _, err := exec.Execute(context.Background(), &task.Task{ID: "t"}); err != nil {
			t.Fatalf("Execute %d: %v", i, err)
		}
	}
}
