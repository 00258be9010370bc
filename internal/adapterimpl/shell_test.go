package adapterimpl

import (
	"context"
	"testing"

	"github.com/flowkeeper/kernel/internal/dispatcher"
	"github.com/flowkeeper/kernel/internal/task"
)

func TestShellAdapterCanHandleByBackendOrType(t *testing.T) {
	a := NewShellAdapter("shell", []string{"shell"}, []string{"echo"})

	if !a.CanHandle(task.Task{Backend: "shell"}) {
		t.Fatalf("expected exact backend match to handle")
	}
	if !a.CanHandle(task.Task{Backend: "shell/fast"}) {
		t.Fatalf("expected backend prefix match to handle")
	}
	if !a.CanHandle(task.Task{Type: "shell"}) {
		t.Fatalf("expected task type match to handle")
	}
	if a.CanHandle(task.Task{Backend: "http", Type: "chat"}) {
		t.Fatalf("expected unrelated backend/type to not handle")
	}
}

func TestShellAdapterRunsWhitelistedCommand(t *testing.T) {
	a := NewShellAdapter("shell", []string{"shell"}, []string{"echo"})
	tk := task.Task{ID: "t1", BackendConfig: task.BackendConfig{Command: "echo hello"}}

	res, err := a.Execute(context.Background(), tk, dispatcher.RetryContext{Attempt: 1})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("expected exit 0, got %d", res.ExitCode)
	}
	if res.Output != "hello\n" {
		t.Fatalf("expected output %q, got %q", "hello\n", res.Output)
	}
}

func TestShellAdapterRejectsNonWhitelistedCommand(t *testing.T) {
	a := NewShellAdapter("shell", []string{"shell"}, []string{"echo"})
	tk := task.Task{ID: "t1", BackendConfig: task.BackendConfig{Command: "rm -rf /"}}

	_, err := a.Execute(context.Background(), tk, dispatcher.RetryContext{Attempt: 1})
	if err == nil {
		t.Fatalf("expected non-whitelisted command to be rejected")
	}
}

func TestShellAdapterRejectsEmptyCommand(t *testing.T) {
	a := NewShellAdapter("shell", []string{"shell"}, []string{"echo"})
	tk := task.Task{ID: "t1"}

	_, err := a.Execute(context.Background(), tk, dispatcher.RetryContext{Attempt: 1})
	if err == nil {
		t.Fatalf("expected empty command to be rejected")
	}
}

func TestShellAdapterReportsNonZeroExit(t *testing.T) {
	a := NewShellAdapter("shell", []string{"shell"}, []string{"false"})
	tk := task.Task{ID: "t1", BackendConfig: task.BackendConfig{Command: "false"}}

	_, err := a.Execute(context.Background(), tk, dispatcher.RetryContext{Attempt: 1})
	if err == nil {
		t.Fatalf("expected non-zero exit to surface as an error")
	}
}
