// Package adapterimpl provides concrete dispatcher.Adapter implementations:
// a whitelisted shell/subprocess adapter and a template-resolving HTTP
// adapter for LLM-style backends. Grounded on the teacher's ShellPlugin
// and HTTPTaskExecutor/HTTPPlugin (plugins.go, task_executor.go).
package adapterimpl

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowkeeper/kernel/internal/dispatcher"
	"github.com/flowkeeper/kernel/internal/task"
)

const defaultShellTimeout = 5 * time.Minute

// ShellAdapter executes a task's backend_config.command under a command
// whitelist, the same safety posture as the teacher's ShellPlugin.
type ShellAdapter struct {
	name      string
	taskTypes []string
	allowed   map[string]bool
	tracer    trace.Tracer
}

// NewShellAdapter builds a ShellAdapter handling the given task types and
// restricted to the given command whitelist (the bare executable name,
// e.g. "echo", "jq", "pytest").
func NewShellAdapter(name string, taskTypes []string, allowedCommands []string) *ShellAdapter {
	allowed := make(map[string]bool, len(allowedCommands))
	for _, c := range allowedCommands {
		allowed[c] = true
	}
	return &ShellAdapter{
		name:      name,
		taskTypes: taskTypes,
		allowed:   allowed,
		tracer:    otel.Tracer("adapter-shell"),
	}
}

func (a *ShellAdapter) Name() string { return a.name }

func (a *ShellAdapter) TaskTypes() []string { return a.taskTypes }

func (a *ShellAdapter) CanHandle(t task.Task) bool {
	if t.Backend == a.name || strings.HasPrefix(t.Backend, a.name+"/") {
		return true
	}
	for _, tt := range a.taskTypes {
		if t.Type == tt {
			return true
		}
	}
	return false
}

func (a *ShellAdapter) Execute(ctx context.Context, t task.Task, rctx dispatcher.RetryContext) (dispatcher.Result, error) {
	ctx, span := a.tracer.Start(ctx, "shell.execute", trace.WithAttributes(
		attribute.String("task.id", t.ID),
		attribute.Int("retry.attempt", rctx.Attempt),
	))
	defer span.End()

	command := t.BackendConfig.Command
	if command == "" {
		command = t.Prompt
	}
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return dispatcher.Result{}, fmt.Errorf("empty command")
	}
	if !a.allowed[parts[0]] {
		return dispatcher.Result{}, fmt.Errorf("command not allowed: %s", parts[0])
	}

	args := parts[1:]
	args = append(args, t.BackendConfig.Args...)

	timeout := t.BackendConfig.Timeout
	if timeout <= 0 {
		timeout = defaultShellTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, parts[0], args...)
	if t.BackendConfig.Cwd != "" {
		cmd.Dir = t.BackendConfig.Cwd
	}
	if len(t.BackendConfig.Env) > 0 || rctx.Feedback != "" {
		cmd.Env = append(cmd.Environ(), envSlice(t.BackendConfig.Env)...)
		if rctx.Feedback != "" {
			cmd.Env = append(cmd.Env, "RETRY_FEEDBACK="+rctx.Feedback)
		}
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	if runCtx.Err() == context.DeadlineExceeded {
		return dispatcher.Result{}, fmt.Errorf("shell command timed out after %s", timeout)
	}
	if runErr != nil {
		return dispatcher.Result{
			Output:     stdout.String(),
			ExitCode:   exitCode,
			DurationMs: duration.Milliseconds(),
		}, fmt.Errorf("command failed: %w\nstderr: %s", runErr, stderr.String())
	}

	span.SetAttributes(attribute.Int("shell.exit_code", exitCode))

	return dispatcher.Result{
		Output:     stdout.String(),
		ExitCode:   exitCode,
		DurationMs: duration.Milliseconds(),
	}, nil
}

func (a *ShellAdapter) Abort(ctx context.Context, taskID string) error {
	// no-op: this adapter keeps no handle to the running process; a command
	// stops only when its Execute context is cancelled or its timeout elapses
	return nil
}

func envSlice(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out
}
