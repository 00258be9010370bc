package adapterimpl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowkeeper/kernel/internal/dispatcher"
	"github.com/flowkeeper/kernel/internal/task"
	"github.com/flowkeeper/kernel/internal/telemetry/resilience"
)

const maxResponseBytes = 10 << 20 // 10MB, same ceiling the teacher's HTTP executor enforces

// HTTPAdapter calls an HTTP endpoint (typically an LLM chat-completion
// API), grounded on the teacher's HTTPTaskExecutor/HTTPPlugin: pooled
// client, {{task.field}} template resolution against the task, and
// OpenTelemetry trace propagation over the outbound request headers. A
// per-adapter circuit breaker and transport-level retry guard the
// outbound call independently of the dispatcher's own task-level retry
// policy, which only re-attempts whole tasks on gate-driven feedback.
type HTTPAdapter struct {
	name      string
	taskTypes []string
	endpoint  string
	client    *http.Client
	tracer    trace.Tracer
	breaker   *resilience.CircuitBreaker
}

// NewHTTPAdapter builds an HTTPAdapter posting to endpoint. A nil client
// gets the teacher's pooled defaults (100 idle conns, 10 idle conns/host,
// 90s idle timeout, 30s request timeout).
func NewHTTPAdapter(name string, taskTypes []string, endpoint string, client *http.Client) *HTTPAdapter {
	if client == nil {
		client = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &HTTPAdapter{
		name:      name,
		taskTypes: taskTypes,
		endpoint:  endpoint,
		client:    client,
		tracer:    otel.Tracer("adapter-http"),
		breaker:   resilience.NewCircuitBreaker(30*time.Second, 6, 5, 0.5, 10*time.Second, 3),
	}
}

func (a *HTTPAdapter) Name() string { return a.name }

func (a *HTTPAdapter) TaskTypes() []string { return a.taskTypes }

func (a *HTTPAdapter) CanHandle(t task.Task) bool {
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

func (a *HTTPAdapter) Execute(ctx context.Context, t task.Task, rctx dispatcher.RetryContext) (dispatcher.Result, error) {
	ctx, span := a.tracer.Start(ctx, "http.execute", trace.WithAttributes(
		attribute.String("task.id", t.ID),
		attribute.String("http.url", a.endpoint),
	))
	defer span.End()

	if !a.breaker.Allow() {
		return dispatcher.Result{}, fmt.Errorf("http adapter %q: circuit open", a.name)
	}

	payload := map[string]interface{}{
		"model":  t.BackendConfig.Model,
		"prompt": resolveTemplate(t.Prompt, t),
	}
	if rctx.Feedback != "" {
		payload["feedback"] = rctx.Feedback
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return dispatcher.Result{}, fmt.Errorf("marshal request body: %w", err)
	}

	timeout := t.BackendConfig.Timeout
	if timeout <= 0 {
		timeout = a.client.Timeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resp, err := resilience.Retry(reqCtx, 3, 200*time.Millisecond, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, a.endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Task-ID", t.ID)
		otel.GetTextMapPropagator().Inject(reqCtx, propagation.HeaderCarrier(req.Header))
		return a.client.Do(req)
	})
	if err != nil {
		a.breaker.RecordResult(false)
		return dispatcher.Result{}, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	duration := time.Since(start)
	if err != nil {
		a.breaker.RecordResult(false)
		return dispatcher.Result{}, fmt.Errorf("read response: %w", err)
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	a.breaker.RecordResult(resp.StatusCode < 500)

	if resp.StatusCode >= 400 {
		return dispatcher.Result{
			ExitCode:   resp.StatusCode,
			DurationMs: duration.Milliseconds(),
		}, fmt.Errorf("http %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed map[string]interface{}
	output := string(respBody)
	if err := json.Unmarshal(respBody, &parsed); err == nil {
		if text, ok := parsed["output"].(string); ok {
			output = text
		}
	}

	return dispatcher.Result{
		Output:     output,
		Structured: parsed,
		ExitCode:   0,
		DurationMs: duration.Milliseconds(),
	}, nil
}

func (a *HTTPAdapter) Abort(ctx context.Context, taskID string) error {
	// no-op: an in-flight HTTP call is bound only to its Execute context and
	// request timeout; this adapter holds nothing further to release
	return nil
}

// resolveTemplate replaces {{task.field}} placeholders with values from t,
// the same "{{task_id.field}}" substitution shape the teacher's
// resolveTemplate implements, narrowed to the one task a single adapter
// call has in scope rather than a whole workflow's execution context.
func resolveTemplate(template string, t task.Task) string {
	result := template
	result = strings.ReplaceAll(result, "{{task.id}}", t.ID)
	result = strings.ReplaceAll(result, "{{task.type}}", t.Type)
	result = strings.ReplaceAll(result, "{{task.summary}}", t.Summary)
	return result
}
