package adapterimpl

import (
	"encoding/json"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/flowkeeper/kernel/internal/dispatcher"
	"github.com/flowkeeper/kernel/internal/task"
)

func TestHTTPAdapterResolvesTemplateAndParsesJSON(t *testing.T) {
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"output": "resolved answer"})
	}))
	defer srv.Close()

	a := NewHTTPAdapter("http", []string{"chat"}, srv.URL, nil)
	tk := task.Task{ID: "t1", Type: "chat", Prompt: "summarize {{task.id}}"}

	res, err := a.Execute(context.Background(), tk, dispatcher.RetryContext{Attempt: 1})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Output != "resolved answer" {
		t.Fatalf("expected parsed output field, got %q", res.Output)
	}
	if gotBody["prompt"] != "summarize t1" {
		t.Fatalf("expected template resolved in request body, got %v", gotBody["prompt"])
	}
}

func TestHTTPAdapterReturnsErrorOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer srv.Close()

	a := NewHTTPAdapter("http", []string{"chat"}, srv.URL, nil)
	tk := task.Task{ID: "t1", Type: "chat", Prompt: "hi"}

	_, err := a.Execute(context.Background(), tk, dispatcher.RetryContext{Attempt: 1})
	if err == nil {
		t.Fatalf("expected 500 response to surface as an error")
	}
}

func TestHTTPAdapterCanHandleByBackendOrType(t *testing.T) {
	a := NewHTTPAdapter("http", []string{"chat"}, "http://example.invalid", nil)
	if !a.CanHandle(task.Task{Backend: "http"}) {
		t.Fatalf("expected backend match to handle")
	}
	if !a.CanHandle(task.Task{Type: "chat"}) {
		t.Fatalf("expected type match to handle")
	}
	if a.CanHandle(task.Task{Backend: "shell", Type: "shell"}) {
		t.Fatalf("expected unrelated backend/type to not handle")
	}
}
