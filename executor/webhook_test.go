package executor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/arcflow/agentqueue/run"
)

func newWebhookServer(t *testing.T, lines []webhookLine) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, l := range lines {
			data, _ := json.Marshal(l)
			w.Write(data)
			w.Write([]byte("\n"))
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		}
	}))
}

func TestWebhookExecutorStreamsChunksThenSucceeds(t *testing.T) {
	srv := newWebhookServer(t, []webhookLine{
		{Chunk: "hello "},
		{Chunk: "world"},
		{Final: true, Output: "hello world"},
	})
	defer srv.Close()

	var received []string
	w := NewWebhookExecutor(srv.URL)
	outcome := w.Execute(context.Background(), run.New("agent-a", "hi", run.PriorityNormal), func(c string) {
		received = append(received, c)
	})

	if !outcome.Succeeded() {
		t.Fatalf("expected success, got %v", outcome.Err)
	}
	if outcome.OutputContent != "hello world" {
		t.Fatalf("got output %q", outcome.OutputContent)
	}
	if strings.Join(received, "") != "hello world" {
		t.Fatalf("got chunks %v", received)
	}
}

func TestWebhookExecutorPermanentError(t *testing.T) {
	srv := newWebhookServer(t, []webhookLine{
		{Final: true, Error: "bad agent name", ErrorKind: "permanent"},
	})
	defer srv.Close()

	w := NewWebhookExecutor(srv.URL)
	outcome := w.Execute(context.Background(), run.New("agent-a", "hi", run.PriorityNormal), func(string) {})

	var perm *PermanentError
	if outcome.Succeeded() {
		t.Fatal("expected failure")
	}
	if !errors.As(outcome.Err, &perm) {
		t.Fatalf("expected PermanentError, got %T: %v", outcome.Err, outcome.Err)
	}
}

func TestWebhookExecutorServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	w := NewWebhookExecutor(srv.URL)
	outcome := w.Execute(context.Background(), run.New("agent-a", "hi", run.PriorityNormal), func(string) {})

	var transient *TransientError
	if !errors.As(outcome.Err, &transient) {
		t.Fatalf("expected TransientError, got %T: %v", outcome.Err, outcome.Err)
	}
}
