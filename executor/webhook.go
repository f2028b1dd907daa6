package executor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/arcflow/agentqueue/run"
)

// WebhookExecutor forwards Execute to an external HTTP agent runner:
// the process that actually knows how to invoke an LLM agent, which
// spec.md §1 places firmly out of this module's scope ("the agent
// definition, tools, and model invocation are out of scope"). The
// response body is read as newline-delimited output chunks, the last
// line being the terminal outcome marker.
//
// This is the default Executor cmd/agentqueued wires up when no
// in-process Executor is embedded by the host application — a queue
// daemon running standalone has to call *something*.
type WebhookExecutor struct {
	URL    string
	Client *http.Client
}

// NewWebhookExecutor builds a WebhookExecutor posting to url with the
// standard library's default client.
func NewWebhookExecutor(url string) *WebhookExecutor {
	return &WebhookExecutor{URL: url, Client: http.DefaultClient}
}

type webhookRequest struct {
	RunID        string `json:"run_id"`
	AgentName    string `json:"agent_name"`
	SessionID    string `json:"session_id,omitempty"`
	InputContent string `json:"input_content"`
}

// webhookLine is one newline-delimited JSON record in the response
// body: either a streamed chunk (Final=false) or the terminal record
// (Final=true), carrying either Output or an Error/ErrorKind pair.
type webhookLine struct {
	Chunk     string `json:"chunk,omitempty"`
	Final     bool   `json:"final,omitempty"`
	Output    string `json:"output,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"` // "transient" or "permanent"
}

// Execute posts the run to w.URL and streams the response body as
// chunks, honoring ctx cancellation by aborting the HTTP request.
func (w *WebhookExecutor) Execute(ctx context.Context, r *run.Run, sink ChunkSink) Outcome {
	body, err := json.Marshal(webhookRequest{
		RunID:        r.RunID,
		AgentName:    r.AgentName,
		SessionID:    r.SessionID,
		InputContent: r.InputContent,
	})
	if err != nil {
		return Outcome{Err: &PermanentError{Err: fmt.Errorf("executor: encode webhook request: %w", err)}}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return Outcome{Err: &PermanentError{Err: fmt.Errorf("executor: build webhook request: %w", err)}}
	}
	req.Header.Set("Content-Type", "application/json")

	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{Err: ctx.Err()}
		}
		return Outcome{Err: &TransientError{Err: fmt.Errorf("executor: webhook request failed: %w", err)}}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return Outcome{Err: &TransientError{Err: fmt.Errorf("executor: webhook returned %s", resp.Status)}}
	}
	if resp.StatusCode >= 400 {
		return Outcome{Err: &PermanentError{Err: fmt.Errorf("executor: webhook returned %s", resp.Status)}}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return Outcome{Err: ctx.Err()}
		}

		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var rec webhookLine
		if err := json.Unmarshal(line, &rec); err != nil {
			return Outcome{Err: &TransientError{Err: fmt.Errorf("executor: decode webhook line: %w", err)}}
		}

		if !rec.Final {
			sink(rec.Chunk)
			continue
		}

		if rec.Error == "" {
			return Outcome{OutputContent: rec.Output}
		}
		if rec.ErrorKind == "permanent" {
			return Outcome{Err: &PermanentError{Err: fmt.Errorf("%s", rec.Error)}}
		}
		return Outcome{Err: &TransientError{Err: fmt.Errorf("%s", rec.Error)}}
	}
	if err := scanner.Err(); err != nil {
		return Outcome{Err: &TransientError{Err: fmt.Errorf("executor: read webhook response: %w", err)}}
	}
	return Outcome{Err: &TransientError{Err: fmt.Errorf("executor: webhook response ended without a final record")}}
}
