// Package ollama is a thin client for the Ollama HTTP API. It exposes
// streaming chat generation as a lazy sequence of fragments and the
// model catalog, and nothing else — orchestration lives in the chat
// engine, presentation lives with the consumer.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"nexus-chat/internal/httpkit"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// maxErrorBody caps how much of an error response body is read.
const maxErrorBody = 8 << 10

// Message is a chat message in the wire format the server expects.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options are generation parameters, serialized only when set.
type Options struct {
	Temperature float64 `json:"temperature,omitempty"`
	TopP        float64 `json:"top_p,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

// Fragment is one increment of model output. Final marks the terminal
// chunk of a generation; a stream that ends without one was cut short.
type Fragment struct {
	Text  string
	Final bool
}

// Client is a client for the Ollama API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates an Ollama client. The underlying HTTP client has no
// overall timeout: generation length is bounded per request via context.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpkit.NewClient(httpkit.WithTimeout(0)),
		logger:     logger,
	}
}

// chatRequest is the request format for the /api/chat endpoint.
type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
	Options  *Options  `json:"options,omitempty"`
}

// chatLine is one newline-delimited JSON object from a streaming chat
// response.
type chatLine struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done  bool   `json:"done"`
	Error string `json:"error"`
}

// Stream sends a streaming chat request and delivers each fragment to
// fn in transport order. Lines that fail to parse are skipped with a
// logged warning; a line carrying an error field aborts the stream with
// a [*RemoteError], leaving already-delivered fragments in place. The
// server closing the connection early is not an error: the stream just
// ends without a Final fragment, and the caller decides what that means.
func (c *Client) Stream(ctx context.Context, model string, messages []Message, opts *Options, fn func(Fragment)) error {
	body, err := json.Marshal(chatRequest{
		Model:    model,
		Messages: messages,
		Stream:   true,
		Options:  opts,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Log(ctx, LevelTrace, "chat request", "url", c.baseURL+"/api/chat", "body", string(body))

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer httpkit.DrainAndClose(resp.Body, maxErrorBody)

	if resp.StatusCode != http.StatusOK {
		return c.statusError(resp, model)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var chunk chatLine
		if err := json.Unmarshal(line, &chunk); err != nil {
			// Tolerate partial corruption: skip the line, keep the stream.
			c.logger.Warn("skipping malformed stream line", "error", err, "line", truncate(string(line), 200))
			continue
		}

		if chunk.Error != "" {
			return &RemoteError{Message: chunk.Error}
		}

		if chunk.Message.Content != "" {
			fn(Fragment{Text: chunk.Message.Content})
		}

		if chunk.Done {
			fn(Fragment{Final: true})
			return nil
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// A dropped connection mid-stream manifests as a read error.
		// Treat it as an early end of sequence: fragments delivered so
		// far stand, and the absent Final fragment tells the caller.
		c.logger.Warn("stream ended abruptly", "model", model, "error", err)
	}
	return nil
}

// ListModels returns the names of models installed on the server.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer httpkit.DrainAndClose(resp.Body, maxErrorBody)

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(resp, "")
	}

	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &ProtocolError{Detail: fmt.Sprintf("decode model list: %v", err)}
	}

	names := make([]string, len(result.Models))
	for i, m := range result.Models {
		names[i] = m.Name
	}
	return names, nil
}

// Ping checks if the server is reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	httpkit.DrainAndClose(resp.Body, maxErrorBody)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrUnreachable, resp.StatusCode)
	}
	return nil
}

// statusError converts a non-200 response into a taxonomy error. The
// server reports missing models as a 404 with an error body.
func (c *Client) statusError(resp *http.Response, model string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var payload struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(body, &payload)

	switch {
	case resp.StatusCode == http.StatusNotFound,
		strings.Contains(payload.Error, "not found"):
		return fmt.Errorf("%w: %q", ErrModelNotFound, model)
	case payload.Error != "":
		return &RemoteError{Message: payload.Error}
	default:
		return &ProtocolError{Detail: fmt.Sprintf("status %d: %s", resp.StatusCode, truncate(string(body), 200))}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
