package ollama

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ndjsonServer streams the given lines as a chat response.
func ndjsonServer(t *testing.T, lines []string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		flusher := w.(http.Flusher)
		for _, line := range lines {
			fmt.Fprintln(w, line)
			flusher.Flush()
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func collectFragments(frags *[]Fragment) func(Fragment) {
	return func(f Fragment) { *frags = append(*frags, f) }
}

func TestStreamHappyPath(t *testing.T) {
	srv := ndjsonServer(t, []string{
		`{"message":{"content":"Hi"},"done":false}`,
		`{"message":{"content":" there"},"done":false}`,
		`{"message":{"content":"!"},"done":false}`,
		`{"message":{"content":""},"done":true}`,
	})
	c := NewClient(srv.URL, testLogger())

	var frags []Fragment
	err := c.Stream(context.Background(), "mistral", []Message{{Role: "user", Content: "Hello"}}, nil, collectFragments(&frags))
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	var b strings.Builder
	sawFinal := false
	for _, f := range frags {
		b.WriteString(f.Text)
		if f.Final {
			sawFinal = true
		}
	}
	if b.String() != "Hi there!" {
		t.Errorf("content = %q, want %q", b.String(), "Hi there!")
	}
	if !sawFinal {
		t.Error("no final fragment observed")
	}
}

func TestStreamSkipsMalformedLines(t *testing.T) {
	srv := ndjsonServer(t, []string{
		`{"message":{"content":"good"},"done":false}`,
		`{this is not json`,
		`{"message":{"content":" still good"},"done":false}`,
		`{"done":true}`,
	})
	c := NewClient(srv.URL, testLogger())

	var frags []Fragment
	err := c.Stream(context.Background(), "mistral", nil, nil, collectFragments(&frags))
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	var b strings.Builder
	for _, f := range frags {
		b.WriteString(f.Text)
	}
	if b.String() != "good still good" {
		t.Errorf("content = %q, want %q", b.String(), "good still good")
	}
}

func TestStreamRemoteError(t *testing.T) {
	srv := ndjsonServer(t, []string{
		`{"message":{"content":"Partial"},"done":false}`,
		`{"error":"model crashed"}`,
	})
	c := NewClient(srv.URL, testLogger())

	var frags []Fragment
	err := c.Stream(context.Background(), "mistral", nil, nil, collectFragments(&frags))

	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("err = %v, want RemoteError", err)
	}
	if remote.Message != "model crashed" {
		t.Errorf("message = %q, want %q", remote.Message, "model crashed")
	}

	// Fragments consumed before the error stay valid.
	if len(frags) != 1 || frags[0].Text != "Partial" {
		t.Errorf("fragments before error = %v, want [Partial]", frags)
	}
}

func TestStreamAbruptClose(t *testing.T) {
	// No done marker: the server just stops sending.
	srv := ndjsonServer(t, []string{
		`{"message":{"content":"Partial"},"done":false}`,
	})
	c := NewClient(srv.URL, testLogger())

	var frags []Fragment
	err := c.Stream(context.Background(), "mistral", nil, nil, collectFragments(&frags))
	if err != nil {
		t.Fatalf("abrupt close should not error, got %v", err)
	}

	if len(frags) != 1 || frags[0].Text != "Partial" {
		t.Fatalf("fragments = %v, want [Partial]", frags)
	}
	if frags[0].Final {
		t.Error("truncated stream reported a final fragment")
	}
}

func TestStreamModelNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintln(w, `{"error":"model \"nope\" not found"}`)
	}))
	t.Cleanup(srv.Close)
	c := NewClient(srv.URL, testLogger())

	err := c.Stream(context.Background(), "nope", nil, nil, func(Fragment) {})
	if !errors.Is(err, ErrModelNotFound) {
		t.Errorf("err = %v, want ErrModelNotFound", err)
	}
}

func TestStreamUnreachable(t *testing.T) {
	// Port from a closed listener: connection refused.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := NewClient(url, testLogger())
	err := c.Stream(context.Background(), "mistral", nil, nil, func(Fragment) {})
	if !errors.Is(err, ErrUnreachable) {
		t.Errorf("err = %v, want ErrUnreachable", err)
	}
}

func TestStreamContextCancel(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"message":{"content":"one"},"done":false}`)
		w.(http.Flusher).Flush()
		<-release
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	c := NewClient(srv.URL, testLogger())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- c.Stream(ctx, "mistral", nil, nil, func(Fragment) {})
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not return after cancel")
	}
}

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintln(w, `{"models":[{"name":"mistral"},{"name":"llama3:8b"}]}`)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, testLogger())
	models, err := c.ListModels(context.Background())
	if err != nil {
		t.Fatalf("list models: %v", err)
	}
	if len(models) != 2 || models[0] != "mistral" || models[1] != "llama3:8b" {
		t.Errorf("models = %v, want [mistral llama3:8b]", models)
	}
}

func TestListModelsUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := NewClient(url, testLogger())
	if _, err := c.ListModels(context.Background()); !errors.Is(err, ErrUnreachable) {
		t.Errorf("err = %v, want ErrUnreachable", err)
	}
}

func TestListModelsBadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `not json at all`)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, testLogger())
	_, err := c.ListModels(context.Background())
	var proto *ProtocolError
	if !errors.As(err, &proto) {
		t.Errorf("err = %v, want ProtocolError", err)
	}
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"models":[]}`)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, testLogger())
	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("ping: %v", err)
	}
}
