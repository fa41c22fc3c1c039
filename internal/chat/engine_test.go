package chat

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"nexus-chat/internal/history"
	"nexus-chat/internal/ollama"
	"nexus-chat/internal/session"

	_ "modernc.org/sqlite"
)

// fakeClient scripts an inference stream for the engine.
type fakeClient struct {
	mu        sync.Mutex
	fragments []ollama.Fragment
	err       error
	delay     time.Duration // between fragments
	block     bool          // hold the stream open until ctx cancels
	models    []string

	gotModel    string
	gotMessages []ollama.Message
}

func (f *fakeClient) Stream(ctx context.Context, model string, messages []ollama.Message, opts *ollama.Options, fn func(ollama.Fragment)) error {
	f.mu.Lock()
	f.gotModel = model
	f.gotMessages = messages
	f.mu.Unlock()

	for _, fr := range f.fragments {
		if f.delay > 0 {
			select {
			case <-time.After(f.delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fn(fr)
	}
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return f.err
}

func (f *fakeClient) ListModels(ctx context.Context) ([]string, error) {
	return f.models, nil
}

func (f *fakeClient) Ping(ctx context.Context) error { return nil }

func setupEngine(t *testing.T, client Inference, cfg Config) (*Engine, *session.Registry) {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := history.NewStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := session.NewRegistry(store, "", logger)
	return NewEngine(reg, client, cfg, logger), reg
}

func fragments(texts ...string) []ollama.Fragment {
	var out []ollama.Fragment
	for _, t := range texts {
		out = append(out, ollama.Fragment{Text: t})
	}
	return append(out, ollama.Fragment{Final: true})
}

func TestSendMessageHappyPath(t *testing.T) {
	client := &fakeClient{fragments: fragments("Hi", " there", "!")}
	engine, reg := setupEngine(t, client, Config{BufferSize: 1})

	sess, err := reg.GetOrCreate("mistral")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	var streamed []string
	msg, err := engine.SendMessage(context.Background(), sess.ID, "Hello",
		func(s string) { streamed = append(streamed, s) })
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if msg.Content != "Hi there!" {
		t.Errorf("content = %q, want %q", msg.Content, "Hi there!")
	}
	if msg.Status != history.StatusComplete {
		t.Errorf("status = %q, want complete", msg.Status)
	}
	if msg.Role != history.RoleAssistant {
		t.Errorf("role = %q, want assistant", msg.Role)
	}
	if joined := strings.Join(streamed, ""); joined != "Hi there!" {
		t.Errorf("streamed = %q, want %q", joined, "Hi there!")
	}

	// Exactly one user and one assistant message in durable history.
	got, err := reg.Get(sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if len(got.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(got.Messages))
	}
	user, assistant := got.Messages[0], got.Messages[1]
	if user.Role != history.RoleUser || user.Content != "Hello" || user.Status != history.StatusComplete {
		t.Errorf("user message = %+v", user)
	}
	if assistant.ParentID != user.ID {
		t.Errorf("assistant parent = %q, want %q", assistant.ParentID, user.ID)
	}
}

func TestSendMessageAbruptDrop(t *testing.T) {
	// One fragment, then the connection drops: no final marker, no error.
	client := &fakeClient{fragments: []ollama.Fragment{{Text: "Partial"}}}
	engine, reg := setupEngine(t, client, Config{BufferSize: 1})

	sess, _ := reg.GetOrCreate("mistral")
	msg, err := engine.SendMessage(context.Background(), sess.ID, "Hello", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if msg.Content != "Partial" {
		t.Errorf("content = %q, want Partial", msg.Content)
	}
	if msg.Status != history.StatusError {
		t.Errorf("status = %q, want error", msg.Status)
	}
	if msg.Error == "" {
		t.Error("error reason empty")
	}
}

func TestSendMessageRemoteError(t *testing.T) {
	client := &fakeClient{
		fragments: []ollama.Fragment{{Text: "Part"}, {Text: "ial"}},
		err:       &ollama.RemoteError{Message: "model crashed"},
	}
	engine, reg := setupEngine(t, client, Config{BufferSize: 1})

	sess, _ := reg.GetOrCreate("mistral")
	msg, err := engine.SendMessage(context.Background(), sess.ID, "Hello", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	// Partial output is never discarded.
	if msg.Content != "Partial" {
		t.Errorf("content = %q, want Partial", msg.Content)
	}
	if msg.Status != history.StatusError {
		t.Errorf("status = %q, want error", msg.Status)
	}
	if !strings.Contains(msg.Error, "model crashed") {
		t.Errorf("error = %q, want remote message", msg.Error)
	}
}

func TestSendMessageFailureBeforeFirstFragment(t *testing.T) {
	client := &fakeClient{err: ollama.ErrUnreachable}
	engine, reg := setupEngine(t, client, Config{})

	sess, _ := reg.GetOrCreate("mistral")
	msg, err := engine.SendMessage(context.Background(), sess.ID, "Hello", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if msg.Status != history.StatusError {
		t.Errorf("status = %q, want error", msg.Status)
	}

	// The user's input survives an immediate failure, and the failed
	// turn still appears in history.
	got, _ := reg.Get(sess.ID)
	if len(got.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(got.Messages))
	}
	if got.Messages[0].Content != "Hello" || got.Messages[0].Status != history.StatusComplete {
		t.Errorf("user message = %+v", got.Messages[0])
	}
	if got.Messages[1].Status != history.StatusError {
		t.Errorf("assistant message = %+v", got.Messages[1])
	}
}

func TestSendMessageUnknownSession(t *testing.T) {
	engine, reg := setupEngine(t, &fakeClient{}, Config{})

	_, err := engine.SendMessage(context.Background(), "no-such-session", "Hello", nil)
	if !errors.Is(err, history.ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}

	// Structural errors have no persistence side effects.
	sessions, _ := reg.List(false)
	if len(sessions) != 0 {
		t.Errorf("sessions = %d, want 0", len(sessions))
	}
}

func TestSendMessageNoModel(t *testing.T) {
	engine, reg := setupEngine(t, &fakeClient{}, Config{})

	// A session can exist without a bound model (restored state).
	sess, _ := reg.GetOrCreate("mistral")
	if err := reg.SetModel(sess.ID, ""); err != nil {
		t.Fatalf("clear model: %v", err)
	}

	_, err := engine.SendMessage(context.Background(), sess.ID, "Hello", nil)
	if !errors.Is(err, ErrNoModelSelected) {
		t.Errorf("err = %v, want ErrNoModelSelected", err)
	}

	got, _ := reg.Get(sess.ID)
	if len(got.Messages) != 0 {
		t.Errorf("messages = %d, want 0 after precondition failure", len(got.Messages))
	}
}

func TestSendMessageAlreadyGenerating(t *testing.T) {
	client := &fakeClient{
		fragments: []ollama.Fragment{{Text: "thinking"}},
		block:     true,
	}
	engine, reg := setupEngine(t, client, Config{BufferSize: 1})
	sess, _ := reg.GetOrCreate("mistral")

	firstStarted := make(chan struct{})
	firstDone := make(chan *history.Message, 1)
	go func() {
		msg, _ := engine.SendMessage(context.Background(), sess.ID, "first",
			func(string) {
				select {
				case <-firstStarted:
				default:
					close(firstStarted)
				}
			})
		firstDone <- msg
	}()

	<-firstStarted

	_, err := engine.SendMessage(context.Background(), sess.ID, "second", nil)
	if !errors.Is(err, ErrAlreadyGenerating) {
		t.Errorf("err = %v, want ErrAlreadyGenerating", err)
	}

	// The first call proceeds unaffected; cancel to unblock it.
	engine.Cancel(sess.ID)
	msg := <-firstDone
	if msg == nil {
		t.Fatal("first send returned nil message")
	}
	if msg.Content != "thinking" {
		t.Errorf("first content = %q, want thinking", msg.Content)
	}

	// Only the first call's turn reached history.
	got, _ := reg.Get(sess.ID)
	if len(got.Messages) != 2 {
		t.Errorf("messages = %d, want 2", len(got.Messages))
	}
}

func TestCancelPersistsPartialAndReturnsToIdle(t *testing.T) {
	client := &fakeClient{
		fragments: []ollama.Fragment{{Text: "Par"}, {Text: "tial"}},
		block:     true,
	}
	engine, reg := setupEngine(t, client, Config{BufferSize: 1})
	sess, _ := reg.GetOrCreate("mistral")

	received := make(chan struct{}, 8)
	done := make(chan *history.Message, 1)
	go func() {
		msg, _ := engine.SendMessage(context.Background(), sess.ID, "Hello",
			func(string) { received <- struct{}{} })
		done <- msg
	}()

	<-received
	if !engine.Generating(sess.ID) {
		t.Error("Generating = false during stream")
	}

	if !engine.Cancel(sess.ID) {
		t.Error("Cancel found nothing in flight")
	}

	msg := <-done
	if msg.Status != history.StatusError {
		t.Errorf("status = %q, want error", msg.Status)
	}
	if msg.Error != CancelledReason {
		t.Errorf("error = %q, want %q", msg.Error, CancelledReason)
	}
	if msg.Content != "Partial" {
		t.Errorf("content = %q, want Partial", msg.Content)
	}

	// Session is Idle again: the next send succeeds.
	if engine.Generating(sess.ID) {
		t.Error("Generating = true after cancel")
	}
	client.block = false
	client.fragments = fragments("ok")
	if _, err := engine.SendMessage(context.Background(), sess.ID, "again", nil); err != nil {
		t.Errorf("send after cancel: %v", err)
	}
}

func TestCancelNothingInFlight(t *testing.T) {
	engine, reg := setupEngine(t, &fakeClient{}, Config{})
	sess, _ := reg.GetOrCreate("mistral")

	if engine.Cancel(sess.ID) {
		t.Error("Cancel reported an in-flight generation on an idle session")
	}
}

func TestRequestTimeout(t *testing.T) {
	client := &fakeClient{
		fragments: []ollama.Fragment{{Text: "slow"}},
		block:     true,
	}
	engine, reg := setupEngine(t, client, Config{
		BufferSize:     1,
		RequestTimeout: 50 * time.Millisecond,
	})
	sess, _ := reg.GetOrCreate("mistral")

	msg, err := engine.SendMessage(context.Background(), sess.ID, "Hello", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.Status != history.StatusError {
		t.Errorf("status = %q, want error", msg.Status)
	}
	if !strings.Contains(msg.Error, "timed out") {
		t.Errorf("error = %q, want timeout reason", msg.Error)
	}
	if msg.Content != "slow" {
		t.Errorf("partial content = %q, want slow", msg.Content)
	}
}

func TestPromptBuiltFromCompletedHistory(t *testing.T) {
	client := &fakeClient{fragments: fragments("fine")}
	engine, reg := setupEngine(t, client, Config{BufferSize: 1})

	sess, _ := reg.GetOrCreate("mistral")

	// Seed a completed exchange and one errored turn.
	prior := []*history.Message{
		history.NewMessage(sess.ID, history.RoleUser, "earlier question", history.StatusComplete),
		history.NewMessage(sess.ID, history.RoleAssistant, "earlier answer", history.StatusComplete),
		history.NewMessage(sess.ID, history.RoleAssistant, "broken turn", history.StatusError),
	}
	for _, m := range prior {
		if err := reg.AppendMessage(sess.ID, m); err != nil {
			t.Fatalf("seed message: %v", err)
		}
	}

	if _, err := engine.SendMessage(context.Background(), sess.ID, "new question", nil); err != nil {
		t.Fatalf("send: %v", err)
	}

	got := client.gotMessages
	want := []ollama.Message{
		{Role: history.RoleUser, Content: "earlier question"},
		{Role: history.RoleAssistant, Content: "earlier answer"},
		{Role: history.RoleUser, Content: "new question"},
	}
	if len(got) != len(want) {
		t.Fatalf("prompt has %d messages, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("prompt[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
	if client.gotModel != "mistral" {
		t.Errorf("model = %q, want mistral", client.gotModel)
	}
}

func TestConcurrentSessionsGenerateIndependently(t *testing.T) {
	client := &fakeClient{
		fragments: fragments("answer"),
		delay:     5 * time.Millisecond,
	}
	engine, reg := setupEngine(t, client, Config{BufferSize: 1})

	a, _ := reg.GetOrCreate("mistral")
	b, _ := reg.GetOrCreate("llama3")

	var wg sync.WaitGroup
	results := make([]*history.Message, 2)
	errs := make([]error, 2)
	for i, id := range []string{a.ID, b.ID} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			results[i], errs[i] = engine.SendMessage(context.Background(), id, "hello", nil)
		}(i, id)
	}
	wg.Wait()

	for i := range results {
		if errs[i] != nil {
			t.Errorf("session %d: %v", i, errs[i])
			continue
		}
		if results[i].Status != history.StatusComplete {
			t.Errorf("session %d status = %q, want complete", i, results[i].Status)
		}
		if results[i].Content != "answer" {
			t.Errorf("session %d content = %q, want answer", i, results[i].Content)
		}
	}
}

func TestListModelsPassthrough(t *testing.T) {
	client := &fakeClient{models: []string{"mistral", "llama3"}}
	engine, _ := setupEngine(t, client, Config{})

	models, err := engine.ListModels(context.Background())
	if err != nil {
		t.Fatalf("list models: %v", err)
	}
	if len(models) != 2 {
		t.Errorf("models = %v, want 2 entries", models)
	}
}
