package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

const tagsBody = `{"models":[{"name":"croissantllm:latest","model":"croissantllm:latest"}]}`

type ollamaServer struct {
	*httptest.Server
	pulls     atomic.Int32
	warmups   atomic.Int32
	lastMsgs  atomic.Int32
	tags      string
	pullLines []string
	chatLines []string
}

func newOllamaServer(t *testing.T) *ollamaServer {
	t.Helper()

	s := &ollamaServer{tags: tagsBody}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/tags", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, s.tags)
	})
	mux.HandleFunc("POST /api/pull", func(w http.ResponseWriter, r *http.Request) {
		s.pulls.Add(1)
		for _, line := range s.pullLines {
			fmt.Fprintln(w, line)
		}
	})
	mux.HandleFunc("POST /api/generate", func(w http.ResponseWriter, r *http.Request) {
		s.warmups.Add(1)
		fmt.Fprint(w, `{"done":true}`)
	})
	mux.HandleFunc("POST /api/chat", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model    string    `json:"model"`
			Messages []Message `json:"messages"`
			Stream   bool      `json:"stream"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode chat request: %v", err)
		}
		if !req.Stream {
			t.Error("expected a streaming chat request")
		}
		s.lastMsgs.Store(int32(len(req.Messages)))
		for _, line := range s.chatLines {
			fmt.Fprintln(w, line)
		}
	})
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func TestNewOllamaBackend_Defaults(t *testing.T) {
	b := NewOllamaBackend("")

	if b.baseURL != defaultOllamaURL {
		t.Errorf("expected default URL %q, got %q", defaultOllamaURL, b.baseURL)
	}
	if b.Name() != "ollama" {
		t.Errorf("expected name 'ollama', got %q", b.Name())
	}

	b = NewOllamaBackend("http://gpu-box:11434/")
	if b.baseURL != "http://gpu-box:11434" {
		t.Errorf("expected trailing slash trimmed, got %q", b.baseURL)
	}
}

func TestSameModel(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"croissantllm", "croissantllm:latest", true},
		{"croissantllm:latest", "croissantllm", true},
		{"croissantllm:1.3b", "croissantllm", false},
		{"croissantllm:1.3b", "croissantllm:1.3b", true},
		{"", "", false},
	}

	for _, tt := range tests {
		if got := sameModel(tt.a, tt.b); got != tt.want {
			t.Errorf("sameModel(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestOllamaBackend_ProbeCachedModel(t *testing.T) {
	srv := newOllamaServer(t)
	b := NewOllamaBackend(srv.URL)

	ok, err := b.ProbeCachedModel(context.Background(), "croissantllm")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("expected pulled model to be reported as cached")
	}

	ok, err = b.ProbeCachedModel(context.Background(), "mistral")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected unknown model to be reported as absent")
	}
}

func TestOllamaBackend_ProbeCachedModel_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewOllamaBackend(srv.URL).ProbeCachedModel(context.Background(), "croissantllm")
	if err == nil {
		t.Error("expected error for status 500")
	}
}

func TestOllamaBackend_CreateSession_Cached(t *testing.T) {
	srv := newOllamaServer(t)
	b := NewOllamaBackend(srv.URL)

	var reports []InitProgress
	sess, err := b.CreateSession(context.Background(), "croissantllm", func(p InitProgress) {
		reports = append(reports, p)
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if sess == nil {
		t.Fatal("expected non-nil session")
	}

	if srv.pulls.Load() != 0 {
		t.Error("cached model must not be pulled")
	}
	if srv.warmups.Load() != 1 {
		t.Errorf("expected one warm-up, got %d", srv.warmups.Load())
	}
	if len(reports) < 2 {
		t.Fatalf("expected at least 2 progress reports, got %d", len(reports))
	}
	if !strings.HasPrefix(reports[0].Text, cacheLoadText) {
		t.Errorf("expected cache load text, got %q", reports[0].Text)
	}
	if reports[len(reports)-1].Fraction != 1 {
		t.Errorf("expected final fraction 1, got %v", reports[len(reports)-1].Fraction)
	}
}

func TestOllamaBackend_CreateSession_Pull(t *testing.T) {
	srv := newOllamaServer(t)
	srv.tags = `{"models":[]}`
	srv.pullLines = []string{
		`{"status":"pulling manifest"}`,
		`{"status":"pulling 3a1f","total":200,"completed":100}`,
		`{"status":"pulling 3a1f","total":200,"completed":200}`,
		`{"status":"success"}`,
	}
	b := NewOllamaBackend(srv.URL)

	var reports []InitProgress
	if _, err := b.CreateSession(context.Background(), "croissantllm", func(p InitProgress) {
		reports = append(reports, p)
	}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if srv.pulls.Load() != 1 {
		t.Errorf("expected one pull, got %d", srv.pulls.Load())
	}
	if len(reports) != 5 {
		t.Fatalf("expected 5 progress reports, got %d", len(reports))
	}
	if reports[1].Fraction != 0.5 {
		t.Errorf("expected fraction 0.5, got %v", reports[1].Fraction)
	}
	for _, r := range reports[:4] {
		if r.Fraction >= 1 {
			t.Errorf("intermediate report %q reached fraction %v", r.Text, r.Fraction)
		}
	}
	if reports[4].Fraction != 1 {
		t.Errorf("expected final fraction 1, got %v", reports[4].Fraction)
	}
}

func TestOllamaBackend_CreateSession_PullError(t *testing.T) {
	srv := newOllamaServer(t)
	srv.tags = `{"models":[]}`
	srv.pullLines = []string{`{"error":"pull model manifest: file does not exist"}`}

	_, err := NewOllamaBackend(srv.URL).CreateSession(context.Background(), "nope", nil)
	if err == nil {
		t.Fatal("expected pull error")
	}
	if !strings.Contains(err.Error(), "file does not exist") {
		t.Errorf("expected server message in error, got %v", err)
	}
	if srv.warmups.Load() != 0 {
		t.Error("failed pull must not warm the model")
	}
}

func newOllamaSession(t *testing.T, srv *ollamaServer) Session {
	t.Helper()
	sess, err := NewOllamaBackend(srv.URL).CreateSession(context.Background(), "croissantllm", nil)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return sess
}

func drain(t *testing.T, st Stream) string {
	t.Helper()
	var out strings.Builder
	for st.Next() {
		out.WriteString(st.Delta())
	}
	return out.String()
}

func TestOllamaSession_StreamCompletion(t *testing.T) {
	srv := newOllamaServer(t)
	srv.chatLines = []string{
		`{"message":{"role":"assistant","content":"Bon"},"done":false}`,
		`{"message":{"role":"assistant","content":"jour"},"done":false}`,
		`{"message":{"role":"assistant","content":""},"done":true,"prompt_eval_count":10,"prompt_eval_duration":100000000,"eval_count":5,"eval_duration":100000000}`,
	}
	sess := newOllamaSession(t, srv)

	if _, err := sess.RuntimeStatsText(context.Background()); !errors.Is(err, ErrNoStats) {
		t.Errorf("expected ErrNoStats before any generation, got %v", err)
	}

	st, err := sess.StreamCompletion(context.Background(), UserRequest("Hello"))
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	got := drain(t, st)
	if err := st.Err(); err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if got != "Bonjour" {
		t.Errorf("expected 'Bonjour', got %q", got)
	}

	stats, err := sess.RuntimeStatsText(context.Background())
	if err != nil {
		t.Fatalf("RuntimeStatsText: %v", err)
	}
	want := "prefill: 100.0 tokens/sec, decoding: 50.0 tokens/sec"
	if stats != want {
		t.Errorf("expected %q, got %q", want, stats)
	}
}

func TestOllamaSession_ConversationHistory(t *testing.T) {
	srv := newOllamaServer(t)
	srv.chatLines = []string{`{"message":{"role":"assistant","content":"ok"},"done":true}`}
	sess := newOllamaSession(t, srv)
	ctx := context.Background()

	run := func() {
		st, err := sess.StreamCompletion(ctx, UserRequest("Hello"))
		if err != nil {
			t.Fatalf("StreamCompletion: %v", err)
		}
		drain(t, st)
		st.Close()
	}

	run()
	if srv.lastMsgs.Load() != 1 {
		t.Errorf("expected 1 message, got %d", srv.lastMsgs.Load())
	}

	run()
	if srv.lastMsgs.Load() != 3 {
		t.Errorf("expected user, assistant, user, got %d messages", srv.lastMsgs.Load())
	}

	if err := sess.ResetConversation(ctx); err != nil {
		t.Fatalf("ResetConversation: %v", err)
	}
	run()
	if srv.lastMsgs.Load() != 1 {
		t.Errorf("expected history cleared by reset, got %d messages", srv.lastMsgs.Load())
	}
}

func TestOllamaSession_StreamError(t *testing.T) {
	srv := newOllamaServer(t)
	srv.chatLines = []string{
		`{"message":{"role":"assistant","content":"Bon"},"done":false}`,
		`{"error":"model runner has unexpectedly stopped"}`,
	}
	sess := newOllamaSession(t, srv)

	st, err := sess.StreamCompletion(context.Background(), UserRequest("Hello"))
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	defer st.Close()

	if got := drain(t, st); got != "Bon" {
		t.Errorf("expected partial 'Bon', got %q", got)
	}
	if st.Err() == nil {
		t.Error("expected stream error")
	}
}

func TestOllamaSession_Interrupt(t *testing.T) {
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/tags", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, tagsBody)
	})
	mux.HandleFunc("POST /api/generate", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"done":true}`)
	})
	mux.HandleFunc("POST /api/chat", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"Bon"},"done":false}`)
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	defer close(release)

	sess, err := NewOllamaBackend(srv.URL).CreateSession(context.Background(), "croissantllm", nil)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	st, err := sess.StreamCompletion(context.Background(), UserRequest("Hello"))
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	defer st.Close()

	if !st.Next() || st.Delta() != "Bon" {
		t.Fatalf("expected first delta 'Bon', got %q", st.Delta())
	}
	sess.InterruptGeneration()

	if st.Next() {
		t.Error("expected stream to end after interrupt")
	}
	if err := st.Err(); err != nil {
		t.Errorf("interrupted stream must end without error, got %v", err)
	}
}
