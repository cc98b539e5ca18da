package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	defaultOllamaURL = "http://localhost:11434"
	// cacheLoadText prefixes progress reported when the weights are already local.
	cacheLoadText = "Loading model from cache"
)

// OllamaBackend talks to a local or remote Ollama server.
type OllamaBackend struct {
	baseURL string
	http    *resty.Client
}

// NewOllamaBackend creates a backend for baseURL. Streaming requests have no
// client timeout; callers bound them with a context.
func NewOllamaBackend(baseURL string) *OllamaBackend {
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}
	return &OllamaBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    resty.New(),
	}
}

func (b *OllamaBackend) Name() string {
	return "ollama"
}

// ProbeCachedModel reports whether modelID is already pulled.
func (b *OllamaBackend) ProbeCachedModel(ctx context.Context, modelID string) (bool, error) {
	var tags struct {
		Models []struct {
			Name  string `json:"name"`
			Model string `json:"model"`
		} `json:"models"`
	}
	resp, err := b.http.R().
		SetContext(ctx).
		SetResult(&tags).
		ForceContentType("application/json").
		Get(b.baseURL + "/api/tags")
	if err != nil {
		return false, fmt.Errorf("ollama: request: %w", err)
	}
	if resp.IsError() {
		return false, fmt.Errorf("ollama: unexpected status %d", resp.StatusCode())
	}

	for _, m := range tags.Models {
		if sameModel(m.Name, modelID) || sameModel(m.Model, modelID) {
			return true, nil
		}
	}
	return false, nil
}

// sameModel compares names treating a missing tag as ":latest".
func sameModel(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	if !strings.Contains(a, ":") {
		a += ":latest"
	}
	if !strings.Contains(b, ":") {
		b += ":latest"
	}
	return a == b
}

// CreateSession pulls the model if needed, loads it into memory and returns a
// session holding an empty conversation.
func (b *OllamaBackend) CreateSession(ctx context.Context, modelID string, onProgress ProgressFunc) (Session, error) {
	if onProgress == nil {
		onProgress = func(InitProgress) {}
	}

	cached, err := b.ProbeCachedModel(ctx, modelID)
	if err != nil {
		return nil, err
	}

	if cached {
		onProgress(InitProgress{Text: fmt.Sprintf("%s[%s]", cacheLoadText, modelID), Fraction: 0})
	} else if err := b.pull(ctx, modelID, onProgress); err != nil {
		return nil, err
	}

	if err := b.warm(ctx, modelID); err != nil {
		return nil, err
	}
	onProgress(InitProgress{Text: fmt.Sprintf("Finish loading %s", modelID), Fraction: 1})

	return &OllamaSession{backend: b, model: modelID}, nil
}

type ollamaPullStatus struct {
	Status    string `json:"status"`
	Total     int64  `json:"total"`
	Completed int64  `json:"completed"`
	Error     string `json:"error"`
}

func (b *OllamaBackend) pull(ctx context.Context, modelID string, onProgress ProgressFunc) error {
	body, err := b.post(ctx, "/api/pull", map[string]any{"model": modelID, "stream": true})
	if err != nil {
		return err
	}
	defer body.Close()

	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		var st ollamaPullStatus
		if err := json.Unmarshal(scanner.Bytes(), &st); err != nil {
			return fmt.Errorf("ollama: decode pull status: %w", err)
		}
		if st.Error != "" {
			return fmt.Errorf("ollama: pull %s: %s", modelID, st.Error)
		}

		fraction := 0.0
		if st.Total > 0 {
			fraction = float64(st.Completed) / float64(st.Total)
		}
		// Fraction 1 is reserved for the end of the whole load.
		if fraction >= 1 {
			fraction = 0.99
		}
		onProgress(InitProgress{Text: st.Status, Fraction: fraction})
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("ollama: read pull stream: %w", err)
	}
	return nil
}

// warm asks Ollama to load the model without generating anything.
func (b *OllamaBackend) warm(ctx context.Context, modelID string) error {
	body, err := b.post(ctx, "/api/generate", map[string]any{"model": modelID, "stream": false})
	if err != nil {
		return err
	}
	defer body.Close()
	_, _ = io.Copy(io.Discard, body)
	return nil
}

// post sends payload as JSON and returns the unread response body, which the
// caller must close.
func (b *OllamaBackend) post(ctx context.Context, path string, payload any) (io.ReadCloser, error) {
	resp, err := b.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		SetDoNotParseResponse(true).
		Post(b.baseURL + path)
	if err != nil {
		return nil, fmt.Errorf("ollama: request: %w", err)
	}
	if resp.IsError() {
		resp.RawBody().Close()
		return nil, fmt.Errorf("ollama: %s returned status %d", path, resp.StatusCode())
	}
	return resp.RawBody(), nil
}

// OllamaSession streams chat completions from /api/chat.
type OllamaSession struct {
	backend *OllamaBackend
	model   string
	conv    conversation

	statsMu sync.Mutex
	stats   *ollamaStats
}

type ollamaStats struct {
	PromptEvalCount    int64 `json:"prompt_eval_count"`
	PromptEvalDuration int64 `json:"prompt_eval_duration"`
	EvalCount          int64 `json:"eval_count"`
	EvalDuration       int64 `json:"eval_duration"`
}

type ollamaChatChunk struct {
	Message Message `json:"message"`
	Done    bool    `json:"done"`
	Error   string  `json:"error"`
	ollamaStats
}

func (s *OllamaSession) ResetConversation(ctx context.Context) error {
	s.conv.reset()
	return nil
}

func (s *OllamaSession) StreamCompletion(ctx context.Context, req Request) (Stream, error) {
	msgs, streamCtx := s.conv.begin(ctx, req)

	body, err := s.backend.post(streamCtx, "/api/chat", map[string]any{
		"model":    s.model,
		"messages": msgs,
		"stream":   true,
	})
	if err != nil {
		s.conv.finish("")
		return nil, err
	}

	return &ollamaStream{
		session: s,
		body:    body,
		scanner: bufio.NewScanner(body),
	}, nil
}

func (s *OllamaSession) InterruptGeneration() {
	s.conv.interrupt()
}

// RuntimeStatsText formats throughput of the last finished generation.
func (s *OllamaSession) RuntimeStatsText(ctx context.Context) (string, error) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()

	if s.stats == nil {
		return "", ErrNoStats
	}
	return fmt.Sprintf("prefill: %.1f tokens/sec, decoding: %.1f tokens/sec",
		rate(s.stats.PromptEvalCount, time.Duration(s.stats.PromptEvalDuration)),
		rate(s.stats.EvalCount, time.Duration(s.stats.EvalDuration))), nil
}

func (s *OllamaSession) Close() error {
	s.conv.interrupt()
	return nil
}

func rate(tokens int64, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(tokens) / d.Seconds()
}

type ollamaStream struct {
	session *OllamaSession
	body    io.ReadCloser
	scanner *bufio.Scanner
	delta   string
	reply   strings.Builder
	done    bool
	err     error
	closed  bool
}

func (st *ollamaStream) Next() bool {
	if st.done || st.err != nil {
		return false
	}

	for st.scanner.Scan() {
		var chunk ollamaChatChunk
		if err := json.Unmarshal(st.scanner.Bytes(), &chunk); err != nil {
			st.err = fmt.Errorf("ollama: decode chunk: %w", err)
			return false
		}
		if chunk.Error != "" {
			st.err = fmt.Errorf("ollama: %s", chunk.Error)
			return false
		}
		if chunk.Done {
			st.done = true
			stats := chunk.ollamaStats
			st.session.statsMu.Lock()
			st.session.stats = &stats
			st.session.statsMu.Unlock()
		}
		if chunk.Message.Content != "" {
			st.delta = chunk.Message.Content
			st.reply.WriteString(st.delta)
			return true
		}
		if st.done {
			return false
		}
	}

	st.done = true
	if err := st.scanner.Err(); err != nil && !st.session.conv.wasInterrupted() {
		st.err = fmt.Errorf("ollama: read stream: %w", err)
	}
	return false
}

func (st *ollamaStream) Delta() string { return st.delta }

func (st *ollamaStream) Err() error { return st.err }

func (st *ollamaStream) Close() error {
	if st.closed {
		return nil
	}
	st.closed = true
	st.session.conv.finish(st.reply.String())
	return st.body.Close()
}
