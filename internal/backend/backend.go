// Package backend defines the inference capabilities the translator relies on
// and provides adapters for concrete model servers.
//
// A Backend creates at most one Session per model. A Session is stateful: it
// keeps the running conversation until ResetConversation is called, and only
// one completion may stream from it at a time.
package backend

import (
	"context"
	"errors"
)

// ErrNoStats is returned by RuntimeStatsText before any generation finished.
var ErrNoStats = errors.New("no completed generation yet")

// Message is a single chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a streamed completion request.
type Request struct {
	Messages []Message `json:"messages"`
}

// UserRequest builds a request holding one user message.
func UserRequest(content string) Request {
	return Request{Messages: []Message{{Role: "user", Content: content}}}
}

// InitProgress is reported while a session is being created. Fraction == 1
// ends the phase.
type InitProgress struct {
	Text     string
	Fraction float64
}

// ProgressFunc receives InitProgress events.
type ProgressFunc func(InitProgress)

// Backend creates sessions and answers cache questions.
type Backend interface {
	Name() string
	CreateSession(ctx context.Context, modelID string, onProgress ProgressFunc) (Session, error)
	ProbeCachedModel(ctx context.Context, modelID string) (bool, error)
}

// Session is a loaded model ready to generate completions.
type Session interface {
	ResetConversation(ctx context.Context) error
	StreamCompletion(ctx context.Context, req Request) (Stream, error)
	// InterruptGeneration stops the in-flight stream, if any. Safe to call at
	// any time from any goroutine.
	InterruptGeneration()
	RuntimeStatsText(ctx context.Context) (string, error)
	Close() error
}

// Stream is a finite, non-restartable sequence of text deltas.
//
//	for s.Next() {
//		use(s.Delta())
//	}
//	err := s.Err()
//
// An interrupted stream ends without error.
type Stream interface {
	Next() bool
	Delta() string
	Err() error
	Close() error
}
