package backend

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"
)

// MockBackend is a mock implementation of Backend using testify/mock.
type MockBackend struct {
	mock.Mock
}

func (m *MockBackend) Name() string { return "mock" }

func (m *MockBackend) CreateSession(ctx context.Context, modelID string, onProgress ProgressFunc) (Session, error) {
	args := m.Called(ctx, modelID, onProgress)
	if s, ok := args.Get(0).(Session); ok {
		return s, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockBackend) ProbeCachedModel(ctx context.Context, modelID string) (bool, error) {
	args := m.Called(ctx, modelID)
	return args.Bool(0), args.Error(1)
}

// MockSession is a mock implementation of Session using testify/mock.
type MockSession struct {
	mock.Mock
}

func (m *MockSession) ResetConversation(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockSession) StreamCompletion(ctx context.Context, req Request) (Stream, error) {
	args := m.Called(ctx, req)
	if s, ok := args.Get(0).(Stream); ok {
		return s, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockSession) InterruptGeneration() {
	m.Called()
}

func (m *MockSession) RuntimeStatsText(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockSession) Close() error {
	return m.Called().Error(0)
}

// ScriptedStream replays fixed deltas and then ends with Fail (nil for a
// clean end). OnDelta, when set, runs after each delta is handed out.
type ScriptedStream struct {
	Deltas  []string
	Fail    error
	OnDelta func(i int)

	mu        sync.Mutex
	pos       int
	stopped   bool
	CloseHits int
}

// NewScriptedStream returns a stream yielding deltas in order.
func NewScriptedStream(deltas ...string) *ScriptedStream {
	return &ScriptedStream{Deltas: deltas}
}

func (s *ScriptedStream) Next() bool {
	s.mu.Lock()
	if s.stopped || s.pos >= len(s.Deltas) {
		s.mu.Unlock()
		return false
	}
	s.pos++
	i := s.pos - 1
	hook := s.OnDelta
	s.mu.Unlock()

	if hook != nil {
		hook(i)
	}
	return true
}

func (s *ScriptedStream) Delta() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos == 0 {
		return ""
	}
	return s.Deltas[s.pos-1]
}

func (s *ScriptedStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	return s.Fail
}

// Stop ends the stream after the delta currently handed out, as an
// interrupted backend would.
func (s *ScriptedStream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
}

func (s *ScriptedStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseHits++
	return nil
}
