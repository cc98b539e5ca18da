package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/valpere/croissant/internal/backend"
	"github.com/valpere/croissant/internal/metrics"
)

var (
	// ErrBackendInit means the session or model could not be created.
	ErrBackendInit = errors.New("backend initialization failed")
	// ErrBackendReset means the conversation could not be reset, usually
	// because no session exists yet.
	ErrBackendReset = errors.New("conversation reset failed")
	// ErrStream means a generation failed mid-stream.
	ErrStream = errors.New("generation stream failed")
	// ErrNoStats is returned by StatsSnapshot before the first finished generation.
	ErrNoStats = errors.New("no runtime stats before the first completed generation")
)

// CacheState is the last known presence of the model weights.
type CacheState int32

const (
	CacheUnknown CacheState = iota
	CachePresent
	CacheAbsent
)

func (c CacheState) String() string {
	switch c {
	case CachePresent:
		return "present"
	case CacheAbsent:
		return "absent"
	}
	return "unknown"
}

// Phase tells whether a load is downloading weights or reading them from the
// local cache into memory.
type Phase int

const (
	Downloading Phase = iota
	LoadingIntoMemory
)

func (p Phase) String() string {
	if p == LoadingIntoMemory {
		return "loading"
	}
	return "downloading"
}

// ProgressReport is one model-load progress event.
type ProgressReport struct {
	Phase    Phase
	Fraction float64
	Text     string
}

// Done reports whether r ends the load phase.
func (r ProgressReport) Done() bool {
	return r.Fraction >= 1
}

const (
	defaultProgressBuffer = 64
	// cacheLoadPrefix is what backends report when reading weights from cache.
	cacheLoadPrefix = "Loading model from cache"
)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. The default discards everything.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// WithProgressBuffer sets the capacity of the Progress channel.
func WithProgressBuffer(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.progress = make(chan ProgressReport, n)
		}
	}
}

// Manager owns the lifecycle of the one backend session: lazy creation,
// cache probe, progress forwarding, reset, interrupt and stats.
type Manager struct {
	backend backend.Backend
	modelID string
	log     *slog.Logger
	machine *Machine

	loads  singleflight.Group
	mu     sync.RWMutex
	handle backend.Session

	cache       atomic.Int32
	completed   atomic.Bool
	interrupted atomic.Bool
	progress    chan ProgressReport
}

// New returns a Manager for modelID. No backend call is made until
// EnsureReady or ProbeCache.
func New(b backend.Backend, modelID string, opts ...Option) *Manager {
	m := &Manager{
		backend:  b,
		modelID:  modelID,
		log:      slog.New(slog.DiscardHandler),
		machine:  NewMachine(),
		progress: make(chan ProgressReport, defaultProgressBuffer),
	}
	for _, opt := range opts {
		opt(m)
	}
	metrics.SetSessionState(m.machine.State().String())
	return m
}

// ModelID returns the model this manager loads.
func (m *Manager) ModelID() string { return m.modelID }

// State returns the current session state.
func (m *Manager) State() State { return m.machine.State() }

// Loading reports whether the model is being loaded.
func (m *Manager) Loading() bool { return m.machine.State() == Loading }

// Generating reports whether a completion is streaming.
func (m *Manager) Generating() bool { return m.machine.State() == Generating }

// Ready reports whether a session exists and is idle.
func (m *Manager) Ready() bool { return m.machine.State() == Ready }

// CacheState returns the result of the last ProbeCache.
func (m *Manager) CacheState() CacheState { return CacheState(m.cache.Load()) }

// Progress delivers load progress. Intermediate reports are dropped when the
// buffer is full; the final report of a load is always delivered.
func (m *Manager) Progress() <-chan ProgressReport { return m.progress }

func (m *Manager) fire(e Event) {
	s, err := m.machine.Fire(e)
	if err != nil {
		m.log.Warn("session transition rejected", "event", e.String(), "err", err)
		return
	}
	metrics.SetSessionState(s.String())
	m.log.Debug("session transition", "event", e.String(), "state", s.String())
}

func (m *Manager) session() backend.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.handle
}

// EnsureReady returns the session, creating it first if needed. Concurrent
// callers share one load.
func (m *Manager) EnsureReady(ctx context.Context) (backend.Session, error) {
	switch m.machine.State() {
	case Ready, Generating:
		return m.session(), nil
	}

	v, err, _ := m.loads.Do("load", func() (any, error) {
		return m.load(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(backend.Session), nil
}

func (m *Manager) load(ctx context.Context) (backend.Session, error) {
	switch m.machine.State() {
	case Ready, Generating:
		return m.session(), nil
	}

	if _, err := m.machine.Fire(EventCreate); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendInit, err)
	}
	metrics.SetSessionState(Loading.String())
	m.log.Info("loading model", "backend", m.backend.Name(), "model", m.modelID)

	start := time.Now()
	h, err := m.backend.CreateSession(ctx, m.modelID, m.onProgress)
	if err != nil {
		metrics.LoadDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		m.fire(EventLoadFailed)
		m.log.Error("model load failed", "model", m.modelID, "err", err)
		return nil, fmt.Errorf("%w: %v", ErrBackendInit, err)
	}
	metrics.LoadDuration.WithLabelValues("ok").Observe(time.Since(start).Seconds())

	m.mu.Lock()
	m.handle = h
	m.mu.Unlock()

	m.fire(EventLoadSucceeded)
	m.log.Info("model ready", "model", m.modelID, "elapsed", time.Since(start))
	return h, nil
}

func (m *Manager) onProgress(p backend.InitProgress) {
	phase := Downloading
	if m.CacheState() == CachePresent || strings.HasPrefix(p.Text, cacheLoadPrefix) {
		phase = LoadingIntoMemory
	}
	r := ProgressReport{Phase: phase, Fraction: p.Fraction, Text: p.Text}

	metrics.LoadProgress.Set(p.Fraction)
	m.publish(r)
}

func (m *Manager) publish(r ProgressReport) {
	select {
	case m.progress <- r:
		return
	default:
	}
	if !r.Done() {
		return
	}
	// Make room for the terminal report.
	select {
	case <-m.progress:
	default:
	}
	select {
	case m.progress <- r:
	default:
	}
}

// ProbeCache asks the backend whether the model weights are present. It does
// not touch the session state and may run at any time.
func (m *Manager) ProbeCache(ctx context.Context) (CacheState, error) {
	ok, err := m.backend.ProbeCachedModel(ctx, m.modelID)
	if err != nil {
		return CacheUnknown, fmt.Errorf("probe %s: %w", m.modelID, err)
	}

	state := CacheAbsent
	if ok {
		state = CachePresent
	}
	m.cache.Store(int32(state))
	m.log.Debug("model cache probed", "model", m.modelID, "cache", state.String())
	return state, nil
}

// ResetConversation clears the session's context so the next completion
// does not see earlier paragraphs.
func (m *Manager) ResetConversation(ctx context.Context) error {
	h := m.session()
	if h == nil {
		return fmt.Errorf("%w: no session", ErrBackendReset)
	}
	if err := h.ResetConversation(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendReset, err)
	}
	return nil
}

// Generate streams a single-message completion for prompt, passing every
// delta to onDelta in arrival order. An interrupted stream returns nil.
func (m *Manager) Generate(ctx context.Context, prompt string, onDelta func(string)) error {
	h := m.session()
	if h == nil {
		return fmt.Errorf("%w: no session", ErrStream)
	}
	// Cleared before the transition: once Generating is visible, an
	// Interrupt must stick.
	m.interrupted.Store(false)
	if _, err := m.machine.Fire(EventBeginGeneration); err != nil {
		return err
	}
	metrics.SetSessionState(Generating.String())

	start := time.Now()
	stream, err := h.StreamCompletion(ctx, backend.UserRequest(prompt))
	if err != nil {
		return m.endGeneration(ctx, start, err)
	}

	for stream.Next() {
		metrics.DeltasTotal.Inc()
		onDelta(stream.Delta())
	}
	err = stream.Err()
	if cerr := stream.Close(); err == nil && cerr != nil && !m.interrupted.Load() {
		err = cerr
	}
	return m.endGeneration(ctx, start, err)
}

func (m *Manager) endGeneration(ctx context.Context, start time.Time, err error) error {
	elapsed := time.Since(start).Seconds()

	switch {
	case m.interrupted.Load() || errors.Is(ctx.Err(), context.Canceled):
		metrics.GenerationDuration.WithLabelValues("interrupted").Observe(elapsed)
		m.fire(EventInterrupt)
		return nil
	case err != nil:
		metrics.GenerationDuration.WithLabelValues("error").Observe(elapsed)
		m.fire(EventStreamError)
		m.log.Error("generation failed", "err", err)
		return fmt.Errorf("%w: %v", ErrStream, err)
	}

	metrics.GenerationDuration.WithLabelValues("ok").Observe(elapsed)
	m.completed.Store(true)
	m.fire(EventStreamEnd)
	return nil
}

// Interrupt asks the backend to stop the in-flight generation. It is a no-op
// when nothing is generating. The backend may still deliver one more delta.
func (m *Manager) Interrupt() {
	if m.machine.State() != Generating {
		return
	}
	h := m.session()
	if h == nil {
		return
	}
	m.interrupted.Store(true)
	h.InterruptGeneration()
	m.log.Debug("generation interrupt requested")
}

// StatsSnapshot returns the backend's runtime stats text.
func (m *Manager) StatsSnapshot(ctx context.Context) (string, error) {
	h := m.session()
	if h == nil || !m.completed.Load() {
		return "", ErrNoStats
	}
	stats, err := h.RuntimeStatsText(ctx)
	if err != nil {
		return "", fmt.Errorf("runtime stats: %v", err)
	}
	return stats, nil
}

// Close releases the session, if any.
func (m *Manager) Close() error {
	h := m.session()
	if h == nil {
		return nil
	}
	return h.Close()
}
