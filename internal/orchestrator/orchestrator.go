// Package orchestrator runs translate jobs end to end: it splits the input
// into paragraphs and translates them one at a time over the single
// inference session, streaming every delta to the caller as it arrives.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/valpere/croissant/internal/backend"
	"github.com/valpere/croissant/internal/metrics"
	"github.com/valpere/croissant/internal/postprocess"
	"github.com/valpere/croissant/internal/prompt"
	"github.com/valpere/croissant/internal/segmenter"
	"github.com/valpere/croissant/internal/session"
)

// ErrBusy is returned when a job is started while another one is running.
var ErrBusy = errors.New("a translation is already running")

// Sessions is the part of session.Manager the orchestrator drives.
type Sessions interface {
	EnsureReady(ctx context.Context) (backend.Session, error)
	ResetConversation(ctx context.Context) error
	Generate(ctx context.Context, prompt string, onDelta func(string)) error
	Interrupt()
	StatsSnapshot(ctx context.Context) (string, error)
}

var _ Sessions = (*session.Manager)(nil)

type OrchestratorConfig struct {
	// Clean strips LLM artifacts from each finished paragraph before the
	// final output is assembled. Streamed deltas are never altered.
	Clean bool
	// StreamTimeout bounds each paragraph's generation. Model loading is
	// never bounded by it. Zero disables the limit.
	StreamTimeout time.Duration
	Logger        *slog.Logger
}

// Event is one streamed delta and the running output after appending it.
type Event struct {
	Paragraph int
	Delta     string
	Output    string
}

type OrchestratorResult struct {
	ID         string
	Direction  prompt.Direction
	Output     string
	Entries    []string
	Paragraphs int
	Translated int
	Cancelled  bool
	Stats      string
	Elapsed    time.Duration
}

type Orchestrator struct {
	sessions Sessions
	config   OrchestratorConfig
	log      *slog.Logger

	// busy holds one token while a job runs.
	busy chan struct{}

	mu  sync.Mutex
	job *job
}

type job struct {
	cancelled atomic.Bool
}

func New(sessions Sessions, config OrchestratorConfig) *Orchestrator {
	log := config.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Orchestrator{
		sessions: sessions,
		config:   config,
		log:      log,
		busy:     make(chan struct{}, 1),
	}
}

// Busy reports whether a job is running.
func (o *Orchestrator) Busy() bool {
	return len(o.busy) == 1
}

// acquire takes the busy token and registers the job under one lock.
func (o *Orchestrator) acquire() (*job, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	select {
	case o.busy <- struct{}{}:
	default:
		return nil, false
	}
	o.job = &job{}
	return o.job, true
}

func (o *Orchestrator) release() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.job = nil
	<-o.busy
}

// Translate runs a job to completion, calling emit for every delta. emit may
// be nil.
//
// On failure the returned result still holds the partial output together
// with the error. A cancelled job returns its partial output with
// Cancelled set and no error.
func (o *Orchestrator) Translate(ctx context.Context, text string, dir prompt.Direction, emit func(Event)) (*OrchestratorResult, error) {
	j, ok := o.acquire()
	if !ok {
		return nil, ErrBusy
	}
	defer o.release()

	return o.run(ctx, j, text, dir, emit)
}

// Interrupt stops the running job after the in-flight paragraph and reports
// whether there was one. It is a no-op when no job runs.
func (o *Orchestrator) Interrupt() bool {
	o.mu.Lock()
	j := o.job
	o.mu.Unlock()

	if j == nil {
		return false
	}
	j.cancelled.Store(true)
	o.sessions.Interrupt()
	o.log.Info("translation interrupt requested")
	return true
}

func (o *Orchestrator) run(ctx context.Context, j *job, text string, dir prompt.Direction, emit func(Event)) (*OrchestratorResult, error) {
	start := time.Now()
	paragraphs := segmenter.Segment(text)

	result := &OrchestratorResult{
		ID:         uuid.New().String(),
		Direction:  dir,
		Paragraphs: len(paragraphs),
	}
	defer func() { result.Elapsed = time.Since(start) }()

	if len(paragraphs) == 0 {
		metrics.JobsTotal.WithLabelValues("empty").Inc()
		return result, nil
	}

	log := o.log.With("job", result.ID, "direction", dir.String())
	total, blank := segmenter.Counts(paragraphs)
	log.Info("translation started", "paragraphs", total, "blank", blank)

	if _, err := o.sessions.EnsureReady(ctx); err != nil {
		metrics.JobsTotal.WithLabelValues("error").Inc()
		return result, err
	}

	stopped := func() bool {
		return j.cancelled.Load() || errors.Is(ctx.Err(), context.Canceled)
	}

	var out strings.Builder
	entries := make([]string, 0, len(paragraphs))
	fail := func(err error) (*OrchestratorResult, error) {
		result.Output = out.String()
		result.Entries = entries
		metrics.JobsTotal.WithLabelValues("error").Inc()
		log.Error("translation failed", "paragraph", len(entries), "err", err)
		return result, err
	}

	for i, p := range paragraphs {
		if stopped() {
			result.Cancelled = true
			break
		}

		if p.IsBlank {
			entries = append(entries, "")
			metrics.ParagraphsTotal.WithLabelValues("blank").Inc()
		} else {
			if err := o.sessions.ResetConversation(ctx); err != nil {
				return fail(err)
			}
			if stopped() {
				result.Cancelled = true
				break
			}

			input, tpl := prompt.Build(dir, p.Text)
			metrics.ParagraphsTotal.WithLabelValues(tpl.Class.String()).Inc()
			log.Debug("translating paragraph", "index", p.Index, "class", tpl.Class.String())

			var entry strings.Builder
			err := o.generate(ctx, input, func(delta string) {
				entry.WriteString(delta)
				out.WriteString(delta)
				if emit != nil {
					emit(Event{Paragraph: p.Index, Delta: delta, Output: out.String()})
				}
			})
			entries = append(entries, entry.String())
			result.Translated++
			if err != nil {
				return fail(err)
			}
			if stopped() {
				result.Cancelled = true
				break
			}
		}

		if i < len(paragraphs)-1 {
			out.WriteString("\n")
		}
	}

	result.Entries = entries
	if result.Cancelled {
		result.Output = out.String()
		metrics.JobsTotal.WithLabelValues("cancelled").Inc()
		log.Info("translation cancelled", "done", len(entries), "paragraphs", total)
	} else {
		if o.config.Clean {
			for i, e := range entries {
				if e != "" {
					entries[i] = postprocess.Clean(e)
				}
			}
		}
		result.Output = segmenter.Join(entries)
		metrics.JobsTotal.WithLabelValues("ok").Inc()
	}

	if stats, err := o.sessions.StatsSnapshot(context.WithoutCancel(ctx)); err == nil {
		result.Stats = stats
	} else if !errors.Is(err, session.ErrNoStats) {
		log.Warn("runtime stats unavailable", "err", err)
	}

	log.Info("translation finished", "translated", result.Translated, "cancelled", result.Cancelled)
	return result, nil
}

// generate runs one paragraph's completion under StreamTimeout.
func (o *Orchestrator) generate(ctx context.Context, input string, onDelta func(string)) error {
	if o.config.StreamTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.config.StreamTimeout)
		defer cancel()
	}
	return o.sessions.Generate(ctx, input, onDelta)
}
