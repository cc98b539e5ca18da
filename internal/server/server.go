// Package server exposes the translator over HTTP. Translations stream back
// as NDJSON, one line per delta, followed by a single terminal line.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/valpere/croissant/internal/detector"
	"github.com/valpere/croissant/internal/orchestrator"
	"github.com/valpere/croissant/internal/prompt"
	"github.com/valpere/croissant/internal/session"
	"github.com/valpere/croissant/internal/store"
	langcheck "github.com/valpere/croissant/internal/validator"
)

const maxBodyBytes = 1 << 20

// Deps holds what the handlers need. Detector, Checker and Store are optional.
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Sessions     *session.Manager
	Detector     *detector.Detector
	Checker      *langcheck.Validator
	Store        *store.Store
	Backend      string
	Direction    prompt.Direction
	Log          *slog.Logger
}

type handlers struct {
	Deps
	validate *validator.Validate
}

// NewRouter wires every route with the standard middleware chain.
func NewRouter(deps Deps) http.Handler {
	if deps.Log == nil {
		deps.Log = slog.New(slog.DiscardHandler)
	}
	h := &handlers{Deps: deps, validate: newValidator()}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(Recoverer(deps.Log))
	r.Use(RequestLogger(deps.Log))

	r.Route("/api", func(r chi.Router) {
		r.Post("/translate", h.translate)
		r.Post("/interrupt", h.interrupt)
		r.Post("/reset", h.reset)
		r.Get("/status", h.status)
		r.Get("/health", h.health)
		r.Get("/history", h.history)
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

type translateRequest struct {
	Text      string `json:"text" validate:"required,max=20000"`
	Direction string `json:"direction" validate:"omitempty,oneof=en-fr fr-en auto"`
}

// streamLine is one NDJSON line of a translate response.
type streamLine struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	Direction string `json:"direction,omitempty"`
	Paragraph int    `json:"paragraph"`
	Delta     string `json:"delta,omitempty"`
	Output    string `json:"output,omitempty"`
	Cancelled bool   `json:"cancelled,omitempty"`
	Stats     string `json:"stats,omitempty"`
	ElapsedMs int64  `json:"elapsed_ms,omitempty"`
	Error     string `json:"error,omitempty"`
	Warning   string `json:"warning,omitempty"`
}

func (h *handlers) translate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req translateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	dir := h.direction(req)
	job, err := h.Orchestrator.Start(r.Context(), req.Text, dir)
	if errors.Is(err, orchestrator.ErrBusy) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	send := func(line streamLine) {
		if err := enc.Encode(line); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	for e := range job.Events() {
		send(streamLine{Type: "delta", Paragraph: e.Paragraph, Delta: e.Delta})
	}
	result, err := job.Wait()

	final := streamLine{Type: "done", Direction: dir.String()}
	if result != nil {
		final.ID = result.ID
		final.Output = result.Output
		final.Cancelled = result.Cancelled
		final.Stats = result.Stats
		final.ElapsedMs = result.Elapsed.Milliseconds()
	}
	if err != nil {
		final.Type = "error"
		final.Error = err.Error()
	} else if h.Checker != nil && result != nil && !result.Cancelled && result.Paragraphs > 0 {
		if cerr := h.Checker.Check(result.Output, dir); cerr != nil {
			final.Warning = cerr.Error()
		}
	}
	send(final)

	h.record(r.Context(), req.Text, result, err)
}

func (h *handlers) direction(req translateRequest) prompt.Direction {
	switch req.Direction {
	case "":
		return h.Direction
	case "auto":
		if h.Detector == nil {
			return h.Direction
		}
		dir, _ := h.Detector.Direction(req.Text, h.Direction)
		return dir
	}
	dir, err := prompt.ParseDirection(req.Direction)
	if err != nil {
		return h.Direction
	}
	return dir
}

func (h *handlers) record(ctx context.Context, text string, result *orchestrator.OrchestratorResult, jobErr error) {
	if h.Store == nil || result == nil || result.Paragraphs == 0 {
		return
	}
	job := store.Job{
		ID:         result.ID,
		Backend:    h.Backend,
		Model:      h.Sessions.ModelID(),
		Direction:  result.Direction.String(),
		SourceText: text,
		Output:     result.Output,
		Paragraphs: result.Paragraphs,
		Translated: result.Translated,
		Cancelled:  result.Cancelled,
		Stats:      result.Stats,
		Elapsed:    result.Elapsed,
	}
	if jobErr != nil {
		job.Error = jobErr.Error()
	}
	if err := h.Store.SaveJob(context.WithoutCancel(ctx), job); err != nil {
		h.Log.Warn("failed to record job", "job", result.ID, "err", err)
	}
}

func (h *handlers) interrupt(w http.ResponseWriter, r *http.Request) {
	interrupted := h.Orchestrator.Interrupt()
	writeJSON(w, http.StatusAccepted, map[string]bool{"interrupted": interrupted})
}

func (h *handlers) reset(w http.ResponseWriter, r *http.Request) {
	if h.Orchestrator.Busy() {
		writeError(w, http.StatusConflict, orchestrator.ErrBusy.Error())
		return
	}
	if err := h.Sessions.ResetConversation(r.Context()); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type statusResponse struct {
	Backend string `json:"backend"`
	Model   string `json:"model"`
	State   string `json:"state"`
	Cache   string `json:"cache"`
	Busy    bool   `json:"busy"`
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Backend: h.Backend,
		Model:   h.Sessions.ModelID(),
		State:   h.Sessions.State().String(),
		Cache:   h.Sessions.CacheState().String(),
		Busy:    h.Orchestrator.Busy(),
	})
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		h.Log.Warn("health write failed", "err", err)
	}
}

type historyEntry struct {
	ID         string    `json:"id"`
	Direction  string    `json:"direction"`
	Output     string    `json:"output"`
	Paragraphs int       `json:"paragraphs"`
	Cancelled  bool      `json:"cancelled"`
	Error      string    `json:"error,omitempty"`
	Stats      string    `json:"stats,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func (h *handlers) history(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		writeError(w, http.StatusNotFound, "history is disabled")
		return
	}
	limit := 20
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	jobs, err := h.Store.ListJobs(r.Context(), limit)
	if err != nil {
		h.Log.Error("list history failed", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to list history")
		return
	}
	out := make([]historyEntry, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, historyEntry{
			ID:         j.ID,
			Direction:  j.Direction,
			Output:     j.Output,
			Paragraphs: j.Paragraphs,
			Cancelled:  j.Cancelled,
			Error:      j.Error,
			Stats:      j.Stats,
			CreatedAt:  j.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "max":
		return fe.Field() + " is too long (max " + fe.Param() + " characters)"
	case "oneof":
		return fe.Field() + " must be one of: " + fe.Param()
	}
	return fe.Field() + " is invalid"
}
