package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/valpere/croissant/internal/backend"
	"github.com/valpere/croissant/internal/prompt"
	"github.com/valpere/croissant/internal/session"
)

const testModel = "croissantllmchat:1.3b"

type harness struct {
	backend *backend.MockBackend
	session *backend.MockSession
	manager *session.Manager
	orch    *Orchestrator
}

func newHarness(t *testing.T, config OrchestratorConfig) *harness {
	t.Helper()

	b := &backend.MockBackend{}
	s := &backend.MockSession{}
	b.On("CreateSession", mock.Anything, testModel, mock.Anything).Return(s, nil).Maybe()
	s.On("ResetConversation", mock.Anything).Return(nil).Maybe()
	s.On("RuntimeStatsText", mock.Anything).Return("prefill: 10.0 tokens/sec, decoding: 5.0 tokens/sec", nil).Maybe()

	m := session.New(b, testModel)
	return &harness{backend: b, session: s, manager: m, orch: New(m, config)}
}

func (h *harness) expectStream(dir prompt.Direction, text string, st backend.Stream) {
	input, _ := prompt.Build(dir, text)
	h.session.On("StreamCompletion", mock.Anything, backend.UserRequest(input)).Return(st, nil).Once()
}

// fakeSessions is a hand-rolled Sessions for timing-sensitive tests.
type fakeSessions struct {
	ensureFunc     func(ctx context.Context) error
	generateFunc   func(ctx context.Context, prompt string, onDelta func(string)) error
	resetCount     atomic.Int32
	generateCount  atomic.Int32
	interruptCount atomic.Int32
}

func (f *fakeSessions) EnsureReady(ctx context.Context) (backend.Session, error) {
	if f.ensureFunc != nil {
		return nil, f.ensureFunc(ctx)
	}
	return nil, nil
}

func (f *fakeSessions) ResetConversation(ctx context.Context) error {
	f.resetCount.Add(1)
	return nil
}

func (f *fakeSessions) Generate(ctx context.Context, prompt string, onDelta func(string)) error {
	f.generateCount.Add(1)
	if f.generateFunc != nil {
		return f.generateFunc(ctx, prompt, onDelta)
	}
	onDelta("mock")
	return nil
}

func (f *fakeSessions) Interrupt() {
	f.interruptCount.Add(1)
}

func (f *fakeSessions) StatsSnapshot(ctx context.Context) (string, error) {
	return "", session.ErrNoStats
}

func TestOrchestrator_New(t *testing.T) {
	o := New(&fakeSessions{}, OrchestratorConfig{})

	if o == nil {
		t.Fatal("expected non-nil Orchestrator")
	}
	if o.log == nil {
		t.Error("expected a default logger")
	}
	if o.Busy() {
		t.Error("new orchestrator must not be busy")
	}
}

func TestOrchestrator_Translate_EmptyInput(t *testing.T) {
	// No expectations: any backend call panics.
	b := &backend.MockBackend{}
	o := New(session.New(b, testModel), OrchestratorConfig{})

	var events int
	result, err := o.Translate(context.Background(), "", prompt.EnglishToFrench, func(Event) { events++ })
	if err != nil {
		t.Fatalf("empty input must not fail: %v", err)
	}
	if result.Output != "" || result.Paragraphs != 0 || result.Translated != 0 {
		t.Errorf("unexpected result %+v", result)
	}
	if events != 0 {
		t.Errorf("expected no events, got %d", events)
	}
}

func TestOrchestrator_Translate_SingleWord(t *testing.T) {
	h := newHarness(t, OrchestratorConfig{})
	h.expectStream(prompt.EnglishToFrench, "Hello", backend.NewScriptedStream("Bon", "jour"))

	var outputs []string
	result, err := h.orch.Translate(context.Background(), "Hello", prompt.EnglishToFrench, func(e Event) {
		outputs = append(outputs, e.Output)
	})
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}

	if result.Output != "Bonjour" {
		t.Errorf("expected %q, got %q", "Bonjour", result.Output)
	}
	if strings.Join(outputs, "|") != "Bon|Bonjour" {
		t.Errorf("unexpected partial outputs %v", outputs)
	}
	if result.Translated != 1 || result.Cancelled {
		t.Errorf("unexpected result %+v", result)
	}
	if result.Stats == "" {
		t.Error("expected runtime stats after a completed job")
	}

	// The request carried the Word template.
	want := prompt.TemplateFor(prompt.EnglishToFrench, 1).Render("Hello")
	h.session.AssertCalled(t, "StreamCompletion", mock.Anything, backend.UserRequest(want))
	h.session.AssertNumberOfCalls(t, "ResetConversation", 1)
}

func TestOrchestrator_Translate_PreservesLineStructure(t *testing.T) {
	h := newHarness(t, OrchestratorConfig{})
	h.expectStream(prompt.EnglishToFrench, "Hello", backend.NewScriptedStream("Bonjour"))
	h.expectStream(prompt.EnglishToFrench, "Good morning everyone today", backend.NewScriptedStream("Bonjour ", "à tous"))

	result, err := h.orch.Translate(context.Background(), "Hello\n\nGood morning everyone today", prompt.EnglishToFrench, nil)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}

	want := "Bonjour" + "\n" + "" + "\n" + "Bonjour à tous"
	if result.Output != want {
		t.Errorf("expected %q, got %q", want, result.Output)
	}
	if len(result.Entries) != 3 || result.Entries[1] != "" {
		t.Errorf("expected 3 entries with an empty middle one, got %q", result.Entries)
	}
	h.session.AssertNumberOfCalls(t, "StreamCompletion", 2)
	h.session.AssertNumberOfCalls(t, "ResetConversation", 2)
}

func TestOrchestrator_Translate_SentenceTemplate(t *testing.T) {
	h := newHarness(t, OrchestratorConfig{})
	text := "Can you tell me where the station is?"
	h.expectStream(prompt.FrenchToEnglish, text, backend.NewScriptedStream("ok"))

	if _, err := h.orch.Translate(context.Background(), text, prompt.FrenchToEnglish, nil); err != nil {
		t.Fatalf("Translate: %v", err)
	}

	want := prompt.TemplateFor(prompt.FrenchToEnglish, 8)
	if want.Class != prompt.Sentence {
		t.Fatalf("expected Sentence template, got %v", want.Class)
	}
	h.session.AssertCalled(t, "StreamCompletion", mock.Anything, backend.UserRequest(want.Render(text)))
}

func TestOrchestrator_Translate_BlankParagraphsSkipBackend(t *testing.T) {
	h := newHarness(t, OrchestratorConfig{})
	text := "one\n\ntwo\n   \n\nthree"
	for _, p := range []string{"one", "two", "three"} {
		h.expectStream(prompt.EnglishToFrench, p, backend.NewScriptedStream(strings.ToUpper(p)))
	}

	result, err := h.orch.Translate(context.Background(), text, prompt.EnglishToFrench, nil)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}

	// 6 paragraphs, 3 blank.
	h.session.AssertNumberOfCalls(t, "StreamCompletion", 3)
	h.session.AssertNumberOfCalls(t, "ResetConversation", 3)
	if result.Output != "ONE\n\nTWO\n\n\nTHREE" {
		t.Errorf("unexpected output %q", result.Output)
	}
	if len(result.Entries) != result.Paragraphs {
		t.Errorf("entries %d != paragraphs %d", len(result.Entries), result.Paragraphs)
	}
}

func TestOrchestrator_Translate_BackendInitError(t *testing.T) {
	b := &backend.MockBackend{}
	s := &backend.MockSession{}
	b.On("CreateSession", mock.Anything, testModel, mock.Anything).Return(nil, errors.New("no GPU")).Once()
	b.On("CreateSession", mock.Anything, testModel, mock.Anything).Return(s, nil).Once()
	s.On("ResetConversation", mock.Anything).Return(nil)
	s.On("StreamCompletion", mock.Anything, mock.Anything).Return(backend.NewScriptedStream("Bonjour"), nil).Once()
	s.On("RuntimeStatsText", mock.Anything).Return("", nil).Maybe()

	m := session.New(b, testModel)
	o := New(m, OrchestratorConfig{})

	var events int
	result, err := o.Translate(context.Background(), "Hello", prompt.EnglishToFrench, func(Event) { events++ })
	if !errors.Is(err, session.ErrBackendInit) {
		t.Fatalf("expected ErrBackendInit, got %v", err)
	}
	if result.Output != "" || events != 0 {
		t.Errorf("expected no output, got %q and %d events", result.Output, events)
	}
	if m.State() != session.Error {
		t.Errorf("expected Error state, got %s", m.State())
	}
	if o.Busy() {
		t.Error("busy token must be released after a failure")
	}

	result, err = o.Translate(context.Background(), "Hello", prompt.EnglishToFrench, nil)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if result.Output != "Bonjour" {
		t.Errorf("expected %q after retry, got %q", "Bonjour", result.Output)
	}
}

func TestOrchestrator_Translate_StreamErrorKeepsPartialOutput(t *testing.T) {
	h := newHarness(t, OrchestratorConfig{})
	broken := backend.NewScriptedStream("deu")
	broken.Fail = errors.New("socket closed")
	h.expectStream(prompt.EnglishToFrench, "one", backend.NewScriptedStream("un"))
	h.expectStream(prompt.EnglishToFrench, "two", broken)

	result, err := h.orch.Translate(context.Background(), "one\ntwo\nthree", prompt.EnglishToFrench, nil)
	if !errors.Is(err, session.ErrStream) {
		t.Fatalf("expected ErrStream, got %v", err)
	}
	if result.Output != "un\ndeu" {
		t.Errorf("expected partial output %q, got %q", "un\ndeu", result.Output)
	}
	h.session.AssertNumberOfCalls(t, "StreamCompletion", 2)
	if !h.manager.Ready() {
		t.Errorf("expected Ready after stream error, got %s", h.manager.State())
	}
}

func TestOrchestrator_Translate_ResetError(t *testing.T) {
	b := &backend.MockBackend{}
	s := &backend.MockSession{}
	b.On("CreateSession", mock.Anything, testModel, mock.Anything).Return(s, nil).Once()
	s.On("ResetConversation", mock.Anything).Return(errors.New("worker terminated")).Once()

	o := New(session.New(b, testModel), OrchestratorConfig{})

	_, err := o.Translate(context.Background(), "Hello", prompt.EnglishToFrench, nil)
	if !errors.Is(err, session.ErrBackendReset) {
		t.Errorf("expected ErrBackendReset, got %v", err)
	}
	s.AssertNotCalled(t, "StreamCompletion", mock.Anything, mock.Anything)
}

func TestOrchestrator_Interrupt_StopsRemainingParagraphs(t *testing.T) {
	h := newHarness(t, OrchestratorConfig{})
	first := backend.NewScriptedStream("un", " deux", " trois")
	first.OnDelta = func(i int) {
		if i == 0 {
			h.orch.Interrupt()
		}
	}
	h.expectStream(prompt.EnglishToFrench, "one two three", first)
	h.session.On("InterruptGeneration").Run(func(mock.Arguments) { first.Stop() }).Once()

	result, err := h.orch.Translate(context.Background(), "one two three\nfour", prompt.EnglishToFrench, nil)
	if err != nil {
		t.Fatalf("cancellation must not be an error: %v", err)
	}
	if !result.Cancelled {
		t.Error("expected Cancelled result")
	}
	if result.Output != "un" {
		t.Errorf("expected output kept as %q, got %q", "un", result.Output)
	}
	h.session.AssertNumberOfCalls(t, "StreamCompletion", 1)
	if !h.manager.Ready() {
		t.Errorf("expected Ready after interrupt, got %s", h.manager.State())
	}
}

func TestOrchestrator_Interrupt_NoJob(t *testing.T) {
	f := &fakeSessions{}
	o := New(f, OrchestratorConfig{})

	o.Interrupt()
	o.Interrupt()

	if f.interruptCount.Load() != 0 {
		t.Errorf("expected no session interrupt without a job, got %d", f.interruptCount.Load())
	}
	if o.Busy() {
		t.Error("interrupt must not change busy state")
	}
}

func TestOrchestrator_Interrupt_BeforeFirstParagraph(t *testing.T) {
	loading := make(chan struct{})
	loaded := make(chan struct{})
	f := &fakeSessions{
		ensureFunc: func(ctx context.Context) error {
			close(loading)
			<-loaded
			return nil
		},
	}
	o := New(f, OrchestratorConfig{})

	job, err := o.Start(context.Background(), "one\ntwo", prompt.EnglishToFrench)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !o.Interrupt() {
		t.Error("Interrupt right after Start must find the job")
	}
	<-loading
	close(loaded)

	result, err := job.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !result.Cancelled || result.Output != "" {
		t.Errorf("expected a cancelled empty result, got %+v", result)
	}
	if f.generateCount.Load() != 0 {
		t.Errorf("expected no generation, got %d", f.generateCount.Load())
	}
	if o.Interrupt() {
		t.Error("Interrupt after the job ended must report no job")
	}
}

func TestOrchestrator_StreamTimeout_BoundsGenerationOnly(t *testing.T) {
	var loadHadDeadline atomic.Bool
	f := &fakeSessions{
		ensureFunc: func(ctx context.Context) error {
			_, ok := ctx.Deadline()
			loadHadDeadline.Store(ok)
			return nil
		},
		generateFunc: func(ctx context.Context, prompt string, onDelta func(string)) error {
			if strings.Contains(prompt, "slow") {
				onDelta("lent")
				<-ctx.Done()
				return ctx.Err()
			}
			onDelta("rapide")
			return nil
		},
	}
	o := New(f, OrchestratorConfig{StreamTimeout: 20 * time.Millisecond})

	result, err := o.Translate(context.Background(), "fast\nslow\nnever", prompt.EnglishToFrench, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected a deadline error from the slow paragraph, got %v", err)
	}
	if loadHadDeadline.Load() {
		t.Error("model load must not be bounded by the stream timeout")
	}
	if result.Output != "rapide\nlent" || result.Cancelled {
		t.Errorf("expected partial output kept, got %+v", result)
	}
	if f.generateCount.Load() != 2 {
		t.Errorf("expected 2 generations, got %d", f.generateCount.Load())
	}
}

func TestOrchestrator_Translate_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := &fakeSessions{
		generateFunc: func(ctx context.Context, prompt string, onDelta func(string)) error {
			onDelta("un")
			cancel()
			return nil
		},
	}
	o := New(f, OrchestratorConfig{})

	result, err := o.Translate(ctx, "one\ntwo", prompt.EnglishToFrench, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Cancelled || result.Output != "un" {
		t.Errorf("unexpected result %+v", result)
	}
	if f.generateCount.Load() != 1 {
		t.Errorf("expected 1 generation, got %d", f.generateCount.Load())
	}
}

func TestOrchestrator_Busy(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	f := &fakeSessions{
		generateFunc: func(ctx context.Context, prompt string, onDelta func(string)) error {
			onDelta("Bonjour")
			close(started)
			<-release
			return nil
		},
	}
	o := New(f, OrchestratorConfig{})

	job, err := o.Start(context.Background(), "Hello", prompt.EnglishToFrench)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-started

	if !o.Busy() {
		t.Error("expected Busy while a job runs")
	}
	if _, err := o.Translate(context.Background(), "Goodbye", prompt.EnglishToFrench, nil); !errors.Is(err, ErrBusy) {
		t.Errorf("expected ErrBusy from Translate, got %v", err)
	}
	if _, err := o.Start(context.Background(), "Goodbye", prompt.EnglishToFrench); !errors.Is(err, ErrBusy) {
		t.Errorf("expected ErrBusy from Start, got %v", err)
	}

	close(release)
	result, err := job.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if result.Output != "Bonjour" {
		t.Errorf("rejected calls changed the output: %q", result.Output)
	}
	if f.generateCount.Load() != 1 || f.resetCount.Load() != 1 {
		t.Errorf("expected one generation and one reset, got %d and %d", f.generateCount.Load(), f.resetCount.Load())
	}
	if o.Busy() {
		t.Error("busy token must be released after Wait")
	}
}

func TestOrchestrator_Start_Events(t *testing.T) {
	f := &fakeSessions{
		generateFunc: func(ctx context.Context, prompt string, onDelta func(string)) error {
			for _, d := range []string{"a", "b", "c"} {
				onDelta(d)
			}
			return nil
		},
	}
	o := New(f, OrchestratorConfig{})

	job, err := o.Start(context.Background(), "x\ny", prompt.FrenchToEnglish)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	var deltas []string
	var last Event
	for e := range job.Events() {
		deltas = append(deltas, e.Delta)
		last = e
	}
	result, err := job.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if strings.Join(deltas, "") != "abcabc" {
		t.Errorf("unexpected deltas %v", deltas)
	}
	if last.Paragraph != 1 || last.Output != "abc\nabc" {
		t.Errorf("unexpected last event %+v", last)
	}
	if result.Output != "abc\nabc" {
		t.Errorf("unexpected output %q", result.Output)
	}
}

func TestOrchestrator_Translate_Clean(t *testing.T) {
	f := &fakeSessions{
		generateFunc: func(ctx context.Context, prompt string, onDelta func(string)) error {
			onDelta(`"Bonjour"`)
			return nil
		},
	}
	o := New(f, OrchestratorConfig{Clean: true})

	result, err := o.Translate(context.Background(), "Hello", prompt.EnglishToFrench, nil)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if result.Output != "Bonjour" {
		t.Errorf("expected cleaned output, got %q", result.Output)
	}
}
