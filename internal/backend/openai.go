package backend

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/ssestream"
)

// OpenAIBackend serves models through any OpenAI-compatible chat completions
// API, e.g. llama.cpp's llama-server, vLLM or OpenRouter.
type OpenAIBackend struct {
	client *openai.Client
}

// NewOpenAIBackend builds a client for baseURL. apiKey may be empty for
// local servers that do not check it.
func NewOpenAIBackend(baseURL, apiKey string, opts ...option.RequestOption) *OpenAIBackend {
	if apiKey == "" {
		apiKey = "none"
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(strings.TrimRight(baseURL, "/")+"/"))
	}
	reqOpts = append(reqOpts, opts...)

	cli := openai.NewClient(reqOpts...)
	return &OpenAIBackend{client: &cli}
}

func (b *OpenAIBackend) Name() string {
	return "openai"
}

// ProbeCachedModel reports whether the server lists modelID.
func (b *OpenAIBackend) ProbeCachedModel(ctx context.Context, modelID string) (bool, error) {
	iter := b.client.Models.ListAutoPaging(ctx)
	for iter.Next() {
		if iter.Current().ID == modelID {
			return true, nil
		}
	}
	if err := iter.Err(); err != nil {
		return false, fmt.Errorf("openai: list models: %w", err)
	}
	return false, nil
}

// CreateSession checks that the server hosts modelID. Weights are managed by
// the server, so there is no download phase.
func (b *OpenAIBackend) CreateSession(ctx context.Context, modelID string, onProgress ProgressFunc) (Session, error) {
	if onProgress == nil {
		onProgress = func(InitProgress) {}
	}
	onProgress(InitProgress{Text: fmt.Sprintf("%s[%s]", cacheLoadText, modelID), Fraction: 0})

	ok, err := b.ProbeCachedModel(ctx, modelID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("openai: model %s is not served", modelID)
	}

	onProgress(InitProgress{Text: fmt.Sprintf("Finish loading %s", modelID), Fraction: 1})
	return &OpenAISession{client: b.client, model: openai.ChatModel(modelID)}, nil
}

// OpenAISession streams chat completions through the openai client.
type OpenAISession struct {
	client *openai.Client
	model  openai.ChatModel
	conv   conversation

	statsMu sync.Mutex
	stats   *openaiStats
}

type openaiStats struct {
	promptTokens     int64
	completionTokens int64
	firstDelta       time.Duration
	total            time.Duration
}

func (s *OpenAISession) ResetConversation(ctx context.Context) error {
	s.conv.reset()
	return nil
}

func (s *OpenAISession) StreamCompletion(ctx context.Context, req Request) (Stream, error) {
	msgs, streamCtx := s.conv.begin(ctx, req)

	stream := s.client.Chat.Completions.NewStreaming(streamCtx, openai.ChatCompletionNewParams{
		Model:    s.model,
		Messages: toOpenAIMessages(msgs),
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	})

	return &openaiStream{session: s, stream: stream, start: time.Now()}, nil
}

func (s *OpenAISession) InterruptGeneration() {
	s.conv.interrupt()
}

// RuntimeStatsText reports token throughput of the last finished generation.
func (s *OpenAISession) RuntimeStatsText(ctx context.Context) (string, error) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()

	if s.stats == nil {
		return "", ErrNoStats
	}
	decode := s.stats.total - s.stats.firstDelta
	return fmt.Sprintf("prefill: %.1f tokens/sec, decoding: %.1f tokens/sec",
		rate(s.stats.promptTokens, s.stats.firstDelta),
		rate(s.stats.completionTokens, decode)), nil
}

func (s *OpenAISession) Close() error {
	s.conv.interrupt()
	return nil
}

func toOpenAIMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "assistant":
			out = append(out, openai.ChatCompletionMessageParamUnion{
				OfAssistant: &openai.ChatCompletionAssistantMessageParam{
					Content: openai.ChatCompletionAssistantMessageParamContentUnion{
						OfString: openai.String(m.Content),
					},
				},
			})
		case "system":
			out = append(out, openai.ChatCompletionMessageParamUnion{
				OfSystem: &openai.ChatCompletionSystemMessageParam{
					Content: openai.ChatCompletionSystemMessageParamContentUnion{
						OfString: openai.String(m.Content),
					},
				},
			})
		default:
			out = append(out, openai.ChatCompletionMessageParamUnion{
				OfUser: &openai.ChatCompletionUserMessageParam{
					Content: openai.ChatCompletionUserMessageParamContentUnion{
						OfString: openai.String(m.Content),
					},
				},
			})
		}
	}
	return out
}

type openaiStream struct {
	session *OpenAISession
	stream  *ssestream.Stream[openai.ChatCompletionChunk]
	start   time.Time
	first   time.Duration
	delta   string
	reply   strings.Builder
	usage   openai.CompletionUsage
	closed  bool
}

func (st *openaiStream) Next() bool {
	for st.stream.Next() {
		chunk := st.stream.Current()
		if chunk.Usage.TotalTokens > 0 {
			st.usage = chunk.Usage
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}
		if st.first == 0 {
			st.first = time.Since(st.start)
		}
		st.delta = chunk.Choices[0].Delta.Content
		st.reply.WriteString(st.delta)
		return true
	}
	return false
}

func (st *openaiStream) Delta() string { return st.delta }

func (st *openaiStream) Err() error {
	if err := st.stream.Err(); err != nil && !st.session.conv.wasInterrupted() {
		return fmt.Errorf("openai: stream: %w", err)
	}
	return nil
}

func (st *openaiStream) Close() error {
	if st.closed {
		return nil
	}
	st.closed = true

	if st.stream.Err() == nil || st.session.conv.wasInterrupted() {
		st.session.statsMu.Lock()
		st.session.stats = &openaiStats{
			promptTokens:     st.usage.PromptTokens,
			completionTokens: st.usage.CompletionTokens,
			firstDelta:       st.first,
			total:            time.Since(st.start),
		}
		st.session.statsMu.Unlock()
	}
	st.session.conv.finish(st.reply.String())
	return st.stream.Close()
}
