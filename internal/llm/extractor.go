// Package llm runs structured extraction prompts against a local model
// served by Ollama and turns the replies into typed answers.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"

	"github.com/mkoziy/radiant/pipeline/internal/config"
	"github.com/mkoziy/radiant/pipeline/internal/metrics"
	"github.com/mkoziy/radiant/pipeline/internal/ratelimit"
)

var (
	ErrModelUnavailable  = errors.New("model unavailable")
	ErrMalformedResponse = errors.New("malformed model response")
	ErrNoEvidence        = errors.New("no evidence in document")
	ErrNoConsensus       = errors.New("no consensus between votes")
)

// Generator is the part of a langchaingo model the extractor needs.
type Generator interface {
	GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error)
}

// NewOllama connects a langchaingo Ollama model using the shared config.
func NewOllama(cfg config.OllamaConfig) (*ollama.LLM, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	opts := []ollama.Option{
		ollama.WithModel(cfg.Model),
		ollama.WithServerURL(cfg.ServerURL),
		ollama.WithHTTPClient(&http.Client{Timeout: timeout}),
	}
	if cfg.NumCtx > 0 {
		opts = append(opts, ollama.WithRunnerNumCtx(cfg.NumCtx))
	}
	model, err := ollama.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create ollama client: %w", err)
	}
	return model, nil
}

// Prompt is one extraction request over one document.
type Prompt struct {
	System      string
	Instruction string
	Document    string
	// Schema lists the JSON keys the model must return.
	Schema []string
	// MaxDocumentChars truncates long documents; 0 means no limit.
	MaxDocumentChars int
}

// Options tune model calls.
type Options struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

// Extractor sends prompts through a rate limiter and a circuit breaker.
type Extractor struct {
	gen     Generator
	opts    Options
	breaker *gobreaker.CircuitBreaker[*llms.ContentResponse]
	limiter ratelimit.Limiter
	logger  zerolog.Logger
}

// New creates an Extractor. A nil limiter means unlimited.
func New(gen Generator, opts Options, limiter ratelimit.Limiter, logger zerolog.Logger) *Extractor {
	if limiter == nil {
		limiter = ratelimit.Unlimited{}
	}
	if opts.Model == "" {
		opts.Model = "unknown"
	}
	logger = logger.With().Str("component", "llm").Str("model", opts.Model).Logger()

	breaker := gobreaker.NewCircuitBreaker[*llms.ContentResponse](gobreaker.Settings{
		Name:        "ollama",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		IsExcluded: func(err error) bool {
			return errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Stringer("from", from).Stringer("to", to).Msg("circuit breaker state change")
		},
	})

	return &Extractor{
		gen:     gen,
		opts:    opts,
		breaker: breaker,
		limiter: limiter,
		logger:  logger,
	}
}

// Model returns the configured model name.
func (e *Extractor) Model() string {
	return e.opts.Model
}

// Extract runs one prompt and returns the parsed answer.
func (e *Extractor) Extract(ctx context.Context, p Prompt) (*Answer, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	messages := p.messages()
	callOpts := []llms.CallOption{
		llms.WithTemperature(e.opts.Temperature),
		llms.WithJSONMode(),
	}
	if e.opts.MaxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(e.opts.MaxTokens))
	}

	start := time.Now()
	resp, err := e.breaker.Execute(func() (*llms.ContentResponse, error) {
		return e.gen.GenerateContent(ctx, messages, callOpts...)
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		metrics.RecordLLMCall(e.opts.Model, "unavailable")
		e.logger.Warn().Err(err).Dur("elapsed", time.Since(start)).Msg("model call failed")
		return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		metrics.RecordLLMCall(e.opts.Model, "malformed")
		return nil, fmt.Errorf("%w: empty response", ErrMalformedResponse)
	}

	raw := resp.Choices[0].Content
	fields, err := ParseJSON(raw)
	if err != nil {
		metrics.RecordLLMCall(e.opts.Model, "malformed")
		e.logger.Debug().Str("raw", truncate(raw, 500)).Msg("unparsable model reply")
		return nil, err
	}

	ans := &Answer{Fields: fields, Raw: raw}
	if !ans.hasEvidence(p.Schema) {
		metrics.RecordLLMCall(e.opts.Model, "no_evidence")
		return ans, ErrNoEvidence
	}

	metrics.RecordLLMCall(e.opts.Model, "ok")
	e.logger.Debug().Dur("elapsed", time.Since(start)).Int("fields", len(fields)).Msg("extraction complete")
	return ans, nil
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func (p Prompt) messages() []llms.MessageContent {
	var sys strings.Builder
	sys.WriteString(strings.TrimSpace(p.System))
	if sys.Len() > 0 {
		sys.WriteString("\n\n")
	}
	sys.WriteString("Respond with a single JSON object and nothing else.")
	if len(p.Schema) > 0 {
		sys.WriteString(" Use exactly these keys: ")
		sys.WriteString(strings.Join(p.Schema, ", "))
		sys.WriteString(". Use \"not found\" when the document does not state a value.")
	}

	doc := truncate(p.Document, p.MaxDocumentChars)

	human := strings.TrimSpace(p.Instruction) + "\n\nDOCUMENT:\n" + doc

	return []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, sys.String()),
		llms.TextParts(llms.ChatMessageTypeHuman, human),
	}
}
