package agent

import (
	"context"
	"time"

	"github.com/harun/bamboo/internal/observability"
	"github.com/harun/bamboo/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
)

// Middleware decorates a Provider.
type Middleware func(Provider) Provider

// Chain wraps p with mws; the first middleware is the outermost.
func Chain(p Provider, mws ...Middleware) Provider {
	for i := len(mws) - 1; i >= 0; i-- {
		p = mws[i](p)
	}
	return p
}

// Redactor masks secrets in text.
type Redactor interface {
	Redact(s string) string
}

// WithMasking redacts secrets from every outbound message before it reaches
// the wrapped provider.
func WithMasking(r Redactor) Middleware {
	return func(next Provider) Provider {
		return &maskingProvider{next: next, redactor: r}
	}
}

type maskingProvider struct {
	next     Provider
	redactor Redactor
}

func (p *maskingProvider) Name() string { return p.next.Name() }

func (p *maskingProvider) ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, error) {
	masked := req
	masked.SystemPrompt = p.redactor.Redact(req.SystemPrompt)
	masked.Messages = make([]ChatMessage, len(req.Messages))
	for i, msg := range req.Messages {
		msg.Content = p.redactor.Redact(msg.Content)
		masked.Messages[i] = msg
	}
	return p.next.ChatStream(ctx, masked)
}

// WithMetrics records request latency and outcome per provider.
func WithMetrics() Middleware {
	return func(next Provider) Provider {
		return &metricsProvider{next: next}
	}
}

type metricsProvider struct {
	next Provider
}

func (p *metricsProvider) Name() string { return p.next.Name() }

func (p *metricsProvider) ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, error) {
	start := time.Now()
	in, err := p.next.ChatStream(ctx, req)
	if err != nil {
		observability.RecordProviderRequest(p.next.Name(), time.Since(start), false)
		return nil, err
	}
	return relay(ctx, in, func(err error) {
		observability.RecordProviderRequest(p.next.Name(), time.Since(start), err == nil)
	}), nil
}

// WithTracing wraps each stream in a span that ends when the stream does.
func WithTracing() Middleware {
	return func(next Provider) Provider {
		return &tracingProvider{next: next}
	}
}

type tracingProvider struct {
	next Provider
}

func (p *tracingProvider) Name() string { return p.next.Name() }

func (p *tracingProvider) ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, error) {
	ctx, span := tracing.StartSpan(ctx, "bamboo.agent", "provider.chat_stream",
		attribute.String("provider", p.next.Name()),
		attribute.String("model", req.Model),
		attribute.Int("messages", len(req.Messages)),
		attribute.Int("tools", len(req.Tools)),
	)
	in, err := p.next.ChatStream(ctx, req)
	if err != nil {
		tracing.EndSpan(span, err)
		return nil, err
	}
	return relay(ctx, in, func(err error) { tracing.EndSpan(span, err) }), nil
}

// relay forwards in to a new channel and calls finish exactly once with the
// stream's error, or nil if it ended with a done chunk.
func relay(ctx context.Context, in <-chan StreamChunk, finish func(error)) <-chan StreamChunk {
	out := make(chan StreamChunk, cap(in))
	go func() {
		defer close(out)
		var streamErr error = context.Canceled
		defer func() { finish(streamErr) }()

		for chunk := range in {
			switch {
			case chunk.Err != nil:
				streamErr = chunk.Err
			case chunk.Type == ChunkDone:
				streamErr = nil
			}
			if !send(ctx, out, chunk) {
				streamErr = ctx.Err()
				return
			}
		}
	}()
	return out
}
