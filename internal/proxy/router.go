package proxy

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vnmchuo/scribeflow/internal/logging"
	"github.com/vnmchuo/scribeflow/internal/provider"
)

// Request is a provider-agnostic completion request. An empty Provider selects
// the router's default provider and an empty Model selects the head of that
// provider's catalog.
type Request struct {
	Messages []provider.Message
	Provider provider.ID
	Model    string
	Params   provider.Params
}

// Stream is a live completion stream. Chunks carries deltas followed by
// exactly one terminal chunk (Done or Err) unless the caller cancels first.
type Stream struct {
	Chunks   <-chan *provider.Chunk
	Provider provider.ID
	Model    string

	cancel context.CancelFunc
	closed chan struct{}
	once   sync.Once
}

// Close stops the vendor call and releases the stream's resources. It is safe
// to call more than once.
func (s *Stream) Close() {
	s.once.Do(func() {
		s.cancel()
		close(s.closed)
	})
}

// Router dispatches completion requests to the client that serves the
// requested provider and model.
type Router struct {
	cache           *Cache
	defaultProvider provider.ID
	timeout         time.Duration
	breakers        map[provider.ID]*gobreaker.TwoStepCircuitBreaker
	tracer          trace.Tracer
}

// NewRouter builds a router on top of cache. A zero timeout disables the
// per-call deadline; a nil tracer disables tracing.
func NewRouter(cache *Cache, defaultProvider provider.ID, timeout time.Duration, tracer trace.Tracer) *Router {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("")
	}

	breakers := make(map[provider.ID]*gobreaker.TwoStepCircuitBreaker)
	for _, id := range provider.All {
		breakers[id] = newBreaker(id, 30*time.Second)
	}

	return &Router{
		cache:           cache,
		defaultProvider: defaultProvider,
		timeout:         timeout,
		breakers:        breakers,
		tracer:          tracer,
	}
}

// newBreaker admits at most three trial calls while half-open. A stream holds
// its slot until its terminal chunk arrives.
func newBreaker(id provider.ID, openFor time.Duration) *gobreaker.TwoStepCircuitBreaker {
	return gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        id.String(),
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     openFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("provider", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	})
}

// healthy reports whether a call outcome counts in the vendor's favour. A
// caller hanging up says nothing about the vendor.
func healthy(err error) bool {
	return err == nil || errors.Is(err, context.Canceled)
}

// DefaultProvider returns the provider used when a request names none.
func (r *Router) DefaultProvider() provider.ID {
	return r.defaultProvider
}

// AvailableProviders lists, in canonical order, the providers that have an
// API key configured.
func (r *Router) AvailableProviders() []provider.ID {
	var out []provider.ID
	for _, id := range provider.All {
		if cfg, ok := r.cache.Config(id); ok && cfg.APIKey != "" {
			out = append(out, id)
		}
	}
	return out
}

// Models returns a copy of the provider's model catalog.
func (r *Router) Models(id provider.ID) []string {
	cfg, ok := r.cache.Config(id)
	if !ok {
		return nil
	}
	return append([]string(nil), cfg.Models...)
}

// Supports reports whether model is in the provider's catalog.
func (r *Router) Supports(id provider.ID, model string) bool {
	for _, m := range r.Models(id) {
		if m == model {
			return true
		}
	}
	return false
}

// resolve validates the request and returns the client that will serve it.
// Nothing reaches a vendor unless resolve succeeds.
func (r *Router) resolve(req *Request) (provider.Client, error) {
	if err := provider.ValidateMessages(req.Messages); err != nil {
		return nil, err
	}
	if err := req.Params.Validate(); err != nil {
		return nil, err
	}

	id := req.Provider
	if id == "" {
		id = r.defaultProvider
	}
	return r.cache.GetOrCreate(id, req.Model)
}

func (r *Router) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout > 0 {
		return context.WithTimeout(ctx, r.timeout)
	}
	return context.WithCancel(ctx)
}

func breakerError(id provider.ID, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &provider.ProviderError{Provider: id, Message: "provider temporarily unavailable", Err: err}
	}
	return err
}

// ChatCompletion runs a one-shot completion.
func (r *Router) ChatCompletion(ctx context.Context, req *Request) (*provider.Response, error) {
	client, err := r.resolve(req)
	if err != nil {
		return nil, err
	}
	id := client.Provider()

	ctx, span := r.tracer.Start(ctx, "router.chat_completion", trace.WithAttributes(
		attribute.String("provider", id.String()),
		attribute.String("model", client.Model()),
		attribute.Int("messages", len(req.Messages)),
	))
	defer span.End()

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	done, err := r.breakers[id].Allow()
	var resp *provider.Response
	if err == nil {
		resp, err = client.ChatCompletion(ctx, req.Messages, req.Params)
		done(healthy(err))
	}
	if err != nil {
		err = breakerError(id, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logging.Warn().
			Err(err).
			Str("provider", id.String()).
			Str("model", client.Model()).
			Msg("chat completion failed")
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("input_tokens", resp.InputTokens),
		attribute.Int("output_tokens", resp.OutputTokens),
	)
	logging.Debug().
		Str("provider", id.String()).
		Str("model", client.Model()).
		Dur("latency", time.Since(start)).
		Msg("chat completion finished")
	return resp, nil
}

// StreamCompletion starts a streaming completion. Configuration problems are
// reported here, before any chunk is produced; vendor failures arrive as the
// stream's terminal error chunk. The caller must Close the stream.
func (r *Router) StreamCompletion(ctx context.Context, req *Request) (*Stream, error) {
	client, err := r.resolve(req)
	if err != nil {
		return nil, err
	}
	id := client.Provider()
	done, err := r.breakers[id].Allow()
	if err != nil {
		return nil, breakerError(id, err)
	}

	parent := ctx
	ctx, span := r.tracer.Start(ctx, "router.stream_completion", trace.WithAttributes(
		attribute.String("provider", id.String()),
		attribute.String("model", client.Model()),
		attribute.Int("messages", len(req.Messages)),
	))
	ctx, cancel := r.withTimeout(ctx)

	chunks, err := client.StreamCompletion(ctx, req.Messages, req.Params)
	if err != nil {
		cancel()
		done(healthy(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return nil, err
	}

	out := make(chan *provider.Chunk)
	stream := &Stream{
		Chunks:   out,
		Provider: id,
		Model:    client.Model(),
		cancel:   cancel,
		closed:   make(chan struct{}),
	}

	go func() {
		defer close(out)
		defer span.End()

		var outcome error
		defer func() { done(healthy(outcome)) }()

		fragments := 0
		for chunk := range chunks {
			switch {
			case chunk.Err != nil:
				outcome = chunk.Err
				span.RecordError(chunk.Err)
				span.SetStatus(codes.Error, chunk.Err.Error())
			case chunk.Done:
			default:
				fragments++
			}
			span.SetAttributes(attribute.Int("fragments", fragments))

			select {
			case out <- chunk:
			case <-parent.Done():
				return
			case <-stream.closed:
				return
			}
			if chunk.Err != nil || chunk.Done {
				return
			}
		}

		// The producer stopped without a terminal chunk. When our own deadline
		// caused it the consumer is still listening and must hear about it.
		if parent.Err() == nil && ctx.Err() != nil {
			err := provider.NewProviderError(id, ctx.Err())
			outcome = err
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			select {
			case out <- &provider.Chunk{Err: err}:
			case <-parent.Done():
			case <-stream.closed:
			}
		}
	}()

	return stream, nil
}
