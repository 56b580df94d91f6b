// Package stream drives one generation call per request: it forwards model
// deltas to the client channel in order, accumulates the final text, and
// hands the completed turn to the history coordinator. A per-conversation
// Idle/Streaming state machine guarantees at most one active generation per
// conversation id.
package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/converselabs/converse/generation"
	"github.com/converselabs/converse/history"
	"github.com/converselabs/converse/logger"
	"github.com/converselabs/converse/metrics"
	"github.com/converselabs/converse/types"
)

// ErrStreamActive indicates a generation is already in flight for the
// conversation. Callers must serialize or reject concurrent submissions.
var ErrStreamActive = errors.New("a stream is already active for this conversation")

// instrumentationName is the OTel instrumentation scope name.
const instrumentationName = "github.com/converselabs/converse"

// Event is one element of the client-facing stream.
type Event struct {
	Delta string // incremental text, set while streaming
	Done  bool   // terminal marker for a successful stream
	Full  string // complete accumulated text, set with Done
	Err   error  // upstream failure, terminal
}

// Orchestrator runs generation calls and owns the per-conversation
// streaming state machine.
type Orchestrator struct {
	provider     generation.Provider
	coord        *history.Coordinator
	systemPrompt string
	maxTokens    int
	temperature  float32
	tracer       trace.Tracer

	mu       sync.Mutex
	inflight map[string]struct{}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithGenerationParams sets the max token and temperature parameters passed
// to the provider.
func WithGenerationParams(maxTokens int, temperature float32) Option {
	return func(o *Orchestrator) {
		o.maxTokens = maxTokens
		o.temperature = temperature
	}
}

// WithSystemPrompt injects this system turn into the provider request when
// the stored sequence has none. The injection is request-only; the stored
// sequence is not modified.
func WithSystemPrompt(prompt string) Option {
	return func(o *Orchestrator) {
		o.systemPrompt = prompt
	}
}

// WithTracerProvider sets the OTel tracer provider. Defaults to the global
// provider (a noop unless configured).
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Orchestrator) {
		o.tracer = tp.Tracer(instrumentationName)
	}
}

// New creates an orchestrator over the given provider and coordinator.
func New(provider generation.Provider, coord *history.Coordinator, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		provider: provider,
		coord:    coord,
		inflight: make(map[string]struct{}),
		tracer:   otel.GetTracerProvider().Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Streaming reports whether a generation is in flight for the conversation.
func (o *Orchestrator) Streaming(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, active := o.inflight[id]
	return active
}

// acquire transitions the conversation Idle→Streaming with a check-and-set
// under the lock.
func (o *Orchestrator) acquire(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, active := o.inflight[id]; active {
		return ErrStreamActive
	}
	o.inflight[id] = struct{}{}
	return nil
}

// release transitions the conversation back to Idle.
func (o *Orchestrator) release(id string) {
	o.mu.Lock()
	delete(o.inflight, id)
	o.mu.Unlock()
}

// Run opens one generation call for the conversation and returns the client
// event channel. Errors before the first event (unknown conversation, a
// concurrent stream, upstream dial failure) are returned directly and no
// channel is opened.
//
// The returned channel is unbuffered: each delta is pushed synchronously in
// arrival order before the next upstream delta is awaited. Cancelling ctx
// (client gone) cancels the upstream subscription; text accumulated so far
// is handed to the coordinator as a best-effort partial assistant turn.
func (o *Orchestrator) Run(ctx context.Context, id, owner string, temporary bool) (<-chan Event, error) {
	if err := o.acquire(id); err != nil {
		return nil, err
	}

	turns, err := o.coord.Load(ctx, id, owner)
	if err != nil {
		o.release(id)
		return nil, err
	}

	req := generation.Request{
		Turns:       o.withSystem(turns),
		MaxTokens:   o.maxTokens,
		Temperature: o.temperature,
	}

	ctx, span := o.tracer.Start(ctx, "converse.generate",
		trace.WithAttributes(
			attribute.String("conversation.id", id),
			attribute.Bool("conversation.temporary", temporary),
			attribute.String("provider.id", o.provider.ID()),
		))

	upstreamCtx, cancel := context.WithCancel(ctx)
	events, err := o.provider.Stream(upstreamCtx, req)
	if err != nil {
		cancel()
		span.End()
		o.release(id)
		return nil, fmt.Errorf("generation call failed: %w", err)
	}

	metrics.StreamStarted()
	out := make(chan Event)
	go o.pump(ctx, cancel, span, id, owner, temporary, events, out)
	return out, nil
}

// pump is the per-stream forwarding loop. Single producer, single consumer:
// each upstream delta is pushed to out before the next one is awaited, so
// per-connection ordering holds by construction.
func (o *Orchestrator) pump(ctx context.Context, cancel context.CancelFunc, span trace.Span,
	id, owner string, temporary bool, events <-chan generation.Event, out chan<- Event) {

	start := time.Now()
	outcome := metrics.OutcomeCancelled
	var acc strings.Builder

	defer func() {
		cancel()
		span.SetAttributes(attribute.String("stream.outcome", outcome))
		span.End()
		metrics.StreamEnded(outcome, time.Since(start))
		o.release(id)
		close(out)
	}()

	for {
		select {
		case <-ctx.Done():
			// Client gone: cancel upstream, keep what we have.
			o.persistPartial(ctx, id, owner, acc.String(), temporary)
			return

		case ev, ok := <-events:
			if !ok {
				// Upstream closed without a terminal event (its context was
				// cancelled). Treat like a client disconnect.
				o.persistPartial(ctx, id, owner, acc.String(), temporary)
				return
			}

			switch ev.Type {
			case generation.EventDelta:
				acc.WriteString(ev.Text)
				if !o.send(ctx, out, Event{Delta: ev.Text}) {
					o.persistPartial(ctx, id, owner, acc.String(), temporary)
					return
				}
				metrics.IncDeltaForwarded()

			case generation.EventEnd:
				full := acc.String()
				outcome = metrics.OutcomeComplete
				o.send(ctx, out, Event{Done: true, Full: full})
				if err := o.coord.AppendAssistantTurn(context.WithoutCancel(ctx), id, owner, full, temporary); err != nil {
					logger.Error("failed to append assistant turn", "conversation_id", id, "error", err)
				}
				return

			case generation.EventError:
				outcome = metrics.OutcomeError
				logger.Error("generation stream failed", "conversation_id", id, "error", ev.Err)
				o.send(ctx, out, Event{Err: ev.Err})
				// The client already saw the partial text; keep it rather
				// than silently dropping the turn.
				o.persistPartial(ctx, id, owner, acc.String(), temporary)
				return
			}
		}
	}
}

// send pushes one event unless the client context is cancelled.
func (o *Orchestrator) send(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// persistPartial hands non-empty accumulated text to the coordinator after
// an interrupted stream. Runs detached from the client context so a
// disconnect cannot abort the write.
func (o *Orchestrator) persistPartial(ctx context.Context, id, owner, text string, temporary bool) {
	if text == "" {
		return
	}
	if err := o.coord.AppendAssistantTurn(context.WithoutCancel(ctx), id, owner, text, temporary); err != nil {
		logger.Error("failed to persist partial assistant turn", "conversation_id", id, "error", err)
	}
}

// withSystem prepends the configured system turn when the sequence lacks one.
func (o *Orchestrator) withSystem(turns []types.Turn) []types.Turn {
	if o.systemPrompt == "" || types.HasSystem(turns) {
		return turns
	}
	out := make([]types.Turn, 0, len(turns)+1)
	out = append(out, types.System(o.systemPrompt))
	out = append(out, turns...)
	return out
}
