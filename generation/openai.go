package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"golang.org/x/time/rate"

	"github.com/converselabs/converse/logger"
)

// DefaultIdleTimeout bounds the wait between consecutive upstream deltas.
// A stalled stream is terminated with an error event rather than hanging the
// client connection indefinitely.
const DefaultIdleTimeout = 60 * time.Second

// OpenAIProvider implements the Provider interface against any
// OpenAI-compatible chat-completions endpoint.
type OpenAIProvider struct {
	id          string
	model       string
	baseURL     string
	apiKey      string
	client      *http.Client
	limiter     *rate.Limiter
	idleTimeout time.Duration
}

// OpenAIOption configures an OpenAIProvider.
type OpenAIOption func(*OpenAIProvider)

// WithAPIKeyEnv reads the API key from the named environment variable
// instead of the default OPENAI_API_KEY.
func WithAPIKeyEnv(name string) OpenAIOption {
	return func(p *OpenAIProvider) {
		p.apiKey = os.Getenv(name)
	}
}

// WithRateLimit caps outbound generation calls at rps requests per second
// with a burst of one. Zero disables limiting.
func WithRateLimit(rps float64) OpenAIOption {
	return func(p *OpenAIProvider) {
		if rps > 0 {
			p.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		}
	}
}

// WithIdleTimeout bounds the wait for the next upstream delta.
func WithIdleTimeout(d time.Duration) OpenAIOption {
	return func(p *OpenAIProvider) {
		p.idleTimeout = d
	}
}

// WithHTTPClient overrides the HTTP client (used in tests).
func WithHTTPClient(client *http.Client) OpenAIOption {
	return func(p *OpenAIProvider) {
		p.client = client
	}
}

// NewOpenAIProvider creates a provider for an OpenAI-compatible endpoint.
// The API key is read from OPENAI_API_KEY unless WithAPIKeyEnv overrides it.
func NewOpenAIProvider(id, model, baseURL string, opts ...OpenAIOption) *OpenAIProvider {
	p := &OpenAIProvider{
		id:          id,
		model:       model,
		baseURL:     baseURL,
		apiKey:      os.Getenv("OPENAI_API_KEY"),
		client:      &http.Client{},
		idleTimeout: DefaultIdleTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ID returns the provider id.
func (p *OpenAIProvider) ID() string {
	return p.id
}

// Close closes idle connections held by the HTTP client.
func (p *OpenAIProvider) Close() error {
	p.client.CloseIdleConnections()
	return nil
}

// OpenAI API request/response structures.
type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature float32         `json:"temperature,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Stream      bool            `json:"stream"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Stream opens a streaming chat-completions call. The request is rate
// limited; a non-2xx response or transport failure is returned before any
// event is produced.
func (p *OpenAIProvider) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait: %w", err)
		}
	}

	messages := make([]openAIMessage, 0, len(req.Turns))
	for _, turn := range req.Turns {
		messages = append(messages, openAIMessage{Role: turn.Role, Content: turn.Content})
	}

	apiReq := openAIRequest{
		Model:       p.model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      true,
	}

	reqBody, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Accept", "text/event-stream")

	logger.APIRequest(p.id, http.MethodPost, url, apiReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		logger.APIResponse(p.id, resp.StatusCode, string(body), nil)
		return nil, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
	}

	out := make(chan Event)
	go p.streamResponse(ctx, resp.Body, out)
	return out, nil
}

// streamResponse reads the SSE stream and forwards events, enforcing the
// idle timeout between deltas.
func (p *OpenAIProvider) streamResponse(ctx context.Context, body io.ReadCloser, out chan<- Event) {
	defer close(out)
	defer body.Close()

	// The scanner blocks on the socket, so reads happen on their own
	// goroutine and the idle timeout is applied on the select below.
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := NewSSEScanner(body)
		for scanner.Scan() {
			select {
			case lines <- scanner.Data():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	idle := time.NewTimer(p.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-idle.C:
			emitEvent(ctx, out, Event{Type: EventError, Err: fmt.Errorf("generation stream idle for %s", p.idleTimeout)})
			return

		case data, ok := <-lines:
			if !ok {
				// Stream ended without [DONE]; a read error is terminal,
				// a clean EOF is treated as end of stream.
				select {
				case err := <-scanErr:
					if err != nil {
						emitEvent(ctx, out, Event{Type: EventError, Err: fmt.Errorf("stream read failed: %w", err)})
						return
					}
				default:
				}
				emitEvent(ctx, out, Event{Type: EventEnd})
				return
			}

			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(p.idleTimeout)

			if data == "[DONE]" {
				emitEvent(ctx, out, Event{Type: EventEnd})
				return
			}

			var chunk openAIStreamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				logger.Warn("skipping malformed stream chunk", "provider", p.id, "error", err)
				continue
			}

			if chunk.Error != nil {
				emitEvent(ctx, out, Event{Type: EventError, Err: fmt.Errorf("%s error: %s", p.id, chunk.Error.Message)})
				return
			}

			if len(chunk.Choices) == 0 {
				continue
			}
			if delta := chunk.Choices[0].Delta.Content; delta != "" {
				if !emitEvent(ctx, out, Event{Type: EventDelta, Text: delta}) {
					return
				}
			}
		}
	}
}

// emitEvent sends an event unless ctx is cancelled. Reports whether it was
// sent.
func emitEvent(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
