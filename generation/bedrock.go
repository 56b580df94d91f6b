package generation

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"golang.org/x/time/rate"

	"github.com/converselabs/converse/logger"
	"github.com/converselabs/converse/types"
)

const (
	bedrockService          = "bedrock"
	bedrockAnthropicVersion = "bedrock-2023-05-31"
	defaultBedrockRegion    = "us-west-2"

	// defaultBedrockMaxTokens applies when the request carries none; the
	// messages API rejects requests without max_tokens.
	defaultBedrockMaxTokens = 1024
)

// BedrockProvider implements the Provider interface against AWS Bedrock's
// invoke-with-response-stream endpoint for Anthropic models. Requests are
// SigV4 signed with the default AWS credential chain (environment,
// instance profile, IRSA), optionally through an assumed role.
type BedrockProvider struct {
	id          string
	modelID     string
	region      string
	endpoint    string
	roleARN     string
	cfg         aws.Config
	signer      *v4.Signer
	client      *http.Client
	limiter     *rate.Limiter
	idleTimeout time.Duration
}

// BedrockOption configures a BedrockProvider.
type BedrockOption func(*BedrockProvider)

// WithBedrockRegion sets the AWS region. Empty keeps the default.
func WithBedrockRegion(region string) BedrockOption {
	return func(p *BedrockProvider) {
		if region != "" {
			p.region = region
		}
	}
}

// WithAssumeRole routes credentials through an STS assume-role call.
func WithAssumeRole(roleARN string) BedrockOption {
	return func(p *BedrockProvider) {
		p.roleARN = roleARN
	}
}

// WithBedrockEndpoint overrides the service endpoint (used in tests).
func WithBedrockEndpoint(endpoint string) BedrockOption {
	return func(p *BedrockProvider) {
		p.endpoint = endpoint
	}
}

// WithBedrockConfig supplies a pre-built AWS config instead of loading the
// default credential chain (used in tests with static credentials).
func WithBedrockConfig(cfg aws.Config) BedrockOption {
	return func(p *BedrockProvider) {
		p.cfg = cfg
	}
}

// WithBedrockHTTPClient overrides the HTTP client.
func WithBedrockHTTPClient(client *http.Client) BedrockOption {
	return func(p *BedrockProvider) {
		p.client = client
	}
}

// WithBedrockRateLimit caps outbound calls at rps requests per second with
// a burst of one. Zero disables limiting.
func WithBedrockRateLimit(rps float64) BedrockOption {
	return func(p *BedrockProvider) {
		if rps > 0 {
			p.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		}
	}
}

// WithBedrockIdleTimeout bounds the wait for the next upstream frame.
func WithBedrockIdleTimeout(d time.Duration) BedrockOption {
	return func(p *BedrockProvider) {
		p.idleTimeout = d
	}
}

// NewBedrockProvider creates a provider for an Anthropic model hosted on
// Bedrock. modelID is the Bedrock model identifier, e.g.
// "anthropic.claude-3-5-haiku-20241022-v1:0".
func NewBedrockProvider(ctx context.Context, id, modelID string, opts ...BedrockOption) (*BedrockProvider, error) {
	p := &BedrockProvider{
		id:          id,
		modelID:     modelID,
		region:      defaultBedrockRegion,
		signer:      v4.NewSigner(),
		client:      &http.Client{},
		idleTimeout: DefaultIdleTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.cfg.Credentials == nil {
		cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(p.region))
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		p.cfg = cfg
	}

	if p.roleARN != "" {
		stsClient := sts.NewFromConfig(p.cfg)
		p.cfg.Credentials = stscreds.NewAssumeRoleProvider(stsClient, p.roleARN)
	}

	if p.endpoint == "" {
		p.endpoint = fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com", p.region)
	}

	return p, nil
}

// ID returns the provider id.
func (p *BedrockProvider) ID() string {
	return p.id
}

// Close closes idle connections held by the HTTP client.
func (p *BedrockProvider) Close() error {
	p.client.CloseIdleConnections()
	return nil
}

// Anthropic messages API structures, Bedrock flavor: the version goes in
// the body, not a header, and the model id lives in the URL.
type bedrockRequest struct {
	AnthropicVersion string           `json:"anthropic_version"`
	MaxTokens        int              `json:"max_tokens"`
	System           string           `json:"system,omitempty"`
	Messages         []bedrockMessage `json:"messages"`
	Temperature      float32          `json:"temperature,omitempty"`
}

type bedrockMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type bedrockStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// buildRequest splits a leading system turn into the top-level system field
// and maps the rest onto messages.
func (p *BedrockProvider) buildRequest(req Request) bedrockRequest {
	out := bedrockRequest{
		AnthropicVersion: bedrockAnthropicVersion,
		MaxTokens:        req.MaxTokens,
		Temperature:      req.Temperature,
	}
	if out.MaxTokens == 0 {
		out.MaxTokens = defaultBedrockMaxTokens
	}

	for _, turn := range req.Turns {
		if turn.Role == types.RoleSystem && out.System == "" && len(out.Messages) == 0 {
			out.System = turn.Content
			continue
		}
		out.Messages = append(out.Messages, bedrockMessage{Role: turn.Role, Content: turn.Content})
	}
	return out
}

// Stream opens a streaming invoke call. The request is rate limited and
// SigV4 signed; a non-2xx response or transport failure is returned before
// any event is produced.
func (p *BedrockProvider) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait: %w", err)
		}
	}

	apiReq := p.buildRequest(req)
	reqBody, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	// Model ids contain ':' which must be percent-encoded in the path.
	invokeURL := p.endpoint + "/model/" + url.PathEscape(p.modelID) + "/invoke-with-response-stream"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, invokeURL, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/vnd.amazon.eventstream")

	if err := p.sign(ctx, httpReq, reqBody); err != nil {
		return nil, err
	}

	logger.APIRequest(p.id, http.MethodPost, invokeURL, apiReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		logger.APIResponse(p.id, resp.StatusCode, string(body), nil)
		return nil, fmt.Errorf("bedrock request failed with status %d: %s", resp.StatusCode, bedrockErrorMessage(body))
	}

	out := make(chan Event)
	go p.streamResponse(ctx, resp.Body, out)
	return out, nil
}

// sign applies SigV4 with the configured credential provider.
func (p *BedrockProvider) sign(ctx context.Context, req *http.Request, body []byte) error {
	creds, err := p.cfg.Credentials.Retrieve(ctx)
	if err != nil {
		return fmt.Errorf("failed to retrieve AWS credentials: %w", err)
	}

	sum := sha256.Sum256(body)
	payloadHash := hex.EncodeToString(sum[:])

	if err := p.signer.SignHTTP(ctx, creds, req, payloadHash, bedrockService, p.region, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}
	return nil
}

// bedrockErrorMessage extracts the message from Bedrock's {"message":...}
// error body, falling back to the raw body.
func bedrockErrorMessage(body []byte) string {
	var errResp struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Message != "" {
		return errResp.Message
	}
	return string(body)
}

// streamResponse reads the event-stream body and forwards events, enforcing
// the idle timeout between frames.
func (p *BedrockProvider) streamResponse(ctx context.Context, body io.ReadCloser, out chan<- Event) {
	defer close(out)
	defer body.Close()

	// The decoder blocks on the socket, so reads happen on their own
	// goroutine and the idle timeout is applied on the select below.
	frames := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(frames)
		scanner := NewBedrockScanner(body)
		for scanner.Scan() {
			select {
			case frames <- scanner.Data():
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

		case data, ok := <-frames:
			if !ok {
				// Stream ended; an exception or decode failure is terminal,
				// a clean EOF after message_stop already returned above.
				select {
				case err := <-scanErr:
					if err != nil {
						emitEvent(ctx, out, Event{Type: EventError, Err: err})
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

			var ev bedrockStreamEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				logger.Warn("skipping malformed stream event", "provider", p.id, "error", err)
				continue
			}

			switch {
			case ev.Error != nil:
				emitEvent(ctx, out, Event{Type: EventError, Err: fmt.Errorf("%s error: %s", p.id, ev.Error.Message)})
				return

			case ev.Type == "message_stop":
				emitEvent(ctx, out, Event{Type: EventEnd})
				return

			case ev.Type == "content_block_delta" && ev.Delta.Text != "":
				if !emitEvent(ctx, out, Event{Type: EventDelta, Text: ev.Delta.Text}) {
					return
				}
			}
		}
	}
}
