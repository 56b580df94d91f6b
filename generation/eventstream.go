package generation

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
)

// BedrockScanner iterates the binary event-stream frames returned by
// Bedrock's invoke-with-response-stream endpoint. Each chunk frame wraps a
// base64 payload whose decoded bytes are one JSON stream event, so Data
// yields the same strings an SSE scanner would on the direct API.
type BedrockScanner struct {
	decoder *eventstream.Decoder
	r       io.Reader
	buf     []byte
	data    string
	err     error
}

// NewBedrockScanner creates a scanner over a binary event-stream body.
func NewBedrockScanner(r io.Reader) *BedrockScanner {
	return &BedrockScanner{
		decoder: eventstream.NewDecoder(),
		r:       r,
		buf:     make([]byte, 0, 4096),
	}
}

// Scan advances to the next chunk frame. Returns false at end of stream, on
// a decode error, or when the service reports an exception frame.
func (s *BedrockScanner) Scan() bool {
	for {
		msg, err := s.decoder.Decode(s.r, s.buf)
		if err != nil {
			if err != io.EOF {
				s.err = fmt.Errorf("failed to decode event-stream frame: %w", err)
			}
			return false
		}

		if isExceptionFrame(msg) {
			s.err = fmt.Errorf("bedrock stream exception: %s", msg.Payload)
			return false
		}

		var chunk struct {
			Bytes string `json:"bytes"`
		}
		if err := json.Unmarshal(msg.Payload, &chunk); err != nil || chunk.Bytes == "" {
			// Not a chunk frame (e.g. metrics); skip it.
			continue
		}

		decoded, err := base64.StdEncoding.DecodeString(chunk.Bytes)
		if err != nil {
			s.err = fmt.Errorf("failed to decode chunk payload: %w", err)
			return false
		}

		s.data = string(decoded)
		return true
	}
}

// isExceptionFrame reports whether the frame carries a service exception.
// Bedrock marks these on either the event-type or message-type header.
func isExceptionFrame(msg eventstream.Message) bool {
	for _, name := range []string{":event-type", ":message-type"} {
		val := msg.Headers.Get(name)
		if val == nil {
			continue
		}
		if sv, ok := val.(eventstream.StringValue); ok && string(sv) == "exception" {
			return true
		}
	}
	return false
}

// Data returns the decoded JSON event of the current frame.
func (s *BedrockScanner) Data() string {
	return s.data
}

// Err returns the first decode error or stream exception encountered.
func (s *BedrockScanner) Err() error {
	return s.err
}
