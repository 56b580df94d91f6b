// Package generation defines the contract with the streaming text-generation
// collaborator and provides an OpenAI-compatible client plus a scripted mock
// for tests.
//
// A provider turns an ordered turn sequence into an asynchronous, ordered
// sequence of delta events terminated by an explicit end or error event. A
// transport-level failure before any event is returned from Stream directly.
package generation

import (
	"context"

	"github.com/converselabs/converse/types"
)

// EventType discriminates the payload of an Event.
type EventType int

const (
	// EventDelta carries one incremental fragment of generated text.
	EventDelta EventType = iota

	// EventEnd marks a successful end of stream. No further events follow.
	EventEnd

	// EventError marks an upstream failure. No further events follow.
	EventError
)

// Event is a single element of a generation stream.
type Event struct {
	Type EventType
	Text string // delta text, set for EventDelta
	Err  error  // set for EventError
}

// Request carries the turn sequence and generation parameters for one call.
type Request struct {
	Turns       []types.Turn
	MaxTokens   int
	Temperature float32
}

// Provider is the generation collaborator contract. The returned channel is
// closed after the terminal EventEnd or EventError. Cancelling ctx cancels
// the upstream subscription and closes the channel.
type Provider interface {
	// ID returns a stable identifier for logging and metrics.
	ID() string

	// Stream opens one generation call. Events arrive in order; the caller
	// must drain the channel or cancel ctx.
	Stream(ctx context.Context, req Request) (<-chan Event, error)

	// Close releases any held connections.
	Close() error
}
