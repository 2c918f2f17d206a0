// Package agent defines the Provider interface for the conversational agent
// behind the voice server.
//
// An agent answers a single text question, optionally steered by a system
// prompt, with a plain-text reply. Speech synthesis of agent replies is the
// job of the tts package; this package only covers the text round trip used
// by the chat path.
//
// Implementations must be safe for concurrent use.
package agent

import "context"

// NoReply is returned in place of an empty reply.
const NoReply = "(no reply)"

// Query is the JSON body of a reply request.
type Query struct {
	// Text is the user's question. It must not be empty.
	Text string `json:"text"`

	// System is an optional system prompt.
	System string `json:"system,omitempty"`
}

// Provider is the abstraction over any agent backend.
type Provider interface {
	// Reply sends q to the agent and returns its answer. An empty answer is
	// reported as [NoReply]. A non-success response yields a
	// [*types.StatusError] carrying the server's detail.
	Reply(ctx context.Context, q Query) (string, error)
}
