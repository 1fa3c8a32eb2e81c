// Package channel defines the seam between a chat-provider adapter and
// the router (C8): the minimal shape SPEC_FULL.md draws at "the
// chat-channel adapters themselves... are out of scope" (spec 1). Both
// the local HTTP/SSE channel and the Matrix adapter satisfy this
// interface; neither reaches into the other's protocol internals.
package channel

// InboundMessage is what a channel hands the router for one message it
// received (spec 3 "Inbound message", narrowed to the fields a channel
// adapter itself is responsible for).
type InboundMessage struct {
	Session  string
	Sender   string
	Content  string
	Provider string
	ReplyTo  string
}

// OutboundMessage is what the router hands back to a channel to deliver
// (spec 3 "Outbound message").
type OutboundMessage struct {
	Session string
	Content string
	ReplyTo string
}

// Channel is the interface a chat-provider adapter implements so C8 can
// consume its messages without depending on its transport.
type Channel interface {
	// Inbound returns a channel of messages received from this provider.
	// Closed when the adapter stops.
	Inbound() <-chan InboundMessage

	// Send delivers an outbound message through this provider.
	Send(msg OutboundMessage) error

	// Name identifies the provider for session canonicalisation (spec 3
	// "Session address").
	Name() string

	// Start begins receiving; Stop ends it and closes the Inbound channel.
	Start() error
	Stop()
}
