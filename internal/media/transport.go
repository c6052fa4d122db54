// Package media owns the peer-to-peer leg of a call: the WebRTC peer
// connection, the local microphone track, remote audio playback detection,
// and the "chat" data channel. The call controller drives a Transport
// through explicit negotiation steps and receives asynchronous events
// through Callbacks; signaling itself (how SDP and candidates reach the
// other peer) is not this package's concern.
package media

import "github.com/pion/webrtc/v4"

// Config selects ICE servers and whether to attempt local mic capture.
type Config struct {
	StunURLs []string
	Capture  bool
}

// Callbacks deliver asynchronous transport events. All fields are optional;
// callbacks fire from transport-owned goroutines and must not block.
type Callbacks struct {
	// OnLocalCandidate fires for every locally discovered ICE candidate.
	OnLocalCandidate func(c webrtc.ICECandidateInit)

	// OnConnectionState fires on every peer-connection state change with
	// one of the proto.Conn* status strings.
	OnConnectionState func(status string)

	// OnRemoteAudio fires once, when the first remote audio packet arrives.
	OnRemoteAudio func()

	// OnChatMessage fires for every message received on the chat data
	// channel. Messages that arrive before a handler is installed via
	// SetChatHandler are buffered and replayed on installation.
	OnChatMessage func(data []byte)
}

// Transport is one call's media connection. Lifecycle: Init, then either
// CreateOffer (caller side) or SetRemoteOffer+CreateAnswer (callee side),
// then SetRemoteAnswer on the caller side, with AddRemoteCandidate calls
// interleaved at any point after Init. Close is idempotent.
type Transport interface {
	// Init builds the peer connection and installs callbacks.
	Init(cb Callbacks) error

	// CreateOffer creates the chat data channel, produces the local offer
	// SDP and applies it as the local description.
	CreateOffer() (string, error)

	// SetRemoteOffer applies the remote peer's offer SDP.
	SetRemoteOffer(sdp string) error

	// CreateAnswer produces the local answer SDP and applies it as the
	// local description. Valid only after SetRemoteOffer.
	CreateAnswer() (string, error)

	// SetRemoteAnswer applies the remote peer's answer SDP.
	SetRemoteAnswer(sdp string) error

	// AddRemoteCandidate feeds one remote ICE candidate. Candidates
	// arriving before the remote description are buffered and applied
	// once it is set.
	AddRemoteCandidate(c webrtc.ICECandidateInit) error

	// SetMicEnabled swaps the local audio track in or out of the sender.
	// A no-op when no microphone was captured.
	SetMicEnabled(on bool) error

	// SendChat writes one message to the chat data channel.
	SendChat(data []byte) error

	// DataChannelOpen reports whether the chat channel is currently open.
	DataChannelOpen() bool

	// SetChatHandler installs (or replaces) the chat message handler and
	// replays any buffered messages to it in arrival order.
	SetChatHandler(fn func(data []byte))

	// Close stops capture and tears down the peer connection.
	Close() error
}
