// Package stt defines the Provider interface for streaming Speech-to-Text
// backends.
//
// An STT provider wraps a real-time transcription service (e.g., Deepgram)
// and exposes a uniform streaming interface. The central abstraction is
// Handle: once opened, a session accepts containerized audio frames exactly
// as captured by the dictating client and emits the provider's result
// payloads as raw bytes. Payloads are NOT decoded or re-encoded on the way
// through; the relay forwards them verbatim so that client-side consumers
// see the provider's native message schema.
//
// Implementations must be safe for concurrent use.
package stt

import "context"

// StreamConfig describes the recognition settings for a new streaming
// session. Zero values fall back to provider-level defaults.
type StreamConfig struct {
	// Language is the BCP-47 language tag for recognition (e.g., "en").
	Language string

	// Model overrides the provider's default recognition model.
	Model string

	// Encoding names the audio codec when the client streams raw audio
	// (e.g., "linear16"). Leave empty for containerized formats the provider
	// detects on its own, such as browser-recorded WebM/Opus.
	Encoding string

	// SampleRate is the audio sample rate in Hz. Only meaningful together
	// with Encoding.
	SampleRate int
}

// Handle represents an open streaming transcription session. It is an
// interface so that test code can provide mock implementations without a
// live provider connection.
//
// Callers must call Close when the session is no longer needed. Failing to
// do so may leak goroutines and network connections inside the provider
// implementation. All methods must be safe for concurrent use.
type Handle interface {
	// Send delivers one audio frame to the provider. Frames are forwarded
	// in the order they are sent. Calling Send after the session has ended
	// returns an error.
	Send(frame []byte) error

	// Results returns a read-only channel that emits the provider's result
	// messages as raw bytes, verbatim. The channel is closed when the
	// provider ends the stream or the session is closed.
	Results() <-chan []byte

	// KeepAlive sends the provider's keepalive message, preventing an idle
	// stream from being timed out while no audio is flowing.
	KeepAlive() error

	// Finish asks the provider to flush pending audio and end the stream
	// gracefully. Remaining results are still delivered on Results before
	// the channel closes. Calling Finish more than once is safe.
	Finish() error

	// Ready reports whether the session can currently accept audio. A
	// session that has ended, failed, or been finished is not ready.
	Ready() bool

	// Close tears the session down and releases all associated resources.
	// Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any streaming STT backend.
//
// Implementations must be safe for concurrent use; multiple sessions may be
// open simultaneously.
type Provider interface {
	// StartStream opens a new streaming transcription session. The returned
	// Handle is ready to accept audio immediately.
	//
	// Returns an error if the provider cannot establish the session (e.g.,
	// authentication failure or ctx already cancelled). The caller owns the
	// Handle and must call Close when done.
	StartStream(ctx context.Context, cfg StreamConfig) (Handle, error)
}
