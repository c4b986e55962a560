package core

import "github.com/pion/webrtc/v4"

// MediaSource holds the local microphone track and an optional local
// screen/camera track. Consumers subscribe to replacements instead of
// re-reading shared state; only the orchestrator may reacquire tracks.
type MediaSource interface {
	AudioTrack() webrtc.TrackLocal
	VideoTrack() webrtc.TrackLocal

	// SetAudioEnabled gates outgoing audio without touching transport.
	SetAudioEnabled(enabled bool)

	// OnAudioReplaced / OnVideoReplaced register replace-in-place
	// subscribers (peer sessions, SFU uplink).
	OnAudioReplaced(fn func(webrtc.TrackLocal))
	OnVideoReplaced(fn func(webrtc.TrackLocal))

	Close()
}
