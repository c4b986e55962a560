package domain

type ChannelID string

// VoiceMode selects the transport topology for a channel.
type VoiceMode string

const (
	// ModeMesh gives every pair of participants a direct session.
	ModeMesh VoiceMode = "mesh"
	// ModeSFU routes all media through a central routing server.
	ModeSFU VoiceMode = "sfu"
)

// VideoSource is the out-of-band advertisement of what a participant's
// video track carries. A receiver only surfaces a flowing video track
// once a non-None source has been advertised for it.
type VideoSource string

const (
	VideoNone   VideoSource = "none"
	VideoScreen VideoSource = "screen"
	VideoCamera VideoSource = "camera"
)
