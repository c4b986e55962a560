package core

import (
	"github.com/pion/webrtc/v4"

	"github.com/pulsarchat/voicelink/internal/domain"
)

// MediaConnection is one peer-to-peer transport session. Implemented by
// mesh.Session; the signaling state machine only drives this interface.
type MediaConnection interface {
	// SignalingState reports the underlying SDP negotiation state.
	SignalingState() webrtc.SignalingState
	// CreateAndSetOffer produces a local offer and applies it.
	CreateAndSetOffer() (*webrtc.SessionDescription, error)
	// CreateAndSetAnswer produces an answer for the current remote offer.
	CreateAndSetAnswer() (*webrtc.SessionDescription, error)
	// SetRemoteDescription applies a remote offer or answer and flushes
	// any ICE candidates buffered while no remote description existed.
	SetRemoteDescription(webrtc.SessionDescription) error
	// Rollback discards the pending local description (glare recovery).
	Rollback() error
	// AddICECandidate applies a remote candidate, buffering it until a
	// remote description exists. Invalid candidates are never fatal.
	AddICECandidate(webrtc.ICECandidateInit) error

	// MakingOffer guards against overlapping negotiation attempts for
	// the same peer.
	MakingOffer() bool
	SetMakingOffer(bool)

	ReplaceAudioTrack(track webrtc.TrackLocal) error
	ReplaceVideoTrack(track webrtc.TrackLocal) error

	// Close should stop all underlying media resources. Idempotent.
	Close()
	IsClosed() bool
}

// SessionManager owns the table of mesh sessions keyed by peer user id.
// Ensure and Close are idempotent; nothing outside the orchestrator may
// mutate the table through any other path.
type SessionManager interface {
	Ensure(peer domain.UserID) (MediaConnection, error)
	Get(peer domain.UserID) (MediaConnection, bool)
	// Recreate closes any existing session for peer, releasing all of
	// its resources, then creates a fresh one.
	Recreate(peer domain.UserID) (MediaConnection, error)
	Close(peer domain.UserID)
	Peers() []domain.UserID
}
