package core

import (
	"github.com/pion/webrtc/v4"

	"github.com/pulsarchat/voicelink/internal/domain"
)

// SignalKind discriminates the peer-to-peer control messages carried
// over the signal channel.
type SignalKind string

const (
	SignalOffer        SignalKind = "offer"
	SignalAnswer       SignalKind = "answer"
	SignalCandidate    SignalKind = "candidate"
	SignalRenegotiate  SignalKind = "renegotiate"
	SignalRequestOffer SignalKind = "request-offer"
	SignalVideoSource  SignalKind = "video-source"
)

// SignalMessage is one control message between two participants. Only
// the fields relevant to Kind are set.
type SignalMessage struct {
	Kind      SignalKind               `json:"kind"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
	Source    domain.VideoSource       `json:"source,omitempty"`
}

// InboundSignal is a SignalMessage with its delivery envelope.
type InboundSignal struct {
	ChannelID  domain.ChannelID `json:"channel_id"`
	FromUserID domain.UserID    `json:"from"`
	Message    SignalMessage    `json:"message"`
}

// RosterEvent is a full membership snapshot for one channel. Snapshots
// replace prior state; they are never deltas.
type RosterEvent struct {
	ChannelID    domain.ChannelID     `json:"channel_id"`
	Participants []domain.Participant `json:"participants"`
}
