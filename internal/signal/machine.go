package signal

import (
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pulsarchat/voicelink/internal/core"
	"github.com/pulsarchat/voicelink/internal/domain"
)

// Machine consumes signal-channel messages for one active channel and
// drives the session manager. Handle applies exactly one message and is
// idempotent: redelivery of the same message never corrupts state
// beyond the first application's effect.
//
// Initiator selection is deterministic: the lexicographically smaller
// user id always offers. The choice is stable across renegotiations.
type Machine struct {
	localID  domain.UserID
	channel  domain.ChannelID
	sessions core.SessionManager
	out      core.SignalChannel
	gate     *VideoGate

	logger zerolog.Logger
}

func NewMachine(
	localID domain.UserID,
	channel domain.ChannelID,
	sessions core.SessionManager,
	out core.SignalChannel,
	gate *VideoGate,
) *Machine {
	return &Machine{
		localID:  localID,
		channel:  channel,
		sessions: sessions,
		out:      out,
		gate:     gate,
		logger: log.With().
			Str("module", "signal.machine").
			Str("channel", string(channel)).
			Logger(),
	}
}

// Initiates reports whether the local side offers toward peer.
func (m *Machine) Initiates(peer domain.UserID) bool {
	return domain.Initiates(m.localID, peer)
}

// Handle applies one inbound message.
func (m *Machine) Handle(in core.InboundSignal) {
	from := in.FromUserID
	switch in.Message.Kind {
	case core.SignalOffer:
		m.handleOffer(from, in.Message.SDP)
	case core.SignalAnswer:
		m.handleAnswer(from, in.Message.SDP)
	case core.SignalCandidate:
		m.handleCandidate(from, in.Message.Candidate)
	case core.SignalRenegotiate:
		m.handleRenegotiate(from)
	case core.SignalRequestOffer:
		m.handleRequestOffer(from)
	case core.SignalVideoSource:
		m.gate.Announce(from, in.Message.Source)
	default:
		m.logger.Warn().Str("kind", string(in.Message.Kind)).Msg("unknown signal")
	}
}

// SendOffer creates (or reuses) the session for peer and issues a fresh
// offer. Only the deterministic initiator may call it; calls from the
// non-initiating side are dropped. A negotiation already in flight for
// the same peer makes this a no-op.
func (m *Machine) SendOffer(peer domain.UserID) {
	if !m.Initiates(peer) {
		return
	}
	sess, err := m.sessions.Ensure(peer)
	if err != nil {
		m.logger.Error().Err(err).Str("peer", string(peer)).Msg("ensure session")
		return
	}
	m.offerOn(peer, sess)
}

func (m *Machine) offerOn(peer domain.UserID, sess core.MediaConnection) {
	if sess.MakingOffer() {
		return
	}
	sess.SetMakingOffer(true)
	offer, err := sess.CreateAndSetOffer()
	if err != nil {
		sess.SetMakingOffer(false)
		m.logger.Error().Err(err).Str("peer", string(peer)).Msg("create offer")
		return
	}
	if !m.out.Send(m.channel, peer, core.SignalMessage{Kind: core.SignalOffer, SDP: offer.SDP}) {
		sess.SetMakingOffer(false)
		m.logger.Warn().Str("peer", string(peer)).Msg("signal channel unavailable for offer")
	}
}

func (m *Machine) handleOffer(from domain.UserID, sdp string) {
	if m.Initiates(from) {
		// We are the deterministic initiator toward this peer; an
		// inbound offer from them is a protocol defect.
		m.logger.Warn().Str("peer", string(from)).Msg("offer from non-initiating peer, ignored")
		return
	}
	sess, err := m.sessions.Ensure(from)
	if err != nil {
		m.logger.Error().Err(err).Str("peer", string(from)).Msg("ensure session for offer")
		return
	}

	switch sess.SignalingState() {
	case webrtc.SignalingStateStable:
	case webrtc.SignalingStateHaveLocalOffer:
		// Glare: both sides offered. We are not the initiator, so our
		// local offer loses; roll it back before applying theirs.
		if err := sess.Rollback(); err != nil {
			m.logger.Warn().Err(err).Str("peer", string(from)).Msg("rollback failed")
			m.Recover(from)
			return
		}
		sess.SetMakingOffer(false)
	default:
		// Mid-negotiation; a fresher offer or renegotiation follows.
		m.logger.Debug().
			Str("peer", string(from)).
			Str("state", sess.SignalingState().String()).
			Msg("offer dropped in non-stable state")
		return
	}

	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := sess.SetRemoteDescription(remote); err != nil {
		m.logger.Warn().Err(err).Str("peer", string(from)).Msg("apply remote offer failed, recreating session")
		m.Recover(from)
		return
	}

	answer, err := sess.CreateAndSetAnswer()
	if err != nil {
		m.logger.Warn().Err(err).Str("peer", string(from)).Msg("create answer failed, recreating session")
		m.Recover(from)
		return
	}
	if !m.out.Send(m.channel, from, core.SignalMessage{Kind: core.SignalAnswer, SDP: answer.SDP}) {
		m.logger.Warn().Str("peer", string(from)).Msg("signal channel unavailable for answer")
	}
}

func (m *Machine) handleAnswer(from domain.UserID, sdp string) {
	sess, ok := m.sessions.Get(from)
	if !ok {
		m.logger.Debug().Str("peer", string(from)).Msg("answer for unknown session, dropped")
		return
	}
	if sess.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		// Stale or duplicated answer.
		m.logger.Debug().
			Str("peer", string(from)).
			Str("state", sess.SignalingState().String()).
			Msg("answer dropped")
		return
	}
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := sess.SetRemoteDescription(remote); err != nil {
		sess.SetMakingOffer(false)
		m.logger.Warn().Err(err).Str("peer", string(from)).Msg("apply answer failed, recreating session")
		m.Recover(from)
		return
	}
	sess.SetMakingOffer(false)
}

func (m *Machine) handleCandidate(from domain.UserID, cand *webrtc.ICECandidateInit) {
	if cand == nil {
		return
	}
	sess, ok := m.sessions.Get(from)
	if !ok {
		return
	}
	// Invalid or stale candidates are swallowed, never fatal.
	if err := sess.AddICECandidate(*cand); err != nil {
		m.logger.Debug().Err(err).Str("peer", string(from)).Msg("ice candidate rejected")
	}
}

// handleRenegotiate is the hard signal: the initiator tears the session
// down and starts over. A non-initiator defers to the initiator by
// doing nothing.
func (m *Machine) handleRenegotiate(from domain.UserID) {
	if !m.Initiates(from) {
		return
	}
	sess, err := m.sessions.Recreate(from)
	if err != nil {
		m.logger.Error().Err(err).Str("peer", string(from)).Msg("recreate session")
		return
	}
	m.offerOn(from, sess)
}

// handleRequestOffer is the soft signal: re-offer on the live session
// without teardown (e.g. after a track replacement).
func (m *Machine) handleRequestOffer(from domain.UserID) {
	if !m.Initiates(from) {
		return
	}
	sess, err := m.sessions.Ensure(from)
	if err != nil {
		m.logger.Error().Err(err).Str("peer", string(from)).Msg("ensure session for request-offer")
		return
	}
	m.offerOn(from, sess)
}

// Recover closes and recreates the session for peer, then re-initiates
// from scratch: the initiator re-offers, the non-initiator asks the
// initiator to. Also the entry point for state-driven transport
// recovery (grace expiry, hard failure).
func (m *Machine) Recover(peer domain.UserID) {
	sess, err := m.sessions.Recreate(peer)
	if err != nil {
		m.logger.Error().Err(err).Str("peer", string(peer)).Msg("recreate session")
		return
	}
	if m.Initiates(peer) {
		m.offerOn(peer, sess)
		return
	}
	if !m.out.Send(m.channel, peer, core.SignalMessage{Kind: core.SignalRenegotiate}) {
		m.logger.Warn().Str("peer", string(peer)).Msg("signal channel unavailable for renegotiate")
	}
}

// RequestReoffer asks peers to refresh negotiation after a local track
// replacement. For peers we initiate toward we offer directly; others
// receive a RequestOffer and re-offer themselves.
func (m *Machine) RequestReoffer(peers []domain.UserID) {
	for _, peer := range peers {
		if m.Initiates(peer) {
			m.SendOffer(peer)
			continue
		}
		if !m.out.Send(m.channel, peer, core.SignalMessage{Kind: core.SignalRequestOffer}) {
			m.logger.Warn().Str("peer", string(peer)).Msg("signal channel unavailable for request-offer")
		}
	}
}

// AnnounceVideoSource advertises the local video source to the channel.
func (m *Machine) AnnounceVideoSource(source domain.VideoSource) {
	if !m.out.Broadcast(m.channel, core.SignalMessage{Kind: core.SignalVideoSource, Source: source}) {
		m.logger.Warn().Str("source", string(source)).Msg("signal channel unavailable for video-source")
	}
}

// Gate exposes the video gate for track arrival wiring.
func (m *Machine) Gate() *VideoGate { return m.gate }

// Channel returns the channel this machine serves.
func (m *Machine) Channel() domain.ChannelID { return m.channel }
