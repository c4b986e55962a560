// Package mesh owns the one-to-one transport sessions of a voice
// channel: creation, track attachment, bitrate shaping, ICE candidate
// buffering, and state-driven recovery.
package mesh

import (
	"errors"
	"sync"

	"github.com/frostbyte73/core"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"

	"github.com/pulsarchat/voicelink/internal/domain"
)

var ErrSessionClosed = errors.New("session closed")

// Session wraps a single PeerConnection toward one remote participant.
type Session struct {
	peer domain.UserID
	pc   *webrtc.PeerConnection

	audioBitrate uint64
	videoBitrate uint64

	mu            sync.Mutex
	pendingRemote []webrtc.ICECandidateInit
	audioSender   *webrtc.RTPSender
	videoSender   *webrtc.RTPSender

	makingOffer atomic.Bool
	closed      core.Fuse

	onICE         func(webrtc.ICECandidateInit)
	onTrack       func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	onStateChange func(webrtc.PeerConnectionState)

	logger zerolog.Logger
}

func NewSession(cfg webrtc.Configuration, peer domain.UserID, audioBitrate, videoBitrate uint64) (*Session, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	s := &Session{
		peer:         peer,
		pc:           pc,
		audioBitrate: audioBitrate,
		videoBitrate: videoBitrate,
		closed:       core.NewFuse(),
		logger: log.With().
			Str("module", "mesh.session").
			Str("peer", string(peer)).
			Logger(),
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		if fn := s.onICE; fn != nil {
			fn(cand.ToJSON())
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		s.logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("remote track")
		if fn := s.onTrack; fn != nil {
			fn(track, receiver)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.logger.Info().Str("state", state.String()).Msg("peer state")
		if fn := s.onStateChange; fn != nil {
			fn(state)
		}
	})

	return s, nil
}

func (s *Session) Peer() domain.UserID { return s.peer }

// AttachAudio adds the local audio track. Called once at creation; later
// changes go through ReplaceAudioTrack.
func (s *Session) AttachAudio(track webrtc.TrackLocal) error {
	if track == nil {
		return nil
	}
	sender, err := s.pc.AddTrack(track)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.audioSender = sender
	s.mu.Unlock()
	return nil
}

func (s *Session) AttachVideo(track webrtc.TrackLocal) error {
	if track == nil {
		return nil
	}
	sender, err := s.pc.AddTrack(track)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.videoSender = sender
	s.mu.Unlock()
	return nil
}

func (s *Session) SignalingState() webrtc.SignalingState {
	return s.pc.SignalingState()
}

func (s *Session) MakingOffer() bool     { return s.makingOffer.Load() }
func (s *Session) SetMakingOffer(v bool) { s.makingOffer.Store(v) }

func (s *Session) CreateAndSetOffer() (*webrtc.SessionDescription, error) {
	if s.closed.IsBroken() {
		return nil, ErrSessionClosed
	}
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	offer.SDP = capBandwidth(offer.SDP, s.audioBitrate, s.videoBitrate)
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	return s.pc.LocalDescription(), nil
}

func (s *Session) CreateAndSetAnswer() (*webrtc.SessionDescription, error) {
	if s.closed.IsBroken() {
		return nil, ErrSessionClosed
	}
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	answer.SDP = capBandwidth(answer.SDP, s.audioBitrate, s.videoBitrate)
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	return s.pc.LocalDescription(), nil
}

// SetRemoteDescription applies the remote description and flushes ICE
// candidates buffered while none existed, preserving arrival order.
func (s *Session) SetRemoteDescription(desc webrtc.SessionDescription) error {
	if s.closed.IsBroken() {
		return ErrSessionClosed
	}
	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return err
	}
	s.mu.Lock()
	pending := s.pendingRemote
	s.pendingRemote = nil
	s.mu.Unlock()
	for _, cand := range pending {
		if err := s.pc.AddICECandidate(cand); err != nil {
			// Stale candidates are swallowed, never fatal.
			s.logger.Debug().Err(err).Msg("buffered ice candidate rejected")
		}
	}
	return nil
}

func (s *Session) Rollback() error {
	return s.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback})
}

// AddICECandidate applies cand, buffering it until a remote description
// exists.
func (s *Session) AddICECandidate(cand webrtc.ICECandidateInit) error {
	if s.closed.IsBroken() {
		return ErrSessionClosed
	}
	s.mu.Lock()
	if s.pc.RemoteDescription() == nil {
		s.pendingRemote = append(s.pendingRemote, cand)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.pc.AddICECandidate(cand)
}

// ReplaceAudioTrack live-swaps the outgoing audio track without
// renegotiation. A nil track mutes the sender.
func (s *Session) ReplaceAudioTrack(track webrtc.TrackLocal) error {
	s.mu.Lock()
	sender := s.audioSender
	s.mu.Unlock()
	if sender == nil {
		return s.AttachAudio(track)
	}
	return sender.ReplaceTrack(track)
}

func (s *Session) ReplaceVideoTrack(track webrtc.TrackLocal) error {
	s.mu.Lock()
	sender := s.videoSender
	s.mu.Unlock()
	if sender == nil {
		return s.AttachVideo(track)
	}
	return sender.ReplaceTrack(track)
}

func (s *Session) GetStats() webrtc.StatsReport {
	return s.pc.GetStats()
}

func (s *Session) OnICECandidate(fn func(webrtc.ICECandidateInit)) { s.onICE = fn }

func (s *Session) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) { s.onTrack = fn }

func (s *Session) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	s.onStateChange = fn
}

// Close releases the underlying transport. Idempotent.
func (s *Session) Close() {
	s.closed.Once(func() {
		if err := s.pc.Close(); err != nil {
			s.logger.Error().Err(err).Msg("close error")
		} else {
			s.logger.Info().Msg("closed")
		}
	})
}

func (s *Session) IsClosed() bool { return s.closed.IsBroken() }
