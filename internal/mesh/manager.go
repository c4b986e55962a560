package mesh

import (
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	voicecore "github.com/pulsarchat/voicelink/internal/core"
	"github.com/pulsarchat/voicelink/internal/domain"
)

const reofferDebounceInterval = 150 * time.Millisecond

type Config struct {
	WebRTC          webrtc.Configuration
	AudioBitrate    uint64
	VideoBitrate    uint64
	DisconnectGrace time.Duration
	// HasRelay is true when a TURN server is configured; without one a
	// failed session raises a degraded-connectivity notice.
	HasRelay bool
}

type entry struct {
	sess  *Session
	grace *time.Timer
}

// Manager owns the mesh session table keyed by peer user id. Ensure and
// Close are idempotent; the orchestrator is the only mutation path.
type Manager struct {
	cfg    Config
	source voicecore.MediaSource

	mu       sync.Mutex
	sessions map[domain.UserID]*entry

	debouncedReoffer func(func())

	onICE        func(domain.UserID, webrtc.ICECandidateInit)
	onTrack      func(domain.UserID, *webrtc.TrackRemote, *webrtc.RTPReceiver)
	onRecover    func(domain.UserID)
	onPeerClosed func(domain.UserID)
	onNotice     func(voicecore.Notice)
	onReoffer    func([]domain.UserID)

	logger zerolog.Logger
}

func NewManager(cfg Config, source voicecore.MediaSource) *Manager {
	if cfg.DisconnectGrace <= 0 {
		cfg.DisconnectGrace = 4 * time.Second
	}
	return &Manager{
		cfg:              cfg,
		source:           source,
		sessions:         make(map[domain.UserID]*entry),
		debouncedReoffer: debounce.New(reofferDebounceInterval),
		logger:           log.With().Str("module", "mesh.manager").Logger(),
	}
}

func (m *Manager) OnICECandidate(fn func(domain.UserID, webrtc.ICECandidateInit)) { m.onICE = fn }

func (m *Manager) OnTrack(fn func(domain.UserID, *webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	m.onTrack = fn
}

// OnRecover is invoked when a session was torn down by state-driven
// recovery (grace expiry or hard failure) and a fresh negotiation
// toward the same peer should begin.
func (m *Manager) OnRecover(fn func(domain.UserID)) { m.onRecover = fn }

// OnPeerClosed is invoked after a session reaches its terminal state so
// downstream consumers can drop the peer's streams.
func (m *Manager) OnPeerClosed(fn func(domain.UserID)) { m.onPeerClosed = fn }

func (m *Manager) OnNotice(fn func(voicecore.Notice)) { m.onNotice = fn }

// OnReofferNeeded is invoked (debounced) with the current peer set when
// a video track replacement requires refreshed negotiation.
func (m *Manager) OnReofferNeeded(fn func([]domain.UserID)) { m.onReoffer = fn }

// Ensure returns the session for peer, creating one with the current
// local tracks if absent. Calling it twice without an intervening Close
// returns the same session.
func (m *Manager) Ensure(peer domain.UserID) (voicecore.MediaConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sessions[peer]; ok && !e.sess.IsClosed() {
		return e.sess, nil
	}

	sess, err := NewSession(m.cfg.WebRTC, peer, m.cfg.AudioBitrate, m.cfg.VideoBitrate)
	if err != nil {
		return nil, err
	}
	if err := sess.AttachAudio(m.source.AudioTrack()); err != nil {
		m.logger.Warn().Err(err).Str("peer", string(peer)).Msg("attach audio")
	}
	if err := sess.AttachVideo(m.source.VideoTrack()); err != nil {
		m.logger.Warn().Err(err).Str("peer", string(peer)).Msg("attach video")
	}

	sess.OnICECandidate(func(cand webrtc.ICECandidateInit) {
		if fn := m.onICE; fn != nil {
			fn(peer, cand)
		}
	})
	sess.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		if fn := m.onTrack; fn != nil {
			fn(peer, track, receiver)
		}
	})
	sess.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		m.handleState(peer, sess, state)
	})

	m.sessions[peer] = &entry{sess: sess}
	m.logger.Info().Str("peer", string(peer)).Msg("session created")
	return sess, nil
}

func (m *Manager) Get(peer domain.UserID) (voicecore.MediaConnection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[peer]
	if !ok || e.sess.IsClosed() {
		return nil, false
	}
	return e.sess, true
}

func (m *Manager) Recreate(peer domain.UserID) (voicecore.MediaConnection, error) {
	m.Close(peer)
	return m.Ensure(peer)
}

// Close releases all resources held for peer. Idempotent.
func (m *Manager) Close(peer domain.UserID) {
	m.mu.Lock()
	e, ok := m.sessions[peer]
	if ok {
		delete(m.sessions, peer)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	if e.grace != nil {
		e.grace.Stop()
	}
	e.sess.Close()
	if fn := m.onPeerClosed; fn != nil {
		fn(peer)
	}
}

func (m *Manager) CloseAll() {
	m.mu.Lock()
	peers := make([]domain.UserID, 0, len(m.sessions))
	for peer := range m.sessions {
		peers = append(peers, peer)
	}
	m.mu.Unlock()
	for _, peer := range peers {
		m.Close(peer)
	}
}

func (m *Manager) Peers() []domain.UserID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.UserID, 0, len(m.sessions))
	for peer := range m.sessions {
		out = append(out, peer)
	}
	return out
}

// Sessions returns a snapshot of live sessions for stats sampling.
func (m *Manager) Sessions() map[domain.UserID]*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[domain.UserID]*Session, len(m.sessions))
	for peer, e := range m.sessions {
		if !e.sess.IsClosed() {
			out[peer] = e.sess
		}
	}
	return out
}

// Reports returns one raw stats report per live session.
func (m *Manager) Reports() map[domain.UserID]webrtc.StatsReport {
	sessions := m.Sessions()
	out := make(map[domain.UserID]webrtc.StatsReport, len(sessions))
	for peer, sess := range sessions {
		out[peer] = sess.GetStats()
	}
	return out
}

// ReplaceAudioTrack live-swaps the outgoing audio track on every open
// session; no session is closed and no renegotiation is triggered.
func (m *Manager) ReplaceAudioTrack(track webrtc.TrackLocal) {
	for peer, sess := range m.Sessions() {
		if err := sess.ReplaceAudioTrack(track); err != nil {
			m.logger.Warn().Err(err).Str("peer", string(peer)).Msg("replace audio track")
		}
	}
}

// ReplaceVideoTrack live-swaps the outgoing video track on every open
// session, then requests refreshed offers (debounced) so receivers can
// update their advertised-source state.
func (m *Manager) ReplaceVideoTrack(track webrtc.TrackLocal) {
	for peer, sess := range m.Sessions() {
		if err := sess.ReplaceVideoTrack(track); err != nil {
			m.logger.Warn().Err(err).Str("peer", string(peer)).Msg("replace video track")
		}
	}
	m.requestReoffer()
}

// SetBitrates records new target bitrates. Caps ride on the next
// negotiated description, so a debounced re-offer is requested.
func (m *Manager) SetBitrates(audio, video uint64) {
	m.mu.Lock()
	m.cfg.AudioBitrate = audio
	m.cfg.VideoBitrate = video
	for _, e := range m.sessions {
		e.sess.audioBitrate = audio
		e.sess.videoBitrate = video
	}
	m.mu.Unlock()
	m.requestReoffer()
}

func (m *Manager) requestReoffer() {
	if m.onReoffer == nil {
		return
	}
	m.debouncedReoffer(func() {
		if fn := m.onReoffer; fn != nil {
			fn(m.Peers())
		}
	})
}

// handleState dispatches transport connection state transitions:
//
//	new → connecting → connected → {disconnected → connected | failed | closed}
//
// disconnected starts a grace timer instead of tearing down; failed
// closes immediately and triggers recovery.
func (m *Manager) handleState(peer domain.UserID, sess *Session, state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		m.cancelGrace(peer, sess)
	case webrtc.PeerConnectionStateDisconnected:
		m.startGrace(peer, sess)
	case webrtc.PeerConnectionStateFailed:
		m.logger.Warn().Str("peer", string(peer)).Msg("session failed, recovering")
		if !m.cfg.HasRelay {
			if fn := m.onNotice; fn != nil {
				fn(voicecore.Notice{
					Kind:   voicecore.NoticeDegradedConnectivity,
					Detail: "transport failed and no relay (TURN) server is configured",
				})
			}
		}
		m.recover(peer, sess)
	case webrtc.PeerConnectionStateClosed:
		m.dropIfCurrent(peer, sess)
	}
}

func (m *Manager) startGrace(peer domain.UserID, sess *Session) {
	m.mu.Lock()
	e, ok := m.sessions[peer]
	if !ok || e.sess != sess || e.grace != nil {
		m.mu.Unlock()
		return
	}
	e.grace = time.AfterFunc(m.cfg.DisconnectGrace, func() {
		m.logger.Info().Str("peer", string(peer)).Msg("disconnect grace expired, recovering")
		m.recover(peer, sess)
	})
	m.mu.Unlock()
	m.logger.Info().
		Str("peer", string(peer)).
		Dur("grace", m.cfg.DisconnectGrace).
		Msg("session disconnected, grace timer started")
}

func (m *Manager) cancelGrace(peer domain.UserID, sess *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[peer]
	if !ok || e.sess != sess {
		return
	}
	if e.grace != nil {
		e.grace.Stop()
		e.grace = nil
	}
}

func (m *Manager) recover(peer domain.UserID, sess *Session) {
	m.mu.Lock()
	e, ok := m.sessions[peer]
	current := ok && e.sess == sess
	m.mu.Unlock()
	if !current || sess.IsClosed() {
		return
	}
	m.Close(peer)
	if fn := m.onRecover; fn != nil {
		fn(peer)
	}
}

func (m *Manager) dropIfCurrent(peer domain.UserID, sess *Session) {
	m.mu.Lock()
	e, ok := m.sessions[peer]
	current := ok && e.sess == sess
	if current {
		delete(m.sessions, peer)
	}
	m.mu.Unlock()
	if current {
		if e.grace != nil {
			e.grace.Stop()
		}
		if fn := m.onPeerClosed; fn != nil {
			fn(peer)
		}
	}
}
