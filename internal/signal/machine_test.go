package signal

import (
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/pulsarchat/voicelink/internal/core"
	"github.com/pulsarchat/voicelink/internal/domain"
)

type fakeConn struct {
	state       webrtc.SignalingState
	makingOffer bool
	closed      bool
	rolledBack  bool

	remotes    []webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
}

func (f *fakeConn) SignalingState() webrtc.SignalingState { return f.state }

func (f *fakeConn) CreateAndSetOffer() (*webrtc.SessionDescription, error) {
	f.state = webrtc.SignalingStateHaveLocalOffer
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "local-offer"}, nil
}

func (f *fakeConn) CreateAndSetAnswer() (*webrtc.SessionDescription, error) {
	f.state = webrtc.SignalingStateStable
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "local-answer"}, nil
}

func (f *fakeConn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	f.remotes = append(f.remotes, desc)
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		f.state = webrtc.SignalingStateHaveRemoteOffer
	case webrtc.SDPTypeAnswer:
		f.state = webrtc.SignalingStateStable
	}
	return nil
}

func (f *fakeConn) Rollback() error {
	f.rolledBack = true
	f.state = webrtc.SignalingStateStable
	return nil
}

func (f *fakeConn) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.candidates = append(f.candidates, c)
	return nil
}

func (f *fakeConn) MakingOffer() bool     { return f.makingOffer }
func (f *fakeConn) SetMakingOffer(v bool) { f.makingOffer = v }

func (f *fakeConn) ReplaceAudioTrack(webrtc.TrackLocal) error { return nil }
func (f *fakeConn) ReplaceVideoTrack(webrtc.TrackLocal) error { return nil }

func (f *fakeConn) Close()         { f.closed = true }
func (f *fakeConn) IsClosed() bool { return f.closed }

type fakeSessions struct {
	conns     map[domain.UserID]*fakeConn
	recreated map[domain.UserID]int
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		conns:     make(map[domain.UserID]*fakeConn),
		recreated: make(map[domain.UserID]int),
	}
}

func (s *fakeSessions) Ensure(peer domain.UserID) (core.MediaConnection, error) {
	if c, ok := s.conns[peer]; ok && !c.closed {
		return c, nil
	}
	c := &fakeConn{state: webrtc.SignalingStateStable}
	s.conns[peer] = c
	return c, nil
}

func (s *fakeSessions) Get(peer domain.UserID) (core.MediaConnection, bool) {
	c, ok := s.conns[peer]
	if !ok || c.closed {
		return nil, false
	}
	return c, true
}

func (s *fakeSessions) Recreate(peer domain.UserID) (core.MediaConnection, error) {
	s.recreated[peer]++
	if c, ok := s.conns[peer]; ok {
		c.closed = true
	}
	delete(s.conns, peer)
	return s.Ensure(peer)
}

func (s *fakeSessions) Close(peer domain.UserID) {
	if c, ok := s.conns[peer]; ok {
		c.closed = true
		delete(s.conns, peer)
	}
}

func (s *fakeSessions) Peers() []domain.UserID {
	out := make([]domain.UserID, 0, len(s.conns))
	for p := range s.conns {
		out = append(out, p)
	}
	return out
}

type sentMessage struct {
	to  domain.UserID
	msg core.SignalMessage
}

type fakeSignal struct {
	sent      []sentMessage
	broadcast []core.SignalMessage
	down      bool
}

func (f *fakeSignal) JoinChannel(domain.ChannelID) bool  { return !f.down }
func (f *fakeSignal) LeaveChannel(domain.ChannelID) bool { return !f.down }

func (f *fakeSignal) Send(_ domain.ChannelID, to domain.UserID, msg core.SignalMessage) bool {
	if f.down {
		return false
	}
	f.sent = append(f.sent, sentMessage{to: to, msg: msg})
	return true
}

func (f *fakeSignal) Broadcast(_ domain.ChannelID, msg core.SignalMessage) bool {
	if f.down {
		return false
	}
	f.broadcast = append(f.broadcast, msg)
	return true
}

func (f *fakeSignal) Close() {}

func (f *fakeSignal) lastTo(to domain.UserID) (core.SignalMessage, bool) {
	for i := len(f.sent) - 1; i >= 0; i-- {
		if f.sent[i].to == to {
			return f.sent[i].msg, true
		}
	}
	return core.SignalMessage{}, false
}

func newTestMachine(local domain.UserID) (*Machine, *fakeSessions, *fakeSignal) {
	sessions := newFakeSessions()
	out := &fakeSignal{}
	gate := NewVideoGate(func(domain.UserID, *webrtc.TrackRemote, domain.VideoSource) {})
	return NewMachine(local, "ch-1", sessions, out, gate), sessions, out
}

func TestInitiatorIsLexicographicallySmaller(t *testing.T) {
	require.True(t, domain.Initiates("alice", "bob"))
	require.False(t, domain.Initiates("bob", "alice"))
	require.False(t, domain.Initiates("alice", "alice"))
}

func TestSendOfferByInitiator(t *testing.T) {
	m, sessions, out := newTestMachine("alice")

	m.SendOffer("bob")

	msg, ok := out.lastTo("bob")
	require.True(t, ok)
	require.Equal(t, core.SignalOffer, msg.Kind)
	require.Equal(t, "local-offer", msg.SDP)
	require.True(t, sessions.conns["bob"].makingOffer)
}

func TestSendOfferByNonInitiatorDropped(t *testing.T) {
	m, sessions, out := newTestMachine("bob")

	m.SendOffer("alice")

	require.Empty(t, out.sent)
	require.Empty(t, sessions.conns)
}

func TestSendOfferSkipsInFlightNegotiation(t *testing.T) {
	m, sessions, out := newTestMachine("alice")

	m.SendOffer("bob")
	require.Len(t, out.sent, 1)

	m.SendOffer("bob")
	require.Len(t, out.sent, 1, "second offer while one is in flight must be a no-op")
	require.Equal(t, 0, sessions.recreated["bob"])
}

func TestInboundOfferAnswered(t *testing.T) {
	m, sessions, out := newTestMachine("bob")

	m.Handle(core.InboundSignal{
		ChannelID:  "ch-1",
		FromUserID: "alice",
		Message:    core.SignalMessage{Kind: core.SignalOffer, SDP: "remote-offer"},
	})

	conn := sessions.conns["alice"]
	require.NotNil(t, conn)
	require.Len(t, conn.remotes, 1)
	require.Equal(t, "remote-offer", conn.remotes[0].SDP)

	msg, ok := out.lastTo("alice")
	require.True(t, ok)
	require.Equal(t, core.SignalAnswer, msg.Kind)
}

func TestInboundOfferFromNonInitiatorIgnored(t *testing.T) {
	m, sessions, out := newTestMachine("alice")

	m.Handle(core.InboundSignal{
		ChannelID:  "ch-1",
		FromUserID: "bob",
		Message:    core.SignalMessage{Kind: core.SignalOffer, SDP: "bogus"},
	})

	require.Empty(t, out.sent)
	require.Empty(t, sessions.conns)
}

func TestGlareRollsBackLoserOffer(t *testing.T) {
	m, sessions, out := newTestMachine("bob")

	// bob optimistically offered toward alice even though alice
	// initiates for this pair; the fake lets it through to stage glare.
	conn := &fakeConn{state: webrtc.SignalingStateHaveLocalOffer, makingOffer: true}
	sessions.conns["alice"] = conn

	m.Handle(core.InboundSignal{
		ChannelID:  "ch-1",
		FromUserID: "alice",
		Message:    core.SignalMessage{Kind: core.SignalOffer, SDP: "winning-offer"},
	})

	require.True(t, conn.rolledBack)
	require.False(t, conn.makingOffer)
	require.Len(t, conn.remotes, 1)
	require.Equal(t, "winning-offer", conn.remotes[0].SDP)

	msg, ok := out.lastTo("alice")
	require.True(t, ok)
	require.Equal(t, core.SignalAnswer, msg.Kind)
}

func TestAnswerAppliedOnlyWithLocalOffer(t *testing.T) {
	m, sessions, _ := newTestMachine("alice")

	m.SendOffer("bob")
	conn := sessions.conns["bob"]
	require.Equal(t, webrtc.SignalingStateHaveLocalOffer, conn.state)

	m.Handle(core.InboundSignal{
		ChannelID:  "ch-1",
		FromUserID: "bob",
		Message:    core.SignalMessage{Kind: core.SignalAnswer, SDP: "remote-answer"},
	})

	require.Len(t, conn.remotes, 1)
	require.Equal(t, webrtc.SignalingStateStable, conn.state)
	require.False(t, conn.makingOffer)

	// The same answer again arrives in stable state and is dropped.
	m.Handle(core.InboundSignal{
		ChannelID:  "ch-1",
		FromUserID: "bob",
		Message:    core.SignalMessage{Kind: core.SignalAnswer, SDP: "remote-answer"},
	})
	require.Len(t, conn.remotes, 1)
}

func TestAnswerForUnknownSessionDropped(t *testing.T) {
	m, _, out := newTestMachine("alice")

	m.Handle(core.InboundSignal{
		ChannelID:  "ch-1",
		FromUserID: "bob",
		Message:    core.SignalMessage{Kind: core.SignalAnswer, SDP: "stray"},
	})

	require.Empty(t, out.sent)
}

func TestCandidateForwardedToSession(t *testing.T) {
	m, sessions, _ := newTestMachine("alice")
	m.SendOffer("bob")

	cand := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 10.0.0.1 1234 typ host"}
	m.Handle(core.InboundSignal{
		ChannelID:  "ch-1",
		FromUserID: "bob",
		Message:    core.SignalMessage{Kind: core.SignalCandidate, Candidate: &cand},
	})

	require.Len(t, sessions.conns["bob"].candidates, 1)
}

func TestCandidateForUnknownSessionDropped(t *testing.T) {
	m, sessions, _ := newTestMachine("alice")

	cand := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 10.0.0.1 1234 typ host"}
	m.Handle(core.InboundSignal{
		ChannelID:  "ch-1",
		FromUserID: "bob",
		Message:    core.SignalMessage{Kind: core.SignalCandidate, Candidate: &cand},
	})

	require.Empty(t, sessions.conns)
}

func TestRenegotiateRecreatesAndReoffers(t *testing.T) {
	m, sessions, out := newTestMachine("alice")
	m.SendOffer("bob")
	old := sessions.conns["bob"]

	m.Handle(core.InboundSignal{
		ChannelID:  "ch-1",
		FromUserID: "bob",
		Message:    core.SignalMessage{Kind: core.SignalRenegotiate},
	})

	require.Equal(t, 1, sessions.recreated["bob"])
	require.True(t, old.closed)
	require.NotSame(t, old, sessions.conns["bob"])

	msg, ok := out.lastTo("bob")
	require.True(t, ok)
	require.Equal(t, core.SignalOffer, msg.Kind)
}

func TestRenegotiateIgnoredByNonInitiator(t *testing.T) {
	m, sessions, out := newTestMachine("bob")

	m.Handle(core.InboundSignal{
		ChannelID:  "ch-1",
		FromUserID: "alice",
		Message:    core.SignalMessage{Kind: core.SignalRenegotiate},
	})

	require.Equal(t, 0, sessions.recreated["alice"])
	require.Empty(t, out.sent)
}

func TestRequestOfferReofferedWithoutTeardown(t *testing.T) {
	m, sessions, out := newTestMachine("alice")
	m.SendOffer("bob")
	sessions.conns["bob"].makingOffer = false

	m.Handle(core.InboundSignal{
		ChannelID:  "ch-1",
		FromUserID: "bob",
		Message:    core.SignalMessage{Kind: core.SignalRequestOffer},
	})

	require.Equal(t, 0, sessions.recreated["bob"])
	require.Len(t, out.sent, 2)
	require.Equal(t, core.SignalOffer, out.sent[1].msg.Kind)
}

func TestRecoverByNonInitiatorAsksForRenegotiate(t *testing.T) {
	m, sessions, out := newTestMachine("bob")

	m.Recover("alice")

	require.Equal(t, 1, sessions.recreated["alice"])
	msg, ok := out.lastTo("alice")
	require.True(t, ok)
	require.Equal(t, core.SignalRenegotiate, msg.Kind)
}

func TestRecoverByInitiatorReoffers(t *testing.T) {
	m, sessions, out := newTestMachine("alice")

	m.Recover("bob")

	require.Equal(t, 1, sessions.recreated["bob"])
	msg, ok := out.lastTo("bob")
	require.True(t, ok)
	require.Equal(t, core.SignalOffer, msg.Kind)
}

func TestRequestReofferMixedRoles(t *testing.T) {
	m, _, out := newTestMachine("mallory")

	m.RequestReoffer([]domain.UserID{"alice", "zoe"})

	aliceMsg, ok := out.lastTo("alice")
	require.True(t, ok)
	require.Equal(t, core.SignalRequestOffer, aliceMsg.Kind, "alice initiates toward mallory")

	zoeMsg, ok := out.lastTo("zoe")
	require.True(t, ok)
	require.Equal(t, core.SignalOffer, zoeMsg.Kind, "mallory initiates toward zoe")
}

func TestVideoSourceAnnouncementReachesGate(t *testing.T) {
	var announced []domain.VideoSource
	sessions := newFakeSessions()
	out := &fakeSignal{}
	gate := NewVideoGate(func(_ domain.UserID, track *webrtc.TrackRemote, source domain.VideoSource) {
		announced = append(announced, source)
		_ = track
	})
	m := NewMachine("alice", "ch-1", sessions, out, gate)

	m.Handle(core.InboundSignal{
		ChannelID:  "ch-1",
		FromUserID: "bob",
		Message:    core.SignalMessage{Kind: core.SignalVideoSource, Source: domain.VideoScreen},
	})

	require.Equal(t, domain.VideoScreen, gate.Source("bob"))
	require.Empty(t, announced, "no exposure before the track arrives")
}
