package audio

import (
	"math"
	"sync"
	"testing"

	"github.com/pion/rtp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/pulsarchat/voicelink/internal/domain"
)

// passthroughDecoder copies the payload bytes straight into pcm, one
// sample per byte.
type passthroughDecoder struct{}

func (passthroughDecoder) Decode(payload []byte, pcm []int16) (int, error) {
	for i, b := range payload {
		pcm[i] = int16(b)
	}
	return len(payload), nil
}

type captureSink struct {
	mu     sync.Mutex
	frames map[domain.UserID][][]int16
}

func newCaptureSink() *captureSink {
	return &captureSink{frames: make(map[domain.UserID][][]int16)}
}

func (s *captureSink) Write(user domain.UserID, pcm []int16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	frame := make([]int16, len(pcm))
	copy(frame, pcm)
	s.frames[user] = append(s.frames[user], frame)
}

func (s *captureSink) count(user domain.UserID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames[user])
}

func (s *captureSink) last(user domain.UserID) []int16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	frames := s.frames[user]
	if len(frames) == 0 {
		return nil
	}
	return frames[len(frames)-1]
}

func TestLevelSilenceIsZero(t *testing.T) {
	require.Zero(t, Level(make([]int16, 960)))
	require.Zero(t, Level(nil))
}

func TestLevelFullScale(t *testing.T) {
	pcm := make([]int16, 960)
	for i := range pcm {
		pcm[i] = math.MaxInt16
	}
	require.InDelta(t, 1.0, Level(pcm), 0.001)
}

func TestLevelSineWave(t *testing.T) {
	pcm := make([]int16, 960)
	for i := range pcm {
		pcm[i] = int16(0.5 * math.MaxInt16 * math.Sin(2*math.Pi*float64(i)/96))
	}
	// RMS of a half-amplitude sine is 0.5/sqrt(2).
	require.InDelta(t, 0.3536, Level(pcm), 0.01)
}

func TestApplyGainUnityIsNoop(t *testing.T) {
	pcm := []int16{100, -200, 300}
	applyGain(pcm, 1.0)
	require.Equal(t, []int16{100, -200, 300}, pcm)
}

func TestApplyGainScales(t *testing.T) {
	pcm := []int16{100, -200}
	applyGain(pcm, 0.5)
	require.Equal(t, []int16{50, -100}, pcm)
}

func TestApplyGainClamps(t *testing.T) {
	pcm := []int16{math.MaxInt16, math.MinInt16}
	applyGain(pcm, 4.0)
	require.Equal(t, []int16{math.MaxInt16, math.MinInt16}, pcm)
}

func TestRouteGainNeverNegative(t *testing.T) {
	r := &Route{}
	r.SetGain(-1)
	require.Zero(t, r.Gain())
	r.SetGain(2.5)
	require.Equal(t, 2.5, r.Gain())
}

func TestRouterDropUnknownUserIsNoop(t *testing.T) {
	r := NewRouter(nil, nil)
	r.Drop("nobody")
	require.Empty(t, r.Users())
}

func TestDeliverDecodesAndSinks(t *testing.T) {
	sink := newCaptureSink()
	levels := make(map[domain.UserID]float64)
	r := NewRouter(sink, func(user domain.UserID, level float64) {
		levels[user] = level
	})
	route := &Route{user: "bob"}
	route.gain.Store(1.0)
	logger := zerolog.Nop()
	pcm := make([]int16, maxFrameSize)

	r.deliver(route, passthroughDecoder{}, &rtp.Packet{Payload: []byte{10, 20, 30}}, pcm, &logger)

	require.Equal(t, 1, sink.count("bob"))
	require.Equal(t, []int16{10, 20, 30}, sink.last("bob"))
	require.Greater(t, levels["bob"], 0.0)
}

func TestDeliverMutedReportsLevelButSkipsSink(t *testing.T) {
	sink := newCaptureSink()
	var level float64
	r := NewRouter(sink, func(_ domain.UserID, l float64) { level = l })
	route := &Route{user: "bob"}
	route.gain.Store(1.0)
	route.SetMuted(true)
	logger := zerolog.Nop()
	pcm := make([]int16, maxFrameSize)

	r.deliver(route, passthroughDecoder{}, &rtp.Packet{Payload: []byte{100, 100}}, pcm, &logger)

	require.Zero(t, sink.count("bob"), "muted routes produce no playback")
	require.Greater(t, level, 0.0, "levels keep flowing while muted")
}

func TestDeliverAppliesGain(t *testing.T) {
	sink := newCaptureSink()
	r := NewRouter(sink, nil)
	route := &Route{user: "bob"}
	route.SetGain(0.5)
	logger := zerolog.Nop()
	pcm := make([]int16, maxFrameSize)

	r.deliver(route, passthroughDecoder{}, &rtp.Packet{Payload: []byte{100}}, pcm, &logger)

	require.Equal(t, []int16{50}, sink.last("bob"))
}

func TestDeliverEmptyPayloadIgnored(t *testing.T) {
	sink := newCaptureSink()
	r := NewRouter(sink, nil)
	route := &Route{user: "bob"}
	logger := zerolog.Nop()

	r.deliver(route, passthroughDecoder{}, &rtp.Packet{}, make([]int16, maxFrameSize), &logger)

	require.Zero(t, sink.count("bob"))
}
