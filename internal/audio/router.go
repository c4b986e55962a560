// Package audio builds the per-remote-participant playback routes
// (gain, mute) and derives the hysteresis-debounced speaking set.
package audio

import (
	"context"
	"math"
	"sync"

	"github.com/hraban/opus"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"

	"github.com/pulsarchat/voicelink/internal/domain"
)

const (
	sampleRate   = 48000
	channels     = 1
	maxFrameSize = 5760 // 120ms at 48kHz
)

// Sink receives decoded, gain-adjusted PCM for playback. Implementations
// must tolerate interleaved writers from distinct peers.
type Sink interface {
	Write(user domain.UserID, pcm []int16)
}

// DiscardSink drops all audio; used when no playback device is wired.
type DiscardSink struct{}

func (DiscardSink) Write(domain.UserID, []int16) {}

// Decoder turns one RTP payload into PCM samples.
type Decoder interface {
	Decode(payload []byte, pcm []int16) (int, error)
}

func newOpusDecoder() (Decoder, error) {
	return opus.NewDecoder(sampleRate, channels)
}

// Route is the audio path for one remote participant. Local volume and
// mute preferences apply here, never to the underlying transport.
type Route struct {
	user  domain.UserID
	track *webrtc.TrackRemote
	gain  atomic.Float64
	muted atomic.Bool

	cancel context.CancelFunc
}

func (r *Route) SetGain(g float64) {
	if g < 0 {
		g = 0
	}
	r.gain.Store(g)
}

func (r *Route) SetMuted(m bool) { r.muted.Store(m) }

func (r *Route) Gain() float64 { return r.gain.Load() }
func (r *Route) Muted() bool   { return r.muted.Load() }

// Router owns the set of routes keyed by remote user id.
type Router struct {
	sink       Sink
	onLevel    func(domain.UserID, float64)
	newDecoder func() (Decoder, error)

	mu     sync.Mutex
	routes map[domain.UserID]*Route

	logger zerolog.Logger
}

func NewRouter(sink Sink, onLevel func(domain.UserID, float64)) *Router {
	if sink == nil {
		sink = DiscardSink{}
	}
	return &Router{
		sink:       sink,
		onLevel:    onLevel,
		newDecoder: newOpusDecoder,
		routes:     make(map[domain.UserID]*Route),
		logger:     log.With().Str("module", "audio.router").Logger(),
	}
}

// Attach builds the route for user's audio track. When the track
// identity changes the existing route is fully torn down before the
// replacement starts; attaching the same track again is a no-op.
func (r *Router) Attach(ctx context.Context, user domain.UserID, track *webrtc.TrackRemote) {
	r.mu.Lock()
	if old, ok := r.routes[user]; ok {
		if old.track == track {
			r.mu.Unlock()
			return
		}
		old.cancel()
		delete(r.routes, user)
	}
	routeCtx, cancel := context.WithCancel(ctx)
	route := &Route{user: user, track: track, cancel: cancel}
	route.gain.Store(1.0)
	r.routes[user] = route
	r.mu.Unlock()

	logger := r.logger.With().Str("user", string(user)).Logger()
	go r.loop(routeCtx, route, &logger)
	logger.Info().Msg("route attached")
}

// Drop disconnects and removes the route for user.
func (r *Router) Drop(user domain.UserID) {
	r.mu.Lock()
	route, ok := r.routes[user]
	if ok {
		delete(r.routes, user)
	}
	r.mu.Unlock()
	if ok {
		route.cancel()
		r.logger.Info().Str("user", string(user)).Msg("route dropped")
	}
}

func (r *Router) DropAll() {
	r.mu.Lock()
	routes := r.routes
	r.routes = make(map[domain.UserID]*Route)
	r.mu.Unlock()
	for _, route := range routes {
		route.cancel()
	}
}

// Users returns the ids with a live route.
func (r *Router) Users() []domain.UserID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.UserID, 0, len(r.routes))
	for user := range r.routes {
		out = append(out, user)
	}
	return out
}

// Get returns the route for user, if any.
func (r *Router) Get(user domain.UserID) (*Route, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	route, ok := r.routes[user]
	return route, ok
}

// loop reads RTP from the remote track, decodes, applies gain/mute, and
// hands PCM to the sink. Read errors end the route.
func (r *Router) loop(ctx context.Context, route *Route, logger *zerolog.Logger) {
	decoder, err := r.newDecoder()
	if err != nil {
		logger.Error().Err(err).Msg("decoder init failed")
		return
	}
	pcm := make([]int16, maxFrameSize)
	for {
		select {
		case <-ctx.Done():
			r.reportLevel(route.user, 0)
			return
		default:
		}
		pkt, _, err := route.track.ReadRTP()
		if err != nil {
			logger.Info().Err(err).Msg("route read ended")
			r.reportLevel(route.user, 0)
			return
		}
		r.deliver(route, decoder, pkt, pcm, logger)
	}
}

// deliver decodes one RTP packet and pushes it through the route's
// gain and mute stages. Decode failures skip the packet, not the route.
func (r *Router) deliver(route *Route, decoder Decoder, pkt *rtp.Packet, pcm []int16, logger *zerolog.Logger) {
	if len(pkt.Payload) == 0 {
		return
	}
	n, err := decoder.Decode(pkt.Payload, pcm)
	if err != nil {
		logger.Debug().Err(err).Msg("decode failed")
		return
	}
	if n <= 0 {
		return
	}
	frame := pcm[:n]
	r.reportLevel(route.user, Level(frame))
	if route.Muted() {
		return
	}
	applyGain(frame, route.Gain())
	r.sink.Write(route.user, frame)
}

func (r *Router) reportLevel(user domain.UserID, level float64) {
	if fn := r.onLevel; fn != nil {
		fn(user, level)
	}
}

// Level is the normalized RMS energy of a PCM frame in [0, 1].
func Level(pcm []int16) float64 {
	if len(pcm) == 0 {
		return 0
	}
	var sum float64
	for _, s := range pcm {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum/float64(len(pcm))) / math.MaxInt16
}

func applyGain(pcm []int16, gain float64) {
	if gain == 1.0 {
		return
	}
	for i, s := range pcm {
		v := float64(s) * gain
		switch {
		case v > math.MaxInt16:
			pcm[i] = math.MaxInt16
		case v < math.MinInt16:
			pcm[i] = math.MinInt16
		default:
			pcm[i] = int16(v)
		}
	}
}
