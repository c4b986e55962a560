package signal

import (
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/pulsarchat/voicelink/internal/domain"
)

// VideoGate decides when a remote video track may be surfaced to the
// UI layer. A track is only exposed once its owner has advertised a
// non-None source; a track that arrives first is held back until the
// announcement lands. VideoSource(None) always retracts the stream,
// even if the underlying track is still live.
type VideoGate struct {
	mu        sync.Mutex
	announced map[domain.UserID]domain.VideoSource
	tracks    map[domain.UserID]*webrtc.TrackRemote
	exposed   map[domain.UserID]bool

	// onExpose receives (peer, track, source) when a stream becomes
	// visible and (peer, nil, VideoNone) when it is retracted.
	onExpose func(domain.UserID, *webrtc.TrackRemote, domain.VideoSource)
}

func NewVideoGate(onExpose func(domain.UserID, *webrtc.TrackRemote, domain.VideoSource)) *VideoGate {
	return &VideoGate{
		announced: make(map[domain.UserID]domain.VideoSource),
		tracks:    make(map[domain.UserID]*webrtc.TrackRemote),
		exposed:   make(map[domain.UserID]bool),
		onExpose:  onExpose,
	}
}

// Announce records the advertised source for peer and re-evaluates.
func (g *VideoGate) Announce(peer domain.UserID, source domain.VideoSource) {
	g.mu.Lock()
	if source == domain.VideoNone {
		delete(g.announced, peer)
	} else {
		g.announced[peer] = source
	}
	g.mu.Unlock()
	g.evaluate(peer)
}

// TrackArrived holds the flowing track for peer and re-evaluates.
func (g *VideoGate) TrackArrived(peer domain.UserID, track *webrtc.TrackRemote) {
	g.mu.Lock()
	g.tracks[peer] = track
	g.mu.Unlock()
	g.evaluate(peer)
}

// TrackEnded drops the held track for peer and retracts any exposure.
// The ended track must still be the held one; an end signal from a
// track that was already replaced is ignored.
func (g *VideoGate) TrackEnded(peer domain.UserID, track *webrtc.TrackRemote) {
	g.mu.Lock()
	cur, ok := g.tracks[peer]
	if !ok || (track != nil && cur != track) {
		g.mu.Unlock()
		return
	}
	delete(g.tracks, peer)
	g.mu.Unlock()
	g.evaluate(peer)
}

// Forget clears all state for a departed peer.
func (g *VideoGate) Forget(peer domain.UserID) {
	g.mu.Lock()
	delete(g.announced, peer)
	delete(g.tracks, peer)
	wasExposed := g.exposed[peer]
	delete(g.exposed, peer)
	g.mu.Unlock()
	if wasExposed && g.onExpose != nil {
		g.onExpose(peer, nil, domain.VideoNone)
	}
}

// Source returns the currently advertised source for peer.
func (g *VideoGate) Source(peer domain.UserID) domain.VideoSource {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.announced[peer]; ok {
		return s
	}
	return domain.VideoNone
}

func (g *VideoGate) evaluate(peer domain.UserID) {
	g.mu.Lock()
	source, haveSource := g.announced[peer]
	track, haveTrack := g.tracks[peer]
	shouldExpose := haveSource && haveTrack
	wasExposed := g.exposed[peer]
	if shouldExpose {
		g.exposed[peer] = true
	} else {
		delete(g.exposed, peer)
	}
	g.mu.Unlock()

	if g.onExpose == nil {
		return
	}
	switch {
	case shouldExpose && !wasExposed:
		g.onExpose(peer, track, source)
	case !shouldExpose && wasExposed:
		g.onExpose(peer, nil, domain.VideoNone)
	}
}
