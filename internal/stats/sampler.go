// Package stats samples connection-quality statistics (round-trip
// time, bitrate, packet loss) on a fixed interval while at least one
// subscriber has them requested.
package stats

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/pulsarchat/voicelink/internal/core"
	"github.com/pulsarchat/voicelink/internal/domain"
)

// Source supplies raw per-peer stats reports.
type Source interface {
	Reports() map[domain.UserID]webrtc.StatsReport
}

type byteCount struct {
	sent     uint64
	received uint64
	at       time.Time
}

type Sampler struct {
	interval time.Duration
	source   Source

	mu     sync.Mutex
	subs   int
	stopCh chan struct{}
	last   map[domain.UserID]core.Quality
	prev   map[domain.UserID]byteCount
}

func NewSampler(interval time.Duration, source Source) *Sampler {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Sampler{
		interval: interval,
		source:   source,
		last:     make(map[domain.UserID]core.Quality),
		prev:     make(map[domain.UserID]byteCount),
	}
}

// Acquire registers a stats subscriber; the sampling loop runs while at
// least one is registered.
func (s *Sampler) Acquire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs++
	if s.subs == 1 {
		s.stopCh = make(chan struct{})
		go s.loop(s.stopCh)
	}
}

// Release drops one subscriber; the loop stops when none remain.
func (s *Sampler) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs == 0 {
		return
	}
	s.subs--
	if s.subs == 0 {
		close(s.stopCh)
		s.stopCh = nil
	}
}

// Latest returns the most recent samples, one per peer.
func (s *Sampler) Latest() []core.Quality {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.Quality, 0, len(s.last))
	for _, q := range s.last {
		out = append(out, q)
	}
	return out
}

func (s *Sampler) loop(stop chan struct{}) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	log.Debug().Str("module", "stats").Msg("sampling started")
	for {
		select {
		case <-stop:
			log.Debug().Str("module", "stats").Msg("sampling stopped")
			return
		case <-ticker.C:
			s.sample()
		}
	}
}

func (s *Sampler) sample() {
	now := time.Now()
	reports := s.source.Reports()

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[domain.UserID]bool, len(reports))
	for peer, report := range reports {
		seen[peer] = true
		q := core.Quality{Peer: peer}
		var counts byteCount
		counts.at = now

		var packetsLost int32
		var packetsReceived uint32
		for _, stat := range report {
			switch st := stat.(type) {
			case webrtc.ICECandidatePairStats:
				if st.Nominated && st.CurrentRoundTripTime > 0 {
					q.RTT = st.CurrentRoundTripTime
				}
			case webrtc.RemoteInboundRTPStreamStats:
				if q.RTT == 0 && st.RoundTripTime > 0 {
					q.RTT = st.RoundTripTime
				}
				packetsLost += st.PacketsLost
			case webrtc.OutboundRTPStreamStats:
				counts.sent += st.BytesSent
			case webrtc.InboundRTPStreamStats:
				counts.received += st.BytesReceived
				packetsReceived += st.PacketsReceived
			}
		}

		if prev, ok := s.prev[peer]; ok {
			dt := now.Sub(prev.at).Seconds()
			if dt > 0 {
				q.BitrateUp = float64(counts.sent-prev.sent) * 8 / dt
				q.BitrateDown = float64(counts.received-prev.received) * 8 / dt
			}
		}
		if total := float64(packetsLost) + float64(packetsReceived); total > 0 {
			q.PacketLossFrac = float64(packetsLost) / total
		}

		s.prev[peer] = counts
		s.last[peer] = q
	}

	for peer := range s.last {
		if !seen[peer] {
			delete(s.last, peer)
			delete(s.prev, peer)
		}
	}
}
