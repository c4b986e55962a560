// Package signal implements the signaling state machine: glare
// resolution, negotiation order, ICE buffering, video-source gating,
// and queueing of messages that arrive before their channel is active.
package signal

import (
	"sync"

	"github.com/gammazero/deque"
	"github.com/rs/zerolog/log"

	"github.com/pulsarchat/voicelink/internal/core"
	"github.com/pulsarchat/voicelink/internal/domain"
)

// PendingQueue buffers signals addressed to channels the local session
// has not joined yet. Bounded; beyond the cap the oldest entry is
// dropped. Drain preserves arrival order, which implies FIFO per sender.
type PendingQueue struct {
	mu  sync.Mutex
	cap int
	q   map[domain.ChannelID]*deque.Deque[core.InboundSignal]
}

func NewPendingQueue(cap int) *PendingQueue {
	if cap <= 0 {
		cap = 128
	}
	return &PendingQueue{
		cap: cap,
		q:   make(map[domain.ChannelID]*deque.Deque[core.InboundSignal]),
	}
}

func (p *PendingQueue) Push(in core.InboundSignal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.q[in.ChannelID]
	if !ok {
		d = &deque.Deque[core.InboundSignal]{}
		p.q[in.ChannelID] = d
	}
	if d.Len() >= p.cap {
		dropped := d.PopFront()
		log.Warn().
			Str("module", "signal.queue").
			Str("channel", string(in.ChannelID)).
			Str("from", string(dropped.FromUserID)).
			Msg("queue full, dropping oldest pending signal")
	}
	d.PushBack(in)
}

// Drain removes and returns all buffered signals for ch in arrival order.
func (p *PendingQueue) Drain(ch domain.ChannelID) []core.InboundSignal {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.q[ch]
	if !ok {
		return nil
	}
	delete(p.q, ch)
	out := make([]core.InboundSignal, 0, d.Len())
	for d.Len() > 0 {
		out = append(out, d.PopFront())
	}
	return out
}

// Discard drops all buffered signals for ch.
func (p *PendingQueue) Discard(ch domain.ChannelID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.q, ch)
}

func (p *PendingQueue) Len(ch domain.ChannelID) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if d, ok := p.q[ch]; ok {
		return d.Len()
	}
	return 0
}
