package app

import (
	"context"
	"sort"

	"github.com/pulsarchat/voicelink/internal/core"
	"github.com/pulsarchat/voicelink/internal/domain"
	"github.com/pulsarchat/voicelink/internal/sfu"
	signalsm "github.com/pulsarchat/voicelink/internal/signal"
)

func (o *Orchestrator) rpcContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), o.cfg.SFU.RequestTimeout*2)
}

// HandleSignal is the intake for peer signaling. Messages for a
// channel we are not active in are queued and replayed when the
// transport machinery for that channel exists.
func (o *Orchestrator) HandleSignal(in core.InboundSignal) {
	o.mu.Lock()
	machine := o.machine
	gate := o.gate
	active := o.state == StateActive || o.state == StateJoining
	current := o.channel
	o.mu.Unlock()

	if !active || in.ChannelID != current {
		o.pending.Push(in)
		return
	}
	if machine != nil {
		machine.Handle(in)
		return
	}
	// Routed mode: the only peer signal with meaning is the video-source
	// advertisement, which feeds the gate. Negotiation messages are a
	// mesh concern and are dropped.
	if gate != nil {
		if in.Message.Kind == core.SignalVideoSource {
			gate.Announce(in.FromUserID, in.Message.Source)
		} else {
			o.logger.Debug().
				Str("kind", string(in.Message.Kind)).
				Str("from", string(in.FromUserID)).
				Msg("peer signal ignored in routed mode")
		}
		return
	}
	o.pending.Push(in)
}

// HandleRoster applies a membership snapshot from the signal channel.
// The first snapshot naming the local user confirms the join.
func (o *Orchestrator) HandleRoster(ev core.RosterEvent) {
	o.mu.Lock()
	if o.channel != ev.ChannelID || o.state == StateIdle || o.state == StateLeaving {
		o.mu.Unlock()
		return
	}

	present := false
	next := make(map[domain.UserID]domain.Participant, len(ev.Participants))
	for _, p := range ev.Participants {
		next[p.UserID] = p
		if p.UserID == o.localID {
			present = true
		}
	}

	if o.state == StateJoining && present {
		o.state = StateActive
		o.logger.Info().Str("channel", string(ev.ChannelID)).Int("peers", len(next)-1).Msg("joined")
	}
	o.roster = next
	machine := o.machine
	client := o.sfuClient
	state := o.state
	channel := o.channel
	o.mu.Unlock()

	if state != StateActive {
		return
	}

	if !present {
		// Removed server-side. Treat like an explicit leave.
		o.logger.Warn().Str("channel", string(ev.ChannelID)).Msg("dropped from roster")
		_ = o.Leave()
		return
	}

	if client != nil {
		o.reconcileSFU(client)
		o.drainPending(channel)
		return
	}
	if machine != nil {
		o.reconcileMesh(machine, next)
		o.drainPending(channel)
	}
}

// reconcileMesh converges per-peer sessions onto the roster: close
// sessions for departed peers, ensure one for each present peer, and
// offer toward peers we initiate for. Iteration is in sorted order so
// repeated snapshots act identically.
func (o *Orchestrator) reconcileMesh(machine *signalsm.Machine, roster map[domain.UserID]domain.Participant) {
	manager := o.currentManager()
	if manager == nil {
		return
	}

	for _, peer := range manager.Peers() {
		if _, want := roster[peer]; !want {
			manager.Close(peer)
		}
	}

	peers := make([]domain.UserID, 0, len(roster))
	for id := range roster {
		if id != o.localID {
			peers = append(peers, id)
		}
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })

	for _, peer := range peers {
		_, existed := manager.Get(peer)
		if _, err := manager.Ensure(peer); err != nil {
			o.logger.Error().Err(err).Str("peer", string(peer)).Msg("session setup failed")
			continue
		}
		if !existed {
			machine.SendOffer(peer)
		}
	}
}

func (o *Orchestrator) reconcileSFU(client *sfu.Client) {
	go func() {
		ctx, done := o.rpcContext()
		defer done()
		if err := client.SyncProducers(ctx); err != nil {
			o.logger.Warn().Err(err).Msg("producer sync after roster failed")
		}
	}()
}

func (o *Orchestrator) drainPending(channel domain.ChannelID) {
	for _, in := range o.pending.Drain(channel) {
		o.HandleSignal(in)
	}
}

// HandleProducerAdded forwards a routed-mode announcement.
func (o *Orchestrator) HandleProducerAdded(p domain.Producer) {
	client := o.currentSFU()
	if client == nil {
		return
	}
	go func() {
		ctx, done := o.rpcContext()
		defer done()
		client.HandleProducerAdded(ctx, p)
	}()
}

// HandleProducerRemoved forwards a routed-mode removal.
func (o *Orchestrator) HandleProducerRemoved(id domain.ProducerID) {
	client := o.currentSFU()
	if client == nil {
		return
	}
	client.HandleProducerRemoved(id)
}

// HandleConnected replays the recorded intent after the signal channel
// comes (back) up. A fresh connection with no intent is a no-op.
func (o *Orchestrator) HandleConnected() {
	o.mu.Lock()
	intent := o.intent
	reconnecting := o.reconnect
	o.reconnect = false
	o.mu.Unlock()

	if intent == nil || !reconnecting {
		return
	}

	o.logger.Info().Str("channel", string(intent.ChannelID)).Msg("replaying voice intent")

	// Transports were torn down on disconnect; rebuild before
	// announcing so inbound signals land on live machinery.
	o.mu.Lock()
	o.state = StateJoining
	o.channel = intent.ChannelID
	o.muted = intent.Muted
	o.deafened = intent.Deafened
	o.mu.Unlock()

	o.source.SetAudioEnabled(!intent.Muted && !intent.Deafened)
	o.buildTransports(intent.ChannelID)

	if !o.signal.JoinChannel(intent.ChannelID) {
		o.logger.Warn().Msg("rejoin announce failed")
	}
}

// HandleDisconnected marks the signal channel as down. Peer transports
// are torn down proactively: without signaling there is no way to
// recover them, and stale sessions would fight the rejoin.
func (o *Orchestrator) HandleDisconnected() {
	o.mu.Lock()
	if o.state == StateIdle || o.state == StateLeaving {
		o.mu.Unlock()
		return
	}
	o.state = StateJoining
	o.reconnect = true
	channel := o.channel
	o.mu.Unlock()

	o.logger.Warn().Str("channel", string(channel)).Msg("signal channel lost, holding intent")

	o.teardownTransports()
	o.router.DropAll()
	o.detector.Reset()
	o.pending.Discard(channel)
}
