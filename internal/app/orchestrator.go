// Package app wires the voice subsystem together: join/leave
// lifecycle, reconnection intent, topology selection, and roster-driven
// reconciliation.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pulsarchat/voicelink/internal/audio"
	"github.com/pulsarchat/voicelink/internal/config"
	"github.com/pulsarchat/voicelink/internal/core"
	"github.com/pulsarchat/voicelink/internal/domain"
	"github.com/pulsarchat/voicelink/internal/media"
	"github.com/pulsarchat/voicelink/internal/mesh"
	"github.com/pulsarchat/voicelink/internal/sfu"
	signalsm "github.com/pulsarchat/voicelink/internal/signal"
	"github.com/pulsarchat/voicelink/internal/stats"
)

type State string

const (
	StateIdle    State = "idle"
	StateJoining State = "joining"
	StateActive  State = "active"
	StateLeaving State = "leaving"
)

var (
	ErrAlreadyInChannel = errors.New("already in a voice channel")
	ErrNotInChannel     = errors.New("not in a voice channel")
)

// CaptureMic acquires the local microphone; swappable in tests.
type CaptureMic func(streamID string, onLevel func(float64)) (*media.Microphone, error)

// CaptureVid acquires a camera or screen track; swappable in tests.
type CaptureVid func(source domain.VideoSource, streamID string) (webrtc.TrackLocal, func(), error)

// Orchestrator owns the lifecycle of every peer session, producer,
// consumer, and audio route. Nothing outside it may close or mutate
// them directly.
type Orchestrator struct {
	cfg     *config.Config
	localID domain.UserID
	signal  core.SignalChannel

	source     *media.Source
	router     *audio.Router
	detector   *audio.SpeakingDetector
	sampler    *stats.Sampler
	captureMic CaptureMic
	captureVid CaptureVid

	mu      sync.Mutex
	state   State
	mode    domain.VoiceMode
	channel domain.ChannelID
	intent  *domain.ReconnectIntent
	roster  map[domain.UserID]domain.Participant

	machine *signalsm.Machine
	manager *mesh.Manager
	gate    *signalsm.VideoGate

	rpc       *sfu.RPCClient
	sfuClient *sfu.Client
	sfuCancel context.CancelFunc

	pending *signalsm.PendingQueue
	mic     *media.Microphone

	muted     bool
	deafened  bool
	prevMuted bool
	reconnect bool

	videoSources map[domain.UserID]domain.VideoSource
	videoStreams map[domain.UserID]*webrtc.TrackRemote

	notices  chan core.Notice
	speaking chan SpeakingEvent

	logger zerolog.Logger
}

// SpeakingEvent marks one user starting or stopping speaking.
type SpeakingEvent struct {
	UserID   domain.UserID `json:"user_id"`
	Speaking bool          `json:"speaking"`
}

func NewOrchestrator(cfg *config.Config, localID domain.UserID, signalCh core.SignalChannel, rpcTransport sfu.RPCTransport) *Orchestrator {
	o := &Orchestrator{
		cfg:          cfg,
		localID:      localID,
		signal:       signalCh,
		source:       media.NewSource(),
		state:        StateIdle,
		roster:       make(map[domain.UserID]domain.Participant),
		pending:      signalsm.NewPendingQueue(cfg.Voice.SignalQueueCap),
		videoSources: make(map[domain.UserID]domain.VideoSource),
		videoStreams: make(map[domain.UserID]*webrtc.TrackRemote),
		notices:      make(chan core.Notice, 16),
		speaking:     make(chan SpeakingEvent, 64),
		captureMic:   media.CaptureMicrophone,
		captureVid: func(source domain.VideoSource, streamID string) (webrtc.TrackLocal, func(), error) {
			return media.CaptureVideo(source, streamID)
		},
		logger: log.With().Str("module", "app.orchestrator").Str("user", string(localID)).Logger(),
	}

	o.detector = audio.NewSpeakingDetector(
		cfg.Voice.SpeakingThreshold,
		cfg.Voice.SpeakingHangover,
		func(user domain.UserID, speaking bool) {
			o.logger.Debug().Str("speaker", string(user)).Bool("speaking", speaking).Msg("speaking change")
			select {
			case o.speaking <- SpeakingEvent{UserID: user, Speaking: speaking}:
			default:
			}
		},
	)
	o.router = audio.NewRouter(nil, o.detector.Feed)
	o.rpc = sfu.NewRPCClient(rpcTransport, cfg.SFU.RequestTimeout)

	// Replace-in-place: the single subscription fans out to whichever
	// transports exist at replacement time.
	o.source.OnAudioReplaced(func(track webrtc.TrackLocal) {
		if m := o.currentManager(); m != nil {
			m.ReplaceAudioTrack(track)
		}
		if c := o.currentSFU(); c != nil {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.SFU.RequestTimeout)
			defer cancel()
			if err := c.ReplaceTrack(ctx, domain.KindAudio, track); err != nil {
				o.logger.Warn().Err(err).Msg("sfu audio replace")
			}
		}
	})
	o.source.OnVideoReplaced(func(track webrtc.TrackLocal) {
		if m := o.currentManager(); m != nil {
			m.ReplaceVideoTrack(track)
		}
		if c := o.currentSFU(); c != nil {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.SFU.RequestTimeout)
			defer cancel()
			if err := c.ReplaceTrack(ctx, domain.KindVideo, track); err != nil {
				o.logger.Warn().Err(err).Msg("sfu video replace")
			}
		}
	})

	return o
}

func (o *Orchestrator) currentManager() *mesh.Manager {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.manager
}

func (o *Orchestrator) currentSFU() *sfu.Client {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sfuClient
}

// RPC exposes the request/response client for the signal adapter to
// deliver routing-server responses into.
func (o *Orchestrator) RPC() *sfu.RPCClient { return o.rpc }

// Notices is the stream of non-fatal conditions for the UI layer.
func (o *Orchestrator) Notices() <-chan core.Notice { return o.notices }

// SpeakingEvents streams speaking start/stop transitions. A slow
// consumer loses events, never blocks the audio path.
func (o *Orchestrator) SpeakingEvents() <-chan SpeakingEvent { return o.speaking }

func (o *Orchestrator) notify(n core.Notice) {
	select {
	case o.notices <- n:
	default:
		o.logger.Debug().Str("kind", string(n.Kind)).Msg("notice dropped, buffer full")
	}
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Channel returns the active or pending channel, if any.
func (o *Orchestrator) Channel() (domain.ChannelID, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.channel, o.channel != ""
}

// Speaking returns the current speaking user ids.
func (o *Orchestrator) Speaking() []domain.UserID { return o.detector.Speaking() }

// Stats exposes the quality sampler.
func (o *Orchestrator) Stats() *stats.Sampler {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sampler
}

// Roster returns an immutable snapshot of the channel membership.
func (o *Orchestrator) Roster() []domain.Participant {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]domain.Participant, 0, len(o.roster))
	for _, p := range o.roster {
		out = append(out, p)
	}
	return out
}

// Join acquires the microphone, announces presence, and waits for the
// roster echo to confirm membership. Microphone failure aborts the
// join with an actionable error and leaves the orchestrator joinable.
func (o *Orchestrator) Join(channel domain.ChannelID) error {
	o.mu.Lock()
	if o.state != StateIdle {
		o.mu.Unlock()
		return ErrAlreadyInChannel
	}
	o.state = StateJoining
	o.channel = channel
	o.mode = domain.VoiceMode(o.cfg.Voice.Topology)
	o.mu.Unlock()

	mic, err := o.captureMic(string(o.localID), func(level float64) {
		o.detector.Feed(o.localID, level)
	})
	if err != nil {
		o.mu.Lock()
		o.state = StateIdle
		o.channel = ""
		o.mu.Unlock()
		return fmt.Errorf("cannot join voice: %w", err)
	}

	o.mu.Lock()
	o.mic = mic
	o.intent = &domain.ReconnectIntent{ChannelID: channel, Muted: o.muted, Deafened: o.deafened}
	o.mu.Unlock()

	o.source.SetAudio(mic.Track, mic.SetEnabled, mic.Close)
	o.source.SetAudioEnabled(!o.muted && !o.deafened)

	o.buildTransports(channel)

	if !o.signal.JoinChannel(channel) {
		o.logger.Warn().Str("channel", string(channel)).Msg("join announce failed, awaiting reconnect")
	}
	o.logger.Info().Str("channel", string(channel)).Str("mode", string(o.mode)).Msg("joining")
	return nil
}

// Leave tears the session down. Every teardown step runs even if an
// individual step errors.
func (o *Orchestrator) Leave() error {
	o.mu.Lock()
	if o.state == StateIdle {
		o.mu.Unlock()
		return ErrNotInChannel
	}
	channel := o.channel
	o.state = StateLeaving
	o.intent = nil
	o.mu.Unlock()

	o.teardownTransports()
	o.source.Close()
	o.router.DropAll()
	o.detector.Reset()
	o.pending.Discard(channel)

	if !o.signal.LeaveChannel(channel) {
		o.logger.Warn().Str("channel", string(channel)).Msg("leave announce failed")
	}

	o.mu.Lock()
	o.state = StateIdle
	o.channel = ""
	o.mic = nil
	o.roster = make(map[domain.UserID]domain.Participant)
	o.videoSources = make(map[domain.UserID]domain.VideoSource)
	o.videoStreams = make(map[domain.UserID]*webrtc.TrackRemote)
	o.mu.Unlock()

	o.logger.Info().Str("channel", string(channel)).Msg("left")
	return nil
}

// buildTransports constructs the mode-appropriate transport components.
func (o *Orchestrator) buildTransports(channel domain.ChannelID) {
	o.mu.Lock()
	mode := o.mode
	o.mu.Unlock()

	gate := signalsm.NewVideoGate(o.exposeVideo)

	if mode == domain.ModeSFU {
		client := sfu.NewClient(sfu.Config{WebRTC: o.webrtcConfig()}, o.rpc, o.localID)
		client.OnRemoteTrack(func(owner domain.UserID, track *webrtc.TrackRemote) {
			o.handleRemoteTrack(owner, track)
		})
		client.OnOwnerGone(func(owner domain.UserID) {
			o.router.Drop(owner)
			o.detector.Forget(owner)
			gate.Forget(owner)
		})
		ctx, cancel := context.WithCancel(context.Background())

		o.mu.Lock()
		o.gate = gate
		o.sfuClient = client
		o.sfuCancel = cancel
		o.machine = nil
		o.manager = nil
		o.sampler = stats.NewSampler(o.cfg.Voice.StatsInterval, client)
		o.mu.Unlock()

		go func() {
			startCtx, done := context.WithTimeout(ctx, o.cfg.SFU.RequestTimeout*4)
			defer done()
			if err := client.Start(startCtx, o.source.AudioTrack()); err != nil {
				o.logger.Error().Err(err).Msg("sfu start failed")
				o.notify(core.Notice{Kind: core.NoticeRequestTimeout, Detail: "routing server handshake failed"})
			}
		}()
		go o.sfuSyncLoop(ctx, client)
		return
	}

	manager := mesh.NewManager(mesh.Config{
		WebRTC:          o.webrtcConfig(),
		AudioBitrate:    o.cfg.Voice.AudioBitrate,
		VideoBitrate:    o.cfg.Voice.VideoBitrate,
		DisconnectGrace: o.cfg.Voice.DisconnectGrace,
		HasRelay:        o.cfg.ICE.TURNURL != "",
	}, o.source)
	machine := signalsm.NewMachine(o.localID, channel, manager, o.signal, gate)

	manager.OnICECandidate(func(peer domain.UserID, cand webrtc.ICECandidateInit) {
		c := cand
		o.signal.Send(channel, peer, core.SignalMessage{Kind: core.SignalCandidate, Candidate: &c})
	})
	manager.OnTrack(func(peer domain.UserID, track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		o.handleRemoteTrack(peer, track)
	})
	manager.OnRecover(machine.Recover)
	manager.OnPeerClosed(func(peer domain.UserID) {
		o.router.Drop(peer)
		o.detector.Forget(peer)
	})
	manager.OnNotice(o.notify)
	manager.OnReofferNeeded(machine.RequestReoffer)

	sampler := stats.NewSampler(o.cfg.Voice.StatsInterval, manager)

	o.mu.Lock()
	o.gate = gate
	o.machine = machine
	o.manager = manager
	o.sampler = sampler
	o.sfuClient = nil
	o.sfuCancel = nil
	o.mu.Unlock()
}

// teardownTransports releases whichever transport mode is live.
func (o *Orchestrator) teardownTransports() {
	o.mu.Lock()
	manager := o.manager
	client := o.sfuClient
	cancel := o.sfuCancel
	o.manager = nil
	o.machine = nil
	o.sfuClient = nil
	o.sfuCancel = nil
	o.sampler = nil
	o.gate = nil
	o.mu.Unlock()

	if manager != nil {
		manager.CloseAll()
	}
	if client != nil {
		if cancel != nil {
			cancel()
		}
		ctx, done := context.WithTimeout(context.Background(), o.cfg.SFU.RequestTimeout)
		client.Stop(ctx)
		done()
	}
}

func (o *Orchestrator) webrtcConfig() webrtc.Configuration {
	servers := []webrtc.ICEServer{{URLs: o.cfg.ICE.STUNURLs}}
	if o.cfg.ICE.TURNURL != "" {
		servers = append(servers, webrtc.ICEServer{
			URLs:       []string{o.cfg.ICE.TURNURL},
			Username:   o.cfg.ICE.TURNUser,
			Credential: o.cfg.ICE.TURNPass,
		})
	}
	return webrtc.Configuration{ICEServers: servers}
}

func (o *Orchestrator) handleRemoteTrack(owner domain.UserID, track *webrtc.TrackRemote) {
	switch track.Kind() {
	case webrtc.RTPCodecTypeAudio:
		o.router.Attach(context.Background(), owner, track)
		if o.isDeafened() {
			if route, ok := o.router.Get(owner); ok {
				route.SetMuted(true)
			}
		}
	case webrtc.RTPCodecTypeVideo:
		o.mu.Lock()
		gate := o.gate
		o.mu.Unlock()
		if gate != nil {
			gate.TrackArrived(owner, track)
			go o.drainVideo(owner, track, gate)
		}
	}
}

// drainVideo reads the remote video track until it ends, then retracts
// it from the gate. The daemon has no in-process renderer, so draining
// keeps the receive buffers bounded and yields the end-of-track signal.
func (o *Orchestrator) drainVideo(owner domain.UserID, track *webrtc.TrackRemote, gate *signalsm.VideoGate) {
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			gate.TrackEnded(owner, track)
			return
		}
	}
}

// exposeVideo is the video gate sink: track==nil retracts the stream.
func (o *Orchestrator) exposeVideo(peer domain.UserID, track *webrtc.TrackRemote, source domain.VideoSource) {
	o.mu.Lock()
	if track == nil {
		delete(o.videoStreams, peer)
		delete(o.videoSources, peer)
	} else {
		o.videoStreams[peer] = track
		o.videoSources[peer] = source
	}
	o.mu.Unlock()
	o.logger.Info().
		Str("peer", string(peer)).
		Str("source", string(source)).
		Bool("exposed", track != nil).
		Msg("remote video")
}

// VideoSources returns the advertised source per peer for streams that
// are currently exposed.
func (o *Orchestrator) VideoSources() map[domain.UserID]domain.VideoSource {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[domain.UserID]domain.VideoSource, len(o.videoSources))
	for peer, src := range o.videoSources {
		out[peer] = src
	}
	return out
}

func (o *Orchestrator) sfuSyncLoop(ctx context.Context, client *sfu.Client) {
	ticker := time.NewTicker(o.cfg.SFU.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			syncCtx, done := context.WithTimeout(ctx, o.cfg.SFU.RequestTimeout*2)
			if err := client.SyncProducers(syncCtx); err != nil {
				o.logger.Warn().Err(err).Msg("producer sync failed")
			}
			done()
		}
	}
}
