package sfu

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/frostbyte73/core"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pulsarchat/voicelink/internal/domain"
)

var ErrNotStarted = errors.New("sfu client not started")

type Config struct {
	WebRTC webrtc.Configuration
}

type capabilitiesResponse struct {
	RTPCapabilities json.RawMessage `json:"rtp_capabilities"`
}

type createTransportRequest struct {
	Direction string `json:"direction"`
}

type createTransportResponse struct {
	TransportID string `json:"transport_id"`
}

type connectTransportRequest struct {
	TransportID string `json:"transport_id"`
	SDP         string `json:"sdp"`
}

type connectTransportResponse struct {
	SDP string `json:"sdp"`
}

type produceRequest struct {
	TransportID string           `json:"transport_id"`
	Kind        domain.MediaKind `json:"kind"`
}

type produceResponse struct {
	ProducerID domain.ProducerID `json:"producer_id"`
}

type closeProducerRequest struct {
	ProducerID domain.ProducerID `json:"producer_id"`
}

type listProducersResponse struct {
	Producers []domain.Producer `json:"producers"`
}

type consumeRequest struct {
	TransportID string            `json:"transport_id"`
	ProducerID  domain.ProducerID `json:"producer_id"`
}

type consumeResponse struct {
	ConsumerID domain.ConsumerID `json:"consumer_id"`
}

type resumeConsumerRequest struct {
	ConsumerID domain.ConsumerID `json:"consumer_id"`
}

type producerHandle struct {
	id     domain.ProducerID
	sender *webrtc.RTPSender
}

// Client manages the single uplink/downlink pair of routed mode and
// reconciles the consumer set against the authoritative producer list.
type Client struct {
	cfg     Config
	rpc     *RPCClient
	localID domain.UserID

	mu           sync.Mutex
	started      bool
	uplink       *webrtc.PeerConnection
	downlink     *webrtc.PeerConnection
	uplinkID     string
	downlinkID   string
	capabilities json.RawMessage
	producers    map[domain.MediaKind]*producerHandle
	consumers    map[domain.ProducerID]domain.Consumer
	owners       map[domain.ProducerID]domain.UserID

	stopped core.Fuse

	// onRemoteTrack surfaces a remote audio/video track keyed by its
	// owner; the routing server sets the stream id to the owner's user
	// id.
	onRemoteTrack func(domain.UserID, *webrtc.TrackRemote)
	// onOwnerGone fires when the last producer of a user disappears so
	// derived remote-stream references can be cleared.
	onOwnerGone func(domain.UserID)

	logger zerolog.Logger
}

func NewClient(cfg Config, rpc *RPCClient, localID domain.UserID) *Client {
	return &Client{
		cfg:       cfg,
		rpc:       rpc,
		localID:   localID,
		producers: make(map[domain.MediaKind]*producerHandle),
		consumers: make(map[domain.ProducerID]domain.Consumer),
		owners:    make(map[domain.ProducerID]domain.UserID),
		stopped:   core.NewFuse(),
		logger:    log.With().Str("module", "sfu.client").Logger(),
	}
}

func (c *Client) OnRemoteTrack(fn func(domain.UserID, *webrtc.TrackRemote)) { c.onRemoteTrack = fn }

func (c *Client) OnOwnerGone(fn func(domain.UserID)) { c.onOwnerGone = fn }

// Start performs the one-time handshake: fetch routing capabilities,
// create the uplink and downlink transports, and begin producing the
// local audio track if one is present.
func (c *Client) Start(ctx context.Context, audioTrack webrtc.TrackLocal) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	raw, err := c.rpc.Request(ctx, ActionGetCapabilities, struct{}{})
	if err != nil {
		return err
	}
	var caps capabilitiesResponse
	if err := json.Unmarshal(raw, &caps); err != nil {
		return err
	}

	uplink, uplinkID, err := c.createTransport(ctx, "send")
	if err != nil {
		return err
	}
	downlink, downlinkID, err := c.createTransport(ctx, "recv")
	if err != nil {
		uplink.Close()
		return err
	}

	downlink.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		owner := domain.UserID(track.StreamID())
		c.logger.Info().
			Str("owner", string(owner)).
			Str("kind", track.Kind().String()).
			Msg("downlink track")
		if fn := c.onRemoteTrack; fn != nil {
			fn(owner, track)
		}
	})

	c.mu.Lock()
	c.capabilities = caps.RTPCapabilities
	c.uplink = uplink
	c.uplinkID = uplinkID
	c.downlink = downlink
	c.downlinkID = downlinkID
	c.mu.Unlock()

	if audioTrack != nil {
		if err := c.produceTrack(ctx, domain.KindAudio, audioTrack); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) createTransport(ctx context.Context, direction string) (*webrtc.PeerConnection, string, error) {
	raw, err := c.rpc.Request(ctx, ActionCreateTransport, createTransportRequest{Direction: direction})
	if err != nil {
		return nil, "", err
	}
	var resp createTransportResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, "", err
	}
	pc, err := webrtc.NewPeerConnection(c.cfg.WebRTC)
	if err != nil {
		return nil, "", err
	}
	return pc, resp.TransportID, nil
}

// negotiate runs one local-offer round trip over connect-transport.
func (c *Client) negotiate(ctx context.Context, pc *webrtc.PeerConnection, transportID string) error {
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return err
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return err
	}
	raw, err := c.rpc.Request(ctx, ActionConnectTransport, connectTransportRequest{
		TransportID: transportID,
		SDP:         offer.SDP,
	})
	if err != nil {
		return err
	}
	var resp connectTransportResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return err
	}
	return pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  resp.SDP,
	})
}

func (c *Client) produceTrack(ctx context.Context, kind domain.MediaKind, track webrtc.TrackLocal) error {
	c.mu.Lock()
	uplink, uplinkID := c.uplink, c.uplinkID
	c.mu.Unlock()
	if uplink == nil {
		return ErrNotStarted
	}

	sender, err := uplink.AddTrack(track)
	if err != nil {
		return err
	}
	if err := c.negotiate(ctx, uplink, uplinkID); err != nil {
		return err
	}
	raw, err := c.rpc.Request(ctx, ActionProduce, produceRequest{TransportID: uplinkID, Kind: kind})
	if err != nil {
		return err
	}
	var resp produceResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return err
	}

	c.mu.Lock()
	c.producers[kind] = &producerHandle{id: resp.ProducerID, sender: sender}
	c.mu.Unlock()
	c.logger.Info().
		Str("kind", string(kind)).
		Str("producer", string(resp.ProducerID)).
		Msg("producing")
	return nil
}

// ReplaceTrack swaps the uplink track for kind without recreating the
// transport. A nil track closes the producer explicitly (with a
// best-effort server-side release); a producer is created lazily when
// none exists yet.
func (c *Client) ReplaceTrack(ctx context.Context, kind domain.MediaKind, track webrtc.TrackLocal) error {
	c.mu.Lock()
	handle := c.producers[kind]
	c.mu.Unlock()

	if track == nil {
		if handle == nil {
			return nil
		}
		c.mu.Lock()
		delete(c.producers, kind)
		uplink := c.uplink
		c.mu.Unlock()
		if _, err := c.rpc.Request(ctx, ActionCloseProducer, closeProducerRequest{ProducerID: handle.id}); err != nil {
			c.logger.Warn().Err(err).Str("producer", string(handle.id)).Msg("close producer")
		}
		if uplink != nil {
			if err := uplink.RemoveTrack(handle.sender); err != nil {
				c.logger.Warn().Err(err).Msg("remove uplink track")
			}
		}
		return nil
	}

	if handle == nil {
		return c.produceTrack(ctx, kind, track)
	}
	return handle.sender.ReplaceTrack(track)
}

// SyncProducers reconciles the consumer set against the authoritative
// producer list. Idempotent and order-independent: given the same final
// list it converges to the same consumer set regardless of which events
// were seen before.
func (c *Client) SyncProducers(ctx context.Context) error {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		return ErrNotStarted
	}

	raw, err := c.rpc.Request(ctx, ActionListProducers, struct{}{})
	if err != nil {
		return err
	}
	var resp listProducersResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return err
	}

	listed := make(map[domain.ProducerID]domain.Producer, len(resp.Producers))
	for _, p := range resp.Producers {
		listed[p.ProducerID] = p
	}

	// Tear down consumers whose producer no longer appears.
	c.mu.Lock()
	var gone []domain.ProducerID
	for pid := range c.consumers {
		if _, ok := listed[pid]; !ok {
			gone = append(gone, pid)
		}
	}
	c.mu.Unlock()
	for _, pid := range gone {
		c.removeProducer(pid)
	}

	// Create consumers for new foreign producers.
	for _, p := range resp.Producers {
		if err := c.addProducer(ctx, p); err != nil {
			c.logger.Warn().Err(err).Str("producer", string(p.ProducerID)).Msg("consume failed")
		}
	}
	return nil
}

// HandleProducerAdded applies an out-of-band producer-added event.
func (c *Client) HandleProducerAdded(ctx context.Context, p domain.Producer) {
	if err := c.addProducer(ctx, p); err != nil {
		c.logger.Warn().Err(err).Str("producer", string(p.ProducerID)).Msg("consume failed")
	}
}

// HandleProducerRemoved applies an out-of-band producer-removed event.
func (c *Client) HandleProducerRemoved(pid domain.ProducerID) {
	c.removeProducer(pid)
}

func (c *Client) addProducer(ctx context.Context, p domain.Producer) error {
	if p.OwnerUserID == c.localID {
		return nil
	}
	c.mu.Lock()
	if _, ok := c.consumers[p.ProducerID]; ok {
		c.mu.Unlock()
		return nil
	}
	downlink, downlinkID := c.downlink, c.downlinkID
	c.mu.Unlock()
	if downlink == nil {
		return ErrNotStarted
	}

	raw, err := c.rpc.Request(ctx, ActionConsume, consumeRequest{
		TransportID: downlinkID,
		ProducerID:  p.ProducerID,
	})
	if err != nil {
		return err
	}
	var resp consumeResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return err
	}

	kind := webrtc.RTPCodecTypeAudio
	if p.Kind == domain.KindVideo {
		kind = webrtc.RTPCodecTypeVideo
	}
	if _, err := downlink.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		return err
	}
	if err := c.negotiate(ctx, downlink, downlinkID); err != nil {
		return err
	}
	if _, err := c.rpc.Request(ctx, ActionResumeConsumer, resumeConsumerRequest{ConsumerID: resp.ConsumerID}); err != nil {
		c.logger.Warn().Err(err).Str("consumer", string(resp.ConsumerID)).Msg("resume consumer")
	}

	// Ownership is recorded only once the consumer exists; a failed
	// consume must not leave a phantom owner entry skewing owner-gone
	// detection.
	c.mu.Lock()
	c.consumers[p.ProducerID] = domain.Consumer{ConsumerID: resp.ConsumerID, ProducerID: p.ProducerID}
	c.owners[p.ProducerID] = p.OwnerUserID
	c.mu.Unlock()
	c.logger.Info().
		Str("producer", string(p.ProducerID)).
		Str("consumer", string(resp.ConsumerID)).
		Str("owner", string(p.OwnerUserID)).
		Msg("consuming")
	return nil
}

func (c *Client) removeProducer(pid domain.ProducerID) {
	c.mu.Lock()
	_, had := c.consumers[pid]
	delete(c.consumers, pid)
	owner, hadOwner := c.owners[pid]
	delete(c.owners, pid)
	ownerGone := false
	if hadOwner {
		ownerGone = true
		for _, other := range c.owners {
			if other == owner {
				ownerGone = false
				break
			}
		}
	}
	c.mu.Unlock()

	if had {
		c.logger.Info().Str("producer", string(pid)).Msg("consumer closed")
	}
	if ownerGone {
		if fn := c.onOwnerGone; fn != nil {
			fn(owner)
		}
	}
}

// Pseudo-peer ids for the two routed-mode transports in quality
// reports.
const (
	UplinkPeer   domain.UserID = "sfu-uplink"
	DownlinkPeer domain.UserID = "sfu-downlink"
)

// Reports returns raw stats for the uplink and downlink transports,
// keyed by pseudo-peer id. Transports not yet created are omitted.
func (c *Client) Reports() map[domain.UserID]webrtc.StatsReport {
	c.mu.Lock()
	uplink, downlink := c.uplink, c.downlink
	c.mu.Unlock()

	out := make(map[domain.UserID]webrtc.StatsReport, 2)
	if uplink != nil {
		out[UplinkPeer] = uplink.GetStats()
	}
	if downlink != nil {
		out[DownlinkPeer] = downlink.GetStats()
	}
	return out
}

// Consumers returns a snapshot of the live consumer set.
func (c *Client) Consumers() []domain.Consumer {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Consumer, 0, len(c.consumers))
	for _, cons := range c.consumers {
		out = append(out, cons)
	}
	return out
}

// Stop closes all consumers, releases local producers server-side, and
// closes both transports. Repeated calls are safe no-ops.
func (c *Client) Stop(ctx context.Context) {
	c.stopped.Once(func() {
		c.mu.Lock()
		producers := c.producers
		uplink, downlink := c.uplink, c.downlink
		c.producers = make(map[domain.MediaKind]*producerHandle)
		c.consumers = make(map[domain.ProducerID]domain.Consumer)
		c.owners = make(map[domain.ProducerID]domain.UserID)
		c.uplink, c.downlink = nil, nil
		c.started = false
		c.mu.Unlock()

		for kind, handle := range producers {
			if _, err := c.rpc.Request(ctx, ActionCloseProducer, closeProducerRequest{ProducerID: handle.id}); err != nil {
				c.logger.Warn().Err(err).Str("kind", string(kind)).Msg("close producer on stop")
			}
		}
		if uplink != nil {
			if err := uplink.Close(); err != nil {
				c.logger.Warn().Err(err).Msg("close uplink")
			}
		}
		if downlink != nil {
			if err := downlink.Close(); err != nil {
				c.logger.Warn().Err(err).Msg("close downlink")
			}
		}
		c.logger.Info().Msg("stopped")
	})
}
