// Package signalws is the dial-side signal channel: a persistent
// websocket to the signaling server with automatic reconnection.
package signalws

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pulsarchat/voicelink/internal/config"
	"github.com/pulsarchat/voicelink/internal/core"
	"github.com/pulsarchat/voicelink/internal/domain"
)

var ErrBackpressure = errors.New("backpressure")

// Events is the intake side of the signal channel; implemented by the
// orchestrator.
type Events interface {
	HandleSignal(core.InboundSignal)
	HandleRoster(core.RosterEvent)
	HandleProducerAdded(domain.Producer)
	HandleProducerRemoved(domain.ProducerID)
	HandleConnected()
	HandleDisconnected()
}

// RPCResponder matches routing-server response frames to their
// outstanding requests.
type RPCResponder interface {
	HandleResponse(id string, data json.RawMessage, errMsg string)
}

// Client implements core.SignalChannel and sfu.RPCTransport over one
// websocket. Run owns the connection; every send is best-effort and
// reports availability, never delivery.
type Client struct {
	url    string
	token  string
	cfg    *config.Config
	events Events
	rpc    RPCResponder

	mu     sync.RWMutex
	conn   *websocket.Conn
	send   chan []byte
	closed bool

	logger zerolog.Logger
}

func NewClient(cfg *config.Config, token string) *Client {
	return &Client{
		url:    cfg.SignalURL,
		token:  token,
		cfg:    cfg,
		logger: log.With().Str("module", "signalws").Logger(),
	}
}

// Bind installs the intake sinks. Must be called before Run; the
// client and orchestrator reference each other, so construction is
// split from wiring.
func (c *Client) Bind(events Events, rpc RPCResponder) {
	c.events = events
	c.rpc = rpc
}

// Run dials and keeps the connection alive until ctx is done. Each
// failed dial or dropped connection backs off exponentially with
// jitter, capped at the configured ceiling; a successful connection
// resets the delay.
func (c *Client) Run(ctx context.Context) {
	delay := c.cfg.Voice.ReconnectBase
	for {
		if ctx.Err() != nil {
			return
		}
		connected, err := c.connectAndServe(ctx)
		if err != nil {
			c.logger.Warn().Err(err).Msg("signal connection lost")
		}
		if ctx.Err() != nil {
			return
		}
		c.events.HandleDisconnected()

		var wait time.Duration
		wait, delay = c.nextDelay(delay, connected)
		select {
		case <-ctx.Done():
			return
		case <-time.After(jitter(wait)):
		}
	}
}

// nextDelay returns the wait before the upcoming dial and the delay to
// carry forward. A dial that succeeded resets the progression to the
// base; consecutive failures double it up to the ceiling.
func (c *Client) nextDelay(delay time.Duration, connected bool) (wait, next time.Duration) {
	if connected {
		delay = c.cfg.Voice.ReconnectBase
	}
	next = delay * 2
	if next > c.cfg.Voice.ReconnectCeiling {
		next = c.cfg.Voice.ReconnectCeiling
	}
	return delay, next
}

// jitter spreads reconnect attempts ±20% so clients that lost the same
// server do not stampede it.
func jitter(d time.Duration) time.Duration {
	f := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * f)
}

// connectAndServe reports whether the dial itself succeeded, so the
// caller can reset its backoff.
func (c *Client) connectAndServe(ctx context.Context) (bool, error) {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, header)
	if err != nil {
		return false, err
	}
	conn.SetReadLimit(c.cfg.ReadLimit)
	readWait := c.cfg.PingPeriod * 10 / 9
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})

	c.mu.Lock()
	c.conn = conn
	c.send = make(chan []byte, 32)
	c.closed = false
	c.mu.Unlock()

	c.logger.Info().Str("url", c.url).Msg("signal connected")
	c.events.HandleConnected()

	connCtx, cancel := context.WithCancel(ctx)
	go c.writePump(connCtx, conn)
	err = c.readPump(connCtx, conn)
	cancel()
	c.teardown(conn)
	return true, err
}

func (c *Client) teardown(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn && !c.closed {
		c.closed = true
		close(c.send)
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()
}

// TrySend enqueues one frame without blocking. A full buffer counts as
// unavailable: signaling is latency-sensitive and stale frames are
// worse than dropped ones.
func (c *Client) TrySend(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed || c.conn == nil {
		return errors.New("connection closed")
	}
	select {
	case c.send <- data:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *Client) sendJSON(v any) bool {
	b, err := json.Marshal(v)
	if err != nil {
		c.logger.Error().Err(err).Msg("sendJSON marshal")
		return false
	}
	if err := c.TrySend(b); err != nil {
		c.logger.Warn().Err(err).Msg("sendJSON dropped")
		return false
	}
	return true
}

// JoinChannel announces presence on ch. Membership is confirmed by a
// roster echo, not by send success.
func (c *Client) JoinChannel(ch domain.ChannelID) bool {
	return c.sendJSON(outFrame{Type: frameJoin, ChannelID: ch})
}

func (c *Client) LeaveChannel(ch domain.ChannelID) bool {
	return c.sendJSON(outFrame{Type: frameLeave, ChannelID: ch})
}

func (c *Client) Send(ch domain.ChannelID, to domain.UserID, msg core.SignalMessage) bool {
	return c.sendJSON(outFrame{Type: frameSignal, ChannelID: ch, To: to, Message: &msg})
}

func (c *Client) Broadcast(ch domain.ChannelID, msg core.SignalMessage) bool {
	return c.sendJSON(outFrame{Type: frameSignalBroadcast, ChannelID: ch, Message: &msg})
}

// SendRequest carries one routing-server request frame.
func (c *Client) SendRequest(id, action string, payload json.RawMessage) bool {
	return c.sendJSON(outFrame{Type: frameSFURequest, RequestID: id, Action: action, Payload: payload})
}

// Close shuts the connection down permanently. Run will exit on its
// own when its context is cancelled; Close only severs the socket.
func (c *Client) Close() {
	c.mu.Lock()
	conn := c.conn
	if !c.closed && conn != nil {
		c.closed = true
		close(c.send)
		c.conn = nil
	}
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}
