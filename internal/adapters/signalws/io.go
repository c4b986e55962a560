package signalws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pulsarchat/voicelink/internal/core"
	"github.com/pulsarchat/voicelink/internal/domain"
)

const (
	frameJoin            = "join"
	frameLeave           = "leave"
	frameSignal          = "signal"
	frameSignalBroadcast = "signal-broadcast"
	frameSFURequest      = "sfu-request"

	frameRoster          = "roster"
	frameSFUResponse     = "sfu-response"
	frameProducerAdded   = "producer-added"
	frameProducerRemoved = "producer-removed"
	framePong            = "pong"
)

type outFrame struct {
	Type      string              `json:"type"`
	ChannelID domain.ChannelID    `json:"channel_id,omitempty"`
	To        domain.UserID       `json:"to,omitempty"`
	Message   *core.SignalMessage `json:"message,omitempty"`

	RequestID string          `json:"request_id,omitempty"`
	Action    string          `json:"action,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type inFrame struct {
	Type      string             `json:"type"`
	ChannelID domain.ChannelID   `json:"channel_id"`
	From      domain.UserID      `json:"from"`
	Message   core.SignalMessage `json:"message"`

	Participants []domain.Participant `json:"participants"`

	RequestID string          `json:"request_id"`
	Data      json.RawMessage `json:"data"`
	Error     string          `json:"error"`

	Producer   *domain.Producer  `json:"producer"`
	ProducerID domain.ProducerID `json:"producer_id"`
}

func (c *Client) writePump(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer ticker.Stop()

	c.mu.RLock()
	send := c.send
	c.mu.RUnlock()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("writePump ctx done")
			return
		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Warn().Err(err).Msg("writePump ping")
				return
			}
		case data, ok := <-send:
			if !ok {
				c.logger.Info().Msg("writePump channel closed")
				return
			}
			if err := conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				c.logger.Error().Err(err).Msg("writePump set deadline")
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Error().Err(err).Msg("writePump write error")
				return
			}
		}
	}
}

func (c *Client) readPump(ctx context.Context, conn *websocket.Conn) error {
	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("readPump ctx done")
			return ctx.Err()
		default:
			_, data, err := conn.ReadMessage()
			if err != nil {
				c.logger.Warn().Err(err).Msg("readPump read error")
				return err
			}
			c.handleFrame(data)
		}
	}
}

func (c *Client) handleFrame(data []byte) {
	var f inFrame
	if err := json.Unmarshal(data, &f); err != nil {
		c.logger.Error().Err(err).Msg("bad json")
		return
	}

	switch f.Type {
	case frameSignal:
		c.events.HandleSignal(core.InboundSignal{
			ChannelID:  f.ChannelID,
			FromUserID: f.From,
			Message:    f.Message,
		})
	case frameRoster:
		c.events.HandleRoster(core.RosterEvent{
			ChannelID:    f.ChannelID,
			Participants: f.Participants,
		})
	case frameSFUResponse:
		c.rpc.HandleResponse(f.RequestID, f.Data, f.Error)
	case frameProducerAdded:
		if f.Producer != nil {
			c.events.HandleProducerAdded(*f.Producer)
		}
	case frameProducerRemoved:
		c.events.HandleProducerRemoved(f.ProducerID)
	case framePong:
	default:
		c.logger.Warn().Str("type", f.Type).Msg("unknown frame")
	}
}
