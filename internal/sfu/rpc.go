// Package sfu implements the routed-mode client: one uplink and one
// downlink transport through a media-routing server, with
// producer/consumer lifecycle reconciliation.
package sfu

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrRequestTimeout = errors.New("sfu request timed out")
	ErrTransportDown  = errors.New("sfu transport unavailable")
)

// RPC actions accepted by the routing server.
const (
	ActionGetCapabilities  = "get-capabilities"
	ActionCreateTransport  = "create-transport"
	ActionConnectTransport = "connect-transport"
	ActionProduce          = "produce"
	ActionCloseProducer    = "close-producer"
	ActionListProducers    = "list-producers"
	ActionConsume          = "consume"
	ActionResumeConsumer   = "resume-consumer"
)

// RPCTransport carries one request frame toward the routing server.
// Returns false when the underlying channel is unavailable.
type RPCTransport interface {
	SendRequest(id, action string, payload json.RawMessage) bool
}

type rpcResult struct {
	data json.RawMessage
	err  error
}

// RPCClient matches request frames to response frames by opaque id,
// with a bounded timeout per request.
type RPCClient struct {
	transport RPCTransport
	timeout   time.Duration

	mu      sync.Mutex
	pending map[string]chan rpcResult
}

func NewRPCClient(transport RPCTransport, timeout time.Duration) *RPCClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &RPCClient{
		transport: transport,
		timeout:   timeout,
		pending:   make(map[string]chan rpcResult),
	}
}

// Request sends one action and blocks until its response, the timeout,
// or ctx cancellation.
func (c *RPCClient) Request(ctx context.Context, action string, payload any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	ch := make(chan rpcResult, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if !c.transport.SendRequest(id, action, body) {
		return nil, ErrTransportDown
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		return res.data, res.err
	case <-timer.C:
		log.Warn().Str("module", "sfu.rpc").Str("action", action).Msg("request timeout")
		return nil, ErrRequestTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// HandleResponse delivers a response frame. Unknown ids (late responses
// after timeout) are dropped.
func (c *RPCClient) HandleResponse(id string, data json.RawMessage, errMsg string) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	c.mu.Unlock()
	if !ok {
		log.Debug().Str("module", "sfu.rpc").Str("id", id).Msg("late response dropped")
		return
	}
	res := rpcResult{data: data}
	if errMsg != "" {
		res.err = errors.New(errMsg)
	}
	select {
	case ch <- res:
	default:
	}
}
