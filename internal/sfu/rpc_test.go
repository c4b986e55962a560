package sfu

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// scriptedTransport answers each action from a script, delivering the
// response through HandleResponse like the websocket adapter would.
type scriptedTransport struct {
	mu        sync.Mutex
	rpc       *RPCClient
	responses map[string]json.RawMessage
	errors    map[string]string
	silent    bool
	down      bool

	requests []string
}

func (t *scriptedTransport) SendRequest(id, action string, payload json.RawMessage) bool {
	t.mu.Lock()
	t.requests = append(t.requests, action)
	down, silent := t.down, t.silent
	data := t.responses[action]
	errMsg := t.errors[action]
	t.mu.Unlock()

	if down {
		return false
	}
	if silent {
		return true
	}
	go t.rpc.HandleResponse(id, data, errMsg)
	return true
}

func newScriptedClient(timeout time.Duration) (*RPCClient, *scriptedTransport) {
	transport := &scriptedTransport{
		responses: make(map[string]json.RawMessage),
		errors:    make(map[string]string),
	}
	rpc := NewRPCClient(transport, timeout)
	transport.rpc = rpc
	return rpc, transport
}

func TestRequestRoundTrip(t *testing.T) {
	rpc, transport := newScriptedClient(time.Second)
	transport.responses[ActionGetCapabilities] = json.RawMessage(`{"rtp_capabilities":{}}`)

	raw, err := rpc.Request(context.Background(), ActionGetCapabilities, struct{}{})
	require.NoError(t, err)
	require.JSONEq(t, `{"rtp_capabilities":{}}`, string(raw))
	require.Equal(t, []string{ActionGetCapabilities}, transport.requests)
}

func TestRequestServerError(t *testing.T) {
	rpc, transport := newScriptedClient(time.Second)
	transport.errors[ActionProduce] = "no such transport"

	_, err := rpc.Request(context.Background(), ActionProduce, produceRequest{})
	require.EqualError(t, err, "no such transport")
}

func TestRequestTimesOut(t *testing.T) {
	rpc, transport := newScriptedClient(20 * time.Millisecond)
	transport.silent = true

	_, err := rpc.Request(context.Background(), ActionListProducers, struct{}{})
	require.ErrorIs(t, err, ErrRequestTimeout)
}

func TestRequestTransportDown(t *testing.T) {
	rpc, transport := newScriptedClient(time.Second)
	transport.down = true

	_, err := rpc.Request(context.Background(), ActionListProducers, struct{}{})
	require.ErrorIs(t, err, ErrTransportDown)
}

func TestRequestContextCancellation(t *testing.T) {
	rpc, transport := newScriptedClient(time.Minute)
	transport.silent = true

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := rpc.Request(ctx, ActionListProducers, struct{}{})
	require.ErrorIs(t, err, context.Canceled)
}

func TestLateResponseDropped(t *testing.T) {
	rpc, transport := newScriptedClient(10 * time.Millisecond)
	transport.silent = true

	_, err := rpc.Request(context.Background(), ActionConsume, consumeRequest{})
	require.ErrorIs(t, err, ErrRequestTimeout)

	// Delivering a response for an id nobody waits on must not panic or
	// leak into a later request.
	rpc.HandleResponse("stale-id", json.RawMessage(`{}`), "")
}

func TestConcurrentRequestsMatchedById(t *testing.T) {
	rpc, transport := newScriptedClient(time.Second)
	transport.responses[ActionConsume] = json.RawMessage(`{"consumer_id":"c1"}`)
	transport.responses[ActionProduce] = json.RawMessage(`{"producer_id":"p1"}`)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			raw, err := rpc.Request(context.Background(), ActionConsume, consumeRequest{})
			if err == nil && string(raw) != `{"consumer_id":"c1"}` {
				err = errors.New("wrong consume payload")
			}
			errs <- err
		}()
		go func() {
			defer wg.Done()
			raw, err := rpc.Request(context.Background(), ActionProduce, produceRequest{})
			if err == nil && string(raw) != `{"producer_id":"p1"}` {
				err = errors.New("wrong produce payload")
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}
