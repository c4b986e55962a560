package sfu

import (
	"context"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/pulsarchat/voicelink/internal/domain"
)

func newUnstartedClient() (*Client, *scriptedTransport) {
	rpc, transport := newScriptedClient(time.Second)
	return NewClient(Config{}, rpc, "me"), transport
}

func TestSyncBeforeStartFails(t *testing.T) {
	c, _ := newUnstartedClient()
	require.ErrorIs(t, c.SyncProducers(context.Background()), ErrNotStarted)
}

func TestOwnProducerNeverConsumed(t *testing.T) {
	c, transport := newUnstartedClient()

	err := c.addProducer(context.Background(), domain.Producer{
		ProducerID:  "p1",
		OwnerUserID: "me",
		Kind:        domain.KindAudio,
	})
	require.NoError(t, err)
	require.Empty(t, transport.requests, "own producers must not trigger consume requests")
	require.Empty(t, c.Consumers())
}

func TestReplaceNilTrackWithoutProducerIsNoop(t *testing.T) {
	c, transport := newUnstartedClient()

	require.NoError(t, c.ReplaceTrack(context.Background(), domain.KindVideo, nil))
	require.Empty(t, transport.requests)
}

func TestProducerRemovedFiresOwnerGoneOnce(t *testing.T) {
	c, _ := newUnstartedClient()

	var gone []domain.UserID
	c.OnOwnerGone(func(owner domain.UserID) { gone = append(gone, owner) })

	c.mu.Lock()
	c.owners["p1"] = "alice"
	c.owners["p2"] = "alice"
	c.consumers["p1"] = domain.Consumer{ConsumerID: "c1", ProducerID: "p1"}
	c.consumers["p2"] = domain.Consumer{ConsumerID: "c2", ProducerID: "p2"}
	c.mu.Unlock()

	c.HandleProducerRemoved("p1")
	require.Empty(t, gone, "alice still owns p2")

	c.HandleProducerRemoved("p2")
	require.Equal(t, []domain.UserID{"alice"}, gone)
	require.Empty(t, c.Consumers())
}

func TestProducerRemovedUnknownIdIsNoop(t *testing.T) {
	c, _ := newUnstartedClient()

	fired := false
	c.OnOwnerGone(func(domain.UserID) { fired = true })

	c.HandleProducerRemoved("never-seen")
	require.False(t, fired)
}

func TestFailedConsumeLeavesNoPhantomOwner(t *testing.T) {
	c, transport := newUnstartedClient()
	transport.errors[ActionConsume] = "no such producer"

	downlink, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	defer downlink.Close()
	c.mu.Lock()
	c.downlink, c.downlinkID = downlink, "t-recv"
	c.mu.Unlock()

	var gone []domain.UserID
	c.OnOwnerGone(func(owner domain.UserID) { gone = append(gone, owner) })

	err = c.addProducer(context.Background(), domain.Producer{
		ProducerID:  "p1",
		OwnerUserID: "alice",
		Kind:        domain.KindAudio,
	})
	require.Error(t, err)

	c.mu.Lock()
	_, hasOwner := c.owners["p1"]
	c.mu.Unlock()
	require.False(t, hasOwner, "failed consume must not record ownership")

	c.HandleProducerRemoved("p1")
	require.Empty(t, gone)
}

func TestReportsCoverBothTransports(t *testing.T) {
	c, _ := newUnstartedClient()
	require.Empty(t, c.Reports(), "no transports before start")

	uplink, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	defer uplink.Close()
	downlink, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	defer downlink.Close()

	c.mu.Lock()
	c.uplink, c.downlink = uplink, downlink
	c.mu.Unlock()

	reports := c.Reports()
	require.Len(t, reports, 2)
	require.Contains(t, reports, UplinkPeer)
	require.Contains(t, reports, DownlinkPeer)
}

func TestStopIsIdempotent(t *testing.T) {
	c, transport := newUnstartedClient()

	c.Stop(context.Background())
	c.Stop(context.Background())
	require.Empty(t, transport.requests)
}
