package signal

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pulsarchat/voicelink/internal/core"
)

func TestQueueDrainPreservesArrivalOrder(t *testing.T) {
	q := NewPendingQueue(8)

	q.Push(core.InboundSignal{ChannelID: "ch", FromUserID: "alice", Message: core.SignalMessage{SDP: "1"}})
	q.Push(core.InboundSignal{ChannelID: "ch", FromUserID: "bob", Message: core.SignalMessage{SDP: "2"}})
	q.Push(core.InboundSignal{ChannelID: "ch", FromUserID: "alice", Message: core.SignalMessage{SDP: "3"}})

	out := q.Drain("ch")
	require.Len(t, out, 3)
	require.Equal(t, "1", out[0].Message.SDP)
	require.Equal(t, "2", out[1].Message.SDP)
	require.Equal(t, "3", out[2].Message.SDP)
	require.Equal(t, 0, q.Len("ch"))
}

func TestQueueDropsOldestBeyondCap(t *testing.T) {
	q := NewPendingQueue(3)
	for i := 0; i < 5; i++ {
		q.Push(core.InboundSignal{
			ChannelID:  "ch",
			FromUserID: "alice",
			Message:    core.SignalMessage{SDP: fmt.Sprintf("%d", i)},
		})
	}

	out := q.Drain("ch")
	require.Len(t, out, 3)
	require.Equal(t, "2", out[0].Message.SDP)
	require.Equal(t, "4", out[2].Message.SDP)
}

func TestQueueChannelsAreIndependent(t *testing.T) {
	q := NewPendingQueue(8)
	q.Push(core.InboundSignal{ChannelID: "a", FromUserID: "alice"})
	q.Push(core.InboundSignal{ChannelID: "b", FromUserID: "bob"})

	require.Len(t, q.Drain("a"), 1)
	require.Equal(t, 1, q.Len("b"))
}

func TestQueueDiscard(t *testing.T) {
	q := NewPendingQueue(8)
	q.Push(core.InboundSignal{ChannelID: "ch", FromUserID: "alice"})
	q.Discard("ch")
	require.Nil(t, q.Drain("ch"))
}

func TestQueueDrainEmptyChannel(t *testing.T) {
	q := NewPendingQueue(8)
	require.Nil(t, q.Drain("nothing"))
}
