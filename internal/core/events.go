package core

import "github.com/pulsarchat/voicelink/internal/domain"

// NoticeKind classifies non-fatal conditions surfaced to the caller.
type NoticeKind string

const (
	// NoticeDegradedConnectivity is raised when a session fails and no
	// relay-capable (TURN) transport path was configured.
	NoticeDegradedConnectivity NoticeKind = "degraded-connectivity"
	// NoticeRequestTimeout is raised when a routing-server request
	// times out; the affected operation is rolled back.
	NoticeRequestTimeout NoticeKind = "request-timeout"
)

type Notice struct {
	Kind   NoticeKind
	Detail string
}

// Quality is a connection-quality sample for one peer, taken on a
// fixed interval while detailed stats are requested.
type Quality struct {
	Peer           domain.UserID `json:"peer"`
	RTT            float64       `json:"rtt_seconds"`
	BitrateUp      float64       `json:"bitrate_up"`
	BitrateDown    float64       `json:"bitrate_down"`
	PacketLossFrac float64       `json:"packet_loss"`
}
