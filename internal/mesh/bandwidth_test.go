package mesh

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const testSDP = "v=0\r\n" +
	"o=- 1 1 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=rtpmap:96 H264/90000\r\n"

func TestCapBandwidthSetsPerMediaLines(t *testing.T) {
	out := capBandwidth(testSDP, 64_000, 1_500_000)

	require.Contains(t, out, "b=TIAS:64000")
	require.Contains(t, out, "b=AS:64")
	require.Contains(t, out, "b=TIAS:1500000")
	require.Contains(t, out, "b=AS:1500")
}

func TestCapBandwidthSkipsZeroTargets(t *testing.T) {
	out := capBandwidth(testSDP, 64_000, 0)

	require.Contains(t, out, "b=TIAS:64000")
	require.Equal(t, 1, strings.Count(out, "b=TIAS"))
}

func TestCapBandwidthZeroZeroUntouched(t *testing.T) {
	require.Equal(t, testSDP, capBandwidth(testSDP, 0, 0))
}

func TestCapBandwidthUnparseableReturnedVerbatim(t *testing.T) {
	require.Equal(t, "not sdp", capBandwidth("not sdp", 64_000, 0))
}
