package mesh

import (
	"github.com/pion/sdp/v3"
	"github.com/rs/zerolog/log"
)

// capBandwidth inserts per-media bandwidth lines (b=TIAS, bits/sec and
// b=AS, kbps) into raw SDP. Shaping is best-effort: any parse or
// marshal failure returns the SDP untouched, since remote
// implementations are free to ignore the caps anyway.
func capBandwidth(raw string, audioBitrate, videoBitrate uint64) string {
	if audioBitrate == 0 && videoBitrate == 0 {
		return raw
	}
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		log.Debug().Err(err).Str("module", "mesh").Msg("bandwidth cap: sdp parse failed")
		return raw
	}
	for _, media := range desc.MediaDescriptions {
		var target uint64
		switch media.MediaName.Media {
		case "audio":
			target = audioBitrate
		case "video":
			target = videoBitrate
		}
		if target == 0 {
			continue
		}
		media.Bandwidth = []sdp.Bandwidth{
			{Type: "TIAS", Bandwidth: target},
			{Type: "AS", Bandwidth: target / 1000},
		}
	}
	out, err := desc.Marshal()
	if err != nil {
		log.Debug().Err(err).Str("module", "mesh").Msg("bandwidth cap: sdp marshal failed")
		return raw
	}
	return string(out)
}
