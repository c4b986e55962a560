package media

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/hraban/opus"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/x264"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/mediadevices/pkg/wave"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"

	"github.com/pulsarchat/voicelink/internal/domain"
)

const (
	captureSampleRate = 48000
	captureChannels   = 1
	frameSamples      = 960 // 20ms at 48kHz
	frameDuration     = 20 * time.Millisecond
)

var ErrNoAudioTrack = errors.New("no audio track in capture stream")

// Microphone is a gated microphone capture: raw PCM is pulled from the
// capture device, level-reported, opus-encoded while the gate is open,
// and written into a static sample track shared by every transport.
type Microphone struct {
	Track *webrtc.TrackLocalStaticSample

	gate atomic.Bool
	stop chan struct{}
}

// CaptureMicrophone acquires the default microphone. streamID carries
// the local user id so routed-mode receivers can attribute the stream.
// onLevel receives the normalized energy of every captured frame,
// gated or not, so local speaking detection keeps working while muted.
func CaptureMicrophone(streamID string, onLevel func(float64)) (*Microphone, error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			c.SampleRate = prop.Int(captureSampleRate)
			c.ChannelCount = prop.Int(captureChannels)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("microphone unavailable: %w", err)
	}
	audioTracks := stream.GetAudioTracks()
	if len(audioTracks) == 0 {
		return nil, ErrNoAudioTrack
	}
	capture, ok := audioTracks[0].(*mediadevices.AudioTrack)
	if !ok {
		return nil, ErrNoAudioTrack
	}

	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: captureSampleRate,
		Channels:  captureChannels,
	}, "audio", streamID)
	if err != nil {
		capture.Close()
		return nil, err
	}

	encoder, err := opus.NewEncoder(captureSampleRate, captureChannels, opus.AppVoIP)
	if err != nil {
		capture.Close()
		return nil, err
	}

	mic := &Microphone{Track: track, stop: make(chan struct{})}
	mic.gate.Store(true)
	go mic.pump(capture, encoder, onLevel)
	return mic, nil
}

// SetEnabled opens or closes the gate. Capture continues either way.
func (m *Microphone) SetEnabled(enabled bool) { m.gate.Store(enabled) }

// Close releases the capture device. Idempotent.
func (m *Microphone) Close() {
	if m.stop == nil {
		return
	}
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
}

func (m *Microphone) pump(capture *mediadevices.AudioTrack, encoder *opus.Encoder, onLevel func(float64)) {
	defer capture.Close()

	reader := capture.NewReader(false)
	frame := make([]int16, 0, frameSamples)
	encoded := make([]byte, 1400)

	for {
		select {
		case <-m.stop:
			return
		default:
		}

		chunk, release, err := reader.Read()
		if err != nil {
			log.Warn().Err(err).Str("module", "media.capture").Msg("microphone read ended")
			return
		}
		frame = appendPCM(frame, chunk)
		release()

		for len(frame) >= frameSamples {
			out := frame[:frameSamples]
			if onLevel != nil {
				onLevel(level(out))
			}
			if m.gate.Load() {
				n, err := encoder.Encode(out, encoded)
				if err != nil {
					log.Debug().Err(err).Str("module", "media.capture").Msg("opus encode failed")
				} else if err := m.Track.WriteSample(media.Sample{
					Data:     append([]byte(nil), encoded[:n]...),
					Duration: frameDuration,
				}); err != nil {
					log.Debug().Err(err).Str("module", "media.capture").Msg("write sample failed")
				}
			}
			frame = append(frame[:0], frame[frameSamples:]...)
		}
	}
}

// appendPCM downmixes a capture chunk to mono int16.
func appendPCM(dst []int16, chunk wave.Audio) []int16 {
	switch c := chunk.(type) {
	case *wave.Int16Interleaved:
		step := c.Size.Channels
		for i := 0; i < c.Size.Len; i++ {
			dst = append(dst, c.Data[i*step])
		}
	case *wave.Float32Interleaved:
		step := c.Size.Channels
		for i := 0; i < c.Size.Len; i++ {
			dst = append(dst, int16(c.Data[i*step]*32767))
		}
	default:
		info := chunk.ChunkInfo()
		for i := 0; i < info.Len; i++ {
			dst = append(dst, int16(wave.Int16SampleFormat.Convert(chunk.At(i, 0)).(wave.Int16Sample)))
		}
	}
	return dst
}

func level(pcm []int16) float64 {
	if len(pcm) == 0 {
		return 0
	}
	var sum float64
	for _, s := range pcm {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum/float64(len(pcm))) / math.MaxInt16
}

// CaptureVideo acquires a camera or screen track, encoded for
// transport. The returned mediadevices track plugs into AddTrack
// directly.
func CaptureVideo(source domain.VideoSource, streamID string) (mediadevices.Track, func(), error) {
	x264Params, err := x264.NewParams()
	if err != nil {
		return nil, nil, err
	}
	x264Params.BitRate = 1_500_000

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&x264Params),
	)

	var stream mediadevices.MediaStream
	constraints := mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {},
		Codec: selector,
	}
	switch source {
	case domain.VideoCamera:
		stream, err = mediadevices.GetUserMedia(constraints)
	case domain.VideoScreen:
		stream, err = mediadevices.GetDisplayMedia(constraints)
	default:
		return nil, nil, fmt.Errorf("unsupported video source %q", source)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%s unavailable: %w", source, err)
	}

	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, nil, errors.New("no video track in capture stream")
	}
	track := tracks[0]
	stop := func() {
		if err := track.Close(); err != nil {
			log.Debug().Err(err).Str("module", "media.capture").Msg("video track close")
		}
	}
	return track, stop, nil
}
