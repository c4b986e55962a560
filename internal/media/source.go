// Package media acquires and holds the local microphone and
// screen/camera tracks. Downstream consumers subscribe to
// replace-in-place notifications instead of re-reading shared state.
package media

import (
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"

	"github.com/pulsarchat/voicelink/internal/domain"
)

// Source implements core.MediaSource. Only the orchestrator may
// reacquire or replace tracks.
type Source struct {
	mu          sync.Mutex
	audio       webrtc.TrackLocal
	video       webrtc.TrackLocal
	videoSource domain.VideoSource

	audioEnabled atomic.Bool
	setGate      func(bool)
	stopAudio    func()
	stopVideo    func()

	audioSubs []func(webrtc.TrackLocal)
	videoSubs []func(webrtc.TrackLocal)
}

func NewSource() *Source {
	s := &Source{videoSource: domain.VideoNone}
	s.audioEnabled.Store(true)
	return s
}

// SetAudio installs the microphone track. gate toggles whether captured
// audio actually flows; stop releases the capture device.
func (s *Source) SetAudio(track webrtc.TrackLocal, gate func(bool), stop func()) {
	s.mu.Lock()
	if s.stopAudio != nil {
		s.stopAudio()
	}
	s.audio = track
	s.setGate = gate
	s.stopAudio = stop
	subs := append([]func(webrtc.TrackLocal){}, s.audioSubs...)
	s.mu.Unlock()

	if gate != nil {
		gate(s.audioEnabled.Load())
	}
	for _, fn := range subs {
		fn(track)
	}
}

// SetVideo installs (or, with a nil track, clears) the screen/camera
// track.
func (s *Source) SetVideo(track webrtc.TrackLocal, source domain.VideoSource, stop func()) {
	s.mu.Lock()
	if s.stopVideo != nil {
		s.stopVideo()
	}
	s.video = track
	s.videoSource = source
	s.stopVideo = stop
	subs := append([]func(webrtc.TrackLocal){}, s.videoSubs...)
	s.mu.Unlock()

	for _, fn := range subs {
		fn(track)
	}
}

func (s *Source) AudioTrack() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audio
}

func (s *Source) VideoTrack() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.video
}

func (s *Source) VideoSource() domain.VideoSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.videoSource
}

// SetAudioEnabled gates outgoing audio without touching transport.
func (s *Source) SetAudioEnabled(enabled bool) {
	s.audioEnabled.Store(enabled)
	s.mu.Lock()
	gate := s.setGate
	s.mu.Unlock()
	if gate != nil {
		gate(enabled)
	}
	log.Debug().Str("module", "media.source").Bool("enabled", enabled).Msg("audio gate")
}

func (s *Source) AudioEnabled() bool { return s.audioEnabled.Load() }

func (s *Source) OnAudioReplaced(fn func(webrtc.TrackLocal)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audioSubs = append(s.audioSubs, fn)
}

func (s *Source) OnVideoReplaced(fn func(webrtc.TrackLocal)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.videoSubs = append(s.videoSubs, fn)
}

// Close stops all capture. Idempotent.
func (s *Source) Close() {
	s.mu.Lock()
	stopAudio, stopVideo := s.stopAudio, s.stopVideo
	s.stopAudio, s.stopVideo = nil, nil
	s.audio, s.video = nil, nil
	s.videoSource = domain.VideoNone
	s.mu.Unlock()
	if stopAudio != nil {
		stopAudio()
	}
	if stopVideo != nil {
		stopVideo()
	}
}
