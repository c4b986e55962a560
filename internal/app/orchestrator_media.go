package app

import (
	"fmt"

	"github.com/pulsarchat/voicelink/internal/core"
	"github.com/pulsarchat/voicelink/internal/domain"
	signalsm "github.com/pulsarchat/voicelink/internal/signal"
)

// SetMuted stops or resumes local audio. The capture pipeline keeps
// running while muted so speaking levels stay live.
func (o *Orchestrator) SetMuted(muted bool) {
	o.mu.Lock()
	if o.deafened {
		// Deafened keeps the effective mute on either way; record the
		// wish and apply it on undeafen.
		o.prevMuted = muted
		o.mu.Unlock()
		return
	}
	o.muted = muted
	deafened := o.deafened
	o.updateIntentLocked()
	o.mu.Unlock()

	o.source.SetAudioEnabled(!muted && !deafened)
	o.logger.Info().Bool("muted", muted).Msg("mute changed")
}

// SetDeafened silences all remote audio. Deafening also mutes; the
// prior mute state is restored on undeafen.
func (o *Orchestrator) SetDeafened(deafened bool) {
	o.mu.Lock()
	if o.deafened == deafened {
		o.mu.Unlock()
		return
	}
	o.deafened = deafened
	if deafened {
		o.prevMuted = o.muted
		o.muted = true
	} else {
		o.muted = o.prevMuted
	}
	muted := o.muted
	o.updateIntentLocked()
	o.mu.Unlock()

	o.source.SetAudioEnabled(!muted && !deafened)
	for _, user := range o.router.Users() {
		if route, ok := o.router.Get(user); ok {
			route.SetMuted(deafened)
		}
	}
	o.logger.Info().Bool("deafened", deafened).Bool("muted", muted).Msg("deafen changed")
}

func (o *Orchestrator) isDeafened() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.deafened
}

// Muted reports the effective local mute state.
func (o *Orchestrator) Muted() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.muted
}

// Deafened reports the local deafen state.
func (o *Orchestrator) Deafened() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.deafened
}

func (o *Orchestrator) updateIntentLocked() {
	if o.intent != nil {
		o.intent.Muted = o.muted
		o.intent.Deafened = o.deafened
	}
}

// SetVideoSource starts sharing the camera or screen, switches between
// them, or stops sharing with VideoNone. The advertised source is
// announced before the track flows so receivers can label it.
func (o *Orchestrator) SetVideoSource(source domain.VideoSource) error {
	o.mu.Lock()
	if o.state != StateActive && o.state != StateJoining {
		o.mu.Unlock()
		return ErrNotInChannel
	}
	machine := o.machine
	channel := o.channel
	o.mu.Unlock()

	if source == domain.VideoNone {
		o.source.SetVideo(nil, domain.VideoNone, nil)
		o.announceVideoSource(channel, machine, domain.VideoNone)
		o.logger.Info().Msg("video sharing stopped")
		return nil
	}

	track, stop, err := o.captureVid(source, string(o.localID))
	if err != nil {
		return fmt.Errorf("cannot capture %s: %w", source, err)
	}

	o.announceVideoSource(channel, machine, source)
	o.source.SetVideo(track, source, stop)
	o.logger.Info().Str("source", string(source)).Msg("video sharing started")
	return nil
}

// announceVideoSource advertises the local source to the channel. Mesh
// mode announces through the machine; routed mode has no machine, so
// the broadcast goes out over the signal channel directly.
func (o *Orchestrator) announceVideoSource(channel domain.ChannelID, machine *signalsm.Machine, source domain.VideoSource) {
	if machine != nil {
		machine.AnnounceVideoSource(source)
		return
	}
	if !o.signal.Broadcast(channel, core.SignalMessage{Kind: core.SignalVideoSource, Source: source}) {
		o.logger.Warn().Str("source", string(source)).Msg("signal channel unavailable for video-source")
	}
}

// SetUserGain adjusts playback gain for one remote user.
func (o *Orchestrator) SetUserGain(user domain.UserID, gain float64) bool {
	route, ok := o.router.Get(user)
	if !ok {
		return false
	}
	route.SetGain(gain)
	return true
}
