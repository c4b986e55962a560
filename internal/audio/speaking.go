package audio

import (
	"sort"
	"sync"

	"github.com/pulsarchat/voicelink/internal/domain"
)

// SpeakingDetector derives a debounced "speaking" set from a stream of
// per-user energy levels. A user starts speaking on the first frame
// above threshold and stops only after hangover consecutive frames
// below it, which absorbs the natural gaps between words.
type SpeakingDetector struct {
	threshold float64
	hangover  int

	mu     sync.Mutex
	states map[domain.UserID]*speakState

	onChange func(domain.UserID, bool)
}

type speakState struct {
	active bool
	below  int
}

func NewSpeakingDetector(threshold float64, hangover int, onChange func(domain.UserID, bool)) *SpeakingDetector {
	if threshold <= 0 {
		threshold = 0.02
	}
	if hangover <= 0 {
		hangover = 25
	}
	return &SpeakingDetector{
		threshold: threshold,
		hangover:  hangover,
		states:    make(map[domain.UserID]*speakState),
		onChange:  onChange,
	}
}

// Feed records one energy sample for user.
func (d *SpeakingDetector) Feed(user domain.UserID, level float64) {
	d.mu.Lock()
	st, ok := d.states[user]
	if !ok {
		st = &speakState{}
		d.states[user] = st
	}

	var changed, nowActive bool
	if level >= d.threshold {
		st.below = 0
		if !st.active {
			st.active = true
			changed, nowActive = true, true
		}
	} else if st.active {
		st.below++
		if st.below >= d.hangover {
			st.active = false
			st.below = 0
			changed, nowActive = true, false
		}
	}
	d.mu.Unlock()

	if changed {
		if fn := d.onChange; fn != nil {
			fn(user, nowActive)
		}
	}
}

// Speaking returns the current speaking user ids, sorted for stable
// presentation.
func (d *SpeakingDetector) Speaking() []domain.UserID {
	d.mu.Lock()
	out := make([]domain.UserID, 0, len(d.states))
	for user, st := range d.states {
		if st.active {
			out = append(out, user)
		}
	}
	d.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Forget clears state for a departed user, emitting a stop event if
// they were mid-speech.
func (d *SpeakingDetector) Forget(user domain.UserID) {
	d.mu.Lock()
	st, ok := d.states[user]
	wasActive := ok && st.active
	delete(d.states, user)
	d.mu.Unlock()
	if wasActive {
		if fn := d.onChange; fn != nil {
			fn(user, false)
		}
	}
}

// Reset clears all state without emitting events.
func (d *SpeakingDetector) Reset() {
	d.mu.Lock()
	d.states = make(map[domain.UserID]*speakState)
	d.mu.Unlock()
}
