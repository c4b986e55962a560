package audio

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pulsarchat/voicelink/internal/domain"
)

type speakEvent struct {
	user     domain.UserID
	speaking bool
}

func newTestDetector(threshold float64, hangover int) (*SpeakingDetector, *[]speakEvent) {
	var events []speakEvent
	d := NewSpeakingDetector(threshold, hangover, func(user domain.UserID, speaking bool) {
		events = append(events, speakEvent{user, speaking})
	})
	return d, &events
}

func TestSpeakingStartsOnFirstLoudFrame(t *testing.T) {
	d, events := newTestDetector(0.02, 5)

	d.Feed("alice", 0.01)
	require.Empty(t, *events)

	d.Feed("alice", 0.05)
	require.Equal(t, []speakEvent{{"alice", true}}, *events)
	require.Equal(t, []domain.UserID{"alice"}, d.Speaking())
}

func TestSpeakingSurvivesShortGaps(t *testing.T) {
	d, events := newTestDetector(0.02, 5)

	d.Feed("alice", 0.05)
	for i := 0; i < 4; i++ {
		d.Feed("alice", 0.001)
	}
	d.Feed("alice", 0.05)

	require.Len(t, *events, 1, "a gap shorter than the hangover must not stop speech")
	require.Equal(t, []domain.UserID{"alice"}, d.Speaking())
}

func TestSpeakingStopsAfterHangover(t *testing.T) {
	d, events := newTestDetector(0.02, 5)

	d.Feed("alice", 0.05)
	for i := 0; i < 5; i++ {
		d.Feed("alice", 0.001)
	}

	require.Equal(t, []speakEvent{{"alice", true}, {"alice", false}}, *events)
	require.Empty(t, d.Speaking())
}

func TestSpeakingLoudFrameResetsHangoverCount(t *testing.T) {
	d, _ := newTestDetector(0.02, 3)

	d.Feed("alice", 0.05)
	d.Feed("alice", 0.001)
	d.Feed("alice", 0.001)
	d.Feed("alice", 0.05)
	d.Feed("alice", 0.001)
	d.Feed("alice", 0.001)

	require.Equal(t, []domain.UserID{"alice"}, d.Speaking())
}

func TestSpeakingSetIsSorted(t *testing.T) {
	d, _ := newTestDetector(0.02, 5)

	d.Feed("zoe", 0.05)
	d.Feed("alice", 0.05)
	d.Feed("bob", 0.05)

	require.Equal(t, []domain.UserID{"alice", "bob", "zoe"}, d.Speaking())
}

func TestForgetEmitsStopOnlyForActiveSpeaker(t *testing.T) {
	d, events := newTestDetector(0.02, 5)

	d.Feed("alice", 0.05)
	d.Feed("bob", 0.001)

	d.Forget("bob")
	require.Len(t, *events, 1)

	d.Forget("alice")
	require.Equal(t, []speakEvent{{"alice", true}, {"alice", false}}, *events)
	require.Empty(t, d.Speaking())
}

func TestResetClearsWithoutEvents(t *testing.T) {
	d, events := newTestDetector(0.02, 5)

	d.Feed("alice", 0.05)
	d.Reset()

	require.Len(t, *events, 1)
	require.Empty(t, d.Speaking())
}
