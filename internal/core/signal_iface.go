package core

import "github.com/pulsarchat/voicelink/internal/domain"

// SignalChannel abstracts the bidirectional control-message bus between
// participants. Owned by the adapter; the adapter must Close() it.
//
// Every send returns false when the channel is unavailable; the caller
// must not assume delivery either way.
type SignalChannel interface {
	// JoinChannel announces presence. Membership is confirmed by a
	// roster echo, not by send success.
	JoinChannel(ch domain.ChannelID) bool
	LeaveChannel(ch domain.ChannelID) bool

	Send(ch domain.ChannelID, to domain.UserID, msg SignalMessage) bool
	Broadcast(ch domain.ChannelID, msg SignalMessage) bool
	Close()
}
