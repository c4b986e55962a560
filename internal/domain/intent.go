package domain

// ReconnectIntent captures the last-known desired voice state. It is
// recorded while a voice session is active and consumed once a rejoin
// succeeds or the channel is confirmed no longer a voice channel.
type ReconnectIntent struct {
	ChannelID ChannelID
	Muted     bool
	Deafened  bool
}
