package domain

type (
	ProducerID string
	ConsumerID string
)

type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

// Producer is a routing-server handle for a published media track.
type Producer struct {
	ProducerID  ProducerID `json:"producer_id"`
	OwnerUserID UserID     `json:"owner_user_id"`
	Kind        MediaKind  `json:"kind"`
}

// Consumer is a routing-server handle for a subscribed remote track.
// A consumer is only ever created for a producer the local participant
// does not own.
type Consumer struct {
	ConsumerID ConsumerID `json:"consumer_id"`
	ProducerID ProducerID `json:"producer_id"`
}
