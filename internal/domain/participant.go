// Package domain contains entities without logic, just meta-data.
package domain

type UserID string

// Participant is a member of a voice channel as reported by the
// signal channel roster. Participants are never created locally.
type Participant struct {
	UserID      UserID `json:"user_id"`
	DisplayName string `json:"display_name"`
	Muted       bool   `json:"muted"`
	Deafened    bool   `json:"deafened"`
}

// Initiates reports whether the local side is the deterministic offer
// initiator toward peer. Exactly one side of any pair initiates; the
// choice is stable because user ids are opaque, totally ordered strings.
func Initiates(local, peer UserID) bool {
	return local < peer
}
