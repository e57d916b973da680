package models

import "time"

// PresenceStatus is a user's availability marker
type PresenceStatus string

const (
	PresenceAvailable PresenceStatus = "available"
	PresenceBusy      PresenceStatus = "busy"
	PresenceInCall    PresenceStatus = "in-call"
)

// PresenceRecord is the ephemeral per-user availability record. It is owned
// by the user that writes it and deleted on clean disconnect; a record that
// outlives its TTL without a delete is a recoverable inconsistency, not an
// error (the transport has no server-side disconnect detection).
type PresenceRecord struct {
	UserID      string         `json:"userId"`
	Status      PresenceStatus `json:"status"`
	LastUpdated time.Time      `json:"lastUpdated"`
}

// ParticipantRecord is one room member's entry in the shared roster.
// Written only by the participant it describes; read by all room members.
type ParticipantRecord struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	JoinedAt    time.Time `json:"joinedAt"`
	HasVideo    bool      `json:"hasVideo"`
	HasAudio    bool      `json:"hasAudio"`
}

// Room is the shared room record. Created by the creator's client, mutated
// by joining/leaving participants (each client rewrites only its own
// participant entry and the active flag).
type Room struct {
	ID           string                       `json:"id"`
	Name         string                       `json:"name"`
	CreatedBy    string                       `json:"createdBy"`
	CreatedAt    time.Time                    `json:"createdAt"`
	Active       bool                         `json:"active"`
	Participants map[string]ParticipantRecord `json:"participants"`
}

// ParticipantCount returns the number of participants in the room
func (r *Room) ParticipantCount() int {
	return len(r.Participants)
}
