// Package roster tracks the participants of the current session in memory.
// It is the authoritative local view; presence events from the signaling
// channel feed it, and state snapshots read from it.
package roster

import (
	"sort"
	"sync"
	"time"

	"github.com/hearthshare/hearthcall/internal/pkg/models"
)

// Roster manages the known participants of a call or room
type Roster struct {
	participants map[string]*entry
	mu           sync.RWMutex
}

type entry struct {
	participant models.Participant
	lastSeen    time.Time
}

// New creates an empty roster
func New() *Roster {
	return &Roster{
		participants: make(map[string]*entry),
	}
}

// Upsert adds or updates a participant and refreshes its last-seen time
func (r *Roster) Upsert(p models.Participant) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.participants[p.UserID]; ok {
		// Keep the attached stream unless the update carries a new one.
		if p.Stream == nil {
			p.Stream = existing.participant.Stream
		}
	}
	r.participants[p.UserID] = &entry{participant: p, lastSeen: time.Now()}
}

// Get retrieves a participant by user ID
func (r *Roster) Get(userID string) (models.Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, exists := r.participants[userID]
	if !exists {
		return models.Participant{}, false
	}
	return e.participant, true
}

// Remove deletes a participant and reports whether it was present
func (r *Roster) Remove(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.participants[userID]; exists {
		delete(r.participants, userID)
		return true
	}
	return false
}

// Touch refreshes the last-seen time for a participant
func (r *Roster) Touch(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, exists := r.participants[userID]; exists {
		e.lastSeen = time.Now()
	}
}

// SetStream attaches a media stream to an existing participant
func (r *Roster) SetStream(userID string, stream models.MediaHandle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.participants[userID]
	if !exists {
		return false
	}
	e.participant.Stream = stream
	return true
}

// Snapshot returns all participants sorted by user ID
func (r *Roster) Snapshot() []models.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.Participant, 0, len(r.participants))
	for _, e := range r.participants {
		out = append(out, e.participant)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Count returns the number of participants
func (r *Roster) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.participants)
}

// Clear removes all participants
func (r *Roster) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.participants = make(map[string]*entry)
}

// CleanupStale removes participants not seen within the timeout and returns
// their user IDs. Presence refreshes arrive on a fixed cadence, so a silent
// participant past the timeout has lost its signaling connection.
func (r *Roster) CleanupStale(timeout time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := []string{}
	now := time.Now()

	for id, e := range r.participants {
		if now.Sub(e.lastSeen) > timeout {
			delete(r.participants, id)
			removed = append(removed, id)
		}
	}

	return removed
}
