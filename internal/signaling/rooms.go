package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/hearthshare/hearthcall/internal/pkg/models"
)

// ErrRoomNotFound is returned when a room record is missing or expired
var ErrRoomNotFound = errors.New("room not found")

// roomTTL bounds how long an abandoned room record survives. Active rooms
// are rewritten on every membership change, which refreshes the TTL.
const roomTTL = 24 * time.Hour

// RoomStore reads and writes shared room records. Updates are
// read-modify-write on a single JSON value with last-writer-wins semantics:
// the protocol keeps that safe by having each participant rewrite only its
// own roster entry plus the active flag.
type RoomStore struct {
	transport Transport
	household string
}

// NewRoomStore creates a room store for one household
func NewRoomStore(t Transport, household string) *RoomStore {
	return &RoomStore{transport: t, household: household}
}

func (s *RoomStore) roomKey(roomID string) string {
	return fmt.Sprintf("hc:%s:room:%s", s.household, roomID)
}

// Create writes a new active room seeded with its creator in a single write,
// so no observer ever sees an active room with an empty roster.
func (s *RoomStore) Create(ctx context.Context, name string, creator models.ParticipantRecord) (*models.Room, error) {
	room := &models.Room{
		ID:        uuid.New().String(),
		Name:      name,
		CreatedBy: creator.UserID,
		CreatedAt: time.Now(),
		Active:    true,
		Participants: map[string]models.ParticipantRecord{
			creator.UserID: creator,
		},
	}
	if err := s.save(ctx, room); err != nil {
		return nil, err
	}
	return room, nil
}

// Get reads a room record by ID
func (s *RoomStore) Get(ctx context.Context, roomID string) (*models.Room, error) {
	data, err := s.transport.Get(ctx, s.roomKey(roomID))
	if errors.Is(err, ErrKeyNotFound) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading room %s: %w", roomID, err)
	}

	var room models.Room
	if err := json.Unmarshal(data, &room); err != nil {
		return nil, fmt.Errorf("decoding room %s: %w", roomID, err)
	}
	if room.Participants == nil {
		room.Participants = make(map[string]models.ParticipantRecord)
	}
	return &room, nil
}

// UpsertParticipant adds or updates one participant's roster entry and marks
// the room active. Returns the room as written.
func (s *RoomStore) UpsertParticipant(ctx context.Context, roomID string, p models.ParticipantRecord) (*models.Room, error) {
	room, err := s.Get(ctx, roomID)
	if err != nil {
		return nil, err
	}

	room.Participants[p.UserID] = p
	room.Active = true

	if err := s.save(ctx, room); err != nil {
		return nil, err
	}
	return room, nil
}

// RemoveParticipant drops one participant from the roster. The last
// participant out marks the room inactive; the record itself is left to
// expire so a late listActiveRooms still resolves the ID.
func (s *RoomStore) RemoveParticipant(ctx context.Context, roomID, userID string) (*models.Room, error) {
	room, err := s.Get(ctx, roomID)
	if err != nil {
		return nil, err
	}

	delete(room.Participants, userID)
	if len(room.Participants) == 0 {
		room.Active = false
	}

	if err := s.save(ctx, room); err != nil {
		return nil, err
	}
	return room, nil
}

// SetActive flips the room's active flag
func (s *RoomStore) SetActive(ctx context.Context, roomID string, active bool) error {
	room, err := s.Get(ctx, roomID)
	if err != nil {
		return err
	}
	room.Active = active
	return s.save(ctx, room)
}

// Delete removes the room record entirely
func (s *RoomStore) Delete(ctx context.Context, roomID string) error {
	return s.transport.Delete(ctx, s.roomKey(roomID))
}

// ListActive returns all active rooms, newest first
func (s *RoomStore) ListActive(ctx context.Context) ([]models.Room, error) {
	keys, err := s.transport.Keys(ctx, s.roomKey("*"))
	if err != nil {
		return nil, fmt.Errorf("listing rooms: %w", err)
	}

	rooms := make([]models.Room, 0, len(keys))
	for _, key := range keys {
		data, err := s.transport.Get(ctx, key)
		if err != nil {
			continue
		}
		var room models.Room
		if err := json.Unmarshal(data, &room); err != nil {
			continue
		}
		if room.Active {
			rooms = append(rooms, room)
		}
	}

	sort.Slice(rooms, func(i, j int) bool {
		return rooms[i].CreatedAt.After(rooms[j].CreatedAt)
	})
	return rooms, nil
}

func (s *RoomStore) save(ctx context.Context, room *models.Room) error {
	data, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("encoding room %s: %w", room.ID, err)
	}
	if err := s.transport.Set(ctx, s.roomKey(room.ID), data, roomTTL); err != nil {
		return fmt.Errorf("writing room %s: %w", room.ID, err)
	}
	return nil
}
