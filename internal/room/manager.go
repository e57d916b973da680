// Package room implements N-way room sessions over a mesh of peer links:
// room lifecycle (create/list/join/leave), one link per remote participant,
// and the aggregate roster with per-participant media flags.
package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/hearthshare/hearthcall/internal/guard"
	"github.com/hearthshare/hearthcall/internal/history"
	"github.com/hearthshare/hearthcall/internal/media"
	"github.com/hearthshare/hearthcall/internal/peerlink"
	"github.com/hearthshare/hearthcall/internal/pkg/logger"
	"github.com/hearthshare/hearthcall/internal/pkg/models"
	"github.com/hearthshare/hearthcall/internal/roster"
	"github.com/hearthshare/hearthcall/internal/signaling"
)

var (
	// ErrRoomInactive is returned when joining a room whose last participant
	// already left.
	ErrRoomInactive = errors.New("room is inactive")

	// ErrRoomFull is returned when a room has reached the mesh bound. Every
	// participant connects to every other, so cost grows quadratically; the
	// bound keeps the mesh workable on household hardware.
	ErrRoomFull = errors.New("room is full")

	// ErrAlreadyInRoom is returned by create/join while a room session is
	// active.
	ErrAlreadyInRoom = errors.New("already in a room")

	// ErrNotInRoom is returned by leave with no active room session
	ErrNotInRoom = errors.New("not in a room")

	// ErrDestroyed is returned after Destroy
	ErrDestroyed = errors.New("room manager destroyed")
)

// Signaler is the slice of the signaling channel the manager needs
type Signaler interface {
	UserID() string
	DisplayName() string
	Send(ctx context.Context, msg models.SignalingMessage) error
	SetPresence(ctx context.Context, status models.PresenceStatus) error
}

// Recorder persists finished sessions
type Recorder interface {
	Record(rec *history.SessionRecord) error
}

// StateHandler receives a fresh snapshot on every transition
type StateHandler func(state models.CallState)

// Options configures a room manager
type Options struct {
	Guard           *guard.Guard
	MinInterval     time.Duration
	MaxAttempts     int
	MaxParticipants int
	LeaveTimeout    time.Duration
	StaleTimeout    time.Duration // silence before a disconnected peer is swept
	SweepInterval   time.Duration
	History         Recorder // optional
}

// Manager owns at most one room session at a time
type Manager struct {
	signaler Signaler
	store    *signaling.RoomStore
	links    peerlink.Factory
	capturer media.Capturer
	guard    *guard.Guard
	opts     Options
	log      *logger.Logger

	mu        sync.Mutex
	roomID    string
	roomName  string
	joinedAt  time.Time
	local     *media.LocalMedia
	conns     map[string]peerlink.Conn
	pending   map[string][]models.CandidatePayload
	members   *roster.Roster
	sweepStop chan struct{}
	destroyed bool
	onState   StateHandler
}

// NewManager creates a room manager with no active session
func NewManager(signaler Signaler, store *signaling.RoomStore, links peerlink.Factory, capturer media.Capturer, opts Options, log *logger.Logger) *Manager {
	if opts.Guard == nil {
		opts.Guard = guard.New()
	}
	if opts.MinInterval == 0 {
		opts.MinInterval = 2 * time.Second
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 5
	}
	if opts.MaxParticipants == 0 {
		opts.MaxParticipants = 6
	}
	if opts.LeaveTimeout == 0 {
		opts.LeaveTimeout = 3 * time.Second
	}
	if opts.StaleTimeout == 0 {
		opts.StaleTimeout = 90 * time.Second
	}
	if opts.SweepInterval == 0 {
		opts.SweepInterval = 15 * time.Second
	}
	return &Manager{
		signaler: signaler,
		store:    store,
		links:    links,
		capturer: capturer,
		guard:    opts.Guard,
		opts:     opts,
		log:      log.Component("Room"),
		conns:    make(map[string]peerlink.Conn),
		pending:  make(map[string][]models.CandidatePayload),
		members:  roster.New(),
	}
}

// OnStateChange registers the single snapshot consumer
func (m *Manager) OnStateChange(fn StateHandler) {
	m.mu.Lock()
	m.onState = fn
	m.mu.Unlock()
}

// InRoom reports whether a room session is active
func (m *Manager) InRoom() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.roomID != ""
}

// RoomID returns the active room's ID, empty when idle
func (m *Manager) RoomID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.roomID
}

// CreateRoom acquires local media, writes a new Room record with the caller
// as sole participant, and returns the room ID.
func (m *Manager) CreateRoom(ctx context.Context, name string, video, audio bool) (string, error) {
	res, err := m.guard.TryAcquire("createRoom", m.opts.MinInterval, m.opts.MaxAttempts)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		res.Release(false)
		return "", ErrDestroyed
	}
	if m.roomID != "" {
		m.mu.Unlock()
		res.Release(false)
		return "", ErrAlreadyInRoom
	}
	m.mu.Unlock()

	local, err := m.capturer.Capture(media.Request{Video: video, Audio: audio})
	if err != nil && !errors.Is(err, media.ErrDeviceUnavailable) {
		res.Release(false)
		return "", fmt.Errorf("acquiring local media: %w", err)
	}

	// The creator rides along in the Create write so the record is never
	// observable as active with an empty roster.
	room, err := m.store.Create(ctx, name, m.participantRecord(local))
	if err != nil {
		m.releaseMedia(local)
		res.Release(false)
		return "", fmt.Errorf("creating room: %w", err)
	}

	if err := m.enterRoom(ctx, room, local); err != nil {
		m.releaseMedia(local)
		res.Release(false)
		return "", err
	}

	res.Release(true)
	m.log.Info("Room created", "room", room.ID, "name", name)
	return room.ID, nil
}

// JoinRoom validates the room, acquires media, writes this member's
// ParticipantRecord, broadcasts room-join, and prepares one peer link per
// existing participant. Existing participants initiate the offers when they
// observe the broadcast.
func (m *Manager) JoinRoom(ctx context.Context, roomID string, video, audio bool) error {
	res, err := m.guard.TryAcquire("joinRoom", m.opts.MinInterval, m.opts.MaxAttempts)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		res.Release(false)
		return ErrDestroyed
	}
	if m.roomID != "" {
		m.mu.Unlock()
		res.Release(false)
		return ErrAlreadyInRoom
	}
	m.mu.Unlock()

	// Validate before touching any device: a failed join must not leak a
	// media capture.
	room, err := m.store.Get(ctx, roomID)
	if err != nil {
		res.Release(false)
		return err
	}
	if !room.Active {
		res.Release(false)
		return ErrRoomInactive
	}
	if room.ParticipantCount() >= m.opts.MaxParticipants {
		res.Release(false)
		return ErrRoomFull
	}

	local, err := m.capturer.Capture(media.Request{Video: video, Audio: audio})
	if err != nil && !errors.Is(err, media.ErrDeviceUnavailable) {
		res.Release(false)
		return fmt.Errorf("acquiring local media: %w", err)
	}

	if err := m.enterRoom(ctx, room, local); err != nil {
		m.releaseMedia(local)
		res.Release(false)
		return err
	}

	// Pre-create a link per existing participant so their offers and early
	// candidates have somewhere to land.
	m.mu.Lock()
	for userID := range room.Participants {
		if userID == m.signaler.UserID() {
			continue
		}
		if _, ok := m.conns[userID]; ok {
			continue
		}
		link, lerr := m.openLinkLocked(ctx, userID)
		if lerr != nil {
			m.log.Warn("Failed to prepare link", "peer", userID, "error", lerr)
			continue
		}
		m.conns[userID] = link
	}
	m.mu.Unlock()

	res.Release(true)
	m.emit()
	m.log.Info("Room joined", "room", roomID)
	return nil
}

// participantRecord builds this member's roster entry from the captured media
func (m *Manager) participantRecord(local *media.LocalMedia) models.ParticipantRecord {
	return models.ParticipantRecord{
		UserID:      m.signaler.UserID(),
		DisplayName: m.signaler.DisplayName(),
		JoinedAt:    time.Now(),
		HasVideo:    local != nil && local.HasVideo(),
		HasAudio:    local != nil && local.HasAudio(),
	}
}

// enterRoom writes this member's records and flips local session state.
// Used by both create and join after their specific preconditions pass.
// Create seeds the roster entry in the room write itself; only join needs
// the separate upsert.
func (m *Manager) enterRoom(ctx context.Context, room *models.Room, local *media.LocalMedia) error {
	record := m.participantRecord(local)
	if _, ok := room.Participants[record.UserID]; !ok {
		if _, err := m.store.UpsertParticipant(ctx, room.ID, record); err != nil {
			return fmt.Errorf("writing participant record: %w", err)
		}
	}

	msg := models.SignalingMessage{
		Type:   models.MessageRoomJoin,
		To:     models.BroadcastTarget,
		RoomID: room.ID,
	}
	payload := models.RoomEventPayload{
		DisplayName: m.signaler.DisplayName(),
		HasVideo:    record.HasVideo,
		HasAudio:    record.HasAudio,
	}
	if err := msg.SetPayload(payload); err != nil {
		return err
	}
	if err := m.signaler.Send(ctx, msg); err != nil {
		return fmt.Errorf("announcing join: %w", err)
	}

	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		// Teardown began while the join was in flight: undo the records we
		// just wrote so nothing lingers for this client.
		undoCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.LeaveTimeout)
		defer cancel()
		if _, err := m.store.RemoveParticipant(undoCtx, room.ID, m.signaler.UserID()); err != nil {
			m.log.Warn("Failed to undo join after destroy", "room", room.ID, "error", err)
		}
		leave := models.SignalingMessage{
			Type:   models.MessageRoomLeave,
			To:     models.BroadcastTarget,
			RoomID: room.ID,
		}
		m.signaler.Send(undoCtx, leave)
		return ErrDestroyed
	}
	m.roomID = room.ID
	m.roomName = room.Name
	m.joinedAt = time.Now()
	m.local = local
	m.sweepStop = make(chan struct{})
	go m.sweepLoop(m.sweepStop)
	for userID, rec := range room.Participants {
		if userID == m.signaler.UserID() {
			continue
		}
		m.members.Upsert(models.Participant{
			UserID:      rec.UserID,
			DisplayName: rec.DisplayName,
			HasVideo:    rec.HasVideo,
			HasAudio:    rec.HasAudio,
		})
	}
	m.mu.Unlock()

	m.signaler.SetPresence(ctx, models.PresenceInCall)
	m.emit()
	return nil
}

// LeaveRoom removes this member's record, announces the leave, and closes
// every link. It runs on a detached, bounded context so teardown during
// shutdown still completes instead of orphaning the ParticipantRecord.
func (m *Manager) LeaveRoom(ctx context.Context) error {
	res, err := m.guard.TryAcquire("leaveRoom", m.opts.MinInterval, m.opts.MaxAttempts)
	if err != nil {
		return err
	}
	defer res.Release(true)

	m.mu.Lock()
	roomID := m.roomID
	m.mu.Unlock()
	if roomID == "" {
		return ErrNotInRoom
	}

	leaveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.LeaveTimeout)
	defer cancel()

	if _, err := m.store.RemoveParticipant(leaveCtx, roomID, m.signaler.UserID()); err != nil {
		m.log.Warn("Failed to remove participant record", "error", err)
	}

	msg := models.SignalingMessage{
		Type:   models.MessageRoomLeave,
		To:     models.BroadcastTarget,
		RoomID: roomID,
	}
	if err := m.signaler.Send(leaveCtx, msg); err != nil {
		m.log.Warn("Failed to announce leave", "error", err)
	}

	m.exitRoom(leaveCtx, history.OutcomeCompleted)
	m.log.Info("Room left", "room", roomID)
	return nil
}

// ListActiveRooms returns active rooms, newest first. Polling read; callers
// re-invoke on their own schedule.
func (m *Manager) ListActiveRooms(ctx context.Context) ([]models.Room, error) {
	return m.store.ListActive(ctx)
}

// ToggleVideo flips the local video mute flag and propagates the new state
// to this member's shared record; false with no media.
func (m *Manager) ToggleVideo(ctx context.Context) bool {
	return m.toggle(ctx, func(l *media.LocalMedia) bool { return l.ToggleVideo() })
}

// ToggleAudio flips the local audio mute flag and propagates the new state
// to this member's shared record; false with no media.
func (m *Manager) ToggleAudio(ctx context.Context) bool {
	return m.toggle(ctx, func(l *media.LocalMedia) bool { return l.ToggleAudio() })
}

func (m *Manager) toggle(ctx context.Context, flip func(*media.LocalMedia) bool) bool {
	m.mu.Lock()
	local := m.local
	roomID := m.roomID
	joinedAt := m.joinedAt
	m.mu.Unlock()
	if local == nil {
		return false
	}

	result := flip(local)

	if roomID != "" {
		record := models.ParticipantRecord{
			UserID:      m.signaler.UserID(),
			DisplayName: m.signaler.DisplayName(),
			JoinedAt:    joinedAt,
			HasVideo:    local.VideoEnabled(),
			HasAudio:    local.AudioEnabled(),
		}
		if _, err := m.store.UpsertParticipant(ctx, roomID, record); err != nil {
			m.log.Warn("Failed to propagate media flags", "error", err)
		}

		// Re-announce so peers update mute indicators without polling the
		// room record. Receivers treat a repeat join as a flag refresh.
		msg := models.SignalingMessage{
			Type:   models.MessageRoomJoin,
			To:     models.BroadcastTarget,
			RoomID: roomID,
		}
		payload := models.RoomEventPayload{
			DisplayName: m.signaler.DisplayName(),
			HasVideo:    local.VideoEnabled(),
			HasAudio:    local.AudioEnabled(),
		}
		if err := msg.SetPayload(payload); err == nil {
			if err := m.signaler.Send(ctx, msg); err != nil {
				m.log.Warn("Failed to announce media flags", "error", err)
			}
		}
	}

	m.emit()
	return result
}

// HandleMessage feeds one room-scoped signaling message through the manager.
// Handlers are idempotent: duplicates and stale messages are dropped by
// re-checking state, never by assuming order.
func (m *Manager) HandleMessage(ctx context.Context, msg models.SignalingMessage) {
	m.mu.Lock()
	inThisRoom := m.roomID != "" && m.roomID == msg.RoomID
	if inThisRoom {
		m.members.Touch(msg.From)
	}
	m.mu.Unlock()
	if !inThisRoom {
		return
	}

	switch msg.Type {
	case models.MessageRoomJoin:
		m.handleJoin(ctx, msg)
	case models.MessageRoomLeave:
		m.handleLeave(msg)
	case models.MessageOffer:
		m.handleOffer(ctx, msg)
	case models.MessageAnswer:
		m.handleAnswer(msg)
	case models.MessageICECandidate:
		m.handleCandidate(msg)
	}
}

// handleJoin absorbs a join broadcast: upsert the roster entry, and if no
// link to the sender exists yet this side initiates the offer (the joiner
// only prepares links; incumbents start negotiation).
func (m *Manager) handleJoin(ctx context.Context, msg models.SignalingMessage) {
	var payload models.RoomEventPayload
	if err := msg.DecodePayload(&payload); err != nil {
		m.log.Warn("Malformed join", "from", msg.From, "error", err)
		return
	}

	m.mu.Lock()
	existing, known := m.members.Get(msg.From)
	p := models.Participant{
		UserID:      msg.From,
		DisplayName: payload.DisplayName,
		HasVideo:    payload.HasVideo,
		HasAudio:    payload.HasAudio,
	}
	if known {
		p.Stream = existing.Stream
	}
	m.members.Upsert(p)

	_, linked := m.conns[msg.From]
	var link peerlink.Conn
	if !linked {
		var err error
		link, err = m.openLinkLocked(ctx, msg.From)
		if err != nil {
			m.mu.Unlock()
			m.log.Error("Failed to open link to joiner", "peer", msg.From, "error", err)
			return
		}
		m.conns[msg.From] = link
		m.flushPendingLocked(msg.From, link)
	}
	m.mu.Unlock()

	if linked {
		// Repeat join from a known peer is a media-flag refresh.
		m.emit()
		return
	}

	offer, err := link.CreateOffer()
	if err != nil {
		m.log.Error("Failed to create offer", "peer", msg.From, "error", err)
		m.dropLink(msg.From)
		return
	}

	out := models.SignalingMessage{
		Type:   models.MessageOffer,
		To:     msg.From,
		RoomID: msg.RoomID,
	}
	if err := out.SetPayload(offer); err != nil {
		return
	}
	if err := m.signaler.Send(ctx, out); err != nil {
		m.log.Error("Failed to send offer", "peer", msg.From, "error", err)
		m.dropLink(msg.From)
		return
	}

	m.emit()
	m.log.Info("Participant joined", "peer", msg.From)
}

func (m *Manager) handleLeave(msg models.SignalingMessage) {
	m.mu.Lock()
	m.members.Remove(msg.From)
	link := m.conns[msg.From]
	delete(m.conns, msg.From)
	delete(m.pending, msg.From)
	m.mu.Unlock()

	if link != nil {
		link.Close()
	}
	m.emit()
	m.log.Info("Participant left", "peer", msg.From)
}

func (m *Manager) handleOffer(ctx context.Context, msg models.SignalingMessage) {
	var sdp models.SDPPayload
	if err := msg.DecodePayload(&sdp); err != nil {
		m.log.Warn("Malformed offer", "from", msg.From, "error", err)
		return
	}

	m.mu.Lock()
	link, ok := m.conns[msg.From]
	if !ok {
		// Offer outran the join broadcast; open the answering side now.
		var err error
		link, err = m.openLinkLocked(ctx, msg.From)
		if err != nil {
			m.mu.Unlock()
			m.log.Error("Failed to open link", "peer", msg.From, "error", err)
			return
		}
		m.conns[msg.From] = link
	}
	m.flushPendingLocked(msg.From, link)
	m.mu.Unlock()

	answer, err := link.HandleOffer(sdp)
	if err != nil {
		m.log.Error("Failed to handle offer", "peer", msg.From, "error", err)
		return
	}

	out := models.SignalingMessage{
		Type:   models.MessageAnswer,
		To:     msg.From,
		RoomID: msg.RoomID,
	}
	if err := out.SetPayload(answer); err != nil {
		return
	}
	if err := m.signaler.Send(ctx, out); err != nil {
		m.log.Error("Failed to send answer", "peer", msg.From, "error", err)
	}
}

func (m *Manager) handleAnswer(msg models.SignalingMessage) {
	var sdp models.SDPPayload
	if err := msg.DecodePayload(&sdp); err != nil {
		m.log.Warn("Malformed answer", "from", msg.From, "error", err)
		return
	}

	m.mu.Lock()
	link := m.conns[msg.From]
	if link != nil {
		m.flushPendingLocked(msg.From, link)
	}
	m.mu.Unlock()
	if link == nil {
		return
	}

	if err := link.HandleAnswer(sdp); err != nil {
		m.log.Warn("Failed to apply answer", "peer", msg.From, "error", err)
	}
}

func (m *Manager) handleCandidate(msg models.SignalingMessage) {
	var cand models.CandidatePayload
	if err := msg.DecodePayload(&cand); err != nil {
		m.log.Warn("Malformed candidate", "from", msg.From, "error", err)
		return
	}

	m.mu.Lock()
	link := m.conns[msg.From]
	if link == nil {
		m.pending[msg.From] = append(m.pending[msg.From], cand)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if err := link.AddCandidate(cand); err != nil && !errors.Is(err, peerlink.ErrClosed) {
		m.log.Warn("Candidate rejected", "peer", msg.From, "error", err)
	}
}

// openLinkLocked builds and wires a link to one participant. Caller holds
// m.mu; the link is not yet in m.conns.
func (m *Manager) openLinkLocked(ctx context.Context, remoteID string) (peerlink.Conn, error) {
	link, err := m.links.New(remoteID)
	if err != nil {
		return nil, err
	}

	if m.local != nil {
		if err := link.AttachTracks(m.local.Tracks()); err != nil {
			link.Close()
			return nil, err
		}
	}

	roomID := m.roomID

	// Candidates keep trickling after the join operation returns and its
	// context is canceled; sends must outlive it.
	sendCtx := context.WithoutCancel(ctx)

	link.OnCandidate(func(cand models.CandidatePayload) {
		out := models.SignalingMessage{
			Type:   models.MessageICECandidate,
			To:     remoteID,
			RoomID: roomID,
		}
		if err := out.SetPayload(cand); err != nil {
			return
		}
		if err := m.signaler.Send(sendCtx, out); err != nil {
			m.log.Warn("Failed to send candidate", "peer", remoteID, "error", err)
		}
	})

	link.OnTrack(func(track *webrtc.TrackRemote) {
		m.mu.Lock()
		current := m.conns[remoteID] == link
		if current {
			m.members.SetStream(remoteID, track)
		}
		m.mu.Unlock()
		if current {
			m.emit()
		}
	})

	link.OnStateChange(func(state webrtc.PeerConnectionState) {
		m.handleLinkState(remoteID, link, state)
	})

	return link, nil
}

// handleLinkState reacts to one participant's connection change. A single
// drop is not fatal to the room: the link goes away, the roster entry stays
// until a leave broadcast or staleness removes it.
func (m *Manager) handleLinkState(remoteID string, link peerlink.Conn, state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		m.emit()
	case webrtc.PeerConnectionStateFailed:
		m.mu.Lock()
		current := m.conns[remoteID] == link
		if current {
			delete(m.conns, remoteID)
			delete(m.pending, remoteID)
			m.members.SetStream(remoteID, nil)
		}
		m.mu.Unlock()
		if current {
			link.Close()
			m.log.Warn("Participant connection failed", "peer", remoteID)
			m.emit()
		}
	}
}

// sweepLoop removes participants whose links are gone and who have been
// silent past the stale timeout. A healthy connected link counts as a
// liveness signal; a peer that crashed without a leave broadcast has
// neither, and its roster entry would otherwise linger forever.
func (m *Manager) sweepLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.sweepStale()
		}
	}
}

func (m *Manager) sweepStale() {
	m.mu.Lock()
	for id, link := range m.conns {
		if link.ConnectionState() == webrtc.PeerConnectionStateConnected {
			m.members.Touch(id)
		}
	}
	m.mu.Unlock()

	removed := m.members.CleanupStale(m.opts.StaleTimeout)
	if len(removed) == 0 {
		return
	}
	for _, id := range removed {
		m.dropLink(id)
		m.log.Info("Swept stale participant", "peer", id)
	}
	m.emit()
}

func (m *Manager) dropLink(remoteID string) {
	m.mu.Lock()
	link := m.conns[remoteID]
	delete(m.conns, remoteID)
	delete(m.pending, remoteID)
	m.mu.Unlock()
	if link != nil {
		link.Close()
	}
}

// flushPendingLocked moves buffered candidates into the link. Caller holds
// m.mu.
func (m *Manager) flushPendingLocked(remoteID string, link peerlink.Conn) {
	pending := m.pending[remoteID]
	delete(m.pending, remoteID)
	for _, cand := range pending {
		if err := link.AddCandidate(cand); err != nil {
			m.log.Warn("Buffered candidate rejected", "peer", remoteID, "error", err)
		}
	}
}

// exitRoom clears all local session state. Idempotent.
func (m *Manager) exitRoom(ctx context.Context, outcome history.SessionOutcome) {
	m.mu.Lock()
	if m.roomID == "" && len(m.conns) == 0 && m.local == nil {
		m.mu.Unlock()
		return
	}

	roomID, roomName := m.roomID, m.roomName
	joinedAt := m.joinedAt
	conns := m.conns
	local := m.local
	if m.sweepStop != nil {
		close(m.sweepStop)
		m.sweepStop = nil
	}

	m.roomID = ""
	m.roomName = ""
	m.joinedAt = time.Time{}
	m.local = nil
	m.conns = make(map[string]peerlink.Conn)
	m.pending = make(map[string][]models.CandidatePayload)
	m.members.Clear()
	m.mu.Unlock()

	for _, link := range conns {
		link.Close()
	}
	m.releaseMedia(local)
	m.signaler.SetPresence(ctx, models.PresenceAvailable)

	if m.opts.History != nil && roomID != "" && !joinedAt.IsZero() {
		rec := &history.SessionRecord{
			Kind:      history.KindRoom,
			RoomID:    roomID,
			RoomName:  roomName,
			Outcome:   outcome,
			StartedAt: joinedAt,
			EndedAt:   time.Now(),
		}
		if err := m.opts.History.Record(rec); err != nil {
			m.log.Warn("Failed to record room history", "error", err)
		}
	}

	m.emit()
}

// EmergencyReset forcibly clears the session: close all links, drop local
// room state, clear throttles. No graceful acknowledgements are awaited;
// this is the escape hatch for indeterminate outcomes.
func (m *Manager) EmergencyReset(ctx context.Context) {
	m.log.Warn("Emergency reset")
	m.guard.ResetAll()
	m.exitRoom(ctx, history.OutcomeFailed)
}

// Destroy leaves any active room (bounded best effort) and permanently
// disables the manager. Idempotent.
func (m *Manager) Destroy(ctx context.Context) {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.destroyed = true
	inRoom := m.roomID != ""
	m.mu.Unlock()

	if inRoom {
		if err := m.LeaveRoom(ctx); err != nil {
			m.log.Warn("Leave during destroy failed", "error", err)
		}
	}
	m.EmergencyReset(ctx)
}

func (m *Manager) releaseMedia(local *media.LocalMedia) {
	if local != nil {
		local.Release()
	}
}

func (m *Manager) emit() {
	m.mu.Lock()
	fn := m.onState
	state := m.snapshotLocked()
	m.mu.Unlock()

	if fn != nil {
		fn(state)
	}
}

// snapshotLocked builds an immutable snapshot. Caller holds m.mu.
func (m *Manager) snapshotLocked() models.CallState {
	state := models.CallState{
		InRoom:   m.roomID != "",
		RoomID:   m.roomID,
		RoomName: m.roomName,
	}
	if m.roomID != "" {
		state.Participants = make(map[string]models.Participant)
		for _, p := range m.members.Snapshot() {
			state.Participants[p.UserID] = p
		}
		connected := 0
		for _, link := range m.conns {
			if link.ConnectionState() == webrtc.PeerConnectionStateConnected {
				connected++
			}
		}
		state.IsConnected = connected > 0
		state.IsConnecting = len(m.conns) > connected
	}
	if m.local != nil {
		state.LocalStream = m.local
	}
	return state.Clone()
}
