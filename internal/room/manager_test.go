package room

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthshare/hearthcall/internal/guard"
	"github.com/hearthshare/hearthcall/internal/history"
	"github.com/hearthshare/hearthcall/internal/media"
	"github.com/hearthshare/hearthcall/internal/peerlink"
	"github.com/hearthshare/hearthcall/internal/pkg/logger"
	"github.com/hearthshare/hearthcall/internal/pkg/models"
	"github.com/hearthshare/hearthcall/internal/signaling"
)

// ---- fakes ----

type fakeSignaler struct {
	mu       sync.Mutex
	sent     []models.SignalingMessage
	presence []models.PresenceStatus
	failSend bool
	onSend   func(models.SignalingMessage)
}

func (s *fakeSignaler) UserID() string      { return "alice" }
func (s *fakeSignaler) DisplayName() string { return "Alice" }

func (s *fakeSignaler) Send(_ context.Context, msg models.SignalingMessage) error {
	s.mu.Lock()
	if s.failSend {
		s.mu.Unlock()
		return errors.New("transport down")
	}
	s.sent = append(s.sent, msg)
	hook := s.onSend
	s.mu.Unlock()
	if hook != nil {
		hook(msg)
	}
	return nil
}

func (s *fakeSignaler) SetPresence(_ context.Context, status models.PresenceStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presence = append(s.presence, status)
	return nil
}

func (s *fakeSignaler) sentOfType(t models.MessageType) []models.SignalingMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.SignalingMessage
	for _, m := range s.sent {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

type fakeConn struct {
	mu         sync.Mutex
	remoteID   string
	tracks     []webrtc.TrackLocal
	candidates []models.CandidatePayload
	answers    []models.SDPPayload
	state      webrtc.PeerConnectionState
	offered    bool
	attached   bool
	closed     bool

	onCandidate func(models.CandidatePayload)
	onTrack     func(*webrtc.TrackRemote)
	onState     func(webrtc.PeerConnectionState)
}

func (c *fakeConn) AttachTracks(tracks []webrtc.TrackLocal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return peerlink.ErrClosed
	}
	c.attached = true
	c.tracks = append(c.tracks, tracks...)
	return nil
}

func (c *fakeConn) wasAttached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attached
}

func (c *fakeConn) CreateOffer() (models.SDPPayload, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return models.SDPPayload{}, peerlink.ErrClosed
	}
	c.offered = true
	return models.SDPPayload{Type: "offer", SDP: "fake-offer"}, nil
}

func (c *fakeConn) HandleOffer(models.SDPPayload) (models.SDPPayload, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return models.SDPPayload{}, peerlink.ErrClosed
	}
	return models.SDPPayload{Type: "answer", SDP: "fake-answer"}, nil
}

func (c *fakeConn) HandleAnswer(answer models.SDPPayload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return peerlink.ErrClosed
	}
	c.answers = append(c.answers, answer)
	return nil
}

func (c *fakeConn) AddCandidate(cand models.CandidatePayload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return peerlink.ErrClosed
	}
	c.candidates = append(c.candidates, cand)
	return nil
}

func (c *fakeConn) OnCandidate(fn func(models.CandidatePayload)) { c.onCandidate = fn }
func (c *fakeConn) OnTrack(fn func(*webrtc.TrackRemote))         { c.onTrack = fn }
func (c *fakeConn) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

func (c *fakeConn) ConnectionState() webrtc.PeerConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return webrtc.PeerConnectionStateClosed
	}
	if c.state != webrtc.PeerConnectionState(0) {
		return c.state
	}
	return webrtc.PeerConnectionStateNew
}

func (c *fakeConn) setState(state webrtc.PeerConnectionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) fireState(state webrtc.PeerConnectionState) {
	c.mu.Lock()
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) sentCandidates() []models.CandidatePayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.CandidatePayload, len(c.candidates))
	copy(out, c.candidates)
	return out
}

type fakeFactory struct {
	mu      sync.Mutex
	conns   []*fakeConn
	failNew bool
}

func (f *fakeFactory) New(remoteID string) (peerlink.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNew {
		return nil, errors.New("factory down")
	}
	conn := &fakeConn{remoteID: remoteID}
	f.conns = append(f.conns, conn)
	return conn, nil
}

func (f *fakeFactory) byRemote(remoteID string) *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.conns) - 1; i >= 0; i-- {
		if f.conns[i].remoteID == remoteID {
			return f.conns[i]
		}
	}
	return nil
}

type fakeCapturer struct {
	mu       sync.Mutex
	captured []*media.LocalMedia
	err      error
}

func (c *fakeCapturer) Capture(req media.Request) (*media.LocalMedia, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	m := media.FromTracks(nil, req.Video, req.Audio, nil)
	c.captured = append(c.captured, m)
	return m, nil
}

func (c *fakeCapturer) API() *webrtc.API { return nil }

func (c *fakeCapturer) captureCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.captured)
}

func (c *fakeCapturer) allReleased() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.captured {
		if !m.Released() {
			return false
		}
	}
	return true
}

type fakeRecorder struct {
	mu      sync.Mutex
	records []*history.SessionRecord
}

func (r *fakeRecorder) Record(rec *history.SessionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

// ---- harness ----

type harness struct {
	mgr      *Manager
	signaler *fakeSignaler
	factory  *fakeFactory
	capturer *fakeCapturer
	store    *signaling.RoomStore
	recorder *fakeRecorder
}

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: "error", Format: "text"})
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		signaler: &fakeSignaler{},
		factory:  &fakeFactory{},
		capturer: &fakeCapturer{},
		store:    signaling.NewRoomStore(signaling.NewMemoryTransport(), "test-house"),
		recorder: &fakeRecorder{},
	}
	h.mgr = NewManager(h.signaler, h.store, h.factory, h.capturer, Options{
		Guard:       guard.New(),
		MinInterval: time.Millisecond,
		History:     h.recorder,
	}, testLogger())
	return h
}

// seedRoom writes a room with the given member records, bypassing the manager
func (h *harness) seedRoom(t *testing.T, name string, members ...string) string {
	t.Helper()
	require.NotEmpty(t, members)
	ctx := context.Background()
	room, err := h.store.Create(ctx, name, models.ParticipantRecord{
		UserID:      members[0],
		DisplayName: members[0],
		JoinedAt:    time.Now(),
		HasVideo:    true,
		HasAudio:    true,
	})
	require.NoError(t, err)
	for _, id := range members[1:] {
		_, err := h.store.UpsertParticipant(ctx, room.ID, models.ParticipantRecord{
			UserID:      id,
			DisplayName: id,
			JoinedAt:    time.Now(),
			HasVideo:    true,
			HasAudio:    true,
		})
		require.NoError(t, err)
	}
	return room.ID
}

func roomMessage(msgType models.MessageType, from, roomID string, payload interface{}) models.SignalingMessage {
	msg := models.SignalingMessage{
		Type:   msgType,
		From:   from,
		To:     models.BroadcastTarget,
		RoomID: roomID,
	}
	if payload != nil {
		if err := msg.SetPayload(payload); err != nil {
			panic(err)
		}
	}
	return msg
}

// ---- tests ----

func TestManager_CreateRoom(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	roomID, err := h.mgr.CreateRoom(ctx, "family dinner", true, true)
	require.NoError(t, err)
	require.NotEmpty(t, roomID)

	assert.True(t, h.mgr.InRoom())
	assert.Equal(t, roomID, h.mgr.RoomID())

	room, err := h.store.Get(ctx, roomID)
	require.NoError(t, err)
	assert.True(t, room.Active)
	assert.Equal(t, "family dinner", room.Name)
	require.Contains(t, room.Participants, "alice")
	assert.True(t, room.Participants["alice"].HasVideo)

	joins := h.signaler.sentOfType(models.MessageRoomJoin)
	require.Len(t, joins, 1)
	assert.Equal(t, roomID, joins[0].RoomID)
	assert.Equal(t, models.BroadcastTarget, joins[0].To)

	assert.Equal(t, []models.PresenceStatus{models.PresenceInCall}, h.signaler.presence)
}

func TestManager_CreateRoom_WhileInRoom(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.mgr.CreateRoom(ctx, "first", true, true)
	require.NoError(t, err)

	// Past the throttle window the in-room state is what rejects the repeat.
	time.Sleep(5 * time.Millisecond)
	_, err = h.mgr.CreateRoom(ctx, "second", true, true)
	assert.ErrorIs(t, err, ErrAlreadyInRoom)
}

func TestManager_CreateRoomTwiceWithinIntervalThrottled(t *testing.T) {
	h := newHarness(t)
	h.mgr.opts.MinInterval = 10 * time.Second
	ctx := context.Background()

	_, err := h.mgr.CreateRoom(ctx, "first", true, true)
	require.NoError(t, err)

	_, err = h.mgr.CreateRoom(ctx, "second", true, true)
	var throttled *guard.ThrottledError
	require.ErrorAs(t, err, &throttled)
	assert.Greater(t, throttled.Wait, time.Duration(0))

	// Only one room record exists.
	rooms, err := h.store.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, rooms, 1)
}

func TestManager_CreateRoom_FailureThrottlesRetry(t *testing.T) {
	h := newHarness(t)
	h.mgr.opts.MinInterval = 200 * time.Millisecond
	h.capturer.err = errors.New("camera exploded")
	ctx := context.Background()

	_, err := h.mgr.CreateRoom(ctx, "doomed", true, true)
	require.Error(t, err)

	_, err = h.mgr.CreateRoom(ctx, "doomed", true, true)
	var throttled *guard.ThrottledError
	assert.ErrorAs(t, err, &throttled)
}

func TestManager_JoinRoom(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	roomID := h.seedRoom(t, "game night", "bob", "carol")

	require.NoError(t, h.mgr.JoinRoom(ctx, roomID, true, true))
	assert.True(t, h.mgr.InRoom())

	room, err := h.store.Get(ctx, roomID)
	require.NoError(t, err)
	assert.Contains(t, room.Participants, "alice")
	assert.Equal(t, 3, room.ParticipantCount())

	// The joiner announces itself and prepares a link per incumbent, but
	// never initiates offers; incumbents do that on seeing the broadcast.
	joins := h.signaler.sentOfType(models.MessageRoomJoin)
	require.Len(t, joins, 1)
	assert.Empty(t, h.signaler.sentOfType(models.MessageOffer))

	require.NotNil(t, h.factory.byRemote("bob"))
	require.NotNil(t, h.factory.byRemote("carol"))
	assert.False(t, h.factory.byRemote("bob").offered)
}

func TestManager_JoinRoom_NotFound(t *testing.T) {
	h := newHarness(t)

	err := h.mgr.JoinRoom(context.Background(), "no-such-room", true, true)
	assert.ErrorIs(t, err, signaling.ErrRoomNotFound)

	// Validation failed before any device was touched.
	assert.Zero(t, h.capturer.captureCount())
	assert.False(t, h.mgr.InRoom())
}

func TestManager_JoinRoom_Inactive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	roomID := h.seedRoom(t, "over", "bob")
	_, err := h.store.RemoveParticipant(ctx, roomID, "bob")
	require.NoError(t, err)

	err = h.mgr.JoinRoom(ctx, roomID, true, true)
	assert.ErrorIs(t, err, ErrRoomInactive)
	assert.Zero(t, h.capturer.captureCount())
}

func TestManager_JoinRoom_Full(t *testing.T) {
	h := newHarness(t)
	h.mgr.opts.MaxParticipants = 2
	roomID := h.seedRoom(t, "packed", "bob", "carol")

	err := h.mgr.JoinRoom(context.Background(), roomID, true, true)
	assert.ErrorIs(t, err, ErrRoomFull)
	assert.Zero(t, h.capturer.captureCount())
}

func TestManager_IncumbentOffersToJoiner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	roomID, err := h.mgr.CreateRoom(ctx, "movie night", true, true)
	require.NoError(t, err)

	h.mgr.HandleMessage(ctx, roomMessage(models.MessageRoomJoin, "bob", roomID,
		models.RoomEventPayload{DisplayName: "Bob", HasVideo: true, HasAudio: true}))

	conn := h.factory.byRemote("bob")
	require.NotNil(t, conn)
	assert.True(t, conn.offered)

	offers := h.signaler.sentOfType(models.MessageOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, "bob", offers[0].To)
	assert.Equal(t, roomID, offers[0].RoomID)

	// Local tracks rode along before negotiation.
	assert.True(t, conn.wasAttached())
}

func TestManager_RepeatJoinRefreshesFlags(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	roomID, err := h.mgr.CreateRoom(ctx, "movie night", true, true)
	require.NoError(t, err)

	h.mgr.HandleMessage(ctx, roomMessage(models.MessageRoomJoin, "bob", roomID,
		models.RoomEventPayload{DisplayName: "Bob", HasVideo: true, HasAudio: true}))
	h.mgr.HandleMessage(ctx, roomMessage(models.MessageRoomJoin, "bob", roomID,
		models.RoomEventPayload{DisplayName: "Bob", HasVideo: false, HasAudio: true}))

	// One link, one offer; the repeat only updated the mute indicator.
	assert.Len(t, h.factory.conns, 1)
	assert.Len(t, h.signaler.sentOfType(models.MessageOffer), 1)
}

func TestManager_OfferBeforeJoinBroadcast(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	roomID, err := h.mgr.CreateRoom(ctx, "quick", true, true)
	require.NoError(t, err)

	offer := roomMessage(models.MessageOffer, "bob", roomID,
		models.SDPPayload{Type: "offer", SDP: "v=0"})
	offer.To = "alice"
	h.mgr.HandleMessage(ctx, offer)

	require.NotNil(t, h.factory.byRemote("bob"))
	answers := h.signaler.sentOfType(models.MessageAnswer)
	require.Len(t, answers, 1)
	assert.Equal(t, "bob", answers[0].To)
}

func TestManager_CandidateBufferedUntilLink(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	roomID, err := h.mgr.CreateRoom(ctx, "quick", true, true)
	require.NoError(t, err)

	early := roomMessage(models.MessageICECandidate, "bob", roomID,
		models.CandidatePayload{Candidate: "candidate:early"})
	early.To = "alice"
	h.mgr.HandleMessage(ctx, early)
	assert.Nil(t, h.factory.byRemote("bob"))

	offer := roomMessage(models.MessageOffer, "bob", roomID,
		models.SDPPayload{Type: "offer", SDP: "v=0"})
	offer.To = "alice"
	h.mgr.HandleMessage(ctx, offer)

	late := roomMessage(models.MessageICECandidate, "bob", roomID,
		models.CandidatePayload{Candidate: "candidate:late"})
	late.To = "alice"
	h.mgr.HandleMessage(ctx, late)

	conn := h.factory.byRemote("bob")
	require.NotNil(t, conn)
	cands := conn.sentCandidates()
	require.Len(t, cands, 2)
	assert.Equal(t, "candidate:early", cands[0].Candidate)
	assert.Equal(t, "candidate:late", cands[1].Candidate)
}

func TestManager_CandidateBeforeJoinFlushedOnJoin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	roomID, err := h.mgr.CreateRoom(ctx, "quick", true, true)
	require.NoError(t, err)

	// Bob's candidate outran his join broadcast.
	early := roomMessage(models.MessageICECandidate, "bob", roomID,
		models.CandidatePayload{Candidate: "candidate:early"})
	early.To = "alice"
	h.mgr.HandleMessage(ctx, early)
	assert.Nil(t, h.factory.byRemote("bob"))

	h.mgr.HandleMessage(ctx, roomMessage(models.MessageRoomJoin, "bob", roomID,
		models.RoomEventPayload{DisplayName: "Bob", HasVideo: true, HasAudio: true}))

	conn := h.factory.byRemote("bob")
	require.NotNil(t, conn)
	cands := conn.sentCandidates()
	require.Len(t, cands, 1)
	assert.Equal(t, "candidate:early", cands[0].Candidate)
}

func TestManager_SweepRemovesSilentDisconnectedPeer(t *testing.T) {
	h := newHarness(t)
	h.mgr.opts.StaleTimeout = 20 * time.Millisecond
	h.mgr.opts.SweepInterval = 5 * time.Millisecond
	ctx := context.Background()

	roomID, err := h.mgr.CreateRoom(ctx, "movie night", true, true)
	require.NoError(t, err)

	h.mgr.HandleMessage(ctx, roomMessage(models.MessageRoomJoin, "bob", roomID,
		models.RoomEventPayload{DisplayName: "Bob"}))
	h.mgr.HandleMessage(ctx, roomMessage(models.MessageRoomJoin, "carol", roomID,
		models.RoomEventPayload{DisplayName: "Carol"}))

	// Carol's link comes up; Bob's never does and he sends nothing more.
	h.factory.byRemote("carol").setState(webrtc.PeerConnectionStateConnected)

	require.Eventually(t, func() bool {
		_, known := h.mgr.members.Get("bob")
		return !known
	}, time.Second, 5*time.Millisecond, "silent peer without a link should be swept")

	_, known := h.mgr.members.Get("carol")
	assert.True(t, known, "a connected peer is never swept")
	assert.True(t, h.factory.byRemote("bob").isClosed())
}

func TestManager_ParticipantLeave(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	roomID, err := h.mgr.CreateRoom(ctx, "movie night", true, true)
	require.NoError(t, err)
	h.mgr.HandleMessage(ctx, roomMessage(models.MessageRoomJoin, "bob", roomID,
		models.RoomEventPayload{DisplayName: "Bob"}))

	conn := h.factory.byRemote("bob")
	require.NotNil(t, conn)

	h.mgr.HandleMessage(ctx, roomMessage(models.MessageRoomLeave, "bob", roomID, nil))

	assert.True(t, conn.isClosed())
	assert.True(t, h.mgr.InRoom(), "a peer leaving does not end our session")
}

func TestManager_LeaveRoom(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	roomID, err := h.mgr.CreateRoom(ctx, "movie night", true, true)
	require.NoError(t, err)
	h.mgr.HandleMessage(ctx, roomMessage(models.MessageRoomJoin, "bob", roomID,
		models.RoomEventPayload{DisplayName: "Bob"}))
	conn := h.factory.byRemote("bob")

	require.NoError(t, h.mgr.LeaveRoom(ctx))

	assert.False(t, h.mgr.InRoom())
	assert.True(t, conn.isClosed())
	assert.True(t, h.capturer.allReleased())

	leaves := h.signaler.sentOfType(models.MessageRoomLeave)
	require.Len(t, leaves, 1)
	assert.Equal(t, roomID, leaves[0].RoomID)

	// Our record is gone from the shared room.
	room, err := h.store.Get(ctx, roomID)
	require.NoError(t, err)
	assert.NotContains(t, room.Participants, "alice")

	assert.Equal(t, models.PresenceAvailable, h.signaler.presence[len(h.signaler.presence)-1])

	require.Len(t, h.recorder.records, 1)
	assert.Equal(t, history.KindRoom, h.recorder.records[0].Kind)
	assert.Equal(t, history.OutcomeCompleted, h.recorder.records[0].Outcome)
	assert.Equal(t, roomID, h.recorder.records[0].RoomID)
}

func TestManager_LastOutDeactivatesRoom(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	roomID, err := h.mgr.CreateRoom(ctx, "solo", true, true)
	require.NoError(t, err)
	require.NoError(t, h.mgr.LeaveRoom(ctx))

	room, err := h.store.Get(ctx, roomID)
	require.NoError(t, err)
	assert.False(t, room.Active)

	// Rejoining a deactivated room fails.
	err = h.mgr.JoinRoom(ctx, roomID, true, true)
	assert.ErrorIs(t, err, ErrRoomInactive)
}

func TestManager_LeaveRoom_NotInRoom(t *testing.T) {
	h := newHarness(t)
	err := h.mgr.LeaveRoom(context.Background())
	assert.ErrorIs(t, err, ErrNotInRoom)
}

func TestManager_ListActiveRooms(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.seedRoom(t, "active one", "bob")
	inactiveID := h.seedRoom(t, "empty one", "carol")
	_, err := h.store.RemoveParticipant(ctx, inactiveID, "carol")
	require.NoError(t, err)

	rooms, err := h.mgr.ListActiveRooms(ctx)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, "active one", rooms[0].Name)
}

func TestManager_ToggleWithoutMedia(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	assert.False(t, h.mgr.ToggleVideo(ctx))
	assert.False(t, h.mgr.ToggleAudio(ctx))
}

func TestManager_TogglePropagatesFlags(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	roomID, err := h.mgr.CreateRoom(ctx, "movie night", true, true)
	require.NoError(t, err)

	assert.False(t, h.mgr.ToggleVideo(ctx), "first toggle mutes")

	room, err := h.store.Get(ctx, roomID)
	require.NoError(t, err)
	assert.False(t, room.Participants["alice"].HasVideo)
	assert.True(t, room.Participants["alice"].HasAudio)

	// The flag change is re-announced so peers update without polling.
	joins := h.signaler.sentOfType(models.MessageRoomJoin)
	require.Len(t, joins, 2)
	var payload models.RoomEventPayload
	require.NoError(t, joins[1].DecodePayload(&payload))
	assert.False(t, payload.HasVideo)

	assert.True(t, h.mgr.ToggleVideo(ctx), "second toggle unmutes")
}

func TestManager_SingleLinkFailureIsNotFatal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	roomID, err := h.mgr.CreateRoom(ctx, "movie night", true, true)
	require.NoError(t, err)
	h.mgr.HandleMessage(ctx, roomMessage(models.MessageRoomJoin, "bob", roomID,
		models.RoomEventPayload{DisplayName: "Bob"}))
	h.mgr.HandleMessage(ctx, roomMessage(models.MessageRoomJoin, "carol", roomID,
		models.RoomEventPayload{DisplayName: "Carol"}))

	bobConn := h.factory.byRemote("bob")
	carolConn := h.factory.byRemote("carol")
	require.NotNil(t, bobConn)
	require.NotNil(t, carolConn)

	bobConn.fireState(webrtc.PeerConnectionStateFailed)

	assert.True(t, bobConn.isClosed())
	assert.False(t, carolConn.isClosed())
	assert.True(t, h.mgr.InRoom())
}

func TestManager_IgnoresOtherRoomsTraffic(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.mgr.CreateRoom(ctx, "mine", true, true)
	require.NoError(t, err)

	h.mgr.HandleMessage(ctx, roomMessage(models.MessageRoomJoin, "bob", "somebody-elses-room",
		models.RoomEventPayload{DisplayName: "Bob"}))

	assert.Nil(t, h.factory.byRemote("bob"))
	assert.Empty(t, h.signaler.sentOfType(models.MessageOffer))
}

func TestManager_EmergencyReset(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	roomID, err := h.mgr.CreateRoom(ctx, "movie night", true, true)
	require.NoError(t, err)
	h.mgr.HandleMessage(ctx, roomMessage(models.MessageRoomJoin, "bob", roomID,
		models.RoomEventPayload{DisplayName: "Bob"}))
	conn := h.factory.byRemote("bob")

	h.mgr.EmergencyReset(ctx)

	assert.False(t, h.mgr.InRoom())
	assert.True(t, conn.isClosed())
	assert.True(t, h.capturer.allReleased())

	require.NotEmpty(t, h.recorder.records)
	assert.Equal(t, history.OutcomeFailed, h.recorder.records[len(h.recorder.records)-1].Outcome)

	// Throttles are cleared; a fresh session starts immediately.
	_, err = h.mgr.CreateRoom(ctx, "take two", true, true)
	assert.NoError(t, err)
}

func TestManager_Destroy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	roomID, err := h.mgr.CreateRoom(ctx, "movie night", true, true)
	require.NoError(t, err)

	h.mgr.Destroy(ctx)

	assert.False(t, h.mgr.InRoom())
	assert.True(t, h.capturer.allReleased())

	// No orphaned participant record.
	room, err := h.store.Get(ctx, roomID)
	require.NoError(t, err)
	assert.NotContains(t, room.Participants, "alice")

	_, err = h.mgr.CreateRoom(ctx, "after death", true, true)
	assert.ErrorIs(t, err, ErrDestroyed)
	assert.ErrorIs(t, h.mgr.JoinRoom(ctx, roomID, true, true), ErrDestroyed)

	h.mgr.Destroy(ctx) // idempotent
}

func TestManager_DestroyDuringJoinLeavesNoRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	roomID := h.seedRoom(t, "movie night", "bob")

	// Teardown fires while the join announcement is on the wire.
	h.signaler.onSend = func(msg models.SignalingMessage) {
		if msg.Type == models.MessageRoomJoin {
			h.mgr.Destroy(ctx)
		}
	}

	err := h.mgr.JoinRoom(ctx, roomID, true, true)
	assert.ErrorIs(t, err, ErrDestroyed)
	assert.False(t, h.mgr.InRoom())
	assert.True(t, h.capturer.allReleased())

	room, err := h.store.Get(ctx, roomID)
	require.NoError(t, err)
	assert.NotContains(t, room.Participants, "alice")
	assert.Contains(t, room.Participants, "bob")

	// The undo announces the departure so peers that saw the join clean up.
	assert.NotEmpty(t, h.signaler.sentOfType(models.MessageRoomLeave))
}
