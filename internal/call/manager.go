// Package call implements the 1:1 call state machine: Idle, Calling,
// Receiving, Connecting, Connected. One signaling channel, one peer link,
// one outstanding call at a time.
package call

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
)

// Phase is the call state machine's current state
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseCalling
	PhaseReceiving
	PhaseConnecting
	PhaseConnected
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseCalling:
		return "calling"
	case PhaseReceiving:
		return "receiving"
	case PhaseConnecting:
		return "connecting"
	case PhaseConnected:
		return "connected"
	default:
		return "unknown"
	}
}

var (
	// ErrBusy is returned when a call operation is attempted in a state
	// that forbids it.
	ErrBusy = errors.New("call operation in progress")

	// ErrNoIncomingCall is returned by accept/reject with nothing to answer
	ErrNoIncomingCall = errors.New("no incoming call")

	// ErrDestroyed is returned after Destroy
	ErrDestroyed = errors.New("call manager destroyed")
)

// Signaler is the slice of the signaling channel the manager needs
type Signaler interface {
	UserID() string
	DisplayName() string
	Send(ctx context.Context, msg models.SignalingMessage) error
	SetPresence(ctx context.Context, status models.PresenceStatus) error
}

// Recorder persists finished sessions. May be satisfied by a nil-guarded
// no-op in tests.
type Recorder interface {
	Record(rec *history.SessionRecord) error
}

// StateHandler receives a fresh snapshot on every transition. Each snapshot
// replaces the previous one wholesale.
type StateHandler func(state models.CallState)

// Options configures a call manager
type Options struct {
	Guard       *guard.Guard
	MinInterval time.Duration
	MaxAttempts int
	History     Recorder // optional
}

// Manager drives one 1:1 call at a time
type Manager struct {
	signaler Signaler
	links    peerlink.Factory
	capturer media.Capturer
	guard    *guard.Guard
	opts     Options
	log      *logger.Logger

	mu        sync.Mutex
	phase     Phase
	peerID    string
	peerName  string
	link      peerlink.Conn
	local     *media.LocalMedia
	remote    models.MediaHandle
	caller    *models.CallerInfo
	startedAt time.Time
	pending   []models.CandidatePayload
	destroyed bool
	onState   StateHandler
}

// NewManager creates an idle call manager
func NewManager(signaler Signaler, links peerlink.Factory, capturer media.Capturer, opts Options, log *logger.Logger) *Manager {
	if opts.Guard == nil {
		opts.Guard = guard.New()
	}
	if opts.MinInterval == 0 {
		opts.MinInterval = 2 * time.Second
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 5
	}
	return &Manager{
		signaler: signaler,
		links:    links,
		capturer: capturer,
		guard:    opts.Guard,
		opts:     opts,
		log:      log.Component("Call"),
	}
}

// OnStateChange registers the single snapshot consumer
func (m *Manager) OnStateChange(fn StateHandler) {
	m.mu.Lock()
	m.onState = fn
	m.mu.Unlock()
}

// Phase returns the current state machine phase
func (m *Manager) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// StartCall acquires local media and broadcasts a call request. Rejected
// synchronously unless the manager is Idle.
func (m *Manager) StartCall(ctx context.Context, video, audio bool) error {
	res, err := m.guard.TryAcquire("startCall", m.opts.MinInterval, m.opts.MaxAttempts)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		res.Release(false)
		return ErrDestroyed
	}
	if m.phase != PhaseIdle {
		m.mu.Unlock()
		res.Release(false)
		return fmt.Errorf("%w: cannot start call while %s", ErrBusy, m.phase)
	}
	m.mu.Unlock()

	local, err := m.capturer.Capture(media.Request{Video: video, Audio: audio})
	if err != nil && !errors.Is(err, media.ErrDeviceUnavailable) {
		res.Release(false)
		return fmt.Errorf("acquiring local media: %w", err)
	}

	msg := models.SignalingMessage{
		Type: models.MessageCallRequest,
		To:   models.BroadcastTarget,
	}
	payload := models.CallRequestPayload{
		DisplayName: m.signaler.DisplayName(),
		Video:       video,
		Audio:       audio,
	}
	if err := msg.SetPayload(payload); err != nil {
		m.releaseMedia(local)
		res.Release(false)
		return err
	}
	if err := m.signaler.Send(ctx, msg); err != nil {
		m.releaseMedia(local)
		res.Release(false)
		return fmt.Errorf("sending call request: %w", err)
	}

	m.mu.Lock()
	m.phase = PhaseCalling
	m.local = local
	m.startedAt = time.Now()
	m.mu.Unlock()

	m.signaler.SetPresence(ctx, models.PresenceBusy)
	m.emit()
	res.Release(true)

	m.log.Info("Call started", "video", video, "audio", audio)
	return nil
}

// AcceptCall answers the pending incoming call: acquires media, opens the
// peer link so early candidates have somewhere to buffer, and broadcasts
// call-accept.
func (m *Manager) AcceptCall(ctx context.Context) error {
	res, err := m.guard.TryAcquire("acceptCall", m.opts.MinInterval, m.opts.MaxAttempts)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		res.Release(false)
		return ErrDestroyed
	}
	if m.phase != PhaseReceiving || m.caller == nil {
		phase := m.phase
		m.mu.Unlock()
		res.Release(false)
		if phase == PhaseIdle {
			return ErrNoIncomingCall
		}
		return fmt.Errorf("%w: cannot accept while %s", ErrBusy, phase)
	}
	callerID := m.caller.UserID
	m.mu.Unlock()

	local, err := m.capturer.Capture(media.Request{Video: true, Audio: true})
	if err != nil && !errors.Is(err, media.ErrDeviceUnavailable) {
		res.Release(false)
		return fmt.Errorf("acquiring local media: %w", err)
	}

	link, err := m.openLink(ctx, callerID, local)
	if err != nil {
		m.releaseMedia(local)
		res.Release(false)
		return err
	}

	msg := models.SignalingMessage{
		Type: models.MessageCallAccept,
		To:   callerID,
	}
	if perr := msg.SetPayload(models.CallRequestPayload{DisplayName: m.signaler.DisplayName()}); perr != nil {
		link.Close()
		m.releaseMedia(local)
		res.Release(false)
		return perr
	}
	if err := m.signaler.Send(ctx, msg); err != nil {
		link.Close()
		m.releaseMedia(local)
		res.Release(false)
		return fmt.Errorf("sending call accept: %w", err)
	}

	m.mu.Lock()
	// Re-check before committing: the call may have been withdrawn, or a
	// parallel handler may have raced this accept, while the lock was
	// dropped for capture and negotiation.
	if m.phase != PhaseReceiving || m.caller == nil || m.caller.UserID != callerID {
		m.mu.Unlock()
		link.Close()
		m.releaseMedia(local)
		res.Release(false)
		return ErrNoIncomingCall
	}
	m.phase = PhaseConnecting
	m.local = local
	m.link = link
	m.peerID = callerID
	if m.caller != nil {
		m.peerName = m.caller.DisplayName
	}
	m.startedAt = time.Now()
	m.flushPendingLocked(link)
	m.mu.Unlock()

	m.signaler.SetPresence(ctx, models.PresenceBusy)
	m.emit()
	res.Release(true)
	m.log.Info("Call accepted", "peer", callerID)
	return nil
}

// RejectCall declines the pending incoming call and returns to Idle
func (m *Manager) RejectCall(ctx context.Context) error {
	m.mu.Lock()
	if m.phase != PhaseReceiving || m.caller == nil {
		m.mu.Unlock()
		return ErrNoIncomingCall
	}
	callerID := m.caller.UserID
	m.mu.Unlock()

	msg := models.SignalingMessage{
		Type: models.MessageCallReject,
		To:   callerID,
	}
	if err := m.signaler.Send(ctx, msg); err != nil {
		m.log.Warn("Failed to send call reject", "error", err)
	}

	m.teardown(ctx, history.OutcomeRejected)
	return nil
}

// EndCall hangs up from any state and returns to Idle. Calling it while
// already Idle is a no-op.
func (m *Manager) EndCall(ctx context.Context) error {
	m.mu.Lock()
	if m.phase == PhaseIdle {
		m.mu.Unlock()
		return nil
	}
	peerID := m.peerID
	if peerID == "" && m.caller != nil {
		peerID = m.caller.UserID
	}
	m.mu.Unlock()

	to := peerID
	if to == "" {
		// Never negotiated with anyone specific; retract the broadcast.
		to = models.BroadcastTarget
	}
	msg := models.SignalingMessage{Type: models.MessageCallEnd, To: to}
	if err := m.signaler.Send(ctx, msg); err != nil {
		m.log.Warn("Failed to send call end", "error", err)
	}

	m.teardown(ctx, history.OutcomeCompleted)
	return nil
}

// ToggleVideo flips the local video mute flag; false with no media
func (m *Manager) ToggleVideo() bool {
	m.mu.Lock()
	local := m.local
	m.mu.Unlock()
	if local == nil {
		return false
	}
	enabled := local.ToggleVideo()
	m.emit()
	return enabled
}

// ToggleAudio flips the local audio mute flag; false with no media
func (m *Manager) ToggleAudio() bool {
	m.mu.Lock()
	local := m.local
	m.mu.Unlock()
	if local == nil {
		return false
	}
	enabled := local.ToggleAudio()
	m.emit()
	return enabled
}

// HandleMessage feeds one inbound signaling message through the state
// machine. Handlers are idempotent and re-check state: the bus reorders and
// occasionally duplicates.
func (m *Manager) HandleMessage(ctx context.Context, msg models.SignalingMessage) {
	switch msg.Type {
	case models.MessageCallRequest:
		m.handleCallRequest(ctx, msg)
	case models.MessageCallAccept:
		m.handleCallAccept(ctx, msg)
	case models.MessageCallReject:
		m.handleCallReject(ctx, msg)
	case models.MessageCallEnd:
		m.handleCallEnd(ctx, msg)
	case models.MessageOffer:
		m.handleOffer(ctx, msg)
	case models.MessageAnswer:
		m.handleAnswer(msg)
	case models.MessageICECandidate:
		m.handleCandidate(msg)
	}
}

func (m *Manager) handleCallRequest(ctx context.Context, msg models.SignalingMessage) {
	var payload models.CallRequestPayload
	if err := msg.DecodePayload(&payload); err != nil {
		m.log.Warn("Malformed call request", "from", msg.From, "error", err)
		return
	}

	m.mu.Lock()
	if m.destroyed || m.phase != PhaseIdle {
		// Already in a call (or the duplicate of a request we answered).
		alreadyFrom := m.caller != nil && m.caller.UserID == msg.From
		m.mu.Unlock()
		if !alreadyFrom {
			reject := models.SignalingMessage{Type: models.MessageCallReject, To: msg.From}
			if err := m.signaler.Send(ctx, reject); err != nil {
				m.log.Warn("Failed to send busy reject", "error", err)
			}
		}
		return
	}
	m.phase = PhaseReceiving
	m.caller = &models.CallerInfo{UserID: msg.From, DisplayName: payload.DisplayName}
	m.mu.Unlock()

	m.emit()
	m.log.Info("Incoming call", "from", msg.From)
}

func (m *Manager) handleCallAccept(ctx context.Context, msg models.SignalingMessage) {
	m.mu.Lock()
	if m.phase != PhaseCalling {
		m.mu.Unlock()
		return
	}
	local := m.local
	m.mu.Unlock()

	link, err := m.openLink(ctx, msg.From, local)
	if err != nil {
		m.log.Error("Failed to open peer link", "peer", msg.From, "error", err)
		m.teardown(ctx, history.OutcomeFailed)
		return
	}

	offer, err := link.CreateOffer()
	if err != nil {
		m.log.Error("Failed to create offer", "error", err)
		link.Close()
		m.teardown(ctx, history.OutcomeFailed)
		return
	}

	m.mu.Lock()
	if m.phase != PhaseCalling {
		// Ended while negotiating; drop the late link.
		m.mu.Unlock()
		link.Close()
		return
	}
	m.phase = PhaseConnecting
	m.link = link
	m.peerID = msg.From
	var payload models.CallRequestPayload
	if perr := msg.DecodePayload(&payload); perr == nil {
		m.peerName = payload.DisplayName
	}
	m.flushPendingLocked(link)
	m.mu.Unlock()

	out := models.SignalingMessage{Type: models.MessageOffer, To: msg.From}
	if err := out.SetPayload(models.SDPPayload{Type: offer.Type, SDP: offer.SDP}); err == nil {
		if err := m.signaler.Send(ctx, out); err != nil {
			m.log.Error("Failed to send offer", "error", err)
			m.teardown(ctx, history.OutcomeFailed)
			return
		}
	}

	m.emit()
	m.log.Info("Call accepted by peer", "peer", msg.From)
}

func (m *Manager) handleCallReject(ctx context.Context, msg models.SignalingMessage) {
	m.mu.Lock()
	relevant := m.phase == PhaseCalling ||
		(m.phase == PhaseConnecting && m.peerID == msg.From)
	m.mu.Unlock()
	if !relevant {
		return
	}

	m.log.Info("Call rejected", "by", msg.From)
	m.teardown(ctx, history.OutcomeRejected)
}

func (m *Manager) handleCallEnd(ctx context.Context, msg models.SignalingMessage) {
	m.mu.Lock()
	phase := m.phase
	relevant := phase != PhaseIdle &&
		(m.peerID == msg.From || (m.caller != nil && m.caller.UserID == msg.From))
	m.mu.Unlock()
	if !relevant {
		return
	}

	outcome := history.OutcomeCompleted
	if phase == PhaseReceiving {
		outcome = history.OutcomeMissed
	}
	m.log.Info("Call ended by peer", "by", msg.From)
	m.teardown(ctx, outcome)
}

func (m *Manager) handleOffer(ctx context.Context, msg models.SignalingMessage) {
	var sdp models.SDPPayload
	if err := msg.DecodePayload(&sdp); err != nil {
		m.log.Warn("Malformed offer", "from", msg.From, "error", err)
		return
	}

	m.mu.Lock()
	if m.phase != PhaseConnecting || m.peerID != msg.From || m.link == nil {
		m.mu.Unlock()
		return
	}
	link := m.link
	m.mu.Unlock()

	answer, err := link.HandleOffer(sdp)
	if err != nil {
		m.log.Error("Failed to handle offer", "error", err)
		m.teardown(ctx, history.OutcomeFailed)
		return
	}

	out := models.SignalingMessage{Type: models.MessageAnswer, To: msg.From}
	if err := out.SetPayload(answer); err != nil {
		return
	}
	if err := m.signaler.Send(ctx, out); err != nil {
		m.log.Error("Failed to send answer", "error", err)
		m.teardown(ctx, history.OutcomeFailed)
	}
}

func (m *Manager) handleAnswer(msg models.SignalingMessage) {
	var sdp models.SDPPayload
	if err := msg.DecodePayload(&sdp); err != nil {
		m.log.Warn("Malformed answer", "from", msg.From, "error", err)
		return
	}

	m.mu.Lock()
	link := m.link
	relevant := m.phase == PhaseConnecting && m.peerID == msg.From && link != nil
	m.mu.Unlock()
	if !relevant {
		return
	}

	if err := link.HandleAnswer(sdp); err != nil {
		m.log.Error("Failed to apply answer", "error", err)
	}
}

func (m *Manager) handleCandidate(msg models.SignalingMessage) {
	var cand models.CandidatePayload
	if err := msg.DecodePayload(&cand); err != nil {
		m.log.Warn("Malformed candidate", "from", msg.From, "error", err)
		return
	}

	m.mu.Lock()
	if m.phase == PhaseIdle {
		m.mu.Unlock()
		return
	}
	link := m.link
	if link == nil {
		// Candidate outran the accept/offer that creates the link.
		m.pending = append(m.pending, cand)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if err := link.AddCandidate(cand); err != nil && !errors.Is(err, peerlink.ErrClosed) {
		m.log.Warn("Candidate rejected", "error", err)
	}
}

// openLink builds and wires a peer link to one remote member
func (m *Manager) openLink(ctx context.Context, remoteID string, local *media.LocalMedia) (peerlink.Conn, error) {
	link, err := m.links.New(remoteID)
	if err != nil {
		return nil, fmt.Errorf("creating peer link: %w", err)
	}

	if local != nil {
		if err := link.AttachTracks(local.Tracks()); err != nil {
			link.Close()
			return nil, err
		}
	}

	// Candidates keep trickling after the originating operation returns and
	// its context is canceled; sends and state handling must outlive it.
	sendCtx := context.WithoutCancel(ctx)

	link.OnCandidate(func(cand models.CandidatePayload) {
		out := models.SignalingMessage{Type: models.MessageICECandidate, To: remoteID}
		if err := out.SetPayload(cand); err != nil {
			return
		}
		if err := m.signaler.Send(sendCtx, out); err != nil {
			m.log.Warn("Failed to send candidate", "error", err)
		}
	})

	link.OnTrack(func(track *webrtc.TrackRemote) {
		m.mu.Lock()
		if m.link != link {
			m.mu.Unlock()
			return
		}
		m.remote = track
		m.mu.Unlock()
		m.emit()
	})

	link.OnStateChange(func(state webrtc.PeerConnectionState) {
		m.handleLinkState(sendCtx, link, state)
	})

	return link, nil
}

func (m *Manager) handleLinkState(ctx context.Context, link peerlink.Conn, state webrtc.PeerConnectionState) {
	m.mu.Lock()
	if m.link != link {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	switch state {
	case webrtc.PeerConnectionStateConnected:
		m.mu.Lock()
		if m.phase == PhaseConnecting {
			m.phase = PhaseConnected
		}
		m.mu.Unlock()
		m.signaler.SetPresence(ctx, models.PresenceInCall)
		m.emit()
		m.log.Info("Call connected")
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		// Terminal for a 1:1 call. Closed also fires for our own teardown,
		// where the phase is already Idle and this is a no-op.
		m.mu.Lock()
		active := m.phase != PhaseIdle
		m.mu.Unlock()
		if active {
			m.log.Warn("Peer connection lost", "state", state)
			m.teardown(ctx, history.OutcomeFailed)
		}
	}
}

// teardown returns to Idle, closing the link and releasing media. Safe to
// call from any state, any number of times.
func (m *Manager) teardown(ctx context.Context, outcome history.SessionOutcome) {
	m.mu.Lock()
	if m.phase == PhaseIdle && m.link == nil && m.local == nil {
		m.mu.Unlock()
		return
	}

	link := m.link
	local := m.local
	peerID, peerName := m.peerID, m.peerName
	caller := m.caller
	startedAt := m.startedAt

	m.phase = PhaseIdle
	m.link = nil
	m.local = nil
	m.remote = nil
	m.caller = nil
	m.peerID = ""
	m.peerName = ""
	m.pending = nil
	m.startedAt = time.Time{}
	m.mu.Unlock()

	if link != nil {
		link.Close()
	}
	m.releaseMedia(local)
	m.signaler.SetPresence(ctx, models.PresenceAvailable)

	if m.opts.History != nil && !startedAt.IsZero() {
		if peerID == "" && caller != nil {
			peerID, peerName = caller.UserID, caller.DisplayName
		}
		rec := &history.SessionRecord{
			Kind:      history.KindCall,
			PeerID:    peerID,
			PeerName:  peerName,
			Outgoing:  caller == nil,
			Outcome:   outcome,
			StartedAt: startedAt,
			EndedAt:   time.Now(),
		}
		if err := m.opts.History.Record(rec); err != nil {
			m.log.Warn("Failed to record call history", "error", err)
		}
	}

	m.emit()
}

// EmergencyReset forces the manager to Idle without signaling the peer
func (m *Manager) EmergencyReset(ctx context.Context) {
	m.log.Warn("Emergency reset")
	m.guard.Reset("startCall")
	m.teardown(ctx, history.OutcomeFailed)
}

// Destroy ends any active call and permanently disables the manager
func (m *Manager) Destroy(ctx context.Context) {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.destroyed = true
	active := m.phase != PhaseIdle
	m.mu.Unlock()

	if active {
		endCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
		defer cancel()
		if err := m.EndCall(endCtx); err != nil {
			m.log.Warn("Hangup during destroy failed", "error", err)
		}
	}
	m.EmergencyReset(ctx)
}

// flushPendingLocked moves buffered early candidates into the link.
// Caller holds m.mu.
func (m *Manager) flushPendingLocked(link peerlink.Conn) {
	pending := m.pending
	m.pending = nil
	for _, cand := range pending {
		if err := link.AddCandidate(cand); err != nil {
			m.log.Warn("Buffered candidate rejected", "error", err)
		}
	}
}

func (m *Manager) releaseMedia(local *media.LocalMedia) {
	if local != nil {
		local.Release()
	}
}

// emit pushes a fresh snapshot to the registered handler
func (m *Manager) emit() {
	m.mu.Lock()
	fn := m.onState
	state := m.snapshotLocked()
	m.mu.Unlock()

	if fn != nil {
		fn(state)
	}
}

// snapshotLocked builds an immutable state snapshot. Caller holds m.mu.
func (m *Manager) snapshotLocked() models.CallState {
	state := models.CallState{
		IsConnected:     m.phase == PhaseConnected,
		IsConnecting:    m.phase == PhaseConnecting,
		IsCalling:       m.phase == PhaseCalling,
		IsReceivingCall: m.phase == PhaseReceiving,
		LocalStream:     nil,
		RemoteStream:    m.remote,
		CallerInfo:      nil,
	}
	if m.local != nil {
		state.LocalStream = m.local
	}
	if m.caller != nil {
		info := *m.caller
		state.CallerInfo = &info
	}
	return state.Clone()
}
