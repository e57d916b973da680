// Package agent composes the signaling channel, the call and room session
// managers, the operation guard, the watchdog supervisor, and diagnostics
// into the single facade the bridge talks to. The agent owns media
// exclusivity: at most one session (call or room) may hold local media.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/hearthshare/hearthcall/internal/call"
	"github.com/hearthshare/hearthcall/internal/config"
	"github.com/hearthshare/hearthcall/internal/diagnostics"
	"github.com/hearthshare/hearthcall/internal/guard"
	"github.com/hearthshare/hearthcall/internal/history"
	"github.com/hearthshare/hearthcall/internal/ice"
	"github.com/hearthshare/hearthcall/internal/media"
	"github.com/hearthshare/hearthcall/internal/peerlink"
	"github.com/hearthshare/hearthcall/internal/pkg/logger"
	"github.com/hearthshare/hearthcall/internal/pkg/models"
	"github.com/hearthshare/hearthcall/internal/room"
	"github.com/hearthshare/hearthcall/internal/signaling"
	"github.com/hearthshare/hearthcall/internal/supervise"
)

var (
	// ErrInRoom is returned when a call is attempted during a room session
	ErrInRoom = errors.New("cannot start a call while in a room")

	// ErrInCall is returned when a room operation is attempted during a call
	ErrInCall = errors.New("cannot join a room while in a call")

	// ErrDestroyed is returned by operations after Destroy
	ErrDestroyed = errors.New("agent destroyed")
)

// Deps carries the injectable collaborators. Zero fields get production
// defaults in New; tests fill them in.
type Deps struct {
	Transport signaling.Transport
	Capturer  media.Capturer
	Links     peerlink.Factory
	History   *history.Store
}

// Agent is the top-level session facade
type Agent struct {
	cfg      *config.Config
	log      *logger.Logger
	channel  *signaling.Channel
	rooms    *signaling.RoomStore
	capturer media.Capturer
	links    peerlink.Factory
	historyp *history.Store
	diag     *diagnostics.Runner
	super    *supervise.Supervisor

	calls   *call.Manager
	roomMgr *room.Manager

	// ownedTransport is set only when New built the transport itself and is
	// therefore responsible for closing it.
	ownedTransport signaling.Transport

	baseCtx context.Context

	mu         sync.Mutex
	callState  models.CallState
	roomState  models.CallState
	onState    func(models.CallState)
	onNotice   func(string)
	lastReport *diagnostics.Report
	destroyed  bool
}

// New wires an agent from configuration: Redis transport, device capturer,
// adaptive WebRTC factory, SQLite history.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Agent, error) {
	transport, err := signaling.NewRedisTransport(ctx, cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("connecting to signaling store: %w", err)
	}

	capturer, err := media.NewDeviceCapturer(log)
	if err != nil {
		transport.Close()
		return nil, fmt.Errorf("initializing media devices: %w", err)
	}

	store, err := history.NewStore(cfg.History.Path)
	if err != nil {
		transport.Close()
		return nil, fmt.Errorf("opening history store: %w", err)
	}
	if err := store.Init(); err != nil {
		store.Close()
		transport.Close()
		return nil, fmt.Errorf("migrating history store: %w", err)
	}

	a, err := NewWithDeps(cfg, Deps{
		Transport: transport,
		Capturer:  capturer,
		History:   store,
	}, log)
	if err != nil {
		store.Close()
		transport.Close()
		return nil, err
	}
	a.ownedTransport = transport
	return a, nil
}

// NewWithDeps wires an agent from explicit collaborators
func NewWithDeps(cfg *config.Config, deps Deps, log *logger.Logger) (*Agent, error) {
	if deps.Transport == nil || deps.Capturer == nil {
		return nil, errors.New("transport and capturer are required")
	}

	channel := signaling.NewChannel(deps.Transport, signaling.ChannelConfig{
		Household:   cfg.Household,
		UserID:      cfg.Identity.UserID,
		DisplayName: cfg.Identity.DisplayName,
		PresenceTTL: cfg.Room.PresenceTTL,
	}, log)

	links := deps.Links
	if links == nil {
		servers := ice.Servers(cfg.ICE, cfg.Identity.UserID)
		links = newAdaptiveFactory(deps.Capturer.API(), servers, log)
	}

	sharedGuard := guard.New()
	a := &Agent{
		cfg:      cfg,
		log:      log.Component("Agent"),
		channel:  channel,
		rooms:    signaling.NewRoomStore(deps.Transport, cfg.Household),
		capturer: deps.Capturer,
		links:    links,
		historyp: deps.History,
		baseCtx:  context.Background(),
	}

	callOpts := call.Options{
		Guard:       sharedGuard,
		MinInterval: cfg.Guard.MinInterval,
		MaxAttempts: cfg.Guard.MaxAttempts,
	}
	roomOpts := room.Options{
		Guard:           sharedGuard,
		MinInterval:     cfg.Guard.MinInterval,
		MaxAttempts:     cfg.Guard.MaxAttempts,
		MaxParticipants: cfg.Room.MaxParticipants,
		LeaveTimeout:    cfg.Room.LeaveTimeout,
		// A peer that missed two presence refreshes with no live link has
		// lost its signaling connection.
		StaleTimeout: 2 * cfg.Room.PresenceTTL,
	}
	if deps.History != nil {
		callOpts.History = deps.History
		roomOpts.History = deps.History
	}

	a.calls = call.NewManager(channel, links, deps.Capturer, callOpts, log)
	a.roomMgr = room.NewManager(channel, a.rooms, links, deps.Capturer, roomOpts, log)

	a.diag = diagnostics.NewRunner(cfg.ICE, cfg.Identity.UserID, deps.Capturer, log)
	a.super = supervise.New(cfg.Watchdog, a.diag, func(ctx context.Context) {
		a.EmergencyReset(ctx)
	}, log)
	a.super.OnNotice(func(msg string) {
		a.mu.Lock()
		fn := a.onNotice
		a.mu.Unlock()
		if fn != nil {
			fn(msg)
		}
	})

	a.calls.OnStateChange(func(state models.CallState) {
		a.mu.Lock()
		a.callState = state
		a.mu.Unlock()
		a.emit()
	})
	a.roomMgr.OnStateChange(func(state models.CallState) {
		a.mu.Lock()
		a.roomState = state
		a.mu.Unlock()
		a.emit()
	})

	return a, nil
}

// OnStateChange registers the single merged snapshot consumer
func (a *Agent) OnStateChange(fn func(models.CallState)) {
	a.mu.Lock()
	a.onState = fn
	a.mu.Unlock()
}

// OnNotice registers the sink for supervisor progress messages
func (a *Agent) OnNotice(fn func(string)) {
	a.mu.Lock()
	a.onNotice = fn
	a.mu.Unlock()
}

// Start subscribes to the household bus and announces availability
func (a *Agent) Start(ctx context.Context) error {
	a.baseCtx = context.WithoutCancel(ctx)

	if err := a.channel.Subscribe(ctx, a.dispatch); err != nil {
		return fmt.Errorf("starting signaling subscription: %w", err)
	}
	if err := a.channel.SetPresence(ctx, models.PresenceAvailable); err != nil {
		a.log.Warn("Failed to announce presence", "error", err)
	}

	a.log.Info("Agent started",
		"household", a.cfg.Household,
		"user", a.cfg.Identity.UserID)
	return nil
}

// dispatch routes one inbound message: room-scoped traffic carries a room
// ID, everything else belongs to the 1:1 call machine.
func (a *Agent) dispatch(msg models.SignalingMessage) {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return
	}
	ctx := a.baseCtx
	a.mu.Unlock()

	if msg.RoomID != "" {
		a.roomMgr.HandleMessage(ctx, msg)
		return
	}
	a.calls.HandleMessage(ctx, msg)
}

// StartCall rings every available household member
func (a *Agent) StartCall(ctx context.Context, video, audio bool) error {
	if err := a.alive(); err != nil {
		return err
	}
	if a.roomMgr.InRoom() {
		return ErrInRoom
	}
	return a.calls.StartCall(ctx, video, audio)
}

// AcceptCall answers the pending incoming call
func (a *Agent) AcceptCall(ctx context.Context) error {
	if err := a.alive(); err != nil {
		return err
	}
	if a.roomMgr.InRoom() {
		return ErrInRoom
	}
	return a.calls.AcceptCall(ctx)
}

// RejectCall declines the pending incoming call
func (a *Agent) RejectCall(ctx context.Context) error {
	if err := a.alive(); err != nil {
		return err
	}
	return a.calls.RejectCall(ctx)
}

// EndCall hangs up the active or outgoing call
func (a *Agent) EndCall(ctx context.Context) error {
	if err := a.alive(); err != nil {
		return err
	}
	return a.calls.EndCall(ctx)
}

// CreateRoom creates a room under the watchdog and returns its ID
func (a *Agent) CreateRoom(ctx context.Context, name string, video, audio bool) (string, error) {
	if err := a.alive(); err != nil {
		return "", err
	}
	if a.calls.Phase() != call.PhaseIdle {
		return "", ErrInCall
	}

	var roomID string
	err := a.super.Run(ctx, "create room", func(ctx context.Context) error {
		id, err := a.roomMgr.CreateRoom(ctx, name, video, audio)
		roomID = id
		return err
	})
	return roomID, err
}

// JoinRoom joins an existing room under the watchdog
func (a *Agent) JoinRoom(ctx context.Context, roomID string, video, audio bool) error {
	if err := a.alive(); err != nil {
		return err
	}
	if a.calls.Phase() != call.PhaseIdle {
		return ErrInCall
	}

	return a.super.Run(ctx, "join room", func(ctx context.Context) error {
		return a.roomMgr.JoinRoom(ctx, roomID, video, audio)
	})
}

// LeaveRoom leaves the active room
func (a *Agent) LeaveRoom(ctx context.Context) error {
	if err := a.alive(); err != nil {
		return err
	}
	return a.roomMgr.LeaveRoom(ctx)
}

// ListActiveRooms returns joinable rooms, newest first
func (a *Agent) ListActiveRooms(ctx context.Context) ([]models.Room, error) {
	return a.roomMgr.ListActiveRooms(ctx)
}

// ToggleVideo flips the video mute flag of whichever session owns media
func (a *Agent) ToggleVideo(ctx context.Context) bool {
	if a.roomMgr.InRoom() {
		return a.roomMgr.ToggleVideo(ctx)
	}
	return a.calls.ToggleVideo()
}

// ToggleAudio flips the audio mute flag of whichever session owns media
func (a *Agent) ToggleAudio(ctx context.Context) bool {
	if a.roomMgr.InRoom() {
		return a.roomMgr.ToggleAudio(ctx)
	}
	return a.calls.ToggleAudio()
}

// Presences reads the household's current presence records
func (a *Agent) Presences(ctx context.Context) ([]models.PresenceRecord, error) {
	return a.channel.Presences(ctx)
}

// History returns the session log store, nil when history is disabled
func (a *Agent) History() *history.Store {
	return a.historyp
}

// RunDiagnostics executes the connectivity probe and adapts the ICE
// transport policy to the result: relay-only when STUN is blocked but the
// TURN relay still answers.
func (a *Agent) RunDiagnostics(ctx context.Context) diagnostics.Report {
	report := a.diag.Run(ctx)

	if adaptive, ok := a.links.(*adaptiveFactory); ok {
		adaptive.SetPolicy(report.TransportPolicy())
	}

	a.mu.Lock()
	a.lastReport = &report
	a.mu.Unlock()
	return report
}

// LastReport returns the most recent diagnostics report, nil if none ran
func (a *Agent) LastReport() *diagnostics.Report {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastReport
}

// State returns the current merged snapshot
func (a *Agent) State() models.CallState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mergedLocked()
}

// EmergencyReset forcibly returns both session machines to idle
func (a *Agent) EmergencyReset(ctx context.Context) {
	a.log.Warn("Emergency reset requested")
	a.calls.EmergencyReset(ctx)
	a.roomMgr.EmergencyReset(ctx)
	if err := a.channel.SetPresence(ctx, models.PresenceAvailable); err != nil {
		a.log.Warn("Failed to restore presence after reset", "error", err)
	}
}

// Destroy tears the agent down: mark inactive so in-flight callbacks become
// no-ops, best-effort leave/hang-up with a bounded timeout, then an
// unconditional reset and resource release.
func (a *Agent) Destroy(ctx context.Context) {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return
	}
	a.destroyed = true
	a.mu.Unlock()

	teardownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	a.calls.Destroy(teardownCtx)
	a.roomMgr.Destroy(teardownCtx)

	// Close clears this member's presence record as part of shutdown.
	if err := a.channel.Close(); err != nil {
		a.log.Warn("Failed to close signaling channel", "error", err)
	}
	if a.historyp != nil {
		if err := a.historyp.Close(); err != nil {
			a.log.Warn("Failed to close history store", "error", err)
		}
	}
	if a.ownedTransport != nil {
		if err := a.ownedTransport.Close(); err != nil {
			a.log.Warn("Failed to close transport", "error", err)
		}
	}

	a.log.Info("Agent destroyed")
}

func (a *Agent) alive() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return ErrDestroyed
	}
	return nil
}

func (a *Agent) emit() {
	a.mu.Lock()
	fn := a.onState
	state := a.mergedLocked()
	a.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

// mergedLocked picks the authoritative snapshot: the room session while one
// is active, the call machine otherwise. Caller holds a.mu.
func (a *Agent) mergedLocked() models.CallState {
	if a.roomState.InRoom {
		return a.roomState
	}
	return a.callState
}

// adaptiveFactory is a peerlink factory whose ICE transport policy can be
// swapped after a diagnostics run without rebuilding the session managers.
type adaptiveFactory struct {
	mu      sync.Mutex
	api     *webrtc.API
	servers []webrtc.ICEServer
	log     *logger.Logger
	inner   *peerlink.WebRTCFactory
}

func newAdaptiveFactory(api *webrtc.API, servers []webrtc.ICEServer, log *logger.Logger) *adaptiveFactory {
	return &adaptiveFactory{
		api:     api,
		servers: servers,
		log:     log,
		inner:   peerlink.NewWebRTCFactory(api, servers, webrtc.ICETransportPolicyAll, log),
	}
}

func (f *adaptiveFactory) New(remoteID string) (peerlink.Conn, error) {
	f.mu.Lock()
	inner := f.inner
	f.mu.Unlock()
	return inner.New(remoteID)
}

// SetPolicy rebuilds the underlying factory with a new transport policy.
// Existing links keep their policy; only new links are affected.
func (f *adaptiveFactory) SetPolicy(policy webrtc.ICETransportPolicy) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inner = peerlink.NewWebRTCFactory(f.api, f.servers, policy, f.log)
	f.log.Info("ICE transport policy updated", "policy", policy.String())
}
