// Package peerlink wraps one WebRTC peer connection per remote member and
// hides pion negotiation details from the session managers: offer/answer
// exchange, trickle ICE with pre-remote-description buffering, and idempotent
// teardown.
package peerlink

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/hearthshare/hearthcall/internal/pkg/logger"
	"github.com/hearthshare/hearthcall/internal/pkg/models"
)

// ErrClosed is returned by operations on a closed link
var ErrClosed = errors.New("peer link closed")

// Conn is one connection to a remote member. Implementations must tolerate
// duplicate and out-of-order signaling: a second identical offer, a candidate
// arriving before the description it belongs to.
type Conn interface {
	// AttachTracks adds local media before negotiation
	AttachTracks(tracks []webrtc.TrackLocal) error

	// CreateOffer starts negotiation and returns the local description
	CreateOffer() (models.SDPPayload, error)

	// HandleOffer applies a remote offer and returns the answer
	HandleOffer(offer models.SDPPayload) (models.SDPPayload, error)

	// HandleAnswer applies the remote answer to a sent offer
	HandleAnswer(answer models.SDPPayload) error

	// AddCandidate applies a remote ICE candidate, buffering it if the
	// remote description has not been applied yet
	AddCandidate(cand models.CandidatePayload) error

	// OnCandidate registers the sink for locally gathered candidates
	OnCandidate(fn func(models.CandidatePayload))

	// OnTrack registers the sink for inbound remote tracks
	OnTrack(fn func(track *webrtc.TrackRemote))

	// OnStateChange registers the connection state observer
	OnStateChange(fn func(state webrtc.PeerConnectionState))

	// ConnectionState returns the current connection state
	ConnectionState() webrtc.PeerConnectionState

	// Close tears the connection down. Safe to call more than once.
	Close() error
}

// Factory builds connections. Session managers depend on it instead of pion
// so tests can substitute fakes.
type Factory interface {
	New(remoteID string) (Conn, error)
}

// WebRTCFactory builds Links from a configured API and ICE server list
type WebRTCFactory struct {
	api    *webrtc.API
	config webrtc.Configuration
	log    *logger.Logger
}

// NewWebRTCFactory creates a factory. api must be the one whose media engine
// matches the tracks that will be attached.
func NewWebRTCFactory(api *webrtc.API, servers []webrtc.ICEServer, policy webrtc.ICETransportPolicy, log *logger.Logger) *WebRTCFactory {
	return &WebRTCFactory{
		api: api,
		config: webrtc.Configuration{
			ICEServers:         servers,
			ICETransportPolicy: policy,
		},
		log: log.Component("PeerLink"),
	}
}

// New creates a link to one remote member
func (f *WebRTCFactory) New(remoteID string) (Conn, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("creating peer connection for %s: %w", remoteID, err)
	}

	l := &Link{
		remoteID: remoteID,
		pc:       pc,
		log:      f.log.With("remote", remoteID),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || l.defunct.Load() {
			return
		}
		l.mu.Lock()
		fn := l.onCandidate
		l.mu.Unlock()
		if fn != nil {
			init := c.ToJSON()
			fn(models.CandidatePayload{
				Candidate:     init.Candidate,
				SDPMid:        init.SDPMid,
				SDPMLineIndex: init.SDPMLineIndex,
			})
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if l.defunct.Load() {
			return
		}
		l.log.Info("Remote track", "kind", track.Kind(), "stream", track.StreamID())
		l.mu.Lock()
		fn := l.onTrack
		l.mu.Unlock()
		if fn != nil {
			fn(track)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		l.log.Debug("Connection state", "state", state)
		l.mu.Lock()
		fn := l.onState
		l.mu.Unlock()
		if fn != nil {
			fn(state)
		}
	})

	return l, nil
}

// Link is the production Conn over a pion PeerConnection
type Link struct {
	remoteID string
	pc       *webrtc.PeerConnection
	log      *logger.Logger

	// defunct flips once on Close so late signaling and callbacks become
	// no-ops instead of races against a closing connection.
	defunct atomic.Bool

	mu          sync.Mutex
	pending     []webrtc.ICECandidateInit
	remoteSet   bool
	onCandidate func(models.CandidatePayload)
	onTrack     func(track *webrtc.TrackRemote)
	onState     func(state webrtc.PeerConnectionState)
}

func (l *Link) AttachTracks(tracks []webrtc.TrackLocal) error {
	if l.defunct.Load() {
		return ErrClosed
	}
	for _, track := range tracks {
		if _, err := l.pc.AddTrack(track); err != nil {
			return fmt.Errorf("adding %s track: %w", track.Kind(), err)
		}
	}
	return nil
}

// ensureMediaSections adds recvonly transceivers when no local tracks were
// attached so the offer still carries audio/video m-lines.
func (l *Link) ensureMediaSections() error {
	if len(l.pc.GetSenders()) > 0 {
		return nil
	}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		_, err := l.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		})
		if err != nil {
			return fmt.Errorf("adding recvonly %s transceiver: %w", kind, err)
		}
	}
	return nil
}

func (l *Link) CreateOffer() (models.SDPPayload, error) {
	if l.defunct.Load() {
		return models.SDPPayload{}, ErrClosed
	}
	if err := l.ensureMediaSections(); err != nil {
		return models.SDPPayload{}, err
	}

	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return models.SDPPayload{}, fmt.Errorf("creating offer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return models.SDPPayload{}, fmt.Errorf("applying local offer: %w", err)
	}
	return models.SDPPayload{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (l *Link) HandleOffer(offer models.SDPPayload) (models.SDPPayload, error) {
	if l.defunct.Load() {
		return models.SDPPayload{}, ErrClosed
	}
	if err := l.ensureMediaSections(); err != nil {
		return models.SDPPayload{}, err
	}

	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		return models.SDPPayload{}, fmt.Errorf("applying remote offer: %w", err)
	}
	l.flushPending()

	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return models.SDPPayload{}, fmt.Errorf("creating answer: %w", err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return models.SDPPayload{}, fmt.Errorf("applying local answer: %w", err)
	}
	return models.SDPPayload{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (l *Link) HandleAnswer(answer models.SDPPayload) error {
	if l.defunct.Load() {
		return ErrClosed
	}

	// Duplicate answers arrive on the bus; once connected state negotiation
	// is settled, applying a stale answer again would only disrupt it.
	if l.pc.SignalingState() == webrtc.SignalingStateStable {
		l.log.Debug("Ignoring answer in stable state")
		return nil
	}

	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP}
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("applying remote answer: %w", err)
	}
	l.flushPending()
	return nil
}

func (l *Link) AddCandidate(cand models.CandidatePayload) error {
	if l.defunct.Load() {
		return ErrClosed
	}

	init := webrtc.ICECandidateInit{
		Candidate:     cand.Candidate,
		SDPMid:        cand.SDPMid,
		SDPMLineIndex: cand.SDPMLineIndex,
	}

	l.mu.Lock()
	if !l.remoteSet {
		// Candidates routinely beat the description they belong to;
		// buffer and flush in arrival order once it lands.
		l.pending = append(l.pending, init)
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	if err := l.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("adding ICE candidate: %w", err)
	}
	return nil
}

// flushPending applies buffered candidates after the remote description is
// set. Individual candidate failures are logged, not fatal: ICE needs one
// working pair, not all of them.
func (l *Link) flushPending() {
	l.mu.Lock()
	pending := l.pending
	l.pending = nil
	l.remoteSet = true
	l.mu.Unlock()

	for _, init := range pending {
		if err := l.pc.AddICECandidate(init); err != nil {
			l.log.Warn("Buffered candidate rejected", "error", err)
		}
	}
}

func (l *Link) OnCandidate(fn func(models.CandidatePayload)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onCandidate = fn
}

func (l *Link) OnTrack(fn func(track *webrtc.TrackRemote)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onTrack = fn
}

func (l *Link) OnStateChange(fn func(state webrtc.PeerConnectionState)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onState = fn
}

func (l *Link) ConnectionState() webrtc.PeerConnectionState {
	if l.defunct.Load() {
		return webrtc.PeerConnectionStateClosed
	}
	return l.pc.ConnectionState()
}

func (l *Link) Close() error {
	if !l.defunct.CompareAndSwap(false, true) {
		return nil
	}

	// The state observer stays registered so the closed transition still
	// reaches the session manager; media and candidate sinks are dropped.
	l.mu.Lock()
	l.onCandidate = nil
	l.onTrack = nil
	l.pending = nil
	l.mu.Unlock()

	l.log.Debug("Closing peer link")
	return l.pc.Close()
}
