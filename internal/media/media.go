// Package media owns local capture devices. Exactly one LocalMedia exists
// per agent at a time; call and room sessions borrow it and must never
// release a stream they did not acquire.
package media

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

var (
	// ErrDeviceUnavailable means no capture device could be opened. Sessions
	// degrade to receive-only rather than failing.
	ErrDeviceUnavailable = errors.New("no media device available")

	// ErrPermissionDenied means the OS refused device access
	ErrPermissionDenied = errors.New("media device access denied")
)

// Request selects which kinds of local media to capture
type Request struct {
	Video bool
	Audio bool
}

// Capturer opens local capture devices. The platform implementation is
// DeviceCapturer; tests substitute fakes.
type Capturer interface {
	// Capture opens devices for the request, degrading (video+audio, then
	// video only, then audio only) before giving up with
	// ErrDeviceUnavailable.
	Capture(req Request) (*LocalMedia, error)

	// API returns the WebRTC API configured with the capture codecs. Peer
	// connections that carry captured tracks must be built from it.
	API() *webrtc.API
}

// LocalMedia is a set of live local tracks plus their device closers
type LocalMedia struct {
	id string

	mu       sync.Mutex
	tracks   []webrtc.TrackLocal
	closers  []func()
	released bool

	hasVideo bool
	hasAudio bool

	videoEnabled bool
	audioEnabled bool
}

// FromTracks wraps already opened tracks. closer may be nil.
func FromTracks(tracks []webrtc.TrackLocal, hasVideo, hasAudio bool, closer func()) *LocalMedia {
	m := &LocalMedia{
		id:           uuid.New().String(),
		tracks:       tracks,
		hasVideo:     hasVideo,
		hasAudio:     hasAudio,
		videoEnabled: hasVideo,
		audioEnabled: hasAudio,
	}
	if closer != nil {
		m.closers = append(m.closers, closer)
	}
	return m
}

// StreamID identifies this stream in state snapshots
func (m *LocalMedia) StreamID() string { return m.id }

// Tracks returns the local tracks to attach to a peer connection
func (m *LocalMedia) Tracks() []webrtc.TrackLocal {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		return nil
	}
	out := make([]webrtc.TrackLocal, len(m.tracks))
	copy(out, m.tracks)
	return out
}

// HasVideo reports whether a video track was captured
func (m *LocalMedia) HasVideo() bool { return m.hasVideo }

// HasAudio reports whether an audio track was captured
func (m *LocalMedia) HasAudio() bool { return m.hasAudio }

// ToggleVideo flips the video-enabled flag and returns the resulting state.
// Without a video track it stays false. The flag is a mute indicator
// propagated to peers; the capture pipeline keeps running.
func (m *LocalMedia) ToggleVideo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasVideo || m.released {
		return false
	}
	m.videoEnabled = !m.videoEnabled
	return m.videoEnabled
}

// ToggleAudio flips the audio-enabled flag and returns the resulting state
func (m *LocalMedia) ToggleAudio() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasAudio || m.released {
		return false
	}
	m.audioEnabled = !m.audioEnabled
	return m.audioEnabled
}

// VideoEnabled reports whether video is currently unmuted
func (m *LocalMedia) VideoEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.videoEnabled
}

// AudioEnabled reports whether audio is currently unmuted
func (m *LocalMedia) AudioEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audioEnabled
}

// Release closes the underlying devices. Safe to call more than once.
func (m *LocalMedia) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		return
	}
	m.released = true
	for _, closeFn := range m.closers {
		closeFn()
	}
	m.tracks = nil
	m.closers = nil
}

// Released reports whether the devices have been closed
func (m *LocalMedia) Released() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.released
}
