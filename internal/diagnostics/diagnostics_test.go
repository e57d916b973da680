package diagnostics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthshare/hearthcall/internal/config"
	"github.com/hearthshare/hearthcall/internal/media"
	"github.com/hearthshare/hearthcall/internal/pkg/logger"
)

type fakeCapturer struct {
	err error
}

func (c *fakeCapturer) Capture(req media.Request) (*media.LocalMedia, error) {
	if c.err != nil {
		return nil, c.err
	}
	return media.FromTracks(nil, req.Video, req.Audio, nil), nil
}

func (c *fakeCapturer) API() *webrtc.API { return nil }

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: "error", Format: "text"})
}

func TestHostPort(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		want    string
		wantErr bool
	}{
		{name: "stun with port", url: "stun:stun.example.org:19302", want: "stun.example.org:19302"},
		{name: "stun without port", url: "stun:stun.example.org", want: "stun.example.org:3478"},
		{name: "turn with transport", url: "turn:relay.example.org:3478?transport=udp", want: "relay.example.org:3478"},
		{name: "turns", url: "turns:relay.example.org:5349", want: "relay.example.org:5349"},
		{name: "bare host port", url: "relay.example.org:3478", want: "relay.example.org:3478"},
		{name: "empty", url: "stun:", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := hostPort(tt.url, "3478")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRemediation(t *testing.T) {
	allGood := Report{STUNReachable: true, TURNReachable: true, MediaAccess: true, ICEConnectivity: true}
	assert.Empty(t, remediation(allGood, true))

	noStun := allGood
	noStun.STUNReachable = false
	assert.Contains(t, remediation(noStun, true), "outbound UDP")

	noTurn := allGood
	noTurn.TURNReachable = false
	assert.Contains(t, remediation(noTurn, true), "credentials")
	assert.Contains(t, remediation(noTurn, false), "No TURN relay is configured")

	noMedia := allGood
	noMedia.MediaAccess = false
	assert.Contains(t, remediation(noMedia, true), "Camera or microphone")
}

func TestReport_TransportPolicy(t *testing.T) {
	relayOnly := Report{STUNReachable: false, TURNReachable: true}
	assert.Equal(t, webrtc.ICETransportPolicyRelay, relayOnly.TransportPolicy())

	normal := Report{STUNReachable: true, TURNReachable: true}
	assert.Equal(t, webrtc.ICETransportPolicyAll, normal.TransportPolicy())
}

func TestRunner_CheckMedia(t *testing.T) {
	log := testLogger()

	ok := NewRunner(config.ICEConfig{}, "alice", &fakeCapturer{}, log)
	assert.True(t, ok.checkMedia())

	denied := NewRunner(config.ICEConfig{}, "alice", &fakeCapturer{err: errors.New("permission denied")}, log)
	assert.False(t, denied.checkMedia())

	missing := NewRunner(config.ICEConfig{}, "alice", nil, log)
	assert.False(t, missing.checkMedia())
}

func TestRunner_Online_NoServersConfigured(t *testing.T) {
	r := NewRunner(config.ICEConfig{}, "alice", nil, testLogger())
	assert.True(t, r.Online(context.Background()))
}

func TestRunner_CheckICE_Loopback(t *testing.T) {
	if testing.Short() {
		t.Skip("loopback ICE pair takes a few seconds")
	}

	r := NewRunner(config.ICEConfig{}, "alice", nil, testLogger())
	r.checkTimeout = 10 * time.Second

	assert.True(t, r.checkICE(context.Background()), "two local peer connections should connect over host candidates")
}
