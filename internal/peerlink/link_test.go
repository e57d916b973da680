package peerlink

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthshare/hearthcall/internal/pkg/logger"
	"github.com/hearthshare/hearthcall/internal/pkg/models"
)

func newTestFactory(t *testing.T) *WebRTCFactory {
	t.Helper()

	mediaEngine := &webrtc.MediaEngine{}
	require.NoError(t, mediaEngine.RegisterDefaultCodecs())
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine))

	log := logger.New(logger.Config{Level: "error"})
	return NewWebRTCFactory(api, nil, webrtc.ICETransportPolicyAll, log)
}

func newTestLink(t *testing.T, f *WebRTCFactory, remoteID string) Conn {
	t.Helper()
	link, err := f.New(remoteID)
	require.NoError(t, err)
	t.Cleanup(func() { link.Close() })
	return link
}

func TestLink_OfferAnswer(t *testing.T) {
	f := newTestFactory(t)
	caller := newTestLink(t, f, "bob")
	callee := newTestLink(t, f, "alice")

	offer, err := caller.CreateOffer()
	require.NoError(t, err)
	assert.Equal(t, "offer", offer.Type)
	assert.Contains(t, offer.SDP, "m=video")
	assert.Contains(t, offer.SDP, "m=audio")

	answer, err := callee.HandleOffer(offer)
	require.NoError(t, err)
	assert.Equal(t, "answer", answer.Type)
	assert.NotEmpty(t, answer.SDP)

	require.NoError(t, caller.HandleAnswer(answer))
}

func TestLink_HandleAnswer_DuplicateIgnored(t *testing.T) {
	f := newTestFactory(t)
	caller := newTestLink(t, f, "bob")
	callee := newTestLink(t, f, "alice")

	offer, err := caller.CreateOffer()
	require.NoError(t, err)
	answer, err := callee.HandleOffer(offer)
	require.NoError(t, err)

	require.NoError(t, caller.HandleAnswer(answer))

	// The bus delivers at most once per subscriber but handlers still see
	// retries from the sender; a second identical answer must be a no-op.
	assert.NoError(t, caller.HandleAnswer(answer))
}

func TestLink_CandidateBuffering(t *testing.T) {
	f := newTestFactory(t)
	caller := newTestLink(t, f, "bob")
	callee := newTestLink(t, f, "alice")

	// Collect real candidates from the caller.
	var mu sync.Mutex
	var gathered []models.CandidatePayload
	caller.OnCandidate(func(c models.CandidatePayload) {
		mu.Lock()
		gathered = append(gathered, c)
		mu.Unlock()
	})

	offer, err := caller.CreateOffer()
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(gathered) > 0
	}, 5*time.Second, 20*time.Millisecond, "no local candidates gathered")

	// Deliver candidates to the callee before the offer: they must buffer,
	// not fail, then apply once the remote description lands.
	mu.Lock()
	early := append([]models.CandidatePayload(nil), gathered...)
	mu.Unlock()
	for _, c := range early {
		require.NoError(t, callee.AddCandidate(c))
	}

	answer, err := callee.HandleOffer(offer)
	require.NoError(t, err)
	assert.NotEmpty(t, answer.SDP)

	// Late candidates apply directly now that the description is set.
	for _, c := range early {
		assert.NoError(t, callee.AddCandidate(c))
	}
}

func TestLink_AttachTracks(t *testing.T) {
	f := newTestFactory(t)
	link := newTestLink(t, f, "bob")

	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "local")
	require.NoError(t, err)
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "local")
	require.NoError(t, err)

	require.NoError(t, link.AttachTracks([]webrtc.TrackLocal{video, audio}))

	offer, err := link.CreateOffer()
	require.NoError(t, err)
	// The offer must carry sendable m-lines, not the recvonly fallback.
	assert.NotContains(t, offer.SDP, "a=recvonly")
}

func TestLink_CreateOffer_RecvOnlyFallback(t *testing.T) {
	f := newTestFactory(t)
	link := newTestLink(t, f, "bob")

	offer, err := link.CreateOffer()
	require.NoError(t, err)
	assert.True(t, strings.Contains(offer.SDP, "a=recvonly"))
}

func TestLink_Close_Idempotent(t *testing.T) {
	f := newTestFactory(t)
	link, err := f.New("bob")
	require.NoError(t, err)

	require.NoError(t, link.Close())
	require.NoError(t, link.Close())

	assert.Equal(t, webrtc.PeerConnectionStateClosed, link.ConnectionState())

	_, err = link.CreateOffer()
	assert.ErrorIs(t, err, ErrClosed)
	_, err = link.HandleOffer(models.SDPPayload{Type: "offer", SDP: "v=0"})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, link.HandleAnswer(models.SDPPayload{}), ErrClosed)
	assert.ErrorIs(t, link.AddCandidate(models.CandidatePayload{}), ErrClosed)
	assert.ErrorIs(t, link.AttachTracks(nil), ErrClosed)
}

func TestLink_StateCallback(t *testing.T) {
	f := newTestFactory(t)
	link := newTestLink(t, f, "bob")

	states := make(chan webrtc.PeerConnectionState, 8)
	link.OnStateChange(func(s webrtc.PeerConnectionState) { states <- s })

	require.NoError(t, link.Close())

	select {
	case s := <-states:
		assert.Equal(t, webrtc.PeerConnectionStateClosed, s)
	case <-time.After(2 * time.Second):
		// pion may skip the callback for a locally initiated close; the
		// important part is ConnectionState reporting closed.
		assert.Equal(t, webrtc.PeerConnectionStateClosed, link.ConnectionState())
	}
}
