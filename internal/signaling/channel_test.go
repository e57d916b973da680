package signaling

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthshare/hearthcall/internal/pkg/logger"
	"github.com/hearthshare/hearthcall/internal/pkg/models"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: "error"})
}

func newTestChannel(t Transport, userID string) *Channel {
	return NewChannel(t, ChannelConfig{
		Household:   "test-house",
		UserID:      userID,
		DisplayName: userID,
	}, testLogger())
}

func recvMessage(t *testing.T, ch <-chan models.SignalingMessage) models.SignalingMessage {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return models.SignalingMessage{}
	}
}

func TestChannel_SendStampsMessage(t *testing.T) {
	transport := NewMemoryTransport()
	defer transport.Close()
	ctx := context.Background()

	alice := newTestChannel(transport, "alice")
	bob := newTestChannel(transport, "bob")
	defer alice.Close()
	defer bob.Close()

	received := make(chan models.SignalingMessage, 1)
	require.NoError(t, bob.Subscribe(ctx, func(msg models.SignalingMessage) {
		received <- msg
	}))

	before := time.Now()
	err := alice.Send(ctx, models.SignalingMessage{
		Type: models.MessageCallRequest,
		To:   "bob",
	})
	require.NoError(t, err)

	msg := recvMessage(t, received)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "alice", msg.From)
	assert.Equal(t, "bob", msg.To)
	assert.False(t, msg.Timestamp.Before(before))
}

func TestChannel_Send_NoRecipient(t *testing.T) {
	transport := NewMemoryTransport()
	defer transport.Close()

	alice := newTestChannel(transport, "alice")
	defer alice.Close()

	err := alice.Send(context.Background(), models.SignalingMessage{
		Type: models.MessageCallEnd,
	})
	assert.Error(t, err)
}

func TestChannel_Subscribe_FiltersOwnMessages(t *testing.T) {
	transport := NewMemoryTransport()
	defer transport.Close()
	ctx := context.Background()

	alice := newTestChannel(transport, "alice")
	bob := newTestChannel(transport, "bob")
	defer alice.Close()
	defer bob.Close()

	aliceGot := make(chan models.SignalingMessage, 4)
	bobGot := make(chan models.SignalingMessage, 4)
	require.NoError(t, alice.Subscribe(ctx, func(m models.SignalingMessage) { aliceGot <- m }))
	require.NoError(t, bob.Subscribe(ctx, func(m models.SignalingMessage) { bobGot <- m }))

	// Broadcast from alice: bob sees it, alice does not see her own.
	require.NoError(t, alice.Send(ctx, models.SignalingMessage{
		Type: models.MessageRoomJoin,
		To:   models.BroadcastTarget,
	}))

	msg := recvMessage(t, bobGot)
	assert.Equal(t, models.MessageRoomJoin, msg.Type)

	select {
	case m := <-aliceGot:
		t.Fatalf("sender received its own broadcast: %+v", m)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestChannel_Subscribe_FiltersOtherRecipients(t *testing.T) {
	transport := NewMemoryTransport()
	defer transport.Close()
	ctx := context.Background()

	alice := newTestChannel(transport, "alice")
	bob := newTestChannel(transport, "bob")
	carol := newTestChannel(transport, "carol")
	defer alice.Close()
	defer bob.Close()
	defer carol.Close()

	bobGot := make(chan models.SignalingMessage, 4)
	carolGot := make(chan models.SignalingMessage, 4)
	require.NoError(t, bob.Subscribe(ctx, func(m models.SignalingMessage) { bobGot <- m }))
	require.NoError(t, carol.Subscribe(ctx, func(m models.SignalingMessage) { carolGot <- m }))

	require.NoError(t, alice.Send(ctx, models.SignalingMessage{
		Type: models.MessageOffer,
		To:   "bob",
	}))

	msg := recvMessage(t, bobGot)
	assert.Equal(t, models.MessageOffer, msg.Type)

	select {
	case m := <-carolGot:
		t.Fatalf("third party received a directed message: %+v", m)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestChannel_Subscribe_PayloadRoundTrip(t *testing.T) {
	transport := NewMemoryTransport()
	defer transport.Close()
	ctx := context.Background()

	alice := newTestChannel(transport, "alice")
	bob := newTestChannel(transport, "bob")
	defer alice.Close()
	defer bob.Close()

	received := make(chan models.SignalingMessage, 1)
	require.NoError(t, bob.Subscribe(ctx, func(m models.SignalingMessage) { received <- m }))

	out := models.SignalingMessage{Type: models.MessageOffer, To: "bob"}
	require.NoError(t, out.SetPayload(models.SDPPayload{Type: "offer", SDP: "v=0..."}))
	require.NoError(t, alice.Send(ctx, out))

	msg := recvMessage(t, received)
	var sdp models.SDPPayload
	require.NoError(t, msg.DecodePayload(&sdp))
	assert.Equal(t, "offer", sdp.Type)
	assert.Equal(t, "v=0...", sdp.SDP)
}

func TestChannel_Presence(t *testing.T) {
	transport := NewMemoryTransport()
	defer transport.Close()
	ctx := context.Background()

	alice := newTestChannel(transport, "alice")
	bob := newTestChannel(transport, "bob")
	defer alice.Close()
	defer bob.Close()

	updates := make(chan models.PresenceRecord, 4)
	require.NoError(t, bob.SubscribePresence(ctx, func(r models.PresenceRecord) { updates <- r }))

	require.NoError(t, alice.SetPresence(ctx, models.PresenceInCall))

	select {
	case rec := <-updates:
		assert.Equal(t, "alice", rec.UserID)
		assert.Equal(t, models.PresenceInCall, rec.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for presence update")
	}

	// Snapshot read includes the stored record.
	records, err := bob.Presences(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "alice", records[0].UserID)

	// Clean disconnect removes it.
	require.NoError(t, alice.ClearPresence(ctx))
	records, err = bob.Presences(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 0)
}

func TestChannel_SubscribePresence_FiltersSelf(t *testing.T) {
	transport := NewMemoryTransport()
	defer transport.Close()
	ctx := context.Background()

	alice := newTestChannel(transport, "alice")
	defer alice.Close()

	updates := make(chan models.PresenceRecord, 4)
	require.NoError(t, alice.SubscribePresence(ctx, func(r models.PresenceRecord) { updates <- r }))

	require.NoError(t, alice.SetPresence(ctx, models.PresenceAvailable))

	select {
	case rec := <-updates:
		t.Fatalf("received own presence update: %+v", rec)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestChannel_Close_ClearsPresence(t *testing.T) {
	transport := NewMemoryTransport()
	defer transport.Close()
	ctx := context.Background()

	alice := newTestChannel(transport, "alice")
	bob := newTestChannel(transport, "bob")
	defer bob.Close()

	require.NoError(t, alice.SetPresence(ctx, models.PresenceAvailable))

	records, err := bob.Presences(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)

	require.NoError(t, alice.Close())

	records, err = bob.Presences(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 0)
}

func TestChannel_Close_Idempotent(t *testing.T) {
	transport := NewMemoryTransport()
	defer transport.Close()
	ctx := context.Background()

	alice := newTestChannel(transport, "alice")
	require.NoError(t, alice.Subscribe(ctx, func(models.SignalingMessage) {}))

	require.NoError(t, alice.Close())
	require.NoError(t, alice.Close())

	// Subscriptions after close are refused.
	err := alice.Subscribe(ctx, func(models.SignalingMessage) {})
	assert.ErrorIs(t, err, ErrTransportClosed)
}

func TestChannel_RetainsMessageCopy(t *testing.T) {
	transport := NewMemoryTransport()
	defer transport.Close()
	ctx := context.Background()

	alice := newTestChannel(transport, "alice")
	defer alice.Close()

	require.NoError(t, alice.Send(ctx, models.SignalingMessage{
		Type: models.MessageCallEnd,
		To:   "bob",
	}))

	keys, err := transport.Keys(ctx, "hc:test-house:msg:*")
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}
