package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies the kind of signaling message
type MessageType string

const (
	MessageOffer        MessageType = "offer"
	MessageAnswer       MessageType = "answer"
	MessageICECandidate MessageType = "ice-candidate"
	MessageCallRequest  MessageType = "call-request"
	MessageCallAccept   MessageType = "call-accept"
	MessageCallReject   MessageType = "call-reject"
	MessageCallEnd      MessageType = "call-end"
	MessageRoomJoin     MessageType = "room-join"
	MessageRoomLeave    MessageType = "room-leave"
)

// BroadcastTarget is the sentinel recipient for household-wide fan-out.
// Every subscriber receives broadcast messages and is responsible for
// filtering out its own.
const BroadcastTarget = "all"

// SignalingMessage is one unit on the household signaling bus. Messages are
// append-only and may be garbage-collected after the retention window;
// delivery is unordered and at most once per live subscriber, so handlers
// must tolerate duplicates and late arrivals.
type SignalingMessage struct {
	ID        string          `json:"id,omitempty"`
	Type      MessageType     `json:"type"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	RoomID    string          `json:"roomId,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// SetPayload marshals v into the message payload
func (m *SignalingMessage) SetPayload(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	m.Payload = data
	return nil
}

// DecodePayload unmarshals the message payload into v
func (m *SignalingMessage) DecodePayload(v interface{}) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("message %q has no payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decoding %q payload: %w", m.Type, err)
	}
	return nil
}

// SDPPayload carries a session description (offer or answer)
type SDPPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// CandidatePayload carries a single ICE candidate
type CandidatePayload struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// CallRequestPayload accompanies call-request and call-accept messages
type CallRequestPayload struct {
	DisplayName string `json:"displayName"`
	Video       bool   `json:"video"`
	Audio       bool   `json:"audio"`
}

// RoomEventPayload accompanies room-join and room-leave broadcasts
type RoomEventPayload struct {
	DisplayName string `json:"displayName"`
	HasVideo    bool   `json:"hasVideo"`
	HasAudio    bool   `json:"hasAudio"`
}
