package models

// MediaHandle is an opaque reference to a runtime-owned media pipeline.
// Whichever session object acquired the pipeline owns its lifecycle;
// snapshots only reference it and never close it.
type MediaHandle interface {
	StreamID() string
}

// CallerInfo identifies the remote party of an incoming call
type CallerInfo struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

// Participant is the in-memory view of one remote room or call participant
type Participant struct {
	UserID      string      `json:"userId"`
	DisplayName string      `json:"displayName"`
	HasVideo    bool        `json:"hasVideo"`
	HasAudio    bool        `json:"hasAudio"`
	Stream      MediaHandle `json:"-"`
}

// CallState is the client-local session snapshot pushed to the UI layer on
// every transition. Each snapshot is complete and authoritative: consumers
// replace prior state wholesale rather than patching.
type CallState struct {
	IsConnected     bool `json:"isConnected"`
	IsConnecting    bool `json:"isConnecting"`
	IsCalling       bool `json:"isCalling"`
	IsReceivingCall bool `json:"isReceivingCall"`

	InRoom   bool   `json:"inRoom"`
	RoomID   string `json:"roomId,omitempty"`
	RoomName string `json:"roomName,omitempty"`

	Participants map[string]Participant `json:"participants,omitempty"`

	LocalStream  MediaHandle `json:"-"`
	RemoteStream MediaHandle `json:"-"`

	ConnectionQuality string      `json:"connectionQuality,omitempty"`
	CallerInfo        *CallerInfo `json:"callerInfo,omitempty"`
}

// Clone returns a deep copy so each emitted snapshot is independent of the
// session's mutable state.
func (s CallState) Clone() CallState {
	out := s
	if s.Participants != nil {
		out.Participants = make(map[string]Participant, len(s.Participants))
		for id, p := range s.Participants {
			out.Participants[id] = p
		}
	}
	if s.CallerInfo != nil {
		ci := *s.CallerInfo
		out.CallerInfo = &ci
	}
	return out
}
