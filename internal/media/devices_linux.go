//go:build linux && cgo

package media

import (
	"strings"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	"github.com/hearthshare/hearthcall/internal/pkg/logger"
)

// DeviceCapturer captures camera and microphone through pion/mediadevices
// (V4L2 and malgo on Linux), encoding VP8 and Opus.
type DeviceCapturer struct {
	log      *logger.Logger
	api      *webrtc.API
	selector *mediadevices.CodecSelector
}

// NewDeviceCapturer builds the codec selector and the WebRTC API it
// populates. Peer connections carrying captured tracks must come from API().
func NewDeviceCapturer(log *logger.Logger) (*DeviceCapturer, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	selector.Populate(mediaEngine)

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	// Generous ICE timeouts: the default 5s disconnectedTimeout drops calls
	// during brief relay or NAT hiccups that ICE would otherwise recover from.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	return &DeviceCapturer{
		log:      log.Component("Media"),
		api:      api,
		selector: selector,
	}, nil
}

// API returns the WebRTC API configured with the capture codecs
func (c *DeviceCapturer) API() *webrtc.API { return c.api }

// Capture opens local devices. GetUserMedia fails as a unit if either kind
// cannot be opened, so requests degrade: video+audio, then video only, then
// audio only. All attempts failing yields ErrDeviceUnavailable.
func (c *DeviceCapturer) Capture(req Request) (*LocalMedia, error) {
	if !req.Video && !req.Audio {
		return nil, ErrDeviceUnavailable
	}

	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		c.log.Warn("No media devices found")
	}
	for _, d := range devices {
		c.log.Debug("Media device", "kind", d.Kind, "label", d.Label)
	}

	type attempt struct {
		video bool
		audio bool
		label string
	}
	attempts := []attempt{
		{req.Video, req.Audio, "video+audio"},
		{req.Video, false, "video-only"},
		{false, req.Audio, "audio-only"},
	}

	var lastErr error
	for _, a := range attempts {
		if !a.video && !a.audio {
			continue
		}

		constraints := mediadevices.MediaStreamConstraints{Codec: c.selector}
		if a.video {
			constraints.Video = func(mtc *mediadevices.MediaTrackConstraints) {
				// Raw formats only. Some cameras expose an MJPEG node that
				// emits malformed JPEG frames and poisons the VP8 encoder.
				mtc.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				mtc.Width = prop.IntRanged{Max: 640}
				mtc.Height = prop.IntRanged{Max: 480}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			c.log.Warn("Capture attempt failed", "attempt", a.label, "error", err)
			lastErr = err
			continue
		}

		mdTracks := stream.GetTracks()
		tracks := make([]webrtc.TrackLocal, 0, len(mdTracks))
		hasVideo, hasAudio := false, false
		for _, track := range mdTracks {
			track.OnEnded(func(err error) {
				if err != nil {
					c.log.Warn("Local track ended", "error", err)
				}
			})
			switch track.Kind() {
			case webrtc.RTPCodecTypeVideo:
				hasVideo = true
			case webrtc.RTPCodecTypeAudio:
				hasAudio = true
			}
			tracks = append(tracks, track)
		}

		closeFn := func() {
			for _, t := range mdTracks {
				t.Close()
			}
		}

		c.log.Info("Local media captured", "attempt", a.label, "tracks", len(tracks))
		return FromTracks(tracks, hasVideo, hasAudio, closeFn), nil
	}

	if lastErr != nil && strings.Contains(strings.ToLower(lastErr.Error()), "permission") {
		return nil, ErrPermissionDenied
	}
	return nil, ErrDeviceUnavailable
}
