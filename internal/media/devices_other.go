//go:build !linux || !cgo

package media

import (
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/hearthshare/hearthcall/internal/pkg/logger"
)

// DeviceCapturer on non-Linux platforms provides a WebRTC API with default
// codecs but cannot open capture devices; sessions run receive-only.
type DeviceCapturer struct {
	log *logger.Logger
	api *webrtc.API
}

// NewDeviceCapturer builds a WebRTC API with default codecs
func NewDeviceCapturer(log *logger.Logger) (*DeviceCapturer, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	)

	return &DeviceCapturer{
		log: log.Component("Media"),
		api: api,
	}, nil
}

// API returns the WebRTC API configured with default codecs
func (c *DeviceCapturer) API() *webrtc.API { return c.api }

// Capture reports that no devices are available on this platform
func (c *DeviceCapturer) Capture(req Request) (*LocalMedia, error) {
	c.log.Warn("Media capture not supported on this platform")
	return nil, ErrDeviceUnavailable
}
