// Package diagnostics runs the connectivity probe behind runDiagnostics:
// STUN reachability, TURN allocation, media-device access, and a loopback
// ICE pair, each reported as a plain pass/fail with remediation text.
package diagnostics

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pion/stun/v3"
	"github.com/pion/turn/v4"
	"github.com/pion/webrtc/v4"

	"github.com/hearthshare/hearthcall/internal/config"
	"github.com/hearthshare/hearthcall/internal/ice"
	"github.com/hearthshare/hearthcall/internal/media"
	"github.com/hearthshare/hearthcall/internal/pkg/logger"
)

// Report is the outcome of one diagnostics run
type Report struct {
	STUNReachable   bool      `json:"stunReachable"`
	TURNReachable   bool      `json:"turnReachable"`
	MediaAccess     bool      `json:"mediaAccess"`
	ICEConnectivity bool      `json:"iceConnectivity"`
	Remediation     string    `json:"remediation,omitempty"`
	CheckedAt       time.Time `json:"checkedAt"`
}

// TransportPolicy returns the ICE transport policy the probe results call
// for: relay-only when STUN is blocked but TURN still answers.
func (r Report) TransportPolicy() webrtc.ICETransportPolicy {
	return ice.TransportPolicy(r.STUNReachable, r.TURNReachable)
}

// Runner executes connectivity checks against the configured ICE servers
type Runner struct {
	cfg      config.ICEConfig
	userID   string
	capturer media.Capturer
	log      *logger.Logger

	// checkTimeout bounds each individual probe
	checkTimeout time.Duration
}

// NewRunner creates a diagnostics runner. capturer may be nil; the media
// check is then reported as failed with device guidance.
func NewRunner(cfg config.ICEConfig, userID string, capturer media.Capturer, log *logger.Logger) *Runner {
	return &Runner{
		cfg:          cfg,
		userID:       userID,
		capturer:     capturer,
		log:          log.Component("Diagnostics"),
		checkTimeout: 5 * time.Second,
	}
}

// Run executes all checks and composes the remediation text
func (r *Runner) Run(ctx context.Context) Report {
	report := Report{CheckedAt: time.Now()}

	report.STUNReachable = r.checkSTUN(ctx)
	report.TURNReachable = r.checkTURN(ctx)
	report.MediaAccess = r.checkMedia()
	report.ICEConnectivity = r.checkICE(ctx)
	report.Remediation = remediation(report, len(r.cfg.Turn.URLs) > 0)

	r.log.Info("Diagnostics complete",
		"stun", report.STUNReachable,
		"turn", report.TURNReachable,
		"media", report.MediaAccess,
		"ice", report.ICEConnectivity)
	return report
}

// Online is the lightweight probe consulted before and during supervised
// operations: one quick STUN round trip, or optimistic when nothing is
// configured to ask.
func (r *Runner) Online(ctx context.Context) bool {
	if len(r.cfg.STUNURLs) == 0 {
		return true
	}
	quick, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return r.bindingRequest(quick, r.cfg.STUNURLs[0])
}

func (r *Runner) checkSTUN(ctx context.Context) bool {
	for _, url := range r.cfg.STUNURLs {
		checkCtx, cancel := context.WithTimeout(ctx, r.checkTimeout)
		ok := r.bindingRequest(checkCtx, url)
		cancel()
		if ok {
			return true
		}
	}
	return false
}

// bindingRequest sends one STUN binding request and confirms a mapped
// address comes back.
func (r *Runner) bindingRequest(ctx context.Context, url string) bool {
	addr, err := hostPort(url, "3478")
	if err != nil {
		r.log.Warn("Bad STUN URL", "url", url, "error", err)
		return false
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp4", addr)
	if err != nil {
		return false
	}

	client, err := stun.NewClient(conn)
	if err != nil {
		conn.Close()
		return false
	}
	defer client.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	mapped := false
	err = client.Do(stun.MustBuild(stun.TransactionID, stun.BindingRequest), func(res stun.Event) {
		if res.Error != nil {
			return
		}
		var xor stun.XORMappedAddress
		mapped = xor.GetFrom(res.Message) == nil
	})
	return err == nil && mapped
}

// checkTURN attempts a real relay allocation, which exercises the
// credentials as well as reachability.
func (r *Runner) checkTURN(ctx context.Context) bool {
	if len(r.cfg.Turn.URLs) == 0 {
		return false
	}

	username, password := r.turnCredentials()

	for _, url := range r.cfg.Turn.URLs {
		addr, err := hostPort(url, "3478")
		if err != nil {
			r.log.Warn("Bad TURN URL", "url", url, "error", err)
			continue
		}
		if r.allocate(ctx, addr, username, password) {
			return true
		}
	}
	return false
}

func (r *Runner) turnCredentials() (string, string) {
	if r.cfg.Turn.Secret != "" {
		ttl := time.Duration(r.cfg.Turn.TTLSeconds) * time.Second
		cred := ice.EphemeralCredential(r.cfg.Turn.Secret, r.userID, ttl, time.Now())
		return cred.Username, cred.Password
	}
	return r.cfg.Turn.Username, r.cfg.Turn.Password
}

func (r *Runner) allocate(ctx context.Context, addr, username, password string) bool {
	conn, err := net.ListenPacket("udp4", "0.0.0.0:0")
	if err != nil {
		return false
	}
	defer conn.Close()

	client, err := turn.NewClient(&turn.ClientConfig{
		STUNServerAddr: addr,
		TURNServerAddr: addr,
		Conn:           conn,
		Username:       username,
		Password:       password,
		LoggerFactory:  logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		return false
	}
	defer client.Close()

	if err := client.Listen(); err != nil {
		return false
	}

	done := make(chan bool, 1)
	go func() {
		relay, err := client.Allocate()
		if err != nil {
			done <- false
			return
		}
		relay.Close()
		done <- true
	}()

	checkCtx, cancel := context.WithTimeout(ctx, r.checkTimeout)
	defer cancel()
	select {
	case ok := <-done:
		return ok
	case <-checkCtx.Done():
		return false
	}
}

func (r *Runner) checkMedia() bool {
	if r.capturer == nil {
		return false
	}
	local, err := r.capturer.Capture(media.Request{Video: true, Audio: true})
	if err != nil {
		return false
	}
	local.Release()
	return true
}

// checkICE connects two local peer connections over host candidates. It
// proves the ICE agent itself works on this machine, independent of any
// external server.
func (r *Runner) checkICE(ctx context.Context) bool {
	api := webrtc.NewAPI()

	left, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return false
	}
	defer left.Close()

	right, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return false
	}
	defer right.Close()

	left.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c != nil {
			right.AddICECandidate(c.ToJSON())
		}
	})
	right.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c != nil {
			left.AddICECandidate(c.ToJSON())
		}
	})

	var once sync.Once
	connected := make(chan struct{})
	right.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if state == webrtc.PeerConnectionStateConnected {
			once.Do(func() { close(connected) })
		}
	})

	if _, err := left.CreateDataChannel("probe", nil); err != nil {
		return false
	}

	offer, err := left.CreateOffer(nil)
	if err != nil {
		return false
	}
	if err := left.SetLocalDescription(offer); err != nil {
		return false
	}
	if err := right.SetRemoteDescription(offer); err != nil {
		return false
	}
	answer, err := right.CreateAnswer(nil)
	if err != nil {
		return false
	}
	if err := right.SetLocalDescription(answer); err != nil {
		return false
	}
	if err := left.SetRemoteDescription(answer); err != nil {
		return false
	}

	checkCtx, cancel := context.WithTimeout(ctx, r.checkTimeout)
	defer cancel()
	select {
	case <-connected:
		return true
	case <-checkCtx.Done():
		return false
	}
}

// hostPort extracts host:port from a STUN/TURN URL of the form
// scheme:host[:port][?transport=...], applying defaultPort when absent.
func hostPort(url, defaultPort string) (string, error) {
	rest := url
	if idx := strings.Index(rest, ":"); idx >= 0 {
		scheme := rest[:idx]
		switch scheme {
		case "stun", "stuns", "turn", "turns":
			rest = rest[idx+1:]
		}
	}
	if idx := strings.Index(rest, "?"); idx >= 0 {
		rest = rest[:idx]
	}
	if rest == "" {
		return "", fmt.Errorf("no host in %q", url)
	}

	if _, _, err := net.SplitHostPort(rest); err != nil {
		rest = net.JoinHostPort(rest, defaultPort)
	}
	return rest, nil
}

// remediation composes user-facing guidance from the failed checks
func remediation(report Report, turnConfigured bool) string {
	var lines []string

	if !report.STUNReachable {
		lines = append(lines, "STUN is unreachable: outbound UDP may be blocked by a firewall or the device may be offline.")
	}
	if !report.TURNReachable {
		if turnConfigured {
			lines = append(lines, "TURN allocation failed: check the relay address and credentials; calls across restrictive networks will not connect.")
		} else {
			lines = append(lines, "No TURN relay is configured: calls will fail on networks that block direct media paths.")
		}
	}
	if !report.MediaAccess {
		lines = append(lines, "Camera or microphone access failed: check that a device is attached and that this user has permission to use it.")
	}
	if !report.ICEConnectivity {
		lines = append(lines, "Local ICE connectivity failed: the ICE agent could not connect even on this machine, check local firewall rules.")
	}

	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n")
}
