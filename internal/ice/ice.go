// Package ice assembles the ICE server list handed to every peer
// connection. TURN credentials follow the coturn REST convention so the
// relay can verify them without a shared user database: the username is
// <userID>:<unix_expiry> and the password is base64(HMAC-SHA256(secret,
// username)).
package ice

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/hearthshare/hearthcall/internal/config"
)

// Credential is an ephemeral TURN username/password pair
type Credential struct {
	Username string
	Password string
	Expiry   time.Time
}

// EphemeralCredential derives a REST-style TURN credential for a user
func EphemeralCredential(secret, userID string, ttl time.Duration, now time.Time) Credential {
	expiry := now.Add(ttl)
	username := fmt.Sprintf("%s:%d", userID, expiry.Unix())

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(username))
	password := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return Credential{
		Username: username,
		Password: password,
		Expiry:   expiry,
	}
}

// Servers builds the ICE server list from configuration. STUN servers carry
// no credentials. TURN servers use ephemeral credentials when a shared
// secret is configured, otherwise the static username/password pair.
func Servers(cfg config.ICEConfig, userID string) []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, 2)

	if len(cfg.STUNURLs) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: cfg.STUNURLs})
	}

	if len(cfg.Turn.URLs) > 0 {
		server := webrtc.ICEServer{URLs: cfg.Turn.URLs}
		if cfg.Turn.Secret != "" {
			ttl := time.Duration(cfg.Turn.TTLSeconds) * time.Second
			cred := EphemeralCredential(cfg.Turn.Secret, userID, ttl, time.Now())
			server.Username = cred.Username
			server.Credential = cred.Password
		} else {
			server.Username = cfg.Turn.Username
			server.Credential = cfg.Turn.Password
		}
		servers = append(servers, server)
	}

	return servers
}

// TransportPolicy picks the ICE transport policy from connectivity probe
// results. When STUN is unreachable but a relay allocation succeeded,
// restricting candidates to relay skips doomed server-reflexive gathering
// and connects faster on locked-down networks.
func TransportPolicy(stunReachable, turnReachable bool) webrtc.ICETransportPolicy {
	if !stunReachable && turnReachable {
		return webrtc.ICETransportPolicyRelay
	}
	return webrtc.ICETransportPolicyAll
}
