// Package token generates and verifies the bridge access token. The token
// itself is shown once at generation time; only its Argon2id hash is kept in
// the agent configuration.
package token

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
)

const (
	// Prefix marks bridge tokens so a leaked value is recognizable in logs
	// and scanners.
	Prefix = "hth_"

	// tokenBytes is the random payload size (256 bits)
	tokenBytes = 32

	// Argon2id parameters sized for interactive verification
	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	saltBytes    = 16
)

// Generate returns a fresh token: hth_<base64url(32 random bytes)>
func Generate() (string, error) {
	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating token bytes: %w", err)
	}
	return Prefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

// Hash derives the storable Argon2id hash, encoded as
// base64(salt):base64(hash).
func Hash(tok string) (string, error) {
	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}

	sum := argon2.IDKey([]byte(tok), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return base64.RawStdEncoding.EncodeToString(salt) + ":" + base64.RawStdEncoding.EncodeToString(sum), nil
}

// GenerateWithHash returns a fresh token together with its stored form
func GenerateWithHash() (tok, hash string, err error) {
	tok, err = Generate()
	if err != nil {
		return "", "", err
	}
	hash, err = Hash(tok)
	if err != nil {
		return "", "", err
	}
	return tok, hash, nil
}

// Verify reports whether tok matches the stored hash. Comparison is
// constant time.
func Verify(tok, encodedHash string) bool {
	salt, want, err := splitHash(encodedHash)
	if err != nil {
		return false
	}
	got := argon2.IDKey([]byte(tok), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return subtle.ConstantTimeCompare(want, got) == 1
}

// ValidFormat reports whether tok is shaped like a bridge token without
// consulting any stored hash.
func ValidFormat(tok string) bool {
	if !strings.HasPrefix(tok, Prefix) {
		return false
	}
	encoded := tok[len(Prefix):]
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return false
	}
	return len(raw) == tokenBytes
}

// CreatedAt returns the timestamp recorded next to a new token hash
func CreatedAt() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func splitHash(encodedHash string) (salt, sum []byte, err error) {
	sep := strings.IndexByte(encodedHash, ':')
	if sep < 0 {
		return nil, nil, fmt.Errorf("malformed token hash")
	}
	salt, err = base64.RawStdEncoding.DecodeString(encodedHash[:sep])
	if err != nil {
		return nil, nil, fmt.Errorf("decoding salt: %w", err)
	}
	sum, err = base64.RawStdEncoding.DecodeString(encodedHash[sep+1:])
	if err != nil {
		return nil, nil, fmt.Errorf("decoding hash: %w", err)
	}
	return salt, sum, nil
}
