package relay

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// BuildAuthMessage produces the canonical byte string a device signs:
// AuthDomainSeparator ‖ deviceKind ‖ deviceID ‖ nonce. No delimiters or
// length prefixes: the fixed domain separator, fixed UUID length, and fixed
// 32-byte nonce rule out prefix collisions for valid inputs. Must be
// bit-identical across all peers (see testdata/remote_auth_v1_vectors.json).
func BuildAuthMessage(deviceKind, deviceID string, nonce []byte) []byte {
	out := make([]byte, 0, len(AuthDomainSeparator)+len(deviceKind)+len(deviceID)+len(nonce))
	out = append(out, AuthDomainSeparator...)
	out = append(out, deviceKind...)
	out = append(out, deviceID...)
	out = append(out, nonce...)
	return out
}

// NewNonce draws a 32-byte challenge nonce.
func NewNonce() ([32]byte, error) {
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nonce, fmt.Errorf("draw nonce: %w", err)
	}
	return nonce, nil
}

// DecodePublicKey decodes a base64 Ed25519 public key and checks its length.
func DecodePublicKey(publicKeyB64 string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(publicKeyB64))
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key length: got %d, want %d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// DecodeSignature decodes a base64 Ed25519 signature and checks its length.
func DecodeSignature(signatureB64 string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signatureB64))
	if err != nil {
		return nil, fmt.Errorf("decode signature: %w", err)
	}
	if len(raw) != ed25519.SignatureSize {
		return nil, fmt.Errorf("invalid signature length: got %d, want %d", len(raw), ed25519.SignatureSize)
	}
	return raw, nil
}

// VerifySignature checks sig over message under key. crypto/ed25519 already
// rejects non-canonical s values, which is the strictness the wire contract
// requires.
func VerifySignature(key ed25519.PublicKey, message, sig []byte) bool {
	return ed25519.Verify(key, message, sig)
}

// NowISO returns the current time as RFC 3339 UTC for envelope timestamps.
func NowISO() string { return time.Now().UTC().Format(time.RFC3339) }

func nowMS() int64 { return time.Now().UnixMilli() }
