package store

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Pairing error codes. These are a closed set shared by the HTTP /pair
// endpoint and the ccbox/pairing/err envelope.
const (
	PairCodeInvalidParams = "InvalidParams"
	PairCodeExpired       = "PairingExpired"
	PairCodeLocked        = "PairingLocked"
	PairCodeInvalid       = "PairingInvalid"
	PairCodeAlreadyActive = "PairingAlreadyActive"
)

const (
	// PairingAttempts is the initial attempts_remaining for a fresh record.
	PairingAttempts uint32 = 5

	pairingCodeLen = 10
	minTTLSeconds  = 10
	maxTTLSeconds  = 3600
)

// PairError carries one of the closed pairing codes across the store
// boundary. Anything else (I/O, parse) surfaces as a plain error and is
// reported to peers as the generic "Error" code.
type PairError struct {
	Code string
}

func (e *PairError) Error() string { return e.Code }

// EnsureResult is the outcome of EnsurePairing.
type EnsureResult struct {
	Record PairingRecord
	Reused bool
}

// ApproveRequest is the device submission checked against a pairing record.
type ApproveRequest struct {
	PairingCode  string
	DeviceID     string
	PublicKeyB64 string
	Label        *string
}

func nowUTC() time.Time { return time.Now().UTC() }

func formatISO(t time.Time) string { return t.UTC().Format(time.RFC3339) }

// NewPairingCode draws a fresh 32-byte secret and returns the first 10
// characters of its unpadded base32 encoding (50 bits of entropy).
func NewPairingCode() (string, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return "", fmt.Errorf("draw pairing secret: %w", err)
	}
	code := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(secret)
	return code[:pairingCodeLen], nil
}

// IsPairingActive reports whether the record still admits approvals: attempts
// left and not yet expired. A record with an unparseable expiry is inactive.
func IsPairingActive(record PairingRecord, now time.Time) bool {
	if record.AttemptsRemaining == 0 {
		return false
	}
	expiresAt, err := time.Parse(time.RFC3339, record.ExpiresAt)
	if err != nil {
		return false
	}
	return expiresAt.After(now)
}

// ClampTTL bounds a requested pairing TTL to [10, 3600] seconds.
func ClampTTL(ttlSeconds int64) int64 {
	if ttlSeconds < minTTLSeconds {
		return minTTLSeconds
	}
	if ttlSeconds > maxTTLSeconds {
		return maxTTLSeconds
	}
	return ttlSeconds
}

// EnsurePairing returns the tenant's active pairing record, minting a new one
// when none is active. Calling it twice inside the TTL yields the same code
// with Reused set.
func EnsurePairing(paths Paths, guid string, ttlSeconds int64, attempts uint32) (EnsureResult, error) {
	ttlSeconds = ClampTTL(ttlSeconds)
	now := nowUTC()

	existing, err := LoadPairing(paths, guid)
	if err != nil {
		return EnsureResult{}, err
	}
	if existing != nil && IsPairingActive(*existing, now) {
		return EnsureResult{Record: *existing, Reused: true}, nil
	}

	code, err := NewPairingCode()
	if err != nil {
		return EnsureResult{}, err
	}
	record := PairingRecord{
		CodeBase32:        code,
		CreatedAt:         formatISO(now),
		ExpiresAt:         formatISO(now.Add(time.Duration(ttlSeconds) * time.Second)),
		AttemptsRemaining: attempts,
	}
	if err := SavePairing(paths, guid, record); err != nil {
		return EnsureResult{}, err
	}
	return EnsureResult{Record: record, Reused: false}, nil
}

// ApprovePairing checks a device submission against the tenant's pairing
// record. A mismatched code burns one attempt; a match promotes the device
// into trusted_devices.json and deletes the record, making the code
// single-use even inside its TTL.
func ApprovePairing(paths Paths, guid string, req ApproveRequest) error {
	if !isUUID(req.DeviceID) {
		return &PairError{Code: PairCodeInvalidParams}
	}
	if req.PublicKeyB64 == "" || req.PairingCode == "" {
		return &PairError{Code: PairCodeInvalidParams}
	}

	record, err := LoadPairing(paths, guid)
	if err != nil {
		return err
	}
	if record == nil {
		return &PairError{Code: PairCodeExpired}
	}

	expiresAt, err := time.Parse(time.RFC3339, record.ExpiresAt)
	if err != nil || expiresAt.Before(nowUTC()) {
		return &PairError{Code: PairCodeExpired}
	}
	if record.AttemptsRemaining == 0 {
		return &PairError{Code: PairCodeLocked}
	}

	if record.CodeBase32 != req.PairingCode {
		next := *record
		if next.AttemptsRemaining > 0 {
			next.AttemptsRemaining--
		}
		if err := SavePairing(paths, guid, next); err != nil {
			return err
		}
		return &PairError{Code: PairCodeInvalid}
	}

	trusted, err := LoadTrustedDevices(paths)
	if err != nil {
		return err
	}
	kept := trusted.TrustedDevices[:0]
	for _, d := range trusted.TrustedDevices {
		if d.DeviceID != req.DeviceID {
			kept = append(kept, d)
		}
	}
	trusted.TrustedDevices = append(kept, TrustedDevice{
		DeviceID:     req.DeviceID,
		PublicKeyB64: req.PublicKeyB64,
		CreatedAt:    formatISO(nowUTC()),
		LastSeenAt:   nil,
		Revoked:      false,
		Label:        req.Label,
	})
	if err := SaveTrustedDevices(paths, trusted); err != nil {
		return err
	}
	return DeletePairing(paths, guid)
}

// UpsertTrustedDevice replaces or appends a trusted device entry. Used by the
// devices add CLI command.
func UpsertTrustedDevice(paths Paths, device TrustedDevice) error {
	file, err := LoadTrustedDevices(paths)
	if err != nil {
		return err
	}
	kept := file.TrustedDevices[:0]
	for _, d := range file.TrustedDevices {
		if d.DeviceID != device.DeviceID {
			kept = append(kept, d)
		}
	}
	file.TrustedDevices = append(kept, device)
	return SaveTrustedDevices(paths, file)
}

// NowISO returns the current time as RFC 3339 UTC, the timestamp format for
// every persisted and wire-visible field.
func NowISO() string { return formatISO(nowUTC()) }

func isUUID(value string) bool {
	_, err := uuid.Parse(strings.TrimSpace(value))
	return err == nil
}
