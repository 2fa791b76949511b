package store

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClampTTL(t *testing.T) {
	assert.Equal(t, int64(10), ClampTTL(0))
	assert.Equal(t, int64(10), ClampTTL(-5))
	assert.Equal(t, int64(120), ClampTTL(120))
	assert.Equal(t, int64(3600), ClampTTL(3600))
	assert.Equal(t, int64(3600), ClampTTL(86400))
}

func TestNewPairingCodeShape(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 32; i++ {
		code, err := NewPairingCode()
		require.NoError(t, err)
		require.Len(t, code, 10)
		// Unpadded base32 alphabet only.
		for _, r := range code {
			assert.Contains(t, "ABCDEFGHIJKLMNOPQRSTUVWXYZ234567", string(r))
		}
		assert.False(t, seen[code], "codes should not repeat across draws")
		seen[code] = true
	}
}

func TestIsPairingActive(t *testing.T) {
	now := time.Now().UTC()
	active := PairingRecord{
		CodeBase32:        "ABCDEFGHIJ",
		ExpiresAt:         now.Add(time.Minute).Format(time.RFC3339),
		AttemptsRemaining: 5,
	}
	assert.True(t, IsPairingActive(active, now))

	expired := active
	expired.ExpiresAt = now.Add(-time.Second).Format(time.RFC3339)
	assert.False(t, IsPairingActive(expired, now))

	locked := active
	locked.AttemptsRemaining = 0
	assert.False(t, IsPairingActive(locked, now))

	garbled := active
	garbled.ExpiresAt = "not-a-timestamp"
	assert.False(t, IsPairingActive(garbled, now))
}

func TestEnsurePairingReusesActiveRecord(t *testing.T) {
	paths := NewPaths(t.TempDir())
	guid := uuid.NewString()

	first, err := EnsurePairing(paths, guid, 120, PairingAttempts)
	require.NoError(t, err)
	assert.False(t, first.Reused)
	assert.Len(t, first.Record.CodeBase32, 10)
	assert.Equal(t, PairingAttempts, first.Record.AttemptsRemaining)

	second, err := EnsurePairing(paths, guid, 120, PairingAttempts)
	require.NoError(t, err)
	assert.True(t, second.Reused)
	assert.Equal(t, first.Record.CodeBase32, second.Record.CodeBase32)

	stored, err := LoadPairing(paths, guid)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, first.Record.CodeBase32, stored.CodeBase32)
}

func TestEnsurePairingReplacesInactiveRecord(t *testing.T) {
	paths := NewPaths(t.TempDir())
	guid := uuid.NewString()

	stale := PairingRecord{
		CodeBase32:        "OLDCODE123",
		CreatedAt:         NowISO(),
		ExpiresAt:         time.Now().UTC().Add(-time.Minute).Format(time.RFC3339),
		AttemptsRemaining: 5,
	}
	require.NoError(t, SavePairing(paths, guid, stale))

	result, err := EnsurePairing(paths, guid, 120, PairingAttempts)
	require.NoError(t, err)
	assert.False(t, result.Reused)
	assert.NotEqual(t, stale.CodeBase32, result.Record.CodeBase32)
}

func TestApprovePairingValidatesParams(t *testing.T) {
	paths := NewPaths(t.TempDir())
	guid := uuid.NewString()

	err := ApprovePairing(paths, guid, ApproveRequest{
		PairingCode: "X", DeviceID: "not-a-uuid", PublicKeyB64: "k",
	})
	var pairErr *PairError
	require.ErrorAs(t, err, &pairErr)
	assert.Equal(t, PairCodeInvalidParams, pairErr.Code)

	err = ApprovePairing(paths, guid, ApproveRequest{
		PairingCode: "", DeviceID: uuid.NewString(), PublicKeyB64: "k",
	})
	require.ErrorAs(t, err, &pairErr)
	assert.Equal(t, PairCodeInvalidParams, pairErr.Code)
}

func TestApprovePairingAbsentRecordIsExpired(t *testing.T) {
	paths := NewPaths(t.TempDir())

	err := ApprovePairing(paths, uuid.NewString(), ApproveRequest{
		PairingCode: "ABCDEFGHIJ", DeviceID: uuid.NewString(), PublicKeyB64: "k",
	})
	var pairErr *PairError
	require.ErrorAs(t, err, &pairErr)
	assert.Equal(t, PairCodeExpired, pairErr.Code)
}

func TestApprovePairingWrongCodeBurnsAttempt(t *testing.T) {
	paths := NewPaths(t.TempDir())
	guid := uuid.NewString()

	result, err := EnsurePairing(paths, guid, 120, PairingAttempts)
	require.NoError(t, err)

	deviceID := uuid.NewString()
	for want := PairingAttempts - 1; ; want-- {
		err := ApprovePairing(paths, guid, ApproveRequest{
			PairingCode: "WRONGCODE0", DeviceID: deviceID, PublicKeyB64: "k",
		})
		var pairErr *PairError
		require.ErrorAs(t, err, &pairErr)

		stored, loadErr := LoadPairing(paths, guid)
		require.NoError(t, loadErr)
		require.NotNil(t, stored)

		if stored.AttemptsRemaining == 0 {
			assert.Equal(t, PairCodeInvalid, pairErr.Code)
			break
		}
		assert.Equal(t, PairCodeInvalid, pairErr.Code)
		assert.Equal(t, want, stored.AttemptsRemaining)
	}

	// Attempts exhausted: the record is locked, not retryable.
	err = ApprovePairing(paths, guid, ApproveRequest{
		PairingCode: result.Record.CodeBase32, DeviceID: deviceID, PublicKeyB64: "k",
	})
	var pairErr *PairError
	require.ErrorAs(t, err, &pairErr)
	assert.Equal(t, PairCodeLocked, pairErr.Code)
}

func TestApprovePairingSuccessPromotesDeviceAndDeletesRecord(t *testing.T) {
	paths := NewPaths(t.TempDir())
	guid := uuid.NewString()
	deviceID := uuid.NewString()
	label := "phone"

	result, err := EnsurePairing(paths, guid, 120, PairingAttempts)
	require.NoError(t, err)

	err = ApprovePairing(paths, guid, ApproveRequest{
		PairingCode:  result.Record.CodeBase32,
		DeviceID:     deviceID,
		PublicKeyB64: "cHVibGlja2V5",
		Label:        &label,
	})
	require.NoError(t, err)

	trusted, err := LoadTrustedDevices(paths)
	require.NoError(t, err)
	require.Len(t, trusted.TrustedDevices, 1)
	entry := trusted.TrustedDevices[0]
	assert.Equal(t, deviceID, entry.DeviceID)
	assert.Equal(t, "cHVibGlja2V5", entry.PublicKeyB64)
	assert.False(t, entry.Revoked)
	assert.Nil(t, entry.LastSeenAt)
	require.NotNil(t, entry.Label)
	assert.Equal(t, label, *entry.Label)

	// The code is single-use: the record is gone even inside its TTL.
	record, err := LoadPairing(paths, guid)
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestApprovePairingReplacesExistingDeviceEntry(t *testing.T) {
	paths := NewPaths(t.TempDir())
	guid := uuid.NewString()
	deviceID := uuid.NewString()

	require.NoError(t, UpsertTrustedDevice(paths, TrustedDevice{
		DeviceID:     deviceID,
		PublicKeyB64: "b2xka2V5",
		CreatedAt:    NowISO(),
		Revoked:      true,
	}))

	result, err := EnsurePairing(paths, guid, 120, PairingAttempts)
	require.NoError(t, err)

	err = ApprovePairing(paths, guid, ApproveRequest{
		PairingCode:  result.Record.CodeBase32,
		DeviceID:     deviceID,
		PublicKeyB64: "bmV3a2V5",
	})
	require.NoError(t, err)

	trusted, err := LoadTrustedDevices(paths)
	require.NoError(t, err)
	require.Len(t, trusted.TrustedDevices, 1)
	assert.Equal(t, "bmV3a2V5", trusted.TrustedDevices[0].PublicKeyB64)
	assert.False(t, trusted.TrustedDevices[0].Revoked, "re-pairing clears revocation")
}
