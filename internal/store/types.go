package store

// TrustedDevice is a client device allowed to open sessions for a tenant.
type TrustedDevice struct {
	DeviceID     string  `json:"device_id"`
	PublicKeyB64 string  `json:"public_key_b64"`
	CreatedAt    string  `json:"created_at"`
	LastSeenAt   *string `json:"last_seen_at"`
	Revoked      bool    `json:"revoked"`
	Label        *string `json:"label"`
}

// CcboxDevice is an orchestrator identity, keyed by ccbox_id. The first
// successful signature from an unknown ccbox_id registers it (trust on
// first use); later connections must present the same key.
type CcboxDevice struct {
	CcboxID      string  `json:"ccbox_id"`
	PublicKeyB64 string  `json:"public_key_b64"`
	CreatedAt    string  `json:"created_at"`
	LastSeenAt   *string `json:"last_seen_at"`
	Revoked      bool    `json:"revoked"`
	Label        *string `json:"label"`
}

// PairingRecord is the single live pairing code for a tenant. It is active
// while attempts_remaining > 0 and expires_at is in the future.
type PairingRecord struct {
	CodeBase32        string `json:"code_base32"`
	CreatedAt         string `json:"created_at"`
	ExpiresAt         string `json:"expires_at"`
	AttemptsRemaining uint32 `json:"attempts_remaining"`
}

// TrustedDevicesFile is the on-disk shape of trusted_devices.json.
type TrustedDevicesFile struct {
	TrustedDevices []TrustedDevice `json:"trusted_devices"`
}

// CcboxesFile is the on-disk shape of ccboxes.json.
type CcboxesFile struct {
	Ccboxes []CcboxDevice `json:"ccboxes"`
}
