// Package relay implements the ccbox relay server: it authenticates
// orchestrator (ccbox) and client WebSocket peers, bootstraps device trust
// through short-lived pairing codes, and forwards opaque mux frames between a
// tenant's clients and its orchestrator. Application payloads are never
// interpreted.
//
// PROTOCOL SYNC: the envelope types and constants in protocol.go must stay
// wire-compatible with the ccbox and client implementations. The canonical
// auth bytes are pinned by testdata/remote_auth_v1_vectors.json.
package relay

import "encoding/json"

// ProtocolVersion is the envelope version; anything else is dropped.
const ProtocolVersion = 1

// ControlStreamID is the only mux stream the relay forwards.
const ControlStreamID = 10

// AuthDomainSeparator prefixes every signed auth message.
const AuthDomainSeparator = "ccbox-remote-auth:v1"

// ChallengeWindowMS is how long a signed auth/response is accepted after the
// challenge is issued.
const ChallengeWindowMS = 10_000

// Envelope message types.
const (
	TypeAuthHello     = "auth/hello"
	TypeAuthChallenge = "auth/challenge"
	TypeAuthResponse  = "auth/response"
	TypeAuthOK        = "auth/ok"
	TypeAuthErr       = "auth/err"
	TypeRegister      = "ccbox/register"
	TypePairingCreate = "ccbox/pairing/create"
	TypePairingOK     = "ccbox/pairing/ok"
	TypePairingErr    = "ccbox/pairing/err"
	TypeMuxFrame      = "mux/frame"
	TypeRPCRequest    = "rpc/request"
	TypeRPCResponse   = "rpc/response"
)

// Auth error codes sent in auth/err envelopes. Closed enum; ErrCodeInternal
// is the catch-all for I/O or internal failures and never leaks detail.
const (
	ErrCodeDeviceKindMismatch = "DeviceKindMismatch"
	ErrCodeInvalidDeviceID    = "InvalidDeviceId"
	ErrCodeGuidMismatch       = "GuidMismatch"
	ErrCodeChallengeExpired   = "ChallengeExpired"
	ErrCodeBadSignature       = "BadSignature"
	ErrCodeDeviceUnknown      = "DeviceUnknown"
	ErrCodeDeviceRevoked      = "DeviceRevoked"
	ErrCodeInternal           = "Error"
)

// Envelope is the single wire shape for all WebSocket messages. Payload stays
// raw so the relay can re-emit client envelopes byte-for-byte inside mux
// frames without re-marshalling.
type Envelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	TS      string          `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// AuthHelloPayload opens the handshake.
type AuthHelloPayload struct {
	DeviceID   string `json:"device_id"`
	DeviceKind string `json:"device_kind"`
}

// AuthChallengePayload carries the server nonce.
type AuthChallengePayload struct {
	NonceB64    string `json:"nonce_b64"`
	ExpiresInMS int64  `json:"expires_in_ms"`
}

// AuthResponsePayload carries the device signature. PublicKeyB64 is only
// honoured for first-seen orchestrators; clients must already be trusted.
type AuthResponsePayload struct {
	SignatureB64 string  `json:"signature_b64"`
	PublicKeyB64 *string `json:"public_key_b64,omitempty"`
}

// AuthOKPayload confirms authentication.
type AuthOKPayload struct {
	DeviceID string `json:"device_id"`
}

// AuthErrPayload reports a fatal auth failure before the socket closes.
type AuthErrPayload struct {
	Code string `json:"code"`
}

// RegisterPayload publishes an authenticated ccbox as its tenant's
// orchestrator.
type RegisterPayload struct {
	CcboxID string `json:"ccbox_id"`
}

// PairingCreatePayload asks the relay for a pairing code.
type PairingCreatePayload struct {
	TTLSeconds *int64 `json:"ttl_seconds,omitempty"`
}

// PairingOKPayload returns the active pairing code.
type PairingOKPayload struct {
	PairingCode       string `json:"pairing_code"`
	ExpiresAt         string `json:"expires_at"`
	AttemptsRemaining uint32 `json:"attempts_remaining"`
	Reused            bool   `json:"reused"`
}

// PairingErrPayload reports a pairing failure over the socket.
type PairingErrPayload struct {
	Code string `json:"code"`
}

// MuxFramePayload is the envelope-in-envelope carrying an opaque message
// between a client session and its orchestrator.
type MuxFramePayload struct {
	SessionID  string `json:"session_id"`
	StreamID   int64  `json:"stream_id"`
	PayloadB64 string `json:"payload_b64"`
}

// RPCErrorBody is the error object inside a synthetic rpc/response.
type RPCErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// OfflineResponsePayload is the synthetic rpc/response sent when a client
// issues an rpc/request and no orchestrator is registered for its tenant.
type OfflineResponsePayload struct {
	ID    string       `json:"id"`
	OK    bool         `json:"ok"`
	Error RPCErrorBody `json:"error"`
}
