package relay

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ccbox/ccbox-relay/internal/store"
)

// peerKind distinguishes the two WebSocket routes.
type peerKind string

const (
	// KindCcbox is a long-lived orchestrator peer on /ccbox.
	KindCcbox peerKind = "ccbox"
	// KindClient is a short-lived UI session peer on /client.
	KindClient peerKind = "client"
)

const (
	wsWriteWait = 10 * time.Second
	// writerGrace is how long cleanup waits for the writer loop to drain the
	// send queue before the socket is torn down regardless.
	writerGrace = 200 * time.Millisecond
)

type authPhase int

const (
	phaseAwaitHello authPhase = iota
	phaseAwaitResponse
	phaseAuthenticated
)

// authState is the per-socket handshake state. Timing-sensitive data (nonce,
// expiry) lives only in the awaitResponse phase and is never carried into
// the authenticated phase.
type authState struct {
	phase       authPhase
	deviceID    string
	nonce       [32]byte
	expiresAtMS int64
}

// conn is one accepted WebSocket connection. The reader loop owns auth and
// dispatch; the writer loop drains the send queue. Producers on other
// connections reach this one only through the queue handle in the registry.
type conn struct {
	id     uuid.UUID
	kind   peerKind
	guid   string
	ip     string
	ws     *websocket.Conn
	queue  *sendQueue
	server *Server
	logger zerolog.Logger

	auth       authState
	sessionID  string // client only, allocated at auth success
	registered bool   // ccbox only, set by ccbox/register
}

func (s *Server) newConn(ws *websocket.Conn, kind peerKind, guid, ip string) *conn {
	id := uuid.New()
	return &conn{
		id:     id,
		kind:   kind,
		guid:   guid,
		ip:     ip,
		ws:     ws,
		queue:  newSendQueue(),
		server: s,
		logger: s.logger.With().
			Str("kind", string(kind)).
			Str("ip", ip).
			Str("guid", guid).
			Str("conn_id", id.String()).
			Logger(),
	}
}

// run drives the connection to completion: writer loop in the background,
// reader loop in the foreground, then cleanup. It returns when the socket is
// fully torn down and all registry entries are gone.
func (c *conn) run() {
	c.logger.Info().Msg("WebSocket connection open")

	writerDone := make(chan struct{})
	go c.writeLoop(writerDone)

	c.ws.SetPingHandler(func(appData string) error {
		c.queue.Push(websocket.PongMessage, []byte(appData))
		return nil
	})

	c.readLoop()

	if c.kind == KindClient && c.sessionID != "" {
		c.server.registry.UnregisterClient(c.sessionID)
	}
	if c.kind == KindCcbox && c.registered {
		c.server.registry.UnregisterCcbox(c.guid, c.id)
	}

	c.logger.Info().Msg("WebSocket connection closed")

	c.queue.Close()
	select {
	case <-writerDone:
	case <-time.After(writerGrace):
	}
	_ = c.ws.Close()
}

// writeLoop drains the send queue into the socket until the queue closes or
// a write fails.
func (c *conn) writeLoop(done chan struct{}) {
	defer close(done)
	for {
		msg, ok := c.queue.Pop()
		if !ok {
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
		_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := c.ws.WriteMessage(msg.messageType, msg.data); err != nil {
			return
		}
	}
}

// readLoop consumes inbound frames sequentially. This is where the auth
// state machine and post-auth dispatch live; returning terminates the
// connection.
func (c *conn) readLoop() {
	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		var text string
		switch messageType {
		case websocket.TextMessage:
			text = string(data)
		case websocket.BinaryMessage:
			// Binary frames are decoded as UTF-8 lossy and treated as text.
			text = strings.ToValidUTF8(string(data), "�")
		default:
			continue
		}

		var env Envelope
		if err := json.Unmarshal([]byte(text), &env); err != nil {
			continue
		}
		if env.V != ProtocolVersion {
			continue
		}

		switch c.auth.phase {
		case phaseAwaitHello:
			if !c.handleHello(env) {
				return
			}
		case phaseAwaitResponse:
			if !c.handleAuthResponse(env) {
				return
			}
		case phaseAuthenticated:
			var ok bool
			if c.kind == KindCcbox {
				ok = c.dispatchCcbox(env)
			} else {
				ok = c.dispatchClient(env, text)
			}
			if !ok {
				return
			}
		}
	}
}

// handleHello processes the awaitHello phase. It returns false when the
// connection must close.
func (c *conn) handleHello(env Envelope) bool {
	if env.Type != TypeAuthHello {
		return true
	}
	var hello AuthHelloPayload
	if err := json.Unmarshal(env.Payload, &hello); err != nil {
		return true
	}

	if hello.DeviceKind != string(c.kind) {
		c.failAuth(ErrCodeDeviceKindMismatch, hello.DeviceID)
		return false
	}
	if !isUUID(hello.DeviceID) {
		c.failAuth(ErrCodeInvalidDeviceID, hello.DeviceID)
		return false
	}
	if c.kind == KindCcbox && strings.ToLower(hello.DeviceID) != c.guid {
		c.failAuth(ErrCodeGuidMismatch, hello.DeviceID)
		return false
	}

	c.logger.Info().Str("device_id", hello.DeviceID).Msg("Auth hello accepted")

	nonce, err := NewNonce()
	if err != nil {
		c.failAuth(ErrCodeInternal, hello.DeviceID)
		return false
	}
	c.auth = authState{
		phase:       phaseAwaitResponse,
		deviceID:    hello.DeviceID,
		nonce:       nonce,
		expiresAtMS: c.server.nowMS() + ChallengeWindowMS,
	}
	c.sendEnvelope(TypeAuthChallenge, AuthChallengePayload{
		NonceB64:    base64.StdEncoding.EncodeToString(nonce[:]),
		ExpiresInMS: ChallengeWindowMS,
	})
	return true
}

// handleAuthResponse processes the awaitResponse phase. It returns false
// when the connection must close.
func (c *conn) handleAuthResponse(env Envelope) bool {
	if env.Type != TypeAuthResponse {
		return true
	}
	deviceID := c.auth.deviceID

	if c.server.nowMS() > c.auth.expiresAtMS {
		c.failAuth(ErrCodeChallengeExpired, deviceID)
		return false
	}

	var response AuthResponsePayload
	if err := json.Unmarshal(env.Payload, &response); err != nil {
		return true
	}

	sig, err := DecodeSignature(response.SignatureB64)
	if err != nil {
		c.failAuth(ErrCodeBadSignature, deviceID)
		return false
	}

	message := BuildAuthMessage(string(c.kind), deviceID, c.auth.nonce[:])
	code, verifyErr := c.server.verifyDevice(c.kind, deviceID, response.PublicKeyB64, message, sig)
	if verifyErr != nil {
		c.logger.Error().Err(verifyErr).Str("device_id", deviceID).Msg("Trust store failure during auth")
		c.failAuth(ErrCodeInternal, deviceID)
		return false
	}
	if code != "" {
		c.failAuth(code, deviceID)
		return false
	}

	c.auth = authState{phase: phaseAuthenticated, deviceID: deviceID}
	c.sendEnvelope(TypeAuthOK, AuthOKPayload{DeviceID: deviceID})
	metricAuthOK.WithLabelValues(string(c.kind)).Inc()
	c.logger.Info().Str("device_id", deviceID).Msg("Auth ok")

	if c.kind == KindClient {
		c.sessionID = uuid.NewString()
		c.server.registry.RegisterClient(c.sessionID, c.queue)
		c.logger.Info().
			Str("device_id", deviceID).
			Str("session_id", c.sessionID).
			Msg("Client session allocated")
	}
	return true
}

// dispatchCcbox routes envelopes from an authenticated orchestrator. It
// returns false when the connection must close.
func (c *conn) dispatchCcbox(env Envelope) bool {
	switch env.Type {
	case TypePairingCreate:
		var req PairingCreatePayload
		_ = json.Unmarshal(env.Payload, &req)
		ttl := int64(120)
		if req.TTLSeconds != nil {
			ttl = *req.TTLSeconds
		}
		c.server.storeMu.Lock()
		result, err := store.EnsurePairing(c.server.paths, c.guid, store.ClampTTL(ttl), store.PairingAttempts)
		c.server.storeMu.Unlock()
		if err != nil {
			c.logger.Error().Err(err).Msg("Pairing create failed")
			c.sendEnvelope(TypePairingErr, PairingErrPayload{Code: ErrCodeInternal})
			return true
		}
		c.logger.Info().
			Bool("reused", result.Reused).
			Str("expires_at", result.Record.ExpiresAt).
			Msg("Pairing code issued")
		c.sendEnvelope(TypePairingOK, PairingOKPayload{
			PairingCode:       result.Record.CodeBase32,
			ExpiresAt:         result.Record.ExpiresAt,
			AttemptsRemaining: result.Record.AttemptsRemaining,
			Reused:            result.Reused,
		})
		return true

	case TypeRegister:
		var reg RegisterPayload
		if err := json.Unmarshal(env.Payload, &reg); err != nil {
			return true
		}
		if strings.ToLower(reg.CcboxID) != c.guid {
			// A ccbox claiming a foreign tenant is fatal, not ignorable.
			return false
		}
		c.server.registry.RegisterCcbox(c.guid, c.id, c.queue)
		c.registered = true
		c.logger.Info().Str("ccbox_id", reg.CcboxID).Msg("Ccbox registered")
		return true

	case TypeMuxFrame:
		var mux MuxFramePayload
		if err := json.Unmarshal(env.Payload, &mux); err != nil {
			return true
		}
		if mux.StreamID != ControlStreamID {
			return true
		}
		client, ok := c.server.registry.LookupClient(mux.SessionID)
		if !ok {
			return true
		}
		inner, err := base64.StdEncoding.DecodeString(strings.TrimSpace(mux.PayloadB64))
		if err != nil {
			return true
		}
		client.queue.Push(websocket.TextMessage, []byte(strings.ToValidUTF8(string(inner), "�")))
		metricFramesForwarded.WithLabelValues("to_client").Inc()
		return true

	default:
		return true
	}
}

// dispatchClient forwards an authenticated client's envelope to the tenant's
// orchestrator, or synthesizes an offline rpc/response when none is
// registered. text is the client's original message, forwarded verbatim
// inside the mux frame. It returns false when the connection must close.
func (c *conn) dispatchClient(env Envelope, text string) bool {
	if c.sessionID == "" {
		return true
	}

	var meta struct {
		ID     string `json:"id"`
		Method string `json:"method"`
	}
	_ = json.Unmarshal(env.Payload, &meta)

	orch, ok := c.server.registry.LookupCcbox(c.guid)
	if !ok {
		if env.Type == TypeRPCRequest && meta.ID != "" {
			c.logger.Info().
				Str("session_id", c.sessionID).
				Str("id", meta.ID).
				Str("method", meta.Method).
				Msg("Ccbox offline, synthesizing rpc/response")
			c.sendEnvelope(TypeRPCResponse, OfflineResponsePayload{
				ID: meta.ID,
				OK: false,
				Error: RPCErrorBody{
					Code:    "CCBoxOffline",
					Message: "ccbox offline",
				},
			})
			metricOfflineResponses.Inc()
		}
		return true
	}

	if env.Type == TypeRPCRequest && meta.ID != "" {
		c.logger.Debug().
			Str("session_id", c.sessionID).
			Str("id", meta.ID).
			Str("method", meta.Method).
			Msg("Forwarding rpc/request")
	}

	frame, err := marshalEnvelope(TypeMuxFrame, MuxFramePayload{
		SessionID:  c.sessionID,
		StreamID:   ControlStreamID,
		PayloadB64: base64.StdEncoding.EncodeToString([]byte(text)),
	})
	if err != nil {
		return true
	}
	orch.queue.Push(websocket.TextMessage, frame)
	metricFramesForwarded.WithLabelValues("to_ccbox").Inc()
	return true
}

// failAuth emits auth/err with a closed code; the caller closes the socket.
func (c *conn) failAuth(code, deviceID string) {
	c.logger.Warn().
		Str("device_id", deviceID).
		Str("code", code).
		Msg("Auth failure")
	metricAuthFailures.WithLabelValues(code).Inc()
	c.sendEnvelope(TypeAuthErr, AuthErrPayload{Code: code})
}

func (c *conn) sendEnvelope(envType string, payload any) {
	data, err := marshalEnvelope(envType, payload)
	if err != nil {
		return
	}
	c.queue.Push(websocket.TextMessage, data)
}

func marshalEnvelope(envType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{
		V:       ProtocolVersion,
		Type:    envType,
		TS:      NowISO(),
		Payload: raw,
	})
}
