package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ccbox/ccbox-relay/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	// Origin policy is enforced before the upgrade, per route.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is the relay: connection registry, rate limiter, and trust store
// paths shared by every handler.
type Server struct {
	cfg      Config
	paths    store.Paths
	registry *Registry
	limiter  *RateLimiter
	logger   zerolog.Logger

	// storeMu serializes read-modify-write cycles on the JSON stores across
	// connection goroutines. Individual writes are atomic renames, but a
	// whole-file replacement would lose a concurrent update without it.
	storeMu sync.Mutex

	nowMS func() int64
}

// NewServer wires a relay server around a data directory.
func NewServer(cfg Config, logger zerolog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		paths:    store.NewPaths(cfg.DataDir),
		registry: NewRegistry(),
		limiter:  NewRateLimiter(),
		logger:   logger,
		nowMS:    nowMS,
	}
}

// RegisterRoutes wires all HTTP handlers onto the given ServeMux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/pair", s.handlePair)
	mux.HandleFunc("/ccbox", s.handleWS(KindCcbox))
	mux.HandleFunc("/client", s.handleWS(KindClient))
	if s.cfg.PublicMetrics {
		mux.Handle("/metrics", promhttp.Handler())
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	srv := &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", srv.Addr).Msg("Relay server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "ccbox relay server")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// pairRequest is the POST /pair body.
type pairRequest struct {
	PairingCode  string  `json:"pairing_code"`
	DeviceID     string  `json:"device_id"`
	PublicKeyB64 string  `json:"public_key_b64"`
	Label        *string `json:"label"`
}

func (s *Server) handlePair(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodOptions:
		s.handlePairOptions(w, r)
	case http.MethodPost:
		s.handlePairApprove(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handlePairOptions(w http.ResponseWriter, r *http.Request) {
	origin, ok := resolveAllowedPairOrigin(r.Host, r.Header.Get("Origin"))
	if !ok {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}
	applyPairCORS(w, origin)
	w.Header().Set("Access-Control-Max-Age", "600")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePairApprove(w http.ResponseWriter, r *http.Request) {
	originHeader := r.Header.Get("Origin")
	origin, originOK := resolveAllowedPairOrigin(r.Host, originHeader)
	corsOrigin := ""
	if originOK {
		corsOrigin = origin
	}

	ip := clientIP(r)
	guid := ResolveGUID(r.Host, r.URL.Query().Get("guid"))
	if guid == "" {
		writePairError(w, corsOrigin, http.StatusBadRequest, "InvalidGuid")
		return
	}

	if originHeader != "" && !originOK {
		s.logger.Warn().
			Str("ip", ip).
			Str("host", r.Host).
			Str("origin", originHeader).
			Str("guid", guid).
			Msg("Pair origin forbidden")
		writeJSON(w, http.StatusForbidden, map[string]any{"ok": false, "error": "OriginNotAllowed"})
		return
	}

	if !s.limiter.Allow("pair:"+ip, PairRateLimit, RateWindow) {
		s.logger.Warn().Str("ip", ip).Str("guid", guid).Msg("Pair rate limited")
		metricRateLimited.WithLabelValues("pair").Inc()
		writePairError(w, corsOrigin, http.StatusTooManyRequests, "RateLimited")
		return
	}

	var body pairRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writePairError(w, corsOrigin, http.StatusBadRequest, store.PairCodeInvalidParams)
		return
	}

	s.storeMu.Lock()
	err := store.ApprovePairing(s.paths, guid, store.ApproveRequest{
		PairingCode:  body.PairingCode,
		DeviceID:     body.DeviceID,
		PublicKeyB64: body.PublicKeyB64,
		Label:        body.Label,
	})
	s.storeMu.Unlock()
	if err != nil {
		code := ErrCodeInternal
		var pairErr *store.PairError
		if errors.As(err, &pairErr) {
			code = pairErr.Code
		} else {
			s.logger.Error().Err(err).Str("guid", guid).Msg("Pair approval store failure")
		}
		s.logger.Warn().
			Str("ip", ip).
			Str("guid", guid).
			Str("device_id", body.DeviceID).
			Str("code", code).
			Msg("Pair approval rejected")
		writePairError(w, corsOrigin, http.StatusBadRequest, code)
		return
	}

	s.logger.Info().
		Str("ip", ip).
		Str("guid", guid).
		Str("device_id", body.DeviceID).
		Msg("Pair approval ok")
	applyPairCORS(w, corsOrigin)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleWS builds the upgrade handler for one of the two WebSocket routes.
func (s *Server) handleWS(kind peerKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)

		if !s.limiter.Allow("ws_"+string(kind)+":"+ip, UpgradeRateLimit, RateWindow) {
			s.logger.Warn().Str("kind", string(kind)).Str("ip", ip).Msg("Upgrade rate limited")
			metricRateLimited.WithLabelValues("ws_" + string(kind)).Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}

		if kind == KindClient && shouldEnforceOrigin(r.Host) {
			origin := r.Header.Get("Origin")
			if !IsAllowedClientOrigin(origin) {
				s.logger.Warn().
					Str("kind", string(kind)).
					Str("ip", ip).
					Str("host", r.Host).
					Str("origin", origin).
					Msg("Client origin forbidden")
				http.Error(w, "origin not allowed", http.StatusForbidden)
				return
			}
		}

		guid := ResolveGUID(r.Host, r.URL.Query().Get("guid"))
		if guid == "" {
			s.logger.Warn().
				Str("kind", string(kind)).
				Str("ip", ip).
				Str("host", r.Host).
				Msg("Upgrade with invalid guid")
			http.Error(w, "invalid guid", http.StatusBadRequest)
			return
		}

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn().Err(err).Str("kind", string(kind)).Str("ip", ip).Msg("Upgrade failed")
			return
		}
		metricUpgrades.WithLabelValues(string(kind)).Inc()

		s.newConn(ws, kind, guid, ip).run()
	}
}

// verifyDevice checks an auth/response signature against the trust store.
// It returns a closed auth error code ("" on success); err reports trust
// store failures, which the caller maps to the generic internal code.
func (s *Server) verifyDevice(kind peerKind, deviceID string, publicKeyB64 *string, message, sig []byte) (string, error) {
	s.storeMu.Lock()
	defer s.storeMu.Unlock()

	if kind == KindClient {
		trusted, err := store.LoadTrustedDevices(s.paths)
		if err != nil {
			return "", err
		}
		for i := range trusted.TrustedDevices {
			entry := &trusted.TrustedDevices[i]
			if entry.DeviceID != deviceID {
				continue
			}
			if entry.Revoked {
				return ErrCodeDeviceRevoked, nil
			}
			key, err := DecodePublicKey(entry.PublicKeyB64)
			if err != nil || !VerifySignature(key, message, sig) {
				return ErrCodeBadSignature, nil
			}
			seen := store.NowISO()
			entry.LastSeenAt = &seen
			if err := store.SaveTrustedDevices(s.paths, trusted); err != nil {
				return "", err
			}
			return "", nil
		}
		return ErrCodeDeviceUnknown, nil
	}

	// ccbox: stored key takes precedence; an unknown ccbox_id is trusted on
	// first use with the key carried in the auth/response payload.
	ccboxes, err := store.LoadCcboxes(s.paths)
	if err != nil {
		return "", err
	}
	for i := range ccboxes.Ccboxes {
		entry := &ccboxes.Ccboxes[i]
		if entry.CcboxID != deviceID {
			continue
		}
		if entry.Revoked {
			return ErrCodeDeviceRevoked, nil
		}
		key, err := DecodePublicKey(entry.PublicKeyB64)
		if err != nil || !VerifySignature(key, message, sig) {
			return ErrCodeBadSignature, nil
		}
		seen := store.NowISO()
		entry.LastSeenAt = &seen
		if err := store.SaveCcboxes(s.paths, ccboxes); err != nil {
			return "", err
		}
		return "", nil
	}

	if publicKeyB64 == nil || strings.TrimSpace(*publicKeyB64) == "" {
		return ErrCodeDeviceUnknown, nil
	}
	key, err := DecodePublicKey(*publicKeyB64)
	if err != nil || !VerifySignature(key, message, sig) {
		return ErrCodeBadSignature, nil
	}
	seen := store.NowISO()
	ccboxes.Ccboxes = append(ccboxes.Ccboxes, store.CcboxDevice{
		CcboxID:      deviceID,
		PublicKeyB64: *publicKeyB64,
		CreatedAt:    store.NowISO(),
		LastSeenAt:   &seen,
		Revoked:      false,
		Label:        nil,
	})
	if err := store.SaveCcboxes(s.paths, ccboxes); err != nil {
		return "", err
	}
	return "", nil
}

func applyPairCORS(w http.ResponseWriter, origin string) {
	if origin == "" {
		return
	}
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "content-type")
	h.Set("Vary", "Origin")
}

func writePairError(w http.ResponseWriter, corsOrigin string, status int, code string) {
	applyPairCORS(w, corsOrigin)
	writeJSON(w, status, map[string]any{"ok": false, "error": code})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
