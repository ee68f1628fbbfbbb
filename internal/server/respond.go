package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"monconnect/internal/dispatch"
	"monconnect/internal/escrow"
	"monconnect/internal/localstore"
)

const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error  string      `json:"error"`
	Kind   string      `json:"kind"`
	Result interface{} `json:"result,omitempty"`
}

// kindOf names the error bucket returned to callers.
func kindOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, dispatch.ErrActionPending):
		return "action_pending"
	}
	return escrow.Kind(err)
}

// statusFor maps an error kind onto the HTTP status callers branch on.
func statusFor(kind string) int {
	switch kind {
	case "user_rejected", "stale_state":
		return http.StatusConflict
	case "contract_reverted":
		return http.StatusUnprocessableEntity
	case "not_confirmed":
		return http.StatusAccepted
	case "action_pending":
		return http.StatusTooManyRequests
	case "network_mismatch":
		return http.StatusPreconditionFailed
	case "invalid_input":
		return http.StatusBadRequest
	case "provider_unavailable":
		return http.StatusServiceUnavailable
	case "read_only":
		return http.StatusForbidden
	case "not_found":
		return http.StatusNotFound
	case "unauthorized":
		return http.StatusUnauthorized
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError reports err with its kind. result carries what is already known,
// such as the hash of a submitted but unconfirmed transaction.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error, result interface{}) {
	kind := kindOf(err)
	status := statusFor(kind)
	if status >= http.StatusInternalServerError {
		s.log.Warn("request failed", "path", r.URL.Path, "kind", kind, "error", err, "request_id", r.Header.Get(headerRequestID))
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Kind: kind, Result: result})
}

func writeKind(w http.ResponseWriter, kind, msg string) {
	writeJSON(w, statusFor(kind), errorResponse{Error: msg, Kind: kind})
}

func (s *Server) rejectUnsigned(w http.ResponseWriter, _ *http.Request, err error) {
	writeKind(w, "unauthorized", err.Error())
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", escrow.ErrInvalidInput, err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid json payload: %v", escrow.ErrInvalidInput, err)
	}
	return nil
}

type cachedResponse struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

// idempotent replays the stored response for a repeated X-Idempotency-Key.
// Rate-limited, unauthorized, wallet-rejected and server-side failures are
// not stored so the caller may retry them.
func (s *Server) idempotent(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(headerIdempotency))
		if key == "" {
			writeKind(w, "invalid_input", "missing "+headerIdempotency+" header")
			return
		}
		if s.deps.Store == nil {
			next(w, r)
			return
		}
		ctx := r.Context()
		storeKey := "idempotency:" + r.Method + " " + r.URL.Path + ":" + key

		if existing, err := s.deps.Store.Get(ctx, storeKey); err != nil {
			s.log.Warn("idempotency lookup failed", "error", err)
		} else if existing != nil {
			var cached cachedResponse
			if err := json.Unmarshal(existing.Value, &cached); err == nil {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("X-Idempotent-Replay", "true")
				w.WriteHeader(cached.Status)
				_, _ = w.Write(cached.Body)
				return
			}
		}

		rec := &captureWriter{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)

		body := bytes.TrimSpace(rec.body.Bytes())
		if !cacheable(rec.status, body) {
			return
		}
		raw, err := json.Marshal(cachedResponse{Status: rec.status, Body: body})
		if err != nil {
			return
		}
		now := s.now()
		entry := localstore.Entry{Value: raw, CreatedAt: now}
		if s.cfg.Service.IdempotencyWindow > 0 {
			entry.ExpiresAt = now.Add(s.cfg.Service.IdempotencyWindow)
		}
		if err := s.deps.Store.Put(ctx, storeKey, entry); err != nil {
			s.log.Warn("idempotency save failed", "error", err)
		}
	}
}

func cacheable(status int, body []byte) bool {
	if status >= http.StatusInternalServerError || status == http.StatusTooManyRequests || status == http.StatusUnauthorized {
		return false
	}
	if status == http.StatusConflict {
		var reply struct {
			Kind string `json:"kind"`
		}
		if json.Unmarshal(body, &reply) == nil && reply.Kind == "user_rejected" {
			return false
		}
	}
	return true
}

type captureWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (c *captureWriter) WriteHeader(code int) {
	c.status = code
	c.ResponseWriter.WriteHeader(code)
}

func (c *captureWriter) Write(b []byte) (int, error) {
	c.body.Write(b)
	return c.ResponseWriter.Write(b)
}
