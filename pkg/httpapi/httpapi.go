// Package httpapi mounts the app-facing data plane: proxied resource
// calls under /r/, pairing prepare, credential rotation, and health. All
// routes speak the error envelope; resource authentication happens in
// the pipeline, not here.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/porter/pkg/domain"
	"github.com/Mindburn-Labs/porter/pkg/gateway"
	"github.com/Mindburn-Labs/porter/pkg/pairing"
	"github.com/Mindburn-Labs/porter/pkg/pop"
)

const (
	defaultMaxBody  = 10 << 20 // resource payloads
	controlMaxBody  = 64 << 10 // pairing and rotation payloads
	requestIDHeader = "X-Request-ID"
)

// Pipeline handles one authenticated resource invocation.
type Pipeline interface {
	Handle(ctx context.Context, req *gateway.Request) *gateway.Response
}

// Server is the data-plane HTTP adapter.
type Server struct {
	pipeline Pipeline
	pairing  *pairing.Service
	auth     gateway.Authenticator
	rotator  pop.CredentialRotator
	log      *slog.Logger
	limiter  *ipLimiter
	maxBody  int64
	now      func() time.Time
	newID    func() string
}

func New(pipeline Pipeline, pairingSvc *pairing.Service, auth gateway.Authenticator, rotator pop.CredentialRotator, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		pipeline: pipeline,
		pairing:  pairingSvc,
		auth:     auth,
		rotator:  rotator,
		log:      log,
		limiter:  newIPLimiter(1, 5),
		maxBody:  defaultMaxBody,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// WithPrepareLimit overrides the per-IP budget for /pair/prepare.
func (s *Server) WithPrepareLimit(rps float64, burst int) *Server {
	s.limiter = newIPLimiter(rps, burst)
	return s
}

// WithMaxBody overrides the resource payload cap.
func (s *Server) WithMaxBody(n int64) *Server {
	s.maxBody = n
	return s
}

// WithClock pins the server's clock. Tests use this.
func (s *Server) WithClock(now func() time.Time) *Server {
	s.now = now
	return s
}

// Handler wires the data-plane routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/r/", s.handleResource)
	mux.HandleFunc("/pair/prepare", s.limiter.wrap(s.handlePairPrepare))
	mux.HandleFunc("/v1/credentials/rotate", s.handleRotate)
	mux.HandleFunc("/healthz", s.handleHealth)
	return s.withRequestID(s.withRecovery(mux))
}

// readBody drains the request up to limit bytes. Anything larger fails
// with 413 already written.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			WriteError(w, http.StatusRequestEntityTooLarge, string(domain.KindInvalidRequest),
				"request body is too large")
		} else {
			WriteError(w, http.StatusBadRequest, string(domain.KindInvalidRequest),
				"could not read request body")
		}
		return nil, false
	}
	return body, true
}

func (s *Server) handleResource(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r, s.maxBody)
	if !ok {
		return
	}

	resp := s.pipeline.Handle(r.Context(), &gateway.Request{
		Method:    r.Method,
		Path:      r.URL.Path,
		RawQuery:  r.URL.RawQuery,
		Header:    r.Header,
		Body:      body,
		RequestID: r.Header.Get(requestIDHeader),
	})

	switch {
	case resp.Err != nil:
		WriteDomainError(w, s.log, resp.Err)
	case resp.Stream != nil:
		s.copyStream(w, resp)
	default:
		contentType := resp.ContentType
		if contentType == "" {
			contentType = "application/json"
		}
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(resp.Status)
		_, _ = w.Write(resp.Body)
	}
}

// copyStream relays the upstream stream chunk by chunk, flushing after
// each read so SSE events reach the client as they arrive.
func (s *Server) copyStream(w http.ResponseWriter, resp *gateway.Response) {
	defer func() { _ = resp.Stream.Close() }()

	w.Header().Set("Content-Type", resp.ContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(resp.Status)

	flusher, canFlush := w.(http.Flusher)
	buf := make([]byte, 4<<10)
	for {
		n, err := resp.Stream.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		}
		if err != nil {
			if err != io.EOF {
				s.log.Warn("stream relay interrupted", "error", err)
			}
			return
		}
	}
}

func (s *Server) handlePairPrepare(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteError(w, http.StatusMethodNotAllowed, string(domain.KindInvalidRequest),
			"use POST")
		return
	}
	body, ok := s.readBody(w, r, controlMaxBody)
	if !ok {
		return
	}

	var in pairing.PrepareInput
	if err := json.Unmarshal(body, &in); err != nil {
		WriteError(w, http.StatusUnprocessableEntity, string(domain.KindInvalidRequest),
			"request body is not valid JSON")
		return
	}

	result, err := s.pairing.Prepare(r.Context(), in)
	if err != nil {
		WriteDomainError(w, s.log, err)
		return
	}
	WriteJSON(w, http.StatusOK, result)
}

type rotateRequest struct {
	PublicKey string `json:"publicKey"`
	Label     string `json:"label,omitempty"`
}

type rotateResponse struct {
	CredentialID string    `json:"credentialId"`
	CreatedAt    time.Time `json:"createdAt"`
}

// handleRotate swaps the calling app's signing key. The request must be
// signed with a currently ACTIVE credential; once it lands, that
// credential is retired.
func (s *Server) handleRotate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteError(w, http.StatusMethodNotAllowed, string(domain.KindInvalidRequest),
			"use POST")
		return
	}
	body, ok := s.readBody(w, r, controlMaxBody)
	if !ok {
		return
	}

	identity, err := s.auth.Verify(r.Context(), pop.Request{
		Method:   r.Method,
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
		Headers:  r.Header,
		Body:     body,
	})
	if err != nil {
		WriteDomainError(w, s.log, err)
		return
	}

	var in rotateRequest
	if err := json.Unmarshal(body, &in); err != nil {
		WriteError(w, http.StatusUnprocessableEntity, string(domain.KindInvalidRequest),
			"request body is not valid JSON")
		return
	}

	cred, err := pop.Rotate(r.Context(), s.rotator, identity.App.ID, in.PublicKey, in.Label, s.newID, s.now())
	if err != nil {
		WriteDomainError(w, s.log, err)
		return
	}
	s.log.Info("credential rotated", "app_id", identity.App.ID, "credential_id", cred.ID)
	WriteJSON(w, http.StatusOK, rotateResponse{CredentialID: cred.ID, CreatedAt: cred.CreatedAt})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// withRequestID assigns or propagates the request id so every decision
// row and error response can be correlated.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = s.newID()
			r.Header.Set(requestIDHeader, id)
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("handler panic", "path", r.URL.Path, "panic", rec)
				WriteError(w, http.StatusInternalServerError, string(domain.KindInternal),
					"an unexpected error occurred")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
