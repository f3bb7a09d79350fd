package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/snarelabs/snare/internal/cache"
	"github.com/snarelabs/snare/internal/dnsengine"
	"github.com/snarelabs/snare/internal/fanout"
	"github.com/snarelabs/snare/internal/logging"
	"github.com/snarelabs/snare/internal/session"
	"github.com/snarelabs/snare/internal/snerr"
)

// fileBlobKey is the cache blob key backing the per-session file payload.
const fileBlobKey = "file"

// APIServer is the authenticated control surface for sessions: creation,
// polling, DNS rule updates, file payloads, TCP port leases, and the live
// WebSocket stream.
type APIServer struct {
	Registry    *session.Registry
	Cache       *cache.Store
	Hub         *fanout.Hub
	Catcher     *TCPCatcher
	Domain      string
	MaxFileSize int64
	Logger      *zap.Logger
}

// Router builds the chi router for the API listener.
func (s *APIServer) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/api/session", func(r chi.Router) {
		r.Post("/", s.handleCreate)
		r.Route("/{subdomain}", func(r chi.Router) {
			r.Get("/", s.handlePoll)
			r.Delete("/", s.handleDestroy)
			r.Put("/dns", s.handleUpdateRules)
			r.Get("/file", s.handleGetFile)
			r.Put("/file", s.handlePutFile)
			r.Post("/tcp", s.handleLeaseTCP)
			r.Get("/ws", s.handleWebSocket)
		})
	})
	return r
}

// createResponse is the session snapshot plus ready-to-paste payload
// endpoints for each protocol.
type createResponse struct {
	session.Session
	Payloads map[string]string `json:"payloads"`
}

func (s *APIServer) handleCreate(w http.ResponseWriter, r *http.Request) {
	sess, err := s.Registry.Create()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.Logger.Info("session created", logging.Subdomain(sess.Subdomain))

	host := sess.Subdomain + "." + s.Domain
	writeJSON(w, http.StatusCreated, createResponse{
		Session: sess,
		Payloads: map[string]string{
			"http":  "http://" + host + "/",
			"https": "https://" + host + "/",
			"dns":   host,
			"smtp":  "capture@" + host,
		},
	})
}

func (s *APIServer) handlePoll(w http.ResponseWriter, r *http.Request) {
	subdomain := chi.URLParam(r, "subdomain")
	sess, err := s.Registry.State(subdomain, bearerToken(r))
	if err != nil {
		s.writeError(w, err)
		return
	}

	records, err := s.Cache.ReadAll(subdomain)
	if err != nil && !errors.Is(err, snerr.ErrNotFound) {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session": sess,
		"records": records,
	})
}

func (s *APIServer) handleDestroy(w http.ResponseWriter, r *http.Request) {
	subdomain := chi.URLParam(r, "subdomain")
	_, err := s.Registry.Authenticate(subdomain, bearerToken(r))
	switch {
	case errors.Is(err, snerr.ErrNotFound):
		// Already gone; destroy stays idempotent.
	case err != nil:
		s.writeError(w, err)
		return
	default:
		s.Registry.Destroy(subdomain)
		s.Logger.Info("session destroyed", logging.Subdomain(subdomain))
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *APIServer) handleUpdateRules(w http.ResponseWriter, r *http.Request) {
	subdomain := chi.URLParam(r, "subdomain")

	var rules []dnsengine.Rule
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&rules); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid rule set")
		return
	}
	for _, rule := range rules {
		if err := dnsengine.ValidateRule(rule); err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	if err := s.Registry.UpdateRules(subdomain, bearerToken(r), rules); err != nil {
		s.writeError(w, err)
		return
	}
	s.Logger.Info("dns rules updated",
		logging.Subdomain(subdomain), zap.Int("rules", len(rules)))
	w.WriteHeader(http.StatusNoContent)
}

func (s *APIServer) handleGetFile(w http.ResponseWriter, r *http.Request) {
	subdomain := chi.URLParam(r, "subdomain")
	if _, err := s.Registry.Authenticate(subdomain, bearerToken(r)); err != nil {
		s.writeError(w, err)
		return
	}

	data, err := s.Cache.ReadBlob(subdomain, fileBlobKey)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *APIServer) handlePutFile(w http.ResponseWriter, r *http.Request) {
	subdomain := chi.URLParam(r, "subdomain")
	if _, err := s.Registry.Authenticate(subdomain, bearerToken(r)); err != nil {
		s.writeError(w, err)
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.MaxFileSize))
	if err != nil {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "file too large")
		return
	}
	if err := s.Cache.WriteBlob(subdomain, fileBlobKey, data); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *APIServer) handleLeaseTCP(w http.ResponseWriter, r *http.Request) {
	subdomain := chi.URLParam(r, "subdomain")
	port, err := s.Registry.LeaseTCPPort(subdomain, bearerToken(r))
	if err != nil {
		s.writeError(w, err)
		return
	}

	if err := s.Catcher.Open(subdomain, port); err != nil {
		s.Registry.ReleaseTCPPort(subdomain, port)
		s.Logger.Error("failed to open tcp catcher",
			logging.Subdomain(subdomain), logging.Port(port), zap.Error(err))
		writeJSONError(w, http.StatusServiceUnavailable, "failed to bind port")
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"port": port})
}

func (s *APIServer) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, snerr.ErrUnauthorized):
		writeJSONError(w, http.StatusUnauthorized, "invalid token")
	case errors.Is(err, snerr.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "not found")
	case errors.Is(err, snerr.ErrCapacityExceeded):
		writeJSONError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, snerr.ErrResourceExhausted):
		writeJSONError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.Logger.Error("api request failed", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

// bearerToken extracts the session token from the Authorization header.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return after
	}
	return ""
}
