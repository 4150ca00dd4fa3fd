package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"limitgate/internal/common"
	"limitgate/internal/engine"
	"limitgate/internal/policy"
	"limitgate/internal/ratelimit"
	"limitgate/internal/threat"
)

// Server exposes the engine over HTTP: the request gate plus the admin
// surface for policies, threats, and incidents.
type Server struct {
	engine *engine.Engine
	logger *slog.Logger
	router *mux.Router
}

func New(eng *engine.Engine, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{engine: eng, logger: logger, router: mux.NewRouter()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/v1/check", s.handleCheck).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/policies", s.handleAddPolicy).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/threats/{source}", s.handleGetThreat).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/threats/{source}/block", s.handleUnblock).Methods(http.MethodDelete)
	s.router.HandleFunc("/v1/incidents", s.handleListIncidents).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/incidents/{id}/contain", s.handleContainIncident).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/incidents/{id}/resolve", s.handleResolveIncident).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/attack", s.handleAttack).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
}

func (s *Server) Router() http.Handler { return s.router }

// StartMetrics serves Prometheus metrics on its own listener.
func (s *Server) StartMetrics(addr string) {
	mx := http.NewServeMux()
	mx.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mx); err != nil && err != http.ErrServerClosed {
			s.logger.Error("metrics server error", "err", err)
		}
	}()
}

type checkRequest struct {
	Source   string `json:"source"`
	User     string `json:"user,omitempty"`
	Category string `json:"category"`
	Payload  string `json:"payload,omitempty"`
}

type checkResponse struct {
	Allowed    bool              `json:"allowed"`
	Limit      int               `json:"limit"`
	Remaining  int               `json:"remaining"`
	ResetAt    time.Time         `json:"reset_at"`
	RetryAfter int64             `json:"retry_after_seconds,omitempty"`
	Blocked    bool              `json:"blocked"`
	Reason     common.DenyReason `json:"reason,omitempty"`
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	res := s.engine.Inspect(req.Source, req.User, req.Category, req.Payload)
	setRateLimitHeaders(w, res)

	status := http.StatusOK
	if !res.Allowed {
		switch res.Reason {
		case common.ReasonBlocked:
			status = http.StatusForbidden
		default:
			status = http.StatusTooManyRequests
		}
	}
	writeJSON(w, status, checkResponse{
		Allowed:    res.Allowed,
		Limit:      res.Limit,
		Remaining:  res.Remaining,
		ResetAt:    res.ResetAt,
		RetryAfter: int64(res.RetryAfter / time.Second),
		Blocked:    res.Blocked,
		Reason:     res.Reason,
	})
}

type addPolicyRequest struct {
	Category      string `json:"category"`
	Window        string `json:"window"`
	MaxRequests   int    `json:"max_requests"`
	BlockDuration string `json:"block_duration"`
	Progressive   bool   `json:"progressive"`
	FailMode      string `json:"fail_mode"`
}

func (s *Server) handleAddPolicy(w http.ResponseWriter, r *http.Request) {
	var req addPolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	window, err := time.ParseDuration(req.Window)
	if err != nil {
		http.Error(w, "invalid window: "+err.Error(), http.StatusBadRequest)
		return
	}
	block, err := time.ParseDuration(req.BlockDuration)
	if err != nil {
		http.Error(w, "invalid block_duration: "+err.Error(), http.StatusBadRequest)
		return
	}
	p := policy.Policy{
		Window:        window,
		MaxRequests:   req.MaxRequests,
		BlockDuration: block,
		Progressive:   req.Progressive,
		FailMode:      policy.FailMode(req.FailMode),
	}
	if err := s.engine.AddPolicy(req.Category, p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleGetThreat(w http.ResponseWriter, r *http.Request) {
	source := mux.Vars(r)["source"]
	entry, ok := s.engine.Ledger().Get(source)
	if !ok {
		http.Error(w, "unknown source", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	source := mux.Vars(r)["source"]
	if !s.engine.Ledger().Unblock(source) {
		http.Error(w, "source not blocked", http.StatusNotFound)
		return
	}
	s.logger.Info("source unblocked", "source", source)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	status := threat.IncidentStatus(r.URL.Query().Get("status"))
	writeJSON(w, http.StatusOK, s.engine.Incidents().List(status))
}

func (s *Server) handleContainIncident(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.engine.Incidents().Contain(id); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResolveIncident(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.engine.Incidents().Resolve(id); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAttack(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.DetectCoordinatedAttack())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func setRateLimitHeaders(w http.ResponseWriter, res ratelimit.Result) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
	if !res.Allowed && res.RetryAfter > 0 {
		h.Set("Retry-After", strconv.FormatInt(int64(res.RetryAfter/time.Second), 10))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
