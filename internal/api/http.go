package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sgerhart/aegisflux/backend/consensus/internal/credibility"
	"github.com/sgerhart/aegisflux/backend/consensus/internal/model"
	"github.com/sgerhart/aegisflux/backend/consensus/internal/pipeline"
	"github.com/sgerhart/aegisflux/backend/consensus/internal/store"
)

// Consensus is the consensus engine surface served over HTTP
type Consensus interface {
	SubmitForVerification(evidence model.Evidence) (model.VerificationRequest, error)
	VerifyEvidence(req model.VerificationRequest) (model.VerificationResponse, error)
	GetRequest(requestID string) (model.VerificationRequest, bool)
	CheckConsensus(requestID string) (model.ConsensusResult, error)
	AwaitConsensus(ctx context.Context, requestID string) (model.ConsensusResult, error)
	GetCachedResult(evidenceID string) (model.ConsensusResult, bool)
	PendingCount() int
}

// Credibility is the credibility engine surface served over HTTP
type Credibility interface {
	CalculateCredibilityScore(evidence model.Evidence, consensusConfidence *float64) (float64, error)
	AdjustThreatLevel(level model.ThreatLevel, score float64) model.ThreatLevel
	GetMetrics() credibility.Metrics
}

// RequestPublisher sends a verification request to peers
type RequestPublisher interface {
	PublishRequest(req model.VerificationRequest) error
}

// Deps are the components the HTTP API serves. Publisher, Ready and Metrics may be nil.
type Deps struct {
	Consensus   Consensus
	Credibility Credibility
	Buffer      *pipeline.Buffer
	Store       *store.MemoryStore
	Publisher   RequestPublisher
	Ready       func() bool
	Metrics     http.Handler
}

// HTTPAPI provides HTTP endpoints for the consensus service
type HTTPAPI struct {
	deps   Deps
	logger *slog.Logger
	router *chi.Mux
}

// NewHTTPAPI creates a new HTTP API instance
func NewHTTPAPI(deps Deps, logger *slog.Logger) *HTTPAPI {
	if deps.Metrics == nil {
		deps.Metrics = promhttp.Handler()
	}
	api := &HTTPAPI{
		deps:   deps,
		logger: logger,
		router: chi.NewRouter(),
	}

	api.router.Use(middleware.RequestID)
	api.router.Use(middleware.RealIP)
	api.router.Use(api.requestLogger)
	api.router.Use(middleware.Recoverer)

	api.setupRoutes()
	return api
}

// Handler returns the routed handler
func (api *HTTPAPI) Handler() http.Handler { return api.router }

func (api *HTTPAPI) setupRoutes() {
	r := api.router

	r.Get("/healthz", api.handleHealth)
	r.Get("/readyz", api.handleReady)
	r.Method(http.MethodGet, "/metrics", api.deps.Metrics)

	r.Route("/verifications", func(r chi.Router) {
		r.Post("/", api.handleSubmit)
		r.Get("/{id}", api.handleGetRequest)
		r.Post("/{id}/verify", api.handleVerify)
		r.Get("/{id}/consensus", api.handleConsensus)
	})
	r.Get("/results/{evidence_id}", api.handleResult)

	r.Post("/evidence/{origin}", api.handleEnqueueEvidence)
	r.Get("/evidence", api.handleListEvidence)

	r.Get("/credibility/metrics", api.handleCredibilityMetrics)
	r.Post("/credibility/score", api.handleCredibilityScore)
}

// requestLogger logs each request once it completes
func (api *HTTPAPI) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		api.logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

// handleHealth handles GET /healthz
func (api *HTTPAPI) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"pending_requests": api.deps.Consensus.PendingCount(),
	}
	if api.deps.Store != nil {
		stats["store"] = api.deps.Store.GetStats()
	}
	if api.deps.Buffer != nil {
		stats["buffer"] = api.deps.Buffer.GetStats()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"stats":     stats,
	})
}

// handleReady handles GET /readyz
func (api *HTTPAPI) handleReady(w http.ResponseWriter, r *http.Request) {
	natsConnected := api.deps.Ready == nil || api.deps.Ready()

	status := "ready"
	statusCode := http.StatusOK
	if !natsConnected {
		status = "not ready"
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, map[string]any{
		"status":         status,
		"timestamp":      time.Now().UTC(),
		"nats_connected": natsConnected,
	})
}

// handleSubmit handles POST /verifications. The local node verifies immediately and the
// request is sent to peers when a publisher is configured.
func (api *HTTPAPI) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var ev model.Evidence
	if !api.decodeEvidence(w, r, &ev) {
		return
	}

	req, err := api.deps.Consensus.SubmitForVerification(ev)
	if err != nil {
		api.writeError(w, err)
		return
	}
	if _, err := api.deps.Consensus.VerifyEvidence(req); err != nil {
		api.writeError(w, err)
		return
	}

	if api.deps.Publisher != nil {
		if err := api.deps.Publisher.PublishRequest(req); err != nil {
			api.logger.Warn("Failed to publish verification request to peers",
				"request_id", req.RequestID,
				"error", err)
		}
	}

	if stored, ok := api.deps.Consensus.GetRequest(req.RequestID); ok {
		req = stored
	}
	writeJSON(w, http.StatusCreated, req)
}

// handleGetRequest handles GET /verifications/{id}
func (api *HTTPAPI) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	req, ok := api.deps.Consensus.GetRequest(id)
	if !ok {
		writeMessage(w, http.StatusNotFound, fmt.Sprintf("verification request %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// handleVerify handles POST /verifications/{id}/verify
func (api *HTTPAPI) handleVerify(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	req, ok := api.deps.Consensus.GetRequest(id)
	if !ok {
		writeMessage(w, http.StatusNotFound, fmt.Sprintf("verification request %s not found", id))
		return
	}

	resp, err := api.deps.Consensus.VerifyEvidence(req)
	if err != nil {
		api.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleConsensus handles GET /verifications/{id}/consensus. With wait=true it blocks until
// a quorum has responded, the verification timeout passes or the client goes away.
func (api *HTTPAPI) handleConsensus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var (
		result model.ConsensusResult
		err    error
	)
	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		result, err = api.deps.Consensus.AwaitConsensus(r.Context(), id)
	} else {
		result, err = api.deps.Consensus.CheckConsensus(id)
	}
	if err != nil {
		api.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleResult handles GET /results/{evidence_id}
func (api *HTTPAPI) handleResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "evidence_id")
	result, ok := api.deps.Consensus.GetCachedResult(id)
	if !ok {
		writeMessage(w, http.StatusNotFound, fmt.Sprintf("no consensus result for evidence %s", id))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleEnqueueEvidence handles POST /evidence/{origin}
func (api *HTTPAPI) handleEnqueueEvidence(w http.ResponseWriter, r *http.Request) {
	origin, err := model.ParseOrigin(chi.URLParam(r, "origin"))
	if err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}

	var ev model.Evidence
	if !api.decodeEvidence(w, r, &ev) {
		return
	}

	if !api.deps.Buffer.Add(origin, ev) {
		writeMessage(w, http.StatusServiceUnavailable, "evidence buffer is full")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"evidence_id": ev.ID,
		"origin":      origin,
		"queued":      api.deps.Buffer.Len(),
	})
}

// handleListEvidence handles GET /evidence with optional agent_id, min_severity and limit
func (api *HTTPAPI) handleListEvidence(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	var records []model.CorrelatedResult
	switch {
	case query.Get("agent_id") != "":
		records = api.deps.Store.ByAgent(query.Get("agent_id"))
	case query.Get("min_severity") != "":
		level, err := model.ParseThreatLevel(query.Get("min_severity"))
		if err != nil {
			writeMessage(w, http.StatusBadRequest, err.Error())
			return
		}
		records = api.deps.Store.BySeverity(level)
	default:
		records = api.deps.Store.List()
	}

	if limit, err := strconv.Atoi(query.Get("limit")); err == nil && limit > 0 && limit < len(records) {
		records = records[len(records)-limit:]
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"evidence":  records,
		"count":     len(records),
		"timestamp": time.Now().UTC(),
	})
}

// handleCredibilityMetrics handles GET /credibility/metrics
func (api *HTTPAPI) handleCredibilityMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.deps.Credibility.GetMetrics())
}

type scoreRequest struct {
	Evidence            model.Evidence `json:"evidence"`
	ConsensusConfidence *float64       `json:"consensus_confidence,omitempty"`
}

type scoreResponse struct {
	EvidenceID          string            `json:"evidence_id"`
	Score               float64           `json:"score"`
	ThreatLevel         model.ThreatLevel `json:"threat_level"`
	AdjustedThreatLevel model.ThreatLevel `json:"adjusted_threat_level"`
}

// handleCredibilityScore handles POST /credibility/score
func (api *HTTPAPI) handleCredibilityScore(w http.ResponseWriter, r *http.Request) {
	var req scoreRequest
	if err := decodeBody(r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, fmt.Sprintf("Failed to parse request body: %v", err))
		return
	}
	if err := req.Evidence.Validate(); err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}

	score, err := api.deps.Credibility.CalculateCredibilityScore(req.Evidence, req.ConsensusConfidence)
	if err != nil {
		// confidence outside [0,1] is the caller's mistake
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, scoreResponse{
		EvidenceID:          req.Evidence.ID,
		Score:               score,
		ThreatLevel:         req.Evidence.ThreatLevel,
		AdjustedThreatLevel: api.deps.Credibility.AdjustThreatLevel(req.Evidence.ThreatLevel, score),
	})
}

func (api *HTTPAPI) decodeEvidence(w http.ResponseWriter, r *http.Request, ev *model.Evidence) bool {
	if err := decodeBody(r, ev); err != nil {
		writeMessage(w, http.StatusBadRequest, fmt.Sprintf("Failed to parse request body: %v", err))
		return false
	}
	if err := ev.Validate(); err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// writeError maps engine error kinds to status codes
func (api *HTTPAPI) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch model.KindOf(err) {
	case model.KindNotFound:
		status = http.StatusNotFound
	case model.KindNoData:
		status = http.StatusConflict
	case model.KindRejected:
		status = http.StatusForbidden
	}

	if status == http.StatusInternalServerError {
		api.logger.Error("Request failed", "error", err)
	}
	writeMessage(w, status, err.Error())
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()

	const maxBodySize = 1024 * 1024
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodySize))
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("unexpected data after JSON body")
	}
	return nil
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"error":     message,
		"timestamp": time.Now().UTC(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
