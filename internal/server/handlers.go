package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/mit-bodhiq/bodhiq/internal/auth"
	"github.com/mit-bodhiq/bodhiq/internal/model"
	"github.com/mit-bodhiq/bodhiq/internal/service/queries"
	"github.com/mit-bodhiq/bodhiq/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	queries             *queries.Service
	jwtMgr              *auth.JWTManager
	apiKeyHash          string
	hasher              *auth.KeyHasher
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	openapiSpec         []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	Queries             *queries.Service
	JWTMgr              *auth.JWTManager
	APIKeyHash          string
	KeyHasher           *auth.KeyHasher
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hasher := d.KeyHasher
	if hasher == nil {
		hasher, _ = auth.NewKeyHasher(auth.DefaultArgon2Params())
	}
	return &Handlers{
		queries:             d.Queries,
		jwtMgr:              d.JWTMgr,
		apiKeyHash:          d.APIKeyHash,
		hasher:              hasher,
		logger:              logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		openapiSpec:         d.OpenAPISpec,
	}
}

// HandleAuthToken handles POST /auth/token.
// The API key is checked against the configured Argon2id hash. Requests are
// verified in constant time whether or not a hash is configured.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := model.ValidateUserID(req.UserID); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	if h.apiKeyHash == "" {
		h.hasher.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}
	valid, err := h.hasher.Verify(req.APIKey, h.apiKeyHash)
	if err != nil {
		h.logger.Warn("stored api key hash is unusable", "error", err)
	}
	if err != nil || !valid {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(req.UserID)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}

	h.logger.Info("token issued", "user_id", req.UserID, "request_id", RequestIDFromContext(r.Context()))
	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	store := h.queries.Store()
	storeStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := store.Ping(r.Context()); err != nil {
		storeStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	resp := model.HealthResponse{
		Status:          status,
		Version:         h.version,
		Store:           store.Name(),
		StoreStatus:     storeStatus,
		ActiveQueries:   h.queries.InFlight(),
		ProgressStreams: h.queries.Hub().Len(),
		Uptime:          int64(time.Since(h.startedAt).Seconds()),
	}
	if relay := h.queries.Hub().Relay(); relay != nil {
		resp.Relay = relay.Name()
	}

	writeJSON(w, r, httpStatus, resp)
}

// HandleMolecules handles GET /v1/molecules.
func (h *Handlers) HandleMolecules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, model.SupportedMolecules)
}

// HandleOpenAPISpec serves the embedded OpenAPI document.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// HandleAgents handles GET /v1/agents.
func (h *Handlers) HandleAgents(w http.ResponseWriter, r *http.Request) {
	info, err := h.queries.PipelineInfo(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "failed to load pipeline info", err)
		return
	}
	writeJSON(w, r, http.StatusOK, info)
}

// HandleStats handles GET /v1/stats for the calling user.
func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	stats, err := h.queries.GetStatistics(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, r, "failed to load statistics", err)
		return
	}
	writeJSON(w, r, http.StatusOK, stats)
}

// HandleCancelPipeline handles POST /v1/pipeline/cancel.
func (h *Handlers) HandleCancelPipeline(w http.ResponseWriter, r *http.Request) {
	n := h.queries.CancelAll()
	h.logger.Info("pipeline cancel requested", "runs", n, "request_id", RequestIDFromContext(r.Context()))
	writeJSON(w, r, http.StatusAccepted, map[string]int{"cancelled_runs": n})
}

// --- Shared helpers ---

// writeServiceError maps service sentinels to API error codes. Anything
// unrecognised is logged and reported as an internal error.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	switch {
	case errors.Is(err, queries.ErrUnsupportedMolecule):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeUnsupportedMolecule, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "query not found")
	case errors.Is(err, storage.ErrInvalidTransition):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "query has already been executed")
	case errors.Is(err, auth.ErrAuthenticationRequired):
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "authentication required")
	default:
		h.writeInternalError(w, r, msg, err)
	}
}

func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

// callerID returns the authenticated user, writing a 401 when absent.
func callerID(w http.ResponseWriter, r *http.Request) (string, bool) {
	claims := ClaimsFromContext(r.Context())
	if claims == nil || claims.UserID == "" {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "authentication required")
		return "", false
	}
	return claims.UserID, true
}

func parseQueryID(r *http.Request) (int64, error) {
	raw := r.PathValue("id")
	if raw == "" {
		return 0, fmt.Errorf("query id is required")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid query id: %s", raw)
	}
	return id, nil
}

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 1000

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// maxQueryOffset prevents absurdly large offset values that cause expensive sequential scans.
const maxQueryOffset = 100_000

// queryOffset returns a bounded, non-negative offset from query params.
func queryOffset(r *http.Request) int {
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		return 0
	}
	if offset > maxQueryOffset {
		return maxQueryOffset
	}
	return offset
}

// queryLimit returns a bounded limit value from query params.
// Values are clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	limit := queryInt(r, "limit", defaultVal)
	if limit < 1 {
		return 1
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}
