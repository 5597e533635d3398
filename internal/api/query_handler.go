package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sharding-system/internal/errors"
	"github.com/sharding-system/pkg/config"
	"github.com/sharding-system/pkg/security"
	"github.com/sharding-system/pkg/shardquery"
	"go.uber.org/zap"
)

// @title Multi-Shard Query API
// @version 1.0
// @description Fans a read-only SQL statement out to every shard in the
// @description current catalog snapshot and streams the merged result.
// @termsOfService http://swagger.io/terms/
// @contact.name API Support
// @license.name MIT
// @license.url https://opensource.org/licenses/MIT
// @host localhost:8080
// @BasePath /v1

// QueryRequest is the POST /v1/query body.
type QueryRequest struct {
	SQL             string         `json:"sql"`
	Parameters      []any          `json:"parameters,omitempty"`
	Policy          string         `json:"policy,omitempty"` // "complete" or "partial"; empty uses the configured default
	IncludeShard    bool           `json:"include_shard_name,omitempty"`
	PerShardTimeout string         `json:"per_shard_timeout,omitempty"`
	OverallTimeout  string         `json:"overall_timeout,omitempty"`
}

// QueryResponse is the envelope preceding the streamed row body: rows
// themselves follow as newline-delimited JSON arrays, one per row, so a
// client can start consuming before the last shard has finished.
type QueryResponse struct {
	InvocationID string   `json:"invocation_id"`
	Columns      []string `json:"columns"`
}

// QueryHandler exposes a Command-per-request multi-shard query surface
// over HTTP: one request executes one command to completion (or
// cancellation) and streams its merged rows back.
type QueryHandler struct {
	conn   *shardquery.MultiShardConnection
	logger *zap.Logger
	audit  *security.AuditLogger

	defaults atomic.Pointer[config.MultiShardConfig]

	mu       sync.Mutex
	inFlight map[string]*shardquery.Command
}

// NewQueryHandler builds a handler against the given multi-shard
// connection (shards, client, logger already resolved) and the
// MultiShard config section this process was started with: policy,
// timeouts, and retry budgets apply to every command that doesn't
// override them in its request body. No audit logger is attached; until
// one is set with WithAuditLogger, execute/cancel events are not
// recorded.
func NewQueryHandler(conn *shardquery.MultiShardConnection, logger *zap.Logger, defaults config.MultiShardConfig) *QueryHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &QueryHandler{conn: conn, logger: logger, inFlight: make(map[string]*shardquery.Command)}
	h.defaults.Store(&defaults)
	return h
}

// WithAuditLogger attaches an audit logger and returns the handler.
func (h *QueryHandler) WithAuditLogger(audit *security.AuditLogger) *QueryHandler {
	h.audit = audit
	return h
}

// SetDefaults replaces the MultiShard defaults applied to commands
// created after this call; existing in-flight commands are unaffected.
// Used to pick up configuration hot-reloads without a restart.
func (h *QueryHandler) SetDefaults(defaults config.MultiShardConfig) {
	h.defaults.Store(&defaults)
}

func (h *QueryHandler) logAudit(r *http.Request, action string, success bool, errMsg string) {
	if h.audit == nil {
		return
	}
	username, _ := r.Context().Value("username").(string)
	h.audit.Log(security.AuditEvent{
		User:     username,
		Action:   action,
		Resource: "query",
		Success:  success,
		Error:    errMsg,
		IP:       r.RemoteAddr,
	})
}

// ExecuteQuery runs a multi-shard command and streams its rows.
// @Summary Execute a multi-shard query
// @Description Fans out sql to every shard in the catalog and streams the merged, UNION ALL result as newline-delimited JSON row arrays
// @Tags query
// @Accept json
// @Produce json
// @Param request body QueryRequest true "Query request"
// @Success 200 {object} QueryResponse "Query accepted, rows follow as newline-delimited JSON"
// @Failure 400 {object} map[string]interface{} "Bad request"
// @Failure 500 {object} map[string]interface{} "Execution failed"
// @Router /query [post]
func (h *QueryHandler) ExecuteQuery(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, errors.Wrap(err, http.StatusBadRequest, "invalid request body"))
		return
	}
	if req.SQL == "" {
		h.writeError(w, errors.New(http.StatusBadRequest, "sql is required"))
		return
	}

	defaults := h.defaults.Load()

	overallTimeout, err := parseOptionalDuration(req.OverallTimeout)
	if err != nil {
		h.writeError(w, errors.Wrap(err, http.StatusBadRequest, "invalid overall_timeout"))
		return
	}
	if overallTimeout == 0 && defaults != nil {
		overallTimeout = defaults.OverallTimeout
	}

	cmd := shardquery.NewCommand(h.conn, req.SQL, overallTimeout)
	for i, p := range req.Parameters {
		cmd.AddParameter(paramName(i), p)
	}

	switch {
	case req.Policy == "partial":
		cmd.Policy = shardquery.PolicyPartial
	case req.Policy == "complete":
		cmd.Policy = shardquery.PolicyComplete
	case defaults != nil && defaults.Policy == "partial":
		cmd.Policy = shardquery.PolicyPartial
	}

	cmd.Options.IncludeShardName = req.IncludeShard
	if defaults != nil {
		cmd.Options.IncludeShardName = cmd.Options.IncludeShardName || defaults.IncludeShardName
	}

	perShard, err := parseOptionalDuration(req.PerShardTimeout)
	if err != nil {
		h.writeError(w, errors.Wrap(err, http.StatusBadRequest, "invalid per_shard_timeout"))
		return
	}
	if perShard == 0 && defaults != nil {
		perShard = defaults.PerShardTimeout
	}
	if perShard > 0 {
		cmd.SetPerShardTimeout(perShard)
	}

	if defaults != nil {
		if defaults.MaxConnectionRetries > 0 {
			cmd.ConnRetry.MaxAttempts = defaults.MaxConnectionRetries
		}
		if defaults.MaxCommandRetries > 0 {
			cmd.CmdRetry.MaxAttempts = defaults.MaxCommandRetries
		}
	}

	invocationID := uuid.NewString()
	h.register(invocationID, cmd)
	defer h.unregister(invocationID)

	w.Header().Set("X-Invocation-Id", invocationID)
	reader, err := cmd.ExecuteReader(r.Context(), shardquery.BehaviorDefault)
	if err != nil {
		h.logger.Error("multi-shard query failed", zap.String("invocation_id", invocationID), zap.Error(err))
		h.logAudit(r, "execute", false, err.Error())
		h.writeError(w, errors.Wrap(err, http.StatusInternalServerError, "query execution failed"))
		return
	}
	defer reader.Close()

	h.logAudit(r, "execute", true, "")
	h.streamRows(w, r, invocationID, reader)
}

func (h *QueryHandler) streamRows(w http.ResponseWriter, r *http.Request, invocationID string, reader *shardquery.MergedReader) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	columns := make([]string, 0, reader.FieldCount())
	for _, col := range reader.GetSchemaTable() {
		columns = append(columns, col.Name)
	}
	envelope, _ := json.Marshal(QueryResponse{InvocationID: invocationID, Columns: columns})
	w.Write(envelope)
	w.Write([]byte("\n"))

	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)

	for {
		ok, err := reader.Next(r.Context())
		if err != nil {
			h.logger.Warn("row stream ended with an error", zap.String("invocation_id", invocationID), zap.Error(err))
			return
		}
		if !ok {
			break
		}
		values, err := reader.Values(r.Context())
		if err != nil {
			h.logger.Warn("failed to read row values", zap.String("invocation_id", invocationID), zap.Error(err))
			return
		}
		if err := enc.Encode(values); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	if exceptions := reader.MultiShardExceptions(); len(exceptions) > 0 {
		h.logger.Warn("query completed with partial shard failures",
			zap.String("invocation_id", invocationID), zap.Int("failed_shards", len(exceptions)))
	}
}

// CancelQuery cancels an in-flight invocation by ID.
// @Summary Cancel an in-flight multi-shard query
// @Tags query
// @Produce json
// @Param id path string true "Invocation ID"
// @Success 202 {object} map[string]interface{} "Cancellation requested"
// @Failure 404 {object} map[string]interface{} "No such invocation"
// @Router /query/{id}/cancel [get]
func (h *QueryHandler) CancelQuery(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	h.mu.Lock()
	cmd, ok := h.inFlight[id]
	h.mu.Unlock()

	if !ok {
		h.logAudit(r, "cancel", false, "no in-flight invocation with that id")
		h.writeError(w, errors.New(http.StatusNotFound, "no in-flight invocation with that id"))
		return
	}

	cmd.Cancel()
	h.logAudit(r, "cancel", true, "")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]any{"invocation_id": id, "status": "cancelling"})
}

func (h *QueryHandler) register(id string, cmd *shardquery.Command) {
	h.mu.Lock()
	h.inFlight[id] = cmd
	h.mu.Unlock()
}

func (h *QueryHandler) unregister(id string) {
	h.mu.Lock()
	delete(h.inFlight, id)
	h.mu.Unlock()
}

func (h *QueryHandler) writeError(w http.ResponseWriter, err *errors.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.HTTPStatus())
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"code": err.Code, "message": err.Message},
	})
}

func parseOptionalDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

func paramName(i int) string {
	return "p" + strconv.Itoa(i+1)
}

// RequireRole builds middleware that checks the caller's JWT-derived
// roles (attached to the request context by middleware.AuthMiddleware
// under the "roles" key) against the "query" resource, so POST
// /v1/query and the cancel endpoint can demand different actions
// without a second auth layer.
func RequireRole(authManager *security.AuthManager, action string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			roles, _ := r.Context().Value("roles").([]string)
			claims := &security.Claims{Roles: roles}
			if !authManager.Authorize(claims, "query", action) {
				http.Error(w, `{"error":{"code":"FORBIDDEN","message":"insufficient role for this action"}}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SetupQueryRoutes registers the query endpoints on router, matching
// the teacher's SetupRouterRoutes shape.
func SetupQueryRoutes(router *mux.Router, handler *QueryHandler) {
	router.HandleFunc("/v1/query", handler.ExecuteQuery).Methods("POST", "OPTIONS")
	router.HandleFunc("/v1/query/{id}/cancel", handler.CancelQuery).Methods("GET", "OPTIONS")
}
