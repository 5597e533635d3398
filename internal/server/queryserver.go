package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"
	"go.uber.org/zap"

	"github.com/sharding-system/internal/api"
	"github.com/sharding-system/internal/middleware"
	"github.com/sharding-system/pkg/config"
	"github.com/sharding-system/pkg/security"
	"github.com/sharding-system/pkg/shardquery"
)

// QueryServer is the HTTP server exposing the multi-shard query
// surface: POST /v1/query, GET /v1/query/{id}/cancel, /metrics, and
// the swagger UI.
type QueryServer struct {
	server  *http.Server
	logger  *zap.Logger
	handler *api.QueryHandler
}

// NewQueryServer wires the query handler behind CORS, request logging,
// JWT auth, and per-action RBAC, mirroring the router server's
// middleware order.
func NewQueryServer(
	cfg *config.Config,
	conn *shardquery.MultiShardConnection,
	authManager *security.AuthManager,
	logger *zap.Logger,
) (*QueryServer, error) {
	handler := api.NewQueryHandler(conn, logger, cfg.MultiShard)
	if cfg.Security.AuditLogPath != "" {
		auditLogger, err := security.NewAuditLogger(cfg.Security.AuditLogPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit log: %w", err)
		}
		handler = handler.WithAuditLogger(auditLogger)
	}
	muxRouter := mux.NewRouter()

	muxRouter.Use(middleware.CORS)
	muxRouter.Use(middleware.Logging(logger))
	muxRouter.Use(middleware.RequestSizeLimit(middleware.DefaultMaxRequestSize))
	muxRouter.Use(middleware.ContentTypeValidation([]string{"application/json"}))
	if cfg.Security.EnableRBAC {
		muxRouter.Use(middleware.AuthMiddleware(authManager))
	}

	authHandler, err := api.NewAuthHandler(authManager, cfg.Security.UserStoreDSN, cfg.Security.BaseURL, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build auth handler: %w", err)
	}
	api.SetupAuthRoutes(muxRouter, authHandler)

	// mux matches routes in registration order, so the role-gated routes
	// go first and take precedence over the plain ones below.
	if cfg.Security.EnableRBAC {
		muxRouter.Handle("/v1/query", api.RequireRole(authManager, "execute")(http.HandlerFunc(handler.ExecuteQuery))).Methods("POST")
		muxRouter.Handle("/v1/query/{id}/cancel", api.RequireRole(authManager, "cancel")(http.HandlerFunc(handler.CancelQuery))).Methods("GET")
	}
	api.SetupQueryRoutes(muxRouter, handler)

	muxRouter.HandleFunc("/v1/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods("GET")

	muxRouter.Handle("/metrics", promhttp.Handler()).Methods("GET", "OPTIONS")
	muxRouter.PathPrefix("/swagger/").Handler(httpSwagger.WrapHandler)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      muxRouter,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return &QueryServer{server: httpServer, logger: logger, handler: handler}, nil
}

// UpdateMultiShardDefaults swaps the completeness policy, timeouts, and
// retry budgets applied to commands created after this call. Wired to
// pkg/config's HotReloader so a config file edit takes effect without
// restarting the process.
func (s *QueryServer) UpdateMultiShardDefaults(defaults config.MultiShardConfig) {
	s.handler.SetDefaults(defaults)
}

// Start runs the HTTP server until it is shut down.
func (s *QueryServer) Start() error {
	s.logger.Info("starting query server", zap.String("address", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// StartAsync starts the server in a goroutine.
func (s *QueryServer) StartAsync() {
	go func() {
		if err := s.Start(); err != nil {
			s.logger.Fatal("query server failed", zap.Error(err))
		}
	}()
}

// Shutdown gracefully drains the server.
func (s *QueryServer) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down query server")
	return s.server.Shutdown(ctx)
}
