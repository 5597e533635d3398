package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/sharding-system/internal/server"
	"github.com/sharding-system/pkg/config"
	"github.com/sharding-system/pkg/logging"
	"github.com/sharding-system/pkg/security"
	"github.com/sharding-system/pkg/shardcatalog"
	"github.com/sharding-system/pkg/shardquery"
)

// @title Multi-Shard Query API
// @version 1.0
// @description Fans a read-only SQL statement out to every shard in the current catalog snapshot and streams the merged result.
// @termsOfService http://swagger.io/terms/
// @contact.name API Support
// @license.name MIT
// @license.url https://opensource.org/licenses/MIT
// @host localhost:8080
// @BasePath /v1
func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/queryserver.json"
	}

	bootstrapCfg, err := config.LoadConfig(configPath)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	appLogger, err := logging.NewLogger(logging.LogConfig{
		Level:        logging.LogLevel(bootstrapCfg.Observability.LogLevel),
		Format:       logging.LogFormatJSON,
		EnableCaller: true,
	})
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	logger := appLogger.Logger
	defer appLogger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hotReloader, err := config.NewHotReloader(logger, config.HotReloaderConfig{ConfigPath: configPath})
	if err != nil {
		logger.Fatal("failed to initialize config hot-reloader", zap.Error(err))
	}
	cfg := hotReloader.GetConfig()

	provider, err := newSnapshotProvider(cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize shard catalog", zap.Error(err))
	}

	initial, err := provider.Snapshot(ctx)
	if err != nil {
		logger.Fatal("failed to load initial shard snapshot", zap.Error(err))
	}
	if len(initial) == 0 {
		logger.Fatal("shard catalog snapshot is empty; refusing to start with no shards")
	}

	client := shardquery.NewSQLShardClient(shardCredentialSource(cfg, ctx))
	conn, err := shardquery.NewMultiShardConnection(initial, shardquery.ConnectionTemplate{}, client, logger)
	if err != nil {
		logger.Fatal("failed to build multi-shard connection", zap.Error(err))
	}

	refresher := shardcatalog.NewRefresher(provider, cfg.MultiShard.RefreshSchedule, logger)
	go func() {
		if err := refresher.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("shard catalog refresher stopped", zap.Error(err))
		}
	}()
	watchShardUpdates(ctx, refresher, conn, logger)

	authManager := security.NewAuthManager(cfg.Security.JWTSecret)

	srv, err := server.NewQueryServer(cfg, conn, authManager, logger)
	if err != nil {
		logger.Fatal("failed to create query server", zap.Error(err))
	}
	srv.StartAsync()

	hotReloader.OnReload(func(old, newCfg *config.Config) error {
		srv.UpdateMultiShardDefaults(newCfg.MultiShard)
		return nil
	})
	go hotReloader.Start(ctx)

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.WriteTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
}

// newSnapshotProvider builds the shard catalog backend named by
// cfg.MultiShard.CatalogBackend.
func newSnapshotProvider(cfg *config.Config, logger *zap.Logger) (shardcatalog.SnapshotProvider, error) {
	switch cfg.MultiShard.CatalogBackend {
	case "kubernetes":
		return shardcatalog.NewKubernetesSnapshotProvider(cfg.MultiShard.CatalogNamespace, logger)
	default:
		endpoints := cfg.MultiShard.CatalogEndpoints
		if len(endpoints) == 0 {
			endpoints = cfg.Metadata.Endpoints
		}
		return shardcatalog.NewEtcdSnapshotProvider(endpoints, cfg.MultiShard.CatalogPrefix, logger)
	}
}

// shardCredentialSource returns the static shard password from config.
// Deployments authenticating shards via managed IAM instead should
// build a security.OAuth2CredentialSource (see pkg/security/credentials.go)
// and pass it to shardquery.NewSQLShardClient in its place.
func shardCredentialSource(cfg *config.Config, ctx context.Context) shardquery.CredentialSource {
	return shardquery.StaticCredentials(cfg.Metadata.Password)
}

// watchShardUpdates swaps conn.Shards in place whenever the refresher
// publishes a changed snapshot, so the connection always dispatches
// against the current shard set without restarting the process.
func watchShardUpdates(ctx context.Context, refresher *shardcatalog.Refresher, conn *shardquery.MultiShardConnection, logger *zap.Logger) {
	updates, unsubscribe := refresher.Subscribe()
	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case snap, ok := <-updates:
				if !ok {
					return
				}
				conn.Shards = snap
				logger.Info("shard snapshot updated", zap.Int("shard_count", len(snap)))
			}
		}
	}()
}
