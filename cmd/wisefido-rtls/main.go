package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"wisefido-rtls/common/database"
	"wisefido-rtls/common/logger"
	"wisefido-rtls/internal/config"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const serviceName = "wisefido-rtls"

func main() {
	rootCmd := &cobra.Command{
		Use:          serviceName,
		Short:        "Real-time entity state and alerting engine for RTLS anchors and tags",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newReplayCmd(),
		newPurgeCmd(),
		newGeofenceCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup 加载配置并初始化日志
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, serviceName)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to init logger: %w", err)
	}
	return cfg, log, nil
}

func openDB(ctx context.Context, cfg *config.Config, log *zap.Logger) (*sql.DB, error) {
	db, err := database.NewPostgresDB(ctx, &cfg.Database)
	if err != nil {
		return nil, err
	}
	log.Info("Connected to database",
		zap.String("host", cfg.Database.Host),
		zap.String("database", cfg.Database.Database),
	)
	return db, nil
}
