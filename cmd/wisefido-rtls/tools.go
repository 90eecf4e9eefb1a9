package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"wisefido-rtls/internal/alert"
	"wisefido-rtls/internal/evaluator"
	"wisefido-rtls/internal/models"
	"wisefido-rtls/internal/registry"
	"wisefido-rtls/internal/repository"
	"wisefido-rtls/internal/service"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newReplayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay",
		Short: "Rebuild state from the journal without serving and print a summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx := context.Background()
			db, err := openDB(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer db.Close()

			engine := service.NewEngine(cfg, service.Deps{}, log)
			stats, err := engine.Replay(ctx, repository.NewEventLogRepository(db, log))
			if err != nil {
				return err
			}

			_, alertTotal := engine.Alerts(alert.Filter{})
			_, openTotal := engine.Alerts(alert.Filter{Status: models.AlertOpen})
			fmt.Printf("Replayed records: snapshots=%d telemetry=%d positions=%d alerts=%d skipped=%d\n",
				stats.Snapshots, stats.Telemetry, stats.Positions, stats.Alerts, stats.Skipped)
			fmt.Printf("Anchors: %d\n", len(engine.Anchors(registry.Filter{})))
			fmt.Printf("Tags:    %d\n", len(engine.Tags(registry.Filter{})))
			fmt.Printf("Alerts:  %d (open %d)\n", alertTotal, openTotal)
			return nil
		},
	}
}

func newPurgeCmd() *cobra.Command {
	var retention time.Duration

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Compact journal telemetry and delete positions older than the retention horizon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer log.Sync()

			if retention <= 0 {
				retention = cfg.Track.Retention
			}
			ctx := context.Background()
			db, err := openDB(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer db.Close()

			// 压缩遥测需要当前实体状态，先从日志重建
			repo := repository.NewEventLogRepository(db, log)
			engine := service.NewEngine(cfg, service.Deps{Purger: repo}, log)
			if _, err := engine.Replay(ctx, repo); err != nil {
				return err
			}
			before := time.Now().Add(-retention)
			stats, err := engine.Purge(ctx, before)
			if err != nil {
				return err
			}
			fmt.Printf("Purged %d journal rows older than %s\n", stats.Journal, before.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().DurationVar(&retention, "retention", 0, "retention horizon (default TRACK_RETENTION)")
	return cmd
}

func newGeofenceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "geofence",
		Short: "Manage geofence configuration",
	}
	cmd.AddCommand(newGeofenceImportCmd(), newGeofenceListCmd())
	return cmd
}

// newGeofenceImportCmd 从 JSON 文件导入围栏；整组校验通过才写入
func newGeofenceImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE",
		Short: "Validate and upsert geofences from a JSON array file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer log.Sync()

			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", args[0], err)
			}
			var fences []models.Geofence
			if err := json.Unmarshal(raw, &fences); err != nil {
				return fmt.Errorf("failed to parse %s: %w", args[0], err)
			}
			if err := evaluator.NewEvaluator(log).SetGeofences(fences); err != nil {
				return err
			}

			ctx := context.Background()
			db, err := openDB(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer db.Close()

			repo := repository.NewGeofenceRepository(db, log)
			if err := repo.EnsureSchema(ctx); err != nil {
				return err
			}
			for _, g := range fences {
				if err := repo.UpsertGeofence(ctx, g); err != nil {
					return err
				}
			}
			log.Info("Geofences imported", zap.Int("count", len(fences)))
			fmt.Printf("Imported %d geofences\n", len(fences))
			return nil
		},
	}
}

func newGeofenceListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Print configured geofences",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx := context.Background()
			db, err := openDB(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer db.Close()

			fences, err := repository.NewGeofenceRepository(db, log).ListGeofences(ctx)
			if err != nil {
				return err
			}
			fmt.Println("ID | Name | Rule | Dwell(s) | Active | Vertices")
			for _, g := range fences {
				fmt.Printf("%s | %s | %s | %d | %v | %d\n", g.ID, g.Name, g.Rule, g.DwellSec, g.Active, len(g.Polygon))
			}
			return nil
		},
	}
}
