package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"item-image-pipeline/internal/logger"
	"item-image-pipeline/internal/models"
	"item-image-pipeline/internal/pipeline"
)

var (
	runItem         string
	runBatchSize    int
	runRecoverStale bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Process one item or one queue batch and print the result as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		req := pipeline.Request{BatchSize: runBatchSize, RecoverStale: runRecoverStale}
		if runItem != "" {
			id, err := uuid.Parse(runItem)
			if err != nil {
				return fmt.Errorf("--item must be a UUID: %w", err)
			}
			req.ItemID = &id
		}
		if runBatchSize < 0 || runBatchSize > models.MaxBatchSize {
			return fmt.Errorf("--batch-size must be between 1 and %d", models.MaxBatchSize)
		}

		cfg, err := models.LoadConfig(configPath)
		if err != nil {
			return err
		}
		log := logger.New(cfg.Log)
		defer log.Sync()

		ctx := context.Background()
		a, err := newApp(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer a.Close()

		resp, err := a.dispatcher.Dispatch(ctx, req)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	},
}

func init() {
	runCmd.Flags().StringVar(&runItem, "item", "", "process this item id directly")
	runCmd.Flags().IntVar(&runBatchSize, "batch-size", 0, "jobs to claim in queue mode (default from config)")
	runCmd.Flags().BoolVar(&runRecoverStale, "recover-stale", false, "requeue stale jobs before claiming")
}
