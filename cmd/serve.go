package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"item-image-pipeline/internal/events"
	"item-image-pipeline/internal/logger"
	"item-image-pipeline/internal/models"
	"item-image-pipeline/internal/pipeline"
	"item-image-pipeline/internal/server"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve POST /process-item-image, plus the optional scheduled poll and upload consumer",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := models.LoadConfig(configPath)
		if err != nil {
			return err
		}
		log := logger.New(cfg.Log)
		defer log.Sync()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Missing credentials keep the server up so callers get a
		// configuration error instead of a refused connection.
		var (
			dispatcher server.Dispatcher
			configErr  error
			a          *app
		)
		a, err = newApp(ctx, cfg, log)
		switch {
		case errors.Is(err, models.ErrConfig):
			configErr = err
			log.Error("service_misconfigured", zap.Error(err))
		case err != nil:
			return err
		default:
			defer a.Close()
			dispatcher = a.dispatcher
		}

		srv := server.NewServer(cfg.ServerAddr, dispatcher, configErr, log)
		go func() {
			log.Info("server_started", zap.String("addr", cfg.ServerAddr))
			if err := srv.Start(); err != nil {
				log.Fatal("server_failed", zap.Error(err))
			}
		}()

		var wg sync.WaitGroup
		var scheduler *cron.Cron
		if a != nil {
			scheduler, err = startScheduler(ctx, cfg.PollSchedule, a.dispatcher, log)
			if err != nil {
				return err
			}
			if cfg.KafkaEnabled() && cfg.KafkaUploadTopic != "" {
				consumer := events.NewConsumer(cfg.KafkaBrokers, cfg.KafkaUploadTopic, cfg.KafkaGroupID, a.db, cfg.JobMaxAttempts, log)
				wg.Add(1)
				go func() {
					defer wg.Done()
					defer consumer.Close()
					if err := consumer.Run(ctx); err != nil {
						log.Error("upload_consumer_stopped", zap.Error(err))
					}
				}()
			}
		}

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		log.Info("shutdown_started")

		stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer stopCancel()

		if err := srv.Stop(stopCtx); err != nil {
			log.Error("server_shutdown_failed", zap.Error(err))
		}
		if scheduler != nil {
			select {
			case <-scheduler.Stop().Done():
			case <-stopCtx.Done():
				log.Warn("scheduled_poll_still_running")
			}
		}
		cancel()
		wg.Wait()
		log.Info("shutdown_complete")
		return nil
	},
}

// startScheduler runs queue mode with stale recovery on schedule. An empty
// schedule disables it. Overlapping runs are skipped.
func startScheduler(ctx context.Context, schedule string, d *pipeline.Dispatcher, log *zap.Logger) (*cron.Cron, error) {
	if schedule == "" {
		return nil, nil
	}
	c := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.PrintfLogger(zap.NewStdLog(log))),
	))
	_, err := c.AddFunc(schedule, func() {
		resp, err := d.Dispatch(ctx, pipeline.Request{RecoverStale: true})
		if err != nil {
			log.Error("scheduled_poll_failed", zap.Error(err))
			return
		}
		log.Info("scheduled_poll_complete",
			zap.Intp("processed", resp.Processed),
			zap.Intp("failed", resp.Failed),
			zap.Intp("recovered", resp.Recovered),
		)
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	log.Info("scheduled_poll_enabled", zap.String("schedule", schedule))
	return c, nil
}
