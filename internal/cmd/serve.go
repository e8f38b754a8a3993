package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/MeKo-Tech/rooftop/internal/config"
	"github.com/MeKo-Tech/rooftop/internal/jobs"
	"github.com/MeKo-Tech/rooftop/internal/pipeline"
	"github.com/MeKo-Tech/rooftop/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the detection API server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "0.0.0.0", "Listen host")
	serveCmd.Flags().Int("port", 5050, "Listen port")

	mustBind := func(key string, name string) {
		if err := viper.BindPFlag(key, serveCmd.Flags().Lookup(name)); err != nil {
			panic(fmt.Sprintf("failed to bind flag: %v", err))
		}
	}

	mustBind("HOST", "host")
	mustBind("PORT", "port")
}

func runServe(cmd *cobra.Command, args []string) error {
	if logger == nil {
		initLogging()
	}

	settings := config.Load(viper.GetViper())

	source, closeSource, err := buildSource(settings)
	if err != nil {
		return fmt.Errorf("configuring tile source: %w", err)
	}
	defer closeSource()

	detector, err := buildDetector(settings)
	if err != nil {
		return fmt.Errorf("configuring detector: %w", err)
	}
	if detector == nil {
		logger.Warn("no detector configured, detection endpoints will answer 503",
			"hint", "set MODEL_URL to the inference server")
	}

	mgr := jobs.NewManager(jobs.ManagerConfig{
		MaxConcurrent: settings.MaxConcurrentJobs,
		IDMinLength:   settings.JobIDMinLength,
		IDMaxLength:   settings.JobIDMaxLength,
		Logger:        logger,
	})
	exec := jobs.NewExecutor(mgr, logger)
	runner := pipeline.NewRunner(&pipeline.Runtime{
		Detector: detector,
		Source:   source,
		Jobs:     mgr,
		Logger:   logger,
	})

	srv := server.New(server.Config{
		Runner:   runner,
		Jobs:     mgr,
		Executor: exec,
		Detector: detector,
		Defaults: settings.DefaultParams(),
		Logger:   logger,
	})

	addr := fmt.Sprintf("%s:%d", settings.Host, settings.Port)
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	cleanupInterval := settings.JobCleanupInterval
	if cleanupInterval <= 0 {
		cleanupInterval = time.Hour
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("detection API listening",
			"addr", addr,
			"model_loaded", detector != nil,
			"max_concurrent_jobs", settings.MaxConcurrentJobs,
			"cleanup_interval", cleanupInterval,
		)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				mgr.CleanupOlderThan(cleanupInterval)
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	exec.Wait()
	return err
}
