package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"catalog-sync-service/internal/config"
	"catalog-sync-service/internal/logger"
	"catalog-sync-service/internal/model"
	"catalog-sync-service/internal/sync"
)

var (
	configPath string
	runKind    string

	rootCmd = &cobra.Command{
		Use:          "catalog-sync",
		Short:        "Multi-platform catalog, inventory, price and order sync engine",
		SilenceUsage: true,
		RunE:         runServe,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the scheduled sync",
		RunE:  runServe,
	}

	runOnceCmd = &cobra.Command{
		Use:   "run-once",
		Short: "Run a single sync and print the recorded run",
		RunE:  runOnce,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the config file")
	runOnceCmd.Flags().StringVar(&runKind, "kind", string(model.KindFull), "sync kind: full, inventory, prices, products or orders")
	rootCmd.AddCommand(serveCmd, runOnceCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setup() (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := logger.InitLogger(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		return nil, fmt.Errorf("failed to init logger: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Log.Info("Starting catalog sync service")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	scheduler := sync.NewScheduler(cfg.Scheduler, a.manager)
	scheduler.Start(a.policies.Current())
	a.policies.Subscribe(scheduler.Apply)
	defer scheduler.Stop()

	if cfg.CatalogFeed.Enabled {
		feed, err := sync.NewCatalogFeed(cfg.CatalogFeed, a.policies, a.dispatcher)
		if err != nil {
			return err
		}
		if err := feed.Start(); err != nil {
			return err
		}
		defer feed.Stop()
	}

	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      a.handler(),
		ReadTimeout:  cfg.Server.GetReadTimeout(),
		WriteTimeout: cfg.Server.GetWriteTimeout(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Log.Info("Server listening", zap.String("addr", serverAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Log.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.Warn("Server shutdown incomplete", zap.Error(err))
	}
	return nil
}

func runOnce(cmd *cobra.Command, args []string) error {
	kind, err := model.ParseRunKind(runKind)
	if err != nil {
		return err
	}
	cfg, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	go func() {
		<-ctx.Done()
		_, _ = a.manager.Cancel()
	}()

	run, runErr := a.manager.SyncNow(kind, model.InitiatorUser)
	if run.ID != "" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(run); err != nil {
			return err
		}
	}
	if runErr != nil {
		return runErr
	}
	if run.Status == model.RunError {
		return fmt.Errorf("sync run %s finished with status %s", run.ID, run.Status)
	}
	return nil
}
