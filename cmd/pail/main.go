package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"pail/internal/api"
	"pail/internal/blob"
	"pail/internal/cache"
	"pail/internal/engine"
	"pail/internal/metadata"
)

var rootCmd = &cobra.Command{
	Use:   "pail",
	Short: "Single-node bucket/object storage service",
	Long: "pail stores byte-stream objects under named buckets, keeping SQLite " +
		"metadata and filesystem payloads consistent behind an LRU metadata cache.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context())
	},
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", "", "config file (default: ./pail.yaml)")
	rootCmd.PersistentFlags().String("listen", ":3000", "HTTP listen address")
	rootCmd.PersistentFlags().String("data-dir", "./data", "base directory for metadata and object storage")
	rootCmd.PersistentFlags().Int("cache-size", 1024, "maximum entries in the object metadata cache")

	viper.BindPFlag("listen", rootCmd.PersistentFlags().Lookup("listen"))
	viper.BindPFlag("data_dir", rootCmd.PersistentFlags().Lookup("data-dir"))
	viper.BindPFlag("cache_size", rootCmd.PersistentFlags().Lookup("cache-size"))
}

func initConfig() {
	if cfg := rootCmd.PersistentFlags().Lookup("config").Value.String(); cfg != "" {
		viper.SetConfigFile(cfg)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("pail")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("PAIL")
	viper.AutomaticEnv()

	viper.ReadInConfig()
}

func run(ctx context.Context) error {
	handler := log.NewWithOptions(os.Stdout, log.Options{
		Level:           log.DebugLevel,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
	})
	slog.SetDefault(slog.New(handler))

	// Resolve the data directory to an absolute path for easier debugging.
	dataDir, err := filepath.Abs(viper.GetString("data_dir"))
	if err != nil {
		return fmt.Errorf("failed to resolve data directory: %w", err)
	}

	metadataDir := filepath.Join(dataDir, "metadata")
	objectsDir := filepath.Join(dataDir, "objects")
	for _, dir := range []string{metadataDir, objectsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	meta, err := metadata.Open(ctx, filepath.Join(metadataDir, "metadata.sqlite"))
	if err != nil {
		return fmt.Errorf("failed to open metadata store: %w", err)
	}
	defer meta.Close()

	metaCache, err := cache.New(viper.GetInt("cache_size"))
	if err != nil {
		return fmt.Errorf("failed to create metadata cache: %w", err)
	}

	registry := prometheus.NewRegistry()
	eng := engine.New(meta, blob.NewStore(objectsDir), metaCache, engine.NewMetrics(registry))
	server := api.New(eng, registry)

	httpServer := &http.Server{
		Addr:              viper.GetString("listen"),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 20 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	eg.Go(func() error {
		slog.Info("Starting pail HTTP server", "addr", httpServer.Addr, "data_dir", dataDir)
		err := httpServer.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	return eg.Wait()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("pail exited with error", "error", err)
		os.Exit(1)
	}
}
