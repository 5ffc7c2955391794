// gallery-archiver builds downloadable ZIP archives for gallery orders
// from objects in blob storage.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/prooflab/gallery-archiver/internal/api"
	"github.com/prooflab/gallery-archiver/internal/config"
	"github.com/prooflab/gallery-archiver/internal/events"
	"github.com/prooflab/gallery-archiver/internal/failure"
	"github.com/prooflab/gallery-archiver/internal/logging"
	"github.com/prooflab/gallery-archiver/internal/merge"
	"github.com/prooflab/gallery-archiver/internal/metrics"
	"github.com/prooflab/gallery-archiver/internal/orchestrator"
	"github.com/prooflab/gallery-archiver/internal/planner"
	"github.com/prooflab/gallery-archiver/internal/service"
	"github.com/prooflab/gallery-archiver/internal/stager"
	"github.com/prooflab/gallery-archiver/internal/state"
	"github.com/prooflab/gallery-archiver/internal/storage"
	"github.com/prooflab/gallery-archiver/internal/sweeper"
)

const metricsNamespace = "gallery_archiver"

var cfgPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "gallery-archiver",
		Short: "Archive generation pipeline for gallery orders",
		Long: `gallery-archiver assembles one ZIP per (gallery, order, kind) from
objects in blob storage and serves trigger, status, and retry endpoints.

Small orders are zipped in a single pass; large ones fan out to chunk
workers that stage raw copies before a merge step assembles the final
archive with a multipart upload.`,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file path")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the archive API, pipeline workers, and staleness sweeper",
		RunE:  runServe,
	}
	rootCmd.AddCommand(serveCmd)

	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired archives once and exit",
		RunE:  runSweep,
	}
	rootCmd.AddCommand(sweepCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("gallery-archiver %s (%s)\n", service.Version, service.GitSHA)
		},
	}
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.MustLoad(cfgPath)
	logging.Setup(cfg.Log)

	log := slog.Default()
	log.Info("gallery-archiver starting", "version", service.Version, "git_sha", service.GitSHA)

	ctx, cancel := signalContext()
	defer cancel()

	metrics.Init(metricsNamespace)
	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.StartServer(cfg.Metrics.Address); err != nil {
				log.Error("metrics server failed", "error", err)
			}
		}()
	}

	events.SetProducer("gallery-archiver", service.Version, service.GitSHA)
	emitter := events.NewEmitter(cfg.Events)
	defer emitter.Close()

	store, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("open object store: %w", err)
	}
	defer store.Close()

	states, err := openStateStore(cfg.State)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer states.Close()

	pageSize := cfg.Archive.ListPageSize

	stg := stager.New(cfg.Stager, store)
	asm := merge.New(cfg.Merge, store, states, pageSize)
	handler := failure.NewHandler(states, store)
	runner := orchestrator.NewLocalRunner(cfg.Runner, store, stg, asm, handler, emitter)
	handler.SetDescriber(runner)
	defer runner.Close()

	pl := planner.New(cfg.Planner, store, pageSize)
	svc := service.New(cfg.Archive, pl, asm, runner, states, emitter)
	defer svc.Close()

	sw := sweeper.New(cfg.Sweeper, store, pageSize)
	go sw.Run(ctx)

	srv := api.New(cfg.API, svc)
	if err := srv.Serve(ctx); err != nil {
		if ctx.Err() != nil {
			log.Info("shutdown complete")
			return nil
		}
		return fmt.Errorf("api server: %w", err)
	}

	log.Info("gallery-archiver stopped cleanly")
	return nil
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg := config.MustLoad(cfgPath)
	logging.Setup(cfg.Log)

	ctx, cancel := signalContext()
	defer cancel()

	metrics.Init(metricsNamespace)

	store, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("open object store: %w", err)
	}
	defer store.Close()

	sw := sweeper.New(cfg.Sweeper, store, cfg.Archive.ListPageSize)
	deleted, err := sw.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	slog.Info("sweep finished", "deleted", deleted)
	return nil
}

// openStateStore picks the generation-state backend named by configuration.
func openStateStore(cfg config.StateConfig) (state.Store, error) {
	switch cfg.Backend {
	case "postgres":
		return state.NewPostgresStore(cfg.PostgresDSN)
	case "memory":
		return state.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown state backend %q", cfg.Backend)
	}
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-ch
		slog.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()
	return ctx, cancel
}
