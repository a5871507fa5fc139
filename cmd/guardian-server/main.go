package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sshguardian/guardian/internal/config"
	"github.com/sshguardian/guardian/internal/logging"
	"github.com/sshguardian/guardian/internal/server/api"
	"github.com/sshguardian/guardian/internal/server/blocker"
	"github.com/sshguardian/guardian/internal/server/enrich"
	"github.com/sshguardian/guardian/internal/server/features"
	"github.com/sshguardian/guardian/internal/server/ingest"
	"github.com/sshguardian/guardian/internal/server/parser"
	"github.com/sshguardian/guardian/internal/server/scoring"
	"github.com/sshguardian/guardian/internal/store"
)

// Version information (set at build time with -ldflags).
var (
	Version   = "dev"
	BuildTime = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "guardian-server",
	Short:   "SSH Guardian central ingest service",
	Long:    `Central ingest service for the SSH Guardian telemetry fabric: event parsing, enrichment, risk scoring, and firewall command dispatch.`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("guardian-server %s (built %s)\n", Version, BuildTime)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "server",
		FilePath:  cfg.LogFile,
	})
	defer logging.Shutdown()
	api.Version = Version

	st, err := store.Open(store.Config{DataDir: cfg.DataDir}, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	enricher := enrich.New(enrich.Config{
		AbuseIPDBKey:  cfg.AbuseIPDBKey,
		VirusTotalKey: cfg.VirusTotalKey,
		GeoURL:        cfg.GeoURL,
	}, st, logger)

	extractor := features.New(features.Config{
		HighRiskCountries: cfg.HighRiskCountries,
		ServerTimezone:    cfg.ServerTimezone,
	}, st)

	model := scoring.NewAnomalyModel(time.Now().UnixNano())
	scorer := scoring.New(st, model, logger)

	engine := blocker.New(blocker.Config{
		SweepInterval:    cfg.UnblockSweepEvery,
		DefaultBlockMins: cfg.DefaultBlockMinutes,
	}, st, logger)

	pipeline := ingest.New(ingest.Config{
		BatchTimeout:       cfg.BatchTimeout,
		MaxInflightBatches: cfg.MaxInflightBatches,
		DisconnectSweep:    cfg.DisconnectSweep,
	}, st, parser.New(), enricher, extractor, scorer, engine, logger)

	router := api.NewRouter(st, pipeline, engine)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router.Handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Info().Str("addr", cfg.ListenAddr).Str("version", Version).
			Msg("guardian server listening")
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		engine.RunSweeper(gctx)
		return nil
	})
	group.Go(func() error {
		pipeline.RunDisconnectSweeper(gctx)
		return nil
	})
	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("guardian server stopped")
	return nil
}
