package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"tangled.org/appview/indexer/internal/backfill"
	"tangled.org/appview/indexer/internal/deferredop"
	"tangled.org/appview/indexer/internal/dispatch"
	"tangled.org/appview/indexer/internal/firehose"
	"tangled.org/appview/indexer/internal/health"
	"tangled.org/appview/indexer/internal/identity"
	"tangled.org/appview/indexer/internal/pdsclient"
	"tangled.org/appview/indexer/internal/processor"
	"tangled.org/appview/indexer/internal/store/pg"
	"tangled.org/appview/indexer/internal/tracing"
)

func main() {
	runBackfill := flag.Bool("backfill", false, "run relay backfill alongside the live firehose")
	backfillRepoDID := flag.String("backfill-repo", "", "backfill a single repo by DID, then exit")
	flag.Parse()

	logLevel := os.Getenv("LOG_LEVEL")
	switch logLevel {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	if os.Getenv("LOG_FORMAT") == "json" {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}

	log.Info().Msg("starting appview indexer")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tp, err := tracing.Init(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("tracing disabled: failed to initialize exporter")
	} else {
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = tp.Shutdown(shutdownCtx)
		}()
	}

	connString := os.Getenv("DATABASE_URL")
	if connString == "" {
		log.Fatal().Msg("DATABASE_URL is required")
	}
	st, err := pg.Open(ctx, connString)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer st.Close()
	log.Info().Msg("database connection established")

	relayURL := os.Getenv("RELAY_URL")
	if relayURL == "" {
		relayURL = "wss://bsky.network"
	}

	resolver := identity.NewResolver(identity.DefaultConfig())
	pdsClient := pdsclient.New(tracing.Tracer())

	reconciler := deferredop.New(deferredop.DefaultTTL, deferredop.DefaultSweepInterval)
	go reconciler.Run(ctx)

	procCfg := processor.DefaultConfig()
	if v := os.Getenv("MAX_CONCURRENT_USER_CREATIONS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			procCfg.MaxConcurrentUserCreations = n
		}
	}
	proc := processor.New(st, resolver, reconciler, procCfg)

	if *backfillRepoDID != "" {
		bulkProcCfg := procCfg
		bulkProcCfg.BulkImportMode = true
		repoProc := processor.New(st, resolver, reconciler, bulkProcCfg)
		repoBF := backfill.NewRepoBackfiller(backfill.DefaultConfig(), resolver, pdsClient, repoProc)
		n, err := repoBF.BackfillRepo(ctx, *backfillRepoDID)
		if err != nil {
			log.Fatal().Err(err).Str("did", *backfillRepoDID).Msg("repo backfill failed")
		}
		log.Info().Str("did", *backfillRepoDID).Int("records", n).Msg("repo backfill complete")
		return
	}

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				proc.RetryPendingOperations(ctx)
			}
		}
	}()

	queue := dispatch.New(dispatch.DefaultConfig())

	fhClient := firehose.New(firehose.Config{RelayURL: relayURL, CursorFlushPeriod: 5 * time.Second}, st, proc, queue)
	fhClient.Start(ctx)
	log.Info().Str("relay", relayURL).Msg("firehose client started")

	if *runBackfill {
		bulkProcCfg := procCfg
		bulkProcCfg.BulkImportMode = true
		bulkProc := processor.New(st, resolver, reconciler, bulkProcCfg)

		bfCfg := backfill.DefaultConfig()
		if v := os.Getenv("BACKFILL_DAYS"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				bfCfg.BackfillDays = n
			}
		}
		relayBF := backfill.NewRelayBackfiller(bfCfg, relayURL, st, bulkProc)
		go func() {
			if err := relayBF.Run(ctx, 0); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("relay backfill exited")
			}
		}()
		log.Info().Int("backfill_days", bfCfg.BackfillDays).Msg("relay backfill started")
	}

	healthHandler := health.New(fhClient, queue, reconciler)
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler.ServeHealthz)
	mux.HandleFunc("/stats", healthHandler.ServeStats)
	mux.Handle("/metrics", promhttp.Handler())

	metricsPort := os.Getenv("METRICS_PORT")
	if metricsPort == "" {
		metricsPort = "9090"
	}
	httpServer := &http.Server{Addr: "0.0.0.0:" + metricsPort, Handler: otelhttp.NewHandler(mux, "health")}
	go func() {
		log.Info().Str("address", httpServer.Addr).Msg("health/metrics server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("health/metrics server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	fhClient.Stop(shutdownCtx)
	queue.Disconnect()
	queue.Wait()
	_ = httpServer.Shutdown(shutdownCtx)

	log.Info().Msg("indexer stopped")
}
