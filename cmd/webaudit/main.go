package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/truststack/webaudit/internal/analyzer"
	"github.com/truststack/webaudit/internal/audit"
	"github.com/truststack/webaudit/internal/config"
	"github.com/truststack/webaudit/internal/logging"
	"github.com/truststack/webaudit/internal/progress"
	"github.com/truststack/webaudit/internal/security"
	"github.com/truststack/webaudit/internal/websocket"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "webaudit",
	Short:   "webaudit - autonomous forensic web auditor",
	Long:    `webaudit orchestrates forensic audits of web sites: reconnaissance, security battery, visual analysis, OSINT, and verdict synthesis with consensus scoring.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("webaudit %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

var modulesCmd = &cobra.Command{
	Use:   "modules",
	Short: "List the default security module catalog",
	Run: func(cmd *cobra.Command, args []string) {
		for _, spec := range security.DefaultCatalog() {
			fmt.Printf("%-24s %-8s %s\n", spec.Name, spec.Tier, spec.Category)
		}
	},
}

var (
	runURL  string
	runTier string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a single audit and print the result as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOnce(cmd.Context(), runURL, runTier)
	},
}

func init() {
	runCmd.Flags().StringVar(&runURL, "url", "", "target URL to audit")
	runCmd.Flags().StringVar(&runTier, "tier", "standard", "audit tier: quick, standard, or deep")
	runCmd.MarkFlagRequired("url")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(modulesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newService builds the audit service from configuration. The analyzer
// registry starts empty; deployments register their scout/vision/graph/
// judge implementations here before serving.
func newService(cfg *config.Config, sink progress.Sink) *audit.Service {
	registry := analyzer.NewRegistry()

	auditCfg := audit.Config{
		ExecutionMode:        audit.ExecutionMode(cfg.ExecutionMode),
		UseAdaptiveTimeout:   cfg.UseAdaptiveTimeout,
		UseCircuitBreaker:    cfg.UseCircuitBreaker,
		UseProgressStreaming: cfg.UseProgressStreaming,
		UseDualVerdict:       cfg.UseDualVerdict,
		MinConsensusSources:  cfg.MinConsensusSources,
		EnabledModules:       cfg.EnabledModules,
		Emitter:              progress.DefaultConfig(),
	}
	auditCfg.Emitter.MaxRate = cfg.EventMaxRate
	auditCfg.Emitter.Burst = cfg.EventBurst

	// The default catalog ships as specs only (see the modules subcommand);
	// module implementations are registered by integrations the same way
	// analyzers are.
	return audit.NewService(registry, sink, auditCfg)
}

func runServer() {
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "webaudit",
	})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "webaudit",
	})

	log.Info().Str("version", Version).Msg("Starting webaudit server")

	metricsSrv := startMetricsServer(fmt.Sprintf("%s:%d", cfg.ListenHost, cfg.MetricsPort))

	hub := websocket.NewHub()
	go hub.Run()

	svc := newService(cfg, hub)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.HandleWebSocket)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/api/audit", handleAudit(svc, cfg))
	mux.HandleFunc("/api/audits", handleRecords(svc))

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.ListenHost, cfg.ListenPort),
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Info().
			Str("host", cfg.ListenHost).
			Int("port", cfg.ListenPort).
			Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start HTTP server")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Info().Msg("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()

	if err := svc.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Audit service did not drain cleanly")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP server did not shut down cleanly")
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Metrics server did not shut down cleanly")
	}
	hub.Close()
}

// startMetricsServer serves the Prometheus endpoint on its own listener so
// scrapes never contend with audit traffic. The caller owns shutdown.
func startMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:        addr,
		Handler:     mux,
		ReadTimeout: 5 * time.Second,
		IdleTimeout: 30 * time.Second,
	}
	go func() {
		log.Info().Str("addr", addr).Msg("Metrics endpoint listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn().Err(err).Msg("Metrics server stopped unexpectedly")
		}
	}()
	return srv
}

type auditRequest struct {
	URL  string `json:"url"`
	Tier string `json:"tier"`
}

func handleAudit(svc *audit.Service, cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req auditRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.URL == "" {
			http.Error(w, "url is required", http.StatusBadRequest)
			return
		}
		tier := req.Tier
		if tier == "" {
			tier = cfg.DefaultTier
		}

		result, err := svc.Audit(r.Context(), req.URL, audit.Tier(tier))
		if err != nil && result == nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(result); err != nil {
			log.Error().Err(err).Msg("Failed to encode audit result")
		}
	}
}

func handleRecords(svc *audit.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(svc.Records()); err != nil {
			log.Error().Err(err).Msg("Failed to encode audit records")
		}
	}
}

// runOnce executes a single audit without the server, printing the result.
func runOnce(ctx context.Context, url, tier string) error {
	logging.Init(logging.Config{
		Format:    "console",
		Level:     "warn",
		Component: "webaudit",
	})

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	svc := newService(cfg, progress.NopSink())

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	result, auditErr := svc.Audit(ctx, url, audit.Tier(tier))
	if result != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return err
		}
	}
	return auditErr
}
