package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"legal-pii-handshake/internal/anonymizer"
	"legal-pii-handshake/internal/config"
	"legal-pii-handshake/internal/detect"
	"legal-pii-handshake/internal/detect/llmner"
	"legal-pii-handshake/internal/detect/ner"
	"legal-pii-handshake/internal/firms"
	"legal-pii-handshake/internal/handshake"
	"legal-pii-handshake/internal/ledger"
	"legal-pii-handshake/internal/localca"
	"legal-pii-handshake/internal/logger"
	"legal-pii-handshake/internal/management"
	"legal-pii-handshake/internal/metrics"
	"legal-pii-handshake/internal/remote"
	"legal-pii-handshake/internal/server"
	"legal-pii-handshake/internal/signals"
)

// NewServeCmd creates the serve command.
func NewServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the local API and the management API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

// app holds the wired components of a running service.
type app struct {
	cfg         *config.Config
	log         *logger.Logger
	metrics     *metrics.Metrics
	detector    *detect.Detector
	coordinator *handshake.Coordinator
	firms       *firms.Registry
	ledger      ledger.Store
	signals     *signals.Store
	forwarder   *signals.Forwarder // nil without a signals endpoint
	api         *http.Server
	apiTLS      bool
	mgmt        *http.Server
}

// build wires every component from cfg. The caller must close the returned
// app.
func build(cfg *config.Config, log *logger.Logger) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	m := metrics.New()

	detector, err := buildDetector(cfg, log, m)
	if err != nil {
		return nil, err
	}
	engine := anonymizer.NewEngine(detector,
		anonymizer.WithPropagation(cfg.PropagationMinLen),
		anonymizer.WithLeakCheck(cfg.LeakCheckMinLen),
		anonymizer.WithEngineLogger(log.Module("ANONYMIZER")),
		anonymizer.WithEngineMetrics(m),
	)

	svc, err := buildRemote(cfg)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, log: log, metrics: m, detector: detector}
	for _, p := range []string{cfg.LedgerPath, cfg.FirmsFile, cfg.SignalsDB} {
		if p == "" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
			return nil, fmt.Errorf("create %s: %w", filepath.Dir(p), err)
		}
	}
	a.ledger = ledger.Open(cfg.LedgerPath, cfg.LedgerCapacity, log.Module("LEDGER"))

	a.firms = firms.NewRegistry(cfg.Firms, cfg.FirmsFile, log.Module("FIRMS"))
	limiter := firms.NewLimiter(cfg.FirmRate, cfg.FirmBurst)
	limiter.Follow(a.firms)

	a.coordinator = handshake.New(engine, svc,
		handshake.WithConfig(handshake.Config{
			RequestTimeout: cfg.RequestTimeout,
			AttemptTimeout: cfg.AttemptTimeout,
			RetryBackoff:   cfg.RetryBackoff,
			MaxAttempts:    cfg.MaxAttempts,
			MaxTextBytes:   cfg.MaxTextBytes,
		}),
		handshake.WithLedger(a.ledger),
		handshake.WithFirms(a.firms),
		handshake.WithLimiter(limiter),
		handshake.WithLogger(log.Module("HANDSHAKE")),
		handshake.WithMetrics(m),
	)

	a.signals, err = signals.OpenStore(cfg.SignalsDB)
	if err != nil {
		a.close()
		return nil, err
	}
	abstractor, err := signals.NewAbstractor([]byte(cfg.SignalsKey))
	if err != nil {
		a.close()
		return nil, err
	}
	if cfg.SignalsEndpoint != "" {
		a.forwarder = signals.NewForwarder(a.signals,
			signals.NewHTTPEmitter(cfg.SignalsEndpoint, cfg.SignalsToken, nil),
			cfg.SignalsInterval, cfg.SignalsBatch, cfg.SignalsRetention,
			log.Module("SIGNALS"), m)
	}

	api := server.New(a.coordinator, abstractor, a.signals,
		server.WithMaxBody(2*int64(cfg.MaxTextBytes)+64<<10),
		server.WithLogger(log.Module("API")),
		server.WithMetrics(m),
	)
	a.api = api.HTTPServer(fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.APIPort))
	if cfg.APITLS {
		ca, err := localca.LoadOrCreate(cfg.TLSCACert, cfg.TLSCAKey, log.Module("TLS"))
		if err != nil {
			a.close()
			return nil, err
		}
		if err := ca.Configure(a.api, cfg.BindAddress); err != nil {
			a.close()
			return nil, fmt.Errorf("configure api tls: %w", err)
		}
		a.apiTLS = true
	}

	mgmt := management.New(cfg, a.firms, a.coordinator,
		management.WithSignals(a.signals),
		management.WithStrategies(detector.Strategies()),
		management.WithMetrics(m),
		management.WithLogger(log.Module("MANAGEMENT")),
	)
	a.mgmt = mgmt.HTTPServer()
	return a, nil
}

func buildDetector(cfg *config.Config, log *logger.Logger, m *metrics.Metrics) (*detect.Detector, error) {
	strategies := detect.DefaultPatternStrategies()
	for _, path := range cfg.RuleFiles {
		s, err := detect.LoadRules(path)
		if err != nil {
			return nil, fmt.Errorf("rule file %s: %w", path, err)
		}
		strategies = append(strategies, s)
	}
	if cfg.NEREndpoint != "" {
		strategies = append(strategies, ner.New(cfg.NEREndpoint, ner.WithMinScore(cfg.NERMinScore)))
	}
	if cfg.UseAIDetection {
		c, err := llmner.New(llmner.Config{
			BaseURL:     cfg.OllamaEndpoint,
			Model:       cfg.OllamaModel,
			MaxParallel: cfg.OllamaMaxConcurrent,
			MinScore:    cfg.AIConfidence,
		})
		if err != nil {
			return nil, err
		}
		strategies = append(strategies, c)
	}
	return detect.New(strategies,
		detect.WithBudget(cfg.DetectBudget),
		detect.WithLogger(log.Module("DETECT")),
		detect.WithMetrics(m),
	), nil
}

func buildRemote(cfg *config.Config) (remote.Service, error) {
	switch cfg.RemoteKind {
	case config.RemoteOpenAI:
		return remote.NewOpenAIService(remote.OpenAIConfig{
			BaseURL:   cfg.RemoteEndpoint,
			APIKey:    cfg.RemoteAPIKey,
			Model:     cfg.RemoteModel,
			MaxTokens: cfg.RemoteMaxTokens,
		})
	case config.RemoteEcho:
		return remote.EchoService{}, nil
	default:
		return remote.NewHTTPService(cfg.RemoteEndpoint, remote.WithBearerToken(cfg.RemoteAPIKey))
	}
}

func (a *app) close() {
	if a.signals != nil {
		if err := a.signals.Close(); err != nil {
			a.log.Warnf("shutdown", "signal outbox: %v", err)
		}
	}
	if a.ledger != nil {
		if err := a.ledger.Close(); err != nil {
			a.log.Warnf("shutdown", "ledger: %v", err)
		}
	}
}

// run serves until ctx is done, then shuts both listeners down.
func (a *app) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	listen := func(name string, srv *http.Server, useTLS bool) func() error {
		return func() error {
			a.log.Infof("listen", "%s listening on %s (tls=%v)", name, srv.Addr, useTLS)
			var err error
			if useTLS {
				err = srv.ListenAndServeTLS("", "")
			} else {
				err = srv.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("%s: %w", name, err)
			}
			return nil
		}
	}
	g.Go(listen("api", a.api, a.apiTLS))
	g.Go(listen("management", a.mgmt, false))
	if a.forwarder != nil {
		g.Go(func() error {
			a.forwarder.Run(ctx)
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		a.log.Info("shutdown", "shutting down")
		return errors.Join(a.api.Shutdown(shutCtx), a.mgmt.Shutdown(shutCtx))
	})
	return g.Wait()
}

func serve(ctx context.Context, cfg *config.Config) error {
	log := logger.New("HANDSHAKED", cfg.LogLevel)
	a, err := build(cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	printBanner(cfg, a.detector.Strategies(), a.firms.Len())
	if a.firms.Len() == 0 {
		log.Warn("firms", "no firms registered; every document will be rejected until one is added")
	}
	return a.run(ctx)
}

func printBanner(cfg *config.Config, strategies []string, firmCount int) {
	upstreamProxy := os.Getenv("HTTPS_PROXY")
	if upstreamProxy == "" {
		upstreamProxy = os.Getenv("HTTP_PROXY")
	}
	if upstreamProxy == "" {
		upstreamProxy = "(direct, set HTTP_PROXY or HTTPS_PROXY to chain upstream)"
	}
	remoteDesc := cfg.RemoteKind
	if cfg.RemoteEndpoint != "" {
		remoteDesc += " " + cfg.RemoteEndpoint
	}
	signalsDesc := "(queued locally only)"
	if cfg.SignalsEndpoint != "" {
		signalsDesc = cfg.SignalsEndpoint
	}
	scheme := "http"
	if cfg.APITLS {
		scheme = "https"
	}
	configFile := cfg.File
	if configFile == "" {
		configFile = "(defaults and environment)"
	}

	fmt.Printf(`
╔══════════════════════════════════════════════════════╗
║          Legal PII Handshake                         ║
╚══════════════════════════════════════════════════════╝
  API             : %s://%s:%d
  Management port : %d
  Config file     : %s
  Data dir        : %s
  Remote service  : %s
  Upstream proxy  : %s
  Detection       : %v
  Firms           : %d
  Signals         : %s

  Submit a document:
    curl -X POST %s://localhost:%d/v1/documents -d @request.json

  Check status:
    curl http://localhost:%d/status
`, scheme, cfg.BindAddress, cfg.APIPort, cfg.ManagementPort,
		configFile, cfg.DataDir,
		remoteDesc, upstreamProxy,
		strategies, firmCount, signalsDesc,
		scheme, cfg.APIPort, cfg.ManagementPort)
}
