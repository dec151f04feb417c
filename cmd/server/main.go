package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/pesio-ai/be-doc-approvals/internal/client"
	"github.com/pesio-ai/be-doc-approvals/internal/config"
	"github.com/pesio-ai/be-doc-approvals/internal/database"
	"github.com/pesio-ai/be-doc-approvals/internal/handler"
	"github.com/pesio-ai/be-doc-approvals/internal/ledger"
	"github.com/pesio-ai/be-doc-approvals/internal/ledger/memory"
	"github.com/pesio-ai/be-doc-approvals/internal/logger"
	"github.com/pesio-ai/be-doc-approvals/internal/repository"
	"github.com/pesio-ai/be-doc-approvals/internal/service"
	"github.com/pesio-ai/be-doc-approvals/internal/signature"
	"github.com/pesio-ai/be-doc-approvals/internal/tracing"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       cfg.Service.LogLevel,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Str("ledger_mode", cfg.Ledger.Mode).
		Msg("Starting Document Approvals Service")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.Tracing.Enabled {
		if err := tracing.Init(cfg.Service.Name, cfg.Service.Version, cfg.Tracing.OutputFile); err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracing")
		}
		defer tracing.Shutdown(context.Background())
	}

	gw, err := newGateway(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build gateway")
	}
	defer gw.Close()

	if cfg.Sync.SweepInterval > 0 {
		go func() {
			if err := gw.sync.Run(ctx, cfg.Sync.SweepInterval); err != nil {
				log.Error().Err(err).Msg("Reconciliation loop failed")
			}
		}()
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := gw.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown
	<-ctx.Done()
	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := gw.server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("Server stopped")
}

// gateway is the HTTP face of the service. Workflow state changes only through
// its WorkflowService; the ledger itself is not exposed.
type gateway struct {
	server  *http.Server
	sync    *service.SyncEngine
	closers []func()
}

func newGateway(ctx context.Context, cfg *config.Config, log *logger.Logger) (*gateway, error) {
	gw := &gateway{}

	// Mirror store and audit log
	var (
		mirror service.MirrorStore
		audit  service.AuditLog
	)
	if cfg.Database.Enabled {
		db, err := database.New(ctx, database.Config{
			Host:        cfg.Database.Host,
			Port:        cfg.Database.Port,
			User:        cfg.Database.User,
			Password:    cfg.Database.Password,
			Database:    cfg.Database.Database,
			SSLMode:     cfg.Database.SSLMode,
			MaxConns:    cfg.Database.MaxConns,
			MinConns:    cfg.Database.MinConns,
			MaxConnTime: cfg.Database.MaxConnTime,
			MaxIdleTime: cfg.Database.MaxIdleTime,
			HealthCheck: cfg.Database.HealthCheck,
		})
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		gw.closers = append(gw.closers, db.Close)
		if err := db.Migrate(ctx); err != nil {
			gw.Close()
			return nil, fmt.Errorf("apply mirror schema: %w", err)
		}
		log.Info().Msg("Database connection established")
		mirror = repository.NewMirrorRepository(db)
		audit = repository.NewAuditRepository(db)
	} else {
		log.Warn().Msg("Database disabled; using in-memory mirror")
		mirror = repository.NewMemoryMirror()
		audit = repository.NewMemoryAudit()
	}

	// Ledger
	var backend ledger.Client
	switch cfg.Ledger.Mode {
	case "grpc":
		grpcLedger, err := client.NewLedgerGRPCClient(cfg.Ledger.Address)
		if err != nil {
			gw.Close()
			return nil, fmt.Errorf("create ledger gRPC client: %w", err)
		}
		gw.closers = append(gw.closers, func() { grpcLedger.Close() })
		backend = grpcLedger
		log.Info().Str("ledger_grpc", cfg.Ledger.Address).Msg("Ledger gRPC client initialized")
	default:
		backend = memory.New()
		log.Warn().Msg("Using in-memory reference ledger")
	}
	ledgerClient := ledger.NewAdapter(backend, ledger.AdapterConfig{
		SubmitTimeout: cfg.Ledger.SubmitTimeout,
		QueryTimeout:  cfg.Ledger.QueryTimeout,
	}, log)

	// Notifications
	var js jetstream.JetStream
	if cfg.NATS.Enabled {
		var (
			nc  *nats.Conn
			err error
		)
		nc, js, err = client.ConnectJetStream(ctx, cfg.NATS.URL, cfg.NATS.Stream, cfg.NATS.SubjectPrefix)
		if err != nil {
			gw.Close()
			return nil, fmt.Errorf("connect to NATS: %w", err)
		}
		gw.closers = append(gw.closers, func() { nc.Drain() })
		log.Info().Str("nats_url", cfg.NATS.URL).Str("stream", cfg.NATS.Stream).Msg("NATS JetStream connected")
	}
	notifier := client.NewNotificationPublisher(js, cfg.NATS.SubjectPrefix, log)

	// Initialize services
	syncEngine := service.NewSyncEngine(ledgerClient, mirror, audit, notifier, service.SyncConfig{
		Retries:          cfg.Ledger.SyncRetries,
		Backoff:          cfg.Ledger.SyncBackoff,
		SweepConcurrency: cfg.Sync.SweepConcurrency,
		Identities:       cfg.Sync.Identities,
	}, log)
	workflowService := service.NewWorkflowService(ledgerClient, mirror, audit, syncEngine, log)
	verificationService := service.NewVerificationService(ledgerClient, mirror, signature.NewVerifier(), log)

	// HTTP server
	httpHandler := handler.NewHTTPHandler(workflowService, verificationService, log)
	gw.sync = syncEngine
	gw.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return gw, nil
}

// Close releases connections in reverse order of acquisition.
func (g *gateway) Close() {
	for i := len(g.closers) - 1; i >= 0; i-- {
		g.closers[i]()
	}
	g.closers = nil
}
