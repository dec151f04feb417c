// Command ledgerd serves the in-process reference ledger over gRPC so that
// several gateway instances can share one ledger.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"github.com/pesio-ai/be-doc-approvals/internal/config"
	"github.com/pesio-ai/be-doc-approvals/internal/handler"
	"github.com/pesio-ai/be-doc-approvals/internal/ledger/memory"
	"github.com/pesio-ai/be-doc-approvals/internal/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Level:       cfg.Service.LogLevel,
		Environment: cfg.Service.Environment,
		ServiceName: "ledgerd",
		Version:     cfg.Service.Version,
	})

	// Listen on the address gateways dial.
	_, port, err := net.SplitHostPort(cfg.Ledger.Address)
	if err != nil {
		log.Fatal().Err(err).Str("address", cfg.Ledger.Address).Msg("Invalid ledger address")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	grpcServer := grpc.NewServer()
	handler.NewGRPCHandler(memory.New(), log).Register(grpcServer)
	reflection.Register(grpcServer)

	listener, err := net.Listen("tcp", ":"+port)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create gRPC listener")
	}

	go func() {
		log.Info().Str("port", port).Msg("Starting reference ledger")
		if err := grpcServer.Serve(listener); err != nil {
			log.Error().Err(err).Msg("gRPC server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down ledger...")
	grpcServer.GracefulStop()
	log.Info().Msg("Ledger stopped")
}
