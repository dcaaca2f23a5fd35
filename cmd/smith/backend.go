package main

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"shapesmith/internal/backend"
	"shapesmith/internal/backend/rpc"
	"shapesmith/internal/types"
)

var (
	listenAddr     string
	serveParadigms []string
)

// backendCmd groups engine commands
var backendCmd = &cobra.Command{
	Use:   "backend",
	Short: "Geometry engine commands",
}

var backendServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve in-process geometry engines over JSON-RPC",
	Long: `Starts a JSON-RPC engine server backed by in-process engines. Point
another smith at it with backends.engines.<paradigm>.kind: rpc, or with
SHAPESMITH_PRECISION_ADDR / SHAPESMITH_ARTISTIC_ADDR.

Runs until interrupted; --timeout does not apply.`,
	Args: cobra.NoArgs,
	RunE: serveBackend,
}

func init() {
	backendServeCmd.Flags().StringVarP(&listenAddr, "listen", "l", "127.0.0.1:7300", "Listen address")
	backendServeCmd.Flags().StringSliceVar(&serveParadigms, "paradigm", []string{"precision", "artistic"}, "Paradigms to serve")
	backendCmd.AddCommand(backendServeCmd)
}

func serveBackend(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var engines []backend.Adapter
	for _, name := range serveParadigms {
		p, err := types.ParseParadigm(name)
		if err != nil || !p.Concrete() {
			return fmt.Errorf("cannot serve paradigm %q", name)
		}
		engines = append(engines, backend.NewMemory(p))
	}

	lis, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", listenAddr, err)
	}
	logger.Info("Serving engines", zap.String("addr", lis.Addr().String()), zap.Strings("paradigms", serveParadigms))
	return rpc.NewServer(engines...).Serve(ctx, lis)
}
