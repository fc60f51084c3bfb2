package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bitrise-io/go-resumable/storage/bytestream"
	"github.com/bitrise-io/go-resumable/storage/httprpc"
	"github.com/bitrise-io/go-resumable/storage/memstore"
	"github.com/gorilla/handlers"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

const (
	keyGRPCAddr = "grpc-addr"
	keyHTTPAddr = "http-addr"

	shutdownTimeout = 10 * time.Second
)

func (a *app) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve an in-memory object store",
		Long: `Serves an in-memory object store over the ByteStream gRPC API and the
resumable upload HTTP API, for local testing of the other commands.
Objects are lost when the server stops.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.runServe(ctx, nil)
		},
	}
	cmd.Flags().String(keyGRPCAddr, "localhost:9090", "ByteStream listen address, empty disables it")
	cmd.Flags().String(keyHTTPAddr, "localhost:8080", "HTTP listen address, empty disables it")
	return cmd
}

// runServe serves until ctx is done. ready, when not nil, receives the bound
// addresses once both listeners are open.
func (a *app) runServe(ctx context.Context, ready func(grpcAddr, httpAddr string)) error {
	grpcAddr, httpAddr := a.cfg.GetString(keyGRPCAddr), a.cfg.GetString(keyHTTPAddr)
	if grpcAddr == "" && httpAddr == "" {
		return fmt.Errorf("both --%s and --%s are empty", keyGRPCAddr, keyHTTPAddr)
	}

	var grpcLis, httpLis net.Listener
	var boundGRPC, boundHTTP string
	if grpcAddr != "" {
		lis, err := net.Listen("tcp", grpcAddr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", grpcAddr, err)
		}
		grpcLis, boundGRPC = lis, lis.Addr().String()
	}
	if httpAddr != "" {
		lis, err := net.Listen("tcp", httpAddr)
		if err != nil {
			if grpcLis != nil {
				_ = grpcLis.Close()
			}
			return fmt.Errorf("listen on %s: %w", httpAddr, err)
		}
		httpLis, boundHTTP = lis, lis.Addr().String()
	}

	store := memstore.New(a.logger)
	g, ctx := errgroup.WithContext(ctx)

	if grpcLis != nil {
		srv := grpc.NewServer()
		bytestream.NewServer(store, a.logger, bytestream.WithToken(a.cfg.GetString(keyToken))).Register(srv)

		g.Go(func() error {
			if err := srv.Serve(grpcLis); !errors.Is(err, grpc.ErrServerStopped) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			srv.GracefulStop()
			return nil
		})
	}

	if httpLis != nil {
		handler := handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(httprpc.NewHandler(store, a.logger))
		srv := &http.Server{
			Handler:           handlers.CombinedLoggingHandler(os.Stdout, handler),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g.Go(func() error {
			if err := srv.Serve(httpLis); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	a.logger.Infof("Serving ByteStream on %q and HTTP on %q", boundGRPC, boundHTTP)
	if ready != nil {
		ready(boundGRPC, boundHTTP)
	}

	err := g.Wait()
	a.logger.Infof("Server stopped")
	return err
}
