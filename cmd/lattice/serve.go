package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/aretw0/lattice"
	"github.com/aretw0/lattice/internal/config"
	httpAdapter "github.com/aretw0/lattice/internal/adapters/http"
	"github.com/aretw0/lattice/internal/presentation/tui"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a record namespace over HTTP",
	Long: `Starts a lattice node: opens the configured document, joins the record
namespace and exposes it with a JSON API, an SSE event stream and Prometheus metrics.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg, err := loadConfig(path)
		if err != nil {
			return err
		}
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			cfg.HTTP.Addr = addr
		}

		if tui.IsTerminal(os.Stdout) {
			tui.PrintBanner(cmd.OutOrStdout())
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runServer(ctx, cfg, cmd.OutOrStdout(), nil)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "", "Address to listen on (overrides http.addr)")
}

// runServer serves until ctx is done, then shuts down gracefully. When ready
// is non-nil it receives the bound address once the listener is up.
func runServer(ctx context.Context, cfg *config.Config, out io.Writer, ready chan<- string) error {
	n, err := openNode(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := n.Close(context.Background()); err != nil {
			n.logger.Error("Failed to close node", "err", err)
		}
	}()

	handler := httpAdapter.NewHandler(&httpAdapter.Server{
		Doc:     n.doc,
		Records: n.records,
		Metrics: promhttp.HandlerFor(n.registry, promhttp.HandlerOpts{}),
		Version: lattice.Version,
		Logger:  n.logger,
	})

	ln, err := net.Listen("tcp", cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.HTTP.Addr, err)
	}
	srv := &http.Server{Handler: handler}

	fmt.Fprintf(out, "Starting lattice node %s on %s\n", n.records.Origin(), ln.Addr())
	fmt.Fprintf(out, "Namespace %q on %s document\n", n.records.Name(), cfg.Document.Driver)

	// Channel to listen for errors coming from the listener.
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- srv.Serve(ln)
	}()
	if ready != nil {
		ready <- ln.Addr().String()
	}

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)

	case <-ctx.Done():
		fmt.Fprintln(out, "Start shutdown...")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			n.logger.Warn("Graceful shutdown did not complete", "timeout", cfg.HTTP.ShutdownTimeout, "err", err)
			if err := srv.Close(); err != nil {
				return fmt.Errorf("failed to close server: %w", err)
			}
		}
		fmt.Fprintln(out, "Lattice node stopped gracefully")
		return nil
	}
}
