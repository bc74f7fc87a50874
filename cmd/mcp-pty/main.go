// mcp-pty - MCP server exposing long-lived pseudo-terminals.
//
// This is the main entry point for the mcp-pty CLI. It serves the PTY
// tools and resources to MCP clients over stdio or streamable HTTP,
// optionally on an embedded Tailscale node.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/ptyhub/mcp-pty/internal/config"
	ptymcp "github.com/ptyhub/mcp-pty/internal/mcp"
	"github.com/ptyhub/mcp-pty/internal/session"
	"github.com/ptyhub/mcp-pty/internal/tailnet"
	"github.com/ptyhub/mcp-pty/internal/transport"
)

// Version is set at build time via ldflags.
var Version = "dev"

// disposeTimeout caps parallel session disposal during shutdown.
const disposeTimeout = 5 * time.Second

var (
	flagTransport string
	flagPort      int
)

func main() {
	// Logs go to stderr; stdout belongs to the stdio transport's
	// JSON-RPC stream.
	logLevel := slog.LevelInfo
	switch os.Getenv("MCP_PTY_LOG_LEVEL") {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))

	rootCmd := &cobra.Command{
		Use:     "mcp-pty",
		Short:   "MCP server for long-lived pseudo-terminal sessions",
		Version: Version,
		Args:    cobra.NoArgs,
		RunE:    runServe,
	}
	rootCmd.Flags().StringVarP(&flagTransport, "transport", "t", config.TransportStdio, "transport to serve on (stdio|http)")
	rootCmd.Flags().IntVarP(&flagPort, "port", "p", config.DefaultPort, "port for the http transport")

	// set-authkey command - store the Tailscale auth key in the keyring
	setAuthKeyCmd := &cobra.Command{
		Use:   "set-authkey <key>",
		Short: "Store a Tailscale auth key in the system keyring",
		Args:  cobra.ExactArgs(1),
		RunE:  runSetAuthKey,
	}
	rootCmd.AddCommand(setAuthKeyCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.Default()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Flags beat the config file and environment.
	if cmd.Flags().Changed("transport") {
		cfg.Transport = flagTransport
	}
	if cmd.Flags().Changed("port") {
		cfg.Port = flagPort
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger.Info("starting mcp-pty", "version", Version, "transport", cfg.Transport)

	sessions := session.NewManager(logger)
	sessions.StartMonitoring()
	defer sessions.StopMonitoring()

	srv := ptymcp.NewServer(sessions, ptymcp.Options{
		Version:             Version,
		DeactivateResources: cfg.DeactivateResources,
		Logger:              logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	switch cfg.Transport {
	case config.TransportStdio:
		return serveStdio(ctx, cancel, sigCh, sessions, srv, logger)
	default:
		return serveHTTP(ctx, cfg, sigCh, sessions, srv, logger)
	}
}

func serveStdio(ctx context.Context, cancel context.CancelFunc, sigCh <-chan os.Signal, sessions *session.Manager, srv *mcpserver.MCPServer, logger *slog.Logger) error {
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	stdio := transport.NewStdioServer(sessions, srv, logger)
	err := stdio.Run(ctx, os.Stdin, os.Stdout)

	disposeCtx, cancelDispose := context.WithTimeout(context.Background(), disposeTimeout)
	defer cancelDispose()
	sessions.DisposeAll(disposeCtx)

	return err
}

func serveHTTP(ctx context.Context, cfg *config.Config, sigCh <-chan os.Signal, sessions *session.Manager, srv *mcpserver.MCPServer, logger *slog.Logger) error {
	ht := transport.NewHTTPServer(sessions, srv, transport.HTTPOptions{
		Version: Version,
		Logger:  logger,
	})

	errCh := make(chan error, 1)
	addr := fmt.Sprintf(":%d", cfg.Port)

	if cfg.Tailscale.Enabled {
		tn, err := tailnet.New(&tailnet.Config{Hostname: cfg.Tailscale.Hostname}, logger)
		if err != nil {
			return fmt.Errorf("failed to create tailnet node: %w", err)
		}
		defer tn.Close()

		if err := tn.Start(ctx); err != nil {
			return fmt.Errorf("failed to join tailnet: %w", err)
		}

		ln, err := tn.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("failed to listen on tailnet: %w", err)
		}

		logger.Info("http transport listening on tailnet",
			"hostname", tn.Hostname(),
			"port", cfg.Port,
			"addrs", tn.TailscaleIPs(),
		)
		go func() { errCh <- ht.Serve(ln) }()
	} else {
		logger.Info("http transport listening", "addr", addr)
		go func() { errCh <- ht.ListenAndServe(addr) }()
	}

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	// Kill children first so in-flight streams observe the exits, then
	// stop the listener.
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), disposeTimeout)
	defer cancelShutdown()
	sessions.DisposeAll(shutdownCtx)
	if err := ht.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}

func runSetAuthKey(cmd *cobra.Command, args []string) error {
	if err := tailnet.StoreAuthKey(args[0]); err != nil {
		return fmt.Errorf("failed to store auth key: %w", err)
	}
	fmt.Println("Auth key stored in the system keyring.")
	return nil
}
