// Package tailnet serves the HTTP transport on a Tailscale network via
// tsnet. The node runs in userspace, so agents on other machines reach
// the server over the tailnet without a locally exposed port or root
// privileges.
package tailnet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/zalando/go-keyring"
	"tailscale.com/client/tailscale"
	"tailscale.com/tsnet"

	"github.com/ptyhub/mcp-pty/internal/config"
	"github.com/ptyhub/mcp-pty/internal/qr"
)

// Keyring location of the stored pre-auth key.
const (
	KeyringService = "mcp-pty"
	KeyringUser    = "tailscale-authkey"
)

// AuthKeyEnv overrides the keyring lookup.
const AuthKeyEnv = "TS_AUTHKEY"

const defaultHostname = "mcp-pty"

// The login QR code is skipped when it cannot fit this box.
const (
	qrMaxWidth  = 80
	qrMaxHeight = 40
)

// Config holds configuration for the tailnet node.
type Config struct {
	// Hostname is the node name registered on the tailnet.
	Hostname string

	// AuthKey joins the tailnet non-interactively. Empty falls back to
	// TS_AUTHKEY, then the OS keyring, then interactive login.
	AuthKey string

	// StateDir stores the tsnet node state. Empty uses
	// <config dir>/tsnet.
	StateDir string

	// Ephemeral registers a node that is removed when it goes offline.
	Ephemeral bool
}

// Client wraps a tsnet.Server.
type Client struct {
	server *tsnet.Server
	logger *slog.Logger
}

// New prepares a tailnet node. Start joins the network.
func New(cfg *Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "tailnet")

	hostname := cfg.Hostname
	if hostname == "" {
		hostname = defaultHostname
	}

	stateDir := cfg.StateDir
	if stateDir == "" {
		dir, err := config.ConfigDir()
		if err != nil {
			return nil, fmt.Errorf("resolving state directory: %w", err)
		}
		stateDir = filepath.Join(dir, "tsnet")
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("could not create state directory: %w", err)
	}

	authKey := cfg.AuthKey
	if authKey == "" {
		authKey = resolveAuthKey(logger)
	}

	server := &tsnet.Server{
		Hostname:  hostname,
		Dir:       stateDir,
		AuthKey:   authKey,
		Ephemeral: cfg.Ephemeral,
		Logf:      func(format string, args ...any) { logger.Debug(fmt.Sprintf(format, args...)) },
	}

	return &Client{server: server, logger: logger}, nil
}

// resolveAuthKey looks for a pre-auth key: TS_AUTHKEY first, then the
// OS keyring. Empty means interactive login.
func resolveAuthKey(logger *slog.Logger) string {
	if key := os.Getenv(AuthKeyEnv); key != "" {
		return key
	}
	key, err := keyring.Get(KeyringService, KeyringUser)
	if err != nil {
		if !errors.Is(err, keyring.ErrNotFound) {
			logger.Debug("keyring lookup failed", "error", err)
		}
		return ""
	}
	logger.Debug("using auth key from keyring")
	return key
}

// StoreAuthKey saves a pre-auth key in the OS keyring for later runs.
func StoreAuthKey(key string) error {
	if err := keyring.Set(KeyringService, KeyringUser, key); err != nil {
		return fmt.Errorf("storing auth key in keyring: %w", err)
	}
	return nil
}

// Start brings the node up, blocking until it is usable. Without an
// auth key the interactive login URL is printed to stderr with a QR
// code while Up waits for the authorization.
func (c *Client) Start(ctx context.Context) error {
	c.logger.Info("joining tailnet", "hostname", c.server.Hostname)

	if err := c.server.Start(); err != nil {
		return fmt.Errorf("starting tsnet: %w", err)
	}

	lc, err := c.server.LocalClient()
	if err != nil {
		return fmt.Errorf("tsnet local client: %w", err)
	}
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.watchLogin(watchCtx, lc)

	status, err := c.server.Up(ctx)
	if err != nil {
		return fmt.Errorf("joining tailnet: %w", err)
	}

	c.logger.Info("tailnet ready",
		"hostname", c.server.Hostname,
		"tailscale_ips", status.TailscaleIPs,
	)
	return nil
}

// watchLogin polls the backend while Up blocks and prints the login URL
// once it appears.
func (c *Client) watchLogin(ctx context.Context, lc *tailscale.LocalClient) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st, err := lc.StatusWithoutPeers(ctx)
			if err != nil || st == nil {
				continue
			}
			if st.BackendState == "Running" {
				return
			}
			if st.AuthURL != "" {
				c.printLoginURL(st.AuthURL)
				return
			}
		}
	}
}

// printLoginURL shows the interactive login link on stderr. Stderr is
// the only safe channel here; stdout may carry the MCP stream.
func (c *Client) printLoginURL(url string) {
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "  To authorize this node, visit:")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintf(os.Stderr, "    %s\n", url)
	fmt.Fprintln(os.Stderr)
	if lines := qr.GenerateLines(url, qrMaxWidth, qrMaxHeight); lines != nil {
		for _, line := range lines {
			fmt.Fprintf(os.Stderr, "  %s\n", line)
		}
		fmt.Fprintln(os.Stderr)
	}
	c.logger.Info("tailnet login required", "url", url)
}

// Close shuts the node down.
func (c *Client) Close() error {
	c.logger.Info("leaving tailnet")
	return c.server.Close()
}

// Listen creates a listener on the tailnet; the HTTP transport serves
// on it in place of a TCP socket.
func (c *Client) Listen(network, addr string) (net.Listener, error) {
	return c.server.Listen(network, addr)
}

// Dial connects to an address on the tailnet.
func (c *Client) Dial(ctx context.Context, network, addr string) (net.Conn, error) {
	return c.server.Dial(ctx, network, addr)
}

// TailscaleIPs returns the node's tailnet addresses.
func (c *Client) TailscaleIPs() []string {
	ip4, ip6 := c.server.TailscaleIPs()
	var result []string
	if ip4.IsValid() {
		result = append(result, ip4.String())
	}
	if ip6.IsValid() {
		result = append(result, ip6.String())
	}
	return result
}

// Hostname returns the tailnet hostname.
func (c *Client) Hostname() string {
	return c.server.Hostname
}
