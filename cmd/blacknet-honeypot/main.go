// Command blacknet-honeypot runs an SSH honeypot sensor that refuses every
// login and reports each attempt to a blacknet server.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/blacknet-honeypot/blacknet/internal/sensor"
	"github.com/blacknet-honeypot/blacknet/internal/server"
)

var opts struct {
	listen    string
	hostKey   string
	server    string
	unix      string
	ca        string
	cert      string
	key       string
	name      string
	maxConns  int
	queueSize int
	logLevel  string
	logFormat string
	logFile   string
}

var rootCmd = &cobra.Command{
	Use:   "blacknet-honeypot",
	Short: "SSH honeypot sensor reporting to a blacknet server",
	Long: `blacknet-honeypot listens for SSH connections, refuses every
authentication and reports the offered credentials and public keys to a
blacknet server over mutual TLS, or over a local unix socket.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		logger, closer := server.SetupLogger(server.LogOptions{
			Level:  opts.logLevel,
			Format: opts.logFormat,
			File:   opts.logFile,
		})
		defer closer.Close()
		slog.SetDefault(logger)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return run(ctx, logger)
	},
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&opts.listen, "listen", ":2222", "SSH listen address")
	f.StringVar(&opts.hostKey, "host-key", "ssh_host_ed25519_key", "SSH host key, created when missing")
	f.StringVar(&opts.server, "server", "", "blacknet server address (host:port)")
	f.StringVar(&opts.unix, "unix", "", "blacknet server unix socket, used instead of --server")
	f.StringVar(&opts.ca, "ca", "", "CA certificate verifying the server")
	f.StringVar(&opts.cert, "cert", "", "sensor client certificate")
	f.StringVar(&opts.key, "key", "", "sensor client key")
	f.StringVar(&opts.name, "name", "", "sensor name sent to the server (defaults to the certificate name)")
	f.IntVar(&opts.maxConns, "max-conns", 256, "maximum concurrent SSH connections")
	f.IntVar(&opts.queueSize, "queue", 4096, "attempts buffered while the server is unreachable")
	f.StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	f.StringVar(&opts.logFormat, "log-format", "json", "log format (json or text)")
	f.StringVar(&opts.logFile, "log-file", "", "log to this file instead of stdout")
}

func reporterConfig() (sensor.ReporterConfig, error) {
	cfg := sensor.ReporterConfig{Name: opts.name, QueueSize: opts.queueSize}
	if opts.unix != "" {
		cfg.Network, cfg.Address = "unix", opts.unix
		return cfg, nil
	}
	if opts.server == "" {
		return cfg, errors.New("one of --server or --unix is required")
	}
	if opts.ca == "" || opts.cert == "" || opts.key == "" {
		return cfg, errors.New("--ca, --cert and --key are required with --server")
	}
	pair, err := tls.LoadX509KeyPair(opts.cert, opts.key)
	if err != nil {
		return cfg, fmt.Errorf("load client certificate: %w", err)
	}
	caPEM, err := os.ReadFile(opts.ca)
	if err != nil {
		return cfg, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return cfg, fmt.Errorf("%s: no certificates found", opts.ca)
	}
	host, _, err := net.SplitHostPort(opts.server)
	if err != nil {
		return cfg, fmt.Errorf("--server: %w", err)
	}
	cfg.Network, cfg.Address = "tcp", opts.server
	cfg.TLS = &tls.Config{
		Certificates: []tls.Certificate{pair},
		RootCAs:      pool,
		ServerName:   host,
		MinVersion:   tls.VersionTLS12,
	}
	return cfg, nil
}

func run(ctx context.Context, logger *slog.Logger) error {
	rcfg, err := reporterConfig()
	if err != nil {
		return err
	}
	hostKey, err := sensor.LoadOrCreateHostKey(opts.hostKey)
	if err != nil {
		return err
	}
	reporter := sensor.NewReporter(rcfg, logger)
	honeypot := sensor.NewHoneypot(sensor.HoneypotConfig{
		HostKey:     hostKey,
		MaxConns:    opts.maxConns,
		ConnTimeout: time.Minute,
	}, reporter.Report, logger)

	ln, err := net.Listen("tcp", opts.listen)
	if err != nil {
		return err
	}
	logger.Info("honeypot listening", "addr", ln.Addr().String(), "server", rcfg.Address)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		server.RunWithRecovery(gctx, logger, "reporter", reporter.Run)
		return nil
	})
	g.Go(func() error {
		return honeypot.Serve(gctx, ln)
	})
	return g.Wait()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
