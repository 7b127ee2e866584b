package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/blacknet-honeypot/blacknet/internal/blacklist"
	"github.com/blacknet-honeypot/blacknet/internal/config"
	"github.com/blacknet-honeypot/blacknet/internal/db"
	"github.com/blacknet-honeypot/blacknet/internal/dns"
	"github.com/blacknet-honeypot/blacknet/internal/feed"
	"github.com/blacknet-honeypot/blacknet/internal/handlers"
	"github.com/blacknet-honeypot/blacknet/internal/ratelimit"
	"github.com/blacknet-honeypot/blacknet/internal/server"
	"github.com/blacknet-honeypot/blacknet/internal/tlsconf"
)

const (
	feedHistory        = 100
	limiterSweepPeriod = time.Minute
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the collection server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, path, err := loadConfig()
		if err != nil {
			return err
		}
		logger, closer := server.SetupLogger(server.LogOptions{
			Level:      cfg.Log.Level,
			Format:     cfg.Log.Format,
			File:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			Compress:   cfg.Log.Compress,
		})
		defer closer.Close()
		slog.SetDefault(logger)
		logger.Info("configuration loaded", "path", path)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, logger)
	},
}

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the configuration file and print the effective settings",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, path, err := loadConfig()
		if err != nil {
			return err
		}
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "# %s is valid\n%s", path, out)
		return nil
	},
}

func openStore(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (db.Store, handlers.Pinger, error) {
	switch cfg.Driver {
	case "memory":
		logger.Warn("using the in-memory store, data is lost on exit")
		return db.NewMemory(), nil, nil
	default:
		database, err := db.Connect(ctx, cfg.URL, cfg.MaxConns, logger)
		if err != nil {
			return nil, nil, err
		}
		return database, database, nil
	}
}

func listen(cfg config.ServerConfig, logger *slog.Logger) (tcp []net.Listener, unix net.Listener, err error) {
	defer func() {
		if err != nil {
			for _, ln := range tcp {
				ln.Close()
			}
		}
	}()
	for _, address := range cfg.Listen {
		ln, err := net.Listen("tcp", address)
		if err != nil {
			return tcp, nil, fmt.Errorf("listen %s: %w", address, err)
		}
		tcp = append(tcp, ln)
	}
	if cfg.Unix == "" {
		return tcp, nil, nil
	}
	// A socket left over from an unclean exit blocks the bind.
	if fi, err := os.Lstat(cfg.Unix); err == nil && fi.Mode()&os.ModeSocket != 0 {
		logger.Info("removing stale unix socket", "path", cfg.Unix)
		os.Remove(cfg.Unix)
	}
	unix, err = net.Listen("unix", cfg.Unix)
	if err != nil {
		return tcp, nil, fmt.Errorf("listen %s: %w", cfg.Unix, err)
	}
	if err := os.Chmod(cfg.Unix, cfg.UnixMode); err != nil {
		unix.Close()
		return tcp, nil, fmt.Errorf("chmod %s: %w", cfg.Unix, err)
	}
	return tcp, unix, nil
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	store, pinger, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	bl := blacklist.New(cfg.Blacklist.File, logger)
	if err := bl.Reload(); err != nil {
		return err
	}
	logger.Info("blacklist loaded", "file", cfg.Blacklist.File, "entries", bl.Len())

	hub := feed.NewHub(feedHistory, logger)
	deps := server.Deps{
		Store:           store,
		Blacklist:       bl,
		Hub:             hub,
		Stats:           &server.Stats{},
		Logger:          logger,
		SessionInterval: cfg.Server.SessionInterval,
		DatabaseRetries: cfg.Server.DatabaseRetries,
		IdleTimeout:     cfg.Server.IdleTimeout,
	}
	if cfg.DNS.Enabled {
		resolver, err := dns.NewResolver(cfg.DNS.Server, cfg.DNS.Timeout, logger)
		if err != nil {
			logger.Warn("reverse DNS disabled", "err", err)
		} else {
			deps.Resolver = resolver
		}
	}

	var tlsCfg *tls.Config
	if len(cfg.Server.Listen) > 0 {
		tlsCfg, err = tlsconf.Build(ctx, cfg.TLS, logger)
		if err != nil {
			return err
		}
	}

	sup := server.NewSupervisor(deps, server.Options{
		TLS:              tlsCfg,
		MaxConns:         cfg.Server.MaxConns,
		AcceptRate:       cfg.Server.AcceptRate,
		HandshakeTimeout: cfg.Server.HandshakeTimeout,
	})

	tcp, unix, err := listen(cfg.Server, logger)
	if err != nil {
		return err
	}
	if unix != nil {
		defer os.Remove(cfg.Server.Unix)
	}

	g, gctx := errgroup.WithContext(ctx)
	serveListener := func(ln net.Listener, trusted bool) {
		g.Go(func() error {
			err := sup.Serve(gctx, ln, trusted)
			if errors.Is(err, server.ErrSupervisorClosed) {
				return nil
			}
			return err
		})
	}
	for _, ln := range tcp {
		serveListener(ln, false)
	}
	if unix != nil {
		serveListener(unix, true)
	}

	var status *http.Server
	if cfg.Status.Listen != "" {
		limiter := ratelimit.New()
		router := handlers.NewRouter(handlers.NewStatusHandler(sup, bl, pinger, limiter, logger), hub, cfg.Status.Token, logger)
		status = &http.Server{
			Addr:              cfg.Status.Listen,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      0, // SSE + WebSocket need unlimited write time
			IdleTimeout:       60 * time.Second,
			// Live feed streams end when the server begins shutting down.
			BaseContext: func(net.Listener) context.Context { return gctx },
		}
		g.Go(func() error {
			logger.Info("status API listening", "addr", status.Addr)
			if err := status.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("status API: %w", err)
			}
			return nil
		})
		go server.RunWithRecovery(gctx, logger, "status-limiter-sweep", func(ctx context.Context) {
			sweep(ctx, limiterSweepPeriod, func() { limiter.Sweep(limiterSweepPeriod) })
		})
	}

	if cfg.Blacklist.Watch && cfg.Blacklist.File != "" {
		go server.RunWithRecovery(gctx, logger, "blacklist-watch", func(ctx context.Context) {
			if err := bl.Watch(ctx); err != nil {
				logger.Error("blacklist watch failed", "err", err)
			}
		})
	}
	go server.RunWithRecovery(gctx, logger, "accept-limiter-sweep", func(ctx context.Context) {
		sweep(ctx, limiterSweepPeriod, func() { sup.SweepLimiter(time.Minute) })
	})
	go reloadOnHangup(gctx, bl, logger)

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", "timeout", cfg.Server.ShutdownTimeout)
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := sup.Shutdown(sctx); err != nil {
			logger.Error("connections did not finish in time", "err", err)
		}
		if status != nil {
			if err := status.Shutdown(sctx); err != nil {
				logger.Error("status API shutdown failed", "err", err)
			}
		}
		return nil
	})

	logger.Info("blacknet server started",
		"listen", cfg.Server.Listen,
		"unix", cfg.Server.Unix,
		"database", cfg.Database.Driver,
	)
	err = g.Wait()
	logger.Info("blacknet server stopped", "stats", sup.Stats())
	return err
}

func sweep(ctx context.Context, every time.Duration, fn func()) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

func reloadOnHangup(ctx context.Context, bl *blacklist.Blacklist, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := bl.Reload(); err != nil {
				logger.Error("blacklist reload failed", "err", err)
				continue
			}
			logger.Info("blacklist reloaded", "entries", bl.Len())
		}
	}
}
