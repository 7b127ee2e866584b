package sensor

import (
	"context"
	"crypto/tls"
	"log/slog"
	"time"

	"github.com/blacknet-honeypot/blacknet/internal/protocol"
)

// ReporterConfig describes where and how a Reporter delivers attempts.
type ReporterConfig struct {
	Network   string // tcp or unix
	Address   string
	TLS       *tls.Config
	Name      string // sent as CLIENT_NAME when set
	QueueSize int
	// Keepalive is the PING interval on an idle connection.
	Keepalive time.Duration
}

// Reporter queues attempts and delivers them over a Client, reconnecting
// with backoff when the server goes away.
type Reporter struct {
	cfg    ReporterConfig
	queue  chan any
	logger *slog.Logger
	dial   func(ctx context.Context) (*Client, error)
}

func NewReporter(cfg ReporterConfig, logger *slog.Logger) *Reporter {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Keepalive <= 0 {
		cfg.Keepalive = 30 * time.Second
	}
	r := &Reporter{cfg: cfg, queue: make(chan any, cfg.QueueSize), logger: logger}
	r.dial = func(ctx context.Context) (*Client, error) {
		return Dial(ctx, cfg.Network, cfg.Address, cfg.TLS)
	}
	return r
}

// Report enqueues a protocol.Credential or protocol.PublicKey. It never
// blocks; when the queue is full the attempt is discarded.
func (r *Reporter) Report(ev any) bool {
	select {
	case r.queue <- ev:
		return true
	default:
		r.logger.Warn("report queue full, discarding attempt")
		return false
	}
}

// Run delivers queued attempts until ctx is cancelled.
func (r *Reporter) Run(ctx context.Context) {
	backoff := time.Second
	for ctx.Err() == nil {
		c, err := r.connect(ctx)
		if err != nil {
			r.logger.Warn("cannot reach server", "addr", r.cfg.Address, "err", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, time.Minute)
			continue
		}
		backoff = time.Second
		r.logger.Info("connected to server", "addr", r.cfg.Address)
		err = r.pump(ctx, c)
		if ctx.Err() != nil {
			c.Close()
			return
		}
		r.logger.Warn("connection to server lost", "err", err)
		c.conn.Close()
	}
}

func (r *Reporter) connect(ctx context.Context) (*Client, error) {
	dctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	c, err := r.dial(dctx)
	if err != nil {
		return nil, err
	}
	if r.cfg.Name != "" {
		if err := c.SetName(r.cfg.Name); err != nil {
			c.conn.Close()
			return nil, err
		}
	}
	return c, nil
}

func (r *Reporter) pump(ctx context.Context, c *Client) error {
	ticker := time.NewTicker(r.cfg.Keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-r.queue:
			var err error
			switch ev := ev.(type) {
			case protocol.Credential:
				err = c.SendCredential(ev)
			case protocol.PublicKey:
				err = c.SendPublicKey(ev)
			default:
				r.logger.Error("unsupported report type", "type", ev)
				continue
			}
			if err != nil {
				// Put it back for the next connection.
				r.Report(ev)
				return err
			}
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, r.cfg.Keepalive)
			err := c.Ping(pctx, time.Now().UTC().Format(time.RFC3339))
			cancel()
			if err != nil {
				return err
			}
		}
	}
}
