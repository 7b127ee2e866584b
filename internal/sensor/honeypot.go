package sensor

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/blacknet-honeypot/blacknet/internal/protocol"
)

var errDenied = errors.New("permission denied")

// Honeypot is an SSH server that refuses every login and reports each
// attempt.
type Honeypot struct {
	config   *ssh.ServerConfig
	report   func(any) bool
	logger   *slog.Logger
	sem      chan struct{}
	deadline time.Duration
	wg       sync.WaitGroup
}

// HoneypotConfig configures a Honeypot.
type HoneypotConfig struct {
	HostKey       ssh.Signer
	ServerVersion string
	MaxConns      int
	// ConnTimeout bounds the lifetime of one SSH connection.
	ConnTimeout time.Duration
	// MaxAuthTries is the number of attempts allowed per connection.
	MaxAuthTries int
}

// NewHoneypot creates a honeypot passing attempts to report.
func NewHoneypot(cfg HoneypotConfig, report func(any) bool, logger *slog.Logger) *Honeypot {
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 256
	}
	if cfg.ConnTimeout <= 0 {
		cfg.ConnTimeout = time.Minute
	}
	if cfg.MaxAuthTries <= 0 {
		cfg.MaxAuthTries = 6
	}
	if cfg.ServerVersion == "" {
		cfg.ServerVersion = "SSH-2.0-OpenSSH_9.6p1 Ubuntu-3ubuntu13"
	}
	h := &Honeypot{
		report:   report,
		logger:   logger,
		sem:      make(chan struct{}, cfg.MaxConns),
		deadline: cfg.ConnTimeout,
	}
	h.config = &ssh.ServerConfig{
		ServerVersion: cfg.ServerVersion,
		MaxAuthTries:  cfg.MaxAuthTries,
		PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			pw := string(password)
			h.report(protocol.Credential{
				Client:   remoteIP(conn.RemoteAddr()),
				Time:     protocol.FromTime(time.Now()),
				User:     conn.User(),
				Password: &pw,
				Version:  string(conn.ClientVersion()),
			})
			return nil, errDenied
		},
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			h.report(protocol.PublicKey{
				Client:      remoteIP(conn.RemoteAddr()),
				Time:        protocol.FromTime(time.Now()),
				User:        conn.User(),
				Version:     string(conn.ClientVersion()),
				Fingerprint: ssh.FingerprintSHA256(key),
				KeyType:     key.Type(),
				Key64:       base64.StdEncoding.EncodeToString(key.Marshal()),
				KeySize:     KeySize(key),
			})
			return nil, errDenied
		},
	}
	h.config.AddHostKey(cfg.HostKey)
	return h
}

// Serve accepts SSH connections until ln is closed or ctx is cancelled.
func (h *Honeypot) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer h.wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() { //nolint:staticcheck
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return err
		}
		select {
		case h.sem <- struct{}{}:
			h.wg.Add(1)
			go func() {
				defer func() {
					<-h.sem
					h.wg.Done()
				}()
				h.handle(conn)
			}()
		default:
			h.logger.Warn("connection limit reached", "remote", conn.RemoteAddr().String())
			conn.Close()
		}
	}
}

func (h *Honeypot) handle(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(h.deadline))
	// Every authentication is refused, so the handshake always fails.
	_, _, _, err := ssh.NewServerConn(conn, h.config)
	h.logger.Debug("ssh connection finished", "remote", conn.RemoteAddr().String(), "err", err)
}

func remoteIP(a net.Addr) string {
	if tcp, ok := a.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(a.String())
	if err != nil {
		return a.String()
	}
	return host
}

// KeySize returns the size in bits of an SSH public key, 0 when unknown.
func KeySize(key ssh.PublicKey) int {
	ck, ok := key.(ssh.CryptoPublicKey)
	if !ok {
		return 0
	}
	switch pk := ck.CryptoPublicKey().(type) {
	case *rsa.PublicKey:
		return pk.N.BitLen()
	case *ecdsa.PublicKey:
		return pk.Curve.Params().BitSize
	case ed25519.PublicKey:
		return 256
	}
	return 0
}

// LoadOrCreateHostKey reads an ed25519 host key from path, creating it when
// the file does not exist.
func LoadOrCreateHostKey(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return ssh.ParsePrivateKey(data)
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read host key: %w", err)
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate host key: %w", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal host key: %w", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(path, pemBytes, 0o600); err != nil {
		return nil, fmt.Errorf("write host key: %w", err)
	}
	return ssh.NewSignerFromKey(priv)
}
