// Package tlsconf builds the server TLS configuration for sensor connections.
package tlsconf

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/caddyserver/certmagic"

	"github.com/blacknet-honeypot/blacknet/internal/config"
)

// UnknownPeer is the peer name of a connection without a client certificate.
const UnknownPeer = "unknown"

// Build returns the TLS configuration for cfg. In acme mode the certificates
// for the configured domains are obtained before Build returns.
func Build(ctx context.Context, cfg config.TLSConfig, logger *slog.Logger) (*tls.Config, error) {
	var tlsCfg *tls.Config
	switch cfg.Mode {
	case "files", "":
		cert, err := tls.LoadX509KeyPair(cfg.Cert, cfg.Key)
		if err != nil {
			return nil, fmt.Errorf("load key pair: %w", err)
		}
		tlsCfg = &tls.Config{Certificates: []tls.Certificate{cert}}
	case "acme":
		magic, err := newMagic(cfg.ACME)
		if err != nil {
			return nil, err
		}
		logger.Info("obtaining certificates", "domains", cfg.ACME.Domains)
		if err := magic.ManageSync(ctx, cfg.ACME.Domains); err != nil {
			return nil, fmt.Errorf("manage domains: %w", err)
		}
		tlsCfg = magic.TLSConfig()
	default:
		return nil, fmt.Errorf("unknown tls mode %q", cfg.Mode)
	}
	tlsCfg.MinVersion = tls.VersionTLS12

	if cfg.ClientCA != "" {
		pool, err := loadPool(cfg.ClientCA)
		if err != nil {
			return nil, err
		}
		tlsCfg.ClientCAs = pool
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	} else {
		logger.Warn("no client CA configured, sensors are not authenticated")
	}
	return tlsCfg, nil
}

func newMagic(cfg config.ACMEConfig) (*certmagic.Config, error) {
	if len(cfg.Domains) == 0 {
		return nil, errors.New("acme: no domains configured")
	}
	certmagic.DefaultACME.Email = cfg.Email
	certmagic.DefaultACME.Agreed = true
	if cfg.CA != "" {
		certmagic.DefaultACME.CA = cfg.CA
	}
	if cfg.CacheDir != "" {
		certmagic.Default.Storage = &certmagic.FileStorage{Path: cfg.CacheDir}
	}
	return certmagic.NewDefault(), nil
}

func loadPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read client CA: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("client CA %s: no certificates found", path)
	}
	return pool, nil
}

// PeerName returns the common name of the verified client certificate, or
// UnknownPeer when there is none.
func PeerName(state tls.ConnectionState) string {
	if len(state.PeerCertificates) == 0 {
		return UnknownPeer
	}
	if cn := state.PeerCertificates[0].Subject.CommonName; cn != "" {
		return cn
	}
	return UnknownPeer
}
