package sensor

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/blacknet-honeypot/blacknet/internal/protocol"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func startHoneypot(t *testing.T) (string, <-chan any) {
	t.Helper()
	hostKey, err := LoadOrCreateHostKey(filepath.Join(t.TempDir(), "host_key"))
	if err != nil {
		t.Fatalf("host key: %v", err)
	}
	reports := make(chan any, 16)
	h := NewHoneypot(HoneypotConfig{HostKey: hostKey}, func(ev any) bool {
		reports <- ev
		return true
	}, discard())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Serve(ctx, ln)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ln.Addr().String(), reports
}

func nextReport(t *testing.T, reports <-chan any) any {
	t.Helper()
	select {
	case ev := <-reports:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no report")
		return nil
	}
}

func TestHoneypotReportsPassword(t *testing.T) {
	address, reports := startHoneypot(t)
	_, err := ssh.Dial("tcp", address, &ssh.ClientConfig{
		User:            "root",
		Auth:            []ssh.AuthMethod{ssh.Password("hunter2")},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		ClientVersion:   "SSH-2.0-attacker",
		Timeout:         5 * time.Second,
	})
	if err == nil {
		t.Fatal("honeypot accepted a login")
	}

	ev, ok := nextReport(t, reports).(protocol.Credential)
	if !ok {
		t.Fatalf("report is %T, want protocol.Credential", ev)
	}
	if ev.User != "root" || ev.Password == nil || *ev.Password != "hunter2" {
		t.Errorf("credential = %+v", ev)
	}
	if ev.Client != "127.0.0.1" || ev.Version != "SSH-2.0-attacker" {
		t.Errorf("client = %q, version = %q", ev.Client, ev.Version)
	}
}

func TestHoneypotReportsPublicKey(t *testing.T) {
	address, reports := startHoneypot(t)
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	_, err = ssh.Dial("tcp", address, &ssh.ClientConfig{
		User:            "git",
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	})
	if err == nil {
		t.Fatal("honeypot accepted a key")
	}

	ev, ok := nextReport(t, reports).(protocol.PublicKey)
	if !ok {
		t.Fatalf("report is %T, want protocol.PublicKey", ev)
	}
	if ev.User != "git" || ev.KeyType != ssh.KeyAlgoED25519 || ev.KeySize != 256 {
		t.Errorf("public key = %+v", ev)
	}
	if ev.Fingerprint != ssh.FingerprintSHA256(signer.PublicKey()) {
		t.Errorf("fingerprint = %q", ev.Fingerprint)
	}
}

func TestLoadOrCreateHostKeyIsStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host_key")
	a, err := LoadOrCreateHostKey(path)
	if err != nil {
		t.Fatal(err)
	}
	b, err := LoadOrCreateHostKey(path)
	if err != nil {
		t.Fatal(err)
	}
	if ssh.FingerprintSHA256(a.PublicKey()) != ssh.FingerprintSHA256(b.PublicKey()) {
		t.Error("host key changed between loads")
	}
}
