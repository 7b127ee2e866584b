package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/blacknet-honeypot/blacknet/internal/addr"
	"github.com/blacknet-honeypot/blacknet/internal/blacklist"
	"github.com/blacknet-honeypot/blacknet/internal/db"
	"github.com/blacknet-honeypot/blacknet/internal/feed"
	"github.com/blacknet-honeypot/blacknet/internal/protocol"
)

const testInterval = 60 * time.Second

var base = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC).Unix()

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testDeps(store db.Store) Deps {
	return Deps{
		Store:           store,
		Stats:           &Stats{},
		Logger:          discardLogger(),
		SessionInterval: testInterval,
		DatabaseRetries: 3,
	}
}

func msg(t *testing.T, typ protocol.MsgType, payload any) []byte {
	t.Helper()
	b, err := protocol.Encode(typ, payload)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return b
}

func cred(t *testing.T, ip string, at int64, user string, password *string) []byte {
	return msg(t, protocol.MsgSSHCredential, protocol.Credential{
		Client: ip, Time: protocol.Timestamp(at), User: user, Password: password, Version: "SSH-2.0-libssh",
	})
}

func pubkey(t *testing.T, ip string, at int64, user, fp string) []byte {
	return msg(t, protocol.MsgSSHPublicKey, protocol.PublicKey{
		Client: ip, Time: protocol.Timestamp(at), User: user, Version: "SSH-2.0-Go",
		Fingerprint: fp, KeyType: "ssh-ed25519", Key64: "AAAAC3NzaC1lZDI1NTE5", KeySize: 256,
	})
}

func strPtr(s string) *string { return &s }

// serve runs a connection over a pipe, writes msgs, hangs up and waits for
// Serve to return.
func serve(t *testing.T, deps Deps, msgs ...[]byte) (*Conn, error) {
	t.Helper()
	srv, cli := net.Pipe()
	c := NewConn(srv, deps)
	done := make(chan error, 1)
	go func() { done <- c.Serve(context.Background()) }()

	for _, m := range msgs {
		if _, err := cli.Write(m); err != nil {
			break
		}
	}
	cli.Close()

	select {
	case err := <-done:
		return c, err
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
		return nil, nil
	}
}

func TestEndToEndScenario(t *testing.T) {
	store := db.NewMemory()
	c, err := serve(t, testDeps(store),
		msg(t, protocol.MsgHello, "not-the-token"),
		msg(t, protocol.MsgClientName, "sensor-A"),
		cred(t, "1.2.3.4", base, "root", strPtr("toor")),
	)
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if c.State() != StateClosed {
		t.Errorf("State = %s, want closed", c.State())
	}
	if c.Sensor() != "sensor-A" || c.Peername() != "unknown" {
		t.Errorf("sensor = %q, peer = %q", c.Sensor(), c.Peername())
	}

	attackers := store.Attackers()
	if len(attackers) != 1 {
		t.Fatalf("attackers = %d, want 1", len(attackers))
	}
	a := attackers[0]
	if a.ID != addr.MustEncode("1.2.3.4") || a.IP != "1.2.3.4" {
		t.Errorf("attacker = %+v", a)
	}
	if !a.FirstSeen.Equal(time.Unix(base, 0)) || !a.LastSeen.Equal(a.FirstSeen) {
		t.Errorf("attacker seen = [%v, %v]", a.FirstSeen, a.LastSeen)
	}

	sessions := store.Sessions()
	if len(sessions) != 1 || sessions[0].Sensor != "sensor-A" {
		t.Fatalf("sessions = %+v", sessions)
	}
	attempts := store.Attempts()
	if len(attempts) != 1 {
		t.Fatalf("attempts = %d, want 1", len(attempts))
	}
	at := attempts[0]
	if at.Sensor != "sensor-A" || at.User != "root" || at.Password == nil || *at.Password != "toor" ||
		at.SessionID != sessions[0].ID || at.ClientVersion != "SSH-2.0-libssh" {
		t.Errorf("attempt = %+v", at)
	}
	if c.stored != 1 || c.dropped != 0 {
		t.Errorf("stored = %d, dropped = %d", c.stored, c.dropped)
	}
}

func TestFirstLastSeenIdempotence(t *testing.T) {
	store := db.NewMemory()
	deps := testDeps(store)
	ip := "203.0.113.5"
	_, err := serve(t, deps,
		cred(t, ip, base, "a", nil),
		cred(t, ip, base-10, "b", nil),
		cred(t, ip, base+10, "c", nil),
		cred(t, ip, base, "d", nil),
	)
	if err != nil {
		t.Fatal(err)
	}
	// A second connection starts with empty caches.
	if _, err := serve(t, deps, cred(t, ip, base+5, "e", nil)); err != nil {
		t.Fatal(err)
	}

	a, ok := store.Attacker(addr.MustEncode(ip))
	if !ok {
		t.Fatal("attacker missing")
	}
	if !a.FirstSeen.Equal(time.Unix(base-10, 0)) || !a.LastSeen.Equal(time.Unix(base+10, 0)) {
		t.Errorf("seen = [%v, %v], want [base-10, base+10]", a.FirstSeen, a.LastSeen)
	}
	if n := len(store.Attackers()); n != 1 {
		t.Errorf("attackers = %d, want 1", n)
	}
	if n := len(store.Attempts()); n != 5 {
		t.Errorf("attempts = %d, want 5", n)
	}
}

func TestSessionSplitting(t *testing.T) {
	interval := int64(testInterval / time.Second)
	tests := []struct {
		name     string
		second   int64
		sessions int
	}{
		{"within interval", base + interval, 1},
		{"past interval", base + interval + 1, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := db.NewMemory()
			_, err := serve(t, testDeps(store),
				cred(t, "198.51.100.1", base, "root", nil),
				cred(t, "198.51.100.1", tt.second, "root", nil),
			)
			if err != nil {
				t.Fatal(err)
			}
			sessions := store.Sessions()
			if len(sessions) != tt.sessions {
				t.Fatalf("sessions = %d, want %d", len(sessions), tt.sessions)
			}
			last := sessions[len(sessions)-1]
			if !last.LastSeen.Equal(time.Unix(tt.second, 0)) {
				t.Errorf("last session last_seen = %v, want %v", last.LastSeen, time.Unix(tt.second, 0))
			}
			attempts := store.Attempts()
			if tt.sessions == 1 && attempts[0].SessionID != attempts[1].SessionID {
				t.Error("attempts in different sessions")
			}
			if tt.sessions == 2 && attempts[0].SessionID == attempts[1].SessionID {
				t.Error("attempts share a session")
			}
		})
	}
}

func TestSessionContinuesAcrossConnections(t *testing.T) {
	store := db.NewMemory()
	deps := testDeps(store)
	name := msg(t, protocol.MsgClientName, "s1")
	if _, err := serve(t, deps, name, cred(t, "198.51.100.2", base, "u", nil)); err != nil {
		t.Fatal(err)
	}
	if _, err := serve(t, deps, name, cred(t, "198.51.100.2", base+30, "u", nil)); err != nil {
		t.Fatal(err)
	}
	if _, err := serve(t, deps, msg(t, protocol.MsgClientName, "s2"), cred(t, "198.51.100.2", base+40, "u", nil)); err != nil {
		t.Fatal(err)
	}
	sessions := store.Sessions()
	if len(sessions) != 2 {
		t.Fatalf("sessions = %+v, want one per sensor", sessions)
	}
	if !sessions[0].LastSeen.Equal(time.Unix(base+30, 0)) {
		t.Errorf("s1 last_seen = %v", sessions[0].LastSeen)
	}
}

func TestBlacklistShortCircuit(t *testing.T) {
	store := db.NewMemory()
	deps := testDeps(store)
	deps.Blacklist = blacklist.FromEntries([]blacklist.Entry{{Sensor: "*", User: "root"}}, discardLogger())

	c, err := serve(t, deps, cred(t, "192.0.2.1", base, "root", strPtr("x")))
	if err != nil {
		t.Fatal(err)
	}
	if len(store.Attackers()) != 0 || len(store.Sessions()) != 0 || len(store.Attempts()) != 0 {
		t.Error("blacklisted attempt wrote rows")
	}
	if c.dropped != 1 {
		t.Errorf("dropped = %d, want 1", c.dropped)
	}
	snap := deps.Stats.Snapshot()
	if snap.Dropped != 1 || snap.Blacklisted != 1 || snap.Stored != 0 {
		t.Errorf("stats = %+v", snap)
	}
}

func TestBlacklistUsesRenamedSensor(t *testing.T) {
	store := db.NewMemory()
	deps := testDeps(store)
	deps.Blacklist = blacklist.FromEntries([]blacklist.Entry{{Sensor: "lab-*", User: "test"}}, discardLogger())

	_, err := serve(t, deps,
		cred(t, "192.0.2.2", base, "test", nil),
		msg(t, protocol.MsgClientName, "lab-1"),
		cred(t, "192.0.2.2", base+1, "test", nil),
	)
	if err != nil {
		t.Fatal(err)
	}
	attempts := store.Attempts()
	if len(attempts) != 1 || attempts[0].Sensor != "unknown" {
		t.Errorf("attempts = %+v, want only the one before the rename", attempts)
	}
}

func TestPubkeyDedup(t *testing.T) {
	store := db.NewMemory()
	c, err := serve(t, testDeps(store),
		pubkey(t, "192.0.2.10", base, "git", "SHA256:abc"),
		pubkey(t, "192.0.2.11", base+1, "git", "SHA256:abc"),
	)
	if err != nil {
		t.Fatal(err)
	}
	keys := store.Pubkeys()
	if len(keys) != 1 {
		t.Fatalf("pubkeys = %d, want 1", len(keys))
	}
	links := store.Links()
	if len(links) != 2 {
		t.Fatalf("links = %d, want 2", len(links))
	}
	for _, l := range links {
		if l.PubkeyID != keys[0].ID {
			t.Errorf("link %+v does not reference key %d", l, keys[0].ID)
		}
	}
	for _, a := range store.Attempts() {
		if a.Password != nil {
			t.Errorf("public key attempt has password %q", *a.Password)
		}
	}
	if c.stored != 2 {
		t.Errorf("stored = %d", c.stored)
	}
}

// flakyStore fails selected cursor operations a set number of times.
type flakyStore struct {
	db.Store
	mu       sync.Mutex
	failures map[string]int
	calls    map[string]int
}

func newFlaky(inner db.Store, failures map[string]int) *flakyStore {
	return &flakyStore{Store: inner, failures: failures, calls: make(map[string]int)}
}

func (f *flakyStore) Cursor() db.Cursor {
	return &flakyCursor{Cursor: f.Store.Cursor(), f: f}
}

func (f *flakyStore) fail(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	if f.failures[op] > 0 {
		f.failures[op]--
		return &db.StoreError{Op: op, Code: "08006", Err: errors.New("connection reset by peer")}
	}
	return nil
}

func (f *flakyStore) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

type flakyCursor struct {
	db.Cursor
	f *flakyStore
}

func (c *flakyCursor) CheckAttacker(ctx context.Context, id addr.Key) (*db.AttackerSeen, error) {
	if err := c.f.fail("check_attacker"); err != nil {
		return nil, err
	}
	return c.Cursor.CheckAttacker(ctx, id)
}

func (c *flakyCursor) InsertAttempt(ctx context.Context, a *db.Attempt) (int64, error) {
	if err := c.f.fail("insert_attempt"); err != nil {
		return 0, err
	}
	return c.Cursor.InsertAttempt(ctx, a)
}

func (c *flakyCursor) LinkAttemptPubkey(ctx context.Context, attemptID, keyID int64) error {
	if err := c.f.fail("link_attempt_pubkey"); err != nil {
		return err
	}
	return c.Cursor.LinkAttemptPubkey(ctx, attemptID, keyID)
}

func events(t *testing.T) [][]byte {
	return [][]byte{
		msg(t, protocol.MsgClientName, "s"),
		cred(t, "10.1.1.1", base, "root", strPtr("a")),
		cred(t, "10.1.1.1", base+5, "root", strPtr("b")),
		cred(t, "10.1.1.1", base-3, "admin", nil),
	}
}

func TestRetryThenSucceedMatchesCleanRun(t *testing.T) {
	clean := db.NewMemory()
	if _, err := serve(t, testDeps(clean), events(t)...); err != nil {
		t.Fatal(err)
	}

	inner := db.NewMemory()
	flaky := newFlaky(inner, map[string]int{"insert_attempt": 2})
	c, err := serve(t, testDeps(flaky), events(t)...)
	if err != nil {
		t.Fatal(err)
	}
	if c.dropped != 0 || c.stored != 3 {
		t.Fatalf("stored = %d, dropped = %d", c.stored, c.dropped)
	}
	if got := flaky.count("insert_attempt"); got != 5 {
		t.Errorf("insert_attempt calls = %d, want 5", got)
	}

	ca, fa := clean.Attackers(), inner.Attackers()
	if len(ca) != 1 || len(fa) != 1 {
		t.Fatalf("attackers: clean %d, flaky %d", len(ca), len(fa))
	}
	if !ca[0].FirstSeen.Equal(fa[0].FirstSeen) || !ca[0].LastSeen.Equal(fa[0].LastSeen) {
		t.Errorf("attacker differs: clean %+v, flaky %+v", ca[0], fa[0])
	}
	cs, fs := clean.Sessions(), inner.Sessions()
	if len(cs) != len(fs) {
		t.Fatalf("sessions: clean %d, flaky %d", len(cs), len(fs))
	}
	for i := range cs {
		if !cs[i].FirstSeen.Equal(fs[i].FirstSeen) || !cs[i].LastSeen.Equal(fs[i].LastSeen) {
			t.Errorf("session %d differs: %+v vs %+v", i, cs[i], fs[i])
		}
	}
	ct, ft := clean.Attempts(), inner.Attempts()
	if len(ct) != len(ft) {
		t.Fatalf("attempts: clean %d, flaky %d", len(ct), len(ft))
	}
	for i := range ct {
		if ct[i].User != ft[i].User || !ct[i].Time.Equal(ft[i].Time) {
			t.Errorf("attempt %d differs: %+v vs %+v", i, ct[i], ft[i])
		}
	}
}

func TestRetryExhaustionDropsEvent(t *testing.T) {
	inner := db.NewMemory()
	flaky := newFlaky(inner, map[string]int{"insert_attempt": 3})
	deps := testDeps(flaky)
	c, err := serve(t, deps,
		cred(t, "10.2.2.2", base, "first", nil),
		cred(t, "10.2.2.2", base+1, "second", nil),
	)
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if c.dropped != 1 || c.stored != 1 {
		t.Fatalf("stored = %d, dropped = %d", c.stored, c.dropped)
	}
	attempts := inner.Attempts()
	if len(attempts) != 1 || attempts[0].User != "second" {
		t.Errorf("attempts = %+v", attempts)
	}
	if n := len(inner.Sessions()); n != 1 {
		t.Errorf("sessions = %d, want 1", n)
	}
	a, _ := inner.Attacker(addr.MustEncode("10.2.2.2"))
	if !a.FirstSeen.Equal(time.Unix(base+1, 0)) {
		t.Errorf("dropped event left first_seen %v", a.FirstSeen)
	}
	if deps.Stats.Snapshot().Dropped != 1 {
		t.Errorf("stats = %+v", deps.Stats.Snapshot())
	}
}

func TestPubkeyLinkFailureKeepsAttempt(t *testing.T) {
	inner := db.NewMemory()
	flaky := newFlaky(inner, map[string]int{"link_attempt_pubkey": 3})
	deps := testDeps(flaky)
	c, err := serve(t, deps, pubkey(t, "10.3.3.3", base, "git", "SHA256:zzz"))
	if err != nil {
		t.Fatal(err)
	}
	if len(inner.Attempts()) != 1 {
		t.Fatalf("attempts = %d, want 1", len(inner.Attempts()))
	}
	if len(inner.Links()) != 0 || len(inner.Pubkeys()) != 0 {
		t.Errorf("links = %v, pubkeys = %v", inner.Links(), inner.Pubkeys())
	}
	if c.stored != 1 || c.dropped != 0 || deps.Stats.Snapshot().Unlinked != 1 {
		t.Errorf("stored = %d, dropped = %d, stats = %+v", c.stored, c.dropped, deps.Stats.Snapshot())
	}
}

func TestStoreErrorLoggedOncePerChange(t *testing.T) {
	flaky := newFlaky(db.NewMemory(), map[string]int{"insert_attempt": 2})
	c := NewConn(&net.TCPConn{}, testDeps(flaky))
	err := c.storeRetry(context.Background(), func(ctx context.Context) error {
		_, err := c.cursor.InsertAttempt(ctx, &db.Attempt{})
		return err
	})
	if err != nil {
		t.Fatalf("storeRetry: %v", err)
	}
	if c.lastStoreErr != "" {
		t.Errorf("lastStoreErr = %q after success", c.lastStoreErr)
	}

	calls := 0
	err = c.storeRetry(context.Background(), func(context.Context) error {
		calls++
		return errors.New("not a store error")
	})
	if err == nil || calls != 1 {
		t.Errorf("non-store error retried: calls = %d, err = %v", calls, err)
	}
}

func TestCorruptStreamClosesConnection(t *testing.T) {
	store := db.NewMemory()
	c, err := serve(t, testDeps(store),
		[]byte{0xc1},
		cred(t, "10.4.4.4", base, "root", nil),
	)
	if !errors.Is(err, protocol.ErrCorrupt) {
		t.Fatalf("Serve = %v, want ErrCorrupt", err)
	}
	if c.State() != StateClosed {
		t.Errorf("State = %s", c.State())
	}
	if len(store.Attempts()) != 0 {
		t.Error("message after corruption was stored")
	}
}

func TestMalformedPayloadIsSkipped(t *testing.T) {
	store := db.NewMemory()
	c, err := serve(t, testDeps(store),
		msg(t, protocol.MsgSSHCredential, "not a map"),
		msg(t, protocol.MsgType(99), "future"),
		cred(t, "not-an-ip", base, "root", nil),
		cred(t, "10.5.5.5", base, "root", nil),
	)
	if err != nil {
		t.Fatal(err)
	}
	if c.dropped != 2 || c.stored != 1 {
		t.Errorf("stored = %d, dropped = %d", c.stored, c.dropped)
	}
}

func TestFractionalTimestampIsStored(t *testing.T) {
	store := db.NewMemory()
	c, err := serve(t, testDeps(store),
		msg(t, protocol.MsgSSHCredential, map[string]any{
			"client": "10.6.6.6", "time": float64(base) + 0.25, "user": "root", "passwd": "x", "version": "SSH-2.0-paramiko",
		}),
		msg(t, protocol.MsgSSHPublicKey, map[string]any{
			"client": "10.6.6.6", "time": base + 1, "user": "git", "version": "SSH-2.0-paramiko",
			"kfp": "SHA256:frac", "ktype": "ssh-ed25519", "k64": "AAAA", "ksize": 256,
		}),
	)
	if err != nil {
		t.Fatal(err)
	}
	if c.dropped != 0 || c.stored != 2 {
		t.Fatalf("stored = %d, dropped = %d", c.stored, c.dropped)
	}
	attempts := store.Attempts()
	want := time.Unix(base, 250*int64(time.Millisecond))
	if !attempts[0].Time.Equal(want) {
		t.Errorf("credential time = %v, want %v", attempts[0].Time, want)
	}
	if !attempts[1].Time.Equal(time.Unix(base+1, 0)) {
		t.Errorf("public key time = %v", attempts[1].Time)
	}
}

func TestHandshakeState(t *testing.T) {
	srv, cli := net.Pipe()
	defer cli.Close()
	c := NewConn(srv, testDeps(db.NewMemory()))
	if c.State() != StateHandshake {
		t.Fatalf("initial State = %s", c.State())
	}
	c.unpacker.Feed(msg(t, protocol.MsgClientName, "x"))
	if _, err := c.drain(context.Background()); err != nil {
		t.Fatal(err)
	}
	if c.State() != StateStreaming {
		t.Errorf("State after first message = %s", c.State())
	}
	c.close()
}

func TestPingPong(t *testing.T) {
	srv, cli := net.Pipe()
	c := NewConn(srv, testDeps(db.NewMemory()))
	done := make(chan error, 1)
	go func() { done <- c.Serve(context.Background()) }()

	if _, err := cli.Write(msg(t, protocol.MsgPing, "keepalive-7")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 256)
	var u protocol.Unpacker
	cli.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		n, err := cli.Read(buf)
		if err != nil {
			t.Fatalf("read pong: %v", err)
		}
		u.Feed(buf[:n])
		m, err := u.Next()
		if errors.Is(err, protocol.ErrIncomplete) {
			continue
		}
		if err != nil {
			t.Fatal(err)
		}
		if m.Type != protocol.MsgPong {
			t.Fatalf("reply type = %s", m.Type)
		}
		if s, _ := protocol.DecodeString(m); s != "keepalive-7" {
			t.Errorf("pong payload = %q", s)
		}
		break
	}
	cli.Close()
	<-done
}

func TestGoodbyeClosesConnection(t *testing.T) {
	srv, cli := net.Pipe()
	defer cli.Close()
	store := db.NewMemory()
	c := NewConn(srv, testDeps(store))
	done := make(chan error, 1)
	go func() { done <- c.Serve(context.Background()) }()

	wire := append(cred(t, "10.6.6.6", base, "u", nil), msg(t, protocol.MsgGoodbye, "")...)
	if _, err := cli.Write(wire); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("connection stayed open after GOODBYE")
	}
	if len(store.Attempts()) != 1 {
		t.Error("attempt before GOODBYE not stored")
	}
}

func TestContextCancelClosesConnection(t *testing.T) {
	srv, cli := net.Pipe()
	defer cli.Close()
	c := NewConn(srv, testDeps(db.NewMemory()))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Serve(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve ignored cancellation")
	}
}

func TestIdleTimeout(t *testing.T) {
	srv, cli := net.Pipe()
	defer cli.Close()
	deps := testDeps(db.NewMemory())
	deps.IdleTimeout = 50 * time.Millisecond
	c := NewConn(srv, deps)
	done := make(chan error, 1)
	go func() { done <- c.Serve(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("idle connection not closed")
	}
}

func TestUnixPeerIsLocal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "b.sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Skipf("unix sockets unavailable: %v", err)
	}
	defer ln.Close()
	go func() {
		cc, err := net.Dial("unix", path)
		if err == nil {
			cc.Close()
		}
	}()
	nc, err := ln.Accept()
	if err != nil {
		t.Fatal(err)
	}
	c := NewConn(nc, testDeps(db.NewMemory()))
	defer c.close()
	if c.Peername() != LocalPeer || c.Sensor() != LocalPeer {
		t.Errorf("peer = %q, sensor = %q", c.Peername(), c.Sensor())
	}
}

type fakeResolver map[string]string

func (f fakeResolver) ReverseLookup(_ context.Context, ip string) string { return f[ip] }

func TestNewAttackerEnrichment(t *testing.T) {
	store := db.NewMemory()
	id := addr.MustEncode("8.8.4.4")
	store.SetLocation(id, 7)
	deps := testDeps(store)
	deps.Resolver = fakeResolver{"8.8.4.4": "dns.example"}

	if _, err := serve(t, deps, cred(t, "8.8.4.4", base, "root", nil)); err != nil {
		t.Fatal(err)
	}
	a, ok := store.Attacker(id)
	if !ok {
		t.Fatal("attacker missing")
	}
	if a.DNS != "dns.example" || a.LocationID == nil || *a.LocationID != 7 {
		t.Errorf("attacker = %+v", a)
	}
}

func TestAttemptsPublishedToFeed(t *testing.T) {
	deps := testDeps(db.NewMemory())
	deps.Hub = feed.NewHub(10, discardLogger())
	if _, err := serve(t, deps,
		cred(t, "10.7.7.7", base, "root", nil),
		pubkey(t, "10.7.7.7", base+1, "git", "SHA256:feed"),
	); err != nil {
		t.Fatal(err)
	}
	recent := deps.Hub.Recent()
	if len(recent) != 2 {
		t.Fatalf("events = %d, want 2", len(recent))
	}
	if recent[0].Type != "attempt" {
		t.Errorf("type = %q", recent[0].Type)
	}
	if want := `"fingerprint":"SHA256:feed"`; !strings.Contains(string(recent[1].Data), want) {
		t.Errorf("event %s lacks %s", recent[1].Data, want)
	}
}
