package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/blacknet-honeypot/blacknet/internal/addr"
	"github.com/blacknet-honeypot/blacknet/internal/db"
	"github.com/blacknet-honeypot/blacknet/internal/feed"
	"github.com/blacknet-honeypot/blacknet/internal/protocol"
	"github.com/blacknet-honeypot/blacknet/internal/tlsconf"
)

const (
	readSize     = 64 << 10
	writeTimeout = 5 * time.Second

	// LocalPeer is the peer name of trusted unix socket connections.
	LocalPeer = "local"

	DefaultDatabaseRetries = 3
)

// State is the lifecycle stage of a connection.
type State int

const (
	StateHandshake State = iota
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshake:
		return "handshake"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Blacklist decides whether attempts by user on sensor are discarded.
type Blacklist interface {
	Has(sensor, user string) bool
}

// Resolver returns the reverse DNS name of an address, "" when unknown.
type Resolver interface {
	ReverseLookup(ctx context.Context, ip string) string
}

// Deps are the shared, read-only collaborators of every connection.
type Deps struct {
	Store     db.Store
	Blacklist Blacklist // optional
	Resolver  Resolver  // optional
	Hub       *feed.Hub // optional
	Stats     *Stats
	Logger    *slog.Logger

	SessionInterval time.Duration
	DatabaseRetries int
	IdleTimeout     time.Duration
}

type sessionKey struct {
	attacker addr.Key
	sensor   string
}

// Conn handles one sensor connection. It is driven by a single goroutine
// through Serve.
type Conn struct {
	nc     net.Conn
	deps   Deps
	id     string
	logger *slog.Logger

	peername string
	sensor   string
	state    State

	cursor   db.Cursor
	unpacker protocol.Unpacker

	attackers map[addr.Key]db.AttackerSeen
	sessions  map[sessionKey]db.SessionSeen
	pubkeys   map[string]int64

	lastStoreErr string
	stored       int
	dropped      int
}

// NewConn prepares a connection. A *tls.Conn must have completed its
// handshake; the sensor is then named by its certificate. Unix socket
// connections are named LocalPeer.
func NewConn(nc net.Conn, deps Deps) *Conn {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Stats == nil {
		deps.Stats = &Stats{}
	}
	if deps.DatabaseRetries < 1 {
		deps.DatabaseRetries = DefaultDatabaseRetries
	}

	c := &Conn{
		nc:       nc,
		deps:     deps,
		id:       uuid.NewString(),
		peername: peerName(nc),
		cursor:   deps.Store.Cursor(),
	}
	c.sensor = c.peername
	c.logger = deps.Logger.With("conn_id", c.id, "peer", c.peername, "remote", remoteString(nc))
	c.resetCaches()
	return c
}

func peerName(nc net.Conn) string {
	if tc, ok := nc.(*tls.Conn); ok {
		return tlsconf.PeerName(tc.ConnectionState())
	}
	if a := nc.LocalAddr(); a != nil && (a.Network() == "unix" || a.Network() == "unixpacket") {
		return LocalPeer
	}
	return tlsconf.UnknownPeer
}

func remoteString(nc net.Conn) string {
	if a := nc.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}

func (c *Conn) ID() string { return c.id }
func (c *Conn) Sensor() string { return c.sensor }
func (c *Conn) State() State { return c.state }
func (c *Conn) Peername() string { return c.peername }

func (c *Conn) resetCaches() {
	c.attackers = make(map[addr.Key]db.AttackerSeen)
	c.sessions = make(map[sessionKey]db.SessionSeen)
	c.pubkeys = make(map[string]int64)
}

// Serve reads and handles messages until the peer disconnects, says
// GOODBYE, the stream turns out corrupt, or ctx is cancelled. The connection
// is closed when Serve returns.
func (c *Conn) Serve(ctx context.Context) error {
	defer c.close()
	stop := context.AfterFunc(ctx, func() { c.nc.Close() })
	defer stop()

	// Messages already read are stored even while shutting down.
	storeCtx := context.WithoutCancel(ctx)

	c.logger.Info("sensor connected")
	buf := make([]byte, readSize)
	for {
		if c.deps.IdleTimeout > 0 {
			c.nc.SetReadDeadline(time.Now().Add(c.deps.IdleTimeout))
		}
		n, rerr := c.nc.Read(buf)
		if n > 0 {
			c.unpacker.Feed(buf[:n])
			done, err := c.drain(storeCtx)
			c.commit(storeCtx)
			if err != nil {
				c.logger.Warn("closing connection on corrupt stream", "err", err)
				return err
			}
			if done {
				return nil
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) || ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(rerr, &ne) && ne.Timeout() {
				c.logger.Info("closing idle connection")
				return nil
			}
			return fmt.Errorf("read: %w", rerr)
		}
	}
}

// drain handles every complete message buffered in the unpacker. done is
// true when the peer asked to close.
func (c *Conn) drain(ctx context.Context) (done bool, err error) {
	for {
		m, err := c.unpacker.Next()
		if errors.Is(err, protocol.ErrIncomplete) {
			return false, nil
		}
		if err != nil {
			return true, err
		}
		if c.state == StateHandshake {
			if m.Type != protocol.MsgHello {
				c.logger.Debug("first message is not HELLO", "type", m.Type)
			}
			c.state = StateStreaming
		}
		if c.dispatch(ctx, m) {
			return true, nil
		}
	}
}

// dispatch handles one message and reports whether the connection should
// close.
func (c *Conn) dispatch(ctx context.Context, m protocol.Message) bool {
	switch m.Type {
	case protocol.MsgHello:
		c.handleHello(m)
	case protocol.MsgClientName:
		c.handleClientName(m)
	case protocol.MsgSSHCredential:
		c.handleCredential(ctx, m)
	case protocol.MsgSSHPublicKey:
		c.handlePublicKey(ctx, m)
	case protocol.MsgPing:
		return c.handlePing(m)
	case protocol.MsgGoodbye:
		c.logger.Info("sensor said goodbye")
		return true
	default:
		c.logger.Warn("unknown message type", "type", m.Type)
	}
	return false
}

func (c *Conn) handleHello(m protocol.Message) {
	hello, err := protocol.DecodeString(m)
	if err != nil || hello != protocol.HelloToken {
		c.logger.Warn("client reported buggy hello", "hello", hello)
	}
}

func (c *Conn) handleClientName(m protocol.Message) {
	name, err := protocol.DecodeString(m)
	if err != nil || name == "" {
		c.logger.Warn("invalid client name", "err", err)
		return
	}
	if name == c.sensor {
		return
	}
	c.logger.Info("client renamed", "from", c.sensor, "to", name)
	c.sensor = name
}

func (c *Conn) handlePing(m protocol.Message) bool {
	wire, err := protocol.EncodeMessage(protocol.Message{Type: protocol.MsgPong, Payload: m.Payload})
	if err != nil {
		c.logger.Warn("encode pong", "err", err)
		return false
	}
	c.nc.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := c.nc.Write(wire); err != nil {
		c.logger.Info("pong failed, closing", "err", err)
		return true
	}
	return false
}

// attempt is a decoded authentication attempt reported by the sensor.
type attempt struct {
	client   string
	time     time.Time
	user     string
	password *string
	version  string
	key      *db.Pubkey
}

func (c *Conn) handleCredential(ctx context.Context, m protocol.Message) {
	var p protocol.Credential
	if err := protocol.DecodePayload(m, &p); err != nil {
		c.logger.Warn("malformed credential", "err", err)
		c.drop()
		return
	}
	c.record(ctx, attempt{
		client:   p.Client,
		time:     p.Time.Time(),
		user:     p.User,
		password: p.Password,
		version:  p.Version,
	})
}

func (c *Conn) handlePublicKey(ctx context.Context, m protocol.Message) {
	var p protocol.PublicKey
	if err := protocol.DecodePayload(m, &p); err != nil {
		c.logger.Warn("malformed public key", "err", err)
		c.drop()
		return
	}
	if p.Fingerprint == "" {
		c.logger.Warn("public key without fingerprint", "client", p.Client)
		c.drop()
		return
	}
	c.record(ctx, attempt{
		client:  p.Client,
		time:    p.Time.Time(),
		user:    p.User,
		version: p.Version,
		key: &db.Pubkey{
			KeyType:     p.KeyType,
			Fingerprint: p.Fingerprint,
			Key64:       p.Key64,
			KeySize:     p.KeySize,
		},
	})
}

// AttemptEvent is published to the live feed for every stored attempt.
type AttemptEvent struct {
	ID            int64     `json:"id"`
	Sensor        string    `json:"sensor"`
	IP            string    `json:"ip"`
	User          string    `json:"user"`
	Password      *string   `json:"password,omitempty"`
	Time          time.Time `json:"time"`
	ClientVersion string    `json:"client_version"`
	SessionID     int64     `json:"session_id"`
	KeyType       string    `json:"key_type,omitempty"`
	Fingerprint   string    `json:"fingerprint,omitempty"`
}

// record stores an attempt with its attacker, session and optional key.
func (c *Conn) record(ctx context.Context, a attempt) {
	if c.deps.Blacklist != nil && c.deps.Blacklist.Has(c.sensor, a.user) {
		c.logger.Debug("ignoring blacklisted attempt", "user", a.user, "client", a.client)
		c.deps.Stats.blacklisted.Add(1)
		c.drop()
		return
	}
	id, err := addr.Encode(a.client)
	if err != nil {
		c.logger.Warn("dropping attempt", "err", err)
		c.drop()
		return
	}

	row := db.Attempt{
		AttackerID:    id,
		User:          a.user,
		Password:      a.password,
		Sensor:        c.sensor,
		Time:          a.time,
		ClientVersion: a.version,
	}
	err = c.storeRetry(ctx, func(ctx context.Context) error {
		if err := c.upsertAttacker(ctx, id, a); err != nil {
			return err
		}
		sid, err := c.upsertSession(ctx, id, a.time)
		if err != nil {
			return err
		}
		row.SessionID = sid
		if row.ID, err = c.cursor.InsertAttempt(ctx, &row); err != nil {
			return err
		}
		return c.cursor.Commit(ctx)
	})
	if err != nil {
		c.logger.Error("dropping attempt after store failure", "user", a.user, "client", a.client, "err", err)
		c.drop()
		return
	}
	c.stored++
	c.deps.Stats.stored.Add(1)

	ev := AttemptEvent{
		ID:            row.ID,
		Sensor:        row.Sensor,
		IP:            a.client,
		User:          row.User,
		Password:      row.Password,
		Time:          row.Time,
		ClientVersion: row.ClientVersion,
		SessionID:     row.SessionID,
	}
	if a.key != nil && c.linkKey(ctx, row.ID, a.key) {
		ev.KeyType = a.key.KeyType
		ev.Fingerprint = a.key.Fingerprint
	}
	c.deps.Hub.PublishJSON("attempt", ev)
}

// linkKey stores the key offered by a stored attempt. On failure the attempt
// stays without a key.
func (c *Conn) linkKey(ctx context.Context, attemptID int64, key *db.Pubkey) bool {
	err := c.storeRetry(ctx, func(ctx context.Context) error {
		keyID, err := c.upsertPubkey(ctx, key)
		if err != nil {
			return err
		}
		if err := c.cursor.LinkAttemptPubkey(ctx, attemptID, keyID); err != nil {
			return err
		}
		return c.cursor.Commit(ctx)
	})
	if err != nil {
		c.logger.Error("attempt stored without public key", "attempt_id", attemptID, "fingerprint", key.Fingerprint, "err", err)
		c.deps.Stats.unlinked.Add(1)
		return false
	}
	return true
}

func (c *Conn) upsertAttacker(ctx context.Context, id addr.Key, a attempt) error {
	seen, ok := c.attackers[id]
	if !ok {
		s, err := c.cursor.CheckAttacker(ctx, id)
		if err != nil {
			return err
		}
		if s == nil {
			return c.insertAttacker(ctx, id, a)
		}
		seen = *s
	}
	if a.time.Before(seen.FirstSeen) {
		if err := c.cursor.UpdateAttackerFirstSeen(ctx, id, a.time); err != nil {
			return err
		}
		seen.FirstSeen = a.time
	}
	if a.time.After(seen.LastSeen) {
		if err := c.cursor.UpdateAttackerLastSeen(ctx, id, a.time); err != nil {
			return err
		}
		seen.LastSeen = a.time
	}
	c.attackers[id] = seen
	return nil
}

func (c *Conn) insertAttacker(ctx context.Context, id addr.Key, a attempt) error {
	row := &db.Attacker{ID: id, IP: a.client, FirstSeen: a.time, LastSeen: a.time}
	loc, ok, err := c.cursor.LocationID(ctx, id)
	if err != nil {
		return err
	}
	if ok {
		row.LocationID = &loc
	}
	if c.deps.Resolver != nil {
		row.DNS = c.deps.Resolver.ReverseLookup(ctx, a.client)
	}
	if err := c.cursor.InsertAttacker(ctx, row); err != nil {
		return err
	}
	c.logger.Info("new attacker", "ip", a.client, "dns", row.DNS)
	c.attackers[id] = db.AttackerSeen{FirstSeen: a.time, LastSeen: a.time}
	return nil
}

// upsertSession returns the session the attempt at t belongs to, extending
// the latest one or starting a new one past the session interval.
func (c *Conn) upsertSession(ctx context.Context, id addr.Key, t time.Time) (int64, error) {
	key := sessionKey{attacker: id, sensor: c.sensor}
	s, ok := c.sessions[key]
	if !ok {
		seen, err := c.cursor.CheckSession(ctx, id, c.sensor)
		if err != nil {
			return 0, err
		}
		if seen != nil {
			s, ok = *seen, true
		}
	}
	if !ok || t.After(s.LastSeen.Add(c.deps.SessionInterval)) {
		sid, err := c.cursor.InsertSession(ctx, id, t, t, c.sensor)
		if err != nil {
			return 0, err
		}
		c.sessions[key] = db.SessionSeen{ID: sid, LastSeen: t}
		return sid, nil
	}
	if t.After(s.LastSeen) {
		if err := c.cursor.UpdateSessionLastSeen(ctx, s.ID, t); err != nil {
			return 0, err
		}
		s.LastSeen = t
	}
	c.sessions[key] = s
	return s.ID, nil
}

func (c *Conn) upsertPubkey(ctx context.Context, key *db.Pubkey) (int64, error) {
	if id, ok := c.pubkeys[key.Fingerprint]; ok {
		return id, nil
	}
	id, ok, err := c.cursor.CheckPubkey(ctx, key.Fingerprint)
	if err != nil {
		return 0, err
	}
	if !ok {
		if id, err = c.cursor.InsertPubkey(ctx, key); err != nil {
			return 0, err
		}
	}
	c.pubkeys[key.Fingerprint] = id
	return id, nil
}

// commit flushes whatever the handled batch left open.
func (c *Conn) commit(ctx context.Context) {
	if err := c.cursor.Commit(ctx); err != nil {
		c.logger.Warn("commit failed", "err", err)
		c.cursor.Reconnect(ctx)
		c.resetCaches()
	}
}

func (c *Conn) drop() {
	c.dropped++
	c.deps.Stats.dropped.Add(1)
}

func (c *Conn) close() {
	c.state = StateClosed
	if cw, ok := c.nc.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
	c.nc.Close()
	c.cursor.Close()
	c.logger.Info("sensor disconnected", "sensor", c.sensor, "stored", c.stored, "dropped", c.dropped)
}
