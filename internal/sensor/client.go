// Package sensor is the honeypot side of the blacknet protocol: a client that
// reports attempts to the server and an SSH honeypot that produces them.
package sensor

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/blacknet-honeypot/blacknet/internal/protocol"
)

const writeTimeout = 10 * time.Second

// Client is one connection to a blacknet server. It is safe for concurrent
// use.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
	u    protocol.Unpacker
}

// Dial connects to the server and sends HELLO. Unix sockets are used in the
// clear; any other network requires tlsCfg.
func Dial(ctx context.Context, network, address string, tlsCfg *tls.Config) (*Client, error) {
	var (
		conn net.Conn
		err  error
	)
	if network == "unix" {
		var d net.Dialer
		conn, err = d.DialContext(ctx, network, address)
	} else {
		if tlsCfg == nil {
			return nil, errors.New("sensor: TLS config required for " + network)
		}
		d := tls.Dialer{Config: tlsCfg}
		conn, err = d.DialContext(ctx, network, address)
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	c := &Client{conn: conn}
	if err := c.send(protocol.MsgHello, protocol.HelloToken); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) send(t protocol.MsgType, payload any) error {
	wire, err := protocol.Encode(t, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := c.conn.Write(wire); err != nil {
		return fmt.Errorf("send %s: %w", t, err)
	}
	return nil
}

// SetName renames the sensor for the rest of the connection.
func (c *Client) SetName(name string) error {
	return c.send(protocol.MsgClientName, name)
}

func (c *Client) SendCredential(cred protocol.Credential) error {
	return c.send(protocol.MsgSSHCredential, cred)
}

func (c *Client) SendPublicKey(key protocol.PublicKey) error {
	return c.send(protocol.MsgSSHPublicKey, key)
}

// Ping sends a PING and waits for the matching PONG.
func (c *Client) Ping(ctx context.Context, token string) error {
	if err := c.send(protocol.MsgPing, token); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		c.conn.SetReadDeadline(dl)
		defer c.conn.SetReadDeadline(time.Time{})
	}
	buf := make([]byte, 4096)
	for {
		m, err := c.u.Next()
		if err == nil {
			if m.Type != protocol.MsgPong {
				continue
			}
			if got, _ := protocol.DecodeString(m); got != token {
				continue
			}
			return nil
		}
		if !errors.Is(err, protocol.ErrIncomplete) {
			return err
		}
		n, err := c.conn.Read(buf)
		if err != nil {
			return fmt.Errorf("await pong: %w", err)
		}
		c.u.Feed(buf[:n])
	}
}

// Close says GOODBYE and closes the connection.
func (c *Client) Close() error {
	err := c.send(protocol.MsgGoodbye, "")
	if cerr := c.conn.Close(); err == nil {
		err = cerr
	}
	return err
}
