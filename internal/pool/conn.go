package pool

import (
	"net"
	"time"

	"github.com/sqlbridge/sqlbridge/internal/proto"
)

// ServerConn is an idle backend connection kept for reuse, together with
// the session identity left on it: who it is authenticated as, which
// attributes were sent, and which schema is selected. The lazy connector
// compares these against the next client to decide between a session
// reset and a full re-authentication.
type ServerConn struct {
	conn      net.Conn
	addr      string
	createdAt time.Time
	pooledAt  time.Time

	greeting       *proto.Greeting
	username       string
	sentAttributes map[string]string
	schema         string
	capabilities   uint32
}

// NewServerConn wraps an authenticated backend connection for pooling.
func NewServerConn(conn net.Conn, addr string, greeting *proto.Greeting) *ServerConn {
	now := time.Now()
	return &ServerConn{
		conn:      conn,
		addr:      addr,
		createdAt: now,
		pooledAt:  now,
		greeting:  greeting,
	}
}

// Conn returns the underlying network connection.
func (sc *ServerConn) Conn() net.Conn {
	return sc.conn
}

// Addr returns the destination address this connection belongs to.
func (sc *ServerConn) Addr() string {
	return sc.addr
}

// Greeting returns the server greeting received during the handshake.
func (sc *ServerConn) Greeting() *proto.Greeting {
	return sc.greeting
}

// Username returns the authenticated user.
func (sc *ServerConn) Username() string {
	return sc.username
}

// SetUsername records the authenticated user.
func (sc *ServerConn) SetUsername(u string) {
	sc.username = u
}

// SentAttributes returns the connection attributes sent at handshake.
func (sc *ServerConn) SentAttributes() map[string]string {
	return sc.sentAttributes
}

// SetSentAttributes records the connection attributes sent at handshake.
func (sc *ServerConn) SetSentAttributes(attrs map[string]string) {
	sc.sentAttributes = attrs
}

// Schema returns the currently selected schema.
func (sc *ServerConn) Schema() string {
	return sc.schema
}

// SetSchema records the currently selected schema.
func (sc *ServerConn) SetSchema(s string) {
	sc.schema = s
}

// Capabilities returns the negotiated capability flags.
func (sc *ServerConn) Capabilities() uint32 {
	return sc.capabilities
}

// SetCapabilities records the negotiated capability flags.
func (sc *ServerConn) SetCapabilities(caps uint32) {
	sc.capabilities = caps
}

// IsExpired checks if the connection has exceeded its max lifetime.
func (sc *ServerConn) IsExpired(maxLifetime time.Duration) bool {
	if maxLifetime <= 0 {
		return false
	}
	return time.Since(sc.createdAt) > maxLifetime
}

// IsIdle checks if the connection has been pooled longer than the timeout.
func (sc *ServerConn) IsIdle(idleTimeout time.Duration) bool {
	if idleTimeout <= 0 {
		return false
	}
	return time.Since(sc.pooledAt) > idleTimeout
}

// Ping performs a lightweight liveness check. A 1-byte read with a short
// deadline is used: a timeout means the connection is alive with no data
// pending; any other error means it is dead.
func (sc *ServerConn) Ping() error {
	sc.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	buf := make([]byte, 1)
	_, err := sc.conn.Read(buf)
	sc.conn.SetReadDeadline(time.Time{})
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return nil
		}
		return err
	}
	return nil
}

// Close closes the underlying connection.
func (sc *ServerConn) Close() error {
	return sc.conn.Close()
}
