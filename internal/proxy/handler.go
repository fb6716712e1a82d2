package proxy

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/sqlbridge/sqlbridge/internal/connector"
	"github.com/sqlbridge/sqlbridge/internal/proto"
	"github.com/sqlbridge/sqlbridge/internal/session"
)

const serverVersion = "8.0.36-sqlbridge"

// clientGreetingCaps are the capabilities the router announces to
// clients in its own greeting.
const clientGreetingCaps = proto.CapLongPassword |
	proto.CapLongFlag |
	proto.CapConnectWithDB |
	proto.CapProtocol41 |
	proto.CapTransactions |
	proto.CapSecureConnection |
	proto.CapMultiStatements |
	proto.CapMultiResults |
	proto.CapPluginAuth |
	proto.CapPluginAuthLenencClientData |
	proto.CapConnectAttrs |
	proto.CapSessionTrack

// clientSession is one routed client connection: the router greets and
// authenticates the client itself, prepares backends lazily per command,
// and hands idle backends back to the pool at transaction boundaries.
type clientSession struct {
	server   *Server
	conn     *connector.Conn
	clientCh *proto.Channel

	prepareFailed bool
}

func newClientSession(s *Server, clientConn net.Conn) *clientSession {
	clientCh := proto.NewChannel(clientConn)

	conn := connector.NewConn(uuid.NewString(), clientCh)
	conn.Source = s.source
	conn.ExpectedServerMode = s.defaultMode
	conn.GreetingFromRouter = true
	conn.SharingConfigured = s.routing.ConnectionSharing
	conn.RouterRequireEnforce = s.routing.RouterRequireEnforce
	conn.ConnectRetryTimeout = s.routing.ConnectRetryTimeout
	conn.WaitForMyWrites = s.routing.WaitForMyWrites
	conn.WaitForMyWritesTimeout = s.routing.WaitForMyWritesTimeout
	conn.Client.StatusFlags = proto.StatusAutocommit

	return &clientSession{server: s, conn: conn, clientCh: clientCh}
}

func (cs *clientSession) run(ctx context.Context) error {
	if err := cs.authenticateClient(); err != nil {
		return err
	}

	// prepare the first backend while the client waits for its auth-ok
	if err := cs.prepare(ctx, true); err != nil {
		return err
	}
	if cs.prepareFailed {
		return nil
	}

	return cs.commandLoop(ctx)
}

// authenticateClient greets the client and verifies its credentials
// against the router's account table.
func (cs *clientSession) authenticateClient() error {
	nonce := make([]byte, 20)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generating auth nonce: %w", err)
	}

	greeting := &proto.Greeting{
		ProtocolVersion: 10,
		ServerVersion:   serverVersion,
		ConnectionID:    uint32(time.Now().UnixNano() & 0xffffffff),
		AuthData:        nonce,
		Capabilities:    clientGreetingCaps,
		Charset:         0x21, // utf8_general_ci
		StatusFlags:     proto.StatusAutocommit,
		AuthPlugin:      "mysql_native_password",
	}
	if err := cs.clientCh.WritePacket(proto.BuildGreeting(greeting)); err != nil {
		return fmt.Errorf("sending greeting: %w", err)
	}

	payload, err := cs.clientCh.ReadPacket()
	if err != nil {
		return fmt.Errorf("reading handshake response: %w", err)
	}
	resp, err := proto.ParseHandshakeResponse(payload)
	if err != nil {
		return fmt.Errorf("parsing handshake response: %w", err)
	}

	// ask the client for the announced plugin if it answered with a
	// different one
	authResponse := resp.AuthResponse
	if resp.AuthPlugin != "" && resp.AuthPlugin != "mysql_native_password" {
		var switchReq []byte
		switchReq = append(switchReq, 0xfe)
		switchReq = append(switchReq, "mysql_native_password"...)
		switchReq = append(switchReq, 0)
		switchReq = append(switchReq, nonce...)
		switchReq = append(switchReq, 0)
		if err := cs.clientCh.WritePacket(switchReq); err != nil {
			return fmt.Errorf("sending auth switch: %w", err)
		}
		authResponse, err = cs.clientCh.ReadPacket()
		if err != nil {
			return fmt.Errorf("reading auth switch response: %w", err)
		}
	}

	password, ok := cs.server.credentials[resp.Username]
	if !ok {
		cs.sendError(proto.NewSQLError(1045, fmt.Sprintf("Access denied for user '%s'", resp.Username), "28000"))
		return fmt.Errorf("unknown user %q", resp.Username)
	}

	expected := proto.NativePasswordAuth(password, nonce)
	if subtle.ConstantTimeCompare(expected, authResponse) != 1 {
		cs.sendError(proto.NewSQLError(1045, fmt.Sprintf("Access denied for user '%s'", resp.Username), "28000"))
		return fmt.Errorf("bad password for user %q", resp.Username)
	}

	c := cs.conn
	c.Client.Username = resp.Username
	c.Client.Password = &password
	c.Client.Schema = resp.Schema
	c.Client.Capabilities = resp.Capabilities
	c.Client.Charset = resp.Charset
	if resp.Attributes != nil {
		c.Client.SentAttributes = resp.Attributes
	}

	slog.Debug("client authenticated", "conn", c.ID, "user", resp.Username, "schema", resp.Schema)
	return nil
}

// prepare runs the lazy connector until the backend matches the client's
// session state. With inHandshake the connector also sends the client
// its auth-ok.
func (cs *clientSession) prepare(ctx context.Context, inHandshake bool) error {
	cs.prepareFailed = false
	started := time.Now()

	lazy := connector.NewLazyConnector(cs.conn, inHandshake, func(e *proto.SQLError) {
		cs.prepareFailed = true
		cs.sendError(e)
	}, nil)

	cs.conn.PushProcessor(lazy)
	if err := cs.conn.Run(ctx); err != nil {
		return err
	}

	if cs.server.metrics != nil {
		cs.server.metrics.PrepareDuration(cs.conn.ExpectedServerMode.String(), time.Since(started))
		if cs.prepareFailed {
			cs.server.metrics.PrepareFailed(cs.conn.ExpectedServerMode.String())
		}
	}
	return nil
}

func (cs *clientSession) commandLoop(ctx context.Context) error {
	c := cs.conn

	for {
		payload, err := cs.clientCh.ReadPacket()
		if err != nil {
			// client went away; hand a shareable backend back
			if c.SharingPossible() && c.Splicer().ServerIsOpen() {
				c.PoolServerConnection()
			} else {
				cs.closeServer()
			}
			return nil
		}
		if len(payload) == 0 {
			continue
		}

		if payload[0] == proto.ComQuit {
			if c.SharingPossible() && c.Splicer().ServerIsOpen() {
				c.PoolServerConnection()
			} else {
				cs.closeServer()
			}
			return nil
		}

		// the backend may have been pooled at the last boundary
		if !c.Splicer().ServerIsOpen() {
			if err := cs.prepare(ctx, false); err != nil {
				return err
			}
			if cs.prepareFailed {
				continue
			}
		}

		serverCh := c.Splicer().ServerChannel()
		if err := serverCh.WriteCommand(payload); err != nil {
			cs.sendError(proto.NewSQLError(2013, "Lost connection to MySQL server", "HY000"))
			cs.closeServer()
			continue
		}

		atBoundary, err := cs.relayResponse(payload[0], payload)
		if err != nil {
			cs.sendError(proto.NewSQLError(2013, "Lost connection to MySQL server", "HY000"))
			cs.closeServer()
			continue
		}

		if atBoundary && c.SharingPossible() && c.Splicer().ServerIsOpen() {
			c.PoolServerConnection()
		}
	}
}

// relayResponse forwards the backend's response packets to the client
// until the response is complete, applying session trackers along the
// way. It reports whether the session reached a transaction boundary.
//
// The backend leg never negotiates CLIENT_DEPRECATE_EOF, so resultsets
// keep the classic shape: column count, column definitions, EOF, rows,
// EOF. Only the final EOF of the final resultset carries the status
// this function acts on.
func (cs *clientSession) relayResponse(cmd byte, cmdPayload []byte) (bool, error) {
	for {
		payload, err := cs.forwardOne()
		if err != nil {
			return false, err
		}

		switch {
		case proto.IsErr(payload):
			// the server rolled back on error; that is a boundary
			return true, nil

		case proto.IsOK(payload):
			ok, perr := proto.ParseOK(payload)
			if perr != nil {
				return false, perr
			}
			cs.applyTrackers(cmd, cmdPayload, ok)
			if ok.StatusFlags&proto.StatusMoreResults != 0 {
				continue
			}
			cs.conn.Client.StatusFlags = ok.StatusFlags
			return ok.StatusFlags&proto.StatusInTrans == 0, nil
		}

		// a resultset: column definitions up to the first EOF, then rows
		// up to the second
		for eofs := 0; eofs < 2; {
			payload, err = cs.forwardOne()
			if err != nil {
				return false, err
			}
			if proto.IsErr(payload) {
				return true, nil
			}
			if proto.IsEOF(payload) {
				eofs++
			}
		}

		eof := proto.ParseEOF(payload)
		if eof.StatusFlags&proto.StatusMoreResults != 0 {
			continue
		}
		cs.conn.Client.StatusFlags = eof.StatusFlags
		return eof.StatusFlags&proto.StatusInTrans == 0, nil
	}
}

// forwardOne relays a single backend packet to the client.
func (cs *clientSession) forwardOne() ([]byte, error) {
	payload, err := cs.conn.Splicer().ServerChannel().ReadPacket()
	if err != nil {
		return nil, err
	}
	if err := cs.clientCh.WritePacket(payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// applyTrackers folds the session-state trackers of an OK packet into
// the connection context so the next backend can be prepared to match.
func (cs *clientSession) applyTrackers(cmd byte, cmdPayload []byte, ok *proto.OK) {
	c := cs.conn

	if cmd == proto.ComInitDB && len(cmdPayload) > 1 {
		c.Client.Schema = string(cmdPayload[1:])
		c.Server.Schema = c.Client.Schema
	}

	if len(ok.SessionState) == 0 {
		return
	}

	for _, change := range proto.ParseSessionState(ok.SessionState) {
		switch change.Type {
		case proto.SessionTrackSystemVariables:
			c.Vars.Set(change.Name, session.StringValue(change.Value))

		case proto.SessionTrackSchema:
			c.Client.Schema = change.Value
			c.Server.Schema = change.Value

		case proto.SessionTrackGtids:
			c.GtidAtLeastExecuted = change.Value

		case proto.SessionTrackTransactionCharacteristics:
			c.TrxCharacteristics = change.Value
		}
	}
}

func (cs *clientSession) sendError(e *proto.SQLError) {
	if err := cs.clientCh.WritePacket(proto.BuildError(e)); err != nil {
		slog.Debug("sending error to client failed", "conn", cs.conn.ID, "err", err)
	}
}

func (cs *clientSession) closeServer() {
	if ch := cs.conn.Splicer().ServerChannel(); ch != nil {
		ch.Close()
		cs.conn.Splicer().SetServerChannel(nil)
	}
	cs.conn.SetAuthenticated(false)
}
