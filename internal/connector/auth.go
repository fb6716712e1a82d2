package connector

import (
	"github.com/sqlbridge/sqlbridge/internal/proto"
	"github.com/sqlbridge/sqlbridge/internal/trace"
)

// routerCapabilities are the capabilities the router itself speaks on the
// backend leg. CLIENT_DEPRECATE_EOF stays off so resultsets keep their
// classic EOF framing; CLIENT_CONNECT_WITH_DB stays off so the schema is
// reconciled by the dedicated stage.
const routerCapabilities = proto.CapLongPassword |
	proto.CapLongFlag |
	proto.CapProtocol41 |
	proto.CapTransactions |
	proto.CapSecureConnection |
	proto.CapPluginAuth |
	proto.CapPluginAuthLenencClientData |
	proto.CapConnectAttrs |
	proto.CapMultiResults |
	proto.CapSessionTrack

func cloneAttrs(attrs map[string]string) map[string]string {
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}

// authExchange drives the packets following a handshake response or
// COM_CHANGE_USER until the server accepts or rejects: auth-switch
// requests, caching_sha2 fast-auth notifications, and the final OK/ERR.
// Returns the final OK, or nil after reporting the failure via onError.
func authExchange(c *Conn, onError ErrorCallback) *proto.OK {
	ch := c.Splicer().ServerChannel()

	for {
		payload, err := ch.ReadPacket()
		if err != nil {
			ch.Close()
			onError(ioError(err))
			return nil
		}

		switch {
		case proto.IsOK(payload):
			ok, err := proto.ParseOK(payload)
			if err != nil {
				ch.Close()
				onError(proto.NewSQLError(2027, "Malformed packet", "HY000"))
				return nil
			}
			return ok

		case proto.IsErr(payload):
			onError(proto.ParseError(payload))
			return nil

		case len(payload) > 0 && payload[0] == 0x01:
			// AuthMoreData: 0x03 = caching_sha2 fast-auth succeeded, the
			// OK follows; 0x04 = full auth required, which needs a secure
			// channel the backend leg doesn't have.
			if len(payload) == 2 && payload[1] == 0x03 {
				continue
			}
			ch.Close()
			onError(proto.NewSQLError(1045, "Access denied: full authentication required", "28000"))
			return nil

		case len(payload) >= 9 && payload[0] == 0xfe:
			// AuthSwitchRequest: plugin name, NUL, fresh nonce.
			plugin, nonce := parseAuthSwitch(payload)
			if !c.Client.PasswordKnown() {
				ch.Close()
				onError(proto.NewSQLError(1045, "Access denied: password required for auth switch", "28000"))
				return nil
			}
			scramble, serr := proto.ScrambleFor(plugin, *c.Client.Password, nonce)
			if serr != nil {
				ch.Close()
				onError(proto.NewSQLError(1045, "Access denied: "+serr.Error(), "28000"))
				return nil
			}
			if werr := ch.WritePacket(scramble); werr != nil {
				ch.Close()
				onError(ioError(werr))
				return nil
			}

		default:
			ch.Close()
			onError(proto.NewSQLError(2027, "Malformed packet", "HY000"))
			return nil
		}
	}
}

func parseAuthSwitch(payload []byte) (plugin string, nonce []byte) {
	pos := 1
	end := pos
	for end < len(payload) && payload[end] != 0 {
		end++
	}
	plugin = string(payload[pos:end])
	if end+1 < len(payload) {
		nonce = payload[end+1:]
		if len(nonce) > 0 && nonce[len(nonce)-1] == 0 {
			nonce = nonce[:len(nonce)-1]
		}
	}
	return plugin, nonce
}

// serverGreetorProcessor performs the full greeting handshake on a fresh
// socket: read the server greeting, answer with the client's identity,
// and finish the auth exchange.
type serverGreetorProcessor struct {
	conn        *Conn
	inHandshake bool
	onError     ErrorCallback
	parent      *trace.Span
}

func (p *serverGreetorProcessor) Process() (Result, error) {
	c := p.conn
	ch := c.Splicer().ServerChannel()

	span := trace.StartSpan(p.parent, "mysql/greeting")
	defer span.End()

	payload, err := ch.ReadPacket()
	if err != nil {
		ch.Close()
		p.onError(ioError(err))
		return Done, nil
	}
	if proto.IsErr(payload) {
		// e.g. too many connections, host blocked
		p.onError(proto.ParseError(payload))
		return Done, nil
	}

	greeting, err := proto.ParseGreeting(payload)
	if err != nil {
		ch.Close()
		p.onError(proto.NewSQLError(2027, "Malformed packet: "+err.Error(), "HY000"))
		return Done, nil
	}
	c.Server.ServerGreeting = greeting

	caps := greeting.Capabilities & routerCapabilities
	caps |= greeting.Capabilities & c.Client.Capabilities & proto.CapMultiStatements

	var password string
	if c.Client.PasswordKnown() {
		password = *c.Client.Password
	}
	authResp, err := proto.ScrambleFor(greeting.AuthPlugin, password, greeting.AuthData)
	if err != nil {
		ch.Close()
		p.onError(proto.NewSQLError(1045, "Access denied: "+err.Error(), "28000"))
		return Done, nil
	}

	resp := &proto.HandshakeResponse{
		Capabilities: caps,
		MaxPacket:    1<<24 - 1,
		Charset:      greeting.Charset,
		Username:     c.Client.Username,
		AuthResponse: authResp,
		AuthPlugin:   greeting.AuthPlugin,
		Attributes:   c.Client.SentAttributes,
	}
	if err := ch.WritePacket(proto.BuildHandshakeResponse(resp)); err != nil {
		ch.Close()
		p.onError(ioError(err))
		return Done, nil
	}

	ok := authExchange(c, p.onError)
	if ok == nil {
		return Done, nil
	}

	c.SetAuthenticated(true)
	c.ClientGreetingSent = true
	c.Server.Username = c.Client.Username
	c.Server.SentAttributes = cloneAttrs(c.Client.SentAttributes)
	c.Server.Capabilities = caps
	c.Server.Charset = greeting.Charset
	c.Server.StatusFlags = ok.StatusFlags
	return Done, nil
}

// changeUserProcessor re-authenticates an existing socket as the client's
// user via COM_CHANGE_USER.
type changeUserProcessor struct {
	conn        *Conn
	inHandshake bool
	onError     ErrorCallback
	parent      *trace.Span
}

func (p *changeUserProcessor) Process() (Result, error) {
	c := p.conn
	ch := c.Splicer().ServerChannel()
	greeting := c.Server.ServerGreeting

	span := trace.StartSpan(p.parent, "mysql/change_user")
	defer span.End()

	if greeting == nil {
		p.onError(proto.NewSQLError(2027, "Malformed packet: no server greeting", "HY000"))
		return Done, nil
	}

	var password string
	if c.Client.PasswordKnown() {
		password = *c.Client.Password
	}
	authResp, err := proto.ScrambleFor(greeting.AuthPlugin, password, greeting.AuthData)
	if err != nil {
		ch.Close()
		p.onError(proto.NewSQLError(1045, "Access denied: "+err.Error(), "28000"))
		return Done, nil
	}

	req := &proto.HandshakeResponse{
		Capabilities: c.Server.Capabilities,
		Charset:      c.Server.Charset,
		Username:     c.Client.Username,
		AuthResponse: authResp,
		Schema:       c.Client.Schema,
		AuthPlugin:   greeting.AuthPlugin,
		Attributes:   c.Client.SentAttributes,
	}
	if err := ch.WriteCommand(proto.BuildChangeUser(req)); err != nil {
		ch.Close()
		p.onError(ioError(err))
		return Done, nil
	}

	ok := authExchange(c, p.onError)
	if ok == nil {
		return Done, nil
	}

	c.SetAuthenticated(true)
	c.Server.Username = c.Client.Username
	c.Server.SentAttributes = cloneAttrs(c.Client.SentAttributes)
	c.Server.Schema = c.Client.Schema
	c.Server.StatusFlags = ok.StatusFlags
	return Done, nil
}
