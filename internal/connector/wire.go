package connector

import (
	"log/slog"

	"github.com/sqlbridge/sqlbridge/internal/proto"
	"github.com/sqlbridge/sqlbridge/internal/trace"
)

// ioError converts a network-level failure on the server channel into
// the client-facing error value.
func ioError(err error) *proto.SQLError {
	return proto.NewSQLError(2013, "Lost connection to MySQL server: "+err.Error(), "HY000")
}

// connectProcessor opens the server side of the splicer: a fresh dial or
// a connection from the pool, depending on what the source has.
type connectProcessor struct {
	conn    *Conn
	onError ErrorCallback
	parent  *trace.Span
}

func (p *connectProcessor) Process() (Result, error) {
	c := p.conn

	span := trace.StartSpan(p.parent, "mysql/connect")
	defer span.End()

	b, err := c.Source.Acquire(c.RunContext(), c.ExpectedServerMode)
	if err != nil {
		span.SetAttr("error", true)
		p.onError(proto.NewSQLError(2003, "Can't connect to remote MySQL server: "+err.Error(), "HY000"))
		return Done, nil
	}

	c.Splicer().SetServerChannel(proto.NewChannel(b.Conn))
	c.ServerAddr = b.Addr
	c.Server.ServerGreeting = b.Greeting
	c.Server.Username = b.Username
	c.Server.Schema = b.Schema
	c.Server.Capabilities = b.Capabilities
	if b.SentAttributes != nil {
		c.Server.SentAttributes = b.SentAttributes
	}

	span.SetAttr("mysql.remote.is_pooled", b.Greeting != nil)
	return Done, nil
}

// resetConnectionProcessor resets the session on a reused socket via
// COM_RESET_CONNECTION.
type resetConnectionProcessor struct {
	conn   *Conn
	parent *trace.Span
}

func (p *resetConnectionProcessor) Process() (Result, error) {
	c := p.conn
	ch := c.Splicer().ServerChannel()

	span := trace.StartSpan(p.parent, "mysql/reset_connection")
	defer span.End()

	if err := ch.WriteCommand(proto.BuildComResetConnection()); err != nil {
		ch.Close()
		return Done, nil
	}

	payload, err := ch.ReadPacket()
	if err != nil {
		ch.Close()
		return Done, nil
	}
	if proto.IsErr(payload) {
		slog.Warn("reset connection failed", "conn", c.ID, "err", proto.ParseError(payload))
		ch.Close()
		return Done, nil
	}
	return Done, nil
}

// setOptionProcessor toggles a protocol option via COM_SET_OPTION.
type setOptionProcessor struct {
	conn    *Conn
	op      uint16
	onError ErrorCallback
}

func (p *setOptionProcessor) Process() (Result, error) {
	c := p.conn
	ch := c.Splicer().ServerChannel()

	if err := ch.WriteCommand(proto.BuildComSetOption(p.op)); err != nil {
		ch.Close()
		p.onError(ioError(err))
		return Done, nil
	}

	payload, err := ch.ReadPacket()
	if err != nil {
		ch.Close()
		p.onError(ioError(err))
		return Done, nil
	}
	if proto.IsErr(payload) {
		p.onError(proto.ParseError(payload))
		return Done, nil
	}

	if p.op == proto.OptionMultiStatementsOn {
		c.Server.Capabilities |= proto.CapMultiStatements
	} else {
		c.Server.Capabilities &^= proto.CapMultiStatements
	}
	return Done, nil
}

// initSchemaProcessor selects the default schema via COM_INIT_DB.
type initSchemaProcessor struct {
	conn    *Conn
	schema  string
	onError ErrorCallback
}

func (p *initSchemaProcessor) Process() (Result, error) {
	c := p.conn
	ch := c.Splicer().ServerChannel()

	if err := ch.WriteCommand(proto.BuildComInitDB(p.schema)); err != nil {
		ch.Close()
		p.onError(ioError(err))
		return Done, nil
	}

	payload, err := ch.ReadPacket()
	if err != nil {
		ch.Close()
		p.onError(ioError(err))
		return Done, nil
	}
	if proto.IsErr(payload) {
		p.onError(proto.ParseError(payload))
		return Done, nil
	}

	c.Server.Schema = p.schema
	return Done, nil
}

// quitProcessor closes the server connection gracefully via COM_QUIT.
type quitProcessor struct {
	conn *Conn
}

func (p *quitProcessor) Process() (Result, error) {
	ch := p.conn.Splicer().ServerChannel()
	if ch != nil && ch.IsOpen() {
		// the server closes the socket without replying
		_ = ch.WriteCommand(proto.BuildComQuit())
		ch.Close()
	}
	return Done, nil
}
