package connector

import (
	"github.com/sqlbridge/sqlbridge/internal/proto"
)

// queryProcessor executes one statement via COM_QUERY and streams the
// result into a QueryHandler: column count, column definitions, rows,
// and the terminal ok/eof/error. Multi-resultset responses (enabled by
// multi-statement support) are drained through the same handler.
type queryProcessor struct {
	conn    *Conn
	stmt    string
	handler QueryHandler
}

func (p *queryProcessor) Process() (Result, error) {
	c := p.conn
	ch := c.Splicer().ServerChannel()

	if err := ch.WriteCommand(proto.BuildComQuery(p.stmt)); err != nil {
		ch.Close()
		p.handler.OnError(ioError(err))
		return Done, nil
	}

	for {
		more, failed := p.oneResult(ch)
		if failed || !more {
			return Done, nil
		}
	}
}

// oneResult consumes a single resultset or OK/ERR response. Returns
// whether another resultset follows and whether the channel died.
func (p *queryProcessor) oneResult(ch *proto.Channel) (more, failed bool) {
	payload, err := ch.ReadPacket()
	if err != nil {
		ch.Close()
		p.handler.OnError(ioError(err))
		return false, true
	}

	switch {
	case proto.IsErr(payload):
		p.handler.OnError(proto.ParseError(payload))
		return false, false

	case proto.IsOK(payload):
		ok, perr := proto.ParseOK(payload)
		if perr != nil {
			ch.Close()
			p.handler.OnError(proto.NewSQLError(2027, "Malformed packet", "HY000"))
			return false, true
		}
		p.handler.OnOK(ok)
		return ok.StatusFlags&proto.StatusMoreResults != 0, false
	}

	columns, err := proto.ParseColumnCount(payload)
	if err != nil {
		ch.Close()
		p.handler.OnError(proto.NewSQLError(2027, "Malformed packet", "HY000"))
		return false, true
	}
	p.handler.OnColumnCount(columns)

	for i := uint64(0); i < columns; i++ {
		payload, err = ch.ReadPacket()
		if err != nil {
			ch.Close()
			p.handler.OnError(ioError(err))
			return false, true
		}
		col, perr := proto.ParseColumn(payload)
		if perr != nil {
			ch.Close()
			p.handler.OnError(proto.NewSQLError(2027, "Malformed packet", "HY000"))
			return false, true
		}
		p.handler.OnColumn(col)
	}

	// EOF after the column definitions (CLIENT_DEPRECATE_EOF is off on
	// the backend leg)
	payload, err = ch.ReadPacket()
	if err != nil {
		ch.Close()
		p.handler.OnError(ioError(err))
		return false, true
	}
	if !proto.IsEOF(payload) {
		ch.Close()
		p.handler.OnError(proto.NewSQLError(2027, "Malformed packet", "HY000"))
		return false, true
	}

	for {
		payload, err = ch.ReadPacket()
		if err != nil {
			ch.Close()
			p.handler.OnError(ioError(err))
			return false, true
		}

		switch {
		case proto.IsErr(payload):
			p.handler.OnError(proto.ParseError(payload))
			return false, false

		case proto.IsEOF(payload):
			eof := proto.ParseEOF(payload)
			p.handler.OnRowEnd(eof)
			return eof.StatusFlags&proto.StatusMoreResults != 0, false
		}

		row, perr := proto.ParseTextRow(payload, columns)
		if perr != nil {
			ch.Close()
			p.handler.OnError(proto.NewSQLError(2027, "Malformed packet", "HY000"))
			return false, true
		}
		p.handler.OnRow(row)
	}
}
