package connector

import (
	"log/slog"

	"github.com/sqlbridge/sqlbridge/internal/proto"
	"github.com/sqlbridge/sqlbridge/internal/session"
)

// QueryHandler consumes the event stream of one query's result: column
// metadata, rows, and the terminal ok/eof/error.
type QueryHandler interface {
	OnColumnCount(count uint64)
	OnColumn(col *proto.Column)
	OnRow(row proto.Row)
	OnRowEnd(eof *proto.EOF)
	OnOK(ok *proto.OK)
	OnError(err *proto.SQLError)
}

// baseHandler ignores every event so handlers only implement what they
// observe.
type baseHandler struct{}

func (baseHandler) OnColumnCount(uint64)    {}
func (baseHandler) OnColumn(*proto.Column)  {}
func (baseHandler) OnRow(proto.Row)         {}
func (baseHandler) OnRowEnd(*proto.EOF)     {}
func (baseHandler) OnOK(*proto.OK)          {}
func (baseHandler) OnError(*proto.SQLError) {}

// failedQueryHandler marks the connector failed when a statement that
// should always succeed returns an error.
type failedQueryHandler struct {
	baseHandler
	connector *LazyConnector
	stmt      string
}

func newFailedQueryHandler(l *LazyConnector, stmt string) *failedQueryHandler {
	return &failedQueryHandler{connector: l, stmt: stmt}
}

func (h *failedQueryHandler) OnError(err *proto.SQLError) {
	slog.Warn("executing statement failed", "stmt", h.stmt, "err", err)

	h.connector.fail(err)
}

// isTrueHandler expects a resultset of exactly one row with one non-NULL
// field equal to "1". Any other shape fails the connector; a value other
// than "1" fails it with the caller-supplied sentinel error.
type isTrueHandler struct {
	baseHandler
	connector  *LazyConnector
	onCondFail *proto.SQLError
	rowCount   uint64
}

func newIsTrueHandler(l *LazyConnector, onCondFail *proto.SQLError) *isTrueHandler {
	return &isTrueHandler{connector: l, onCondFail: onCondFail}
}

func (h *isTrueHandler) OnColumnCount(count uint64) {
	if count != 1 {
		h.connector.fail(proto.NewSQLError(0, "Too many columns", "HY000"))
	}
}

func (h *isTrueHandler) OnRow(row proto.Row) {
	h.rowCount++

	if len(row) == 0 {
		h.connector.fail(proto.NewSQLError(0, "No fields", "HY000"))
		return
	}

	fld := row[0]
	if fld.Null {
		h.connector.fail(proto.NewSQLError(0, "Expected integer, got NULL", "HY000"))
		return
	}

	if fld.Value != "1" {
		h.connector.fail(h.onCondFail)
		return
	}
}

func (h *isTrueHandler) OnRowEnd(*proto.EOF) {
	if h.rowCount != 1 {
		h.connector.fail(proto.NewSQLError(0, "Too many rows", "HY000"))
	}
}

func (h *isTrueHandler) OnError(err *proto.SQLError) {
	slog.Warn("query failed", "err", err)

	h.connector.fail(err)
}

// selectSessionVariablesHandler captures the resultset of
//
//	SELECT '<name>', @@SESSION.`<name>` [UNION ...]
//
// into the session-variable store: two columns, any column names, one
// variable per row. Rows are buffered and committed only at row end; any
// anomaly disables sharing instead of failing the preparation, and
// leaves the store untouched.
type selectSessionVariablesHandler struct {
	baseHandler
	conn *Conn

	somethingFailed bool
	captured        []capturedVar
}

type capturedVar struct {
	name  string
	value session.Value
}

func newSelectSessionVariablesHandler(c *Conn) *selectSessionVariablesHandler {
	return &selectSessionVariablesHandler{conn: c}
}

func (h *selectSessionVariablesHandler) OnColumnCount(count uint64) {
	if count != 2 {
		h.somethingFailed = true
	}
}

func (h *selectSessionVariablesHandler) OnRow(row proto.Row) {
	if h.somethingFailed {
		return
	}

	if len(row) != 2 || row[0].Null {
		h.somethingFailed = true
		return
	}

	value := session.NullValue()
	if !row[1].Null {
		value = session.StringValue(row[1].Value)
	}
	h.captured = append(h.captured, capturedVar{name: row[0].Value, value: value})
}

func (h *selectSessionVariablesHandler) OnRowEnd(*proto.EOF) {
	if h.somethingFailed {
		// parsing the resultset failed; disable sharing for now
		h.conn.SetSomeStateChanged(true)
		return
	}

	for _, cv := range h.captured {
		h.conn.Vars.Set(cv.name, cv.value)
	}
	h.captured = nil
}

func (h *selectSessionVariablesHandler) OnOK(*proto.OK) {
	// an OK without a resultset shouldn't happen; disable sharing
	h.conn.SetSomeStateChanged(true)
}

func (h *selectSessionVariablesHandler) OnError(err *proto.SQLError) {
	slog.Debug("fetching system variables failed", "err", err)

	h.conn.SetSomeStateChanged(true)
}
