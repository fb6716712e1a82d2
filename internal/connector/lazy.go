package connector

import (
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/sqlbridge/sqlbridge/internal/proto"
	"github.com/sqlbridge/sqlbridge/internal/session"
	"github.com/sqlbridge/sqlbridge/internal/trace"
)

// Stage is the lazy connector's position in the preparation graph.
type Stage int

const (
	StageConnect Stage = iota
	StageConnected
	StageAuthenticated
	StageSetVars
	StageSetVarsDone
	StageSetServerOption
	StageSetServerOptionDone
	StageFetchSysVars
	StageFetchSysVarsDone
	StageSetSchema
	StageSetSchemaDone
	StageWaitGtidExecuted
	StageWaitGtidExecutedDone
	StageSetTrxCharacteristics
	StageSetTrxCharacteristicsDone
	StageFetchUserAttrs
	StageFetchUserAttrsDone
	StageSendAuthOk
	StagePoolOrClose
	StageFallbackToWrite
	StageDone
)

func (s Stage) String() string {
	switch s {
	case StageConnect:
		return "connect"
	case StageConnected:
		return "connected"
	case StageAuthenticated:
		return "authenticated"
	case StageSetVars:
		return "set_vars"
	case StageSetVarsDone:
		return "set_vars_done"
	case StageSetServerOption:
		return "set_server_option"
	case StageSetServerOptionDone:
		return "set_server_option_done"
	case StageFetchSysVars:
		return "fetch_sys_vars"
	case StageFetchSysVarsDone:
		return "fetch_sys_vars_done"
	case StageSetSchema:
		return "set_schema"
	case StageSetSchemaDone:
		return "set_schema_done"
	case StageWaitGtidExecuted:
		return "wait_gtid_executed"
	case StageWaitGtidExecutedDone:
		return "wait_gtid_executed_done"
	case StageSetTrxCharacteristics:
		return "set_trx_characteristics"
	case StageSetTrxCharacteristicsDone:
		return "set_trx_characteristics_done"
	case StageFetchUserAttrs:
		return "fetch_user_attrs"
	case StageFetchUserAttrsDone:
		return "fetch_user_attrs_done"
	case StageSendAuthOk:
		return "send_auth_ok"
	case StagePoolOrClose:
		return "pool_or_close"
	case StageFallbackToWrite:
		return "fallback_to_write"
	case StageDone:
		return "done"
	default:
		return "unknown"
	}
}

// LazyConnector prepares the server side of a connection on demand: it
// opens or reuses a backend, authenticates it as the client's user, and
// reconciles session variables, options, schema, transaction
// characteristics, and replication visibility. When a read-only backend
// cannot satisfy the replication-visibility wait, it falls back to a
// read-write backend once.
type LazyConnector struct {
	conn        *Conn
	inHandshake bool
	onError     ErrorCallback
	parentSpan  *trace.Span

	stage   Stage
	started time.Time

	failure  *proto.SQLError
	reported bool

	retryConnect    bool
	alreadyFallback bool

	trxStmt string

	requiredAttrs RequiredAttributesResult

	spanConnect      *trace.Span
	spanAuthenticate *trace.Span
	spanSetVars      *trace.Span
	spanFetchSysVars *trace.Span
	spanSetSchema    *trace.Span
	spanWaitGtid     *trace.Span
	spanTrxChar      *trace.Span
}

// NewLazyConnector builds a connector for conn. inHandshake is true when
// the client itself is still inside its initial handshake; onError
// receives the failure, at most once, when preparation fails.
func NewLazyConnector(conn *Conn, inHandshake bool, onError ErrorCallback, parent *trace.Span) *LazyConnector {
	return &LazyConnector{
		conn:        conn,
		inHandshake: inHandshake,
		onError:     onError,
		parentSpan:  parent,
		stage:       StageConnect,
		started:     time.Now(),
	}
}

// Stage returns the connector's current stage.
func (l *LazyConnector) Stage() Stage {
	return l.stage
}

// Failed returns the stored failure, if any.
func (l *LazyConnector) Failed() *proto.SQLError {
	return l.failure
}

// fail stores the first failure; later failures are kept only if none is
// stored yet.
func (l *LazyConnector) fail(err *proto.SQLError) {
	if l.failure == nil {
		l.failure = err
	}
}

// clearFailure drops the stored failure; used by the read-write
// fallback.
func (l *LazyConnector) clearFailure() {
	l.failure = nil
}

func (l *LazyConnector) traceStage(stage string) {
	slog.Debug("connect", "stage", stage, "conn", l.conn.ID)
}

// Process runs the stage the connector is currently in.
func (l *LazyConnector) Process() (Result, error) {
	switch l.stage {
	case StageConnect:
		return l.connect()
	case StageConnected:
		return l.connected()
	case StageAuthenticated:
		return l.authenticated()
	case StageSetVars:
		return l.setVars()
	case StageSetVarsDone:
		return l.setVarsDone()
	case StageSetServerOption:
		return l.setServerOption()
	case StageSetServerOptionDone:
		return l.setServerOptionDone()
	case StageFetchSysVars:
		return l.fetchSysVars()
	case StageFetchSysVarsDone:
		return l.fetchSysVarsDone()
	case StageSetSchema:
		return l.setSchema()
	case StageSetSchemaDone:
		return l.setSchemaDone()
	case StageWaitGtidExecuted:
		return l.waitGtidExecuted()
	case StageWaitGtidExecutedDone:
		return l.waitGtidExecutedDone()
	case StageSetTrxCharacteristics:
		return l.setTrxCharacteristics()
	case StageSetTrxCharacteristicsDone:
		return l.setTrxCharacteristicsDone()
	case StageFetchUserAttrs:
		return l.fetchUserAttrs()
	case StageFetchUserAttrsDone:
		return l.fetchUserAttrsDone()
	case StageSendAuthOk:
		return l.sendAuthOk()
	case StagePoolOrClose:
		return l.poolOrClose()
	case StageFallbackToWrite:
		return l.fallbackToWrite()
	case StageDone:
		return l.done()
	}
	return Done, nil
}

func (l *LazyConnector) connect() (Result, error) {
	l.traceStage("connect")

	l.spanConnect = trace.StartSpan(l.parentSpan, "mysql/prepare_server_connection")

	if l.conn.Canceled() {
		l.stage = StageDone
		return Again, nil
	}

	if !l.conn.Splicer().ServerIsOpen() {
		l.stage = StageConnected

		// a fresh connection or one from the pool
		l.conn.PushProcessor(l.conn.Subs.Connect(l.conn, l.fail, l.spanConnect))
	} else {
		// there still is a connection open, nothing to do
		l.stage = StageDone
	}

	return Again, nil
}

// connected decides the handshake flavor once a socket exists.
func (l *LazyConnector) connected() (Result, error) {
	c := l.conn

	if !c.Splicer().ServerIsOpen() {
		l.traceStage("connect::not_connected")

		// the connect failed, leave
		l.stage = StageDone
		return Again, nil
	}

	l.spanAuthenticate = trace.StartSpan(l.spanConnect, "mysql/authenticate")

	// remember the trx statement; the session tracker on the backend is
	// re-targeted by the later SET stages and would overwrite it
	l.trxStmt = c.TrxCharacteristics

	if c.Server.ServerGreeting != nil {
		// the socket already finished a handshake once (pooled)
		c.ClientGreetingSent = true

		sameUser := c.Client.Username == c.Server.Username
		sameAttrs := attrsEqual(c.Client.SentAttributes, c.Server.SentAttributes)

		if !l.inHandshake && sameUser && sameAttrs {
			// a differing schema is fine, setSchema reconciles it later
			l.spanAuthenticate.SetAttr("mysql.remote.needs_full_handshake", false)

			c.PushProcessor(c.Subs.ResetConnection(c, l.spanAuthenticate))
			c.SetAuthenticated(true)
		} else {
			l.spanAuthenticate.SetAttr("mysql.remote.needs_full_handshake", true)
			l.spanAuthenticate.SetAttr("mysql.remote.username_differs", !sameUser)
			l.spanAuthenticate.SetAttr("mysql.remote.connection_attributes_differ", !sameAttrs)

			c.PushProcessor(c.Subs.ChangeUser(c, l.inHandshake, l.fail, l.spanAuthenticate))
		}
	} else {
		l.spanAuthenticate.SetAttr("mysql.remote.needs_full_handshake", true)

		c.PushProcessor(c.Subs.ServerGreetor(c, l.inHandshake, func(err *proto.SQLError) {
			if ConnectErrorIsTransient(err) &&
				(c.Client.PasswordKnown() || c.Server.ServerGreeting == nil) &&
				time.Now().Before(l.started.Add(c.ConnectRetryTimeout)) {
				// transient; reconnect until the connect-retry deadline.
				// Only when the failure hit the server greeting or the
				// client's password is known, as otherwise the client
				// would see the auth-switch again mid-handshake.
				l.retryConnect = true
			} else {
				l.fail(err)
			}
		}, l.spanAuthenticate))
	}

	l.stage = StageAuthenticated
	return Again, nil
}

func (l *LazyConnector) authenticated() (Result, error) {
	c := l.conn

	if !c.Authenticated() || !c.Splicer().ServerIsOpen() {
		l.traceStage("connect::authenticate::error")
		l.spanAuthenticate.EndWithError()

		if l.retryConnect {
			l.retryConnect = false

			l.stage = StageConnect
			c.ScheduleResume(connectRetryInterval)
			return Suspend, nil
		}

		l.stage = StageDone
		return Again, nil
	}

	l.traceStage("connect::authenticate::ok")
	l.spanAuthenticate.End()

	l.stage = StageSetVars
	return Again, nil
}

func (l *LazyConnector) setVars() (Result, error) {
	c := l.conn

	needSessionTrackers := c.SharingConfigured && c.GreetingFromRouter

	stmt := session.BuildSetStatement(c.Vars, needSessionTrackers)
	if stmt == "" {
		l.stage = StageSetServerOption
		return Again, nil
	}

	l.traceStage("connect::set_var")
	l.stage = StageSetVarsDone

	l.spanSetVars = trace.StartSpan(l.spanConnect, "mysql/set_var")
	for _, name := range c.Vars.Names() {
		if name == session.VarStatementID {
			continue
		}
		v := c.Vars.Get(name)
		if v.Valid {
			l.spanSetVars.SetAttr("mysql.session.@@SESSION."+name, v.S)
		} else {
			l.spanSetVars.SetAttr("mysql.session.@@SESSION."+name, nil)
		}
	}

	c.PushProcessor(c.Subs.Query(c, stmt, newFailedQueryHandler(l, stmt)))
	return Again, nil
}

func (l *LazyConnector) setVarsDone() (Result, error) {
	l.spanSetVars.End()
	l.traceStage("connect::set_var::done")

	l.stage = StageSetServerOption
	return Again, nil
}

func (l *LazyConnector) setServerOption() (Result, error) {
	c := l.conn

	clientMulti := c.Client.Capabilities&proto.CapMultiStatements != 0
	serverMulti := c.Server.Capabilities&proto.CapMultiStatements != 0

	if clientMulti == serverMulti {
		l.stage = StageFetchSysVars
		return Again, nil
	}

	l.traceStage("connect::set_server_option")
	l.stage = StageSetServerOptionDone

	op := proto.OptionMultiStatementsOff
	if clientMulti {
		op = proto.OptionMultiStatementsOn
	}
	c.PushProcessor(c.Subs.SetOption(c, op, l.fail))
	return Again, nil
}

func (l *LazyConnector) setServerOptionDone() (Result, error) {
	if l.failure != nil {
		l.traceStage("connect::set_server_option::failed")
		l.stage = StageDone
	} else {
		l.traceStage("connect::set_server_option::done")
		l.stage = StageFetchSysVars
	}
	return Again, nil
}

func (l *LazyConnector) fetchSysVars() (Result, error) {
	c := l.conn

	var b strings.Builder
	if c.SharingPossible() {
		// fetch the sys-vars that aren't known yet
		for _, name := range session.FetchedVariables {
			if c.Vars.Find(name) {
				continue
			}
			if b.Len() != 0 {
				b.WriteString(" UNION ")
			}
			// single quotes for the name literal keep it ANSI_QUOTES safe
			b.WriteString("SELECT '")
			b.WriteString(name)
			b.WriteString("', @@SESSION.`")
			b.WriteString(name)
			b.WriteString("`")
		}
	}

	if b.Len() == 0 {
		l.stage = StageSetSchema
		return Again, nil
	}

	l.traceStage("connect::fetch_sys_vars")
	l.spanFetchSysVars = trace.StartSpan(l.spanConnect, "mysql/fetch_sys_vars")
	l.stage = StageFetchSysVarsDone

	c.PushProcessor(c.Subs.Query(c, b.String(), newSelectSessionVariablesHandler(c)))
	return Again, nil
}

func (l *LazyConnector) fetchSysVarsDone() (Result, error) {
	l.spanFetchSysVars.End()
	l.traceStage("connect::fetch_sys_vars::done")

	l.stage = StageSetSchema
	return Again, nil
}

func (l *LazyConnector) setSchema() (Result, error) {
	c := l.conn

	clientSchema := c.Client.Schema
	serverSchema := c.Server.Schema

	if clientSchema == "" || clientSchema == serverSchema {
		l.stage = StageWaitGtidExecuted // skip setSchemaDone
		return Again, nil
	}

	l.traceStage("connect::set_schema")
	l.spanSetSchema = trace.StartSpan(l.spanConnect, "mysql/set_schema")
	l.stage = StageSetSchemaDone

	c.PushProcessor(c.Subs.InitSchema(c, clientSchema, l.fail))
	return Again, nil
}

func (l *LazyConnector) setSchemaDone() (Result, error) {
	if l.failure != nil {
		l.spanSetSchema.EndWithError()
		l.traceStage("connect::set_schema::failed")

		l.stage = StageDone
		return Again, nil
	}

	l.spanSetSchema.End()
	l.traceStage("connect::set_schema::done")

	l.stage = StageWaitGtidExecuted
	return Again, nil
}

func (l *LazyConnector) waitGtidExecuted() (Result, error) {
	c := l.conn

	l.stage = StageSetTrxCharacteristics // skip waitGtidExecutedDone if there is no wait

	if !c.WaitForMyWrites || c.ExpectedServerMode != ModeReadOnly {
		return Again, nil
	}
	gtid := c.GtidAtLeastExecuted
	if gtid == "" {
		return Again, nil
	}

	l.traceStage("connect::wait_gtid")
	l.spanWaitGtid = trace.StartSpan(l.spanConnect, "mysql/wait_gtid_executed")
	l.stage = StageWaitGtidExecutedDone

	maxLag := int64(c.WaitForMyWritesTimeout / time.Second)

	var b strings.Builder
	if maxLag == 0 {
		b.WriteString("SELECT GTID_SUBSET('")
		b.WriteString(gtid)
		b.WriteString("', @@GLOBAL.gtid_executed)")
	} else {
		b.WriteString("SELECT NOT WAIT_FOR_EXECUTED_GTID_SET('")
		b.WriteString(gtid)
		b.WriteString("', ")
		b.WriteString(strconv.FormatInt(maxLag, 10))
		b.WriteString(")")
	}

	sentinel := proto.NewSQLError(0, "wait_for_my_writes timed out", "HY000")
	c.PushProcessor(c.Subs.Query(c, b.String(), newIsTrueHandler(l, sentinel)))
	return Again, nil
}

func (l *LazyConnector) waitGtidExecutedDone() (Result, error) {
	if l.failure != nil {
		l.traceStage("connect::wait_gtid::failed")
		l.spanWaitGtid.EndWithError()

		l.stage = StagePoolOrClose
	} else {
		l.traceStage("connect::wait_gtid::done")
		l.spanWaitGtid.End()

		l.stage = StageSetTrxCharacteristics
	}
	return Again, nil
}

// poolOrClose gives the server connection back before the read-write
// fallback: to the pool when it has room, otherwise a graceful quit.
func (l *LazyConnector) poolOrClose() (Result, error) {
	l.stage = StageFallbackToWrite

	if l.conn.PoolServerConnection() {
		l.traceStage("connect::pooled")
	} else {
		// the pool was full, close gracefully
		l.traceStage("connect::pool_full")
		l.conn.PushProcessor(l.conn.Subs.Quit(l.conn))
	}

	return Again, nil
}

func (l *LazyConnector) fallbackToWrite() (Result, error) {
	c := l.conn

	if l.alreadyFallback || c.ExpectedServerMode == ModeReadWrite {
		// fall back to the primary only once, and only when the client
		// asked for a read-only backend; the stored failure propagates
		l.stage = StageDone
		return Again, nil
	}

	l.traceStage("connect::fallback_to_write")

	c.ExpectedServerMode = ModeReadWrite
	l.alreadyFallback = true

	l.clearFailure()

	// the next pass opens a new connect span
	l.spanConnect.End()

	l.stage = StageConnect
	return Again, nil
}

// setTrxCharacteristics replays the transaction-characteristics script,
// one ';'-separated statement at a time.
func (l *LazyConnector) setTrxCharacteristics() (Result, error) {
	c := l.conn

	if l.trxStmt == "" {
		l.stage = StageFetchUserAttrs // skip setTrxCharacteristicsDone
		return Again, nil
	}

	l.traceStage("connect::trx_characteristics")
	l.spanTrxChar = trace.StartSpan(l.spanConnect, "mysql/set_trx_characteristics")
	l.stage = StageSetTrxCharacteristicsDone

	head, rest := session.SplitTrxStmt(l.trxStmt)
	l.trxStmt = rest

	c.PushProcessor(c.Subs.Query(c, head, newFailedQueryHandler(l, head)))
	return Again, nil
}

func (l *LazyConnector) setTrxCharacteristicsDone() (Result, error) {
	l.traceStage("connect::trx_characteristics::done")

	if l.failure != nil {
		l.spanTrxChar.EndWithError()
	} else {
		l.spanTrxChar.End()
	}

	// execute the next part, if any
	if l.trxStmt == "" {
		l.stage = StageFetchUserAttrs
	} else {
		l.stage = StageSetTrxCharacteristics
	}
	return Again, nil
}

func (l *LazyConnector) fetchUserAttrs() (Result, error) {
	c := l.conn

	if !c.RouterRequireEnforce {
		l.stage = StageSendAuthOk
		return Again, nil
	}

	l.traceStage("connect::fetch_user_attrs")

	l.requiredAttrs = RequiredAttributesResult{}
	c.PushProcessor(c.Subs.RequiredAttributes(c, &l.requiredAttrs))

	l.stage = StageFetchUserAttrsDone
	return Again, nil
}

func (l *LazyConnector) fetchUserAttrsDone() (Result, error) {
	c := l.conn

	l.traceStage("connect::fetch_user_attrs::done")

	if !l.requiredAttrs.OK {
		l.fail(proto.NewSQLError(1045, "Access denied", "28000"))
		l.stage = StageDone
		return Again, nil
	}

	if !enforceRequire(c.Security, l.requiredAttrs.Attrs) {
		l.fail(proto.NewSQLError(1045, "Access denied", "28000"))
		l.stage = StageDone
		return Again, nil
	}

	l.stage = StageSendAuthOk
	return Again, nil
}

func (l *LazyConnector) sendAuthOk() (Result, error) {
	c := l.conn

	if !l.inHandshake {
		l.stage = StageDone
		return Again, nil
	}

	l.traceStage("connect::ok")

	// tell the client that everything is ok
	ok := proto.BuildOK(0, 0, c.Client.StatusFlags, 0)
	if err := c.Splicer().ClientChannel().WritePacket(ok); err != nil {
		return Done, err
	}

	l.stage = StageDone
	return SendToClient, nil
}

func (l *LazyConnector) done() (Result, error) {
	c := l.conn

	if l.failure != nil {
		l.traceStage("connect::failed")

		if l.onError != nil && !l.reported {
			l.reported = true
			l.onError(l.failure)
		}
		c.SetAuthenticated(false)
	}

	// reset the server-side sequence id, the next command starts clean
	if ch := c.Splicer().ServerChannel(); ch != nil {
		ch.SetSeq(proto.NoPriorPacket)
	}

	l.spanConnect.End()

	return Done, nil
}

func attrsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
