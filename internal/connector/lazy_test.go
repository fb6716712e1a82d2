package connector

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/sqlbridge/sqlbridge/internal/proto"
	"github.com/sqlbridge/sqlbridge/internal/session"
	"github.com/sqlbridge/sqlbridge/internal/trace"
)

// --- scripted fakes ---

// funcProcessor runs one scripted step.
type funcProcessor struct {
	fn func() (Result, error)
}

func (p *funcProcessor) Process() (Result, error) { return p.fn() }

// fakeSource hands out scripted backends and records releases.
type fakeSource struct {
	backends      []*Backend
	acquires      int
	released      []*Backend
	acceptRelease bool
}

func (s *fakeSource) Acquire(ctx context.Context, mode ServerMode) (*Backend, error) {
	idx := s.acquires
	s.acquires++
	if idx >= len(s.backends) {
		idx = len(s.backends) - 1
	}
	return s.backends[idx], nil
}

func (s *fakeSource) Release(b *Backend) bool {
	if !s.acceptRelease {
		return false
	}
	s.released = append(s.released, b)
	return true
}

// freshBackend is an un-handshaked socket.
func freshBackend(t *testing.T) *Backend {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return &Backend{Addr: "db1:3306", Conn: a}
}

// pooledBackend is a socket with a finished handshake and the given
// session identity left on it.
func pooledBackend(t *testing.T, username, schema string, attrs map[string]string, caps uint32) *Backend {
	b := freshBackend(t)
	b.Greeting = &proto.Greeting{
		ProtocolVersion: 10,
		ServerVersion:   "8.0.36",
		AuthData:        make([]byte, 20),
		AuthPlugin:      "mysql_native_password",
	}
	b.Username = username
	b.Schema = schema
	b.SentAttributes = attrs
	b.Capabilities = caps
	return b
}

// recordingSubs records every sub-processor invocation and runs
// scripted behaviors instead of wire exchanges. Connect goes through the
// real connect processor since it only talks to the backend source.
type recordingSubs struct {
	calls []string

	greetorCalls int
	greetorFail  []*proto.SQLError // indexed per call; nil entry = success

	queries     []string
	queryScript func(stmt string, h QueryHandler)

	requireResult RequiredAttributesResult
}

func (f *recordingSubs) Connect(c *Conn, onError ErrorCallback, parent *trace.Span) Processor {
	f.calls = append(f.calls, "connect")
	return wireSubprocessors{}.Connect(c, onError, parent)
}

func (f *recordingSubs) ServerGreetor(c *Conn, inHandshake bool, onError ErrorCallback, parent *trace.Span) Processor {
	f.calls = append(f.calls, "greetor")
	idx := f.greetorCalls
	f.greetorCalls++
	return &funcProcessor{fn: func() (Result, error) {
		var fail *proto.SQLError
		if idx < len(f.greetorFail) {
			fail = f.greetorFail[idx]
		}
		if fail != nil {
			c.Splicer().ServerChannel().Close()
			onError(fail)
			return Done, nil
		}
		c.Server.ServerGreeting = &proto.Greeting{
			ProtocolVersion: 10,
			ServerVersion:   "8.0.36",
			AuthData:        make([]byte, 20),
			AuthPlugin:      "mysql_native_password",
		}
		c.SetAuthenticated(true)
		c.ClientGreetingSent = true
		c.Server.Username = c.Client.Username
		c.Server.SentAttributes = cloneAttrs(c.Client.SentAttributes)
		c.Server.Capabilities = c.Client.Capabilities
		return Done, nil
	}}
}

func (f *recordingSubs) ChangeUser(c *Conn, inHandshake bool, onError ErrorCallback, parent *trace.Span) Processor {
	f.calls = append(f.calls, "changeuser")
	return &funcProcessor{fn: func() (Result, error) {
		c.SetAuthenticated(true)
		c.Server.Username = c.Client.Username
		c.Server.SentAttributes = cloneAttrs(c.Client.SentAttributes)
		c.Server.Schema = c.Client.Schema
		return Done, nil
	}}
}

func (f *recordingSubs) ResetConnection(c *Conn, parent *trace.Span) Processor {
	f.calls = append(f.calls, "reset")
	return &funcProcessor{fn: func() (Result, error) {
		return Done, nil
	}}
}

func (f *recordingSubs) SetOption(c *Conn, op uint16, onError ErrorCallback) Processor {
	name := "setoption:multi_statements_off"
	if op == proto.OptionMultiStatementsOn {
		name = "setoption:multi_statements_on"
	}
	f.calls = append(f.calls, name)
	return &funcProcessor{fn: func() (Result, error) {
		if op == proto.OptionMultiStatementsOn {
			c.Server.Capabilities |= proto.CapMultiStatements
		} else {
			c.Server.Capabilities &^= proto.CapMultiStatements
		}
		return Done, nil
	}}
}

func (f *recordingSubs) InitSchema(c *Conn, schema string, onError ErrorCallback) Processor {
	f.calls = append(f.calls, "initschema:"+schema)
	return &funcProcessor{fn: func() (Result, error) {
		c.Server.Schema = schema
		return Done, nil
	}}
}

func (f *recordingSubs) Query(c *Conn, stmt string, handler QueryHandler) Processor {
	f.calls = append(f.calls, "query:"+stmt)
	f.queries = append(f.queries, stmt)
	return &funcProcessor{fn: func() (Result, error) {
		if f.queryScript != nil {
			f.queryScript(stmt, handler)
		} else {
			handler.OnOK(&proto.OK{StatusFlags: proto.StatusAutocommit})
		}
		return Done, nil
	}}
}

func (f *recordingSubs) Quit(c *Conn) Processor {
	f.calls = append(f.calls, "quit")
	return &funcProcessor{fn: func() (Result, error) {
		if ch := c.Splicer().ServerChannel(); ch != nil {
			ch.Close()
		}
		return Done, nil
	}}
}

func (f *recordingSubs) RequiredAttributes(c *Conn, out *RequiredAttributesResult) Processor {
	f.calls = append(f.calls, "require")
	return &funcProcessor{fn: func() (Result, error) {
		*out = f.requireResult
		return Done, nil
	}}
}

// --- test helpers ---

func testPassword() *string {
	pwd := "secret"
	return &pwd
}

func newTestConn(t *testing.T, subs Subprocessors, source BackendSource) *Conn {
	t.Helper()

	clientSide, routerSide := net.Pipe()
	t.Cleanup(func() {
		clientSide.Close()
		routerSide.Close()
	})

	c := NewConn("test-conn", proto.NewChannel(routerSide))
	c.Subs = subs
	c.Source = source
	c.Client.Username = "app"
	c.Client.Password = testPassword()
	c.ConnectRetryTimeout = 5 * time.Second
	return c
}

func runLazy(t *testing.T, c *Conn, inHandshake bool) (*LazyConnector, *proto.SQLError) {
	t.Helper()

	var reported *proto.SQLError
	l := NewLazyConnector(c, inHandshake, func(e *proto.SQLError) {
		if reported == nil {
			reported = e
		}
	}, nil)

	c.PushProcessor(l)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	return l, reported
}

func wantCalls(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("sub-processor calls = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sub-processor calls = %v, want %v", got, want)
		}
	}
}

// --- tests ---

// TestFreshConnectionNoSharing: empty store, fresh socket, client schema
// set, no sharing. Expect a full greeting handshake and a schema change,
// nothing else.
func TestFreshConnectionNoSharing(t *testing.T) {
	subs := &recordingSubs{}
	source := &fakeSource{backends: []*Backend{freshBackend(t)}}

	c := newTestConn(t, subs, source)
	c.Client.Schema = "app"

	_, reported := runLazy(t, c, false)

	if reported != nil {
		t.Fatalf("unexpected error: %v", reported)
	}
	if !c.Authenticated() {
		t.Error("connection not authenticated")
	}
	wantCalls(t, subs.calls, []string{"connect", "greetor", "initschema:app"})
	if len(source.released) != 0 {
		t.Errorf("backend was pooled, want handed to caller")
	}
}

// TestPoolReuseMatchingIdentity: pooled backend with same user and
// attributes but different schema. Only a session reset plus the schema
// change may run; never a change-user.
func TestPoolReuseMatchingIdentity(t *testing.T) {
	attrs := map[string]string{"program_name": "app"}

	subs := &recordingSubs{}
	source := &fakeSource{backends: []*Backend{
		pooledBackend(t, "app", "x", attrs, 0),
	}}

	c := newTestConn(t, subs, source)
	c.Client.Schema = "y"
	c.Client.SentAttributes = attrs

	_, reported := runLazy(t, c, false)

	if reported != nil {
		t.Fatalf("unexpected error: %v", reported)
	}
	wantCalls(t, subs.calls, []string{"connect", "reset", "initschema:y"})
	for _, call := range subs.calls {
		if call == "changeuser" {
			t.Error("ChangeUser ran for a matching identity")
		}
	}
}

// TestSchemaMismatchAloneNeverForcesChangeUser: only the schema differs;
// the reuse fast-path must still be taken.
func TestSchemaMismatchAloneNeverForcesChangeUser(t *testing.T) {
	subs := &recordingSubs{}
	source := &fakeSource{backends: []*Backend{
		pooledBackend(t, "app", "other_schema", nil, 0),
	}}

	c := newTestConn(t, subs, source)
	c.Client.Schema = "mine"
	c.Client.SentAttributes = nil

	runLazy(t, c, false)

	if subs.calls[1] != "reset" {
		t.Errorf("second call = %q, want reset", subs.calls[1])
	}
}

// TestChangeUserOnUsernameMismatch: pooled backend authenticated as a
// different user needs a full re-authentication.
func TestChangeUserOnUsernameMismatch(t *testing.T) {
	subs := &recordingSubs{}
	source := &fakeSource{backends: []*Backend{
		pooledBackend(t, "otheruser", "", nil, 0),
	}}

	c := newTestConn(t, subs, source)
	c.Client.SentAttributes = nil

	_, reported := runLazy(t, c, false)

	if reported != nil {
		t.Fatalf("unexpected error: %v", reported)
	}
	wantCalls(t, subs.calls, []string{"connect", "changeuser"})
}

// TestSetVarsStatement: with trackers needed, the emitted SET leads with
// session_track_system_variables, skips statement_id, and appends the
// tracker defaults.
func TestSetVarsStatement(t *testing.T) {
	subs := &recordingSubs{}
	source := &fakeSource{backends: []*Backend{
		pooledBackend(t, "app", "", nil, 0),
	}}

	c := newTestConn(t, subs, source)
	c.Client.SentAttributes = nil
	c.SharingConfigured = true
	c.GreetingFromRouter = true
	c.Vars.Set("sql_mode", session.StringValue("STRICT_ALL_TABLES"))
	c.Vars.Set("time_zone", session.StringValue("+00:00"))
	c.Vars.Set("statement_id", session.StringValue("7"))

	_, reported := runLazy(t, c, false)
	if reported != nil {
		t.Fatalf("unexpected error: %v", reported)
	}

	if len(subs.queries) == 0 {
		t.Fatal("no query dispatched")
	}
	stmt := subs.queries[0]

	if !strings.HasPrefix(stmt, "SET @@SESSION.session_track_system_variables = '*',") {
		t.Errorf("SET does not lead with session_track_system_variables:\n%s", stmt)
	}
	if strings.Contains(stmt, "statement_id") {
		t.Errorf("SET contains read-only statement_id:\n%s", stmt)
	}
	for _, want := range []string{
		"@@SESSION.sql_mode = 'STRICT_ALL_TABLES'",
		"@@SESSION.time_zone = '+00:00'",
		"@@SESSION.session_track_gtids = 'OWN_GTID'",
		"@@SESSION.session_track_transaction_info = 'CHARACTERISTICS'",
		"@@SESSION.session_track_state_change = 'ON'",
	} {
		if !strings.Contains(stmt, want) {
			t.Errorf("SET missing %q:\n%s", want, stmt)
		}
	}
}

// TestGtidWaitFallsBackToWrite: the read-only backend does not reach the
// GTID set, the pool is full, so the connection is closed gracefully and
// the preparation falls back to a read-write backend exactly once.
func TestGtidWaitFallsBackToWrite(t *testing.T) {
	subs := &recordingSubs{}
	subs.queryScript = func(stmt string, h QueryHandler) {
		if strings.Contains(stmt, "WAIT_FOR_EXECUTED_GTID_SET") {
			h.OnColumnCount(1)
			h.OnRow(proto.Row{{Value: "0"}})
			h.OnRowEnd(&proto.EOF{})
			return
		}
		h.OnOK(&proto.OK{StatusFlags: proto.StatusAutocommit})
	}

	source := &fakeSource{
		backends: []*Backend{freshBackend(t), freshBackend(t)},
	}

	c := newTestConn(t, subs, source)
	c.ExpectedServerMode = ModeReadOnly
	c.WaitForMyWrites = true
	c.WaitForMyWritesTimeout = 5 * time.Second
	c.GtidAtLeastExecuted = "abc:1-10"

	_, reported := runLazy(t, c, false)

	if reported != nil {
		t.Fatalf("fallback should clear the failure, got %v", reported)
	}
	if c.ExpectedServerMode != ModeReadWrite {
		t.Errorf("expected server mode = %v, want read-write", c.ExpectedServerMode)
	}

	var connects, quits, waits int
	for _, call := range subs.calls {
		switch {
		case call == "connect":
			connects++
		case call == "quit":
			quits++
		case strings.HasPrefix(call, "query:SELECT NOT WAIT_FOR_EXECUTED_GTID_SET"):
			waits++
		}
	}
	if connects != 2 {
		t.Errorf("connect count = %d, want 2", connects)
	}
	if quits != 1 {
		t.Errorf("quit count = %d, want 1 (pool full)", quits)
	}
	if waits != 1 {
		t.Errorf("gtid wait ran %d times, want 1 (read-write skips it)", waits)
	}

	wantQuery := "SELECT NOT WAIT_FOR_EXECUTED_GTID_SET('abc:1-10', 5)"
	found := false
	for _, q := range subs.queries {
		if q == wantQuery {
			found = true
		}
	}
	if !found {
		t.Errorf("queries %v missing %q", subs.queries, wantQuery)
	}
}

// TestGtidWaitPoolAccepted: when the pool has room the failed read-only
// backend is pooled, not quit.
func TestGtidWaitPoolAccepted(t *testing.T) {
	subs := &recordingSubs{}
	subs.queryScript = func(stmt string, h QueryHandler) {
		if strings.Contains(stmt, "GTID_SUBSET") {
			h.OnColumnCount(1)
			h.OnRow(proto.Row{{Value: "0"}})
			h.OnRowEnd(&proto.EOF{})
			return
		}
		h.OnOK(&proto.OK{StatusFlags: proto.StatusAutocommit})
	}

	source := &fakeSource{
		backends:      []*Backend{freshBackend(t), freshBackend(t)},
		acceptRelease: true,
	}

	c := newTestConn(t, subs, source)
	c.ExpectedServerMode = ModeReadOnly
	c.WaitForMyWrites = true
	c.WaitForMyWritesTimeout = 0 // GTID_SUBSET probe instead of a server-side wait
	c.GtidAtLeastExecuted = "abc:1-10"

	_, reported := runLazy(t, c, false)

	if reported != nil {
		t.Fatalf("unexpected error: %v", reported)
	}
	if len(source.released) != 1 {
		t.Errorf("released %d backends, want 1", len(source.released))
	}
	for _, call := range subs.calls {
		if call == "quit" {
			t.Error("quit ran although the pool accepted the connection")
		}
	}
}

// TestFallbackHappensAtMostOnce: after the fallback, a hard failure goes
// straight to the caller; no second fallback.
func TestFallbackHappensAtMostOnce(t *testing.T) {
	subs := &recordingSubs{}
	subs.queryScript = func(stmt string, h QueryHandler) {
		if strings.Contains(stmt, "WAIT_FOR_EXECUTED_GTID_SET") {
			h.OnColumnCount(1)
			h.OnRow(proto.Row{{Value: "0"}})
			h.OnRowEnd(&proto.EOF{})
			return
		}
		h.OnOK(&proto.OK{StatusFlags: proto.StatusAutocommit})
	}
	subs.greetorFail = []*proto.SQLError{
		nil, // first attempt: greeting fine, gtid wait fails
		proto.NewSQLError(1044, "Access denied for user", "42000"), // after fallback
	}

	source := &fakeSource{
		backends: []*Backend{freshBackend(t), freshBackend(t)},
	}

	c := newTestConn(t, subs, source)
	c.ExpectedServerMode = ModeReadOnly
	c.WaitForMyWrites = true
	c.WaitForMyWritesTimeout = 5 * time.Second
	c.GtidAtLeastExecuted = "abc:1-10"

	_, reported := runLazy(t, c, false)

	if reported == nil || reported.Code != 1044 {
		t.Fatalf("reported = %v, want error 1044", reported)
	}
	if c.Authenticated() {
		t.Error("connection still authenticated after failure")
	}

	var connects int
	for _, call := range subs.calls {
		if call == "connect" {
			connects++
		}
	}
	if connects != 2 {
		t.Errorf("connect count = %d, want 2 (one fallback only)", connects)
	}
}

// TestSysVarCaptureAnomaly: a malformed sys-var resultset disables
// sharing, leaves the store untouched, and preparation continues.
func TestSysVarCaptureAnomaly(t *testing.T) {
	subs := &recordingSubs{}
	subs.queryScript = func(stmt string, h QueryHandler) {
		if strings.Contains(stmt, "UNION") || strings.Contains(stmt, "@@SESSION.`") {
			// three columns instead of two
			h.OnColumnCount(3)
			h.OnRow(proto.Row{{Value: "a"}, {Value: "b"}, {Value: "c"}})
			h.OnRowEnd(&proto.EOF{})
			return
		}
		h.OnOK(&proto.OK{StatusFlags: proto.StatusAutocommit})
	}

	source := &fakeSource{backends: []*Backend{
		pooledBackend(t, "app", "x", nil, 0),
	}}

	c := newTestConn(t, subs, source)
	c.Client.SentAttributes = nil
	c.Client.Schema = "y"
	c.SharingConfigured = true
	c.GreetingFromRouter = true

	_, reported := runLazy(t, c, false)

	if reported != nil {
		t.Fatalf("anomaly must not fail the preparation, got %v", reported)
	}
	if !c.SomeStateChanged() {
		t.Error("some_state_changed not set")
	}
	if c.Vars.Len() != 0 {
		t.Errorf("store has %d entries, want 0 (no partial commit)", c.Vars.Len())
	}

	var sawInitSchema bool
	for _, call := range subs.calls {
		if call == "initschema:y" {
			sawInitSchema = true
		}
	}
	if !sawInitSchema {
		t.Error("flow did not continue to the schema change")
	}
}

// TestSysVarCaptureCommit: a well-formed resultset is committed to the
// store in order.
func TestSysVarCaptureCommit(t *testing.T) {
	subs := &recordingSubs{}
	subs.queryScript = func(stmt string, h QueryHandler) {
		if strings.Contains(stmt, "@@SESSION.`") {
			h.OnColumnCount(2)
			h.OnRow(proto.Row{{Value: "collation_connection"}, {Value: "utf8mb4_0900_ai_ci"}})
			h.OnRow(proto.Row{{Value: "character_set_client"}, {Value: "utf8mb4"}})
			h.OnRow(proto.Row{{Value: "sql_mode"}, {Value: "STRICT_ALL_TABLES"}})
			h.OnRowEnd(&proto.EOF{})
			return
		}
		h.OnOK(&proto.OK{StatusFlags: proto.StatusAutocommit})
	}

	source := &fakeSource{backends: []*Backend{
		pooledBackend(t, "app", "", nil, 0),
	}}

	c := newTestConn(t, subs, source)
	c.Client.SentAttributes = nil
	c.SharingConfigured = true
	c.GreetingFromRouter = true

	_, reported := runLazy(t, c, false)
	if reported != nil {
		t.Fatalf("unexpected error: %v", reported)
	}

	for name, want := range map[string]string{
		"collation_connection": "utf8mb4_0900_ai_ci",
		"character_set_client": "utf8mb4",
		"sql_mode":             "STRICT_ALL_TABLES",
	} {
		got := c.Vars.Get(name)
		if !got.Valid || got.S != want {
			t.Errorf("store[%s] = %+v, want %q", name, got, want)
		}
	}
}

// TestTrxCharacteristicsSplit: a two-statement script runs as two
// queries in order.
func TestTrxCharacteristicsSplit(t *testing.T) {
	subs := &recordingSubs{}
	source := &fakeSource{backends: []*Backend{
		pooledBackend(t, "app", "", nil, 0),
	}}

	c := newTestConn(t, subs, source)
	c.Client.SentAttributes = nil
	c.TrxCharacteristics = "SET TRANSACTION ISOLATION LEVEL SERIALIZABLE; START TRANSACTION READ ONLY"

	_, reported := runLazy(t, c, false)
	if reported != nil {
		t.Fatalf("unexpected error: %v", reported)
	}

	want := []string{
		"SET TRANSACTION ISOLATION LEVEL SERIALIZABLE",
		"START TRANSACTION READ ONLY",
	}
	if len(subs.queries) != 2 {
		t.Fatalf("queries = %v, want %v", subs.queries, want)
	}
	for i := range want {
		if subs.queries[i] != want[i] {
			t.Errorf("queries[%d] = %q, want %q", i, subs.queries[i], want[i])
		}
	}
}

// TestTransientGreetingErrorRetries: a transient greeting failure with a
// known password retries after the backoff and succeeds.
func TestTransientGreetingErrorRetries(t *testing.T) {
	subs := &recordingSubs{}
	subs.greetorFail = []*proto.SQLError{
		proto.NewSQLError(2003, "Can't connect to remote MySQL server", "HY000"),
		nil,
	}
	source := &fakeSource{backends: []*Backend{freshBackend(t), freshBackend(t)}}

	c := newTestConn(t, subs, source)

	_, reported := runLazy(t, c, false)

	if reported != nil {
		t.Fatalf("unexpected error: %v", reported)
	}
	if !c.Authenticated() {
		t.Error("connection not authenticated after retry")
	}

	var greetors int
	for _, call := range subs.calls {
		if call == "greetor" {
			greetors++
		}
	}
	if greetors != 2 {
		t.Errorf("greetor count = %d, want 2", greetors)
	}
}

// TestNoRetryPastDeadline: with an exhausted retry budget the transient
// error surfaces immediately.
func TestNoRetryPastDeadline(t *testing.T) {
	subs := &recordingSubs{}
	subs.greetorFail = []*proto.SQLError{
		proto.NewSQLError(2003, "Can't connect to remote MySQL server", "HY000"),
	}
	source := &fakeSource{backends: []*Backend{freshBackend(t)}}

	c := newTestConn(t, subs, source)
	c.ConnectRetryTimeout = 0

	_, reported := runLazy(t, c, false)

	if reported == nil || reported.Code != 2003 {
		t.Fatalf("reported = %v, want error 2003", reported)
	}

	var greetors int
	for _, call := range subs.calls {
		if call == "greetor" {
			greetors++
		}
	}
	if greetors != 1 {
		t.Errorf("greetor count = %d, want 1 (no retry)", greetors)
	}
}

// TestNonTransientErrorSurfaces: hard handshake errors are never
// retried.
func TestNonTransientErrorSurfaces(t *testing.T) {
	subs := &recordingSubs{}
	subs.greetorFail = []*proto.SQLError{
		proto.NewSQLError(1045, "Access denied", "28000"),
	}
	source := &fakeSource{backends: []*Backend{freshBackend(t)}}

	c := newTestConn(t, subs, source)

	_, reported := runLazy(t, c, false)

	if reported == nil || reported.Code != 1045 {
		t.Fatalf("reported = %v, want error 1045", reported)
	}
	if c.Authenticated() {
		t.Error("connection marked authenticated after auth failure")
	}
}

// TestServerSeqResetAtDone: the server-side sequence id ends at the
// no-prior-packet sentinel.
func TestServerSeqResetAtDone(t *testing.T) {
	subs := &recordingSubs{}
	source := &fakeSource{backends: []*Backend{freshBackend(t)}}

	c := newTestConn(t, subs, source)

	runLazy(t, c, false)

	if got := c.Splicer().ServerChannel().Seq(); got != proto.NoPriorPacket {
		t.Errorf("server seq = 0x%02x, want 0x%02x", got, proto.NoPriorPacket)
	}
}

// TestSetServerOptionOnCapabilityMismatch: the multi-statements bit is
// toggled to match the client.
func TestSetServerOptionOnCapabilityMismatch(t *testing.T) {
	tests := []struct {
		name       string
		clientCaps uint32
		serverCaps uint32
		want       string
	}{
		{"client on, server off", proto.CapMultiStatements, 0, "setoption:multi_statements_on"},
		{"client off, server on", 0, proto.CapMultiStatements, "setoption:multi_statements_off"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			subs := &recordingSubs{}
			source := &fakeSource{backends: []*Backend{
				pooledBackend(t, "app", "", nil, tt.serverCaps),
			}}

			c := newTestConn(t, subs, source)
			c.Client.SentAttributes = nil
			c.Client.Capabilities = tt.clientCaps

			runLazy(t, c, false)

			var saw bool
			for _, call := range subs.calls {
				if call == tt.want {
					saw = true
				}
			}
			if !saw {
				t.Errorf("calls %v missing %q", subs.calls, tt.want)
			}
		})
	}
}

// TestRouterRequireEnforcement: required attributes the client channel
// does not satisfy fail with access denied; satisfied ones pass.
func TestRouterRequireEnforcement(t *testing.T) {
	tests := []struct {
		name     string
		result   RequiredAttributesResult
		security ClientSecurity
		wantErr  bool
	}{
		{
			name:     "ssl required, plaintext client",
			result:   RequiredAttributesResult{OK: true, Attrs: RequiredAttributes{SSL: true}},
			security: ClientSecurity{},
			wantErr:  true,
		},
		{
			name:     "ssl required, tls client",
			result:   RequiredAttributesResult{OK: true, Attrs: RequiredAttributes{SSL: true}},
			security: ClientSecurity{TLS: true},
			wantErr:  false,
		},
		{
			name:     "fetch failed",
			result:   RequiredAttributesResult{OK: false},
			security: ClientSecurity{TLS: true},
			wantErr:  true,
		},
		{
			name:     "no requirements",
			result:   RequiredAttributesResult{OK: true},
			security: ClientSecurity{},
			wantErr:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			subs := &recordingSubs{requireResult: tt.result}
			source := &fakeSource{backends: []*Backend{freshBackend(t)}}

			c := newTestConn(t, subs, source)
			c.RouterRequireEnforce = true
			c.Security = tt.security

			_, reported := runLazy(t, c, false)

			if tt.wantErr {
				if reported == nil || reported.Code != 1045 || reported.SQLState != "28000" {
					t.Fatalf("reported = %v, want 1045/28000", reported)
				}
			} else if reported != nil {
				t.Fatalf("unexpected error: %v", reported)
			}
		})
	}
}

// TestSendAuthOkInHandshake: during the client's initial handshake the
// client receives an OK once the backend is prepared.
func TestSendAuthOkInHandshake(t *testing.T) {
	subs := &recordingSubs{}
	source := &fakeSource{backends: []*Backend{freshBackend(t)}}

	clientSide, routerSide := net.Pipe()
	t.Cleanup(func() {
		clientSide.Close()
		routerSide.Close()
	})

	c := NewConn("test-conn", proto.NewChannel(routerSide))
	c.Subs = subs
	c.Source = source
	c.Client.Username = "app"
	c.Client.Password = testPassword()
	c.Client.StatusFlags = proto.StatusAutocommit
	c.ConnectRetryTimeout = time.Second

	gotOK := make(chan []byte, 1)
	go func() {
		ch := proto.NewChannel(clientSide)
		payload, err := ch.ReadPacket()
		if err != nil {
			gotOK <- nil
			return
		}
		gotOK <- payload
	}()

	_, reported := runLazy(t, c, true)
	if reported != nil {
		t.Fatalf("unexpected error: %v", reported)
	}

	select {
	case payload := <-gotOK:
		if !proto.IsOK(payload) {
			t.Fatalf("client received %v, want OK packet", payload)
		}
		ok, err := proto.ParseOK(payload)
		if err != nil {
			t.Fatalf("parsing OK: %v", err)
		}
		if ok.AffectedRows != 0 || ok.LastInsertID != 0 {
			t.Errorf("OK = %+v, want zero affected rows and insert id", ok)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("client did not receive the auth ok")
	}
}

// TestPooledReuseNeverRunsConnect: an open server channel means there is
// nothing to prepare.
func TestPooledReuseNeverRunsConnect(t *testing.T) {
	subs := &recordingSubs{}
	source := &fakeSource{backends: []*Backend{freshBackend(t)}}

	c := newTestConn(t, subs, source)

	// first run opens and prepares the backend
	runLazy(t, c, false)
	first := len(subs.calls)

	// second run finds the socket open and does nothing
	_, reported := runLazy(t, c, false)
	if reported != nil {
		t.Fatalf("unexpected error: %v", reported)
	}
	if len(subs.calls) != first {
		t.Errorf("second run invoked sub-processors: %v", subs.calls[first:])
	}
}
