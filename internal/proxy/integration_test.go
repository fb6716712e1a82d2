package proxy

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/sqlbridge/sqlbridge/internal/connector"
	"github.com/sqlbridge/sqlbridge/internal/proto"
)

// fakeBackend is a scripted MySQL server good for one connection.
type fakeBackend struct {
	t        *testing.T
	ln       net.Listener
	nonce    []byte
	gotUser  chan string
	gotQuery chan []byte
}

func startFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	fb := &fakeBackend{
		t:        t,
		ln:       ln,
		nonce:    make([]byte, 20),
		gotUser:  make(chan string, 1),
		gotQuery: make(chan []byte, 16),
	}
	for i := range fb.nonce {
		fb.nonce[i] = byte(i + 1)
	}
	t.Cleanup(func() { ln.Close() })

	go fb.serve()
	return fb
}

func (fb *fakeBackend) addr() string { return fb.ln.Addr().String() }

func (fb *fakeBackend) serve() {
	conn, err := fb.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	ch := proto.NewChannel(conn)

	greeting := &proto.Greeting{
		ProtocolVersion: 10,
		ServerVersion:   "8.0.36",
		ConnectionID:    7,
		AuthData:        fb.nonce,
		Capabilities: proto.CapLongPassword | proto.CapProtocol41 |
			proto.CapTransactions | proto.CapSecureConnection |
			proto.CapPluginAuth | proto.CapPluginAuthLenencClientData |
			proto.CapConnectAttrs | proto.CapMultiResults,
		Charset:     0x21,
		StatusFlags: proto.StatusAutocommit,
		AuthPlugin:  "mysql_native_password",
	}
	if err := ch.WritePacket(proto.BuildGreeting(greeting)); err != nil {
		return
	}

	payload, err := ch.ReadPacket()
	if err != nil {
		return
	}
	resp, err := proto.ParseHandshakeResponse(payload)
	if err != nil {
		return
	}
	fb.gotUser <- resp.Username

	if err := ch.WritePacket(proto.BuildOK(0, 0, proto.StatusAutocommit, 0)); err != nil {
		return
	}

	// command loop: acknowledge everything
	for {
		payload, err := ch.ReadPacket()
		if err != nil {
			return
		}
		fb.gotQuery <- payload
		if payload[0] == proto.ComQuit {
			return
		}
		if err := ch.WritePacket(proto.BuildOK(0, 0, proto.StatusAutocommit, 0)); err != nil {
			return
		}
	}
}

// TestPrepareFreshBackendEndToEnd drives the real wire sub-processors
// against a scripted server: full greeting handshake, then the schema
// change, nothing else.
func TestPrepareFreshBackendEndToEnd(t *testing.T) {
	fb := startFakeBackend(t)
	source, _ := newTestSource(t, fb.addr())

	clientSide, routerSide := net.Pipe()
	t.Cleanup(func() {
		clientSide.Close()
		routerSide.Close()
	})

	c := connector.NewConn("it-conn", proto.NewChannel(routerSide))
	c.Source = source
	c.Client.Username = "app"
	pwd := "secret"
	c.Client.Password = &pwd
	c.Client.Schema = "orders"
	c.ConnectRetryTimeout = time.Second

	var reported *proto.SQLError
	lazy := connector.NewLazyConnector(c, false, func(e *proto.SQLError) {
		reported = e
	}, nil)
	c.PushProcessor(lazy)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Run(ctx); err != nil {
		t.Fatal(err)
	}

	if reported != nil {
		t.Fatalf("prepare failed: %v", reported)
	}
	if !c.Authenticated() {
		t.Fatal("not authenticated")
	}

	select {
	case user := <-fb.gotUser:
		if user != "app" {
			t.Errorf("backend saw user %q, want app", user)
		}
	case <-time.After(time.Second):
		t.Fatal("backend never saw a handshake response")
	}

	select {
	case cmd := <-fb.gotQuery:
		if cmd[0] != proto.ComInitDB || string(cmd[1:]) != "orders" {
			t.Errorf("first command = %v, want COM_INIT_DB orders", cmd)
		}
	case <-time.After(time.Second):
		t.Fatal("backend never saw the schema change")
	}

	if c.Server.Schema != "orders" {
		t.Errorf("server schema = %q", c.Server.Schema)
	}
	if c.Server.Username != "app" {
		t.Errorf("server username = %q", c.Server.Username)
	}
	if got := c.Splicer().ServerChannel().Seq(); got != proto.NoPriorPacket {
		t.Errorf("server seq = 0x%02x, want sentinel", got)
	}
}
