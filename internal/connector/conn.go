package connector

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sqlbridge/sqlbridge/internal/proto"
	"github.com/sqlbridge/sqlbridge/internal/session"
)

// ServerMode is the kind of backend the client's command may run on.
type ServerMode int

const (
	ModeReadWrite ServerMode = iota
	ModeReadOnly
)

func (m ServerMode) String() string {
	if m == ModeReadOnly {
		return "read-only"
	}
	return "read-write"
}

// Protocol is one side's view of the session: who is authenticated, which
// schema is selected, and which capabilities were negotiated.
type Protocol struct {
	Username       string
	Password       *string // nil when the client's password is not known
	Schema         string
	SentAttributes map[string]string
	Capabilities   uint32
	Charset        byte
	StatusFlags    uint16

	// ServerGreeting is the greeting received from the backend. Its
	// presence on a pooled connection means the backend has already been
	// handshaked.
	ServerGreeting *proto.Greeting
}

// PasswordKnown reports whether the client's cleartext password is
// available for re-authentication.
func (p *Protocol) PasswordKnown() bool {
	return p.Password != nil
}

// Backend is an established server connection together with the session
// identity it carries, as handed out and taken back by the pool.
type Backend struct {
	// Addr is the destination this backend belongs to, so it can be
	// handed back to the right pool.
	Addr           string
	Conn           net.Conn
	Greeting       *proto.Greeting
	Username       string
	SentAttributes map[string]string
	Schema         string
	Capabilities   uint32
}

// BackendSource provides backend connections: a fresh dial or a pooled
// connection for Acquire, and pool hand-back for Release. Release
// returns false when the pool is full and ownership stays with the
// caller.
type BackendSource interface {
	Acquire(ctx context.Context, mode ServerMode) (*Backend, error)
	Release(b *Backend) bool
}

// ClientSecurity describes the client channel's transport security, used
// for required-attribute enforcement.
type ClientSecurity struct {
	TLS     bool
	Issuer  string
	Subject string
}

// Splicer holds the two channels of a routed connection.
type Splicer struct {
	client *proto.Channel
	server *proto.Channel
}

// NewSplicer builds a splicer from the client channel. The server side is
// attached later by the Connect sub-processor.
func NewSplicer(client *proto.Channel) *Splicer {
	return &Splicer{client: client}
}

// ClientChannel returns the client-side channel.
func (s *Splicer) ClientChannel() *proto.Channel {
	return s.client
}

// ServerChannel returns the server-side channel, nil before Connect.
func (s *Splicer) ServerChannel() *proto.Channel {
	return s.server
}

// SetServerChannel attaches a server-side channel.
func (s *Splicer) SetServerChannel(ch *proto.Channel) {
	s.server = ch
}

// ServerIsOpen reports whether the server side exists and is usable.
func (s *Splicer) ServerIsOpen() bool {
	return s.server != nil && s.server.IsOpen()
}

// Conn is the shared connection context the preparation machinery
// mutates: both protocol views, the splicer, the session-variable store,
// and the routing flags that steer preparation.
type Conn struct {
	ID string

	Client *Protocol
	Server *Protocol

	Vars *session.Store

	// TrxCharacteristics is the opaque statement script that rebuilds the
	// client's transaction state, as reported by the session tracker.
	TrxCharacteristics string

	ExpectedServerMode ServerMode

	// SharingConfigured mirrors the connection_sharing config option.
	SharingConfigured bool
	// GreetingFromRouter is set when the router (not a backend) sent the
	// client its initial greeting.
	GreetingFromRouter bool
	// ClientGreetingSent is set once a client greeting has been relayed
	// to some backend.
	ClientGreetingSent bool

	WaitForMyWrites        bool
	WaitForMyWritesTimeout time.Duration
	GtidAtLeastExecuted    string

	RouterRequireEnforce bool
	ConnectRetryTimeout  time.Duration

	Security ClientSecurity

	// ServerAddr is the destination address of the current server
	// connection.
	ServerAddr string

	Source BackendSource
	Subs   Subprocessors

	splicer       *Splicer
	authenticated bool

	mu               sync.Mutex
	stack            []Processor
	resumeCh         chan struct{}
	connectTimer     *time.Timer
	canceled         bool
	someStateChanged bool
	runCtx           context.Context
}

// RunContext returns the context of the current Run invocation.
func (c *Conn) RunContext() context.Context {
	if c.runCtx == nil {
		return context.Background()
	}
	return c.runCtx
}

// NewConn builds a connection context around a client channel.
func NewConn(id string, client *proto.Channel) *Conn {
	c := &Conn{
		ID:       id,
		Client:   &Protocol{SentAttributes: map[string]string{}},
		Server:   &Protocol{SentAttributes: map[string]string{}},
		Vars:     session.NewStore(),
		splicer:  NewSplicer(client),
		resumeCh: make(chan struct{}, 1),
	}
	c.Subs = wireSubprocessors{}
	return c
}

// Splicer returns the connection's splicer.
func (c *Conn) Splicer() *Splicer {
	return c.splicer
}

// Authenticated reports whether the backend is authenticated as the
// client's user.
func (c *Conn) Authenticated() bool {
	return c.authenticated
}

// SetAuthenticated records the backend authentication state.
func (c *Conn) SetAuthenticated(v bool) {
	c.authenticated = v
}

// SomeStateChanged reports whether untracked session state changed,
// which disables connection sharing.
func (c *Conn) SomeStateChanged() bool {
	return c.someStateChanged
}

// SetSomeStateChanged flags untracked session-state changes.
func (c *Conn) SetSomeStateChanged(v bool) {
	c.someStateChanged = v
}

// SharingPossible reports whether the backend may be returned to the
// shared pool and repurposed for another compatible client session.
func (c *Conn) SharingPossible() bool {
	return c.SharingConfigured && c.GreetingFromRouter && !c.someStateChanged
}

// Canceled reports whether the connection's run context was canceled
// while suspended.
func (c *Conn) Canceled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canceled
}

// PushProcessor pushes a processor on the connection's stack. The
// currently running processor is suspended until the pushed one is done.
func (c *Conn) PushProcessor(p Processor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stack = append(c.stack, p)
}

// Resume wakes a suspended connection.
func (c *Conn) Resume() {
	select {
	case c.resumeCh <- struct{}{}:
	default:
	}
}

// ScheduleResume arms a single-shot timer that resumes the connection
// after d. A previously armed timer is replaced.
func (c *Conn) ScheduleResume(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectTimer != nil {
		c.connectTimer.Stop()
	}
	c.connectTimer = time.AfterFunc(d, c.Resume)
}

// Run drives the processor stack until it is empty or ctx is canceled.
// On cancellation during a suspension the machine is resumed with the
// canceled flag set so processors can wind down to Done.
func (c *Conn) Run(ctx context.Context) error {
	c.runCtx = ctx
	for {
		c.mu.Lock()
		depth := len(c.stack)
		var top Processor
		if depth > 0 {
			top = c.stack[depth-1]
		}
		c.mu.Unlock()

		if top == nil {
			return nil
		}

		res, err := top.Process()
		if err != nil {
			return fmt.Errorf("processor failed: %w", err)
		}

		switch res {
		case Again, SendToClient:
			// client-bound writes are unbuffered, nothing to flush

		case Done:
			c.mu.Lock()
			// the processor may have pushed children before finishing;
			// remove it from wherever it sits
			for i := len(c.stack) - 1; i >= 0; i-- {
				if c.stack[i] == top {
					c.stack = append(c.stack[:i], c.stack[i+1:]...)
					break
				}
			}
			c.mu.Unlock()

		case Suspend:
			select {
			case <-c.resumeCh:
			case <-ctx.Done():
				c.mu.Lock()
				c.canceled = true
				if c.connectTimer != nil {
					c.connectTimer.Stop()
				}
				c.mu.Unlock()
			}
		}
	}
}

// PoolServerConnection hands the server connection back to the pool.
// Returns true when the pool accepted it; false when the pool is full or
// there is nothing to hand back.
func (c *Conn) PoolServerConnection() bool {
	if c.Source == nil || !c.splicer.ServerIsOpen() {
		return false
	}

	b := &Backend{
		Addr:           c.ServerAddr,
		Conn:           c.splicer.ServerChannel().Conn(),
		Greeting:       c.Server.ServerGreeting,
		Username:       c.Server.Username,
		SentAttributes: c.Server.SentAttributes,
		Schema:         c.Server.Schema,
		Capabilities:   c.Server.Capabilities,
	}
	if !c.Source.Release(b) {
		return false
	}

	// the pool took ownership; detach the socket from the splicer
	c.splicer.ServerChannel().Detach()
	c.splicer.SetServerChannel(nil)
	c.Server.ServerGreeting = nil
	c.SetAuthenticated(false)
	return true
}
