package proxy

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/sqlbridge/sqlbridge/internal/config"
	"github.com/sqlbridge/sqlbridge/internal/connector"
	"github.com/sqlbridge/sqlbridge/internal/pool"
	"github.com/sqlbridge/sqlbridge/internal/proto"
	"github.com/sqlbridge/sqlbridge/internal/router"
)

func newTestSource(t *testing.T, primaryAddr string) (*backendSource, *pool.Manager) {
	t.Helper()

	cfg := &config.Config{
		Destinations: map[string]config.DestinationConfig{
			"primary": {Address: primaryAddr, Mode: "read-write"},
		},
	}
	pm := pool.NewManager(config.PoolConfig{
		MaxIdlePerDestination: 4,
		IdleTimeout:           time.Minute,
		MaxLifetime:           time.Hour,
	})
	t.Cleanup(pm.Close)

	return &backendSource{
		router:      router.New(cfg),
		pools:       pm,
		dialTimeout: time.Second,
	}, pm
}

func TestSourceReleaseThenAcquireReuses(t *testing.T) {
	s, _ := newTestSource(t, "10.0.0.1:3306")

	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	// keep the peer alive for the pool's liveness probe
	go func() {
		buf := make([]byte, 1)
		for {
			if _, err := b.Read(buf); err != nil {
				return
			}
		}
	}()

	released := &connector.Backend{
		Addr:     "10.0.0.1:3306",
		Conn:     a,
		Greeting: &proto.Greeting{ServerVersion: "8.0.36"},
		Username: "app",
		Schema:   "orders",
	}
	if !s.Release(released) {
		t.Fatal("Release rejected with room in the pool")
	}

	got, err := s.Acquire(context.Background(), connector.ModeReadWrite)
	if err != nil {
		t.Fatal(err)
	}
	if got.Conn != a {
		t.Error("Acquire did not reuse the pooled connection")
	}
	if got.Greeting == nil || got.Username != "app" || got.Schema != "orders" {
		t.Errorf("identity lost across the pool: %+v", got)
	}
}

func TestSourceNeverPoolsWithoutGreeting(t *testing.T) {
	s, pm := newTestSource(t, "10.0.0.1:3306")

	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})

	if s.Release(&connector.Backend{Addr: "10.0.0.1:3306", Conn: a}) {
		t.Error("Release pooled a half-handshaked socket")
	}
	if dp, ok := pm.Get("10.0.0.1:3306"); ok && dp.Stats().Idle != 0 {
		t.Error("pool not empty")
	}
}

func TestSourceDialsFreshWhenPoolEmpty(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		time.Sleep(100 * time.Millisecond)
	}()

	s, _ := newTestSource(t, ln.Addr().String())

	b, err := s.Acquire(context.Background(), connector.ModeReadWrite)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Conn.Close()

	if b.Greeting != nil {
		t.Error("fresh dial carries a greeting")
	}
	if b.Addr != ln.Addr().String() {
		t.Errorf("addr = %q", b.Addr)
	}
}
