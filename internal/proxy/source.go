package proxy

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/sqlbridge/sqlbridge/internal/connector"
	"github.com/sqlbridge/sqlbridge/internal/health"
	"github.com/sqlbridge/sqlbridge/internal/metrics"
	"github.com/sqlbridge/sqlbridge/internal/pool"
	"github.com/sqlbridge/sqlbridge/internal/router"
)

// backendSource resolves a server mode to a destination and hands out
// backend connections: pooled ones when available, fresh dials
// otherwise. It is the connector's view of routing and pooling.
type backendSource struct {
	router      *router.Router
	pools       *pool.Manager
	healthCheck *health.Checker
	metrics     *metrics.Collector
	dialTimeout time.Duration
}

func (s *backendSource) Acquire(ctx context.Context, mode connector.ServerMode) (*connector.Backend, error) {
	rmode := router.ModeReadWrite
	if mode == connector.ModeReadOnly {
		rmode = router.ModeReadOnly
	}

	dest, err := s.router.Resolve(rmode)
	if err != nil {
		return nil, err
	}

	if dp, ok := s.pools.Get(dest.Address); ok {
		if sc := dp.Pop(); sc != nil {
			if s.metrics != nil {
				s.metrics.PoolHit(dest.Address)
			}
			return &connector.Backend{
				Addr:           sc.Addr(),
				Conn:           sc.Conn(),
				Greeting:       sc.Greeting(),
				Username:       sc.Username(),
				SentAttributes: sc.SentAttributes(),
				Schema:         sc.Schema(),
				Capabilities:   sc.Capabilities(),
			}, nil
		}
	}

	dialer := net.Dialer{Timeout: s.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", dest.Address)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", dest.Address, err)
	}
	return &connector.Backend{Addr: dest.Address, Conn: conn}, nil
}

func (s *backendSource) Release(b *connector.Backend) bool {
	if b.Greeting == nil {
		// never pool a half-handshaked socket
		return false
	}

	sc := pool.NewServerConn(b.Conn, b.Addr, b.Greeting)
	sc.SetUsername(b.Username)
	sc.SetSentAttributes(b.SentAttributes)
	sc.SetSchema(b.Schema)
	sc.SetCapabilities(b.Capabilities)

	ok := s.pools.GetOrCreate(b.Addr).Add(sc)
	if !ok && s.metrics != nil {
		s.metrics.PoolRejected(b.Addr)
	}
	return ok
}
