package nats

import (
	"log/slog"
	"os"
	"sync"
	"time"

	natsgo "github.com/nats-io/nats.go"
)

type closeFunc = func()

// Connector opens a NATS connection. The returned close func releases it.
type Connector func() (nc *natsgo.Conn, close closeFunc, err error)

// sharedConn hands out leases on one connection. The connection is closed
// when the last lease is released and reopened by the next lease.
type sharedConn struct {
	mu      sync.Mutex
	connect Connector
	nc      *natsgo.Conn
	release closeFunc
	leases  int
}

func (s *sharedConn) lease() (*natsgo.Conn, closeFunc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nc == nil {
		nc, release, err := s.connect()
		if err != nil {
			return nil, nil, err
		}
		s.nc, s.release = nc, release
	}
	s.leases++

	var once sync.Once
	return s.nc, func() { once.Do(s.unlease) }, nil
}

func (s *sharedConn) unlease() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leases--
	if s.leases == 0 && s.nc != nil {
		s.release()
		s.nc, s.release = nil, nil
	}
}

// ReuseConnection shares the connection of connect between all callers of
// the returned Connector. Event store and snapshot bucket of one process
// usually go through a single shared connection.
func ReuseConnection(connect Connector) Connector {
	s := &sharedConn{connect: connect}
	return s.lease
}

// ConnectURL dials natsURL. opts are applied after the defaults.
func ConnectURL(natsURL string, opts ...natsgo.Option) Connector {
	return func() (*natsgo.Conn, closeFunc, error) {
		log := slog.Default().With(slog.String("component", "nats"), slog.String("url", natsURL))
		nc, err := natsgo.Connect(
			natsURL,
			append([]natsgo.Option{
				natsgo.Name("esrt"),
				natsgo.MaxReconnects(3),
				natsgo.ReconnectWait(500 * time.Millisecond),
				natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
					if err != nil {
						log.Warn("disconnected", slog.Any("error", err))
					}
				}),
				natsgo.ReconnectHandler(func(*natsgo.Conn) {
					log.Info("reconnected")
				}),
			}, opts...)...,
		)
		if err != nil {
			return nil, nil, err
		}
		return nc, nc.Close, nil
	}
}

// ConnectDefault dials $NATS_URL, or the local default server.
func ConnectDefault() Connector {
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		return ConnectURL(natsURL)
	}
	return ConnectURL(natsgo.DefaultURL)
}
