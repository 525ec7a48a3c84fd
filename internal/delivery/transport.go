package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Transport is the long-lived connection the agent delivers over
type Transport interface {
	Connect(ctx context.Context) error
	// Request sends data and waits for the reply until ctx expires
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)
	IsConnected() bool
	Close()
}

// ErrReconnecting is returned by Connect while the client library is still
// re-establishing a dropped connection
var ErrReconnecting = errors.New("connection is reconnecting")

// NATSTransport implements Transport over a NATS client connection
type NATSTransport struct {
	url            string
	name           string
	connectTimeout time.Duration
	log            *zap.Logger

	mu   sync.RWMutex
	conn *nats.Conn
}

// NewNATSTransport creates a transport for the central server at url
func NewNATSTransport(url, name string, connectTimeout time.Duration, log *zap.Logger) *NATSTransport {
	if log == nil {
		log = zap.NewNop()
	}
	if connectTimeout <= 0 {
		connectTimeout = 5 * time.Second
	}
	return &NATSTransport{
		url:            url,
		name:           name,
		connectTimeout: connectTimeout,
		log:            log.Named("transport"),
	}
}

// Connect dials the server unless a live connection already exists
func (t *NATSTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil && !t.conn.IsClosed() {
		if t.conn.IsConnected() {
			return nil
		}
		return ErrReconnecting
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	nc, err := nats.Connect(
		t.url,
		nats.Name(t.name),
		nats.Timeout(t.connectTimeout),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			t.log.Warn("server connection lost", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			t.log.Info("server connection restored", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", t.url, err)
	}
	t.conn = nc
	return nil
}

// Request sends one message and waits for its reply
func (t *NATSTransport) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	t.mu.RLock()
	nc := t.conn
	t.mu.RUnlock()
	if nc == nil {
		return nil, nats.ErrConnectionClosed
	}

	msg, err := nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, err
	}
	return msg.Data, nil
}

// IsConnected reports whether the connection is currently usable
func (t *NATSTransport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.conn != nil && t.conn.IsConnected()
}

// Close flushes and closes the connection
func (t *NATSTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
}
