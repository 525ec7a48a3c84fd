// Package natsserver runs the central server's embedded NATS broker
package natsserver

import (
	"fmt"
	"net"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// EmbeddedNATS wraps an embedded NATS server with an internal client connection
type EmbeddedNATS struct {
	server *server.Server
	conn   *nats.Conn
	host   string
	port   int
	log    *zap.Logger
}

// Config holds configuration for the embedded NATS server
type Config struct {
	Host            string
	Port            int   // -1 picks a random free port
	MaxPayload      int32 // Max message size in bytes
	MaxPendingBytes int64 // Max pending bytes per slow consumer
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            4233,
		MaxPayload:      1024 * 1024,
		MaxPendingBytes: 64 * 1024 * 1024,
	}
}

// New creates and starts an embedded NATS server
func New(cfg Config, log *zap.Logger) (*EmbeddedNATS, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.MaxPayload <= 0 {
		cfg.MaxPayload = 1024 * 1024
	}
	if cfg.MaxPendingBytes <= 0 {
		cfg.MaxPendingBytes = 64 * 1024 * 1024
	}

	opts := &server.Options{
		Host:          cfg.Host,
		Port:          cfg.Port,
		NoLog:         true,
		NoSigs:        true,
		MaxPayload:    cfg.MaxPayload,
		WriteDeadline: 10 * time.Second,
		MaxPending:    cfg.MaxPendingBytes,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS server not ready after 5 seconds")
	}

	port := cfg.Port
	if tcp, ok := ns.Addr().(*net.TCPAddr); ok {
		port = tcp.Port
	}

	e := &EmbeddedNATS{server: ns, host: cfg.Host, port: port, log: log.Named("nats")}

	nc, err := nats.Connect(
		e.ClientURL(),
		nats.Name("lpr-server-internal"),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("failed to connect to embedded NATS: %w", err)
	}
	e.conn = nc

	e.log.Info("embedded NATS server started", zap.Int("port", port))
	return e, nil
}

// Conn returns the internal client connection
func (e *EmbeddedNATS) Conn() *nats.Conn {
	return e.conn
}

// ClientURL returns a URL local clients can dial
func (e *EmbeddedNATS) ClientURL() string {
	return fmt.Sprintf("nats://127.0.0.1:%d", e.port)
}

// Port returns the NATS server port
func (e *EmbeddedNATS) Port() int {
	return e.port
}

// NumClients returns the number of connected clients, excluding the internal connection
func (e *EmbeddedNATS) NumClients() int {
	n := e.server.NumClients()
	if e.conn != nil && e.conn.IsConnected() && n > 0 {
		n--
	}
	return n
}

// Accepting reports whether the server is up and reachable by its own client
func (e *EmbeddedNATS) Accepting() bool {
	return e.server.Running() && e.conn != nil && e.conn.IsConnected()
}

// Stats holds NATS server statistics
type Stats struct {
	Clients       int    `json:"clients"`
	Subscriptions uint32 `json:"subscriptions"`
	InMsgs        int64  `json:"inMsgs"`
	OutMsgs       int64  `json:"outMsgs"`
	InBytes       int64  `json:"inBytes"`
	OutBytes      int64  `json:"outBytes"`
	SlowConsumers int64  `json:"slowConsumers"`
}

// GetStats returns current server statistics
func (e *EmbeddedNATS) GetStats() Stats {
	varz, _ := e.server.Varz(nil)
	stats := Stats{
		Clients:       e.NumClients(),
		Subscriptions: e.server.NumSubscriptions(),
	}
	if varz != nil {
		stats.InMsgs = varz.InMsgs
		stats.OutMsgs = varz.OutMsgs
		stats.InBytes = varz.InBytes
		stats.OutBytes = varz.OutBytes
		stats.SlowConsumers = varz.SlowConsumers
	}
	return stats
}

// Shutdown drains the internal connection and stops the server
func (e *EmbeddedNATS) Shutdown() {
	if e.conn != nil {
		e.conn.Close()
	}
	if e.server != nil {
		e.server.Shutdown()
		e.server.WaitForShutdown()
	}
	e.log.Info("NATS server shut down")
}
