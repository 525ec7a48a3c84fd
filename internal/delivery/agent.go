// Package delivery ships outbox entries to the central server, one
// acknowledged request at a time.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/irisdrone/checkpoint/internal/metrics"
	"github.com/irisdrone/checkpoint/internal/outbox"
	"github.com/irisdrone/checkpoint/internal/protocol"
	"go.uber.org/zap"
)

// State is the agent's connection state
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
	StateDraining     State = "DRAINING"
)

// Store is the part of the outbox the agent drives
type Store interface {
	Pending(ctx context.Context, limit int) ([]outbox.Entry, error)
	MarkSent(ctx context.Context, localID string) error
	RecordFailure(ctx context.Context, localID, reason string) error
	RecordRejection(ctx context.Context, localID, reason string, maxRejections int) (bool, error)
}

// Config holds agent settings
type Config struct {
	CameraID        string
	Registration    protocol.Registration
	PreflightTarget string
	ConnectTimeout  time.Duration
	RequestTimeout  time.Duration
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	PollInterval    time.Duration
	BatchSize       int
	MaxRejections   int
}

func (c *Config) applyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxRejections <= 0 {
		c.MaxRejections = 3
	}
	if c.Registration.CameraID == "" {
		c.Registration.CameraID = c.CameraID
	}
}

// Stats is a point-in-time view of the agent
type Stats struct {
	State        State      `json:"state"`
	Delivered    uint64     `json:"delivered"`
	Failures     uint64     `json:"failures"`
	Rejections   uint64     `json:"rejections"`
	DeadLettered uint64     `json:"deadLettered"`
	LastError    string     `json:"lastError,omitempty"`
	LastDelivery *time.Time `json:"lastDelivery,omitempty"`
}

type outcome int

const (
	delivered outcome = iota
	rejected
	transient
)

// Agent is the single delivery loop of an edge device
type Agent struct {
	cfg       Config
	store     Store
	transport Transport
	log       *zap.Logger

	state atomic.Value
	wake  chan struct{}

	delivered    atomic.Uint64
	failures     atomic.Uint64
	rejections   atomic.Uint64
	deadLettered atomic.Uint64

	mu           sync.RWMutex
	lastError    string
	lastDelivery *time.Time

	// swapped in tests
	localIP   func() (string, error)
	reachable func(ctx context.Context, target string, timeout time.Duration) error
}

// NewAgent creates an agent delivering store's entries over transport
func NewAgent(cfg Config, store Store, transport Transport, log *zap.Logger) *Agent {
	cfg.applyDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	a := &Agent{
		cfg:       cfg,
		store:     store,
		transport: transport,
		log:       log.Named("delivery").With(zap.String("camera_id", cfg.CameraID)),
		wake:      make(chan struct{}, 1),
		localIP:   LocalIPv4,
		reachable: checkReachable,
	}
	a.state.Store(StateDisconnected)
	return a
}

// State returns the current connection state
func (a *Agent) State() State {
	return a.state.Load().(State)
}

func (a *Agent) setState(s State) {
	prev := a.state.Swap(s).(State)
	if prev == s {
		return
	}
	if s == StateConnected || s == StateDraining {
		metrics.DeliveryConnected.Set(1)
	} else {
		metrics.DeliveryConnected.Set(0)
	}
	a.log.Info("state changed", zap.String("from", string(prev)), zap.String("to", string(s)))
}

// Notify wakes an idle agent; producers call it after appending
func (a *Agent) Notify() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// Stats returns counters and the current state
func (a *Agent) Stats() Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return Stats{
		State:        a.State(),
		Delivered:    a.delivered.Load(),
		Failures:     a.failures.Load(),
		Rejections:   a.rejections.Load(),
		DeadLettered: a.deadLettered.Load(),
		LastError:    a.lastError,
		LastDelivery: a.lastDelivery,
	}
}

// Preflight checks for a usable local address and a reachable server
func (a *Agent) Preflight(ctx context.Context) error {
	ip, err := a.localIP()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPreflight, err)
	}
	if a.cfg.PreflightTarget == "" {
		return fmt.Errorf("%w: no server address configured", ErrPreflight)
	}
	if err := a.reachable(ctx, a.cfg.PreflightTarget, a.cfg.ConnectTimeout); err != nil {
		return fmt.Errorf("%w: server %s unreachable from %s: %v", ErrPreflight, a.cfg.PreflightTarget, ip, err)
	}
	if a.cfg.Registration.IPAddress == "" {
		a.cfg.Registration.IPAddress = ip
	}
	a.log.Info("preflight passed", zap.String("local_ip", ip), zap.String("server", a.cfg.PreflightTarget))
	return nil
}

// Run delivers entries until ctx is cancelled. It returns ErrPreflight
// without retrying when the preflight check fails.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.Preflight(ctx); err != nil {
		a.log.Error("aborting delivery", zap.Error(err))
		return err
	}
	defer func() {
		a.transport.Close()
		a.setState(StateDisconnected)
	}()

	bo := a.newBackOff()
	for {
		if ctx.Err() != nil {
			return nil
		}

		if !a.transport.IsConnected() {
			if !a.connect(ctx) {
				if !a.sleep(ctx, bo.NextBackOff()) {
					return nil
				}
				continue
			}
			bo.Reset()
		}

		entries, err := a.store.Pending(ctx, a.cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			a.log.Error("failed to read outbox", zap.Error(err))
			if !a.sleep(ctx, a.cfg.PollInterval) {
				return nil
			}
			continue
		}
		if len(entries) == 0 {
			a.setState(StateConnected)
			a.idle(ctx)
			continue
		}

		a.setState(StateDraining)
		for _, entry := range entries {
			if ctx.Err() != nil {
				return nil
			}
			if a.deliver(entry) == transient {
				if !a.sleep(ctx, bo.NextBackOff()) {
					return nil
				}
				// refetch so the same entry is retried first
				break
			}
			bo.Reset()
		}
	}
}

func (a *Agent) connect(ctx context.Context) bool {
	a.setState(StateConnecting)
	if err := a.transport.Connect(ctx); err != nil {
		a.recordError(err.Error())
		a.log.Warn("connect failed", zap.Error(err))
		a.setState(StateDisconnected)
		return false
	}
	a.setState(StateConnected)
	a.register()
	return true
}

// register announces the camera; events still upsert it if this fails
func (a *Agent) register() {
	body, err := json.Marshal(a.cfg.Registration)
	if err != nil {
		a.log.Error("failed to marshal registration", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.RequestTimeout)
	defer cancel()

	reply, err := a.transport.Request(ctx, protocol.RegisterSubject(a.cfg.CameraID), body)
	if err != nil {
		a.log.Warn("registration failed", zap.Error(err))
		return
	}
	if ack := protocol.DecodeAck(reply); !ack.OK() {
		a.log.Warn("registration rejected", zap.String("code", ack.Code), zap.String("message", ack.Message))
		return
	}
	a.log.Info("camera registered")
}

// deliver sends one entry. The request runs on its own timeout so a
// cancelled Run still waits for the in-flight acknowledgement.
func (a *Agent) deliver(entry outbox.Entry) outcome {
	reqCtx, cancel := context.WithTimeout(context.Background(), a.cfg.RequestTimeout)
	defer cancel()
	ctx := context.Background()
	log := a.log.With(zap.String("local_id", entry.LocalID), zap.String("kind", entry.Kind))

	start := time.Now()
	reply, err := a.transport.Request(reqCtx, protocol.IngestSubject(a.cfg.CameraID), entry.Payload)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("no acknowledgement within %s: %w", a.cfg.RequestTimeout, err)
		}
		return a.fail(ctx, log, entry, err.Error())
	}
	metrics.DeliveryLatency.Observe(time.Since(start).Seconds())

	ack := protocol.DecodeAck(reply)
	switch {
	case ack.OK():
		if err := a.store.MarkSent(ctx, entry.LocalID); err != nil {
			// the server deduplicates the resend
			log.Error("failed to mark entry sent", zap.Error(err))
			return a.fail(ctx, log, entry, err.Error())
		}
		now := time.Now()
		a.delivered.Add(1)
		a.mu.Lock()
		a.lastDelivery = &now
		a.mu.Unlock()
		metrics.DeliveryAttempts.WithLabelValues(metrics.ResultSuccess).Inc()
		log.Debug("entry delivered", zap.Bool("duplicate", ack.Duplicate))
		return delivered

	case ack.Permanent():
		a.rejections.Add(1)
		a.recordError(ack.Message)
		metrics.DeliveryAttempts.WithLabelValues(metrics.ResultRejected).Inc()
		dead, err := a.store.RecordRejection(ctx, entry.LocalID, ack.Message, a.cfg.MaxRejections)
		if err != nil {
			log.Error("failed to record rejection", zap.Error(err))
			return transient
		}
		log.Warn("entry rejected by server", zap.String("reason", ack.Message), zap.Bool("dead_lettered", dead))
		if !dead {
			// retried in place until dead-lettered; later entries wait
			return transient
		}
		a.deadLettered.Add(1)
		return rejected

	default:
		return a.fail(ctx, log, entry, fmt.Sprintf("server error (%s): %s", ack.Code, ack.Message))
	}
}

func (a *Agent) fail(ctx context.Context, log *zap.Logger, entry outbox.Entry, reason string) outcome {
	a.failures.Add(1)
	a.recordError(reason)
	metrics.DeliveryAttempts.WithLabelValues(metrics.ResultTransient).Inc()
	if err := a.store.RecordFailure(ctx, entry.LocalID, reason); err != nil {
		log.Error("failed to record delivery failure", zap.Error(err))
	}
	log.Warn("delivery failed, will retry", zap.String("reason", reason), zap.Int("attempts", entry.Attempts+1))
	return transient
}

func (a *Agent) recordError(msg string) {
	a.mu.Lock()
	a.lastError = msg
	a.mu.Unlock()
}

func (a *Agent) idle(ctx context.Context) {
	timer := time.NewTimer(a.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-a.wake:
	case <-timer.C:
	}
}

// sleep waits for d and reports false if ctx was cancelled first
func (a *Agent) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (a *Agent) newBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = a.cfg.InitialBackoff
	bo.MaxInterval = a.cfg.MaxBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.2
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}
