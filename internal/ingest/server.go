package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/irisdrone/checkpoint/internal/metrics"
	"github.com/irisdrone/checkpoint/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// ServerConfig tunes the per-camera workers
type ServerConfig struct {
	// QueueSize bounds each camera's backlog; a full queue answers busy
	QueueSize int
	// HandleTimeout bounds one ingestion
	HandleTimeout time.Duration
}

// DefaultServerConfig returns sensible defaults
func DefaultServerConfig() ServerConfig {
	return ServerConfig{QueueSize: 64, HandleTimeout: 10 * time.Second}
}

// replier answers one request; *nats.Msg implements it
type replier interface {
	Respond(data []byte) error
}

type job struct {
	env      protocol.Envelope
	reply    replier
	received time.Time
}

type worker struct {
	cameraID string
	jobs     chan job
}

// Server subscribes to the ingest and register subjects and routes every
// message to its camera's worker. Each worker handles its camera in order.
type Server struct {
	conn     *nats.Conn
	ingester Ingester
	cfg      ServerConfig
	log      *zap.Logger

	mu      sync.Mutex
	workers map[string]*worker
	closed  bool
	subs    []*nats.Subscription
	wg      sync.WaitGroup
}

// NewServer creates an ingestion server on conn
func NewServer(conn *nats.Conn, ingester Ingester, cfg ServerConfig, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	def := DefaultServerConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.HandleTimeout <= 0 {
		cfg.HandleTimeout = def.HandleTimeout
	}
	return &Server{
		conn:     conn,
		ingester: ingester,
		cfg:      cfg,
		log:      log.Named("ingest-server"),
		workers:  make(map[string]*worker),
	}
}

// Start subscribes to lpr.ingest.* and lpr.register.*
func (s *Server) Start() error {
	ingestSub, err := s.conn.Subscribe(protocol.IngestWildcard, func(msg *nats.Msg) {
		camera := protocol.CameraFromSubject(msg.Subject)
		env, err := protocol.DecodeEnvelope(msg.Data)
		if err != nil {
			s.respond(msg, camera, protocol.Failure(protocol.CodeValidation, err.Error()))
			return
		}
		s.dispatch(camera, env, msg)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", protocol.IngestWildcard, err)
	}

	registerSub, err := s.conn.Subscribe(protocol.RegisterWildcard, func(msg *nats.Msg) {
		camera := protocol.CameraFromSubject(msg.Subject)
		env := protocol.Envelope{Table: protocol.TableRegistration, Action: protocol.ActionInsert, Data: msg.Data}
		s.dispatch(camera, env, msg)
	})
	if err != nil {
		ingestSub.Unsubscribe()
		return fmt.Errorf("failed to subscribe to %s: %w", protocol.RegisterWildcard, err)
	}

	s.mu.Lock()
	s.subs = append(s.subs, ingestSub, registerSub)
	s.mu.Unlock()

	if err := s.conn.Flush(); err != nil {
		return fmt.Errorf("failed to flush subscriptions: %w", err)
	}
	s.log.Info("ingestion server listening",
		zap.String("ingest", protocol.IngestWildcard),
		zap.String("register", protocol.RegisterWildcard),
		zap.Int("queue_size", s.cfg.QueueSize))
	return nil
}

// dispatch hands a message to its camera's worker without blocking the
// subscription, answering busy when the worker is backed up
func (s *Server) dispatch(camera string, env protocol.Envelope, reply replier) {
	if !protocol.ValidCameraID(camera) {
		s.respond(reply, camera, protocol.Failure(protocol.CodeValidation, fmt.Sprintf("invalid camera id in subject: %q", camera)))
		return
	}
	if owner := payloadCamera(env); owner != "" && owner != camera {
		s.respond(reply, camera, protocol.Failure(protocol.CodeValidation,
			fmt.Sprintf("payload camera %q does not match subject camera %q", owner, camera)))
		return
	}

	w := s.worker(camera)
	if w == nil {
		s.respond(reply, camera, protocol.Failure(protocol.CodeBusy, "server shutting down"))
		return
	}
	select {
	case w.jobs <- job{env: env, reply: reply, received: time.Now()}:
	default:
		metrics.IngestTotal.WithLabelValues(tableLabel(env.Table), metrics.ResultTransient).Inc()
		s.log.Warn("camera queue full", zap.String("camera_id", camera), zap.Int("queue_size", s.cfg.QueueSize))
		s.respond(reply, camera, protocol.Failure(protocol.CodeBusy, "camera queue full, retry later"))
	}
}

// payloadCamera reads the camera the payload claims to come from
func payloadCamera(env protocol.Envelope) string {
	var ids struct {
		CameraID     string `json:"camera_id"`
		CheckpointID string `json:"checkpoint_id"`
	}
	if err := json.Unmarshal(env.Data, &ids); err != nil {
		return ""
	}
	if ids.CameraID != "" {
		return ids.CameraID
	}
	return ids.CheckpointID
}

func (s *Server) worker(camera string) *worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if w, ok := s.workers[camera]; ok {
		return w
	}
	w := &worker{cameraID: camera, jobs: make(chan job, s.cfg.QueueSize)}
	s.workers[camera] = w
	s.wg.Add(1)
	metrics.CameraWorkers.Inc()
	go s.runWorker(w)
	s.log.Info("camera worker started", zap.String("camera_id", camera))
	return w
}

func (s *Server) runWorker(w *worker) {
	defer func() {
		metrics.CameraWorkers.Dec()
		s.wg.Done()
	}()
	for j := range w.jobs {
		ack := s.handle(w.cameraID, j)
		s.respond(j.reply, w.cameraID, ack)
	}
}

// handle runs one ingestion, turning a panic into an internal error ack
func (s *Server) handle(camera string, j job) (ack protocol.Ack) {
	defer func() {
		if r := recover(); r != nil {
			metrics.WorkerPanics.Inc()
			s.log.Error("camera worker recovered from panic",
				zap.String("camera_id", camera),
				zap.String("table", j.env.Table),
				zap.Duration("queued", time.Since(j.received)),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			ack = protocol.Failure(protocol.CodeInternal, "internal error")
		}
	}()

	// in-progress ingestions finish even after Shutdown starts
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HandleTimeout)
	defer cancel()
	return s.ingester.Ingest(ctx, j.env)
}

func (s *Server) respond(reply replier, camera string, ack protocol.Ack) {
	if reply == nil {
		return
	}
	data, err := json.Marshal(ack)
	if err != nil {
		s.log.Error("failed to encode ack", zap.String("camera_id", camera), zap.Error(err))
		return
	}
	if err := reply.Respond(data); err != nil && err != nats.ErrMsgNoReply {
		s.log.Warn("failed to send ack", zap.String("camera_id", camera), zap.Error(err))
	}
}

// Workers returns the number of camera workers
func (s *Server) Workers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

// Shutdown stops accepting messages and waits for queued ingestions to
// finish or ctx to expire
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Drain(); err != nil {
			s.log.Warn("failed to drain subscription", zap.String("subject", sub.Subject), zap.Error(err))
		}
	}
	// give in-flight callbacks a chance to enqueue before the queues close
	for _, sub := range subs {
		for sub.IsValid() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(10 * time.Millisecond):
			}
		}
	}

	s.mu.Lock()
	for _, w := range s.workers {
		close(w.jobs)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("ingestion server stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
