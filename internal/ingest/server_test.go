package ingest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/irisdrone/checkpoint/internal/natsserver"
	"github.com/irisdrone/checkpoint/internal/protocol"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedIngester records the order envelopes arrive in per camera
type scriptedIngester struct {
	mu      sync.Mutex
	seen    map[string][]int
	handler func(camera string, seq int) protocol.Ack
}

type seqPayload struct {
	CameraID string `json:"camera_id"`
	Seq      int    `json:"seq"`
}

func (s *scriptedIngester) Ingest(_ context.Context, env protocol.Envelope) protocol.Ack {
	var p seqPayload
	_ = json.Unmarshal(env.Data, &p)
	s.mu.Lock()
	s.seen[p.CameraID] = append(s.seen[p.CameraID], p.Seq)
	s.mu.Unlock()
	if s.handler != nil {
		return s.handler(p.CameraID, p.Seq)
	}
	return protocol.Success("ok")
}

func (s *scriptedIngester) count(camera string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen[camera])
}

func startServer(t *testing.T, ing Ingester, cfg ServerConfig) (*Server, *nats.Conn) {
	t.Helper()
	ns, err := natsserver.New(natsserver.Config{Host: "127.0.0.1", Port: -1}, nil)
	require.NoError(t, err)
	t.Cleanup(ns.Shutdown)

	srv := NewServer(ns.Conn(), ing, cfg, nil)
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	client, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return srv, client
}

func envelope(t *testing.T, camera string, seq int) []byte {
	t.Helper()
	env, err := protocol.NewEnvelope(protocol.TableDetection, seqPayload{CameraID: camera, Seq: seq})
	require.NoError(t, err)
	data, err := json.Marshal(env)
	require.NoError(t, err)
	return data
}

func request(t *testing.T, nc *nats.Conn, subject string, data []byte) protocol.Ack {
	t.Helper()
	msg, err := nc.Request(subject, data, 5*time.Second)
	require.NoError(t, err)
	return protocol.DecodeAck(msg.Data)
}

func TestServer_PerCameraOrder(t *testing.T) {
	ing := &scriptedIngester{seen: map[string][]int{}}
	srv, nc := startServer(t, ing, ServerConfig{QueueSize: 128})

	inbox := nats.NewInbox()
	var replies sync.WaitGroup
	replies.Add(40)
	sub, err := nc.Subscribe(inbox, func(*nats.Msg) { replies.Done() })
	require.NoError(t, err)
	defer sub.Unsubscribe()

	for i := 0; i < 20; i++ {
		require.NoError(t, nc.PublishRequest(protocol.IngestSubject("CAM01"), inbox, envelope(t, "CAM01", i)))
		require.NoError(t, nc.PublishRequest(protocol.IngestSubject("CAM02"), inbox, envelope(t, "CAM02", i)))
	}
	require.NoError(t, nc.Flush())
	replies.Wait()

	ing.mu.Lock()
	defer ing.mu.Unlock()
	for _, cam := range []string{"CAM01", "CAM02"} {
		require.Len(t, ing.seen[cam], 20)
		for i, seq := range ing.seen[cam] {
			assert.Equal(t, i, seq, "camera %s", cam)
		}
	}
	assert.Equal(t, 2, srv.Workers())
}

func TestServer_PanicIsIsolated(t *testing.T) {
	ing := &scriptedIngester{seen: map[string][]int{}}
	ing.handler = func(camera string, seq int) protocol.Ack {
		if camera == "CAM_BAD" {
			panic("boom")
		}
		return protocol.Success("ok")
	}
	_, nc := startServer(t, ing, ServerConfig{})

	bad := request(t, nc, protocol.IngestSubject("CAM_BAD"), envelope(t, "CAM_BAD", 1))
	assert.False(t, bad.OK())
	assert.Equal(t, protocol.CodeInternal, bad.Code)
	assert.False(t, bad.Permanent())

	good := request(t, nc, protocol.IngestSubject("CAM01"), envelope(t, "CAM01", 1))
	assert.True(t, good.OK())

	// the panicking worker keeps serving its camera
	again := request(t, nc, protocol.IngestSubject("CAM_BAD"), envelope(t, "CAM_BAD", 2))
	assert.Equal(t, protocol.CodeInternal, again.Code)
	assert.Equal(t, 2, ing.count("CAM_BAD"))
}

func TestServer_BusyWhenQueueFull(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	ing := &scriptedIngester{seen: map[string][]int{}}
	ing.handler = func(camera string, seq int) protocol.Ack {
		if camera == "CAM01" && seq == 1 {
			started <- struct{}{}
			<-release
		}
		return protocol.Success("ok")
	}
	_, nc := startServer(t, ing, ServerConfig{QueueSize: 1})
	defer close(release)

	inbox := nats.NewInbox()
	sub, err := nc.SubscribeSync(inbox)
	require.NoError(t, err)

	require.NoError(t, nc.PublishRequest(protocol.IngestSubject("CAM01"), inbox, envelope(t, "CAM01", 1)))
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never started")
	}
	require.NoError(t, nc.PublishRequest(protocol.IngestSubject("CAM01"), inbox, envelope(t, "CAM01", 2)))

	busy := request(t, nc, protocol.IngestSubject("CAM01"), envelope(t, "CAM01", 3))
	assert.Equal(t, protocol.CodeBusy, busy.Code)
	assert.False(t, busy.Permanent())

	// other cameras are unaffected
	other := request(t, nc, protocol.IngestSubject("CAM02"), envelope(t, "CAM02", 1))
	assert.True(t, other.OK())

	release <- struct{}{}
	for i := 0; i < 2; i++ {
		msg, err := sub.NextMsg(5 * time.Second)
		require.NoError(t, err)
		assert.True(t, protocol.DecodeAck(msg.Data).OK())
	}
}

func TestServer_RejectsMismatchedCamera(t *testing.T) {
	ing := &scriptedIngester{seen: map[string][]int{}}
	_, nc := startServer(t, ing, ServerConfig{})

	ack := request(t, nc, protocol.IngestSubject("CAM01"), envelope(t, "CAM02", 1))
	assert.True(t, ack.Permanent())

	ack = request(t, nc, protocol.IngestSubject("CAM01"), []byte("not json"))
	assert.True(t, ack.Permanent())
	assert.Zero(t, ing.count("CAM01"))
	assert.Zero(t, ing.count("CAM02"))
}

func TestServer_Registration(t *testing.T) {
	var tables []string
	var mu sync.Mutex
	_, nc := startServer(t, ingesterFunc(func(_ context.Context, env protocol.Envelope) protocol.Ack {
		mu.Lock()
		tables = append(tables, env.Table)
		mu.Unlock()
		return protocol.Success("registered")
	}), ServerConfig{})

	body, err := json.Marshal(protocol.Registration{CameraID: "CAM01", IPAddress: "10.0.0.5"})
	require.NoError(t, err)
	ack := request(t, nc, protocol.RegisterSubject("CAM01"), body)
	assert.True(t, ack.OK())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{protocol.TableRegistration}, tables)
}

func TestServer_ShutdownStopsIntake(t *testing.T) {
	ing := &scriptedIngester{seen: map[string][]int{}}
	srv, nc := startServer(t, ing, ServerConfig{})

	require.True(t, request(t, nc, protocol.IngestSubject("CAM01"), envelope(t, "CAM01", 1)).OK())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	_, err := nc.Request(protocol.IngestSubject("CAM01"), envelope(t, "CAM01", 2), 500*time.Millisecond)
	assert.Error(t, err)
}

type ingesterFunc func(ctx context.Context, env protocol.Envelope) protocol.Ack

func (f ingesterFunc) Ingest(ctx context.Context, env protocol.Envelope) protocol.Ack {
	return f(ctx, env)
}
