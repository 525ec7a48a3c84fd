package delivery

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/irisdrone/checkpoint/internal/blacklist"
	"github.com/irisdrone/checkpoint/internal/database/dbtest"
	"github.com/irisdrone/checkpoint/internal/ingest"
	"github.com/irisdrone/checkpoint/internal/models"
	"github.com/irisdrone/checkpoint/internal/natsserver"
	"github.com/irisdrone/checkpoint/internal/outbox"
	"github.com/irisdrone/checkpoint/internal/protocol"
	"github.com/irisdrone/checkpoint/internal/query"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// startPipeline runs a real ingestion server over an embedded NATS broker
func startPipeline(t *testing.T) (*natsserver.EmbeddedNATS, *gorm.DB, *blacklist.Repository) {
	t.Helper()
	ns, err := natsserver.New(natsserver.Config{Host: "127.0.0.1", Port: -1}, nil)
	require.NoError(t, err)
	t.Cleanup(ns.Shutdown)

	db := dbtest.New(t)
	bl := blacklist.NewRepository(db, nil)

	srv := ingest.NewServer(ns.Conn(), ingest.NewService(db, bl, nil, nil), ingest.DefaultServerConfig(), nil)
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return ns, db, bl
}

func startAgent(t *testing.T, ns *natsserver.EmbeddedNATS, box *outbox.Outbox) *Agent {
	t.Helper()
	tr := NewNATSTransport(ns.ClientURL(), "edge-CAM01", 2*time.Second, nil)
	a := newTestAgent(box, tr, 20*time.Millisecond)
	box.SetNotifier(a.Notify)
	runAgent(t, a)
	return a
}

func waitSent(t *testing.T, box *outbox.Outbox, ids ...string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, id := range ids {
			if entryState(t, box, id) != outbox.StateSent {
				return false
			}
		}
		return true
	}, 10*time.Second, 20*time.Millisecond)
}

func TestEndToEnd_OutboxToServer(t *testing.T) {
	ctx := context.Background()
	ns, db, bl := startPipeline(t)
	require.NoError(t, bl.Create(ctx, &models.BlacklistEntry{PlateText: "1กข2345", Reason: "stolen"}))

	box := newTestOutbox(t)
	good := []string{
		appendDetection(t, box, "1กข2345"),
		appendDetection(t, box, "ABC123"),
	}
	bad, err := box.Append(ctx, protocol.TableDetection, &protocol.DetectionEvent{
		CameraID:    "CAM01",
		PlateNumber: "XYZ9",
		Confidence:  150,
		Timestamp:   time.Now().UTC(),
	})
	require.NoError(t, err)
	healthID, err := box.Append(ctx, protocol.TableHealth, &protocol.HealthEvent{
		CameraID:  "CAM01",
		Component: models.ComponentCamera,
		Status:    string(models.HealthPass),
		Timestamp: time.Now().UTC(),
	})
	require.NoError(t, err)

	a := startAgent(t, ns, box)

	waitSent(t, box, append(good, healthID)...)
	require.Eventually(t, func() bool {
		return entryState(t, box, bad) == outbox.StateDeadLetter
	}, 10*time.Second, 20*time.Millisecond)

	// a late event is picked up after the producer nudge
	late := appendDetection(t, box, "LATE1")
	waitSent(t, box, late)

	var records []models.DetectionRecord
	require.NoError(t, db.Order("id ASC").Find(&records).Error)
	require.Len(t, records, 3)
	assert.Equal(t, good[0], records[0].ClientEventID)
	assert.True(t, records[0].IsBlacklisted)
	assert.False(t, records[1].IsBlacklisted)

	var cam models.Camera
	require.NoError(t, db.Take(&cam, "camera_id = ?", "CAM01").Error)
	assert.Equal(t, models.CameraActive, cam.Status)
	require.NotNil(t, cam.IPAddress)
	assert.Equal(t, "10.0.0.2", *cam.IPAddress)

	var samples int64
	require.NoError(t, db.Model(&models.HealthSample{}).Where("client_event_id = ?", healthID).Count(&samples).Error)
	assert.Equal(t, int64(1), samples)

	// redelivering an acknowledged entry is answered from the stored record
	entry, err := box.Get(ctx, good[1])
	require.NoError(t, err)
	msg, err := ns.Conn().Request(protocol.IngestSubject("CAM01"), entry.Payload, 2*time.Second)
	require.NoError(t, err)
	var ack protocol.Ack
	require.NoError(t, json.Unmarshal(msg.Data, &ack))
	assert.True(t, ack.OK())
	assert.True(t, ack.Duplicate)
	require.NotNil(t, ack.RecordID)
	assert.Equal(t, records[1].ID, *ack.RecordID)

	var total int64
	require.NoError(t, db.Model(&models.DetectionRecord{}).Count(&total).Error)
	assert.Equal(t, int64(3), total)

	stats := a.Stats()
	assert.Equal(t, uint64(1), stats.DeadLettered)
	assert.GreaterOrEqual(t, stats.Delivered, uint64(4))
}

func TestEndToEnd_BlacklistAddedBetweenDetections(t *testing.T) {
	ctx := context.Background()
	ns, db, bl := startPipeline(t)
	facade := query.NewFacade(db, bl, query.Options{}, nil)

	box := newTestOutbox(t)
	startAgent(t, ns, box)

	first := appendDetection(t, box, "1กข2345")
	waitSent(t, box, first)

	res, err := facade.Records(ctx, query.RecordFilter{CameraID: "CAM01"}, query.Page{})
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, "1กข2345", res.Records[0].PlateNumber)
	assert.Equal(t, 91.2, res.Records[0].Confidence)
	assert.False(t, res.Records[0].IsBlacklisted)

	require.NoError(t, bl.Create(ctx, &models.BlacklistEntry{PlateText: "1กข2345", Reason: "wanted"}))
	second := appendDetection(t, box, "1กข2345")
	waitSent(t, box, second)

	yes := true
	flagged, err := facade.Records(ctx, query.RecordFilter{CameraID: "CAM01", Blacklisted: &yes}, query.Page{})
	require.NoError(t, err)
	require.Len(t, flagged.Records, 1)
	assert.Equal(t, second, flagged.Records[0].ClientEventID)
	require.NotNil(t, flagged.Records[0].BlacklistReason)
	assert.Equal(t, "wanted", *flagged.Records[0].BlacklistReason)
}
