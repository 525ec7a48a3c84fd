package outbox

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/irisdrone/checkpoint/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestOutbox(t *testing.T) (*Outbox, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "outbox.db")
	box, err := Open(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = box.Close() })
	return box, path
}

func detection(plate string) *protocol.DetectionEvent {
	return &protocol.DetectionEvent{
		CameraID:    "CAM01",
		PlateNumber: plate,
		Confidence:  91.2,
		Timestamp:   time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestAppend_AssignsClientEventID(t *testing.T) {
	box, _ := openTestOutbox(t)
	ctx := context.Background()

	ev := detection("1กข2345")
	id, err := box.Append(ctx, protocol.TableDetection, ev)
	require.NoError(t, err)
	assert.Equal(t, id, ev.ClientEventID)

	entry, err := box.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatePending, entry.State)

	env, err := entry.Envelope()
	require.NoError(t, err)
	assert.Equal(t, protocol.TableDetection, env.Table)
	assert.Equal(t, protocol.ActionInsert, env.Action)

	var decoded protocol.DetectionEvent
	require.NoError(t, json.Unmarshal(env.Data, &decoded))
	assert.Equal(t, id, decoded.ClientEventID)
	assert.Equal(t, "1กข2345", decoded.PlateNumber)
}

func TestAppend_FiresNotifier(t *testing.T) {
	box, _ := openTestOutbox(t)
	calls := 0
	box.SetNotifier(func() { calls++ })

	_, err := box.Append(context.Background(), protocol.TableDetection, detection("A1"))
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestPending_SurvivesReopenInOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.db")
	ctx := context.Background()

	box, err := Open(path, nil)
	require.NoError(t, err)
	var ids []string
	for _, plate := range []string{"A1", "B2", "C3"} {
		id, err := box.Append(ctx, protocol.TableDetection, detection(plate))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.NoError(t, box.MarkSent(ctx, ids[1]))
	require.NoError(t, box.Close())

	reopened, err := Open(path, nil)
	require.NoError(t, err)
	defer reopened.Close()

	pending, err := reopened.Pending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, ids[0], pending[0].LocalID)
	assert.Equal(t, ids[2], pending[1].LocalID)
}

func TestPending_RespectsLimit(t *testing.T) {
	box, _ := openTestOutbox(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := box.Append(ctx, protocol.TableDetection, detection("A1"))
		require.NoError(t, err)
	}
	pending, err := box.Pending(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestMarkSent_Idempotent(t *testing.T) {
	box, _ := openTestOutbox(t)
	ctx := context.Background()

	id, err := box.Append(ctx, protocol.TableDetection, detection("A1"))
	require.NoError(t, err)

	require.NoError(t, box.MarkSent(ctx, id))
	first, err := box.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, first.SentAt)

	require.NoError(t, box.MarkSent(ctx, id))
	second, err := box.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateSent, second.State)
	assert.True(t, first.SentAt.Equal(*second.SentAt))

	assert.ErrorIs(t, box.MarkSent(ctx, "missing"), ErrNotFound)
}

func TestRecordFailure_KeepsPending(t *testing.T) {
	box, _ := openTestOutbox(t)
	ctx := context.Background()

	id, err := box.Append(ctx, protocol.TableDetection, detection("A1"))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, box.RecordFailure(ctx, id, "timeout"))
	}

	entry, err := box.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatePending, entry.State)
	assert.Equal(t, 3, entry.Attempts)
	assert.Equal(t, "timeout", entry.LastError)
}

func TestRecordRejection_DeadLettersAfterMax(t *testing.T) {
	box, _ := openTestOutbox(t)
	ctx := context.Background()

	id, err := box.Append(ctx, protocol.TableDetection, detection("A1"))
	require.NoError(t, err)

	dead, err := box.RecordRejection(ctx, id, "confidence out of range", 2)
	require.NoError(t, err)
	assert.False(t, dead)

	dead, err = box.RecordRejection(ctx, id, "confidence out of range", 2)
	require.NoError(t, err)
	assert.True(t, dead)

	pending, err := box.Pending(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)

	letters, err := box.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, 2, letters[0].Rejections)

	_, err = box.RecordRejection(ctx, id, "again", 2)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRequeue(t *testing.T) {
	box, _ := openTestOutbox(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := box.Append(ctx, protocol.TableDetection, detection("A1"))
		require.NoError(t, err)
		_, err = box.RecordRejection(ctx, id, "bad", 1)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	require.NoError(t, box.Requeue(ctx, ids[0]))
	assert.ErrorIs(t, box.Requeue(ctx, ids[0]), ErrNotFound)

	entry, err := box.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, StatePending, entry.State)
	assert.Equal(t, 0, entry.Rejections)
	assert.Empty(t, entry.LastError)

	n, err := box.RequeueAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	stats, err := box.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Pending)
	assert.Equal(t, int64(0), stats.DeadLetter)
	assert.NotNil(t, stats.OldestPending)
}

func TestGC_OnlyRemovesOldSentEntries(t *testing.T) {
	box, _ := openTestOutbox(t)
	ctx := context.Background()

	oldSent, err := box.Append(ctx, protocol.TableDetection, detection("OLD"))
	require.NoError(t, err)
	require.NoError(t, box.MarkSent(ctx, oldSent))
	past := time.Now().UTC().Add(-48 * time.Hour)
	require.NoError(t, box.db.Model(&Entry{}).Where("local_id = ?", oldSent).Update("sent_at", past).Error)

	freshSent, err := box.Append(ctx, protocol.TableDetection, detection("NEW"))
	require.NoError(t, err)
	require.NoError(t, box.MarkSent(ctx, freshSent))

	pending, err := box.Append(ctx, protocol.TableDetection, detection("PEND"))
	require.NoError(t, err)
	require.NoError(t, box.db.Model(&Entry{}).Where("local_id = ?", pending).Update("created_at", past).Error)

	dead, err := box.Append(ctx, protocol.TableDetection, detection("DEAD"))
	require.NoError(t, err)
	_, err = box.RecordRejection(ctx, dead, "bad", 1)
	require.NoError(t, err)
	require.NoError(t, box.db.Model(&Entry{}).Where("local_id = ?", dead).Update("updated_at", past).Error)

	removed, err := box.GC(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, err = box.Get(ctx, oldSent)
	assert.ErrorIs(t, err, ErrNotFound)
	for _, id := range []string{freshSent, pending, dead} {
		_, err := box.Get(ctx, id)
		assert.NoError(t, err, id)
	}
}
