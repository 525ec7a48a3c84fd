package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubjects(t *testing.T) {
	assert.Equal(t, "lpr.ingest.CAM01", IngestSubject("CAM01"))
	assert.Equal(t, "lpr.register.CAM01", RegisterSubject("CAM01"))
	assert.Equal(t, "CAM01", CameraFromSubject("lpr.ingest.CAM01"))
	assert.Equal(t, "", CameraFromSubject("nodots"))

	assert.True(t, ValidCameraID("gate-2_north"))
	assert.False(t, ValidCameraID("cam.01"))
	assert.False(t, ValidCameraID(""))
}

func TestDecodeEnvelope(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"table":"lpr_detection","data":{}}`))
	require.NoError(t, err)
	assert.Equal(t, ActionInsert, env.Action)

	for _, raw := range []string{
		`not json`,
		`{"action":"insert","data":{}}`,
		`{"table":"lpr_detection","action":"delete","data":{}}`,
	} {
		_, err := DecodeEnvelope([]byte(raw))
		assert.ErrorIs(t, err, ErrValidation, raw)
	}
}

func TestDetectionEvent_Validate(t *testing.T) {
	valid := func() DetectionEvent {
		return DetectionEvent{
			ClientEventID: "e1",
			CameraID:      "CAM01",
			PlateNumber:   " 1กข2345 ",
			Confidence:    91.2,
			Timestamp:     time.Now().UTC(),
		}
	}

	ev := valid()
	require.NoError(t, ev.Validate())
	assert.Equal(t, "1กข2345", ev.PlateNumber)

	cases := map[string]func(*DetectionEvent){
		"blank plate":     func(e *DetectionEvent) { e.PlateNumber = "   " },
		"confidence":      func(e *DetectionEvent) { e.Confidence = 100.5 },
		"camera id":       func(e *DetectionEvent) { e.CameraID = "a b" },
		"missing id":      func(e *DetectionEvent) { e.ClientEventID = "" },
		"zero timestamp":  func(e *DetectionEvent) { e.Timestamp = time.Time{} },
		"latitude bounds": func(e *DetectionEvent) { lat := 91.0; e.LocationLat = &lat },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			ev := valid()
			mutate(&ev)
			assert.ErrorIs(t, ev.Validate(), ErrValidation)
		})
	}
}

func TestHealthEvent_Validate(t *testing.T) {
	ev := HealthEvent{
		ClientEventID: "h1",
		CheckpointID:  "CAM01",
		Component:     " Camera ",
		Status:        "warning",
		Timestamp:     time.Now().UTC(),
	}
	require.NoError(t, ev.Validate())
	assert.Equal(t, "camera", ev.Component)
	assert.Equal(t, "WARNING", ev.Status)
	assert.Equal(t, "CAM01", ev.Checkpoint())

	ev.Status = "DEGRADED"
	assert.ErrorIs(t, ev.Validate(), ErrValidation)

	ev.Status = "PASS"
	ev.CheckpointID = ""
	assert.ErrorIs(t, ev.Validate(), ErrValidation)
}

func TestRegistration_Validate(t *testing.T) {
	r := Registration{CameraID: "CAM01", IPAddress: "10.0.0.2", Port: 8080}
	require.NoError(t, r.Validate())

	r.IPAddress = "not-an-ip"
	assert.ErrorIs(t, r.Validate(), ErrValidation)
}

func TestAck(t *testing.T) {
	assert.True(t, Success("ok").OK())
	assert.True(t, Failure(CodeValidation, "bad").Permanent())
	assert.False(t, Failure(CodeBusy, "full").Permanent())
	assert.False(t, Failure(CodeStorage, "db down").Permanent())

	ack := DecodeAck([]byte("garbage"))
	assert.False(t, ack.OK())
	assert.Equal(t, CodeInternal, ack.Code)

	ack = DecodeAck([]byte(`{"status":"success","message":"stored","record_id":5,"duplicate":true}`))
	require.True(t, ack.OK())
	require.NotNil(t, ack.RecordID)
	assert.Equal(t, int64(5), *ack.RecordID)
	assert.True(t, ack.Duplicate)
}
