// Package protocol defines the event envelope exchanged between edge nodes and the central server
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Table names carried in the envelope
const (
	TableDetection    = "lpr_detection"
	TableHealth       = "health_monitor"
	TableRegistration = "camera_registration"

	ActionInsert = "insert"
)

// NATS subjects. The last token is the camera id.
const (
	IngestSubjectPrefix   = "lpr.ingest."
	RegisterSubjectPrefix = "lpr.register."
	IngestWildcard        = IngestSubjectPrefix + "*"
	RegisterWildcard      = RegisterSubjectPrefix + "*"
)

// ErrValidation marks a payload that can never be accepted as sent
var ErrValidation = errors.New("validation failed")

var cameraIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterValidation("camera_id", func(fl validator.FieldLevel) bool {
		return cameraIDPattern.MatchString(fl.Field().String())
	})
	v.RegisterValidation("health_status", func(fl validator.FieldLevel) bool {
		switch fl.Field().String() {
		case "PASS", "WARNING", "FAIL", "UNKNOWN":
			return true
		}
		return false
	})
	return v
}

// IngestSubject returns the subject a camera publishes events on
func IngestSubject(cameraID string) string {
	return IngestSubjectPrefix + cameraID
}

// RegisterSubject returns the subject a camera registers on
func RegisterSubject(cameraID string) string {
	return RegisterSubjectPrefix + cameraID
}

// CameraFromSubject extracts the camera id token from a subject
func CameraFromSubject(subject string) string {
	idx := strings.LastIndexByte(subject, '.')
	if idx < 0 {
		return ""
	}
	return subject[idx+1:]
}

// ValidCameraID reports whether id is usable as a subject token and primary key
func ValidCameraID(id string) bool {
	return cameraIDPattern.MatchString(id)
}

// Envelope wraps every event on the wire
type Envelope struct {
	Table  string          `json:"table"`
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

// NewEnvelope marshals data into an insert envelope for table
func NewEnvelope(table string, data interface{}) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", table, err)
	}
	return Envelope{Table: table, Action: ActionInsert, Data: raw}, nil
}

// DecodeEnvelope parses a wire message
func DecodeEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: invalid envelope: %v", ErrValidation, err)
	}
	if env.Table == "" {
		return Envelope{}, fmt.Errorf("%w: envelope table is required", ErrValidation)
	}
	if env.Action == "" {
		env.Action = ActionInsert
	}
	if env.Action != ActionInsert {
		return Envelope{}, fmt.Errorf("%w: unsupported action %q", ErrValidation, env.Action)
	}
	return env, nil
}

// DetectionEvent is one plate read produced by the capture/AI pipeline
type DetectionEvent struct {
	ClientEventID string    `json:"client_event_id" validate:"required,max=64"`
	CameraID      string    `json:"camera_id" validate:"required,camera_id"`
	PlateNumber   string    `json:"plate_number" validate:"required,max=32"`
	Confidence    float64   `json:"confidence" validate:"gte=0,lte=100"`
	Timestamp     time.Time `json:"timestamp"`
	ImageRef      string    `json:"image_reference,omitempty" validate:"max=512"`
	LocationLat   *float64  `json:"location_lat,omitempty" validate:"omitempty,gte=-90,lte=90"`
	LocationLon   *float64  `json:"location_lon,omitempty" validate:"omitempty,gte=-180,lte=180"`
}

// SetClientEventID stamps the id the server deduplicates on
func (e *DetectionEvent) SetClientEventID(id string) {
	e.ClientEventID = id
}

// Validate checks required fields and value ranges
func (e *DetectionEvent) Validate() error {
	e.PlateNumber = strings.TrimSpace(e.PlateNumber)
	if err := structError(validate.Struct(e)); err != nil {
		return err
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp is required", ErrValidation)
	}
	return nil
}

// HealthEvent is one component observation from a checkpoint
type HealthEvent struct {
	ClientEventID string                 `json:"client_event_id" validate:"required,max=64"`
	CameraID      string                 `json:"camera_id,omitempty"`
	CheckpointID  string                 `json:"checkpoint_id,omitempty"`
	Component     string                 `json:"component" validate:"required,max=32"`
	Status        string                 `json:"status" validate:"required,health_status"`
	Details       map[string]interface{} `json:"details,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
}

// SetClientEventID stamps the id the server deduplicates on
func (e *HealthEvent) SetClientEventID(id string) {
	e.ClientEventID = id
}

// Checkpoint returns the reporting checkpoint, accepting either id field
func (e *HealthEvent) Checkpoint() string {
	if e.CameraID != "" {
		return e.CameraID
	}
	return e.CheckpointID
}

// Validate checks required fields and value ranges
func (e *HealthEvent) Validate() error {
	e.Component = strings.ToLower(strings.TrimSpace(e.Component))
	e.Status = strings.ToUpper(strings.TrimSpace(e.Status))
	if err := structError(validate.Struct(e)); err != nil {
		return err
	}
	if !ValidCameraID(e.Checkpoint()) {
		return fmt.Errorf("%w: camera_id or checkpoint_id is required", ErrValidation)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp is required", ErrValidation)
	}
	return nil
}

// Registration announces a camera and its network address
type Registration struct {
	CameraID  string `json:"camera_id" validate:"required,camera_id"`
	IPAddress string `json:"ip_address,omitempty" validate:"omitempty,ip"`
	Port      int    `json:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	Name      string `json:"name,omitempty" validate:"max=128"`
	Location  string `json:"location,omitempty" validate:"max=256"`
}

// Validate checks required fields and value ranges
func (r *Registration) Validate() error {
	return structError(validate.Struct(r))
}

func structError(err error) error {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		parts := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
		return fmt.Errorf("%w: %s", ErrValidation, strings.Join(parts, "; "))
	}
	return fmt.Errorf("%w: %v", ErrValidation, err)
}

// Ack statuses
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Ack error codes. Only CodeValidation is permanent.
const (
	CodeValidation = "validation"
	CodeStorage    = "storage"
	CodeBusy       = "busy"
	CodeInternal   = "internal"
)

// Ack is the server's reply to every envelope
type Ack struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	Code      string `json:"code,omitempty"`
	RecordID  *int64 `json:"record_id,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// Success builds a success ack
func Success(message string) Ack {
	return Ack{Status: StatusSuccess, Message: message}
}

// Failure builds an error ack
func Failure(code, message string) Ack {
	return Ack{Status: StatusError, Code: code, Message: message}
}

// OK reports whether the server accepted the event
func (a Ack) OK() bool {
	return a.Status == StatusSuccess
}

// Permanent reports whether resending the same payload can never succeed
func (a Ack) Permanent() bool {
	return a.Status == StatusError && a.Code == CodeValidation
}

// DecodeAck parses a reply; an unparseable reply is treated as an error ack
func DecodeAck(b []byte) Ack {
	var ack Ack
	if err := json.Unmarshal(b, &ack); err != nil || ack.Status == "" {
		return Failure(CodeInternal, "unreadable acknowledgement")
	}
	return ack
}
