package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// CameraStatus enum
type CameraStatus string

const (
	CameraActive      CameraStatus = "active"
	CameraInactive    CameraStatus = "inactive"
	CameraMaintenance CameraStatus = "maintenance"
)

// Valid reports whether s is a known camera status
func (s CameraStatus) Valid() bool {
	switch s {
	case CameraActive, CameraInactive, CameraMaintenance:
		return true
	}
	return false
}

// HealthStatus enum
type HealthStatus string

const (
	HealthPass    HealthStatus = "PASS"
	HealthWarning HealthStatus = "WARNING"
	HealthFail    HealthStatus = "FAIL"
	HealthUnknown HealthStatus = "UNKNOWN"
)

// Severity orders statuses so the worst one wins a rollup.
func (s HealthStatus) Severity() int {
	switch s {
	case HealthFail:
		return 3
	case HealthWarning:
		return 2
	case HealthPass:
		return 1
	}
	return 0
}

// Well-known health components. Producers may report others.
const (
	ComponentCamera      = "camera"
	ComponentDatabase    = "database"
	ComponentNetwork     = "network"
	ComponentStorage     = "storage"
	ComponentCPU         = "cpu"
	ComponentMemory      = "memory"
	ComponentTemperature = "temperature"
	ComponentPower       = "power"
)

// JSONB type for GORM - can handle both objects and arrays
type JSONB struct {
	Data interface{} `json:"-"`
}

// NewJSONB creates a new JSONB from any value
func NewJSONB(v interface{}) JSONB {
	return JSONB{Data: v}
}

// UnmarshalJSON implements json.Unmarshaler
func (j *JSONB) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &j.Data)
}

// MarshalJSON implements json.Marshaler
func (j JSONB) MarshalJSON() ([]byte, error) {
	if j.Data == nil {
		return []byte("null"), nil
	}
	return json.Marshal(j.Data)
}

func (j JSONB) Value() (driver.Value, error) {
	if j.Data == nil {
		return nil, nil
	}
	return json.Marshal(j.Data)
}

func (j *JSONB) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		j.Data = nil
		return nil
	case []byte:
		return json.Unmarshal(v, &j.Data)
	case string:
		return json.Unmarshal([]byte(v), &j.Data)
	default:
		return fmt.Errorf("unsupported JSONB source type %T", value)
	}
}

// Camera model - one checkpoint installation
type Camera struct {
	CameraID     string       `gorm:"primaryKey;column:camera_id" json:"cameraId"`
	Name         string       `gorm:"column:name" json:"name"`
	Location     string       `gorm:"column:location" json:"location"`
	Status       CameraStatus `gorm:"column:status;default:active;index" json:"status"`
	LastActivity *time.Time   `gorm:"column:last_activity;index" json:"lastActivity,omitempty"`
	IPAddress    *string      `gorm:"column:ip_address" json:"ipAddress,omitempty"`
	Port         *int         `gorm:"column:port" json:"port,omitempty"`

	CreatedAt time.Time `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"updatedAt"`
}

func (Camera) TableName() string {
	return "cameras"
}

// DetectionRecord model - one accepted plate read
type DetectionRecord struct {
	ID            int64     `gorm:"primaryKey;autoIncrement;column:id" json:"id"`
	CameraID      string    `gorm:"column:camera_id;not null;index:idx_detection_camera;uniqueIndex:idx_detection_client_event,priority:1" json:"cameraId"`
	ClientEventID string    `gorm:"column:client_event_id;not null;uniqueIndex:idx_detection_client_event,priority:2" json:"clientEventId"`
	PlateNumber   string    `gorm:"column:plate_number;not null;index:idx_detection_plate" json:"plateNumber"`
	Confidence    float64   `gorm:"column:confidence" json:"confidence"`
	Timestamp     time.Time `gorm:"column:timestamp;not null;index:idx_detection_timestamp;index:idx_detection_blacklisted_ts,priority:2" json:"timestamp"`
	ImageRef      string    `gorm:"column:image_reference" json:"imageReference,omitempty"`
	LocationLat   *float64  `gorm:"column:location_lat" json:"locationLat,omitempty"`
	LocationLon   *float64  `gorm:"column:location_lon" json:"locationLon,omitempty"`

	// Derived once at ingestion
	IsBlacklisted   bool    `gorm:"column:is_blacklisted;default:false;index:idx_detection_blacklisted_ts,priority:1" json:"isBlacklisted"`
	BlacklistReason *string `gorm:"column:blacklist_reason" json:"blacklistReason,omitempty"`

	CreatedAt time.Time `gorm:"column:created_at" json:"createdAt"`
}

func (DetectionRecord) TableName() string {
	return "lpr_detections"
}

// BlacklistEntry model - plates that raise an alert when seen
type BlacklistEntry struct {
	ID        int64      `gorm:"primaryKey;autoIncrement;column:id" json:"id"`
	PlateText string     `gorm:"column:plate_text;not null;index:idx_blacklist_plate" json:"plateText"`
	Reason    string     `gorm:"column:reason" json:"reason"`
	AddedBy   string     `gorm:"column:added_by" json:"addedBy"`
	Expiry    *time.Time `gorm:"column:expiry" json:"expiry,omitempty"`
	IsActive  bool       `gorm:"column:is_active;default:true;index" json:"isActive"`
	CreatedAt time.Time  `gorm:"column:created_at" json:"createdAt"`
}

func (BlacklistEntry) TableName() string {
	return "blacklist"
}

// MatchesAt reports whether the entry is in force at t
func (b BlacklistEntry) MatchesAt(t time.Time) bool {
	if !b.IsActive {
		return false
	}
	return b.Expiry == nil || b.Expiry.After(t)
}

// HealthSample model - one point-in-time component observation
type HealthSample struct {
	ID            int64        `gorm:"primaryKey;autoIncrement;column:id" json:"id"`
	Timestamp     time.Time    `gorm:"column:timestamp;not null;index:idx_health_timestamp" json:"timestamp"`
	CameraID      string       `gorm:"column:camera_id;not null;index:idx_health_camera;uniqueIndex:idx_health_client_event,priority:1" json:"cameraId"`
	ClientEventID string       `gorm:"column:client_event_id;not null;uniqueIndex:idx_health_client_event,priority:2" json:"clientEventId"`
	Component     string       `gorm:"column:component;not null;index:idx_health_component" json:"component"`
	Status        HealthStatus `gorm:"column:status;not null" json:"status"`
	Details       JSONB        `gorm:"type:jsonb;column:details" json:"details,omitempty"`
}

func (HealthSample) TableName() string {
	return "health_samples"
}
