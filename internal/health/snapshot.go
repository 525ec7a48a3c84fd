package health

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/irisdrone/checkpoint/internal/models"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// Snapshot is one reading of the host's resources
type Snapshot struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	DiskPercent   float64   `json:"disk_percent"`
	TemperatureC  *float64  `json:"temperature_c,omitempty"`
	Throttled     *uint32   `json:"throttled,omitempty"`
	TakenAt       time.Time `json:"taken_at"`
}

// SnapshotSource supplies host readings
type SnapshotSource interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

// RealSnapshotSource reads the local host through gopsutil
type RealSnapshotSource struct {
	// DiskPath is the mount whose usage is reported (default "/")
	DiskPath string
	// Throttle enables Raspberry Pi firmware throttle flags via vcgencmd
	Throttle bool
}

// Snapshot implements SnapshotSource
func (s RealSnapshotSource) Snapshot(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{TakenAt: time.Now().UTC()}

	percents, err := cpu.PercentWithContext(ctx, 200*time.Millisecond, false)
	if err != nil {
		return snap, fmt.Errorf("failed to read cpu: %w", err)
	}
	if len(percents) > 0 {
		snap.CPUPercent = percents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return snap, fmt.Errorf("failed to read memory: %w", err)
	}
	snap.MemoryPercent = vm.UsedPercent

	path := s.DiskPath
	if path == "" {
		path = "/"
	}
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return snap, fmt.Errorf("failed to read disk %s: %w", path, err)
	}
	snap.DiskPercent = usage.UsedPercent

	// sensors are optional on most hosts
	if temps, err := host.SensorsTemperaturesWithContext(ctx); err == nil {
		var hottest float64
		for _, t := range temps {
			if t.Temperature > hottest {
				hottest = t.Temperature
			}
		}
		if hottest > 0 {
			snap.TemperatureC = &hottest
		}
	}

	if s.Throttle {
		if flags, err := readThrottled(ctx); err == nil {
			snap.Throttled = &flags
		}
	}
	return snap, nil
}

// readThrottled parses `vcgencmd get_throttled` output such as "throttled=0x50005"
func readThrottled(ctx context.Context) (uint32, error) {
	out, err := exec.CommandContext(ctx, "vcgencmd", "get_throttled").Output()
	if err != nil {
		return 0, err
	}
	return parseThrottled(string(out))
}

func parseThrottled(out string) (uint32, error) {
	_, value, ok := strings.Cut(strings.TrimSpace(out), "=")
	if !ok {
		return 0, fmt.Errorf("unexpected vcgencmd output %q", out)
	}
	n, err := strconv.ParseUint(strings.TrimPrefix(value, "0x"), 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid throttle flags %q: %w", value, err)
	}
	return uint32(n), nil
}

// SimulatedSnapshotSource returns scripted readings
type SimulatedSnapshotSource struct {
	mu        sync.Mutex
	snapshots []Snapshot
	err       error
	next      int
}

// NewSimulatedSnapshotSource cycles through snapshots
func NewSimulatedSnapshotSource(snapshots ...Snapshot) *SimulatedSnapshotSource {
	return &SimulatedSnapshotSource{snapshots: snapshots}
}

// FailWith makes every following Snapshot call return err
func (s *SimulatedSnapshotSource) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Snapshot implements SnapshotSource
func (s *SimulatedSnapshotSource) Snapshot(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return Snapshot{}, s.err
	}
	if len(s.snapshots) == 0 {
		return Snapshot{TakenAt: time.Now().UTC()}, nil
	}
	snap := s.snapshots[s.next%len(s.snapshots)]
	s.next++
	if snap.TakenAt.IsZero() {
		snap.TakenAt = time.Now().UTC()
	}
	return snap, nil
}

// Thresholds are the WARNING and FAIL levels per resource
type Thresholds struct {
	CPUWarn, CPUFail                 float64
	MemoryWarn, MemoryFail           float64
	DiskWarn, DiskFail               float64
	TemperatureWarn, TemperatureFail float64
}

// DefaultThresholds returns conservative limits for edge hardware
func DefaultThresholds() Thresholds {
	return Thresholds{
		CPUWarn: 80, CPUFail: 95,
		MemoryWarn: 80, MemoryFail: 95,
		DiskWarn: 85, DiskFail: 95,
		TemperatureWarn: 70, TemperatureFail: 80,
	}
}

// Raspberry Pi get_throttled bits
const (
	throttleUnderVoltage     = 1 << 0
	throttleFreqCapped       = 1 << 1
	throttleThrottled        = 1 << 2
	throttleSoftTempLimit    = 1 << 3
	throttleUnderVoltageSeen = 1 << 16
	throttleHistoryMask      = 0xF << 16
)

// ComponentStatus is the evaluated status of one component
type ComponentStatus struct {
	Component string                 `json:"component"`
	Status    models.HealthStatus    `json:"status"`
	Details   map[string]interface{} `json:"details"`
}

// Evaluate maps a snapshot onto component statuses
func Evaluate(s Snapshot, t Thresholds) []ComponentStatus {
	out := []ComponentStatus{
		levelStatus(models.ComponentCPU, "usage_percent", s.CPUPercent, t.CPUWarn, t.CPUFail),
		levelStatus(models.ComponentMemory, "usage_percent", s.MemoryPercent, t.MemoryWarn, t.MemoryFail),
		levelStatus(models.ComponentStorage, "usage_percent", s.DiskPercent, t.DiskWarn, t.DiskFail),
	}

	if s.TemperatureC != nil {
		out = append(out, levelStatus(models.ComponentTemperature, "celsius", *s.TemperatureC, t.TemperatureWarn, t.TemperatureFail))
	} else {
		out = append(out, ComponentStatus{
			Component: models.ComponentTemperature,
			Status:    models.HealthUnknown,
			Details:   map[string]interface{}{"reason": "no temperature sensor"},
		})
	}

	if s.Throttled != nil {
		out = append(out, powerStatus(*s.Throttled))
	}
	return out
}

func levelStatus(component, key string, value, warn, fail float64) ComponentStatus {
	status := models.HealthPass
	switch {
	case value >= fail:
		status = models.HealthFail
	case value >= warn:
		status = models.HealthWarning
	}
	return ComponentStatus{
		Component: component,
		Status:    status,
		Details: map[string]interface{}{
			key:       roundTo(value, 2),
			"warn_at": warn,
			"fail_at": fail,
		},
	}
}

func powerStatus(flags uint32) ComponentStatus {
	details := map[string]interface{}{
		"throttled":     fmt.Sprintf("0x%x", flags),
		"under_voltage": flags&throttleUnderVoltage != 0,
		"throttling":    flags&(throttleFreqCapped|throttleThrottled|throttleSoftTempLimit) != 0,
		"past_events":   flags&throttleHistoryMask != 0,
	}
	status := models.HealthPass
	switch {
	case flags&throttleUnderVoltage != 0:
		status = models.HealthFail
	case flags&(throttleFreqCapped|throttleThrottled|throttleSoftTempLimit) != 0:
		status = models.HealthWarning
	case flags&throttleUnderVoltageSeen != 0:
		status = models.HealthWarning
	}
	return ComponentStatus{Component: models.ComponentPower, Status: status, Details: details}
}
