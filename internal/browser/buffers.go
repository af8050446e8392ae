package browser

import (
	"slices"
	"strings"
	"time"

	"github.com/ocx/proctor/internal/core"
)

// Buffer limits. When a buffer is full, the oldest batch is evicted before
// the next append.
const (
	MouseBufferCap   = 1000
	MouseBufferEvict = 500
	BufferCap        = 100
	BufferEvict      = 50
)

// appendBounded appends v, first dropping the oldest evict entries if buf
// already holds capacity entries. The result never aliases buf.
func appendBounded[T any](buf []T, v T, capacity, evict int) []T {
	if len(buf) >= capacity {
		buf = buf[min(evict, len(buf)):]
	}
	out := make([]T, len(buf), len(buf)+1)
	copy(out, buf)
	return append(out, v)
}

// WindowKind selects a window-tracking buffer.
type WindowKind string

const (
	WindowFocus      WindowKind = "focus"
	WindowResize     WindowKind = "resize"
	WindowVisibility WindowKind = "visibility"
	WindowMouse      WindowKind = "mouse"
	WindowClick      WindowKind = "click"
)

// ParseWindowKind validates a window-tracking kind from the wire.
func ParseWindowKind(raw string) (WindowKind, error) {
	k := WindowKind(strings.ToLower(strings.TrimSpace(raw)))
	switch k {
	case WindowFocus, WindowResize, WindowVisibility, WindowMouse, WindowClick:
		return k, nil
	}
	return "", core.NewValidationError("kind", "unknown window tracking kind %q", raw)
}

// WindowSample is one telemetry entry.
type WindowSample struct {
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// WindowTracking keeps bounded buffers of window telemetry.
type WindowTracking struct {
	Focus            []WindowSample `json:"focus"`
	Resize           []WindowSample `json:"resize"`
	Visibility       []WindowSample `json:"visibility"`
	Mouse            []WindowSample `json:"mouse"`
	Click            []WindowSample `json:"click"`
	FocusLossCount   int            `json:"focusLossCount"`
	CurrentlyFocused bool           `json:"currentlyFocused"`
}

func (w WindowTracking) clone() WindowTracking {
	out := w
	out.Focus = slices.Clone(w.Focus)
	out.Resize = slices.Clone(w.Resize)
	out.Visibility = slices.Clone(w.Visibility)
	out.Mouse = slices.Clone(w.Mouse)
	out.Click = slices.Clone(w.Click)
	return out
}

// ApplyWindowSample appends a sample to its buffer and refreshes LastActivity.
// When a focus update reports focused=false it also returns the window_blur
// event the caller must record.
func ApplyWindowSample(s State, kind WindowKind, sample WindowSample) (State, *SecurityEvent) {
	next := s
	wt := s.WindowTracking
	var blur *SecurityEvent

	switch kind {
	case WindowFocus:
		wt.Focus = appendBounded(wt.Focus, sample, BufferCap, BufferEvict)
		focused, ok := sample.Data["focused"].(bool)
		if ok {
			if !focused {
				wt.FocusLossCount++
				blur = &SecurityEvent{
					Type:      EventWindowBlur,
					Timestamp: sample.Timestamp,
					Severity:  core.SeverityMedium,
					Details:   map[string]any{"source": "window_tracking"},
					Synthetic: true,
				}
			}
			wt.CurrentlyFocused = focused
		}
	case WindowResize:
		wt.Resize = appendBounded(wt.Resize, sample, BufferCap, BufferEvict)
	case WindowVisibility:
		wt.Visibility = appendBounded(wt.Visibility, sample, BufferCap, BufferEvict)
	case WindowMouse:
		wt.Mouse = appendBounded(wt.Mouse, sample, MouseBufferCap, MouseBufferEvict)
	case WindowClick:
		wt.Click = appendBounded(wt.Click, sample, BufferCap, BufferEvict)
	}

	next.WindowTracking = wt
	if sample.Timestamp.After(next.LastActivity) {
		next.LastActivity = sample.Timestamp
	}
	next.IdleFlagged = false
	return next, blur
}

// MetricKind selects a performance buffer.
type MetricKind string

const (
	MetricCPU       MetricKind = "cpu"
	MetricMemory    MetricKind = "memory"
	MetricNetwork   MetricKind = "network"
	MetricFrameRate MetricKind = "framerate"
	MetricLoadTime  MetricKind = "load_time"
)

// ParseMetricKind validates a performance metric kind from the wire.
func ParseMetricKind(raw string) (MetricKind, error) {
	k := MetricKind(strings.ToLower(strings.TrimSpace(raw)))
	switch k {
	case MetricCPU, MetricMemory, MetricNetwork, MetricFrameRate, MetricLoadTime:
		return k, nil
	case "frame_rate", "fps":
		return MetricFrameRate, nil
	case "loadtime":
		return MetricLoadTime, nil
	}
	return "", core.NewValidationError("kind", "unknown performance metric %q", raw)
}

// MetricSample is one performance reading.
type MetricSample struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// PerformanceMetrics keeps bounded buffers of client performance samples.
type PerformanceMetrics struct {
	CPU       []MetricSample `json:"cpu"`
	Memory    []MetricSample `json:"memory"`
	Network   []MetricSample `json:"network"`
	FrameRate []MetricSample `json:"framerate"`
	LoadTime  []MetricSample `json:"loadTime"`
}

func (p PerformanceMetrics) clone() PerformanceMetrics {
	return PerformanceMetrics{
		CPU:       slices.Clone(p.CPU),
		Memory:    slices.Clone(p.Memory),
		Network:   slices.Clone(p.Network),
		FrameRate: slices.Clone(p.FrameRate),
		LoadTime:  slices.Clone(p.LoadTime),
	}
}

// ApplyMetricSample appends a sample. A cpu reading above cpuThreshold
// returns a suspicious_activity event for the caller to record.
func ApplyMetricSample(s State, kind MetricKind, sample MetricSample, cpuThreshold float64) (State, *SecurityEvent) {
	next := s
	pm := s.PerformanceMetrics
	var anomaly *SecurityEvent

	switch kind {
	case MetricCPU:
		pm.CPU = appendBounded(pm.CPU, sample, BufferCap, BufferEvict)
		if sample.Value > cpuThreshold {
			anomaly = &SecurityEvent{
				Type:      EventSuspiciousActivity,
				Timestamp: sample.Timestamp,
				Severity:  core.SeverityMedium,
				Details: map[string]any{
					"reason":    "high_cpu_usage",
					"cpu":       sample.Value,
					"threshold": cpuThreshold,
				},
				Synthetic: true,
			}
		}
	case MetricMemory:
		pm.Memory = appendBounded(pm.Memory, sample, BufferCap, BufferEvict)
	case MetricNetwork:
		pm.Network = appendBounded(pm.Network, sample, BufferCap, BufferEvict)
	case MetricFrameRate:
		pm.FrameRate = appendBounded(pm.FrameRate, sample, BufferCap, BufferEvict)
	case MetricLoadTime:
		pm.LoadTime = appendBounded(pm.LoadTime, sample, BufferCap, BufferEvict)
	}

	next.PerformanceMetrics = pm
	return next, anomaly
}
