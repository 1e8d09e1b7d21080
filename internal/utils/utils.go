package utils

import (
	"fmt"
	"sync"
	"time"
)

// minSampleWindow is how long a RateMeter accumulates before re-estimating.
const minSampleWindow = 500 * time.Millisecond

// RateMeter estimates a smoothed byte rate from a stream of byte counts.
type RateMeter struct {
	mu        sync.Mutex
	total     int64
	window    int64
	lastTick  time.Time
	lastSpeed float64
	now       func() time.Time
}

// NewRateMeter creates a meter that starts measuring immediately.
func NewRateMeter() *RateMeter {
	return newRateMeter(time.Now)
}

func newRateMeter(now func() time.Time) *RateMeter {
	return &RateMeter{lastTick: now(), now: now}
}

// Record adds n bytes and updates the estimate every sample window.
func (m *RateMeter) Record(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.total += int64(n)
	m.window += int64(n)

	elapsed := m.now().Sub(m.lastTick)
	if elapsed >= minSampleWindow {
		m.update(elapsed)
	}
}

// update folds the current window into the estimate
func (m *RateMeter) update(elapsed time.Duration) {
	if elapsed <= 0 {
		return
	}

	current := float64(m.window) / elapsed.Seconds()

	// Smooth the speed measurement with exponential moving average
	if m.lastSpeed > 0 {
		m.lastSpeed = m.lastSpeed*0.7 + current*0.3
	} else {
		m.lastSpeed = current
	}

	m.window = 0
	m.lastTick = m.now()
}

// BytesPerSecond returns the current smoothed estimate.
func (m *RateMeter) BytesPerSecond() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSpeed
}

// Total returns every byte recorded so far.
func (m *RateMeter) Total() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

// FormatSize formats bytes to human readable string
func FormatSize(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// FormatBitrate formats a byte rate as a network bitrate
func FormatBitrate(bytesPerSecond float64) string {
	bits := bytesPerSecond * 8
	switch {
	case bits >= 1_000_000:
		return fmt.Sprintf("%.2f Mbps", bits/1_000_000)
	case bits >= 1_000:
		return fmt.Sprintf("%.0f kbps", bits/1_000)
	default:
		return fmt.Sprintf("%.0f bps", bits)
	}
}

// FormatTimeDuration formats duration to human readable string
func FormatTimeDuration(d time.Duration) string {
	seconds := int(d.Seconds()) % 60
	minutes := int(d.Minutes()) % 60
	hours := int(d.Hours())

	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	} else if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	} else {
		return fmt.Sprintf("%ds", seconds)
	}
}

// TruncateString shortens s to max runes, marking the cut with an ellipsis.
func TruncateString(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 1 {
		return string(r[:max])
	}
	return string(r[:max-1]) + "…"
}
