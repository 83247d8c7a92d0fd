package engine

import (
	"time"

	"github.com/kestrel-labs/memoryrouter/internal/domain"
)

// WindowConfig names the age boundaries between consecutive windows.
// Thresholds are ages (time since creation); the last window
// (ARCHIVE, or the last configured window when ARCHIVE is absent) has an
// implicit upper bound of infinity.
type WindowConfig struct {
	// Bounds holds the windows in increasing-age order together with the
	// upper bound of their age range. The final entry's UpperBound is
	// ignored (treated as infinite).
	Bounds []WindowBound
}

// WindowBound pairs a Window with the upper bound (exclusive) of its age
// range.
type WindowBound struct {
	Window     domain.Window
	UpperBound time.Duration
}

// DefaultWindowConfig is the four-window shape from spec.md §4.4:
// HOT [0,15m), WORKING [15m,4h), LONG_TERM [4h,3d), ARCHIVE [3d,inf).
func DefaultWindowConfig() WindowConfig {
	return WindowConfig{Bounds: []WindowBound{
		{Window: domain.WindowHot, UpperBound: 15 * time.Minute},
		{Window: domain.WindowWorking, UpperBound: 4 * time.Hour},
		{Window: domain.WindowLongTerm, UpperBound: 3 * 24 * time.Hour},
		{Window: domain.WindowArchive, UpperBound: 0}, // unbounded
	}}
}

// LargeDeploymentWindowConfig is the alternate three-window shape from
// spec.md §4.4: [0,4h) / [4h,3d) / [3d,90d), with ARCHIVE absent.
func LargeDeploymentWindowConfig() WindowConfig {
	return WindowConfig{Bounds: []WindowBound{
		{Window: domain.WindowHot, UpperBound: 4 * time.Hour},
		{Window: domain.WindowWorking, UpperBound: 3 * 24 * time.Hour},
		{Window: domain.WindowLongTerm, UpperBound: 90 * 24 * time.Hour},
	}}
}

// Classify derives the window a chunk created at createdAt falls into at
// time now. Classification is purely a function of age and the configured
// thresholds — it is never stored on the chunk.
func (c WindowConfig) Classify(now, createdAt time.Time) domain.Window {
	age := now.Sub(createdAt)
	for i, b := range c.Bounds {
		last := i == len(c.Bounds)-1
		if last || age < b.UpperBound {
			return b.Window
		}
	}
	return c.Bounds[len(c.Bounds)-1].Window
}

// Windows returns the ordered list of window names this configuration
// defines.
func (c WindowConfig) Windows() []domain.Window {
	out := make([]domain.Window, len(c.Bounds))
	for i, b := range c.Bounds {
		out[i] = b.Window
	}
	return out
}
