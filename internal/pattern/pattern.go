// Package pattern turns per-frame audio state into entity geometry. A
// pattern is deterministic given (AudioState, Config, frame counter); any
// animation state lives on the pattern instance so switching patterns
// resets the animation.
package pattern

import (
	"fmt"
	"sort"

	"audioviz/vjserver/internal/protocol"
)

// AudioState is the per-frame audio input to a pattern.
type AudioState struct {
	Bands         [5]float64
	Amplitude     float64
	IsBeat        bool
	BeatIntensity float64
	Frame         int64
}

// Config is the mutable pattern configuration shared with the admin
// control plane. The broadcast loop re-reads it at the top of every tick,
// so it is passed by value into CalculateEntities.
type Config struct {
	EntityCount   int     `json:"entity_count"`
	ZoneSize      float64 `json:"zone_size"`
	BeatBoost     float64 `json:"beat_boost"`
	BaseScale     float64 `json:"base_scale"`
	MaxScale      float64 `json:"max_scale"`
	Attack        float64 `json:"attack"`
	Release       float64 `json:"release"`
	BeatThreshold float64 `json:"beat_threshold"`
}

// DefaultConfig returns the configuration applied at startup.
func DefaultConfig(entityCount int) Config {
	return Config{
		EntityCount:   entityCount,
		ZoneSize:      1.0,
		BeatBoost:     0.5,
		BaseScale:     0.3,
		MaxScale:      1.5,
		Attack:        0.35,
		Release:       0.08,
		BeatThreshold: 1.3,
	}
}

// Pattern produces entity geometry from audio state.
type Pattern interface {
	// Name is the registry key.
	Name() string
	// CalculateEntities returns exactly cfg.EntityCount entities with
	// coordinates in [0,1] and scales in [0,4].
	CalculateEntities(audio AudioState, cfg Config) []protocol.Entity
}

type factory func() Pattern

var registry = map[string]factory{
	"spectrum":      func() Pattern { return &spectrumPattern{} },
	"spectrum_bars": func() Pattern { return &spectrumBarsPattern{} },
	"pulse":         func() Pattern { return newPulsePattern() },
	"wave":          func() Pattern { return &wavePattern{} },
	"helix":         func() Pattern { return newHelixPattern() },
	"orbit":         func() Pattern { return newOrbitPattern() },
	"cascade":       func() Pattern { return newCascadePattern() },
	"tornado":       func() Pattern { return newTornadoPattern() },
}

// DefaultName is the pattern selected at startup.
const DefaultName = "spectrum"

// Get returns a fresh instance of the named pattern, or an error for
// unknown names.
func Get(name string) (Pattern, error) {
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown pattern %q", name)
	}
	return f(), nil
}

// Exists reports whether name is a registered pattern.
func Exists(name string) bool {
	_, ok := registry[name]
	return ok
}

// List returns all registered pattern names, sorted.
func List() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
