// Package effects layers operator-triggered deformations over pattern
// output. Timed effects (flash, strobe, pulse, wave, spiral, explode)
// expire on their own; toggle effects (blackout, freeze) stay until an
// explicit off message.
package effects

import (
	"math"
	"sync"
	"time"

	"audioviz/vjserver/internal/protocol"
)

// Toggle effect names.
const (
	Blackout = "blackout"
	Freeze   = "freeze"
)

// toggleDuration stands in for "until switched off".
const toggleDuration = 999_999 * time.Second

// SideEffect tells the caller what the renderer must be told after a
// trigger or an expiry.
type SideEffect int

const (
	SideNone SideEffect = iota
	// SideHideEntities follows blackout on.
	SideHideEntities
	// SideShowEntities follows blackout off or blackout expiry.
	SideShowEntities
)

// Active is one running effect.
type Active struct {
	Name      string
	Intensity float64
	StartTime time.Time
	Duration  time.Duration
	EndTime   time.Time
}

// Engine owns the active-effect map. At most one Active exists per name.
type Engine struct {
	mu      sync.Mutex
	effects map[string]*Active
	now     func() time.Time
}

// NewEngine returns an empty effect engine.
func NewEngine() *Engine {
	return &Engine{effects: make(map[string]*Active), now: time.Now}
}

// Trigger inserts, replaces, or (for toggles at intensity 0) removes an
// effect, returning the renderer side-effect the caller must perform.
func (g *Engine) Trigger(name string, intensity float64, duration time.Duration) SideEffect {
	g.mu.Lock()
	defer g.mu.Unlock()

	if name == Blackout || name == Freeze {
		if intensity <= 0 {
			delete(g.effects, name)
			if name == Blackout {
				return SideShowEntities
			}
			return SideNone
		}
		g.insert(name, intensity, toggleDuration)
		if name == Blackout {
			return SideHideEntities
		}
		return SideNone
	}

	if duration <= 0 {
		duration = 500 * time.Millisecond
	}
	g.insert(name, intensity, duration)
	return SideNone
}

func (g *Engine) insert(name string, intensity float64, duration time.Duration) {
	now := g.now()
	g.effects[name] = &Active{
		Name:      name,
		Intensity: intensity,
		StartTime: now,
		Duration:  duration,
		EndTime:   now.Add(duration),
	}
}

// Expire removes effects past their end time and returns any renderer
// side-effect (blackout expiry re-shows entities).
func (g *Engine) Expire() SideEffect {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	side := SideNone
	for name, a := range g.effects {
		if !now.Before(a.EndTime) {
			delete(g.effects, name)
			if name == Blackout {
				side = SideShowEntities
			}
		}
	}
	return side
}

// BlackoutActive reports whether blackout is on.
func (g *Engine) BlackoutActive() bool { return g.active(Blackout) }

// FreezeActive reports whether freeze is on.
func (g *Engine) FreezeActive() bool { return g.active(Freeze) }

func (g *Engine) active(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.effects[name]
	return ok
}

// Apply copies entities and applies every active timed effect's
// deformation. Blackout and freeze are resolved by the broadcast loop, not
// here. Callers re-clamp the result at the trust boundary.
func (g *Engine) Apply(entities []protocol.Entity) []protocol.Entity {
	g.mu.Lock()
	snapshot := make([]Active, 0, len(g.effects))
	for _, a := range g.effects {
		if a.Name == Blackout || a.Name == Freeze {
			continue
		}
		snapshot = append(snapshot, *a)
	}
	now := g.now()
	g.mu.Unlock()

	if len(snapshot) == 0 {
		return entities
	}

	out := make([]protocol.Entity, len(entities))
	copy(out, entities)
	n := float64(len(out))
	if n == 0 {
		return out
	}

	for _, eff := range snapshot {
		elapsed := now.Sub(eff.StartTime).Seconds()
		durationS := eff.Duration.Seconds()
		progress := 1.0
		if durationS > 0 {
			progress = math.Min(1, elapsed/durationS)
		}

		switch eff.Name {
		case "flash":
			m := eff.Intensity * (1 - progress)
			for i := range out {
				out[i].Scale = math.Min(1, out[i].Scale+m*0.5)
				out[i].Y = math.Min(1, out[i].Y+m*0.2)
			}
		case "strobe":
			if int(elapsed*8)%2 != 0 {
				for i := range out {
					out[i].Scale = 0.01
				}
			}
		case "pulse":
			v := math.Sin(elapsed*math.Pi*4) * eff.Intensity
			for i := range out {
				out[i].Scale = math.Max(0.05, out[i].Scale*(1+v*0.5))
			}
		case "wave":
			for i := range out {
				phase := float64(i) / n * 2 * math.Pi
				v := math.Sin(elapsed*3+phase) * eff.Intensity
				out[i].Y = math.Max(0, math.Min(1, out[i].Y+v*0.3))
			}
		case "spiral":
			radius := 0.3 * eff.Intensity * (1 - progress*0.5)
			for i := range out {
				angle := elapsed*2 + float64(i)/n*2*math.Pi
				out[i].X = math.Max(0, math.Min(1, 0.5+math.Cos(angle)*radius))
				out[i].Z = math.Max(0, math.Min(1, 0.5+math.Sin(angle)*radius))
			}
		case "explode":
			force := eff.Intensity * (1 - progress)
			for i := range out {
				dx := out[i].X - 0.5
				dy := out[i].Y - 0.5
				dz := out[i].Z - 0.5
				dist := math.Max(0.1, math.Sqrt(dx*dx+dy*dy+dz*dz))
				push := force / dist * 0.3
				out[i].X = math.Max(0, math.Min(1, out[i].X+dx*push))
				out[i].Y = math.Max(0, math.Min(1, out[i].Y+dy*push))
				out[i].Z = math.Max(0, math.Min(1, out[i].Z+dz*push))
				out[i].Scale = math.Max(0.05, out[i].Scale*(1+force*0.5))
			}
		}
	}
	return out
}
