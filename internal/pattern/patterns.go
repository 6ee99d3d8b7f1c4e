package pattern

import (
	"fmt"
	"math"

	"audioviz/vjserver/internal/protocol"
)

func entityID(i int) string { return fmt.Sprintf("e%d", i) }

func clamp01(v float64) float64 { return math.Max(0, math.Min(1, v)) }

func scaleFor(cfg Config, level float64, audio AudioState) float64 {
	s := cfg.BaseScale + level*(cfg.MaxScale-cfg.BaseScale)
	if audio.IsBeat {
		s += cfg.BeatBoost * audio.BeatIntensity * 0.25
	}
	return math.Max(0.05, math.Min(4, s))
}

// envelope is a shared attack/release follower used by the breathing
// patterns. Attack and release come from the live Config so preset changes
// are audible immediately.
type envelope struct{ level float64 }

func (e *envelope) follow(target, attack, release float64) float64 {
	if target > e.level {
		e.level += (target - e.level) * math.Max(0.01, attack)
	} else {
		e.level += (target - e.level) * math.Max(0.01, release)
	}
	return e.level
}

// spectrumPattern arranges entities on a ring of per-band bars: each
// entity follows one of the five bands, rising and growing with it.
type spectrumPattern struct{}

func (*spectrumPattern) Name() string { return "spectrum" }

func (*spectrumPattern) CalculateEntities(audio AudioState, cfg Config) []protocol.Entity {
	n := cfg.EntityCount
	out := make([]protocol.Entity, n)
	rot := float64(audio.Frame) * 0.004
	for i := 0; i < n; i++ {
		band := audio.Bands[i%5]
		angle := rot + float64(i)/float64(n)*2*math.Pi
		radius := 0.35 * cfg.ZoneSize
		out[i] = protocol.Entity{
			ID:            entityID(i),
			X:             clamp01(0.5 + math.Cos(angle)*radius),
			Y:             clamp01(0.1 + band*0.8),
			Z:             clamp01(0.5 + math.Sin(angle)*radius),
			Scale:         scaleFor(cfg, band, audio),
			Brightness:    int(math.Round(4 + band*11)),
			Interpolation: 2,
			Glow:          audio.IsBeat && i%5 == 0,
			Visible:       true,
		}
	}
	return out
}

// spectrumBarsPattern is a flat wall of analyzer columns: entities divide
// into five groups, one per band, each column's height and scale tracking
// its band.
type spectrumBarsPattern struct{}

func (*spectrumBarsPattern) Name() string { return "spectrum_bars" }

func (*spectrumBarsPattern) CalculateEntities(audio AudioState, cfg Config) []protocol.Entity {
	n := cfg.EntityCount
	out := make([]protocol.Entity, n)
	perBand := (n + 4) / 5
	for i := 0; i < n; i++ {
		bandIdx := i / perBand
		if bandIdx > 4 {
			bandIdx = 4
		}
		band := audio.Bands[bandIdx]
		slot := i % perBand
		// Column x spreads each band group around its fifth of the wall.
		x := (float64(bandIdx)+0.5)/5 + (float64(slot)/float64(perBand)-0.5)*0.12
		h := float64(slot+1) / float64(perBand)
		visible := h <= band || slot == 0
		out[i] = protocol.Entity{
			ID:            entityID(i),
			X:             clamp01(0.5 + (x-0.5)*cfg.ZoneSize),
			Y:             clamp01(0.08 + h*0.84),
			Z:             0.5,
			Scale:         scaleFor(cfg, band, audio),
			Brightness:    int(math.Round(4 + band*11)),
			Interpolation: 1,
			Visible:       visible,
		}
	}
	return out
}

// pulsePattern breathes a sphere whose radius follows the overall
// amplitude through an attack/release envelope.
type pulsePattern struct {
	env envelope
}

func newPulsePattern() *pulsePattern { return &pulsePattern{} }

func (*pulsePattern) Name() string { return "pulse" }

func (p *pulsePattern) CalculateEntities(audio AudioState, cfg Config) []protocol.Entity {
	n := cfg.EntityCount
	target := math.Min(1, audio.Amplitude/2)
	if audio.IsBeat {
		target = math.Min(1, target+audio.BeatIntensity*0.3)
	}
	level := p.env.follow(target, cfg.Attack, cfg.Release)

	out := make([]protocol.Entity, n)
	radius := (0.12 + level*0.3) * cfg.ZoneSize
	for i := 0; i < n; i++ {
		// Fibonacci sphere distribution keeps the shell even at any count.
		t := (float64(i) + 0.5) / float64(n)
		incl := math.Acos(1 - 2*t)
		azim := float64(i) * math.Pi * (3 - math.Sqrt(5))
		out[i] = protocol.Entity{
			ID:            entityID(i),
			X:             clamp01(0.5 + radius*math.Sin(incl)*math.Cos(azim)),
			Y:             clamp01(0.5 + radius*math.Cos(incl)),
			Z:             clamp01(0.5 + radius*math.Sin(incl)*math.Sin(azim)),
			Scale:         scaleFor(cfg, level, audio),
			Brightness:    int(math.Round(6 + level*9)),
			Interpolation: 2,
			Visible:       true,
		}
	}
	return out
}

// wavePattern is a traveling sine sheet across the zone floor, with band
// energy weighting each column's height.
type wavePattern struct{}

func (*wavePattern) Name() string { return "wave" }

func (*wavePattern) CalculateEntities(audio AudioState, cfg Config) []protocol.Entity {
	n := cfg.EntityCount
	out := make([]protocol.Entity, n)
	phase := float64(audio.Frame) * 0.05
	for i := 0; i < n; i++ {
		x := (float64(i) + 0.5) / float64(n)
		band := audio.Bands[i*5/n%5]
		y := 0.4 + math.Sin(phase+x*4*math.Pi)*0.25*(0.3+band)
		out[i] = protocol.Entity{
			ID:            entityID(i),
			X:             clamp01(x),
			Y:             clamp01(y),
			Z:             clamp01(0.5 + math.Cos(phase*0.7+x*2*math.Pi)*0.15*cfg.ZoneSize),
			Scale:         scaleFor(cfg, band, audio),
			Brightness:    int(math.Round(5 + band*10)),
			Interpolation: 3,
			Visible:       true,
		}
	}
	return out
}

// helixPattern climbs a double spiral; beats add angular velocity that
// decays between frames.
type helixPattern struct {
	angle float64
	spin  float64
}

func newHelixPattern() *helixPattern { return &helixPattern{spin: 0.02} }

func (*helixPattern) Name() string { return "helix" }

func (h *helixPattern) CalculateEntities(audio AudioState, cfg Config) []protocol.Entity {
	if audio.IsBeat {
		h.spin = math.Min(0.12, h.spin+audio.BeatIntensity*0.03)
	}
	h.spin = math.Max(0.02, h.spin*0.985)
	h.angle += h.spin

	n := cfg.EntityCount
	out := make([]protocol.Entity, n)
	radius := 0.3 * cfg.ZoneSize
	for i := 0; i < n; i++ {
		t := float64(i) / float64(n)
		strand := float64(i%2) * math.Pi // two opposed strands
		a := h.angle + t*3*math.Pi + strand
		band := audio.Bands[i%5]
		out[i] = protocol.Entity{
			ID:            entityID(i),
			X:             clamp01(0.5 + math.Cos(a)*radius),
			Y:             clamp01(0.08 + t*0.84),
			Z:             clamp01(0.5 + math.Sin(a)*radius),
			Scale:         scaleFor(cfg, band*0.6+audio.Amplitude*0.1, audio),
			Brightness:    int(math.Round(5 + band*10)),
			Interpolation: 2,
			Glow:          i%2 == 0,
			Visible:       true,
		}
	}
	return out
}

// orbitPattern places entities on concentric rings whose radii expand
// with a beat-following envelope.
type orbitPattern struct {
	env envelope
}

func newOrbitPattern() *orbitPattern { return &orbitPattern{} }

func (*orbitPattern) Name() string { return "orbit" }

func (o *orbitPattern) CalculateEntities(audio AudioState, cfg Config) []protocol.Entity {
	target := 0.0
	if audio.IsBeat {
		target = math.Min(1, audio.BeatIntensity)
	}
	level := o.env.follow(target, cfg.Attack, cfg.Release)

	n := cfg.EntityCount
	rings := 3
	out := make([]protocol.Entity, n)
	for i := 0; i < n; i++ {
		ring := i % rings
		perRing := (n + rings - 1) / rings
		slot := i / rings
		base := 0.12 + float64(ring)*0.11
		radius := (base + level*0.08) * cfg.ZoneSize
		speed := 0.01 * float64(ring+1)
		dir := 1.0
		if ring%2 == 1 {
			dir = -1
		}
		a := dir*float64(audio.Frame)*speed + float64(slot)/float64(perRing)*2*math.Pi
		band := audio.Bands[ring%5]
		out[i] = protocol.Entity{
			ID:            entityID(i),
			X:             clamp01(0.5 + math.Cos(a)*radius),
			Y:             clamp01(0.5 + float64(ring-1)*0.12),
			Z:             clamp01(0.5 + math.Sin(a)*radius),
			Scale:         scaleFor(cfg, band*0.7+level*0.3, audio),
			Brightness:    int(math.Round(5 + band*10)),
			Interpolation: 2,
			Visible:       true,
		}
	}
	return out
}

// tornadoPattern spins entities up a funnel: radius narrows toward the
// floor, widens at the top, with bass energy feeding the spin rate.
type tornadoPattern struct {
	angle float64
}

func newTornadoPattern() *tornadoPattern { return &tornadoPattern{} }

func (*tornadoPattern) Name() string { return "tornado" }

func (p *tornadoPattern) CalculateEntities(audio AudioState, cfg Config) []protocol.Entity {
	bass := audio.Bands[0]
	p.angle += 0.03 + bass*0.08

	n := cfg.EntityCount
	out := make([]protocol.Entity, n)
	for i := 0; i < n; i++ {
		t := (float64(i) + 0.5) / float64(n)
		radius := (0.06 + t*0.32) * cfg.ZoneSize
		if audio.IsBeat {
			radius += audio.BeatIntensity * 0.04
		}
		a := p.angle + t*5*math.Pi
		band := audio.Bands[i%5]
		out[i] = protocol.Entity{
			ID:            entityID(i),
			X:             clamp01(0.5 + math.Cos(a)*radius),
			Y:             clamp01(0.06 + t*0.88),
			Z:             clamp01(0.5 + math.Sin(a)*radius),
			Scale:         scaleFor(cfg, band*0.5+bass*0.5, audio),
			Brightness:    int(math.Round(5 + band*10)),
			Interpolation: 2,
			Glow:          audio.IsBeat && i%3 == 0,
			Visible:       true,
		}
	}
	return out
}

// cascadePattern drops columns from the top of the zone; each beat re-arms
// a slice of the columns back to the top.
type cascadePattern struct {
	ys []float64
}

func newCascadePattern() *cascadePattern { return &cascadePattern{} }

func (*cascadePattern) Name() string { return "cascade" }

func (c *cascadePattern) CalculateEntities(audio AudioState, cfg Config) []protocol.Entity {
	n := cfg.EntityCount
	if len(c.ys) != n {
		c.ys = make([]float64, n)
		for i := range c.ys {
			c.ys[i] = float64(i) / float64(n)
		}
	}

	out := make([]protocol.Entity, n)
	for i := 0; i < n; i++ {
		band := audio.Bands[i%5]
		c.ys[i] -= 0.004 + band*0.012
		if c.ys[i] < 0 {
			c.ys[i] += 1
		}
		if audio.IsBeat && i%4 == int(audio.Frame)%4 {
			c.ys[i] = 0.95
		}
		x := (float64(i%8) + 0.5) / 8
		z := (float64(i/8%8) + 0.5) / 8
		out[i] = protocol.Entity{
			ID:            entityID(i),
			X:             clamp01(0.5 + (x-0.5)*cfg.ZoneSize),
			Y:             clamp01(c.ys[i]),
			Z:             clamp01(0.5 + (z-0.5)*cfg.ZoneSize),
			Scale:         scaleFor(cfg, band, audio),
			Brightness:    int(math.Round(4 + band*11)),
			Interpolation: 3,
			Visible:       true,
		}
	}
	return out
}
