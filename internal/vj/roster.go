package vj

import (
	"encoding/json"
	"math"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"audioviz/vjserver/internal/protocol"
	"audioviz/vjserver/internal/sanitize"
)

const (
	djWriteTimeout = 5 * time.Second

	// Frame rate limiting: sustained 120 frames/s with bursts up to 120.
	rateLimitPerSec = 120
	rateLimitBurst  = 120

	latencyCapMS = 60_000
	emaAlpha     = 0.2
)

// audioSnapshot is the consistent per-frame audio tuple read by the
// broadcast loop.
type audioSnapshot struct {
	Bands         [5]float64
	Peak          float64
	IsBeat        bool
	BeatIntensity float64
	BPM           float64
	TempoConf     float64
	BeatPhase     float64
	InstantBass   float64
	InstantKick   bool
}

// DJConn is the server-side state for one connected DJ. The socket task
// owns all writes; the broadcast loop takes read snapshots under mu.
type DJConn struct {
	DJID       string
	DJName     string
	Priority   int
	DirectMode bool

	conn        *websocket.Conn
	writeMu     sync.Mutex
	ConnectedAt time.Time

	limiter *rate.Limiter

	mu              sync.Mutex
	audio           audioSnapshot
	seq             int64
	frameCount      int64
	lastFrameAt     time.Time
	lastHeartbeat   time.Time
	fpsSamples      []time.Time
	fps             float64
	latencyMS       float64
	networkRTTMS    float64
	pipelineMS      float64
	clockOffset     float64 // seconds; positive means the DJ clock is ahead
	clockSyncDone   bool
	mcConnected     bool
	voiceStreaming  bool
	phaseAssistLast time.Time
}

func newDJConn(djID, djName string, priority int, directMode bool, conn *websocket.Conn) *DJConn {
	now := time.Now()
	return &DJConn{
		DJID:          djID,
		DJName:        djName,
		Priority:      priority,
		DirectMode:    directMode,
		conn:          conn,
		ConnectedAt:   now,
		lastFrameAt:   now,
		lastHeartbeat: now,
		limiter:       rate.NewLimiter(rateLimitPerSec, rateLimitBurst),
		audio:         audioSnapshot{BPM: 120},
	}
}

// send marshals and writes one message to the DJ socket. Safe for
// concurrent use; errors are returned for callers that care and otherwise
// ignorable (the read loop notices dead sockets).
func (d *DJConn) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	_ = d.conn.SetWriteDeadline(time.Now().Add(djWriteTimeout))
	return d.conn.WriteMessage(websocket.TextMessage, data)
}

// allowFrame consumes one rate-limit token; false means drop the frame.
func (d *DJConn) allowFrame() bool { return d.limiter.Allow() }

// applyFrame writes a sanitized audio frame onto the connection and
// updates FPS and pipeline latency.
func (d *DJConn) applyFrame(f sanitize.AudioFrame) {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()

	d.audio.Bands = f.Bands
	d.audio.Peak = f.Peak
	d.audio.IsBeat = f.Beat
	d.audio.BeatIntensity = f.BeatIntensity
	d.audio.BPM = stabilizeBPM(d.audio.BPM, f.BPM)
	d.audio.TempoConf = f.TempoConf
	d.audio.BeatPhase = f.BeatPhase
	d.audio.InstantBass = f.InstantBass
	d.audio.InstantKick = f.InstantKick
	d.seq = f.Seq
	d.frameCount++
	d.lastFrameAt = now

	// FPS over a one-second sliding window of arrival times.
	d.fpsSamples = append(d.fpsSamples, now)
	cutoff := now.Add(-time.Second)
	for len(d.fpsSamples) > 0 && d.fpsSamples[0].Before(cutoff) {
		d.fpsSamples = d.fpsSamples[1:]
	}
	d.fps = float64(len(d.fpsSamples))

	if f.HasTS {
		produced := f.TS
		if d.clockSyncDone {
			produced -= d.clockOffset
		}
		latency := (nowSec() - produced) * 1000
		latency = math.Max(0, math.Min(latency, latencyCapMS))
		if d.pipelineMS > 0 {
			d.pipelineMS = d.pipelineMS*(1-emaAlpha) + latency*emaAlpha
		} else {
			d.pipelineMS = latency
		}
		if d.networkRTTMS > 0 {
			d.latencyMS = d.networkRTTMS
		} else {
			d.latencyMS = d.pipelineMS
		}
	}
}

// heartbeat records a dj_heartbeat and returns the ack payload fields.
func (d *DJConn) heartbeat(ts any, mcConnected bool) (serverTime float64) {
	now := time.Now()
	serverTime = nowSec()

	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastHeartbeat = now

	if tsVal, ok := sanitize.Num(ts); ok {
		corrected := tsVal
		if d.clockSyncDone {
			corrected -= d.clockOffset
		}
		rttMS := (serverTime - corrected) * 1000
		rttMS = math.Max(0, math.Min(rttMS, latencyCapMS))
		if d.networkRTTMS > 0 {
			d.networkRTTMS = d.networkRTTMS*(1-emaAlpha) + rttMS*emaAlpha
		} else {
			d.networkRTTMS = rttMS
		}
		d.latencyMS = d.networkRTTMS
	}
	if d.DirectMode {
		d.mcConnected = mcConnected
	}
	return serverTime
}

// setClockSync stores a successful NTP-style sync result.
func (d *DJConn) setClockSync(offset float64) {
	d.mu.Lock()
	d.clockOffset = offset
	d.clockSyncDone = true
	d.mu.Unlock()
}

// snapshot returns a consistent copy of the DJ's audio state.
func (d *DJConn) snapshot() audioSnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.audio
}

// directPublishing reports whether this DJ publishes to the renderer
// itself (direct mode with a healthy downstream link).
func (d *DJConn) directPublishing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.DirectMode && d.mcConnected
}

func (d *DJConn) markVoiceStreaming() {
	d.mu.Lock()
	d.voiceStreaming = true
	d.mu.Unlock()
}

// rosterEntry builds the admin-panel view of this DJ.
func (d *DJConn) rosterEntry(active bool, queuePos int) protocol.RosterEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	e := protocol.RosterEntry{
		DJID:              d.DJID,
		DJName:            d.DJName,
		IsActive:          active,
		ConnectedAt:       float64(d.ConnectedAt.UnixNano()) / 1e9,
		FPS:               round1(d.fps),
		LatencyMS:         round1(d.latencyMS),
		PingMS:            round1(d.networkRTTMS),
		PipelineLatencyMS: round1(d.pipelineMS),
		BPM:               round1(d.audio.BPM),
		TempoConfidence:   round3(d.audio.TempoConf),
		BeatPhase:         round3(d.audio.BeatPhase),
		Priority:          d.Priority,
		LastFrameAgeMS:    math.Round(time.Since(d.lastFrameAt).Seconds() * 1000),
		DirectMode:        d.DirectMode,
		QueuePosition:     queuePos,
	}
	if d.DirectMode {
		mc := d.mcConnected
		e.MCConnected = &mc
	}
	return e
}

// stabilizeBPM normalizes octave errors against the previous estimate and
// smooths the result to avoid a jumpy admin UI.
func stabilizeBPM(prev, raw float64) float64 {
	if prev < 40 || prev > 240 {
		prev = 120
	}
	candidates := []float64{raw, raw * 2, raw * 0.5}
	var valid []float64
	for _, c := range candidates {
		if c >= 60 && c <= 200 {
			valid = append(valid, c)
		}
	}
	if len(valid) == 0 {
		valid = []float64{math.Max(60, math.Min(200, raw))}
	}
	chosen := valid[0]
	for _, c := range valid[1:] {
		if math.Abs(c-prev) < math.Abs(chosen-prev) {
			chosen = c
		}
	}
	alpha := 0.4
	if math.Abs(chosen-prev) > 8 {
		alpha = 0.25
	}
	bpm := (1-alpha)*prev + alpha*chosen
	return math.Max(60, math.Min(200, bpm))
}

// phaseAssist fabricates a missed beat from phase and confidence data.
// Called once per broadcast tick for the active DJ.
func (d *DJConn) phaseAssist(isBeat bool, intensity float64) (bool, float64) {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()

	if isBeat {
		d.phaseAssistLast = now
		return isBeat, intensity
	}
	if d.audio.TempoConf < 0.60 || d.audio.BPM < 60 {
		return isBeat, intensity
	}

	beatPeriod := 60.0 / math.Max(60, d.audio.BPM)
	phase := math.Max(0, math.Min(1, d.audio.BeatPhase))
	nearBoundary := phase < 0.08 || phase > 0.92
	canFire := d.phaseAssistLast.IsZero() ||
		now.Sub(d.phaseAssistLast).Seconds() >= beatPeriod*0.60
	if nearBoundary && canFire {
		d.phaseAssistLast = now
		assisted := math.Max(intensity, math.Min(1, 0.50+d.audio.TempoConf*0.25))
		return true, assisted
	}
	return isBeat, intensity
}

// pendingDJ is a connect-code applicant awaiting operator approval. The
// DJConn is created up front so every write to the socket, before and
// after approval, shares one write mutex.
type pendingDJ struct {
	dj           *DJConn
	WaitingSince time.Time
	Code         string

	// decided is closed exactly once when an operator approves or denies;
	// approved reports which.
	decided  chan struct{}
	approved bool
	once     sync.Once
}

func (p *pendingDJ) decide(approved bool) {
	p.once.Do(func() {
		p.approved = approved
		close(p.decided)
	})
}

func (p *pendingDJ) entry() protocol.PendingEntry {
	return protocol.PendingEntry{
		DJID:         p.dj.DJID,
		DJName:       p.dj.DJName,
		WaitingSince: float64(p.WaitingSince.UnixNano()) / 1e9,
		DirectMode:   p.dj.DirectMode,
	}
}

func nowSec() float64 { return float64(time.Now().UnixNano()) / 1e9 }

func round1(v float64) float64 { return math.Round(v*10) / 10 }
func round3(v float64) float64 { return math.Round(v*1000) / 1000 }
