// Package mc is the outbound WebSocket client for the Minecraft renderer.
// Per-frame updates are fire-and-forget; control operations are
// request/response with a per-request timeout. A send failure marks the
// client disconnected and leaves reconnection to the supervisor.
package mc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"audioviz/vjserver/internal/protocol"
)

const (
	// ConnectTimeout bounds the dial plus welcome handshake.
	ConnectTimeout = 10 * time.Second
	// RequestTimeout bounds every request/response operation.
	RequestTimeout = 5 * time.Second

	writeTimeout = 5 * time.Second
)

// ErrNotConnected is returned by operations attempted without a live link.
var ErrNotConnected = errors.New("renderer not connected")

// Audio is the clamped per-frame audio payload attached to fast updates.
type Audio struct {
	Bands           [5]float64 `json:"bands"`
	Amplitude       float64    `json:"amplitude"`
	IsBeat          bool       `json:"is_beat"`
	BeatIntensity   float64    `json:"beat_intensity"`
	BPM             float64    `json:"bpm"`
	TempoConfidence float64    `json:"tempo_confidence"`
	BeatPhase       float64    `json:"beat_phase"`
}

// Client owns the single downstream renderer connection.
type Client struct {
	addr string
	log  *slog.Logger

	writeMu sync.Mutex // serializes writes on conn
	mu      sync.Mutex // guards conn swaps
	conn    *websocket.Conn

	connected atomic.Bool

	// responses carries decoded non-pong messages from the receive loop
	// to the request/response path, matched FIFO like the renderer
	// protocol expects (the renderer does not echo request ids).
	responses  chan map[string]any
	cancelRecv context.CancelFunc
}

// New creates a client for ws://host:port.
func New(host string, port int, log *slog.Logger) *Client {
	return &Client{
		addr: fmt.Sprintf("ws://%s:%d", host, port),
		log:  log,
	}
}

// Connected reports whether the link is believed healthy.
func (c *Client) Connected() bool { return c.connected.Load() }

// Connect dials the renderer, waits for its welcome message, and starts
// the receive loop. Any previous connection is torn down first.
func (c *Client) Connect(ctx context.Context) error {
	c.Disconnect()

	dialCtx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.addr, nil)
	if err != nil {
		return fmt.Errorf("dial renderer %s: %w", c.addr, err)
	}

	// The renderer greets every connection; consume it before use.
	deadline, _ := dialCtx.Deadline()
	_ = conn.SetReadDeadline(deadline)
	var welcome map[string]any
	if err := conn.ReadJSON(&welcome); err != nil {
		conn.Close()
		return fmt.Errorf("renderer welcome: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	recvCtx, cancelRecv := context.WithCancel(context.Background())

	c.mu.Lock()
	c.conn = conn
	c.responses = make(chan map[string]any, 16)
	c.cancelRecv = cancelRecv
	c.mu.Unlock()
	c.connected.Store(true)

	go c.receiveLoop(recvCtx, conn, c.responses)

	c.log.Info("renderer connected", "addr", c.addr, "welcome", welcome["message"])
	return nil
}

// Disconnect closes the connection if open.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	cancel := c.cancelRecv
	c.conn = nil
	c.cancelRecv = nil
	c.mu.Unlock()

	c.connected.Store(false)
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

func (c *Client) receiveLoop(ctx context.Context, conn *websocket.Conn, responses chan map[string]any) {
	// Only clear the connected flag if this loop's conn is still current;
	// a reconnect may already have swapped in a fresh one.
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.connected.Store(false)
		}
		c.mu.Unlock()
	}()
	for {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() == nil {
				c.log.Debug("renderer read error", "err", err)
			}
			return
		}
		if t, _ := msg["type"].(string); t == "pong" {
			continue
		}
		select {
		case responses <- msg:
		default:
			// A response nobody is waiting for; drop rather than stall the
			// read loop.
		}
	}
}

func (c *Client) write(msg any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil || !c.connected.Load() {
		return ErrNotConnected
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal renderer message: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.mu.Lock()
		if c.conn == conn {
			c.connected.Store(false)
		}
		c.mu.Unlock()
		return err
	}
	return nil
}

// Request sends msg and waits for the next renderer response.
func (c *Client) Request(ctx context.Context, msg any) (map[string]any, error) {
	c.mu.Lock()
	responses := c.responses
	c.mu.Unlock()
	if responses == nil {
		return nil, ErrNotConnected
	}

	if err := c.write(msg); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, RequestTimeout)
	defer cancel()
	select {
	case resp := <-responses:
		return resp, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("renderer request: %w", ctx.Err())
	}
}

// BatchUpdateFast is the fire-and-forget per-frame path: serialize, send,
// and on failure just mark the client disconnected. Never retried.
func (c *Client) BatchUpdateFast(zone string, entities []protocol.Entity, particles []protocol.Particle, audio *Audio) {
	msg := map[string]any{
		"type":     "batch_update",
		"zone":     zone,
		"entities": entities,
	}
	if len(particles) > 0 {
		msg["particles"] = particles
	}
	if audio != nil {
		msg["bands"] = audio.Bands
		msg["amplitude"] = audio.Amplitude
		msg["is_beat"] = audio.IsBeat
		msg["beat_intensity"] = audio.BeatIntensity
		msg["bpm"] = audio.BPM
		msg["tempo_confidence"] = audio.TempoConfidence
		msg["beat_phase"] = audio.BeatPhase
	}
	if err := c.write(msg); err != nil && !errors.Is(err, ErrNotConnected) {
		c.log.Debug("renderer fast update failed", "err", err)
	}
}

// Zone is one renderer visualization zone.
type Zone struct {
	Name string
}

// GetZones queries the renderer's zone list.
func (c *Client) GetZones(ctx context.Context) ([]Zone, error) {
	resp, err := c.Request(ctx, map[string]any{"type": "get_zones"})
	if err != nil {
		return nil, err
	}
	raw, _ := resp["zones"].([]any)
	zones := make([]Zone, 0, len(raw))
	for _, z := range raw {
		if m, ok := z.(map[string]any); ok {
			if name, ok := m["name"].(string); ok {
				zones = append(zones, Zone{Name: name})
			}
		}
	}
	return zones, nil
}

// GetZone queries one zone's details, returned raw for forwarding.
func (c *Client) GetZone(ctx context.Context, zone string) (map[string]any, error) {
	return c.Request(ctx, map[string]any{"type": "get_zone", "zone": zone})
}

// InitPool (re)initializes the entity pool for a zone.
func (c *Client) InitPool(ctx context.Context, zone string, count int, material string) error {
	_, err := c.Request(ctx, map[string]any{
		"type": "init_pool", "zone": zone, "count": count, "material": material,
	})
	return err
}

// CleanupZone removes all entities from a zone.
func (c *Client) CleanupZone(ctx context.Context, zone string) error {
	_, err := c.Request(ctx, map[string]any{"type": "cleanup_zone", "zone": zone})
	return err
}

// SetVisible toggles entity visibility for a zone.
func (c *Client) SetVisible(ctx context.Context, zone string, visible bool) error {
	_, err := c.Request(ctx, map[string]any{
		"type": "set_visible", "zone": zone, "visible": visible,
	})
	return err
}

// SendVoiceFrame relays one opaque base64 PCM frame. Fire and forget.
func (c *Client) SendVoiceFrame(data string, seq int64) {
	_ = c.write(map[string]any{"type": "voice_audio", "data": data, "seq": seq})
}

// SendVoiceConfig forwards a voice_config object and returns the renderer's
// voice_status response.
func (c *Client) SendVoiceConfig(ctx context.Context, cfg map[string]any) (map[string]any, error) {
	return c.Request(ctx, cfg)
}

// SendDJInfo pushes active-DJ metadata for stage decorators. Fire and forget.
func (c *Client) SendDJInfo(djID, djName string, bpm float64, active bool) {
	_ = c.write(map[string]any{
		"type": "dj_info", "dj_id": djID, "dj_name": djName,
		"bpm": bpm, "is_active": active,
	})
}

// SendBannerConfig pushes the active DJ's banner configuration. Fire and
// forget; pixels may be nil for text banners.
func (c *Client) SendBannerConfig(msg map[string]any) {
	_ = c.write(msg)
}
