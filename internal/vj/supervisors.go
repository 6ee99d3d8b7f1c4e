package vj

import (
	"context"
	"fmt"
	"time"

	"audioviz/vjserver/internal/metrics"
	"audioviz/vjserver/internal/protocol"
)

const (
	mcBackoffFactor  = 1.5
	browserMaxMissed = 2
)

// Supervisor cadences; variables so tests can tighten them.
var (
	mcPollInterval   = 5 * time.Second
	mcInitialBackoff = 5 * time.Second
	mcMaxBackoff     = 10 * time.Second
	browserPingEvery = 15 * time.Second
)

// ConnectRenderer dials the renderer and prepares the entity pool: welcome
// handshake, zone discovery (falling back to the first available zone when
// the configured one is missing), and pool init.
func (s *Server) ConnectRenderer(ctx context.Context) error {
	if err := s.renderer.Connect(ctx); err != nil {
		return err
	}

	zones, err := s.renderer.GetZones(ctx)
	if err != nil {
		return fmt.Errorf("get zones: %w", err)
	}
	if len(zones) == 0 {
		return fmt.Errorf("renderer reports no zones")
	}

	zone := s.currentZone()
	found := false
	for _, z := range zones {
		if z.Name == zone {
			found = true
			break
		}
	}
	if !found {
		s.stateMu.Lock()
		s.zone = zones[0].Name
		zone = s.zone
		s.stateMu.Unlock()
		s.log.Info("configured zone missing, using first available", "zone", zone)
	}

	if err := s.renderer.InitPool(ctx, zone, s.entityCount(), poolMaterial); err != nil {
		s.log.Warn("init pool timed out, continuing", "err", err)
	}
	return nil
}

// mcReconnectLoop supervises the renderer link: poll every 5 s, reconnect
// with capped exponential backoff, and on every state transition push
// minecraft_status to browsers and fresh routing policy to DJs so direct
// publishers can rebuild their own downstream.
func (s *Server) mcReconnectLoop(ctx context.Context) error {
	backoff := mcInitialBackoff
	ticker := time.NewTicker(mcPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if s.renderer.Connected() {
			backoff = mcInitialBackoff
			s.broadcastMinecraftStatus()
			continue
		}

		s.broadcastMinecraftStatus()
		s.broadcastStreamRoutes()
		s.log.Info("renderer disconnected, attempting reconnect", "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		if err := s.ConnectRenderer(ctx); err != nil {
			s.log.Warn("renderer reconnect failed", "err", err, "next_backoff", backoff)
			backoff = min(time.Duration(float64(backoff)*mcBackoffFactor), mcMaxBackoff)
			continue
		}

		s.mcReconnects.Add(1)
		metrics.MCReconnectsTotal.Inc()
		backoff = mcInitialBackoff
		s.log.Info("renderer reconnected")
		s.broadcastMinecraftStatus()
		s.broadcastStreamRoutes()
		s.sendDJInfoToRenderer(s.ActiveDJID())
	}
}

// broadcastMinecraftStatus pushes the renderer link state to browsers when
// it changes.
func (s *Server) broadcastMinecraftStatus() {
	connected := s.renderer.Connected()
	if s.lastMCConnected.Swap(connected) == connected {
		return
	}
	s.log.Info("renderer status change", "connected", connected)
	s.broadcastToBrowsers(map[string]any{
		"type":      protocol.TypeMinecraftStatus,
		"connected": connected,
	})
}

// browserHeartbeatLoop pings observers every 15 s and closes any that miss
// two consecutive pongs with code 4100.
func (s *Server) browserHeartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(browserPingEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		now := time.Now()
		var dead []*browserClient

		s.browserMu.Lock()
		clients := make([]*browserClient, 0, len(s.browsers))
		for c := range s.browsers {
			clients = append(clients, c)
		}
		for _, c := range clients {
			if !c.lastPingAt.IsZero() && c.lastPongAt.Before(c.lastPingAt) {
				c.missedPongs++
				if c.missedPongs >= browserMaxMissed {
					dead = append(dead, c)
					continue
				}
			}
			c.lastPingAt = now
		}
		s.browserMu.Unlock()

		for _, c := range dead {
			s.log.Info("browser heartbeat timeout", "remote", c.remote, "missed", c.missedPongs)
			closeWith(c.conn, protocol.CloseHeartbeatTimeout, "Heartbeat timeout")
			s.dropBrowser(c, "heartbeat timeout")
		}

		ping := []byte(`{"type":"ping"}`)
		for _, c := range s.browserSnapshot() {
			if !c.enqueue(ping) {
				s.dropBrowser(c, "send buffer full")
			}
		}
	}
}
