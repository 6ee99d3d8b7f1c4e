package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"audioviz/vjserver/internal/auth"
	"audioviz/vjserver/internal/httpapi"
	"audioviz/vjserver/internal/vj"
)

// Version is stamped by the release build.
var Version = "dev"

func main() {
	// Check for CLI subcommands before parsing flags.
	if len(os.Args) > 1 {
		if RunCLI(os.Args[1:]) {
			return
		}
	}

	djPort := flag.Int("dj-port", 9000, "port for DJ connections")
	broadcastPort := flag.Int("broadcast-port", 8766, "port for browser/admin clients")
	httpPort := flag.Int("http-port", 8080, "HTTP port for the admin panel (0 to disable)")
	metricsPort := flag.Int("metrics-port", 9090, "HTTP port for /health and /metrics (0 to disable)")
	mcHost := flag.String("minecraft-host", "localhost", "renderer host")
	mcPort := flag.Int("minecraft-port", 8765, "renderer WebSocket port")
	zone := flag.String("zone", "main", "visualization zone")
	entities := flag.Int("entities", 16, "entity count")
	authPath := flag.String("config", "configs/dj_auth.json", "path to DJ auth config")
	requireAuth := flag.Bool("require-auth", false, "require DJ authentication")
	noMinecraft := flag.Bool("no-minecraft", false, "run without the renderer")
	dataDir := flag.String("data-dir", "configs", "directory for banner profiles")
	adminDir := flag.String("admin-dir", "admin_panel", "admin panel static files (empty to disable)")
	previewDir := flag.String("preview-dir", "preview_tool/frontend", "3D preview static files (empty to disable)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	if *entities < 1 {
		log.Error("entity count must be positive", "entities", *entities)
		os.Exit(1)
	}

	// Load auth config; plaintext secrets are fatal with -require-auth.
	var store *auth.Store
	if st, err := auth.Load(*authPath); err == nil {
		store = st
		log.Info("loaded auth config", "djs", len(st.DJs), "vj_operators", len(st.VJOperators))
		if err := st.Check(); err != nil {
			if *requireAuth {
				log.Error("refusing to start with plaintext secrets", "err", err)
				fmt.Fprintf(os.Stderr, "hash them with: %s auth rehash %s\n", os.Args[0], *authPath)
				os.Exit(1)
			}
			log.Warn("auth config has plaintext secrets", "err", err)
		}
	} else if *requireAuth {
		log.Error("auth config not found", "path", *authPath, "err", err)
		os.Exit(1)
	}

	server := vj.New(vj.Options{
		MinecraftHost: *mcHost,
		MinecraftPort: *mcPort,
		Zone:          *zone,
		EntityCount:   *entities,
		Auth:          store,
		RequireAuth:   *requireAuth,
		SkipMinecraft: *noMinecraft,
		DataDir:       *dataDir,
		Log:           log,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *noMinecraft {
		log.Info("running without renderer (-no-minecraft)")
	} else if err := server.ConnectRenderer(ctx); err != nil {
		log.Warn("renderer unavailable, continuing; supervisor will retry", "err", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(ctx) })
	g.Go(func() error {
		return httpapi.NewDJApp(server, log).Run(ctx, fmt.Sprintf(":%d", *djPort))
	})
	g.Go(func() error {
		return httpapi.NewBrowserApp(server, log).Run(ctx, fmt.Sprintf(":%d", *broadcastPort))
	})
	if *httpPort > 0 {
		g.Go(func() error {
			return httpapi.NewAdminApp(*adminDir, *previewDir, log).Run(ctx, fmt.Sprintf(":%d", *httpPort))
		})
	}
	if *metricsPort > 0 {
		g.Go(func() error {
			return httpapi.NewMetricsApp(server, log).Run(ctx, fmt.Sprintf(":%d", *metricsPort))
		})
	}

	log.Info("VJ server ready",
		"dj_port", *djPort, "broadcast_port", *broadcastPort,
		"http_port", *httpPort, "metrics_port", *metricsPort)

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.Error("server failed", "err", err)
		os.Exit(1)
	}
	log.Info("shutdown complete")
}
