// Package httpapi hosts the server's listeners as Echo applications: the
// DJ and browser WebSocket endpoints, the admin-panel static files, and
// the health/metrics surface.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"audioviz/vjserver/internal/vj"
)

// App wraps one Echo listener.
type App struct {
	echo *echo.Echo
	name string
	log  *slog.Logger
}

// Echo exposes the underlying Echo instance for tests.
func (a *App) Echo() *echo.Echo { return a.echo }

func newApp(name string, log *slog.Logger) *App {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger(log))
	return &App{echo: e, name: name, log: log}
}

// requestLogger returns Echo middleware that logs each HTTP request via
// slog. WebSocket upgrades and health/metrics polls are high-frequency, so
// they log at debug level; everything else logs at info.
func requestLogger(log *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			req := c.Request()
			path := req.URL.Path

			switch path {
			case "/", "/ws", "/health", "/metrics":
				log.Debug("http request",
					"method", req.Method,
					"path", path,
					"status", c.Response().Status,
					"duration_ms", time.Since(start).Milliseconds(),
				)
			default:
				log.Info("http request",
					"method", req.Method,
					"path", path,
					"status", c.Response().Status,
					"duration_ms", time.Since(start).Milliseconds(),
					"remote", c.RealIP(),
				)
			}
			return nil
		}
	}
}

// Run starts the listener and blocks until ctx cancellation or startup
// failure.
func (a *App) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := a.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	a.log.Info("listener up", "name", a.name, "addr", addr)
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.echo.Shutdown(shutCtx)
		a.log.Info("listener stopped", "name", a.name)
		return nil
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// NewDJApp serves the DJ WebSocket endpoint. DJ clients connect to the
// root path; /ws is kept as an alias.
func NewDJApp(server *vj.Server, log *slog.Logger) *App {
	a := newApp("dj", log)
	handler := func(c echo.Context) error {
		conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			log.Error("DJ upgrade failed", "remote", c.RealIP(), "err", err)
			return err
		}
		server.HandleDJ(conn)
		return nil
	}
	a.echo.GET("/", handler)
	a.echo.GET("/ws", handler)
	return a
}

// NewBrowserApp serves the browser/admin WebSocket endpoint.
func NewBrowserApp(server *vj.Server, log *slog.Logger) *App {
	a := newApp("browser", log)
	handler := func(c echo.Context) error {
		conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			log.Error("browser upgrade failed", "remote", c.RealIP(), "err", err)
			return err
		}
		server.HandleBrowser(conn)
		return nil
	}
	a.echo.GET("/", handler)
	a.echo.GET("/ws", handler)
	return a
}

// NewAdminApp serves the admin panel and 3D preview static files.
func NewAdminApp(adminDir, previewDir string, log *slog.Logger) *App {
	a := newApp("admin", log)
	if previewDir != "" {
		a.echo.Static("/preview", previewDir)
	}
	if adminDir != "" {
		a.echo.Static("/", adminDir)
	}
	return a
}

// NewMetricsApp serves GET /health (JSON) and GET /metrics (Prometheus
// text format).
func NewMetricsApp(server *vj.Server, log *slog.Logger) *App {
	a := newApp("metrics", log)
	a.echo.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, server.Status())
	})
	a.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	return a
}
