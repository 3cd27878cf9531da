// Package statusapi exposes a small read-only HTTP diagnostics surface
// alongside the signaling websocket: a liveness probe and a status
// snapshot of the device's subsystems. No control operation is ever
// exposed here; everything mutable flows through the WebRTC data channel
// protocol instead.
package statusapi

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"syncroom/internal/device"
)

// Server runs the diagnostics HTTP server on its own port, separate from
// the signaling websocket.
type Server struct {
	dev  *device.Device
	echo *echo.Echo
}

// New constructs a Server bound to dev and registers its routes.
func New(dev *device.Device) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{dev: dev, echo: e}
	e.GET("/healthz", s.handleHealthz)
	e.GET("/api/status", s.handleStatus)
	return s
}

// Run starts the HTTP server on addr and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.echo.Start(addr) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.echo.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealthz(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

// statusResponse is the /api/status payload: a read-only snapshot of this
// device's role, connectivity, and playback state, plus host-machine
// resource usage for operator diagnostics.
type statusResponse struct {
	DeviceID        string  `json:"deviceId"`
	Label           string  `json:"label"`
	IsHost          bool    `json:"isHost"`
	ConnectionCount int     `json:"connectionCount"`
	PlaybackState   string  `json:"playbackState"`
	CPUPercent      float64 `json:"cpuPercent,omitempty"`
	MemUsedPercent  float64 `json:"memUsedPercent,omitempty"`
}

func (s *Server) handleStatus(c echo.Context) error {
	resp := statusResponse{
		DeviceID:        s.dev.ID,
		Label:           s.dev.Label,
		IsHost:          s.dev.IsHost,
		ConnectionCount: s.dev.ConnectionCount(),
		PlaybackState:   string(s.dev.Playback.State()),
	}
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		resp.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		resp.MemUsedPercent = vm.UsedPercent
	}
	return c.JSON(http.StatusOK, resp)
}
