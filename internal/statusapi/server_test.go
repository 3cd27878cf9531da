package statusapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"syncroom/internal/config"
	"syncroom/internal/device"
)

func newTestDevice(t *testing.T) *device.Device {
	t.Helper()
	d, err := device.New("dev-1", "Host", true, config.Default(), t.TempDir(), nil, nil)
	if err != nil {
		t.Fatalf("device.New: %v", err)
	}
	t.Cleanup(d.Close)
	return d
}

func TestHealthzReturnsOK(t *testing.T) {
	d := newTestDevice(t)
	s := New(d)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec.Body.String() != "ok" {
		t.Fatalf("body = %q, want %q", rec.Body.String(), "ok")
	}
}

func TestStatusReportsDeviceSnapshot(t *testing.T) {
	d := newTestDevice(t)
	s := New(d)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.DeviceID != "dev-1" {
		t.Fatalf("DeviceID = %q, want %q", resp.DeviceID, "dev-1")
	}
	if !resp.IsHost {
		t.Fatalf("IsHost = false, want true")
	}
	if resp.ConnectionCount != 0 {
		t.Fatalf("ConnectionCount = %d, want 0", resp.ConnectionCount)
	}
	if resp.PlaybackState != "idle" {
		t.Fatalf("PlaybackState = %q, want %q", resp.PlaybackState, "idle")
	}
}
