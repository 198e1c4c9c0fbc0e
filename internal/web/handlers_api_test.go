package web

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"aqara-gateway-go/internal/device"
	"aqara-gateway-go/internal/engine"
	"aqara-gateway-go/internal/store"
	"aqara-gateway-go/internal/telemetry"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []map[string]any
	dids []string
}

func (s *recordingSender) Send(did string, command map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dids = append(s.dids, did)
	s.sent = append(s.sent, command)
	return nil
}

func (s *recordingSender) last() (string, map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) == 0 {
		return "", nil
	}
	return s.dids[len(s.dids)-1], s.sent[len(s.sent)-1]
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func setupTestEngine(t *testing.T) (*engine.Engine, *recordingSender) {
	t.Helper()
	db, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	eng := engine.New(engine.Config{}, device.NewCatalog(), db, engine.NewEventBus(testLogger()), testLogger())
	sender := &recordingSender{}
	eng.SetSender(sender)
	ctx, cancel := context.WithCancel(context.Background())
	if err := eng.Start(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		eng.Stop()
		cancel()
	})
	return eng, sender
}

func setupTestServer(t *testing.T, apiKey string, opts ...ServerOption) (*Server, *engine.Engine, *recordingSender) {
	t.Helper()
	eng, sender := setupTestEngine(t)
	if apiKey != "" {
		opts = append(opts, WithAPIKey(apiKey))
	}
	srv := NewServer(eng, testLogger(), opts...)
	t.Cleanup(srv.Stop)
	return srv, eng, sender
}

const (
	motionDID = "lumi.158d0001a2b3c4"
	plugDID   = "lumi.158d0002b3c4d5"
)

func seedDevice(t *testing.T, eng *engine.Engine, did, model string) {
	t.Helper()
	if err := eng.Register(context.Background(), device.Descriptor{DID: did, Model: model}); err != nil {
		t.Fatal(err)
	}
}

// settle round-trips through the engine loop so earlier dispatches have run.
func settle(eng *engine.Engine) {
	_ = eng.ForceIdle(context.Background(), "sensor.none")
}

func do(srv *Server, method, target, body string) *httptest.ResponseRecorder {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, target, nil)
	} else {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, r)
	return w
}

func TestAPIVersion(t *testing.T) {
	srv, _, _ := setupTestServer(t, "", WithVersion("1.2.3"))
	w := do(srv, "GET", "/api/version", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"1.2.3"`) {
		t.Errorf("status = %d body = %s", w.Code, w.Body.String())
	}
}

func TestAPIListDevices(t *testing.T) {
	srv, eng, _ := setupTestServer(t, "")
	seedDevice(t, eng, plugDID, "lumi.plug")
	seedDevice(t, eng, motionDID, "lumi.sensor_motion.aq2")

	w := do(srv, "GET", "/api/devices", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var devices []device.Descriptor
	if err := json.NewDecoder(w.Body).Decode(&devices); err != nil {
		t.Fatal(err)
	}
	if len(devices) != 2 || devices[0].DID != motionDID {
		t.Errorf("devices = %+v", devices)
	}
}

func TestAPIListDevicesLastSeen(t *testing.T) {
	srv, eng, _ := setupTestServer(t, "")
	seedDevice(t, eng, plugDID, "lumi.plug")
	seedDevice(t, eng, motionDID, "lumi.sensor_motion.aq2")
	before := time.Now().Add(-time.Second)
	eng.Dispatch(plugDID, telemetry.Batch{"channel_0": 1})
	settle(eng)

	var devices []device.Descriptor
	if err := json.NewDecoder(do(srv, "GET", "/api/devices", "").Body).Decode(&devices); err != nil {
		t.Fatal(err)
	}
	if len(devices) != 2 {
		t.Fatalf("devices = %+v", devices)
	}
	for _, d := range devices {
		switch d.DID {
		case plugDID:
			if d.LastSeen.Before(before) {
				t.Errorf("plug last_seen = %v, want after %v", d.LastSeen, before)
			}
		case motionDID:
			if !d.LastSeen.IsZero() {
				t.Errorf("silent device last_seen = %v, want zero", d.LastSeen)
			}
		}
	}
}

func TestAPIGetDevice(t *testing.T) {
	srv, eng, _ := setupTestServer(t, "")
	seedDevice(t, eng, motionDID, "lumi.sensor_motion.aq2")
	eng.Dispatch(motionDID, telemetry.Batch{"motion": 1})
	settle(eng)

	w := do(srv, "GET", "/api/devices/"+motionDID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var view struct {
		DID    string               `json:"did"`
		Model  string               `json:"model"`
		States []telemetry.Snapshot `json:"states"`
	}
	if err := json.NewDecoder(w.Body).Decode(&view); err != nil {
		t.Fatal(err)
	}
	if view.DID != motionDID || view.Model != "lumi.sensor_motion.aq2" {
		t.Errorf("view = %+v", view)
	}
	motionID := telemetry.EntityID(telemetry.DomainBinarySensor, motionDID, "motion")
	var found bool
	for _, s := range view.States {
		if s.Entity == motionID {
			found = true
			if s.State != telemetry.StateOn {
				t.Errorf("motion state = %v, want on", s.State)
			}
		}
	}
	if !found {
		t.Errorf("motion entity missing from %+v", view.States)
	}
}

func TestAPIGetDeviceNotFound(t *testing.T) {
	srv, _, _ := setupTestServer(t, "")
	if w := do(srv, "GET", "/api/devices/lumi.nobody", ""); w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestAPIRegisterDevice(t *testing.T) {
	srv, eng, _ := setupTestServer(t, "")

	w := do(srv, "POST", "/api/devices", `{"did":"`+plugDID+`","model":"lumi.plug","friendly_name":"Desk"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	d, ok := eng.Device(plugDID)
	if !ok || d.Name() != "Desk" || len(d.Entities) == 0 {
		t.Errorf("registered = %+v, %v", d, ok)
	}

	if w := do(srv, "POST", "/api/devices", `{"did":"lumi.x"}`); w.Code != http.StatusBadRequest {
		t.Errorf("missing model: status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if w := do(srv, "POST", "/api/devices", `{`); w.Code != http.StatusBadRequest {
		t.Errorf("bad json: status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestAPIDeleteDevice(t *testing.T) {
	srv, eng, _ := setupTestServer(t, "")
	seedDevice(t, eng, plugDID, "lumi.plug")

	if w := do(srv, "DELETE", "/api/devices/"+plugDID, ""); w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if _, ok := eng.Device(plugDID); ok {
		t.Error("expected device to be removed")
	}
	if w := do(srv, "DELETE", "/api/devices/"+plugDID, ""); w.Code != http.StatusNotFound {
		t.Errorf("second delete: status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestAPISendCommand(t *testing.T) {
	srv, eng, sender := setupTestServer(t, "")
	seedDevice(t, eng, plugDID, "lumi.plug")

	w := do(srv, "POST", "/api/devices/"+plugDID+"/command", `{"channel_0": 1}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	did, cmd := sender.last()
	if did != plugDID || cmd["channel_0"] != float64(1) {
		t.Errorf("sent %s %v", did, cmd)
	}

	if w := do(srv, "POST", "/api/devices/lumi.nobody/command", `{"a":1}`); w.Code != http.StatusNotFound {
		t.Errorf("unknown device: status = %d", w.Code)
	}
	if w := do(srv, "POST", "/api/devices/"+plugDID+"/command", `{}`); w.Code != http.StatusBadRequest {
		t.Errorf("empty command: status = %d", w.Code)
	}

	eng.SetSender(nil)
	if w := do(srv, "POST", "/api/devices/"+plugDID+"/command", `{"channel_0": 0}`); w.Code != http.StatusServiceUnavailable {
		t.Errorf("no sender: status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestAPISendCommandPayloadLimit(t *testing.T) {
	srv, eng, _ := setupTestServer(t, "")
	seedDevice(t, eng, plugDID, "lumi.plug")

	big := `{"x":"` + strings.Repeat("a", maxBodyBytes+1) + `"}`
	req := httptest.NewRequest("POST", "/api/devices/"+plugDID+"/command", bytes.NewBufferString(big))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestAPIListEntities(t *testing.T) {
	srv, eng, _ := setupTestServer(t, "")
	seedDevice(t, eng, motionDID, "lumi.sensor_motion.aq2")
	seedDevice(t, eng, plugDID, "lumi.plug")
	eng.Dispatch(motionDID, telemetry.Batch{"motion": 1, "illuminance": 12})
	eng.Dispatch(plugDID, telemetry.Batch{"channel_0": 1, "power": 4.5})
	settle(eng)

	var all []telemetry.Snapshot
	if err := json.NewDecoder(do(srv, "GET", "/api/entities", "").Body).Decode(&all); err != nil {
		t.Fatal(err)
	}
	if len(all) < 4 {
		t.Errorf("entities = %d, want at least 4", len(all))
	}

	var switches []telemetry.Snapshot
	if err := json.NewDecoder(do(srv, "GET", "/api/entities?kind=switch", "").Body).Decode(&switches); err != nil {
		t.Fatal(err)
	}
	if len(switches) != 1 || switches[0].Device != plugDID {
		t.Errorf("switches = %+v", switches)
	}

	var none []telemetry.Snapshot
	if err := json.NewDecoder(do(srv, "GET", "/api/entities?device=lumi.nobody", "").Body).Decode(&none); err != nil {
		t.Fatal(err)
	}
	if none == nil || len(none) != 0 {
		t.Errorf("filtered = %#v, want empty list", none)
	}
}

func TestAPIGetEntity(t *testing.T) {
	srv, eng, _ := setupTestServer(t, "")
	seedDevice(t, eng, plugDID, "lumi.plug")
	eng.Dispatch(plugDID, telemetry.Batch{"channel_0": 1})
	settle(eng)

	id := telemetry.EntityID(telemetry.DomainSwitch, plugDID, "channel_0")
	w := do(srv, "GET", "/api/entities/"+id, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var snap telemetry.Snapshot
	if err := json.NewDecoder(w.Body).Decode(&snap); err != nil {
		t.Fatal(err)
	}
	if snap.State != telemetry.StateOn {
		t.Errorf("state = %v", snap.State)
	}

	if w := do(srv, "GET", "/api/entities/switch.nothing", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing: status = %d", w.Code)
	}
}

func TestAPIEntityCommand(t *testing.T) {
	srv, eng, sender := setupTestServer(t, "")
	seedDevice(t, eng, plugDID, "lumi.plug")
	id := telemetry.EntityID(telemetry.DomainSwitch, plugDID, "channel_0")

	w := do(srv, "POST", "/api/entities/"+id+"/command", `{"action":"turn_on"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	did, cmd := sender.last()
	if did != plugDID || cmd["channel_0"] != 1 {
		t.Errorf("sent %s %v", did, cmd)
	}

	tests := []struct {
		name   string
		target string
		body   string
		want   int
	}{
		{"missing action", id, `{}`, http.StatusBadRequest},
		{"unsupported action", id, `{"action":"set_position","value":10}`, http.StatusBadRequest},
		{"unknown entity", "switch.nothing", `{"action":"turn_on"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(srv, "POST", "/api/entities/"+tt.target+"/command", tt.body)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestAPIForceIdle(t *testing.T) {
	srv, eng, _ := setupTestServer(t, "")
	seedDevice(t, eng, motionDID, "lumi.sensor_motion.aq2")
	id := telemetry.EntityID(telemetry.DomainBinarySensor, motionDID, "motion")
	eng.Dispatch(motionDID, telemetry.Batch{"motion": 1})

	if w := do(srv, "POST", "/api/entities/"+id+"/idle", ""); w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if s, _ := eng.Snapshot(id); s.State != telemetry.StateOff {
		t.Errorf("state = %v, want off", s.State)
	}

	plugSwitch := telemetry.EntityID(telemetry.DomainSwitch, plugDID, "channel_0")
	seedDevice(t, eng, plugDID, "lumi.plug")
	if w := do(srv, "POST", "/api/entities/"+plugSwitch+"/idle", ""); w.Code != http.StatusBadRequest {
		t.Errorf("idle on a switch: status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestMetricsRoute(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("aqara_devices 0\n"))
	})
	srv, _, _ := setupTestServer(t, "secret-key", WithMetrics(metrics))

	// /metrics sits outside /api/ and needs no key.
	w := do(srv, "GET", "/metrics", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "aqara_devices") {
		t.Errorf("status = %d body = %q", w.Code, w.Body.String())
	}
}

func TestAuthMiddlewareHeader(t *testing.T) {
	srv, _, _ := setupTestServer(t, "secret-key")

	req := httptest.NewRequest("GET", "/api/devices", nil)
	req.Header.Set("X-API-Key", "secret-key")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("correct header key: status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestAuthMiddlewareQueryParam(t *testing.T) {
	srv, _, _ := setupTestServer(t, "secret-key")
	if w := do(srv, "GET", "/api/devices?api_key=secret-key", ""); w.Code != http.StatusOK {
		t.Errorf("correct query key: status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestAuthMiddlewareMissing(t *testing.T) {
	srv, _, _ := setupTestServer(t, "secret-key")
	if w := do(srv, "GET", "/api/devices", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("missing key: status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestAuthMiddlewareWrongKey(t *testing.T) {
	srv, _, _ := setupTestServer(t, "secret-key")

	req := httptest.NewRequest("GET", "/api/devices", nil)
	req.Header.Set("X-API-Key", "wrong-key")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong key: status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestCORS(t *testing.T) {
	srv, eng, _ := setupTestServer(t, "", WithAllowedOrigins([]string{"http://ha.local"}))
	seedDevice(t, eng, plugDID, "lumi.plug")

	pre := httptest.NewRequest("OPTIONS", "/api/devices", nil)
	pre.Header.Set("Origin", "http://ha.local")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, pre)
	if w.Code != http.StatusNoContent || w.Header().Get("Access-Control-Allow-Origin") != "http://ha.local" {
		t.Errorf("preflight: status = %d headers = %v", w.Code, w.Header())
	}

	bad := httptest.NewRequest("DELETE", "/api/devices/"+plugDID, nil)
	bad.Header.Set("Origin", "http://evil.example")
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, bad)
	if w.Code != http.StatusForbidden {
		t.Errorf("foreign origin: status = %d, want %d", w.Code, http.StatusForbidden)
	}
	if _, ok := eng.Device(plugDID); !ok {
		t.Error("forbidden request removed the device")
	}
}
