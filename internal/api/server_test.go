package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/HsiangNianian/snyper/internal/controller"
	"github.com/HsiangNianian/snyper/internal/metrics"
	"github.com/HsiangNianian/snyper/internal/store"
	"github.com/HsiangNianian/snyper/internal/transport"
	"github.com/HsiangNianian/snyper/internal/ws"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeFleet struct {
	mu        sync.Mutex
	st        *store.MemoryStore
	ops       []string
	durations []int
	failWith  error
	observer  controller.Observer
}

func newFakeFleet() *fakeFleet {
	return &fakeFleet{st: store.NewMemoryStore()}
}

func (f *fakeFleet) run(op string) (controller.Results, error) {
	f.mu.Lock()
	f.ops = append(f.ops, op)
	err := f.failWith
	obs := f.observer
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	results := controller.Results{"t1": {Target: "t1", Address: "10.0.0.1:8080", Transport: transport.StatusSuccess, State: controller.StateAlive}}
	if obs != nil {
		obs.FanoutCompleted(op, results)
	}
	return results, nil
}

func (f *fakeFleet) PingAll(context.Context) (controller.Results, error) { return f.run(controller.OpPing) }
func (f *fakeFleet) RaiseAll(context.Context) (controller.Results, error) { return f.run(controller.OpRaise) }
func (f *fakeFleet) LowerAll(context.Context) (controller.Results, error) { return f.run(controller.OpLower) }
func (f *fakeFleet) Cleanup(context.Context) (controller.Results, error) { return f.run(controller.OpCleanup) }

func (f *fakeFleet) ActivateAll(_ context.Context, d int) (controller.Results, error) {
	if d <= 0 {
		return nil, fmt.Errorf("%w: %d", controller.ErrInvalidDuration, d)
	}
	f.mu.Lock()
	f.durations = append(f.durations, d)
	f.mu.Unlock()
	return f.run(controller.OpActivate)
}

func (f *fakeFleet) Register(ctx context.Context, name, address string) error {
	return f.st.SetTarget(ctx, name, address)
}

func (f *fakeFleet) Remove(ctx context.Context, name string) error {
	return f.st.DeleteTarget(ctx, name)
}

func (f *fakeFleet) Targets(ctx context.Context) ([]store.Target, error) {
	return f.st.ListTargets(ctx)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	h := NewServer(newFakeFleet(), nil, nil, quietLogger()).Handler()
	rec := do(t, h, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz = %d %q", rec.Code, rec.Body.String())
	}
}

func TestTargetRegistry(t *testing.T) {
	h := NewServer(newFakeFleet(), nil, nil, quietLogger()).Handler()

	rec := do(t, h, http.MethodGet, "/api/v1/targets", "")
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != `{"targets":[]}` {
		t.Fatalf("empty list = %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodPost, "/api/v1/targets", `{"name":"lane-2","address":"10.0.0.2:8080"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register = %d %s", rec.Code, rec.Body.String())
	}
	_ = do(t, h, http.MethodPost, "/api/v1/targets", `{"name":"lane-1","address":"10.0.0.1:8080"}`)

	rec = do(t, h, http.MethodPost, "/api/v1/targets", `{"name":"lane-3"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("register without address = %d", rec.Code)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/targets", "")
	var list struct {
		Targets []store.Target `json:"targets"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Targets) != 2 || list.Targets[0].Name != "lane-1" || list.Targets[1].Address != "10.0.0.2:8080" {
		t.Errorf("targets = %+v", list.Targets)
	}

	if rec := do(t, h, http.MethodDelete, "/api/v1/targets/lane-1", ""); rec.Code != http.StatusNoContent {
		t.Errorf("delete = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodDelete, "/api/v1/targets/lane-1", ""); rec.Code != http.StatusNotFound {
		t.Errorf("second delete = %d", rec.Code)
	}
}

func TestFleetOperations(t *testing.T) {
	fleet := newFakeFleet()
	h := NewServer(fleet, nil, nil, quietLogger()).Handler()

	for path, op := range map[string]string{
		"/api/v1/ping":    controller.OpPing,
		"/api/v1/raise":   controller.OpRaise,
		"/api/v1/lower":   controller.OpLower,
		"/api/v1/cleanup": controller.OpCleanup,
	} {
		rec := do(t, h, http.MethodPost, path, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("%s = %d %s", path, rec.Code, rec.Body.String())
		}
		var body struct {
			Op      string             `json:"op"`
			Results controller.Results `json:"results"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("%s: %v", path, err)
		}
		if body.Op != op || !body.Results["t1"].Alive() {
			t.Errorf("%s body = %s", path, rec.Body.String())
		}
	}
}

func TestActivate(t *testing.T) {
	fleet := newFakeFleet()
	h := NewServer(fleet, nil, nil, quietLogger()).Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/activate", `{"duration":4}`)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"op":"activate_all"`) {
		t.Fatalf("activate = %d %s", rec.Code, rec.Body.String())
	}
	for _, body := range []string{`{}`, `{"duration":0}`, `{"duration":-2}`, `not json`} {
		if rec := do(t, h, http.MethodPost, "/api/v1/activate", body); rec.Code != http.StatusBadRequest {
			t.Errorf("activate %s = %d", body, rec.Code)
		}
	}

	fleet.mu.Lock()
	defer fleet.mu.Unlock()
	if len(fleet.durations) != 1 || fleet.durations[0] != 4 {
		t.Errorf("durations = %v", fleet.durations)
	}
}

func TestFleetFailure(t *testing.T) {
	fleet := newFakeFleet()
	fleet.failWith = errors.New("registry unavailable")
	h := NewServer(fleet, nil, nil, quietLogger()).Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/ping", "")
	if rec.Code != http.StatusInternalServerError || !strings.Contains(rec.Body.String(), "registry unavailable") {
		t.Fatalf("ping = %d %s", rec.Code, rec.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewController(reg)
	m.SetTargets(2)
	h := NewServer(newFakeFleet(), nil, reg, quietLogger()).Handler()

	rec := do(t, h, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "snyper_registered_targets 2") {
		t.Fatalf("metrics = %d %s", rec.Code, rec.Body.String())
	}

	if rec := do(t, NewServer(newFakeFleet(), nil, nil, quietLogger()).Handler(), http.MethodGet, "/metrics", ""); rec.Code != http.StatusNotFound {
		t.Errorf("metrics without gatherer = %d", rec.Code)
	}
}

func TestPanelMountedOnRouter(t *testing.T) {
	fleet := newFakeFleet()
	hub := ws.NewHub(fleet, quietLogger())
	fleet.observer = hub
	srv := httptest.NewServer(NewServer(fleet, hub, nil, quietLogger()).Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/panel", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Panels() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("panel not registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// A fleet operation started over HTTP still reaches the panel.
	if rec := do(t, srv.Config.Handler, http.MethodPost, "/api/v1/raise", ""); rec.Code != http.StatusOK {
		t.Fatalf("raise = %d", rec.Code)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env ws.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatal(err)
	}
	var payload ws.ResultsPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if env.Type != ws.TypeResults || payload.Op != controller.OpRaise {
		t.Errorf("envelope = %+v", env)
	}
}
