package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaoslab/chaosbot/internal/config"
	"github.com/chaoslab/chaosbot/internal/discovery"
	"github.com/chaoslab/chaosbot/internal/history"
	"github.com/chaoslab/chaosbot/internal/logging"
	"github.com/chaoslab/chaosbot/internal/modules"
	"github.com/chaoslab/chaosbot/internal/orchestrator"
	"github.com/chaoslab/chaosbot/internal/vlan"
)

type stubLifecycle struct {
	mu    sync.Mutex
	block bool
	n     int
}

func (s *stubLifecycle) Acquire(ctx context.Context, profile config.VlanProfile) (*vlan.LeaseRecord, error) {
	s.mu.Lock()
	s.n++
	block := s.block
	s.mu.Unlock()
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return &vlan.LeaseRecord{
		VlanID:    profile.ID,
		IP:        "10.40.40.50",
		Interface: fmt.Sprintf("eth1.%d", profile.ID),
	}, nil
}

func (s *stubLifecycle) Release(ctx context.Context, lease *vlan.LeaseRecord) error { return nil }

type stubDiscoverer struct{}

func (stubDiscoverer) Discover(ctx context.Context, profile config.VlanProfile, iface, selfIP string) ([]discovery.Target, error) {
	return []discovery.Target{{IP: "10.40.40.5", Origin: discovery.OriginDiscovered}}, nil
}

type stubRunner struct{}

func (stubRunner) Run(ctx context.Context, mods []modules.Module, targets []discovery.Target, cfg *config.Config, bind modules.Bind) map[string]modules.Result {
	return map[string]modules.Result{"net_scanner": {Status: modules.StatusSuccess}}
}

type stubRecorder struct{}

func (stubRecorder) Append(e history.Entry) (int64, error) { return 1, nil }

type fakeStore struct {
	mu        sync.Mutex
	gotFilter history.Filter
	entries   []history.Entry
	queryErr  error
	cleared   int64
}

func (f *fakeStore) Query(fl history.Filter) ([]history.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gotFilter = fl
	return f.entries, f.queryErr
}

func (f *fakeStore) Clear() (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cleared, nil
}

func serverConfig() *config.Config {
	return &config.Config{
		General: config.GeneralConfig{Interface: "eth1"},
		Vlans: []config.VlanProfile{
			{ID: 40, Name: "corp", Gateway: "10.40.40.1"},
		},
	}
}

type serverFixture struct {
	srv   *httptest.Server
	orch  *orchestrator.Orchestrator
	lc    *stubLifecycle
	store *fakeStore
	log   *logging.Logger
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	log, err := logging.NewLogger(logging.LogLevelDebug, "")
	require.NoError(t, err)
	lc := &stubLifecycle{}
	store := &fakeStore{}
	orch := orchestrator.New(serverConfig(), lc, stubDiscoverer{}, stubRunner{}, stubRecorder{}, nil, nil, log)
	srv := httptest.NewServer(New(orch, store, log).Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(func() { orch.Stop() })
	return &serverFixture{srv: srv, orch: orch, lc: lc, store: store, log: log}
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func doJSON(t *testing.T, method, url, payload string) *http.Response {
	t.Helper()
	var req *http.Request
	var err error
	if payload == "" {
		req, err = http.NewRequest(method, url, nil)
	} else {
		req, err = http.NewRequest(method, url, strings.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
	}
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestStatusEndpoint(t *testing.T) {
	fx := newServerFixture(t)

	resp, err := http.Get(fx.srv.URL + "/api/v1/status")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "idle", body["status"])
	assert.Equal(t, float64(0), body["cycle_count"])
}

func TestTriggerRequiresVlanID(t *testing.T) {
	fx := newServerFixture(t)

	resp := doJSON(t, http.MethodPost, fx.srv.URL+"/api/v1/trigger", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Contains(t, body["error"], "vlan_id is required")
}

func TestTriggerUnknownVlan(t *testing.T) {
	fx := newServerFixture(t)

	resp := doJSON(t, http.MethodPost, fx.srv.URL+"/api/v1/trigger", `{"vlan_id": 99}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "config_rejected", body["kind"])
}

func TestTriggerRunsCycle(t *testing.T) {
	fx := newServerFixture(t)

	resp := doJSON(t, http.MethodPost, fx.srv.URL+"/api/v1/trigger", `{"vlan_id": 40, "modules": ["net_scanner"]}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	require.Eventually(t, func() bool {
		return fx.orch.GetStatus().CycleCount == 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestTriggerWhileBusyConflicts(t *testing.T) {
	fx := newServerFixture(t)
	fx.lc.block = true

	resp := doJSON(t, http.MethodPost, fx.srv.URL+"/api/v1/hop", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, fx.srv.URL+"/api/v1/trigger", `{"vlan_id": 40}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "invalid_state_transition", body["kind"])

	resp = doJSON(t, http.MethodPost, fx.srv.URL+"/api/v1/stop", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	assert.Equal(t, orchestrator.StateIdle, fx.orch.State())
}

func TestHopBadBody(t *testing.T) {
	fx := newServerFixture(t)

	resp := doJSON(t, http.MethodPost, fx.srv.URL+"/api/v1/hop", `{"vlans": "nope"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestHistoryQuery(t *testing.T) {
	fx := newServerFixture(t)
	fx.store.entries = []history.Entry{
		{CycleID: "c1", VlanID: 40, IP: "10.40.40.50", Status: "complete"},
	}

	resp, err := http.Get(fx.srv.URL + "/api/v1/history?vlan=40&last=5&ip=10.40.40.50&min_duration=1.5")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, float64(1), body["count"])

	fx.store.mu.Lock()
	got := fx.store.gotFilter
	fx.store.mu.Unlock()
	assert.Equal(t, 40, got.VlanID)
	assert.Equal(t, 5, got.Last)
	assert.Equal(t, "10.40.40.50", got.IP)
	assert.Equal(t, 1500*time.Millisecond, got.MinDuration)
}

func TestHistoryEmptyIsArray(t *testing.T) {
	fx := newServerFixture(t)

	resp, err := http.Get(fx.srv.URL + "/api/v1/history")
	require.NoError(t, err)
	body := decodeBody(t, resp)
	cycles, ok := body["cycles"].([]any)
	require.True(t, ok, "cycles must be a JSON array, not null")
	assert.Empty(t, cycles)
}

func TestHistoryBadParam(t *testing.T) {
	fx := newServerFixture(t)

	resp, err := http.Get(fx.srv.URL + "/api/v1/history?vlan=corp")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestHistoryClear(t *testing.T) {
	fx := newServerFixture(t)
	fx.store.cleared = 7

	resp := doJSON(t, http.MethodDelete, fx.srv.URL+"/api/v1/history", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, float64(7), body["cleared"])
}

func TestConfigGet(t *testing.T) {
	fx := newServerFixture(t)

	resp, err := http.Get(fx.srv.URL + "/api/v1/config")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var cfg config.Config
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cfg))
	resp.Body.Close()
	require.Len(t, cfg.Vlans, 1)
	assert.Equal(t, 40, cfg.Vlans[0].ID)
}

func TestConfigPut(t *testing.T) {
	fx := newServerFixture(t)

	resp := doJSON(t, http.MethodPut, fx.srv.URL+"/api/v1/config", `{"general": {"management_ip": "10.10.10.9"}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	assert.Equal(t, "10.10.10.9", fx.orch.Config().General.ManagementIP)
}

func TestConfigPutRejectsReservedVlan(t *testing.T) {
	fx := newServerFixture(t)

	resp := doJSON(t, http.MethodPut, fx.srv.URL+"/api/v1/config", `{"vlans": [{"id": 20, "gateway": "10.20.20.1"}]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Contains(t, body["error"], "reserved")
	assert.Equal(t, 40, fx.orch.Config().Vlans[0].ID, "snapshot unchanged on rejection")
}

func TestLogsStreamReplaysBuffer(t *testing.T) {
	fx := newServerFixture(t)
	fx.log.Info(logging.F{Module: "server"}, "stream smoke line")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fx.srv.URL+"/api/v1/logs", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	buf := make([]byte, 4096)
	n, _ := resp.Body.Read(buf)
	assert.Contains(t, string(buf[:n]), "data: ")
}
