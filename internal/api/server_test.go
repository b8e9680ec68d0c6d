package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/webpage-change-monitor/internal/catalog"
	"github.com/JakeFAU/webpage-change-monitor/internal/config"
	"github.com/JakeFAU/webpage-change-monitor/internal/monitor"
	"github.com/JakeFAU/webpage-change-monitor/internal/scheduler"
	"github.com/JakeFAU/webpage-change-monitor/internal/storage/memory"
)

const validTarget = `{
	"resourceId": "id-1",
	"displayName": "Widget price",
	"description": "price tag",
	"url": "https://shop.example.com/widget",
	"cronSchedule": "*/5 * * * *",
	"changeType": "ValueCheck",
	"expectedValue": "42",
	"htmlTag": "span",
	"selectorType": "CssSelector",
	"selectorValue": "#price"
}`

func TestServer_ResourceLifecycle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, config.Config{})

	rec := h.do(http.MethodPost, "/api/public/resources", `{"name":"shop","description":"the shop"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var res monitor.Resource
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Equal(t, "id-1", res.ID)
	require.Equal(t, "shop", res.Name)

	rec = h.do(http.MethodGet, "/api/public/resources/id-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"name":"shop"`)

	rec = h.do(http.MethodGet, "/api/public/resources?page=1&count=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Resources      []monitor.Resource `json:"resources"`
		AvailableCount int                `json:"availableCount"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Equal(t, 1, list.AvailableCount)
	require.Len(t, list.Resources, 1)

	rec = h.do(http.MethodDelete, "/api/public/resources/id-1", "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = h.do(http.MethodGet, "/api/public/resources/id-1", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_CreateResource_Invalid(t *testing.T) {
	t.Parallel()

	h := newHarness(t, config.Config{})

	rec := h.do(http.MethodPost, "/api/public/resources", `{"name":"  "}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "name is required")

	rec = h.do(http.MethodPost, "/api/public/resources", "{invalid")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "invalid JSON")
}

func TestServer_ListResources_BadPaging(t *testing.T) {
	t.Parallel()

	h := newHarness(t, config.Config{})
	for _, query := range []string{"page=0", "count=abc", "sortDirection=sideways"} {
		rec := h.do(http.MethodGet, "/api/public/resources?"+query, "")
		require.Equal(t, http.StatusBadRequest, rec.Code, query)
	}
}

func TestServer_TargetLifecycle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, config.Config{})
	h.createResource()

	rec := h.do(http.MethodPost, "/api/public/targets", validTarget)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created targetResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Equal(t, "id-2", created.ID)
	require.Equal(t, "ValueCheck", created.ChangeType)
	require.NotNil(t, created.ExpectedValue)
	require.Equal(t, "42", *created.ExpectedValue)
	require.True(t, created.Enabled)

	update := `{
		"id": "id-2",
		"resourceId": "id-1",
		"displayName": "Widget price",
		"url": "https://shop.example.com/widget",
		"cronSchedule": "@hourly",
		"changeType": "ChangeDetection",
		"htmlTag": "span",
		"selectorType": "XPath",
		"selectorValue": "//span[@id='price']",
		"enabled": false
	}`
	rec = h.do(http.MethodPut, "/api/public/targets", update)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.do(http.MethodGet, "/api/public/targets/id-2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got targetResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "ChangeDetection", got.ChangeType)
	require.Nil(t, got.ExpectedValue)
	require.Equal(t, "@hourly", got.CronSchedule)
	require.False(t, got.Enabled)
	require.True(t, got.CreatedAt.Equal(created.CreatedAt))

	rec = h.do(http.MethodGet, "/api/public/targets/resource/id-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"availableCount":1`)

	rec = h.do(http.MethodDelete, "/api/public/targets/id-2", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = h.do(http.MethodDelete, "/api/public/targets/id-2", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_UpdateTarget_IDMismatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t, config.Config{})
	rec := h.do(http.MethodPut, "/api/public/targets/other", `{"id":"id-2"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "does not match")

	rec = h.do(http.MethodPut, "/api/public/targets", `{"displayName":"x"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "id is required")
}

func TestServer_CreateTarget_Rejections(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		mutate func(map[string]any)
		status int
	}{
		"expected value on change detection": {
			mutate: func(m map[string]any) { m["changeType"] = "ChangeDetection" },
			status: http.StatusBadRequest,
		},
		"unknown selector type": {
			mutate: func(m map[string]any) { m["selectorType"] = "Regex" },
			status: http.StatusBadRequest,
		},
		"malformed cron": {
			mutate: func(m map[string]any) { m["cronSchedule"] = "not a cron" },
			status: http.StatusBadRequest,
		},
		"missing resource": {
			mutate: func(m map[string]any) { m["resourceId"] = "nope" },
			status: http.StatusNotFound,
		},
		"display name too long": {
			mutate: func(m map[string]any) { m["displayName"] = "a display name that is far too long" },
			status: http.StatusBadRequest,
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, config.Config{})
			h.createResource()

			var body map[string]any
			require.NoError(t, json.Unmarshal([]byte(validTarget), &body))
			tc.mutate(body)
			raw, err := json.Marshal(body)
			require.NoError(t, err)

			rec := h.do(http.MethodPost, "/api/public/targets", string(raw))
			require.Equal(t, tc.status, rec.Code, rec.Body.String())
		})
	}
}

func TestServer_ListSnapshots(t *testing.T) {
	t.Parallel()

	h := newHarness(t, config.Config{})
	h.createResource()
	require.Equal(t, http.StatusCreated, h.do(http.MethodPost, "/api/public/targets", validTarget).Code)

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i, v := range []string{"100", "110"} {
		at := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, h.store.InsertSnapshot(context.Background(), monitor.Snapshot{
			ID: fmt.Sprintf("snap-%d", i), TargetID: "id-2", Value: v, IsChangeDetected: i == 1,
			CreatedAt: at, UpdatedAt: at,
		}))
	}

	rec := h.do(http.MethodGet, "/api/public/targets/id-2/snapshots?count=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Snapshots      []monitor.Snapshot `json:"snapshots"`
		AvailableCount int                `json:"availableCount"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Equal(t, 2, page.AvailableCount)
	require.Len(t, page.Snapshots, 1)
	require.Equal(t, "110", page.Snapshots[0].Value)
	require.True(t, page.Snapshots[0].IsChangeDetected)

	rec = h.do(http.MethodGet, "/api/public/targets/missing/snapshots", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_RunTarget(t *testing.T) {
	t.Parallel()

	h := newHarness(t, config.Config{})
	h.createResource()
	require.Equal(t, http.StatusCreated, h.do(http.MethodPost, "/api/public/targets", validTarget).Code)

	rec := h.do(http.MethodPost, "/api/public/targets/id-2/run", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, []string{"id-2"}, h.trigger.fired())

	h.trigger.setBusy(true)
	rec = h.do(http.MethodPost, "/api/public/targets/id-2/run", "")
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(http.MethodPost, "/api/public/targets/missing/run", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_GetOutcome(t *testing.T) {
	t.Parallel()

	h := newHarness(t, config.Config{})
	h.createResource()
	require.Equal(t, http.StatusCreated, h.do(http.MethodPost, "/api/public/targets", validTarget).Code)

	rec := h.do(http.MethodGet, "/api/public/targets/id-2/outcome", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	h.outcomes.set(monitor.Outcome{
		TargetID: "id-2",
		Status:   monitor.OutcomeFailed,
		Attempts: 3,
		Err:      &monitor.JobFailedError{TargetID: "id-2", Attempts: 3, Cause: errors.New("503")},
	})
	rec = h.do(http.MethodGet, "/api/public/targets/id-2/outcome", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var out outcomeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, "failed", out.Status)
	require.Equal(t, 3, out.Attempts)
	require.Contains(t, out.Error, "503")
}

func TestServer_Schedule(t *testing.T) {
	t.Parallel()

	h := newHarness(t, config.Config{})
	h.trigger.entries = []scheduler.Entry{{TargetID: "t1", Schedule: "@hourly"}}

	rec := h.do(http.MethodGet, "/api/public/schedule", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"targetId":"t1"`)
	require.Contains(t, rec.Body.String(), `"cronSchedule":"@hourly"`)
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	h := newHarness(t, config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: "secret"}})

	rec := h.do(http.MethodGet, "/api/public/resources", "")
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/public/resources", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(http.MethodGet, "/api/public/resources?api_key=secret", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_Readyz(t *testing.T) {
	t.Parallel()

	h := newHarness(t, config.Config{})
	require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/readyz", "").Code)

	server := NewServer(Deps{
		Catalog: h.catalog,
		Trigger: h.trigger,
		Ready:   func(context.Context) error { return errors.New("db down") },
	}, config.Config{}, zap.NewNop())
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	h := newHarness(t, config.Config{})
	h.do(http.MethodGet, "/healthz", "")
	rec := h.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	h := newHarness(t, config.Config{})
	rec := h.do(http.MethodGet, "/healthz", "")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "caller-id")
	rec = httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, "caller-id", rec.Header().Get("X-Request-ID"))
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	handler := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	require.EqualError(t, err, "hijacker not supported")

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	require.NoError(t, err)
	require.NotNil(t, buf)
	require.NoError(t, conn.Close())
	require.NoError(t, h.CloseClient())
}

// --- helpers/fakes ---

type harness struct {
	t        *testing.T
	server   *Server
	store    *memory.Store
	catalog  *catalog.Service
	trigger  *fakeTrigger
	outcomes *fakeOutcomes
}

func newHarness(t *testing.T, cfg config.Config) *harness {
	t.Helper()
	store := memory.NewStore()
	cat := catalog.New(store, &fakeClock{now: time.Unix(100, 0).UTC()}, &fakeIDGen{},
		monitor.ChangeMonitorOptions{DefaultResourcePageSize: 10, DefaultTargetPageSize: 10, DefaultTargetSnapshotPageSize: 10},
		zap.NewNop())
	trigger := &fakeTrigger{}
	outcomes := &fakeOutcomes{last: map[string]monitor.Outcome{}}
	server := NewServer(Deps{Catalog: cat, Trigger: trigger, Outcomes: outcomes}, cfg, zap.NewNop())
	return &harness{t: t, server: server, store: store, catalog: cat, trigger: trigger, outcomes: outcomes}
}

func (h *harness) do(method, path, body string) *httptest.ResponseRecorder {
	h.t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (h *harness) createResource() {
	h.t.Helper()
	rec := h.do(http.MethodPost, "/api/public/resources", `{"name":"shop"}`)
	require.Equal(h.t, http.StatusCreated, rec.Code, rec.Body.String())
}

type fakeIDGen struct {
	mu sync.Mutex
	n  int
}

func (f *fakeIDGen) NewID() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	return fmt.Sprintf("id-%d", f.n), nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type fakeTrigger struct {
	mu      sync.Mutex
	busy    bool
	ids     []string
	entries []scheduler.Entry
}

func (f *fakeTrigger) Fire(targetID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.busy {
		return false
	}
	f.ids = append(f.ids, targetID)
	return true
}

func (f *fakeTrigger) Entries() []scheduler.Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entries
}

func (f *fakeTrigger) setBusy(b bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.busy = b
}

func (f *fakeTrigger) fired() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ids...)
}

type fakeOutcomes struct {
	mu   sync.Mutex
	last map[string]monitor.Outcome
}

func (f *fakeOutcomes) Last(targetID string) (monitor.Outcome, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out, ok := f.last[targetID]
	return out, ok
}

func (f *fakeOutcomes) set(out monitor.Outcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last[out.TargetID] = out
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
