package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mng "github.com/loykin/guardian/internal/manager"
	"github.com/loykin/guardian/internal/process"
	"github.com/loykin/guardian/internal/recovery"
)

type fakeFleet struct {
	mu    sync.Mutex
	calls []string
	fail  error
}

func (f *fakeFleet) record(s string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, s)
	return f.fail
}

func (f *fakeFleet) known(name string) error {
	if name != "api" && name != "worker" {
		return fmt.Errorf("%w: %s", mng.ErrUnknownProcess, name)
	}
	return nil
}

func (f *fakeFleet) Status() []process.Status {
	return []process.Status{{Name: "api", State: "running", PID: 10}, {Name: "worker", State: "stopped"}}
}

func (f *fakeFleet) ProcessStatus(name string) (process.Status, error) {
	if err := f.known(name); err != nil {
		return process.Status{}, err
	}
	return process.Status{Name: name, State: "running", PID: 10}, nil
}

func (f *fakeFleet) StartProcess(_ context.Context, name string) error {
	if err := f.known(name); err != nil {
		return err
	}
	return f.record("start:" + name)
}

func (f *fakeFleet) StopProcessWithGrace(_ context.Context, name string, grace time.Duration) error {
	if err := f.known(name); err != nil {
		return err
	}
	return f.record(fmt.Sprintf("stop:%s:%s", name, grace))
}

func (f *fakeFleet) RestartProcess(_ context.Context, name string) error {
	if err := f.known(name); err != nil {
		return err
	}
	return f.record("restart:" + name)
}

func (f *fakeFleet) StartAll(context.Context, mng.Flag) error { return f.record("start-all") }
func (f *fakeFleet) StopAll(context.Context) error           { return f.record("stop-all") }

type fixedStats recovery.Stats

func (s fixedStats) Stats() recovery.Stats { return recovery.Stats(s) }

func setupRouter(t *testing.T, fleet Fleet, opts Options) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	stats := fixedStats{Total: 3, Successful: 2, Failed: 1, ByScenario: map[string]int{"crash": 3}}
	return NewRouter(fleet, stats, opts).Handler()
}

func doReq(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStatusAll(t *testing.T) {
	h := setupRouter(t, &fakeFleet{}, Options{BasePath: "/api/"})
	rec := doReq(t, h, http.MethodGet, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)
	var sts []process.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sts))
	require.Len(t, sts, 2)
	assert.Equal(t, "api", sts[0].Name)
}

func TestStatusOneAndUnknown(t *testing.T) {
	h := setupRouter(t, &fakeFleet{}, Options{})
	rec := doReq(t, h, http.MethodGet, "/status?name=api")
	require.Equal(t, http.StatusOK, rec.Code)
	var st process.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, 10, st.PID)

	rec = doReq(t, h, http.MethodGet, "/status?name=ghost")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLifecycleEndpoints(t *testing.T) {
	f := &fakeFleet{}
	h := setupRouter(t, f, Options{})
	for _, p := range []string{"/start?name=api", "/stop?name=api&wait=3s", "/stop?name=worker", "/restart?name=worker", "/restart"} {
		rec := doReq(t, h, http.MethodPost, p)
		require.Equal(t, http.StatusOK, rec.Code, "%s: %s", p, rec.Body.String())
	}
	assert.Equal(t, []string{"start:api", "stop:api:3s", "stop:worker:0s", "restart:worker", "stop-all", "start-all"}, f.calls)
}

func TestLifecycleErrors(t *testing.T) {
	f := &fakeFleet{}
	h := setupRouter(t, f, Options{})
	assert.Equal(t, http.StatusBadRequest, doReq(t, h, http.MethodPost, "/start").Code)
	assert.Equal(t, http.StatusBadRequest, doReq(t, h, http.MethodPost, "/stop").Code)
	assert.Equal(t, http.StatusBadRequest, doReq(t, h, http.MethodPost, "/stop?name=api&wait=soon").Code)
	assert.Equal(t, http.StatusNotFound, doReq(t, h, http.MethodPost, "/restart?name=ghost").Code)

	f.fail = errors.New("spawn failed")
	rec := doReq(t, h, http.MethodPost, "/start?name=api")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "spawn failed")
}

func TestRecoveryStats(t *testing.T) {
	h := setupRouter(t, &fakeFleet{}, Options{})
	rec := doReq(t, h, http.MethodGet, "/recovery/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	var st recovery.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 3, st.ByScenario["crash"])
}

func TestBearerToken(t *testing.T) {
	h := setupRouter(t, &fakeFleet{}, Options{Token: "s3cret"})
	assert.Equal(t, http.StatusUnauthorized, doReq(t, h, http.MethodGet, "/status").Code)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNewServerServes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv, err := NewServer("127.0.0.1:0", NewRouter(&fakeFleet{}, nil, Options{BasePath: "/api"}))
	require.NoError(t, err)
	defer func() { _ = srv.Close() }()

	resp, err := http.Get("http://" + srv.Addr + "/api/recovery/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode, string(body))
}

func TestWithRealManager(t *testing.T) {
	m, err := mng.New([]process.Spec{{Name: "idle", Command: "sleep", Args: []string{"30"}, Managed: true}}, mng.Options{})
	require.NoError(t, err)
	h := setupRouter(t, m, Options{})
	rec := doReq(t, h, http.MethodGet, "/status?name=idle")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"stopped"`)
	assert.Equal(t, http.StatusNotFound, doReq(t, h, http.MethodPost, "/start?name=nope").Code)
}

func TestSanitizeBase(t *testing.T) {
	cases := map[string]string{"": "", "/": "", "api": "/api", "/api/": "/api", " /x/y/ ": "/x/y"}
	for in, want := range cases {
		if got := sanitizeBase(in); got != want {
			t.Fatalf("sanitizeBase(%q) = %q, want %q", in, got, want)
		}
	}
}
