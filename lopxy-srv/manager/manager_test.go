package manager

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lopxy/lopxy/lopxy-srv/controller"
	"github.com/lopxy/lopxy/lopxy-srv/registry"
	"github.com/lopxy/lopxy/lopxy-srv/stats"
	"github.com/lopxy/lopxy/lopxy-srv/status"
	"github.com/lopxy/lopxy/lopxy-srv/sysproxy"
)

type testEnv struct {
	ctrl      *controller.Controller
	sys       *sysproxy.Memory
	server    *httptest.Server
	client    *Client
	shutdowns *atomic.Int32
}

func newTestEnv(t *testing.T, secret string) *testEnv {
	t.Helper()
	shutdowns := &atomic.Int32{}
	sys := sysproxy.NewMemory(sysproxy.Config{})
	ctrl := controller.New(controller.Options{
		Registry:     registry.New(nil),
		Reporter:     status.NewReporter(status.NewRing(status.DefaultCapacity), nil, nil),
		SystemProxy:  sys,
		Stats:        stats.NewDummyCollector(),
		ProxyAddress: "127.0.0.1:7237",
		ManagerPort:  8283,
		Bypass:       "<local>",
		OnShutdown:   func() { shutdowns.Add(1) },
	})
	server := httptest.NewServer(NewServer("127.0.0.1:0", ctrl, secret))
	t.Cleanup(server.Close)

	return &testEnv{
		ctrl:      ctrl,
		sys:       sys,
		server:    server,
		client:    NewClient(server.URL, secret),
		shutdowns: shutdowns,
	}
}

func TestItemEndpoints(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()

	ok, err := env.client.Add(ctx, "http://a.com/f.js", "file:///tmp/f.js", "application/javascript")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = env.client.Add(ctx, "http://a.com/f.js", "http://b.com/f.js", "")
	assert.False(t, ok)
	assert.ErrorContains(t, err, "already registered")

	items, err := env.client.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, registry.ProxyItem{
		ResourceURL:      "http://a.com/f.js",
		ProxyResourceURL: "file:///tmp/f.js",
		ContentType:      "application/javascript",
	}, items[0])

	ok, err = env.client.Modify(ctx, "http://a.com/f.js", "http://b.com/f.js", "text/plain")
	require.NoError(t, err)
	assert.True(t, ok)
	item, found := env.ctrl.LookupRedirect("http://a.com/f.js")
	require.True(t, found)
	assert.Equal(t, "http://b.com/f.js", item.ProxyResourceURL)

	ok, err = env.client.Remove(ctx, "http://a.com/f.js")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = env.client.Remove(ctx, "http://a.com/f.js")
	assert.False(t, ok)
	assert.Error(t, err)

	items, err = env.client.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestAddRejectsInvalidURL(t *testing.T) {
	env := newTestEnv(t, "")

	resp, err := http.PostForm(env.server.URL+"/add", url.Values{
		"resource":       {"not a url"},
		"resource_proxy": {"http://b.com/"},
	})
	require.NoError(t, err)
	defer resp.Body.Close()

	var res Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, res.Result)
	assert.Contains(t, res.Error, "invalid url")
	assert.Equal(t, 0, env.ctrl.Registry().Len())
}

func TestProxyEnabledEndpoints(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()

	enabled, err := env.client.IsProxyEnabled(ctx)
	require.NoError(t, err)
	assert.False(t, enabled)

	ok, err := env.client.SetProxyEnabled(ctx, true)
	require.NoError(t, err)
	assert.True(t, ok)

	enabled, err = env.client.IsProxyEnabled(ctx)
	require.NoError(t, err)
	assert.True(t, enabled)

	current, _ := env.sys.Snapshot()
	assert.Equal(t, "127.0.0.1:7237", current.Server)

	resp, err := http.PostForm(env.server.URL+"/enable_proxy", url.Values{"enabled": {"maybe"}})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRequestLogsAndStatus(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()

	env.ctrl.ReportStatus(7, "http://a.com/missing", "404 Not Found")
	env.ctrl.ReportStatus(0, "b.com:443", "connection refused")

	records, err := env.client.Logs(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "http://a.com/missing", records[0].Path)
	assert.Equal(t, "404 Not Found", records[0].Status)

	report, err := env.client.Status(ctx, 0, 0)
	require.NoError(t, err)
	assert.True(t, report.Success)
	assert.True(t, report.Updated)
	assert.Equal(t, 7237, report.ProxyPort)
	assert.Equal(t, 8283, report.WebManagerPort)
	assert.Len(t, report.RequestStatusLogs, 2)
	assert.Equal(t, records[1].Timestamp, report.StatusLogTimestamp)

	report, err = env.client.Status(ctx, report.ConfigTimestamp, report.StatusLogTimestamp)
	require.NoError(t, err)
	assert.False(t, report.Updated)
	assert.Empty(t, report.RequestStatusLogs)

	resp, err := http.Get(env.server.URL + "/status/abc")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHistoryEndpoint(t *testing.T) {
	env := newTestEnv(t, "")

	summaries, err := env.client.History(context.Background(), 5)
	require.NoError(t, err)
	assert.Empty(t, summaries)

	resp, err := http.Get(env.server.URL + "/history?limit=-1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHistoryDisabled(t *testing.T) {
	ctrl := controller.New(controller.Options{ProxyAddress: "127.0.0.1:7237"})
	server := httptest.NewServer(NewServer("127.0.0.1:0", ctrl, ""))
	defer server.Close()

	_, err := NewClient(server.URL, "").History(context.Background(), 5)
	assert.ErrorContains(t, err, "404")
}

func TestUnknownPathAndMethod(t *testing.T) {
	env := newTestEnv(t, "")

	resp, err := http.Get(env.server.URL + "/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	resp2, err := http.Get(env.server.URL + "/add")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp2.StatusCode)
	assert.Equal(t, http.MethodPost, resp2.Header.Get("Allow"))
}

func TestShutdownEndpoint(t *testing.T) {
	env := newTestEnv(t, "")

	require.NoError(t, env.client.Shutdown(context.Background()))
	require.NoError(t, env.client.Shutdown(context.Background()))
	assert.Eventually(t, func() bool { return env.shutdowns.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestAuthentication(t *testing.T) {
	env := newTestEnv(t, "s3cret")
	ctx := context.Background()

	// the client signs every call
	_, err := env.client.List(ctx)
	require.NoError(t, err)

	resp, err := http.Get(env.server.URL + "/list")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, err = NewClient(env.server.URL, "wrong").List(ctx)
	assert.ErrorContains(t, err, "401")

	req, _ := http.NewRequest(http.MethodGet, env.server.URL+"/list", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWatch(t *testing.T) {
	env := newTestEnv(t, "s3cret")
	env.ctrl.ReportStatus(1, "http://a.com/old", "500 Internal Server Error")
	old := env.ctrl.StatusLogs()[0].Timestamp

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan status.Record, 4)
	done := make(chan error, 1)
	go func() {
		done <- env.client.Watch(ctx, old-1, func(rec status.Record) { received <- rec })
	}()

	select {
	case rec := <-received:
		assert.Equal(t, "http://a.com/old", rec.Path)
	case <-time.After(5 * time.Second):
		t.Fatal("backlog record not received")
	}

	env.ctrl.ReportStatus(2, "http://a.com/new", "404 Not Found")
	select {
	case rec := <-received:
		assert.Equal(t, "http://a.com/new", rec.Path)
		assert.Equal(t, uint32(2), rec.PID)
	case <-time.After(5 * time.Second):
		t.Fatal("live record not received")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not return after cancel")
	}
}

func TestServeAndShutdown(t *testing.T) {
	ctrl := controller.New(controller.Options{ProxyAddress: "127.0.0.1:7237"})
	srv := NewServer("127.0.0.1:0", ctrl, "")
	require.NoError(t, srv.Bind())
	addr := srv.Addr().(*net.TCPAddr)

	served := make(chan error, 1)
	go func() { served <- srv.Serve() }()

	client := NewClient("http://"+addr.String(), "")
	assert.Eventually(t, func() bool {
		_, err := client.List(context.Background())
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestFormValuesDelete(t *testing.T) {
	req := httptest.NewRequest(http.MethodDelete, "/remove?extra=1", strings.NewReader("resource=http%3A%2F%2Fa.com%2F"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	form, err := formValues(req)
	require.NoError(t, err)
	assert.Equal(t, "http://a.com/", form.Get("resource"))
	assert.Equal(t, "1", form.Get("extra"))
}
