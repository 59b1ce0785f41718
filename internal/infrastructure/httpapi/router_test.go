package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netcapture/internal/adapters/storage/memory"
	"netcapture/internal/domain"
	"netcapture/internal/infrastructure/config"
	"netcapture/internal/infrastructure/redirector"
	"netcapture/internal/usecase"
)

type stubProxy struct {
	mu       sync.Mutex
	port     int
	running  bool
	startErr error
}

func (p *stubProxy) Start(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startErr != nil {
		return p.startErr
	}
	p.running = true
	return nil
}

func (p *stubProxy) Stop() {
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
}

func (p *stubProxy) Wait(context.Context) error { return nil }

func (p *stubProxy) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *stubProxy) Port() int { return p.port }

type stubCA struct{ pem string }

func (c stubCA) Info() domain.CaInfo {
	return domain.CaInfo{Exists: c.pem != "", Path: "/data/certificates/ca.crt", PEM: c.pem}
}
func (c stubCA) TrustedBySystem() bool { return false }

type apiFixture struct {
	srv      *httptest.Server
	svc      *usecase.CaptureService
	hub      *MonitorHub
	startErr error
}

func newAPI(t *testing.T, cfg config.Config, ca stubCA) *apiFixture {
	t.Helper()
	store, err := memory.NewStore(100, nil)
	require.NoError(t, err)
	f := &apiFixture{hub: NewMonitorHub(!cfg.ExposeSensitiveHeaders, cfg.CORSOrigins())}
	f.svc = usecase.NewCaptureService(usecase.Options{
		Store:  store,
		Events: f.hub,
		CA:     ca,
		PIDs:   redirector.NewPIDSet(),
		NewProxy: func(port int) usecase.ProxyServer {
			return &stubProxy{port: port, startErr: f.startErr}
		},
		NewRedirector: func(uint16) usecase.Redirector {
			return redirector.New(redirector.Config{}, redirector.NewPIDSet(), redirector.NewTracker(), nil)
		},
		Instructions: func(goos, lang string) string { return "install on " + goos + " (" + lang + ")" },
	})
	f.srv = httptest.NewServer(NewRouter(&Deps{Cfg: cfg, Svc: f.svc, Monitor: f.hub}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *apiFixture) record(t *testing.T, id, method, url string, at time.Time, headers map[string]string) {
	t.Helper()
	c := domain.NewCapturedRequest(id, method, url, "api.test", "/", "https", headers, nil)
	c.Timestamp = at
	c.Complete(domain.NewCapturedResponse(200, map[string]string{"content-type": "application/json", "set-cookie": "sid=1"}, []byte(`{"ok":true}`), nil), 12*time.Millisecond)
	require.NoError(t, f.svc.Record(context.Background(), c))
}

func (f *apiFixture) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func redactedConfig() config.Config {
	cfg := config.Default()
	cfg.ExposeSensitiveHeaders = false
	return cfg
}

func exposedConfig() config.Config {
	cfg := config.Default()
	cfg.ExposeSensitiveHeaders = true
	return cfg
}

func TestHealthAndVersion(t *testing.T) {
	f := newAPI(t, config.Default(), stubCA{})
	resp := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/v1/version", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	v := decode[map[string]string](t, resp)
	assert.Equal(t, "netcapture", v["name"])

	resp = f.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestListCapturesFiltersAndRedacts(t *testing.T) {
	f := newAPI(t, redactedConfig(), stubCA{})
	base := time.Now().UTC()
	f.record(t, "a", "GET", "https://api.test/users", base, map[string]string{"authorization": "Bearer secret"})
	f.record(t, "b", "POST", "https://api.test/login", base.Add(time.Second), nil)

	resp := f.do(t, http.MethodGet, "/api/v1/captures?method=get,put", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[captureList](t, resp)
	require.Len(t, list.Items, 1)
	assert.Equal(t, "a", list.Items[0].ID)
	assert.Equal(t, "***", list.Items[0].Headers["authorization"])
	assert.Equal(t, "***", list.Items[0].Response.Headers["set-cookie"])

	// the store keeps the real value
	stored, err := f.svc.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret", stored.Headers["authorization"])

	resp = f.do(t, http.MethodGet, "/api/v1/captures", "")
	list = decode[captureList](t, resp)
	require.Len(t, list.Items, 2)
	assert.Equal(t, "b", list.Items[0].ID, "newest first")
}

func TestRedactionMasksJSONBodyTokens(t *testing.T) {
	f := newAPI(t, redactedConfig(), stubCA{})
	c := domain.NewCapturedRequest("t", "POST", "https://api.test/oauth/token", "api.test", "/oauth/token", "https",
		map[string]string{"content-type": "application/json"}, []byte(`{"refresh_token":"r1","scope":"read"}`))
	c.Complete(domain.NewCapturedResponse(200, map[string]string{"content-type": "application/json"}, []byte(`{"access_token":"a1"}`), nil), time.Millisecond)
	require.NoError(t, f.svc.Record(context.Background(), c))

	resp := f.do(t, http.MethodGet, "/api/v1/captures/t", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[domain.CapturedRequest](t, resp)
	require.NotNil(t, got.BodyText)
	assert.JSONEq(t, `{"refresh_token":"***","scope":"read"}`, *got.BodyText)
	require.NotNil(t, got.Response.BodyText)
	assert.JSONEq(t, `{"access_token":"***"}`, *got.Response.BodyText)
	assert.NotContains(t, string(got.Response.Body), "a1")
}

func TestListCapturesRejectsBadStatus(t *testing.T) {
	f := newAPI(t, config.Default(), stubCA{})
	resp := f.do(t, http.MethodGet, "/api/v1/captures?status=abc", "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decode[apiErrorBody](t, resp)
	assert.Equal(t, "BAD_FILTER", body.Error.Code)
}

func TestGetCaptureAndClear(t *testing.T) {
	f := newAPI(t, exposedConfig(), stubCA{})
	f.record(t, "a", "GET", "https://api.test/", time.Now(), map[string]string{"authorization": "Bearer x"})

	resp := f.do(t, http.MethodGet, "/api/v1/captures/a", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	c := decode[domain.CapturedRequest](t, resp)
	assert.Equal(t, "Bearer x", c.Headers["authorization"])

	resp = f.do(t, http.MethodDelete, "/api/v1/captures", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/v1/captures/a", "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	body := decode[apiErrorBody](t, resp)
	assert.Equal(t, "NOT_FOUND", body.Error.Code)
}

func TestExportHARIsChronological(t *testing.T) {
	f := newAPI(t, config.Default(), stubCA{})
	base := time.Now().UTC()
	f.record(t, "first", "GET", "https://api.test/one?x=1", base, nil)
	f.record(t, "second", "GET", "https://api.test/two", base.Add(time.Second), nil)

	resp := f.do(t, http.MethodGet, "/api/v1/captures/har", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "netcapture.har")
	doc := decode[harDocument](t, resp)
	assert.Equal(t, "1.2", doc.Log.Version)
	require.Len(t, doc.Log.Entries, 2)
	assert.Equal(t, "https://api.test/one?x=1", doc.Log.Entries[0].Request.URL)
	assert.Equal(t, []harNameValue{{Name: "x", Value: "1"}}, doc.Log.Entries[0].Request.QueryString)
	assert.Equal(t, 200, doc.Log.Entries[1].Response.Status)
	assert.Equal(t, int64(12), doc.Log.Entries[1].Time)
}

func TestArchiveDisabledIsNotFound(t *testing.T) {
	f := newAPI(t, config.Default(), stubCA{})
	resp := f.do(t, http.MethodGet, "/api/v1/archive?limit=5", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestProxyLifecycle(t *testing.T) {
	f := newAPI(t, config.Default(), stubCA{})

	resp := f.do(t, http.MethodPost, "/api/v1/proxy/start", `{"port": 18080}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st := decode[domain.ProxyStatus](t, resp)
	assert.True(t, st.Running)
	assert.Equal(t, 18080, st.Port)

	resp = f.do(t, http.MethodPost, "/api/v1/proxy/stop", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st = decode[domain.ProxyStatus](t, resp)
	assert.False(t, st.Running)

	// empty body starts on the default port
	resp = f.do(t, http.MethodPost, "/api/v1/proxy/start", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st = decode[domain.ProxyStatus](t, resp)
	assert.Equal(t, config.DefaultProxyPort, st.Port)
}

func TestProxyStartErrors(t *testing.T) {
	f := newAPI(t, config.Default(), stubCA{})

	resp := f.do(t, http.MethodPost, "/api/v1/proxy/start", `{"port": 70000}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/v1/proxy/start", `{nope`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	f.startErr = fmt.Errorf("%w: listen tcp 127.0.0.1:9527: address already in use", domain.ErrBind)
	resp = f.do(t, http.MethodPost, "/api/v1/proxy/start", "")
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	body := decode[apiErrorBody](t, resp)
	assert.Equal(t, "BIND_ERROR", body.Error.Code)
}

func TestRedirectorRequiresProxy(t *testing.T) {
	f := newAPI(t, config.Default(), stubCA{})
	resp := f.do(t, http.MethodPost, "/api/v1/redirector/start", "")
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	body := decode[apiErrorBody](t, resp)
	assert.Equal(t, "PROXY_NOT_RUNNING", body.Error.Code)

	resp = f.do(t, http.MethodGet, "/api/v1/redirector", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rep := decode[usecase.RedirectorReport](t, resp)
	assert.Equal(t, domain.RedirectorStopped, rep.State)
}

func TestPIDEndpoints(t *testing.T) {
	f := newAPI(t, config.Default(), stubCA{})

	resp := f.do(t, http.MethodPut, "/api/v1/redirector/pids", `{"pids":[30,10]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []uint32{10, 30}, decode[pidsRequest](t, resp).PIDs)

	resp = f.do(t, http.MethodPost, "/api/v1/redirector/pids/20", "")
	assert.Equal(t, []uint32{10, 20, 30}, decode[pidsRequest](t, resp).PIDs)

	resp = f.do(t, http.MethodDelete, "/api/v1/redirector/pids/10", "")
	assert.Equal(t, []uint32{20, 30}, decode[pidsRequest](t, resp).PIDs)

	resp = f.do(t, http.MethodPost, "/api/v1/redirector/pids/-1", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodDelete, "/api/v1/redirector/pids", "")
	assert.Empty(t, decode[pidsRequest](t, resp).PIDs)
}

func TestCAEndpoints(t *testing.T) {
	pem := "-----BEGIN CERTIFICATE-----\nMIIB\n-----END CERTIFICATE-----\n"
	f := newAPI(t, config.Default(), stubCA{pem: pem})

	resp := f.do(t, http.MethodGet, "/api/v1/ca", "")
	info := decode[domain.CaInfo](t, resp)
	assert.True(t, info.Exists)

	resp = f.do(t, http.MethodGet, "/api/v1/ca/cert", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-pem-file", resp.Header.Get("Content-Type"))
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, pem, string(raw))

	resp = f.do(t, http.MethodGet, "/api/v1/ca/instructions?lang=zh", "")
	text := decode[map[string]string](t, resp)
	assert.Equal(t, "zh", text["lang"])
	assert.Contains(t, text["text"], "(zh)")

	empty := newAPI(t, config.Default(), stubCA{})
	resp = empty.do(t, http.MethodGet, "/api/v1/ca/cert", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMonitorSSEDeliversCaptures(t *testing.T) {
	f := newAPI(t, redactedConfig(), stubCA{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.srv.URL+"/api/v1/monitor/sse", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	f.record(t, "live", "GET", "https://api.test/live", time.Now(), map[string]string{"cookie": "a=b"})

	sc := bufio.NewScanner(resp.Body)
	var event, data string
	for sc.Scan() {
		line := sc.Text()
		if v, ok := strings.CutPrefix(line, "event: "); ok {
			event = v
		}
		if v, ok := strings.CutPrefix(line, "data: "); ok {
			data = v
			break
		}
	}
	require.Equal(t, string(domain.EventCapturedRequest), event)
	var ev domain.LiveEvent
	require.NoError(t, json.Unmarshal([]byte(data), &ev))
	require.NotNil(t, ev.Request)
	assert.Equal(t, "live", ev.Request.ID)
	assert.Equal(t, "***", ev.Request.Headers["cookie"])
}

func TestMonitorWebsocketDeliversCaptures(t *testing.T) {
	f := newAPI(t, config.Default(), stubCA{})
	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/api/v1/monitor/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return f.hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	f.record(t, "ws", "GET", "https://api.test/ws", time.Now(), nil)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev domain.LiveEvent
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, domain.EventCapturedRequest, ev.Type)
	require.NotNil(t, ev.Request)
	assert.Equal(t, "https://api.test/ws", ev.Request.URL)
}

func (f *apiFixture) doWithOrigin(t *testing.T, method, path, origin string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, nil)
	require.NoError(t, err)
	req.Header.Set("Origin", origin)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestForeignOriginCannotControlOrRead(t *testing.T) {
	f := newAPI(t, config.Default(), stubCA{})

	resp := f.doWithOrigin(t, http.MethodPost, "/api/v1/proxy/start", "http://evil.test")
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "FORBIDDEN_ORIGIN", decode[apiErrorBody](t, resp).Error.Code)
	assert.False(t, f.svc.ProxyStatus().Running)

	// reads still answer but carry no CORS grant for the browser
	resp = f.doWithOrigin(t, http.MethodGet, "/api/v1/captures", "http://evil.test")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))

	// the API's own origin is fine
	resp = f.doWithOrigin(t, http.MethodPost, "/api/v1/proxy/stop", f.srv.URL)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/api/v1/monitor/ws"
	_, wsResp, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"http://evil.test"}})
	require.Error(t, err)
	require.NotNil(t, wsResp)
	assert.Equal(t, http.StatusForbidden, wsResp.StatusCode)
}

func TestConfiguredOriginIsAllowed(t *testing.T) {
	cfg := config.Default()
	cfg.CORSAllowOrigin = "http://ui.local:3000"
	f := newAPI(t, cfg, stubCA{})

	resp := f.doWithOrigin(t, http.MethodGet, "/api/v1/captures", "http://ui.local:3000")
	assert.Equal(t, "http://ui.local:3000", resp.Header.Get("Access-Control-Allow-Origin"))

	resp = f.doWithOrigin(t, http.MethodDelete, "/api/v1/captures", "http://ui.local:3000")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/api/v1/monitor/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"http://ui.local:3000"}})
	require.NoError(t, err)
	_ = conn.Close()
}

func TestBroadcastDoesNotWaitForStalledClients(t *testing.T) {
	hub := NewMonitorHub(false, nil)
	// a client whose writer never drains its queue
	stalled := &wsClient{send: make(chan []byte, 1)}
	hub.mu.Lock()
	hub.clients[stalled] = struct{}{}
	hub.mu.Unlock()
	sub := hub.Subscribe()
	defer hub.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			hub.Broadcast(domain.LiveEvent{Type: domain.EventCapturedRequest})
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a stalled client")
	}
	assert.Len(t, stalled.send, 1)
	assert.Len(t, sub, 5, "other subscribers still get every event")
}
