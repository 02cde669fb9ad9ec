package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t9md/hydrogen/internal/common/config"
	"github.com/t9md/hydrogen/internal/common/logger"
	"github.com/t9md/hydrogen/internal/events/bus"
	"github.com/t9md/hydrogen/internal/kernel"
	"github.com/t9md/hydrogen/internal/kernel/kernelspec"
	"github.com/t9md/hydrogen/internal/kernel/kerneltest"
	"github.com/t9md/hydrogen/internal/kernel/manager"
	"github.com/t9md/hydrogen/pkg/jupyter/protocol"
)

var python = kernelspec.Spec{Name: "python3", Language: "python", DisplayName: "Python 3", Argv: []string{"python3"}}

type fakeCatalog struct {
	specs      []kernelspec.Spec
	refreshErr error
	refreshes  int
}

func (c *fakeCatalog) All() []kernelspec.Spec { return c.specs }
func (c *fakeCatalog) EditorLanguage(language string) string {
	if strings.EqualFold(language, "python") {
		return "magicpython"
	}
	return strings.ToLower(language)
}
func (c *fakeCatalog) Refresh() error {
	c.refreshes++
	return c.refreshErr
}

type fixture struct {
	server  *httptest.Server
	mgr     *manager.Manager
	factory *kerneltest.Factory
	catalog *fakeCatalog
	prompts *kernel.PromptBroker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logger.NewNop()

	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	factory := &kerneltest.Factory{}
	prompts := kernel.NewPromptBroker(nil, time.Second)
	mgr := manager.New(manager.Options{
		Specs:   kerneltest.Specs{"python": python},
		Factory: factory,
		Bus:     eventBus,
		Logger:  log,
	})
	t.Cleanup(mgr.Close)

	catalog := &fakeCatalog{specs: []kernelspec.Spec{python}}
	h := NewHandlers(mgr, catalog, prompts, eventBus, config.ServerConfig{RequestTimeout: 1}, log)
	server := httptest.NewServer(NewRouter(h, log))
	t.Cleanup(server.Close)

	return &fixture{server: server, mgr: mgr, factory: factory, catalog: catalog, prompts: prompts}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]interface{}{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func (f *fixture) startPython(t *testing.T) *kerneltest.Kernel {
	t.Helper()
	status, body := f.do(t, http.MethodPost, "/api/v1/kernels", map[string]string{"language": "Python", "cwd": "/src"})
	require.Equal(t, http.StatusOK, status, body)
	kernels := f.factory.Kernels()
	return kernels[len(kernels)-1]
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	status, body := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
}

func TestKernelSpecs(t *testing.T) {
	f := newFixture(t)

	status, body := f.do(t, http.MethodGet, "/api/v1/kernelspecs", nil)
	require.Equal(t, http.StatusOK, status)
	specs := body["kernelspecs"].([]interface{})
	require.Len(t, specs, 1)
	spec := specs[0].(map[string]interface{})
	assert.Equal(t, "python3", spec["name"])
	assert.Equal(t, "python", spec["language"])
	assert.Equal(t, "magicpython", spec["editor_language"])

	status, _ = f.do(t, http.MethodPost, "/api/v1/kernelspecs/refresh", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1, f.catalog.refreshes)

	f.catalog.refreshErr = errors.New("gateway unreachable")
	status, _ = f.do(t, http.MethodPost, "/api/v1/kernelspecs/refresh", nil)
	assert.Equal(t, http.StatusInternalServerError, status)
}

func TestStartAndListKernels(t *testing.T) {
	f := newFixture(t)

	status, body := f.do(t, http.MethodPost, "/api/v1/kernels", map[string]string{"language": "Python", "cwd": "/src"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "python", body["language"])
	assert.Equal(t, "Python 3", body["display_name"])
	assert.Equal(t, "idle", body["state"])
	assert.Equal(t, "/src", f.factory.Kernels()[0].Cwd)

	status, body = f.do(t, http.MethodGet, "/api/v1/kernels", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["kernels"], 1)

	status, _ = f.do(t, http.MethodPost, "/api/v1/kernels", map[string]string{"language": "cobol"})
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = f.do(t, http.MethodPost, "/api/v1/kernels", map[string]string{"cwd": "/src"})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestAttachKernel(t *testing.T) {
	f := newFixture(t)

	status, body := f.do(t, http.MethodPost, "/api/v1/kernels/attach",
		map[string]string{"language": "julia", "connection_file": "/run/kernel-7.json"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "julia", body["language"])
	assert.Equal(t, "/run/kernel-7.json", f.factory.Kernels()[0].ConnectionFile)

	status, _ = f.do(t, http.MethodPost, "/api/v1/kernels/attach", map[string]string{"language": "julia"})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestLifecycleRoutes(t *testing.T) {
	f := newFixture(t)
	k := f.startPython(t)

	status, _ := f.do(t, http.MethodPost, "/api/v1/kernels/python/interrupt", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1, k.Interrupts())

	status, body := f.do(t, http.MethodPost, "/api/v1/kernels/python/restart", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["restarted"])

	status, _ = f.do(t, http.MethodPost, "/api/v1/kernels/python/shutdown", nil)
	assert.Equal(t, http.StatusOK, status)

	status, _ = f.do(t, http.MethodDelete, "/api/v1/kernels/python", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1, k.Destroys())

	status, _ = f.do(t, http.MethodPost, "/api/v1/kernels/python/interrupt", nil)
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = f.do(t, http.MethodDelete, "/api/v1/kernels/python", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestCompleteAndInspect(t *testing.T) {
	f := newFixture(t)
	f.startPython(t)

	status, body := f.do(t, http.MethodPost, "/api/v1/kernels/python/complete", map[string]string{"code": "pri"})
	require.Equal(t, http.StatusOK, status)
	assert.True(t, strings.HasPrefix(body["request_id"].(string), "complete_request_"))
	result := body["result"].(map[string]interface{})
	assert.Equal(t, []interface{}{"pri_done"}, result["matches"])

	status, body = f.do(t, http.MethodPost, "/api/v1/kernels/python/inspect", map[string]interface{}{"code": "len", "cursor_pos": 3})
	require.Equal(t, http.StatusOK, status)
	result = body["result"].(map[string]interface{})
	assert.Equal(t, false, result["found"])
}

func TestCompleteRequiresReadyKernel(t *testing.T) {
	f := newFixture(t)
	k := f.startPython(t)
	k.State.Set(kernel.StateRestarting)

	status, _ := f.do(t, http.MethodPost, "/api/v1/kernels/python/complete", map[string]string{"code": "x"})
	assert.Equal(t, http.StatusConflict, status)
}

func TestCompleteTimeoutForgetsRequest(t *testing.T) {
	f := newFixture(t)
	k := f.startPython(t)
	k.SilentReplies = true

	status, body := f.do(t, http.MethodPost, "/api/v1/kernels/python/complete", map[string]string{"code": "pri"})
	require.Equal(t, http.StatusGatewayTimeout, status)
	id := body["request_id"].(string)
	assert.Equal(t, []string{id}, k.Forgotten())
}

func TestWatchRoutes(t *testing.T) {
	f := newFixture(t)
	f.startPython(t)

	status, body := f.do(t, http.MethodPost, "/api/v1/kernels/python/watches", map[string]string{"code": "df.shape"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(0), body["index"])

	status, body = f.do(t, http.MethodGet, "/api/v1/kernels/python/watches", nil)
	require.Equal(t, http.StatusOK, status)
	watches := body["watches"].([]interface{})
	require.Len(t, watches, 1)
	w := watches[0].(map[string]interface{})
	assert.Equal(t, "df.shape", w["code"])
	assert.Equal(t, true, w["output"].(map[string]interface{})["done"])
	outputs := w["output"].(map[string]interface{})["outputs"].([]interface{})
	require.Len(t, outputs, 1)
	assert.Equal(t, "df.shape", outputs[0].(map[string]interface{})["text"])

	status, _ = f.do(t, http.MethodDelete, "/api/v1/kernels/python/watches/zero", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = f.do(t, http.MethodDelete, "/api/v1/kernels/python/watches/3", nil)
	assert.Equal(t, http.StatusNotFound, status)
	status, body = f.do(t, http.MethodDelete, "/api/v1/kernels/python/watches?index=0", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, body["watches"])

	status, _ = f.do(t, http.MethodGet, "/api/v1/kernels/julia/watches", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func dialStream(t *testing.T, f *fixture, language string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/api/v1/kernels/" + language + "/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) ServerFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame ServerFrame
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func readRawFrame(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame map[string]interface{}
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func TestStream_UnknownKernel(t *testing.T) {
	f := newFixture(t)
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/api/v1/kernels/python/stream"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStream_Execute(t *testing.T) {
	f := newFixture(t)
	f.startPython(t)
	conn := dialStream(t, f, "python")

	require.NoError(t, conn.WriteJSON(ClientFrame{Type: FrameExecute, ID: "cell-1", Code: "1 + 1"}))

	first := readRawFrame(t, conn)
	assert.Equal(t, FrameResult, first["type"])
	assert.Equal(t, "cell-1", first["id"])
	assert.True(t, strings.HasPrefix(first["request_id"].(string), "execute_request_"))
	assert.Equal(t, map[string]interface{}{"stream": "status", "data": "ok"}, first["result"])

	second := readRawFrame(t, conn)
	assert.Equal(t, map[string]interface{}{"stream": "status", "data": "idle"}, second["result"])
	assert.Equal(t, first["request_id"], second["request_id"])
}

func TestStream_UnknownFrame(t *testing.T) {
	f := newFixture(t)
	f.startPython(t)
	conn := dialStream(t, f, "python")

	require.NoError(t, conn.WriteJSON(ClientFrame{Type: "evaluate", ID: "x"}))
	frame := readFrame(t, conn)
	assert.Equal(t, FrameError, frame.Type)
	assert.Equal(t, http.StatusBadRequest, frame.Status)
}

func TestStream_ExecuteErrorFrame(t *testing.T) {
	f := newFixture(t)
	k := f.startPython(t)
	k.State.Set(kernel.StateStarting)
	conn := dialStream(t, f, "python")

	require.NoError(t, conn.WriteJSON(ClientFrame{Type: FrameExecute, ID: "cell-2", Code: "x"}))
	frame := readFrame(t, conn)
	assert.Equal(t, FrameError, frame.Type)
	assert.Equal(t, "cell-2", frame.ID)
	assert.Equal(t, http.StatusConflict, frame.Status)
}

func TestStream_InputRequest(t *testing.T) {
	f := newFixture(t)
	k := f.startPython(t)
	k.OnExecute = func(id, code string, h protocol.Handler) {
		go func() {
			value, err := f.prompts.Prompt(context.Background(), kernel.PromptRequest{
				Language: "python", RequestID: id, Prompt: "name? ",
			})
			if err != nil {
				value = "<" + err.Error() + ">"
			}
			h(protocol.Result{Kind: protocol.KindStream, Content: map[string]interface{}{
				"output_type": "stream", "name": "stdout", "text": "hello " + value,
			}})
			h(protocol.StatusResult(protocol.StateIdle))
		}()
	}
	conn := dialStream(t, f, "python")

	require.NoError(t, conn.WriteJSON(ClientFrame{Type: FrameExecute, Code: "input('name? ')"}))

	ask := readFrame(t, conn)
	require.Equal(t, FrameInputRequest, ask.Type)
	assert.Equal(t, "name? ", ask.Prompt)
	assert.False(t, ask.Password)

	require.NoError(t, conn.WriteJSON(ClientFrame{Type: FrameInputReply, RequestID: ask.RequestID, Value: "ada"}))

	out := readRawFrame(t, conn)
	assert.Equal(t, FrameResult, out["type"])
	assert.Equal(t, ask.RequestID, out["request_id"])
	assert.Equal(t, "hello ada", out["result"].(map[string]interface{})["text"])

	idle := readRawFrame(t, conn)
	assert.Equal(t, "idle", idle["result"].(map[string]interface{})["data"])
}

func TestStream_StrayInputReply(t *testing.T) {
	f := newFixture(t)
	f.startPython(t)
	conn := dialStream(t, f, "python")

	require.NoError(t, conn.WriteJSON(ClientFrame{Type: FrameInputReply, RequestID: "execute_request_x", Value: "y"}))
	frame := readFrame(t, conn)
	assert.Equal(t, FrameError, frame.Type)
	assert.Equal(t, http.StatusNotFound, frame.Status)
}

func TestStream_ForwardsStateEvents(t *testing.T) {
	f := newFixture(t)
	k := f.startPython(t)
	conn := dialStream(t, f, "python")

	// a round trip guarantees the event subscription is in place
	require.NoError(t, conn.WriteJSON(ClientFrame{Type: "ping"}))
	require.Equal(t, FrameError, readFrame(t, conn).Type)

	k.State.SetFromKernel(protocol.StateBusy)
	frame := readFrame(t, conn)
	assert.Equal(t, FrameState, frame.Type)
	assert.Equal(t, "kernel.state_changed", frame.Event)
	assert.Equal(t, "busy", frame.State)
}

func TestCheckOrigin(t *testing.T) {
	cases := []struct {
		origin string
		host   string
		want   bool
	}{
		{"", "example.com", true},
		{"http://localhost:3000", "example.com:8765", true},
		{"https://example.com", "example.com:8765", true},
		{"https://evil.test", "example.com:8765", false},
		{"::bad", "example.com", false},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Host = tc.host
		if tc.origin != "" {
			r.Header.Set("Origin", tc.origin)
		}
		assert.Equal(t, tc.want, checkOrigin(r), tc.origin)
	}
}
