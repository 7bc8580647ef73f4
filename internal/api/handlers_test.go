// internal/api/handlers_test.go
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Corphon/MCConsole/internal/avatar"
	"github.com/Corphon/MCConsole/internal/config"
	"github.com/Corphon/MCConsole/internal/di"
	"github.com/Corphon/MCConsole/internal/llm"
	"github.com/Corphon/MCConsole/internal/models"
	"github.com/Corphon/MCConsole/internal/services"
	"github.com/Corphon/MCConsole/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRealtime struct {
	err error
	got llm.RealtimeSessionRequest
}

func (f *fakeRealtime) Initialize(map[string]string) error { return nil }
func (f *fakeRealtime) GetName() string                    { return "fake" }
func (f *fakeRealtime) CreateEphemeralCredential(ctx context.Context, req llm.RealtimeSessionRequest) (map[string]interface{}, error) {
	f.got = req
	if f.err != nil {
		return nil, f.err
	}
	return map[string]interface{}{"client_secret": map[string]interface{}{"value": "ek_123"}}, nil
}

type fakeAvatar struct {
	mu       sync.Mutex
	sessions []avatar.SessionHandle
	stopped  []string
	listErr  error
}

func (f *fakeAvatar) ListActiveSessions(ctx context.Context) ([]avatar.SessionHandle, error) {
	return f.sessions, f.listErr
}

func (f *fakeAvatar) StopSession(ctx context.Context, h avatar.SessionHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, h.SessionID)
	return nil
}

func (f *fakeAvatar) CreateToken(ctx context.Context) (map[string]interface{}, error) {
	return map[string]interface{}{"token": "tok"}, nil
}

type testServer struct {
	router      *gin.Engine
	hub         *StateHub
	coordinator *services.Coordinator
	realtime    *fakeRealtime
	avatar      *fakeAvatar
}

func newTestServer(t *testing.T, withProviders bool) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	fs, err := storage.NewFileStorage(t.TempDir())
	require.NoError(t, err)
	playbook, err := services.NewPlaybookService(fs)
	require.NoError(t, err)
	settings, err := services.NewSettingsService(fs)
	require.NoError(t, err)

	ts := &testServer{}
	container := di.NewContainer()
	opts := services.CoordinatorOptions{GatewayTimeout: time.Second}
	if withProviders {
		ts.realtime = &fakeRealtime{}
		ts.avatar = &fakeAvatar{sessions: []avatar.SessionHandle{{SessionID: "s1"}, {SessionID: "s2"}}}
		opts.Gateway = ts.avatar
		container.Register(di.ServiceRealtime, ts.realtime)
		container.Register(di.ServiceAvatar, ts.avatar)
	}

	ts.coordinator = services.NewCoordinator(playbook, settings, opts)
	container.Register(di.ServicePlaybook, playbook)
	container.Register(di.ServiceCoordinator, ts.coordinator)

	cfg := &config.Config{OpenAIRealtimeModel: "model-x", OpenAIRealtimeVoice: "verse", GatewayTimeout: time.Second}
	ts.router, ts.hub, err = SetupRouter(cfg, container)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		ts.coordinator.WaitTasks(ctx)
		ts.hub.Close()
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, payload string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)

	var decoded map[string]interface{}
	body := bytes.TrimSpace(w.Body.Bytes())
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") && bytes.HasPrefix(body, []byte("{")) {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &decoded), w.Body.String())
	}
	return w, decoded
}

func errorCode(resp map[string]interface{}) string {
	e, _ := resp["error"].(map[string]interface{})
	code, _ := e["code"].(string)
	return code
}

func stateOf(t *testing.T, resp map[string]interface{}) map[string]interface{} {
	t.Helper()
	data, ok := resp["data"].(map[string]interface{})
	require.True(t, ok, "响应缺少 data")
	state, ok := data["state"].(map[string]interface{})
	require.True(t, ok, "响应缺少 state")
	return state
}

func TestGetStateInitial(t *testing.T) {
	ts := newTestServer(t, false)
	w, resp := ts.do(t, http.MethodGet, "/api/state", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, resp["success"])
	assert.NotEmpty(t, resp["request_id"])

	data := resp["data"].(map[string]interface{})
	assert.Nil(t, data["currentItemId"])
	assert.Equal(t, false, data["isRunning"])
	assert.Equal(t, true, data["audioEnabled"])
	assert.Len(t, data["playbook"], 2)
	settings := data["settings"].(map[string]interface{})
	assert.Equal(t, "두에나", settings["mcName"])
}

func TestRunCommandFlow(t *testing.T) {
	ts := newTestServer(t, false)

	w, resp := ts.do(t, http.MethodPost, "/api/start", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "mc_1", stateOf(t, resp)["currentItemId"])

	w, resp = ts.do(t, http.MethodPost, "/api/voice-session/start", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, stateOf(t, resp)["voiceSessionActive"])

	w, resp = ts.do(t, http.MethodPost, "/api/next", "")
	require.Equal(t, http.StatusOK, w.Code)
	state := stateOf(t, resp)
	assert.Equal(t, "session_1", state["currentItemId"])
	assert.Equal(t, false, state["voiceSessionActive"])
	item := resp["data"].(map[string]interface{})["item"].(map[string]interface{})
	assert.Equal(t, "SESSION", item["type"])
	assert.NotContains(t, item, "script")

	w, resp = ts.do(t, http.MethodPost, "/api/next", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "NO_MORE_ITEMS", errorCode(resp))
	assert.Equal(t, false, resp["success"])

	w, resp = ts.do(t, http.MethodPost, "/api/previous", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "mc_1", stateOf(t, resp)["currentItemId"])

	w, resp = ts.do(t, http.MethodPost, "/api/emergency-stop", "")
	require.Equal(t, http.StatusOK, w.Code)
	state = stateOf(t, resp)
	assert.Equal(t, false, state["isRunning"])
	assert.Nil(t, state["currentItemId"])
}

func TestPreconditionRejections(t *testing.T) {
	ts := newTestServer(t, false)

	w, resp := ts.do(t, http.MethodPost, "/api/voice-session/start", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "NOT_RUNNING", errorCode(resp))

	w, resp = ts.do(t, http.MethodPost, "/api/playbook", "[]")
	require.Equal(t, http.StatusOK, w.Code)

	w, resp = ts.do(t, http.MethodPost, "/api/start", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "EMPTY_PLAYBOOK", errorCode(resp))
}

func TestWrongSegmentRejected(t *testing.T) {
	ts := newTestServer(t, false)
	w, _ := ts.do(t, http.MethodPost, "/api/playbook", `[{"id":"s","type":"SESSION","title":"Only"}]`)
	require.Equal(t, http.StatusOK, w.Code)
	w, _ = ts.do(t, http.MethodPost, "/api/start", "")
	require.Equal(t, http.StatusOK, w.Code)

	w, resp := ts.do(t, http.MethodPost, "/api/voice-session/start", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "WRONG_SEGMENT_TYPE", errorCode(resp))
}

func TestAudioCommands(t *testing.T) {
	ts := newTestServer(t, false)

	w, resp := ts.do(t, http.MethodPost, "/api/audio/toggle", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, resp["data"].(map[string]interface{})["audioEnabled"])

	w, resp = ts.do(t, http.MethodPost, "/api/audio/set", `{"enabled":true}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, resp["data"].(map[string]interface{})["audioEnabled"])

	w, resp = ts.do(t, http.MethodPost, "/api/audio/set", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, ErrorValidation, errorCode(resp))
}

func TestPlaybookImportValidation(t *testing.T) {
	ts := newTestServer(t, false)

	w, resp := ts.do(t, http.MethodPost, "/api/playbook/import", `{"not":"an array"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, ErrorPlaybookInvalid, errorCode(resp))
	assert.Contains(t, resp["error"].(map[string]interface{})["message"], "Playbook must be an array")

	w, resp = ts.do(t, http.MethodPost, "/api/playbook/import",
		`[{"id":"x","type":"MC_TIME","title":"A","script":"s","systemInstruction":"i"},{"id":"y","type":"SESSION","title":"B"}]`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Playbook saved successfully", resp["message"])

	_, resp = ts.do(t, http.MethodGet, "/api/playbook", "")
	items := resp["data"].([]interface{})
	require.Len(t, items, 2)
	assert.Equal(t, "x", items[0].(map[string]interface{})["id"])
}

func TestPlaybookItemEndpoints(t *testing.T) {
	ts := newTestServer(t, false)

	w, resp := ts.do(t, http.MethodPost, "/api/playbook/items", `{"type":"SESSION","title":"Panel"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	created := resp["data"].(map[string]interface{})["item"].(map[string]interface{})
	id := created["id"].(string)
	assert.NotEmpty(t, id)

	w, _ = ts.do(t, http.MethodPut, "/api/playbook/items/"+id, `{"title":"Panel 2"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w, resp = ts.do(t, http.MethodPut, "/api/playbook/items/"+id, `{"type":"MC_TIME"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, ErrorValidation, errorCode(resp))

	w, resp = ts.do(t, http.MethodPost, "/api/playbook/items/"+id+"/move", `{"direction":"up"}`)
	require.Equal(t, http.StatusOK, w.Code)
	playbook := stateOf(t, resp)["playbook"].([]interface{})
	assert.Equal(t, id, playbook[1].(map[string]interface{})["id"])

	w, _ = ts.do(t, http.MethodPost, "/api/playbook/items/"+id+"/move", `{"direction":"left"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = ts.do(t, http.MethodDelete, "/api/playbook/items/"+id, "")
	require.Equal(t, http.StatusOK, w.Code)

	w, resp = ts.do(t, http.MethodDelete, "/api/playbook/items/"+id, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, ErrorItemNotFound, errorCode(resp))

	w, _ = ts.do(t, http.MethodPost, "/api/playbook/items", `{"type":"BREAK"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPlaybookDownloads(t *testing.T) {
	ts := newTestServer(t, false)

	w, _ := ts.do(t, http.MethodGet, "/api/playbook/sample", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), "playbook_sample.json")
	var sample []models.PlaybookItem
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sample))
	assert.Equal(t, services.SamplePlaybook(), sample)

	w, _ = ts.do(t, http.MethodGet, "/api/playbook/export", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), "playbook.json")
	var exported []models.PlaybookItem
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &exported))
	assert.Equal(t, services.DefaultPlaybook(), exported)
}

func TestSettingsMerge(t *testing.T) {
	ts := newTestServer(t, false)

	w, resp := ts.do(t, http.MethodPost, "/api/settings", `{"mcName":"Nova"}`)
	require.Equal(t, http.StatusOK, w.Code)
	settings := resp["data"].(map[string]interface{})["settings"].(map[string]interface{})
	assert.Equal(t, "Nova", settings["mcName"])
	assert.Equal(t, "default", settings["avatarId"])

	_, resp = ts.do(t, http.MethodGet, "/api/settings", "")
	assert.Equal(t, "Nova", resp["data"].(map[string]interface{})["mcName"])
}

func TestProvidersUnavailable(t *testing.T) {
	ts := newTestServer(t, false)

	for _, path := range []string{"/api/session", "/api/getToken"} {
		w, resp := ts.do(t, http.MethodGet, path, "")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code, path)
		assert.Equal(t, ErrorServiceUnavailable, errorCode(resp))
	}

	w, _ := ts.do(t, http.MethodPost, "/api/cleanupHeyGen", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRealtimeSession(t *testing.T) {
	ts := newTestServer(t, true)

	w, resp := ts.do(t, http.MethodPost, "/api/session", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, resp["data"], "client_secret")
	assert.Equal(t, "model-x", ts.realtime.got.Model)

	ts.realtime.err = errors.New("upstream 401")
	w, resp = ts.do(t, http.MethodGet, "/api/session", "")
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, ErrorUpstreamFailed, errorCode(resp))
}

func TestAvatarTokenClearsSessionsFirst(t *testing.T) {
	ts := newTestServer(t, true)

	w, resp := ts.do(t, http.MethodGet, "/api/getToken", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "tok", resp["data"].(map[string]interface{})["token"])
	assert.ElementsMatch(t, []string{"s1", "s2"}, ts.avatar.stopped)
}

func TestCleanupHeyGen(t *testing.T) {
	ts := newTestServer(t, true)

	w, resp := ts.do(t, http.MethodPost, "/api/cleanupHeyGen", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Stopped 2 of 2 sessions", resp["message"])

	ts.avatar.listErr = errors.New("down")
	w, resp = ts.do(t, http.MethodPost, "/api/cleanupHeyGen", "")
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, ErrorUpstreamFailed, errorCode(resp))
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, true)
	w, resp := ts.do(t, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	data := resp["data"].(map[string]interface{})
	assert.Equal(t, "ok", data["status"])
	assert.Equal(t, "fake", data["realtime_provider"])
	assert.Equal(t, true, data["avatar_configured"])
}

func TestCommandRateLimit(t *testing.T) {
	rl := NewRateLimiter()
	now := time.Unix(1000, 0)
	rl.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		ok, _, _ := rl.Allow("ip", 3, time.Second)
		assert.True(t, ok)
	}
	ok, remaining, _ := rl.Allow("ip", 3, time.Second)
	assert.False(t, ok)
	assert.Equal(t, 0, remaining)

	ok, _, _ = rl.Allow("other", 3, time.Second)
	assert.True(t, ok)

	now = now.Add(2 * time.Second)
	ok, _, _ = rl.Allow("ip", 3, time.Second)
	assert.True(t, ok)
}

func TestStopCommandsBypassRateLimit(t *testing.T) {
	ts := newTestServer(t, false)

	w, _ := ts.do(t, http.MethodPost, "/api/start", "")
	require.Equal(t, http.StatusOK, w.Code)
	for i := 1; i < commandLimit; i++ {
		w, _ = ts.do(t, http.MethodPost, "/api/audio/toggle", "")
		require.Equal(t, http.StatusOK, w.Code, "第 %d 次指令", i+1)
	}

	// 配额已用完
	w, resp := ts.do(t, http.MethodPost, "/api/next", "")
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, ErrorRateLimited, errorCode(resp))

	w, _ = ts.do(t, http.MethodPost, "/api/voice-session/stop", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w, resp = ts.do(t, http.MethodPost, "/api/emergency-stop", "")
	require.Equal(t, http.StatusOK, w.Code)
	state := stateOf(t, resp)
	assert.Equal(t, false, state["isRunning"])
	assert.Nil(t, state["currentItemId"])

	w, _ = ts.do(t, http.MethodPost, "/api/stop", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, false)
	req := httptest.NewRequest(http.MethodOptions, "/api/start", nil)
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
