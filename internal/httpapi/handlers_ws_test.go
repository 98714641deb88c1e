package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fenestra/quotehub/internal/ws"
)

func dialWS(t *testing.T, srv *httptest.Server, path, access string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	header := http.Header{}
	if access != "" {
		header.Set("Authorization", "Bearer "+access)
	}
	return websocket.DefaultDialer.Dial(url, header)
}

func mustDialWS(t *testing.T, srv *httptest.Server, path, access string) *websocket.Conn {
	t.Helper()
	client, resp, err := dialWS(t, srv, path, access)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func readJSON(t *testing.T, client *websocket.Conn) map[string]any {
	t.Helper()
	var msg map[string]any
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, client.ReadJSON(&msg))
	return msg
}

func wsCloseCode(t *testing.T, client *websocket.Conn) int {
	t.Helper()
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := client.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		require.ErrorAs(t, err, &ce, "expected a close frame, got %v", err)
		return ce.Code
	}
}

func TestUserSocket_PingPong(t *testing.T) {
	a := newTestAPI(t)
	srv := httptest.NewServer(a.router)
	defer srv.Close()

	access, _ := a.login(t, "alice")
	client := mustDialWS(t, srv, "/ws/user", access)

	require.NoError(t, client.WriteJSON(map[string]any{"type": "ping"}))
	assert.Equal(t, "pong", readJSON(t, client)["type"])
}

func TestUserSocket_SecondConnectionConflicts(t *testing.T) {
	a := newTestAPI(t)
	srv := httptest.NewServer(a.router)
	defer srv.Close()

	access, _ := a.login(t, "alice")
	first := mustDialWS(t, srv, "/ws/user", access)
	defer func() { _ = first.Close() }()

	// A served ping proves the first connection is attached before the
	// duplicate dial races in.
	require.NoError(t, first.WriteJSON(map[string]any{"type": "ping"}))
	assert.Equal(t, "pong", readJSON(t, first)["type"])

	_, resp, err := dialWS(t, srv, "/ws/user", access)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// A second token of the same user gets its own connection slot.
	second, _ := a.login(t, "alice")
	other := mustDialWS(t, srv, "/ws/user", second)
	require.NoError(t, other.WriteJSON(map[string]any{"type": "ping"}))
	assert.Equal(t, "pong", readJSON(t, other)["type"])
}

func TestUserSocket_RequiresAuth(t *testing.T) {
	a := newTestAPI(t)
	srv := httptest.NewServer(a.router)
	defer srv.Close()

	_, resp, err := dialWS(t, srv, "/ws/user", "bogus")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestUserSocket_UnknownMessageType(t *testing.T) {
	a := newTestAPI(t)
	srv := httptest.NewServer(a.router)
	defer srv.Close()

	access, _ := a.login(t, "alice")
	client := mustDialWS(t, srv, "/ws/user", access)

	require.NoError(t, client.WriteJSON(map[string]any{"type": "dance"}))
	assert.Equal(t, ws.CloseInvalidValue, wsCloseCode(t, client))
}

func TestUserSocket_MissingAndMistypedType(t *testing.T) {
	a := newTestAPI(t)
	srv := httptest.NewServer(a.router)
	defer srv.Close()

	access, _ := a.login(t, "alice")
	client := mustDialWS(t, srv, "/ws/user", access)
	require.NoError(t, client.WriteJSON(map[string]any{"nope": 1}))
	assert.Equal(t, ws.CloseMissingField, wsCloseCode(t, client))

	second, _ := a.login(t, "alice")
	client = mustDialWS(t, srv, "/ws/user", second)
	require.NoError(t, client.WriteJSON(map[string]any{"type": 7}))
	assert.Equal(t, ws.CloseInvalidType, wsCloseCode(t, client))
}

func TestAutopilotSocket_TaskFlow(t *testing.T) {
	a := newTestAPI(t)
	srv := httptest.NewServer(a.router)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.scheduler.Run(ctx)

	worker := mustDialWS(t, srv, "/ws/autopilot", mustLogin(t, a, "otto"))

	// A queued task is pushed to the connected worker.
	access, _ := a.login(t, "alice")
	rec := a.do(t, http.MethodPost, "/autopilot/tasks", access, map[string]any{"task_id": 42})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	task := readJSON(t, worker)
	assert.Equal(t, "task", task["type"])
	assert.Equal(t, float64(42), task["task_id"])

	// Acknowledge; the worker frees up and receives the next task.
	require.NoError(t, worker.WriteJSON(map[string]any{"type": "task_done", "task_id": 42}))
	rec = a.do(t, http.MethodPost, "/autopilot/tasks", access, map[string]any{"task_id": 43})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(43), readJSON(t, worker)["task_id"])
}

func TestAutopilotSocket_BadTaskDone(t *testing.T) {
	a := newTestAPI(t)
	srv := httptest.NewServer(a.router)
	defer srv.Close()

	worker := mustDialWS(t, srv, "/ws/autopilot", mustLogin(t, a, "otto"))

	// Acknowledging a task the worker never received closes the socket.
	require.NoError(t, worker.WriteJSON(map[string]any{"type": "task_done", "task_id": 1}))
	assert.Equal(t, ws.CloseInvalidValue, wsCloseCode(t, worker))
}

func TestAutopilotSocket_DisconnectUnregisters(t *testing.T) {
	a := newTestAPI(t)
	srv := httptest.NewServer(a.router)
	defer srv.Close()

	worker := mustDialWS(t, srv, "/ws/autopilot", mustLogin(t, a, "otto"))
	assert.Eventually(t, func() bool { return a.scheduler.FreeInstance() != nil },
		2*time.Second, 10*time.Millisecond)

	require.NoError(t, worker.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))

	assert.Eventually(t, func() bool { return a.scheduler.FreeInstance() == nil },
		2*time.Second, 10*time.Millisecond)
}

func mustLogin(t *testing.T, a *testAPI, username string) string {
	t.Helper()
	access, _ := a.login(t, username)
	return access
}
