package routes

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/petervdpas/goopcall/internal/avatar"
	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/presence"
	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/relay"
	"github.com/petervdpas/goopcall/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type env struct {
	hub     *relay.Hub
	tracker *presence.Tracker
	calls   *call.Manager
	mux     *http.ServeMux
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	db, err := storage.OpenDir(ctx, t.TempDir())
	require.NoError(t, err)
	hub := relay.NewHub(db)
	t.Cleanup(func() {
		hub.Close()
		db.Close()
	})

	tr := presence.New(hub, time.Hour)
	require.NoError(t, tr.Start(ctx, "A"))
	t.Cleanup(func() { tr.Stop(context.Background()) })

	mgr := call.NewManager(call.Options{SelfID: "A", Relay: hub, Presence: tr})
	t.Cleanup(mgr.Close)

	mux := http.NewServeMux()
	Register(mux, Deps{
		SelfID:    "A",
		SelfLabel: func() string { return "Alice" },
		Calls:     mgr,
		Presence:  tr,
		Profiles:  avatar.NewResolver(hub, time.Minute),
	})
	return &env{hub: hub, tracker: tr, calls: mgr, mux: mux}
}

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.RemoteAddr = "127.0.0.1:50000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestSelf(t *testing.T) {
	e := newEnv(t)
	rec := get(t, e.mux, "/api/self")
	require.Equal(t, http.StatusOK, rec.Code)

	var got map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "A", got["user_id"])
	assert.Equal(t, "Alice", got["label"])
}

func TestSessionsEmpty(t *testing.T) {
	e := newEnv(t)
	rec := get(t, e.mux, "/api/call/sessions")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestStartCallOfflinePeer(t *testing.T) {
	e := newEnv(t)
	rec := post(t, e.mux, "/api/call/start", `{"receiver_id":"B"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	var got map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, call.UserMessage(call.ErrPeerOffline), got["message"])
}

func TestPostValidation(t *testing.T) {
	e := newEnv(t)

	rec := post(t, e.mux, "/api/call/start", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = post(t, e.mux, "/api/call/accept", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = get(t, e.mux, "/api/call/hangup")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestPostRejectsRemoteCaller(t *testing.T) {
	e := newEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/api/call/hangup", strings.NewReader(`{"call_id":"x"}`))
	req.RemoteAddr = "203.0.113.5:4000"
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestUnknownCallIsNotFound(t *testing.T) {
	e := newEnv(t)

	rec := post(t, e.mux, "/api/call/hangup", `{"call_id":"nope"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = post(t, e.mux, "/api/call/toggle-video", `{"call_id":"nope","enabled":false}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = post(t, e.mux, "/api/call/accept", `{"call_id":"nope"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeclineIncoming(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c, err := e.hub.CreateCall(ctx, "B", "A")
	require.NoError(t, err)
	_, err = e.hub.UpdateCallStatus(ctx, c.ID, proto.StatusRinging)
	require.NoError(t, err)

	rec := post(t, e.mux, "/api/call/decline", `{"call_id":"`+c.ID+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := e.hub.GetCall(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, proto.StatusDeclined, got.Status)
}

func TestPresence(t *testing.T) {
	e := newEnv(t)

	rec := get(t, e.mux, "/api/presence")
	require.Equal(t, http.StatusOK, rec.Code)
	var got struct {
		Self    string                          `json:"self"`
		Visible bool                            `json:"visible"`
		Peers   map[string]proto.PresenceRecord `json:"peers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "A", got.Self)
	assert.True(t, got.Visible)

	rec = post(t, e.mux, "/api/presence/visibility", `{"visible":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, e.tracker.Visible())
}

func TestCallEventsStream(t *testing.T) {
	e := newEnv(t)
	srv := httptest.NewServer(e.mux)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/call/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream; charset=utf-8", resp.Header.Get("Content-Type"))

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: connected\n", line)
}

func TestNilManager(t *testing.T) {
	mux := http.NewServeMux()
	RegisterCall(mux, nil)

	rec := get(t, mux, "/api/call/sessions")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = post(t, mux, "/api/call/start", `{"receiver_id":"B"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAvatarAndProfile(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.hub.UpsertProfile(ctx, proto.Profile{UserID: "B", DisplayName: "Bob Jones"}))
	require.NoError(t, e.hub.UpsertProfile(ctx, proto.Profile{UserID: "C", DisplayName: "Cy", AvatarURL: "https://example.com/c.png"}))

	rec := get(t, e.mux, "/api/profile?user_id=B")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Bob Jones")

	rec = get(t, e.mux, "/api/avatar?user_id=B")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/svg+xml", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), ">BJ<")

	rec = get(t, e.mux, "/api/avatar?user_id=C")
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://example.com/c.png", rec.Header().Get("Location"))

	rec = get(t, e.mux, "/api/avatar")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
