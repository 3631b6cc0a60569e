package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"peakdecline-live/internal/auth"
	"peakdecline-live/internal/library"
	"peakdecline-live/internal/models"
	"peakdecline-live/internal/observability/metrics"
	"peakdecline-live/internal/presence"
	"peakdecline-live/internal/rooms"
	"peakdecline-live/internal/storage"
	"peakdecline-live/internal/stream"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubStreams struct {
	status   stream.Status
	dir      string
	startErr error
	started  []int
	stopped  int
}

func (s *stubStreams) StartStream(_ context.Context, channel models.Channel) (string, error) {
	s.started = append(s.started, channel.ID)
	if s.startErr != nil {
		return "", s.startErr
	}
	return "Playing " + channel.Name, nil
}

func (s *stubStreams) StopStream() { s.stopped++ }

func (s *stubStreams) Status() stream.Status { return s.status }

func (s *stubStreams) ActiveDir() (string, bool) { return s.dir, s.dir != "" }

type stubResolver struct {
	resolved library.Resolved
	err      error
}

func (s *stubResolver) Resolve(context.Context, library.SelectRequest) (library.Resolved, error) {
	if s.err != nil {
		return library.Resolved{}, s.err
	}
	return s.resolved, nil
}

type stubLibrary struct {
	items []library.Item
	info  library.MediaInfo
	err   error
}

func (s *stubLibrary) Search(context.Context, string) ([]library.Item, error) {
	return s.items, s.err
}

func (s *stubLibrary) Children(context.Context, string) ([]library.Item, error) {
	return s.items, s.err
}

func (s *stubLibrary) Metadata(context.Context, string) (library.MediaInfo, error) {
	if s.err != nil {
		return library.MediaInfo{}, s.err
	}
	return s.info, nil
}

func (s *stubLibrary) Image(context.Context, string) (io.ReadCloser, string, error) {
	if s.err != nil {
		return nil, "", s.err
	}
	return io.NopCloser(strings.NewReader("img")), "image/jpeg", nil
}

type testEnv struct {
	handler  *Handler
	store    *storage.Storage
	streams  *stubStreams
	resolver *stubResolver
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatalf("new storage: %v", err)
	}
	streams := &stubStreams{}
	resolver := &stubResolver{resolved: library.Resolved{RatingKey: "4821", Title: "The Long Night", URL: "http://media/4821"}}

	handler := NewHandler(store, auth.NewSessionManager(time.Hour))
	handler.Logger = testLogger()
	handler.Streams = streams
	handler.Presence = presence.NewTracker(testLogger(), nil, presence.WithMetrics(metrics.New()))
	handler.Gateway = rooms.NewGateway(rooms.GatewayConfig{
		Queue:    rooms.NewMemoryQueue(8),
		Store:    store,
		Resolver: resolver,
		Logger:   testLogger(),
		Metrics:  metrics.New(),
	})
	return &testEnv{handler: handler, store: store, streams: streams, resolver: resolver}
}

func (e *testEnv) createUser(t *testing.T, username string) models.User {
	t.Helper()
	user, err := e.store.CreateUser(storage.CreateUserParams{
		Username: username,
		Email:    username + "@example.com",
		Password: "password-" + username,
	})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return user
}

func (e *testEnv) createChannel(t *testing.T, name string) models.Channel {
	t.Helper()
	channel, err := e.store.CreateChannel(storage.CreateChannelParams{Name: name, URL: "http://src/" + name})
	if err != nil {
		t.Fatalf("create channel: %v", err)
	}
	return channel
}

func authedRequest(r *http.Request, user models.User) *http.Request {
	return r.WithContext(ContextWithUser(r.Context(), user))
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dest interface{}) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(dest); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestRegisterAndLogin(t *testing.T) {
	env := newTestEnv(t)

	body := strings.NewReader(`{"username":"ana","email":"ana@example.com","password":"long-password"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/auth/register", body)
	rec := httptest.NewRecorder()
	env.handler.Register(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register status = %d body = %s", rec.Code, rec.Body.String())
	}
	var created authResponse
	decodeBody(t, rec, &created)
	if created.User.Username != "ana" {
		t.Fatalf("registered user = %+v", created.User)
	}
	if cookies := rec.Result().Cookies(); len(cookies) == 0 || cookies[0].Name != sessionCookieName {
		t.Fatalf("session cookie not set: %+v", cookies)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(`{"email":"ana@example.com","password":"long-password"}`))
	rec = httptest.NewRecorder()
	env.handler.Login(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d body = %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(`{"email":"ana@example.com","password":"wrong"}`))
	rec = httptest.NewRecorder()
	env.handler.Login(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong password status = %d", rec.Code)
	}
}

func TestRegisterRejectsShortPassword(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/api/auth/register", strings.NewReader(`{"username":"ana","email":"ana@example.com","password":"short"}`))
	rec := httptest.NewRecorder()
	env.handler.Register(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser(t, "ana")
	token, _, err := env.handler.Sessions.Create(user.ID)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/auth/session", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	env.handler.Session(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("session status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodDelete, "/api/auth/session", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	env.handler.Session(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("revoke status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/auth/session", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	env.handler.Session(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("revoked session status = %d", rec.Code)
	}
}

func TestChannelsRequireAuth(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/api/channels", nil)
	rec := httptest.NewRecorder()
	env.handler.Channels(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestPlayStartsStream(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser(t, "ana")
	channel := env.createChannel(t, "Movies")

	req := authedRequest(httptest.NewRequest(http.MethodPost, "/api/play/1", nil), user)
	rec := httptest.NewRecorder()
	env.handler.Play(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	var payload map[string]string
	decodeBody(t, rec, &payload)
	if payload["status"] != "success" || payload["message"] != "Playing Movies" {
		t.Fatalf("payload = %+v", payload)
	}
	if len(env.streams.started) != 1 || env.streams.started[0] != channel.ID {
		t.Fatalf("started = %+v", env.streams.started)
	}
	stored, _ := env.store.GetChannel(channel.ID)
	if !stored.IsPlaying {
		t.Fatal("channel not flagged playing")
	}
}

func TestPlayUnknownChannel(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser(t, "ana")
	req := authedRequest(httptest.NewRequest(http.MethodPost, "/api/play/42", nil), user)
	rec := httptest.NewRecorder()
	env.handler.Play(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestPlayFailureClearsPlayingFlag(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser(t, "ana")
	channel := env.createChannel(t, "Movies")
	env.streams.startErr = stream.ErrStartupTimeout

	req := authedRequest(httptest.NewRequest(http.MethodPost, "/api/play/1", nil), user)
	rec := httptest.NewRecorder()
	env.handler.Play(rec, req)
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d", rec.Code)
	}
	stored, _ := env.store.GetChannel(channel.ID)
	if stored.IsPlaying {
		t.Fatal("playing flag survived a failed start")
	}
}

func TestPlayProcessExitMapsToBadGateway(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser(t, "ana")
	env.createChannel(t, "Movies")
	env.streams.startErr = stream.ErrProcessExited

	req := authedRequest(httptest.NewRequest(http.MethodPost, "/api/play/1", nil), user)
	rec := httptest.NewRecorder()
	env.handler.Play(rec, req)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestStopStopsStream(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser(t, "ana")
	channel := env.createChannel(t, "Movies")
	if err := env.store.SetChannelPlaying(channel.ID); err != nil {
		t.Fatalf("set playing: %v", err)
	}

	req := authedRequest(httptest.NewRequest(http.MethodPost, "/api/stop", nil), user)
	rec := httptest.NewRecorder()
	env.handler.Stop(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if env.streams.stopped != 1 {
		t.Fatalf("stopped = %d", env.streams.stopped)
	}
	stored, _ := env.store.GetChannel(channel.ID)
	if stored.IsPlaying {
		t.Fatal("playing flag survived stop")
	}
}

func TestStreamStatus(t *testing.T) {
	env := newTestEnv(t)
	env.streams.status = stream.Status{State: stream.StateReady, IsStreaming: true, ChannelID: 7, ChannelName: "Movies"}

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	env.handler.StreamStatus(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var payload struct {
		State       string `json:"state"`
		IsStreaming bool   `json:"isStreaming"`
		ChannelID   int    `json:"currentChannelId"`
	}
	decodeBody(t, rec, &payload)
	if payload.State != "ready" || !payload.IsStreaming || payload.ChannelID != 7 {
		t.Fatalf("payload = %+v", payload)
	}
}

func TestHeartbeatAndOnlineUsers(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser(t, "ana")

	req := authedRequest(httptest.NewRequest(http.MethodPost, "/api/heartbeat", nil), user)
	rec := httptest.NewRecorder()
	env.handler.Heartbeat(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("heartbeat status = %d", rec.Code)
	}
	var beat map[string]string
	decodeBody(t, rec, &beat)
	if beat["status"] != "alive" {
		t.Fatalf("heartbeat payload = %+v", beat)
	}

	req = authedRequest(httptest.NewRequest(http.MethodGet, "/api/online_users", nil), user)
	rec = httptest.NewRecorder()
	env.handler.OnlineUsers(rec, req)
	var payload map[string][]string
	decodeBody(t, rec, &payload)
	if len(payload["users"]) != 1 || payload["users"][0] != "ana" {
		t.Fatalf("online users = %+v", payload)
	}
}

func TestStreamFileServesPlaylist(t *testing.T) {
	env := newTestEnv(t)
	dir := t.TempDir()
	playlist := filepath.Join(dir, "stream.m3u8")
	if err := os.WriteFile(playlist, []byte("#EXTM3U\n"), 0o644); err != nil {
		t.Fatalf("write playlist: %v", err)
	}
	env.streams.dir = dir

	req := httptest.NewRequest(http.MethodGet, "/stream/stream.m3u8", nil)
	rec := httptest.NewRecorder()
	env.handler.StreamFile(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/vnd.apple.mpegurl" {
		t.Fatalf("content type = %q", got)
	}
	if got := rec.Header().Get("Cache-Control"); !strings.Contains(got, "no-store") {
		t.Fatalf("cache control = %q", got)
	}
}

func TestStreamFileWithoutActiveStream(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/stream/stream.m3u8", nil)
	rec := httptest.NewRecorder()
	env.handler.StreamFile(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestStreamFileRejectsUnknownExtensions(t *testing.T) {
	env := newTestEnv(t)
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("private"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	env.streams.dir = dir

	req := httptest.NewRequest(http.MethodGet, "/stream/notes.txt", nil)
	rec := httptest.NewRecorder()
	env.handler.StreamFile(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestRoomLifecycleEndpoints(t *testing.T) {
	env := newTestEnv(t)
	host := env.createUser(t, "ana")
	other := env.createUser(t, "ben")

	req := authedRequest(httptest.NewRequest(http.MethodPost, "/api/rooms", strings.NewReader(`{"name":"movie night"}`)), host)
	rec := httptest.NewRecorder()
	env.handler.Rooms(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d body = %s", rec.Code, rec.Body.String())
	}
	var room models.Room
	decodeBody(t, rec, &room)
	if room.HostID != host.ID {
		t.Fatalf("room host = %q", room.HostID)
	}

	req = authedRequest(httptest.NewRequest(http.MethodGet, "/api/rooms", nil), other)
	rec = httptest.NewRecorder()
	env.handler.Rooms(rec, req)
	var summaries []models.RoomSummary
	decodeBody(t, rec, &summaries)
	if len(summaries) != 1 || summaries[0].Host != "ana" {
		t.Fatalf("summaries = %+v", summaries)
	}

	req = authedRequest(httptest.NewRequest(http.MethodDelete, "/api/rooms/1", nil), other)
	rec = httptest.NewRecorder()
	env.handler.RoomByID(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("non-host delete status = %d", rec.Code)
	}

	req = authedRequest(httptest.NewRequest(http.MethodDelete, "/api/rooms/1", nil), host)
	rec = httptest.NewRecorder()
	env.handler.RoomByID(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("host delete status = %d", rec.Code)
	}
}

func TestRoomMediaUpdatesRoom(t *testing.T) {
	env := newTestEnv(t)
	host := env.createUser(t, "ana")
	if _, err := env.store.CreateRoom("movie night", host.ID); err != nil {
		t.Fatalf("create room: %v", err)
	}

	body := strings.NewReader(`{"ratingKey":"4821","viewOffset":42.5}`)
	req := authedRequest(httptest.NewRequest(http.MethodPost, "/api/rooms/1/media", body), host)
	rec := httptest.NewRecorder()
	env.handler.RoomByID(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	room, _ := env.store.GetRoom(1)
	if room.MediaKey != "4821" || room.MediaTitle != "The Long Night" {
		t.Fatalf("room = %+v", room)
	}
	if room.Position != 42.5 || !room.IsPlaying {
		t.Fatalf("start offset not persisted: %+v", room)
	}
}

func TestRoomMediaLookupFailure(t *testing.T) {
	env := newTestEnv(t)
	host := env.createUser(t, "ana")
	if _, err := env.store.CreateRoom("movie night", host.ID); err != nil {
		t.Fatalf("create room: %v", err)
	}
	env.resolver.err = library.ErrLookupFailed

	body := strings.NewReader(`{"ratingKey":"4821"}`)
	req := authedRequest(httptest.NewRequest(http.MethodPost, "/api/rooms/1/media", body), host)
	rec := httptest.NewRecorder()
	env.handler.RoomByID(rec, req)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", rec.Code)
	}
	room, _ := env.store.GetRoom(1)
	if room.MediaKey != "" {
		t.Fatalf("room mutated on failed lookup: %+v", room)
	}
}

func TestRoomPlaybackEndpoint(t *testing.T) {
	env := newTestEnv(t)
	host := env.createUser(t, "ana")
	if _, err := env.store.CreateRoom("movie night", host.ID); err != nil {
		t.Fatalf("create room: %v", err)
	}

	body := strings.NewReader(`{"action":"pause","position":93.5}`)
	req := authedRequest(httptest.NewRequest(http.MethodPost, "/api/rooms/1/playback", body), host)
	rec := httptest.NewRecorder()
	env.handler.RoomByID(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	var room models.Room
	decodeBody(t, rec, &room)
	if room.IsPlaying || room.Position != 93.5 {
		t.Fatalf("room = %+v", room)
	}

	body = strings.NewReader(`{"action":"rewind","position":1}`)
	req = authedRequest(httptest.NewRequest(http.MethodPost, "/api/rooms/1/playback", body), host)
	rec = httptest.NewRecorder()
	env.handler.RoomByID(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown action status = %d", rec.Code)
	}
}

func TestRoomMessagesEndpoint(t *testing.T) {
	env := newTestEnv(t)
	host := env.createUser(t, "ana")
	if _, err := env.store.CreateRoom("movie night", host.ID); err != nil {
		t.Fatalf("create room: %v", err)
	}
	for _, text := range []string{"a", "b", "c"} {
		if err := env.store.AppendChatMessage(models.ChatMessage{ID: text, RoomID: 1, Sender: "ana", Text: text}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	req := authedRequest(httptest.NewRequest(http.MethodGet, "/api/rooms/1/messages?limit=2", nil), host)
	rec := httptest.NewRecorder()
	env.handler.RoomByID(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var messages []models.ChatMessage
	decodeBody(t, rec, &messages)
	if len(messages) != 2 || messages[0].Text != "b" || messages[1].Text != "c" {
		t.Fatalf("messages = %+v", messages)
	}
}

func TestLibraryMetadataProxy(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser(t, "ana")
	env.handler.Library = &stubLibrary{info: library.MediaInfo{
		Item:  library.Item{RatingKey: "4821", Title: "The Long Night"},
		Audio: []library.StreamOption{{ID: 1, Title: "English"}},
	}}

	req := authedRequest(httptest.NewRequest(http.MethodGet, "/api/library/metadata/4821", nil), user)
	rec := httptest.NewRecorder()
	env.handler.LibraryMetadata(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var payload struct {
		Item  library.Item           `json:"item"`
		Audio []library.StreamOption `json:"audio"`
	}
	decodeBody(t, rec, &payload)
	if payload.Item.RatingKey != "4821" || len(payload.Audio) != 1 {
		t.Fatalf("payload = %+v", payload)
	}
}

func TestLibraryNotFound(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser(t, "ana")
	env.handler.Library = &stubLibrary{err: library.ErrNotFound}

	req := authedRequest(httptest.NewRequest(http.MethodGet, "/api/library/metadata/999", nil), user)
	rec := httptest.NewRecorder()
	env.handler.LibraryMetadata(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestLibraryUnconfigured(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser(t, "ana")

	req := authedRequest(httptest.NewRequest(http.MethodGet, "/api/library/search?query=night", nil), user)
	rec := httptest.NewRecorder()
	env.handler.LibrarySearch(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
}
