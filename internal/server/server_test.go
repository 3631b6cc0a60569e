package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"peakdecline-live/internal/api"
	"peakdecline-live/internal/auth"
	"peakdecline-live/internal/models"
	"peakdecline-live/internal/observability/metrics"
	"peakdecline-live/internal/presence"
	"peakdecline-live/internal/rooms"
	"peakdecline-live/internal/storage"
	"peakdecline-live/internal/stream"
)

type idleStreams struct{}

func (idleStreams) StartStream(context.Context, models.Channel) (string, error) {
	return "", stream.ErrSpawnFailed
}
func (idleStreams) StopStream() {}

func (idleStreams) Status() stream.Status { return stream.Status{State: stream.StateIdle} }

func (idleStreams) ActiveDir() (string, bool) { return "", false }

func newTestServer(t *testing.T) (*Server, *api.Handler, *storage.Storage) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatalf("new storage: %v", err)
	}

	handler := api.NewHandler(store, auth.NewSessionManager(time.Hour))
	handler.Logger = logger
	handler.Streams = idleStreams{}
	handler.Presence = presence.NewTracker(logger, nil, presence.WithMetrics(metrics.New()))
	handler.Gateway = rooms.NewGateway(rooms.GatewayConfig{
		Queue:   rooms.NewMemoryQueue(8),
		Store:   store,
		Logger:  logger,
		Metrics: metrics.New(),
	})

	srv, err := New(handler, Config{Addr: "127.0.0.1:0", Logger: logger, Metrics: metrics.New()})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv, handler, store
}

func sessionToken(t *testing.T, handler *api.Handler, store *storage.Storage) string {
	t.Helper()
	user, err := store.CreateUser(storage.CreateUserParams{
		Username: "ana",
		Email:    "ana@example.com",
		Password: "long-password",
	})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	token, _, err := handler.Sessions.Create(user.ID)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return token
}

func TestHealthzIsPublic(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestAPIRequiresSession(t *testing.T) {
	srv, handler, store := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/channels")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous status = %d", resp.StatusCode)
	}

	token := sessionToken(t, handler, store)
	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/channels", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authenticated status = %d", resp.StatusCode)
	}
}

func TestAuthEndpointsArePublic(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	body := strings.NewReader(`{"username":"ana","email":"ana@example.com","password":"long-password"}`)
	resp, err := http.Post(ts.URL+"/api/auth/register", "application/json", body)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d", resp.StatusCode)
	}
}

func TestRequestIDHeader(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatal("missing generated request id")
	}

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/healthz", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("X-Request-Id", "abc-123")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Request-Id"); got != "abc-123" {
		t.Fatalf("request id = %q", got)
	}
}

func TestStreamFilesBypassAuth(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	// No active stream, but the route must answer 404 rather than 401.
	resp, err := http.Get(ts.URL + "/stream/stream.m3u8")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}
