package library

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"sync"
	"testing"
	"time"

	"peakdecline-live/internal/observability/metrics"
)

const metadataBody = `{
  "MediaContainer": {
    "Metadata": [
      {
        "ratingKey": "4821",
        "key": "/library/metadata/4821",
        "title": "The Long Night",
        "grandparentTitle": "Winter Tales",
        "year": 2019,
        "type": "episode",
        "thumb": "/library/metadata/4821/thumb/1",
        "Media": [
          {
            "Part": [
              {
                "id": 9911,
                "key": "/library/parts/9911/file.mkv",
                "Stream": [
                  {"id": 1, "streamType": 1, "displayTitle": "1080p (HEVC)"},
                  {"id": 2, "streamType": 2, "language": "English", "displayTitle": "DTS 5.1", "selected": true},
                  {"id": 3, "streamType": 2, "language": "French", "displayTitle": "AAC Stereo"},
                  {"id": 4, "streamType": 3, "language": "English", "displayTitle": "SRT"}
                ]
              }
            ]
          }
        ]
      }
    ]
  }
}`

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	client, err := NewClient(Config{
		BaseURL: server.URL,
		Token:   "secret-token",
		Logger:  logger,
		Metrics: metrics.New(),
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client, server
}

func TestMetadataParsesTracks(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/library/metadata/4821" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("X-Plex-Token") != "secret-token" {
			t.Error("token header missing")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(metadataBody))
	}))

	info, err := client.Metadata(context.Background(), "/library/metadata/4821")
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	if info.Item.Title != "Winter Tales - The Long Night" {
		t.Fatalf("title = %q", info.Item.Title)
	}
	if info.Item.Type != "Episode" {
		t.Fatalf("type = %q", info.Item.Type)
	}
	if len(info.Audio) != 2 || len(info.Subtitles) != 1 {
		t.Fatalf("tracks = %d audio, %d subtitles", len(info.Audio), len(info.Subtitles))
	}
	if !info.Audio[0].Selected || info.Audio[0].Language != "English" {
		t.Fatalf("unexpected first audio track %+v", info.Audio[0])
	}
}

func TestResolveBuildsStreamURL(t *testing.T) {
	client, server := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(metadataBody))
	}))

	resolved, err := client.Resolve(context.Background(), SelectRequest{RatingKey: "4821"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	parsed, err := url.Parse(resolved.URL)
	if err != nil {
		t.Fatalf("parse resolved URL: %v", err)
	}
	if parsed.Path != "/library/parts/9911/file.mkv" {
		t.Fatalf("path = %q", parsed.Path)
	}
	if parsed.Query().Get("X-Plex-Token") != "secret-token" {
		t.Fatal("token missing from stream URL")
	}
	if parsed.Host == "" || server.URL[len(server.URL)-len(parsed.Host):] != parsed.Host {
		t.Fatalf("host = %q, server = %q", parsed.Host, server.URL)
	}
	if resolved.Title != "Winter Tales - The Long Night" {
		t.Fatalf("title = %q", resolved.Title)
	}
}

func TestResolveAppliesTrackSelection(t *testing.T) {
	var selected url.Values
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			if r.URL.Path != "/library/parts/9911" {
				t.Errorf("unexpected selection path %s", r.URL.Path)
			}
			selected = r.URL.Query()
			w.WriteHeader(http.StatusOK)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(metadataBody))
	}))

	_, err := client.Resolve(context.Background(), SelectRequest{
		RatingKey:        "4821",
		AudioStreamID:    "3",
		SubtitleStreamID: "4",
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if selected.Get("audioStreamID") != "3" || selected.Get("subtitleStreamID") != "4" {
		t.Fatalf("selection params = %v", selected)
	}
}

func TestMetadataNotFound(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))

	_, err := client.Metadata(context.Background(), "9999")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestLookupFailureIsWrapped(t *testing.T) {
	client, server := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	server.Close()

	_, err := client.Metadata(context.Background(), "1")
	if !errors.Is(err, ErrLookupFailed) {
		t.Fatalf("err = %v, want ErrLookupFailed", err)
	}
}

func TestSearchListsItems(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("query"); got != "winter" {
			t.Errorf("query = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"MediaContainer":{"Metadata":[
			{"ratingKey":"10","title":"Winter Tales","type":"show","year":2019},
			{"ratingKey":"11","title":"Winter Movie","type":"movie","year":2021}
		]}}`))
	}))

	items, err := client.Search(context.Background(), "winter")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("items = %d", len(items))
	}
	if items[0].Type != "Show" || items[1].Type != "Movie" {
		t.Fatalf("types = %q, %q", items[0].Type, items[1].Type)
	}
}

func TestConcurrentMetadataCoalesces(t *testing.T) {
	var mu sync.Mutex
	hits := 0
	release := make(chan struct{})
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		<-release
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(metadataBody))
	}))

	const callers = 5
	var wg sync.WaitGroup
	errs := make([]error, callers)
	lookup := func(i int) {
		defer wg.Done()
		_, errs[i] = client.Metadata(context.Background(), "4821")
	}

	wg.Add(1)
	go lookup(0)
	// Wait until the first lookup is blocked inside the upstream handler, then
	// pile the rest on so they join the in-flight call.
	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := hits
		mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first lookup never reached the server")
		}
		time.Sleep(time.Millisecond)
	}
	for i := 1; i < callers; i++ {
		wg.Add(1)
		go lookup(i)
	}
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if hits >= callers {
		t.Fatalf("upstream hits = %d, lookups were not coalesced", hits)
	}
}
