// Package library is a typed client for a Plex-compatible media server. The
// room service uses it to search the library, enumerate audio and subtitle
// tracks, and resolve a rating key into a directly playable stream URL.
package library

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"peakdecline-live/internal/observability/metrics"
)

// ErrLookupFailed wraps any failure to reach or parse the media server. The
// API layer maps it to a bad-gateway response.
var ErrLookupFailed = errors.New("media library lookup failed")

// ErrNotFound indicates the rating key does not exist in the library.
var ErrNotFound = errors.New("media item not found")

// Item is a browsable library entry: a movie, show, season, or episode.
type Item struct {
	RatingKey string `json:"ratingKey"`
	Key       string `json:"key"`
	Title     string `json:"title"`
	Year      int    `json:"year,omitempty"`
	Type      string `json:"type"`
	Thumb     string `json:"thumb,omitempty"`
}

// StreamOption is a selectable audio or subtitle track.
type StreamOption struct {
	ID       int64  `json:"id"`
	Language string `json:"language,omitempty"`
	Title    string `json:"title"`
	Selected bool   `json:"selected"`
}

// MediaInfo describes a playable item together with its track options.
type MediaInfo struct {
	Item      Item           `json:"item"`
	Audio     []StreamOption `json:"audio"`
	Subtitles []StreamOption `json:"subtitles"`

	partID  int64
	partKey string
}

// SelectRequest names the item to play and optional track overrides.
type SelectRequest struct {
	RatingKey        string
	AudioStreamID    string
	SubtitleStreamID string
}

// Resolved is the outcome of a successful selection: everything a player
// needs to start the media.
type Resolved struct {
	RatingKey string
	Title     string
	URL       string
}

// Config carries the connection settings for the media server.
type Config struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
}

// Client talks to the media server. Concurrent metadata lookups for the same
// rating key are coalesced into a single upstream request.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *slog.Logger
	metrics *metrics.Recorder
	group   singleflight.Group
}

// NewClient validates the configuration and returns a ready client.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("media server base URL is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rec := cfg.Metrics
	if rec == nil {
		rec = metrics.Default()
	}
	return &Client{baseURL: base, token: cfg.Token, http: httpClient, logger: logger, metrics: rec}, nil
}

// Search queries the library for playable and browsable items.
func (c *Client) Search(ctx context.Context, query string) ([]Item, error) {
	container, err := c.fetch(ctx, "/search", url.Values{"query": {query}})
	if err != nil {
		return nil, err
	}
	items := make([]Item, 0, len(container.Metadata))
	for _, entry := range container.Metadata {
		items = append(items, entry.item())
	}
	return items, nil
}

// Children lists the members of a container item, such as a show's seasons or
// a season's episodes. key may be a full metadata key or a bare rating key.
func (c *Client) Children(ctx context.Context, key string) ([]Item, error) {
	container, err := c.fetch(ctx, "/library/metadata/"+ratingKey(key)+"/children", nil)
	if err != nil {
		return nil, err
	}
	items := make([]Item, 0, len(container.Metadata))
	for _, entry := range container.Metadata {
		items = append(items, entry.item())
	}
	return items, nil
}

// Metadata fetches a playable item along with its audio and subtitle tracks.
func (c *Client) Metadata(ctx context.Context, key string) (MediaInfo, error) {
	rk := ratingKey(key)
	v, err, _ := c.group.Do(rk, func() (any, error) {
		return c.metadata(ctx, rk)
	})
	if err != nil {
		return MediaInfo{}, err
	}
	return v.(MediaInfo), nil
}

func (c *Client) metadata(ctx context.Context, rk string) (MediaInfo, error) {
	container, err := c.fetch(ctx, "/library/metadata/"+rk, nil)
	if err != nil {
		return MediaInfo{}, err
	}
	if len(container.Metadata) == 0 {
		return MediaInfo{}, fmt.Errorf("%w: rating key %s", ErrNotFound, rk)
	}
	entry := container.Metadata[0]
	info := MediaInfo{Item: entry.item()}
	for _, media := range entry.Media {
		for _, part := range media.Part {
			if info.partKey == "" {
				info.partID = part.ID
				info.partKey = part.Key
			}
			for _, stream := range part.Stream {
				opt := StreamOption{
					ID:       stream.ID,
					Language: stream.Language,
					Title:    stream.DisplayTitle,
					Selected: stream.Selected,
				}
				switch stream.StreamType {
				case streamTypeAudio:
					info.Audio = append(info.Audio, opt)
				case streamTypeSubtitle:
					info.Subtitles = append(info.Subtitles, opt)
				}
			}
		}
	}
	if info.partKey == "" {
		return MediaInfo{}, fmt.Errorf("%w: rating key %s has no playable part", ErrNotFound, rk)
	}
	return info, nil
}

// Resolve applies any requested track overrides and returns the playable
// stream URL and display title for the item.
func (c *Client) Resolve(ctx context.Context, req SelectRequest) (Resolved, error) {
	info, err := c.Metadata(ctx, req.RatingKey)
	if err != nil {
		return Resolved{}, err
	}
	if req.AudioStreamID != "" || req.SubtitleStreamID != "" {
		if err := c.selectTracks(ctx, info.partID, req); err != nil {
			return Resolved{}, err
		}
	}
	streamURL, err := c.streamURL(info.partKey)
	if err != nil {
		return Resolved{}, err
	}
	c.metrics.ObserveLibraryLookup("ok")
	return Resolved{RatingKey: info.Item.RatingKey, Title: info.Item.Title, URL: streamURL}, nil
}

// Image streams a library artwork asset, for proxying thumbnails to clients
// without exposing the server token.
func (c *Client) Image(ctx context.Context, path string) (io.ReadCloser, string, error) {
	if !strings.HasPrefix(path, "/") {
		return nil, "", fmt.Errorf("%w: image path must be absolute", ErrLookupFailed)
	}
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, "", err
	}
	return resp.Body, resp.Header.Get("Content-Type"), nil
}

func (c *Client) selectTracks(ctx context.Context, partID int64, req SelectRequest) error {
	params := url.Values{"allParts": {"1"}}
	if req.AudioStreamID != "" {
		params.Set("audioStreamID", req.AudioStreamID)
	}
	if req.SubtitleStreamID != "" {
		params.Set("subtitleStreamID", req.SubtitleStreamID)
	}
	resp, err := c.do(ctx, http.MethodPut, fmt.Sprintf("/library/parts/%d", partID), params)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *Client) streamURL(partKey string) (string, error) {
	u, err := url.Parse(c.baseURL + partKey)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}
	if c.token != "" {
		q := u.Query()
		q.Set("X-Plex-Token", c.token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

const (
	streamTypeAudio    = 2
	streamTypeSubtitle = 3
)

type mediaContainer struct {
	Metadata []metadataEntry `json:"Metadata"`
}

type metadataEntry struct {
	RatingKey        string `json:"ratingKey"`
	Key              string `json:"key"`
	Title            string `json:"title"`
	GrandparentTitle string `json:"grandparentTitle"`
	Year             int    `json:"year"`
	Type             string `json:"type"`
	Thumb            string `json:"thumb"`
	Media            []struct {
		Part []struct {
			ID     int64  `json:"id"`
			Key    string `json:"key"`
			Stream []struct {
				ID           int64  `json:"id"`
				StreamType   int    `json:"streamType"`
				Language     string `json:"language"`
				DisplayTitle string `json:"displayTitle"`
				Selected     bool   `json:"selected"`
			} `json:"Stream"`
		} `json:"Part"`
	} `json:"Media"`
}

func (e metadataEntry) item() Item {
	title := e.Title
	if e.Type == "episode" && e.GrandparentTitle != "" {
		title = e.GrandparentTitle + " - " + e.Title
	}
	return Item{
		RatingKey: e.RatingKey,
		Key:       e.Key,
		Title:     title,
		Year:      e.Year,
		Type:      displayType(e.Type),
		Thumb:     e.Thumb,
	}
}

func displayType(raw string) string {
	switch strings.ToLower(raw) {
	case "movie":
		return "Movie"
	case "show":
		return "Show"
	case "season":
		return "Season"
	case "episode":
		return "Episode"
	default:
		return raw
	}
}

func (c *Client) fetch(ctx context.Context, path string, params url.Values) (*mediaContainer, error) {
	resp, err := c.do(ctx, http.MethodGet, path, params)
	if err != nil {
		c.metrics.ObserveLibraryLookup("error")
		return nil, err
	}
	defer resp.Body.Close()

	var payload struct {
		MediaContainer mediaContainer `json:"MediaContainer"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		c.metrics.ObserveLibraryLookup("error")
		return nil, fmt.Errorf("%w: decode response: %v", ErrLookupFailed, err)
	}
	return &payload.MediaContainer, nil
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values) (*http.Response, error) {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}
	if params != nil {
		q := u.Query()
		for key, values := range params {
			for _, value := range values {
				q.Add(key, value)
			}
		}
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("X-Plex-Token", c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("media server request failed", "method", method, "path", path, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		c.logger.Warn("media server returned error", "method", method, "path", path, "status", resp.StatusCode)
		return nil, fmt.Errorf("%w: unexpected status %d", ErrLookupFailed, resp.StatusCode)
	}
	return resp, nil
}

func ratingKey(key string) string {
	trimmed := strings.TrimSpace(key)
	if idx := strings.LastIndex(trimmed, "/"); idx >= 0 {
		trimmed = trimmed[idx+1:]
	}
	return trimmed
}
