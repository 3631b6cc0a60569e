package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

const (
	commonsAPI   = "https://commons.wikimedia.org/w/api.php"
	wikipediaAPI = "https://en.wikipedia.org/w/api.php"

	// Downloads below this size are error pages or placeholder thumbnails.
	minLogoBytes = 200
)

// stopWords are dropped from channel names before searching so regional and
// quality suffixes do not dilute the query.
var stopWords = map[string]struct{}{
	"tv": {}, "hd": {}, "uhd": {}, "4k": {}, "channel": {}, "network": {}, "live": {},
	"plus": {}, "max": {}, "intl": {}, "international": {}, "official": {},
	"east": {}, "west": {}, "north": {}, "south": {},
	"us": {}, "usa": {}, "uk": {}, "ca": {}, "canada": {}, "fr": {}, "france": {},
	"de": {}, "germany": {}, "es": {}, "spain": {}, "it": {}, "italy": {},
	"pt": {}, "portugal": {}, "latino": {}, "latin": {}, "arabic": {},
	"sports": {}, "sport": {},
}

var logoHintWords = []string{"logo", "channel logo", "tv logo", "wordmark", "icon"}

// masterLogos lets one saved logo serve a whole channel family.
var masterLogos = map[string][]string{
	"disney": {"disney channel", "disney junior", "disney xd", "disney+", "disney plus"},
	"sky":    {"sky sports", "sky sports f1", "sky sports news", "sky cinema", "sky atlantic"},
	"hbo":    {"hbo max", "hbo family", "hbo signature", "hbo2", "hbo 2"},
	"espn":   {"espn2", "espn 2", "espn+", "espn plus"},
	"bbc":    {"bbc one", "bbc two", "bbc three", "bbc four", "bbc news"},
	"itv":    {"itv1", "itv 1", "itv2", "itv 2", "itv3", "itv 3", "itv4", "itv 4"},
	"cbc":    {"cbc news", "cbc gem"},
	"ctv":    {"ctv2", "ctv 2", "ctv news"},
}

var preferredExtensions = []string{"svg", "png", "webp", "jpg", "jpeg"}

var (
	nonWordPattern    = regexp.MustCompile(`[^\w]+`)
	underscorePattern = regexp.MustCompile(`_+`)
	bracketPattern    = regexp.MustCompile(`[()\[\]{}]`)
	punctPattern      = regexp.MustCompile(`[-_/|:;,.]`)
	spacePattern      = regexp.MustCompile(`\s+`)
	extensionPattern  = regexp.MustCompile(`\.([a-zA-Z0-9]{2,5})(?:\?|$)`)
)

func slugify(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = nonWordPattern.ReplaceAllString(s, "_")
	s = strings.Trim(underscorePattern.ReplaceAllString(s, "_"), "_")
	if s == "" {
		return "unknown"
	}
	return s
}

func normalizeName(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = strings.ReplaceAll(s, "&", " and ")
	s = bracketPattern.ReplaceAllString(s, " ")
	s = punctPattern.ReplaceAllString(s, " ")
	s = strings.TrimSpace(spacePattern.ReplaceAllString(s, " "))

	tokens := make([]string, 0, 8)
	for _, token := range strings.Fields(s) {
		if _, ok := stopWords[token]; !ok {
			tokens = append(tokens, token)
		}
	}
	cleaned := strings.Join(tokens, " ")
	cleaned = strings.ReplaceAll(cleaned, "plus", "+")
	cleaned = strings.ReplaceAll(cleaned, "and", "&")
	cleaned = strings.TrimSpace(spacePattern.ReplaceAllString(cleaned, " "))
	if cleaned == "" {
		return s
	}
	return cleaned
}

// searchVariants produces progressively looser queries for one channel name,
// from the full normalized name down to the first word plus hint terms.
func searchVariants(name string) []string {
	normalized := normalizeName(name)
	var variants []string
	seen := map[string]struct{}{}
	add := func(v string) {
		v = strings.ToLower(strings.TrimSpace(spacePattern.ReplaceAllString(v, " ")))
		if v == "" {
			return
		}
		if _, ok := seen[v]; ok {
			return
		}
		seen[v] = struct{}{}
		variants = append(variants, v)
	}

	add(normalized)

	words := make([]string, 0, 8)
	for _, w := range strings.Fields(normalized) {
		if _, ok := stopWords[w]; !ok {
			words = append(words, w)
		}
	}
	add(strings.Join(words, " "))
	if len(words) >= 2 {
		add(strings.Join(words[:2], " "))
	}
	if len(words) >= 3 {
		add(strings.Join(words[:3], " "))
	}
	if len(words) > 0 {
		add(words[0])
	}

	base := append([]string(nil), variants...)
	for _, bv := range base {
		for _, hint := range logoHintWords {
			add(bv + " " + hint)
		}
	}
	for i, bv := range base {
		if i >= 5 {
			break
		}
		add(bv + " logo svg")
	}

	if len(variants) > 20 {
		variants = variants[:20]
	}
	return variants
}

func masterSlugFor(name string) string {
	normalized := normalizeName(name)
	compact := strings.ReplaceAll(slugify(normalized), "_", "")
	for master, aliases := range masterLogos {
		if strings.Contains(compact, master) {
			return master
		}
		for _, alias := range aliases {
			if strings.Contains(normalized, normalizeName(alias)) {
				return master
			}
		}
	}
	return ""
}

func extensionFromURL(raw string) string {
	if m := extensionPattern.FindStringSubmatch(raw); m != nil {
		ext := strings.ToLower(m[1])
		for _, known := range preferredExtensions {
			if ext == known {
				return ext
			}
		}
	}
	return "png"
}

// finder resolves channel names to downloaded logo files.
type finder struct {
	http    *http.Client
	outDir  string
	sleep   time.Duration
	retries int
	logger  *slog.Logger
}

type findResult struct {
	Slug      string
	Method    string
	SourceURL string
	Path      string
}

func newFinder(outDir string, sleep time.Duration, logger *slog.Logger) *finder {
	return &finder{
		http:    &http.Client{Timeout: 20 * time.Second},
		outDir:  outDir,
		sleep:   sleep,
		retries: 3,
		logger:  logger,
	}
}

func (f *finder) existingLogo(slug string) string {
	for _, ext := range preferredExtensions {
		path := filepath.Join(f.outDir, slug+"."+ext)
		if info, err := os.Stat(path); err == nil && info.Size() > 0 {
			return path
		}
	}
	matches, _ := filepath.Glob(filepath.Join(f.outDir, slug+".*"))
	for _, path := range matches {
		if info, err := os.Stat(path); err == nil && !info.IsDir() && info.Size() > 0 {
			return path
		}
	}
	return ""
}

// Find locates a logo for the channel name: cached file first, then a master
// family logo, then Wikimedia Commons, then the Wikipedia infobox image.
func (f *finder) Find(ctx context.Context, name string) (findResult, error) {
	slug := slugify(normalizeName(name))

	if existing := f.existingLogo(slug); existing != "" {
		return findResult{Slug: slug, Method: "cached", Path: existing}, nil
	}

	if master := masterSlugFor(name); master != "" && master != slug {
		if src := f.existingLogo(master); src != "" {
			dst := filepath.Join(f.outDir, slug+filepath.Ext(src))
			if err := copyFile(src, dst); err == nil {
				return findResult{Slug: slug, Method: "master:" + master, Path: dst}, nil
			}
		}
	}

	variants := searchVariants(name)
	for _, variant := range variants {
		fileURL, err := f.commonsLookup(ctx, variant)
		if err != nil {
			f.logger.Debug("commons lookup failed", "variant", variant, "error", err)
			continue
		}
		if fileURL == "" {
			continue
		}
		path := filepath.Join(f.outDir, slug+"."+extensionFromURL(fileURL))
		if err := f.download(ctx, fileURL, path); err != nil {
			f.logger.Debug("commons download failed", "url", fileURL, "error", err)
			continue
		}
		return findResult{Slug: slug, Method: "commons", SourceURL: fileURL, Path: path}, nil
	}

	limit := len(variants)
	if limit > 8 {
		limit = 8
	}
	for _, variant := range variants[:limit] {
		imageURL, err := f.wikipediaLookup(ctx, variant)
		if err != nil {
			f.logger.Debug("wikipedia lookup failed", "variant", variant, "error", err)
			continue
		}
		if imageURL == "" {
			continue
		}
		path := filepath.Join(f.outDir, slug+"."+extensionFromURL(imageURL))
		if err := f.download(ctx, imageURL, path); err != nil {
			f.logger.Debug("wikipedia download failed", "url", imageURL, "error", err)
			continue
		}
		return findResult{Slug: slug, Method: "wikipedia", SourceURL: imageURL, Path: path}, nil
	}

	return findResult{Slug: slug}, fmt.Errorf("no logo found for %q", name)
}

type commonsSearchResponse struct {
	Query struct {
		Search []struct {
			Title string `json:"title"`
			Size  int    `json:"size"`
		} `json:"search"`
	} `json:"query"`
}

type imageInfoResponse struct {
	Query struct {
		Pages map[string]struct {
			ImageInfo []struct {
				URL string `json:"url"`
			} `json:"imageinfo"`
			Thumbnail struct {
				Source string `json:"source"`
			} `json:"thumbnail"`
		} `json:"pages"`
	} `json:"query"`
}

func (f *finder) commonsLookup(ctx context.Context, query string) (string, error) {
	params := url.Values{
		"action":      {"query"},
		"format":      {"json"},
		"list":        {"search"},
		"srnamespace": {"6"},
		"srlimit":     {"5"},
		"srsearch":    {query},
	}
	var search commonsSearchResponse
	if err := f.getJSON(ctx, commonsAPI, params, &search); err != nil {
		return "", err
	}
	hits := search.Query.Search
	if len(hits) == 0 {
		return "", nil
	}
	// Titles containing "logo" beat larger files.
	sort.SliceStable(hits, func(i, j int) bool {
		iLogo := strings.Contains(strings.ToLower(hits[i].Title), "logo")
		jLogo := strings.Contains(strings.ToLower(hits[j].Title), "logo")
		if iLogo != jLogo {
			return iLogo
		}
		return hits[i].Size > hits[j].Size
	})

	params = url.Values{
		"action": {"query"},
		"format": {"json"},
		"titles": {hits[0].Title},
		"prop":   {"imageinfo"},
		"iiprop": {"url|mime"},
	}
	var info imageInfoResponse
	if err := f.getJSON(ctx, commonsAPI, params, &info); err != nil {
		return "", err
	}
	for _, page := range info.Query.Pages {
		if len(page.ImageInfo) > 0 {
			return page.ImageInfo[0].URL, nil
		}
	}
	return "", nil
}

func (f *finder) wikipediaLookup(ctx context.Context, query string) (string, error) {
	params := url.Values{
		"action":    {"opensearch"},
		"format":    {"json"},
		"search":    {query},
		"limit":     {"1"},
		"namespace": {"0"},
	}
	var opensearch []json.RawMessage
	if err := f.getJSON(ctx, wikipediaAPI, params, &opensearch); err != nil {
		return "", err
	}
	if len(opensearch) < 2 {
		return "", nil
	}
	var titles []string
	if err := json.Unmarshal(opensearch[1], &titles); err != nil || len(titles) == 0 {
		return "", nil
	}

	params = url.Values{
		"action":      {"query"},
		"format":      {"json"},
		"titles":      {titles[0]},
		"prop":        {"pageimages"},
		"pithumbsize": {"800"},
		"pilicense":   {"any"},
	}
	var info imageInfoResponse
	if err := f.getJSON(ctx, wikipediaAPI, params, &info); err != nil {
		return "", err
	}
	for _, page := range info.Query.Pages {
		if page.Thumbnail.Source != "" {
			return page.Thumbnail.Source, nil
		}
	}
	return "", nil
}

func (f *finder) getJSON(ctx context.Context, endpoint string, params url.Values, out interface{}) error {
	var lastErr error
	for attempt := 1; attempt <= f.retries; attempt++ {
		if f.sleep > 0 {
			time.Sleep(f.sleep)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+params.Encode(), nil)
		if err != nil {
			return err
		}
		req.Header.Set("User-Agent", "PeakDeclineLogoImport/1.0")
		resp, err := f.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			lastErr = fmt.Errorf("unexpected status %d from %s", resp.StatusCode, endpoint)
			continue
		}
		err = json.NewDecoder(resp.Body).Decode(out)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

func (f *finder) download(ctx context.Context, rawURL, outPath string) error {
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return err
	}
	var lastErr error
	for attempt := 1; attempt <= f.retries; attempt++ {
		if f.sleep > 0 {
			time.Sleep(f.sleep)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return err
		}
		req.Header.Set("User-Agent", "PeakDeclineLogoImport/1.0")
		resp, err := f.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			lastErr = fmt.Errorf("unexpected status %d downloading %s", resp.StatusCode, rawURL)
			continue
		}

		// Write to a temp file and rename so a failed transfer never leaves a
		// truncated logo behind.
		tmp := outPath + ".tmp"
		file, err := os.Create(tmp)
		if err != nil {
			resp.Body.Close()
			return err
		}
		written, err := io.Copy(file, resp.Body)
		resp.Body.Close()
		if closeErr := file.Close(); err == nil {
			err = closeErr
		}
		if err == nil && written < minLogoBytes {
			err = fmt.Errorf("downloaded file too small (%d bytes)", written)
		}
		if err != nil {
			os.Remove(tmp)
			lastErr = err
			continue
		}
		return os.Rename(tmp, outPath)
	}
	return lastErr
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}
