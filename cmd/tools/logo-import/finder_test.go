package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNormalizeName(t *testing.T) {
	cases := map[string]string{
		"Sky Sports F1 HD":     "sky f1",
		"BBC One (UK)":         "bbc one",
		"ESPN 2 4K":            "espn 2",
		"Discovery & Animals":  "discovery & animals",
		"CNN International":    "cnn",
		"  MTV  Live  ":        "mtv",
		"Canal+ Sport (FR) HD": "canal+",
	}
	for input, want := range cases {
		if got := normalizeName(input); got != want {
			t.Errorf("normalizeName(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestSlugify(t *testing.T) {
	if got := slugify("Sky Sports F1!"); got != "sky_sports_f1" {
		t.Fatalf("slug = %q", got)
	}
	if got := slugify("   "); got != "unknown" {
		t.Fatalf("blank slug = %q", got)
	}
}

func TestSearchVariantsOrderAndLimit(t *testing.T) {
	variants := searchVariants("Sky Sports News HD")
	if len(variants) == 0 || len(variants) > 20 {
		t.Fatalf("variant count = %d", len(variants))
	}
	if variants[0] != "sky news" {
		t.Fatalf("first variant = %q", variants[0])
	}
	seen := map[string]struct{}{}
	for _, v := range variants {
		if _, dup := seen[v]; dup {
			t.Fatalf("duplicate variant %q", v)
		}
		seen[v] = struct{}{}
	}
}

func TestMasterSlugFor(t *testing.T) {
	if got := masterSlugFor("HBO Max HD"); got != "hbo" {
		t.Fatalf("master = %q", got)
	}
	if got := masterSlugFor("Totally Unrelated"); got != "" {
		t.Fatalf("master = %q", got)
	}
}

func TestExtensionFromURL(t *testing.T) {
	if got := extensionFromURL("https://upload.wikimedia.org/logo.svg?download"); got != "svg" {
		t.Fatalf("ext = %q", got)
	}
	if got := extensionFromURL("https://upload.wikimedia.org/logo"); got != "png" {
		t.Fatalf("fallback ext = %q", got)
	}
}

func TestFindUsesCachedFile(t *testing.T) {
	dir := t.TempDir()
	logo := filepath.Join(dir, "bbc_one.png")
	if err := os.WriteFile(logo, make([]byte, 512), 0o644); err != nil {
		t.Fatalf("write logo: %v", err)
	}

	f := newFinder(dir, 0, slog.New(slog.NewTextHandler(io.Discard, nil)))
	result, err := f.Find(context.Background(), "BBC One (UK)")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if result.Method != "cached" || result.Path != logo {
		t.Fatalf("result = %+v", result)
	}
}

func TestFindReusesMasterLogo(t *testing.T) {
	dir := t.TempDir()
	master := filepath.Join(dir, "hbo.svg")
	if err := os.WriteFile(master, make([]byte, 512), 0o644); err != nil {
		t.Fatalf("write master logo: %v", err)
	}

	f := newFinder(dir, 0, slog.New(slog.NewTextHandler(io.Discard, nil)))
	result, err := f.Find(context.Background(), "HBO Family")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if result.Method != "master:hbo" {
		t.Fatalf("method = %q", result.Method)
	}
	copied := filepath.Join(dir, "hbo_family.svg")
	if result.Path != copied {
		t.Fatalf("path = %q", result.Path)
	}
	if _, err := os.Stat(copied); err != nil {
		t.Fatalf("copied logo missing: %v", err)
	}
}

func TestFindFailsFastWithCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := newFinder(t.TempDir(), 0, slog.New(slog.NewTextHandler(io.Discard, nil)))
	f.retries = 1
	f.http.Timeout = 50 * time.Millisecond
	if _, err := f.Find(ctx, "Totally Unknown Channel"); err == nil {
		t.Fatal("expected lookup failure")
	}
}
