package main

import (
	"io"
	"log/slog"
	"testing"

	"peakdecline-live/internal/rooms"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestConfigureRoomQueueMemory(t *testing.T) {
	queue, err := configureRoomQueue("", rooms.RedisQueueConfig{}, testLogger())
	if err != nil {
		t.Fatalf("configure queue: %v", err)
	}
	if queue == nil {
		t.Fatal("expected memory queue")
	}
}

func TestConfigureRoomQueueRedisMissingAddress(t *testing.T) {
	if _, err := configureRoomQueue("redis", rooms.RedisQueueConfig{}, testLogger()); err == nil {
		t.Fatal("expected error for missing redis address")
	}
}

func TestConfigureRoomQueueUnknownDriver(t *testing.T) {
	if _, err := configureRoomQueue("kafka", rooms.RedisQueueConfig{}, testLogger()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestResolveStorageDriver(t *testing.T) {
	if driver := resolveStorageDriver("", "", ""); driver != "json" {
		t.Fatalf("default driver = %q", driver)
	}
	if driver := resolveStorageDriver("", "", "postgres://localhost/live"); driver != "postgres" {
		t.Fatalf("dsn driver = %q", driver)
	}
	if driver := resolveStorageDriver("JSON", "", "postgres://localhost/live"); driver != "json" {
		t.Fatalf("flag driver = %q", driver)
	}
	if driver := resolveStorageDriver("", "postgres", ""); driver != "postgres" {
		t.Fatalf("env driver = %q", driver)
	}
}

func TestResolveListenAddr(t *testing.T) {
	if addr := resolveListenAddr("", "development", ""); addr != ":8080" {
		t.Fatalf("development addr = %q", addr)
	}
	if addr := resolveListenAddr("", "production", ""); addr != ":80" {
		t.Fatalf("production addr = %q", addr)
	}
	if addr := resolveListenAddr(":9000", "production", ":7000"); addr != ":9000" {
		t.Fatalf("flag addr = %q", addr)
	}
	if addr := resolveListenAddr("", "production", ":7000"); addr != ":7000" {
		t.Fatalf("env addr = %q", addr)
	}
}

func TestResolveSessionStoreConfig(t *testing.T) {
	cases := []struct {
		name          string
		flagDriver    string
		envDriver     string
		storageDriver string
		storageDSN    string
		flagDSN       string
		envDSN        string
		wantDriver    string
		wantDSN       string
		wantErr       bool
	}{
		{name: "defaults to memory", wantDriver: "memory"},
		{
			name:          "follows postgres storage",
			storageDriver: "postgres",
			storageDSN:    "postgres://localhost/live",
			wantDriver:    "postgres",
			wantDSN:       "postgres://localhost/live",
		},
		{
			name:       "dedicated dsn selects postgres",
			envDSN:     "postgres://sessions/live",
			wantDriver: "postgres",
			wantDSN:    "postgres://sessions/live",
		},
		{
			name:       "flag dsn wins over env",
			flagDSN:    "postgres://flag/live",
			envDSN:     "postgres://env/live",
			wantDriver: "postgres",
			wantDSN:    "postgres://flag/live",
		},
		{
			name:       "postgres without dsn fails",
			flagDriver: "postgres",
			wantErr:    true,
		},
		{
			name:       "unknown driver fails",
			flagDriver: "etcd",
			wantErr:    true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := resolveSessionStoreConfig(tc.flagDriver, tc.envDriver, tc.storageDriver, tc.storageDSN, tc.flagDSN, tc.envDSN)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if cfg.Driver != tc.wantDriver || cfg.DSN != tc.wantDSN {
				t.Fatalf("config = %+v", cfg)
			}
		})
	}
}

func TestSplitAndTrim(t *testing.T) {
	if got := splitAndTrim(" a, ,b ,"); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("split = %v", got)
	}
	if got := splitAndTrim("  "); got != nil {
		t.Fatalf("split blank = %v", got)
	}
}
