// Command logo-import backfills channel logos from Wikimedia Commons and
// Wikipedia. It walks every channel in the datastore, searches for a matching
// logo file, downloads it under the output directory, and records the path on
// the channel so the frontend can serve it.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"peakdecline-live/internal/models"
	"peakdecline-live/internal/observability/logging"
	"peakdecline-live/internal/storage"
)

func main() {
	_ = godotenv.Load()

	dataPath := flag.String("data", "", "path to JSON datastore")
	storageDriver := flag.String("storage-driver", "", "datastore driver (json or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	outDir := flag.String("out", "", "directory for downloaded logo files")
	logoPrefix := flag.String("logo-prefix", "/static/img/logos", "URL prefix recorded on channels")
	limit := flag.Int("limit", 0, "maximum channels to process (0 = no limit)")
	sleep := flag.Duration("sleep", 200*time.Millisecond, "delay between upstream requests")
	overwrite := flag.Bool("overwrite", false, "refresh channels that already have a logo")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("PEAKDECLINE_LIVE_LOG_LEVEL")),
		Format: "text",
	})

	output := firstNonEmpty(*outDir, os.Getenv("PEAKDECLINE_LIVE_LOGO_OUT_DIR"), "static/img/logos")
	if err := os.MkdirAll(output, 0o755); err != nil {
		logger.Error("failed to create output directory", "dir", output, "error", err)
		os.Exit(1)
	}

	dsn := strings.TrimSpace(firstNonEmpty(*postgresDSN, os.Getenv("PEAKDECLINE_LIVE_POSTGRES_DSN"), os.Getenv("DATABASE_URL")))
	driver := resolveStorageDriver(*storageDriver, os.Getenv("PEAKDECLINE_LIVE_STORAGE_DRIVER"), dsn)

	var (
		store storage.Repository
		err   error
	)
	switch driver {
	case "json":
		store, err = storage.NewStorage(resolveDataPath(*dataPath, os.Getenv("PEAKDECLINE_LIVE_DATA")))
	case "postgres":
		store, err = storage.NewPostgresRepository(dsn)
	default:
		logger.Error("unsupported storage driver", "driver", driver)
		os.Exit(1)
	}
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	channels := store.ListChannels()
	if *limit > 0 && len(channels) > *limit {
		channels = channels[:*limit]
	}
	logger.Info("importing logos", "channels", len(channels), "out_dir", output)

	search := newFinder(output, *sleep, logger)
	var found, missing, skipped int
	for _, channel := range channels {
		if ctx.Err() != nil {
			logger.Warn("interrupted", "processed", found+missing+skipped)
			break
		}
		if channel.Logo != "" && !*overwrite {
			skipped++
			continue
		}
		name := channelSearchName(channel)
		result, err := search.Find(ctx, name)
		if err != nil {
			missing++
			logger.Warn("no logo found", "channel", channel.Name, "error", err)
			continue
		}
		logoURL := path.Join(*logoPrefix, filepath.Base(result.Path))
		if _, err := store.SetChannelLogo(channel.ID, logoURL); err != nil {
			logger.Error("failed to record logo", "channel", channel.Name, "error", err)
			continue
		}
		found++
		logger.Info("logo imported", "channel", channel.Name, "method", result.Method, "path", result.Path)
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer closeCancel()
	if err := store.Close(closeCtx); err != nil {
		logger.Warn("failed to close datastore", "error", err)
	}

	logger.Info("import finished", "found", found, "missing", missing, "skipped", skipped)
}

// channelSearchName prefers the curated brand over the raw channel name, which
// often carries playlist noise like resolution tags.
func channelSearchName(channel models.Channel) string {
	if brand := strings.TrimSpace(channel.Brand); brand != "" {
		return brand
	}
	return channel.Name
}

func resolveStorageDriver(flagValue, envValue, postgresDSN string) string {
	if driver := strings.ToLower(strings.TrimSpace(flagValue)); driver != "" {
		return driver
	}
	if driver := strings.ToLower(strings.TrimSpace(envValue)); driver != "" {
		return driver
	}
	if strings.TrimSpace(postgresDSN) != "" {
		return "postgres"
	}
	return "json"
}

func resolveDataPath(flagValue, envValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := strings.TrimSpace(envValue); env != "" {
		return env
	}
	return "data/store.json"
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}
