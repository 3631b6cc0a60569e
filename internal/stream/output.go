package stream

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// OutputManager allocates and cleans per-channel segment directories beneath a
// single managed root. It never touches files outside that root.
type OutputManager struct {
	root   string
	logger *slog.Logger
}

// NewOutputManager resolves root to an absolute path and creates it if absent.
func NewOutputManager(root string, logger *slog.Logger) (*OutputManager, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("output root is required")
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve output root: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("prepare output root: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OutputManager{root: absRoot, logger: logger}, nil
}

// Root returns the absolute managed root directory.
func (m *OutputManager) Root() string {
	return m.root
}

// Prepare creates (if absent) and returns the stable directory for the given
// channel. Distinct channels always map to distinct directories.
func (m *OutputManager) Prepare(channelID int) (string, error) {
	dir := filepath.Join(m.root, fmt.Sprintf("channel-%d", channelID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("prepare channel directory: %w", err)
	}
	return dir, nil
}

// Cleanup deletes all segment (*.ts) and playlist (*.m3u8) files in dir.
// Files that vanish mid-cleanup are ignored. Directories outside the managed
// root are refused.
func (m *OutputManager) Cleanup(dir string) error {
	if err := m.ensureManaged(dir); err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read channel directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".ts") && !strings.HasSuffix(name, ".m3u8") {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			m.logger.Warn("failed to remove stream file", "file", name, "error", err)
		}
	}
	return nil
}

func (m *OutputManager) ensureManaged(dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve directory: %w", err)
	}
	rel, err := filepath.Rel(m.root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("directory %s is outside the managed output root", dir)
	}
	return nil
}
