package statefile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"graph_collector/internal/domain"
	"graph_collector/internal/watermark"
)

// Store keeps one JSON watermark file per collector in a local directory.
// Missing or corrupt files load as empty state, and saves replace the file
// atomically via rename. Run history is not kept by this backend.
type Store struct {
	dir    string
	logger *slog.Logger
}

func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &Store{dir: dir, logger: logger}, nil
}

func (s *Store) Load(_ context.Context, collector string) (domain.Watermark, error) {
	raw, err := os.ReadFile(s.path(collector))
	if os.IsNotExist(err) {
		return domain.Watermark{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}

	return watermark.Decode(raw, s.logger), nil
}

func (s *Store) Save(_ context.Context, collector string, state domain.Watermark, _ []domain.RunStats) error {
	raw, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal watermark: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, collector+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close state file: %w", err)
	}

	if err := os.Rename(tmp.Name(), s.path(collector)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace state file: %w", err)
	}

	return nil
}

func (s *Store) path(collector string) string {
	return filepath.Join(s.dir, collector+".json")
}
