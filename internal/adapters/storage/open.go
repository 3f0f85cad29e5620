package storage

import (
	"fmt"
	"log/slog"

	"github.com/luna-badge/taskcore/internal/domain"
	"github.com/luna-badge/taskcore/internal/ports"
)

// Open builds the store selected by the config backend.
func Open(cfg domain.StorageConfig, logger *slog.Logger) (ports.StoragePort, error) {
	switch cfg.Backend {
	case domain.StorageBadger:
		return OpenBadgerStore(BadgerOptions{Dir: cfg.Dir, SyncWrites: cfg.SyncWrites}, logger)
	case domain.StorageFile:
		return OpenFileStore(cfg.Dir, logger)
	case domain.StorageMemory:
		return OpenInMemory(logger)
	default:
		return nil, domain.NewConfigError("storage.backend", fmt.Errorf("%w: %q", domain.ErrInvalidInput, cfg.Backend))
	}
}
