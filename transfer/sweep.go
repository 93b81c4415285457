package transfer

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/SanPilot/elf-backend/storage"
)

// sweepReadAttempts caps directory-read retries within one sweep cycle.
const sweepReadAttempts = 5

// RunSweeper periodically reclaims abandoned upload files until the context
// is cancelled. A file is abandoned when it is older than the configured
// upload deadline and has no committed metadata record.
func (m *Manager) RunSweeper(ctx context.Context) {
	ticker := m.opts.Clock.Ticker(m.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepOnce()
		}
	}
}

func (m *Manager) sweepOnce() {
	owners, err := readDirRetry(m.opts.StorageDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return
		}
		m.log.Warn("sweep: read storage root", zap.Error(err))
		return
	}

	deadline := m.opts.Clock.Now().Add(-m.opts.MaxUploadTime)
	for _, owner := range owners {
		if !owner.IsDir() {
			continue
		}
		ownerDir := filepath.Join(m.opts.StorageDir, owner.Name())

		entries, err := readDirRetry(ownerDir)
		if err != nil {
			m.log.Warn("sweep: read owner directory",
				zap.String("dir", ownerDir),
				zap.Error(err))
			continue
		}

		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			if !info.ModTime().Before(deadline) {
				continue
			}

			fileID := entry.Name()
			if _, err := m.opts.Store.FindFile(fileID); err == nil {
				// Committed files are kept indefinitely.
				continue
			} else if !errors.Is(err, storage.ErrNotFound) {
				m.log.Warn("sweep: metadata lookup failed",
					zap.String("file_id", fileID),
					zap.Error(err))
				continue
			}

			path := filepath.Join(ownerDir, fileID)
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				m.log.Warn("sweep: remove abandoned file",
					zap.String("path", path),
					zap.Error(err))
				continue
			}

			m.mu.Lock()
			_, live := m.uploads[fileID]
			if live {
				delete(m.uploads, fileID)
			}
			m.mu.Unlock()
			if live {
				m.opts.Metrics.UploadsActive.Dec()
			}

			m.opts.Metrics.SweepDeletedTotal.Inc()
			m.log.Info("sweep: deleted abandoned upload",
				zap.String("file_id", fileID),
				zap.String("owner_dir", owner.Name()))
		}
	}
}

// readDirRetry reads a directory, retrying transient failures a bounded
// number of times.
func readDirRetry(dir string) ([]os.DirEntry, error) {
	var lastErr error
	for attempt := 0; attempt < sweepReadAttempts; attempt++ {
		entries, err := os.ReadDir(dir)
		if err == nil {
			return entries, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}
