package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cochaviz/vessel/internal/configurations"
	"github.com/cochaviz/vessel/internal/logging"
	"github.com/cochaviz/vessel/internal/overlay"
)

// Sweeper removes namespaces left behind by a previous process.
type Sweeper interface {
	Sweep(prefix string) (int, error)
}

// GCReport counts what GC removed.
type GCReport struct {
	Overlays   int
	Namespaces int
	WorkDirs   int
}

// GC removes overlays, namespaces and VM working directories left behind by
// processes that did not shut down cleanly. It must not run while another
// vessel process is using the same directories and namespace prefix.
func GC(ctx context.Context, cfg configurations.Host, sweeper Sweeper, logger *slog.Logger) (GCReport, error) {
	logger = logging.Ensure(logger).With(logging.ComponentKey, "config.gc")
	var (
		report GCReport
		errs   []error
	)

	var err error
	report.Overlays, err = overlay.CleanStale(cfg.Overlays.WithDefaults().Dir)
	errs = append(errs, err)

	if sweeper != nil {
		report.Namespaces, err = sweeper.Sweep(cfg.Namespaces.Prefix)
		errs = append(errs, err)
	}

	entries, err := os.ReadDir(cfg.WorkRoot())
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, fmt.Errorf("read work root: %w", err))
	}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(cfg.WorkRoot(), entry.Name())
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", dir, err))
			continue
		}
		report.WorkDirs++
	}

	logger.Info("garbage collection finished", "overlays", report.Overlays, "namespaces", report.Namespaces, "work_dirs", report.WorkDirs)
	return report, errors.Join(errs...)
}
