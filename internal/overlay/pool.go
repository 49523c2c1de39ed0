// Package overlay keeps a warm pool of single-use copy-on-write disk overlays.
// A VM acquires one overlay as its writable root layer; on release the file is
// deleted and the pool is topped back up in the background.
package overlay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/cochaviz/vessel/internal/logging"
)

// ErrClosed is returned by Acquire once the pool has been closed.
var ErrClosed = errors.New("overlay pool closed")

const (
	overlayPrefix = "ov-"
	overlaySuffix = ".ext4"
	stagingSuffix = ".tmp"
)

// Pool hands out overlay paths. Each path is given to exactly one caller and
// never returns to the pool.
type Pool struct {
	cfg    Config
	create Creator
	logger *slog.Logger
	owner  *Owner

	mu       sync.Mutex
	ready    []string
	inflight int
	closed   bool
	refill   chan struct{}

	stop context.CancelFunc
	wg   sync.WaitGroup
}

// Owner is the uid/gid overlays are handed over to. The hypervisor runs
// unprivileged and needs write access to its overlay.
type Owner struct {
	UID int
	GID int
}

// New constructs a pool. The background refill loop starts immediately; call
// Warm to block until the watermark is reached.
func New(cfg Config, creator Creator, owner *Owner, logger *slog.Logger) (*Pool, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if creator == nil {
		var err error
		creator, err = NewCreator(cfg)
		if err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("make overlay dir: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:    cfg,
		create: creator,
		logger: logging.Ensure(logger).With(logging.ComponentKey, "overlay_pool", "dir", cfg.Dir),
		owner:  owner,
		refill: make(chan struct{}, 1),
		stop:   cancel,
	}
	p.wg.Add(1)
	go p.refillLoop(ctx)
	return p, nil
}

// Warm creates overlays until the pool holds its target size.
func (p *Pool) Warm(ctx context.Context) error {
	for {
		path, ok, err := p.reserve(true)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := p.build(ctx, path); err != nil {
			p.unreserve()
			return err
		}
		p.deposit(path)
	}
}

// Acquire returns an overlay for exclusive use. When the pool is empty a new
// overlay is created synchronously.
func (p *Pool) Acquire(ctx context.Context) (string, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return "", ErrClosed
	}
	if n := len(p.ready); n > 0 {
		path := p.ready[n-1]
		p.ready = p.ready[:n-1]
		remaining := len(p.ready)
		p.mu.Unlock()

		p.kick()
		p.logger.Debug("overlay acquired", "path", path, "available", remaining)
		return path, nil
	}
	path := p.nextPathLocked()
	p.mu.Unlock()

	p.logger.Info("overlay pool empty, creating on demand", "path", path)
	if err := p.build(ctx, path); err != nil {
		return "", err
	}
	p.kick()
	return path, nil
}

// Release deletes an overlay previously returned by Acquire and schedules a
// refill.
func (p *Pool) Release(path string) error {
	if path == "" {
		return nil
	}
	if !p.owns(path) {
		return fmt.Errorf("overlay %s does not belong to pool %s", path, p.cfg.Dir)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove overlay %s: %w", path, err)
	}
	p.logger.Debug("overlay released", "path", path)
	p.kick()
	return nil
}

// Available reports how many overlays are ready to be acquired.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ready)
}

// Close stops the refill loop and deletes every unused overlay.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.stop()
	p.wg.Wait()

	p.mu.Lock()
	ready := p.ready
	p.ready = nil
	p.mu.Unlock()

	var errs []error
	for _, path := range ready {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove overlay %s: %w", path, err))
		}
	}
	return errors.Join(errs...)
}

// CleanStale removes staging files and overlays left behind by a previous
// process. It must run before the pool hands anything out.
func (p *Pool) CleanStale() (int, error) {
	p.mu.Lock()
	known := make(map[string]struct{}, len(p.ready))
	for _, path := range p.ready {
		known[path] = struct{}{}
	}
	p.mu.Unlock()

	removed, err := cleanDir(p.cfg.Dir, known)
	if removed > 0 {
		p.logger.Info("removed stale overlays", "count", removed)
	}
	return removed, err
}

// CleanStale removes every overlay and staging file in dir without starting a
// pool. A missing dir is not an error and is not created. Nothing may be using
// overlays in dir while it runs.
func CleanStale(dir string) (int, error) {
	if dir == "" {
		return 0, errors.New("overlay dir is required")
	}
	return cleanDir(dir, nil)
}

func cleanDir(dir string, keep map[string]struct{}) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("read overlay dir: %w", err)
	}

	removed := 0
	var errs []error
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, overlayPrefix) {
			continue
		}
		path := filepath.Join(dir, name)
		if _, ok := keep[path]; ok {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove stale overlay %s: %w", path, err))
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

func (p *Pool) refillLoop(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.refill:
		}
		for {
			path, ok, err := p.reserve(false)
			if err != nil || !ok {
				break
			}
			if err := p.build(ctx, path); err != nil {
				p.unreserve()
				if ctx.Err() == nil {
					p.logger.Warn("background overlay creation failed", "path", path, "error", err)
				}
				break
			}
			p.deposit(path)
		}
	}
}

// reserve claims a name for a new overlay if the pool is below its target.
func (p *Pool) reserve(failClosed bool) (string, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		if failClosed {
			return "", false, ErrClosed
		}
		return "", false, nil
	}
	if len(p.ready)+p.inflight >= p.cfg.PoolSize {
		return "", false, nil
	}
	p.inflight++
	return p.nextPathLocked(), true, nil
}

func (p *Pool) unreserve() {
	p.mu.Lock()
	p.inflight--
	p.mu.Unlock()
}

func (p *Pool) deposit(path string) {
	p.mu.Lock()
	p.inflight--
	if p.closed {
		p.mu.Unlock()
		_ = os.Remove(path)
		return
	}
	p.ready = append(p.ready, path)
	p.mu.Unlock()
}

func (p *Pool) nextPathLocked() string {
	return filepath.Join(p.cfg.Dir, overlayPrefix+uuid.NewString()+overlaySuffix)
}

func (p *Pool) build(ctx context.Context, path string) error {
	staging := path + stagingSuffix
	if err := p.create.Create(ctx, staging); err != nil {
		_ = os.Remove(staging)
		return fmt.Errorf("create overlay: %w", err)
	}
	if p.owner != nil {
		if err := chown(staging, p.owner.UID, p.owner.GID); err != nil {
			_ = os.Remove(staging)
			return fmt.Errorf("chown overlay: %w", err)
		}
	}
	if err := os.Rename(staging, path); err != nil {
		_ = os.Remove(staging)
		return fmt.Errorf("publish overlay: %w", err)
	}
	return nil
}

func (p *Pool) kick() {
	select {
	case p.refill <- struct{}{}:
	default:
	}
}

func (p *Pool) owns(path string) bool {
	return filepath.Dir(filepath.Clean(path)) == filepath.Clean(p.cfg.Dir) &&
		strings.HasPrefix(filepath.Base(path), overlayPrefix)
}

var chown = os.Chown
