// Package registry maintains the host-wide VM registry: a single JSON document
// mapping each VM's host-side IP to the run that owns it. The traffic
// interceptor reads the file to attribute connections, so every mutation is
// persisted with a temp file and rename and readers never see a torn write.
//
// Entries must be removed before the namespace carrying their IP is returned
// to the pool, otherwise a fresh VM reusing the slot inherits the stale entry.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/moby/sys/atomicwriter"

	"github.com/cochaviz/vessel/internal/logging"
)

// FirewallRule is a per-run egress rule enforced by the interceptor.
type FirewallRule struct {
	Action string `json:"action"`
	Host   string `json:"host"`
	Ports  []int  `json:"ports,omitempty"`
}

// Entry describes the run owning a host IP.
type Entry struct {
	RunID              string         `json:"runId"`
	SandboxToken       string         `json:"sandboxToken"`
	RegisteredAt       int64          `json:"registeredAt"`
	FirewallRules      []FirewallRule `json:"firewallRules,omitempty"`
	MitmEnabled        bool           `json:"mitmEnabled,omitempty"`
	SealSecretsEnabled bool           `json:"sealSecretsEnabled,omitempty"`
}

// Options carries the optional fields of an entry.
type Options struct {
	FirewallRules      []FirewallRule
	MitmEnabled        bool
	SealSecretsEnabled bool
}

type document struct {
	VMs       map[string]Entry `json:"vms"`
	UpdatedAt int64            `json:"updatedAt"`
}

// Registry is safe for concurrent use within one process. Cross-process
// writers are not coordinated; vessel runs a single writer per host.
type Registry struct {
	path   string
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]Entry
}

// Open loads the registry stored at path. A missing file yields an empty
// registry; it is created on the first mutation.
func Open(path string, logger *slog.Logger) (*Registry, error) {
	if path == "" {
		return nil, errors.New("registry path is required")
	}
	r := &Registry{
		path:    path,
		logger:  logging.Ensure(logger).With(logging.ComponentKey, "registry", "path", path),
		now:     time.Now,
		entries: make(map[string]Entry),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return r, nil
		}
		return nil, fmt.Errorf("read registry: %w", err)
	}
	if len(data) == 0 {
		return r, nil
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode registry %s: %w", path, err)
	}
	for ip, entry := range doc.VMs {
		r.entries[ip] = entry
	}
	r.logger.Debug("registry loaded", "entries", len(r.entries))
	return r, nil
}

// Path returns the location of the registry document.
func (r *Registry) Path() string {
	return r.path
}

// Register records ip as owned by runID, replacing any existing entry.
func (r *Registry) Register(ip, runID, sandboxToken string, opts Options) error {
	if net.ParseIP(ip) == nil {
		return fmt.Errorf("invalid ip %q", ip)
	}
	if runID == "" {
		return errors.New("run id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry := Entry{
		RunID:              runID,
		SandboxToken:       sandboxToken,
		RegisteredAt:       r.now().UnixMilli(),
		FirewallRules:      append([]FirewallRule(nil), opts.FirewallRules...),
		MitmEnabled:        opts.MitmEnabled,
		SealSecretsEnabled: opts.SealSecretsEnabled,
	}
	previous, existed := r.entries[ip]
	r.entries[ip] = entry
	if err := r.persistLocked(); err != nil {
		if existed {
			r.entries[ip] = previous
		} else {
			delete(r.entries, ip)
		}
		return err
	}
	r.logger.Info("vm registered", "ip", ip, "run_id", runID, "replaced", existed)
	return nil
}

// Unregister removes the entry for ip. Removing an unknown ip is not an error.
func (r *Registry) Unregister(ip string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	previous, ok := r.entries[ip]
	if !ok {
		return nil
	}
	delete(r.entries, ip)
	if err := r.persistLocked(); err != nil {
		r.entries[ip] = previous
		return err
	}
	r.logger.Info("vm unregistered", "ip", ip, "run_id", previous.RunID)
	return nil
}

// Lookup returns the entry registered for ip.
func (r *Registry) Lookup(ip string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[ip]
	if !ok {
		return Entry{}, false
	}
	return cloneEntry(entry), true
}

// All returns a copy of every entry keyed by ip.
func (r *Registry) All() map[string]Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Entry, len(r.entries))
	for ip, entry := range r.entries {
		out[ip] = cloneEntry(entry)
	}
	return out
}

// Clear removes every entry and persists the empty document.
func (r *Registry) Clear() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	previous := r.entries
	r.entries = make(map[string]Entry)
	if err := r.persistLocked(); err != nil {
		r.entries = previous
		return err
	}
	r.logger.Info("registry cleared", "removed", len(previous))
	return nil
}

func (r *Registry) persistLocked() error {
	doc := document{
		VMs:       r.entries,
		UpdatedAt: r.now().UnixMilli(),
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("make registry dir: %w", err)
	}
	if err := atomicwriter.WriteFile(r.path, data, 0o644); err != nil {
		return fmt.Errorf("write registry: %w", err)
	}
	return nil
}

func cloneEntry(entry Entry) Entry {
	entry.FirewallRules = append([]FirewallRule(nil), entry.FirewallRules...)
	for i := range entry.FirewallRules {
		entry.FirewallRules[i].Ports = append([]int(nil), entry.FirewallRules[i].Ports...)
	}
	return entry
}
