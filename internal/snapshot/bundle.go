// Package snapshot describes frozen VM snapshots that can be restored into a
// fresh hypervisor.
package snapshot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Bundle is the input to a restore. StatePath and MemoryPath are read by the
// hypervisor; OverlayPath and VsockDir are the absolute paths recorded inside
// the state file when the snapshot was taken.
type Bundle struct {
	StatePath   string `yaml:"state"`
	MemoryPath  string `yaml:"memory"`
	OverlayPath string `yaml:"overlay"`
	VsockDir    string `yaml:"vsock_dir"`
}

// Validate checks that every path of the bundle is set and absolute. It does
// not touch the filesystem.
func (b *Bundle) Validate() error {
	if b == nil {
		return errors.New("snapshot bundle is nil")
	}
	var errs []error
	for _, field := range []struct {
		name  string
		value string
	}{
		{"state", b.StatePath},
		{"memory", b.MemoryPath},
		{"overlay", b.OverlayPath},
		{"vsock_dir", b.VsockDir},
	} {
		if field.value == "" {
			errs = append(errs, fmt.Errorf("%s is required", field.name))
			continue
		}
		if !filepath.IsAbs(field.value) {
			errs = append(errs, fmt.Errorf("%s must be absolute, got %q", field.name, field.value))
		}
	}
	return errors.Join(errs...)
}

// checkFiles reports snapshot files that cannot be read.
func (b *Bundle) checkFiles() error {
	var errs []error
	for _, p := range []string{b.StatePath, b.MemoryPath} {
		if _, err := os.Stat(p); err != nil {
			errs = append(errs, fmt.Errorf("snapshot file: %w", err))
		}
	}
	return errors.Join(errs...)
}

// LoadManifest reads a bundle manifest. State and memory entries may be file://
// URIs or paths relative to the manifest. Overlay and vsock_dir are recorded
// guest-visible host paths and must be absolute.
func LoadManifest(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot manifest: %w", err)
	}
	var bundle Bundle
	if err := yaml.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("parse snapshot manifest %s: %w", path, err)
	}

	base := filepath.Dir(path)
	if bundle.StatePath, err = resolve(base, bundle.StatePath); err != nil {
		return nil, fmt.Errorf("state: %w", err)
	}
	if bundle.MemoryPath, err = resolve(base, bundle.MemoryPath); err != nil {
		return nil, fmt.Errorf("memory: %w", err)
	}
	if err := errors.Join(bundle.Validate(), bundle.checkFiles()); err != nil {
		return nil, fmt.Errorf("invalid snapshot manifest %s: %w", path, err)
	}
	return &bundle, nil
}

func resolve(base, ref string) (string, error) {
	if ref == "" {
		return "", nil
	}
	if strings.Contains(ref, "://") {
		p, err := PathFromURI(ref)
		if err != nil {
			return "", err
		}
		ref = p
	}
	if !filepath.IsAbs(ref) {
		ref = filepath.Join(base, ref)
	}
	return filepath.Clean(ref), nil
}

// PathFromURI returns the local path of a file:// URI.
func PathFromURI(uri string) (string, error) {
	p, ok := strings.CutPrefix(uri, "file://")
	if !ok {
		return "", fmt.Errorf("not a file:// URI: %q", uri)
	}
	if p == "" {
		return "", fmt.Errorf("empty path in %q", uri)
	}
	return p, nil
}
