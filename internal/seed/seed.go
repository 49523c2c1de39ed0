// Package seed builds the small read-only ISO9660 drive that hands per-VM
// metadata to a freshly booted guest.
package seed

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/kdomanski/iso9660"
)

// DriveID is the Firecracker drive id of the seed image.
const DriveID = "seed"

// Build writes an image containing files to imagePath and returns the guest
// path of every file keyed by its original name.
func Build(imagePath, label string, files map[string][]byte) (map[string]string, error) {
	if len(files) == 0 {
		return nil, errors.New("seed image needs at least one file")
	}
	writer, err := iso9660.NewWriter()
	if err != nil {
		return nil, fmt.Errorf("create iso writer: %w", err)
	}
	defer writer.Cleanup()

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	guestPaths := make(map[string]string, len(files))
	seen := make(map[string]string, len(files))
	for _, name := range names {
		guest := GuestPath(name)
		if guest == "" {
			return nil, fmt.Errorf("invalid seed file name %q", name)
		}
		if other, ok := seen[guest]; ok {
			return nil, fmt.Errorf("seed files %q and %q collide as %q", other, name, guest)
		}
		seen[guest] = name
		if err := writer.AddFile(bytes.NewReader(files[name]), name); err != nil {
			return nil, fmt.Errorf("stage %s: %w", name, err)
		}
		guestPaths[name] = guest
	}

	if err := os.MkdirAll(filepath.Dir(imagePath), 0o755); err != nil {
		return nil, fmt.Errorf("ensure image directory: %w", err)
	}
	out, err := os.OpenFile(imagePath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create image file: %w", err)
	}
	if err := writer.WriteTo(out, VolumeLabel(label)); err != nil {
		_ = out.Close()
		_ = os.Remove(imagePath)
		return nil, fmt.Errorf("write iso: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(imagePath)
		return nil, fmt.Errorf("finalize iso: %w", err)
	}
	return guestPaths, nil
}
