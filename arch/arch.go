package arch

import (
	"fmt"
	"runtime"
	"sort"
	"strings"
)

// Architecture names a guest CPU architecture Firecracker can run.
type Architecture string

const (
	X86_64  Architecture = "x86_64"
	AArch64 Architecture = "aarch64"
)

// Supported returns the full list of supported architectures.
func Supported() []Architecture {
	return []Architecture{
		X86_64,
		AArch64,
	}
}

// IsValid reports whether a matches a supported architecture value.
func (a Architecture) IsValid() bool {
	switch a {
	case X86_64, AArch64:
		return true
	default:
		return false
	}
}

// String returns the architecture as string.
func (a Architecture) String() string {
	return string(a)
}

// Host returns the architecture of the running binary, or "" when Firecracker
// does not support it.
func Host() Architecture {
	return Normalize(runtime.GOARCH)
}

// Parse returns the canonical Architecture for the provided string or an error if unsupported.
func Parse(value string) (Architecture, error) {
	if arch := Normalize(value); arch != "" {
		return arch, nil
	}
	return "", fmt.Errorf("unsupported architecture %q (supported: %s)", value, strings.Join(supportedStrings(), ", "))
}

// Normalize maps a possibly ambiguous string into a canonical Architecture. Returns ""
// when the string cannot be normalized.
func Normalize(value string) Architecture {
	normalized := strings.ToLower(strings.TrimSpace(value))
	switch normalized {
	case string(X86_64), "x86-64", "amd64":
		return X86_64
	case string(AArch64), "arm64":
		return AArch64
	default:
		return ""
	}
}

// DefaultBootArgs returns the kernel command line used when the host
// configuration does not override it. The guest network is configured
// statically so the address baked into a snapshot stays valid after restore.
func (a Architecture) DefaultBootArgs(guestIP, gatewayIP, netmask string) string {
	args := []string{"console=ttyS0", "reboot=k", "panic=1", "pci=off"}
	switch a {
	case AArch64:
		args = append([]string{"keep_bootcon"}, args...)
	default:
		args = append(args, "i8042.noaux", "i8042.nomux", "i8042.dumbkbd")
	}
	if guestIP != "" {
		args = append(args, fmt.Sprintf("ip=%s::%s:%s::eth0:off", guestIP, gatewayIP, netmask))
	}
	return strings.Join(args, " ")
}

func supportedStrings() []string {
	all := Supported()
	out := make([]string, 0, len(all))
	for _, a := range all {
		out = append(out, a.String())
	}
	sort.Strings(out)
	return out
}
