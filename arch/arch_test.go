package arch

import (
	"strings"
	"testing"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := map[string]Architecture{
		"amd64":   X86_64,
		"X86-64":  X86_64,
		" arm64 ": AArch64,
		"aarch64": AArch64,
		"riscv64": "",
	}
	for input, want := range tests {
		if got := Normalize(input); got != want {
			t.Fatalf("Normalize(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestParseRejectsUnsupported(t *testing.T) {
	t.Parallel()

	if _, err := Parse("s390x"); err == nil {
		t.Fatal("Parse(s390x) error = nil, want error")
	}
	got, err := Parse("amd64")
	if err != nil || got != X86_64 {
		t.Fatalf("Parse(amd64) = %q, %v", got, err)
	}
}

func TestDefaultBootArgs(t *testing.T) {
	t.Parallel()

	x86 := X86_64.DefaultBootArgs("172.16.0.2", "172.16.0.1", "255.255.255.252")
	if !strings.HasPrefix(x86, "console=ttyS0 ") {
		t.Fatalf("x86 boot args = %q, want console first", x86)
	}
	if !strings.Contains(x86, "i8042.noaux") {
		t.Fatalf("x86 boot args = %q, want i8042 quirks", x86)
	}
	if !strings.HasSuffix(x86, "ip=172.16.0.2::172.16.0.1:255.255.255.252::eth0:off") {
		t.Fatalf("x86 boot args = %q, want static ip suffix", x86)
	}

	arm := AArch64.DefaultBootArgs("", "", "")
	if strings.Contains(arm, "i8042") || strings.Contains(arm, "ip=") {
		t.Fatalf("arm boot args = %q", arm)
	}
	if !strings.HasPrefix(arm, "keep_bootcon ") {
		t.Fatalf("arm boot args = %q, want keep_bootcon", arm)
	}
}
