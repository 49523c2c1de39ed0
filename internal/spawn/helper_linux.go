package spawn

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// HelperName is argv[0] of the re-executed spawn helper.
const HelperName = "vessel-spawn-helper"

const planEnv = "_VESSEL_SPAWN_PLAN"

type plan struct {
	Binary     string   `json:"binary"`
	Args       []string `json:"args"`
	Dir        string   `json:"dir,omitempty"`
	Binds      []Bind   `json:"binds"`
	SwitchUser bool     `json:"switch_user"`
	UID        int      `json:"uid"`
	GID        int      `json:"gid"`
}

// Init turns the process into the spawn helper when it was started as one.
// In that case it does not return: it either execs the hypervisor or exits
// with status 127.
func Init() {
	if filepath.Base(os.Args[0]) != HelperName {
		return
	}
	err := runHelper(os.Getenv(planEnv), os.Environ(), hostSystem{})
	fmt.Fprintf(os.Stderr, "%s: %v\n", HelperName, err)
	os.Exit(127)
}

// system is the slice of the OS the helper touches.
type system interface {
	Stat(path string) (os.FileInfo, error)
	MkdirAll(path string) error
	Touch(path string) error
	BindMount(source, target string) error
	Chdir(dir string) error
	DropTo(uid, gid int) error
	Exec(binary string, argv, env []string) error
}

func runHelper(encoded string, environ []string, sys system) error {
	if encoded == "" {
		return errors.New("missing spawn plan")
	}
	var p plan
	if err := json.Unmarshal([]byte(encoded), &p); err != nil {
		return fmt.Errorf("decode spawn plan: %w", err)
	}

	for _, b := range p.Binds {
		info, err := sys.Stat(b.Source)
		if err != nil {
			return fmt.Errorf("bind source: %w", err)
		}
		if err := ensureMountTarget(sys, b.Target, info.IsDir()); err != nil {
			return err
		}
		if err := sys.BindMount(b.Source, b.Target); err != nil {
			return fmt.Errorf("bind %s on %s: %w", b.Source, b.Target, err)
		}
	}
	if p.Dir != "" {
		if err := sys.Chdir(p.Dir); err != nil {
			return fmt.Errorf("chdir %s: %w", p.Dir, err)
		}
	}
	if p.SwitchUser {
		if err := sys.DropTo(p.UID, p.GID); err != nil {
			return fmt.Errorf("switch to %d:%d: %w", p.UID, p.GID, err)
		}
	}

	env := make([]string, 0, len(environ))
	for _, kv := range environ {
		if !strings.HasPrefix(kv, planEnv+"=") {
			env = append(env, kv)
		}
	}
	argv := append([]string{p.Binary}, p.Args...)
	if err := sys.Exec(p.Binary, argv, env); err != nil {
		return fmt.Errorf("exec %s: %w", p.Binary, err)
	}
	return nil
}

// ensureMountTarget creates a missing mount point of the right kind. Mount
// points live on the shared filesystem, only the mounts themselves are private.
func ensureMountTarget(sys system, target string, dir bool) error {
	if _, err := sys.Stat(target); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat mount target: %w", err)
	}
	if dir {
		if err := sys.MkdirAll(target); err != nil {
			return fmt.Errorf("create mount target %s: %w", target, err)
		}
		return nil
	}
	if err := sys.MkdirAll(filepath.Dir(target)); err != nil {
		return fmt.Errorf("create mount target parent %s: %w", filepath.Dir(target), err)
	}
	if err := sys.Touch(target); err != nil {
		return fmt.Errorf("create mount target %s: %w", target, err)
	}
	return nil
}

type hostSystem struct{}

func (hostSystem) Stat(path string) (os.FileInfo, error) { return os.Stat(path) }

func (hostSystem) MkdirAll(path string) error { return os.MkdirAll(path, 0o755) }

func (hostSystem) Touch(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

func (hostSystem) BindMount(source, target string) error {
	return unix.Mount(source, target, "", unix.MS_BIND, "")
}

func (hostSystem) Chdir(dir string) error { return os.Chdir(dir) }

func (hostSystem) DropTo(uid, gid int) error {
	if err := unix.Setgroups([]int{}); err != nil {
		return fmt.Errorf("setgroups: %w", err)
	}
	if err := unix.Setgid(gid); err != nil {
		return fmt.Errorf("setgid: %w", err)
	}
	if err := unix.Setuid(uid); err != nil {
		return fmt.Errorf("setuid: %w", err)
	}
	return nil
}

func (hostSystem) Exec(binary string, argv, env []string) error {
	return unix.Exec(binary, argv, env)
}
