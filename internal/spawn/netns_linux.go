package spawn

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/vishvananda/netns"
)

var enterNetns = startInNetns

// startInNetns runs start on a thread switched into the named namespace.
// Children forked by start inherit it. If the thread cannot be switched back
// it stays locked and the runtime retires it with the goroutine.
func startInNetns(name string, start func() error) error {
	if name == "" {
		return start()
	}

	runtime.LockOSThread()
	restored := false
	defer func() {
		if restored {
			runtime.UnlockOSThread()
		}
	}()

	origin, err := netns.Get()
	if err != nil {
		restored = true
		return fmt.Errorf("get current netns: %w", err)
	}
	defer origin.Close()

	target, err := netns.GetFromName(name)
	if err != nil {
		restored = true
		return fmt.Errorf("open netns %s: %w", name, err)
	}
	defer target.Close()

	if err := netns.Set(target); err != nil {
		restored = true
		return fmt.Errorf("enter netns %s: %w", name, err)
	}
	startErr := start()
	if err := netns.Set(origin); err != nil {
		return errors.Join(startErr, fmt.Errorf("leave netns %s: %w", name, err))
	}
	restored = true
	return startErr
}
