package microvm

import (
	"errors"
	"fmt"
	"time"

	"github.com/cochaviz/vessel/internal/spawn"
)

var (
	// ErrInvalidState is returned by Start on a VM that is not freshly created.
	ErrInvalidState = errors.New("invalid vm state")
	// ErrNotStarted is returned when an operation needs a hypervisor process
	// and none was spawned.
	ErrNotStarted = errors.New("vm not started")
)

// ResourceAcquisitionError reports a failed overlay or namespace lease. Any
// partner resource was already released when it is returned.
type ResourceAcquisitionError struct {
	Resource string
	Err      error
}

func (e *ResourceAcquisitionError) Error() string {
	return fmt.Sprintf("acquire %s: %v", e.Resource, e.Err)
}

func (e *ResourceAcquisitionError) Unwrap() error { return e.Err }

// ProcessSpawnError reports that the hypervisor could not be started.
type ProcessSpawnError struct {
	Binary string
	Err    error
}

func (e *ProcessSpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Binary, e.Err)
}

func (e *ProcessSpawnError) Unwrap() error { return e.Err }

// StartupRaceError reports a hypervisor that exited before its API socket
// accepted connections.
type StartupRaceError struct {
	Status spawn.ExitStatus
}

func (e *StartupRaceError) Error() string {
	return "hypervisor exited before api socket was ready: " + e.Status.String()
}

func (e *StartupRaceError) Unwrap() error { return e.Status.Err }

// SnapshotLoadError reports a rejected snapshot load.
type SnapshotLoadError struct {
	StatePath string
	Err       error
}

func (e *SnapshotLoadError) Error() string {
	return fmt.Sprintf("load snapshot %s: %v", e.StatePath, e.Err)
}

func (e *SnapshotLoadError) Unwrap() error { return e.Err }

// ExitTimeoutError is returned by WaitForExit when the process outlives the
// wait. The process is left running.
type ExitTimeoutError struct {
	Timeout time.Duration
}

func (e *ExitTimeoutError) Error() string {
	return fmt.Sprintf("process did not exit within %s", e.Timeout)
}

// CleanupStepError reports one failed teardown step. Teardown continues past
// it.
type CleanupStepError struct {
	Step string
	Err  error
}

func (e *CleanupStepError) Error() string {
	return fmt.Sprintf("cleanup %s: %v", e.Step, e.Err)
}

func (e *CleanupStepError) Unwrap() error { return e.Err }
