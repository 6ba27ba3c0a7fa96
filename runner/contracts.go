package runner

// Package runner implements the parallel test dispatch engine. It
// drives a pool of supervisors to drain a queue of work items while
// enforcing the retry, restart, timeout and liveness policies. The
// runner knows nothing about file systems, VMs or SSH; backends plug
// in through the Test and Supervisor contracts.

import (
	"context"
	"errors"
	"io"
	"sync/atomic"

	"github.com/fastfstests/fastfstests/model"
)

var (
	// ErrNoSupervisors is returned when no supervisor in the pool
	// survived startup, or when the whole pool was lost mid-run.
	ErrNoSupervisors = errors.New("no supervisors available")

	// ErrTransport marks a supervisor error caused by the worker
	// itself (VM crash, SSH connection lost) rather than by the test.
	// Backends wrap transport failures with this sentinel so the
	// dispatcher can route them through the restart path.
	ErrTransport = errors.New("supervisor transport error")
)

// Test is one schedulable unit of work. The same identity may appear
// multiple times in a run with distinct iteration indices. A Test
// carries no state tied to a specific supervisor and must be safe to
// hand to any of them.
type Test interface {
	Identity() model.TestID
	// Iteration is >= 1.
	Iteration() int
}

// Supervisor is a scoped worker resource, typically a VM, able to run
// one test at a time. Start must be paired with Stop. RunTest and
// Probe may be called concurrently and must not interfere; the
// dispatcher guarantees it never probes a supervisor that is busy.
type Supervisor interface {
	// ID is stable for the lifetime of the instance, across restarts.
	ID() string

	// Start acquires the worker. It may take significant time (VM
	// boot); the caller bounds it with the context deadline. On
	// failure no side processes may be left running.
	Start(ctx context.Context) error

	// RunTest executes the test, streaming output to the sinks as it
	// arrives. When the context expires the supervisor must attempt
	// to abort the in-flight test and return StatusTimedOut; if the
	// abort fails it returns an error wrapping ErrTransport.
	RunTest(ctx context.Context, test Test, stdout, stderr io.Writer) (model.TestStatus, error)

	// Probe is a cheap liveness check. Indeterminate answers count as
	// dead.
	Probe(ctx context.Context) bool

	// CollectArtifacts copies the test's artifacts into destDir and
	// returns their paths relative to destDir. Invoked after every
	// completed attempt, successful or not.
	CollectArtifacts(ctx context.Context, test Test, destDir string) ([]string, error)

	// Stop releases the worker, killing any in-flight work.
	Stop(ctx context.Context) error

	// Restart is stop-then-start with the identity preserved.
	Restart(ctx context.Context) error
}

// SupervisorState tracks where a supervisor is in its lifecycle.
type SupervisorState int32

const (
	StateUninitialized SupervisorState = iota
	StateStarting
	StateReady
	StateBusy
	StateCrashed
	StateStopping
	StateStopped
)

func (s SupervisorState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateCrashed:
		return "crashed"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// stateVar is an atomically updated SupervisorState.
type stateVar struct {
	v atomic.Int32
}

func (s *stateVar) Load() SupervisorState    { return SupervisorState(s.v.Load()) }
func (s *stateVar) Store(st SupervisorState) { s.v.Store(int32(st)) }
