package vm

// This file contains the mkosi supervisor: each instance owns one
// QEMU machine spawned through `mkosi qemu` and reaches it with
// `mkosi ssh`.

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/fastfstests/fastfstests/config"
	"github.com/fastfstests/fastfstests/model"
	"github.com/fastfstests/fastfstests/runner"
)

// MkosiSupervisor runs tests on a disposable QEMU machine. The machine
// name is stable across restarts so workers never rebind.
type MkosiSupervisor struct {
	logger     zerolog.Logger
	name       string
	mkosiPath  string
	configDir  string
	options    []string
	include    string
	fstestsDir string
	dmesg      bool

	mu        sync.Mutex
	proc      *exec.Cmd
	waitCh    chan error
	lastDmesg []byte
}

// NewMkosiPool builds cfg.Mkosi.Num supervisors. mkosi must be on
// PATH and the machine image already built (or built via Build).
func NewMkosiPool(logger zerolog.Logger, cfg *config.Config) ([]*MkosiSupervisor, error) {
	if cfg.Mkosi.Config == "" {
		return nil, errors.New("mkosi config path not specified")
	}
	if cfg.Mkosi.Fstests == "" {
		return nil, errors.New("fstests path on the mkosi VM not specified")
	}
	mkosiPath, err := exec.LookPath("mkosi")
	if err != nil {
		return nil, fmt.Errorf("mkosi not found on PATH: %w", err)
	}

	pool := make([]*MkosiSupervisor, 0, cfg.Mkosi.Num)
	for i := 0; i < cfg.Mkosi.Num; i++ {
		pool = append(pool, &MkosiSupervisor{
			logger:     logger,
			name:       fmt.Sprintf("ff-%d-%s", i, randomSuffix()),
			mkosiPath:  mkosiPath,
			configDir:  cfg.Mkosi.Config,
			options:    cfg.Mkosi.Options,
			include:    cfg.Mkosi.Include,
			fstestsDir: cfg.Mkosi.Fstests,
			dmesg:      cfg.TestRunner.Dmesg,
		})
	}
	return pool, nil
}

func randomSuffix() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func (s *MkosiSupervisor) ID() string { return s.name }

// machineArgs are the arguments shared by every mkosi invocation for
// this machine.
func (s *MkosiSupervisor) machineArgs() []string {
	args := []string{"--machine", s.name}
	if s.include != "" {
		args = append(args, fmt.Sprintf("--include=%s", s.include))
	}
	args = append(args, s.options...)
	return args
}

// Build builds the machine image before spawning; forces maps to
// mkosi's -f force level.
func (s *MkosiSupervisor) Build(forces int) error {
	args := append(s.machineArgs(), "-"+repeat('f', forces), "build")
	cmd := exec.Command(s.mkosiPath, args...)
	cmd.Dir = s.configDir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	s.logger.Info().Strs("args", args).Msg("Building mkosi image")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("mkosi build failed: %w", err)
	}
	return nil
}

func repeat(c byte, n int) string {
	if n < 1 {
		n = 1
	}
	return string(bytes.Repeat([]byte{c}, n))
}

// Start boots the QEMU machine and waits until it answers over ssh.
// The context deadline bounds the whole boot.
func (s *MkosiSupervisor) Start(ctx context.Context) error {
	args := append(s.machineArgs(), "qemu")
	cmd := exec.Command(s.mkosiPath, args...)
	cmd.Dir = s.configDir
	cmd.Stdin = nil

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	s.logger.Debug().Str("machine", s.name).Msg("Spawning mkosi machine")
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to spawn mkosi: %w", err)
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	s.mu.Lock()
	s.proc = cmd
	s.waitCh = waitCh
	s.mu.Unlock()

	if err := s.waitForMachine(ctx, waitCh, &stdout, &stderr); err != nil {
		return err
	}

	s.logger.Debug().Str("machine", s.name).Msg("Machine is up")
	return nil
}

// waitForMachine polls the machine over ssh until it responds.
func (s *MkosiSupervisor) waitForMachine(ctx context.Context, waitCh chan error, stdout, stderr *bytes.Buffer) error {
	for {
		select {
		case <-ctx.Done():
			// Reap the process before reading its output.
			s.terminate()
			<-waitCh
			return fmt.Errorf("timed out waiting for mkosi machine %s (stderr: %s)",
				s.name, excerptTail(stderr.Bytes()))
		case err := <-waitCh:
			return fmt.Errorf(
				"mkosi machine %s exited unexpectedly (%v); build the image with the same flags first (stdout: %s, stderr: %s)",
				s.name, err, excerptTail(stdout.Bytes()), excerptTail(stderr.Bytes()))
		default:
		}

		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		exitCode, timedOut, err := runCommand(pctx, s, "echo POKE", nil, nil)
		cancel()
		if err == nil && !timedOut && exitCode == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
		case <-time.After(time.Second):
		}
	}
}

func excerptTail(b []byte) string {
	const limit = 512
	if len(b) > limit {
		b = b[len(b)-limit:]
	}
	return string(bytes.TrimSpace(b))
}

func (s *MkosiSupervisor) RunTest(ctx context.Context, test runner.Test, stdout, stderr io.Writer) (model.TestStatus, error) {
	var capture *dmesgCapture
	if s.dmesg {
		capture = startDmesg(s)
	}

	status, err := runTest(ctx, s.logger, s, s.fstestsDir, test, stdout, stderr)

	var dmesgData []byte
	if capture != nil {
		dmesgData = capture.stop()
	}
	s.mu.Lock()
	s.lastDmesg = dmesgData
	s.mu.Unlock()

	return status, err
}

func (s *MkosiSupervisor) Probe(ctx context.Context) bool {
	s.mu.Lock()
	running := s.proc != nil
	s.mu.Unlock()
	if !running {
		return false
	}
	exitCode, timedOut, err := runCommand(ctx, s, "echo POKE", nil, nil)
	return err == nil && !timedOut && exitCode == 0
}

func (s *MkosiSupervisor) CollectArtifacts(ctx context.Context, test runner.Test, destDir string) ([]string, error) {
	s.mu.Lock()
	dmesgData := s.lastDmesg
	s.lastDmesg = nil
	s.mu.Unlock()
	return collectArtifacts(ctx, s.logger, s, s.fstestsDir, test, destDir, dmesgData)
}

// Stop terminates the QEMU machine. In-flight remote work dies with
// it.
func (s *MkosiSupervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	proc := s.proc
	waitCh := s.waitCh
	s.proc = nil
	s.mu.Unlock()

	if proc == nil || proc.Process == nil {
		return nil
	}

	_ = proc.Process.Signal(syscall.SIGTERM)
	select {
	case <-waitCh:
		return nil
	case <-ctx.Done():
		_ = proc.Process.Kill()
		return fmt.Errorf("mkosi machine %s did not stop in time", s.name)
	}
}

// Restart is stop-then-start with the machine name preserved.
func (s *MkosiSupervisor) Restart(ctx context.Context) error {
	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.Stop(stopCtx); err != nil {
		s.logger.Warn().Err(err).Str("machine", s.name).Msg("Stop before restart failed")
	}
	return s.Start(ctx)
}

// terminate kills the machine process without waiting.
func (s *MkosiSupervisor) terminate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc != nil && s.proc.Process != nil {
		_ = s.proc.Process.Kill()
	}
	s.proc = nil
}

// command builds the `mkosi ssh` invocation for one shell command.
func (s *MkosiSupervisor) command(ctx context.Context, shellCmd string) *exec.Cmd {
	args := []string{"--machine", s.name, "ssh", shellCmd}
	cmd := exec.CommandContext(ctx, s.mkosiPath, args...)
	cmd.Dir = s.configDir
	return cmd
}
