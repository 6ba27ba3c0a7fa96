package vm

// This file contains the supervisor for pre-existing SSH hosts. It
// keeps a multiplexed master connection per host so per-command ssh
// invocations are cheap.

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fastfstests/fastfstests/config"
	"github.com/fastfstests/fastfstests/model"
	"github.com/fastfstests/fastfstests/runner"
)

// SSHSupervisor runs tests on a user-provided host. Unlike the mkosi
// backend it does not own the machine's lifecycle: stop and restart
// only tear down and re-establish the connection.
type SSHSupervisor struct {
	logger      zerolog.Logger
	host        string
	fstestsDir  string
	dmesg       bool
	controlPath string

	mu        sync.Mutex
	lastDmesg []byte
}

// NewSSHPool parses custom_vm.vms entries of the form "HOST:PATH",
// where PATH is the fstests checkout on that host.
func NewSSHPool(logger zerolog.Logger, cfg *config.Config) ([]*SSHSupervisor, error) {
	pool := make([]*SSHSupervisor, 0, len(cfg.CustomVM.VMs))
	for _, entry := range cfg.CustomVM.VMs {
		host, path, ok := strings.Cut(entry, ":")
		if !ok || host == "" || path == "" {
			return nil, fmt.Errorf("invalid custom_vm entry %q: want HOST:PATH", entry)
		}
		pool = append(pool, &SSHSupervisor{
			logger:     logger,
			host:       host,
			fstestsDir: path,
			dmesg:      cfg.TestRunner.Dmesg,
		})
	}
	return pool, nil
}

func (s *SSHSupervisor) ID() string { return s.host }

// Start establishes the multiplexed master connection and verifies the
// host answers.
func (s *SSHSupervisor) Start(ctx context.Context) error {
	controlDir := controlSocketDir()
	if err := os.MkdirAll(controlDir, 0o700); err != nil {
		return fmt.Errorf("failed to create control directory: %w", err)
	}

	// Hash the host to stay under the Unix socket path length limit.
	sum := sha256.Sum256([]byte(s.host))
	s.controlPath = filepath.Join(controlDir, "ssh-"+hex.EncodeToString(sum[:])[:12])

	args := []string{
		"-o", "ControlMaster=auto",
		"-o", fmt.Sprintf("ControlPath=%s", s.controlPath),
		"-o", "ControlPersist=yes",
		"-o", "ConnectTimeout=10",
		"-o", "ServerAliveInterval=15",
		"-o", "ServerAliveCountMax=3",
		"-f", "-N",
		s.host,
	}
	cmd := exec.CommandContext(ctx, "ssh", args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr

	s.logger.Debug().Str("host", s.host).Str("controlPath", s.controlPath).Msg("Establishing SSH master connection")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to establish SSH master connection to %s: %v (stderr: %s)",
			s.host, err, strings.TrimSpace(stderr.String()))
	}

	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	exitCode, timedOut, err := runCommand(pctx, s, "echo POKE", nil, nil)
	if err != nil || timedOut || exitCode != 0 {
		s.teardown()
		return fmt.Errorf("host %s is not answering over ssh", s.host)
	}
	return nil
}

func (s *SSHSupervisor) RunTest(ctx context.Context, test runner.Test, stdout, stderr io.Writer) (model.TestStatus, error) {
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

func (s *SSHSupervisor) Probe(ctx context.Context) bool {
	exitCode, timedOut, err := runCommand(ctx, s, "echo POKE", nil, nil)
	return err == nil && !timedOut && exitCode == 0
}

func (s *SSHSupervisor) CollectArtifacts(ctx context.Context, test runner.Test, destDir string) ([]string, error) {
	s.mu.Lock()
	dmesgData := s.lastDmesg
	s.lastDmesg = nil
	s.mu.Unlock()
	return collectArtifacts(ctx, s.logger, s, s.fstestsDir, test, destDir, dmesgData)
}

// Stop closes the master connection. The host itself is left alone; it
// is not ours to kill.
func (s *SSHSupervisor) Stop(ctx context.Context) error {
	s.teardown()
	return nil
}

func (s *SSHSupervisor) Restart(ctx context.Context) error {
	s.teardown()
	return s.Start(ctx)
}

func (s *SSHSupervisor) teardown() {
	if s.controlPath == "" {
		return
	}
	cmd := exec.Command("ssh",
		"-o", fmt.Sprintf("ControlPath=%s", s.controlPath),
		"-O", "exit",
		s.host,
	)
	_ = cmd.Run()
	_ = os.Remove(s.controlPath)
}

// command builds one multiplexed ssh invocation.
func (s *SSHSupervisor) command(ctx context.Context, shellCmd string) *exec.Cmd {
	args := []string{
		"-o", fmt.Sprintf("ControlPath=%s", s.controlPath),
		"-o", "ControlMaster=no",
		s.host,
		shellCmd,
	}
	return exec.CommandContext(ctx, "ssh", args...)
}

// controlSocketDir keeps control sockets in a short runtime path to
// stay under the Unix socket path length limit.
func controlSocketDir() string {
	if xdgRuntime := os.Getenv("XDG_RUNTIME_DIR"); xdgRuntime != "" {
		return filepath.Join(xdgRuntime, "fastfstests")
	}
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		if home := os.Getenv("HOME"); home != "" {
			configHome = filepath.Join(home, ".config")
		}
	}
	if configHome != "" {
		return filepath.Join(configHome, "fastfstests")
	}
	return filepath.Join(os.TempDir(), "fastfstests")
}
