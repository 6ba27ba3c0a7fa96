package vm

// Package vm implements the supervisor backends: mkosi-spawned QEMU
// machines and pre-existing SSH hosts. Both run shell commands on the
// worker through os/exec and share the test execution and artifact
// collection logic in this file.

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"al.essio.dev/pkg/shellescape"
	"github.com/rs/zerolog"

	"github.com/fastfstests/fastfstests/model"
	"github.com/fastfstests/fastfstests/runner"
)

// Command is the surface a test must provide to be executed on a
// worker. The fstests location is supplied by the supervisor, since it
// differs per worker.
type Command interface {
	CheckCommand(fstestsDir string) string
	ArtifactPatterns(fstestsDir string) []string
	Verdict(exitCode int, stdout []byte) (model.TestStatus, string)
}

// transport builds an exec.Cmd that runs a shell command on the
// worker.
type transport interface {
	command(ctx context.Context, shellCmd string) *exec.Cmd
}

// sshTransportExit is the exit code ssh reserves for its own failures,
// as opposed to the remote command's status.
const sshTransportExit = 255

// runCommand executes shellCmd on the worker, streaming output to the
// writers. It returns the remote exit code, or timedOut when the
// context expired first. Connection-level failures wrap
// runner.ErrTransport.
func runCommand(ctx context.Context, t transport, shellCmd string, stdout, stderr io.Writer) (exitCode int, timedOut bool, err error) {
	cmd := t.command(ctx, shellCmd)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	runErr := cmd.Run()
	if runErr == nil {
		return 0, false, nil
	}
	if ctx.Err() != nil {
		return -1, true, nil
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		code := exitErr.ExitCode()
		if code == sshTransportExit {
			return -1, false, fmt.Errorf("connection lost running %q: %w", shellCmd, runner.ErrTransport)
		}
		return code, false, nil
	}
	return -1, false, fmt.Errorf("failed to run %q: %v: %w", shellCmd, runErr, runner.ErrTransport)
}

// runTest executes one test attempt on the worker and classifies the
// outcome. Output is streamed to the sinks as it arrives; a copy of
// stdout is kept for the verdict.
func runTest(ctx context.Context, logger zerolog.Logger, t transport, fstestsDir string, test runner.Test, stdout, stderr io.Writer) (model.TestStatus, error) {
	cmd, ok := test.(Command)
	if !ok {
		return "", fmt.Errorf("test %s does not carry a check command", test.Identity())
	}

	var outCopy bytes.Buffer
	exitCode, timedOut, err := runCommand(ctx, t, cmd.CheckCommand(fstestsDir), io.MultiWriter(stdout, &outCopy), stderr)
	if err != nil {
		return model.StatusErrored, err
	}
	if timedOut {
		return model.StatusTimedOut, nil
	}

	status, summary := cmd.Verdict(exitCode, outCopy.Bytes())
	logger.Debug().
		Stringer("test", test.Identity()).
		Str("status", string(status)).
		Str("summary", summary).
		Msg("Test verdict")
	return status, nil
}

// collectArtifacts tars the test's artifact patterns on the worker,
// pipes the archive back and extracts regular files flat into destDir.
// dmesgData, when present, is stored alongside them.
func collectArtifacts(ctx context.Context, logger zerolog.Logger, t transport, fstestsDir string, test runner.Test, destDir string, dmesgData []byte) ([]string, error) {
	var collected []string
	if len(dmesgData) > 0 {
		if err := os.WriteFile(filepath.Join(destDir, "dmesg"), dmesgData, 0o644); err != nil {
			logger.Warn().Err(err).Msg("Failed to write dmesg capture")
		} else {
			collected = append(collected, "dmesg")
		}
	}

	cmd, ok := test.(Command)
	if !ok {
		return collected, nil
	}
	patterns := cmd.ArtifactPatterns(fstestsDir)
	if len(patterns) == 0 {
		return collected, nil
	}

	// globstar so ** patterns expand; tar errors on absent paths are
	// expected when a test leaves nothing behind.
	tarCmd := fmt.Sprintf("bash -O globstar -c %s",
		shellescape.Quote("tar -cf - "+strings.Join(patterns, " ")+" 2>/dev/null"))

	var archive, tarErr bytes.Buffer
	exitCode, timedOut, err := runCommand(ctx, t, tarCmd, &archive, &tarErr)
	if err != nil {
		return collected, err
	}
	if timedOut {
		return collected, fmt.Errorf("artifact collection timed out for %s", test.Identity())
	}
	if exitCode != 0 {
		logger.Debug().
			Stringer("test", test.Identity()).
			Int("exit_code", exitCode).
			Str("stderr", strings.TrimSpace(tarErr.String())).
			Msg("Artifact tar returned non-zero")
	}
	if archive.Len() == 0 {
		return collected, nil
	}

	tr := tar.NewReader(&archive)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return collected, fmt.Errorf("failed to read artifact archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name := filepath.Base(hdr.Name)
		f, err := os.Create(filepath.Join(destDir, name))
		if err != nil {
			return collected, fmt.Errorf("failed to create artifact %s: %w", name, err)
		}
		if _, err := io.Copy(f, tr); err != nil {
			f.Close()
			return collected, fmt.Errorf("failed to extract artifact %s: %w", name, err)
		}
		f.Close()
		collected = append(collected, name)
	}

	logger.Debug().
		Stringer("test", test.Identity()).
		Strs("artifacts", collected).
		Msg("Collected artifacts")
	return collected, nil
}

// dmesgCapture streams the worker's kernel log for the duration of a
// test attempt.
type dmesgCapture struct {
	buf    bytes.Buffer
	cmd    *exec.Cmd
	cancel context.CancelFunc
	done   chan struct{}
}

func startDmesg(t transport) *dmesgCapture {
	ctx, cancel := context.WithCancel(context.Background())
	d := &dmesgCapture{cancel: cancel, done: make(chan struct{})}
	d.cmd = t.command(ctx, "dmesg -W")
	d.cmd.Stdout = &d.buf
	if err := d.cmd.Start(); err != nil {
		cancel()
		return nil
	}
	go func() {
		_ = d.cmd.Wait()
		close(d.done)
	}()
	return d
}

// stop terminates the stream and returns what was captured.
func (d *dmesgCapture) stop() []byte {
	d.cancel()
	<-d.done
	return d.buf.Bytes()
}
