package capability

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// DefaultGrace is how long a terminated process gets before it is killed.
const DefaultGrace = 5 * time.Second

// Exec runs a shell command as a capability.
type Exec struct {
	Name    string
	Command string
	Dir     string
	Env     []string
	Path    string // expected artifact, relative to the gate root
	Grace   time.Duration
}

func (e *Exec) ID() string       { return e.Name }
func (e *Exec) Artifact() string { return e.Path }

// Available checks that the command's program resolves.
func (e *Exec) Available() error {
	fields := strings.Fields(e.Command)
	if len(fields) == 0 {
		return fmt.Errorf("capability %q has no command: %w", e.Name, ErrNotFound)
	}
	prog := fields[0]
	if strings.Contains(prog, "=") || strings.ContainsAny(prog, "$`(") {
		// Leading env assignment or shell syntax; let the shell resolve it.
		return nil
	}
	if strings.Contains(prog, "/") {
		if !filepath.IsAbs(prog) && e.Dir != "" {
			prog = filepath.Join(e.Dir, prog)
		}
		if _, err := os.Stat(prog); err != nil {
			return fmt.Errorf("capability %q: %s: %w", e.Name, fields[0], ErrNotFound)
		}
		return nil
	}
	if _, err := exec.LookPath(prog); err != nil {
		return fmt.Errorf("capability %q: %s: %w", e.Name, prog, ErrNotFound)
	}
	return nil
}

// Invoke runs the command in its own process group. When ctx ends the whole
// group receives SIGTERM, then SIGKILL after the grace period.
func (e *Exec) Invoke(ctx context.Context) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", e.Command)
	cmd.Dir = e.Dir
	if len(e.Env) > 0 {
		cmd.Env = append(os.Environ(), e.Env...)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = e.Grace
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = DefaultGrace
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	if err == nil {
		return out.Bytes(), nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return out.Bytes(), fmt.Errorf("%w: %v", ctxErr, err)
	}
	if mentionsBrokenPipe(out.Bytes()) && !errors.Is(err, syscall.EPIPE) {
		return out.Bytes(), fmt.Errorf("command failed: %w: %v", syscall.EPIPE, err)
	}
	return out.Bytes(), fmt.Errorf("command failed: %w", err)
}

func mentionsBrokenPipe(out []byte) bool {
	return bytes.Contains(out, []byte("EPIPE")) || bytes.Contains(bytes.ToLower(out), []byte("broken pipe"))
}
