package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
)

// ExecCall runs an external command as a sandbox workload. Kill sends
// SIGKILL to the whole process group so child processes die with the
// workload.
type ExecCall struct {
	Path string
	Args []string
	Env  []string
	Dir  string

	mu  sync.Mutex
	cmd *exec.Cmd
}

// NewExecCall builds a workload for one command invocation.
func NewExecCall(path string, args ...string) *ExecCall {
	return &ExecCall{Path: path, Args: args}
}

// Run starts the command and waits for it. Context cancellation kills
// the process group via the configured Cancel hook.
func (c *ExecCall) Run(ctx context.Context) ([]byte, error) {
	var stdout, stderr bytes.Buffer

	c.mu.Lock()
	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Env = c.Env
	cmd.Dir = c.Dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Own process group so Kill reaches children.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error { return c.Kill() }
	c.cmd = cmd
	c.mu.Unlock()

	err := cmd.Run()
	if err != nil {
		if stderr.Len() > 0 {
			return stdout.Bytes(), fmt.Errorf("command failed: %w: %s", err, stderr.String())
		}
		return stdout.Bytes(), fmt.Errorf("command failed: %w", err)
	}
	return stdout.Bytes(), nil
}

// Kill sends SIGKILL to the command's process group. Safe to call before
// the process starts or after it exits.
func (c *ExecCall) Kill() error {
	c.mu.Lock()
	cmd := c.cmd
	c.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	// Negative pid targets the process group.
	err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	if err == syscall.ESRCH {
		return nil
	}
	return err
}
