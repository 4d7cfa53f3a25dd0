package lsp

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"
)

// LaunchSpec describes how to start the analysis process. The hosting
// application supplies it; the bridge never decides what to launch.
type LaunchSpec struct {
	// Command is the executable to run.
	Command string

	// Args are command-line arguments.
	Args []string

	// Env are additional environment variables, merged over the parent's.
	Env map[string]string

	// WorkDir is the working directory. Empty means inherit.
	WorkDir string
}

// Process wraps one spawned analysis process: its pipes and exit status.
// It is owned exclusively by the session; no other component touches it.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
	exitCh chan error
}

// Spawn starts the analysis process described by spec and begins watching
// for its exit.
func Spawn(ctx context.Context, spec LaunchSpec) (*Process, error) {
	if spec.Command == "" {
		return nil, fmt.Errorf("spawn: empty command")
	}

	cmd := exec.CommandContext(ctx, spec.Command, spec.Args...)
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("start process %s: %w", spec.Command, err)
	}

	p := &Process{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		exitCh: make(chan error, 1),
	}
	go p.monitor()
	return p, nil
}

// monitor waits for the process and publishes its exit status.
func (p *Process) monitor() {
	p.exitCh <- p.cmd.Wait()
	close(p.exitCh)
}

// Reader returns the process's stdout stream.
func (p *Process) Reader() io.Reader { return p.stdout }

// Writer returns the process's stdin stream. Closing it severs the stream
// under any write still in flight.
func (p *Process) Writer() io.WriteCloser { return p.stdin }

// Stderr returns the process's stderr stream.
func (p *Process) Stderr() io.Reader { return p.stderr }

// Done receives the process exit status exactly once, then is closed.
func (p *Process) Done() <-chan error { return p.exitCh }

// Pid returns the OS process id, or 0 before start.
func (p *Process) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Terminate closes stdin and waits up to killDeadline for the process to
// exit on its own, then kills it. Safe to call after the process exited.
func (p *Process) Terminate(killDeadline time.Duration) error {
	p.stdin.Close()

	timer := time.NewTimer(killDeadline)
	defer timer.Stop()

	select {
	case err, ok := <-p.exitCh:
		if !ok {
			return nil // already reaped
		}
		return err
	case <-timer.C:
		p.Kill()
		err, ok := <-p.exitCh
		if !ok {
			return nil
		}
		return err
	}
}

// Kill forcibly terminates the process.
func (p *Process) Kill() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

// processHandle abstracts the spawned process so the session can be tested
// against an in-memory fake.
type processHandle interface {
	Reader() io.Reader
	Writer() io.WriteCloser
	Stderr() io.Reader
	Done() <-chan error
	Pid() int
	Terminate(killDeadline time.Duration) error
	Kill()
}

// spawnFunc matches Spawn; the session holds one so tests can inject fakes.
type spawnFunc func(ctx context.Context, spec LaunchSpec) (processHandle, error)

// defaultSpawn adapts Spawn to the processHandle interface.
func defaultSpawn(ctx context.Context, spec LaunchSpec) (processHandle, error) {
	return Spawn(ctx, spec)
}
