package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"runtime"
)

// Spec describes the backend command line.
type Spec struct {
	Command string
	Args    []string
	Dir     string
}

// DefaultCommand is the interpreter used when none is configured.
func DefaultCommand() string {
	if runtime.GOOS == "windows" {
		return "python"
	}
	return "python3"
}

// Process is a running backend.
type Process interface {
	Pid() int
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until exit. Callers drain Stdout and Stderr first.
	Wait() error
	Kill() error
}

type Spawner interface {
	Spawn(ctx context.Context, spec Spec) (Process, error)
}

// ExecSpawner starts real OS processes.
type ExecSpawner struct{}

type execProcess struct {
	cmd    *exec.Cmd
	stdout io.Reader
	stderr io.Reader
}

func (ExecSpawner) Spawn(ctx context.Context, spec Spec) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if spec.Command == "" {
		return nil, errors.New("no backend command configured")
	}

	// not CommandContext: the process outlives the request that started it
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Command, err)
	}

	return &execProcess{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

func (p *execProcess) Pid() int          { return p.cmd.Process.Pid }
func (p *execProcess) Stdout() io.Reader { return p.stdout }
func (p *execProcess) Stderr() io.Reader { return p.stderr }
func (p *execProcess) Wait() error       { return p.cmd.Wait() }
func (p *execProcess) Kill() error       { return p.cmd.Process.Kill() }

// ExitCode extracts the exit status from a Wait error; -1 when unknown.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
