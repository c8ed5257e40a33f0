package connector

import (
	"context"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/bft-labs/connbridge/internal/domain"
)

// Launcher starts connector processes.
type Launcher interface {
	Launch(ctx context.Context, dir string, args ...string) (Process, error)
}

// Process is a running connector.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader

	// Done is closed once the process exited.
	Done() <-chan struct{}
	// Exited reports whether the process exited, without blocking.
	Exited() bool
	// ExitCode returns the exit code; deaths by signal map to 128+signal.
	ExitCode() (int, error)

	Terminate() error
	Kill() error

	// Wait blocks until the process exited or ctx is done.
	Wait(ctx context.Context) error
}

// ExecLauncher runs a connector as a local command in its own process group.
type ExecLauncher struct {
	// Command is the executable and its leading arguments.
	Command []string
	// Env is appended to the current environment.
	Env []string
}

// Launch implements Launcher. The context only bounds startup; the process
// outlives it and is stopped through Terminate or Kill.
func (l ExecLauncher) Launch(ctx context.Context, dir string, args ...string) (Process, error) {
	if len(l.Command) == 0 {
		return nil, errors.Wrap(domain.ErrInvalidConfig, "connector command is empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(l.Command[0], append(append([]string{}, l.Command[1:]...), args...)...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "create stdin pipe")
	}
	// Our own pipes so that Wait never closes the read ends under a reader.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, errors.Wrap(err, "create stdout pipe")
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, errors.Wrap(err, "create stderr pipe")
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	startErr := cmd.Start()
	stdoutW.Close()
	stderrW.Close()
	if startErr != nil {
		stdoutR.Close()
		stderrR.Close()
		return nil, errors.Wrapf(startErr, "start connector %q", l.Command[0])
	}

	p := &execProcess{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdoutR,
		stderr: stderrR,
		done:   make(chan struct{}),
	}
	go p.wait()
	return p, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *os.File
	stderr *os.File

	done     chan struct{}
	mu       sync.Mutex
	exitCode int
	waitErr  error
}

func (p *execProcess) wait() {
	err := p.cmd.Wait()

	code := 0
	if state := p.cmd.ProcessState; state != nil {
		code = state.ExitCode()
		if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			code = 128 + int(ws.Signal())
		}
	}

	p.mu.Lock()
	p.exitCode = code
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		p.waitErr = errors.Wrap(err, "wait for connector")
	}
	p.mu.Unlock()
	close(p.done)
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.Reader     { return p.stdout }
func (p *execProcess) Stderr() io.Reader     { return p.stderr }
func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *execProcess) ExitCode() (int, error) {
	if !p.Exited() {
		return 0, domain.ErrStillRunning
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, p.waitErr
}

func (p *execProcess) Terminate() error {
	return p.signal(unix.SIGTERM)
}

func (p *execProcess) Kill() error {
	return p.signal(unix.SIGKILL)
}

// signal delivers sig to the whole process group. A group that is already
// gone is not an error.
func (p *execProcess) signal(sig unix.Signal) error {
	if p.Exited() {
		return nil
	}
	pid := p.cmd.Process.Pid
	if err := unix.Kill(-pid, sig); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return errors.Wrapf(err, "signal %s to process group %d", unix.SignalName(sig), pid)
	}
	return nil
}

func (p *execProcess) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
