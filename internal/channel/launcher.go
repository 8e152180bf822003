package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/term"
)

// Process is one running transport attempt.
type Process interface {
	// Wait blocks until the process exits and returns its exit code.
	Wait() (exitCode int, err error)
	// Kill force-terminates the process.
	Kill() error
}

// Launcher starts transport processes. Tests substitute a fake.
type Launcher interface {
	Launch(ctx context.Context, spec Spec) (Process, error)
}

// OSLauncher starts real processes, bridging ModePTY transports to the
// controlling terminal.
type OSLauncher struct {
	Stdin  *os.File
	Stdout io.Writer
	Stderr io.Writer

	once  sync.Once
	mu    sync.Mutex
	ptmx  *os.File // current pty master, fed by the stdin pump
	state *term.State
}

// NewOSLauncher returns a launcher wired to the process's stdio.
func NewOSLauncher() *OSLauncher {
	return &OSLauncher{Stdin: os.Stdin, Stdout: os.Stdout, Stderr: os.Stderr}
}

// Launch starts spec. Without a local terminal, PTY transports fall back to
// inherited stdio.
func (l *OSLauncher) Launch(_ context.Context, spec Spec) (Process, error) {
	if spec.Name == "" {
		return nil, errors.New("empty transport command")
	}
	if _, err := exec.LookPath(spec.Name); err != nil {
		return nil, fmt.Errorf("transport %s: %w", spec.Name, err)
	}

	cmd := exec.Command(spec.Name, spec.Args...)
	if spec.Mode == ModePTY && term.IsTerminal(int(l.Stdin.Fd())) {
		return l.startPTY(cmd)
	}

	cmd.Stdin = l.Stdin
	cmd.Stdout = l.Stdout
	cmd.Stderr = l.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Name, err)
	}
	return &execProcess{cmd: cmd}, nil
}

// Restore puts the local terminal back into the mode it had before the first
// PTY launch. Safe to call more than once.
func (l *OSLauncher) Restore() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != nil {
		_ = term.Restore(int(l.Stdin.Fd()), l.state)
		l.state = nil
	}
}

func (l *OSLauncher) startPTY(cmd *exec.Cmd) (Process, error) {
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("start %s in pty: %w", cmd.Path, err)
	}
	// Not fatal; the remote side falls back to 80x24.
	_ = pty.InheritSize(l.Stdin, ptmx)

	l.mu.Lock()
	if l.state == nil {
		st, err := term.MakeRaw(int(l.Stdin.Fd()))
		if err != nil {
			l.mu.Unlock()
			_ = cmd.Process.Kill()
			_ = ptmx.Close()
			return nil, fmt.Errorf("set raw mode: %w", err)
		}
		l.state = st
	}
	l.ptmx = ptmx
	l.mu.Unlock()

	// A single pump reads stdin for the life of the process so relaunches
	// after a drop do not race two readers.
	l.once.Do(func() { go l.pumpStdin() })

	p := newPTYProcess(cmd, ptmx, l, l.Stdout)
	go p.watchResize(l.Stdin)
	return p, nil
}

// outputDrain bounds how long Wait lets the remote side's last output flush
// after the process exits. A leftover grandchild can hold the pty open.
const outputDrain = 2 * time.Second

func (l *OSLauncher) pumpStdin() {
	buf := make([]byte, 4096)
	for {
		n, err := l.Stdin.Read(buf)
		if n > 0 {
			l.mu.Lock()
			dst := l.ptmx
			l.mu.Unlock()
			if dst != nil {
				_, _ = dst.Write(buf[:n])
			}
		}
		if err != nil {
			return
		}
	}
}

func (l *OSLauncher) detach(ptmx *os.File) {
	l.mu.Lock()
	if l.ptmx == ptmx {
		l.ptmx = nil
	}
	l.mu.Unlock()
}

type ptyProcess struct {
	cmd      *exec.Cmd
	ptmx     *os.File
	launcher *OSLauncher
	done     chan struct{} // closed when the process has exited
	copied   chan struct{} // closed when output copying stopped
}

func newPTYProcess(cmd *exec.Cmd, ptmx *os.File, l *OSLauncher, out io.Writer) *ptyProcess {
	p := &ptyProcess{
		cmd:      cmd,
		ptmx:     ptmx,
		launcher: l,
		done:     make(chan struct{}),
		copied:   make(chan struct{}),
	}
	go p.copyOutput(out)
	return p
}

func (p *ptyProcess) copyOutput(w io.Writer) {
	defer close(p.copied)
	// EIO from the master once the child exits is the normal end of stream.
	_, _ = io.Copy(w, p.ptmx)
}

func (p *ptyProcess) watchResize(tty *os.File) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGWINCH)
	defer signal.Stop(sigCh)
	for {
		select {
		case <-p.done:
			return
		case <-sigCh:
			_ = pty.InheritSize(tty, p.ptmx)
		}
	}
}

func (p *ptyProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	close(p.done)
	p.launcher.detach(p.ptmx)
	select {
	case <-p.copied:
	case <-time.After(outputDrain):
	}
	_ = p.ptmx.Close()
	return exitStatus(err)
}

func (p *ptyProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Wait() (int, error) {
	return exitStatus(p.cmd.Wait())
}

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func exitStatus(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}
