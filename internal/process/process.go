package process

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"
)

var (
	// ErrSpawn wraps every failure to launch a backend.
	ErrSpawn = errors.New("spawn failed")
	// ErrAlreadyStarted is returned when Start is called twice on one handle.
	ErrAlreadyStarted = errors.New("process already started")
)

// killWait bounds how long Stop and Kill wait for the reaper after SIGKILL.
const killWait = 2 * time.Second

// Process is the handle of one spawned backend. A handle is single use: once
// the child exits a new handle has to be created.
type Process struct {
	id   Identity
	tail *Tail

	mu        sync.Mutex
	cmd       *exec.Cmd
	stdin     *os.File
	stdout    *os.File
	pid       int
	startedAt time.Time
	startUnix int64
	exitErr   error
	done      chan struct{}
	closed    bool
}

func New(id Identity) *Process {
	return &Process{id: id, tail: NewTail(DefaultTailLines), done: make(chan struct{})}
}

// Identity returns the identity the handle was created from.
func (p *Process) Identity() Identity { return p.id }

// Start spawns the child with env as its complete environment. The child's
// stdio is wired to pipes owned by the handle; its stderr is teed into the
// in-memory tail, the rotating stderr log and slog at debug level.
func (p *Process) Start(env []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil {
		return ErrAlreadyStarted
	}
	if err := p.id.Validate(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSpawn, p.id.ID, err)
	}
	cmd := p.id.BuildCommand()
	if p.id.WorkDir != "" {
		cmd.Dir = p.id.WorkDir
	}
	if len(env) > 0 {
		cmd.Env = env
	}
	configureSysProcAttr(cmd)

	inR, inW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("%w: %s: stdin pipe: %v", ErrSpawn, p.id.ID, err)
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		closeAll(inR, inW)
		return fmt.Errorf("%w: %s: stdout pipe: %v", ErrSpawn, p.id.ID, err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		closeAll(inR, inW, outR, outW)
		return fmt.Errorf("%w: %s: stderr pipe: %v", ErrSpawn, p.id.ID, err)
	}
	cmd.Stdin, cmd.Stdout, cmd.Stderr = inR, outW, errW

	if err := cmd.Start(); err != nil {
		closeAll(inR, inW, outR, outW, errR, errW)
		return fmt.Errorf("%w: %s: %v", ErrSpawn, p.id.ID, err)
	}
	// the child holds its own copies
	closeAll(inR, outW, errW)

	p.cmd = cmd
	p.stdin = inW
	p.stdout = outR
	p.pid = cmd.Process.Pid
	p.startedAt = time.Now()
	p.startUnix = getProcStartUnix(p.pid)

	go p.pumpStderr(errR)
	go p.reap(cmd)
	return nil
}

func (p *Process) reap(cmd *exec.Cmd) {
	err := cmd.Wait()
	p.mu.Lock()
	p.exitErr = err
	p.mu.Unlock()
	close(p.done)
}

func (p *Process) pumpStderr(r *os.File) {
	defer func() { _ = r.Close() }()
	sink := p.id.Log.ProcessWriter(p.id.ID)
	if sink != nil {
		defer func() { _ = sink.Close() }()
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		p.tail.Add(line)
		if sink != nil {
			_, _ = io.WriteString(sink, line+"\n")
		}
		slog.Debug("backend stderr", "server", p.id.ID, "line", line)
	}
}

// Stdin is the write side of the child's stdin.
func (p *Process) Stdin() io.Writer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stdin
}

// Stdout is the read side of the child's stdout.
func (p *Process) Stdout() io.Reader {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stdout
}

// Done is closed once the child has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

func (p *Process) StartedAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startedAt
}

// StderrTail returns the most recent stderr lines, oldest first.
func (p *Process) StderrTail() []string { return p.tail.Lines() }

// ExitErr returns the error reported by Wait, nil while running or on a clean exit.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// ExitCode returns the exit code of a reaped child and -1 otherwise.
func (p *Process) ExitCode() int {
	select {
	case <-p.done:
	default:
		return -1
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.ProcessState == nil {
		return -1
	}
	return p.cmd.ProcessState.ExitCode()
}

// Alive reports whether the child is still running. A reaped child, a zombie
// or a pid that now belongs to another process all count as dead.
func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
	}
	p.mu.Lock()
	pid, startUnix := p.pid, p.startUnix
	p.mu.Unlock()
	if pid <= 0 {
		return false
	}
	if runtime.GOOS == "linux" && isZombieLinux(pid) {
		return false
	}
	if !processExists(pid) {
		return false
	}
	if startUnix != 0 {
		if cur := getProcStartUnix(pid); cur != 0 && cur != startUnix {
			return false
		}
	}
	return true
}

// Stop closes the child's stdin, sends SIGTERM to its process group and
// escalates to SIGKILL when it has not exited within grace.
func (p *Process) Stop(grace time.Duration) error {
	pid := p.PID()
	if pid <= 0 {
		return nil
	}
	p.mu.Lock()
	if p.stdin != nil {
		_ = p.stdin.Close()
	}
	p.mu.Unlock()

	select {
	case <-p.done:
		p.closePipes()
		return nil
	default:
	}
	_ = signalGroup(pid, syscall.SIGTERM)
	select {
	case <-p.done:
	case <-time.After(grace):
		slog.Warn("backend ignored SIGTERM, killing", "server", p.id.ID, "pid", pid, "grace", grace)
		_ = signalGroup(pid, syscall.SIGKILL)
		select {
		case <-p.done:
		case <-time.After(killWait):
			p.closePipes()
			return fmt.Errorf("process %d did not exit after SIGKILL", pid)
		}
	}
	p.closePipes()
	return nil
}

// Kill sends SIGKILL to the process group and waits briefly for the reaper.
func (p *Process) Kill() error {
	pid := p.PID()
	if pid <= 0 {
		return nil
	}
	select {
	case <-p.done:
	default:
		_ = signalGroup(pid, syscall.SIGKILL)
		select {
		case <-p.done:
		case <-time.After(killWait):
			p.closePipes()
			return fmt.Errorf("process %d did not exit after SIGKILL", pid)
		}
	}
	p.closePipes()
	return nil
}

func (p *Process) closePipes() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	closeAll(p.stdin, p.stdout)
}

func closeAll(fs ...*os.File) {
	for _, f := range fs {
		if f != nil {
			_ = f.Close()
		}
	}
}

// isZombieLinux returns true if /proc/<pid>/status reports a zombie state (Z).
func isZombieLinux(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}
