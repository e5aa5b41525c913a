package supervisor

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/turtacn/broadcastd/pkg/consts"
	berrors "github.com/turtacn/broadcastd/pkg/errors"
	"github.com/turtacn/broadcastd/pkg/logger"
)

// Hooks receive a worker's diagnostic output and its exit. They are called
// from the process's own goroutine, never concurrently with each other.
type Hooks struct {
	OnLine func(line string)
	OnExit func(code int, err error)
}

// Process is a spawned worker.
type Process interface {
	Pid() int
	// Quit asks the worker to finish on its own through its input channel.
	Quit() error
	// Kill terminates the worker immediately.
	Kill() error
}

// Spawner starts worker processes.
type Spawner interface {
	Spawn(kind consts.WorkerKind, args []string, hooks Hooks) (Process, error)
}

// ExecSpawner runs workers as child processes of a single binary (ffmpeg).
type ExecSpawner struct {
	Path string
	Env  []string
}

// NewExecSpawner creates an ExecSpawner for the given binary.
func NewExecSpawner(path string) *ExecSpawner {
	return &ExecSpawner{Path: path}
}

// Spawn launches the binary with args. Stderr is split into lines (ffmpeg
// separates progress updates with carriage returns) and fed to hooks.OnLine;
// hooks.OnExit fires once after stderr is drained and the process is reaped.
func (es *ExecSpawner) Spawn(kind consts.WorkerKind, args []string, hooks Hooks) (Process, error) {
	cmd := exec.Command(es.Path, args...)
	cmd.Env = append(os.Environ(), es.Env...)
	cmd.Stdout = io.Discard

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, berrors.New(berrors.ErrCodeWorkerSpawn, "Spawn", "stdin pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, berrors.New(berrors.ErrCodeWorkerSpawn, "Spawn", "stderr pipe", err)
	}

	logger.Log.Info("Supervisor: Forking worker", "kind", kind, "path", es.Path)
	if err := cmd.Start(); err != nil {
		return nil, berrors.New(berrors.ErrCodeWorkerSpawn, "Spawn", "cannot start "+es.Path, err)
	}

	p := &execProcess{cmd: cmd, stdin: stdin}
	go p.watch(stderr, hooks)
	return p, nil
}

type execProcess struct {
	cmd *exec.Cmd

	mu     sync.Mutex
	stdin  io.WriteCloser
	exited bool
}

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

// Quit writes the graceful quit command to the worker's stdin.
func (p *execProcess) Quit() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return os.ErrProcessDone
	}
	logger.Log.Info("Supervisor: Sending quit", "pid", p.Pid())
	_, err := io.WriteString(p.stdin, consts.GracefulQuitInput)
	return err
}

// Kill immediately terminates the worker.
func (p *execProcess) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return nil
	}
	logger.Log.Warn("Supervisor: Sending SIGKILL", "pid", p.Pid())
	return p.cmd.Process.Kill()
}

func (p *execProcess) watch(stderr io.Reader, hooks Hooks) {
	sc := bufio.NewScanner(stderr)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	sc.Split(scanLinesCR)
	for sc.Scan() {
		if line := sc.Text(); line != "" && hooks.OnLine != nil {
			hooks.OnLine(line)
		}
	}

	err := p.cmd.Wait()
	p.mu.Lock()
	p.exited = true
	p.stdin.Close()
	p.mu.Unlock()

	code := 0
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
		err = nil
		if code < 0 {
			err = berrors.New(berrors.ErrCodeWorkerRuntime, "Wait", "terminated by signal", exitErr)
		}
	} else if err != nil {
		code = -1
	}
	if hooks.OnExit != nil {
		hooks.OnExit(code, err)
	}
}

// scanLinesCR splits on '\n' or '\r'.
func scanLinesCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// Personal.AI order the ending
