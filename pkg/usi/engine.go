package usi

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// quitTimeout bounds how long Close waits for the process after "quit".
const quitTimeout = 3 * time.Second

// Process is a running engine binary. It lives until Close; the context
// given to Spawn only guards startup, so a slot or pool worker can keep the
// process across many searches and runs.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	log    zerolog.Logger

	mu     sync.Mutex
	closed bool
}

// Spawn starts path in its own directory and forwards its stderr to log.
func Spawn(ctx context.Context, path string, args []string, log zerolog.Logger) (*Process, error) {
	if path == "" {
		return nil, errors.New("engine path is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmd := exec.Command(path, args...)
	cmd.Dir = filepath.Dir(path)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	log.Debug().Str("path", path).Int("pid", cmd.Process.Pid).Msg("engine process started")
	go logStderr(stderr, log)
	return &Process{cmd: cmd, stdin: stdin, stdout: stdout, log: log}, nil
}

func logStderr(r io.Reader, log zerolog.Logger) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			log.Debug().Str("stderr", line).Msg("engine stderr")
		}
	}
}

// Stdout returns the engine's protocol stream.
func (p *Process) Stdout() io.Reader {
	return p.stdout
}

// Write hands b to the engine's stdin. It fails with ErrClosed once Close
// has begun, so "quit" is always the last thing the engine reads.
func (p *Process) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, ErrClosed
	}
	return p.stdin.Write(b)
}

// Close sends "quit" and waits for the process, killing it if it lingers.
// Calling it again does nothing.
func (p *Process) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	_, _ = io.WriteString(p.stdin, "quit\n")
	p.closed = true
	_ = p.stdin.Close()
	p.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- p.cmd.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(quitTimeout):
		_ = p.cmd.Process.Kill()
		<-done
		p.log.Warn().Int("pid", p.cmd.Process.Pid).Msg("engine ignored quit, killed")
		return errors.New("engine did not exit in time")
	}
}
