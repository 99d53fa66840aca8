package unit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/mattjoyce/taskpool/internal/protocol"
)

// defaultKillGrace is the time we wait after SIGTERM before sending SIGKILL.
const defaultKillGrace = 5 * time.Second

// ProcessSpawner runs each execution unit as a child process. The child
// receives its spawn data through the environment and speaks the protocol on
// stdin/stdout; its stderr is passed through.
type ProcessSpawner struct {
	// Path is the entry binary. Empty means the current executable.
	Path string
	Args []string
	// Env is appended to the coordinator's environment.
	Env []string
	// Stderr receives the child's stderr. Nil means os.Stderr.
	Stderr io.Writer
	// KillGrace is the SIGTERM → SIGKILL delay. Zero means 5s.
	KillGrace time.Duration
}

// Spawn starts a child process for data.
func (s *ProcessSpawner) Spawn(ctx context.Context, data SpawnData) (Unit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := s.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve worker entry: %w", err)
		}
		path = exe
	}

	// Don't use CommandContext: the unit outlives the spawn call and is
	// terminated through Kill.
	cmd := exec.Command(path, s.Args...)
	cmd.Env = append(append(os.Environ(), s.Env...), data.Environ()...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	cmd.Stderr = s.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start process: %w", err)
	}

	grace := s.KillGrace
	if grace <= 0 {
		grace = defaultKillGrace
	}

	u := &processUnit{
		id:     data.WorkerID,
		cmd:    cmd,
		stdin:  stdin,
		enc:    protocol.NewEncoder(stdin),
		events: make(chan Event, 16),
		exited: make(chan struct{}),
		grace:  grace,
	}
	go u.pump(stdout)
	return u, nil
}

type processUnit struct {
	id     int
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	enc    *protocol.Encoder
	events chan Event
	exited chan struct{}
	grace  time.Duration

	closeOnce sync.Once
	closeErr  error
}

func (u *processUnit) ID() int { return u.id }

func (u *processUnit) Events() <-chan Event { return u.events }

func (u *processUnit) Send(msg protocol.ParentMessage) error {
	return u.enc.EncodeParent(msg)
}

func (u *processUnit) Close() error {
	u.closeOnce.Do(func() {
		u.closeErr = u.stdin.Close()
	})
	return u.closeErr
}

// Kill sends SIGTERM, waits for the grace period, then sends SIGKILL.
func (u *processUnit) Kill() error {
	select {
	case <-u.exited:
		return nil
	default:
	}

	_ = u.Close()
	if err := u.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("send SIGTERM: %w", err)
	}

	grace := time.NewTimer(u.grace)
	defer grace.Stop()

	select {
	case <-u.exited:
		return nil
	case <-grace.C:
		if err := u.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("send SIGKILL: %w", err)
		}
		<-u.exited
		return nil
	}
}

// pump forwards decoded messages until stdout closes, then reaps the process.
// A malformed message kills the child and is reported as the exit cause.
func (u *processUnit) pump(stdout io.Reader) {
	defer close(u.events)

	var protoErr error
	dec := protocol.NewDecoder(stdout)
	for {
		msg, err := dec.DecodeWorker()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				protoErr = err
				_ = u.cmd.Process.Kill()
			}
			break
		}
		u.events <- Event{Message: msg}
	}

	waitErr := u.cmd.Wait()
	close(u.exited)

	exit := &Exit{}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exit.Code = exitErr.ExitCode()
			if exit.Code < 0 {
				exit.Err = waitErr
			}
		} else {
			exit.Code = -1
			exit.Err = fmt.Errorf("wait for process: %w", waitErr)
		}
	}
	if protoErr != nil {
		exit.Err = protoErr
	}
	u.events <- Event{Exit: exit}
}
