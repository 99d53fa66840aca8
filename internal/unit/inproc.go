package unit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/mattjoyce/taskpool/internal/protocol"
)

// RunFunc is the body of an in-process unit. It reads coordinator messages
// from r and writes worker messages to w.
type RunFunc func(ctx context.Context, data SpawnData, r io.Reader, w io.Writer) error

// InProcSpawner runs execution units as goroutines connected by in-memory
// pipes. Units share the coordinator's memory and cannot be forcibly
// stopped, so it serves tests and embedding rather than isolation.
//
// A RunFunc that returns an error exits with code 1; a panic exits with code 2.
type InProcSpawner struct {
	Run RunFunc
}

// Spawn starts a goroutine unit for data.
func (s *InProcSpawner) Spawn(ctx context.Context, data SpawnData) (Unit, error) {
	if s.Run == nil {
		return nil, errors.New("in-process spawner has no run function")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	runCtx, cancel := context.WithCancel(context.Background())

	u := &inprocUnit{
		id:     data.WorkerID,
		in:     inW,
		out:    outR,
		enc:    protocol.NewEncoder(inW),
		events: make(chan Event, 16),
		result: make(chan Exit, 1),
		cancel: cancel,
	}

	go func() {
		exit := Exit{}
		defer func() {
			if r := recover(); r != nil {
				exit = Exit{Code: 2, Err: fmt.Errorf("panic: %v", r)}
			}
			_ = outW.Close()
			_ = inR.Close()
			cancel()
			u.result <- exit
		}()
		if err := s.Run(runCtx, data, inR, outW); err != nil {
			exit = Exit{Code: 1, Err: err}
		}
	}()
	go u.pump()

	return u, nil
}

type inprocUnit struct {
	id     int
	in     *io.PipeWriter
	out    *io.PipeReader
	enc    *protocol.Encoder
	events chan Event
	result chan Exit
	cancel context.CancelFunc

	closeOnce sync.Once
}

func (u *inprocUnit) ID() int { return u.id }

func (u *inprocUnit) Events() <-chan Event { return u.events }

func (u *inprocUnit) Send(msg protocol.ParentMessage) error {
	return u.enc.EncodeParent(msg)
}

func (u *inprocUnit) Close() error {
	u.closeOnce.Do(func() {
		_ = u.in.Close()
	})
	return nil
}

// Kill cancels the unit's context and severs both pipes. A callback that
// ignores its context keeps running until it returns.
func (u *inprocUnit) Kill() error {
	u.cancel()
	_ = u.Close()
	_ = u.out.CloseWithError(errors.New("unit killed"))
	return nil
}

func (u *inprocUnit) pump() {
	defer close(u.events)

	var protoErr error
	dec := protocol.NewDecoder(u.out)
	for {
		msg, err := dec.DecodeWorker()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				protoErr = err
				u.cancel()
				_ = u.Close()
				_ = u.out.CloseWithError(err)
			}
			break
		}
		u.events <- Event{Message: msg}
	}

	exit := <-u.result
	if protoErr != nil {
		exit.Err = protoErr
		if exit.Code == 0 {
			exit.Code = -1
		}
	}
	u.events <- Event{Exit: &exit}
}
