package unit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/taskpool/internal/protocol"
)

// TestMain doubles as the entry point of the child processes spawned by the
// process tests: the queue name selects the helper behaviour.
func TestMain(m *testing.M) {
	if data, ok := SpawnDataFromEnv(); ok {
		os.Exit(helperUnit(data))
	}
	os.Exit(m.Run())
}

func helperUnit(data SpawnData) int {
	enc := protocol.NewEncoder(os.Stdout)
	switch data.QueueName {
	case "echo":
		return echoLoop(os.Stdin, enc)
	case "whoami":
		_ = enc.EncodeWorker(protocol.StartedMessage())
		payload, _ := json.Marshal(data)
		_ = enc.EncodeWorker(protocol.FinishedMessage(payload))
		return 0
	case "crash":
		return 3
	case "garbage":
		fmt.Fprintln(os.Stdout, "this is not protocol")
		time.Sleep(time.Minute)
		return 0
	case "stubborn":
		signal.Ignore(syscall.SIGTERM)
		_ = enc.EncodeWorker(protocol.StartedMessage())
		time.Sleep(time.Minute)
		return 0
	}
	return 4
}

func echoLoop(r io.Reader, enc *protocol.Encoder) int {
	if err := enc.EncodeWorker(protocol.StartedMessage()); err != nil {
		return 1
	}
	dec := protocol.NewDecoder(r)
	for {
		msg, err := dec.DecodeParent()
		if errors.Is(err, io.EOF) {
			return 0
		}
		if err != nil {
			return 1
		}
		if err := enc.EncodeWorker(protocol.FinishedMessage(msg.Data)); err != nil {
			return 1
		}
	}
}

func nextEvent(t *testing.T, u Unit) Event {
	t.Helper()
	select {
	case ev, ok := <-u.Events():
		require.True(t, ok, "event channel closed early")
		return ev
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for unit event")
		return Event{}
	}
}

func requireMessage(t *testing.T, u Unit, want protocol.WorkerMessageType) *protocol.WorkerMessage {
	t.Helper()
	ev := nextEvent(t, u)
	require.NotNil(t, ev.Message, "expected message %s, got exit %+v", want, ev.Exit)
	require.Equal(t, want, ev.Message.Message)
	return ev.Message
}

func requireExit(t *testing.T, u Unit) *Exit {
	t.Helper()
	ev := nextEvent(t, u)
	require.NotNil(t, ev.Exit, "expected exit, got message %+v", ev.Message)
	_, open := <-u.Events()
	assert.False(t, open, "event channel should close after exit")
	return ev.Exit
}

func TestSpawnDataEnviron(t *testing.T) {
	data := SpawnData{QueueName: "add", WorkerID: 12}
	assert.Equal(t, []string{EnvQueueName + "=add", EnvWorkerID + "=12"}, data.Environ())
}

func TestSpawnDataFromEnv(t *testing.T) {
	t.Setenv(EnvQueueName, "fibonacci")
	t.Setenv(EnvWorkerID, "3")

	data, ok := SpawnDataFromEnv()
	require.True(t, ok)
	assert.Equal(t, SpawnData{QueueName: "fibonacci", WorkerID: 3}, data)
	assert.True(t, IsWorkerProcess())
}

func TestProcessSpawner_EchoRoundTrip(t *testing.T) {
	s := &ProcessSpawner{}
	u, err := s.Spawn(context.Background(), SpawnData{QueueName: "echo", WorkerID: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, u.ID())

	requireMessage(t, u, protocol.Started)

	require.NoError(t, u.Send(protocol.StartTaskMessage(json.RawMessage(`{"a":5}`))))
	msg := requireMessage(t, u, protocol.TaskFinished)
	assert.JSONEq(t, `{"a":5}`, string(msg.Data))

	require.NoError(t, u.Close())
	exit := requireExit(t, u)
	assert.Equal(t, 0, exit.Code)
	assert.NoError(t, exit.Err)
}

func TestProcessSpawner_PassesSpawnData(t *testing.T) {
	s := &ProcessSpawner{}
	u, err := s.Spawn(context.Background(), SpawnData{QueueName: "whoami", WorkerID: 42})
	require.NoError(t, err)

	requireMessage(t, u, protocol.Started)
	msg := requireMessage(t, u, protocol.TaskFinished)

	var got SpawnData
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, SpawnData{QueueName: "whoami", WorkerID: 42}, got)
	requireExit(t, u)
}

func TestProcessSpawner_ExitCode(t *testing.T) {
	s := &ProcessSpawner{}
	u, err := s.Spawn(context.Background(), SpawnData{QueueName: "crash", WorkerID: 2})
	require.NoError(t, err)

	exit := requireExit(t, u)
	assert.Equal(t, 3, exit.Code)
	assert.NoError(t, exit.Err)
}

func TestProcessSpawner_ProtocolErrorKillsUnit(t *testing.T) {
	s := &ProcessSpawner{}
	u, err := s.Spawn(context.Background(), SpawnData{QueueName: "garbage", WorkerID: 3})
	require.NoError(t, err)

	exit := requireExit(t, u)
	require.Error(t, exit.Err)
	assert.Contains(t, exit.Err.Error(), "decode worker message")
}

func TestProcessSpawner_KillEscalates(t *testing.T) {
	s := &ProcessSpawner{KillGrace: 200 * time.Millisecond}
	u, err := s.Spawn(context.Background(), SpawnData{QueueName: "stubborn", WorkerID: 4})
	require.NoError(t, err)
	requireMessage(t, u, protocol.Started)

	done := make(chan error, 1)
	go func() { done <- u.Kill() }()

	exit := requireExit(t, u)
	assert.Equal(t, -1, exit.Code)
	assert.Error(t, exit.Err)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Kill did not return")
	}
}

func TestProcessSpawner_BadEntry(t *testing.T) {
	s := &ProcessSpawner{Path: "/nonexistent/taskpool-worker"}
	_, err := s.Spawn(context.Background(), SpawnData{QueueName: "echo"})
	assert.Error(t, err)
}

func TestProcessSpawner_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := (&ProcessSpawner{}).Spawn(ctx, SpawnData{QueueName: "echo"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestInProcSpawner_EchoRoundTrip(t *testing.T) {
	s := &InProcSpawner{Run: func(ctx context.Context, data SpawnData, r io.Reader, w io.Writer) error {
		if code := echoLoop(r, protocol.NewEncoder(w)); code != 0 {
			return fmt.Errorf("echo exited with %d", code)
		}
		return nil
	}}

	u, err := s.Spawn(context.Background(), SpawnData{QueueName: "echo", WorkerID: 9})
	require.NoError(t, err)
	assert.Equal(t, 9, u.ID())

	requireMessage(t, u, protocol.Started)
	require.NoError(t, u.Send(protocol.StartTaskMessage(json.RawMessage(`"hi"`))))
	msg := requireMessage(t, u, protocol.TaskFinished)
	assert.Equal(t, `"hi"`, string(msg.Data))

	require.NoError(t, u.Close())
	exit := requireExit(t, u)
	assert.Equal(t, 0, exit.Code)
}

func TestInProcSpawner_ErrorAndPanic(t *testing.T) {
	tests := []struct {
		name     string
		run      RunFunc
		wantCode int
		wantErr  string
	}{
		{
			name: "returned error",
			run: func(ctx context.Context, data SpawnData, r io.Reader, w io.Writer) error {
				return errors.New("startup failed")
			},
			wantCode: 1,
			wantErr:  "startup failed",
		},
		{
			name: "panic",
			run: func(ctx context.Context, data SpawnData, r io.Reader, w io.Writer) error {
				panic("boom")
			},
			wantCode: 2,
			wantErr:  "panic: boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := (&InProcSpawner{Run: tt.run}).Spawn(context.Background(), SpawnData{QueueName: "x"})
			require.NoError(t, err)

			exit := requireExit(t, u)
			assert.Equal(t, tt.wantCode, exit.Code)
			require.Error(t, exit.Err)
			assert.Contains(t, exit.Err.Error(), tt.wantErr)
		})
	}
}

func TestInProcSpawner_SendAfterExitFails(t *testing.T) {
	u, err := (&InProcSpawner{Run: func(ctx context.Context, data SpawnData, r io.Reader, w io.Writer) error {
		return nil
	}}).Spawn(context.Background(), SpawnData{QueueName: "x"})
	require.NoError(t, err)

	requireExit(t, u)
	assert.Error(t, u.Send(protocol.StartTaskMessage(nil)))
}

func TestInProcSpawner_KillUnblocksReader(t *testing.T) {
	s := &InProcSpawner{Run: func(ctx context.Context, data SpawnData, r io.Reader, w io.Writer) error {
		return echoLoopErr(r, protocol.NewEncoder(w))
	}}
	u, err := s.Spawn(context.Background(), SpawnData{QueueName: "echo"})
	require.NoError(t, err)
	requireMessage(t, u, protocol.Started)

	require.NoError(t, u.Kill())
	exit := requireExit(t, u)
	assert.Error(t, exit.Err)
}

func TestInProcSpawner_RequiresRunFunc(t *testing.T) {
	_, err := (&InProcSpawner{}).Spawn(context.Background(), SpawnData{})
	assert.Error(t, err)
}

func echoLoopErr(r io.Reader, enc *protocol.Encoder) error {
	if code := echoLoop(r, enc); code != 0 {
		return fmt.Errorf("echo exited with %d", code)
	}
	return nil
}
