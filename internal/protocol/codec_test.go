package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestEncodeParent(t *testing.T) {
	tests := []struct {
		name    string
		msg     ParentMessage
		wantErr bool
		checkFn func(t *testing.T, output string)
	}{
		{
			name: "start task with payload",
			msg:  StartTaskMessage(json.RawMessage(`{"a":5,"b":10}`)),
			checkFn: func(t *testing.T, output string) {
				if !strings.Contains(output, `"type":"START_TASK"`) {
					t.Error("missing type field")
				}
				if !strings.Contains(output, `"data":{"a":5,"b":10}`) {
					t.Error("missing data field")
				}
				if !strings.HasSuffix(output, "\n") {
					t.Error("message is not newline terminated")
				}
			},
		},
		{
			name: "start task without payload omits data",
			msg:  StartTaskMessage(nil),
			checkFn: func(t *testing.T, output string) {
				if strings.Contains(output, `"data"`) {
					t.Errorf("unexpected data field in %q", output)
				}
			},
		},
		{
			name:    "unknown type",
			msg:     ParentMessage{Type: "STOP"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := NewEncoder(&buf).EncodeParent(tt.msg)

			if (err != nil) != tt.wantErr {
				t.Errorf("EncodeParent() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && tt.checkFn != nil {
				tt.checkFn(t, buf.String())
			}
		})
	}
}

func TestEncodeWorker(t *testing.T) {
	tests := []struct {
		name    string
		msg     WorkerMessage
		want    string
		wantErr bool
	}{
		{
			name: "handshake",
			msg:  StartedMessage(),
			want: `{"message":"STARTED"}` + "\n",
		},
		{
			name: "finished",
			msg:  FinishedMessage(json.RawMessage(`15`)),
			want: `{"message":"TASK_FINISHED","data":15}` + "\n",
		},
		{
			name: "failed",
			msg:  FailedMessage(errors.New("Fails on 867!")),
			want: `{"message":"TASK_FAILED","data":{"message":"Fails on 867!"}}` + "\n",
		},
		{
			name: "failed with nil error gets a generic message",
			msg:  FailedMessage(nil),
			want: `{"message":"TASK_FAILED","data":{"message":"task failed"}}` + "\n",
		},
		{
			name:    "failed without payload",
			msg:     WorkerMessage{Message: TaskFailed},
			wantErr: true,
		},
		{
			name:    "missing discriminant",
			msg:     WorkerMessage{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := NewEncoder(&buf).EncodeWorker(tt.msg)

			if (err != nil) != tt.wantErr {
				t.Fatalf("EncodeWorker() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && buf.String() != tt.want {
				t.Errorf("EncodeWorker() = %q, want %q", buf.String(), tt.want)
			}
		})
	}
}

func TestDecodeWorker(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		checkFn func(t *testing.T, msg *WorkerMessage)
	}{
		{
			name:  "started",
			input: `{"message":"STARTED"}`,
			checkFn: func(t *testing.T, msg *WorkerMessage) {
				if msg.Message != Started {
					t.Errorf("Message = %q, want STARTED", msg.Message)
				}
			},
		},
		{
			name:  "finished with data",
			input: `{"message":"TASK_FINISHED","data":{"sum":15}}`,
			checkFn: func(t *testing.T, msg *WorkerMessage) {
				if string(msg.Data) != `{"sum":15}` {
					t.Errorf("Data = %s", msg.Data)
				}
			},
		},
		{
			name:  "failed carries task error",
			input: `{"message":"TASK_FAILED","data":{"message":"Always fails!"}}`,
			checkFn: func(t *testing.T, msg *WorkerMessage) {
				te := msg.TaskErrorFrom()
				if te.Message != "Always fails!" {
					t.Errorf("TaskError = %q", te.Message)
				}
			},
		},
		{
			name:    "failed with empty message",
			input:   `{"message":"TASK_FAILED","data":{"message":""}}`,
			wantErr: true,
		},
		{
			name:    "unknown field",
			input:   `{"message":"STARTED","extra":true}`,
			wantErr: true,
		},
		{
			name:    "unknown type",
			input:   `{"message":"BOOTED"}`,
			wantErr: true,
		},
		{
			name:    "not json",
			input:   `hello from a stray print`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := NewDecoder(strings.NewReader(tt.input + "\n")).DecodeWorker()

			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeWorker() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && tt.checkFn != nil {
				tt.checkFn(t, msg)
			}
		})
	}
}

func TestDecoderStream(t *testing.T) {
	input := "{\"type\":\"START_TASK\",\"data\":1}\n\n{\"type\":\"START_TASK\",\"data\":2}\n"
	dec := NewDecoder(strings.NewReader(input))

	for i, want := range []string{"1", "2"} {
		msg, err := dec.DecodeParent()
		if err != nil {
			t.Fatalf("message %d: %v", i, err)
		}
		if string(msg.Data) != want {
			t.Errorf("message %d data = %s, want %s", i, msg.Data, want)
		}
	}

	if _, err := dec.DecodeParent(); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF at end of stream, got %v", err)
	}
}

func TestIsTaskError(t *testing.T) {
	wrapped := errors.Join(errors.New("context"), &TaskError{Message: "boom"})
	if !IsTaskError(wrapped) {
		t.Error("expected wrapped TaskError to be detected")
	}
	if IsTaskError(errors.New("plain")) {
		t.Error("plain error detected as TaskError")
	}
}
