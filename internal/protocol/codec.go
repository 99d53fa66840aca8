package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// maxLineBytes caps a single protocol line. Payloads beyond this are a
// protocol error rather than an unbounded allocation.
const maxLineBytes = 16 * 1024 * 1024

// Encoder writes newline-delimited protocol messages. It is safe for
// concurrent use.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// EncodeParent validates and writes a coordinator → worker message.
func (e *Encoder) EncodeParent(msg ParentMessage) error {
	if msg.Type != StartTask {
		return fmt.Errorf("unsupported parent message type: %q", msg.Type)
	}
	return e.encode(msg)
}

// EncodeWorker validates and writes a worker → coordinator message.
func (e *Encoder) EncodeWorker(msg WorkerMessage) error {
	if err := validateWorker(&msg); err != nil {
		return err
	}
	return e.encode(msg)
}

func (e *Encoder) encode(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	data = append(data, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Decoder reads newline-delimited protocol messages.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return &Decoder{scanner: s}
}

// DecodeParent reads the next coordinator → worker message.
// Returns io.EOF when the stream ends cleanly.
func (d *Decoder) DecodeParent() (*ParentMessage, error) {
	line, err := d.next()
	if err != nil {
		return nil, err
	}

	var msg ParentMessage
	if err := strictUnmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode parent message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("parent message missing required field: type")
	}
	return &msg, nil
}

// DecodeWorker reads the next worker → coordinator message.
// Returns io.EOF when the stream ends cleanly.
func (d *Decoder) DecodeWorker() (*WorkerMessage, error) {
	line, err := d.next()
	if err != nil {
		return nil, err
	}

	var msg WorkerMessage
	if err := strictUnmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode worker message: %w", err)
	}
	if err := validateWorker(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (d *Decoder) next() ([]byte, error) {
	for d.scanner.Scan() {
		line := bytes.TrimSpace(d.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		return line, nil
	}
	if err := d.scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}
	return nil, io.EOF
}

func strictUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func validateWorker(msg *WorkerMessage) error {
	switch msg.Message {
	case Started, TaskFinished:
		return nil
	case TaskFailed:
		var te TaskError
		if len(msg.Data) == 0 {
			return errors.New("TASK_FAILED message has no error payload")
		}
		if err := json.Unmarshal(msg.Data, &te); err != nil {
			return fmt.Errorf("TASK_FAILED payload is not an error object: %w", err)
		}
		if te.Message == "" {
			return errors.New("TASK_FAILED message has no error message")
		}
		return nil
	case "":
		return errors.New("worker message missing required field: message")
	default:
		return fmt.Errorf("invalid worker message type: %q", msg.Message)
	}
}
