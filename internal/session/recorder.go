package session

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/wsh-dev/wsh/internal/logger"
)

// RecordEvent is the tagged union appended to a recording file. Exactly
// one of the pointer fields is set per record.
type RecordEvent struct {
	TimestampMs int64          `json:"timestamp_ms_from_start"`
	Start       *StartEvent    `json:"start,omitempty"`
	Output      []byte         `json:"output,omitempty"`
	Input       []byte         `json:"input,omitempty"`
	Resize      *ResizeEvent   `json:"resize,omitempty"`
	Exit        *ExitEvent     `json:"exit,omitempty"`
	Snapshot    *SnapshotEvent `json:"snapshot,omitempty"`
}

type StartEvent struct {
	Command string `json:"command"`
}

type ResizeEvent struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

type ExitEvent struct {
	Code int32 `json:"code"`
}

type SnapshotEvent struct {
	Label string `json:"label"`
}

// Recorder appends newline-delimited JSON records for a session. Write
// failures are logged and dropped: a broken recorder must never stall or
// kill the session it's attached to.
type Recorder struct {
	mu      sync.Mutex
	file    *os.File
	startAt time.Time
}

// NewRecorder creates (or truncates) path and returns a Recorder writing
// to it.
func NewRecorder(path string) (*Recorder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, err
	}
	return &Recorder{file: f, startAt: time.Now()}, nil
}

func (r *Recorder) elapsedMs() int64 {
	return time.Since(r.startAt).Milliseconds()
}

func (r *Recorder) append(ev RecordEvent) {
	ev.TimestampMs = r.elapsedMs()
	r.mu.Lock()
	defer r.mu.Unlock()
	b, err := json.Marshal(ev)
	if err != nil {
		logger.Warn("recorder marshal failed", "error", err)
		return
	}
	b = append(b, '\n')
	if _, err := r.file.Write(b); err != nil {
		logger.Warn("recorder write failed", "error", err)
	}
}

func (r *Recorder) Start(command string) { r.append(RecordEvent{Start: &StartEvent{Command: command}}) }
func (r *Recorder) Output(p []byte)      { r.append(RecordEvent{Output: p}) }
func (r *Recorder) Input(p []byte)       { r.append(RecordEvent{Input: p}) }
func (r *Recorder) Resize(cols, rows uint16) {
	r.append(RecordEvent{Resize: &ResizeEvent{Cols: cols, Rows: rows}})
}
func (r *Recorder) Exit(code int32)     { r.append(RecordEvent{Exit: &ExitEvent{Code: code}}) }
func (r *Recorder) Snapshot(label string) { r.append(RecordEvent{Snapshot: &SnapshotEvent{Label: label}}) }

// Close flushes and closes the underlying file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file.Close()
}
