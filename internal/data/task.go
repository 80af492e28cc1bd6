package data

import (
	"encoding/json"
	"io"
	"time"
)

// Task is one requested download, tracked from enqueue until it is evicted
// after reaching a terminal state.
type Task struct {
	ID             string      `json:"id"`
	Source         string      `json:"source"`
	Destination    string      `json:"destination"`
	ExpectedSize   *int64      `json:"expectedSize,omitempty"`
	ExpectedSHA256 string      `json:"expectedSha256,omitempty"`
	Status         TaskStatus  `json:"status"`
	BytesDone      int64       `json:"bytesDownloaded"`
	BytesTotal     *int64      `json:"bytesTotal,omitempty"`
	RetryCount     int         `json:"retryCount"`
	LastError      *TaskError  `json:"lastError,omitempty"`
	QueuedAt       time.Time   `json:"queuedAt"`
	StartedAt      *time.Time  `json:"startedAt,omitempty"`
	FinishedAt     *time.Time  `json:"finishedAt,omitempty"`
}

type Tasks []*Task

type TaskStatus string

const (
	StatusQueued      TaskStatus = "Queued"
	StatusDownloading TaskStatus = "Downloading"
	StatusPaused      TaskStatus = "Paused"
	StatusCompleted   TaskStatus = "Completed"
	StatusFailed      TaskStatus = "Failed"
	StatusCancelled   TaskStatus = "Cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// FailureKind classifies why an attempt ended without success. It is recorded
// on the task so callers can distinguish retryable-exhausted from
// non-retryable causes.
type FailureKind string

const (
	FailCancelled        FailureKind = "Cancelled"
	FailPaused           FailureKind = "Paused"
	FailNetworkExhausted FailureKind = "NetworkExhausted"
	FailAuth             FailureKind = "AuthFailed"
	FailIntegrity        FailureKind = "IntegrityError"
	FailDisk             FailureKind = "DiskError"
	FailRequest          FailureKind = "RequestError"
)

// TaskError is the user-visible record of the last failure.
type TaskError struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.ExpectedSize != nil {
		v := *t.ExpectedSize
		cp.ExpectedSize = &v
	}
	if t.BytesTotal != nil {
		v := *t.BytesTotal
		cp.BytesTotal = &v
	}
	if t.LastError != nil {
		e := *t.LastError
		cp.LastError = &e
	}
	if t.StartedAt != nil {
		ts := *t.StartedAt
		cp.StartedAt = &ts
	}
	if t.FinishedAt != nil {
		ts := *t.FinishedAt
		cp.FinishedAt = &ts
	}
	return &cp
}

func (ts Tasks) Clone() Tasks {
	out := make(Tasks, len(ts))
	for i, t := range ts {
		out[i] = t.Clone()
	}
	return out
}

func (ts *Tasks) ToJSON(w io.Writer) error { return json.NewEncoder(w).Encode(ts) }

func (t *Task) ToJSON(w io.Writer) error { return json.NewEncoder(w).Encode(t) }

func (t *Task) FromJSON(r io.Reader) error { return json.NewDecoder(r).Decode(t) }
