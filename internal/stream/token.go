// Package stream provides the per-attempt cooperative control token shared
// between the queue coordinator and a transfer executor. The token is
// advisory: the executor checks it at chunk boundaries, so cancellation
// latency is bounded by one chunk read, never preemption.
package stream

import "sync/atomic"

// Token signals cancel/pause intent for a single download attempt. A fresh
// token is created for every attempt and never shared across attempts or
// tasks.
type Token struct {
	taskID string
	cancel atomic.Bool
	pause  atomic.Bool
}

func NewToken(taskID string) *Token {
	return &Token{taskID: taskID}
}

func (t *Token) TaskID() string { return t.taskID }

// RequestCancel records cancellation intent. It is honored by the executor at
// the next checkpoint.
func (t *Token) RequestCancel() { t.cancel.Store(true) }

// RequestPause records pause intent. Cancel takes precedence when both are set.
func (t *Token) RequestPause() { t.pause.Store(true) }

func (t *Token) CancelRequested() bool { return t.cancel.Load() }

func (t *Token) PauseRequested() bool { return t.pause.Load() }

// Interrupted reports whether either cancel or pause has been requested.
func (t *Token) Interrupted() bool { return t.cancel.Load() || t.pause.Load() }
