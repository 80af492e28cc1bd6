// Package progress decouples the executor's synchronous write loop from the
// cost of broadcasting. Samples are throttled per task so UI update volume is
// bounded independent of network speed.
package progress

import "modelfetch/internal/data"

// Sample is a transient snapshot of one task's transfer state. It is produced
// by the executor or coordinator, forwarded by the Reporter and discarded
// after broadcast. Samples are idempotent; at-least-once delivery is fine.
type Sample struct {
	TaskID     string          `json:"taskId"`
	Status     data.TaskStatus `json:"status"`
	BytesDone  int64           `json:"bytesDownloaded"`
	BytesTotal *int64          `json:"bytesTotal,omitempty"`

	// Rate is the instantaneous transfer rate in bytes/sec, 0 when unknown.
	Rate  float64 `json:"rate"`
	Error string  `json:"error,omitempty"`
}

// Terminal reports whether this sample carries a terminal state and must
// never be dropped by throttling.
func (s Sample) Terminal() bool {
	return s.Status.Terminal()
}

// Publisher is the external broadcast channel. Publish is fire-and-forget;
// failures are logged by the Reporter and never abort a download.
type Publisher interface {
	Publish(Sample) error
}

// ChanPublisher writes samples to a channel. Used in tests and for in-process
// observers.
type ChanPublisher struct {
	ch chan<- Sample
}

func NewChanPublisher(ch chan<- Sample) *ChanPublisher { return &ChanPublisher{ch: ch} }

func (p *ChanPublisher) Publish(s Sample) error {
	if p == nil {
		return nil
	}
	p.ch <- s
	return nil
}
