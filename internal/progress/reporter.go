package progress

import (
	"log/slog"
	"sync"
	"time"
)

const (
	defaultInterval  = 500 * time.Millisecond
	defaultByteDelta = 8 << 20
)

type sent struct {
	at    time.Time
	bytes int64
}

// Reporter throttles per-task samples and forwards the survivors to the
// Publisher. The first sample for a task and every terminal sample are always
// forwarded; intermediate samples are dropped unless the throttle interval
// has elapsed or enough new bytes arrived, whichever comes first. The newest
// dropped sample is held back and flushed once the interval expires, so a
// stalled stream still leaves observers with its latest byte count.
type Reporter struct {
	pub       Publisher
	interval  time.Duration
	byteDelta int64
	log       *slog.Logger
	now       func() time.Time
	schedule  func(d time.Duration, f func()) *time.Timer

	mu     sync.Mutex
	last   map[string]sent
	held   map[string]Sample
	timers map[string]*time.Timer
}

// NewReporter creates a Reporter forwarding to pub. A zero interval or byte
// delta selects the defaults.
func NewReporter(log *slog.Logger, pub Publisher, interval time.Duration, byteDelta int64) *Reporter {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = defaultInterval
	}
	if byteDelta <= 0 {
		byteDelta = defaultByteDelta
	}
	return &Reporter{
		pub:       pub,
		interval:  interval,
		byteDelta: byteDelta,
		log:       log,
		now:       time.Now,
		schedule:  time.AfterFunc,
		last:      make(map[string]sent),
		held:      make(map[string]Sample),
		timers:    make(map[string]*time.Timer),
	}
}

// Report applies the throttle policy to one sample and publishes it if it
// survives. Publish failures are logged and swallowed.
func (r *Reporter) Report(s Sample) {
	now := r.now()

	r.mu.Lock()
	prev, seen := r.last[s.TaskID]
	forward := !seen || s.Terminal() ||
		now.Sub(prev.at) >= r.interval ||
		s.BytesDone-prev.bytes >= r.byteDelta
	if forward {
		if s.Rate == 0 && seen && s.BytesDone > prev.bytes {
			if secs := now.Sub(prev.at).Seconds(); secs > 0 {
				s.Rate = float64(s.BytesDone-prev.bytes) / secs
			}
		}
		delete(r.held, s.TaskID)
		if tm, ok := r.timers[s.TaskID]; ok {
			tm.Stop()
			delete(r.timers, s.TaskID)
		}
		if s.Terminal() {
			delete(r.last, s.TaskID)
		} else {
			r.last[s.TaskID] = sent{at: now, bytes: s.BytesDone}
		}
	} else {
		r.held[s.TaskID] = s
		if _, ok := r.timers[s.TaskID]; !ok {
			delay := prev.at.Add(r.interval).Sub(now)
			if delay < 0 {
				delay = 0
			}
			id := s.TaskID
			r.timers[id] = r.schedule(delay, func() { r.flush(id) })
		}
	}
	r.mu.Unlock()

	if !forward || r.pub == nil {
		return
	}
	if err := r.pub.Publish(s); err != nil {
		r.log.Warn("publish progress sample", "task_id", s.TaskID, "err", err)
	}
}

// flush emits the held sample for a task unless a newer one was forwarded in
// the meantime.
func (r *Reporter) flush(id string) {
	r.mu.Lock()
	delete(r.timers, id)
	s, ok := r.held[id]
	if ok {
		delete(r.held, id)
		r.last[id] = sent{at: r.now(), bytes: s.BytesDone}
	}
	r.mu.Unlock()

	if !ok || r.pub == nil {
		return
	}
	if err := r.pub.Publish(s); err != nil {
		r.log.Warn("publish progress sample", "task_id", s.TaskID, "err", err)
	}
}
