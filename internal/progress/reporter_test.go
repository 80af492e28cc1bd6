package progress

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"modelfetch/internal/data"
)

type capturePublisher struct {
	samples []Sample
	err     error
}

func (c *capturePublisher) Publish(s Sample) error {
	c.samples = append(c.samples, s)
	return c.err
}

func testReporter(pub Publisher) (*Reporter, *time.Time) {
	r := NewReporter(slog.New(slog.NewTextHandler(io.Discard, nil)), pub, 100*time.Millisecond, 1<<30)
	now := time.Unix(0, 0)
	r.now = func() time.Time { return now }
	// The clock is faked, so trailing flushes are driven by hand instead of
	// by wall-time timers.
	r.schedule = func(d time.Duration, f func()) *time.Timer { return time.NewTimer(time.Hour) }
	return r, &now
}

func TestFirstSampleAlwaysForwarded(t *testing.T) {
	pub := &capturePublisher{}
	r, _ := testReporter(pub)

	r.Report(Sample{TaskID: "a", Status: data.StatusDownloading, BytesDone: 1})
	if len(pub.samples) != 1 {
		t.Fatalf("first sample dropped")
	}
}

func TestIntermediateSamplesThrottled(t *testing.T) {
	pub := &capturePublisher{}
	r, now := testReporter(pub)

	r.Report(Sample{TaskID: "a", Status: data.StatusDownloading, BytesDone: 1})
	*now = now.Add(10 * time.Millisecond)
	r.Report(Sample{TaskID: "a", Status: data.StatusDownloading, BytesDone: 2})
	*now = now.Add(10 * time.Millisecond)
	r.Report(Sample{TaskID: "a", Status: data.StatusDownloading, BytesDone: 3})
	if len(pub.samples) != 1 {
		t.Fatalf("expected throttle to drop middles, got %d samples", len(pub.samples))
	}

	*now = now.Add(200 * time.Millisecond)
	r.Report(Sample{TaskID: "a", Status: data.StatusDownloading, BytesDone: 4})
	if len(pub.samples) != 2 {
		t.Fatalf("expected forward after interval, got %d samples", len(pub.samples))
	}
}

func TestByteDeltaForcesForward(t *testing.T) {
	pub := &capturePublisher{}
	r, now := testReporter(pub)
	r.byteDelta = 100

	r.Report(Sample{TaskID: "a", Status: data.StatusDownloading, BytesDone: 0})
	*now = now.Add(time.Millisecond)
	r.Report(Sample{TaskID: "a", Status: data.StatusDownloading, BytesDone: 150})
	if len(pub.samples) != 2 {
		t.Fatalf("expected byte-delta forward, got %d samples", len(pub.samples))
	}
}

func TestThrottledSampleFlushedAfterGap(t *testing.T) {
	pub := &capturePublisher{}
	r, now := testReporter(pub)

	var flushes []func()
	r.schedule = func(d time.Duration, f func()) *time.Timer {
		flushes = append(flushes, f)
		return time.NewTimer(time.Hour)
	}

	r.Report(Sample{TaskID: "a", Status: data.StatusDownloading, BytesDone: 1})
	*now = now.Add(10 * time.Millisecond)
	r.Report(Sample{TaskID: "a", Status: data.StatusDownloading, BytesDone: 2})
	*now = now.Add(10 * time.Millisecond)
	r.Report(Sample{TaskID: "a", Status: data.StatusDownloading, BytesDone: 3})
	if len(pub.samples) != 1 {
		t.Fatalf("expected throttle to drop middles, got %d samples", len(pub.samples))
	}
	if len(flushes) != 1 {
		t.Fatalf("expected one scheduled flush, got %d", len(flushes))
	}

	// The stream stalls; when the interval expires the newest dropped sample
	// must still reach the publisher.
	*now = now.Add(100 * time.Millisecond)
	flushes[0]()
	if len(pub.samples) != 2 || pub.samples[1].BytesDone != 3 {
		t.Fatalf("trailing sample not flushed: %+v", pub.samples)
	}

	// The flush counts as a send, so the window restarts from it.
	r.Report(Sample{TaskID: "a", Status: data.StatusDownloading, BytesDone: 4})
	if len(pub.samples) != 2 {
		t.Fatalf("sample right after flush must be throttled, got %d", len(pub.samples))
	}
}

func TestFlushSupersededByForwardedSample(t *testing.T) {
	pub := &capturePublisher{}
	r, now := testReporter(pub)

	var flushes []func()
	r.schedule = func(d time.Duration, f func()) *time.Timer {
		flushes = append(flushes, f)
		return time.NewTimer(time.Hour)
	}

	r.Report(Sample{TaskID: "a", Status: data.StatusDownloading, BytesDone: 1})
	*now = now.Add(10 * time.Millisecond)
	r.Report(Sample{TaskID: "a", Status: data.StatusDownloading, BytesDone: 2})
	*now = now.Add(100 * time.Millisecond)
	r.Report(Sample{TaskID: "a", Status: data.StatusDownloading, BytesDone: 5})
	if len(pub.samples) != 2 {
		t.Fatalf("expected forward after interval, got %d samples", len(pub.samples))
	}

	// A late flush of the superseded sample is a no-op.
	for _, f := range flushes {
		f()
	}
	if len(pub.samples) != 2 {
		t.Fatalf("stale flush republished, got %d samples", len(pub.samples))
	}
}

func TestTerminalSamplesNeverDropped(t *testing.T) {
	pub := &capturePublisher{}
	r, _ := testReporter(pub)

	r.Report(Sample{TaskID: "a", Status: data.StatusDownloading, BytesDone: 1})
	r.Report(Sample{TaskID: "a", Status: data.StatusCancelled, BytesDone: 1})
	r.Report(Sample{TaskID: "b", Status: data.StatusFailed, Error: "NetworkExhausted"})
	if len(pub.samples) != 3 {
		t.Fatalf("terminal sample dropped, got %d samples", len(pub.samples))
	}
	if pub.samples[1].Status != data.StatusCancelled {
		t.Fatalf("unexpected second sample: %+v", pub.samples[1])
	}
}

func TestPublishErrorSwallowed(t *testing.T) {
	pub := &capturePublisher{err: errors.New("broken pipe")}
	r, _ := testReporter(pub)

	// Must not panic or propagate.
	r.Report(Sample{TaskID: "a", Status: data.StatusDownloading, BytesDone: 1})
	if len(pub.samples) != 1 {
		t.Fatalf("sample not attempted")
	}
}
