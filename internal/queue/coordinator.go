// Package queue owns download scheduling: FIFO admission, the bound on
// concurrently running transfers, lifecycle transitions and eviction of
// terminal tasks. All task mutations funnel through a single event loop so no
// two writers race on one task.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"modelfetch/internal/data"
	"modelfetch/internal/fp"
	"modelfetch/internal/metrics"
	"modelfetch/internal/progress"
	"modelfetch/internal/repo"
	"modelfetch/internal/stream"
	"modelfetch/internal/transfer"
)

// Runner executes one download attempt cycle. Satisfied by
// *transfer.Executor; tests substitute stubs.
type Runner interface {
	Run(ctx context.Context, att transfer.Attempt) transfer.Outcome
}

// Options tunes the coordinator. Zero values select defaults.
type Options struct {
	// MaxActive bounds concurrently running transfers.
	MaxActive int
	// Retention is how long terminal tasks stay listable before eviction.
	Retention time.Duration
	// SweepEvery is the eviction scan period.
	SweepEvery time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxActive <= 0 {
		o.MaxActive = 3
	}
	if o.Retention <= 0 {
		o.Retention = time.Hour
	}
	if o.SweepEvery <= 0 {
		o.SweepEvery = time.Minute
	}
	return o
}

type eventKind int

const (
	evProgress eventKind = iota
	evOutcome
)

type event struct {
	kind       eventKind
	taskID     string
	bytesDone  int64
	bytesTotal *int64
	outcome    transfer.Outcome
}

// Coordinator is the scheduling core. Public methods are safe for concurrent
// use; state transitions triggered by running transfers are applied by the
// single consumer inside Run.
type Coordinator struct {
	repo     repo.TaskRepo
	runner   Runner
	reporter *progress.Reporter
	log      *slog.Logger
	opts     Options
	now      func() time.Time

	events chan event

	mu      sync.Mutex
	ctx     context.Context          // run context once Run has started
	pending []string                 // queued task IDs, FIFO
	active  map[string]*stream.Token // running task ID -> control token
	destIdx map[string]string        // destination fingerprint -> task ID, non-terminal tasks only

	wg sync.WaitGroup
}

func New(log *slog.Logger, taskRepo repo.TaskRepo, runner Runner, reporter *progress.Reporter, opts Options) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		repo:     taskRepo,
		runner:   runner,
		reporter: reporter,
		log:      log.With("operation_id", uuid.NewString()),
		opts:     opts.withDefaults(),
		now:      time.Now,
		ctx:      context.Background(),
		events:   make(chan event, 64),
		active:   make(map[string]*stream.Token),
		destIdx:  make(map[string]string),
	}
}

// Run drives the event loop until ctx is cancelled, then requests cancel on
// every running transfer and drains their outcomes before returning.
func (c *Coordinator) Run(ctx context.Context) error {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()

	if err := c.recover(ctx); err != nil {
		return fmt.Errorf("recover task table: %w", err)
	}
	c.promote()

	sweep := time.NewTicker(c.opts.SweepEvery)
	defer sweep.Stop()

	draining := false
	for {
		select {
		case <-ctx.Done():
			if !draining {
				draining = true
				c.mu.Lock()
				for _, tok := range c.active {
					tok.RequestCancel()
				}
				n := len(c.active)
				c.mu.Unlock()
				c.log.Info("shutting down", "active", n)
			}
			c.mu.Lock()
			empty := len(c.active) == 0
			c.mu.Unlock()
			if empty {
				c.wg.Wait()
				return nil
			}
			e := <-c.events
			c.handle(e)
		case e := <-c.events:
			c.handle(e)
		case <-sweep.C:
			c.sweep()
		}
	}
}

// recover repairs state left by an unclean shutdown: transfers that were
// running have no .part file worth keeping, so they are marked failed; queued
// tasks rejoin the FIFO in their original admission order. Tasks already
// scheduled in this process, admitted before Run started, are left alone.
func (c *Coordinator) recover(ctx context.Context) error {
	tasks, err := c.repo.List(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range tasks {
		switch t.Status {
		case data.StatusDownloading:
			if _, ok := c.active[t.ID]; ok {
				continue
			}
			now := c.now()
			_, err := c.repo.Update(ctx, t.ID, func(t *data.Task) error {
				t.Status = data.StatusFailed
				t.FinishedAt = &now
				t.LastError = &data.TaskError{Kind: data.FailDisk, Message: "interrupted by restart"}
				return nil
			})
			if err != nil {
				c.log.Error("mark interrupted task failed", "id", t.ID, "err", err)
			}
		case data.StatusQueued:
			fpr := fp.Fingerprint(t.Destination)
			if _, ok := c.destIdx[fpr]; ok {
				continue
			}
			c.pending = append(c.pending, t.ID)
			c.destIdx[fpr] = t.ID
		case data.StatusPaused:
			c.destIdx[fp.Fingerprint(t.Destination)] = t.ID
		}
	}
	return nil
}

// Enqueue validates and admits a new task at the FIFO tail.
func (c *Coordinator) Enqueue(ctx context.Context, t *data.Task) (*data.Task, error) {
	src := strings.TrimSpace(t.Source)
	u, err := url.Parse(src)
	if err != nil || src == "" || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, data.ErrInvalidSource
	}
	dest := fp.NormalizeDestination(t.Destination)
	if dest == "" || dest == "." {
		return nil, data.ErrInvalidDestination
	}
	if t.ExpectedSize != nil && *t.ExpectedSize < 0 {
		return nil, data.ErrInvalidDestination
	}

	fingerprint := fp.Fingerprint(dest)

	task := &data.Task{
		ID:             uuid.NewString(),
		Source:         src,
		Destination:    dest,
		ExpectedSize:   t.ExpectedSize,
		ExpectedSHA256: strings.ToLower(strings.TrimSpace(t.ExpectedSHA256)),
		Status:         data.StatusQueued,
		QueuedAt:       c.now(),
	}

	// Reserve the destination before the repo write so two concurrent
	// enqueues for the same path cannot both pass the duplicate check. The
	// task joins the FIFO only once the write has landed.
	c.mu.Lock()
	if _, exists := c.destIdx[fingerprint]; exists {
		c.mu.Unlock()
		return nil, data.ErrDuplicateDestination
	}
	c.destIdx[fingerprint] = task.ID
	c.mu.Unlock()

	saved, err := c.repo.Add(ctx, task)
	if err != nil {
		c.mu.Lock()
		delete(c.destIdx, fingerprint)
		c.mu.Unlock()
		return nil, err
	}

	c.mu.Lock()
	c.pending = append(c.pending, task.ID)
	c.mu.Unlock()
	metrics.DownloadEvents.WithLabelValues("queued").Inc()
	c.log.Info("task queued", "id", saved.ID, "source", saved.Source, "destination", saved.Destination)
	c.promote()
	return saved, nil
}

func (c *Coordinator) List(ctx context.Context) (data.Tasks, error) {
	return c.repo.List(ctx)
}

func (c *Coordinator) Get(ctx context.Context, id string) (*data.Task, error) {
	return c.repo.Get(ctx, id)
}

// Cancel stops a task wherever it currently is: a running transfer is asked
// to stop at its next checkpoint, a queued task is unscheduled and a paused
// task goes terminal immediately. Cancelling a terminal task is an error.
//
// Dispatch reads the scheduling maps under the lock, not the stored status:
// a repo snapshot can go stale against a concurrent promotion, the maps
// cannot. The repo mutation is then guarded by a from-state check so a task
// never leaves a terminal state.
func (c *Coordinator) Cancel(ctx context.Context, id string) (*data.Task, error) {
	c.mu.Lock()
	if tok, ok := c.active[id]; ok {
		c.mu.Unlock()
		tok.RequestCancel()
		// The terminal transition lands when the executor reports back.
		return c.repo.Get(ctx, id)
	}
	if c.removePendingLocked(id) {
		c.mu.Unlock()
		t, err := c.finalize(ctx, id, data.StatusQueued, data.StatusCancelled,
			&data.TaskError{Kind: data.FailCancelled, Message: "cancelled while queued"})
		if err != nil {
			return nil, err
		}
		c.releaseDest(t.Destination)
		return t, nil
	}
	c.mu.Unlock()

	t, err := c.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != data.StatusPaused {
		return nil, data.ErrInvalidState
	}
	t, err = c.finalize(ctx, id, data.StatusPaused, data.StatusCancelled,
		&data.TaskError{Kind: data.FailCancelled, Message: "cancelled while paused"})
	if err != nil {
		return nil, err
	}
	c.releaseDest(t.Destination)
	return t, nil
}

// Pause takes a task out of scheduling. A running transfer is aborted at its
// next checkpoint and its partial data discarded; a queued task is simply
// unscheduled.
func (c *Coordinator) Pause(ctx context.Context, id string) (*data.Task, error) {
	c.mu.Lock()
	if tok, ok := c.active[id]; ok {
		c.mu.Unlock()
		tok.RequestPause()
		return c.repo.Get(ctx, id)
	}
	if c.removePendingLocked(id) {
		c.mu.Unlock()
		updated, err := c.repo.Update(ctx, id, func(t *data.Task) error {
			if t.Status != data.StatusQueued {
				return data.ErrInvalidState
			}
			t.Status = data.StatusPaused
			return nil
		})
		if err != nil {
			return nil, err
		}
		metrics.DownloadEvents.WithLabelValues("paused").Inc()
		return updated, nil
	}
	c.mu.Unlock()

	if _, err := c.repo.Get(ctx, id); err != nil {
		return nil, err
	}
	return nil, data.ErrInvalidState
}

// Resume re-admits a paused task at the FIFO tail. The next attempt restarts
// from byte zero. The guarded update means only one caller can win a race to
// resume; the loser sees ErrInvalidState.
func (c *Coordinator) Resume(ctx context.Context, id string) (*data.Task, error) {
	updated, err := c.repo.Update(ctx, id, func(t *data.Task) error {
		if t.Status != data.StatusPaused {
			return data.ErrInvalidState
		}
		t.Status = data.StatusQueued
		t.BytesDone = 0
		t.LastError = nil
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.pending = append(c.pending, id)
	c.mu.Unlock()
	metrics.DownloadEvents.WithLabelValues("resumed").Inc()
	c.promote()
	return updated, nil
}

// Remove deletes a task record. Only queued and terminal tasks may be
// removed; running and paused tasks must be cancelled first.
func (c *Coordinator) Remove(ctx context.Context, id string) error {
	c.mu.Lock()
	if _, ok := c.active[id]; ok {
		c.mu.Unlock()
		return data.ErrInvalidState
	}
	if c.removePendingLocked(id) {
		c.mu.Unlock()
		t, err := c.repo.Get(ctx, id)
		if err != nil {
			return err
		}
		if err := c.repo.Delete(ctx, id); err != nil {
			return err
		}
		c.releaseDest(t.Destination)
		c.log.Info("task removed", "id", id, "status", string(t.Status))
		return nil
	}
	c.mu.Unlock()

	t, err := c.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if !t.Status.Terminal() {
		return data.ErrInvalidState
	}
	if err := c.repo.Delete(ctx, id); err != nil {
		return err
	}
	c.log.Info("task removed", "id", id, "status", string(t.Status))
	return nil
}

// promote fills free transfer slots from the FIFO head.
func (c *Coordinator) promote() {
	type slot struct {
		id  string
		tok *stream.Token
	}
	var starts []slot

	c.mu.Lock()
	for len(c.active) < c.opts.MaxActive && len(c.pending) > 0 {
		id := c.pending[0]
		c.pending = c.pending[1:]
		tok := stream.NewToken(id)
		c.active[id] = tok
		starts = append(starts, slot{id: id, tok: tok})
	}
	c.mu.Unlock()

	for _, s := range starts {
		c.start(s.id, s.tok)
	}
}

func (c *Coordinator) start(id string, tok *stream.Token) {
	now := c.now()
	t, err := c.repo.Update(c.runCtx(), id, func(t *data.Task) error {
		if t.Status != data.StatusQueued {
			return data.ErrInvalidState
		}
		t.Status = data.StatusDownloading
		t.StartedAt = &now
		t.BytesDone = 0
		return nil
	})
	if err != nil {
		c.log.Error("mark task downloading", "id", id, "err", err)
		c.mu.Lock()
		delete(c.active, id)
		c.mu.Unlock()
		return
	}
	metrics.DownloadEvents.WithLabelValues("started").Inc()
	metrics.ActiveDownloads.Inc()
	c.report(progress.Sample{TaskID: id, Status: data.StatusDownloading, BytesTotal: t.BytesTotal})
	c.log.Info("task started", "id", id, "source", t.Source)

	att := transfer.Attempt{
		TaskID:         t.ID,
		Source:         t.Source,
		Destination:    t.Destination,
		ExpectedSize:   t.ExpectedSize,
		ExpectedSHA256: t.ExpectedSHA256,
		Token:          tok,
		Progress: func(done int64, total *int64) {
			c.events <- event{kind: evProgress, taskID: id, bytesDone: done, bytesTotal: total}
		},
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		out := c.runner.Run(c.runCtx(), att)
		c.events <- event{kind: evOutcome, taskID: id, outcome: out}
	}()
}

func (c *Coordinator) handle(e event) {
	switch e.kind {
	case evProgress:
		c.applyProgress(e)
	case evOutcome:
		c.applyOutcome(e)
	}
}

func (c *Coordinator) applyProgress(e event) {
	t, err := c.repo.Update(c.runCtx(), e.taskID, func(t *data.Task) error {
		if t.Status != data.StatusDownloading {
			return data.ErrInvalidState
		}
		if e.bytesDone > t.BytesDone {
			t.BytesDone = e.bytesDone
		}
		if e.bytesTotal != nil {
			t.BytesTotal = e.bytesTotal
		}
		return nil
	})
	if err != nil {
		// Stale sample from a transfer that already reported its outcome.
		return
	}
	c.report(progress.Sample{
		TaskID:     t.ID,
		Status:     t.Status,
		BytesDone:  t.BytesDone,
		BytesTotal: t.BytesTotal,
	})
}

func (c *Coordinator) applyOutcome(e event) {
	out := e.outcome

	var (
		status data.TaskStatus
		label  string
		terr   *data.TaskError
	)
	switch {
	case out.Success:
		status, label = data.StatusCompleted, "completed"
	case out.Kind == data.FailPaused:
		status, label = data.StatusPaused, "paused"
		terr = &data.TaskError{Kind: data.FailPaused, Message: "paused by request"}
	case out.Kind == data.FailCancelled:
		status, label = data.StatusCancelled, "cancelled"
		terr = &data.TaskError{Kind: data.FailCancelled, Message: "cancelled by request"}
	default:
		status, label = data.StatusFailed, "failed"
		msg := string(out.Kind)
		if out.Err != nil {
			msg = out.Err.Error()
		}
		terr = &data.TaskError{Kind: out.Kind, Message: msg}
	}

	now := c.now()
	t, err := c.repo.Update(c.runCtx(), e.taskID, func(t *data.Task) error {
		// Outcomes only apply to tasks still marked running; a task that was
		// finalized through another path keeps its terminal state.
		if t.Status != data.StatusDownloading {
			return data.ErrInvalidState
		}
		t.Status = status
		t.RetryCount = out.Retries
		if out.Success {
			t.BytesDone = out.BytesWritten
			t.LastError = nil
		} else {
			t.LastError = terr
			if status == data.StatusPaused {
				t.BytesDone = 0
			}
		}
		if status.Terminal() {
			t.FinishedAt = &now
		}
		return nil
	})
	if err != nil {
		c.log.Error("apply outcome", "id", e.taskID, "status", string(status), "err", err)
	}

	c.mu.Lock()
	delete(c.active, e.taskID)
	if t != nil && status.Terminal() {
		delete(c.destIdx, fp.Fingerprint(t.Destination))
	}
	c.mu.Unlock()

	if t != nil {
		metrics.DownloadEvents.WithLabelValues(label).Inc()
	}
	metrics.ActiveDownloads.Dec()

	if t != nil {
		sample := progress.Sample{
			TaskID:     t.ID,
			Status:     t.Status,
			BytesDone:  t.BytesDone,
			BytesTotal: t.BytesTotal,
		}
		if t.LastError != nil {
			sample.Error = t.LastError.Message
		}
		c.report(sample)
		c.log.Info("task finished attempt cycle",
			"id", t.ID, "status", string(t.Status), "retries", out.Retries, "bytes", out.BytesWritten)
	}

	c.promote()
}

// sweep evicts terminal tasks older than the retention window.
func (c *Coordinator) sweep() {
	ctx := c.runCtx()
	tasks, err := c.repo.List(ctx)
	if err != nil {
		c.log.Error("retention sweep list", "err", err)
		return
	}
	cutoff := c.now().Add(-c.opts.Retention)
	for _, t := range tasks {
		if !t.Status.Terminal() || t.FinishedAt == nil || t.FinishedAt.After(cutoff) {
			continue
		}
		if err := c.repo.Delete(ctx, t.ID); err != nil {
			c.log.Error("retention sweep delete", "id", t.ID, "err", err)
			continue
		}
		c.log.Info("evicted terminal task", "id", t.ID, "status", string(t.Status))
	}
}

// finalize settles a task with a from-state guard, so a stale caller can
// never overwrite a transition that already won.
func (c *Coordinator) finalize(ctx context.Context, id string, from, status data.TaskStatus, terr *data.TaskError) (*data.Task, error) {
	now := c.now()
	t, err := c.repo.Update(ctx, id, func(t *data.Task) error {
		if t.Status != from {
			return data.ErrInvalidState
		}
		t.Status = status
		t.LastError = terr
		if status.Terminal() {
			t.FinishedAt = &now
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.DownloadEvents.WithLabelValues(strings.ToLower(string(status))).Inc()
	c.report(progress.Sample{TaskID: id, Status: status, BytesDone: t.BytesDone, BytesTotal: t.BytesTotal})
	return t, nil
}

func (c *Coordinator) report(s progress.Sample) {
	if c.reporter != nil {
		c.reporter.Report(s)
	}
}

// removePendingLocked takes id out of the FIFO and reports whether it was
// there. Callers hold c.mu.
func (c *Coordinator) removePendingLocked(id string) bool {
	for i, p := range c.pending {
		if p == id {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return true
		}
	}
	return false
}

func (c *Coordinator) releaseDest(dest string) {
	c.mu.Lock()
	delete(c.destIdx, fp.Fingerprint(dest))
	c.mu.Unlock()
}

// runCtx returns the context Run was started with, or Background before Run.
func (c *Coordinator) runCtx() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx
}
