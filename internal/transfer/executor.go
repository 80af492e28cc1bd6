// Package transfer executes single download attempts end-to-end: connection,
// auth headers, streamed read into a .part staging file, integrity
// verification and the transient-failure retry loop. It is stateless across
// calls; all per-task state lives with the queue coordinator.
package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"modelfetch/internal/creds"
	"modelfetch/internal/data"
	"modelfetch/internal/metrics"
	"modelfetch/internal/stream"
)

// Options configures executor behavior. Zero values select defaults.
type Options struct {
	// MaxRetries bounds the total number of attempts on transient failure.
	MaxRetries int
	// ChunkBytes is the read buffer size; cancellation latency is bounded by
	// one chunk read.
	ChunkBytes int
	// BaseBackoff seeds the capped exponential backoff between attempts.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// Timeout is the per-attempt wall-clock bound enforced by the HTTP
	// client. A timeout is classified as a retryable transient failure.
	Timeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.ChunkBytes <= 0 {
		o.ChunkBytes = 1 << 20
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 15 * time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Minute
	}
	return o
}

// Attempt describes one task handed to the executor. The executor must not
// retain it past Run.
type Attempt struct {
	TaskID         string
	Source         string
	Destination    string
	ExpectedSize   *int64
	ExpectedSHA256 string
	Token          *stream.Token
	// Progress is invoked after every chunk with cumulative bytes and the
	// total from Content-Length when known. May be nil.
	Progress func(bytesDone int64, bytesTotal *int64)
}

// Outcome is the single terminal result of Run.
type Outcome struct {
	Success      bool
	BytesWritten int64
	// Retries is the number of failed attempts charged against the retry
	// budget.
	Retries int
	Kind    data.FailureKind
	Err     error
}

// Executor performs HTTP(S) downloads. Safe for concurrent use; each Run call
// is independent.
type Executor struct {
	client *http.Client
	creds  creds.TokenSource
	opts   Options
	log    *slog.Logger

	sleep func(ctx context.Context, tok *stream.Token, d time.Duration) error
}

func NewExecutor(src creds.TokenSource, opts Options, log *slog.Logger) *Executor {
	opts = opts.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	transport := &http.Transport{
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
		DisableCompression:  true,
	}
	return &Executor{
		client: &http.Client{Transport: transport, Timeout: opts.Timeout},
		creds:  src,
		opts:   opts,
		log:    log,
		sleep:  sleepCtx,
	}
}

// attemptError classifies one failed attempt.
type attemptError struct {
	kind      data.FailureKind
	transient bool
	err       error
}

func (e *attemptError) Error() string { return fmt.Sprintf("%s: %v", e.kind, e.err) }

// Run executes one download end-to-end, including internal retries for
// transient errors, and returns a single terminal outcome. Executor-level
// failures never escape as panics; they are captured in the Outcome.
func (e *Executor) Run(ctx context.Context, att Attempt) Outcome {
	start := time.Now()
	defer func() { metrics.AttemptDuration.Observe(time.Since(start).Seconds()) }()

	token := ""
	if e.creds != nil {
		t, err := e.creds.Token(ctx)
		if err != nil {
			return Outcome{Kind: data.FailAuth, Err: err}
		}
		token = t
	}

	retries := 0
	refreshed := false
	for {
		bytes, aerr := e.attemptOnce(ctx, att, token)
		if aerr == nil {
			return Outcome{Success: true, BytesWritten: bytes, Retries: retries}
		}
		e.log.Warn("attempt failed",
			"task_id", att.TaskID, "kind", string(aerr.kind), "retries", retries, "err", aerr.err)

		if aerr.kind == data.FailAuth {
			// Exactly one credential refresh per task; the extra request is
			// charged against the retry budget.
			if refreshed || e.creds == nil {
				return Outcome{Retries: retries, Kind: data.FailAuth, Err: aerr.err}
			}
			nt, err := e.creds.Refresh(ctx)
			if err != nil {
				return Outcome{Retries: retries, Kind: data.FailAuth, Err: err}
			}
			token = nt
			refreshed = true
			retries++
			if retries >= e.opts.MaxRetries {
				return Outcome{Retries: retries, Kind: data.FailAuth, Err: aerr.err}
			}
			continue
		}

		if !aerr.transient {
			return Outcome{Retries: retries, Kind: aerr.kind, Err: aerr.err}
		}

		retries++
		if retries >= e.opts.MaxRetries {
			return Outcome{Retries: retries, Kind: data.FailNetworkExhausted, Err: aerr.err}
		}
		metrics.RetryAttempts.Inc()
		// The wait wakes early when the token is flagged; the next attempt's
		// leading checkpoint then turns the flag into the right outcome.
		if err := e.sleep(ctx, att.Token, e.backoff(retries)); err != nil {
			return Outcome{Retries: retries, Kind: data.FailCancelled, Err: err}
		}
	}
}

// attemptOnce streams the response body to <destination>.part and finalizes
// it. Each fresh attempt restarts from byte 0; there is no partial resume
// across attempts.
func (e *Executor) attemptOnce(ctx context.Context, att Attempt, token string) (int64, *attemptError) {
	if aerr := interrupted(att.Token); aerr != nil {
		return 0, aerr
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, att.Source, nil)
	if err != nil {
		return 0, &attemptError{kind: data.FailRequest, err: err}
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		// Timeouts, connection resets and DNS hiccups all land here.
		return 0, &attemptError{kind: data.FailNetworkExhausted, transient: true, err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if aerr := classifyStatus(resp.StatusCode); aerr != nil {
		return 0, aerr
	}

	var total *int64
	if resp.ContentLength >= 0 {
		v := resp.ContentLength
		total = &v
	}
	if att.Progress != nil {
		att.Progress(0, total)
	}

	part := att.Destination + ".part"
	if err := os.MkdirAll(filepath.Dir(att.Destination), 0o755); err != nil {
		return 0, &attemptError{kind: data.FailDisk, err: err}
	}
	f, err := os.OpenFile(part, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, &attemptError{kind: data.FailDisk, err: err}
	}

	discard := func(aerr *attemptError) (int64, *attemptError) {
		_ = f.Close()
		_ = os.Remove(part)
		return 0, aerr
	}

	hasher := sha256.New()
	buf := make([]byte, e.opts.ChunkBytes)
	var written int64
	for {
		if aerr := interrupted(att.Token); aerr != nil {
			return discard(aerr)
		}
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return discard(&attemptError{kind: data.FailDisk, err: werr})
			}
			_, _ = hasher.Write(buf[:n])
			written += int64(n)
			metrics.BytesDownloaded.Add(float64(n))
			if att.Progress != nil {
				att.Progress(written, total)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return discard(&attemptError{kind: data.FailNetworkExhausted, transient: true, err: rerr})
		}
	}

	if err := f.Close(); err != nil {
		_ = os.Remove(part)
		return 0, &attemptError{kind: data.FailDisk, err: err}
	}

	if aerr := verify(att, written, total, hasher.Sum(nil)); aerr != nil {
		_ = os.Remove(part)
		return 0, aerr
	}

	if err := os.Rename(part, att.Destination); err != nil {
		_ = os.Remove(part)
		return 0, &attemptError{kind: data.FailDisk, err: err}
	}
	return written, nil
}

func verify(att Attempt, written int64, total *int64, sum []byte) *attemptError {
	if total != nil && written != *total {
		return &attemptError{kind: data.FailIntegrity,
			err: fmt.Errorf("size mismatch: wrote %d of %d bytes", written, *total)}
	}
	if att.ExpectedSize != nil && written != *att.ExpectedSize {
		return &attemptError{kind: data.FailIntegrity,
			err: fmt.Errorf("size mismatch: wrote %d, expected %d", written, *att.ExpectedSize)}
	}
	// An empty body with unknown length is only acceptable when the caller
	// explicitly expects an empty file.
	if written == 0 && total == nil {
		if att.ExpectedSize == nil || *att.ExpectedSize != 0 {
			return &attemptError{kind: data.FailIntegrity, err: errors.New("empty response with unknown length")}
		}
	}
	if att.ExpectedSHA256 != "" {
		got := hex.EncodeToString(sum)
		if got != att.ExpectedSHA256 {
			return &attemptError{kind: data.FailIntegrity,
				err: fmt.Errorf("sha256 mismatch: got %s, expected %s", got, att.ExpectedSHA256)}
		}
	}
	return nil
}

func interrupted(tok *stream.Token) *attemptError {
	if tok == nil {
		return nil
	}
	if tok.CancelRequested() {
		return &attemptError{kind: data.FailCancelled, err: errors.New("cancel requested")}
	}
	if tok.PauseRequested() {
		return &attemptError{kind: data.FailPaused, err: errors.New("pause requested")}
	}
	return nil
}

func classifyStatus(code int) *attemptError {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized:
		return &attemptError{kind: data.FailAuth, err: fmt.Errorf("http %d", code)}
	case code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500:
		return &attemptError{kind: data.FailNetworkExhausted, transient: true, err: fmt.Errorf("http %d", code)}
	default:
		return &attemptError{kind: data.FailRequest, err: fmt.Errorf("http %d", code)}
	}
}

// backoff computes the delay before retry n (1-based): capped exponential
// with 0.5x-1.5x jitter.
func (e *Executor) backoff(n int) time.Duration {
	d := e.opts.BaseBackoff * time.Duration(1<<uint(n-1))
	if d > e.opts.MaxBackoff {
		d = e.opts.MaxBackoff
	}
	return time.Duration(float64(d) * (0.5 + rand.Float64()))
}

func sleepCtx(ctx context.Context, tok *stream.Token, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	poll := time.NewTicker(50 * time.Millisecond)
	defer poll.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		case <-poll.C:
			if tok != nil && tok.Interrupted() {
				return nil
			}
		}
	}
}
