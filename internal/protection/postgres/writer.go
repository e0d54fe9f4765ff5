// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package postgres

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel/trace"

	"github.com/holomush/chestlock/internal/protection"
	"github.com/holomush/chestlock/pkg/errutil"
)

type writeOp string

const (
	opSave    writeOp = "save"
	opRemove  writeOp = "remove"
	opBarrier writeOp = "barrier"
)

type writeJob struct {
	id     ulid.ULID
	op     writeOp
	key    protection.Key
	record *protection.Protection
	// span links worker logs to the submitting request.
	span trace.SpanContext
	// applied runs on the worker after a successful write, before done.
	applied func()
	// done receives the final result when non-nil.
	done chan error
}

type applyFunc func(ctx context.Context, job writeJob) error

// writer applies durable writes on background workers. Jobs for the same key
// always land on the same worker, so they are applied in submission order.
type writer struct {
	apply   applyFunc
	logger  *slog.Logger
	timeout time.Duration
	retries uint64
	backoff time.Duration

	queues []chan writeJob
	wg     sync.WaitGroup

	// sendMu is held for reading while sending so close never races a send.
	sendMu sync.RWMutex
	closed bool

	pendingMu sync.Mutex
	pending   map[string]int
}

func newWriter(apply applyFunc, cfg writerConfig, logger *slog.Logger) *writer {
	w := &writer{
		apply:   apply,
		logger:  logger,
		timeout: cfg.timeout,
		retries: cfg.retries,
		backoff: cfg.backoff,
		queues:  make([]chan writeJob, cfg.workers),
		pending: make(map[string]int),
	}
	for i := range w.queues {
		w.queues[i] = make(chan writeJob, cfg.queueSize)
		w.wg.Add(1)
		go w.run(w.queues[i])
	}
	return w
}

type writerConfig struct {
	workers   int
	queueSize int
	timeout   time.Duration
	retries   uint64
	backoff   time.Duration
}

// enqueue submits a write. It blocks while the key's queue is full.
func (w *writer) enqueue(job writeJob) error {
	w.sendMu.RLock()
	defer w.sendMu.RUnlock()
	if w.closed {
		return oops.Code("STORE_CLOSED").With("key", job.key.String()).Wrap(protection.ErrStoreClosed)
	}
	job.id = ulid.Make()
	name := job.key.String()
	w.pendingMu.Lock()
	w.pending[name]++
	w.pendingMu.Unlock()
	queueDepth.Inc()
	w.queues[w.route(name)] <- job
	return nil
}

// isPending reports whether a write for key is queued or in flight.
func (w *writer) isPending(name string) bool {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()
	return w.pending[name] > 0
}

// pendingKeys returns a snapshot of every key with an outstanding write.
func (w *writer) pendingKeys() map[string]struct{} {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()
	keys := make(map[string]struct{}, len(w.pending))
	for name := range w.pending {
		keys[name] = struct{}{}
	}
	return keys
}

// drain waits until every write submitted before the call has been applied.
func (w *writer) drain(ctx context.Context) error {
	w.sendMu.RLock()
	if w.closed {
		w.sendMu.RUnlock()
		return nil
	}
	barriers := make([]chan error, len(w.queues))
	for i, q := range w.queues {
		barriers[i] = make(chan error, 1)
		q <- writeJob{op: opBarrier, done: barriers[i]}
	}
	w.sendMu.RUnlock()

	for _, b := range barriers {
		select {
		case <-b:
		case <-ctx.Done():
			return oops.With("operation", "drain writes").Wrap(ctx.Err())
		}
	}
	return nil
}

// close stops accepting writes and waits for the queues to empty.
func (w *writer) close() {
	w.sendMu.Lock()
	if w.closed {
		w.sendMu.Unlock()
		return
	}
	w.closed = true
	for _, q := range w.queues {
		close(q)
	}
	w.sendMu.Unlock()
	w.wg.Wait()
}

func (w *writer) route(name string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return int(h.Sum32() % uint32(len(w.queues)))
}

func (w *writer) run(queue <-chan writeJob) {
	defer w.wg.Done()
	for job := range queue {
		if job.op == opBarrier {
			job.done <- nil
			continue
		}
		err := w.process(job)
		if err == nil && job.applied != nil {
			job.applied()
		}
		w.finish(job)
		if job.done != nil {
			job.done <- err
		}
	}
}

func (w *writer) finish(job writeJob) {
	name := job.key.String()
	w.pendingMu.Lock()
	if w.pending[name]--; w.pending[name] <= 0 {
		delete(w.pending, name)
	}
	w.pendingMu.Unlock()
	queueDepth.Dec()
}

func (w *writer) process(job writeJob) error {
	ctx, cancel := context.WithTimeout(trace.ContextWithSpanContext(context.Background(), job.span), w.timeout)
	defer cancel()

	start := time.Now()
	attempt := 0
	backoff := retry.WithMaxRetries(w.retries, retry.NewExponential(w.backoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := w.apply(ctx, job)
		if err == nil {
			return nil
		}
		if retryable(err) {
			w.logger.DebugContext(ctx, "durable write failed, retrying",
				"key", job.key.String(), "op", string(job.op), "op_id", job.id.String(),
				"attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
	writeDuration.WithLabelValues(string(job.op)).Observe(time.Since(start).Seconds())

	if err != nil {
		durableWrites.WithLabelValues(string(job.op), "failed").Inc()
		err = oops.Code("DURABLE_WRITE_FAILED").
			With("key", job.key.String()).
			With("op", string(job.op)).
			With("op_id", job.id.String()).
			With("attempts", attempt).
			Wrap(err)
		errutil.Log(ctx, w.logger, slog.LevelError, "durable protection write failed; cache and database may diverge", err)
		return err
	}
	durableWrites.WithLabelValues(string(job.op), "ok").Inc()
	return nil
}

// retryable reports whether a failed write may succeed on another attempt.
// Errors without a SQLSTATE are treated as network failures.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgerrcode.IsConnectionException(pgErr.Code) ||
			pgerrcode.IsTransactionRollback(pgErr.Code) ||
			pgerrcode.IsInsufficientResources(pgErr.Code) ||
			pgerrcode.IsOperatorIntervention(pgErr.Code)
	}
	return true
}
