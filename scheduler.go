package tablekv

// scheduler.go implements the asynchronous write path: a bounded FIFO
// queue of jobs, one worker goroutine locked to its OS thread, and the
// admission gate every job passes before it gets the write transaction.
// WriteTx takes the same gate, so the two paths never overlap.

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aalhour/tablekv/internal/engine"
	"github.com/aalhour/tablekv/internal/logging"
)

// Outcome is what a write job produced. Err is the job's own failure,
// including ErrJobPanicked; engine and scheduling failures are reported
// beside it.
type Outcome[R any] struct {
	Value R
	Err   error
}

// Future is the pending result of a submitted write job.
type Future[R any] struct {
	done chan struct{}
	out  Outcome[R]
	err  error
}

// Done is closed once the job has finished or was dropped.
func (f *Future[R]) Done() <-chan struct{} { return f.done }

// Outcome waits for the job. The error is set when the job could not run
// or its transaction could not begin or commit; Outcome.Err is the job's
// own failure. Cancelling ctx abandons the wait but not an admitted job.
func (f *Future[R]) Outcome(ctx context.Context) (Outcome[R], error) {
	select {
	case <-f.done:
		return f.out, f.err
	case <-ctx.Done():
		return Outcome[R]{}, ctx.Err()
	}
}

// Wait waits for the job and folds both failure kinds into one error.
func (f *Future[R]) Wait(ctx context.Context) (R, error) {
	out, err := f.Outcome(ctx)
	if err != nil {
		var zero R
		return zero, err
	}
	return out.Value, out.Err
}

// writeJob is the type-erased form of a submitted job.
type writeJob struct {
	id        uint64
	ctx       context.Context
	submitted time.Time

	// run executes the job and reports its own error.
	run func(tx *RwTxn) error
	// finish completes the future. panicked is set when run panicked,
	// failed when the job never ran or its transaction failed.
	finish func(panicked, failed error)
}

// Submit queues job to run in the Env's write transaction. Jobs run one at
// a time in submission order. A job that returns an error or panics has
// its writes discarded; otherwise they are committed before the future
// completes.
//
// Submit blocks while the queue is full, until there is room or ctx ends.
// A job whose ctx has ended by the time it reaches the front of the queue
// is dropped with ErrJobCancelled. Jobs run without a timeout, must not
// commit or abort the transaction themselves and must not submit and wait
// on other jobs.
func Submit[R any](ctx context.Context, env *Env, job func(tx *RwTxn) (R, error)) *Future[R] {
	f := &Future[R]{done: make(chan struct{})}
	j := &writeJob{
		ctx: ctx,
		run: func(tx *RwTxn) error {
			v, err := job(tx)
			f.out = Outcome[R]{Value: v, Err: err}
			return err
		},
		finish: func(panicked, failed error) {
			if panicked != nil {
				f.out = Outcome[R]{Err: panicked}
			}
			f.err = failed
			close(f.done)
		},
	}
	if err := env.sched.submit(j); err != nil {
		j.finish(nil, err)
	}
	return f
}

// TryWrite submits job and waits for it.
func TryWrite[R any](ctx context.Context, env *Env, job func(tx *RwTxn) (R, error)) (Outcome[R], error) {
	return Submit(ctx, env, job).Outcome(ctx)
}

// Write submits a job that cannot fail and waits for it. A panic in job
// aborts its transaction and is returned wrapped in ErrJobPanicked.
func Write[R any](ctx context.Context, env *Env, job func(tx *RwTxn) R) (R, error) {
	return Submit(ctx, env, func(tx *RwTxn) (R, error) { return job(tx), nil }).Wait(ctx)
}

// PendingWrites returns the number of submitted jobs not yet started.
func (e *Env) PendingWrites() int { return int(e.sched.pending.Load()) }

type scheduler struct {
	env   *Env
	queue chan *writeJob

	// mu orders sends on queue against closing it.
	mu     sync.RWMutex
	closed bool

	pending atomic.Int64
	nextID  atomic.Uint64
	done    chan struct{}
}

func newScheduler(env *Env, depth int) *scheduler {
	s := &scheduler{
		env:   env,
		queue: make(chan *writeJob, depth),
		done:  make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *scheduler) submit(j *writeJob) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrEnvClosed
	}
	if err := s.env.usable(); err != nil {
		return err
	}
	if s.env.opts.ReadOnly {
		return engine.NewError("submit", engine.CodeTxnReadOnly, 0)
	}

	j.id = s.nextID.Add(1)
	j.submitted = time.Now()
	s.pending.Add(1)
	select {
	case s.queue <- j:
		s.env.stats.RecordTick(TickerWriteJobsSubmitted, 1)
		return nil
	case <-j.ctx.Done():
		s.pending.Add(-1)
		s.env.stats.RecordTick(TickerWriteJobsCancelled, 1)
		return fmt.Errorf("%w: %w", ErrJobCancelled, j.ctx.Err())
	}
}

// close stops accepting jobs and waits until the queued ones have run.
func (s *scheduler) close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()
	<-s.done
}

func (s *scheduler) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(s.done)

	for j := range s.queue {
		s.pending.Add(-1)
		s.execute(j)
	}
}

func (s *scheduler) execute(j *writeJob) {
	e := s.env
	info := &WriteJobInfo{JobID: j.id}

	waitStart := time.Now()
	info.QueueWait = waitStart.Sub(j.submitted)
	e.stats.MeasureTime(HistogramQueueWaitMicros, uint64(info.QueueWait.Microseconds()))
	if err := j.ctx.Err(); err != nil {
		s.cancel(j, info, err)
		return
	}
	if err := e.gate.Acquire(j.ctx, 1); err != nil {
		s.cancel(j, info, err)
		return
	}
	info.GateWait = time.Since(waitStart)

	holdStart := time.Now()
	panicked, failed := s.transact(j, info)
	e.gate.Release(1)
	info.GateHold = time.Since(holdStart)
	info.Severity = e.opts.GateHoldTiers.Classify(info.GateHold)

	e.stats.MeasureTime(HistogramGateWaitMicros, uint64(info.GateWait.Microseconds()))
	e.stats.MeasureTime(HistogramGateHoldMicros, uint64(info.GateHold.Microseconds()))
	e.stats.MeasureTime(HistogramWriteJobMicros, uint64(time.Since(j.submitted).Microseconds()))
	if info.Severity > SeverityDebug {
		e.stats.RecordTick(TickerSlowGateHolds, 1)
	}
	switch info.Outcome {
	case WriteJobCommitted:
		e.stats.RecordTick(TickerWriteJobsCommitted, 1)
	case WriteJobPanicked:
		e.stats.RecordTick(TickerWriteJobsPanicked, 1)
		e.stats.RecordTick(TickerWriteJobsAborted, 1)
	default:
		e.stats.RecordTick(TickerWriteJobsAborted, 1)
	}

	s.log(info)
	s.notify(info)
	j.finish(panicked, failed)
}

// transact runs the job in a write transaction and ends it. It returns the
// panic raised by the job and any begin or commit failure.
func (s *scheduler) transact(j *writeJob, info *WriteJobInfo) (panicked, failed error) {
	b, err := s.env.begin(false)
	if err != nil {
		info.Outcome, info.Status = WriteJobAborted, err
		return nil, err
	}
	b.scheduled = true
	tx := newRwTxn(b)
	defer tx.Abort()

	jobErr, panicked := call(j, tx)
	switch {
	case panicked != nil:
		tx.Abort()
		info.Outcome, info.Status = WriteJobPanicked, panicked
		return panicked, nil
	case jobErr != nil:
		tx.Abort()
		info.Outcome, info.Status = WriteJobAborted, jobErr
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		info.Outcome, info.Status = WriteJobAborted, err
		return nil, err
	}
	info.Outcome = WriteJobCommitted
	return nil, nil
}

func call(j *writeJob, tx *RwTxn) (jobErr, panicked error) {
	defer func() {
		if r := recover(); r != nil {
			panicked = fmt.Errorf("%w: %v", ErrJobPanicked, r)
		}
	}()
	return j.run(tx), nil
}

func (s *scheduler) cancel(j *writeJob, info *WriteJobInfo, cause error) {
	err := fmt.Errorf("%w: %w", ErrJobCancelled, cause)
	info.Outcome, info.Status = WriteJobCancelled, err
	s.env.stats.RecordTick(TickerWriteJobsCancelled, 1)
	s.env.logger.Debugf(logging.NSWrite+"job %d dropped before admission: %v", j.id, cause)
	s.notify(info)
	j.finish(nil, err)
}

func (s *scheduler) log(info *WriteJobInfo) {
	logf := s.env.logger.Debugf
	switch info.Severity {
	case SeverityInfo:
		logf = s.env.logger.Infof
	case SeverityWarn:
		logf = s.env.logger.Warnf
	case SeverityError:
		logf = s.env.logger.Errorf
	}
	if info.Status != nil {
		logf(logging.NSWrite+"job %d %s after queue wait %s, gate wait %s, hold %s: %v",
			info.JobID, info.Outcome, info.QueueWait, info.GateWait, info.GateHold, info.Status)
		return
	}
	logf(logging.NSWrite+"job %d %s after queue wait %s, gate wait %s, hold %s",
		info.JobID, info.Outcome, info.QueueWait, info.GateWait, info.GateHold)
}

func (s *scheduler) notify(info *WriteJobInfo) {
	for _, l := range s.env.listeners {
		l.OnWriteJobCompleted(info)
	}
}
