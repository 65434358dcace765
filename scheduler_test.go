package tablekv

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

func TestWriteCommits(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		listener := &CountingEventListener{}
		opts := testOptions(b)
		opts.Listeners = []EventListener{listener}
		env := buildEnv(t, opts, pointsTable)

		id, err := Write(t.Context(), env, func(tx *RwTxn) ID[point] {
			id, err := pointsTable.Write(tx).PutLast(&point{X: 9})
			if err != nil {
				panic(err)
			}
			return id
		})
		if err != nil {
			t.Fatalf("Write: %v", err)
		}
		readTx(t, env, func(tx *RoTxn) {
			if v, ok, _ := pointsTable.Read(tx).Get(id); !ok || v.Value().X != 9 {
				t.Error("committed job's write is not visible")
			}
		})
		if got := listener.Counts().Committed; got != 1 {
			t.Errorf("committed jobs = %d", got)
		}
		stats := env.Stats()
		if stats.GetTickerCount(TickerWriteJobsSubmitted) != 1 || stats.GetTickerCount(TickerWriteJobsCommitted) != 1 {
			t.Errorf("stats:\n%s", stats)
		}
		if data := stats.GetHistogramData(HistogramGateHoldMicros); data.Count != 1 {
			t.Errorf("gate hold samples = %d", data.Count)
		}
	})
}

func TestTryWriteJobErrorAborts(t *testing.T) {
	listener := &CountingEventListener{}
	opts := testOptions(BackendMemory)
	opts.Listeners = []EventListener{listener}
	env := buildEnv(t, opts, namesTable)

	errRejected := errors.New("rejected")
	out, err := TryWrite(t.Context(), env, func(tx *RwTxn) (int, error) {
		if err := namesTable.Write(tx).Put("k", ptr("v")); err != nil {
			return 0, err
		}
		return 7, errRejected
	})
	if err != nil {
		t.Fatalf("TryWrite scheduling error: %v", err)
	}
	if !errors.Is(out.Err, errRejected) || out.Value != 7 {
		t.Errorf("Outcome = %+v", out)
	}
	readTx(t, env, func(tx *RoTxn) {
		if n, _ := namesTable.Read(tx).Len(); n != 0 {
			t.Errorf("failed job's write was committed")
		}
	})
	if got := listener.Counts().Aborted; got != 1 {
		t.Errorf("aborted jobs = %d", got)
	}

	_, err = Submit(t.Context(), env, func(*RwTxn) (int, error) { return 0, errRejected }).Wait(t.Context())
	if !errors.Is(err, errRejected) {
		t.Errorf("Wait = %v, want the job's error", err)
	}
}

func TestWritePanicAborts(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		listener := &CountingEventListener{}
		opts := testOptions(b)
		opts.Listeners = []EventListener{listener}
		env := buildEnv(t, opts, namesTable)

		_, err := Write(t.Context(), env, func(tx *RwTxn) struct{} {
			_ = namesTable.Write(tx).Put("k", ptr("v"))
			panic("job bug")
		})
		if !errors.Is(err, ErrJobPanicked) {
			t.Fatalf("Write = %v, want ErrJobPanicked", err)
		}

		// The scheduler keeps working after a panic.
		if _, err := Write(t.Context(), env, func(tx *RwTxn) bool {
			return namesTable.Write(tx).Put("after", ptr("ok")) == nil
		}); err != nil {
			t.Fatal(err)
		}
		readTx(t, env, func(tx *RoTxn) {
			names := namesTable.Read(tx)
			if _, ok, _ := names.Get("k"); ok {
				t.Error("panicked job's write was committed")
			}
			if _, ok, _ := names.Get("after"); !ok {
				t.Error("job after the panic did not commit")
			}
		})

		if got := listener.Counts().Panicked; got != 1 {
			t.Errorf("panicked jobs = %d", got)
		}
		if got := env.Stats().GetTickerCount(TickerWriteJobsPanicked); got != 1 {
			t.Errorf("TickerWriteJobsPanicked = %d", got)
		}
	})
}

func TestWriteJobsRunInSubmissionOrder(t *testing.T) {
	listener := &TimingEventListener{}
	opts := testOptions(BackendMemory)
	opts.Listeners = []EventListener{listener}
	env := buildEnv(t, opts, namesTable)

	const n = 50
	var order []int
	futures := make([]*Future[int], n)
	for i := range n {
		futures[i] = Submit(t.Context(), env, func(*RwTxn) (int, error) {
			order = append(order, i)
			return i, nil
		})
	}
	for i, f := range futures {
		v, err := f.Wait(t.Context())
		if err != nil || v != i {
			t.Fatalf("job %d = %d, %v", i, v, err)
		}
	}

	if !slices.IsSorted(order) || len(order) != n {
		t.Errorf("jobs ran out of order: %v", order)
	}
	ids := listener.IDs()
	if len(ids) != n || !slices.IsSorted(ids) || ids[0] != 1 {
		t.Errorf("job IDs = %v", ids)
	}
}

func TestConcurrentSubmitters(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		env := buildEnv(t, testOptions(b), pointsTable)

		const writers, perWriter = 8, 25
		ids := make([][]ID[point], writers)
		g, ctx := errgroup.WithContext(t.Context())
		for w := range writers {
			g.Go(func() error {
				for range perWriter {
					id, err := Write(ctx, env, func(tx *RwTxn) ID[point] {
						id, err := pointsTable.Write(tx).PutLast(&point{X: int64(w)})
						if err != nil {
							panic(err)
						}
						return id
					})
					if err != nil {
						return err
					}
					ids[w] = append(ids[w], id)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			t.Fatal(err)
		}

		all := slices.Concat(ids...)
		slices.Sort(all)
		for i, id := range all {
			if id != ID[point](i) {
				t.Fatalf("identifiers are not unique and dense: %v", all)
			}
		}
		readTx(t, env, func(tx *RoTxn) {
			if n, _ := pointsTable.Read(tx).Len(); n != writers*perWriter {
				t.Errorf("Len = %d", n)
			}
		})
	})
}

// blockScheduler submits a job that holds the scheduler until release is
// closed. It returns once the job is running.
func blockScheduler(t *testing.T, env *Env) (release chan struct{}, done *Future[struct{}]) {
	t.Helper()
	started := make(chan struct{})
	release = make(chan struct{})
	done = Submit(t.Context(), env, func(*RwTxn) (struct{}, error) {
		close(started)
		<-release
		return struct{}{}, nil
	})
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("blocking job never started")
	}
	return release, done
}

func TestCancelledJobIsDropped(t *testing.T) {
	listener := &CountingEventListener{}
	opts := testOptions(BackendMemory)
	opts.Listeners = []EventListener{listener}
	env := buildEnv(t, opts, namesTable)

	release, blocker := blockScheduler(t, env)

	ctx, cancel := context.WithCancel(t.Context())
	ran := false
	f := Submit(ctx, env, func(*RwTxn) (int, error) {
		ran = true
		return 1, nil
	})
	if got := env.PendingWrites(); got != 1 {
		t.Errorf("PendingWrites = %d, want 1", got)
	}
	cancel()
	close(release)

	if _, err := blocker.Wait(t.Context()); err != nil {
		t.Fatal(err)
	}
	_, err := f.Outcome(t.Context())
	if !errors.Is(err, ErrJobCancelled) || !errors.Is(err, context.Canceled) {
		t.Fatalf("Outcome = %v, want ErrJobCancelled", err)
	}
	if ran {
		t.Error("cancelled job ran")
	}
	if got := listener.Counts().Cancelled; got != 1 {
		t.Errorf("cancelled jobs = %d", got)
	}
	if got := env.PendingWrites(); got != 0 {
		t.Errorf("PendingWrites = %d after drain", got)
	}
}

func TestSubmitBlocksWhenQueueFull(t *testing.T) {
	opts := testOptions(BackendMemory)
	opts.WriteQueueDepth = 1
	env := buildEnv(t, opts, namesTable)

	release, blocker := blockScheduler(t, env)
	queued := Submit(t.Context(), env, func(*RwTxn) (int, error) { return 2, nil })

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	full := Submit(ctx, env, func(*RwTxn) (int, error) { return 3, nil })
	if _, err := full.Wait(t.Context()); !errors.Is(err, ErrJobCancelled) || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Submit on a full queue = %v", err)
	}
	if time.Since(start) < 40*time.Millisecond {
		t.Error("Submit on a full queue did not block")
	}

	close(release)
	if _, err := blocker.Wait(t.Context()); err != nil {
		t.Fatal(err)
	}
	if v, err := queued.Wait(t.Context()); err != nil || v != 2 {
		t.Errorf("queued job = %d, %v", v, err)
	}
}

func TestWaitAbandonsWithoutCancellingJob(t *testing.T) {
	env := buildEnv(t, testOptions(BackendMemory), namesTable)
	release, blocker := blockScheduler(t, env)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	if _, err := blocker.Outcome(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Outcome with a cancelled wait = %v", err)
	}
	close(release)
	<-blocker.Done()
	if _, err := blocker.Wait(t.Context()); err != nil {
		t.Errorf("admitted job failed: %v", err)
	}
}

func TestCloseDrainsQueue(t *testing.T) {
	env, err := NewBuilder(testOptions(BackendMemory)).With(namesTable).Build("")
	if err != nil {
		t.Fatal(err)
	}
	release, blocker := blockScheduler(t, env)

	var futures []*Future[bool]
	for i := range 5 {
		futures = append(futures, Submit(t.Context(), env, func(tx *RwTxn) (bool, error) {
			return true, namesTable.Write(tx).Put(string(rune('a'+i)), ptr("v"))
		}))
	}

	closed := make(chan error, 1)
	go func() { closed <- env.Close() }()
	close(release)
	if err := <-closed; err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := blocker.Wait(t.Context()); err != nil {
		t.Error(err)
	}
	for i, f := range futures {
		if ok, err := f.Wait(t.Context()); !ok || err != nil {
			t.Errorf("job %d = %v, %v", i, ok, err)
		}
	}
	f := Submit(t.Context(), env, func(*RwTxn) (int, error) { return 0, nil })
	if _, err := f.Wait(t.Context()); !errors.Is(err, ErrEnvClosed) {
		t.Errorf("Submit after Close = %v, want ErrEnvClosed", err)
	}
}

func TestGateHoldSeverity(t *testing.T) {
	listener := &CountingEventListener{}
	opts := testOptions(BackendMemory)
	opts.Listeners = []EventListener{listener}
	opts.GateHoldTiers = GateHoldTiers{Info: time.Nanosecond, Warn: time.Hour, Error: 2 * time.Hour}
	env := buildEnv(t, opts, namesTable)

	for range 3 {
		if _, err := Write(t.Context(), env, func(*RwTxn) int {
			time.Sleep(time.Millisecond)
			return 0
		}); err != nil {
			t.Fatal(err)
		}
	}
	if got := listener.Counts().BySeverity[SeverityInfo]; got != 3 {
		t.Errorf("info-severity jobs = %d, want 3", got)
	}
	if got := env.Stats().GetTickerCount(TickerSlowGateHolds); got != 3 {
		t.Errorf("TickerSlowGateHolds = %d", got)
	}

	tiers := GateHoldTiers{Info: time.Second, Warn: 2 * time.Second, Error: 3 * time.Second}
	for d, want := range map[time.Duration]Severity{
		0:               SeverityDebug,
		time.Second:     SeverityInfo,
		2 * time.Second: SeverityWarn,
		time.Minute:     SeverityError,
	} {
		if got := tiers.Classify(d); got != want {
			t.Errorf("Classify(%s) = %s, want %s", d, got, want)
		}
	}
}

func TestSubmitOnReadOnlyEnv(t *testing.T) {
	dir := t.TempDir()
	if err := reopen(t, dir, "v1.0.0", namesTable); err != nil {
		t.Fatal(err)
	}
	opts := testOptions(BackendLMDB)
	opts.ReadOnly = true
	env := buildAt(t, dir, opts, namesTable)

	_, err := Write(t.Context(), env, func(*RwTxn) int { return 0 })
	if !errors.Is(err, CodeTxnReadOnly) {
		t.Errorf("Write on a read-only env = %v", err)
	}
}

type jobRecorder func(*WriteJobInfo)

func (f jobRecorder) OnWriteJobCompleted(info *WriteJobInfo)      { f(info) }
func (jobRecorder) OnIterationTruncated(*IterationTruncatedInfo) {}
func (jobRecorder) OnEnvFailed(*EnvFailedInfo)                   {}

func recordJobs(opts *Options) <-chan WriteJobInfo {
	infos := make(chan WriteJobInfo, 16)
	opts.Listeners = append(opts.Listeners, jobRecorder(func(info *WriteJobInfo) { infos <- *info }))
	return infos
}

func TestGateWaitBehindWriteTx(t *testing.T) {
	opts := testOptions(BackendMemory)
	infos := recordJobs(opts)
	env := buildEnv(t, opts, namesTable)

	tx, err := env.WriteTx()
	if err != nil {
		t.Fatal(err)
	}
	f := Submit(t.Context(), env, func(tx *RwTxn) (struct{}, error) {
		return struct{}{}, namesTable.Write(tx).Put("job", ptr("1"))
	})
	time.Sleep(50 * time.Millisecond)
	select {
	case <-f.Done():
		t.Fatal("job ran while a WriteTx was open")
	default:
	}
	if err := namesTable.Write(tx).Put("direct", ptr("1")); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Wait(t.Context()); err != nil {
		t.Fatalf("job behind WriteTx: %v", err)
	}

	info := <-infos
	if info.GateWait < 50*time.Millisecond {
		t.Errorf("GateWait = %s, want at least 50ms", info.GateWait)
	}
	if data := env.Stats().GetHistogramData(HistogramGateWaitMicros); data.Max < 50000 {
		t.Errorf("gate wait histogram max = %v", data.Max)
	}
	readTx(t, env, func(tx *RoTxn) {
		for _, k := range []string{"direct", "job"} {
			if _, ok, _ := namesTable.Read(tx).Get(k); !ok {
				t.Errorf("%q missing", k)
			}
		}
	})
}

func TestQueueWaitIsRecorded(t *testing.T) {
	opts := testOptions(BackendMemory)
	infos := recordJobs(opts)
	env := buildEnv(t, opts, namesTable)

	release, blocker := blockScheduler(t, env)
	queued := Submit(t.Context(), env, func(*RwTxn) (int, error) { return 1, nil })
	time.Sleep(50 * time.Millisecond)
	close(release)
	if _, err := blocker.Wait(t.Context()); err != nil {
		t.Fatal(err)
	}
	if _, err := queued.Wait(t.Context()); err != nil {
		t.Fatal(err)
	}

	<-infos
	info := <-infos
	if info.JobID != 2 {
		t.Fatalf("second notification is job %d", info.JobID)
	}
	if info.QueueWait < 50*time.Millisecond {
		t.Errorf("QueueWait = %s, want at least 50ms", info.QueueWait)
	}
	if info.GateWait >= 50*time.Millisecond {
		t.Errorf("GateWait = %s, queueing counted as gate wait", info.GateWait)
	}
	if data := env.Stats().GetHistogramData(HistogramQueueWaitMicros); data.Count != 2 || data.Max < 50000 {
		t.Errorf("queue wait histogram = %+v", data)
	}
}

func TestFailedJobKeepsEarlierCommit(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		env := buildEnv(t, testOptions(b), namesTable)
		errJob2 := errors.New("job2 failed")

		var job1, job2 *Future[struct{}]
		g := new(errgroup.Group)
		started := make(chan struct{})
		g.Go(func() error {
			job1 = Submit(t.Context(), env, func(tx *RwTxn) (struct{}, error) {
				close(started)
				time.Sleep(20 * time.Millisecond)
				return struct{}{}, namesTable.Write(tx).Put("X", ptr("1"))
			})
			return nil
		})
		g.Go(func() error {
			<-started
			job2 = Submit(t.Context(), env, func(tx *RwTxn) (struct{}, error) {
				if err := namesTable.Write(tx).Put("Y", ptr("2")); err != nil {
					return struct{}{}, err
				}
				return struct{}{}, errJob2
			})
			return nil
		})
		_ = g.Wait()

		if _, err := job1.Wait(t.Context()); err != nil {
			t.Errorf("job1: %v", err)
		}
		if _, err := job2.Wait(t.Context()); !errors.Is(err, errJob2) {
			t.Errorf("job2 = %v, want its own error", err)
		}
		readTx(t, env, func(tx *RoTxn) {
			if v, ok, _ := namesTable.Read(tx).Get("X"); !ok || *v.Value() != "1" {
				t.Error("job1's write is missing")
			}
			if _, ok, _ := namesTable.Read(tx).Get("Y"); ok {
				t.Error("failed job2's write is visible")
			}
		})
	})
}

func TestOneWriteTransactionAtATime(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		env := buildEnv(t, testOptions(b), namesTable)

		var inFlight, overlaps atomic.Int32
		enter := func() {
			if inFlight.Add(1) != 1 {
				overlaps.Add(1)
			}
			time.Sleep(time.Millisecond)
			inFlight.Add(-1)
		}

		g, ctx := errgroup.WithContext(t.Context())
		for w := range 8 {
			g.Go(func() error {
				for i := range 10 {
					_, err := Submit(ctx, env, func(tx *RwTxn) (struct{}, error) {
						enter()
						return struct{}{}, namesTable.Write(tx).Put(fmt.Sprintf("job-%d-%d", w, i), ptr("v"))
					}).Wait(ctx)
					if err != nil {
						return err
					}
				}
				return nil
			})
		}
		for w := range 2 {
			g.Go(func() error {
				for i := range 10 {
					tx, err := env.WriteTx()
					if err != nil {
						return err
					}
					enter()
					if err := namesTable.Write(tx).Put(fmt.Sprintf("tx-%d-%d", w, i), ptr("v")); err != nil {
						tx.Abort()
						return err
					}
					if err := tx.Commit(); err != nil {
						return err
					}
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			t.Fatal(err)
		}
		if n := overlaps.Load(); n != 0 {
			t.Errorf("%d write transactions overlapped", n)
		}
		readTx(t, env, func(tx *RoTxn) {
			if n, _ := namesTable.Read(tx).Len(); n != 100 {
				t.Errorf("Len = %d, want 100", n)
			}
		})
	})
}
