package tablekv

// event_listener.go implements the EventListener interface for receiving environment events.

import (
	"sync"
	"time"
)

// Severity grades an event for logging. Write jobs are graded by how long
// they held the admission gate, see GateHoldTiers.
type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarn
	SeverityError
)

// String returns the string representation of the severity.
func (s Severity) String() string {
	names := []string{"Debug", "Info", "Warn", "Error"}
	if int(s) >= 0 && int(s) < len(names) {
		return names[s]
	}
	return "Unknown"
}

// WriteJobOutcome is how a scheduled write job ended.
type WriteJobOutcome int

const (
	// WriteJobCommitted means the job succeeded and its transaction committed.
	WriteJobCommitted WriteJobOutcome = iota
	// WriteJobAborted means the job failed or its commit failed.
	WriteJobAborted
	// WriteJobPanicked means the job panicked and its transaction was aborted.
	WriteJobPanicked
	// WriteJobCancelled means the job's context ended before admission.
	WriteJobCancelled
)

// String returns the string representation of the outcome.
func (o WriteJobOutcome) String() string {
	names := []string{"Committed", "Aborted", "Panicked", "Cancelled"}
	if int(o) >= 0 && int(o) < len(names) {
		return names[o]
	}
	return "Unknown"
}

// WriteJobInfo contains information about a completed write job.
type WriteJobInfo struct {
	// JobID is the scheduler's sequence number for the job, starting at 1.
	JobID uint64
	// Outcome is how the job ended.
	Outcome WriteJobOutcome
	// Status is the job's error or the engine error (nil on commit).
	Status error
	// QueueWait is how long the job was queued behind earlier jobs.
	QueueWait time.Duration
	// GateWait is how long the job waited for the admission gate once
	// dequeued, which is nonzero while a WriteTx holds it.
	GateWait time.Duration
	// GateHold is how long the job held the gate, commit included.
	GateHold time.Duration
	// Severity grades GateHold.
	Severity Severity
}

// IterationTruncatedInfo describes an iteration ended by a corrupt record.
type IterationTruncatedInfo struct {
	// Table is the table being iterated.
	Table string
	// Key is a copy of the key whose value failed to decode.
	Key []byte
	// Status is the decode error.
	Status error
}

// EnvFailedInfo describes the Env entering the failed state.
type EnvFailedInfo struct {
	// Status is the condition that failed the Env.
	Status error
}

// EventListener receives notifications about environment events.
// All callbacks should be thread-safe and non-blocking. Write job
// callbacks run on the scheduler worker.
type EventListener interface {
	// OnWriteJobCompleted is called after every scheduled job ends.
	OnWriteJobCompleted(info *WriteJobInfo)

	// OnIterationTruncated is called when a table iterator meets a corrupt
	// record and stops.
	OnIterationTruncated(info *IterationTruncatedInfo)

	// OnEnvFailed is called once when the Env is marked failed.
	OnEnvFailed(info *EnvFailedInfo)
}

// NoOpEventListener is a default implementation that does nothing.
// Embed this in your listener if you only want to handle specific events.
type NoOpEventListener struct{}

func (l *NoOpEventListener) OnWriteJobCompleted(info *WriteJobInfo)            {}
func (l *NoOpEventListener) OnIterationTruncated(info *IterationTruncatedInfo) {}
func (l *NoOpEventListener) OnEnvFailed(info *EnvFailedInfo)                   {}

// CountingEventListener counts events for testing purposes.
type CountingEventListener struct {
	NoOpEventListener
	Committed  int
	Aborted    int
	Panicked   int
	Cancelled  int
	Truncated  int
	Failed     int
	BySeverity [SeverityError + 1]int
	mu         sync.Mutex
}

func (l *CountingEventListener) OnWriteJobCompleted(info *WriteJobInfo) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch info.Outcome {
	case WriteJobCommitted:
		l.Committed++
	case WriteJobAborted:
		l.Aborted++
	case WriteJobPanicked:
		l.Panicked++
	case WriteJobCancelled:
		l.Cancelled++
	}
	if info.Severity >= 0 && int(info.Severity) < len(l.BySeverity) {
		l.BySeverity[info.Severity]++
	}
}

func (l *CountingEventListener) OnIterationTruncated(info *IterationTruncatedInfo) {
	l.mu.Lock()
	l.Truncated++
	l.mu.Unlock()
}

func (l *CountingEventListener) OnEnvFailed(info *EnvFailedInfo) {
	l.mu.Lock()
	l.Failed++
	l.mu.Unlock()
}

// EventCounts is a point-in-time copy of a CountingEventListener.
type EventCounts struct {
	Committed, Aborted, Panicked, Cancelled int
	Truncated, Failed                       int
	BySeverity                              [SeverityError + 1]int
}

// Counts returns a copy of the counters taken under the lock.
func (l *CountingEventListener) Counts() EventCounts {
	l.mu.Lock()
	defer l.mu.Unlock()
	return EventCounts{
		Committed:  l.Committed,
		Aborted:    l.Aborted,
		Panicked:   l.Panicked,
		Cancelled:  l.Cancelled,
		Truncated:  l.Truncated,
		Failed:     l.Failed,
		BySeverity: l.BySeverity,
	}
}

// TimingEventListener records job completion times for testing.
type TimingEventListener struct {
	NoOpEventListener
	JobIDs   []uint64
	JobTimes []time.Time
	mu       sync.Mutex
}

func (l *TimingEventListener) OnWriteJobCompleted(info *WriteJobInfo) {
	l.mu.Lock()
	l.JobIDs = append(l.JobIDs, info.JobID)
	l.JobTimes = append(l.JobTimes, time.Now())
	l.mu.Unlock()
}

// IDs returns a copy of the recorded job IDs in completion order.
func (l *TimingEventListener) IDs() []uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]uint64(nil), l.JobIDs...)
}
