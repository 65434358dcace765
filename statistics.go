package tablekv

// statistics.go implements the Statistics interface for collecting environment metrics.

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// TickerType represents different types of counters.
type TickerType int

const (
	// TickerTxnReadBegin is the count of read transactions begun.
	TickerTxnReadBegin TickerType = iota
	// TickerTxnWriteBegin is the count of write transactions begun.
	TickerTxnWriteBegin
	// TickerTxnCommit is the count of successful commits.
	TickerTxnCommit
	// TickerTxnAbort is the count of aborted transactions, read-only included.
	TickerTxnAbort
	// TickerTxnLeaked is the count of transactions dropped without being
	// ended. Read transactions are aborted by cleanup; write ones are only
	// reported.
	TickerTxnLeaked
	// TickerKeysRead is the count of records returned by Get.
	TickerKeysRead
	// TickerKeysNotFound is the count of Get calls that found nothing.
	TickerKeysNotFound
	// TickerKeysWritten is the count of records stored by Put.
	TickerKeysWritten
	// TickerKeysDeleted is the count of records removed by Delete.
	TickerKeysDeleted
	// TickerBytesRead is the total stored bytes returned by Get.
	TickerBytesRead
	// TickerBytesWritten is the total stored bytes written by Put.
	TickerBytesWritten
	// TickerIterRecords is the count of records yielded by table iterators.
	TickerIterRecords
	// TickerIterTruncated is the count of iterations ended by a corrupt record.
	TickerIterTruncated
	// TickerDecodeErrors is the count of codec or framing failures.
	TickerDecodeErrors
	// TickerWriteJobsSubmitted is the count of jobs accepted by the scheduler.
	TickerWriteJobsSubmitted
	// TickerWriteJobsCommitted is the count of jobs whose transaction committed.
	TickerWriteJobsCommitted
	// TickerWriteJobsAborted is the count of jobs whose transaction aborted.
	TickerWriteJobsAborted
	// TickerWriteJobsCancelled is the count of jobs dropped before admission.
	TickerWriteJobsCancelled
	// TickerWriteJobsPanicked is the count of jobs that panicked.
	TickerWriteJobsPanicked
	// TickerSlowGateHolds is the count of gate holds classified above debug.
	TickerSlowGateHolds

	// TickerEnumMax is the maximum ticker type for sizing arrays.
	TickerEnumMax
)

var tickerNames = [TickerEnumMax]string{
	"tablekv.txn.read.begin",
	"tablekv.txn.write.begin",
	"tablekv.txn.commit",
	"tablekv.txn.abort",
	"tablekv.txn.leaked",
	"tablekv.keys.read",
	"tablekv.keys.notfound",
	"tablekv.keys.written",
	"tablekv.keys.deleted",
	"tablekv.bytes.read",
	"tablekv.bytes.written",
	"tablekv.iter.records",
	"tablekv.iter.truncated",
	"tablekv.decode.errors",
	"tablekv.write.jobs.submitted",
	"tablekv.write.jobs.committed",
	"tablekv.write.jobs.aborted",
	"tablekv.write.jobs.cancelled",
	"tablekv.write.jobs.panicked",
	"tablekv.write.gate.slow",
}

// String returns the name of the ticker type.
func (t TickerType) String() string {
	if t >= 0 && t < TickerEnumMax {
		return tickerNames[t]
	}
	return "unknown"
}

// HistogramType represents different types of histograms.
type HistogramType int

const (
	// HistogramGateWaitMicros is the time a job waited for the admission gate.
	HistogramGateWaitMicros HistogramType = iota
	// HistogramGateHoldMicros is the time a job held the admission gate.
	HistogramGateHoldMicros
	// HistogramWriteJobMicros is the time from submission to completion.
	HistogramWriteJobMicros
	// HistogramBytesPerWrite is the stored size of each Put.
	HistogramBytesPerWrite
	// HistogramQueueWaitMicros is the time a job spent queued before the
	// worker picked it up.
	HistogramQueueWaitMicros

	// HistogramEnumMax is the maximum histogram type for sizing arrays.
	HistogramEnumMax
)

var histogramNames = [HistogramEnumMax]string{
	"tablekv.write.gate.wait.micros",
	"tablekv.write.gate.hold.micros",
	"tablekv.write.job.micros",
	"tablekv.bytes.per.write",
	"tablekv.write.queue.wait.micros",
}

// String returns the name of the histogram type.
func (h HistogramType) String() string {
	if h >= 0 && h < HistogramEnumMax {
		return histogramNames[h]
	}
	return "unknown"
}

// HistogramData contains histogram statistics.
type HistogramData struct {
	Average float64
	Max     float64
	Min     float64
	Count   uint64
	Sum     uint64
}

// Statistics collects and reports environment metrics.
type Statistics interface {
	// GetTickerCount returns the current value of a ticker.
	GetTickerCount(tickerType TickerType) uint64

	// RecordTick increments a ticker by count.
	RecordTick(tickerType TickerType, count uint64)

	// SetTickerCount sets the ticker to a specific value.
	SetTickerCount(tickerType TickerType, count uint64)

	// GetHistogramData returns histogram statistics.
	GetHistogramData(histogramType HistogramType) HistogramData

	// MeasureTime records a value to a histogram.
	MeasureTime(histogramType HistogramType, value uint64)

	// Reset clears all statistics.
	Reset()

	// String returns a formatted string of all statistics.
	String() string
}

type statisticsImpl struct {
	tickers    [TickerEnumMax]atomic.Uint64
	histograms [HistogramEnumMax]atomic.Pointer[histogramImpl]
}

type histogramImpl struct {
	min   atomic.Uint64
	max   atomic.Uint64
	sum   atomic.Uint64
	count atomic.Uint64
}

func newHistogram() *histogramImpl {
	h := &histogramImpl{}
	h.min.Store(^uint64(0))
	return h
}

// NewStatistics creates a new Statistics instance.
func NewStatistics() Statistics {
	s := &statisticsImpl{}
	for i := range s.histograms {
		s.histograms[i].Store(newHistogram())
	}
	return s
}

func (s *statisticsImpl) GetTickerCount(tickerType TickerType) uint64 {
	if tickerType < 0 || tickerType >= TickerEnumMax {
		return 0
	}
	return s.tickers[tickerType].Load()
}

func (s *statisticsImpl) RecordTick(tickerType TickerType, count uint64) {
	if tickerType < 0 || tickerType >= TickerEnumMax {
		return
	}
	s.tickers[tickerType].Add(count)
}

func (s *statisticsImpl) SetTickerCount(tickerType TickerType, count uint64) {
	if tickerType < 0 || tickerType >= TickerEnumMax {
		return
	}
	s.tickers[tickerType].Store(count)
}

func (s *statisticsImpl) GetHistogramData(histogramType HistogramType) HistogramData {
	if histogramType < 0 || histogramType >= HistogramEnumMax {
		return HistogramData{}
	}

	h := s.histograms[histogramType].Load()
	count := h.count.Load()
	if count == 0 {
		return HistogramData{}
	}
	sum := h.sum.Load()
	return HistogramData{
		Count:   count,
		Sum:     sum,
		Min:     float64(h.min.Load()),
		Max:     float64(h.max.Load()),
		Average: float64(sum) / float64(count),
	}
}

func (s *statisticsImpl) MeasureTime(histogramType HistogramType, value uint64) {
	if histogramType < 0 || histogramType >= HistogramEnumMax {
		return
	}

	h := s.histograms[histogramType].Load()
	h.count.Add(1)
	h.sum.Add(value)

	for {
		old := h.min.Load()
		if value >= old || h.min.CompareAndSwap(old, value) {
			break
		}
	}
	for {
		old := h.max.Load()
		if value <= old || h.max.CompareAndSwap(old, value) {
			break
		}
	}
}

func (s *statisticsImpl) Reset() {
	for i := range s.tickers {
		s.tickers[i].Store(0)
	}
	for i := range s.histograms {
		s.histograms[i].Store(newHistogram())
	}
}

func (s *statisticsImpl) String() string {
	var b strings.Builder

	b.WriteString("TICKERS:\n")
	for i := range TickerEnumMax {
		if count := s.GetTickerCount(i); count > 0 {
			fmt.Fprintf(&b, "  %s : %d\n", i, count)
		}
	}

	b.WriteString("\nHISTOGRAMS:\n")
	for i := range HistogramEnumMax {
		data := s.GetHistogramData(i)
		if data.Count > 0 {
			fmt.Fprintf(&b, "  %s :\n    Count: %d\n    Avg: %.2f\n    Min: %.2f\n    Max: %.2f\n",
				i, data.Count, data.Average, data.Min, data.Max)
		}
	}
	return b.String()
}

// recordTick is a nil-safe shortcut used on hot paths.
func recordTick(s Statistics, t TickerType, n uint64) {
	if s != nil {
		s.RecordTick(t, n)
	}
}
