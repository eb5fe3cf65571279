package render

import (
	"fmt"
	"os"
	"time"

	"github.com/codahale/hdrhistogram"
	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/process"
)

// Summary describes a finished run.
type Summary struct {
	Frames   int
	Written  int
	Skipped  int
	Failed   int
	Threads  int
	Elapsed  time.Duration
	P50      time.Duration
	P99      time.Duration
	PeakRSS  uint64
	Canceled bool
}

func (s Summary) String() string {
	return fmt.Sprintf("%d/%d frames written, %d skipped in %s (p50 %s, p99 %s, peak rss %s)",
		s.Written, s.Frames, s.Skipped, s.Elapsed.Round(time.Millisecond),
		s.P50.Round(time.Millisecond), s.P99.Round(time.Millisecond), humanize.Bytes(s.PeakRSS))
}

// collector is only used from the driver goroutine.
type collector struct {
	start time.Time
	hist  *hdrhistogram.Histogram
	proc  *process.Process
	sum   Summary
}

func newCollector(frames, threads int) *collector {
	c := &collector{
		start: time.Now(),
		hist:  hdrhistogram.New(1, int64(time.Hour/time.Microsecond), 3),
		sum:   Summary{Frames: frames, Threads: threads},
	}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		c.proc = p
	}
	return c
}

func (c *collector) record(f Frame) {
	switch f.Status {
	case StatusWritten:
		c.sum.Written++
	case StatusSkipped:
		c.sum.Skipped++
	case StatusFailed:
		c.sum.Failed++
	}
	us := f.Duration.Microseconds()
	if us < 1 {
		us = 1
	}
	_ = c.hist.RecordValue(us)
	c.sampleMemory()
}

func (c *collector) sampleMemory() {
	if c.proc == nil {
		return
	}
	mi, err := c.proc.MemoryInfo()
	if err != nil {
		return
	}
	if mi.RSS > c.sum.PeakRSS {
		c.sum.PeakRSS = mi.RSS
	}
}

func (c *collector) summary() Summary {
	s := c.sum
	s.Elapsed = time.Since(c.start)
	if c.hist.TotalCount() > 0 {
		s.P50 = time.Duration(c.hist.ValueAtQuantile(50)) * time.Microsecond
		s.P99 = time.Duration(c.hist.ValueAtQuantile(99)) * time.Microsecond
	}
	return s
}
