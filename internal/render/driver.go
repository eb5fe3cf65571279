// Package render walks a frame count across a timeline and persists every
// frame, either one at a time or in concurrent batches.
package render

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"interpolapse/internal/imaging"
)

// Source is anything that can compose frames over a time span.
type Source interface {
	MinTime() float64
	MaxTime() float64
	BracketIndex(t float64) int
	FrameAt(t float64) (image.Image, error)
	ReleaseBefore(idx int)
	ReleaseAll()
}

// Status of one frame.
type Status string

const (
	StatusWritten Status = "written"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// releaseWindow is how many images behind the furthest bracket stay loaded.
const releaseWindow = 2

// releaseFloor is the bracket index below which batches release nothing.
const releaseFloor = 5

// Frame reports the outcome of one frame.
type Frame struct {
	Index    int
	Time     float64
	Path     string
	Bracket  int
	Status   Status
	Err      error
	Duration time.Duration
}

// Options configure a Driver.
type Options struct {
	OutDir  string
	Format  string
	Frames  int
	Threads int
	// OnFrame is called from the driver goroutine in frame order.
	OnFrame func(Frame)
}

// Driver renders a Source into numbered files.
type Driver struct {
	src   Source
	codec imaging.Codec
	opts  Options
	log   *slog.Logger
}

func NewDriver(src Source, codec imaging.Codec, opts Options, log *slog.Logger) *Driver {
	if log == nil {
		log = slog.Default()
	}
	if opts.Threads < 1 {
		opts.Threads = 1
	}
	return &Driver{src: src, codec: codec, opts: opts, log: log}
}

// FrameName is the file name of frame n.
func FrameName(n int, format string) string {
	return fmt.Sprintf("result-%05d.%s", n, format)
}

// FrameTimes returns the render instants of n frames over [lo, hi).
func FrameTimes(lo, hi float64, n int) []float64 {
	times := make([]float64, n)
	for i := range times {
		times[i] = lo + (hi-lo)*float64(i)/float64(n)
	}
	return times
}

// Run renders every frame. A single thread renders sequentially and releases
// all buffers after each frame; more threads render in batches separated by a
// barrier. Frames whose images differ in size are skipped; any other error
// stops the run after the current batch.
func (d *Driver) Run(ctx context.Context) (Summary, error) {
	if d.opts.Frames <= 0 {
		return Summary{}, fmt.Errorf("frame count must be positive, got %d", d.opts.Frames)
	}
	if err := os.MkdirAll(d.opts.OutDir, 0o755); err != nil {
		return Summary{}, fmt.Errorf("create output dir: %w", err)
	}

	stats := newCollector(d.opts.Frames, d.opts.Threads)
	var err error
	if d.opts.Threads == 1 {
		err = d.runSequential(ctx, stats)
	} else {
		err = d.runBatched(ctx, stats)
	}
	d.src.ReleaseAll()
	sum := stats.summary()
	sum.Canceled = errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
	return sum, err
}

func (d *Driver) runSequential(ctx context.Context, stats *collector) error {
	times := FrameTimes(d.src.MinTime(), d.src.MaxTime(), d.opts.Frames)
	for n, t := range times {
		if err := ctx.Err(); err != nil {
			return err
		}
		f := d.renderFrame(n, t)
		d.src.ReleaseAll()
		d.report(f, stats)
		if f.Status == StatusFailed {
			return f.Err
		}
	}
	return nil
}

func (d *Driver) runBatched(ctx context.Context, stats *collector) error {
	times := FrameTimes(d.src.MinTime(), d.src.MaxTime(), d.opts.Frames)
	furthest := 0
	for start := 0; start < len(times); start += d.opts.Threads {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+d.opts.Threads, len(times))
		batch := make([]Frame, end-start)

		var g errgroup.Group
		for n := start; n < end; n++ {
			g.Go(func() error {
				f := d.renderFrame(n, times[n])
				batch[n-start] = f
				if f.Status == StatusFailed {
					return f.Err
				}
				return nil
			})
		}
		err := g.Wait()

		for _, f := range batch {
			furthest = max(furthest, f.Bracket)
			d.report(f, stats)
		}
		if err != nil {
			return err
		}
		if furthest > releaseFloor {
			d.src.ReleaseBefore(furthest - releaseWindow)
		}
	}
	return nil
}

func (d *Driver) renderFrame(n int, t float64) Frame {
	f := Frame{
		Index:   n,
		Time:    t,
		Path:    filepath.Join(d.opts.OutDir, FrameName(n, d.opts.Format)),
		Bracket: d.src.BracketIndex(t),
	}
	start := time.Now()
	img, err := d.src.FrameAt(t)
	if err == nil {
		err = d.codec.Save(img, f.Path, d.opts.Format)
	}
	f.Duration = time.Since(start)
	switch {
	case err == nil:
		f.Status = StatusWritten
	case errors.Is(err, imaging.ErrDimensionMismatch):
		f.Status = StatusSkipped
		f.Err = err
	default:
		f.Status = StatusFailed
		f.Err = fmt.Errorf("frame %d (t=%f): %w", n, t, err)
	}
	return f
}

func (d *Driver) report(f Frame, stats *collector) {
	stats.record(f)
	if f.Status == StatusSkipped {
		d.log.Warn("frame skipped", "frame", f.Index, "t", f.Time, "error", f.Err)
	}
	if d.opts.OnFrame != nil {
		d.opts.OnFrame(f)
	}
}
