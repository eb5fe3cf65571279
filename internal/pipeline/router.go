package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"interpolapse/internal/fsutil"
	"interpolapse/internal/imaging"
	"interpolapse/internal/logging"
	"interpolapse/internal/project"
	"interpolapse/internal/render"
	"interpolapse/internal/storage"
	"interpolapse/internal/timeline"
)

// Default settings for generated projects.
const (
	DefaultGenerateFrames = 100
	DefaultGenerateOutDir = "out/"
)

// Deps are the collaborators jobs run against.
type Deps struct {
	Backend  imaging.Backend
	Resolver timeline.TimeResolver
	Store    *storage.Store
	Log      *slog.Logger
	// Defaults fill in project settings left out of the file.
	Defaults project.Defaults
}

func (d Deps) logger() *slog.Logger {
	if d.Log == nil {
		return slog.Default()
	}
	return d.Log
}

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	deps  Deps
	log   *slog.Logger
	store *storage.Store
}

func newRouter(deps Deps) Processor {
	return &router{deps: deps, log: deps.logger(), store: deps.Store}
}

func (r *router) Process(ctx context.Context, job Job, emit func(Event)) Result {
	switch job.Type {
	case JobRender:
		return r.handleRender(ctx, job, emit)
	case JobGenerate:
		return r.handleGenerate(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

// Timeline loads the project at path and applies the job overrides.
func (d Deps) Timeline(path string, opts Options) (*timeline.Timeline, error) {
	p, err := project.LoadWith(path, d.Defaults)
	if err != nil {
		return nil, err
	}
	if opts.OutDir != "" {
		p.OutDir = opts.OutDir
	}
	tl, err := timeline.FromProject(p, d.Backend, d.Resolver, d.logger())
	if err != nil {
		return nil, fmt.Errorf("build timeline from %s: %w", p.Path, err)
	}
	if opts.Frames > 0 {
		tl = tl.WithFrames(opts.Frames)
	}
	if opts.Threads > 0 {
		tl = tl.WithThreads(opts.Threads)
	}
	return tl, nil
}

func (r *router) handleRender(ctx context.Context, job Job, emit func(Event)) Result {
	tl, err := r.deps.Timeline(job.Input, job.Options)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	settings := tl.Settings()
	if r.store != nil {
		if err := r.store.RecordRunStart(job.ID, settings.Frames, settings.Threads); err != nil {
			r.log.Warn("record run start", "job", job.ID, "error", err)
		}
	}
	logging.LogRunStart(r.log, job.ID, job.Input, settings.Frames, settings.Threads)

	sum, err := tl.Render(ctx, func(f render.Frame) {
		fe := frameEvent(f)
		logging.LogFrame(r.log, job.ID, f.Index, f.Time, f.Path, string(f.Status), f.Duration)
		if r.store != nil {
			if err := r.store.RecordFrame(storage.FrameRecord{
				RunID:      job.ID,
				Index:      fe.Index,
				Time:       fe.Time,
				OutputPath: fe.Path,
				Status:     fe.Status,
				Error:      fe.Error,
				DurationMS: fe.DurationMS,
			}); err != nil {
				r.log.Warn("record frame", "job", job.ID, "frame", f.Index, "error", err)
			}
		}
		emit(Event{Kind: EventFrame, JobID: job.ID, Frame: &fe})
	})
	if err != nil {
		err = fmt.Errorf("render %s: %w", job.Input, err)
	}
	return Result{Job: job, Summary: sum, Error: err, Meta: summaryMeta(sum, settings.OutDir)}
}

func (r *router) handleGenerate(ctx context.Context, job Job) Result {
	if err := ctx.Err(); err != nil {
		return Result{Job: job, Error: err}
	}
	f, err := r.deps.Generate(job.Input, job.Options)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	out := job.Output
	if out == "" {
		out = "project.json"
		if job.Options.YAML {
			out = "project.yaml"
		}
	}
	if err := WriteProject(out, f, job.Options.YAML || project.IsYAML(out)); err != nil {
		return Result{Job: job, Error: err}
	}
	r.log.Info("project generated", "job", job.ID, "images", len(f.FileList), "output", out)
	return Result{Job: job, Meta: map[string]any{"images": len(f.FileList), "output": out}}
}

// Generate expands pattern, resolves every image's creation instant and
// builds a starter project.
func (d Deps) Generate(pattern string, opts Options) (*project.File, error) {
	if d.Resolver == nil {
		return nil, errors.New("no timestamp resolver configured")
	}
	logger := d.logger()
	files, err := fsutil.Glob(pattern)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no images match %q", pattern)
	}
	timed := make([]project.Timed, 0, len(files))
	for _, path := range files {
		inst, err := d.Resolver.Resolve(path)
		if err != nil {
			return nil, fmt.Errorf("resolve timestamp of %s: %w", path, err)
		}
		logger.Debug("image timestamp", "path", path, "time", inst.Seconds, "source", inst.Source)
		timed = append(timed, project.Timed{Path: path, Time: inst.Seconds})
	}

	frames := opts.Frames
	if frames <= 0 {
		frames = DefaultGenerateFrames
	}
	outDir := opts.OutDir
	if outDir == "" {
		outDir = DefaultGenerateOutDir
	}
	return project.Generate(timed, project.Options{Pattern: pattern, Frames: frames, OutDir: outDir}), nil
}

// WriteProject encodes f to path, creating parent directories.
func WriteProject(path string, f *project.File, asYAML bool) (err error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create project file: %w", err)
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}()
	return project.Encode(out, f, asYAML)
}

func frameEvent(f render.Frame) FrameEvent {
	fe := FrameEvent{
		Index:      f.Index,
		Time:       f.Time,
		Path:       f.Path,
		Status:     string(f.Status),
		DurationMS: f.Duration.Milliseconds(),
	}
	if f.Err != nil {
		fe.Error = f.Err.Error()
	}
	return fe
}

func summaryMeta(sum render.Summary, outDir string) map[string]any {
	return map[string]any{
		"outdir":     outDir,
		"frames":     sum.Frames,
		"written":    sum.Written,
		"skipped":    sum.Skipped,
		"failed":     sum.Failed,
		"threads":    sum.Threads,
		"elapsed_ms": sum.Elapsed.Milliseconds(),
		"p50_ms":     sum.P50.Milliseconds(),
		"p99_ms":     sum.P99.Milliseconds(),
		"peak_rss":   sum.PeakRSS,
		"canceled":   sum.Canceled,
		"summary":    sum.String(),
	}
}

// IsCanceled reports whether err came from a cancelled context.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
