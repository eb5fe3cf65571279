package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"interpolapse/internal/config"
	"interpolapse/internal/exifmeta"
	"interpolapse/internal/imaging"
	"interpolapse/internal/pipeline"
	"interpolapse/internal/storage"
)

func TestRenderCommandSubmitsJob(t *testing.T) {
	root, fakePipe, out := newTestRoot(t)
	if err := execute(root, "render", "p.json", "-n", "12", "-t", "3", "-o", "frames"); err != nil {
		t.Fatalf("render failed: %v", err)
	}
	if len(fakePipe.jobs) != 1 {
		t.Fatalf("expected one job, got %d", len(fakePipe.jobs))
	}
	job := fakePipe.jobs[0]
	if job.Type != pipeline.JobRender || job.Input != "p.json" {
		t.Fatalf("unexpected job %+v", job)
	}
	if job.Options != (pipeline.Options{Frames: 12, Threads: 3, OutDir: "frames"}) {
		t.Fatalf("unexpected options %+v", job.Options)
	}
	if !strings.Contains(out.String(), "frame 00000") || !strings.Contains(out.String(), "done: 1 written") {
		t.Fatalf("expected progress output, got %q", out.String())
	}
}

func TestRenderValidatesArguments(t *testing.T) {
	root, fakePipe, _ := newTestRoot(t)
	if err := execute(root, "render"); err == nil {
		t.Fatalf("expected error for missing project")
	}
	if err := execute(root, "render", "p.json", "--frames=-1"); err == nil {
		t.Fatalf("expected error for negative frames")
	}
	if len(fakePipe.jobs) != 0 {
		t.Fatalf("invalid invocations should not submit jobs")
	}
}

func TestRunJobPropagatesErrors(t *testing.T) {
	root, fakePipe, _ := newTestRoot(t)
	job := pipeline.Job{ID: "err-job", Type: pipeline.JobRender}
	fakePipe.jobErrors["err-job"] = context.DeadlineExceeded
	if err := root.runJob(context.Background(), job, nil); err == nil {
		t.Fatalf("expected error from pipeline result")
	}

	fakePipe.submitErr = pipeline.ErrQueueFull
	if err := root.runJob(context.Background(), pipeline.Job{ID: "full"}, nil); !errors.Is(err, pipeline.ErrQueueFull) {
		t.Fatalf("expected queue full, got %v", err)
	}

	fakePipe.submitErr = nil
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := root.runJob(ctx, pipeline.Job{ID: "late"}, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(fakePipe.jobs) != 1 {
		t.Fatalf("only the failing job should have run, got %d", len(fakePipe.jobs))
	}
}

func TestProgressPrintsRenderSummary(t *testing.T) {
	root, _, out := newTestRoot(t)
	root.printProgress(pipeline.Event{Kind: pipeline.EventDone, JobID: "r", Meta: map[string]any{
		"written": 2,
		"summary": "2/2 frames written, 0 skipped in 4ms (p50 2ms, p99 2ms, peak rss 10 MB)",
	}})
	if got := out.String(); got != "done: 2/2 frames written, 0 skipped in 4ms (p50 2ms, p99 2ms, peak rss 10 MB)\n" {
		t.Fatalf("unexpected done line %q", got)
	}
}

func TestInitPrintsProject(t *testing.T) {
	root, fakePipe, out := newTestRoot(t)
	dir := t.TempDir()
	writeSolid(t, filepath.Join(dir, "late.png"))
	writeSolid(t, filepath.Join(dir, "early.png"))
	root.deps.Resolver = stubResolver{"early.png": 1, "late.png": 9}

	if err := execute(root, "init", filepath.Join(dir, "*.png"), "--yaml", "--frames", "48"); err != nil {
		t.Fatalf("init failed: %v", err)
	}
	body := out.String()
	if !strings.Contains(body, "noframes: 48") || !strings.Contains(body, "outdir: "+root.cfg.Paths.DefaultOutput) {
		t.Fatalf("unexpected project %q", body)
	}
	if strings.Index(body, "early.png") > strings.Index(body, "late.png") {
		t.Fatalf("images should be listed in time order: %q", body)
	}
	if len(fakePipe.jobs) != 0 {
		t.Fatalf("printing to stdout should not queue a job")
	}
}

func TestInitWithOutputQueuesGenerate(t *testing.T) {
	root, fakePipe, _ := newTestRoot(t)
	if err := execute(root, "init", "shots/*.jpg", "-o", "p.yaml"); err != nil {
		t.Fatalf("init failed: %v", err)
	}
	if len(fakePipe.jobs) != 1 {
		t.Fatalf("expected one job, got %d", len(fakePipe.jobs))
	}
	job := fakePipe.jobs[0]
	if job.Type != pipeline.JobGenerate || job.Output != "p.yaml" || job.Options.Frames != pipeline.DefaultGenerateFrames {
		t.Fatalf("unexpected job %+v", job)
	}
}

func TestInspectSamplesTimeline(t *testing.T) {
	root, _, out := newTestRoot(t)
	path := writeProject(t, t.TempDir())

	if err := execute(root, "inspect", path, "--at", "5", "--frames"); err != nil {
		t.Fatalf("inspect failed: %v", err)
	}
	body := out.String()
	for _, want := range []string{"Filelist (2)", "t=5.000 [0] a.png -> b.png 0.500", "gamma=(1.500, 1.500, 1.500)", "t=2.500"} {
		if !strings.Contains(body, want) {
			t.Fatalf("output missing %q:\n%s", want, body)
		}
	}
}

func TestProjectFilesCollectsInputs(t *testing.T) {
	path := writeProject(t, t.TempDir())
	files, err := projectFiles(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 4 || files[0] != path {
		t.Fatalf("expected project, two images and a mask, got %v", files)
	}
}

func TestServeCommandUsesInjectedFunction(t *testing.T) {
	root, _, _ := newTestRoot(t)
	var called bool
	root.serveFn = func(ctx context.Context, addr, grpcAddr string, store *storage.Store, pipe pipelineClient, log *slog.Logger) error {
		called = true
		if addr != ":9999" || grpcAddr != "" {
			t.Fatalf("unexpected addrs %q %q", addr, grpcAddr)
		}
		return nil
	}
	if err := execute(root, "serve", "--addr", ":9999", "--grpc-addr", ""); err != nil {
		t.Fatalf("serve failed: %v", err)
	}
	if !called {
		t.Fatalf("serve function was not invoked")
	}
}

func TestRunsCommand(t *testing.T) {
	root, _, out := newTestRoot(t)
	if err := execute(root, "runs"); err == nil {
		t.Fatalf("expected error without a store")
	}

	store, err := storage.New(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	root.store = store
	must(t, store.RecordRunQueued(storage.RunRecord{ID: "run-42", ProjectPath: "p.json", Status: "queued"}))
	must(t, store.RecordRunStart("run-42", 2, 1))
	must(t, store.RecordFrame(storage.FrameRecord{RunID: "run-42", Index: 0, Status: "written"}))
	must(t, store.RecordFrame(storage.FrameRecord{RunID: "run-42", Index: 1, Time: 4, Status: "skipped", Error: "image dimensions differ"}))
	must(t, store.RecordRunResult("run-42", "completed", 1, 1, nil, ""))

	if err := execute(root, "runs"); err != nil {
		t.Fatalf("runs failed: %v", err)
	}
	if !strings.Contains(out.String(), "run-42") || !strings.Contains(out.String(), "1/2") {
		t.Fatalf("unexpected listing %q", out.String())
	}

	out.Reset()
	if err := execute(root, "runs", "run-42"); err != nil {
		t.Fatalf("runs id failed: %v", err)
	}
	if !strings.Contains(out.String(), "frame 00001 t=4.000 skipped: image dimensions differ") {
		t.Fatalf("unexpected detail %q", out.String())
	}
	if strings.Contains(out.String(), "frame 00000") {
		t.Fatalf("written frames should not be listed: %q", out.String())
	}
}

func TestConfigCommands(t *testing.T) {
	root, _, out := newTestRoot(t)
	if err := execute(root, "config", "show"); err != nil {
		t.Fatalf("config show failed: %v", err)
	}
	if !strings.Contains(out.String(), "Current configuration") || !strings.Contains(out.String(), `"backend": "native"`) {
		t.Fatalf("expected configuration output, got %q", out.String())
	}

	path := filepath.Join(t.TempDir(), "config.json")
	if err := execute(root, "config", "init", path); err != nil {
		t.Fatalf("config init failed: %v", err)
	}
	if err := execute(root, "config", "init", path); err == nil {
		t.Fatalf("expected refusal without --force")
	}
	if err := execute(root, "config", "init", path, "--force"); err != nil {
		t.Fatalf("config init --force failed: %v", err)
	}

	out.Reset()
	if err := execute(root, "version"); err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.Contains(out.String(), "interpolapse "+Version) || !strings.Contains(out.String(), "native (selected)") {
		t.Fatalf("expected version string, got %q", out.String())
	}
}

// Test helpers

func execute(root *Root, args ...string) error {
	cmd := NewRootCmd(root)
	cmd.SetArgs(args)
	cmd.SetErr(io.Discard)
	return cmd.ExecuteContext(context.Background())
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func newTestRoot(t *testing.T) (*Root, *fakePipeline, *bytes.Buffer) {
	t.Helper()

	cfg := config.Default()
	tmp := t.TempDir()
	cfg.Paths.DefaultOutput = filepath.Join(tmp, "output")
	cfg.Paths.DatabasePath = filepath.Join(tmp, "interpolapse.db")

	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
	pipe := newFakePipeline()
	out := &bytes.Buffer{}

	root := &Root{
		pipeline: pipe,
		deps:     pipeline.Deps{Backend: imaging.NewNative(imaging.Settings{}), Log: logger},
		cfg:      cfg,
		log:      logger,
		serveFn:  defaultServe,
		out:      out,
	}
	return root, pipe, out
}

type fakePipeline struct {
	mu        sync.Mutex
	jobs      []pipeline.Job
	subs      map[int]chan pipeline.Event
	nextSubID int
	jobErrors map[string]error
	submitErr error
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{
		subs:      make(map[int]chan pipeline.Event),
		jobErrors: make(map[string]error),
	}
}

// Submit records job and immediately publishes a frame and a done event.
func (f *fakePipeline) Submit(job pipeline.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return f.submitErr
	}
	f.jobs = append(f.jobs, job)

	done := pipeline.Event{Kind: pipeline.EventDone, JobID: job.ID, Meta: map[string]any{"written": 1, "skipped": 0, "elapsed_ms": 3}}
	if err := f.jobErrors[job.ID]; err != nil {
		done.Error = err.Error()
	}
	for _, ch := range f.subs {
		ch <- pipeline.Event{Kind: pipeline.EventFrame, JobID: job.ID, Frame: &pipeline.FrameEvent{Index: 0, Status: "written", Path: "out/result-00000.jpg"}}
		ch <- done
	}
	return nil
}

// Run submits job and replays the events Submit published to the caller.
func (f *fakePipeline) Run(ctx context.Context, job pipeline.Job, onEvent func(pipeline.Event)) error {
	events, unsubscribe := f.Subscribe()
	defer unsubscribe()
	if err := f.Submit(job); err != nil {
		return err
	}
	for ev := range events {
		if onEvent != nil {
			onEvent(ev)
		}
		if ev.Kind == pipeline.EventDone {
			if ev.Error != "" {
				return errors.New(ev.Error)
			}
			return nil
		}
	}
	return nil
}

func (f *fakePipeline) Subscribe() (<-chan pipeline.Event, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextSubID
	f.nextSubID++
	ch := make(chan pipeline.Event, 8)
	f.subs[id] = ch
	return ch, func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}
}

type stubResolver map[string]float64

func (s stubResolver) Resolve(path string) (exifmeta.Instant, error) {
	ts, ok := s[filepath.Base(path)]
	if !ok {
		return exifmeta.Instant{}, exifmeta.ErrTimestampResolution
	}
	return exifmeta.Instant{Seconds: ts, Source: exifmeta.SourceDateTimeOriginal}, nil
}

func writeSolid(t *testing.T, path string) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	if err := imaging.NewNative(imaging.Settings{}).Save(img, path, "png"); err != nil {
		t.Fatal(err)
	}
}

func writeProject(t *testing.T, dir string) string {
	t.Helper()
	a, b, m := filepath.Join(dir, "a.png"), filepath.Join(dir, "b.png"), filepath.Join(dir, "m.png")
	for _, p := range []string{a, b, m} {
		writeSolid(t, p)
	}
	body := fmt.Sprintf(`{
  "filelist": [{"name": %q, "time": 0}, {"name": %q, "time": 10, "gamma": 2, "mask": %q}],
  "outdir": %q,
  "noframes": 4
}`, a, b, m, filepath.Join(dir, "out"))
	path := filepath.Join(dir, "project.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}
