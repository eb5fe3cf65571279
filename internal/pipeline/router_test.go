package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"interpolapse/internal/exifmeta"
	"interpolapse/internal/imaging"
	"interpolapse/internal/project"
	"interpolapse/internal/storage"
)

func writeSolid(t *testing.T, path string, v uint8) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 6, 4))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = v, v, v, 255
	}
	if err := imaging.NewNative(imaging.Settings{}).Save(img, path, "png"); err != nil {
		t.Fatal(err)
	}
}

func writeProject(t *testing.T, dir string) string {
	t.Helper()
	a := filepath.Join(dir, "a.png")
	b := filepath.Join(dir, "b.png")
	writeSolid(t, a, 0)
	writeSolid(t, b, 200)
	body := fmt.Sprintf(`{
  "filelist": [{"name": %q, "time": 0}, {"name": %q, "time": 10}],
  "outdir": %q,
  "outformat": "png",
  "noframes": 5,
  "nothreads": 1,
  "gammas": [[0, 1], [10, 2]]
}`, a, b, filepath.Join(dir, "out"))
	path := filepath.Join(dir, "project.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.New(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testDeps(store *storage.Store, resolver *stubResolver) Deps {
	d := Deps{
		Backend: imaging.NewNative(imaging.Settings{}),
		Store:   store,
		Log:     slog.Default(),
	}
	if resolver != nil {
		d.Resolver = resolver
	}
	return d
}

func testRouter(store *storage.Store, resolver *stubResolver) *router {
	return newRouter(testDeps(store, resolver)).(*router)
}

type stubResolver struct {
	times map[string]float64
}

func (s *stubResolver) Resolve(path string) (exifmeta.Instant, error) {
	ts, ok := s.times[filepath.Base(path)]
	if !ok {
		return exifmeta.Instant{}, fmt.Errorf("%s: %w", path, exifmeta.ErrTimestampResolution)
	}
	return exifmeta.Instant{Seconds: ts, Source: exifmeta.SourceDateTimeOriginal}, nil
}

func TestRouterRenderRecordsFrames(t *testing.T) {
	dir := t.TempDir()
	store := openStore(t)
	r := testRouter(store, nil)

	job := Job{ID: "render-1", Type: JobRender, Input: writeProject(t, dir), Options: Options{Frames: 3, Threads: 2}}
	if err := store.RecordRunQueued(storage.RunRecord{ID: job.ID, ProjectPath: job.Input, Status: "queued"}); err != nil {
		t.Fatal(err)
	}

	var events []Event
	res := r.Process(context.Background(), job, func(ev Event) { events = append(events, ev) })
	if res.Error != nil {
		t.Fatalf("expected nil error, got %v", res.Error)
	}
	if res.Summary.Written != 3 || res.Meta["written"] != 3 {
		t.Fatalf("unexpected summary %+v meta %v", res.Summary, res.Meta)
	}
	if res.Meta["summary"] != res.Summary.String() || !strings.Contains(res.Summary.String(), "3/3 frames written") {
		t.Fatalf("expected summary line in meta, got %v", res.Meta["summary"])
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 frame events, got %d", len(events))
	}
	for i, ev := range events {
		if ev.Kind != EventFrame || ev.Frame == nil || ev.Frame.Index != i {
			t.Fatalf("event %d out of order: %+v", i, ev)
		}
		if _, err := os.Stat(ev.Frame.Path); err != nil {
			t.Fatalf("frame %d not written: %v", i, err)
		}
	}

	frames, err := store.Frames(job.ID)
	if err != nil || len(frames) != 3 {
		t.Fatalf("expected 3 stored frames, got %v %v", frames, err)
	}
	run, err := store.Run(job.ID)
	if err != nil || run.Status != "running" || run.FramesTotal != 3 || run.Threads != 2 {
		t.Fatalf("unexpected run record %+v %v", run, err)
	}
}

func TestRouterRenderOutDirOverride(t *testing.T) {
	dir := t.TempDir()
	r := testRouter(nil, nil)
	out := filepath.Join(dir, "elsewhere")
	job := Job{ID: "render-2", Type: JobRender, Input: writeProject(t, dir), Options: Options{Frames: 2, OutDir: out}}

	res := r.Process(context.Background(), job, func(Event) {})
	if res.Error != nil {
		t.Fatalf("render: %v", res.Error)
	}
	if _, err := os.Stat(filepath.Join(out, "result-00001.png")); err != nil {
		t.Fatalf("expected frame in override dir: %v", err)
	}
}

func TestRouterRenderConfigError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.json")
	if err := os.WriteFile(path, []byte(`{"filelist": [{"name": "x.png"}], "noframes": 3}`), 0o644); err != nil {
		t.Fatal(err)
	}
	r := testRouter(nil, nil)
	res := r.Process(context.Background(), Job{ID: "bad", Type: JobRender, Input: path}, func(Event) {})
	var cfgErr *project.ConfigError
	if !errors.As(res.Error, &cfgErr) || cfgErr.Field != "outdir" {
		t.Fatalf("expected outdir config error, got %v", res.Error)
	}
}

func TestDepsTimelineAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeProject(t, dir)
	body, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	// Drop the explicit nothreads and outformat so the defaults apply.
	stripped := strings.NewReplacer(`"nothreads": 1,`, "", `"outformat": "png",`, "").Replace(string(body))
	if err := os.WriteFile(path, []byte(stripped), 0o644); err != nil {
		t.Fatal(err)
	}
	deps := testDeps(nil, nil)
	deps.Defaults = project.Defaults{Threads: 3, OutFormat: "bmp"}
	tl, err := deps.Timeline(path, Options{Frames: 7})
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	s := tl.Settings()
	if s.Threads != 3 || s.OutFormat != "bmp" || s.Frames != 7 {
		t.Fatalf("unexpected settings %+v", s)
	}
}

func TestRouterUnknownJobType(t *testing.T) {
	r := testRouter(nil, nil)
	res := r.Process(context.Background(), Job{ID: "x", Type: "stack"}, func(Event) {})
	if res.Error == nil {
		t.Fatalf("expected error for unknown job type")
	}
}

func TestRouterGenerateWritesProject(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"late.png", "early.png", "mid.png"} {
		writeSolid(t, filepath.Join(dir, name), 50)
	}
	resolver := &stubResolver{times: map[string]float64{"early.png": 5, "mid.png": 7, "late.png": 30}}
	r := testRouter(nil, resolver)

	out := filepath.Join(dir, "gen", "project.yaml")
	job := Job{ID: "gen-1", Type: JobGenerate, Input: filepath.Join(dir, "*.png"), Output: out, Options: Options{Frames: 12}}
	res := r.Process(context.Background(), job, func(Event) {})
	if res.Error != nil {
		t.Fatalf("generate: %v", res.Error)
	}
	if res.Meta["images"] != 3 {
		t.Fatalf("unexpected meta %v", res.Meta)
	}

	p, err := project.Load(out)
	if err != nil {
		t.Fatalf("generated project should load: %v", err)
	}
	if p.Frames != 12 || p.OutDir != DefaultGenerateOutDir || p.OutFormat != "png" {
		t.Fatalf("unexpected generated settings %+v", p)
	}
	want := []string{"early.png", "mid.png", "late.png"}
	for i, img := range p.Images {
		if filepath.Base(img.Path) != want[i] {
			t.Fatalf("image %d = %s, want %s", i, img.Path, want[i])
		}
	}
}

func TestGenerateErrors(t *testing.T) {
	dir := t.TempDir()
	deps := testDeps(nil, &stubResolver{times: map[string]float64{}})
	if _, err := deps.Generate(filepath.Join(dir, "*.jpg"), Options{}); err == nil {
		t.Fatalf("expected error for empty match")
	}
	writeSolid(t, filepath.Join(dir, "unknown.png"), 1)
	if _, err := testDeps(nil, nil).Generate(filepath.Join(dir, "*.png"), Options{}); err == nil {
		t.Fatalf("expected error without a resolver")
	}
	_, err := deps.Generate(filepath.Join(dir, "*.png"), Options{})
	if !errors.Is(err, exifmeta.ErrTimestampResolution) {
		t.Fatalf("expected timestamp error, got %v", err)
	}
}
