package timeline

import (
	"context"

	"interpolapse/internal/render"
)

// Render writes the configured frame count into the output directory.
// onFrame may be nil.
func (tl *Timeline) Render(ctx context.Context, onFrame func(render.Frame)) (render.Summary, error) {
	d := render.NewDriver(tl, tl.backend, render.Options{
		OutDir:  tl.settings.OutDir,
		Format:  tl.settings.OutFormat,
		Frames:  tl.settings.Frames,
		Threads: tl.settings.Threads,
		OnFrame: onFrame,
	}, tl.log)
	return d.Run(ctx)
}

// WithFrames returns a shallow copy of tl that renders n frames. The copy
// shares images and tracks with tl.
func (tl *Timeline) WithFrames(n int) *Timeline {
	cp := *tl
	cp.settings.Frames = n
	return &cp
}

// WithThreads returns a shallow copy of tl with batch size n.
func (tl *Timeline) WithThreads(n int) *Timeline {
	cp := *tl
	cp.settings.Threads = n
	return &cp
}
