// Package timeline holds the keyframe timeline: time-ordered source images
// plus the gamma, blur, auto-contrast and mask tracks, and composes one output
// image for any instant within the sequence.
package timeline

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"
	"sort"
	"strings"

	"interpolapse/internal/imaging"
)

// ErrTooFewImages is returned when a timeline has fewer than two images.
var ErrTooFewImages = errors.New("timeline needs at least two images")

// Settings are the output parameters of a timeline.
type Settings struct {
	OutDir    string
	OutFormat string
	Frames    int
	Threads   int
}

// Extras are keyframes declared in addition to the per-image values.
type Extras struct {
	Gamma        []Keyframe
	Blur         []Keyframe
	AutoContrast []Keyframe
	Masks        []MaskKeyframe
}

// Params are the resolved parameters of one instant.
type Params struct {
	Time         float64
	Index        int
	Ratio        float64
	From, To     string
	Gamma        [3]float64
	Blur         float64
	AutoContrast float64
	Mask1, Mask2 string
	MaskFactor   float64
}

// Timeline is immutable after New apart from the image buffer caches.
type Timeline struct {
	images []*SourceImage
	times  []float64

	gamma *Track
	blur  *Track
	ac    *Track
	masks *MaskTrack

	backend  imaging.Backend
	settings Settings
	log      *slog.Logger
}

// New resolves image timestamps, orders the images and builds each track
// from the per-image values followed by the extra keyframes.
func New(images []*SourceImage, extras Extras, settings Settings, backend imaging.Backend, log *slog.Logger) (*Timeline, error) {
	if len(images) < 2 {
		return nil, fmt.Errorf("%w (got %d)", ErrTooFewImages, len(images))
	}
	if log == nil {
		log = slog.Default()
	}

	ordered := append([]*SourceImage(nil), images...)
	stamps := make(map[*SourceImage]float64, len(ordered))
	for _, img := range ordered {
		ts, err := img.CreationInstant()
		if err != nil {
			return nil, fmt.Errorf("timestamp of %s: %w", img.Path, err)
		}
		stamps[img] = ts
	}
	sort.SliceStable(ordered, func(i, j int) bool { return stamps[ordered[i]] < stamps[ordered[j]] })

	tl := &Timeline{
		images:   ordered,
		times:    make([]float64, len(ordered)),
		backend:  backend,
		settings: settings,
		log:      log,
	}
	var gammaKeys, blurKeys, acKeys []Keyframe
	var maskKeys []MaskKeyframe
	for i, img := range ordered {
		ts := stamps[img]
		tl.times[i] = ts
		g := img.Adjust.Gamma
		gammaKeys = append(gammaKeys, Keyframe{Time: ts, Value: RGB(g[0], g[1], g[2])})
		blurKeys = append(blurKeys, Keyframe{Time: ts, Value: Scalar(img.Adjust.Blur)})
		acKeys = append(acKeys, Keyframe{Time: ts, Value: Scalar(img.Adjust.AutoContrast)})
		maskKeys = append(maskKeys, MaskKeyframe{Time: ts, Path: img.Adjust.Mask})
	}

	var err error
	if tl.gamma, err = NewTrack("gamma", append(gammaKeys, extras.Gamma...)); err != nil {
		return nil, err
	}
	if tl.blur, err = NewTrack("blur", append(blurKeys, extras.Blur...)); err != nil {
		return nil, err
	}
	if tl.ac, err = NewTrack("ac", append(acKeys, extras.AutoContrast...)); err != nil {
		return nil, err
	}
	if tl.masks, err = NewMaskTrack(append(maskKeys, extras.Masks...)); err != nil {
		return nil, err
	}
	return tl, nil
}

func (tl *Timeline) MinTime() float64 { return tl.times[0] }

func (tl *Timeline) MaxTime() float64 { return tl.times[len(tl.times)-1] }

func (tl *Timeline) Settings() Settings { return tl.settings }

// Images returns the time-ordered source images.
func (tl *Timeline) Images() []*SourceImage { return append([]*SourceImage(nil), tl.images...) }

// BracketIndex returns the index of the earlier image of the pair around t.
func (tl *Timeline) BracketIndex(t float64) int {
	return bracket(len(tl.times), func(i int) float64 { return tl.times[i] }, t)
}

// Sample resolves every parameter at t without touching pixels.
func (tl *Timeline) Sample(t float64) Params {
	idx := tl.BracketIndex(t)
	m1, m2, mf := tl.masks.At(t)
	return Params{
		Time:         t,
		Index:        idx,
		Ratio:        ratio(tl.times[idx], tl.times[idx+1], t),
		From:         tl.images[idx].Path,
		To:           tl.images[idx+1].Path,
		Gamma:        tl.gamma.ValueAt(t).Triple(),
		Blur:         tl.blur.ValueAt(t).Float(),
		AutoContrast: tl.ac.ValueAt(t).Float(),
		Mask1:        m1,
		Mask2:        m2,
		MaskFactor:   mf,
	}
}

// FrameAt composes the output image for t: blend of the bracketing pair,
// auto-contrast, mask, gamma, then blur.
func (tl *Timeline) FrameAt(t float64) (image.Image, error) {
	p := tl.Sample(t)
	tl.log.Debug("frame",
		"t", p.Time,
		"gamma", fmt.Sprintf("(%f,%f,%f)", p.Gamma[0], p.Gamma[1], p.Gamma[2]),
		"blur", p.Blur,
		"ac", p.AutoContrast,
		"f1", p.From,
		"f2", p.To,
	)

	ops := tl.backend
	img, err := tl.images[p.Index].BlendWith(tl.images[p.Index+1], p.Ratio)
	if err != nil {
		return nil, err
	}

	if p.AutoContrast != 0 {
		stretched, err := ops.AutoContrast(img)
		if err != nil {
			return nil, fmt.Errorf("auto-contrast at t=%f: %w", t, err)
		}
		if img, err = ops.Blend(img, stretched, p.AutoContrast); err != nil {
			return nil, err
		}
	}

	mask, err := tl.maskImage(p)
	if err != nil {
		return nil, err
	}
	if mask != nil {
		if img, err = ops.Multiply(img, mask); err != nil {
			return nil, fmt.Errorf("mask %s at t=%f: %w", p.Mask1, t, err)
		}
	}

	if p.Gamma != [3]float64{1, 1, 1} {
		img = ops.Gamma(img, p.Gamma[0], p.Gamma[1], p.Gamma[2])
	}

	if p.Blur > 0 {
		passes, frac := math.Modf(p.Blur)
		for i := 0; i < int(passes); i++ {
			if img, err = ops.BlurPass(img); err != nil {
				return nil, fmt.Errorf("blur at t=%f: %w", t, err)
			}
		}
		if frac > 0 {
			blurred, err := ops.BlurPass(img)
			if err != nil {
				return nil, fmt.Errorf("blur at t=%f: %w", t, err)
			}
			if img, err = ops.Blend(img, blurred, frac); err != nil {
				return nil, err
			}
		}
	}
	return img, nil
}

// maskImage blends the two bracketing masks. It returns nil when either side
// has no mask. Masks of differing size fall back to the first one.
func (tl *Timeline) maskImage(p Params) (image.Image, error) {
	if p.Mask1 == "" || p.Mask2 == "" {
		return nil, nil
	}
	a, err := tl.backend.Load(p.Mask1)
	if err != nil {
		return nil, fmt.Errorf("mask: %w", err)
	}
	if p.Mask2 == p.Mask1 {
		return a, nil
	}
	b, err := tl.backend.Load(p.Mask2)
	if err != nil {
		return nil, fmt.Errorf("mask: %w", err)
	}
	out, err := tl.backend.Blend(a, b, p.MaskFactor)
	if errors.Is(err, imaging.ErrDimensionMismatch) {
		tl.log.Warn("masks of differing sizes, using first", "m1", p.Mask1, "m2", p.Mask2, "error", err)
		return a, nil
	}
	return out, err
}

// ReleaseBefore drops the buffers of images with index below idx.
func (tl *Timeline) ReleaseBefore(idx int) {
	for i := 0; i < idx && i < len(tl.images); i++ {
		tl.images[i].Release()
	}
}

// ReleaseAll drops every image buffer.
func (tl *Timeline) ReleaseAll() {
	for _, img := range tl.images {
		img.Release()
	}
}

// Describe renders a human readable summary of the timeline.
func (tl *Timeline) Describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Filelist (%d):\n", len(tl.images))
	for _, img := range tl.images {
		fmt.Fprintf(&b, "  %s [%s]\n", img, img.TimeSource())
	}
	writeTrack := func(name string, keys []Keyframe) {
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = fmt.Sprintf("(%.3f, %s)", k.Time, k.Value)
		}
		fmt.Fprintf(&b, "%s: [%s]\n", name, strings.Join(parts, ", "))
	}
	writeTrack("Gammas", tl.gamma.Keys())
	masks := tl.masks.Keys()
	parts := make([]string, len(masks))
	for i, k := range masks {
		path := k.Path
		if path == "" {
			path = "none"
		}
		parts[i] = fmt.Sprintf("(%.3f, %s)", k.Time, path)
	}
	fmt.Fprintf(&b, "Masks: [%s]\n", strings.Join(parts, ", "))
	writeTrack("Blurs", tl.blur.Keys())
	writeTrack("AutoContrasts", tl.ac.Keys())
	fmt.Fprintf(&b, "Span: %.3f .. %.3f\n", tl.MinTime(), tl.MaxTime())
	fmt.Fprintf(&b, "Frames: %d\nThreads: %d\nOutput: %s (%s)\n",
		tl.settings.Frames, tl.settings.Threads, tl.settings.OutDir, tl.settings.OutFormat)
	return b.String()
}
