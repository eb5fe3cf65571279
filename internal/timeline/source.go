package timeline

import (
	"fmt"
	"image"
	"sync"
	"sync/atomic"

	"interpolapse/internal/exifmeta"
	"interpolapse/internal/imaging"
)

// TimeResolver yields the creation instant of an image file.
type TimeResolver interface {
	Resolve(path string) (exifmeta.Instant, error)
}

// Adjustments are the per-image values seeded into the parameter tracks.
type Adjustments struct {
	Gamma        [3]float64
	Blur         float64
	AutoContrast float64
	Mask         string
}

// DefaultAdjustments leaves an image untouched.
func DefaultAdjustments() Adjustments {
	return Adjustments{Gamma: [3]float64{1, 1, 1}}
}

// Transforms are applied to every source image of a timeline right after
// decoding, in the order curve, rotate, crop, scale.
type Transforms struct {
	Curve  *imaging.Curve
	Rotate float64
	Crop   *image.Rectangle
	Scale  *image.Point
}

type cacheEntry struct {
	loaded bool
	buffer image.Image
}

// SourceImage is one input frame. Its decoded buffer is loaded on first use
// and may be released at any time; the next Acquire decodes it again.
type SourceImage struct {
	Path   string
	Adjust Adjustments

	explicit   *float64
	transforms *Transforms
	backend    imaging.Backend
	resolver   TimeResolver

	tsOnce  sync.Once
	instant exifmeta.Instant
	tsErr   error

	mu    sync.Mutex
	entry cacheEntry
	loads atomic.Int64
}

// NewSourceImage describes an image. explicit, when set, overrides metadata.
func NewSourceImage(path string, explicit *float64, adj Adjustments, tr *Transforms, backend imaging.Backend, resolver TimeResolver) *SourceImage {
	if tr == nil {
		tr = &Transforms{}
	}
	return &SourceImage{
		Path:       path,
		Adjust:     adj,
		explicit:   explicit,
		transforms: tr,
		backend:    backend,
		resolver:   resolver,
	}
}

// CreationInstant returns the image timestamp in seconds. The first result is
// memoized for the lifetime of the image.
func (s *SourceImage) CreationInstant() (float64, error) {
	s.tsOnce.Do(func() {
		if s.explicit != nil {
			s.instant = exifmeta.Instant{Seconds: *s.explicit, Source: exifmeta.SourceExplicit}
			return
		}
		if s.resolver == nil {
			s.tsErr = fmt.Errorf("%s: no explicit time and no resolver", s.Path)
			return
		}
		s.instant, s.tsErr = s.resolver.Resolve(s.Path)
	})
	return s.instant.Seconds, s.tsErr
}

// TimeSource reports where the timestamp came from.
func (s *SourceImage) TimeSource() exifmeta.Source {
	s.CreationInstant()
	return s.instant.Source
}

// Acquire returns the transformed pixels, decoding them when needed.
func (s *SourceImage) Acquire() (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entry.loaded {
		return s.entry.buffer, nil
	}
	img, err := s.pixels()
	if err != nil {
		return nil, err
	}
	s.entry = cacheEntry{loaded: true, buffer: img}
	s.loads.Add(1)
	return img, nil
}

func (s *SourceImage) pixels() (image.Image, error) {
	img, err := s.backend.Load(s.Path)
	if err != nil {
		return nil, err
	}
	tr := s.transforms
	if tr.Curve != nil {
		img = s.backend.ApplyCurve(img, tr.Curve)
	}
	if tr.Rotate != 0 {
		if img, err = s.backend.Rotate(img, tr.Rotate); err != nil {
			return nil, fmt.Errorf("rotate %s: %w", s.Path, err)
		}
	}
	if tr.Crop != nil {
		if img, err = s.backend.Crop(img, *tr.Crop); err != nil {
			return nil, fmt.Errorf("crop %s: %w", s.Path, err)
		}
	}
	if tr.Scale != nil {
		if img, err = s.backend.Resize(img, *tr.Scale); err != nil {
			return nil, fmt.Errorf("scale %s: %w", s.Path, err)
		}
	}
	return img, nil
}

// Release drops the decoded buffer. Safe to call repeatedly.
func (s *SourceImage) Release() {
	s.mu.Lock()
	s.entry = cacheEntry{}
	s.mu.Unlock()
}

// Loaded reports whether a decoded buffer is held.
func (s *SourceImage) Loaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entry.loaded
}

// Loads counts how many times the image has been decoded.
func (s *SourceImage) Loads() int { return int(s.loads.Load()) }

// BlendWith mixes this image with other: ratio 0 is s, 1 is other.
func (s *SourceImage) BlendWith(other *SourceImage, ratio float64) (image.Image, error) {
	a, err := s.Acquire()
	if err != nil {
		return nil, err
	}
	b, err := other.Acquire()
	if err != nil {
		return nil, err
	}
	out, err := s.backend.Blend(a, b, ratio)
	if err != nil {
		return nil, fmt.Errorf("blend %s with %s: %w", s.Path, other.Path, err)
	}
	return out, nil
}

func (s *SourceImage) String() string {
	ts, _ := s.CreationInstant()
	return fmt.Sprintf("%s @ %.3f gamma=(%g,%g,%g) blur=%g ac=%g mask=%q",
		s.Path, ts, s.Adjust.Gamma[0], s.Adjust.Gamma[1], s.Adjust.Gamma[2],
		s.Adjust.Blur, s.Adjust.AutoContrast, s.Adjust.Mask)
}
