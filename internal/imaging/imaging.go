// Package imaging defines the pixel-level collaborators used by the timeline
// engine and provides a pure Go implementation of them.
package imaging

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"sort"
	"strings"
	"sync"
)

// ErrDimensionMismatch is returned when two images that must share a size do not.
var ErrDimensionMismatch = errors.New("image dimensions differ")

// Codec loads and persists images.
type Codec interface {
	Load(path string) (image.Image, error)
	Save(img image.Image, path string, format string) error
}

// Ops are the pixel operators the timeline composes. Implementations must not
// mutate their inputs; buffers are shared between concurrent frames.
type Ops interface {
	ApplyCurve(img image.Image, c *Curve) image.Image
	// Rotate keeps the input size; corners uncovered by the turn are black.
	Rotate(img image.Image, degrees float64) (image.Image, error)
	Crop(img image.Image, r image.Rectangle) (image.Image, error)
	Resize(img image.Image, size image.Point) (image.Image, error)
	Blend(a, b image.Image, ratio float64) (image.Image, error)
	Multiply(a, b image.Image) (image.Image, error)
	BlurPass(img image.Image) (image.Image, error)
	AutoContrast(img image.Image) (image.Image, error)
	Gamma(img image.Image, r, g, b float64) image.Image
}

// Backend bundles a Codec with the Ops that understand its images.
type Backend interface {
	Codec
	Ops
}

// Settings tune a backend.
type Settings struct {
	BlurSigma   float64 // radius of one blur pass
	JPEGQuality int
}

// Factory builds a Backend.
type Factory func(Settings) (Backend, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a backend available by name. It panics on duplicates.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic("imaging: backend registered twice: " + name)
	}
	registry[name] = f
}

// Open returns the named backend.
func Open(name string, s Settings) (Backend, error) {
	registryMu.RLock()
	f, ok := registry[strings.ToLower(name)]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown imaging backend %q (available: %s)", name, strings.Join(Backends(), ", "))
	}
	return f(s)
}

// Backends lists registered backend names.
func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func init() {
	Register("native", func(s Settings) (Backend, error) {
		return NewNative(s), nil
	})
}

// Curve is a per-channel lookup table indexed R, G, B.
type Curve [3][256]uint8

// IdentityCurve returns a curve that maps every value to itself.
func IdentityCurve() *Curve {
	var c Curve
	for ch := 0; ch < 3; ch++ {
		for i := 0; i < 256; i++ {
			c[ch][i] = uint8(i)
		}
	}
	return &c
}

// CurveFromTables builds a curve from three 256-entry integer tables.
func CurveFromTables(red, green, blue []int) (*Curve, error) {
	var c Curve
	for ch, table := range [][]int{red, green, blue} {
		if len(table) != 256 {
			return nil, fmt.Errorf("curve channel %d has %d entries, want 256", ch, len(table))
		}
		for i, v := range table {
			c[ch][i] = clamp8(float64(v))
		}
	}
	return &c, nil
}

// GammaCurve returns the per-channel gamma remap table used for frame
// correction: out = int(256 * (in/256)^(1/g)).
func GammaCurve(r, g, b float64) *Curve {
	var c Curve
	for ch, gamma := range [3]float64{r, g, b} {
		for i := 0; i < 256; i++ {
			v := math.Floor(256 * math.Pow(float64(i)/256, 1/gamma))
			c[ch][i] = clamp8(v)
		}
	}
	return &c
}

// Map applies the curve to one pixel, leaving alpha untouched.
func (c *Curve) Map(px color.NRGBA) color.NRGBA {
	return color.NRGBA{R: c[0][px.R], G: c[1][px.G], B: c[2][px.B], A: px.A}
}

func clamp8(v float64) uint8 {
	switch {
	case v < 0:
		return 0
	case v > 255:
		return 255
	default:
		return uint8(v)
	}
}

// SameSize reports whether a and b have equal dimensions.
func SameSize(a, b image.Image) bool {
	return a.Bounds().Size() == b.Bounds().Size()
}

func mismatch(a, b image.Image) error {
	return fmt.Errorf("%w: %v vs %v", ErrDimensionMismatch, a.Bounds().Size(), b.Bounds().Size())
}
