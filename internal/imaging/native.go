package imaging

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"os"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

const (
	defaultBlurSigma   = 1.0
	defaultJPEGQuality = 95
)

// Native implements Backend on top of github.com/disintegration/imaging.
// Every operator returns a fresh *image.NRGBA.
type Native struct {
	blurSigma   float64
	jpegQuality int
}

// NewNative returns the pure Go backend.
func NewNative(s Settings) *Native {
	n := &Native{blurSigma: s.BlurSigma, jpegQuality: s.JPEGQuality}
	if n.blurSigma <= 0 {
		n.blurSigma = defaultBlurSigma
	}
	if n.jpegQuality <= 0 || n.jpegQuality > 100 {
		n.jpegQuality = defaultJPEGQuality
	}
	return n
}

// Load decodes path and converts it to NRGBA so all sources share one layout.
func (n *Native) Load(path string) (image.Image, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return imaging.Clone(img), nil
}

// Save encodes img into path using format (jpg, png, tif, bmp, gif).
func (n *Native) Save(img image.Image, path string, format string) error {
	f, err := imaging.FormatFromExtension(format)
	if err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := imaging.Encode(out, img, f, imaging.JPEGQuality(n.jpegQuality)); err != nil {
		out.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return out.Close()
}

func (n *Native) ApplyCurve(img image.Image, c *Curve) image.Image {
	return imaging.AdjustFunc(img, c.Map)
}

// Rotate turns img counter-clockwise about its centre on a black canvas of
// the input size.
func (n *Native) Rotate(img image.Image, degrees float64) (image.Image, error) {
	size := img.Bounds().Size()
	canvas := imaging.New(size.X, size.Y, color.Black)
	return imaging.PasteCenter(canvas, imaging.Rotate(img, degrees, color.Black)), nil
}

func (n *Native) Crop(img image.Image, r image.Rectangle) (image.Image, error) {
	return imaging.Crop(img, r), nil
}

func (n *Native) Resize(img image.Image, size image.Point) (image.Image, error) {
	return imaging.Resize(img, size.X, size.Y, imaging.Lanczos), nil
}

// Blend mixes a and b linearly: ratio 0 yields a, ratio 1 yields b.
func (n *Native) Blend(a, b image.Image, ratio float64) (image.Image, error) {
	if !SameSize(a, b) {
		return nil, mismatch(a, b)
	}
	switch {
	case ratio <= 0:
		return imaging.Clone(a), nil
	case ratio >= 1:
		return imaging.Clone(b), nil
	}
	return imaging.Overlay(a, b, a.Bounds().Min, ratio), nil
}

// Multiply composites a and b as a*b/255 per channel.
func (n *Native) Multiply(a, b image.Image) (image.Image, error) {
	if !SameSize(a, b) {
		return nil, mismatch(a, b)
	}
	dst := imaging.Clone(a)
	src := imaging.Clone(b)
	for i := 0; i < len(dst.Pix); i += 4 {
		for c := 0; c < 3; c++ {
			dst.Pix[i+c] = uint8(uint16(dst.Pix[i+c]) * uint16(src.Pix[i+c]) / 255)
		}
	}
	return dst, nil
}

func (n *Native) Gamma(img image.Image, r, g, b float64) image.Image {
	return imaging.AdjustFunc(img, GammaCurve(r, g, b).Map)
}

func (n *Native) BlurPass(img image.Image) (image.Image, error) {
	return imaging.Blur(img, n.blurSigma), nil
}

// AutoContrast stretches each channel so its darkest value maps to 0 and its
// brightest to 255. Flat channels are left unchanged.
func (n *Native) AutoContrast(img image.Image) (image.Image, error) {
	src := imaging.Clone(img)
	lo := [3]uint8{255, 255, 255}
	var hi [3]uint8
	for i := 0; i < len(src.Pix); i += 4 {
		for c := 0; c < 3; c++ {
			v := src.Pix[i+c]
			if v < lo[c] {
				lo[c] = v
			}
			if v > hi[c] {
				hi[c] = v
			}
		}
	}
	curve := IdentityCurve()
	for c := 0; c < 3; c++ {
		if hi[c] <= lo[c] {
			continue
		}
		scale := 255 / float64(hi[c]-lo[c])
		offset := -float64(lo[c]) * scale
		for i := 0; i < 256; i++ {
			curve[c][i] = clamp8(math.Round(float64(i)*scale + offset))
		}
	}
	return imaging.AdjustFunc(src, curve.Map), nil
}
