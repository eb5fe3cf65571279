//go:build magick

// Package magick provides an ImageMagick implementation of the imaging
// collaborators. Import it for side effects to register the "magick" backend.
package magick

import (
	"fmt"
	"image"
	"image/color"
	"strconv"
	"strings"
	"sync"

	disimaging "github.com/disintegration/imaging"
	"gopkg.in/gographics/imagick.v3/imagick"

	"interpolapse/internal/imaging"
)

var initOnce sync.Once

func init() {
	imaging.Register("magick", func(s imaging.Settings) (imaging.Backend, error) {
		return New(s), nil
	})
}

// Backend runs every operator through a MagickWand. Images cross the
// interface boundary as *image.NRGBA so they stay interchangeable with the
// native backend.
type Backend struct {
	blurSigma float64
	quality   uint
}

// New initializes ImageMagick once per process and returns a backend.
func New(s imaging.Settings) *Backend {
	initOnce.Do(imagick.Initialize)
	b := &Backend{blurSigma: s.BlurSigma, quality: uint(s.JPEGQuality)}
	if b.blurSigma <= 0 {
		b.blurSigma = 1
	}
	if b.quality == 0 || b.quality > 100 {
		b.quality = 95
	}
	return b
}

func toWand(img image.Image) (*imagick.MagickWand, error) {
	src := disimaging.Clone(img)
	size := src.Bounds().Size()
	mw := imagick.NewMagickWand()
	if err := mw.ConstituteImage(uint(size.X), uint(size.Y), "RGBA", imagick.PIXEL_CHAR, src.Pix); err != nil {
		mw.Destroy()
		return nil, fmt.Errorf("constitute image: %w", err)
	}
	return mw, nil
}

func fromWand(mw *imagick.MagickWand) (*image.NRGBA, error) {
	w, h := mw.GetImageWidth(), mw.GetImageHeight()
	raw, err := mw.ExportImagePixels(0, 0, w, h, "RGBA", imagick.PIXEL_CHAR)
	if err != nil {
		return nil, fmt.Errorf("export pixels: %w", err)
	}
	pix, ok := raw.([]byte)
	if !ok {
		return nil, fmt.Errorf("export pixels: unexpected buffer %T", raw)
	}
	return &image.NRGBA{Pix: pix, Stride: 4 * int(w), Rect: image.Rect(0, 0, int(w), int(h))}, nil
}

// apply runs the operator fn on a wand built from img.
func apply(op string, img image.Image, fn func(*imagick.MagickWand) error) (image.Image, error) {
	mw, err := toWand(img)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer mw.Destroy()
	if err := fn(mw); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return fromWand(mw)
}

func (b *Backend) Load(path string) (image.Image, error) {
	mw := imagick.NewMagickWand()
	defer mw.Destroy()
	if err := mw.ReadImage(path); err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return fromWand(mw)
}

func (b *Backend) Save(img image.Image, path string, format string) error {
	mw, err := toWand(img)
	if err != nil {
		return err
	}
	defer mw.Destroy()
	format = strings.TrimPrefix(strings.ToLower(format), ".")
	if err := mw.SetImageFormat(format); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	if format == "jpg" || format == "jpeg" {
		if err := mw.SetImageCompressionQuality(b.quality); err != nil {
			return fmt.Errorf("save %s: %w", path, err)
		}
	}
	if err := mw.WriteImage(path); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return nil
}

// ApplyCurve remaps pixels in Go; the LUT is already a byte table.
func (b *Backend) ApplyCurve(img image.Image, c *imaging.Curve) image.Image {
	dst := disimaging.Clone(img)
	for i := 0; i < len(dst.Pix); i += 4 {
		dst.Pix[i] = c[0][dst.Pix[i]]
		dst.Pix[i+1] = c[1][dst.Pix[i+1]]
		dst.Pix[i+2] = c[2][dst.Pix[i+2]]
	}
	return dst
}

func (b *Backend) Gamma(img image.Image, r, g, bl float64) image.Image {
	return b.ApplyCurve(img, imaging.GammaCurve(r, g, bl))
}

// Rotate turns img counter-clockwise and centres the result on a black
// canvas of the input size. ImageMagick rotates clockwise, so the angle is
// negated.
func (b *Backend) Rotate(img image.Image, degrees float64) (image.Image, error) {
	rotated, err := apply("rotate", img, func(mw *imagick.MagickWand) error {
		bg := imagick.NewPixelWand()
		defer bg.Destroy()
		bg.SetColor("black")
		return mw.RotateImage(bg, -degrees)
	})
	if err != nil {
		return nil, err
	}
	size := img.Bounds().Size()
	return disimaging.PasteCenter(disimaging.New(size.X, size.Y, color.Black), rotated), nil
}

func (b *Backend) Crop(img image.Image, r image.Rectangle) (image.Image, error) {
	return apply("crop", img, func(mw *imagick.MagickWand) error {
		return mw.CropImage(uint(r.Dx()), uint(r.Dy()), r.Min.X, r.Min.Y)
	})
}

func (b *Backend) Resize(img image.Image, size image.Point) (image.Image, error) {
	return apply("resize", img, func(mw *imagick.MagickWand) error {
		return mw.ResizeImage(uint(size.X), uint(size.Y), imagick.FILTER_LANCZOS)
	})
}

func (b *Backend) Blend(a, other image.Image, ratio float64) (image.Image, error) {
	if !imaging.SameSize(a, other) {
		return nil, fmt.Errorf("%w: %v vs %v", imaging.ErrDimensionMismatch, a.Bounds().Size(), other.Bounds().Size())
	}
	src, err := toWand(other)
	if err != nil {
		return nil, err
	}
	defer src.Destroy()
	return apply("blend", a, func(mw *imagick.MagickWand) error {
		pct := strconv.FormatFloat(ratio*100, 'f', 4, 64)
		if err := mw.SetImageArtifact("compose:args", pct); err != nil {
			return err
		}
		return mw.CompositeImage(src, imagick.COMPOSITE_OP_BLEND, true, 0, 0)
	})
}

func (b *Backend) Multiply(a, mask image.Image) (image.Image, error) {
	if !imaging.SameSize(a, mask) {
		return nil, fmt.Errorf("%w: %v vs %v", imaging.ErrDimensionMismatch, a.Bounds().Size(), mask.Bounds().Size())
	}
	src, err := toWand(mask)
	if err != nil {
		return nil, err
	}
	defer src.Destroy()
	return apply("multiply", a, func(mw *imagick.MagickWand) error {
		return mw.CompositeImage(src, imagick.COMPOSITE_OP_MULTIPLY, true, 0, 0)
	})
}

func (b *Backend) BlurPass(img image.Image) (image.Image, error) {
	return apply("blur", img, func(mw *imagick.MagickWand) error {
		return mw.BlurImage(0, b.blurSigma)
	})
}

func (b *Backend) AutoContrast(img image.Image) (image.Image, error) {
	return apply("autocontrast", img, func(mw *imagick.MagickWand) error {
		return mw.AutoLevelImage()
	})
}
