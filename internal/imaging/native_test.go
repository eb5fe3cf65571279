package imaging

import (
	"errors"
	"image"
	"image/color"
	"path/filepath"
	"testing"
)

func solid(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func near(a, b uint8, tol int) bool {
	d := int(a) - int(b)
	return d >= -tol && d <= tol
}

func TestGammaCurve(t *testing.T) {
	id := GammaCurve(1, 1, 1)
	for i := 0; i < 256; i++ {
		if id[0][i] != uint8(i) || id[1][i] != uint8(i) || id[2][i] != uint8(i) {
			t.Fatalf("gamma 1 should be identity at %d, got %v", i, [3]uint8{id[0][i], id[1][i], id[2][i]})
		}
	}

	c := GammaCurve(2, 1, 0.5)
	if c[0][64] != 128 {
		t.Fatalf("expected gamma 2 to map 64 to 128, got %d", c[0][64])
	}
	if c[2][128] != 64 {
		t.Fatalf("expected gamma 0.5 to map 128 to 64, got %d", c[2][128])
	}
	if c[0][255] != 255 {
		t.Fatalf("expected top of table clamped to 255, got %d", c[0][255])
	}
}

func TestCurveFromTablesRejectsShortChannel(t *testing.T) {
	full := make([]int, 256)
	if _, err := CurveFromTables(full, full[:10], full); err == nil {
		t.Fatalf("expected error for short green table")
	}
	c, err := CurveFromTables(full, full, full)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := c.Map(color.NRGBA{R: 10, G: 20, B: 30, A: 200}); got != (color.NRGBA{A: 200}) {
		t.Fatalf("expected zeroed channels with alpha kept, got %v", got)
	}
}

func TestNativeBlend(t *testing.T) {
	n := NewNative(Settings{})
	a := solid(4, 4, color.NRGBA{R: 0, G: 100, B: 200, A: 255})
	b := solid(4, 4, color.NRGBA{R: 200, G: 100, B: 0, A: 255})

	tests := []struct {
		name  string
		ratio float64
		want  color.NRGBA
	}{
		{"self", 0, color.NRGBA{R: 0, G: 100, B: 200, A: 255}},
		{"other", 1, color.NRGBA{R: 200, G: 100, B: 0, A: 255}},
		{"half", 0.5, color.NRGBA{R: 100, G: 100, B: 100, A: 255}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := n.Blend(a, b, tt.ratio)
			if err != nil {
				t.Fatalf("blend: %v", err)
			}
			got := color.NRGBAModel.Convert(out.At(1, 1)).(color.NRGBA)
			if !near(got.R, tt.want.R, 1) || !near(got.G, tt.want.G, 1) || !near(got.B, tt.want.B, 1) {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestNativeBlendDimensionMismatch(t *testing.T) {
	n := NewNative(Settings{})
	_, err := n.Blend(solid(4, 4, color.NRGBA{A: 255}), solid(5, 4, color.NRGBA{A: 255}), 0.5)
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
	_, err = n.Multiply(solid(4, 4, color.NRGBA{A: 255}), solid(4, 3, color.NRGBA{A: 255}))
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch from multiply, got %v", err)
	}
}

func TestNativeMultiply(t *testing.T) {
	n := NewNative(Settings{})
	a := solid(2, 2, color.NRGBA{R: 255, G: 128, B: 10, A: 255})
	mask := solid(2, 2, color.NRGBA{R: 255, G: 128, B: 0, A: 255})
	out, err := n.Multiply(a, mask)
	if err != nil {
		t.Fatalf("multiply: %v", err)
	}
	got := out.(*image.NRGBA).NRGBAAt(0, 0)
	want := color.NRGBA{R: 255, G: 64, B: 0, A: 255}
	if got != want {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if a.NRGBAAt(0, 0).G != 128 {
		t.Fatalf("multiply must not mutate its input")
	}
}

func TestNativeAutoContrastStretchesChannels(t *testing.T) {
	n := NewNative(Settings{})
	img := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	img.SetNRGBA(0, 0, color.NRGBA{R: 50, G: 10, B: 77, A: 255})
	img.SetNRGBA(1, 0, color.NRGBA{R: 150, G: 250, B: 77, A: 255})

	stretched, err := n.AutoContrast(img)
	if err != nil {
		t.Fatal(err)
	}
	out := stretched.(*image.NRGBA)
	lo, hi := out.NRGBAAt(0, 0), out.NRGBAAt(1, 0)
	if lo.R != 0 || hi.R != 255 || lo.G != 0 || hi.G != 255 {
		t.Fatalf("expected full stretch, got %v and %v", lo, hi)
	}
	if lo.B != 77 || hi.B != 77 {
		t.Fatalf("expected flat blue channel unchanged, got %d/%d", lo.B, hi.B)
	}
}

func TestNativeGeometry(t *testing.T) {
	n := NewNative(Settings{})
	img := solid(20, 10, color.NRGBA{R: 10, G: 20, B: 30, A: 255})

	tests := []struct {
		name string
		op   func() (image.Image, error)
		want image.Point
	}{
		{"crop", func() (image.Image, error) { return n.Crop(img, image.Rect(2, 2, 12, 8)) }, image.Pt(10, 6)},
		{"resize", func() (image.Image, error) { return n.Resize(img, image.Pt(8, 4)) }, image.Pt(8, 4)},
		{"rotate 90 keeps size", func() (image.Image, error) { return n.Rotate(img, 90) }, image.Pt(20, 10)},
		{"rotate 30 keeps size", func() (image.Image, error) { return n.Rotate(img, 30) }, image.Pt(20, 10)},
		{"blur", func() (image.Image, error) { return n.BlurPass(img) }, image.Pt(20, 10)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := tt.op()
			if err != nil {
				t.Fatal(err)
			}
			if got := out.Bounds().Size(); got != tt.want {
				t.Fatalf("expected size %v, got %v", tt.want, got)
			}
		})
	}
}

func TestNativeRotateKeepsCentreAndBlackensCorners(t *testing.T) {
	n := NewNative(Settings{})
	img := solid(21, 21, color.NRGBA{R: 200, G: 200, B: 200, A: 255})
	out, err := n.Rotate(img, 45)
	if err != nil {
		t.Fatal(err)
	}
	centre := color.NRGBAModel.Convert(out.At(10, 10)).(color.NRGBA)
	if centre.R < 190 {
		t.Fatalf("expected centre to keep its colour, got %+v", centre)
	}
	corner := color.NRGBAModel.Convert(out.At(0, 0)).(color.NRGBA)
	if corner.R > 10 {
		t.Fatalf("expected black corner after rotation, got %+v", corner)
	}
}

func TestNativeSaveLoadRoundTrip(t *testing.T) {
	n := NewNative(Settings{JPEGQuality: 90})
	path := filepath.Join(t.TempDir(), "frame.png")
	src := solid(3, 3, color.NRGBA{R: 1, G: 2, B: 3, A: 255})
	if err := n.Save(src, path, "png"); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := n.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c := got.(*image.NRGBA).NRGBAAt(2, 2); c != src.NRGBAAt(2, 2) {
		t.Fatalf("expected lossless png pixel, got %v", c)
	}
	if err := n.Save(src, path, "xyz"); err == nil {
		t.Fatalf("expected unsupported format error")
	}
}

func TestOpenBackend(t *testing.T) {
	b, err := Open("NATIVE", Settings{})
	if err != nil {
		t.Fatalf("open native: %v", err)
	}
	if _, ok := b.(*Native); !ok {
		t.Fatalf("expected *Native, got %T", b)
	}
	if _, err := Open("nope", Settings{}); err == nil {
		t.Fatalf("expected unknown backend error")
	}
}
