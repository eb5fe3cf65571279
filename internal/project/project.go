// Package project loads timelapse project files. A project lists the source
// images, the keyframes of each correction track and the output settings.
// JSON and YAML files share the same keys.
package project

import (
	"encoding/json"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"interpolapse/internal/imaging"
)

const (
	DefaultOutFormat = "jpg"
	DefaultThreads   = 5
)

var supportedFormats = map[string]bool{
	"jpg": true, "jpeg": true, "png": true, "gif": true,
	"tif": true, "tiff": true, "bmp": true,
}

// ConfigError reports an invalid or missing project field.
type ConfigError struct {
	Path   string
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("project %s: %s", e.Path, e.Reason)
	}
	return fmt.Sprintf("project %s: %s: %s", e.Path, e.Field, e.Reason)
}

// Entry is one element of filelist.
type Entry struct {
	Name  string   `json:"name" yaml:"name"`
	Time  *float64 `json:"time,omitempty" yaml:"time,omitempty"`
	Gamma any      `json:"gamma,omitempty" yaml:"gamma,omitempty"`
	Mask  *string  `json:"mask,omitempty" yaml:"mask,omitempty"`
	Blur  *float64 `json:"blur,omitempty" yaml:"blur,omitempty"`
	AC    *float64 `json:"ac,omitempty" yaml:"ac,omitempty"`
}

// File is the on-disk project document.
type File struct {
	FileList  []Entry `json:"filelist" yaml:"filelist"`
	InPattern string  `json:"inpattern" yaml:"inpattern"`
	OutDir    string  `json:"outdir" yaml:"outdir"`
	OutFormat string  `json:"outformat,omitempty" yaml:"outformat,omitempty"`
	NoFrames  int     `json:"noframes" yaml:"noframes"`
	Gammas    [][]any `json:"gammas" yaml:"gammas"`
	Masks     [][]any `json:"masks,omitempty" yaml:"masks,omitempty"`
	// MaskAlias accepts the "mask" key written by older generators.
	MaskAlias [][]any `json:"mask,omitempty" yaml:"mask,omitempty"`
	Blur      [][]any `json:"blur" yaml:"blur"`
	AC        [][]any `json:"ac" yaml:"ac"`
	Crop      [][]int `json:"crop" yaml:"crop"`
	Scale     []int   `json:"scale" yaml:"scale"`
	Rotate    float64 `json:"rotate" yaml:"rotate"`
	Curves    string  `json:"curves,omitempty" yaml:"curves,omitempty"`
	NoThreads *int    `json:"nothreads,omitempty" yaml:"nothreads,omitempty"`
}

// Image is a validated filelist entry with defaults applied.
type Image struct {
	Path         string
	Time         *float64
	Gamma        [3]float64
	Mask         string
	Blur         float64
	AutoContrast float64
}

// Key is one keyframe of a numeric track. Value has 1 or 3 channels.
type Key struct {
	Time  float64
	Value []float64
}

// MaskKey is one keyframe of the mask track. An empty Path means no mask.
type MaskKey struct {
	Time float64
	Path string
}

// Project is a fully resolved project: every optional field carries its default.
type Project struct {
	Path      string
	Images    []Image
	InPattern string
	OutDir    string
	OutFormat string
	Frames    int
	Threads   int

	Gammas []Key
	Masks  []MaskKey
	Blur   []Key
	AC     []Key

	Crop       *image.Rectangle
	Scale      *image.Point
	Rotate     float64
	CurvesPath string
	Curves     *imaging.Curve
}

// Defaults fill in settings a project file leaves out.
type Defaults struct {
	Threads   int
	OutFormat string
}

// Load reads and validates a project file. Files ending in .yaml or .yml are
// decoded as YAML, everything else as JSON.
func Load(path string) (*Project, error) {
	return LoadWith(path, Defaults{})
}

// LoadWith is Load with caller supplied defaults. Zero fields fall back to
// DefaultThreads and DefaultOutFormat.
func LoadWith(path string, d Defaults) (*Project, error) {
	f, err := Read(path)
	if err != nil {
		return nil, err
	}
	return f.ResolveWith(path, d)
}

// Read decodes a project file without validating it.
func Read(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read project: %w", err)
	}
	var f File
	if IsYAML(path) {
		err = yaml.Unmarshal(data, &f)
	} else {
		err = json.Unmarshal(data, &f)
	}
	if err != nil {
		return nil, &ConfigError{Path: path, Reason: "decode: " + err.Error()}
	}
	return &f, nil
}

// IsYAML reports whether path names a YAML project file.
func IsYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// Resolve validates f and applies defaults. path is used in error messages.
func (f *File) Resolve(path string) (*Project, error) {
	return f.ResolveWith(path, Defaults{})
}

// ResolveWith is Resolve with caller supplied defaults.
func (f *File) ResolveWith(path string, d Defaults) (*Project, error) {
	if d.Threads < 1 {
		d.Threads = DefaultThreads
	}
	if d.OutFormat == "" {
		d.OutFormat = DefaultOutFormat
	}
	bad := func(field, format string, args ...any) error {
		return &ConfigError{Path: path, Field: field, Reason: fmt.Sprintf(format, args...)}
	}

	if len(f.FileList) == 0 {
		return nil, bad("filelist", "required")
	}
	if f.OutDir == "" {
		return nil, bad("outdir", "required")
	}
	if f.NoFrames <= 0 {
		return nil, bad("noframes", "must be a positive frame count, got %d", f.NoFrames)
	}

	p := &Project{
		Path:      path,
		InPattern: f.InPattern,
		OutDir:    f.OutDir,
		OutFormat: strings.TrimPrefix(strings.ToLower(f.OutFormat), "."),
		Frames:    f.NoFrames,
		Threads:   d.Threads,
		Rotate:    f.Rotate,
	}
	if p.OutFormat == "" {
		p.OutFormat = strings.TrimPrefix(strings.ToLower(d.OutFormat), ".")
	}
	if !supportedFormats[p.OutFormat] {
		return nil, bad("outformat", "unsupported format %q", f.OutFormat)
	}
	if f.NoThreads != nil {
		if *f.NoThreads < 1 {
			return nil, bad("nothreads", "must be at least 1, got %d", *f.NoThreads)
		}
		p.Threads = *f.NoThreads
	}

	for i, e := range f.FileList {
		field := fmt.Sprintf("filelist[%d]", i)
		img, err := resolveEntry(e)
		if err != nil {
			return nil, bad(field, "%v", err)
		}
		p.Images = append(p.Images, img)
	}

	var err error
	if p.Gammas, err = numericKeys(f.Gammas, true, func(v float64) error {
		if v <= 0 {
			return fmt.Errorf("gamma must be positive, got %g", v)
		}
		return nil
	}); err != nil {
		return nil, bad("gammas", "%v", err)
	}
	if p.Blur, err = numericKeys(f.Blur, false, nonNegative("blur")); err != nil {
		return nil, bad("blur", "%v", err)
	}
	if p.AC, err = numericKeys(f.AC, false, unitRange); err != nil {
		return nil, bad("ac", "%v", err)
	}
	masks := f.Masks
	if len(masks) == 0 {
		masks = f.MaskAlias
	}
	if p.Masks, err = maskKeys(masks); err != nil {
		return nil, bad("masks", "%v", err)
	}

	if p.Crop, err = cropRect(f.Crop); err != nil {
		return nil, bad("crop", "%v", err)
	}
	if p.Scale, err = scaleSize(f.Scale); err != nil {
		return nil, bad("scale", "%v", err)
	}
	if f.Curves != "" {
		c, err := LoadCurves(f.Curves)
		if err != nil {
			return nil, bad("curves", "%v", err)
		}
		p.CurvesPath = f.Curves
		p.Curves = c
	}
	return p, nil
}

func resolveEntry(e Entry) (Image, error) {
	img := Image{Path: e.Name, Time: e.Time, Gamma: [3]float64{1, 1, 1}}
	if e.Name == "" {
		return img, fmt.Errorf("name required")
	}
	if e.Gamma != nil {
		vals, err := channels(e.Gamma, true)
		if err != nil {
			return img, fmt.Errorf("gamma: %w", err)
		}
		for i := range img.Gamma {
			img.Gamma[i] = vals[i%len(vals)]
			if img.Gamma[i] <= 0 {
				return img, fmt.Errorf("gamma must be positive, got %g", img.Gamma[i])
			}
		}
	}
	if e.Mask != nil {
		img.Mask = *e.Mask
	}
	if e.Blur != nil {
		if *e.Blur < 0 {
			return img, fmt.Errorf("blur must not be negative, got %g", *e.Blur)
		}
		img.Blur = *e.Blur
	}
	if e.AC != nil {
		if err := unitRange(*e.AC); err != nil {
			return img, err
		}
		img.AutoContrast = *e.AC
	}
	return img, nil
}

func nonNegative(name string) func(float64) error {
	return func(v float64) error {
		if v < 0 {
			return fmt.Errorf("%s must not be negative, got %g", name, v)
		}
		return nil
	}
}

func unitRange(v float64) error {
	if v < 0 || v > 1 {
		return fmt.Errorf("auto-contrast must be within [0,1], got %g", v)
	}
	return nil
}

func numericKeys(raw [][]any, allowRGB bool, check func(float64) error) ([]Key, error) {
	keys := make([]Key, 0, len(raw))
	for i, pair := range raw {
		if len(pair) != 2 {
			return nil, fmt.Errorf("entry %d: want [time, value], got %d elements", i, len(pair))
		}
		t, ok := toFloat(pair[0])
		if !ok {
			return nil, fmt.Errorf("entry %d: time %v is not a number", i, pair[0])
		}
		vals, err := channels(pair[1], allowRGB)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		for _, v := range vals {
			if err := check(v); err != nil {
				return nil, fmt.Errorf("entry %d: %w", i, err)
			}
		}
		keys = append(keys, Key{Time: t, Value: vals})
	}
	return keys, nil
}

func maskKeys(raw [][]any) ([]MaskKey, error) {
	keys := make([]MaskKey, 0, len(raw))
	for i, pair := range raw {
		if len(pair) != 2 {
			return nil, fmt.Errorf("entry %d: want [time, path], got %d elements", i, len(pair))
		}
		t, ok := toFloat(pair[0])
		if !ok {
			return nil, fmt.Errorf("entry %d: time %v is not a number", i, pair[0])
		}
		k := MaskKey{Time: t}
		switch v := pair[1].(type) {
		case nil:
		case string:
			k.Path = v
		default:
			return nil, fmt.Errorf("entry %d: mask must be a path or null, got %T", i, v)
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// channels normalizes a scalar or a 3-element list to a float slice.
func channels(v any, allowRGB bool) ([]float64, error) {
	if f, ok := toFloat(v); ok {
		return []float64{f}, nil
	}
	list, ok := v.([]any)
	if !ok || !allowRGB {
		return nil, fmt.Errorf("value %v is not a number", v)
	}
	if len(list) != 3 {
		return nil, fmt.Errorf("want 3 channels, got %d", len(list))
	}
	out := make([]float64, 3)
	for i, c := range list {
		f, ok := toFloat(c)
		if !ok {
			return nil, fmt.Errorf("channel %d: %v is not a number", i, c)
		}
		out[i] = f
	}
	return out, nil
}

// toFloat accepts the numeric types produced by the JSON and YAML decoders.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func cropRect(c [][]int) (*image.Rectangle, error) {
	if len(c) == 0 || len(c[0]) == 0 {
		return nil, nil
	}
	if len(c) != 2 || len(c[0]) != 2 || len(c[1]) != 2 {
		return nil, fmt.Errorf("want [[x0,y0],[x1,y1]]")
	}
	r := image.Rect(c[0][0], c[0][1], c[1][0], c[1][1])
	if r.Empty() {
		return nil, fmt.Errorf("empty crop rectangle %v", r)
	}
	return &r, nil
}

func scaleSize(s []int) (*image.Point, error) {
	if len(s) == 0 {
		return nil, nil
	}
	if len(s) != 2 || s[0] <= 0 || s[1] <= 0 {
		return nil, fmt.Errorf("want [width, height] with positive values, got %v", s)
	}
	p := image.Pt(s[0], s[1])
	return &p, nil
}
