package timeline

import (
	"fmt"
	"log/slog"

	"interpolapse/internal/imaging"
	"interpolapse/internal/project"
)

// FromProject builds a timeline from a resolved project file.
func FromProject(p *project.Project, backend imaging.Backend, resolver TimeResolver, log *slog.Logger) (*Timeline, error) {
	tr := &Transforms{
		Curve:  p.Curves,
		Rotate: p.Rotate,
		Crop:   p.Crop,
		Scale:  p.Scale,
	}
	images := make([]*SourceImage, 0, len(p.Images))
	for _, e := range p.Images {
		adj := Adjustments{Gamma: e.Gamma, Blur: e.Blur, AutoContrast: e.AutoContrast, Mask: e.Mask}
		images = append(images, NewSourceImage(e.Path, e.Time, adj, tr, backend, resolver))
	}

	var extras Extras
	var err error
	if extras.Gamma, err = keyframes(p.Gammas); err != nil {
		return nil, fmt.Errorf("gammas: %w", err)
	}
	if extras.Blur, err = keyframes(p.Blur); err != nil {
		return nil, fmt.Errorf("blur: %w", err)
	}
	if extras.AutoContrast, err = keyframes(p.AC); err != nil {
		return nil, fmt.Errorf("ac: %w", err)
	}
	for _, m := range p.Masks {
		extras.Masks = append(extras.Masks, MaskKeyframe{Time: m.Time, Path: m.Path})
	}

	settings := Settings{
		OutDir:    p.OutDir,
		OutFormat: p.OutFormat,
		Frames:    p.Frames,
		Threads:   p.Threads,
	}
	return New(images, extras, settings, backend, log)
}

func keyframes(keys []project.Key) ([]Keyframe, error) {
	out := make([]Keyframe, 0, len(keys))
	for _, k := range keys {
		v, err := ValueOf(k.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, Keyframe{Time: k.Time, Value: v})
	}
	return out, nil
}
