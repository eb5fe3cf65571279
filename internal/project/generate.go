package project

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"gopkg.in/yaml.v3"
)

// Options control Generate.
type Options struct {
	Pattern string
	Frames  int
	OutDir  string
}

// Timed is an image path with its resolved creation instant.
type Timed struct {
	Path string
	Time float64
}

// Generate builds a starter project from images sorted by creation instant.
// Every track is left empty so the file can be edited by hand.
func Generate(images []Timed, opts Options) *File {
	sorted := append([]Timed(nil), images...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Time < sorted[j].Time })

	threads := DefaultThreads
	f := &File{
		InPattern: opts.Pattern,
		OutDir:    opts.OutDir,
		OutFormat: "png",
		NoFrames:  opts.Frames,
		Gammas:    [][]any{},
		Masks:     [][]any{},
		Blur:      [][]any{},
		AC:        [][]any{},
		Crop:      [][]int{{}, {}},
		Scale:     []int{},
		NoThreads: &threads,
	}
	for _, img := range sorted {
		t := img.Time
		f.FileList = append(f.FileList, Entry{Name: img.Path, Time: &t})
	}
	return f
}

// Encode writes f as indented JSON, or YAML when asYAML is set.
func Encode(w io.Writer, f *File, asYAML bool) error {
	if asYAML {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(f); err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}
		return enc.Close()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(f); err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	return nil
}
