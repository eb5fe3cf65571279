// Package exifmeta resolves the creation instant of an image from its EXIF
// metadata, falling back to the file modification time.
package exifmeta

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rwcarlsen/goexif/exif"
)

// ErrTimestampResolution marks a metadata value that could not be turned into
// an instant. It is recovered by falling through to the next source.
var ErrTimestampResolution = errors.New("cannot resolve timestamp")

// Metadata holds the raw EXIF date fields of one image. Empty means absent.
type Metadata struct {
	DateTimeOriginal  string
	DateTime          string
	DateTimeDigitized string
}

// Reader is the metadata collaborator.
type Reader interface {
	CreationMetadata(path string) (Metadata, error)
	ModTime(path string) (time.Time, error)
}

// Source names where an instant came from.
type Source string

const (
	SourceExplicit          Source = "explicit"
	SourceDateTimeOriginal  Source = "DateTimeOriginal"
	SourceDateTime          Source = "DateTime"
	SourceDateTimeDigitized Source = "DateTimeDigitized"
	SourceModTime           Source = "mtime"
)

// Instant is a resolved creation time in seconds since the epoch.
type Instant struct {
	Seconds float64
	Source  Source
}

// FileReader reads EXIF with goexif and the mtime with os.Stat.
type FileReader struct{}

func (FileReader) CreationMetadata(path string) (Metadata, error) {
	var meta Metadata
	f, err := os.Open(path)
	if err != nil {
		return meta, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	x, err := exif.Decode(f)
	if err != nil {
		return meta, fmt.Errorf("exif parsing %s: %w", path, err)
	}
	meta.DateTimeOriginal = stringTag(x, exif.DateTimeOriginal)
	meta.DateTime = stringTag(x, exif.DateTime)
	meta.DateTimeDigitized = stringTag(x, exif.DateTimeDigitized)
	return meta, nil
}

func (FileReader) ModTime(path string) (time.Time, error) {
	st, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return st.ModTime(), nil
}

func stringTag(x *exif.Exif, name exif.FieldName) string {
	tag, err := x.Get(name)
	if err != nil {
		return ""
	}
	s, err := tag.StringVal()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(strings.TrimRight(s, "\x00"))
}

var layouts = []string{"2006:01:02 15:04:05", "2006-01-02T15:04:05"}

// ParseTimestamp parses an EXIF date in local time, accepting the EXIF layout
// and the ISO layout.
func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(strings.TrimRight(value, "\x00"))
	if loc == nil {
		loc = time.Local
	}
	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unrecognised date %q", ErrTimestampResolution, value)
}

// Seconds converts t to fractional epoch seconds.
func Seconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
