package exifmeta

import (
	"fmt"
	"log/slog"
	"time"
)

// Cache remembers resolved instants keyed by path and modification time.
type Cache interface {
	LookupTimestamp(path string, mtime time.Time) (seconds float64, source string, ok bool, err error)
	StoreTimestamp(path string, mtime time.Time, seconds float64, source string) error
}

// Resolver walks the fallback chain DateTimeOriginal, DateTime,
// DateTimeDigitized, modification time.
type Resolver struct {
	reader Reader
	cache  Cache
	log    *slog.Logger
	loc    *time.Location
}

// NewResolver returns a resolver. cache may be nil.
func NewResolver(reader Reader, cache Cache, log *slog.Logger) *Resolver {
	if reader == nil {
		reader = FileReader{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{reader: reader, cache: cache, log: log, loc: time.Local}
}

// WithLocation overrides the zone EXIF dates are interpreted in.
func (r *Resolver) WithLocation(loc *time.Location) *Resolver {
	r.loc = loc
	return r
}

// Resolve returns the creation instant of path. Only a missing file is an
// error; unreadable metadata falls back to the modification time.
func (r *Resolver) Resolve(path string) (Instant, error) {
	mtime, err := r.reader.ModTime(path)
	if err != nil {
		return Instant{}, fmt.Errorf("stat %s: %w", path, err)
	}

	if r.cache != nil {
		secs, src, ok, err := r.cache.LookupTimestamp(path, mtime)
		if err != nil {
			r.log.Debug("timestamp cache lookup failed", "path", path, "error", err)
		} else if ok {
			return Instant{Seconds: secs, Source: Source(src)}, nil
		}
	}

	inst := r.fromMetadata(path)
	if inst.Source == "" {
		inst = Instant{Seconds: Seconds(mtime), Source: SourceModTime}
	}

	if r.cache != nil {
		if err := r.cache.StoreTimestamp(path, mtime, inst.Seconds, string(inst.Source)); err != nil {
			r.log.Debug("timestamp cache store failed", "path", path, "error", err)
		}
	}
	return inst, nil
}

func (r *Resolver) fromMetadata(path string) Instant {
	meta, err := r.reader.CreationMetadata(path)
	if err != nil {
		r.log.Debug("no usable exif, using mtime", "path", path, "error", err)
		return Instant{}
	}
	candidates := []struct {
		src   Source
		value string
	}{
		{SourceDateTimeOriginal, meta.DateTimeOriginal},
		{SourceDateTime, meta.DateTime},
		{SourceDateTimeDigitized, meta.DateTimeDigitized},
	}
	// The first field present decides; a malformed value means mtime.
	for _, c := range candidates {
		if c.value == "" {
			continue
		}
		t, err := ParseTimestamp(c.value, r.loc)
		if err != nil {
			r.log.Debug("unparseable exif date, using mtime", "path", path, "field", string(c.src), "error", err)
			return Instant{}
		}
		return Instant{Seconds: Seconds(t), Source: c.src}
	}
	return Instant{}
}
