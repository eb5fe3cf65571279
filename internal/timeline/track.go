package timeline

import (
	"errors"
	"fmt"
	"sort"
)

// ErrTrackUnderflow is returned when a track has fewer than two keyframes.
var ErrTrackUnderflow = errors.New("track needs at least two keyframes")

// Value is a 1- or 3-channel parameter value. Single-channel values broadcast
// to all channels when combined with 3-channel ones.
type Value struct {
	N int
	C [3]float64
}

// Scalar returns a 1-channel value.
func Scalar(v float64) Value { return Value{N: 1, C: [3]float64{v, v, v}} }

// RGB returns a 3-channel value.
func RGB(r, g, b float64) Value { return Value{N: 3, C: [3]float64{r, g, b}} }

// ValueOf converts a 1 or 3 element slice.
func ValueOf(vals []float64) (Value, error) {
	switch len(vals) {
	case 1:
		return Scalar(vals[0]), nil
	case 3:
		return RGB(vals[0], vals[1], vals[2]), nil
	}
	return Value{}, fmt.Errorf("value must have 1 or 3 channels, got %d", len(vals))
}

// Float returns the first channel.
func (v Value) Float() float64 { return v.C[0] }

// Triple returns all three channels.
func (v Value) Triple() [3]float64 { return v.C }

func (v Value) String() string {
	if v.N == 1 {
		return fmt.Sprintf("%g", v.C[0])
	}
	return fmt.Sprintf("(%g,%g,%g)", v.C[0], v.C[1], v.C[2])
}

func lerp(a, b Value, f float64) Value {
	out := Value{N: max(a.N, b.N)}
	for i := range out.C {
		out.C[i] = a.C[i] + (b.C[i]-a.C[i])*f
	}
	return out
}

// Keyframe pins a value to an instant.
type Keyframe struct {
	Time  float64
	Value Value
}

// Track is an immutable, time-sorted sequence of keyframes evaluated by
// piecewise-linear interpolation.
type Track struct {
	name string
	keys []Keyframe
}

// NewTrack sorts keys by time. Keys sharing a time keep their input order.
func NewTrack(name string, keys []Keyframe) (*Track, error) {
	if len(keys) < 2 {
		return nil, fmt.Errorf("%s: %w (got %d)", name, ErrTrackUnderflow, len(keys))
	}
	sorted := append([]Keyframe(nil), keys...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Time < sorted[j].Time })
	return &Track{name: name, keys: sorted}, nil
}

func (tr *Track) Name() string { return tr.name }

// Keys returns a copy of the sorted keyframes.
func (tr *Track) Keys() []Keyframe { return append([]Keyframe(nil), tr.keys...) }

// ValueAt interpolates the track at t within its bracketing keyframes.
// Outside the keyed span the edge bracket is extended linearly.
func (tr *Track) ValueAt(t float64) Value {
	i := bracket(len(tr.keys), func(i int) float64 { return tr.keys[i].Time }, t)
	k0, k1 := tr.keys[i], tr.keys[i+1]
	return lerp(k0.Value, k1.Value, ratio(k0.Time, k1.Time, t))
}

// bracket returns the lower index of the pair enclosing t: the number of
// entries strictly before t, minus one, clamped to [0, n-2].
func bracket(n int, timeAt func(int) float64, t float64) int {
	i := sort.Search(n, func(i int) bool { return timeAt(i) >= t }) - 1
	if i > n-2 {
		i = n - 2
	}
	if i < 0 {
		i = 0
	}
	return i
}

// ratio is the position of t between t0 and t1; zero when they coincide.
func ratio(t0, t1, t float64) float64 {
	if t1 == t0 {
		return 0
	}
	return (t - t0) / (t1 - t0)
}

// MaskKeyframe pins a mask image to an instant. An empty Path means no mask.
type MaskKeyframe struct {
	Time float64
	Path string
}

// MaskTrack selects the pair of masks surrounding an instant.
type MaskTrack struct {
	keys []MaskKeyframe
}

func NewMaskTrack(keys []MaskKeyframe) (*MaskTrack, error) {
	if len(keys) < 2 {
		return nil, fmt.Errorf("masks: %w (got %d)", ErrTrackUnderflow, len(keys))
	}
	sorted := append([]MaskKeyframe(nil), keys...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Time < sorted[j].Time })
	return &MaskTrack{keys: sorted}, nil
}

// At returns the bracketing mask paths and the blend factor between them.
func (m *MaskTrack) At(t float64) (first, second string, factor float64) {
	i := bracket(len(m.keys), func(i int) float64 { return m.keys[i].Time }, t)
	k0, k1 := m.keys[i], m.keys[i+1]
	return k0.Path, k1.Path, ratio(k0.Time, k1.Time, t)
}

func (m *MaskTrack) Keys() []MaskKeyframe { return append([]MaskKeyframe(nil), m.keys...) }
