package geo

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"forestline/internal/domain"
)

// System is the reference system a raw pair was read in.
type System int

const (
	Unknown System = iota
	Geographic
	Projected
)

func (s System) String() string {
	switch s {
	case Geographic:
		return "geographic"
	case Projected:
		return "projected"
	}
	return "unknown"
}

// Detect classifies a raw (x, y) pair. Pairs inside the geographic envelope
// are read as (lng, lat); anything else is taken to be PT-TM06 metres.
func Detect(x, y float64) System {
	if math.Abs(x) <= 180 && math.Abs(y) <= 90 {
		return Geographic
	}
	return Projected
}

// ParseSystem maps a declared CRS name to a System. Unrecognised names map to Unknown.
func ParseSystem(name string) System {
	n := strings.ToUpper(strings.TrimSpace(name))
	switch {
	case n == "":
		return Unknown
	case strings.Contains(n, "3763"), strings.Contains(n, "TM06"):
		return Projected
	case strings.Contains(n, "4326"), strings.Contains(n, "CRS84"),
		strings.Contains(n, "WGS84"), strings.Contains(n, "WGS 84"):
		return Geographic
	}
	return Unknown
}

// Coordinate is a normalized point carrying the system its raw input was read in.
type Coordinate struct {
	Lat    float64
	Lng    float64
	System System
}

// IsSentinel reports the (0,0) "unmappable" marker.
func (c Coordinate) IsSentinel() bool {
	return c.Lat == 0 && c.Lng == 0
}

func (c Coordinate) LatLng() domain.LatLng {
	return domain.LatLng{Lat: c.Lat, Lng: c.Lng}
}

// Normalizer converts raw pairs to (lat, lng). It never returns an error:
// malformed input and failed transforms yield the (0,0) sentinel.
type Normalizer struct {
	// Declared is the system named by the source document; Unknown falls back to Detect.
	Declared System
	Logger   *zap.Logger
}

// Normalize is Normalizer{}.Normalize.
func Normalize(raw any) Coordinate {
	return Normalizer{}.Normalize(raw)
}

func (n Normalizer) Normalize(raw any) (c Coordinate) {
	defer func() {
		if r := recover(); r != nil {
			n.malformed(raw, fmt.Errorf("panic: %v", r))
			c = Coordinate{}
		}
	}()
	x, y, err := pair(raw)
	if err != nil {
		n.malformed(raw, err)
		return Coordinate{}
	}
	return n.NormalizePair(x, y)
}

func (n Normalizer) NormalizePair(x, y float64) Coordinate {
	if !finite(x) || !finite(y) {
		n.malformed([]float64{x, y}, ErrOutOfDomain)
		return Coordinate{}
	}
	sys := n.Declared
	if sys == Unknown {
		sys = Detect(x, y)
	}
	switch sys {
	case Geographic:
		if math.Abs(x) > 180 || math.Abs(y) > 90 {
			n.malformed([]float64{x, y}, ErrOutOfDomain)
			return Coordinate{}
		}
		return Coordinate{Lat: y, Lng: x, System: Geographic}
	default:
		lat, lng, err := ToGeographic(x, y)
		if err != nil {
			n.malformed([]float64{x, y}, err)
			return Coordinate{}
		}
		return Coordinate{Lat: lat, Lng: lng, System: Projected}
	}
}

// NormalizeRing normalizes every vertex of a flat or wrapped ring. Sentinels
// are kept in place; filtering is the caller's concern.
func (n Normalizer) NormalizeRing(raw any) []Coordinate {
	points, ok := FlattenRing(raw)
	if !ok {
		n.malformed(raw, fmt.Errorf("ring is not a sequence"))
		return nil
	}
	out := make([]Coordinate, 0, len(points))
	for _, p := range points {
		out = append(out, n.Normalize(p))
	}
	return out
}

// FlattenRing returns the vertices of a ring given either as a flat sequence
// of pairs or with every pair wrapped in its own single-element sequence.
func FlattenRing(raw any) ([]any, bool) {
	items, ok := asSlice(raw)
	if !ok {
		return nil, false
	}
	if !IsWrapped(items) {
		return items, true
	}
	out := make([]any, 0, len(items))
	for _, it := range items {
		inner, _ := asSlice(it)
		out = append(out, inner[0])
	}
	return out, true
}

// IsWrapped reports whether every element is a one-element sequence holding a pair.
func IsWrapped(items []any) bool {
	if len(items) == 0 {
		return false
	}
	for _, it := range items {
		inner, ok := asSlice(it)
		if !ok || len(inner) != 1 {
			return false
		}
		if _, ok := asSlice(inner[0]); !ok {
			return false
		}
	}
	return true
}

func (n Normalizer) malformed(raw any, err error) {
	if n.Logger == nil {
		return
	}
	n.Logger.Debug("unmappable coordinate", zap.Any("raw", raw), zap.Error(err))
}

func pair(raw any) (float64, float64, error) {
	switch v := raw.(type) {
	case [2]float64:
		return v[0], v[1], nil
	case []float64:
		if len(v) < 2 {
			return 0, 0, fmt.Errorf("pair has %d elements", len(v))
		}
		return v[0], v[1], nil
	case []any:
		if len(v) < 2 {
			return 0, 0, fmt.Errorf("pair has %d elements", len(v))
		}
		x, err := number(v[0])
		if err != nil {
			return 0, 0, err
		}
		y, err := number(v[1])
		if err != nil {
			return 0, 0, err
		}
		return x, y, nil
	}
	return 0, 0, fmt.Errorf("pair is %T", raw)
}

func number(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	}
	return 0, fmt.Errorf("component is %T", v)
}

func asSlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case [][]float64:
		out := make([]any, len(s))
		for i := range s {
			out[i] = s[i]
		}
		return out, true
	case [][][]float64:
		out := make([]any, len(s))
		for i := range s {
			out[i] = s[i]
		}
		return out, true
	case []float64:
		out := make([]any, len(s))
		for i := range s {
			out[i] = s[i]
		}
		return out, true
	}
	return nil, false
}
