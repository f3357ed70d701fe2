package catalog

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"forestline/internal/domain"
	"forestline/internal/geo"
)

var ErrInvalidGeometry = errors.New("invalid geometry")

// GeometryError describes a feature that was dropped from a catalog.
type GeometryError struct {
	Position  int    `json:"position"`
	PolygonID string `json:"polygonId"`
	Reason    string `json:"reason"`
}

func (e GeometryError) Error() string {
	return fmt.Sprintf("feature %d (polygon %s): %s", e.Position, e.PolygonID, e.Reason)
}

func (e GeometryError) Unwrap() error { return ErrInvalidGeometry }

// Catalog is the immutable result of building polygons from one feature collection.
type Catalog struct {
	Polygons  []domain.Polygon
	Centroid  *domain.LatLng
	Dropped   []GeometryError
	Sentinels int
}

type Builder struct {
	// Normalizer.Declared, when set, wins over the collection's own crs member.
	Normalizer geo.Normalizer
	Logger     *zap.Logger
}

// BuildPolygons builds the polygon list of fc with default settings.
func BuildPolygons(fc FeatureCollection) []domain.Polygon {
	return Builder{}.Build(fc).Polygons
}

func (b Builder) Build(fc FeatureCollection) Catalog {
	logger := b.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	norm := b.Normalizer
	if norm.Declared == geo.Unknown {
		norm.Declared = geo.ParseSystem(fc.CRSName())
	}
	if norm.Logger == nil {
		norm.Logger = logger
	}

	var cat Catalog
	seen := map[string]bool{}
	var sumLat, sumLng float64
	var count int
	for i, f := range fc.Features {
		pos := i + 1
		id := polygonID(f.Properties, pos)
		drop := func(reason string) {
			ge := GeometryError{Position: pos, PolygonID: id, Reason: reason}
			cat.Dropped = append(cat.Dropped, ge)
			logger.Warn("polygon dropped", zap.Int("position", pos), zap.String("polygon_id", id), zap.String("reason", reason))
		}
		if f.Geometry == nil || !strings.EqualFold(f.Geometry.Type, "Polygon") {
			drop("geometry is not a Polygon")
			continue
		}
		if seen[id] {
			drop("duplicate polygon id")
			continue
		}
		raw, ok := outerRing(f.Geometry.Coordinates)
		if !ok {
			drop("coordinates are not a ring")
			continue
		}
		var vertices []domain.LatLng
		for _, c := range norm.NormalizeRing(raw) {
			if c.IsSentinel() {
				cat.Sentinels++
				continue
			}
			vertices = append(vertices, c.LatLng())
		}
		vertices = dedupe(vertices)
		if n := distinct(vertices); n < 3 {
			drop(fmt.Sprintf("ring has %d distinct valid vertices", n))
			continue
		}
		seen[id] = true
		for _, v := range vertices {
			sumLat += v.Lat
			sumLng += v.Lng
		}
		count += len(vertices)
		ring := append(vertices, vertices[0])
		cat.Polygons = append(cat.Polygons, domain.Polygon{
			ID:         id,
			Ring:       ring,
			Properties: copyProps(f.Properties),
			Bounds:     bounds(ring),
		})
	}
	if count > 0 {
		cat.Centroid = &domain.LatLng{Lat: sumLat / float64(count), Lng: sumLng / float64(count)}
	}
	return cat
}

// Worksheet assembles a worksheet from an import. Operations with an empty
// or repeated code are skipped; the first occurrence of a code wins.
func (b Builder) Worksheet(imp Import, id string) (domain.Worksheet, Catalog) {
	logger := b.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cat := b.Build(imp.Collection)
	md := imp.Metadata
	if id == "" {
		id = md.ID
	}
	ws := domain.Worksheet{
		ID:                id,
		CRS:               imp.Collection.CRSName(),
		Encoding:          string(imp.Encoding),
		StartingDate:      md.StartingDate,
		FinishingDate:     md.FinishingDate,
		IssueDate:         md.IssueDate,
		AwardDate:         md.AwardDate,
		ServiceProviderID: md.ServiceProviderID.Value,
		Codes: domain.AdministrativeCodes{
			AIGP:            md.AIGP,
			RuralPropertyID: md.RuralPropertyID,
			PosaCode:        md.PosaCode,
			PosaDescription: md.PosaDescription,
			UserID:          string(md.UserID),
		},
		Operations: []domain.OperationSpec{},
		Polygons:   cat.Polygons,
		Centroid:   cat.Centroid,
	}
	if ws.Polygons == nil {
		ws.Polygons = []domain.Polygon{}
	}
	codes := map[string]bool{}
	for _, op := range md.Operations {
		op.Code = strings.TrimSpace(op.Code)
		if op.Code == "" || codes[op.Code] {
			logger.Warn("operation skipped", zap.String("operation_code", op.Code))
			continue
		}
		codes[op.Code] = true
		ws.Operations = append(ws.Operations, op)
	}
	return ws, cat
}

// polygonID resolves polygon_id/polygonId, then id, then the 1-based position.
func polygonID(props map[string]any, pos int) string {
	for _, k := range []string{"polygon_id", "polygonId", "id"} {
		if s := propString(props[k]); s != "" {
			return s
		}
	}
	return strconv.Itoa(pos)
}

// outerRing picks the ring to normalize: index 0 of a GeoJSON polygon, or
// the whole sequence when it is already flat or uses the wrapped-point shape.
func outerRing(coords any) (any, bool) {
	items, ok := coords.([]any)
	if !ok || len(items) == 0 {
		return nil, false
	}
	if _, isNum := items[0].(float64); isNum {
		return nil, false
	}
	if geo.IsWrapped(items) {
		return items, true
	}
	first, ok := items[0].([]any)
	if !ok || len(first) == 0 {
		return nil, false
	}
	if _, isNum := first[0].(float64); isNum {
		// flat ring without the polygon nesting level
		return items, true
	}
	return first, true
}

// dedupe keeps the first occurrence of every vertex. A repeat anywhere in
// the ring, including the closing vertex, is dropped; the caller closes it.
func dedupe(in []domain.LatLng) []domain.LatLng {
	out := make([]domain.LatLng, 0, len(in))
	seen := make(map[domain.LatLng]struct{}, len(in))
	for _, v := range in {
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func distinct(in []domain.LatLng) int {
	set := make(map[domain.LatLng]struct{}, len(in))
	for _, v := range in {
		set[v] = struct{}{}
	}
	return len(set)
}

func bounds(ring []domain.LatLng) domain.Bounds {
	b := domain.Bounds{MinLat: math.Inf(1), MinLng: math.Inf(1), MaxLat: math.Inf(-1), MaxLng: math.Inf(-1)}
	for _, v := range ring {
		b.MinLat = math.Min(b.MinLat, v.Lat)
		b.MinLng = math.Min(b.MinLng, v.Lng)
		b.MaxLat = math.Max(b.MaxLat, v.Lat)
		b.MaxLng = math.Max(b.MaxLng, v.Lng)
	}
	return b
}

func copyProps(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
