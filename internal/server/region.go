package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"forestline/internal/domain"
	"forestline/internal/metrics"
	"forestline/internal/repo"
)

const defaultRegionLimit = 500

// regionCache memoizes bounding-box lookups. Imports flush it.
type regionCache struct {
	repo    repo.Repo
	cache   *cache.Cache
	timeout time.Duration
	metrics *metrics.Recorder
	logger  *zap.Logger
}

func newRegionCache(r repo.Repo, ttl, timeout time.Duration, rec *metrics.Recorder, logger *zap.Logger) *regionCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &regionCache{
		repo:    r,
		cache:   cache.New(ttl, 2*ttl),
		timeout: timeout,
		metrics: rec,
		logger:  logger,
	}
}

// parseBBox reads "minLng,minLat,maxLng,maxLat".
func parseBBox(raw string) (domain.Bounds, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 4 {
		return domain.Bounds{}, fmt.Errorf("bbox must be minLng,minLat,maxLng,maxLat")
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return domain.Bounds{}, fmt.Errorf("bbox component %d: %w", i+1, err)
		}
		v[i] = f
	}
	b := domain.Bounds{MinLng: v[0], MinLat: v[1], MaxLng: v[2], MaxLat: v[3]}
	if b.MinLat > b.MaxLat || b.MinLng > b.MaxLng {
		return domain.Bounds{}, fmt.Errorf("bbox minimum exceeds maximum")
	}
	if b.MinLat < -90 || b.MaxLat > 90 || b.MinLng < -180 || b.MaxLng > 180 {
		return domain.Bounds{}, fmt.Errorf("bbox outside geographic range")
	}
	return b, nil
}

func regionKey(b domain.Bounds, limit int) string {
	return fmt.Sprintf("%.6f,%.6f,%.6f,%.6f/%d", b.MinLng, b.MinLat, b.MaxLng, b.MaxLat, limit)
}

func (c *regionCache) lookup(ctx context.Context, b domain.Bounds, limit int) ([]domain.RegionPolygon, bool, error) {
	key := regionKey(b, limit)
	if v, ok := c.cache.Get(key); ok {
		c.metrics.RegionLookup("hit")
		return v.([]domain.RegionPolygon), true, nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	items, err := c.repo.PolygonsInBounds(ctx, b, limit)
	if err != nil {
		c.metrics.RegionLookup("error")
		c.logger.Warn("region lookup failed", zap.String("bbox", key), zap.Error(err))
		return nil, false, err
	}
	c.metrics.RegionLookup("miss")
	c.cache.Set(key, items, cache.DefaultExpiration)
	return items, false, nil
}

func (c *regionCache) flush() {
	c.cache.Flush()
}

func registerRegion(api huma.API, rc *regionCache) {
	huma.Register(api, huma.Operation{
		OperationID: "polygons-in-region",
		Method:      http.MethodGet,
		Path:        "/polygons",
		Summary:     "Stored polygons intersecting a bounding box",
		Errors:      []int{http.StatusBadRequest, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		BBox  string `query:"bbox" required:"true" example:"-9.5,38.5,-9.0,39.0"`
		Limit int    `query:"limit" default:"500"`
	}) (*struct {
		Body RegionResponse `json:"body"`
	}, error) {
		b, err := parseBBox(input.BBox)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"bbox": input.BBox})
		}
		limit := input.Limit
		if limit <= 0 || limit > defaultRegionLimit {
			limit = defaultRegionLimit
		}
		items, cached, err := rc.lookup(ctx, b, limit)
		if err != nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "unavailable", "region data temporarily unavailable", nil)
		}
		return &struct {
			Body RegionResponse `json:"body"`
		}{Body: RegionResponse{Bounds: b, Items: nonNilSlice(items), Cached: cached}}, nil
	})
}
