// Package tilemanager implements the engine's tile-build algorithm (spec
// §3/§4 "TileManager"): meta-tile partitioning, at-most-once-concurrent
// building per meta-tile identity, source fan-in, and storage writes. The
// singleflight-keyed build is grounded directly on the teacher's
// mapcache.Cache.GetTileFile / CacheService.RenderTile.
package tilemanager

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gisquick/tileproxy/internal/domain"
	"github.com/gisquick/tileproxy/internal/lock"
	"github.com/gisquick/tileproxy/internal/raster"
	"github.com/gisquick/tileproxy/internal/source"
	"github.com/gisquick/tileproxy/internal/storage"
)

// Metrics mirrors the teacher's mapcache/service.go cacheMetrics(): one
// counter incremented per meta-tile build, labeled by cache name.
type Metrics struct {
	BuildsTotal *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		BuildsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tileengine_metatile_builds_total",
			Help: "Count of meta-tile build executions, by cache.",
		}, []string{"cache"}),
	}
	prometheus.MustRegister(m.BuildsTotal)
	return m
}

// SourceSet resolves a cache's configured source names to Source
// implementations, used for ordinary fetches; a name absent from the set
// may still resolve via Manager.CachePeers (cross-cache sourcing).
type SourceSet interface {
	Get(name string) (source.Source, bool)
}

// MapSourceSet is the simplest SourceSet: a static name->Source lookup.
type MapSourceSet map[string]source.Source

func (s MapSourceSet) Get(name string) (source.Source, bool) {
	src, ok := s[name]
	return src, ok
}

// Manager builds and retrieves tiles for one Cache.
type Manager struct {
	Cache   *domain.Cache
	Sources SourceSet
	Backend storage.Backend
	Locks   lock.Manager
	Metrics *Metrics
	Log     *zap.SugaredLogger
	// CachePeers resolves a configured source name to another cache's
	// Manager, for the "isSubset" cross-cache sourcing path (spec §4
	// "cache as source"): a cache may list another cache's name among its
	// sources when that cache's grid is an exact subset of this one's.
	CachePeers map[string]*Manager
}

func New(cache *domain.Cache, sources SourceSet, backend storage.Backend, locks lock.Manager, metrics *Metrics, log *zap.SugaredLogger) *Manager {
	return &Manager{Cache: cache, Sources: sources, Backend: backend, Locks: locks, Metrics: metrics, Log: log}
}

// LoadTile returns the tile at coord/dims, building its containing
// meta-tile if it isn't already (freshly enough) stored.
func (m *Manager) LoadTile(ctx context.Context, coord domain.TileCoord, dims domain.DimensionValues) (*domain.Tile, error) {
	if m.useDirect(coord.Level) {
		return m.fetchDirectTile(ctx, coord, dims)
	}

	t := &domain.Tile{CacheName: m.Cache.Name, Grid: m.Cache.Grid, Coord: coord, Dimensions: dims}

	if !m.Cache.Policies.DisableStorage {
		found, err := m.Backend.LoadTile(ctx, t)
		if err != nil {
			return nil, domain.NewError(domain.ErrKindBackendUnavailable, "tilemanager.Manager.LoadTile", err)
		}
		if found && !m.isStale(t) {
			return t, nil
		}
	}

	meta := m.metaTileFor(coord, dims)
	v, err := m.Locks.Do(ctx, meta.Identity(), func() (any, error) {
		return m.buildMetaTile(ctx, meta)
	})
	if err != nil {
		return nil, err
	}
	built := v.(map[domain.TileCoord]*domain.Tile)
	result, ok := built[coord]
	if !ok {
		// coord fell outside the grid bbox and was skipped (spec §9 Open
		// Question: partial overlap clips, doesn't blank-fill); caller gets
		// an explicit miss rather than a fabricated empty tile.
		return nil, domain.NewError(domain.ErrKindInvalidRequest, "tilemanager.Manager.LoadTile", domain.ErrOutsideBounds)
	}
	return result, nil
}

// LoadTiles resolves a batch of coordinates concurrently via errgroup,
// grounded on the teacher's use of golang.org/x/sync (singleflight is the
// other half of the same module) generalized to parallel fan-out (spec
// §4 "bulk_meta_tiles").
func (m *Manager) LoadTiles(ctx context.Context, coords []domain.TileCoord, dims domain.DimensionValues) ([]*domain.Tile, error) {
	out := make([]*domain.Tile, len(coords))
	g, gctx := errgroup.WithContext(ctx)
	concurrency := 8
	if !m.Cache.Policies.BulkMetaTiles {
		concurrency = 1
	}
	sem := make(chan struct{}, concurrency)
	for i, c := range coords {
		i, c := i, c
		sem <- struct{}{}
		g.Go(func() error {
			defer func() { <-sem }()
			t, err := m.LoadTile(gctx, c, dims)
			if err != nil {
				return err
			}
			out[i] = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Manager) isStale(t *domain.Tile) bool {
	if m.Cache.RefreshBefore == nil {
		return false
	}
	epoch, ok := m.Cache.RefreshBefore.Epoch(nil)
	if !ok {
		return false
	}
	return t.Timestamp.Before(epoch)
}

// useDirect reports whether coord.Level should bypass the cache entirely
// (spec §4 "use_direct_from_level"/"use_direct_from_res"): requests at or
// beyond the configured level/resolution go straight to the sources, never
// touching storage or the meta-tile lock.
func (m *Manager) useDirect(level int) bool {
	p := m.Cache.Policies
	if p.UseDirectFromLevel > 0 && level >= p.UseDirectFromLevel {
		return true
	}
	if p.UseDirectFromRes > 0 && level < len(m.Cache.Grid.Resolutions) && m.Cache.Grid.Resolutions[level] <= p.UseDirectFromRes {
		return true
	}
	return false
}

// fetchDirectTile builds exactly one tile (a degenerate 1x1 "meta-tile")
// straight from the configured sources, bypassing storage/locking. Used
// only for levels useDirect selects; never stored, so the next request at
// the same coordinate fetches again.
func (m *Manager) fetchDirectTile(ctx context.Context, coord domain.TileCoord, dims domain.DimensionValues) (*domain.Tile, error) {
	meta := domain.MetaTile{
		CacheName:  m.Cache.Name,
		Grid:       m.Cache.Grid,
		Level:      coord.Level,
		MX:         coord.X,
		MY:         coord.Y,
		MetaSize:   domain.MetaSize{1, 1},
		Buffer:     domain.MetaBuffer{0, 0},
		Dimensions: dims,
	}
	plan, err := planMetaTile(m.Cache.Grid, meta)
	if err != nil {
		return nil, err
	}
	if len(plan.members) == 0 {
		return nil, domain.NewError(domain.ErrKindInvalidRequest, "tilemanager.Manager.fetchDirectTile", domain.ErrOutsideBounds)
	}
	layers, images, _, err := m.fetchSourceLayers(ctx, plan)
	if err != nil {
		return nil, err
	}
	merged := m.composite(plan, layers, images)

	format := m.Cache.Image.Format
	if format == "" {
		format = "image/png"
	}
	var buf bytes.Buffer
	encFormat := raster.Format(extFormat(format))
	if _, err := raster.Encode(&buf, &raster.Image{Img: merged, Mode: raster.ModeRGBA, Format: encFormat}, raster.EncodeOptions{Format: encFormat}); err != nil {
		return nil, domain.NewError(domain.ErrKindSourcePermanent, "tilemanager.Manager.fetchDirectTile", err)
	}
	return &domain.Tile{
		CacheName:  m.Cache.Name,
		Grid:       m.Cache.Grid,
		Coord:      coord,
		Dimensions: dims,
		Image:      buf.Bytes(),
		Format:     format,
	}, nil
}

func (m *Manager) metaTileFor(coord domain.TileCoord, dims domain.DimensionValues) domain.MetaTile {
	metaSize := m.Cache.MetaSize
	metaX, metaY := floorDiv(coord.X, metaSize[0]), floorDiv(coord.Y, metaSize[1])
	if m.Cache.Policies.MinimizeMetaRequests {
		// spec §4 "minimize_meta_requests": degenerate to exactly the
		// requested tile instead of the configured meta_size, trading
		// fewer neighbor pre-fetches for smaller upstream requests.
		metaSize = domain.MetaSize{1, 1}
		metaX, metaY = coord.X, coord.Y
	}
	return domain.MetaTile{
		CacheName:  m.Cache.Name,
		Grid:       m.Cache.Grid,
		Level:      coord.Level,
		MX:         metaX,
		MY:         metaY,
		MetaSize:   metaSize,
		Buffer:     m.Cache.MetaBuffer,
		Dimensions: dims,
	}
}

func floorDiv(a, b int) int {
	if b == 0 {
		return 0
	}
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// buildMetaTile fetches, merges, optionally watermarks, and splits one
// meta-tile, storing every in-bounds member and returning all of them
// keyed by coordinate (spec §9 Open Question: members wholly outside the
// grid bbox are skipped, never produced).
func (m *Manager) buildMetaTile(ctx context.Context, meta domain.MetaTile) (any, error) {
	if m.Metrics != nil {
		m.Metrics.BuildsTotal.WithLabelValues(m.Cache.Name).Inc()
	}
	if m.Log != nil {
		m.Log.Infow("building metatile", "cache", m.Cache.Name, "level", meta.Level, "mx", meta.MX, "my", meta.MY)
	}

	plan, err := planMetaTile(m.Cache.Grid, meta)
	if err != nil {
		return nil, err
	}
	if len(plan.members) == 0 {
		return map[domain.TileCoord]*domain.Tile{}, nil
	}

	// Re-read from storage once inside the lock (spec §4.6 step 2/3a): a
	// concurrent caller may have already built this exact meta-tile while
	// we waited to acquire it (true across processes for the file/Redis
	// lock managers). If every member is present and fresh, reuse it
	// instead of re-fetching — "dedup = exactly one source call" holds
	// even under a distributed lock.
	if !m.Cache.Policies.DisableStorage {
		if tiles, ok := m.tryLoadAllMembers(ctx, meta, plan); ok {
			return tiles, nil
		}
	}

	layers, images, persist, err := m.fetchSourceLayers(ctx, plan)
	if err != nil {
		return nil, err
	}

	merged := m.composite(plan, layers, images)
	tiles := m.splitAndStore(ctx, meta, plan, merged, persist)
	return tiles, nil
}

// tryLoadAllMembers loads every plan.members tile from storage, succeeding
// only if all are present and none is stale.
func (m *Manager) tryLoadAllMembers(ctx context.Context, meta domain.MetaTile, plan metaTilePlan) (map[domain.TileCoord]*domain.Tile, bool) {
	out := make(map[domain.TileCoord]*domain.Tile, len(plan.members))
	for _, mc := range plan.members {
		t := &domain.Tile{CacheName: m.Cache.Name, Grid: m.Cache.Grid, Coord: mc, Dimensions: meta.Dimensions}
		found, err := m.Backend.LoadTile(ctx, t)
		if err != nil || !found || m.isStale(t) {
			return nil, false
		}
		out[mc] = t
	}
	return out, true
}

// composite merges the fetched source layers into one image covering
// plan.fullPixelSize: the configured band-merge combination when the cache
// defines one (spec §4.2 "Band combination"), otherwise the ordinary
// bottom-to-top overlay, then an optional watermark stamp.
func (m *Manager) composite(plan metaTilePlan, layers []raster.Layer, images map[string]image.Image) *image.NRGBA {
	var merged *image.NRGBA
	if len(m.Cache.BandMerge) > 0 {
		targets := make([][]raster.BandContribution, len(m.Cache.BandMerge))
		for i, contributions := range m.Cache.BandMerge {
			for _, c := range contributions {
				src := images[c.SourceName]
				if src == nil {
					continue
				}
				targets[i] = append(targets[i], raster.BandContribution{Src: src, Band: c.Band, Factor: c.Factor})
			}
		}
		merged = raster.BandCombine(plan.fullPixelSize, targets)
	} else {
		merged = raster.Merge(plan.fullPixelSize, layers)
	}
	if m.Cache.Watermark != nil {
		raster.Watermark(merged, *m.Cache.Watermark, m.Cache.Grid.TileSize, m.Cache.Watermark.WideSpacing)
	}
	return merged
}

// fetchSourceLayers fetches plan.bbox/plan.pixelSize from every configured
// source concurrently and returns them bottom-to-top for raster.Merge,
// alongside the same images keyed by source name (for band-merge) and
// whether the result may be persisted to storage.
func (m *Manager) fetchSourceLayers(ctx context.Context, plan metaTilePlan) ([]raster.Layer, map[string]image.Image, bool, error) {
	layers := make([]raster.Layer, len(m.Cache.SourceNames))
	images := make(map[string]image.Image, len(m.Cache.SourceNames))
	persist := true
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for i, name := range m.Cache.SourceNames {
		i, name := i, name
		g.Go(func() error {
			if peer, ok := m.CachePeers[name]; ok {
				img, err := m.fetchFromPeerCache(gctx, peer, plan)
				if err != nil {
					return err
				}
				mu.Lock()
				layers[i] = raster.Layer{Img: img, Opacity: 1.0}
				images[name] = img
				mu.Unlock()
				return nil
			}

			src, ok := m.Sources.Get(name)
			if !ok {
				return domain.NewError(domain.ErrKindConfigInvalid, "tilemanager.fetchSourceLayers",
					fmt.Errorf("unknown source %q", name))
			}

			// Per-source coverage (spec §4.3/§4.6 step 3b): a request that
			// doesn't intersect it contributes nothing, and Fetch is never
			// called — no HTTP traffic to the upstream at all.
			if cov := src.Coverage(); cov != nil {
				hit, err := cov.Intersects(plan.bbox, m.Cache.Grid.SRS)
				if err != nil {
					return err
				}
				if !hit {
					mu.Lock()
					images[name] = nil
					mu.Unlock()
					return nil
				}
			}

			req := source.Request{
				BBox:        plan.bbox,
				Size:        plan.pixelSize,
				SRS:         m.Cache.Grid.SRS,
				Format:      m.Cache.Image.Format,
				Transparent: m.Cache.Image.Transparent,
			}
			resp, err := src.Fetch(gctx, req)
			var canvasImg image.Image
			if err != nil {
				switch src.OnError() {
				case source.OnErrorTransparent:
					if m.Log != nil {
						m.Log.Warnw("source fetch failed, substituting transparent tile", "source", name, "error", err)
					}
					mu.Lock()
					persist = false
					mu.Unlock()
				case source.OnErrorCache:
					if m.Log != nil {
						m.Log.Warnw("source fetch failed, substituting and caching transparent tile", "source", name, "error", err)
					}
				default:
					return err
				}
			} else {
				img, derr := raster.DecodeBytes(resp.Image)
				if derr != nil {
					return domain.NewError(domain.ErrKindSourcePermanent, "tilemanager.fetchSourceLayers", derr)
				}
				canvasImg = img.Img
				if plan.offsetPx != [2]int{0, 0} || plan.pixelSize != plan.fullPixelSize {
					blank := image.NewNRGBA(image.Rect(0, 0, plan.fullPixelSize[0], plan.fullPixelSize[1]))
					canvasImg = raster.Paste(blank, img.Img, image.Pt(plan.offsetPx[0], plan.offsetPx[1]))
				}
			}
			mu.Lock()
			layers[i] = raster.Layer{Img: canvasImg, Opacity: 1.0}
			images[name] = canvasImg
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, false, err
	}
	return layers, images, persist, nil
}

// fetchFromPeerCache sources plan's pixels directly from another cache's
// storage instead of an upstream source (spec §4 "cache as source"),
// valid only when peer's grid is an exact subset of this cache's grid
// (domain.Grid.IsSubset) so no reprojection/resampling is geometrically
// required beyond an ordinary crop/resize.
func (m *Manager) fetchFromPeerCache(ctx context.Context, peer *Manager, plan metaTilePlan) (image.Image, error) {
	if !peer.Cache.Grid.IsSubset(m.Cache.Grid) {
		return nil, domain.NewError(domain.ErrKindConfigInvalid, "tilemanager.fetchFromPeerCache",
			fmt.Errorf("cache %q grid is not a subset of %q grid, cannot source tiles directly", peer.Cache.Name, m.Cache.Name))
	}

	level, xRange, yRange, err := peer.Cache.Grid.AffectedTiles(plan.bbox, domain.Size{plan.pixelSize[0], plan.pixelSize[1]})
	if err != nil {
		return nil, err
	}
	coords := make([]domain.TileCoord, 0, (xRange[1]-xRange[0]+1)*(yRange[1]-yRange[0]+1))
	for y := yRange[0]; y <= yRange[1]; y++ {
		for x := xRange[0]; x <= xRange[1]; x++ {
			coords = append(coords, domain.TileCoord{Level: level, X: x, Y: y})
		}
	}
	tiles, err := peer.LoadTiles(ctx, coords, nil)
	if err != nil {
		return nil, err
	}

	canvas, canvasBBox, err := stitchGridTiles(peer.Cache.Grid, level, xRange, yRange, tiles)
	if err != nil {
		return nil, err
	}
	res := peer.Cache.Grid.Resolutions[level]
	cropped := raster.Crop(canvas, cropRectFor(canvasBBox, plan.bbox, res, canvas.Bounds()))
	if cropped.Bounds().Dx() != plan.pixelSize[0] || cropped.Bounds().Dy() != plan.pixelSize[1] {
		cropped = raster.Resize(cropped, plan.pixelSize, m.Cache.Image.ResamplingMethod)
	}
	if plan.offsetPx == [2]int{0, 0} && plan.pixelSize == plan.fullPixelSize {
		return cropped, nil
	}
	blank := image.NewNRGBA(image.Rect(0, 0, plan.fullPixelSize[0], plan.fullPixelSize[1]))
	return raster.Paste(blank, cropped, image.Pt(plan.offsetPx[0], plan.offsetPx[1])), nil
}

// stitchGridTiles composites tiles (row-major over xRange/yRange, honoring
// grid's origin corner) into one canvas image plus the ground bbox it
// covers. Mirrors internal/maplayer's own stitch, generalized here to
// source from a peer cache's grid instead of the requesting layer's grid.
func stitchGridTiles(grid *domain.Grid, level int, xRange, yRange [2]int, tiles []*domain.Tile) (*image.NRGBA, domain.BBox, error) {
	cols := xRange[1] - xRange[0] + 1
	rows := yRange[1] - yRange[0] + 1
	canvas := image.NewNRGBA(image.Rect(0, 0, cols*grid.TileSize[0], rows*grid.TileSize[1]))

	idx := 0
	for y := yRange[0]; y <= yRange[1]; y++ {
		for x := xRange[0]; x <= xRange[1]; x++ {
			t := tiles[idx]
			idx++
			col := x - xRange[0]
			var row int
			if grid.Origin == domain.OriginLowerLeft {
				row = yRange[1] - y
			} else {
				row = y - yRange[0]
			}
			if t == nil || t.Image == nil {
				continue
			}
			img, err := raster.DecodeBytes(t.Image)
			if err != nil {
				return nil, domain.BBox{}, err
			}
			canvas = raster.Paste(canvas, img.Img, image.Pt(col*grid.TileSize[0], row*grid.TileSize[1]))
		}
	}

	minTile, err := grid.TileBBox(level, xRange[0], yRange[0])
	if err != nil {
		return nil, domain.BBox{}, err
	}
	maxTile, err := grid.TileBBox(level, xRange[1], yRange[1])
	if err != nil {
		return nil, domain.BBox{}, err
	}
	bbox := domain.BBox{
		minF(minTile[0], maxTile[0]),
		minF(minTile[1], maxTile[1]),
		maxF(minTile[2], maxTile[2]),
		maxF(minTile[3], maxTile[3]),
	}
	return canvas, bbox, nil
}

// cropRectFor maps req (a sub-region of canvasBBox, same SRS) onto canvas's
// pixel rectangle.
func cropRectFor(canvasBBox, req domain.BBox, res float64, bounds image.Rectangle) image.Rectangle {
	minX := int((req[0] - canvasBBox[0]) / res)
	maxX := int((req[2] - canvasBBox[0]) / res)
	minY := int((canvasBBox[3] - req[3]) / res)
	maxY := int((canvasBBox[3] - req[1]) / res)
	r := image.Rect(minX, minY, maxX, maxY)
	return r.Intersect(bounds)
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// splitAndStore crops merged into its member tiles, stores each (unless
// storage is disabled for this cache or persist is false), and returns them
// keyed by coordinate. persist is false only when a source failed with
// on_error: transparent (spec §4.1): the substitute image is returned to
// this caller but never written, so the next request retries the source.
func (m *Manager) splitAndStore(ctx context.Context, meta domain.MetaTile, plan metaTilePlan, merged image.Image, persist bool) map[domain.TileCoord]*domain.Tile {
	grid := m.Cache.Grid
	grids := raster.Split(merged, meta.MetaSize[0], meta.MetaSize[1], grid.TileSize, plan.bufferPx)
	out := make(map[domain.TileCoord]*domain.Tile, len(plan.members))

	format := m.Cache.Image.Format
	if format == "" {
		format = "image/png"
	}
	for _, mc := range plan.members {
		localCol := mc.X - plan.originX
		var row int
		if grid.Origin == domain.OriginLowerLeft {
			row = meta.MetaSize[1] - 1 - (mc.Y - plan.originY)
		} else {
			row = mc.Y - plan.originY
		}
		if row < 0 || row >= len(grids) || localCol < 0 || localCol >= len(grids[row]) {
			continue
		}
		img := grids[row][localCol]
		var buf bytes.Buffer
		encFormat := raster.Format(extFormat(format))
		if _, err := raster.Encode(&buf, &raster.Image{Img: img, Mode: raster.ModeRGBA, Format: encFormat}, raster.EncodeOptions{Format: encFormat}); err != nil {
			continue
		}
		t := &domain.Tile{
			CacheName:  m.Cache.Name,
			Grid:       grid,
			Coord:      mc,
			Dimensions: meta.Dimensions,
			Image:      buf.Bytes(),
			Format:     format,
		}
		if persist && !m.Cache.Policies.DisableStorage {
			if err := m.Backend.StoreTile(ctx, t); err != nil && m.Log != nil {
				m.Log.Errorw("storing tile failed", "cache", m.Cache.Name, "error", err)
			}
		}
		out[mc] = t
	}
	return out
}

func extFormat(mime string) string {
	switch mime {
	case "image/jpeg":
		return "jpeg"
	case "image/gif":
		return "gif"
	case "image/tiff":
		return "tiff"
	case "mixed":
		return "mixed"
	default:
		return "png"
	}
}
