// Package dispatcher implements the engine's outward service surface logic:
// resolving a named Layer (spec §3 "Layer") to its caches, compositing a
// WMS-style GetMap response bottom-to-top, bypassing straight to a single
// cache's own tile grid when a request matches it exactly, and gating every
// resolution through an Authorizer callback. Grounded on the teacher's OWS
// handler (internal/server/ows.go handleMapOws: layer-name -> permission
// check -> proxied GetMap) generalized from "proxy to one upstream
// mapserver" into "resolve against N tile caches and stitch locally".
package dispatcher

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jellydator/ttlcache/v3"

	"github.com/gisquick/tileproxy/internal/domain"
	"github.com/gisquick/tileproxy/internal/maplayer"
	"github.com/gisquick/tileproxy/internal/raster"
	"github.com/gisquick/tileproxy/internal/tilemanager"
)

// Authorizer gates access to a named layer. A nil Authorizer allows
// everything; callers wire an authentication/authorization backend here
// (spec §4.5 "Non-goals" keeps auth logic itself out of scope, but the
// extension point is part of the service surface).
type Authorizer func(ctx context.Context, layerName string) error

// Dispatcher resolves layer names against a fixed set of MapLayers/Managers
// built at configuration time (internal/config assembles one of these).
type Dispatcher struct {
	Layers     map[string]*domain.Layer
	MapLayers  map[string]*maplayer.MapLayer // by cache name
	Managers   map[string]*tilemanager.Manager
	Authorize  Authorizer

	// resolved caches the (layer name -> []*maplayer.MapLayer) lookup,
	// a layer tree of a few dozen nodes resolved thousands of times a
	// second under load; ttlcache also drops entries if a config reload
	// swaps Layers out (see Invalidate).
	resolved *ttlcache.Cache[string, []*maplayer.MapLayer]
	// capabilities is a small bounded LRU (64 entries) with string keys,
	// distinct from `resolved`; Invalidate purges it, and nothing in this
	// package adds entries to it.
	capabilities *lru.Cache[string, []byte]
}

func New(layers map[string]*domain.Layer, mapLayers map[string]*maplayer.MapLayer, managers map[string]*tilemanager.Manager, authorize Authorizer) *Dispatcher {
	resolved := ttlcache.New(ttlcache.WithTTL[string, []*maplayer.MapLayer](5 * time.Minute))
	go resolved.Start()
	caps, _ := lru.New[string, []byte](64)
	return &Dispatcher{
		Layers:       layers,
		MapLayers:    mapLayers,
		Managers:     managers,
		Authorize:    authorize,
		resolved:     resolved,
		capabilities: caps,
	}
}

// Invalidate drops every cached resolution, used after a configuration
// reload replaces d.Layers/d.MapLayers.
func (d *Dispatcher) Invalidate() {
	d.resolved.DeleteAll()
	d.capabilities.Purge()
}

// GetMapParams is a parsed WMS-style GetMap request (spec §5 "WMS service").
type GetMapParams struct {
	Layers      []string
	BBox        domain.BBox
	Width       int
	Height      int
	SRS         string
	Format      string
	Transparent bool
}

// ParseGetMapParams reads the standard WMS GetMap query keys (case
// normalized by the caller's router), grounded on the teacher's
// OwsRequestParams query binding in internal/server/ows.go.
func ParseGetMapParams(q map[string]string) (GetMapParams, error) {
	var p GetMapParams
	layers := q["LAYERS"]
	if layers == "" {
		return p, domain.NewError(domain.ErrKindInvalidRequest, "dispatcher.ParseGetMapParams", fmt.Errorf("missing LAYERS"))
	}
	p.Layers = strings.Split(layers, ",")

	bboxParts := strings.Split(q["BBOX"], ",")
	if len(bboxParts) != 4 {
		return p, domain.NewError(domain.ErrKindInvalidRequest, "dispatcher.ParseGetMapParams", fmt.Errorf("invalid BBOX %q", q["BBOX"]))
	}
	for i, s := range bboxParts {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return p, domain.NewError(domain.ErrKindInvalidRequest, "dispatcher.ParseGetMapParams", fmt.Errorf("invalid BBOX coordinate %q", s))
		}
		p.BBox[i] = v
	}
	p.Width = parseIntOr(q["WIDTH"], 0)
	p.Height = parseIntOr(q["HEIGHT"], 0)
	if p.Width <= 0 || p.Height <= 0 {
		return p, domain.NewError(domain.ErrKindInvalidRequest, "dispatcher.ParseGetMapParams", fmt.Errorf("invalid WIDTH/HEIGHT"))
	}
	p.SRS = q["SRS"]
	if p.SRS == "" {
		p.SRS = q["CRS"]
	}
	p.Format = q["FORMAT"]
	if p.Format == "" {
		p.Format = "image/png"
	}
	p.Transparent = strings.EqualFold(q["TRANSPARENT"], "true")
	return p, nil
}

func parseIntOr(s string, fallback int) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return v
}

// GetMap authorizes and composites one GetMap response across every
// requested layer, bottom-to-top.
func (d *Dispatcher) GetMap(ctx context.Context, p GetMapParams) (*raster.Image, error) {
	var mapLayers []*maplayer.MapLayer
	for _, name := range p.Layers {
		if d.Authorize != nil {
			if err := d.Authorize(ctx, name); err != nil {
				return nil, domain.NewError(domain.ErrKindUnauthorized, "dispatcher.GetMap", err)
			}
		}
		resolved, err := d.resolveLayer(name)
		if err != nil {
			return nil, err
		}
		mapLayers = append(mapLayers, resolved...)
	}
	if len(mapLayers) == 0 {
		return nil, domain.NewError(domain.ErrKindInvalidRequest, "dispatcher.GetMap", fmt.Errorf("no renderable layers in request"))
	}

	req := maplayer.Request{
		BBox:        p.BBox,
		Size:        domain.Size{p.Width, p.Height},
		SRS:         p.SRS,
		Format:      p.Format,
		Transparent: p.Transparent,
	}

	layerImgs := make([]raster.Layer, 0, len(mapLayers))
	for _, ml := range mapLayers {
		img, err := ml.GetMap(ctx, req)
		if err != nil {
			return nil, err
		}
		layerImgs = append(layerImgs, raster.Layer{Img: img.Img, Opacity: 1.0})
	}
	merged := raster.Merge([2]int{p.Width, p.Height}, layerImgs)
	return &raster.Image{Img: merged, Mode: raster.ModeRGBA, Format: formatTag(p.Format)}, nil
}

// resolveLayer expands a layer name into its bottom-to-top MapLayers,
// caching the result (a layer tree rarely changes between requests).
func (d *Dispatcher) resolveLayer(name string) ([]*maplayer.MapLayer, error) {
	if item := d.resolved.Get(name); item != nil {
		return item.Value(), nil
	}
	layer, ok := d.Layers[name]
	if !ok {
		return nil, domain.NewError(domain.ErrKindInvalidRequest, "dispatcher.resolveLayer", fmt.Errorf("unknown layer %q", name))
	}
	out := make([]*maplayer.MapLayer, 0, len(layer.CacheNames))
	for _, cacheName := range layer.CacheNames {
		ml, ok := d.MapLayers[cacheName]
		if !ok {
			return nil, domain.NewError(domain.ErrKindConfigInvalid, "dispatcher.resolveLayer", fmt.Errorf("layer %q references unknown cache %q", name, cacheName))
		}
		out = append(out, ml)
	}
	d.resolved.Set(name, out, ttlcache.DefaultTTL)
	return out, nil
}

// GetTile authorizes and serves one tile directly from a layer's own tile
// cache, bypassing MapLayer's stitch/resample path entirely (spec §4
// "use_direct_from_level" generalized to the tile-grid service surface,
// where the request IS the grid by construction).
func (d *Dispatcher) GetTile(ctx context.Context, layerName string, coord domain.TileCoord, dims domain.DimensionValues) (*domain.Tile, error) {
	if d.Authorize != nil {
		if err := d.Authorize(ctx, layerName); err != nil {
			return nil, domain.NewError(domain.ErrKindUnauthorized, "dispatcher.GetTile", err)
		}
	}
	layer, ok := d.Layers[layerName]
	if !ok || layer.TileCacheName == "" {
		return nil, domain.NewError(domain.ErrKindInvalidRequest, "dispatcher.GetTile",
			fmt.Errorf("layer %q has no tile-grid service", layerName))
	}
	mgr, ok := d.Managers[layer.TileCacheName]
	if !ok {
		return nil, domain.NewError(domain.ErrKindConfigInvalid, "dispatcher.GetTile",
			fmt.Errorf("layer %q references unknown cache %q", layerName, layer.TileCacheName))
	}
	return mgr.LoadTile(ctx, coord, dims)
}

func formatTag(mime string) raster.Format {
	switch mime {
	case "image/jpeg":
		return raster.FormatJPEG
	case "image/gif":
		return raster.FormatGIF
	case "image/tiff":
		return raster.FormatTIFF
	default:
		return raster.FormatPNG
	}
}
