// Package storage implements the engine's pluggable tile persistence layer
// (spec §3/§5 "Storage backend"), grounded on the teacher's
// mapcache.CacheService.saveMetaTile filesystem writer, generalized into a
// single Backend interface with six concrete implementations.
package storage

import (
	"context"

	"github.com/gisquick/tileproxy/internal/domain"
)

// Backend persists and retrieves tile images for one cache. Implementations
// need not be safe for concurrent StoreTile/RemoveTile on the same tile
// identity; callers serialize that via internal/lock.
type Backend interface {
	// LoadTile fills t.Image/t.Format/t.Timestamp from storage, reporting
	// whether the tile exists. A miss is not an error.
	LoadTile(ctx context.Context, t *domain.Tile) (bool, error)
	// LoadTiles loads a batch; entries with no stored image are left
	// untouched and skipped by the caller rather than erroring the batch.
	LoadTiles(ctx context.Context, tiles []*domain.Tile) error
	// StoreTile writes t.Image (t.Format, t.Timestamp set by the caller).
	StoreTile(ctx context.Context, t *domain.Tile) error
	StoreTiles(ctx context.Context, tiles []*domain.Tile) error
	// RemoveTile deletes one tile; a missing tile is not an error.
	RemoveTile(ctx context.Context, t *domain.Tile) error
	// RemoveLevel deletes every tile of cacheName at level (cache seeding
	// cleanup / forced expiry of a whole zoom level).
	RemoveLevel(ctx context.Context, cacheName string, level int) error
	// IterateTiles walks every stored tile of cacheName at level, calling fn
	// once per coordinate found. Iteration stops at the first error fn
	// returns.
	IterateTiles(ctx context.Context, cacheName string, level int, fn func(domain.TileCoord) error) error
	// IsCached reports existence without loading the image bytes.
	IsCached(ctx context.Context, t *domain.Tile) (bool, error)
}

// Layout names the directory convention a filesystem-shaped backend uses to
// turn a tile coordinate into a path/key (spec §5 "directory layouts").
type Layout string

const (
	LayoutTC       Layout = "tc"       // {cache}/{dim}/{level}/{x}/{y}.{ext}  (tilecache style)
	LayoutTMS      Layout = "tms"      // {cache}/{dim}/{level}/{x}/{y}.{ext}, same shape as tc; y is written unflipped
	LayoutQuadkey  Layout = "quadkey"  // {cache}/{dim}/{quadkey}.{ext}
	LayoutArcGIS   Layout = "arcgis"   // {cache}/{dim}/L{level}/R{y}/C{x}.{ext}
)
