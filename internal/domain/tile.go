package domain

import (
	"fmt"
	"strings"
	"time"
)

// DimensionValues is an ordered set of named axis values (e.g. time,
// elevation) distinguishing otherwise-identical tiles. Normalized into a
// stable cache-key suffix by Key().
type DimensionValues map[string]string

// Key returns a deterministic, sorted "name=value&..." encoding.
func (d DimensionValues) Key() string {
	if len(d) == 0 {
		return ""
	}
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	// small maps: simple insertion sort keeps this alloc-free for the
	// common case of 0-2 dimensions.
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(d[k])
	}
	return sb.String()
}

// TileCoord identifies a tile's position, independent of which cache/grid it
// belongs to.
type TileCoord struct {
	Level int
	X, Y  int
}

// Tile is identified by (cache name, grid, level, x, y[, dimensions]) and
// carries image bytes once resolved. See spec §3 "Tile".
type Tile struct {
	CacheName  string
	Grid       *Grid
	Coord      TileCoord
	Dimensions DimensionValues

	// Image holds the encoded tile bytes once loaded/created; nil means a
	// miss that hasn't been resolved yet.
	Image []byte
	// Format is the image/* MIME type matching Image's bytes.
	Format string
	// Timestamp is the backend-reported creation/store time, when the
	// backend supports it (zero value means "unknown").
	Timestamp time.Time
	// Cached reports whether Image came from storage (true) or was just
	// produced and is pending/ineligible for storage (false).
	Cached bool
}

// Identity returns the storage/lock key "cache/dim/level/x/y".
func (t Tile) Identity() string {
	dim := t.Dimensions.Key()
	if dim == "" {
		return fmt.Sprintf("%s/%d/%d/%d", t.CacheName, t.Coord.Level, t.Coord.X, t.Coord.Y)
	}
	return fmt.Sprintf("%s/%s/%d/%d/%d", t.CacheName, dim, t.Coord.Level, t.Coord.X, t.Coord.Y)
}

func (t Tile) BBox() (BBox, error) {
	return t.Grid.TileBBox(t.Coord.Level, t.Coord.X, t.Coord.Y)
}

// MetaSize is the (columns, rows) of tiles a meta-tile groups together.
type MetaSize [2]int

// MetaBuffer is the pixel buffer added around a meta-tile on each side.
type MetaBuffer [2]int

// MetaTile is a contiguous mx*my block of tiles at one level, identified by
// (cache, grid, level, meta_x, meta_y), plus an optional pixel buffer. Never
// persisted; it is only the unit of source fetching. See spec §3 "MetaTile".
type MetaTile struct {
	CacheName string
	Grid      *Grid
	Level     int
	MX, MY    int
	MetaSize  MetaSize
	Buffer    MetaBuffer
	Dimensions DimensionValues
}

// Identity returns the lock key for this meta-tile.
func (m MetaTile) Identity() string {
	dim := m.Dimensions.Key()
	base := fmt.Sprintf("%s/meta/%d/%d/%d", m.CacheName, m.Level, m.MX, m.MY)
	if dim == "" {
		return base
	}
	return base + "/" + dim
}

// TileOrigin returns the (x,y) of the first member tile of this meta-tile.
func (m MetaTile) TileOrigin() (int, int) {
	return m.MX * m.MetaSize[0], m.MY * m.MetaSize[1]
}

// Members returns the tile coordinates nominally covered by this meta-tile,
// before any grid-bbox clipping is applied.
func (m MetaTile) Members() []TileCoord {
	ox, oy := m.TileOrigin()
	out := make([]TileCoord, 0, m.MetaSize[0]*m.MetaSize[1])
	for j := 0; j < m.MetaSize[1]; j++ {
		for i := 0; i < m.MetaSize[0]; i++ {
			out = append(out, TileCoord{Level: m.Level, X: ox + i, Y: oy + j})
		}
	}
	return out
}

// ActualSize is the meta-tile's pixel size without the surrounding buffer.
func (m MetaTile) ActualSize() Size {
	return Size{m.MetaSize[0] * m.Grid.TileSize[0], m.MetaSize[1] * m.Grid.TileSize[1]}
}

// Size is the meta-tile's full pixel size including the buffer.
func (m MetaTile) Size() Size {
	a := m.ActualSize()
	return Size{a[0] + 2*m.Buffer[0], a[1] + 2*m.Buffer[1]}
}

// BBox returns the ground bbox of the meta-tile, including its buffer. It
// is not clipped to the grid's own bbox; tilemanager.planMetaTile clips the
// outgoing source request and drops members outside the grid bbox.
func (m MetaTile) BBox() (BBox, error) {
	ox, oy := m.TileOrigin()
	first, err := m.Grid.TileBBox(m.Level, ox, oy)
	if err != nil {
		return BBox{}, err
	}
	last, err := m.Grid.TileBBox(m.Level, ox+m.MetaSize[0]-1, oy+m.MetaSize[1]-1)
	if err != nil {
		return BBox{}, err
	}
	res := m.Grid.Resolutions[m.Level]
	bufX := res * float64(m.Buffer[0])
	bufY := res * float64(m.Buffer[1])
	bb := BBox{
		minOf(first[0], last[0]) - bufX,
		minOf(first[1], last[1]) - bufY,
		maxOf(first[2], last[2]) + bufX,
		maxOf(first[3], last[3]) + bufY,
	}
	return bb, nil
}

func minOf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxOf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
