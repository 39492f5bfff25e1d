package domain

import "time"

// ResamplingMethod selects the interpolation used when resizing/reprojecting.
type ResamplingMethod int

const (
	ResampleNearest ResamplingMethod = iota
	ResampleBilinear
	ResampleBicubic
)

func ParseResamplingMethod(s string) ResamplingMethod {
	switch s {
	case "bilinear":
		return ResampleBilinear
	case "bicubic":
		return ResampleBicubic
	default:
		return ResampleNearest
	}
}

// ImageOptions describes the pixel format a Cache stores/serves.
type ImageOptions struct {
	Mode             string // "RGB", "RGBA", "P" (paletted-8), "L", "LA"
	Format           string // "image/png", "image/jpeg", "image/tiff", "image/gif", or "mixed"
	Transparent      bool
	ResamplingMethod ResamplingMethod
	Opacity          float64
}

// WatermarkOptions configures the tiled text-label watermark.
type WatermarkOptions struct {
	Text     string
	Opacity  float64
	FontSize float64
	Color    [3]uint8
	// Spacing "wide" stamps every other tile row and column instead of
	// every tile.
	WideSpacing bool
}

// RefreshPolicy determines whether a stored tile is stale. Exactly one of
// the fields is meaningful per instance; see spec §4.6 "Refresh policy".
type RefreshPolicy struct {
	AbsoluteTime time.Time
	MaxAge       time.Duration
	MTimeOfFile  string
}

// Epoch resolves the policy to the instant before which a tile is stale.
func (r RefreshPolicy) Epoch(statFileMTime func(path string) (time.Time, bool)) (time.Time, bool) {
	if !r.AbsoluteTime.IsZero() {
		return r.AbsoluteTime, true
	}
	if r.MaxAge > 0 {
		return time.Now().Add(-r.MaxAge), true
	}
	if r.MTimeOfFile != "" && statFileMTime != nil {
		if t, ok := statFileMTime(r.MTimeOfFile); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

// Dimension is a named axis with a discrete value list and default,
// distinguishing otherwise-identical tiles (e.g. time/elevation).
type Dimension struct {
	Name    string
	Values  []string
	Default string
}

// CachePolicies groups the boolean/behavioral knobs of a Cache.
type CachePolicies struct {
	DisableStorage          bool
	LinkSingleColorImages   bool
	MinimizeMetaRequests    bool
	BulkMetaTiles           bool
	UseDirectFromLevel      int // 0 (zero value) = disabled; N>0 bypasses the cache from level N upward
	UseDirectFromRes        float64
	RequestFormatOverride   string
}

// BandContribution picks one band of one named source's fetched image,
// scaled by Factor, as one term of a per-output-band linear combination
// (spec §8 "band merge"). A Cache's BandMerge is one []BandContribution per
// output band, in output-band order.
type BandContribution struct {
	SourceName string
	Band       int
	Factor     float64
}

// Cache is the durable (grid, sources, storage, policies) tuple. Sources are
// named by identifier and resolved against a source registry at use-time;
// this package stays free of an import cycle with internal/source.
type Cache struct {
	Name         string
	Grid         *Grid
	SourceNames  []string // bottom-to-top
	Image        ImageOptions
	MetaSize     MetaSize
	MetaBuffer   MetaBuffer
	Watermark    *WatermarkOptions
	Policies     CachePolicies
	RefreshBefore *RefreshPolicy
	Dimensions   []Dimension
	// BandMerge, when non-empty, replaces the default top-wins raster.Merge
	// with raster.BandCombine: one []BandContribution per output band (spec
	// §8 "band merge").
	BandMerge [][]BandContribution
	// Lock names the lock.Manager (by LockConfig.Type) this cache's
	// meta-tile builds serialize through; "" selects the default in-process
	// singleflight manager.
	Lock string
}

// Layer is a named, tree-structured service-visible entity mapping names to
// caches/sources; see spec §3 "Layer".
type Layer struct {
	Name          string
	Title         string
	CacheNames    []string // bottom-to-top, for WMS composition
	TileCacheName string   // the single cache used for tile-grid services, "" if none
	MinResolution float64
	MaxResolution float64
	Metadata      map[string]string
	Children      []*Layer
}
