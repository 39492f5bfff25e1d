// Package config holds the engine's flat, validated consumption contract
// for Grid/Source/Storage/Cache/Layer definitions (spec §3 "[EXPANSION]
// Config records") and assembles them into the live domain/source/storage/
// tilemanager/maplayer/dispatcher graph. Field validation follows the
// teacher's own form-validation idiom (internal/server/accounts.go:
// `validate:"required"`-tagged structs checked with
// github.com/go-playground/validator/v10), generalized from HTTP form
// bodies to a YAML document. YAML decoding itself (gopkg.in/yaml.v3) is
// already an indirect dependency of the teacher's go.mod (pulled in by
// ardanlabs/conf); this package is the first thing in the module to import
// it directly.
package config

// GridConfig describes one domain.Grid (spec §3 "Grid").
type GridConfig struct {
	Name            string    `yaml:"name" validate:"required"`
	SRS             string    `yaml:"srs" validate:"required"`
	Resolutions     []float64 `yaml:"res" validate:"required,min=1"`
	TileSize        [2]int    `yaml:"tile_size"`
	Origin          string    `yaml:"origin" validate:"omitempty,oneof=ll ul"`
	BBox            [4]float64 `yaml:"bbox" validate:"required"`
	ThresholdRes    []float64 `yaml:"threshold_res"`
	StretchFactor   float64   `yaml:"stretch_factor"`
	MaxShrinkFactor float64   `yaml:"max_shrink_factor"`
	ReprojectMarginPx int     `yaml:"reproject_margin_px"`
}

// WMSSourceConfig configures a WMS GetMap source.
type WMSSourceConfig struct {
	BaseURL    string            `yaml:"url" validate:"required"`
	Layers     []string          `yaml:"layers" validate:"required,min=1"`
	Version    string            `yaml:"version"`
	Username   string            `yaml:"username"`
	Password   string            `yaml:"password"`
	ExtraParams map[string]string `yaml:"params"`
	// SupportedSRS lists the CRS codes this WMS actually serves, in
	// preference order; empty assumes it serves whatever is requested
	// (spec §4.5 "supported_srs").
	SupportedSRS []string `yaml:"supported_srs"`
}

// TileSourceConfig configures a templated tile-URL source.
type TileSourceConfig struct {
	Template string `yaml:"url" validate:"required"`
	Scheme   string `yaml:"scheme" validate:"omitempty,oneof=xyz quadkey tms tc arcgis bbox"`
}

// ProcessSourceConfig configures an external renderer invocation.
type ProcessSourceConfig struct {
	Command string   `yaml:"command" validate:"required"`
	Args    []string `yaml:"args"`
}

// DebugSourceConfig configures a debug-grid source; no required fields.
type DebugSourceConfig struct{}

// BlankSourceConfig configures a flat-color placeholder source.
type BlankSourceConfig struct {
	Color [4]uint8 `yaml:"color"`
}

// SourceConfig is a tagged union over the five source kinds (spec §4.1).
type SourceConfig struct {
	Name     string               `yaml:"name" validate:"required"`
	Type     string               `yaml:"type" validate:"required,oneof=wms tile arcgis process mapnik mapserver debug blank"`
	OnError  string               `yaml:"on_error" validate:"omitempty,oneof=fail transparent cache"`
	Coverage *CoverageConfig      `yaml:"coverage"`
	WMS      *WMSSourceConfig     `yaml:"wms"`
	Tile     *TileSourceConfig    `yaml:"tile"`
	Process  *ProcessSourceConfig `yaml:"process"`
	Debug    *DebugSourceConfig   `yaml:"debug"`
	Blank    *BlankSourceConfig   `yaml:"blank"`
}

// StorageConfig is a tagged union over the six backend kinds (spec §4.4).
type StorageConfig struct {
	Name                  string `yaml:"name" validate:"required"`
	Type                  string `yaml:"type" validate:"required,oneof=filesystem sqlite sqlite_per_level http redis s3"`
	Directory             string `yaml:"directory"`
	Layout                string `yaml:"layout" validate:"omitempty,oneof=tc tms quadkey arcgis"`
	LinkSingleColorImages bool   `yaml:"link_single_color_images"`
	File                  string `yaml:"file"`
	URL                   string `yaml:"url"`
	RedisAddr             string `yaml:"redis_addr"`
	RedisPrefix           string `yaml:"redis_prefix"`
	S3Endpoint            string `yaml:"s3_endpoint"`
	S3Bucket              string `yaml:"s3_bucket"`
	S3Prefix              string `yaml:"s3_prefix"`
	S3AccessKey           string `yaml:"s3_access_key"`
	S3SecretKey           string `yaml:"s3_secret_key"`
	S3UseSSL              bool   `yaml:"s3_use_ssl"`
}

// LockConfig selects a lock.Manager implementation (spec §"[EXPANSION]
// LockManager").
type LockConfig struct {
	Type      string        `yaml:"type" validate:"omitempty,oneof=singleflight file redis"`
	Directory string        `yaml:"directory"`
	RedisAddr string        `yaml:"redis_addr"`
	TTLSeconds int          `yaml:"ttl_seconds"`
}

// WatermarkConfig configures the repeated text-label overlay (spec §4.2).
type WatermarkConfig struct {
	Text        string  `yaml:"text"`
	Opacity     float64 `yaml:"opacity"`
	FontSize    float64 `yaml:"font_size"`
	Color       [3]uint8 `yaml:"color"`
	WideSpacing bool    `yaml:"spacing_wide"`
}

// RefreshConfig configures cache staleness (spec §4.6).
type RefreshConfig struct {
	MaxAgeSeconds int `yaml:"max_age_seconds"`
}

// CoverageConfig is a tagged-union, recursively-combinable area predicate
// (spec §3/§4.3 "Coverage").
type CoverageConfig struct {
	Type          string            `yaml:"type" validate:"required,oneof=bbox polygon shapefile intersection union difference"`
	SRS           string            `yaml:"srs"`
	BBox          [4]float64        `yaml:"bbox"`
	Polygon       [][2]float64      `yaml:"polygon"`
	ShapefilePath string            `yaml:"shapefile"`
	Children      []*CoverageConfig `yaml:"children"`
}

// BandContributionConfig is one source-band term of a BandMergeConfig
// target band (spec §4.2/§8 "band merge").
type BandContributionConfig struct {
	Source string  `yaml:"source" validate:"required"`
	Band   int     `yaml:"band" validate:"min=0,max=3"`
	Factor float64 `yaml:"factor"`
}

// BandMergeConfig replaces a cache's default top-wins compositing with a
// per-band linear combination of named sources (spec §4.2/§8). Index 0..3
// of the outer slice are the R/G/B/A output bands.
type BandMergeConfig [][]BandContributionConfig

// CacheConfig is one domain.Cache: a grid, its source stack, storage
// backend, image options and policies (spec §3/§4 "Cache").
type CacheConfig struct {
	Name       string           `yaml:"name" validate:"required"`
	Grid       string           `yaml:"grid" validate:"required"`
	Sources    []string         `yaml:"sources" validate:"required,min=1"`
	Storage    string           `yaml:"storage"`
	// Lock selects which configured LockConfig.Type this cache's
	// meta-tile builds serialize through; "" uses the default in-process
	// singleflight manager (spec §"[EXPANSION] LockManager").
	Lock       string           `yaml:"lock" validate:"omitempty,oneof=singleflight file redis"`
	MetaSize   [2]int           `yaml:"meta_size"`
	MetaBuffer [2]int           `yaml:"meta_buffer"`
	Mode       string           `yaml:"mode" validate:"omitempty,oneof=RGB RGBA P L LA"`
	Format     string           `yaml:"format"`
	Transparent bool            `yaml:"transparent"`
	Resampling string           `yaml:"resampling_method" validate:"omitempty,oneof=nearest bilinear bicubic"`
	Watermark  *WatermarkConfig `yaml:"watermark"`
	RefreshBefore *RefreshConfig `yaml:"refresh_before"`
	BandMerge  BandMergeConfig  `yaml:"band_merge"`
	DisableStorage        bool    `yaml:"disable_storage"`
	LinkSingleColorImages bool    `yaml:"link_single_color_images"`
	MinimizeMetaRequests  bool    `yaml:"minimize_meta_requests"`
	BulkMetaTiles         bool    `yaml:"bulk_meta_tiles"`
	UseDirectFromLevel    int     `yaml:"use_direct_from_level"`
	UseDirectFromRes      float64 `yaml:"use_direct_from_res"`
}

// LayerConfig is one named, service-visible entry mapping to cache(s) or a
// tile-grid cache (spec §3 "Layer").
type LayerConfig struct {
	Name          string          `yaml:"name" validate:"required"`
	Title         string          `yaml:"title"`
	Caches        []string        `yaml:"caches"`
	TileCache     string          `yaml:"tile_cache"`
	MinResolution float64         `yaml:"min_res"`
	MaxResolution float64         `yaml:"max_res"`
	Coverage      *CoverageConfig `yaml:"limited_to"`
}

// Document is the full declarative configuration (spec §"[EXPANSION]
// Config records").
type Document struct {
	Grids    []GridConfig    `yaml:"grids" validate:"required,min=1,dive"`
	Sources  []SourceConfig  `yaml:"sources" validate:"required,min=1,dive"`
	Storages []StorageConfig `yaml:"storages" validate:"dive"`
	Locks    []LockConfig    `yaml:"locks" validate:"dive"`
	Caches   []CacheConfig   `yaml:"caches" validate:"required,min=1,dive"`
	Layers   []LayerConfig   `yaml:"layers" validate:"required,min=1,dive"`
}
