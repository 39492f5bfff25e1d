// Package source implements the engine's pluggable upstream-fetch
// abstraction (spec §3/§4.1 "Source"): one explicit interface (no
// duck-typing/reflection — see spec §9 REDESIGN FLAGS) with concrete wms,
// tile, process, debug and blank implementations. The WMS variant is
// grounded directly on the teacher's mapcache.Cache.GetTileFile /
// Layer.GetMetaTileURL (meta-tile GetMap request construction against an
// http.Client and zap logging of the fetch).
package source

import (
	"context"
	"fmt"
	"io"

	"github.com/gisquick/tileproxy/internal/coverage"
	"github.com/gisquick/tileproxy/internal/domain"
)

// Request describes one meta-tile (or tile) fetch a Source must satisfy.
type Request struct {
	BBox       domain.BBox
	Size       [2]int
	SRS        string
	Format     string
	Transparent bool
	Dimensions domain.DimensionValues
}

// Response is the raw bytes a Source returned, alongside the format it
// claims to be in (sources are trusted to report this correctly; the
// raster package validates by decoding).
type Response struct {
	Image  []byte
	Format string
}

// OnErrorPolicy controls how a Source's TileManager caller reacts to a
// failed fetch (spec §4.1 "on_error").
type OnErrorPolicy int

const (
	// OnErrorFail propagates the error to the caller (default).
	OnErrorFail OnErrorPolicy = iota
	// OnErrorTransparent substitutes a transparent tile and continues.
	OnErrorTransparent
	// OnErrorCache substitutes a transparent tile AND stores it, so the
	// failure is not retried on every subsequent request.
	OnErrorCache
)

// Source fetches map imagery for one request. Implementations are exactly
// the cases enumerated in spec §4.1: wms, tile, process, debug, blank.
type Source interface {
	// Name identifies the source in logs/metrics/config.
	Name() string
	// Fetch retrieves imagery covering req. ctx carries the request
	// deadline; Fetch must respect it rather than blocking indefinitely on
	// a slow upstream.
	Fetch(ctx context.Context, req Request) (Response, error)
	// SupportsMetaTiles reports whether this source can be asked for one
	// larger request covering several tiles at once (true for wms, process,
	// debug and blank; false for tile sources, which are one-tile-at-a-time
	// by construction).
	SupportsMetaTiles() bool
	// Coverage restricts where this source contributes imagery; nil means
	// unrestricted. A caller must skip Fetch entirely (no network traffic)
	// for a request that doesn't intersect it (spec §4.3/§4.6 step 3b).
	Coverage() coverage.Coverage
	// OnError reports how a TileManager should react to a failed Fetch
	// (spec §4.1 "on_error").
	OnError() OnErrorPolicy
}

// readAllClose drains and closes r, used by every HTTP-backed source to
// turn a non-2xx response body into an error message the same way the
// teacher's mapcache.Cache.GetTileFile does (ioutil.ReadAll(resp.Body)).
func readAllClose(r io.ReadCloser) string {
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Sprintf("<error reading response body: %v>", err)
	}
	return string(data)
}
