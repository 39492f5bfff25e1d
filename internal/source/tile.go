package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gisquick/tileproxy/internal/domain"
)

// TileURLScheme names the URL templating convention a TileSource uses to
// turn a single already-resolved tile request into a concrete URL (spec
// §4.1 "tile source: x/y/z/format/quadkey/tms_path/tc_path/
// arcgiscache_path/bbox").
type TileURLScheme string

const (
	SchemeXYZ        TileURLScheme = "xyz"
	SchemeQuadkey    TileURLScheme = "quadkey"
	SchemeTMSPath    TileURLScheme = "tms_path"
	SchemeTCPath     TileURLScheme = "tc_path"
	SchemeArcGISPath TileURLScheme = "arcgiscache_path"
	SchemeBBox       TileURLScheme = "bbox"
)

// TileSource fetches single pre-rendered tiles (not meta-tiles) from a
// templated URL, the "tile" source variant of spec §4.1. It never serves a
// meta-tile-sized request; the engine must resolve its requests down to
// one tile before calling Fetch, so SupportsMetaTiles is always false.
type TileSource struct {
	SourceName string
	Template   string // e.g. "https://tiles.example.com/{z}/{x}/{y}.{format}"
	Scheme     TileURLScheme
	Client     *http.Client
	Base

	sem *HostSemaphore
}

func NewTileSource(name, template string, scheme TileURLScheme, client *http.Client, sem *HostSemaphore) *TileSource {
	if client == nil {
		client = &http.Client{}
	}
	if sem == nil {
		sem = NewHostSemaphore(8)
	}
	return &TileSource{SourceName: name, Template: template, Scheme: scheme, Client: client, sem: sem}
}

func (s *TileSource) Name() string            { return s.SourceName }
func (s *TileSource) SupportsMetaTiles() bool { return false }

// TileRequest extends Request with the integer coordinate a templated tile
// URL needs (a plain bbox/size alone can't reconstruct x/y/z/quadkey).
type TileRequest struct {
	Request
	Level, X, Y int
}

func (s *TileSource) URLFor(tr TileRequest) string {
	format := tr.Format
	if format == "" {
		format = "png"
	} else {
		format = strings.TrimPrefix(format, "image/")
	}
	u := s.Template
	switch s.Scheme {
	case SchemeQuadkey:
		u = strings.ReplaceAll(u, "{q}", quadkeyOf(tr.Level, tr.X, tr.Y))
	case SchemeTMSPath, SchemeTCPath:
		y := tr.Y
		if s.Scheme == SchemeTMSPath {
			y = (1 << uint(tr.Level)) - 1 - tr.Y
		}
		u = strings.ReplaceAll(u, "{z}", strconv.Itoa(tr.Level))
		u = strings.ReplaceAll(u, "{x}", strconv.Itoa(tr.X))
		u = strings.ReplaceAll(u, "{y}", strconv.Itoa(y))
	case SchemeArcGISPath:
		u = strings.ReplaceAll(u, "{level}", fmt.Sprintf("L%02d", tr.Level))
		u = strings.ReplaceAll(u, "{row}", fmt.Sprintf("R%08x", tr.Y))
		u = strings.ReplaceAll(u, "{col}", fmt.Sprintf("C%08x", tr.X))
	case SchemeBBox:
		u = strings.ReplaceAll(u, "{bbox}", formatBBox(tr.BBox))
		u = strings.ReplaceAll(u, "{width}", strconv.Itoa(tr.Size[0]))
		u = strings.ReplaceAll(u, "{height}", strconv.Itoa(tr.Size[1]))
	default: // SchemeXYZ
		u = strings.ReplaceAll(u, "{z}", strconv.Itoa(tr.Level))
		u = strings.ReplaceAll(u, "{x}", strconv.Itoa(tr.X))
		u = strings.ReplaceAll(u, "{y}", strconv.Itoa(tr.Y))
	}
	u = strings.ReplaceAll(u, "{format}", format)
	return u
}

func quadkeyOf(level, x, y int) string {
	var sb strings.Builder
	for i := level; i > 0; i-- {
		digit := byte('0')
		mask := 1 << (i - 1)
		if x&mask != 0 {
			digit++
		}
		if y&mask != 0 {
			digit += 2
		}
		sb.WriteByte(digit)
	}
	return sb.String()
}

// Fetch implements Source by treating req as a TileRequest with no
// coordinate (callers needing coordinate-aware templating should call
// FetchTile directly); this exists only so TileSource satisfies Source for
// generic wiring in contexts that never need path templating (e.g. a
// {bbox} scheme source).
func (s *TileSource) Fetch(ctx context.Context, req Request) (Response, error) {
	return s.FetchTile(ctx, TileRequest{Request: req})
}

func (s *TileSource) FetchTile(ctx context.Context, tr TileRequest) (Response, error) {
	reqURL := s.URLFor(tr)
	release, err := s.sem.Acquire(ctx, reqURL)
	if err != nil {
		return Response{}, domain.NewError(domain.ErrKindSourceTransient, "source.TileSource.Fetch", err)
	}
	defer release()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return Response{}, domain.NewError(domain.ErrKindConfigInvalid, "source.TileSource.Fetch", err)
	}
	resp, err := s.Client.Do(httpReq)
	if err != nil {
		return Response{}, domain.NewError(domain.ErrKindSourceTransient, "source.TileSource.Fetch", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		readAllClose(resp.Body)
		return Response{}, domain.NewError(domain.ErrKindSourcePermanent, "source.TileSource.Fetch", fmt.Errorf("tile not found: %s", reqURL))
	}
	if resp.StatusCode != http.StatusOK {
		msg := readAllClose(resp.Body)
		kind := domain.ErrKindSourcePermanent
		if resp.StatusCode >= 500 {
			kind = domain.ErrKindSourceTransient
		}
		return Response{}, domain.NewError(kind, "source.TileSource.Fetch", fmt.Errorf("status %d: %s", resp.StatusCode, msg))
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, domain.NewError(domain.ErrKindSourcePermanent, "source.TileSource.Fetch", err)
	}
	format := resp.Header.Get("Content-Type")
	if format == "" {
		format = tr.Format
	}
	return Response{Image: data, Format: format}, nil
}
