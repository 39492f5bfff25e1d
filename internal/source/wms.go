package source

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/gisquick/tileproxy/internal/coverage"
	"github.com/gisquick/tileproxy/internal/domain"
	"github.com/gisquick/tileproxy/internal/raster"
)

// WMSSource issues GetMap requests against one upstream WMS, grounded on
// the teacher's Layer.GetMetaTileURL/Cache.GetTileFile request construction
// (query param assembly, http.Client.Do, non-200 body surfaced as the
// error). Concurrency toward a single host is capped by a semaphore (spec
// §4.1 "per-host concurrency limit"); SupportsMetaTiles is true since a WMS
// GetMap naturally covers an arbitrary bbox/size.
type WMSSource struct {
	SourceName  string
	BaseURL     string
	Layers      []string
	WMSVersion  string
	Client      *http.Client
	Username    string
	Password    string
	ExtraParams map[string]string
	Log         *zap.SugaredLogger
	// SupportedSRS lists the CRS codes the upstream WMS actually serves, in
	// preference order. Empty means "assume it serves whatever SRS is
	// requested" (today's behavior). When the requested SRS isn't in this
	// list, Fetch requests the first entry instead and reprojects the
	// result back to the requested SRS (spec §4.5 "supported_srs").
	SupportedSRS []string
	Base

	sem *HostSemaphore
}

func NewWMSSource(name, baseURL string, layers []string, client *http.Client, sem *HostSemaphore, log *zap.SugaredLogger) *WMSSource {
	if client == nil {
		client = &http.Client{}
	}
	if sem == nil {
		sem = NewHostSemaphore(4)
	}
	return &WMSSource{
		SourceName: name,
		BaseURL:    baseURL,
		Layers:     layers,
		WMSVersion: "1.3.0",
		Client:     client,
		Log:        log,
		sem:        sem,
	}
}

func (s *WMSSource) Name() string             { return s.SourceName }
func (s *WMSSource) SupportsMetaTiles() bool  { return true }

func (s *WMSSource) getMapURL(req Request) (string, error) {
	u, err := url.Parse(s.BaseURL)
	if err != nil {
		return "", fmt.Errorf("source.WMSSource: %w", err)
	}
	q := u.Query()
	q.Set("SERVICE", "WMS")
	q.Set("REQUEST", "GetMap")
	q.Set("VERSION", s.WMSVersion)
	q.Set("LAYERS", strings.Join(s.Layers, ","))
	q.Set("BBOX", formatBBox(req.BBox))
	q.Set("WIDTH", strconv.Itoa(req.Size[0]))
	q.Set("HEIGHT", strconv.Itoa(req.Size[1]))
	q.Set("CRS", req.SRS)
	q.Set("SRS", req.SRS)
	format := req.Format
	if format == "" {
		format = "image/png"
	}
	q.Set("FORMAT", format)
	if req.Transparent {
		q.Set("TRANSPARENT", "TRUE")
	}
	for k, v := range s.ExtraParams {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func formatBBox(b domain.BBox) string {
	return fmt.Sprintf("%f,%f,%f,%f", b[0], b[1], b[2], b[3])
}

// Fetch issues a GetMap request. When SupportedSRS is set and doesn't list
// req.SRS, it requests the first supported SRS instead (enlarging the bbox
// to the reprojected extent) and reprojects the result back to req.SRS
// before returning it, so callers never see the substitution (spec §4.5
// "supported_srs").
func (s *WMSSource) Fetch(ctx context.Context, req Request) (Response, error) {
	upstream := req
	var back *coverage.PointTransformer
	if len(s.SupportedSRS) > 0 && !containsSRS(s.SupportedSRS, req.SRS) {
		preferred := s.SupportedSRS[0]
		// fwd maps a point from the requested SRS to the upstream's preferred
		// SRS: used both to enlarge the request bbox and, reused below, as
		// the dest->src transform raster.Reproject needs to map the fetched
		// (preferred-SRS) image back onto the originally requested bbox.
		fwd, err := coverage.NewPointTransformer(req.SRS, preferred)
		if err != nil {
			return Response{}, domain.NewError(domain.ErrKindConfigInvalid, "source.WMSSource.Fetch", err)
		}
		back = fwd
		upstream.SRS = preferred
		upstream.BBox = coverage.ReprojectBBoxCorners(req.BBox, fwd)
	}

	data, format, err := s.fetchRaw(ctx, upstream)
	if err != nil {
		return Response{}, err
	}
	if back == nil {
		return Response{Image: data, Format: format}, nil
	}

	src, err := raster.DecodeBytes(data)
	if err != nil {
		return Response{}, domain.NewError(domain.ErrKindSourcePermanent, "source.WMSSource.Fetch", err)
	}
	out := raster.Reproject(src.Img, upstream.BBox, req.BBox, req.Size, back, domain.ResampleBilinear)
	var buf bytes.Buffer
	if _, err := raster.Encode(&buf, &raster.Image{Img: out, Mode: raster.ModeRGBA, Format: raster.FormatPNG}, raster.EncodeOptions{Format: raster.FormatPNG}); err != nil {
		return Response{}, domain.NewError(domain.ErrKindSourcePermanent, "source.WMSSource.Fetch", err)
	}
	return Response{Image: buf.Bytes(), Format: "image/png"}, nil
}

func (s *WMSSource) fetchRaw(ctx context.Context, req Request) ([]byte, string, error) {
	release, err := s.sem.Acquire(ctx, s.BaseURL)
	if err != nil {
		return nil, "", domain.NewError(domain.ErrKindSourceTransient, "source.WMSSource.Fetch", err)
	}
	defer release()

	reqURL, err := s.getMapURL(req)
	if err != nil {
		return nil, "", domain.NewError(domain.ErrKindConfigInvalid, "source.WMSSource.Fetch", err)
	}
	if s.Log != nil {
		s.Log.Infow("fetching wms source", "source", s.SourceName, "url", reqURL)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, "", domain.NewError(domain.ErrKindConfigInvalid, "source.WMSSource.Fetch", err)
	}
	if s.Username != "" {
		httpReq.SetBasicAuth(s.Username, s.Password)
	}
	resp, err := s.Client.Do(httpReq)
	if err != nil {
		return nil, "", domain.NewError(domain.ErrKindSourceTransient, "source.WMSSource.Fetch", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := readAllClose(resp.Body)
		kind := domain.ErrKindSourcePermanent
		if resp.StatusCode >= 500 {
			kind = domain.ErrKindSourceTransient
		}
		return nil, "", domain.NewError(kind, "source.WMSSource.Fetch", fmt.Errorf("status %d: %s", resp.StatusCode, msg))
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", domain.NewError(domain.ErrKindSourcePermanent, "source.WMSSource.Fetch", err)
	}
	format := resp.Header.Get("Content-Type")
	if format == "" {
		format = req.Format
	}
	return data, format, nil
}

func containsSRS(list []string, srs string) bool {
	for _, s := range list {
		if s == srs {
			return true
		}
	}
	return false
}
