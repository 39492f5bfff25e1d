// Package httpapi is the engine's thin outward service surface (spec §1
// expansion "HTTP entry point"): a TMS-style GET tile endpoint and a WMS
// GetMap endpoint, both translating straight into Dispatcher calls. No
// capabilities documents, no transactional WFS, no admin UI — the rest of
// the teacher's OWS surface (internal/server/ows.go, routes.go) is
// deliberately not reproduced here. Grounded on the teacher's echo setup
// (internal/server/server.go): same middleware stack, same
// prometheus/client_golang registration, same zap error logging.
package httpapi

import (
	"context"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/gisquick/tileproxy/internal/config"
	"github.com/gisquick/tileproxy/internal/dispatcher"
	"github.com/gisquick/tileproxy/internal/domain"
	"github.com/gisquick/tileproxy/internal/raster"
)

// Server wraps one Dispatcher behind the TMS/WMS HTTP surface.
type Server struct {
	echo *echo.Echo
	log  *zap.SugaredLogger
	disp *dispatcher.Dispatcher
}

// New builds the echo server and registers routes. graph holds the engine
// wired up by config.Build; log receives request-failure diagnostics the
// way the teacher's e.HTTPErrorHandler does.
func New(graph *config.Graph, log *zap.SugaredLogger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		e.DefaultHTTPErrorHandler(err, c)
		if domain.KindOf(err) == domain.ErrKindUnknown {
			log.Errorw("request failed", "path", c.Path(), "error", err)
		}
	}
	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	s := &Server{echo: e, log: log, disp: graph.Dispatcher}
	s.addRoutes(e)
	return s
}

func (s *Server) addRoutes(e *echo.Echo) {
	e.GET("/wms", s.handleGetMap)
	e.GET("/tms/1.0.0/:layer/:level/:x/:y", s.handleGetTile)
}

func (s *Server) ListenAndServe(addr string) error {
	return s.echo.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// handleGetMap answers a WMS 1.3.0-shaped GetMap request by compositing
// every requested layer through the Dispatcher.
func (s *Server) handleGetMap(c echo.Context) error {
	q := map[string]string{}
	for _, key := range []string{"LAYERS", "BBOX", "WIDTH", "HEIGHT", "SRS", "CRS", "FORMAT", "TRANSPARENT"} {
		if v := c.QueryParam(key); v != "" {
			q[key] = v
		}
	}
	params, err := dispatcher.ParseGetMapParams(q)
	if err != nil {
		return translateError(err)
	}
	img, err := s.disp.GetMap(c.Request().Context(), params)
	if err != nil {
		return translateError(err)
	}
	return encodeResponse(c, img)
}

// handleGetTile answers a TMS-shaped GET against one layer's own tile grid.
func (s *Server) handleGetTile(c echo.Context) error {
	layer := c.Param("layer")
	level, err1 := strconv.Atoi(c.Param("level"))
	x, err2 := strconv.Atoi(c.Param("x"))
	yExt := c.Param("y")
	format := ""
	y := yExt
	for i := len(yExt) - 1; i >= 0; i-- {
		if yExt[i] == '.' {
			y, format = yExt[:i], yExt[i+1:]
			break
		}
	}
	yVal, err3 := strconv.Atoi(y)
	if err1 != nil || err2 != nil || err3 != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid tile coordinate")
	}
	coord := domain.TileCoord{Level: level, X: x, Y: yVal}
	tile, err := s.disp.GetTile(c.Request().Context(), layer, coord, nil)
	if err != nil {
		return translateError(err)
	}
	mime := tile.Format
	if mime == "" {
		mime = mimeForExt(format)
	}
	return c.Blob(http.StatusOK, mime, tile.Image)
}

func encodeResponse(c echo.Context, img *raster.Image) error {
	c.Response().Header().Set(echo.HeaderContentType, mimeForFormat(img.Format))
	c.Response().WriteHeader(http.StatusOK)
	_, err := raster.Encode(c.Response(), img, raster.EncodeOptions{Format: img.Format})
	return err
}

func mimeForFormat(f raster.Format) string {
	switch f {
	case raster.FormatJPEG:
		return "image/jpeg"
	case raster.FormatGIF:
		return "image/gif"
	case raster.FormatTIFF:
		return "image/tiff"
	default:
		return "image/png"
	}
}

func mimeForExt(ext string) string {
	switch ext {
	case "jpg", "jpeg":
		return "image/jpeg"
	case "gif":
		return "image/gif"
	case "tiff", "tif":
		return "image/tiff"
	default:
		return "image/png"
	}
}

// translateError maps a domain.Error's kind to an HTTP status, the way the
// teacher's e.HTTPErrorHandler maps echo.HTTPError codes.
func translateError(err error) error {
	switch domain.KindOf(err) {
	case domain.ErrKindInvalidRequest:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case domain.ErrKindUnauthorized:
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case domain.ErrKindUnauthenticated:
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	case domain.ErrKindSourceTransient, domain.ErrKindBackendUnavailable, domain.ErrKindLockTimeout:
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
