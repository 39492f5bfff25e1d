package config

import (
	"context"
	"fmt"
	"image/color"
	"net/http"
	"net/url"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/paulmach/orb"
	"go.uber.org/zap"

	"github.com/gisquick/tileproxy/internal/coverage"
	"github.com/gisquick/tileproxy/internal/dispatcher"
	"github.com/gisquick/tileproxy/internal/domain"
	"github.com/gisquick/tileproxy/internal/lock"
	"github.com/gisquick/tileproxy/internal/maplayer"
	"github.com/gisquick/tileproxy/internal/source"
	"github.com/gisquick/tileproxy/internal/storage"
	"github.com/gisquick/tileproxy/internal/tilemanager"
)

// Graph is the fully assembled, ready-to-serve object graph for one
// configuration document: every grid, cache, source, storage backend,
// lock manager, tile manager and map layer, plus one Dispatcher tying
// layer names to them. internal/config is the only package that imports
// every other internal package — it is the composition root, the way
// cmd/commands/serve.go is the teacher's.
type Graph struct {
	Grids     map[string]*domain.Grid
	Sources   source.MapSourceSet
	Storages  map[string]storage.Backend
	Locks     map[string]lock.Manager
	Caches    map[string]*domain.Cache
	Managers  map[string]*tilemanager.Manager
	MapLayers map[string]*maplayer.MapLayer
	Layers    map[string]*domain.Layer

	Dispatcher *dispatcher.Dispatcher
}

// Build assembles a validated Document into a live Graph. httpClient is
// shared by every HTTP-backed source/storage backend (one connection pool,
// grounded on the teacher's single shared http.Client pattern); authorize
// may be nil (no access control).
func Build(doc *Document, httpClient *http.Client, log *zap.SugaredLogger, authorize dispatcher.Authorizer) (*Graph, error) {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	g := &Graph{
		Grids:     map[string]*domain.Grid{},
		Sources:   source.MapSourceSet{},
		Storages:  map[string]storage.Backend{},
		Locks:     map[string]lock.Manager{},
		Caches:    map[string]*domain.Cache{},
		Managers:  map[string]*tilemanager.Manager{},
		MapLayers: map[string]*maplayer.MapLayer{},
		Layers:    map[string]*domain.Layer{},
	}

	for _, gc := range doc.Grids {
		grid, err := buildGrid(gc)
		if err != nil {
			return nil, err
		}
		g.Grids[gc.Name] = grid
	}

	sem := source.NewHostSemaphore(4)
	for _, sc := range doc.Sources {
		src, err := buildSource(sc, httpClient, sem, log)
		if err != nil {
			return nil, err
		}
		g.Sources[sc.Name] = src
	}

	redisClients := map[string]*redis.Client{}
	getRedis := func(addr string) *redis.Client {
		if c, ok := redisClients[addr]; ok {
			return c
		}
		c := redis.NewClient(&redis.Options{Addr: addr})
		redisClients[addr] = c
		return c
	}

	for _, sc := range doc.Storages {
		backend, err := buildStorage(sc, httpClient, getRedis)
		if err != nil {
			return nil, err
		}
		g.Storages[sc.Name] = backend
	}

	lockManagers := map[string]lock.Manager{
		"": lock.NewSingleflightManager(),
	}
	for _, lc := range doc.Locks {
		m, err := buildLock(lc, getRedis)
		if err != nil {
			return nil, err
		}
		lockManagers[lc.Type] = m
	}

	metrics := tilemanager.NewMetrics()
	for _, cc := range doc.Caches {
		grid, ok := g.Grids[cc.Grid]
		if !ok {
			return nil, domain.NewError(domain.ErrKindConfigInvalid, "config.Build", fmt.Errorf("cache %q references unknown grid %q", cc.Name, cc.Grid))
		}
		cache := buildCache(cc, grid)
		g.Caches[cc.Name] = cache

		var backend storage.Backend
		if cc.Storage != "" {
			backend, ok = g.Storages[cc.Storage]
			if !ok {
				return nil, domain.NewError(domain.ErrKindConfigInvalid, "config.Build", fmt.Errorf("cache %q references unknown storage %q", cc.Name, cc.Storage))
			}
		}

		locker, ok := lockManagers[cc.Lock]
		if !ok {
			return nil, domain.NewError(domain.ErrKindConfigInvalid, "config.Build", fmt.Errorf("cache %q references unknown lock %q", cc.Name, cc.Lock))
		}
		mgr := tilemanager.New(cache, g.Sources, backend, locker, metrics, log)
		g.Managers[cc.Name] = mgr
		g.MapLayers[cc.Name] = maplayer.New(cc.Name, mgr, grid, nil, cache.Image.ResamplingMethod)
	}

	// Second pass: any cache source name that isn't a registered Source
	// must name another cache (spec §4 "cache as source"); wire it as a
	// CachePeers entry now that every Manager exists.
	for _, cc := range doc.Caches {
		mgr := g.Managers[cc.Name]
		for _, name := range cc.Sources {
			if _, ok := g.Sources[name]; ok {
				continue
			}
			peer, ok := g.Managers[name]
			if !ok {
				return nil, domain.NewError(domain.ErrKindConfigInvalid, "config.Build",
					fmt.Errorf("cache %q source %q is neither a known source nor a known cache", cc.Name, name))
			}
			if mgr.CachePeers == nil {
				mgr.CachePeers = map[string]*tilemanager.Manager{}
			}
			mgr.CachePeers[name] = peer
		}
	}

	for _, lcfg := range doc.Layers {
		layer := &domain.Layer{
			Name:          lcfg.Name,
			Title:         lcfg.Title,
			CacheNames:    lcfg.Caches,
			TileCacheName: lcfg.TileCache,
			MinResolution: lcfg.MinResolution,
			MaxResolution: lcfg.MaxResolution,
		}
		g.Layers[lcfg.Name] = layer
		if lcfg.Coverage != nil {
			cov, err := buildCoverage(lcfg.Coverage)
			if err != nil {
				return nil, err
			}
			for _, cacheName := range lcfg.Caches {
				if ml, ok := g.MapLayers[cacheName]; ok {
					ml.Coverage = cov
				}
			}
		}
	}

	g.Dispatcher = dispatcher.New(g.Layers, g.MapLayers, g.Managers, authorize)
	return g, nil
}

func buildGrid(gc GridConfig) (*domain.Grid, error) {
	origin := domain.OriginLowerLeft
	if gc.Origin == "ul" {
		origin = domain.OriginUpperLeft
	}
	tileSize := gc.TileSize
	if tileSize == [2]int{0, 0} {
		tileSize = [2]int{256, 256}
	}
	grid, err := domain.NewGrid(gc.SRS, gc.Resolutions, domain.Size{tileSize[0], tileSize[1]}, origin,
		domain.BBox(gc.BBox), gc.ThresholdRes, gc.StretchFactor, gc.MaxShrinkFactor)
	if err != nil {
		return nil, err
	}
	if gc.ReprojectMarginPx > 0 {
		grid.ReprojectMarginPx = gc.ReprojectMarginPx
	}
	return grid, nil
}

func buildSource(sc SourceConfig, client *http.Client, sem *source.HostSemaphore, log *zap.SugaredLogger) (source.Source, error) {
	var cov coverage.Coverage
	if sc.Coverage != nil {
		var err error
		cov, err = buildCoverage(sc.Coverage)
		if err != nil {
			return nil, err
		}
	}
	onError := onErrorPolicy(sc.OnError)

	switch sc.Type {
	case "wms":
		if sc.WMS == nil {
			return nil, domain.NewError(domain.ErrKindConfigInvalid, "config.buildSource", fmt.Errorf("source %q: missing wms config", sc.Name))
		}
		s := source.NewWMSSource(sc.Name, sc.WMS.BaseURL, sc.WMS.Layers, client, sem, log)
		if sc.WMS.Version != "" {
			s.WMSVersion = sc.WMS.Version
		}
		s.Username = sc.WMS.Username
		s.Password = sc.WMS.Password
		s.ExtraParams = sc.WMS.ExtraParams
		s.SupportedSRS = sc.WMS.SupportedSRS
		s.Cov = cov
		s.ErrPolicy = onError
		return s, nil
	case "tile", "arcgis":
		if sc.Tile == nil {
			return nil, domain.NewError(domain.ErrKindConfigInvalid, "config.buildSource", fmt.Errorf("source %q: missing tile config", sc.Name))
		}
		scheme := tileScheme(sc.Tile.Scheme)
		if sc.Type == "arcgis" && sc.Tile.Scheme == "" {
			scheme = source.SchemeArcGISPath
		}
		s := source.NewTileSource(sc.Name, sc.Tile.Template, scheme, client, sem)
		s.Cov = cov
		s.ErrPolicy = onError
		return s, nil
	case "process", "mapnik", "mapserver":
		if sc.Process == nil {
			return nil, domain.NewError(domain.ErrKindConfigInvalid, "config.buildSource", fmt.Errorf("source %q: missing process config", sc.Name))
		}
		s := source.NewProcessSource(sc.Name, sc.Process.Command, sc.Process.Args)
		s.Cov = cov
		s.ErrPolicy = onError
		return s, nil
	case "debug":
		s := source.NewDebugSource(sc.Name)
		s.Cov = cov
		s.ErrPolicy = onError
		return s, nil
	case "blank":
		var c [4]uint8
		if sc.Blank != nil {
			c = sc.Blank.Color
		}
		s := source.NewBlankSource(sc.Name, colorFromArray(c))
		s.Cov = cov
		s.ErrPolicy = onError
		return s, nil
	default:
		return nil, domain.NewError(domain.ErrKindConfigInvalid, "config.buildSource", fmt.Errorf("source %q: unknown type %q", sc.Name, sc.Type))
	}
}

func onErrorPolicy(s string) source.OnErrorPolicy {
	switch s {
	case "transparent":
		return source.OnErrorTransparent
	case "cache":
		return source.OnErrorCache
	default:
		return source.OnErrorFail
	}
}

func tileScheme(s string) source.TileURLScheme {
	switch s {
	case "quadkey":
		return source.SchemeQuadkey
	case "tms":
		return source.SchemeTMSPath
	case "tc":
		return source.SchemeTCPath
	case "arcgis":
		return source.SchemeArcGISPath
	case "bbox":
		return source.SchemeBBox
	default:
		return source.SchemeXYZ
	}
}

func buildStorage(sc StorageConfig, client *http.Client, getRedis func(string) *redis.Client) (storage.Backend, error) {
	switch sc.Type {
	case "filesystem":
		return storage.NewFilesystemBackend(sc.Directory, storageLayout(sc.Layout), sc.LinkSingleColorImages), nil
	case "sqlite":
		return storage.NewSQLiteSingleFileBackend(sc.File)
	case "sqlite_per_level":
		return storage.NewSQLitePerLevelBackend(sc.Directory), nil
	case "http":
		return storage.NewHTTPDocumentStoreBackend(sc.URL, client), nil
	case "redis":
		return storage.NewRedisKVBackend(getRedis(sc.RedisAddr), sc.RedisPrefix), nil
	case "s3":
		u, err := url.Parse(sc.S3Endpoint)
		if err != nil {
			return nil, domain.NewError(domain.ErrKindConfigInvalid, "config.buildStorage", err)
		}
		minioClient, err := minio.New(u.Host, &minio.Options{
			Creds:  credentials.NewStaticV4(sc.S3AccessKey, sc.S3SecretKey, ""),
			Secure: sc.S3UseSSL,
		})
		if err != nil {
			return nil, domain.NewError(domain.ErrKindConfigInvalid, "config.buildStorage", err)
		}
		return storage.NewObjectStoreBackend(minioClient, sc.S3Bucket, sc.S3Prefix), nil
	default:
		return nil, domain.NewError(domain.ErrKindConfigInvalid, "config.buildStorage", fmt.Errorf("storage %q: unknown type %q", sc.Name, sc.Type))
	}
}

func storageLayout(l string) storage.Layout {
	switch l {
	case "tms":
		return storage.LayoutTMS
	case "quadkey":
		return storage.LayoutQuadkey
	case "arcgis":
		return storage.LayoutArcGIS
	default:
		return storage.LayoutTC
	}
}

func buildLock(lc LockConfig, getRedis func(string) *redis.Client) (lock.Manager, error) {
	switch lc.Type {
	case "file":
		return lock.NewFileLockManager(lc.Directory), nil
	case "redis":
		ttl := time.Duration(lc.TTLSeconds) * time.Second
		if ttl <= 0 {
			ttl = 30 * time.Second
		}
		return lock.NewRedisManager(redisLocker(getRedis(lc.RedisAddr)), "tileengine:lock:", ttl), nil
	default:
		return lock.NewSingleflightManager(), nil
	}
}

func buildCache(cc CacheConfig, grid *domain.Grid) *domain.Cache {
	metaSize := cc.MetaSize
	if metaSize == [2]int{0, 0} {
		metaSize = [2]int{4, 4}
	}
	format := cc.Format
	if format == "" {
		format = "image/png"
	}
	cache := &domain.Cache{
		Name:        cc.Name,
		Grid:        grid,
		SourceNames: cc.Sources,
		Image: domain.ImageOptions{
			Mode:             cc.Mode,
			Format:           format,
			Transparent:      cc.Transparent,
			ResamplingMethod: domain.ParseResamplingMethod(cc.Resampling),
		},
		MetaSize:   domain.MetaSize{metaSize[0], metaSize[1]},
		MetaBuffer: domain.MetaBuffer{cc.MetaBuffer[0], cc.MetaBuffer[1]},
		Policies: domain.CachePolicies{
			DisableStorage:        cc.DisableStorage,
			LinkSingleColorImages: cc.LinkSingleColorImages,
			MinimizeMetaRequests:  cc.MinimizeMetaRequests,
			BulkMetaTiles:         cc.BulkMetaTiles,
			UseDirectFromLevel:    cc.UseDirectFromLevel,
			UseDirectFromRes:      cc.UseDirectFromRes,
		},
		Lock: cc.Lock,
	}
	if len(cc.BandMerge) > 0 {
		cache.BandMerge = make([][]domain.BandContribution, len(cc.BandMerge))
		for i, contributions := range cc.BandMerge {
			for _, c := range contributions {
				cache.BandMerge[i] = append(cache.BandMerge[i], domain.BandContribution{
					SourceName: c.Source, Band: c.Band, Factor: c.Factor,
				})
			}
		}
	}
	if cc.Watermark != nil {
		cache.Watermark = &domain.WatermarkOptions{
			Text:        cc.Watermark.Text,
			Opacity:     cc.Watermark.Opacity,
			FontSize:    cc.Watermark.FontSize,
			Color:       cc.Watermark.Color,
			WideSpacing: cc.Watermark.WideSpacing,
		}
	}
	if cc.RefreshBefore != nil && cc.RefreshBefore.MaxAgeSeconds > 0 {
		cache.RefreshBefore = &domain.RefreshPolicy{MaxAge: time.Duration(cc.RefreshBefore.MaxAgeSeconds) * time.Second}
	}
	return cache
}

func buildCoverage(cc *CoverageConfig) (coverage.Coverage, error) {
	switch cc.Type {
	case "bbox":
		return coverage.NewBBoxCoverage(domain.BBox(cc.BBox), cc.SRS), nil
	case "polygon":
		ring := make(orb.Ring, 0, len(cc.Polygon))
		for _, pt := range cc.Polygon {
			ring = append(ring, orb.Point{pt[0], pt[1]})
		}
		return coverage.NewPolygonCoverage(orb.Polygon{ring}, cc.SRS), nil
	case "shapefile":
		return coverage.LoadShapefile(cc.ShapefilePath, cc.SRS)
	case "intersection", "union", "difference":
		children := make([]coverage.Coverage, 0, len(cc.Children))
		for _, child := range cc.Children {
			c, err := buildCoverage(child)
			if err != nil {
				return nil, err
			}
			children = append(children, c)
		}
		switch cc.Type {
		case "intersection":
			return coverage.Intersection(cc.SRS, children...), nil
		case "union":
			return coverage.Union(cc.SRS, children...), nil
		default:
			if len(children) == 0 {
				return nil, domain.NewError(domain.ErrKindConfigInvalid, "config.buildCoverage", fmt.Errorf("difference coverage needs at least a base"))
			}
			return coverage.Difference(cc.SRS, children[0], children[1:]...), nil
		}
	default:
		return nil, domain.NewError(domain.ErrKindConfigInvalid, "config.buildCoverage", fmt.Errorf("unknown coverage type %q", cc.Type))
	}
}

func colorFromArray(c [4]uint8) color.NRGBA {
	return color.NRGBA{R: c[0], G: c[1], B: c[2], A: c[3]}
}

// redisLocker wraps a *redis.Client into lock.RedisClientAdapter's func-field
// shape, so internal/lock stays free of a direct go-redis import.
func redisLocker(client *redis.Client) lock.RedisClientAdapter {
	return lock.RedisClientAdapter{
		SetNXFunc: func(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
			return client.SetNX(ctx, key, value, ttl).Result()
		},
		EvalFunc: func(ctx context.Context, script string, keys []string, args ...any) (any, error) {
			return client.Eval(ctx, script, keys, args...).Result()
		},
		DelFunc: func(ctx context.Context, key string) error {
			return client.Del(ctx, key).Err()
		},
	}
}
