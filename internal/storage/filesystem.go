package storage

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gisquick/tileproxy/internal/domain"
	"github.com/gisquick/tileproxy/internal/raster"
)

// FilesystemBackend stores one file per tile under Root, grounded directly
// on the teacher's CacheService.saveMetaTile (os.MkdirAll + os.Create per
// tile). It additionally supports spec §5's "link single-color images"
// policy: tiles whose content is a single solid color are symlinks to one
// shared file per (cache, level, color) instead of stored individually.
type FilesystemBackend struct {
	Root                  string
	Layout                Layout
	LinkSingleColorImages bool
}

func NewFilesystemBackend(root string, layout Layout, linkSingleColor bool) *FilesystemBackend {
	if layout == "" {
		layout = LayoutTC
	}
	return &FilesystemBackend{Root: root, Layout: layout, LinkSingleColorImages: linkSingleColor}
}

func (b *FilesystemBackend) path(t *domain.Tile) string {
	return filepath.Join(b.Root, tilePath(b.Layout, t))
}

func tilePath(layout Layout, t *domain.Tile) string {
	ext := extFor(t.Format)
	cache := t.CacheName
	dim := t.Dimensions.Key()
	base := cache
	if dim != "" {
		base = filepath.Join(cache, dim)
	}
	level, x, y := t.Coord.Level, t.Coord.X, t.Coord.Y
	switch layout {
	case LayoutTMS:
		return filepath.Join(base, strconv.Itoa(level), strconv.Itoa(x), fmt.Sprintf("%d.%s", y, ext))
	case LayoutQuadkey:
		return filepath.Join(base, quadkey(level, x, y)+"."+ext)
	case LayoutArcGIS:
		return filepath.Join(base, fmt.Sprintf("L%02d", level), fmt.Sprintf("R%08x", y), fmt.Sprintf("C%08x.%s", x, ext))
	default: // LayoutTC
		return filepath.Join(base, strconv.Itoa(level), strconv.Itoa(x), fmt.Sprintf("%d.%s", y, ext))
	}
}

func quadkey(level, x, y int) string {
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

func extFor(format string) string {
	switch format {
	case "image/jpeg":
		return "jpeg"
	case "image/gif":
		return "gif"
	case "image/tiff":
		return "tiff"
	case "image/png", "":
		return "png"
	default:
		parts := strings.SplitN(format, "/", 2)
		if len(parts) == 2 {
			return parts[1]
		}
		return "dat"
	}
}

func (b *FilesystemBackend) LoadTile(ctx context.Context, t *domain.Tile) (bool, error) {
	p := b.path(t)
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("storage.FilesystemBackend.LoadTile: %w", err)
	}
	info, err := os.Stat(p)
	if err == nil {
		t.Timestamp = info.ModTime()
	}
	t.Image = data
	if t.Format == "" {
		t.Format = formatFromExt(filepath.Ext(p))
	}
	t.Cached = true
	return true, nil
}

func formatFromExt(ext string) string {
	switch strings.TrimPrefix(ext, ".") {
	case "jpeg", "jpg":
		return "image/jpeg"
	case "gif":
		return "image/gif"
	case "tiff":
		return "image/tiff"
	default:
		return "image/png"
	}
}

func (b *FilesystemBackend) LoadTiles(ctx context.Context, tiles []*domain.Tile) error {
	for _, t := range tiles {
		if _, err := b.LoadTile(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

func (b *FilesystemBackend) StoreTile(ctx context.Context, t *domain.Tile) error {
	if b.LinkSingleColorImages {
		if linked, err := b.tryLinkSingleColor(t); err != nil {
			return err
		} else if linked {
			return nil
		}
	}
	p := b.path(t)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("storage.FilesystemBackend.StoreTile: %w", err)
	}
	if err := os.WriteFile(p, t.Image, 0o644); err != nil {
		return fmt.Errorf("storage.FilesystemBackend.StoreTile: %w", err)
	}
	return nil
}

// tryLinkSingleColor decodes t.Image; if it is a single solid color it is
// written once to a shared "_single_color/{level}_{rrggbbaa}.{ext}" file and
// every tile of that color is a symlink to it (falls back to a plain copy
// if the filesystem rejects the symlink).
func (b *FilesystemBackend) tryLinkSingleColor(t *domain.Tile) (bool, error) {
	img, err := raster.DecodeBytes(t.Image)
	if err != nil {
		return false, nil // not decodable as an image we understand, store normally
	}
	c, ok := img.SingleColor()
	if !ok {
		return false, nil
	}
	shared := filepath.Join(b.Root, t.CacheName, "_single_color",
		fmt.Sprintf("%d_%02x%02x%02x%02x.%s", t.Coord.Level, c.R, c.G, c.B, c.A, extFor(t.Format)))
	if err := os.MkdirAll(filepath.Dir(shared), 0o755); err != nil {
		return false, err
	}
	if _, err := os.Stat(shared); os.IsNotExist(err) {
		if err := os.WriteFile(shared, t.Image, 0o644); err != nil {
			return false, fmt.Errorf("storage.FilesystemBackend.tryLinkSingleColor: %w", err)
		}
	}
	p := b.path(t)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return false, err
	}
	os.Remove(p)
	target, err := filepath.Abs(shared)
	if err != nil {
		target = shared
	}
	if err := os.Symlink(target, p); err != nil {
		// symlinks unsupported: fall back to a regular copy
		if werr := os.WriteFile(p, t.Image, 0o644); werr != nil {
			return false, fmt.Errorf("storage.FilesystemBackend.tryLinkSingleColor: %w", werr)
		}
	}
	return true, nil
}

func (b *FilesystemBackend) StoreTiles(ctx context.Context, tiles []*domain.Tile) error {
	for _, t := range tiles {
		if err := b.StoreTile(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

func (b *FilesystemBackend) RemoveTile(ctx context.Context, t *domain.Tile) error {
	if err := os.Remove(b.path(t)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("storage.FilesystemBackend.RemoveTile: %w", err)
	}
	return nil
}

func (b *FilesystemBackend) RemoveLevel(ctx context.Context, cacheName string, level int) error {
	dir := filepath.Join(b.Root, cacheName, strconv.Itoa(level))
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("storage.FilesystemBackend.RemoveLevel: %w", err)
	}
	return nil
}

func (b *FilesystemBackend) IterateTiles(ctx context.Context, cacheName string, level int, fn func(domain.TileCoord) error) error {
	dir := filepath.Join(b.Root, cacheName, strconv.Itoa(level))
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		x, err := strconv.Atoi(filepath.Base(filepath.Dir(path)))
		if err != nil {
			return nil
		}
		yStr := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		y, err := strconv.Atoi(yStr)
		if err != nil {
			return nil
		}
		return fn(domain.TileCoord{Level: level, X: x, Y: y})
	})
}

func (b *FilesystemBackend) IsCached(ctx context.Context, t *domain.Tile) (bool, error) {
	_, err := os.Stat(b.path(t))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
