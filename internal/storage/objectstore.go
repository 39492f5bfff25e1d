package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/minio/minio-go/v7"

	"github.com/gisquick/tileproxy/internal/domain"
)

// ObjectStoreBackend stores tiles as S3/minio objects, grounded directly on
// the teacher's S3FileHandler (minio.Client.PutObject/StatObject), adapted
// from project-asset upload to tile storage: one object per tile under
// Prefix, keyed by Tile.Identity() plus the image format's extension.
type ObjectStoreBackend struct {
	Client *minio.Client
	Bucket string
	Prefix string
}

func NewObjectStoreBackend(client *minio.Client, bucket, prefix string) *ObjectStoreBackend {
	return &ObjectStoreBackend{Client: client, Bucket: bucket, Prefix: prefix}
}

func (b *ObjectStoreBackend) objectName(t *domain.Tile) string {
	return b.Prefix + t.Identity() + "." + extFor(t.Format)
}

func (b *ObjectStoreBackend) LoadTile(ctx context.Context, t *domain.Tile) (bool, error) {
	name := b.objectName(t)
	obj, err := b.Client.GetObject(ctx, b.Bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return false, fmt.Errorf("storage.ObjectStoreBackend.LoadTile: %w", err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		if isNoSuchKey(err) {
			return false, nil
		}
		return false, fmt.Errorf("storage.ObjectStoreBackend.LoadTile: %w", err)
	}
	stat, err := obj.Stat()
	if err != nil {
		if isNoSuchKey(err) {
			return false, nil
		}
		return false, fmt.Errorf("storage.ObjectStoreBackend.LoadTile: %w", err)
	}
	t.Image = data
	if t.Format == "" {
		t.Format = stat.ContentType
	}
	t.Timestamp = stat.LastModified
	t.Cached = true
	return true, nil
}

func isNoSuchKey(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey"
}

func (b *ObjectStoreBackend) LoadTiles(ctx context.Context, tiles []*domain.Tile) error {
	for _, t := range tiles {
		if _, err := b.LoadTile(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

func (b *ObjectStoreBackend) StoreTile(ctx context.Context, t *domain.Tile) error {
	_, err := b.Client.PutObject(ctx, b.Bucket, b.objectName(t), bytes.NewReader(t.Image), int64(len(t.Image)),
		minio.PutObjectOptions{ContentType: t.Format})
	if err != nil {
		return fmt.Errorf("storage.ObjectStoreBackend.StoreTile: %w", err)
	}
	return nil
}

func (b *ObjectStoreBackend) StoreTiles(ctx context.Context, tiles []*domain.Tile) error {
	for _, t := range tiles {
		if err := b.StoreTile(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

func (b *ObjectStoreBackend) RemoveTile(ctx context.Context, t *domain.Tile) error {
	if err := b.Client.RemoveObject(ctx, b.Bucket, b.objectName(t), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("storage.ObjectStoreBackend.RemoveTile: %w", err)
	}
	return nil
}

func (b *ObjectStoreBackend) RemoveLevel(ctx context.Context, cacheName string, level int) error {
	prefix := fmt.Sprintf("%s%s/", b.Prefix, cacheName)
	objCh := b.Client.ListObjects(ctx, b.Bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true})
	for obj := range objCh {
		if obj.Err != nil {
			return fmt.Errorf("storage.ObjectStoreBackend.RemoveLevel: %w", obj.Err)
		}
		if !objectBelongsToLevel(obj.Key, prefix, level) {
			continue
		}
		if err := b.Client.RemoveObject(ctx, b.Bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("storage.ObjectStoreBackend.RemoveLevel: %w", err)
		}
	}
	return nil
}

func (b *ObjectStoreBackend) IterateTiles(ctx context.Context, cacheName string, level int, fn func(domain.TileCoord) error) error {
	prefix := fmt.Sprintf("%s%s/", b.Prefix, cacheName)
	objCh := b.Client.ListObjects(ctx, b.Bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true})
	for obj := range objCh {
		if obj.Err != nil {
			return fmt.Errorf("storage.ObjectStoreBackend.IterateTiles: %w", obj.Err)
		}
		coord, ok := coordFromObjectKey(obj.Key, prefix, level)
		if !ok {
			continue
		}
		if err := fn(coord); err != nil {
			return err
		}
	}
	return nil
}

// objectBelongsToLevel and coordFromObjectKey parse the "{level}/{x}/{y}.ext"
// (or "{dim}/{level}/{x}/{y}.ext") suffix that objectName produces from
// Tile.Identity().
func objectBelongsToLevel(key, prefix string, level int) bool {
	_, ok := coordFromObjectKey(key, prefix, level)
	return ok
}

func coordFromObjectKey(key, prefix string, level int) (domain.TileCoord, bool) {
	rest := strings.TrimPrefix(key, prefix)
	rest = strings.TrimSuffix(rest, filepath.Ext(rest))
	parts := strings.Split(rest, "/")
	if len(parts) < 3 {
		return domain.TileCoord{}, false
	}
	lvl, err1 := strconv.Atoi(parts[len(parts)-3])
	x, err2 := strconv.Atoi(parts[len(parts)-2])
	y, err3 := strconv.Atoi(parts[len(parts)-1])
	if err1 != nil || err2 != nil || err3 != nil || lvl != level {
		return domain.TileCoord{}, false
	}
	return domain.TileCoord{Level: lvl, X: x, Y: y}, true
}

func (b *ObjectStoreBackend) IsCached(ctx context.Context, t *domain.Tile) (bool, error) {
	_, err := b.Client.StatObject(ctx, b.Bucket, b.objectName(t), minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return false, nil
		}
		return false, fmt.Errorf("storage.ObjectStoreBackend.IsCached: %w", err)
	}
	return true, nil
}
