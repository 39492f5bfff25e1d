package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-redis/redis/v8"

	"github.com/gisquick/tileproxy/internal/domain"
)

// redisTileValue is the JSON payload stored under a tile's "<id>:meta" key;
// the image bytes themselves are a plain redis string value under "<id>".
// LoadTile reads the two keys with two separate GETs.
type redisTileValue struct {
	Format string `json:"format"`
	MTime  int64  `json:"mtime"`
}

// RedisKVBackend stores tiles in a Redis/go-redis keyspace, grounded on the
// corpus's redis.Client Get/Set tile-cache pattern, generalized from a
// request-scoped MVT cache into the
// engine's persistent tile store. Each tile occupies two keys: "<id>" for
// the raw image bytes and "<id>:meta" for format/mtime, keeping the image
// payload itself uncompressed and directly streamable.
type RedisKVBackend struct {
	Client *redis.Client
	Prefix string
}

func NewRedisKVBackend(client *redis.Client, prefix string) *RedisKVBackend {
	return &RedisKVBackend{Client: client, Prefix: prefix}
}

func (b *RedisKVBackend) key(t *domain.Tile) string {
	return b.Prefix + t.Identity()
}

func (b *RedisKVBackend) metaKey(t *domain.Tile) string {
	return b.key(t) + ":meta"
}

func (b *RedisKVBackend) LoadTile(ctx context.Context, t *domain.Tile) (bool, error) {
	data, err := b.Client.Get(ctx, b.key(t)).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("storage.RedisKVBackend.LoadTile: %w", err)
	}
	t.Image = data
	if raw, err := b.Client.Get(ctx, b.metaKey(t)).Bytes(); err == nil {
		var meta redisTileValue
		if err := json.Unmarshal(raw, &meta); err == nil {
			t.Format = meta.Format
			t.Timestamp = unixToTime(meta.MTime)
		}
	}
	t.Cached = true
	return true, nil
}

func (b *RedisKVBackend) LoadTiles(ctx context.Context, tiles []*domain.Tile) error {
	for _, t := range tiles {
		if _, err := b.LoadTile(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

func (b *RedisKVBackend) StoreTile(ctx context.Context, t *domain.Tile) error {
	if err := b.Client.Set(ctx, b.key(t), t.Image, 0).Err(); err != nil {
		return fmt.Errorf("storage.RedisKVBackend.StoreTile: %w", err)
	}
	meta, err := json.Marshal(redisTileValue{Format: t.Format, MTime: timeToUnix(t.Timestamp)})
	if err != nil {
		return err
	}
	if err := b.Client.Set(ctx, b.metaKey(t), meta, 0).Err(); err != nil {
		return fmt.Errorf("storage.RedisKVBackend.StoreTile: %w", err)
	}
	return nil
}

func (b *RedisKVBackend) StoreTiles(ctx context.Context, tiles []*domain.Tile) error {
	pipe := b.Client.Pipeline()
	for _, t := range tiles {
		meta, err := json.Marshal(redisTileValue{Format: t.Format, MTime: timeToUnix(t.Timestamp)})
		if err != nil {
			return err
		}
		pipe.Set(ctx, b.key(t), t.Image, 0)
		pipe.Set(ctx, b.metaKey(t), meta, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("storage.RedisKVBackend.StoreTiles: %w", err)
	}
	return nil
}

func (b *RedisKVBackend) RemoveTile(ctx context.Context, t *domain.Tile) error {
	if err := b.Client.Del(ctx, b.key(t), b.metaKey(t)).Err(); err != nil {
		return fmt.Errorf("storage.RedisKVBackend.RemoveTile: %w", err)
	}
	return nil
}

func (b *RedisKVBackend) RemoveLevel(ctx context.Context, cacheName string, level int) error {
	pattern := fmt.Sprintf("%s%s/*/%d/*/*", b.Prefix, cacheName, level)
	iter := b.Client.Scan(ctx, 0, pattern, 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("storage.RedisKVBackend.RemoveLevel: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := b.Client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("storage.RedisKVBackend.RemoveLevel: %w", err)
	}
	return nil
}

func (b *RedisKVBackend) IterateTiles(ctx context.Context, cacheName string, level int, fn func(domain.TileCoord) error) error {
	pattern := fmt.Sprintf("%s%s/*/%d/*/*", b.Prefix, cacheName, level)
	iter := b.Client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		key := strings.TrimSuffix(iter.Val(), ":meta")
		if strings.HasSuffix(iter.Val(), ":meta") {
			continue
		}
		coord, ok := coordFromKey(key, b.Prefix, cacheName, level)
		if !ok {
			continue
		}
		if err := fn(coord); err != nil {
			return err
		}
	}
	return iter.Err()
}

func coordFromKey(key, prefix, cacheName string, level int) (domain.TileCoord, bool) {
	rest := strings.TrimPrefix(key, prefix+cacheName+"/")
	parts := strings.Split(rest, "/")
	if len(parts) < 3 {
		return domain.TileCoord{}, false
	}
	x, err1 := strconv.Atoi(parts[len(parts)-2])
	y, err2 := strconv.Atoi(parts[len(parts)-1])
	if err1 != nil || err2 != nil {
		return domain.TileCoord{}, false
	}
	return domain.TileCoord{Level: level, X: x, Y: y}, true
}

func (b *RedisKVBackend) IsCached(ctx context.Context, t *domain.Tile) (bool, error) {
	n, err := b.Client.Exists(ctx, b.key(t)).Result()
	if err != nil {
		return false, fmt.Errorf("storage.RedisKVBackend.IsCached: %w", err)
	}
	return n > 0, nil
}
