package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/gisquick/tileproxy/internal/domain"
)

// sqliteSchema is the per-level tile table, parameterized by table name
// since one-table-per-level keeps each level independently droppable
// (RemoveLevel) without a WHERE-scan over the whole cache.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS %s (
	dim  TEXT NOT NULL DEFAULT '',
	x    INTEGER NOT NULL,
	y    INTEGER NOT NULL,
	data BLOB NOT NULL,
	format TEXT NOT NULL,
	mtime INTEGER NOT NULL,
	PRIMARY KEY (dim, x, y)
);`

// SQLiteSingleFileBackend keeps every level of one cache in a single
// database/sql + mattn/go-sqlite3 file (one "tiles_l{level}" table per level),
// mirroring the mbtiles convention used elsewhere in the retrieved pack.
// Grounded on the corpus's sql.Open("sqlite3", path) idiom.
type SQLiteSingleFileBackend struct {
	mu sync.Mutex
	db *sql.DB
}

func NewSQLiteSingleFileBackend(path string) (*SQLiteSingleFileBackend, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("storage.NewSQLiteSingleFileBackend: %w", err)
	}
	return &SQLiteSingleFileBackend{db: db}, nil
}

func levelTable(level int) string {
	return "tiles_l" + strconv.Itoa(level)
}

func (b *SQLiteSingleFileBackend) create(level int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := b.db.Exec(fmt.Sprintf(sqliteSchema, levelTable(level)))
	return err
}

func (b *SQLiteSingleFileBackend) LoadTile(ctx context.Context, t *domain.Tile) (bool, error) {
	if err := b.create(t.Coord.Level); err != nil {
		return false, err
	}
	table := levelTable(t.Coord.Level)
	row := b.db.QueryRowContext(ctx, fmt.Sprintf("SELECT data, format, mtime FROM %s WHERE dim=? AND x=? AND y=?", table),
		t.Dimensions.Key(), t.Coord.X, t.Coord.Y)
	var data []byte
	var format string
	var mtime int64
	if err := row.Scan(&data, &format, &mtime); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("storage.SQLiteSingleFileBackend.LoadTile: %w", err)
	}
	t.Image = data
	t.Format = format
	t.Timestamp = unixToTime(mtime)
	t.Cached = true
	return true, nil
}

func (b *SQLiteSingleFileBackend) LoadTiles(ctx context.Context, tiles []*domain.Tile) error {
	for _, t := range tiles {
		if _, err := b.LoadTile(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

func (b *SQLiteSingleFileBackend) StoreTile(ctx context.Context, t *domain.Tile) error {
	if err := b.create(t.Coord.Level); err != nil {
		return err
	}
	table := levelTable(t.Coord.Level)
	_, err := b.db.ExecContext(ctx, fmt.Sprintf(
		"INSERT INTO %s (dim,x,y,data,format,mtime) VALUES (?,?,?,?,?,?) "+
			"ON CONFLICT(dim,x,y) DO UPDATE SET data=excluded.data, format=excluded.format, mtime=excluded.mtime", table),
		t.Dimensions.Key(), t.Coord.X, t.Coord.Y, t.Image, t.Format, timeToUnix(t.Timestamp))
	if err != nil {
		return fmt.Errorf("storage.SQLiteSingleFileBackend.StoreTile: %w", err)
	}
	return nil
}

func (b *SQLiteSingleFileBackend) StoreTiles(ctx context.Context, tiles []*domain.Tile) error {
	for _, t := range tiles {
		if err := b.StoreTile(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

func (b *SQLiteSingleFileBackend) RemoveTile(ctx context.Context, t *domain.Tile) error {
	if err := b.create(t.Coord.Level); err != nil {
		return err
	}
	table := levelTable(t.Coord.Level)
	_, err := b.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE dim=? AND x=? AND y=?", table),
		t.Dimensions.Key(), t.Coord.X, t.Coord.Y)
	if err != nil {
		return fmt.Errorf("storage.SQLiteSingleFileBackend.RemoveTile: %w", err)
	}
	return nil
}

func (b *SQLiteSingleFileBackend) RemoveLevel(ctx context.Context, cacheName string, level int) error {
	_, err := b.db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", levelTable(level)))
	if err != nil {
		return fmt.Errorf("storage.SQLiteSingleFileBackend.RemoveLevel: %w", err)
	}
	return nil
}

func (b *SQLiteSingleFileBackend) IterateTiles(ctx context.Context, cacheName string, level int, fn func(domain.TileCoord) error) error {
	if err := b.create(level); err != nil {
		return err
	}
	rows, err := b.db.QueryContext(ctx, fmt.Sprintf("SELECT x, y FROM %s", levelTable(level)))
	if err != nil {
		return fmt.Errorf("storage.SQLiteSingleFileBackend.IterateTiles: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var x, y int
		if err := rows.Scan(&x, &y); err != nil {
			return err
		}
		if err := fn(domain.TileCoord{Level: level, X: x, Y: y}); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (b *SQLiteSingleFileBackend) IsCached(ctx context.Context, t *domain.Tile) (bool, error) {
	if err := b.create(t.Coord.Level); err != nil {
		return false, err
	}
	table := levelTable(t.Coord.Level)
	row := b.db.QueryRowContext(ctx, fmt.Sprintf("SELECT 1 FROM %s WHERE dim=? AND x=? AND y=?", table),
		t.Dimensions.Key(), t.Coord.X, t.Coord.Y)
	var one int
	if err := row.Scan(&one); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// SQLitePerLevelBackend keeps one database file per zoom level under Root
// (spec §5's "sqlite per level" variant), opening connections lazily and
// caching them by level.
type SQLitePerLevelBackend struct {
	Root string

	mu   sync.Mutex
	dbs  map[int]*sql.DB
}

func NewSQLitePerLevelBackend(root string) *SQLitePerLevelBackend {
	return &SQLitePerLevelBackend{Root: root, dbs: map[int]*sql.DB{}}
}

func (b *SQLitePerLevelBackend) dbFor(cacheName string, level int) (*sql.DB, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if db, ok := b.dbs[level]; ok {
		return db, nil
	}
	path := filepath.Join(b.Root, cacheName, fmt.Sprintf("%d.sqlite", level))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("storage.SQLitePerLevelBackend: %w", err)
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("storage.SQLitePerLevelBackend: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf(sqliteSchema, "tiles")); err != nil {
		return nil, fmt.Errorf("storage.SQLitePerLevelBackend: %w", err)
	}
	b.dbs[level] = db
	return db, nil
}

func (b *SQLitePerLevelBackend) LoadTile(ctx context.Context, t *domain.Tile) (bool, error) {
	db, err := b.dbFor(t.CacheName, t.Coord.Level)
	if err != nil {
		return false, err
	}
	row := db.QueryRowContext(ctx, "SELECT data, format, mtime FROM tiles WHERE dim=? AND x=? AND y=?",
		t.Dimensions.Key(), t.Coord.X, t.Coord.Y)
	var data []byte
	var format string
	var mtime int64
	if err := row.Scan(&data, &format, &mtime); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("storage.SQLitePerLevelBackend.LoadTile: %w", err)
	}
	t.Image, t.Format, t.Timestamp, t.Cached = data, format, unixToTime(mtime), true
	return true, nil
}

func (b *SQLitePerLevelBackend) LoadTiles(ctx context.Context, tiles []*domain.Tile) error {
	for _, t := range tiles {
		if _, err := b.LoadTile(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

func (b *SQLitePerLevelBackend) StoreTile(ctx context.Context, t *domain.Tile) error {
	db, err := b.dbFor(t.CacheName, t.Coord.Level)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		"INSERT INTO tiles (dim,x,y,data,format,mtime) VALUES (?,?,?,?,?,?) "+
			"ON CONFLICT(dim,x,y) DO UPDATE SET data=excluded.data, format=excluded.format, mtime=excluded.mtime",
		t.Dimensions.Key(), t.Coord.X, t.Coord.Y, t.Image, t.Format, timeToUnix(t.Timestamp))
	if err != nil {
		return fmt.Errorf("storage.SQLitePerLevelBackend.StoreTile: %w", err)
	}
	return nil
}

func (b *SQLitePerLevelBackend) StoreTiles(ctx context.Context, tiles []*domain.Tile) error {
	for _, t := range tiles {
		if err := b.StoreTile(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

func (b *SQLitePerLevelBackend) RemoveTile(ctx context.Context, t *domain.Tile) error {
	db, err := b.dbFor(t.CacheName, t.Coord.Level)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, "DELETE FROM tiles WHERE dim=? AND x=? AND y=?", t.Dimensions.Key(), t.Coord.X, t.Coord.Y)
	return err
}

func (b *SQLitePerLevelBackend) RemoveLevel(ctx context.Context, cacheName string, level int) error {
	b.mu.Lock()
	db, ok := b.dbs[level]
	delete(b.dbs, level)
	b.mu.Unlock()
	if ok {
		db.Close()
	}
	path := filepath.Join(b.Root, cacheName, fmt.Sprintf("%d.sqlite", level))
	return removeFileIfExists(path)
}

func (b *SQLitePerLevelBackend) IterateTiles(ctx context.Context, cacheName string, level int, fn func(domain.TileCoord) error) error {
	db, err := b.dbFor(cacheName, level)
	if err != nil {
		return err
	}
	rows, err := db.QueryContext(ctx, "SELECT x, y FROM tiles")
	if err != nil {
		return fmt.Errorf("storage.SQLitePerLevelBackend.IterateTiles: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var x, y int
		if err := rows.Scan(&x, &y); err != nil {
			return err
		}
		if err := fn(domain.TileCoord{Level: level, X: x, Y: y}); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (b *SQLitePerLevelBackend) IsCached(ctx context.Context, t *domain.Tile) (bool, error) {
	db, err := b.dbFor(t.CacheName, t.Coord.Level)
	if err != nil {
		return false, err
	}
	row := db.QueryRowContext(ctx, "SELECT 1 FROM tiles WHERE dim=? AND x=? AND y=?", t.Dimensions.Key(), t.Coord.X, t.Coord.Y)
	var one int
	if err := row.Scan(&one); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func unixToTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func timeToUnix(t time.Time) int64 {
	if t.IsZero() {
		return time.Now().Unix()
	}
	return t.Unix()
}

func removeFileIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
