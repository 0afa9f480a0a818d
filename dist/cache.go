package dist

import (
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"

	"github.com/slatelang/slate/vm"
)

var cacheLog = commonlog.GetLogger("dist.cache")

// ErrChunkNotFound indicates the requested chunk is not in the cache.
var ErrChunkNotFound = errors.New("chunk not found")

// ChunkCache is a content-addressed store for compiled chunks, backed by
// SQLite. Entries are keyed by the hash of their canonical encoding, so a
// cached chunk can always be verified against its key.
type ChunkCache struct {
	db     *sql.DB
	dbPath string
	mu     sync.Mutex
}

// OpenCache opens (or creates) a chunk cache at dbPath.
func OpenCache(dbPath string) (*ChunkCache, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS chunks (
		hash TEXT PRIMARY KEY,
		data BLOB NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}

	return &ChunkCache{db: db, dbPath: dbPath}, nil
}

// OpenCacheDefault opens the cache at its default location,
// ~/.slate/cache.db, overridable with SLATE_CACHE_DB.
func OpenCacheDefault() (*ChunkCache, error) {
	dbPath := os.Getenv("SLATE_CACHE_DB")
	if dbPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("getting home dir: %w", err)
		}
		dbPath = filepath.Join(home, ".slate", "cache.db")
	}
	return OpenCache(dbPath)
}

// Close closes the underlying database.
func (c *ChunkCache) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// Put stores a chunk and returns its content hash.
func (c *ChunkCache) Put(chunk *vm.Chunk) ([32]byte, error) {
	data, err := MarshalChunk(chunk)
	if err != nil {
		return [32]byte{}, err
	}
	hash, err := ChunkHash(chunk)
	if err != nil {
		return [32]byte{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err = c.db.Exec(
		"INSERT OR REPLACE INTO chunks (hash, data) VALUES (?, ?)",
		hex.EncodeToString(hash[:]), data,
	)
	if err != nil {
		return [32]byte{}, fmt.Errorf("storing chunk: %w", err)
	}
	cacheLog.Debugf("stored chunk %x (%d bytes)", hash[:8], len(data))
	return hash, nil
}

// Get retrieves a chunk by content hash.
func (c *ChunkCache) Get(hash [32]byte) (*vm.Chunk, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var data []byte
	err := c.db.QueryRow(
		"SELECT data FROM chunks WHERE hash = ?",
		hex.EncodeToString(hash[:]),
	).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrChunkNotFound
		}
		return nil, fmt.Errorf("querying chunk: %w", err)
	}
	return UnmarshalChunk(data)
}

// Has reports whether a chunk with the given hash is cached.
func (c *ChunkCache) Has(hash [32]byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	var one int
	err := c.db.QueryRow(
		"SELECT 1 FROM chunks WHERE hash = ?",
		hex.EncodeToString(hash[:]),
	).Scan(&one)
	return err == nil
}

// Count returns the number of cached chunks.
func (c *ChunkCache) Count() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var n int
	if err := c.db.QueryRow("SELECT COUNT(*) FROM chunks").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting chunks: %w", err)
	}
	return n, nil
}
