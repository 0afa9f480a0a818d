package dist

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
)

func testCache(t *testing.T) *ChunkCache {
	t.Helper()
	cache, err := OpenCache(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("OpenCache: %v", err)
	}
	t.Cleanup(func() { cache.Close() })
	return cache
}

func TestCachePutGet(t *testing.T) {
	cache := testCache(t)
	chunk := sampleChunk(t)

	hash, err := cache.Put(chunk)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !cache.Has(hash) {
		t.Fatal("Has = false after Put")
	}

	got, err := cache.Get(hash)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got.Code, chunk.Code) {
		t.Error("cached chunk code differs")
	}

	// The returned chunk must verify against its key.
	rehash, err := ChunkHash(got)
	if err != nil {
		t.Fatal(err)
	}
	if rehash != hash {
		t.Error("cached chunk fails hash verification")
	}
}

func TestCacheMiss(t *testing.T) {
	cache := testCache(t)
	_, err := cache.Get([32]byte{1, 2, 3})
	if !errors.Is(err, ErrChunkNotFound) {
		t.Fatalf("Get miss error = %v, want ErrChunkNotFound", err)
	}
	if cache.Has([32]byte{1, 2, 3}) {
		t.Error("Has = true for absent chunk")
	}
}

func TestCachePutIdempotent(t *testing.T) {
	cache := testCache(t)
	chunk := sampleChunk(t)

	h1, err := cache.Put(chunk)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := cache.Put(chunk)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Error("same chunk stored under different hashes")
	}
	n, err := cache.Count()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("Count = %d, want 1", n)
	}
}

func TestCachePersistsAcrossOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	chunk := sampleChunk(t)

	first, err := OpenCache(path)
	if err != nil {
		t.Fatal(err)
	}
	hash, err := first.Put(chunk)
	if err != nil {
		t.Fatal(err)
	}
	first.Close()

	second, err := OpenCache(path)
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()
	if !second.Has(hash) {
		t.Fatal("chunk lost across cache reopens")
	}
}
