// Package opcache is an example build-cache backend: content-addressed,
// zstd-compressed, one directory entry per key. A Runner may consult it to
// skip repeated work; the engine itself never imports this package.
package opcache

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Entry is one cached record: the captured output of a prior successful run
// of the operation that produced Key, plus enough metadata to decide whether
// it is still valid.
type Entry struct {
	Key          string    `json:"key"`
	Payload      []byte    `json:"-"`
	ContentHash  string    `json:"content_hash"`
	Timestamp    time.Time `json:"timestamp"`
	Size         int64     `json:"size"`
	AccessCount  int64     `json:"access_count"`
	LastAccessed time.Time `json:"last_accessed"`
}

// PruneStrategy bounds cache growth by total size, entry age, and entry
// count.
type PruneStrategy struct {
	MaxSize int64
	MaxAge  time.Duration
	MaxKeys int
}

// DefaultPruneStrategy returns conservative defaults suitable for a
// developer workstation.
func DefaultPruneStrategy() PruneStrategy {
	return PruneStrategy{
		MaxSize: 10 * 1024 * 1024 * 1024,
		MaxAge:  30 * 24 * time.Hour,
		MaxKeys: 10000,
	}
}

// Cache is a directory-backed, content-addressed store. Entries are written
// as a small JSON metadata file next to a zstd-compressed payload blob, both
// named after the SHA-256 of the key so lookups never need an index.
type Cache struct {
	baseDir  string
	strategy PruneStrategy

	mu            sync.Mutex
	hits, misses  int64
	encoder       *zstd.Encoder
	decoderLock   sync.Mutex
	sharedDecoder *zstd.Decoder
}

// New opens (creating if absent) a cache rooted at baseDir.
func New(baseDir string, strategy PruneStrategy) (*Cache, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("opcache: create base dir: %w", err)
	}
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("opcache: init encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("opcache: init decoder: %w", err)
	}
	return &Cache{
		baseDir:       baseDir,
		strategy:      strategy,
		encoder:       encoder,
		sharedDecoder: decoder,
	}, nil
}

func (c *Cache) entryPaths(key string) (metaPath, blobPath string) {
	hash := sha256.Sum256([]byte(key))
	hashStr := fmt.Sprintf("%x", hash)
	dir := filepath.Join(c.baseDir, hashStr[:2], hashStr[2:4])
	return filepath.Join(dir, hashStr+".json"), filepath.Join(dir, hashStr+".zst")
}

// Get returns the cached payload for key, or (nil, false) on a miss or a
// stale entry (silently evicted).
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	metaPath, blobPath := c.entryPaths(key)
	metaData, err := os.ReadFile(metaPath)
	if err != nil {
		c.misses++
		return nil, false
	}

	var entry Entry
	if err := json.Unmarshal(metaData, &entry); err != nil {
		c.misses++
		return nil, false
	}

	if c.strategy.MaxAge > 0 && time.Since(entry.Timestamp) > c.strategy.MaxAge {
		os.Remove(metaPath)
		os.Remove(blobPath)
		c.misses++
		return nil, false
	}

	compressed, err := os.ReadFile(blobPath)
	if err != nil {
		c.misses++
		return nil, false
	}

	c.decoderLock.Lock()
	payload, err := c.sharedDecoder.DecodeAll(compressed, nil)
	c.decoderLock.Unlock()
	if err != nil {
		c.misses++
		return nil, false
	}

	entry.AccessCount++
	entry.LastAccessed = time.Now()
	if updated, err := json.Marshal(entry); err == nil {
		os.WriteFile(metaPath, updated, 0644)
	}

	c.hits++
	return payload, true
}

// Set stores payload under key, compressing it with zstd.
func (c *Cache) Set(key string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	metaPath, blobPath := c.entryPaths(key)
	if err := os.MkdirAll(filepath.Dir(metaPath), 0755); err != nil {
		return fmt.Errorf("opcache: create entry dir: %w", err)
	}

	compressed := c.encoder.EncodeAll(payload, nil)
	hash := sha256.Sum256(payload)

	entry := Entry{
		Key:          key,
		ContentHash:  fmt.Sprintf("%x", hash),
		Timestamp:    time.Now(),
		LastAccessed: time.Now(),
		AccessCount:  1,
		Size:         int64(len(compressed)),
	}

	metaData, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("opcache: marshal entry: %w", err)
	}

	if err := os.WriteFile(blobPath, compressed, 0644); err != nil {
		return fmt.Errorf("opcache: write blob: %w", err)
	}
	if err := os.WriteFile(metaPath, metaData, 0644); err != nil {
		return fmt.Errorf("opcache: write metadata: %w", err)
	}

	return nil
}

// Info summarizes the cache's current footprint: hit rate, size, entry
// count.
type Info struct {
	Hits      int64
	Misses    int64
	HitRate   float64
	TotalSize int64
	Entries   int
}

func (c *Cache) Info() (Info, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	info := Info{Hits: c.hits, Misses: c.misses}
	if c.hits+c.misses > 0 {
		info.HitRate = float64(c.hits) / float64(c.hits+c.misses)
	}

	err := filepath.Walk(c.baseDir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !fi.IsDir() && strings.HasSuffix(path, ".zst") {
			info.Entries++
			info.TotalSize += fi.Size()
		}
		return nil
	})
	if err != nil {
		return Info{}, fmt.Errorf("opcache: walk cache dir: %w", err)
	}
	return info, nil
}

type entryInfo struct {
	metaPath, blobPath string
	entry              Entry
	blobSize           int64
}

// Prune evicts entries past MaxAge, then oldest-accessed-first until under
// MaxSize and MaxKeys.
func (c *Cache) Prune() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var entries []entryInfo
	err := filepath.Walk(c.baseDir, func(path string, fi os.FileInfo, err error) error {
		if err != nil || fi.IsDir() || !strings.HasSuffix(path, ".json") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			return nil
		}
		blobPath := strings.TrimSuffix(path, ".json") + ".zst"
		blobFi, err := os.Stat(blobPath)
		if err != nil {
			return nil
		}
		entries = append(entries, entryInfo{metaPath: path, blobPath: blobPath, entry: entry, blobSize: blobFi.Size()})
		return nil
	})
	if err != nil {
		return fmt.Errorf("opcache: collect entries: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].entry.LastAccessed.Before(entries[j].entry.LastAccessed)
	})

	toDelete := make(map[string]bool)
	cutoff := time.Now().Add(-c.strategy.MaxAge)
	var totalSize int64
	for _, e := range entries {
		totalSize += e.blobSize
		if c.strategy.MaxAge > 0 && e.entry.Timestamp.Before(cutoff) {
			toDelete[e.metaPath] = true
		}
	}

	if c.strategy.MaxSize > 0 && totalSize > c.strategy.MaxSize {
		remaining := totalSize
		for _, e := range entries {
			if remaining <= c.strategy.MaxSize {
				break
			}
			if !toDelete[e.metaPath] {
				toDelete[e.metaPath] = true
				remaining -= e.blobSize
			}
		}
	}

	if c.strategy.MaxKeys > 0 && len(entries)-len(toDelete) > c.strategy.MaxKeys {
		excess := len(entries) - len(toDelete) - c.strategy.MaxKeys
		for _, e := range entries {
			if excess <= 0 {
				break
			}
			if !toDelete[e.metaPath] {
				toDelete[e.metaPath] = true
				excess--
			}
		}
	}

	for _, e := range entries {
		if toDelete[e.metaPath] {
			os.Remove(e.metaPath)
			os.Remove(e.blobPath)
		}
	}

	return c.removeEmptyDirs(c.baseDir)
}

func (c *Cache) removeEmptyDirs(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		sub := filepath.Join(dir, entry.Name())
		if err := c.removeEmptyDirs(sub); err != nil {
			continue
		}
		if remaining, err := os.ReadDir(sub); err == nil && len(remaining) == 0 {
			os.Remove(sub)
		}
	}
	return nil
}

// Clear removes the entire cache contents and recreates the base directory.
func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.RemoveAll(c.baseDir); err != nil {
		return fmt.Errorf("opcache: clear: %w", err)
	}
	return os.MkdirAll(c.baseDir, 0755)
}

// ComputeKey derives a stable cache key from an operation name and an
// arbitrary set of content fingerprints (file hashes, command strings).
func ComputeKey(operationName string, fingerprints ...string) string {
	hasher := sha256.New()
	hasher.Write([]byte(operationName))
	for _, f := range fingerprints {
		hasher.Write([]byte(f))
	}
	return fmt.Sprintf("%x", hasher.Sum(nil))
}

// HashReader hashes r's content, useful for building a fingerprint from a
// file without loading it fully into memory first.
func HashReader(r io.Reader) (string, error) {
	hasher := sha256.New()
	if _, err := io.Copy(hasher, r); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", hasher.Sum(nil)), nil
}
