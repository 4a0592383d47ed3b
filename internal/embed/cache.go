package embed

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"os"
	"path/filepath"
)

// diskCache stores embedding vectors on disk, one file per content hash with
// a two-level fan-out (aa/bb/aabb....vec) to keep directories small. Entries
// are immutable once written; concurrent writers of the same hash race
// harmlessly because the content is identical.
type diskCache struct {
	dir string
	dim int
}

func newDiskCache(dir string, dim int) (*diskCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("embed cache: create dir: %w", err)
	}
	return &diskCache{dir: dir, dim: dim}, nil
}

// contentHash returns the stable cache key for text.
func contentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func (c *diskCache) path(hash string) string {
	return filepath.Join(c.dir, hash[:2], hash[2:4], hash+".vec")
}

// get returns the cached vector for hash, or ok=false on a miss. Entries of
// the wrong dimension (stale cache from a model change) are treated as misses.
func (c *diskCache) get(hash string) ([]float32, bool) {
	raw, err := os.ReadFile(c.path(hash))
	if err != nil || len(raw) != 4*c.dim {
		return nil, false
	}
	vec := make([]float32, c.dim)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return vec, true
}

// put writes vec under hash atomically (temp file + rename).
func (c *diskCache) put(hash string, vec []float32) error {
	path := c.path(hash)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("embed cache: create bucket: %w", err)
	}

	raw := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+hash+".*")
	if err != nil {
		return fmt.Errorf("embed cache: temp file: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("embed cache: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("embed cache: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		// A concurrent writer may have won the rename; the entry exists either way.
		if _, statErr := os.Stat(path); statErr == nil {
			return nil
		}
		return fmt.Errorf("embed cache: rename: %w", err)
	}
	return nil
}
