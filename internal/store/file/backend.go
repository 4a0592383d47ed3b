// Package file provides a single-node, file-backed implementation of the
// Cortex storage backend. All entities live in memory and are persisted as
// append-only JSONL segment files under one data directory; the whole data
// set is reloaded on startup.
//
// Vector search is exact cosine over the in-memory set, which is adequate for
// the corpus sizes this backend targets (single-tenant pilots and tests).
package file

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/helixdesk/cortex/internal/fault"
	"github.com/helixdesk/cortex/internal/store"
)

// Compile-time interface check.
var _ store.Backend = (*Backend)(nil)

// Backend is the JSONL-file implementation of [store.Backend].
type Backend struct {
	dir string
	dim int

	mu       sync.RWMutex
	chunks   []store.DocumentChunk
	chunkKey map[chunkKey]struct{}
	nodes    []store.MemoryNode
	nodeIDs  map[string]struct{}
	episodes []store.Episode
	epIDs    map[string]struct{}
	queries  []store.QueryRecord
	queryIDs map[string]struct{}
	audit    []store.AuditEntry

	segments map[string]*segment
	closed   bool
}

// chunkKey is the idempotency key for chunk inserts.
type chunkKey struct {
	tenant, dept, hash string
	index              int
}

// segment is one append-only JSONL file.
type segment struct {
	f *os.File
	w *bufio.Writer
}

const (
	segChunks   = "chunks.jsonl"
	segNodes    = "nodes.jsonl"
	segEpisodes = "episodes.jsonl"
	segQueries  = "query_log.jsonl"
	segEvents   = "metric_events.jsonl"
	segAudit    = "audit_log.jsonl"
)

// New opens (or creates) the data directory and loads all segment files into
// memory. dim must match the configured embedding dimension; stored vectors
// of a different length are rejected at load time.
func New(dir string, dim int) (*Backend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("file backend: create data dir: %w", err)
	}

	b := &Backend{
		dir:      dir,
		dim:      dim,
		chunkKey: map[chunkKey]struct{}{},
		nodeIDs:  map[string]struct{}{},
		epIDs:    map[string]struct{}{},
		queryIDs: map[string]struct{}{},
		segments: map[string]*segment{},
	}

	if err := b.load(); err != nil {
		return nil, err
	}
	for _, name := range []string{segChunks, segNodes, segEpisodes, segQueries, segEvents, segAudit} {
		f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			b.closeSegments()
			return nil, fmt.Errorf("file backend: open segment %s: %w", name, err)
		}
		b.segments[name] = &segment{f: f, w: bufio.NewWriter(f)}
	}
	return b, nil
}

func (b *Backend) load() error {
	if err := loadSegment(filepath.Join(b.dir, segChunks), func(c store.DocumentChunk) error {
		if c.Embedding != nil && len(c.Embedding) != b.dim {
			return fmt.Errorf("%w: chunk %s has dimension %d, want %d",
				fault.ErrBackendMisconfigured, c.ID, len(c.Embedding), b.dim)
		}
		b.chunks = append(b.chunks, c)
		b.chunkKey[chunkKey{c.TenantID, c.DepartmentID, c.FileHash, c.ChunkIndex}] = struct{}{}
		return nil
	}); err != nil {
		return err
	}
	if err := loadSegment(filepath.Join(b.dir, segNodes), func(n store.MemoryNode) error {
		b.nodes = append(b.nodes, n)
		b.nodeIDs[n.ID] = struct{}{}
		return nil
	}); err != nil {
		return err
	}
	if err := loadSegment(filepath.Join(b.dir, segEpisodes), func(ep store.Episode) error {
		b.episodes = append(b.episodes, ep)
		b.epIDs[ep.ID] = struct{}{}
		return nil
	}); err != nil {
		return err
	}
	if err := loadSegment(filepath.Join(b.dir, segQueries), func(rec store.QueryRecord) error {
		b.queries = append(b.queries, rec)
		b.queryIDs[rec.ID] = struct{}{}
		return nil
	}); err != nil {
		return err
	}
	return loadSegment(filepath.Join(b.dir, segAudit), func(entry store.AuditEntry) error {
		b.audit = append(b.audit, entry)
		return nil
	})
}

// loadSegment replays one JSONL file through fn. A missing file is an empty
// segment.
func loadSegment[T any](path string, fn func(T) error) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("file backend: open %s: %w", path, err)
	}
	defer f.Close()

	dec := json.NewDecoder(bufio.NewReader(f))
	for {
		var v T
		if err := dec.Decode(&v); err == io.EOF {
			return nil
		} else if err != nil {
			return fmt.Errorf("%w: corrupt segment %s: %v", fault.ErrBackendMisconfigured, path, err)
		}
		if err := fn(v); err != nil {
			return err
		}
	}
}

// appendRecord writes one JSON line to the named segment and flushes it.
// Callers hold b.mu.
func (b *Backend) appendRecord(name string, v any) error {
	if b.closed {
		return fault.ErrBackendUnavailable
	}
	seg := b.segments[name]
	enc, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("file backend: encode: %w", err)
	}
	if _, err := seg.w.Write(append(enc, '\n')); err != nil {
		return fmt.Errorf("%w: write segment %s: %v", fault.ErrBackendUnavailable, name, err)
	}
	if err := seg.w.Flush(); err != nil {
		return fmt.Errorf("%w: flush segment %s: %v", fault.ErrBackendUnavailable, name, err)
	}
	return nil
}

// Sync fsyncs every segment file. Called by callers on batch boundaries.
func (b *Backend) Sync() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for name, seg := range b.segments {
		if err := seg.w.Flush(); err != nil {
			return fmt.Errorf("%w: flush %s: %v", fault.ErrBackendUnavailable, name, err)
		}
		if err := seg.f.Sync(); err != nil {
			return fmt.Errorf("%w: sync %s: %v", fault.ErrBackendUnavailable, name, err)
		}
	}
	return nil
}

// Ping implements [store.Backend].
func (b *Backend) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fault.ErrBackendUnavailable
	}
	return ctx.Err()
}

// Close implements [store.Backend].
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.closeSegments()
}

func (b *Backend) closeSegments() error {
	var errs []error
	for _, seg := range b.segments {
		if seg.w != nil {
			errs = append(errs, seg.w.Flush())
		}
		errs = append(errs, seg.f.Close())
	}
	return errors.Join(errs...)
}
