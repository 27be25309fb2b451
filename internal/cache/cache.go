// Package cache persists per-outage link matrices keyed by
// (instance, zone, outage line), with an on-disk store as the source of
// truth and an optional Redis hot tier in front of it. Only worker rank 0
// (the first worker) ever writes; every worker, including rank 0, reads.
package cache

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/redis/go-redis/v9"
	"gonum.org/v1/gonum/mat"
)

// LinkMatrixCache is safe for concurrent use.
type LinkMatrixCache struct {
	diskRoot string
	redis    *redis.Client
}

// New builds a cache rooted at diskRoot. redisURL may be empty, in which
// case the hot tier is disabled and every read falls through to disk.
func New(diskRoot, redisURL string) *LinkMatrixCache {
	c := &LinkMatrixCache{diskRoot: diskRoot}
	if redisURL != "" {
		c.redis = redis.NewClient(&redis.Options{Addr: redisURL})
	}
	return c
}

func (c *LinkMatrixCache) path(instance string, zone, outageLine int) string {
	return filepath.Join(c.diskRoot, instance, strconv.Itoa(zone), strconv.Itoa(outageLine)+".bin")
}

func (c *LinkMatrixCache) redisKey(instance string, zone, outageLine int) string {
	return fmt.Sprintf("linkmatrix:%s:%d:%d", instance, zone, outageLine)
}

// Get returns the cached link matrix, or ok=false on any miss — including
// I/O errors, which are treated as a miss rather than propagated, per the
// cache error-handling contract.
func (c *LinkMatrixCache) Get(ctx context.Context, instance string, zone, outageLine int) (*mat.Dense, bool) {
	if c.redis != nil {
		if raw, err := c.redis.Get(ctx, c.redisKey(instance, zone, outageLine)).Bytes(); err == nil {
			if m, err := decode(raw); err == nil {
				return m, true
			}
		}
	}

	raw, err := os.ReadFile(c.path(instance, zone, outageLine))
	if err != nil {
		return nil, false
	}
	m, err := decode(raw)
	if err != nil {
		return nil, false
	}

	if c.redis != nil {
		c.redis.Set(ctx, c.redisKey(instance, zone, outageLine), raw, 0)
	}
	return m, true
}

// Put writes m to disk atomically (temp file + rename) and best-effort
// refreshes the Redis hot tier. Callers must only invoke Put from rank 0;
// the cache itself does not enforce this.
func (c *LinkMatrixCache) Put(ctx context.Context, instance string, zone, outageLine int, m *mat.Dense) error {
	raw := encode(m)
	path := c.path(instance, zone, outageLine)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cache: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("cache: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("cache: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("cache: close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("cache: rename: %w", err)
	}

	if c.redis != nil {
		c.redis.Set(ctx, c.redisKey(instance, zone, outageLine), raw, 0)
	}
	return nil
}

func encode(m *mat.Dense) []byte {
	rows, cols := m.Dims()
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, int64(rows))
	binary.Write(buf, binary.LittleEndian, int64(cols))
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			binary.Write(buf, binary.LittleEndian, m.At(r, c))
		}
	}
	return buf.Bytes()
}

func decode(raw []byte) (*mat.Dense, error) {
	buf := bytes.NewReader(raw)
	var rows, cols int64
	if err := binary.Read(buf, binary.LittleEndian, &rows); err != nil {
		return nil, err
	}
	if err := binary.Read(buf, binary.LittleEndian, &cols); err != nil {
		return nil, err
	}
	if rows < 0 || cols < 0 {
		return nil, fmt.Errorf("cache: negative dimensions")
	}
	data := make([]float64, rows*cols)
	for i := range data {
		if err := binary.Read(buf, binary.LittleEndian, &data[i]); err != nil {
			return nil, err
		}
	}
	return mat.NewDense(int(rows), int(cols), data), nil
}
