package bootstrap

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/antswarm/swarmcore/internal/maddr"
	"github.com/antswarm/swarmcore/pkg/logging"
)

var cacheLog = logging.For("bootstrap.cache")

// cacheSchemaVersion guards against loading a cache file written by an
// incompatible future format (spec §6).
const cacheSchemaVersion = 1

// cacheEntry is one peer's cached bootstrap record.
type cacheEntry struct {
	Addresses        []string `json:"addresses"`
	ReliabilityScore float64  `json:"reliability_score"`
	LastSeenUnix     int64    `json:"last_seen_unix"`
}

type cacheFile struct {
	SchemaVersion int                   `json:"schema_version"`
	Peers         map[string]cacheEntry `json:"peers"`
}

// FileCache persists bootstrap addresses to a JSON file on disk,
// scored by a reliability heuristic that orders Read's output (spec
// §6). Low-scoring peers stay in the cache; nothing removes entries.
type FileCache struct {
	mu   sync.Mutex
	path string

	entries map[string]cacheEntry
	dirty   bool
}

// NewFileCache loads path if it exists, starting empty otherwise. A
// schema-version mismatch is treated as an empty cache rather than an
// error, matching the teacher's forward-compatible-by-discarding
// approach to on-disk state.
func NewFileCache(path string) *FileCache {
	c := &FileCache{path: path, entries: make(map[string]cacheEntry)}

	raw, err := os.ReadFile(path)
	if err != nil {
		return c
	}
	var cf cacheFile
	if err := json.Unmarshal(raw, &cf); err != nil {
		cacheLog.Warnf("bootstrap cache %s is corrupt, starting empty: %v", path, err)
		return c
	}
	if cf.SchemaVersion != cacheSchemaVersion {
		cacheLog.Infof("bootstrap cache %s has schema version %d, discarding", path, cf.SchemaVersion)
		return c
	}
	c.entries = cf.Peers
	return c
}

// Read returns every cached address across all peers, most-reliable
// first. It never returns an error; an empty cache is a normal state
// for a fresh node.
func (c *FileCache) Read(ctx context.Context) ([]maddr.NetworkAddress, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	type scored = struct {
		addr  maddr.NetworkAddress
		score float64
	}
	var all []scored
	for peerID, e := range c.entries {
		for _, s := range e.Addresses {
			a, err := maddr.ParseMultiAddress(s)
			if err != nil {
				cacheLog.Warnf("dropping unparseable cached address for peer %s: %v", peerID, err)
				continue
			}
			all = append(all, scored{addr: a, score: e.ReliabilityScore})
		}
	}
	sortByScoreDesc(all)

	out := make([]maddr.NetworkAddress, len(all))
	for i, s := range all {
		out[i] = s.addr
	}
	return out, nil
}

func sortByScoreDesc(all []struct {
	addr  maddr.NetworkAddress
	score float64
}) {
	for i := 1; i < len(all); i++ {
		for j := i; j > 0 && all[j].score > all[j-1].score; j-- {
			all[j], all[j-1] = all[j-1], all[j]
		}
	}
}

// NotePeerSeen records a successful contact with peerID at addr,
// nudging its reliability score up (spec §6). Scores are clamped to
// [0, 1]; a fresh peer starts at 0.5.
func (c *FileCache) NotePeerSeen(peerID string, addr maddr.NetworkAddress, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[peerID]
	if !ok {
		e = cacheEntry{ReliabilityScore: 0.5}
	}
	e.ReliabilityScore = clamp01(e.ReliabilityScore + (1-e.ReliabilityScore)*0.2)
	e.LastSeenUnix = now.Unix()
	if !containsStr(e.Addresses, addr.String()) {
		e.Addresses = append(e.Addresses, addr.String())
	}
	c.entries[peerID] = e
	c.dirty = true
}

// NoteDialFailed nudges peerID's reliability score down after a failed
// dial (spec §6).
func (c *FileCache) NoteDialFailed(peerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[peerID]
	if !ok {
		return
	}
	e.ReliabilityScore = clamp01(e.ReliabilityScore * 0.8)
	c.entries[peerID] = e
	c.dirty = true
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

func containsStr(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}

// Clear empties the cache both in memory and on disk, used by
// "first node" startup mode (spec §4.3).
func (c *FileCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.dirty = true
	c.mu.Unlock()
	return c.flush()
}

// Flush writes the cache to disk if it has unsaved changes, via a
// temp-file-then-rename so a crash mid-write never corrupts the
// existing file.
func (c *FileCache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flush()
}

func (c *FileCache) flush() error {
	if !c.dirty {
		return nil
	}
	cf := cacheFile{SchemaVersion: cacheSchemaVersion, Peers: c.entries}
	raw, err := json.MarshalIndent(cf, "", "  ")
	if err != nil {
		return fmt.Errorf("bootstrap cache: marshal: %w", err)
	}

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("bootstrap cache: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".bootstrap-cache-*.tmp")
	if err != nil {
		return fmt.Errorf("bootstrap cache: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("bootstrap cache: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("bootstrap cache: close temp: %w", err)
	}
	if err := os.Rename(tmpName, c.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("bootstrap cache: rename into place: %w", err)
	}
	c.dirty = false
	return nil
}

// RunPeriodicFlush flushes the cache every interval until ctx is
// cancelled, matching the cache-syncing background task the Rust
// Bootstrap struct spawns alongside itself.
func (c *FileCache) RunPeriodicFlush(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := c.Flush(); err != nil {
				cacheLog.Warnf("final bootstrap cache flush failed: %v", err)
			}
			return
		case <-t.C:
			if err := c.Flush(); err != nil {
				cacheLog.Warnf("periodic bootstrap cache flush failed: %v", err)
			}
		}
	}
}
