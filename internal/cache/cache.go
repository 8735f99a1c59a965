// Package cache implements the content-addressed hash cache that decides
// which cards need recompilation.
//
// The cache maps deck::id keys to a composite hash: a fixed-width config
// segment (digest of the active ankiconf template plus the build
// configuration) followed by a fixed-width content segment (digest of the
// card body). Fixed widths make the two segments comparable by byte offset
// without parsing, which is what lets a run distinguish "the card changed"
// from "only the configuration changed".
//
// The cache is persisted as a single JSON blob through the remote store's
// media mechanism, so it travels with the collection it describes.
package cache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/sgomezsal/typ2anki/internal/card"
)

// SegmentWidth is the fixed width of each composite-hash segment. Digests
// longer than this are truncated, shorter ones zero-padded on the right.
const SegmentWidth = 34

// FileName is the media name the serialized cache is stored under in the
// remote store. Other components treat the blob as opaque.
const FileName = "_typ-cards-cache.json"

var (
	// ErrStaticHashNotSet is returned when a card hash is registered
	// before the run's static hashes were computed.
	ErrStaticHashNotSet = errors.New("static hashes not set")

	// ErrAlreadySaved is returned when Save is called more than once
	// in a run.
	ErrAlreadySaved = errors.New("cache already saved")
)

// BlobStore is the slice of the remote store the cache needs: one named
// blob read at run start and one write at run end.
type BlobStore interface {
	RetrieveMedia(ctx context.Context, name string) ([]byte, error)
	StoreMedia(ctx context.Context, name string, data []byte) (string, error)
}

// Cache tracks persisted and current composite hashes for one run.
//
// The current map is the only structure written from multiple workers
// (hash eviction on compile failure races with nothing else, but both
// eviction and registration touch the same maps), so all map access goes
// through a single mutex.
type Cache struct {
	mu sync.Mutex

	// enabled mirrors the cache-enabled flag; when false every card
	// needs a push and nothing is loaded or compared.
	enabled bool

	staticHash string

	// persisted is the map loaded from the remote store at run start.
	persisted map[string]string

	// current is the map computed for this run.
	current map[string]string

	// ignoreConfigChange restricts push decisions to the content segment
	// for the remainder of the run. Set by DetectConfigChange.
	ignoreConfigChange bool

	saved  bool
	logger *log.Logger
}

// New creates an empty cache. When enabled is false the cache is inert:
// Load is a no-op and NeedsPush always reports true.
func New(enabled bool, logger *log.Logger) *Cache {
	if logger == nil {
		logger = log.New(os.Stderr, "[cache] ", log.LstdFlags)
	}
	return &Cache{
		enabled:   enabled,
		persisted: make(map[string]string),
		current:   make(map[string]string),
		logger:    logger,
	}
}

// HashString returns the hex digest used for all cache segments.
func HashString(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// padSegment truncates or right-pads a digest to SegmentWidth.
func padSegment(digest string) string {
	if len(digest) > SegmentWidth {
		digest = digest[:SegmentWidth]
	}
	return digest + strings.Repeat("0", SegmentWidth-len(digest))
}

// composite concatenates the config and content segments.
func composite(configDigest, contentDigest string) string {
	return padSegment(configDigest) + padSegment(contentDigest)
}

// configSegment extracts the config segment of a composite hash.
func configSegment(h string) string {
	if len(h) < SegmentWidth {
		return h
	}
	return h[:SegmentWidth]
}

// contentSegment extracts the content segment of a composite hash.
func contentSegment(h string) string {
	if len(h) < 2*SegmentWidth {
		return ""
	}
	return h[SegmentWidth : 2*SegmentWidth]
}

// Load reads the persisted cache blob from the remote store. A missing or
// malformed blob is treated as an empty cache (full rebuild), never as an
// error: the worst outcome of losing the cache is extra recompilation.
func (c *Cache) Load(ctx context.Context, store BlobStore) {
	if !c.enabled {
		c.logger.Printf("Caching disabled, using an empty cache")
		return
	}

	data, err := store.RetrieveMedia(ctx, FileName)
	if err != nil || len(data) == 0 {
		return
	}

	var persisted map[string]string
	if err := json.Unmarshal(data, &persisted); err != nil {
		c.logger.Printf("Warning: malformed cache blob, starting empty: %v", err)
		return
	}

	c.mu.Lock()
	c.persisted = persisted
	c.mu.Unlock()
}

// AddStaticHashes computes the run's config segment from the template
// digest and the configuration digest. Must be called exactly once before
// any AddCurrentHash call; the config segment is identical for every entry
// written in a run.
func (c *Cache) AddStaticHashes(templateDigest, configDigest string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.staticHash = HashString(templateDigest + configDigest)
}

// AddCurrentHash registers the composite hash of a card for this run.
func (c *Cache) AddCurrentHash(deck, id, contentDigest string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.staticHash == "" {
		return ErrStaticHashNotSet
	}
	c.current[card.Key(deck, id)] = composite(c.staticHash, contentDigest)
	return nil
}

// Classify sets the card's modification status and push decision against
// the persisted cache.
func (c *Cache) Classify(cd *card.Card) {
	c.mu.Lock()
	old, ok := c.persisted[cd.Key()]
	c.mu.Unlock()

	switch {
	case !ok:
		cd.Status = card.StatusNew
	case contentSegment(old) == padSegment(cd.ContentHash):
		cd.Status = card.StatusUnmodified
	default:
		cd.Status = card.StatusModified
	}
	cd.ShouldPush = c.NeedsPush(cd.DeckName, cd.ID)
}

// NeedsPush reports whether a card must be compiled and pushed.
//
// With caching disabled every card needs a push. A card absent from either
// map needs a push (new, or orphaned by an earlier eviction). When config
// changes are being ignored only the content segments are compared;
// otherwise the full composite hashes are.
func (c *Cache) NeedsPush(deck, id string) bool {
	if !c.enabled {
		return true
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := card.Key(deck, id)
	cur, okCur := c.current[key]
	old, okOld := c.persisted[key]
	if !okCur || !okOld {
		return true
	}

	if c.ignoreConfigChange {
		return contentSegment(cur) != contentSegment(old)
	}
	return cur != old
}

// Remove evicts a card from both maps. Used when a compile job fails, so
// the old persisted hash is not carried forward and the next run retries
// the card instead of treating a stale artifact as fresh.
func (c *Cache) Remove(deck, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := card.Key(deck, id)
	delete(c.current, key)
	delete(c.persisted, key)
}

// Len returns the number of entries in the current map.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.current)
}

// Save merges the current map over the persisted one (current wins),
// serializes the result and uploads it as the cache blob. It must be
// called at most once per run, after all jobs have completed. With
// caching disabled the previous blob is left untouched.
func (c *Cache) Save(ctx context.Context, store BlobStore) error {
	if !c.enabled {
		return nil
	}

	c.mu.Lock()
	if c.saved {
		c.mu.Unlock()
		return ErrAlreadySaved
	}
	c.saved = true

	merged := make(map[string]string, len(c.persisted)+len(c.current))
	for k, v := range c.persisted {
		merged[k] = v
	}
	for k, v := range c.current {
		merged[k] = v
	}
	c.mu.Unlock()

	data, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("failed to serialize cache: %w", err)
	}

	if _, err := store.StoreMedia(ctx, FileName, data); err != nil {
		return fmt.Errorf("failed to upload cache: %w", err)
	}

	c.logger.Printf("Saved cache with %d entries", len(merged))
	return nil
}
