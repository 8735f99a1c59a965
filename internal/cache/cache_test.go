package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/sgomezsal/typ2anki/internal/card"
)

// fakeStore is an in-memory BlobStore.
type fakeStore struct {
	blobs map[string][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{blobs: make(map[string][]byte)}
}

func (f *fakeStore) RetrieveMedia(_ context.Context, name string) ([]byte, error) {
	data, ok := f.blobs[name]
	if !ok {
		return nil, errors.New("not found")
	}
	return data, nil
}

func (f *fakeStore) StoreMedia(_ context.Context, name string, data []byte) (string, error) {
	f.blobs[name] = data
	return name, nil
}

func (f *fakeStore) persisted(t *testing.T) map[string]string {
	t.Helper()
	var m map[string]string
	if err := json.Unmarshal(f.blobs[FileName], &m); err != nil {
		t.Fatalf("failed to decode cache blob: %v", err)
	}
	return m
}

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c := New(true, nil)
	c.AddStaticHashes("template", "config")
	return c
}

func TestPadSegment(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", strings.Repeat("0", SegmentWidth)},
		{"abc", "abc" + strings.Repeat("0", SegmentWidth-3)},
		{strings.Repeat("f", SegmentWidth+10), strings.Repeat("f", SegmentWidth)},
	}
	for _, tt := range tests {
		if got := padSegment(tt.in); got != tt.want {
			t.Errorf("padSegment(%q) = %q, want %q", tt.in, got, tt.want)
		}
		if len(padSegment(tt.in)) != SegmentWidth {
			t.Errorf("padSegment(%q) has width %d", tt.in, len(padSegment(tt.in)))
		}
	}
}

func TestAddCurrentHash_RequiresStaticHashes(t *testing.T) {
	c := New(true, nil)
	if err := c.AddCurrentHash("DeckA", "c1", "abc"); !errors.Is(err, ErrStaticHashNotSet) {
		t.Fatalf("AddCurrentHash() error = %v, want ErrStaticHashNotSet", err)
	}

	c.AddStaticHashes("template", "config")
	if err := c.AddCurrentHash("DeckA", "c1", "abc"); err != nil {
		t.Fatalf("AddCurrentHash() after static hashes failed: %v", err)
	}
}

func TestClassify(t *testing.T) {
	c := newTestCache(t)

	// Warm run: register and save so the next cache has persisted entries.
	if err := c.AddCurrentHash("DeckA", "c1", HashString("body-1")); err != nil {
		t.Fatal(err)
	}
	store := newFakeStore()
	if err := c.Save(context.Background(), store); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	// Second run against the persisted blob.
	c2 := newTestCache(t)
	c2.Load(context.Background(), store)

	tests := []struct {
		name string
		card *card.Card
		want card.Status
	}{
		{
			name: "unchanged body is unmodified",
			card: &card.Card{ID: "c1", DeckName: "DeckA", ContentHash: HashString("body-1")},
			want: card.StatusUnmodified,
		},
		{
			name: "changed body is modified",
			card: &card.Card{ID: "c1", DeckName: "DeckA", ContentHash: HashString("body-2")},
			want: card.StatusModified,
		},
		{
			name: "unknown card is new",
			card: &card.Card{ID: "c9", DeckName: "DeckA", ContentHash: HashString("body-1")},
			want: card.StatusNew,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c2.Classify(tt.card)
			if tt.card.Status != tt.want {
				t.Errorf("Status = %v, want %v", tt.card.Status, tt.want)
			}
		})
	}
}

func TestNeedsPush_DisabledCacheAlwaysPushes(t *testing.T) {
	c := New(false, nil)
	c.AddStaticHashes("template", "config")
	if !c.NeedsPush("DeckA", "c1") {
		t.Error("NeedsPush() = false with caching disabled, want true")
	}
}

func TestNeedsPush_MissingEitherSide(t *testing.T) {
	c := newTestCache(t)
	if !c.NeedsPush("DeckA", "absent") {
		t.Error("NeedsPush() = false for unknown card, want true")
	}
}

// TestNeedsPush_SegmentComparison checks the composite-hash example:
// identical hashes are a cache hit; a config-segment-only change pushes
// under full comparison but not under content-only comparison.
func TestNeedsPush_SegmentComparison(t *testing.T) {
	content := HashString("body")

	warm := newTestCache(t)
	if err := warm.AddCurrentHash("DeckA", "c1", content); err != nil {
		t.Fatal(err)
	}
	store := newFakeStore()
	if err := warm.Save(context.Background(), store); err != nil {
		t.Fatal(err)
	}

	// Same config, same content: no push.
	same := newTestCache(t)
	same.Load(context.Background(), store)
	if err := same.AddCurrentHash("DeckA", "c1", content); err != nil {
		t.Fatal(err)
	}
	if same.NeedsPush("DeckA", "c1") {
		t.Error("NeedsPush() = true with identical composite hash, want false")
	}

	// Changed config segment, same content: push under full comparison.
	drifted := New(true, nil)
	drifted.AddStaticHashes("template", "other-config")
	drifted.Load(context.Background(), store)
	if err := drifted.AddCurrentHash("DeckA", "c1", content); err != nil {
		t.Fatal(err)
	}
	if !drifted.NeedsPush("DeckA", "c1") {
		t.Error("NeedsPush() = false after config change, want true")
	}

	// Same drift under "never recompile": content segments match, no push.
	drifted.DetectConfigChange(Force(false))
	if drifted.NeedsPush("DeckA", "c1") {
		t.Error("NeedsPush() = true under content-only comparison, want false")
	}
}

func TestRemove_EvictsBothMaps(t *testing.T) {
	warm := newTestCache(t)
	if err := warm.AddCurrentHash("DeckA", "c1", HashString("body")); err != nil {
		t.Fatal(err)
	}
	store := newFakeStore()
	if err := warm.Save(context.Background(), store); err != nil {
		t.Fatal(err)
	}

	c := newTestCache(t)
	c.Load(context.Background(), store)
	if err := c.AddCurrentHash("DeckA", "c1", HashString("body")); err != nil {
		t.Fatal(err)
	}

	c.Remove("DeckA", "c1")

	// After eviction the card reads as new again.
	if !c.NeedsPush("DeckA", "c1") {
		t.Error("NeedsPush() = false after Remove, want true")
	}

	// And the old persisted hash must not be carried forward by Save.
	store2 := newFakeStore()
	if err := c.Save(context.Background(), store2); err != nil {
		t.Fatal(err)
	}
	if _, ok := store2.persisted(t)[card.Key("DeckA", "c1")]; ok {
		t.Error("evicted entry survived Save")
	}
}

func TestSave_MergesCurrentOverPersisted(t *testing.T) {
	warm := newTestCache(t)
	if err := warm.AddCurrentHash("DeckA", "old", HashString("kept")); err != nil {
		t.Fatal(err)
	}
	if err := warm.AddCurrentHash("DeckA", "c1", HashString("v1")); err != nil {
		t.Fatal(err)
	}
	store := newFakeStore()
	if err := warm.Save(context.Background(), store); err != nil {
		t.Fatal(err)
	}

	// Second run only sees c1, with new content.
	c := newTestCache(t)
	c.Load(context.Background(), store)
	if err := c.AddCurrentHash("DeckA", "c1", HashString("v2")); err != nil {
		t.Fatal(err)
	}
	if err := c.Save(context.Background(), store); err != nil {
		t.Fatal(err)
	}

	persisted := store.persisted(t)
	if _, ok := persisted[card.Key("DeckA", "old")]; !ok {
		t.Error("entry absent from current run was dropped by merge")
	}
	want := composite(c.staticHash, HashString("v2"))
	if persisted[card.Key("DeckA", "c1")] != want {
		t.Error("current entry did not win the merge")
	}
}

func TestSave_AtMostOnce(t *testing.T) {
	c := newTestCache(t)
	store := newFakeStore()
	if err := c.Save(context.Background(), store); err != nil {
		t.Fatalf("first Save() failed: %v", err)
	}
	if err := c.Save(context.Background(), store); !errors.Is(err, ErrAlreadySaved) {
		t.Fatalf("second Save() error = %v, want ErrAlreadySaved", err)
	}
}

func TestSave_DisabledCacheLeavesBlobAlone(t *testing.T) {
	store := newFakeStore()
	store.blobs[FileName] = []byte(`{"DeckA::c1":"old"}`)

	c := New(false, nil)
	c.AddStaticHashes("template", "config")
	if err := c.AddCurrentHash("DeckA", "c1", HashString("body")); err != nil {
		t.Fatal(err)
	}
	if err := c.Save(context.Background(), store); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if string(store.blobs[FileName]) != `{"DeckA::c1":"old"}` {
		t.Error("disabled cache overwrote the persisted blob")
	}
}

func TestLoad_MalformedBlobIsEmptyCache(t *testing.T) {
	store := newFakeStore()
	store.blobs[FileName] = []byte("not json{")

	c := newTestCache(t)
	c.Load(context.Background(), store)

	if !c.NeedsPush("DeckA", "c1") {
		t.Error("malformed blob should behave like an empty cache")
	}
}

func TestLoad_DisabledCacheSkipsStore(t *testing.T) {
	c := New(false, nil)
	// A nil store would panic if Load touched it.
	c.Load(context.Background(), nil)
}

// TestIdempotence covers the warm-cache property: a second identical run
// reports no pushes at all.
func TestIdempotence(t *testing.T) {
	store := newFakeStore()

	run := func() int {
		c := newTestCache(t)
		c.Load(context.Background(), store)
		cards := []string{"c1", "c2", "c3"}
		pushes := 0
		for _, id := range cards {
			if err := c.AddCurrentHash("DeckA", id, HashString("body-"+id)); err != nil {
				t.Fatal(err)
			}
		}
		for _, id := range cards {
			if c.NeedsPush("DeckA", id) {
				pushes++
			}
		}
		if err := c.Save(context.Background(), store); err != nil {
			t.Fatal(err)
		}
		return pushes
	}

	if got := run(); got != 3 {
		t.Fatalf("cold run pushes = %d, want 3", got)
	}
	if got := run(); got != 0 {
		t.Fatalf("warm run pushes = %d, want 0", got)
	}
}

// TestContentHashSensitivity: changing one card's body affects only that
// card's push decision.
func TestContentHashSensitivity(t *testing.T) {
	store := newFakeStore()

	warm := newTestCache(t)
	for _, id := range []string{"c1", "c2", "c3"} {
		if err := warm.AddCurrentHash("DeckA", id, HashString("body-"+id)); err != nil {
			t.Fatal(err)
		}
	}
	if err := warm.Save(context.Background(), store); err != nil {
		t.Fatal(err)
	}

	c := newTestCache(t)
	c.Load(context.Background(), store)
	if err := c.AddCurrentHash("DeckA", "c1", HashString("changed")); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"c2", "c3"} {
		if err := c.AddCurrentHash("DeckA", id, HashString("body-"+id)); err != nil {
			t.Fatal(err)
		}
	}

	if !c.NeedsPush("DeckA", "c1") {
		t.Error("changed card should need a push")
	}
	for _, id := range []string{"c2", "c3"} {
		if c.NeedsPush("DeckA", id) {
			t.Errorf("sibling %s should stay a cache hit", id)
		}
	}
}
