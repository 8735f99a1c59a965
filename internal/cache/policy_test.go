package cache

import (
	"context"
	"fmt"
	"testing"
)

// driftedCache builds a cache whose persisted map holds total entries and
// whose current map re-registers all of them, changed of which under a
// different config segment.
func driftedCache(t *testing.T, changed, total int) *Cache {
	t.Helper()

	store := newFakeStore()
	warm := New(true, nil)
	warm.AddStaticHashes("template", "config-v1")
	for i := 0; i < total; i++ {
		if err := warm.AddCurrentHash("DeckA", fmt.Sprintf("c%d", i), HashString("body")); err != nil {
			t.Fatal(err)
		}
	}
	if err := warm.Save(context.Background(), store); err != nil {
		t.Fatal(err)
	}

	c := New(true, nil)
	c.Load(context.Background(), store)
	for i := 0; i < total; i++ {
		if i < changed {
			c.AddStaticHashes("template", "config-v2")
		} else {
			c.AddStaticHashes("template", "config-v1")
		}
		if err := c.AddCurrentHash("DeckA", fmt.Sprintf("c%d", i), HashString("body")); err != nil {
			t.Fatal(err)
		}
	}
	c.AddStaticHashes("template", "config-v2")
	return c
}

func TestConfigDrift(t *testing.T) {
	c := driftedCache(t, 3, 4)
	changed, total := c.ConfigDrift()
	if changed != 3 || total != 4 {
		t.Errorf("ConfigDrift() = (%d, %d), want (3, 4)", changed, total)
	}
}

func TestConfigDrift_IgnoresNonOverlappingKeys(t *testing.T) {
	c := driftedCache(t, 0, 2)
	// Present only in the current map.
	if err := c.AddCurrentHash("DeckA", "only-current", HashString("body")); err != nil {
		t.Fatal(err)
	}
	_, total := c.ConfigDrift()
	if total != 2 {
		t.Errorf("overlap = %d, want 2", total)
	}
}

func TestDetectConfigChange_Forced(t *testing.T) {
	tests := []struct {
		name      string
		recompile bool
		wantIgn   bool
	}{
		{"force recompile", true, false},
		{"force ignore", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := driftedCache(t, 4, 4)
			c.DetectConfigChange(Force(tt.recompile))
			if got := c.IgnoringConfigChange(); got != tt.wantIgn {
				t.Errorf("IgnoringConfigChange() = %v, want %v", got, tt.wantIgn)
			}
		})
	}
}

func TestDetectConfigChange_BelowThresholdDoesNothing(t *testing.T) {
	c := driftedCache(t, 2, 4) // exactly 0.5, not above
	asked := false
	c.DetectConfigChange(Ask(func(changed, total int) bool {
		asked = true
		return false
	}))
	if asked {
		t.Error("confirm callback fired at exactly the threshold")
	}
	if c.IgnoringConfigChange() {
		t.Error("IgnoringConfigChange() = true below threshold")
	}
}

func TestDetectConfigChange_AboveThresholdConsultsOperator(t *testing.T) {
	c := driftedCache(t, 3, 4)
	var gotChanged, gotTotal int
	c.DetectConfigChange(Ask(func(changed, total int) bool {
		gotChanged, gotTotal = changed, total
		return false
	}))
	if gotChanged != 3 || gotTotal != 4 {
		t.Errorf("confirm received (%d, %d), want (3, 4)", gotChanged, gotTotal)
	}
	if !c.IgnoringConfigChange() {
		t.Error("declining recompilation should restrict comparison to content")
	}
}

func TestDetectConfigChange_NilConfirmDefaultsToRecompile(t *testing.T) {
	c := driftedCache(t, 4, 4)
	c.DetectConfigChange(Ask(nil))
	if c.IgnoringConfigChange() {
		t.Error("nil confirm should default to recompiling")
	}
}

func TestDetectConfigChange_DisabledCacheIsNoop(t *testing.T) {
	c := New(false, nil)
	c.DetectConfigChange(Ask(func(changed, total int) bool {
		t.Fatal("confirm fired on a disabled cache")
		return false
	}))
	if c.IgnoringConfigChange() {
		t.Error("disabled cache changed state")
	}
}

func TestDetectConfigChange_EmptyOverlapIsNoop(t *testing.T) {
	c := New(true, nil)
	c.AddStaticHashes("template", "config")
	c.DetectConfigChange(Ask(func(changed, total int) bool {
		t.Fatal("confirm fired with no overlapping keys")
		return false
	}))
	if c.IgnoringConfigChange() {
		t.Error("empty overlap changed state")
	}
}
