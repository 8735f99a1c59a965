package cache

// ConfigChangeThreshold is the fraction of overlapping cache keys whose
// config segment must differ before the operator is consulted. The value
// is a heuristic, not load-bearing for correctness: below it, config
// drift is treated as an ordinary per-card diff.
const ConfigChangeThreshold = 0.5

// ConfirmFunc is asked whether a large configuration change should force
// recompilation. It receives the number of drifted keys and the number of
// overlapping keys, and returns true to recompile everything affected.
//
// The callback is the only place the decision may block on the operator;
// the cache itself never performs console I/O.
type ConfirmFunc func(changed, total int) bool

// ChangePolicy decides how a detected configuration change is handled.
// Construct it with Force or Ask.
type ChangePolicy struct {
	forced    bool
	recompile bool
	confirm   ConfirmFunc
}

// Force returns a non-interactive policy: recompile on config change when
// recompile is true, otherwise restrict push decisions to content-only
// comparison for the whole run.
func Force(recompile bool) ChangePolicy {
	return ChangePolicy{forced: true, recompile: recompile}
}

// Ask returns an interactive policy that consults confirm when the drift
// crosses ConfigChangeThreshold. A nil confirm defaults to recompiling.
func Ask(confirm ConfirmFunc) ChangePolicy {
	return ChangePolicy{confirm: confirm}
}

// ConfigDrift counts, over keys present in both maps, how many have a
// differing config segment. Returns the drifted count and the overlap.
func (c *Cache) ConfigDrift() (changed, total int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, old := range c.persisted {
		cur, ok := c.current[key]
		if !ok {
			continue
		}
		total++
		if configSegment(old) != configSegment(cur) {
			changed++
		}
	}
	return changed, total
}

// DetectConfigChange runs the config-change heuristic once per run, after
// all cards are registered and before any compilation.
//
// With caching disabled it is a no-op. A forced policy is adopted
// directly. Otherwise, when more than ConfigChangeThreshold of the
// overlapping keys drifted, the policy's confirm callback decides between
// recompiling everything affected and ignoring the config segment for the
// rest of the run. Nothing to compare against means nothing to do.
func (c *Cache) DetectConfigChange(policy ChangePolicy) {
	if !c.enabled {
		return
	}

	if policy.forced {
		c.mu.Lock()
		c.ignoreConfigChange = !policy.recompile
		c.mu.Unlock()
		return
	}

	changed, total := c.ConfigDrift()
	if total == 0 {
		return
	}

	if float64(changed)/float64(total) > ConfigChangeThreshold {
		recompile := true
		if policy.confirm != nil {
			recompile = policy.confirm(changed, total)
		}
		c.mu.Lock()
		c.ignoreConfigChange = !recompile
		c.mu.Unlock()
	}
}

// IgnoringConfigChange reports whether push decisions are currently
// restricted to the content segment.
func (c *Cache) IgnoringConfigChange() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ignoreConfigChange
}
