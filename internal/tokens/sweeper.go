package tokens

import (
	"context"
	"strings"
	"time"

	"fieldwork.org/internal/obs"
)

const defaultSweepInterval = time.Hour

// Sweeper reconciles session indexes against the store: when the store's
// native TTL expiration reclaims a family pointer, the index member pointing
// at it becomes dangling, and the sweeper removes it. It never deletes a live
// family and never mutates pointers or records, so it can interleave freely
// with issuance, rotation, and revocation.
type Sweeper struct {
	store    Store
	interval time.Duration
}

// SweeperOption configures Sweeper behavior.
type SweeperOption func(*Sweeper)

// WithSweepInterval overrides the pause between passes.
func WithSweepInterval(interval time.Duration) SweeperOption {
	return func(sw *Sweeper) {
		if interval > 0 {
			sw.interval = interval
		}
	}
}

// NewSweeper constructs a Sweeper; it does not start any goroutine.
func NewSweeper(store Store, opts ...SweeperOption) *Sweeper {
	sw := &Sweeper{
		store:    store,
		interval: defaultSweepInterval,
	}
	for _, opt := range opts {
		opt(sw)
	}
	return sw
}

// Run executes one pass immediately, then one per interval until the context
// is cancelled. Owned by the process supervisor, not ambient global state.
func (sw *Sweeper) Run(ctx context.Context) {
	sw.sweep(ctx)
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			sw.sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (sw *Sweeper) sweep(ctx context.Context) {
	pruned, err := sw.RunOnce(ctx)
	if err != nil {
		obs.LogRequest(map[string]any{
			"ts":    time.Now().UTC().Format(time.RFC3339Nano),
			"level": "error",
			"msg":   "session_sweep_failed",
			"error": err.Error(),
		})
		return
	}
	obs.ObserveSweepPruned(pruned)
	if pruned > 0 {
		obs.LogRequest(map[string]any{
			"ts":     time.Now().UTC().Format(time.RFC3339Nano),
			"level":  "info",
			"msg":    "session_sweep_complete",
			"pruned": pruned,
		})
	}
}

// RunOnce performs a single reconciliation pass and returns the number of
// dangling index entries removed.
func (sw *Sweeper) RunOnce(ctx context.Context) (int, error) {
	indexKeys, err := sw.store.Keys(ctx, sessionsPrefix)
	if err != nil {
		return 0, err
	}
	pruned := 0
	for _, key := range indexKeys {
		if !strings.HasPrefix(key, sessionsPrefix) {
			continue
		}
		families, err := sw.store.SetMembers(ctx, key)
		if err != nil {
			return pruned, err
		}
		for _, family := range families {
			alive, err := sw.store.Exists(ctx, familyKey(family))
			if err != nil {
				return pruned, err
			}
			if alive {
				continue
			}
			if err := sw.store.SetRemove(ctx, key, family); err != nil {
				return pruned, err
			}
			pruned++
		}
	}
	return pruned, nil
}
