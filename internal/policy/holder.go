package policy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"catalog-sync-service/internal/logger"
	"catalog-sync-service/internal/model"
)

type Repository interface {
	// LoadPolicy returns model.ErrNotFound when nothing was saved yet.
	LoadPolicy(ctx context.Context) (Policy, error)
	SavePolicy(ctx context.Context, p Policy) error
}

type ConnectionChecker interface {
	IsConnected(platformID string) bool
}

// Holder owns the current policy. Readers get a copy; writers go through
// Update which validates, persists and then swaps.
type Holder struct {
	repo      Repository
	platforms ConnectionChecker
	current   atomic.Pointer[Policy]

	mu          sync.Mutex
	subscribers []func(Policy)
}

func NewHolder(ctx context.Context, repo Repository, platforms ConnectionChecker) (*Holder, error) {
	h := &Holder{repo: repo, platforms: platforms}

	p, err := repo.LoadPolicy(ctx)
	switch {
	case err == nil:
	case errors.Is(err, model.ErrNotFound):
		p = Default()
	default:
		return nil, fmt.Errorf("failed to load sync policy: %w", err)
	}
	h.current.Store(&p)
	return h, nil
}

// Current returns the policy in force.
func (h *Holder) Current() Policy {
	return *h.current.Load()
}

// Subscribe registers fn to be called with every successfully applied policy.
func (h *Holder) Subscribe(fn func(Policy)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribers = append(h.subscribers, fn)
}

// Update replaces the policy. On any error the previous policy stays in force.
func (h *Holder) Update(ctx context.Context, p Policy) (Policy, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	p, err := NewBuilder(p).Build()
	if err != nil {
		return Policy{}, err
	}
	if p.ConflictResolution == StrategyPrimary && !h.platforms.IsConnected(p.PrimaryPlatformID) {
		return Policy{}, fmt.Errorf("policy: primary platform %q is not connected: %w",
			p.PrimaryPlatformID, model.ErrConfiguration)
	}

	p.UpdatedAt = time.Now().UTC()
	if err := h.repo.SavePolicy(ctx, p); err != nil {
		return Policy{}, fmt.Errorf("failed to save sync policy: %w", err)
	}
	h.current.Store(&p)

	logger.Log.Info("Sync policy updated",
		zap.Bool("auto_sync", p.AutoSync),
		zap.Int("interval_minutes", p.IntervalMinutes),
		zap.String("conflict_resolution", string(p.ConflictResolution)),
	)

	for _, fn := range h.subscribers {
		fn(p)
	}
	return p, nil
}
