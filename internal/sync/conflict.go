package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"catalog-sync-service/internal/logger"
	"catalog-sync-service/internal/model"
	"catalog-sync-service/internal/policy"
)

// LocalSource names the local store in a Candidate.
const LocalSource = "local"

// Candidate is one side of a divergence.
type Candidate struct {
	Source    string
	UpdatedAt time.Time
}

type Decision int

const (
	KeepLocal Decision = iota
	TakeRemote
	Defer
)

func (d Decision) String() string {
	switch d {
	case KeepLocal:
		return "keep_local"
	case TakeRemote:
		return "take_remote"
	case Defer:
		return "defer"
	default:
		return "unknown"
	}
}

// ResolutionStrategy decides a divergence between the value currently held
// (local, or the platform value that won so far) and one platform's value.
// KeepLocal keeps the current value. Implementations are pure.
type ResolutionStrategy interface {
	Resolve(local, remote Candidate) Decision
}

// NewerWinsStrategy keeps the most recently updated value; ties go to local.
type NewerWinsStrategy struct{}

func (NewerWinsStrategy) Resolve(local, remote Candidate) Decision {
	if remote.UpdatedAt.After(local.UpdatedAt) {
		return TakeRemote
	}
	return KeepLocal
}

// ManualStrategy never applies a divergence.
type ManualStrategy struct{}

func (ManualStrategy) Resolve(local, remote Candidate) Decision {
	return Defer
}

// PrimaryStrategy treats the primary platform as authoritative. Divergent values
// from any other platform are discarded in favour of local.
type PrimaryStrategy struct {
	PrimaryPlatformID string
}

func (s PrimaryStrategy) Resolve(local, remote Candidate) Decision {
	if remote.Source == s.PrimaryPlatformID {
		return TakeRemote
	}
	return KeepLocal
}

// StrategyFor returns the strategy configured by p.
func StrategyFor(p policy.Policy) ResolutionStrategy {
	switch p.ConflictResolution {
	case policy.StrategyManual:
		return ManualStrategy{}
	case policy.StrategyPrimary:
		return PrimaryStrategy{PrimaryPlatformID: p.PrimaryPlatformID}
	default:
		return NewerWinsStrategy{}
	}
}

// ConflictStore persists divergences deferred to an operator.
type ConflictStore interface {
	CreateConflict(ctx context.Context, c model.ConflictRecord) error
	// FindOpenConflict returns model.ErrNotFound when no unresolved record exists.
	FindOpenConflict(ctx context.Context, platformID, itemKey string, field model.ConflictField) (model.ConflictRecord, error)
	GetConflict(ctx context.Context, id string) (model.ConflictRecord, error)
	// ResolveConflict and ReopenConflict are conditional on the current state
	// and return model.ErrNotFound when the record is not in it.
	ResolveConflict(ctx context.Context, id, resolution string, at time.Time) error
	ReopenConflict(ctx context.Context, id string) error
}

type ConflictManager struct {
	store ConflictStore
}

func NewConflictManager(store ConflictStore) *ConflictManager {
	return &ConflictManager{
		store: store,
	}
}

// RecordConflict stores a deferred divergence unless an unresolved record for
// the same platform, item and field already exists.
func (cm *ConflictManager) RecordConflict(ctx context.Context, c model.ConflictRecord) (model.ConflictRecord, error) {
	existing, err := cm.store.FindOpenConflict(ctx, c.PlatformID, c.ItemKey, c.Field)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return model.ConflictRecord{}, err
	}

	c.ID = uuid.New().String()
	c.DetectedAt = time.Now().UTC()
	if err := cm.store.CreateConflict(ctx, c); err != nil {
		return model.ConflictRecord{}, fmt.Errorf("failed to record conflict: %w", err)
	}
	logger.Log.Info("Conflict deferred for manual resolution",
		zap.String("conflict_id", c.ID),
		zap.String("platform_id", c.PlatformID),
		zap.String("item_key", c.ItemKey),
		zap.String("field", string(c.Field)),
	)
	return c, nil
}

func (cm *ConflictManager) Get(ctx context.Context, id string) (model.ConflictRecord, error) {
	return cm.store.GetConflict(ctx, id)
}

func (cm *ConflictManager) MarkResolved(ctx context.Context, id, resolution string) error {
	return cm.store.ResolveConflict(ctx, id, resolution, time.Now().UTC())
}

// Reopen reverts MarkResolved.
func (cm *ConflictManager) Reopen(ctx context.Context, id string) error {
	return cm.store.ReopenConflict(ctx, id)
}
