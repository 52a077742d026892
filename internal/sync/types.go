package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"catalog-sync-service/internal/mapping"
	"catalog-sync-service/internal/model"
	"catalog-sync-service/internal/platform"
	"catalog-sync-service/internal/policy"
)

var (
	// ErrRunQueued is returned when a trigger arrives during a run. The request
	// is coalesced into the single pending run.
	ErrRunQueued = errors.New("sync run already in progress; request queued")
	ErrNoActiveRun = errors.New("no sync run in progress")
	ErrClosed      = errors.New("sync manager is closed")
)

// Catalog is the local product and order store a run reads and writes.
type Catalog interface {
	ListProducts(ctx context.Context) ([]model.Product, error)
	UpdateStock(ctx context.Context, sku string, stock int, at time.Time) error
	UpdatePrice(ctx context.Context, sku string, price decimal.Decimal, at time.Time) error
	UpsertOrder(ctx context.Context, o model.Order) (model.OrderChange, error)
}

type RunLog interface {
	AppendRun(ctx context.Context, run model.SyncRun) error
}

// Notifier receives a run after it is recorded, plus the domain events the run
// raised.
type Notifier interface {
	NotifyRun(ctx context.Context, run model.SyncRun)
	NotifyEvent(ctx context.Context, ev model.Event)
}

type PolicySource interface {
	Current() policy.Policy
}

type PlatformSource interface {
	Snapshot() platform.Snapshot
	MarkSynced(ctx context.Context, id string, at time.Time) error
}

type MappingSource interface {
	Snapshot() mapping.Snapshot
}

// RunObserver is told about every recorded run; used for metrics.
type RunObserver interface {
	ObserveRun(run model.SyncRun, duration time.Duration)
}

type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
)

type Status struct {
	State       State           `json:"state"`
	RunID       string          `json:"runId,omitempty"`
	Kind        model.RunKind   `json:"kind,omitempty"`
	Initiator   model.Initiator `json:"initiator,omitempty"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	Cancelling  bool            `json:"cancelling,omitempty"`
	Pending     bool            `json:"pending"`
	PendingKind model.RunKind   `json:"pendingKind,omitempty"`
}

// request is a trigger waiting for, or holding, the run slot.
type request struct {
	kind      model.RunKind
	initiator model.Initiator
}

// merge coalesces two queued requests into one. Differing kinds widen to a full
// run and a user trigger outranks the scheduler.
func (r request) merge(o request) request {
	out := r
	if r.kind != o.kind {
		out.kind = model.KindFull
	}
	if o.initiator == model.InitiatorUser {
		out.initiator = model.InitiatorUser
	}
	return out
}

func (r request) String() string {
	return fmt.Sprintf("%s/%s", r.kind, r.initiator)
}
