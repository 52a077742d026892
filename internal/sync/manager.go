package sync

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"catalog-sync-service/internal/config"
	"catalog-sync-service/internal/logger"
	"catalog-sync-service/internal/model"
	"catalog-sync-service/internal/policy"
)

const (
	SkipNotConnected = "not_connected"
	SkipUnsupported  = "unsupported"

	recordTimeout = 30 * time.Second
)

type Dependencies struct {
	Policies  PolicySource
	Platforms PlatformSource
	Mappings  MappingSource
	Catalog   Catalog
	Runs      RunLog
	Conflicts ConflictStore
	// Optional.
	Notifier Notifier
	Observer RunObserver
}

// Manager is the sync orchestrator. At most one run executes at a time; a
// trigger arriving during a run is coalesced into a single pending run that
// starts when the current one finishes.
type Manager struct {
	cfg       config.SyncConfig
	policies  PolicySource
	platforms PlatformSource
	mappings  MappingSource
	catalog   Catalog
	runs      RunLog
	conflicts *ConflictManager
	notifier  Notifier
	observer  RunObserver
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	active  *activeRun
	pending *request
	closed  bool
}

type activeRun struct {
	id         string
	req        request
	startedAt  time.Time
	ctx        context.Context
	cancel     context.CancelFunc
	cancelling bool
}

func NewManager(cfg config.SyncConfig, deps Dependencies) *Manager {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PlatformTimeout <= 0 {
		cfg.PlatformTimeout = 60 * time.Second
	}
	if cfg.CheckpointGrace <= 0 {
		cfg.CheckpointGrace = 2 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		cfg:       cfg,
		policies:  deps.Policies,
		platforms: deps.Platforms,
		mappings:  deps.Mappings,
		catalog:   deps.Catalog,
		runs:      deps.Runs,
		conflicts: NewConflictManager(deps.Conflicts),
		notifier:  deps.Notifier,
		observer:  deps.Observer,
		now:       func() time.Time { return time.Now().UTC() },
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SyncNow runs a sync and blocks until it is recorded. If a run is already in
// progress the request is queued and ErrRunQueued is returned.
func (m *Manager) SyncNow(kind model.RunKind, initiator model.Initiator) (model.SyncRun, error) {
	a, err := m.acquire(request{kind: kind, initiator: initiator})
	if err != nil {
		return model.SyncRun{}, err
	}
	return m.execute(a)
}

// Trigger starts a sync in the background. It returns ErrRunQueued when the
// request was coalesced into the pending run.
func (m *Manager) Trigger(kind model.RunKind, initiator model.Initiator) (string, error) {
	a, err := m.acquire(request{kind: kind, initiator: initiator})
	if err != nil {
		return "", err
	}
	go func() {
		_, _ = m.execute(a)
	}()
	return a.id, nil
}

// Cancel stops the active run. Platform tasks that have not started are
// skipped; running ones stop at their next item checkpoint.
func (m *Manager) Cancel() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return "", ErrNoActiveRun
	}
	if !m.active.cancelling {
		logger.Log.Info("Cancelling sync run", zap.String("run_id", m.active.id))
		m.active.cancelling = true
		m.active.cancel()
	}
	return m.active.id, nil
}

func (m *Manager) GetStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{State: StateIdle}
	if a := m.active; a != nil {
		startedAt := a.startedAt
		st.State = StateRunning
		st.RunID = a.id
		st.Kind = a.req.kind
		st.Initiator = a.req.initiator
		st.StartedAt = &startedAt
		st.Cancelling = a.cancelling
	}
	if m.pending != nil {
		st.Pending = true
		st.PendingKind = m.pending.kind
	}
	return st
}

// Close cancels any active run, drops the pending one and waits for the run
// goroutines to finish.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.pending = nil
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	logger.Log.Info("Stopped sync manager")
}

func (m *Manager) acquire(req request) (*activeRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if m.active != nil {
		if m.pending == nil {
			m.pending = &req
		} else {
			merged := m.pending.merge(req)
			m.pending = &merged
		}
		logger.Log.Info("Sync run in progress, request queued",
			zap.String("active_run_id", m.active.id),
			zap.String("pending", m.pending.String()),
		)
		return nil, ErrRunQueued
	}
	m.active = m.startLocked(req)
	return m.active, nil
}

func (m *Manager) startLocked(req request) *activeRun {
	ctx, cancel := context.WithCancel(m.ctx)
	m.wg.Add(1)
	return &activeRun{
		id:        uuid.New().String(),
		req:       req,
		startedAt: m.now(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// release frees the run slot and starts the pending run, if any.
func (m *Manager) release(a *activeRun) {
	a.cancel()

	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.wg.Done()

	m.active = nil
	if m.pending == nil || m.closed {
		return
	}
	next := m.startLocked(*m.pending)
	m.pending = nil
	m.active = next
	go func() {
		_, _ = m.execute(next)
	}()
}

func (m *Manager) execute(a *activeRun) (model.SyncRun, error) {
	defer m.release(a)

	run, events, runErr := m.runOnce(a)
	if err := m.record(run, events); err != nil {
		return run, errors.Join(runErr, err)
	}
	return run, runErr
}

func (m *Manager) runOnce(a *activeRun) (model.SyncRun, []model.Event, error) {
	run := model.SyncRun{
		ID:        a.id,
		Kind:      a.req.kind,
		Status:    model.RunRunning,
		Initiator: a.req.initiator,
		StartedAt: a.startedAt,
		Outcomes:  []model.PlatformOutcome{},
	}
	pol := m.policies.Current()
	snap := m.platforms.Snapshot()

	logger.Log.Info("Starting sync run",
		zap.String("run_id", run.ID),
		zap.String("kind", string(run.Kind)),
		zap.String("initiator", string(run.Initiator)),
		zap.Int("platforms", len(snap.Platforms)),
	)

	if pol.ConflictResolution == policy.StrategyPrimary && !snap.IsConnected(pol.PrimaryPlatformID) {
		err := fmt.Errorf("primary platform %q is not connected: %w", pol.PrimaryPlatformID, model.ErrConfiguration)
		run.Error = err.Error()
		run.Finish(m.now())
		return run, nil, err
	}

	env := &runEnv{
		runID:         run.ID,
		policy:        pol,
		strategy:      StrategyFor(pol),
		mappings:      m.mappings.Snapshot(),
		catalog:       m.catalog,
		conflicts:     m.conflicts,
		catalogEvents: m.cfg.CatalogEvents,
		now:           m.now,
	}
	entities := requestedEntities(run.Kind, pol)

	run.Outcomes = make([]model.PlatformOutcome, len(snap.Platforms))
	tasks := make([]*platformTask, len(snap.Platforms))
	for i, p := range snap.Platforms {
		conn, live := snap.Connector(p.ID)
		if !live || !p.IsConnected() {
			run.Outcomes[i] = skipped(p.ID, SkipNotConnected)
			continue
		}
		supported := supportedEntities(p, entities)
		if len(supported) == 0 {
			run.Outcomes[i] = skipped(p.ID, SkipUnsupported)
			continue
		}
		tasks[i] = &platformTask{
			env:      env,
			platform: p,
			conn:     conn,
			entities: supported,
		}
	}

	// Every catalog is pulled before any value is decided, so one run settles
	// each item across all platforms at once.
	m.runPhase(a.ctx, tasks, (*platformTask).prepare)
	reconcile(a.ctx, env, tasks)
	m.runPhase(a.ctx, tasks, (*platformTask).publish)

	var events []model.Event
	for i, t := range tasks {
		if t == nil {
			continue
		}
		var raised []model.Event
		run.Outcomes[i], raised = t.result()
		events = append(events, raised...)
	}
	if a.ctx.Err() != nil {
		run.Cancelled = true
		run.Error = "run cancelled"
	}
	run.Finish(m.now())
	return run, events, nil
}

// runPhase runs one phase on every task still in the run, at most
// cfg.Workers at a time.
func (m *Manager) runPhase(ctx context.Context, tasks []*platformTask, phase func(*platformTask, context.Context)) {
	g := new(errgroup.Group)
	g.SetLimit(m.cfg.Workers)
	for _, t := range tasks {
		if t == nil || !t.ready() {
			continue
		}
		t := t
		g.Go(func() error {
			m.runTask(ctx, t, phase)
			return nil
		})
	}
	_ = g.Wait()
}

// runTask executes one phase of a platform task. The per-platform timeout
// covers both phases together. A task that overruns is given a short grace
// period to reach a checkpoint and is then abandoned with whatever it
// recorded so far.
func (m *Manager) runTask(ctx context.Context, t *platformTask, phase func(*platformTask, context.Context)) {
	if ctx.Err() != nil {
		t.interrupt(model.ReasonCancelled, "run cancelled")
		return
	}

	deadline := t.start(m.cfg.PlatformTimeout)
	taskCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		phase(t, taskCtx)
	}()

	select {
	case <-done:
		return
	case <-taskCtx.Done():
	}

	grace := time.NewTimer(m.cfg.CheckpointGrace)
	defer grace.Stop()
	finished := false
	select {
	case <-done:
		finished = true
	case <-grace.C:
	}
	if finished && t.ready() {
		return
	}

	reason, details := model.ReasonTimeout, fmt.Sprintf("platform did not finish within %s", m.cfg.PlatformTimeout)
	if ctx.Err() != nil {
		reason, details = model.ReasonCancelled, "run cancelled"
	}
	t.interrupt(reason, details)
	logger.Log.Warn("Platform task interrupted",
		zap.String("platform_id", t.platform.ID),
		zap.String("reason", reason),
		zap.Bool("abandoned", !finished),
	)
}

// record appends the finished run to the log, stamps lastSyncAt on platforms
// that succeeded and only then hands the run and its events to the notifier.
func (m *Manager) record(run model.SyncRun, events []model.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	if err := m.runs.AppendRun(ctx, run); err != nil {
		logger.Log.Error("Failed to record sync run", zap.String("run_id", run.ID), zap.Error(err))
		return fmt.Errorf("failed to record sync run: %w", err)
	}

	for _, o := range run.Outcomes {
		if o.Status != model.OutcomeSuccess {
			continue
		}
		if err := m.platforms.MarkSynced(ctx, o.PlatformID, run.StartedAt); err != nil {
			logger.Log.Warn("Failed to mark platform synced", zap.String("platform_id", o.PlatformID), zap.Error(err))
		}
	}

	var duration time.Duration
	if run.FinishedAt != nil {
		duration = run.FinishedAt.Sub(run.StartedAt)
	}
	if m.observer != nil {
		m.observer.ObserveRun(run, duration)
	}

	logger.Log.Info("Sync run finished",
		zap.String("run_id", run.ID),
		zap.String("status", string(run.Status)),
		zap.Int("items_processed", run.ItemsProcessed),
		zap.Int("items_failed", run.ItemsFailed),
		zap.Bool("cancelled", run.Cancelled),
		zap.Duration("duration", duration),
	)

	if m.notifier != nil {
		m.notifier.NotifyRun(ctx, run)
		for _, ev := range events {
			m.notifier.NotifyEvent(ctx, ev)
		}
	}
	return nil
}

const (
	ResolveKeepLocal  = "local"
	ResolveTakeRemote = "remote"
)

// ResolveConflict applies an operator decision to a deferred divergence.
// Keeping local pushes the current local value to the platform; taking remote
// writes the platform's recorded value locally. The record is claimed before
// either side is touched, so of two concurrent resolves only one applies.
// It is reopened if the change cannot be applied.
func (m *Manager) ResolveConflict(ctx context.Context, id, choice string) (model.ConflictRecord, error) {
	if choice != ResolveKeepLocal && choice != ResolveTakeRemote {
		return model.ConflictRecord{}, fmt.Errorf("unknown resolution %q: %w", choice, model.ErrValidation)
	}

	c, err := m.conflicts.Get(ctx, id)
	if err != nil {
		return model.ConflictRecord{}, err
	}
	if c.Resolved {
		return c, fmt.Errorf("conflict %s is already resolved: %w", id, model.ErrValidation)
	}
	if err := m.conflicts.MarkResolved(ctx, id, choice); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return c, fmt.Errorf("conflict %s is already resolved: %w", id, model.ErrValidation)
		}
		return model.ConflictRecord{}, err
	}

	if choice == ResolveKeepLocal {
		err = m.pushLocal(ctx, c)
	} else {
		err = m.applyRemote(ctx, c)
	}
	if err != nil {
		if rerr := m.conflicts.Reopen(context.WithoutCancel(ctx), id); rerr != nil {
			logger.Log.Error("Failed to reopen conflict", zap.String("conflict_id", id), zap.Error(rerr))
		}
		return model.ConflictRecord{}, err
	}

	logger.Log.Info("Conflict resolved", zap.String("conflict_id", id), zap.String("resolution", choice))
	return m.conflicts.Get(ctx, id)
}

func (m *Manager) pushLocal(ctx context.Context, c model.ConflictRecord) error {
	snap := m.platforms.Snapshot()
	conn, ok := snap.Connector(c.PlatformID)
	if !ok || !snap.IsConnected(c.PlatformID) {
		return fmt.Errorf("platform %q is not connected: %w", c.PlatformID, model.ErrValidation)
	}

	products, err := m.catalog.ListProducts(ctx)
	if err != nil {
		return err
	}
	var local *model.Product
	for i := range products {
		if products[i].SKU == c.ItemKey {
			local = &products[i]
			break
		}
	}
	if local == nil {
		return fmt.Errorf("product %s: %w", c.ItemKey, model.ErrNotFound)
	}

	var acks []model.Ack
	switch c.Field {
	case model.FieldStock:
		acks, err = conn.PushInventory(ctx, []model.InventoryUpdate{{SKU: local.SKU, Stock: local.Stock}})
	case model.FieldPrice:
		acks, err = conn.PushPrices(ctx, []model.PriceUpdate{{SKU: local.SKU, Price: local.Price}})
	default:
		return fmt.Errorf("unknown conflict field %q: %w", c.Field, model.ErrValidation)
	}
	if err != nil {
		return err
	}
	for _, a := range acks {
		if a.SKU == c.ItemKey && !a.OK {
			return fmt.Errorf("platform rejected %s: %s: %w", a.SKU, a.Message, model.ErrValidation)
		}
	}
	return nil
}

func (m *Manager) applyRemote(ctx context.Context, c model.ConflictRecord) error {
	switch c.Field {
	case model.FieldStock:
		stock, err := strconv.Atoi(c.RemoteValue)
		if err != nil {
			return fmt.Errorf("invalid recorded stock %q: %w", c.RemoteValue, model.ErrValidation)
		}
		return m.catalog.UpdateStock(ctx, c.ItemKey, stock, m.now())
	case model.FieldPrice:
		price, err := decimal.NewFromString(c.RemoteValue)
		if err != nil {
			return fmt.Errorf("invalid recorded price %q: %w", c.RemoteValue, model.ErrValidation)
		}
		return m.catalog.UpdatePrice(ctx, c.ItemKey, price, m.now())
	default:
		return fmt.Errorf("unknown conflict field %q: %w", c.Field, model.ErrValidation)
	}
}

// requestedEntities expands a run kind into the entities to sync. A full run
// follows the policy; a specific kind syncs only that entity.
func requestedEntities(kind model.RunKind, p policy.Policy) []model.Entity {
	if e, ok := kind.Entity(); ok {
		return []model.Entity{e}
	}
	return p.Entities.Requested()
}

func supportedEntities(p model.Platform, requested []model.Entity) []model.Entity {
	var out []model.Entity
	for _, e := range requested {
		if p.Capabilities.Supports(e) {
			out = append(out, e)
		}
	}
	return out
}
