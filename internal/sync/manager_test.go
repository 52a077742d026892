package sync

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catalog-sync-service/internal/config"
	"catalog-sync-service/internal/model"
	"catalog-sync-service/internal/policy"
)

func TestManager_NewerWinsAcrossPlatforms(t *testing.T) {
	now := time.Now().UTC()
	catalog := newMemoryCatalog(product("SKU-1", 10, "19.99", now.Add(-2*time.Hour)))
	amazon := newFakePlatform(listing("SKU-1", 7, "19.99", now.Add(-time.Hour)))
	shopify := newFakePlatform(listing("SKU-1", 10, "19.99", now.Add(-3*time.Hour)))

	f := newFixture(t, config.SyncConfig{Workers: 1}, catalog, map[string]*fakePlatform{
		"amazon":  amazon,
		"shopify": shopify,
	})

	run, err := f.manager.SyncNow(model.KindInventory, model.InitiatorUser)
	require.NoError(t, err)

	assert.Equal(t, model.RunSuccess, run.Status)
	assert.Equal(t, 7, catalog.product("SKU-1").Stock, "newer platform value is taken locally")
	assert.Equal(t, 7, shopify.item("SKU-1").Stock, "older platform receives the new value")
	assert.Equal(t, 2, run.ItemsProcessed)
	assert.Equal(t, run.ItemsProcessed, run.ItemsSucceeded+run.ItemsFailed)
	require.Len(t, f.runs.list(), 1)

	t.Run("second run without external changes is a no-op", func(t *testing.T) {
		again, err := f.manager.SyncNow(model.KindInventory, model.InitiatorUser)
		require.NoError(t, err)
		assert.Equal(t, model.RunSuccess, again.Status)
		assert.Zero(t, again.ItemsChanged)
		assert.Equal(t, 7, catalog.product("SKU-1").Stock)
	})

	t.Run("successful platforms record last sync time", func(t *testing.T) {
		p, ok := f.registry.Get("amazon")
		require.True(t, ok)
		require.NotNil(t, p.LastSyncAt)
	})
}

func TestManager_TieKeepsLocal(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	catalog := newMemoryCatalog(product("SKU-1", 10, "5.00", at))
	amazon := newFakePlatform(listing("SKU-1", 3, "5.00", at))

	f := newFixture(t, config.SyncConfig{}, catalog, map[string]*fakePlatform{"amazon": amazon})

	run, err := f.manager.SyncNow(model.KindInventory, model.InitiatorUser)
	require.NoError(t, err)
	assert.Equal(t, model.RunSuccess, run.Status)
	assert.Equal(t, 10, catalog.product("SKU-1").Stock)
	assert.Equal(t, 10, amazon.item("SKU-1").Stock)
}

func TestManager_MissingCategoryMappingFailsClosed(t *testing.T) {
	now := time.Now().UTC()
	var products []model.Product
	for i := 0; i < 10; i++ {
		products = append(products, product(fmt.Sprintf("SKU-%02d", i), 5, "9.99", now))
	}
	catalog := newMemoryCatalog(products...)
	amazon := newFakePlatform()
	shopify := newFakePlatform()

	f := newFixture(t, config.SyncConfig{Workers: 2}, catalog, map[string]*fakePlatform{
		"amazon":  amazon,
		"shopify": shopify,
	})
	_, err := f.mappings.SetMapping(context.Background(), "Gadgets", "amazon", "gadgets", "Gadgets")
	require.NoError(t, err)

	run, err := f.manager.SyncNow(model.KindProducts, model.InitiatorUser)
	require.NoError(t, err)
	assert.Equal(t, model.RunPartialSuccess, run.Status)

	a, ok := run.Outcome("amazon")
	require.True(t, ok)
	assert.Equal(t, model.OutcomeSuccess, a.Status)
	assert.Equal(t, 10, a.Counts.Succeeded)
	assert.Equal(t, "gadgets", amazon.item("SKU-00").ExternalCategoryID)

	s, ok := run.Outcome("shopify")
	require.True(t, ok)
	assert.Equal(t, model.OutcomeError, s.Status)
	assert.Equal(t, 0, s.Counts.Succeeded)
	assert.Equal(t, 10, s.Counts.Failed)
	require.Len(t, s.Failures, 10)
	for _, fail := range s.Failures {
		assert.Equal(t, model.ReasonValidation, fail.ReasonCode)
		assert.Contains(t, fail.Message, "missing category mapping")
	}
	assert.Zero(t, shopify.pullCalls, "nothing is sent to an unmapped platform")
	assert.Zero(t, shopify.pushCalls)
}

func TestManager_PlatformFailureIsIsolated(t *testing.T) {
	now := time.Now().UTC()
	catalog := newMemoryCatalog(product("SKU-1", 4, "1.00", now))
	amazon := newFakePlatform(listing("SKU-1", 4, "1.00", now))
	amazon.pullErr = fmt.Errorf("token expired: %w", model.ErrAuthentication)
	shopify := newFakePlatform(listing("SKU-1", 4, "1.00", now))

	f := newFixture(t, config.SyncConfig{Workers: 2}, catalog, map[string]*fakePlatform{
		"amazon":  amazon,
		"shopify": shopify,
	})

	run, err := f.manager.SyncNow(model.KindFull, model.InitiatorUser)
	require.NoError(t, err)
	assert.Equal(t, model.RunPartialSuccess, run.Status)

	a, _ := run.Outcome("amazon")
	assert.Equal(t, model.OutcomeError, a.Status)
	assert.Equal(t, model.ReasonAuthentication, a.Reason)

	s, _ := run.Outcome("shopify")
	assert.Equal(t, model.OutcomeSuccess, s.Status)

	p, _ := f.registry.Get("amazon")
	assert.Nil(t, p.LastSyncAt)
}

func TestManager_PrimaryStrategy(t *testing.T) {
	now := time.Now().UTC()
	catalog := newMemoryCatalog(product("SKU-1", 10, "2.00", now))
	amazon := newFakePlatform(listing("SKU-1", 5, "2.00", now.Add(-48*time.Hour)))
	shopify := newFakePlatform(listing("SKU-1", 8, "2.00", now.Add(time.Hour)))

	f := newFixture(t, config.SyncConfig{Workers: 1}, catalog, map[string]*fakePlatform{
		"amazon":  amazon,
		"shopify": shopify,
	})
	f.setPolicy(t, func(p *policy.Policy) {
		p.ConflictResolution = policy.StrategyPrimary
		p.PrimaryPlatformID = "amazon"
	})

	run, err := f.manager.SyncNow(model.KindInventory, model.InitiatorUser)
	require.NoError(t, err)
	assert.Equal(t, model.RunSuccess, run.Status)
	assert.Equal(t, 5, catalog.product("SKU-1").Stock, "primary wins even when older")
	assert.Equal(t, 5, shopify.item("SKU-1").Stock, "non-primary value is discarded")

	t.Run("disconnected primary aborts the run", func(t *testing.T) {
		_, err := f.registry.Disconnect(context.Background(), "amazon")
		require.NoError(t, err)

		run, err := f.manager.SyncNow(model.KindFull, model.InitiatorUser)
		assert.ErrorIs(t, err, model.ErrConfiguration)
		assert.Equal(t, model.RunError, run.Status)
		assert.Empty(t, run.Outcomes)
		assert.NotEmpty(t, run.Error)

		runs := f.runs.list()
		require.Len(t, runs, 2)
		assert.Equal(t, model.RunError, runs[1].Status)
	})
}

func TestManager_ConvergesInOneRun(t *testing.T) {
	now := time.Now().UTC()

	cases := []struct {
		name      string
		kind      model.RunKind
		strategy  policy.Strategy
		primary   string
		local     model.Product
		alpha     model.ExternalItem
		zeta      model.ExternalItem
		wantStock int
		wantPrice string
	}{
		{
			name:      "newest platform sorts last",
			kind:      model.KindInventory,
			strategy:  policy.StrategyNewer,
			local:     product("SKU-1", 10, "2.00", now.Add(-2*time.Hour)),
			alpha:     listing("SKU-1", 8, "2.00", now.Add(-3*time.Hour)),
			zeta:      listing("SKU-1", 5, "2.00", now.Add(-time.Hour)),
			wantStock: 5,
			wantPrice: "2.00",
		},
		{
			name:      "local is newer than every platform",
			kind:      model.KindInventory,
			strategy:  policy.StrategyNewer,
			local:     product("SKU-1", 10, "2.00", now),
			alpha:     listing("SKU-1", 8, "2.00", now.Add(-time.Hour)),
			zeta:      listing("SKU-1", 5, "2.00", now.Add(-2*time.Hour)),
			wantStock: 10,
			wantPrice: "2.00",
		},
		{
			name:      "equally recent platforms resolve by platform id",
			kind:      model.KindInventory,
			strategy:  policy.StrategyNewer,
			local:     product("SKU-1", 10, "2.00", now.Add(-2*time.Hour)),
			alpha:     listing("SKU-1", 8, "2.00", now.Add(-time.Hour)),
			zeta:      listing("SKU-1", 5, "2.00", now.Add(-time.Hour)),
			wantStock: 8,
			wantPrice: "2.00",
		},
		{
			name:      "newest price sorts last",
			kind:      model.KindPrices,
			strategy:  policy.StrategyNewer,
			local:     product("SKU-1", 4, "10.00", now.Add(-2*time.Hour)),
			alpha:     listing("SKU-1", 4, "8.00", now.Add(-3*time.Hour)),
			zeta:      listing("SKU-1", 4, "5.50", now.Add(-time.Hour)),
			wantStock: 4,
			wantPrice: "5.50",
		},
		{
			name:      "primary sorts last and is oldest",
			kind:      model.KindInventory,
			strategy:  policy.StrategyPrimary,
			primary:   "zeta",
			local:     product("SKU-1", 10, "2.00", now),
			alpha:     listing("SKU-1", 8, "2.00", now.Add(time.Hour)),
			zeta:      listing("SKU-1", 5, "2.00", now.Add(-48*time.Hour)),
			wantStock: 5,
			wantPrice: "2.00",
		},
		{
			name:      "primary sorts first and is oldest",
			kind:      model.KindInventory,
			strategy:  policy.StrategyPrimary,
			primary:   "alpha",
			local:     product("SKU-1", 10, "2.00", now),
			alpha:     listing("SKU-1", 8, "2.00", now.Add(-48*time.Hour)),
			zeta:      listing("SKU-1", 5, "2.00", now.Add(time.Hour)),
			wantStock: 8,
			wantPrice: "2.00",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			catalog := newMemoryCatalog(tc.local)
			alpha := newFakePlatform(tc.alpha)
			zeta := newFakePlatform(tc.zeta)

			f := newFixture(t, config.SyncConfig{Workers: 4}, catalog, map[string]*fakePlatform{
				"alpha": alpha,
				"zeta":  zeta,
			})
			f.setPolicy(t, func(p *policy.Policy) {
				p.ConflictResolution = tc.strategy
				p.PrimaryPlatformID = tc.primary
			})

			run, err := f.manager.SyncNow(tc.kind, model.InitiatorUser)
			require.NoError(t, err)
			assert.Equal(t, model.RunSuccess, run.Status)
			assert.Zero(t, run.ItemsFailed)
			assert.Equal(t, 2, run.ItemsProcessed)

			wantPrice := decimal.RequireFromString(tc.wantPrice)
			got := catalog.product("SKU-1")
			assert.Equal(t, tc.wantStock, got.Stock, "local stock")
			assert.True(t, wantPrice.Equal(got.Price), "local price %s", got.Price)
			for id, fp := range map[string]*fakePlatform{"alpha": alpha, "zeta": zeta} {
				it := fp.item("SKU-1")
				assert.Equal(t, tc.wantStock, it.Stock, "%s stock", id)
				assert.True(t, wantPrice.Equal(it.Price), "%s price %s", id, it.Price)
			}

			pushed := alpha.pushes() + zeta.pushes()
			again, err := f.manager.SyncNow(tc.kind, model.InitiatorUser)
			require.NoError(t, err)
			assert.Equal(t, model.RunSuccess, again.Status)
			assert.Zero(t, again.ItemsChanged)
			assert.Zero(t, again.ItemsFailed)
			assert.Equal(t, pushed, alpha.pushes()+zeta.pushes(), "second run pushes nothing")
		})
	}
}

func TestManager_ManualConflicts(t *testing.T) {
	now := time.Now().UTC()
	catalog := newMemoryCatalog(product("SKU-1", 10, "3.00", now.Add(-time.Hour)))
	amazon := newFakePlatform(listing("SKU-1", 2, "3.00", now))

	f := newFixture(t, config.SyncConfig{}, catalog, map[string]*fakePlatform{"amazon": amazon})
	f.setPolicy(t, func(p *policy.Policy) {
		p.ConflictResolution = policy.StrategyManual
	})

	run, err := f.manager.SyncNow(model.KindInventory, model.InitiatorUser)
	require.NoError(t, err)

	a, _ := run.Outcome("amazon")
	assert.Equal(t, 1, a.Counts.Failed)
	require.Len(t, a.Failures, 1)
	assert.Equal(t, model.ReasonConflict, a.Failures[0].ReasonCode)
	assert.Equal(t, 10, catalog.product("SKU-1").Stock, "both sides stay at last known good")
	assert.Equal(t, 2, amazon.item("SKU-1").Stock)

	conflicts := f.conflicts.all()
	require.Len(t, conflicts, 1)
	assert.Equal(t, "10", conflicts[0].LocalValue)
	assert.Equal(t, "2", conflicts[0].RemoteValue)
	assert.Equal(t, run.ID, conflicts[0].RunID)

	t.Run("repeated runs do not duplicate open conflicts", func(t *testing.T) {
		_, err := f.manager.SyncNow(model.KindInventory, model.InitiatorUser)
		require.NoError(t, err)
		assert.Len(t, f.conflicts.all(), 1)
	})

	t.Run("operator takes the remote value", func(t *testing.T) {
		rec, err := f.manager.ResolveConflict(context.Background(), conflicts[0].ID, ResolveTakeRemote)
		require.NoError(t, err)
		assert.True(t, rec.Resolved)
		assert.Equal(t, ResolveTakeRemote, rec.Resolution)
		assert.Equal(t, 2, catalog.product("SKU-1").Stock)

		_, err = f.manager.ResolveConflict(context.Background(), conflicts[0].ID, ResolveTakeRemote)
		assert.ErrorIs(t, err, model.ErrValidation)
	})

	t.Run("unknown conflict id", func(t *testing.T) {
		_, err := f.manager.ResolveConflict(context.Background(), "missing", ResolveKeepLocal)
		assert.ErrorIs(t, err, model.ErrNotFound)
	})
}

func TestManager_ResolveConflictAppliesOnce(t *testing.T) {
	now := time.Now().UTC()
	catalog := newMemoryCatalog(product("SKU-1", 10, "3.00", now.Add(-time.Hour)))
	amazon := newFakePlatform(listing("SKU-1", 2, "3.00", now))

	f := newFixture(t, config.SyncConfig{}, catalog, map[string]*fakePlatform{"amazon": amazon})
	f.setPolicy(t, func(p *policy.Policy) {
		p.ConflictResolution = policy.StrategyManual
	})
	_, err := f.manager.SyncNow(model.KindInventory, model.InitiatorUser)
	require.NoError(t, err)
	conflicts := f.conflicts.all()
	require.Len(t, conflicts, 1)
	id := conflicts[0].ID

	t.Run("failed side effect reopens the conflict", func(t *testing.T) {
		_, err := f.registry.Disconnect(context.Background(), "amazon")
		require.NoError(t, err)

		_, err = f.manager.ResolveConflict(context.Background(), id, ResolveKeepLocal)
		assert.ErrorIs(t, err, model.ErrValidation)

		c, err := f.conflicts.GetConflict(context.Background(), id)
		require.NoError(t, err)
		assert.False(t, c.Resolved)
		assert.Empty(t, c.Resolution)
	})

	t.Run("concurrent resolves apply once", func(t *testing.T) {
		const callers = 8
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			applied int
		)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := f.manager.ResolveConflict(context.Background(), id, ResolveTakeRemote)
				if err == nil {
					mu.Lock()
					applied++
					mu.Unlock()
					return
				}
				assert.ErrorIs(t, err, model.ErrValidation)
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, applied)
		assert.Equal(t, 1, catalog.writes())
		assert.Equal(t, 2, catalog.product("SKU-1").Stock)

		c, err := f.conflicts.GetConflict(context.Background(), id)
		require.NoError(t, err)
		assert.True(t, c.Resolved)
		assert.Equal(t, ResolveTakeRemote, c.Resolution)
	})
}

func TestManager_PlatformTimeout(t *testing.T) {
	now := time.Now().UTC()
	catalog := newMemoryCatalog(product("SKU-1", 1, "1.00", now))
	slow := newFakePlatform(listing("SKU-1", 1, "1.00", now))
	slow.block = make(chan struct{})
	fast := newFakePlatform(listing("SKU-1", 1, "1.00", now))

	f := newFixture(t, config.SyncConfig{
		Workers:         2,
		PlatformTimeout: 50 * time.Millisecond,
		CheckpointGrace: 10 * time.Millisecond,
	}, catalog, map[string]*fakePlatform{
		"amazon":  slow,
		"shopify": fast,
	})

	run, err := f.manager.SyncNow(model.KindInventory, model.InitiatorUser)
	require.NoError(t, err)
	assert.Equal(t, model.RunPartialSuccess, run.Status)

	a, _ := run.Outcome("amazon")
	assert.Equal(t, model.OutcomeError, a.Status)
	assert.Equal(t, model.ReasonTimeout, a.Reason)

	s, _ := run.Outcome("shopify")
	assert.Equal(t, model.OutcomeSuccess, s.Status)
}

func TestManager_CoalescesTriggersDuringRun(t *testing.T) {
	now := time.Now().UTC()
	catalog := newMemoryCatalog(product("SKU-1", 1, "1.00", now))
	amazon := newFakePlatform(listing("SKU-1", 1, "1.00", now))
	amazon.block = make(chan struct{})

	f := newFixture(t, config.SyncConfig{}, catalog, map[string]*fakePlatform{"amazon": amazon})

	firstID, err := f.manager.Trigger(model.KindInventory, model.InitiatorScheduler)
	require.NoError(t, err)
	<-amazon.entered

	_, err = f.manager.SyncNow(model.KindInventory, model.InitiatorScheduler)
	assert.ErrorIs(t, err, ErrRunQueued)
	_, err = f.manager.SyncNow(model.KindOrders, model.InitiatorUser)
	assert.ErrorIs(t, err, ErrRunQueued)
	_, err = f.manager.Trigger(model.KindPrices, model.InitiatorScheduler)
	assert.ErrorIs(t, err, ErrRunQueued)

	st := f.manager.GetStatus()
	assert.Equal(t, StateRunning, st.State)
	assert.Equal(t, firstID, st.RunID)
	assert.True(t, st.Pending)
	assert.Equal(t, model.KindFull, st.PendingKind)

	close(amazon.block)
	require.Eventually(t, func() bool {
		return len(f.runs.list()) == 2 && f.manager.GetStatus().State == StateIdle
	}, 2*time.Second, 10*time.Millisecond)

	runs := f.runs.list()
	assert.Equal(t, firstID, runs[0].ID)
	assert.Equal(t, model.KindFull, runs[1].Kind, "differing kinds widen to a full run")
	assert.Equal(t, model.InitiatorUser, runs[1].Initiator)
	assert.False(t, runs[1].StartedAt.Before(*runs[0].FinishedAt), "runs never overlap")
}

func TestManager_Cancel(t *testing.T) {
	now := time.Now().UTC()
	catalog := newMemoryCatalog(product("SKU-1", 1, "1.00", now))
	amazon := newFakePlatform(listing("SKU-1", 1, "1.00", now))
	amazon.block = make(chan struct{})
	shopify := newFakePlatform(listing("SKU-1", 1, "1.00", now))

	f := newFixture(t, config.SyncConfig{Workers: 1}, catalog, map[string]*fakePlatform{
		"amazon":  amazon,
		"shopify": shopify,
	})

	_, err := f.manager.Cancel()
	assert.ErrorIs(t, err, ErrNoActiveRun)

	runID, err := f.manager.Trigger(model.KindInventory, model.InitiatorUser)
	require.NoError(t, err)
	<-amazon.entered

	cancelled, err := f.manager.Cancel()
	require.NoError(t, err)
	assert.Equal(t, runID, cancelled)

	require.Eventually(t, func() bool { return len(f.runs.list()) == 1 }, 2*time.Second, 10*time.Millisecond)
	run := f.runs.list()[0]
	assert.True(t, run.Cancelled)

	a, _ := run.Outcome("amazon")
	assert.Equal(t, model.OutcomeError, a.Status)
	assert.Equal(t, model.ReasonCancelled, a.Reason)

	s, _ := run.Outcome("shopify")
	assert.Equal(t, model.OutcomeSkipped, s.Status)
	assert.Equal(t, model.ReasonCancelled, s.Reason)
	assert.Zero(t, shopify.pullCalls)
}

func TestManager_CancelBeforeAnyPlatformStarts(t *testing.T) {
	now := time.Now().UTC()
	catalog := newMemoryCatalog(product("SKU-1", 1, "1.00", now))
	amazon := newFakePlatform(listing("SKU-1", 1, "1.00", now))
	shopify := newFakePlatform(listing("SKU-1", 1, "1.00", now))

	f := newFixture(t, config.SyncConfig{}, catalog, map[string]*fakePlatform{
		"amazon":  amazon,
		"shopify": shopify,
	})
	gate := &gatedPlatforms{
		PlatformSource: f.registry,
		entered:        make(chan struct{}),
		release:        make(chan struct{}),
	}
	m := NewManager(config.SyncConfig{Workers: 2}, Dependencies{
		Policies:  f.policies,
		Platforms: gate,
		Mappings:  f.mappings,
		Catalog:   catalog,
		Runs:      f.runs,
		Conflicts: f.conflicts,
		Notifier:  f.notifier,
	})
	t.Cleanup(m.Close)

	runID, err := m.Trigger(model.KindInventory, model.InitiatorUser)
	require.NoError(t, err)
	<-gate.entered
	cancelled, err := m.Cancel()
	require.NoError(t, err)
	assert.Equal(t, runID, cancelled)
	close(gate.release)

	require.Eventually(t, func() bool { return len(f.runs.list()) == 1 }, 2*time.Second, 10*time.Millisecond)
	run := f.runs.list()[0]
	assert.True(t, run.Cancelled)
	assert.Equal(t, model.RunError, run.Status, "a run that did nothing is not a success")
	require.Len(t, run.Outcomes, 2)
	for _, o := range run.Outcomes {
		assert.Equal(t, model.OutcomeSkipped, o.Status)
		assert.Equal(t, model.ReasonCancelled, o.Reason)
	}
	assert.Zero(t, amazon.pullCalls)
	assert.Zero(t, shopify.pullCalls)

	require.Eventually(t, func() bool {
		f.notifier.mu.Lock()
		defer f.notifier.mu.Unlock()
		return len(f.notifier.runs) == 1
	}, 2*time.Second, 10*time.Millisecond)
	f.notifier.mu.Lock()
	defer f.notifier.mu.Unlock()
	assert.Equal(t, model.RunError, f.notifier.runs[0].Status)
}

func TestManager_SkipsUnsupportedAndDisconnected(t *testing.T) {
	catalog := newMemoryCatalog()
	social := newFakePlatform()
	social.caps = model.Capabilities{Products: true}
	gone := newFakePlatform()

	f := newFixture(t, config.SyncConfig{}, catalog, map[string]*fakePlatform{
		"instagram": social,
		"ebay":      gone,
	})
	_, err := f.registry.Disconnect(context.Background(), "ebay")
	require.NoError(t, err)

	run, err := f.manager.SyncNow(model.KindOrders, model.InitiatorUser)
	require.NoError(t, err)
	assert.Equal(t, model.RunSuccess, run.Status, "no attempted platforms and no error")

	ig, _ := run.Outcome("instagram")
	assert.Equal(t, model.OutcomeSkipped, ig.Status)
	assert.Equal(t, SkipUnsupported, ig.Reason)

	eb, _ := run.Outcome("ebay")
	assert.Equal(t, model.OutcomeSkipped, eb.Status)
	assert.Equal(t, SkipNotConnected, eb.Reason)
}

func TestManager_OrdersAndEvents(t *testing.T) {
	now := time.Now().UTC()
	catalog := newMemoryCatalog(product("SKU-1", 20, "4.00", now.Add(-time.Hour)))
	amazon := newFakePlatform(listing("SKU-1", 3, "4.50", now))
	amazon.orders = []model.Order{{
		ExternalID: "A-100",
		Status:     "pending",
		Currency:   "USD",
		PlacedAt:   now,
		UpdatedAt:  now,
	}}

	f := newFixture(t, config.SyncConfig{CatalogEvents: true}, catalog, map[string]*fakePlatform{"amazon": amazon})
	_, err := f.mappings.SetMapping(context.Background(), "Gadgets", "amazon", "gadgets", "Gadgets")
	require.NoError(t, err)

	run, err := f.manager.SyncNow(model.KindFull, model.InitiatorUser)
	require.NoError(t, err)
	assert.Equal(t, model.RunSuccess, run.Status)
	assert.Zero(t, run.ItemsFailed)

	assert.Len(t, f.notifier.eventsOf(model.TriggerNewOrder), 1)
	low := f.notifier.eventsOf(model.TriggerLowStock)
	require.Len(t, low, 1)
	assert.Equal(t, "SKU-1", low[0].Subject)
	assert.Len(t, f.notifier.eventsOf(model.TriggerPriceChange), 1)

	require.Len(t, f.notifier.runs, 1)
	assert.Equal(t, 1, f.notifier.loggedAtRun[0], "run is appended before it is dispatched")

	t.Run("status change on a known order", func(t *testing.T) {
		later := time.Now().UTC().Add(time.Minute)
		amazon.mu.Lock()
		amazon.orders[0].Status = "shipped"
		amazon.orders[0].UpdatedAt = later
		amazon.mu.Unlock()

		_, err := f.manager.SyncNow(model.KindOrders, model.InitiatorUser)
		require.NoError(t, err)
		changes := f.notifier.eventsOf(model.TriggerOrderStatusChange)
		require.Len(t, changes, 1)
		assert.Equal(t, "pending", changes[0].Payload["previousStatus"])
		assert.Len(t, f.notifier.eventsOf(model.TriggerNewOrder), 1)
	})
}

func TestManager_CatalogEventsSuppressedWhenFeedOwnsThem(t *testing.T) {
	now := time.Now().UTC()
	catalog := newMemoryCatalog(product("SKU-1", 20, "4.00", now.Add(-time.Hour)))
	amazon := newFakePlatform(listing("SKU-1", 3, "4.50", now))

	f := newFixture(t, config.SyncConfig{CatalogEvents: false}, catalog, map[string]*fakePlatform{"amazon": amazon})

	_, err := f.manager.SyncNow(model.KindFull, model.InitiatorUser)
	require.NoError(t, err)
	assert.Equal(t, 3, catalog.product("SKU-1").Stock)
	assert.Empty(t, f.notifier.eventsOf(model.TriggerLowStock))
	assert.Empty(t, f.notifier.eventsOf(model.TriggerPriceChange))
}

func TestManager_RejectedPushesAreItemFailures(t *testing.T) {
	now := time.Now().UTC()
	catalog := newMemoryCatalog(
		product("SKU-1", 9, "1.00", now),
		product("SKU-2", 9, "1.00", now),
	)
	amazon := newFakePlatform(
		listing("SKU-1", 1, "1.00", now.Add(-time.Hour)),
		listing("SKU-2", 1, "1.00", now.Add(-time.Hour)),
	)
	amazon.rejectSKUs = map[string]string{"SKU-2": model.ReasonValidation}

	f := newFixture(t, config.SyncConfig{}, catalog, map[string]*fakePlatform{"amazon": amazon})

	run, err := f.manager.SyncNow(model.KindInventory, model.InitiatorUser)
	require.NoError(t, err)

	a, _ := run.Outcome("amazon")
	assert.Equal(t, model.OutcomeSuccess, a.Status)
	assert.Equal(t, 2, a.Counts.Processed)
	assert.Equal(t, 1, a.Counts.Succeeded)
	assert.Equal(t, 1, a.Counts.Failed)
	assert.Equal(t, "SKU-2", a.Failures[0].ItemKey)
	assert.Equal(t, 9, amazon.item("SKU-1").Stock)
	assert.Equal(t, 1, amazon.item("SKU-2").Stock)
}

func TestManager_ClosedRejectsTriggers(t *testing.T) {
	f := newFixture(t, config.SyncConfig{}, newMemoryCatalog(), map[string]*fakePlatform{})
	f.manager.Close()

	_, err := f.manager.SyncNow(model.KindFull, model.InitiatorUser)
	assert.ErrorIs(t, err, ErrClosed)
}
