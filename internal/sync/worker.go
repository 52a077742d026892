package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"catalog-sync-service/internal/logger"
	"catalog-sync-service/internal/mapping"
	"catalog-sync-service/internal/model"
	"catalog-sync-service/internal/platform"
	"catalog-sync-service/internal/policy"
)

// maxRecordedFailures caps the per-platform failure detail kept on a run.
// Counts stay exact past the cap.
const maxRecordedFailures = 200

// runEnv is the state shared by every platform task of one run.
type runEnv struct {
	runID         string
	policy        policy.Policy
	strategy      ResolutionStrategy
	mappings      mapping.Snapshot
	catalog       Catalog
	conflicts     *ConflictManager
	catalogEvents bool
	now           func() time.Time
}

// platformTask syncs the requested entities with one platform. A run drives
// it through two phases, prepare and publish, with the cross-platform
// reconcile step in between. Everything it records goes through mu so a timed
// out task can be snapshotted and abandoned while its goroutine is still
// winding down.
type platformTask struct {
	env      *runEnv
	platform model.Platform
	conn     platform.Connector
	entities []model.Entity

	// Filled by prepare, read by reconcile.
	listed map[string]model.ExternalItem
	// Filled by reconcile, drained by publish.
	stockPushes []model.InventoryUpdate
	pricePushes []model.PriceUpdate

	mu        sync.Mutex
	started   bool
	deadline  time.Time
	abandoned bool
	halt      *halt
	counts    model.ItemCounts
	failures  []model.ItemFailure
	events    []model.Event
	err       error
}

// halt is why a task was stopped from outside.
type halt struct {
	reason  string
	details string
}

func (t *platformTask) handles(e model.Entity) bool {
	for _, have := range t.entities {
		if have == e {
			return true
		}
	}
	return false
}

// prepare pushes listings and pulls the platform catalog that reconcile
// compares against.
func (t *platformTask) prepare(ctx context.Context) {
	if t.handles(model.EntityProducts) {
		if err := t.syncProducts(ctx); err != nil {
			t.setError(fmt.Errorf("%s: %w", model.EntityProducts, err))
			return
		}
	}
	if !t.handles(model.EntityInventory) && !t.handles(model.EntityPrice) {
		return
	}
	remote, err := t.conn.PullCatalog(ctx, nil)
	if err != nil {
		t.setError(fmt.Errorf("catalog: %w", err))
		return
	}
	t.listed = indexBySKU(remote)
}

// publish sends the values reconcile settled on, then pulls orders.
func (t *platformTask) publish(ctx context.Context) {
	if len(t.stockPushes) > 0 {
		if err := t.pushInventory(ctx); err != nil {
			t.setError(fmt.Errorf("%s: %w", model.EntityInventory, err))
			return
		}
	}
	if len(t.pricePushes) > 0 {
		if err := t.pushPrices(ctx); err != nil {
			t.setError(fmt.Errorf("%s: %w", model.EntityPrice, err))
			return
		}
	}
	if t.handles(model.EntityOrders) {
		if err := t.syncOrders(ctx); err != nil {
			t.setError(fmt.Errorf("%s: %w", model.EntityOrders, err))
		}
	}
}

func (t *platformTask) syncProducts(ctx context.Context) error {
	products, err := t.env.catalog.ListProducts(ctx)
	if err != nil {
		return fmt.Errorf("failed to list local products: %w", err)
	}

	pid := t.platform.ID
	var candidates []model.ProductPush
	for _, p := range products {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := validateProduct(p); err != nil {
			t.fail(p.SKU, model.EntityProducts, err)
			continue
		}
		m, ok := t.env.mappings.Resolve(p.Category, pid)
		if !ok {
			t.fail(p.SKU, model.EntityProducts,
				fmt.Errorf("missing category mapping for %q: %w", p.Category, model.ErrValidation))
			continue
		}
		candidates = append(candidates, model.ProductPush{
			SKU:                p.SKU,
			Title:              p.Title,
			ExternalCategoryID: m.ExternalCategoryID,
			Price:              p.Price,
			Stock:              p.Stock,
		})
	}
	if len(candidates) == 0 {
		return nil
	}

	listed, err := t.conn.PullCatalog(ctx, t.env.mappings.ExternalCategories(pid))
	if err != nil {
		return err
	}
	bySKU := indexBySKU(listed)

	var pushes []model.ProductPush
	for _, c := range candidates {
		if r, ok := bySKU[c.SKU]; ok && r.Title == c.Title && r.ExternalCategoryID == c.ExternalCategoryID {
			t.succeed(false)
			continue
		}
		pushes = append(pushes, c)
	}
	if len(pushes) == 0 {
		return nil
	}

	keys := make([]string, len(pushes))
	for i, p := range pushes {
		keys[i] = p.SKU
	}
	acks, err := t.conn.PushProducts(ctx, pushes)
	if err != nil {
		return err
	}
	t.applyAcks(model.EntityProducts, keys, acks)
	return nil
}

func (t *platformTask) pushInventory(ctx context.Context) error {
	keys := make([]string, len(t.stockPushes))
	for i, p := range t.stockPushes {
		keys[i] = p.SKU
	}
	acks, err := t.conn.PushInventory(ctx, t.stockPushes)
	if err != nil {
		return err
	}
	t.applyAcks(model.EntityInventory, keys, acks)
	return nil
}

func (t *platformTask) pushPrices(ctx context.Context) error {
	keys := make([]string, len(t.pricePushes))
	for i, p := range t.pricePushes {
		keys[i] = p.SKU
	}
	acks, err := t.conn.PushPrices(ctx, t.pricePushes)
	if err != nil {
		return err
	}
	t.applyAcks(model.EntityPrice, keys, acks)
	return nil
}

func (t *platformTask) syncOrders(ctx context.Context) error {
	var since time.Time
	if t.platform.LastSyncAt != nil {
		since = *t.platform.LastSyncAt
	}
	orders, err := t.conn.PullOrders(ctx, since)
	if err != nil {
		return err
	}
	sort.SliceStable(orders, func(i, j int) bool {
		return orders[i].PlacedAt.Before(orders[j].PlacedAt)
	})

	for _, o := range orders {
		if err := ctx.Err(); err != nil {
			return err
		}
		if o.ExternalID == "" {
			t.fail("order", model.EntityOrders, fmt.Errorf("order without external id: %w", model.ErrValidation))
			continue
		}
		o.PlatformID = t.platform.ID
		change, err := t.env.catalog.UpsertOrder(ctx, o)
		if err != nil {
			t.fail(o.ExternalID, model.EntityOrders, err)
			continue
		}
		t.succeed(change.Changed())

		switch {
		case change.Created:
			t.emit(model.TriggerNewOrder, o.ExternalID, map[string]any{
				"orderId":  o.ExternalID,
				"status":   o.Status,
				"total":    o.Total.String(),
				"currency": o.Currency,
			})
		case change.StatusChanged:
			t.emit(model.TriggerOrderStatusChange, o.ExternalID, map[string]any{
				"orderId":        o.ExternalID,
				"previousStatus": change.PreviousStatus,
				"status":         o.Status,
			})
		}
	}
	return nil
}

func (t *platformTask) stockChanged(before model.Product, stock int) {
	if !t.env.catalogEvents {
		return
	}
	threshold := t.env.policy.LowStockThreshold
	if stock <= threshold && before.Stock > threshold {
		t.emit(model.TriggerLowStock, before.SKU, map[string]any{
			"sku":       before.SKU,
			"title":     before.Title,
			"stock":     stock,
			"threshold": threshold,
		})
	}
}

func (t *platformTask) deferConflict(ctx context.Context, c model.ConflictRecord, entity model.Entity) {
	c.RunID = t.env.runID
	rec, err := t.env.conflicts.RecordConflict(ctx, c)
	if err != nil {
		t.fail(c.ItemKey, entity, err)
		return
	}
	t.fail(c.ItemKey, entity, fmt.Errorf("%s diverges from platform (conflict %s): %w", c.Field, rec.ID, model.ErrConflict))
}

func (t *platformTask) applyAcks(entity model.Entity, keys []string, acks []model.Ack) {
	bySKU := make(map[string]model.Ack, len(acks))
	for _, a := range acks {
		bySKU[a.SKU] = a
	}
	for _, k := range keys {
		a, ok := bySKU[k]
		switch {
		case !ok:
			t.fail(k, entity, errors.New("platform did not acknowledge item"))
		case !a.OK:
			code := a.Code
			if code == "" {
				code = model.ReasonValidation
			}
			t.failWithCode(k, entity, code, a.Message)
		default:
			t.succeed(true)
		}
	}
}

func (t *platformTask) succeed(changed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.abandoned {
		return
	}
	t.counts.Processed++
	t.counts.Succeeded++
	if changed {
		t.counts.Changed++
	}
}

func (t *platformTask) fail(key string, entity model.Entity, err error) {
	t.failWithCode(key, entity, model.ReasonCodeOf(err), err.Error())
}

func (t *platformTask) failWithCode(key string, entity model.Entity, code, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.abandoned {
		return
	}
	t.counts.Processed++
	t.counts.Failed++
	if len(t.failures) < maxRecordedFailures {
		t.failures = append(t.failures, model.ItemFailure{
			ItemKey:    key,
			Entity:     entity,
			ReasonCode: code,
			Message:    message,
		})
	}
}

func (t *platformTask) emit(trigger model.Trigger, subject string, payload map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.abandoned {
		return
	}
	t.events = append(t.events, model.Event{
		Type:       trigger,
		OccurredAt: t.env.now(),
		RunID:      t.env.runID,
		PlatformID: t.platform.ID,
		Subject:    subject,
		Payload:    payload,
	})
}

func (t *platformTask) setError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.abandoned {
		return
	}
	t.err = err
}

// start marks the task as begun and fixes its deadline on the first phase.
func (t *platformTask) start(timeout time.Duration) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started {
		t.started = true
		t.deadline = time.Now().Add(timeout)
	}
	return t.deadline
}

// ready reports whether the task can take part in the next step of the run.
func (t *platformTask) ready() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.abandoned && t.err == nil
}

// interrupt freezes the task. Later records from its goroutine are dropped.
func (t *platformTask) interrupt(reason, details string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.abandoned = true
	if t.halt == nil {
		t.halt = &halt{reason: reason, details: details}
	}
}

// result snapshots the outcome and the events raised so far.
func (t *platformTask) result() (model.PlatformOutcome, []model.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.started {
		reason := model.ReasonCancelled
		if t.halt != nil {
			reason = t.halt.reason
		}
		return skipped(t.platform.ID, reason), nil
	}

	out := model.PlatformOutcome{
		PlatformID: t.platform.ID,
		Status:     model.OutcomeSuccess,
		Counts:     t.counts,
		Failures:   append([]model.ItemFailure(nil), t.failures...),
	}
	switch {
	case t.halt != nil:
		out.Status = model.OutcomeError
		out.Reason = t.halt.reason
		out.Details = t.halt.details
	case t.err != nil:
		out.Status = model.OutcomeError
		out.Reason = model.ReasonCodeOf(t.err)
		out.Details = t.err.Error()
	case out.Counts.Processed > 0 && out.Counts.Succeeded == 0:
		out.Status = model.OutcomeError
		out.Reason = out.Failures[0].ReasonCode
		out.Details = fmt.Sprintf("all %d items failed", out.Counts.Failed)
	}
	return out, append([]model.Event(nil), t.events...)
}

func validateProduct(p model.Product) error {
	switch {
	case p.SKU == "":
		return fmt.Errorf("product without sku: %w", model.ErrValidation)
	case p.Title == "":
		return fmt.Errorf("product %s has no title: %w", p.SKU, model.ErrValidation)
	case p.Price.IsNegative():
		return fmt.Errorf("product %s has negative price: %w", p.SKU, model.ErrValidation)
	case p.Stock < 0:
		return fmt.Errorf("product %s has negative stock: %w", p.SKU, model.ErrValidation)
	}
	return nil
}

func indexBySKU(items []model.ExternalItem) map[string]model.ExternalItem {
	out := make(map[string]model.ExternalItem, len(items))
	for _, it := range items {
		out[it.SKU] = it
	}
	return out
}

func skipped(platformID, reason string) model.PlatformOutcome {
	logger.Log.Debug("Platform skipped", zap.String("platform_id", platformID), zap.String("reason", reason))
	return model.PlatformOutcome{
		PlatformID: platformID,
		Status:     model.OutcomeSkipped,
		Reason:     reason,
	}
}
