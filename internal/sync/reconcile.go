package sync

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"catalog-sync-service/internal/model"
)

// fieldRule describes how one synced field is read, compared, written locally
// and queued for a platform.
type fieldRule[V any] struct {
	entity model.Entity
	field  model.ConflictField

	local  func(p model.Product) (V, time.Time)
	remote func(it model.ExternalItem) V
	check  func(v V) error
	equal  func(a, b V) bool
	format func(v V) string

	apply   func(ctx context.Context, sku string, v V, at time.Time) error
	applied func(t *platformTask, before model.Product, v V)
	queue   func(t *platformTask, sku string, v V)
}

// holding is one source's value for an item. task is nil for the local catalog.
type holding[V any] struct {
	task      *platformTask
	candidate Candidate
	value     V
	deferred  bool
}

// reconcile settles stock and price for every local SKU across the local
// catalog and every platform whose catalog was pulled in the prepare phase.
// The winner is written locally once and queued for every platform that
// holds a different value. Task goroutines are idle while it runs.
func reconcile(ctx context.Context, env *runEnv, tasks []*platformTask) {
	inventory := participants(tasks, model.EntityInventory)
	prices := participants(tasks, model.EntityPrice)
	if len(inventory) == 0 && len(prices) == 0 {
		return
	}

	products, err := env.catalog.ListProducts(ctx)
	if err != nil {
		err = fmt.Errorf("failed to list local products: %w", err)
		for _, t := range append(inventory, prices...) {
			t.setError(err)
		}
		return
	}
	sort.Slice(products, func(i, j int) bool { return products[i].SKU < products[j].SKU })

	if len(inventory) > 0 {
		reconcileField(ctx, env, stockRule(env), products, inventory)
	}
	if len(prices) > 0 {
		reconcileField(ctx, env, priceRule(env), products, prices)
	}
}

func participants(tasks []*platformTask, e model.Entity) []*platformTask {
	var out []*platformTask
	for _, t := range tasks {
		// ready first: listed of an abandoned task may still be written.
		if t != nil && t.ready() && t.listed != nil && t.handles(e) {
			out = append(out, t)
		}
	}
	return out
}

func reconcileField[V any](ctx context.Context, env *runEnv, rule fieldRule[V], products []model.Product, tasks []*platformTask) {
	for _, p := range products {
		if ctx.Err() != nil {
			return
		}

		lv, lat := rule.local(p)
		local := holding[V]{candidate: Candidate{Source: LocalSource, UpdatedAt: lat}, value: lv}

		var remotes []holding[V]
		for _, t := range tasks {
			it, ok := t.listed[p.SKU]
			if !ok {
				continue
			}
			v := rule.remote(it)
			if err := rule.check(v); err != nil {
				t.fail(p.SKU, rule.entity, err)
				continue
			}
			remotes = append(remotes, holding[V]{
				task:      t,
				candidate: Candidate{Source: t.platform.ID, UpdatedAt: it.UpdatedAt},
				value:     v,
			})
		}
		if len(remotes) == 0 {
			continue
		}

		// Tasks are sorted by platform id, so among equally recent platforms
		// the first one wins, and local beats all of them.
		winner := local
		for i := range remotes {
			if rule.equal(remotes[i].value, winner.value) {
				continue
			}
			switch env.strategy.Resolve(winner.candidate, remotes[i].candidate) {
			case TakeRemote:
				winner = remotes[i]
			case Defer:
				remotes[i].deferred = true
			}
		}

		changed := winner.task != nil && !rule.equal(winner.value, lv)
		if changed {
			if err := rule.apply(ctx, p.SKU, winner.value, winner.candidate.UpdatedAt); err != nil {
				for _, r := range remotes {
					if !r.deferred {
						r.task.fail(p.SKU, rule.entity, err)
					}
				}
				continue
			}
			rule.applied(winner.task, p, winner.value)
		}

		for _, r := range remotes {
			switch {
			case r.deferred:
				r.task.deferConflict(ctx, model.ConflictRecord{
					PlatformID:      r.task.platform.ID,
					ItemKey:         p.SKU,
					Field:           rule.field,
					LocalValue:      rule.format(lv),
					RemoteValue:     rule.format(r.value),
					LocalUpdatedAt:  lat,
					RemoteUpdatedAt: r.candidate.UpdatedAt,
				}, rule.entity)
			case changed && r.task == winner.task:
				r.task.succeed(true)
			case rule.equal(r.value, winner.value):
				r.task.succeed(false)
			default:
				rule.queue(r.task, p.SKU, winner.value)
			}
		}
	}
}

func stockRule(env *runEnv) fieldRule[int] {
	return fieldRule[int]{
		entity: model.EntityInventory,
		field:  model.FieldStock,
		local: func(p model.Product) (int, time.Time) {
			return p.Stock, p.StockUpdatedAt
		},
		remote: func(it model.ExternalItem) int { return it.Stock },
		check: func(v int) error {
			if v < 0 {
				return fmt.Errorf("platform reports negative stock %d: %w", v, model.ErrValidation)
			}
			return nil
		},
		equal:  func(a, b int) bool { return a == b },
		format: strconv.Itoa,
		apply:  env.catalog.UpdateStock,
		applied: func(t *platformTask, before model.Product, v int) {
			t.stockChanged(before, v)
		},
		queue: func(t *platformTask, sku string, v int) {
			t.stockPushes = append(t.stockPushes, model.InventoryUpdate{SKU: sku, Stock: v})
		},
	}
}

func priceRule(env *runEnv) fieldRule[decimal.Decimal] {
	return fieldRule[decimal.Decimal]{
		entity: model.EntityPrice,
		field:  model.FieldPrice,
		local: func(p model.Product) (decimal.Decimal, time.Time) {
			return p.Price, p.PriceUpdatedAt
		},
		remote: func(it model.ExternalItem) decimal.Decimal { return it.Price },
		check: func(v decimal.Decimal) error {
			if v.IsNegative() {
				return fmt.Errorf("platform reports negative price %s: %w", v, model.ErrValidation)
			}
			return nil
		},
		equal:  func(a, b decimal.Decimal) bool { return a.Equal(b) },
		format: func(v decimal.Decimal) string { return v.String() },
		apply:  env.catalog.UpdatePrice,
		applied: func(t *platformTask, before model.Product, v decimal.Decimal) {
			if !env.catalogEvents {
				return
			}
			t.emit(model.TriggerPriceChange, before.SKU, map[string]any{
				"sku":      before.SKU,
				"oldPrice": before.Price.String(),
				"newPrice": v.String(),
			})
		},
		queue: func(t *platformTask, sku string, v decimal.Decimal) {
			t.pricePushes = append(t.pricePushes, model.PriceUpdate{SKU: sku, Price: v})
		},
	}
}
