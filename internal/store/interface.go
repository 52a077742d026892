package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"catalog-sync-service/internal/model"
	"catalog-sync-service/internal/policy"
)

type Store interface {
	// Platforms
	SavePlatform(ctx context.Context, p model.Platform) error
	ListPlatforms(ctx context.Context) ([]model.Platform, error)

	// Category mappings
	SaveMapping(ctx context.Context, m model.CategoryMapping) error
	DeleteMapping(ctx context.Context, primaryCategory, platformID string) error
	ListMappings(ctx context.Context) ([]model.CategoryMapping, error)

	// Sync policy
	LoadPolicy(ctx context.Context) (policy.Policy, error)
	SavePolicy(ctx context.Context, p policy.Policy) error

	// Run log. Runs are append-only.
	AppendRun(ctx context.Context, run model.SyncRun) error
	GetRun(ctx context.Context, id string) (model.SyncRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.SyncRun, error)

	// Conflicts
	CreateConflict(ctx context.Context, c model.ConflictRecord) error
	FindOpenConflict(ctx context.Context, platformID, itemKey string, field model.ConflictField) (model.ConflictRecord, error)
	GetConflict(ctx context.Context, id string) (model.ConflictRecord, error)
	ListConflicts(ctx context.Context, resolved bool, limit, offset int) ([]model.ConflictRecord, error)
	ResolveConflict(ctx context.Context, id, resolution string, at time.Time) error
	ReopenConflict(ctx context.Context, id string) error

	// Notification rules
	SaveRule(ctx context.Context, r model.NotificationRule) error
	DeleteRule(ctx context.Context, id string) error
	ListRules(ctx context.Context) ([]model.NotificationRule, error)

	// Local catalog
	UpsertProduct(ctx context.Context, p model.Product) error
	ListProducts(ctx context.Context) ([]model.Product, error)
	UpdateStock(ctx context.Context, sku string, stock int, at time.Time) error
	UpdatePrice(ctx context.Context, sku string, price decimal.Decimal, at time.Time) error
	UpsertOrder(ctx context.Context, o model.Order) (model.OrderChange, error)
	ListOrders(ctx context.Context, platformID string, limit, offset int) ([]model.Order, error)

	// General
	Close() error
}
