package sync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"catalog-sync-service/internal/config"
	"catalog-sync-service/internal/mapping"
	"catalog-sync-service/internal/model"
	"catalog-sync-service/internal/platform"
	"catalog-sync-service/internal/policy"
)

// fakePlatform is an in-memory external platform.
type fakePlatform struct {
	mu         sync.Mutex
	caps       model.Capabilities
	items      map[string]model.ExternalItem
	orders     []model.Order
	pullErr    error
	block      chan struct{}
	entered    chan struct{}
	enterOnce  sync.Once
	pullCalls  int
	pushCalls  int
	rejectSKUs map[string]string
}

func newFakePlatform(items ...model.ExternalItem) *fakePlatform {
	f := &fakePlatform{
		caps:    model.Capabilities{Inventory: true, Price: true, Orders: true, Products: true},
		items:   make(map[string]model.ExternalItem),
		entered: make(chan struct{}),
	}
	for _, it := range items {
		f.items[it.SKU] = it
	}
	return f
}

func (f *fakePlatform) pushes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pushCalls
}

func (f *fakePlatform) item(sku string) model.ExternalItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.items[sku]
}

func (f *fakePlatform) Connect(ctx context.Context, creds string) (platform.Info, error) {
	return platform.Info{Name: "fake", Type: model.PlatformWebstore, Capabilities: f.caps}, nil
}

func (f *fakePlatform) PullCatalog(ctx context.Context, filter []string) ([]model.ExternalItem, error) {
	f.enterOnce.Do(func() { close(f.entered) })
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.pullCalls++
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	allowed := make(map[string]bool)
	for _, c := range filter {
		allowed[c] = true
	}
	var out []model.ExternalItem
	for _, it := range f.items {
		if filter == nil || allowed[it.ExternalCategoryID] {
			out = append(out, it)
		}
	}
	return out, nil
}

func (f *fakePlatform) ack(sku string) model.Ack {
	if code, ok := f.rejectSKUs[sku]; ok {
		return model.Ack{SKU: sku, OK: false, Code: code, Message: "rejected"}
	}
	return model.Ack{SKU: sku, OK: true}
}

func (f *fakePlatform) PushProducts(ctx context.Context, items []model.ProductPush) ([]model.Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushCalls++
	acks := make([]model.Ack, 0, len(items))
	for _, p := range items {
		a := f.ack(p.SKU)
		if a.OK {
			f.items[p.SKU] = model.ExternalItem{
				SKU:                p.SKU,
				ExternalID:         "ext-" + p.SKU,
				Title:              p.Title,
				ExternalCategoryID: p.ExternalCategoryID,
				Price:              p.Price,
				Stock:              p.Stock,
				UpdatedAt:          time.Now().UTC(),
			}
		}
		acks = append(acks, a)
	}
	return acks, nil
}

func (f *fakePlatform) PushInventory(ctx context.Context, items []model.InventoryUpdate) ([]model.Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushCalls++
	acks := make([]model.Ack, 0, len(items))
	for _, u := range items {
		a := f.ack(u.SKU)
		if a.OK {
			it := f.items[u.SKU]
			it.Stock = u.Stock
			it.UpdatedAt = time.Now().UTC()
			f.items[u.SKU] = it
		}
		acks = append(acks, a)
	}
	return acks, nil
}

func (f *fakePlatform) PushPrices(ctx context.Context, items []model.PriceUpdate) ([]model.Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushCalls++
	acks := make([]model.Ack, 0, len(items))
	for _, u := range items {
		a := f.ack(u.SKU)
		if a.OK {
			it := f.items[u.SKU]
			it.Price = u.Price
			it.UpdatedAt = time.Now().UTC()
			f.items[u.SKU] = it
		}
		acks = append(acks, a)
	}
	return acks, nil
}

func (f *fakePlatform) PullOrders(ctx context.Context, since time.Time) ([]model.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	var out []model.Order
	for _, o := range f.orders {
		if !o.UpdatedAt.Before(since) {
			out = append(out, o)
		}
	}
	return out, nil
}

type memoryCatalog struct {
	mu          sync.Mutex
	products    map[string]model.Product
	orders      map[string]model.Order
	stockWrites int
}

func newMemoryCatalog(products ...model.Product) *memoryCatalog {
	c := &memoryCatalog{
		products: make(map[string]model.Product),
		orders:   make(map[string]model.Order),
	}
	for _, p := range products {
		c.products[p.SKU] = p
	}
	return c
}

func (c *memoryCatalog) product(sku string) model.Product {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.products[sku]
}

func (c *memoryCatalog) writes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stockWrites
}

func (c *memoryCatalog) ListProducts(ctx context.Context) ([]model.Product, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.Product, 0, len(c.products))
	for _, p := range c.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SKU < out[j].SKU })
	return out, nil
}

func (c *memoryCatalog) UpdateStock(ctx context.Context, sku string, stock int, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.products[sku]
	if !ok {
		return model.ErrNotFound
	}
	p.Stock = stock
	p.StockUpdatedAt = at
	c.products[sku] = p
	c.stockWrites++
	return nil
}

func (c *memoryCatalog) UpdatePrice(ctx context.Context, sku string, price decimal.Decimal, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.products[sku]
	if !ok {
		return model.ErrNotFound
	}
	p.Price = price
	p.PriceUpdatedAt = at
	c.products[sku] = p
	return nil
}

func (c *memoryCatalog) UpsertOrder(ctx context.Context, o model.Order) (model.OrderChange, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := o.PlatformID + "/" + o.ExternalID
	prev, ok := c.orders[key]
	c.orders[key] = o
	switch {
	case !ok:
		return model.OrderChange{Created: true}, nil
	case prev.Status != o.Status:
		return model.OrderChange{StatusChanged: true, PreviousStatus: prev.Status}, nil
	default:
		return model.OrderChange{}, nil
	}
}

type memoryRuns struct {
	mu   sync.Mutex
	runs []model.SyncRun
}

func (r *memoryRuns) AppendRun(ctx context.Context, run model.SyncRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, run)
	return nil
}

func (r *memoryRuns) list() []model.SyncRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.SyncRun(nil), r.runs...)
}

type memoryConflicts struct {
	mu   sync.Mutex
	rows map[string]model.ConflictRecord
}

func newMemoryConflicts() *memoryConflicts {
	return &memoryConflicts{rows: make(map[string]model.ConflictRecord)}
}

func (m *memoryConflicts) CreateConflict(ctx context.Context, c model.ConflictRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[c.ID] = c
	return nil
}

func (m *memoryConflicts) FindOpenConflict(ctx context.Context, platformID, itemKey string, field model.ConflictField) (model.ConflictRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.rows {
		if !c.Resolved && c.PlatformID == platformID && c.ItemKey == itemKey && c.Field == field {
			return c, nil
		}
	}
	return model.ConflictRecord{}, model.ErrNotFound
}

func (m *memoryConflicts) GetConflict(ctx context.Context, id string) (model.ConflictRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.rows[id]
	if !ok {
		return model.ConflictRecord{}, fmt.Errorf("conflict %s: %w", id, model.ErrNotFound)
	}
	return c, nil
}

func (m *memoryConflicts) ResolveConflict(ctx context.Context, id, resolution string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.rows[id]
	if !ok || c.Resolved {
		return model.ErrNotFound
	}
	c.Resolved = true
	c.Resolution = resolution
	c.ResolvedAt = &at
	m.rows[id] = c
	return nil
}

func (m *memoryConflicts) ReopenConflict(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.rows[id]
	if !ok || !c.Resolved {
		return model.ErrNotFound
	}
	c.Resolved = false
	c.Resolution = ""
	c.ResolvedAt = nil
	m.rows[id] = c
	return nil
}

func (m *memoryConflicts) all() []model.ConflictRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ConflictRecord
	for _, c := range m.rows {
		out = append(out, c)
	}
	return out
}

// recordingNotifier captures what the manager dispatches, and how many runs
// were already in the log at that moment.
type recordingNotifier struct {
	mu          sync.Mutex
	runsLog     *memoryRuns
	runs        []model.SyncRun
	loggedAtRun []int
	events      []model.Event
}

func (n *recordingNotifier) NotifyRun(ctx context.Context, run model.SyncRun) {
	logged := len(n.runsLog.list())
	n.mu.Lock()
	defer n.mu.Unlock()
	n.runs = append(n.runs, run)
	n.loggedAtRun = append(n.loggedAtRun, logged)
}

func (n *recordingNotifier) NotifyEvent(ctx context.Context, ev model.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) eventsOf(t model.Trigger) []model.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []model.Event
	for _, ev := range n.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type platformRepo struct {
	mu   sync.Mutex
	rows map[string]model.Platform
}

func (r *platformRepo) SavePlatform(ctx context.Context, p model.Platform) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[p.ID] = p
	return nil
}

func (r *platformRepo) ListPlatforms(ctx context.Context) ([]model.Platform, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Platform
	for _, p := range r.rows {
		out = append(out, p)
	}
	return out, nil
}

// gatedPlatforms holds the first registry snapshot of a run until released.
type gatedPlatforms struct {
	PlatformSource
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedPlatforms) Snapshot() platform.Snapshot {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return g.PlatformSource.Snapshot()
}

type mappingRepo struct{}

func (mappingRepo) SaveMapping(ctx context.Context, m model.CategoryMapping) error { return nil }
func (mappingRepo) DeleteMapping(ctx context.Context, c, p string) error          { return nil }
func (mappingRepo) ListMappings(ctx context.Context) ([]model.CategoryMapping, error) {
	return nil, nil
}

type policyRepo struct{}

func (policyRepo) LoadPolicy(ctx context.Context) (policy.Policy, error) {
	return policy.Policy{}, model.ErrNotFound
}
func (policyRepo) SavePolicy(ctx context.Context, p policy.Policy) error { return nil }

type fixture struct {
	registry  *platform.Registry
	mappings  *mapping.Table
	policies  *policy.Holder
	catalog   *memoryCatalog
	runs      *memoryRuns
	conflicts *memoryConflicts
	notifier  *recordingNotifier
	manager   *Manager
}

func newFixture(t *testing.T, cfg config.SyncConfig, catalog *memoryCatalog, fakes map[string]*fakePlatform) *fixture {
	t.Helper()
	ctx := context.Background()

	if cfg.Workers == 0 {
		cfg.Workers = 1
	}
	if cfg.PlatformTimeout == 0 {
		cfg.PlatformTimeout = 5 * time.Second
	}
	if cfg.CheckpointGrace == 0 {
		cfg.CheckpointGrace = 50 * time.Millisecond
	}

	registry := platform.NewRegistry(&platformRepo{rows: make(map[string]model.Platform)},
		platform.FactoryFunc(func(id string) (platform.Connector, error) {
			f, ok := fakes[id]
			if !ok {
				return nil, model.ErrNotFound
			}
			return f, nil
		}))
	for id := range fakes {
		_, err := registry.Connect(ctx, id, "token")
		require.NoError(t, err)
	}

	holder, err := policy.NewHolder(ctx, policyRepo{}, registry)
	require.NoError(t, err)

	runs := &memoryRuns{}
	f := &fixture{
		registry:  registry,
		mappings:  mapping.NewTable(mappingRepo{}, registry),
		policies:  holder,
		catalog:   catalog,
		runs:      runs,
		conflicts: newMemoryConflicts(),
		notifier:  &recordingNotifier{runsLog: runs},
	}
	f.manager = NewManager(cfg, Dependencies{
		Policies:  holder,
		Platforms: registry,
		Mappings:  f.mappings,
		Catalog:   catalog,
		Runs:      runs,
		Conflicts: f.conflicts,
		Notifier:  f.notifier,
	})
	t.Cleanup(f.manager.Close)
	return f
}

func (f *fixture) setPolicy(t *testing.T, mutate func(p *policy.Policy)) {
	t.Helper()
	p := f.policies.Current()
	mutate(&p)
	_, err := f.policies.Update(context.Background(), p)
	require.NoError(t, err)
}

func product(sku string, stock int, price string, updated time.Time) model.Product {
	return model.Product{
		SKU:            sku,
		Title:          "Item " + sku,
		Category:       "Gadgets",
		Price:          decimal.RequireFromString(price),
		Stock:          stock,
		PriceUpdatedAt: updated,
		StockUpdatedAt: updated,
	}
}

func listing(sku string, stock int, price string, updated time.Time) model.ExternalItem {
	return model.ExternalItem{
		SKU:                sku,
		ExternalID:         "ext-" + sku,
		Title:              "Item " + sku,
		ExternalCategoryID: "gadgets",
		Price:              decimal.RequireFromString(price),
		Stock:              stock,
		UpdatedAt:          updated,
	}
}
