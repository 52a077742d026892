package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"catalog-sync-service/internal/config"
	"catalog-sync-service/internal/logger"
	"catalog-sync-service/internal/model"
	"catalog-sync-service/internal/policy"
)

// Key layout. Values are JSON.
const (
	prefixPlatform = "platform/"
	prefixMapping  = "mapping/"
	keyPolicy      = "policy"
	prefixRun      = "run/"   // run/{startedAt}/{id}
	prefixRunID    = "runid/" // runid/{id} -> run key
	prefixConflict = "conflict/"
	prefixRule     = "rule/"
	prefixProduct  = "product/"
	prefixOrder    = "order/" // order/{platform}/{externalID}

	gcInterval     = 5 * time.Minute
	gcDiscardRatio = 0.5
)

// runKeyTime sorts lexically in time order.
const runKeyTime = "20060102T150405.000000000Z"

type BadgerStore struct {
	db *badger.DB

	// mu serializes read-modify-write transactions so they never race into
	// badger.ErrConflict.
	mu     sync.Mutex
	stopGC chan struct{}
	gcDone chan struct{}
}

type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...interface{}) {
	logger.Log.Error(fmt.Sprintf(format, args...))
}

func (badgerLogger) Warningf(format string, args ...interface{}) {
	logger.Log.Warn(fmt.Sprintf(format, args...))
}

func (badgerLogger) Infof(format string, args ...interface{}) {
	logger.Log.Debug(fmt.Sprintf(format, args...))
}

func (badgerLogger) Debugf(format string, args ...interface{}) {}

func NewBadgerStore(cfg config.StateStorage) (*BadgerStore, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.FilePath == "" {
			return nil, errors.New("badger state storage needs file_path")
		}
		if err := os.MkdirAll(cfg.FilePath, 0750); err != nil {
			return nil, fmt.Errorf("create state directory %s: %w", cfg.FilePath, err)
		}
		opts = badger.DefaultOptions(cfg.FilePath).WithSyncWrites(true)
	}
	opts = opts.WithNumVersionsToKeep(1).WithLogger(badgerLogger{})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger state store: %w", err)
	}

	s := &BadgerStore{db: db}
	if !cfg.InMemory {
		s.stopGC = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.runGC()
	}
	logger.Log.Info("Opened badger state store",
		zap.String("path", cfg.FilePath),
		zap.Bool("in_memory", cfg.InMemory),
	)
	return s, nil
}

func (s *BadgerStore) runGC() {
	defer close(s.gcDone)
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			if err := s.db.RunValueLogGC(gcDiscardRatio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				logger.Log.Warn("Badger value log GC failed", zap.Error(err))
			}
		}
	}
}

func (s *BadgerStore) Close() error {
	if s.stopGC != nil {
		close(s.stopGC)
		<-s.gcDone
	}
	return s.db.Close()
}

func putJSON(txn *badger.Txn, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set([]byte(key), data)
}

// getJSON decodes key into v, returning model.ErrNotFound if it is absent.
func getJSON(txn *badger.Txn, key string, v any) error {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return model.ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

// scan calls fn with the value of every key under prefix, in key order or in
// reverse.
func scan(txn *badger.Txn, prefix string, reverse bool, fn func(key, val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	opts.Reverse = reverse
	it := txn.NewIterator(opts)
	defer it.Close()

	seek := []byte(prefix)
	if reverse {
		seek = append(append([]byte{}, seek...), 0xFF)
	}
	for it.Seek(seek); it.ValidForPrefix([]byte(prefix)); it.Next() {
		item := it.Item()
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := fn(item.KeyCopy(nil), val); err != nil {
			return err
		}
	}
	return nil
}

func (s *BadgerStore) SavePlatform(ctx context.Context, p model.Platform) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return putJSON(txn, prefixPlatform+p.ID, toPlatformRecord(p))
	})
}

func (s *BadgerStore) ListPlatforms(ctx context.Context) ([]model.Platform, error) {
	var out []model.Platform
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(txn, prefixPlatform, false, func(_, val []byte) error {
			var rec platformRecord
			if err := json.Unmarshal(val, &rec); err != nil {
				return err
			}
			out = append(out, rec.platform())
			return nil
		})
	})
	return out, err
}

func mappingKey(category, platformID string) string {
	return prefixMapping + category + "\x00" + platformID
}

func (s *BadgerStore) SaveMapping(ctx context.Context, m model.CategoryMapping) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return putJSON(txn, mappingKey(m.PrimaryCategory, m.PlatformID), m)
	})
}

func (s *BadgerStore) DeleteMapping(ctx context.Context, primaryCategory, platformID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(mappingKey(primaryCategory, platformID)))
	})
}

func (s *BadgerStore) ListMappings(ctx context.Context) ([]model.CategoryMapping, error) {
	var out []model.CategoryMapping
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(txn, prefixMapping, false, func(_, val []byte) error {
			var m model.CategoryMapping
			if err := json.Unmarshal(val, &m); err != nil {
				return err
			}
			out = append(out, m)
			return nil
		})
	})
	return out, err
}

func (s *BadgerStore) LoadPolicy(ctx context.Context) (policy.Policy, error) {
	var p policy.Policy
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, keyPolicy, &p)
	})
	return p, err
}

func (s *BadgerStore) SavePolicy(ctx context.Context, p policy.Policy) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return putJSON(txn, keyPolicy, p)
	})
}

func runKey(run model.SyncRun) string {
	return prefixRun + run.StartedAt.UTC().Format(runKeyTime) + "/" + run.ID
}

func (s *BadgerStore) AppendRun(ctx context.Context, run model.SyncRun) error {
	return s.db.Update(func(txn *badger.Txn) error {
		idKey := []byte(prefixRunID + run.ID)
		if _, err := txn.Get(idKey); err == nil {
			return fmt.Errorf("run %s: %w", run.ID, ErrRunExists)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		key := runKey(run)
		if err := putJSON(txn, key, run); err != nil {
			return err
		}
		return txn.Set(idKey, []byte(key))
	})
}

func (s *BadgerStore) GetRun(ctx context.Context, id string) (model.SyncRun, error) {
	var run model.SyncRun
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixRunID + id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("run %s: %w", id, model.ErrNotFound)
		}
		if err != nil {
			return err
		}
		key, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return getJSON(txn, string(key), &run)
	})
	return run, err
}

func (s *BadgerStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.SyncRun, error) {
	var out []model.SyncRun
	skip, limit := filter.Offset, filter.limit()
	errDone := errors.New("done")

	err := s.db.View(func(txn *badger.Txn) error {
		return scan(txn, prefixRun, true, func(_, val []byte) error {
			var run model.SyncRun
			if err := json.Unmarshal(val, &run); err != nil {
				return err
			}
			if !filter.matches(run) {
				return nil
			}
			if skip > 0 {
				skip--
				return nil
			}
			out = append(out, run)
			if len(out) >= limit {
				return errDone
			}
			return nil
		})
	})
	if errors.Is(err, errDone) {
		err = nil
	}
	return out, err
}

func (s *BadgerStore) CreateConflict(ctx context.Context, c model.ConflictRecord) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return putJSON(txn, prefixConflict+c.ID, c)
	})
}

func (s *BadgerStore) allConflicts(txn *badger.Txn) ([]model.ConflictRecord, error) {
	var out []model.ConflictRecord
	err := scan(txn, prefixConflict, false, func(_, val []byte) error {
		var c model.ConflictRecord
		if err := json.Unmarshal(val, &c); err != nil {
			return err
		}
		out = append(out, c)
		return nil
	})
	return out, err
}

func (s *BadgerStore) FindOpenConflict(ctx context.Context, platformID, itemKey string, field model.ConflictField) (model.ConflictRecord, error) {
	var found *model.ConflictRecord
	err := s.db.View(func(txn *badger.Txn) error {
		all, err := s.allConflicts(txn)
		if err != nil {
			return err
		}
		for i := range all {
			c := all[i]
			if !c.Resolved && c.PlatformID == platformID && c.ItemKey == itemKey && c.Field == field {
				if found == nil || c.DetectedAt.Before(found.DetectedAt) {
					found = &c
				}
			}
		}
		return nil
	})
	if err != nil {
		return model.ConflictRecord{}, err
	}
	if found == nil {
		return model.ConflictRecord{}, model.ErrNotFound
	}
	return *found, nil
}

func (s *BadgerStore) GetConflict(ctx context.Context, id string) (model.ConflictRecord, error) {
	var c model.ConflictRecord
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, prefixConflict+id, &c)
	})
	if errors.Is(err, model.ErrNotFound) {
		return c, fmt.Errorf("conflict %s: %w", id, model.ErrNotFound)
	}
	return c, err
}

func (s *BadgerStore) ListConflicts(ctx context.Context, resolved bool, limit, offset int) ([]model.ConflictRecord, error) {
	var out []model.ConflictRecord
	err := s.db.View(func(txn *badger.Txn) error {
		all, err := s.allConflicts(txn)
		if err != nil {
			return err
		}
		for _, c := range all {
			if c.Resolved == resolved {
				out = append(out, c)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.After(out[j].DetectedAt) })
	return page(out, limit, offset), nil
}

func (s *BadgerStore) ResolveConflict(ctx context.Context, id, resolution string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		var c model.ConflictRecord
		if err := getJSON(txn, prefixConflict+id, &c); err != nil {
			return fmt.Errorf("conflict %s: %w", id, err)
		}
		if c.Resolved {
			return fmt.Errorf("open conflict %s: %w", id, model.ErrNotFound)
		}
		c.Resolved = true
		c.Resolution = resolution
		c.ResolvedAt = &at
		return putJSON(txn, prefixConflict+id, c)
	})
}

func (s *BadgerStore) ReopenConflict(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		var c model.ConflictRecord
		if err := getJSON(txn, prefixConflict+id, &c); err != nil {
			return fmt.Errorf("conflict %s: %w", id, err)
		}
		if !c.Resolved {
			return fmt.Errorf("resolved conflict %s: %w", id, model.ErrNotFound)
		}
		c.Resolved = false
		c.Resolution = ""
		c.ResolvedAt = nil
		return putJSON(txn, prefixConflict+id, c)
	})
}

func (s *BadgerStore) SaveRule(ctx context.Context, r model.NotificationRule) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return putJSON(txn, prefixRule+r.ID, r)
	})
}

func (s *BadgerStore) DeleteRule(ctx context.Context, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		key := []byte(prefixRule + id)
		if _, err := txn.Get(key); errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("notification rule %s: %w", id, model.ErrNotFound)
		}
		return txn.Delete(key)
	})
}

func (s *BadgerStore) ListRules(ctx context.Context) ([]model.NotificationRule, error) {
	var out []model.NotificationRule
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(txn, prefixRule, false, func(_, val []byte) error {
			var r model.NotificationRule
			if err := json.Unmarshal(val, &r); err != nil {
				return err
			}
			out = append(out, r)
			return nil
		})
	})
	return out, err
}

func (s *BadgerStore) UpsertProduct(ctx context.Context, p model.Product) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return putJSON(txn, prefixProduct+p.SKU, p)
	})
}

func (s *BadgerStore) ListProducts(ctx context.Context) ([]model.Product, error) {
	var out []model.Product
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(txn, prefixProduct, false, func(_, val []byte) error {
			var p model.Product
			if err := json.Unmarshal(val, &p); err != nil {
				return err
			}
			out = append(out, p)
			return nil
		})
	})
	return out, err
}

func (s *BadgerStore) updateProduct(sku string, fn func(p *model.Product)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		var p model.Product
		if err := getJSON(txn, prefixProduct+sku, &p); err != nil {
			return fmt.Errorf("product %s: %w", sku, err)
		}
		fn(&p)
		return putJSON(txn, prefixProduct+sku, p)
	})
}

func (s *BadgerStore) UpdateStock(ctx context.Context, sku string, stock int, at time.Time) error {
	return s.updateProduct(sku, func(p *model.Product) {
		p.Stock = stock
		p.StockUpdatedAt = at
	})
}

func (s *BadgerStore) UpdatePrice(ctx context.Context, sku string, price decimal.Decimal, at time.Time) error {
	return s.updateProduct(sku, func(p *model.Product) {
		p.Price = price
		p.PriceUpdatedAt = at
	})
}

func (s *BadgerStore) UpsertOrder(ctx context.Context, o model.Order) (model.OrderChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var change model.OrderChange
	key := prefixOrder + o.PlatformID + "/" + o.ExternalID
	err := s.db.Update(func(txn *badger.Txn) error {
		var prev model.Order
		err := getJSON(txn, key, &prev)
		switch {
		case errors.Is(err, model.ErrNotFound):
			change = orderChange(nil, o)
		case err != nil:
			return err
		default:
			change = orderChange(&prev, o)
		}
		return putJSON(txn, key, o)
	})
	return change, err
}

func (s *BadgerStore) ListOrders(ctx context.Context, platformID string, limit, offset int) ([]model.Order, error) {
	prefix := prefixOrder
	if platformID != "" {
		prefix += platformID + "/"
	}
	var out []model.Order
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(txn, prefix, false, func(_, val []byte) error {
			var o model.Order
			if err := json.Unmarshal(val, &o); err != nil {
				return err
			}
			out = append(out, o)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlacedAt.After(out[j].PlacedAt) })
	return page(out, limit, offset), nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
