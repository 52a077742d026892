package sync

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-mysql-org/go-mysql/canal"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"catalog-sync-service/internal/config"
	"catalog-sync-service/internal/logger"
	"catalog-sync-service/internal/model"
)

// RowChange is one updated row of the products table, keyed by column name.
type RowChange struct {
	Before map[string]any
	After  map[string]any
}

// CatalogFeed tails the MySQL binlog of the local products table and raises
// lowStock and priceChange events for edits made outside a sync run.
type CatalogFeed struct {
	cfg      config.CatalogFeedConfig
	canal    *canal.Canal
	policies PolicySource
	notifier Notifier
	ctx      context.Context
	cancel   context.CancelFunc
	now      func() time.Time
}

func NewCatalogFeed(cfg config.CatalogFeedConfig, policies PolicySource, notifier Notifier) (*CatalogFeed, error) {
	src := cfg.Source
	user, password := src.ReplicationUser, src.ReplicationPassword
	if user == "" {
		user, password = src.User, src.Password
	}

	c, err := canal.NewCanal(&canal.Config{
		Addr:     fmt.Sprintf("%s:%d", src.Host, src.Port),
		User:     user,
		Password: password,
		Flavor:   "mysql",
		ServerID: cfg.ServerID,
		Dump: canal.DumpConfig{
			ExecutionPath: "",
		},
		IncludeTableRegex: []string{fmt.Sprintf("^%s\\.%s$", src.Database, cfg.Table)},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create canal: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	f := &CatalogFeed{
		cfg:      cfg,
		canal:    c,
		policies: policies,
		notifier: notifier,
		ctx:      ctx,
		cancel:   cancel,
		now:      func() time.Time { return time.Now().UTC() },
	}
	c.SetEventHandler(&eventHandler{feed: f})
	return f, nil
}

// Start follows the binlog from the current master position; history is not
// replayed.
func (f *CatalogFeed) Start() error {
	pos, err := f.canal.GetMasterPos()
	if err != nil {
		return fmt.Errorf("failed to read master position: %w", err)
	}
	logger.Log.Info("Starting catalog feed",
		zap.String("host", f.cfg.Source.Host),
		zap.String("table", f.cfg.Table),
		zap.String("binlog_file", pos.Name),
		zap.Uint32("binlog_pos", pos.Pos),
	)

	go func() {
		if err := f.canal.RunFrom(pos); err != nil && f.ctx.Err() == nil {
			logger.Log.Error("Canal run error", zap.Error(err))
		}
	}()
	return nil
}

func (f *CatalogFeed) Stop() {
	f.cancel()
	f.canal.Close()
	logger.Log.Info("Stopped catalog feed")
}

func (f *CatalogFeed) handle(change RowChange) {
	threshold := f.policies.Current().LowStockThreshold
	for _, ev := range TranslateChange(change, threshold, f.now()) {
		f.notifier.NotifyEvent(f.ctx, ev)
	}
}

type eventHandler struct {
	canal.DummyEventHandler
	feed *CatalogFeed
}

func (h *eventHandler) OnRow(e *canal.RowsEvent) error {
	if e.Action != canal.UpdateAction || e.Table.Name != h.feed.cfg.Table {
		return nil
	}

	columns := make([]string, len(e.Table.Columns))
	for i, c := range e.Table.Columns {
		columns[i] = c.Name
	}
	// Update rows arrive as before/after pairs.
	for i := 0; i+1 < len(e.Rows); i += 2 {
		h.feed.handle(RowChange{
			Before: rowMap(columns, e.Rows[i]),
			After:  rowMap(columns, e.Rows[i+1]),
		})
	}
	return h.feed.ctx.Err()
}

func (h *eventHandler) String() string {
	return "CatalogFeedEventHandler"
}

func rowMap(columns []string, row []any) map[string]any {
	out := make(map[string]any, len(columns))
	for i, name := range columns {
		if i < len(row) {
			out[name] = row[i]
		}
	}
	return out
}

// TranslateChange turns one products row update into notification events.
// Stock falling to or below threshold raises lowStock; any price change raises
// priceChange.
func TranslateChange(change RowChange, threshold int, at time.Time) []model.Event {
	sku := asString(change.After["sku"])
	if sku == "" {
		return nil
	}
	title := asString(change.After["title"])

	var events []model.Event
	before, okBefore := asInt(change.Before["stock"])
	after, okAfter := asInt(change.After["stock"])
	if okBefore && okAfter && after <= threshold && before > threshold {
		events = append(events, model.Event{
			Type:       model.TriggerLowStock,
			OccurredAt: at,
			Subject:    sku,
			Payload: map[string]any{
				"sku":       sku,
				"title":     title,
				"stock":     after,
				"threshold": threshold,
			},
		})
	}

	oldPrice, okBefore := asDecimal(change.Before["price"])
	newPrice, okAfter := asDecimal(change.After["price"])
	if okBefore && okAfter && !oldPrice.Equal(newPrice) {
		events = append(events, model.Event{
			Type:       model.TriggerPriceChange,
			OccurredAt: at,
			Subject:    sku,
			Payload: map[string]any{
				"sku":      sku,
				"oldPrice": oldPrice.String(),
				"newPrice": newPrice.String(),
			},
		})
	}
	return events
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return ""
	}
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int8:
		return int(t), true
	case int16:
		return int(t), true
	case int32:
		return int(t), true
	case int64:
		return int(t), true
	case uint8:
		return int(t), true
	case uint16:
		return int(t), true
	case uint32:
		return int(t), true
	case uint64:
		return int(t), true
	case string:
		n, err := strconv.Atoi(t)
		return n, err == nil
	default:
		return 0, false
	}
}

func asDecimal(v any) (decimal.Decimal, bool) {
	switch t := v.(type) {
	case string:
		d, err := decimal.NewFromString(t)
		return d, err == nil
	case []byte:
		d, err := decimal.NewFromString(string(t))
		return d, err == nil
	case float64:
		return decimal.NewFromFloat(t), true
	case float32:
		return decimal.NewFromFloat32(t), true
	case decimal.Decimal:
		return t, true
	default:
		if n, ok := asInt(v); ok {
			return decimal.NewFromInt(int64(n)), true
		}
		return decimal.Decimal{}, false
	}
}
