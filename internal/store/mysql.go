package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"catalog-sync-service/internal/config"
	"catalog-sync-service/internal/database"
	"catalog-sync-service/internal/logger"
	"catalog-sync-service/internal/model"
	"catalog-sync-service/internal/policy"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS platforms (
		id VARCHAR(64) PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		type VARCHAR(32) NOT NULL,
		capabilities JSON NOT NULL,
		status VARCHAR(32) NOT NULL,
		credentials_handle VARCHAR(255) NOT NULL,
		last_error TEXT NULL,
		connected_at DATETIME(6) NULL,
		last_sync_at DATETIME(6) NULL,
		last_checked_at DATETIME(6) NULL
	)`,
	`CREATE TABLE IF NOT EXISTS category_mappings (
		primary_category VARCHAR(255) NOT NULL,
		platform_id VARCHAR(64) NOT NULL,
		external_category_id VARCHAR(255) NOT NULL,
		external_category_name VARCHAR(255) NOT NULL,
		updated_at DATETIME(6) NOT NULL,
		PRIMARY KEY (primary_category, platform_id)
	)`,
	`CREATE TABLE IF NOT EXISTS sync_policy (
		id TINYINT PRIMARY KEY,
		data JSON NOT NULL,
		updated_at DATETIME(6) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sync_runs (
		id VARCHAR(36) PRIMARY KEY,
		kind VARCHAR(16) NOT NULL,
		status VARCHAR(16) NOT NULL,
		initiator VARCHAR(16) NOT NULL,
		started_at DATETIME(6) NOT NULL,
		finished_at DATETIME(6) NULL,
		items_processed INT NOT NULL,
		items_succeeded INT NOT NULL,
		items_failed INT NOT NULL,
		items_changed INT NOT NULL,
		cancelled BOOLEAN NOT NULL,
		error_message TEXT NULL,
		outcomes JSON NOT NULL,
		INDEX idx_sync_runs_started_at (started_at)
	)`,
	`CREATE TABLE IF NOT EXISTS conflicts (
		id VARCHAR(36) PRIMARY KEY,
		run_id VARCHAR(36) NOT NULL,
		platform_id VARCHAR(64) NOT NULL,
		item_key VARCHAR(255) NOT NULL,
		field VARCHAR(16) NOT NULL,
		local_value VARCHAR(255) NOT NULL,
		remote_value VARCHAR(255) NOT NULL,
		local_updated_at DATETIME(6) NOT NULL,
		remote_updated_at DATETIME(6) NOT NULL,
		detected_at DATETIME(6) NOT NULL,
		resolved BOOLEAN NOT NULL DEFAULT FALSE,
		resolution VARCHAR(16) NULL,
		resolved_at DATETIME(6) NULL,
		INDEX idx_conflicts_open (platform_id, item_key, field, resolved)
	)`,
	`CREATE TABLE IF NOT EXISTS notification_rules (
		id VARCHAR(36) PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		enabled BOOLEAN NOT NULL,
		channels JSON NOT NULL,
		triggers JSON NOT NULL,
		recipients JSON NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS products (
		sku VARCHAR(128) PRIMARY KEY,
		title VARCHAR(512) NOT NULL,
		category VARCHAR(255) NOT NULL,
		price DECIMAL(18,4) NOT NULL,
		stock INT NOT NULL,
		price_updated_at DATETIME(6) NOT NULL,
		stock_updated_at DATETIME(6) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS orders (
		platform_id VARCHAR(64) NOT NULL,
		external_id VARCHAR(128) NOT NULL,
		status VARCHAR(64) NOT NULL,
		total DECIMAL(18,4) NOT NULL,
		currency CHAR(3) NOT NULL,
		placed_at DATETIME(6) NOT NULL,
		updated_at DATETIME(6) NOT NULL,
		PRIMARY KEY (platform_id, external_id)
	)`,
}

type MySQLStore struct {
	db *database.Database
}

func NewMySQLStore(cfg config.StateStorage) (*MySQLStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := database.NewDatabase(ctx, cfg.Connection())
	if err != nil {
		return nil, err
	}

	s := &MySQLStore{db: db}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewMySQLStoreFromDB wraps an open pool without migrating it.
func NewMySQLStoreFromDB(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: database.Wrap(db)}
}

// Migrate creates missing tables.
func (s *MySQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate state schema: %w", err)
		}
	}
	logger.Log.Info("State schema is up to date", zap.Int("tables", len(schema)))
	return nil
}

func (s *MySQLStore) Close() error {
	return s.db.Close()
}

func (s *MySQLStore) SavePlatform(ctx context.Context, p model.Platform) error {
	caps, err := json.Marshal(p.Capabilities)
	if err != nil {
		return err
	}
	query := `INSERT INTO platforms (id, name, type, capabilities, status, credentials_handle, last_error, connected_at, last_sync_at, last_checked_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			  ON DUPLICATE KEY UPDATE
			  name = VALUES(name),
			  type = VALUES(type),
			  capabilities = VALUES(capabilities),
			  status = VALUES(status),
			  credentials_handle = VALUES(credentials_handle),
			  last_error = VALUES(last_error),
			  connected_at = VALUES(connected_at),
			  last_sync_at = VALUES(last_sync_at),
			  last_checked_at = VALUES(last_checked_at)`

	_, err = s.db.DB.ExecContext(ctx, query,
		p.ID,
		p.Name,
		string(p.Type),
		caps,
		string(p.Status),
		p.CredentialsHandle,
		nullString(p.LastError),
		nullTime(p.ConnectedAt),
		nullTime(p.LastSyncAt),
		nullTime(p.LastCheckedAt),
	)
	return err
}

func (s *MySQLStore) ListPlatforms(ctx context.Context) ([]model.Platform, error) {
	query := `SELECT id, name, type, capabilities, status, credentials_handle, last_error, connected_at, last_sync_at, last_checked_at
			  FROM platforms ORDER BY id`

	rows, err := s.db.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var platforms []model.Platform
	for rows.Next() {
		var (
			p                               model.Platform
			typ, status                     string
			caps                            []byte
			lastError                       sql.NullString
			connectedAt, lastSync, lastSeen sql.NullTime
		)
		err := rows.Scan(
			&p.ID,
			&p.Name,
			&typ,
			&caps,
			&status,
			&p.CredentialsHandle,
			&lastError,
			&connectedAt,
			&lastSync,
			&lastSeen,
		)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(caps, &p.Capabilities); err != nil {
			return nil, fmt.Errorf("platform %s capabilities: %w", p.ID, err)
		}
		p.Type = model.PlatformType(typ)
		p.Status = model.ConnectionStatus(status)
		p.LastError = lastError.String
		p.ConnectedAt = timePtr(connectedAt)
		p.LastSyncAt = timePtr(lastSync)
		p.LastCheckedAt = timePtr(lastSeen)
		platforms = append(platforms, p)
	}
	return platforms, rows.Err()
}

func (s *MySQLStore) SaveMapping(ctx context.Context, m model.CategoryMapping) error {
	query := `INSERT INTO category_mappings (primary_category, platform_id, external_category_id, external_category_name, updated_at)
			  VALUES (?, ?, ?, ?, ?)
			  ON DUPLICATE KEY UPDATE
			  external_category_id = VALUES(external_category_id),
			  external_category_name = VALUES(external_category_name),
			  updated_at = VALUES(updated_at)`

	_, err := s.db.DB.ExecContext(ctx, query,
		m.PrimaryCategory,
		m.PlatformID,
		m.ExternalCategoryID,
		m.ExternalCategoryName,
		m.UpdatedAt,
	)
	return err
}

func (s *MySQLStore) DeleteMapping(ctx context.Context, primaryCategory, platformID string) error {
	query := `DELETE FROM category_mappings WHERE primary_category = ? AND platform_id = ?`
	_, err := s.db.DB.ExecContext(ctx, query, primaryCategory, platformID)
	return err
}

func (s *MySQLStore) ListMappings(ctx context.Context) ([]model.CategoryMapping, error) {
	query := `SELECT primary_category, platform_id, external_category_id, external_category_name, updated_at
			  FROM category_mappings ORDER BY primary_category, platform_id`

	rows, err := s.db.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var mappings []model.CategoryMapping
	for rows.Next() {
		var m model.CategoryMapping
		if err := rows.Scan(&m.PrimaryCategory, &m.PlatformID, &m.ExternalCategoryID, &m.ExternalCategoryName, &m.UpdatedAt); err != nil {
			return nil, err
		}
		mappings = append(mappings, m)
	}
	return mappings, rows.Err()
}

func (s *MySQLStore) LoadPolicy(ctx context.Context) (policy.Policy, error) {
	var data []byte
	err := s.db.DB.QueryRowContext(ctx, `SELECT data FROM sync_policy WHERE id = 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return policy.Policy{}, model.ErrNotFound
	}
	if err != nil {
		return policy.Policy{}, err
	}

	var p policy.Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return policy.Policy{}, fmt.Errorf("decode sync policy: %w", err)
	}
	return p, nil
}

func (s *MySQLStore) SavePolicy(ctx context.Context, p policy.Policy) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	query := `INSERT INTO sync_policy (id, data, updated_at) VALUES (1, ?, ?)
			  ON DUPLICATE KEY UPDATE data = VALUES(data), updated_at = VALUES(updated_at)`
	_, err = s.db.DB.ExecContext(ctx, query, data, p.UpdatedAt)
	return err
}

const runColumns = `id, kind, status, initiator, started_at, finished_at, items_processed, items_succeeded, items_failed, items_changed, cancelled, error_message, outcomes`

func (s *MySQLStore) AppendRun(ctx context.Context, run model.SyncRun) error {
	outcomes, err := json.Marshal(run.Outcomes)
	if err != nil {
		return err
	}

	return s.db.ExecTx(ctx, func(tx *sql.Tx) error {
		query := `INSERT INTO sync_runs (` + runColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
		_, err := tx.ExecContext(ctx, query,
			run.ID,
			string(run.Kind),
			string(run.Status),
			string(run.Initiator),
			run.StartedAt,
			nullTime(run.FinishedAt),
			run.ItemsProcessed,
			run.ItemsSucceeded,
			run.ItemsFailed,
			run.ItemsChanged,
			run.Cancelled,
			nullString(run.Error),
			outcomes,
		)
		if database.IsDuplicateKey(err) {
			return fmt.Errorf("run %s: %w", run.ID, ErrRunExists)
		}
		return err
	})
}

func (s *MySQLStore) GetRun(ctx context.Context, id string) (model.SyncRun, error) {
	row := s.db.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM sync_runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.SyncRun{}, fmt.Errorf("run %s: %w", id, model.ErrNotFound)
	}
	return run, err
}

func (s *MySQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.SyncRun, error) {
	var (
		where []string
		args  []any
	)
	if !filter.From.IsZero() {
		where = append(where, "started_at >= ?")
		args = append(args, filter.From)
	}
	if !filter.To.IsZero() {
		where = append(where, "started_at < ?")
		args = append(args, filter.To)
	}
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := `SELECT ` + runColumns + ` FROM sync_runs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY started_at DESC LIMIT ? OFFSET ?`
	args = append(args, filter.limit(), filter.Offset)

	rows, err := s.db.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []model.SyncRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (model.SyncRun, error) {
	var (
		run                     model.SyncRun
		kind, status, initiator string
		finishedAt              sql.NullTime
		errMessage              sql.NullString
		outcomes                []byte
	)
	err := row.Scan(
		&run.ID,
		&kind,
		&status,
		&initiator,
		&run.StartedAt,
		&finishedAt,
		&run.ItemsProcessed,
		&run.ItemsSucceeded,
		&run.ItemsFailed,
		&run.ItemsChanged,
		&run.Cancelled,
		&errMessage,
		&outcomes,
	)
	if err != nil {
		return model.SyncRun{}, err
	}
	if err := json.Unmarshal(outcomes, &run.Outcomes); err != nil {
		return model.SyncRun{}, fmt.Errorf("run %s outcomes: %w", run.ID, err)
	}
	run.Kind = model.RunKind(kind)
	run.Status = model.RunStatus(status)
	run.Initiator = model.Initiator(initiator)
	run.FinishedAt = timePtr(finishedAt)
	run.Error = errMessage.String
	return run, nil
}

const conflictColumns = `id, run_id, platform_id, item_key, field, local_value, remote_value, local_updated_at, remote_updated_at, detected_at, resolved, resolution, resolved_at`

func (s *MySQLStore) CreateConflict(ctx context.Context, c model.ConflictRecord) error {
	query := `INSERT INTO conflicts (id, run_id, platform_id, item_key, field, local_value, remote_value, local_updated_at, remote_updated_at, detected_at, resolved)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.DB.ExecContext(ctx, query,
		c.ID,
		c.RunID,
		c.PlatformID,
		c.ItemKey,
		string(c.Field),
		c.LocalValue,
		c.RemoteValue,
		c.LocalUpdatedAt,
		c.RemoteUpdatedAt,
		c.DetectedAt,
		c.Resolved,
	)
	return err
}

func (s *MySQLStore) FindOpenConflict(ctx context.Context, platformID, itemKey string, field model.ConflictField) (model.ConflictRecord, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflicts
			  WHERE platform_id = ? AND item_key = ? AND field = ? AND resolved = FALSE
			  ORDER BY detected_at LIMIT 1`

	c, err := scanConflict(s.db.DB.QueryRowContext(ctx, query, platformID, itemKey, string(field)))
	if errors.Is(err, sql.ErrNoRows) {
		return model.ConflictRecord{}, model.ErrNotFound
	}
	return c, err
}

func (s *MySQLStore) GetConflict(ctx context.Context, id string) (model.ConflictRecord, error) {
	c, err := scanConflict(s.db.DB.QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM conflicts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.ConflictRecord{}, fmt.Errorf("conflict %s: %w", id, model.ErrNotFound)
	}
	return c, err
}

func (s *MySQLStore) ListConflicts(ctx context.Context, resolved bool, limit, offset int) ([]model.ConflictRecord, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflicts WHERE resolved = ? ORDER BY detected_at DESC LIMIT ? OFFSET ?`

	rows, err := s.db.DB.QueryContext(ctx, query, resolved, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conflicts []model.ConflictRecord
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}

func (s *MySQLStore) ResolveConflict(ctx context.Context, id, resolution string, at time.Time) error {
	query := `UPDATE conflicts SET resolved = TRUE, resolution = ?, resolved_at = ? WHERE id = ? AND resolved = FALSE`

	res, err := s.db.DB.ExecContext(ctx, query, resolution, at, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("open conflict %s: %w", id, model.ErrNotFound)
	}
	return nil
}

func (s *MySQLStore) ReopenConflict(ctx context.Context, id string) error {
	query := `UPDATE conflicts SET resolved = FALSE, resolution = NULL, resolved_at = NULL WHERE id = ? AND resolved = TRUE`

	res, err := s.db.DB.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("resolved conflict %s: %w", id, model.ErrNotFound)
	}
	return nil
}

func scanConflict(row scanner) (model.ConflictRecord, error) {
	var (
		c          model.ConflictRecord
		field      string
		resolution sql.NullString
		resolvedAt sql.NullTime
	)
	err := row.Scan(
		&c.ID,
		&c.RunID,
		&c.PlatformID,
		&c.ItemKey,
		&field,
		&c.LocalValue,
		&c.RemoteValue,
		&c.LocalUpdatedAt,
		&c.RemoteUpdatedAt,
		&c.DetectedAt,
		&c.Resolved,
		&resolution,
		&resolvedAt,
	)
	if err != nil {
		return model.ConflictRecord{}, err
	}
	c.Field = model.ConflictField(field)
	c.Resolution = resolution.String
	c.ResolvedAt = timePtr(resolvedAt)
	return c, nil
}

func (s *MySQLStore) SaveRule(ctx context.Context, r model.NotificationRule) error {
	channels, err := json.Marshal(r.Channels)
	if err != nil {
		return err
	}
	triggers, err := json.Marshal(r.Triggers)
	if err != nil {
		return err
	}
	recipients, err := json.Marshal(r.Recipients)
	if err != nil {
		return err
	}

	query := `INSERT INTO notification_rules (id, name, enabled, channels, triggers, recipients)
			  VALUES (?, ?, ?, ?, ?, ?)
			  ON DUPLICATE KEY UPDATE
			  name = VALUES(name),
			  enabled = VALUES(enabled),
			  channels = VALUES(channels),
			  triggers = VALUES(triggers),
			  recipients = VALUES(recipients)`
	_, err = s.db.DB.ExecContext(ctx, query, r.ID, r.Name, r.Enabled, channels, triggers, recipients)
	return err
}

func (s *MySQLStore) DeleteRule(ctx context.Context, id string) error {
	res, err := s.db.DB.ExecContext(ctx, `DELETE FROM notification_rules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("notification rule %s: %w", id, model.ErrNotFound)
	}
	return nil
}

func (s *MySQLStore) ListRules(ctx context.Context) ([]model.NotificationRule, error) {
	rows, err := s.db.DB.QueryContext(ctx, `SELECT id, name, enabled, channels, triggers, recipients FROM notification_rules ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []model.NotificationRule
	for rows.Next() {
		var (
			r                              model.NotificationRule
			channels, triggers, recipients []byte
		)
		if err := rows.Scan(&r.ID, &r.Name, &r.Enabled, &channels, &triggers, &recipients); err != nil {
			return nil, err
		}
		if err := errors.Join(
			json.Unmarshal(channels, &r.Channels),
			json.Unmarshal(triggers, &r.Triggers),
			json.Unmarshal(recipients, &r.Recipients),
		); err != nil {
			return nil, fmt.Errorf("notification rule %s: %w", r.ID, err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (s *MySQLStore) UpsertProduct(ctx context.Context, p model.Product) error {
	query := `INSERT INTO products (sku, title, category, price, stock, price_updated_at, stock_updated_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?)
			  ON DUPLICATE KEY UPDATE
			  title = VALUES(title),
			  category = VALUES(category),
			  price = VALUES(price),
			  stock = VALUES(stock),
			  price_updated_at = VALUES(price_updated_at),
			  stock_updated_at = VALUES(stock_updated_at)`

	_, err := s.db.DB.ExecContext(ctx, query,
		p.SKU,
		p.Title,
		p.Category,
		p.Price,
		p.Stock,
		p.PriceUpdatedAt,
		p.StockUpdatedAt,
	)
	return err
}

func (s *MySQLStore) ListProducts(ctx context.Context) ([]model.Product, error) {
	query := `SELECT sku, title, category, price, stock, price_updated_at, stock_updated_at FROM products ORDER BY sku`

	rows, err := s.db.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var products []model.Product
	for rows.Next() {
		var p model.Product
		if err := rows.Scan(&p.SKU, &p.Title, &p.Category, &p.Price, &p.Stock, &p.PriceUpdatedAt, &p.StockUpdatedAt); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

func (s *MySQLStore) UpdateStock(ctx context.Context, sku string, stock int, at time.Time) error {
	res, err := s.db.DB.ExecContext(ctx, `UPDATE products SET stock = ?, stock_updated_at = ? WHERE sku = ?`, stock, at, sku)
	return affectedOne(res, err, "product "+sku)
}

func (s *MySQLStore) UpdatePrice(ctx context.Context, sku string, price decimal.Decimal, at time.Time) error {
	res, err := s.db.DB.ExecContext(ctx, `UPDATE products SET price = ?, price_updated_at = ? WHERE sku = ?`, price, at, sku)
	return affectedOne(res, err, "product "+sku)
}

func (s *MySQLStore) UpsertOrder(ctx context.Context, o model.Order) (model.OrderChange, error) {
	var change model.OrderChange
	err := s.db.ExecTx(ctx, func(tx *sql.Tx) error {
		var prev *model.Order
		var status string
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM orders WHERE platform_id = ? AND external_id = ? FOR UPDATE`,
			o.PlatformID, o.ExternalID,
		).Scan(&status)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return err
		default:
			prev = &model.Order{Status: status}
		}

		query := `INSERT INTO orders (platform_id, external_id, status, total, currency, placed_at, updated_at)
				  VALUES (?, ?, ?, ?, ?, ?, ?)
				  ON DUPLICATE KEY UPDATE
				  status = VALUES(status),
				  total = VALUES(total),
				  currency = VALUES(currency),
				  updated_at = VALUES(updated_at)`
		if _, err := tx.ExecContext(ctx, query,
			o.PlatformID,
			o.ExternalID,
			o.Status,
			o.Total,
			o.Currency,
			o.PlacedAt,
			o.UpdatedAt,
		); err != nil {
			return err
		}
		change = orderChange(prev, o)
		return nil
	})
	return change, err
}

func (s *MySQLStore) ListOrders(ctx context.Context, platformID string, limit, offset int) ([]model.Order, error) {
	query := `SELECT platform_id, external_id, status, total, currency, placed_at, updated_at FROM orders`
	var args []any
	if platformID != "" {
		query += ` WHERE platform_id = ?`
		args = append(args, platformID)
	}
	query += ` ORDER BY placed_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		var o model.Order
		if err := rows.Scan(&o.PlatformID, &o.ExternalID, &o.Status, &o.Total, &o.Currency, &o.PlacedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func affectedOne(res sql.Result, err error, what string) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, model.ErrNotFound)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
