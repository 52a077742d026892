package platform

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"catalog-sync-service/internal/logger"
	"catalog-sync-service/internal/model"
)

type Repository interface {
	SavePlatform(ctx context.Context, p model.Platform) error
	ListPlatforms(ctx context.Context) ([]model.Platform, error)
}

// Registry tracks platform connection state. Mutations of one platform id are
// serialized; different ids proceed in parallel.
type Registry struct {
	repo    Repository
	factory Factory
	now     func() time.Time

	mu         sync.RWMutex
	platforms  map[string]model.Platform
	connectors map[string]Connector

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func NewRegistry(repo Repository, factory Factory) *Registry {
	return &Registry{
		repo:       repo,
		factory:    factory,
		now:        func() time.Time { return time.Now().UTC() },
		platforms:  make(map[string]model.Platform),
		connectors: make(map[string]Connector),
		locks:      make(map[string]*sync.Mutex),
	}
}

// Load reads persisted platforms. Live connectors are not restored; call
// RefreshAll to re-handshake the ones stored as connected.
func (r *Registry) Load(ctx context.Context) error {
	list, err := r.repo.ListPlatforms(ctx)
	if err != nil {
		return fmt.Errorf("failed to load platforms: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range list {
		r.platforms[p.ID] = p
	}
	return nil
}

func (r *Registry) lockFor(id string) *sync.Mutex {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	l, ok := r.locks[id]
	if !ok {
		l = &sync.Mutex{}
		r.locks[id] = l
	}
	return l
}

// Connect performs the handshake and marks the platform connected. A failed
// handshake on a known platform records status=error.
func (r *Registry) Connect(ctx context.Context, id, credentialsHandle string) (model.Platform, error) {
	l := r.lockFor(id)
	l.Lock()
	defer l.Unlock()

	conn, err := r.factory.New(id)
	if err != nil {
		return model.Platform{}, fmt.Errorf("platform %q: %w", id, err)
	}
	return r.handshake(ctx, id, credentialsHandle, conn)
}

func (r *Registry) handshake(ctx context.Context, id, credentialsHandle string, conn Connector) (model.Platform, error) {
	info, err := conn.Connect(ctx, credentialsHandle)
	now := r.now()

	r.mu.Lock()
	p, known := r.platforms[id]
	r.mu.Unlock()

	if err != nil {
		logger.Log.Warn("Platform handshake failed", zap.String("platform_id", id), zap.Error(err))
		if known {
			p.Status = model.StatusError
			p.LastError = err.Error()
			p.LastCheckedAt = &now
			if saveErr := r.save(ctx, p, nil); saveErr != nil {
				return model.Platform{}, errors.Join(err, saveErr)
			}
		}
		return model.Platform{}, err
	}

	p.ID = id
	p.Name = info.Name
	if p.Name == "" {
		p.Name = id
	}
	p.Type = info.Type
	p.Capabilities = info.Capabilities
	p.Status = model.StatusConnected
	p.CredentialsHandle = credentialsHandle
	p.LastError = ""
	p.LastCheckedAt = &now
	if !known || p.ConnectedAt == nil {
		p.ConnectedAt = &now
	}
	if err := r.save(ctx, p, conn); err != nil {
		return model.Platform{}, err
	}

	logger.Log.Info("Platform connected",
		zap.String("platform_id", id),
		zap.String("type", string(p.Type)),
	)
	return p, nil
}

// Disconnect is idempotent and keeps the platform record and its history.
func (r *Registry) Disconnect(ctx context.Context, id string) (model.Platform, error) {
	l := r.lockFor(id)
	l.Lock()
	defer l.Unlock()

	r.mu.RLock()
	p, ok := r.platforms[id]
	r.mu.RUnlock()
	if !ok {
		return model.Platform{}, fmt.Errorf("platform %q: %w", id, model.ErrNotFound)
	}
	if p.Status == model.StatusDisconnected {
		return p, nil
	}

	p.Status = model.StatusDisconnected
	if err := r.save(ctx, p, nil); err != nil {
		return model.Platform{}, err
	}
	logger.Log.Info("Platform disconnected", zap.String("platform_id", id))
	return p, nil
}

// Refresh re-validates the connection with the stored credentials handle.
func (r *Registry) Refresh(ctx context.Context, id string) (model.Platform, error) {
	l := r.lockFor(id)
	l.Lock()
	defer l.Unlock()

	r.mu.RLock()
	p, ok := r.platforms[id]
	conn := r.connectors[id]
	r.mu.RUnlock()
	if !ok {
		return model.Platform{}, fmt.Errorf("platform %q: %w", id, model.ErrNotFound)
	}
	if p.Status == model.StatusDisconnected {
		return p, fmt.Errorf("platform %q is disconnected: %w", id, model.ErrValidation)
	}

	if conn == nil {
		var err error
		if conn, err = r.factory.New(id); err != nil {
			return model.Platform{}, fmt.Errorf("platform %q: %w", id, err)
		}
	}
	return r.handshake(ctx, id, p.CredentialsHandle, conn)
}

// RefreshAll re-handshakes every platform stored as connected. Failures are
// recorded on the platform and logged.
func (r *Registry) RefreshAll(ctx context.Context) {
	for _, p := range r.List() {
		if p.Status != model.StatusConnected {
			continue
		}
		if _, err := r.Refresh(ctx, p.ID); err != nil {
			logger.Log.Warn("Platform refresh failed", zap.String("platform_id", p.ID), zap.Error(err))
		}
	}
}

// MarkSynced records a successful sync of the platform at the given time.
func (r *Registry) MarkSynced(ctx context.Context, id string, at time.Time) error {
	l := r.lockFor(id)
	l.Lock()
	defer l.Unlock()

	r.mu.RLock()
	p, ok := r.platforms[id]
	conn := r.connectors[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("platform %q: %w", id, model.ErrNotFound)
	}
	p.LastSyncAt = &at
	return r.save(ctx, p, conn)
}

// save persists p and then publishes it with its live connector (nil drops it).
func (r *Registry) save(ctx context.Context, p model.Platform, conn Connector) error {
	if err := r.repo.SavePlatform(ctx, p); err != nil {
		return fmt.Errorf("failed to save platform %q: %w", p.ID, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.platforms[p.ID] = p
	if conn != nil && p.Status == model.StatusConnected {
		r.connectors[p.ID] = conn
	} else {
		delete(r.connectors, p.ID)
	}
	return nil
}

func (r *Registry) Get(id string) (model.Platform, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.platforms[id]
	return p, ok
}

func (r *Registry) List() []model.Platform {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Platform, 0, len(r.platforms))
	for _, p := range r.platforms {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IsConnected reports whether id is connected with a live connector.
func (r *Registry) IsConnected(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.platforms[id]
	_, live := r.connectors[id]
	return ok && p.IsConnected() && live
}

// Snapshot is a point-in-time copy of the registry used by one sync run.
type Snapshot struct {
	Platforms  []model.Platform
	connectors map[string]Connector
}

func (s Snapshot) Connector(id string) (Connector, bool) {
	c, ok := s.connectors[id]
	return c, ok
}

func (s Snapshot) IsConnected(id string) bool {
	for _, p := range s.Platforms {
		if p.ID == id {
			_, live := s.connectors[id]
			return p.IsConnected() && live
		}
	}
	return false
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	platforms := make([]model.Platform, 0, len(r.platforms))
	for _, p := range r.platforms {
		platforms = append(platforms, p)
	}
	sort.Slice(platforms, func(i, j int) bool { return platforms[i].ID < platforms[j].ID })
	conns := make(map[string]Connector, len(r.connectors))
	for id, c := range r.connectors {
		conns[id] = c
	}
	return Snapshot{Platforms: platforms, connectors: conns}
}
