package platform

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catalog-sync-service/internal/model"
)

type memoryRepo struct {
	mu    sync.Mutex
	saved map[string]model.Platform
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{saved: make(map[string]model.Platform)}
}

func (r *memoryRepo) SavePlatform(ctx context.Context, p model.Platform) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved[p.ID] = p
	return nil
}

func (r *memoryRepo) ListPlatforms(ctx context.Context) ([]model.Platform, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Platform
	for _, p := range r.saved {
		out = append(out, p)
	}
	return out, nil
}

// handshakeConnector only implements Connect; the sync calls are unused here.
type handshakeConnector struct {
	Connector
	err      error
	inFlight *int32
	maxSeen  *int32
}

func (c *handshakeConnector) Connect(ctx context.Context, creds string) (Info, error) {
	if c.inFlight != nil {
		n := atomic.AddInt32(c.inFlight, 1)
		for {
			m := atomic.LoadInt32(c.maxSeen)
			if n <= m || atomic.CompareAndSwapInt32(c.maxSeen, m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(c.inFlight, -1)
	}
	if c.err != nil {
		return Info{}, c.err
	}
	if creds == "bad" {
		return Info{}, fmt.Errorf("token rejected: %w", model.ErrAuthentication)
	}
	return Info{
		Name:         "Shopify",
		Type:         model.PlatformWebstore,
		Capabilities: model.Capabilities{Inventory: true, Price: true},
	}, nil
}

func TestRegistry_Connect(t *testing.T) {
	ctx := context.Background()

	t.Run("successful handshake creates a connected platform", func(t *testing.T) {
		repo := newMemoryRepo()
		reg := NewRegistry(repo, FactoryFunc(func(id string) (Connector, error) {
			return &handshakeConnector{}, nil
		}))

		p, err := reg.Connect(ctx, "shopify", "env:SHOPIFY_TOKEN")
		require.NoError(t, err)
		assert.Equal(t, model.StatusConnected, p.Status)
		assert.Equal(t, "Shopify", p.Name)
		assert.True(t, p.Capabilities.Inventory)
		assert.False(t, p.Capabilities.Orders)
		assert.NotNil(t, p.ConnectedAt)
		assert.True(t, reg.IsConnected("shopify"))
		assert.Equal(t, model.StatusConnected, repo.saved["shopify"].Status)
	})

	t.Run("bad credentials on a new platform create nothing", func(t *testing.T) {
		repo := newMemoryRepo()
		reg := NewRegistry(repo, FactoryFunc(func(id string) (Connector, error) {
			return &handshakeConnector{}, nil
		}))

		_, err := reg.Connect(ctx, "shopify", "bad")
		assert.ErrorIs(t, err, model.ErrAuthentication)
		_, ok := reg.Get("shopify")
		assert.False(t, ok)
		assert.Empty(t, repo.saved)
	})

	t.Run("unreachable endpoint on a known platform records error status", func(t *testing.T) {
		repo := newMemoryRepo()
		fail := false
		reg := NewRegistry(repo, FactoryFunc(func(id string) (Connector, error) {
			if fail {
				return &handshakeConnector{err: model.ErrUnreachable}, nil
			}
			return &handshakeConnector{}, nil
		}))

		_, err := reg.Connect(ctx, "shopify", "token")
		require.NoError(t, err)

		fail = true
		_, err = reg.Connect(ctx, "shopify", "token")
		assert.ErrorIs(t, err, model.ErrUnreachable)

		p, ok := reg.Get("shopify")
		require.True(t, ok)
		assert.Equal(t, model.StatusError, p.Status)
		assert.NotEmpty(t, p.LastError)
		assert.False(t, reg.IsConnected("shopify"))
	})

	t.Run("unknown platform id", func(t *testing.T) {
		reg := NewRegistry(newMemoryRepo(), FactoryFunc(func(id string) (Connector, error) {
			return nil, model.ErrNotFound
		}))
		_, err := reg.Connect(ctx, "etsy", "token")
		assert.ErrorIs(t, err, model.ErrNotFound)
	})

	t.Run("concurrent connects to one id are serialized", func(t *testing.T) {
		var inFlight, maxSeen int32
		reg := NewRegistry(newMemoryRepo(), FactoryFunc(func(id string) (Connector, error) {
			return &handshakeConnector{inFlight: &inFlight, maxSeen: &maxSeen}, nil
		}))

		var wg sync.WaitGroup
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = reg.Connect(ctx, "shopify", "token")
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), atomic.LoadInt32(&maxSeen))
	})
}

func TestRegistry_DisconnectAndRefresh(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryRepo()
	reg := NewRegistry(repo, FactoryFunc(func(id string) (Connector, error) {
		return &handshakeConnector{}, nil
	}))

	_, err := reg.Connect(ctx, "shopify", "token")
	require.NoError(t, err)
	synced := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, reg.MarkSynced(ctx, "shopify", synced))

	t.Run("disconnect keeps history and is idempotent", func(t *testing.T) {
		p, err := reg.Disconnect(ctx, "shopify")
		require.NoError(t, err)
		assert.Equal(t, model.StatusDisconnected, p.Status)
		require.NotNil(t, p.LastSyncAt)
		assert.Equal(t, synced, *p.LastSyncAt)

		_, err = reg.Disconnect(ctx, "shopify")
		assert.NoError(t, err)
		assert.False(t, reg.IsConnected("shopify"))
	})

	t.Run("refresh of a disconnected platform is refused", func(t *testing.T) {
		_, err := reg.Refresh(ctx, "shopify")
		assert.ErrorIs(t, err, model.ErrValidation)
	})

	t.Run("refresh after reconnect re-validates", func(t *testing.T) {
		_, err := reg.Connect(ctx, "shopify", "token")
		require.NoError(t, err)

		p, err := reg.Refresh(ctx, "shopify")
		require.NoError(t, err)
		assert.Equal(t, model.StatusConnected, p.Status)
		assert.NotNil(t, p.LastCheckedAt)
	})

	t.Run("disconnect unknown platform", func(t *testing.T) {
		_, err := reg.Disconnect(ctx, "etsy")
		assert.ErrorIs(t, err, model.ErrNotFound)
	})
}

func TestRegistry_LoadAndRefreshAll(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryRepo()
	repo.saved["amazon"] = model.Platform{ID: "amazon", Status: model.StatusConnected, CredentialsHandle: "token"}
	repo.saved["ebay"] = model.Platform{ID: "ebay", Status: model.StatusDisconnected}

	reg := NewRegistry(repo, FactoryFunc(func(id string) (Connector, error) {
		return &handshakeConnector{}, nil
	}))
	require.NoError(t, reg.Load(ctx))

	assert.False(t, reg.IsConnected("amazon"), "no live connector before refresh")

	reg.RefreshAll(ctx)
	assert.True(t, reg.IsConnected("amazon"))
	assert.False(t, reg.IsConnected("ebay"))

	snap := reg.Snapshot()
	require.Len(t, snap.Platforms, 2)
	assert.Equal(t, "amazon", snap.Platforms[0].ID)
	_, ok := snap.Connector("amazon")
	assert.True(t, ok)
	assert.True(t, snap.IsConnected("amazon"))
	assert.False(t, snap.IsConnected("ebay"))
}
