// Package platform tracks external commerce platforms and the connectors used
// to talk to them.
package platform

import (
	"context"
	"time"

	"catalog-sync-service/internal/model"
)

// Info is what a platform reports about itself on a successful handshake.
type Info struct {
	Name         string
	Type         model.PlatformType
	Capabilities model.Capabilities
}

// Connector is the port to one external platform. Every call may fail with an
// error wrapping model.ErrAuthentication, ErrRateLimited, ErrUnreachable or
// ErrValidation.
type Connector interface {
	Connect(ctx context.Context, credentialsHandle string) (Info, error)
	PullCatalog(ctx context.Context, categoryFilter []string) ([]model.ExternalItem, error)
	PushProducts(ctx context.Context, items []model.ProductPush) ([]model.Ack, error)
	PushInventory(ctx context.Context, items []model.InventoryUpdate) ([]model.Ack, error)
	PushPrices(ctx context.Context, items []model.PriceUpdate) ([]model.Ack, error)
	PullOrders(ctx context.Context, since time.Time) ([]model.Order, error)
}

// Factory builds a connector for a platform id.
type Factory interface {
	New(platformID string) (Connector, error)
}

type FactoryFunc func(platformID string) (Connector, error)

func (f FactoryFunc) New(platformID string) (Connector, error) {
	return f(platformID)
}
