package model

import "time"

type PlatformType string

const (
	PlatformWebstore    PlatformType = "webstore"
	PlatformMarketplace PlatformType = "marketplace"
	PlatformSocial      PlatformType = "social"
)

func (t PlatformType) IsValid() bool {
	switch t {
	case PlatformWebstore, PlatformMarketplace, PlatformSocial:
		return true
	default:
		return false
	}
}

type ConnectionStatus string

const (
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusError        ConnectionStatus = "error"
)

// Entity is a kind of data a platform may exchange.
type Entity string

const (
	EntityInventory Entity = "inventory"
	EntityPrice     Entity = "price"
	EntityOrders    Entity = "orders"
	EntityProducts  Entity = "products"
)

// AllEntities lists entities in the order a full run syncs them.
var AllEntities = []Entity{EntityProducts, EntityInventory, EntityPrice, EntityOrders}

type Capabilities struct {
	Inventory bool `json:"supportsInventory"`
	Price     bool `json:"supportsPrice"`
	Orders    bool `json:"supportsOrders"`
	Products  bool `json:"supportsProducts"`
}

func (c Capabilities) Supports(e Entity) bool {
	switch e {
	case EntityInventory:
		return c.Inventory
	case EntityPrice:
		return c.Price
	case EntityOrders:
		return c.Orders
	case EntityProducts:
		return c.Products
	default:
		return false
	}
}

type Platform struct {
	ID                string           `json:"id"`
	Name              string           `json:"name"`
	Type              PlatformType     `json:"type"`
	Capabilities      Capabilities     `json:"capabilities"`
	Status            ConnectionStatus `json:"connectionStatus"`
	CredentialsHandle string           `json:"-"`
	LastError         string           `json:"lastError,omitempty"`
	ConnectedAt       *time.Time       `json:"connectedAt,omitempty"`
	LastSyncAt        *time.Time       `json:"lastSyncAt,omitempty"`
	LastCheckedAt     *time.Time       `json:"lastCheckedAt,omitempty"`
}

func (p Platform) IsConnected() bool {
	return p.Status == StatusConnected
}

// CategoryMapping translates one internal category for one platform.
type CategoryMapping struct {
	PrimaryCategory      string    `json:"primaryCategory"`
	PlatformID           string    `json:"platformId"`
	ExternalCategoryID   string    `json:"externalCategoryId"`
	ExternalCategoryName string    `json:"externalCategoryName"`
	UpdatedAt            time.Time `json:"updatedAt"`
}
