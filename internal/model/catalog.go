package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product is the local, authoritative-by-default record of a catalog item.
type Product struct {
	SKU            string          `json:"sku"`
	Title          string          `json:"title"`
	Category       string          `json:"category"`
	Price          decimal.Decimal `json:"price"`
	Stock          int             `json:"stock"`
	PriceUpdatedAt time.Time       `json:"priceUpdatedAt"`
	StockUpdatedAt time.Time       `json:"stockUpdatedAt"`
}

// ExternalItem is a catalog entry as a platform reports it.
type ExternalItem struct {
	SKU                string          `json:"sku"`
	ExternalID         string          `json:"externalId"`
	Title              string          `json:"title"`
	ExternalCategoryID string          `json:"externalCategoryId"`
	Price              decimal.Decimal `json:"price"`
	Stock              int             `json:"stock"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}

// ProductPush is a product listing sent to a platform.
type ProductPush struct {
	SKU                string          `json:"sku"`
	Title              string          `json:"title"`
	ExternalCategoryID string          `json:"externalCategoryId"`
	Price              decimal.Decimal `json:"price"`
	Stock              int             `json:"stock"`
}

type InventoryUpdate struct {
	SKU   string `json:"sku"`
	Stock int    `json:"stock"`
}

type PriceUpdate struct {
	SKU   string          `json:"sku"`
	Price decimal.Decimal `json:"price"`
}

// Ack is a platform's per-item answer to a push.
type Ack struct {
	SKU     string `json:"sku"`
	OK      bool   `json:"ok"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

type Order struct {
	PlatformID string          `json:"platformId"`
	ExternalID string          `json:"externalId"`
	Status     string          `json:"status"`
	Total      decimal.Decimal `json:"total"`
	Currency   string          `json:"currency"`
	PlacedAt   time.Time       `json:"placedAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// OrderChange reports what an order upsert did to the local copy.
type OrderChange struct {
	Created        bool
	StatusChanged  bool
	PreviousStatus string
}

func (c OrderChange) Changed() bool {
	return c.Created || c.StatusChanged
}
