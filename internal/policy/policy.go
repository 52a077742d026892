// Package policy holds the sync policy: an immutable, validated value that is
// replaced wholesale on update and snapshotted by every run.
package policy

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"catalog-sync-service/internal/model"
)

type Strategy string

const (
	StrategyNewer   Strategy = "newer"
	StrategyManual  Strategy = "manual"
	StrategyPrimary Strategy = "primary"
)

type Entities struct {
	Inventory bool `json:"inventory"`
	Price     bool `json:"price"`
	Orders    bool `json:"orders"`
	Products  bool `json:"products"`
}

func (e Entities) Enabled(entity model.Entity) bool {
	switch entity {
	case model.EntityInventory:
		return e.Inventory
	case model.EntityPrice:
		return e.Price
	case model.EntityOrders:
		return e.Orders
	case model.EntityProducts:
		return e.Products
	default:
		return false
	}
}

// Requested lists the enabled entities in full-run order.
func (e Entities) Requested() []model.Entity {
	var out []model.Entity
	for _, entity := range model.AllEntities {
		if e.Enabled(entity) {
			out = append(out, entity)
		}
	}
	return out
}

type Policy struct {
	AutoSync           bool      `json:"autoSync"`
	IntervalMinutes    int       `json:"intervalMinutes" validate:"min=1"`
	Entities           Entities  `json:"entities"`
	ConflictResolution Strategy  `json:"conflictResolution" validate:"oneof=newer manual primary"`
	PrimaryPlatformID  string    `json:"primaryPlatformId,omitempty" validate:"required_if=ConflictResolution primary"`
	LowStockThreshold  int       `json:"lowStockThreshold" validate:"min=0"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// Default mirrors the settings a new tenant starts with.
func Default() Policy {
	return Policy{
		AutoSync:           true,
		IntervalMinutes:    60,
		Entities:           Entities{Inventory: true, Price: true, Orders: true, Products: true},
		ConflictResolution: StrategyNewer,
		LowStockThreshold:  10,
	}
}

func (p Policy) Interval() time.Duration {
	return time.Duration(p.IntervalMinutes) * time.Minute
}

var validate = validator.New()

// Validate checks the policy as a whole. It does not check that the primary
// platform is connected; Holder.Update does that against the registry.
func (p Policy) Validate() error {
	if err := validate.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("policy: %s: %w", strings.Join(msgs, ", "), model.ErrValidation)
		}
		return fmt.Errorf("policy: %v: %w", err, model.ErrValidation)
	}
	return nil
}

// Builder assembles a new Policy from a base value. Nothing is visible to
// readers until Build succeeds and the result is handed to Holder.Update.
type Builder struct {
	p Policy
}

func NewBuilder(base Policy) *Builder {
	return &Builder{p: base}
}

func (b *Builder) AutoSync(on bool) *Builder {
	b.p.AutoSync = on
	return b
}

func (b *Builder) Interval(minutes int) *Builder {
	b.p.IntervalMinutes = minutes
	return b
}

func (b *Builder) Entities(e Entities) *Builder {
	b.p.Entities = e
	return b
}

func (b *Builder) ConflictResolution(s Strategy, primaryPlatformID string) *Builder {
	b.p.ConflictResolution = s
	b.p.PrimaryPlatformID = primaryPlatformID
	return b
}

func (b *Builder) LowStockThreshold(n int) *Builder {
	b.p.LowStockThreshold = n
	return b
}

// Build normalizes and validates. A primary id is dropped for strategies
// other than primary.
func (b *Builder) Build() (Policy, error) {
	p := b.p
	if p.ConflictResolution != StrategyPrimary {
		p.PrimaryPlatformID = ""
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}
