package store

import (
	"errors"
	"fmt"
	"time"

	"catalog-sync-service/internal/config"
	"catalog-sync-service/internal/model"
)

var ErrRunExists = errors.New("sync run already recorded")

// RunFilter selects runs from the log. Zero values match everything; results
// are newest first.
type RunFilter struct {
	From   time.Time
	To     time.Time
	Kind   model.RunKind
	Status model.RunStatus
	Limit  int
	Offset int
}

const defaultRunLimit = 50

func (f RunFilter) limit() int {
	if f.Limit <= 0 {
		return defaultRunLimit
	}
	return f.Limit
}

func (f RunFilter) matches(r model.SyncRun) bool {
	switch {
	case !f.From.IsZero() && r.StartedAt.Before(f.From):
		return false
	case !f.To.IsZero() && !r.StartedAt.Before(f.To):
		return false
	case f.Kind != "" && r.Kind != f.Kind:
		return false
	case f.Status != "" && r.Status != f.Status:
		return false
	}
	return true
}

// platformRecord persists the credentials handle, which model.Platform keeps
// out of its JSON form.
type platformRecord struct {
	model.Platform
	CredentialsHandle string `json:"credentialsHandle"`
}

func toPlatformRecord(p model.Platform) platformRecord {
	return platformRecord{Platform: p, CredentialsHandle: p.CredentialsHandle}
}

func (r platformRecord) platform() model.Platform {
	p := r.Platform
	p.CredentialsHandle = r.CredentialsHandle
	return p
}

func orderChange(prev *model.Order, next model.Order) model.OrderChange {
	switch {
	case prev == nil:
		return model.OrderChange{Created: true}
	case prev.Status != next.Status:
		return model.OrderChange{StatusChanged: true, PreviousStatus: prev.Status}
	default:
		return model.OrderChange{}
	}
}

// New opens the state store selected by cfg.Type.
func New(cfg config.StateStorage) (Store, error) {
	switch cfg.Type {
	case "mysql":
		return NewMySQLStore(cfg)
	case "badger", "":
		return NewBadgerStore(cfg)
	default:
		return nil, fmt.Errorf("unknown state storage type %q", cfg.Type)
	}
}
