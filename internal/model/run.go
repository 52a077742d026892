package model

import (
	"fmt"
	"time"
)

type RunKind string

const (
	KindFull      RunKind = "full"
	KindInventory RunKind = "inventory"
	KindProducts  RunKind = "products"
	KindOrders    RunKind = "orders"
	KindPrices    RunKind = "prices"
)

func ParseRunKind(s string) (RunKind, error) {
	k := RunKind(s)
	switch k {
	case KindFull, KindInventory, KindProducts, KindOrders, KindPrices:
		return k, nil
	case "":
		return KindFull, nil
	default:
		return "", fmt.Errorf("unknown sync kind %q: %w", s, ErrValidation)
	}
}

// Entity returns the single entity a non-full kind covers.
func (k RunKind) Entity() (Entity, bool) {
	switch k {
	case KindInventory:
		return EntityInventory, true
	case KindProducts:
		return EntityProducts, true
	case KindOrders:
		return EntityOrders, true
	case KindPrices:
		return EntityPrice, true
	default:
		return "", false
	}
}

type RunStatus string

const (
	RunPending        RunStatus = "pending"
	RunRunning        RunStatus = "running"
	RunSuccess        RunStatus = "success"
	RunPartialSuccess RunStatus = "partialSuccess"
	RunError          RunStatus = "error"
)

func (s RunStatus) IsFinal() bool {
	switch s {
	case RunSuccess, RunPartialSuccess, RunError:
		return true
	default:
		return false
	}
}

type Initiator string

const (
	InitiatorScheduler Initiator = "scheduler"
	InitiatorUser      Initiator = "user"
)

type OutcomeStatus string

const (
	OutcomeSuccess OutcomeStatus = "success"
	OutcomeError   OutcomeStatus = "error"
	OutcomeSkipped OutcomeStatus = "skipped"
)

type ItemCounts struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	// Changed counts items whose value was written to either side.
	Changed int `json:"changed"`
}

func (c *ItemCounts) Add(o ItemCounts) {
	c.Processed += o.Processed
	c.Succeeded += o.Succeeded
	c.Failed += o.Failed
	c.Changed += o.Changed
}

type ItemFailure struct {
	ItemKey    string `json:"itemKey"`
	Entity     Entity `json:"entity,omitempty"`
	ReasonCode string `json:"reasonCode"`
	Message    string `json:"message"`
}

type PlatformOutcome struct {
	PlatformID string        `json:"platformId"`
	Status     OutcomeStatus `json:"status"`
	Reason     string        `json:"reason,omitempty"`
	Details    string        `json:"details,omitempty"`
	Counts     ItemCounts    `json:"itemCounts"`
	Failures   []ItemFailure `json:"failures,omitempty"`
}

// Attempted reports whether the platform took part in the run.
func (o PlatformOutcome) Attempted() bool {
	return o.Status != OutcomeSkipped
}

type SyncRun struct {
	ID             string            `json:"id"`
	Kind           RunKind           `json:"kind"`
	Status         RunStatus         `json:"status"`
	Initiator      Initiator         `json:"initiator"`
	StartedAt      time.Time         `json:"startedAt"`
	FinishedAt     *time.Time        `json:"finishedAt,omitempty"`
	Outcomes       []PlatformOutcome `json:"outcomes"`
	ItemsProcessed int               `json:"itemsProcessed"`
	ItemsSucceeded int               `json:"itemsSucceeded"`
	ItemsFailed    int               `json:"itemsFailed"`
	ItemsChanged   int               `json:"itemsChanged"`
	Cancelled      bool              `json:"cancelled,omitempty"`
	Error          string            `json:"error,omitempty"`
}

// Finish aggregates outcomes into the run totals and final status. A run that
// was aborted or cancelled before any platform was attempted is an error.
func (r *SyncRun) Finish(at time.Time) {
	var total ItemCounts
	attempted, succeeded := 0, 0
	for _, o := range r.Outcomes {
		total.Add(o.Counts)
		if !o.Attempted() {
			continue
		}
		attempted++
		if o.Status == OutcomeSuccess {
			succeeded++
		}
	}
	r.ItemsProcessed = total.Processed
	r.ItemsSucceeded = total.Succeeded
	r.ItemsFailed = total.Failed
	r.ItemsChanged = total.Changed

	switch {
	case (r.Error != "" || r.Cancelled) && attempted == 0:
		r.Status = RunError
	case succeeded == attempted:
		r.Status = RunSuccess
	case succeeded > 0:
		r.Status = RunPartialSuccess
	default:
		r.Status = RunError
	}
	r.FinishedAt = &at
}

// Outcome returns the outcome recorded for platformID.
func (r *SyncRun) Outcome(platformID string) (PlatformOutcome, bool) {
	for _, o := range r.Outcomes {
		if o.PlatformID == platformID {
			return o, true
		}
	}
	return PlatformOutcome{}, false
}

type ConflictField string

const (
	FieldStock ConflictField = "stock"
	FieldPrice ConflictField = "price"
)

// ConflictRecord is a divergence deferred to an operator under manual resolution.
type ConflictRecord struct {
	ID              string        `json:"id"`
	RunID           string        `json:"runId"`
	PlatformID      string        `json:"platformId"`
	ItemKey         string        `json:"itemKey"`
	Field           ConflictField `json:"field"`
	LocalValue      string        `json:"localValue"`
	RemoteValue     string        `json:"remoteValue"`
	LocalUpdatedAt  time.Time     `json:"localUpdatedAt"`
	RemoteUpdatedAt time.Time     `json:"remoteUpdatedAt"`
	DetectedAt      time.Time     `json:"detectedAt"`
	Resolved        bool          `json:"resolved"`
	Resolution      string        `json:"resolution,omitempty"`
	ResolvedAt      *time.Time    `json:"resolvedAt,omitempty"`
}
