package model

import "time"

type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelPush  Channel = "push"
	ChannelInApp Channel = "inApp"
)

type Trigger string

const (
	TriggerSyncSuccess       Trigger = "syncSuccess"
	TriggerSyncError         Trigger = "syncError"
	TriggerSyncPartial       Trigger = "syncPartial"
	TriggerLowStock          Trigger = "lowStock"
	TriggerNewOrder          Trigger = "newOrder"
	TriggerOrderStatusChange Trigger = "orderStatusChange"
	TriggerPriceChange       Trigger = "priceChange"
)

func (t Trigger) IsValid() bool {
	switch t {
	case TriggerSyncSuccess, TriggerSyncError, TriggerSyncPartial, TriggerLowStock,
		TriggerNewOrder, TriggerOrderStatusChange, TriggerPriceChange:
		return true
	default:
		return false
	}
}

// TriggerForRun maps a finished run status to its notification trigger.
func TriggerForRun(s RunStatus) (Trigger, bool) {
	switch s {
	case RunSuccess:
		return TriggerSyncSuccess, true
	case RunPartialSuccess:
		return TriggerSyncPartial, true
	case RunError:
		return TriggerSyncError, true
	default:
		return "", false
	}
}

type Recipients struct {
	Emails []string `json:"emails,omitempty"`
	Phones []string `json:"phones,omitempty"`
	Users  []string `json:"users,omitempty"`
}

// For returns the recipients addressed through ch.
func (r Recipients) For(ch Channel) []string {
	switch ch {
	case ChannelEmail:
		return r.Emails
	case ChannelSMS:
		return r.Phones
	case ChannelPush, ChannelInApp:
		return r.Users
	default:
		return nil
	}
}

type NotificationRule struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Enabled    bool       `json:"enabled"`
	Channels   []Channel  `json:"channels"`
	Triggers   []Trigger  `json:"triggers"`
	Recipients Recipients `json:"recipients"`
}

func (r NotificationRule) Matches(t Trigger) bool {
	if !r.Enabled {
		return false
	}
	for _, trig := range r.Triggers {
		if trig == t {
			return true
		}
	}
	return false
}

// Event is a run or domain occurrence the dispatcher may notify about.
type Event struct {
	Type       Trigger        `json:"type"`
	OccurredAt time.Time      `json:"occurredAt"`
	RunID      string         `json:"runId,omitempty"`
	PlatformID string         `json:"platformId,omitempty"`
	Subject    string         `json:"subject,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}
