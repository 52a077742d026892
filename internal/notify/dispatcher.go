// Package notify matches run results and domain events against the
// configured notification rules and hands them to channel senders. Delivery
// itself, retries included, belongs to the senders.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"catalog-sync-service/internal/logger"
	"catalog-sync-service/internal/model"
)

// Sender delivers one notification to one recipient over one channel.
type Sender interface {
	Send(ctx context.Context, recipient, templateID string, payload map[string]any) error
}

type RuleRepository interface {
	ListRules(ctx context.Context) ([]model.NotificationRule, error)
	SaveRule(ctx context.Context, r model.NotificationRule) error
	DeleteRule(ctx context.Context, id string) error
}

// Recorder counts hand-offs; result is "sent" or "failed".
type Recorder interface {
	ObserveNotification(channel model.Channel, trigger model.Trigger, result string)
}

type Dispatcher struct {
	rules    RuleRepository
	senders  map[model.Channel]Sender
	recorder Recorder
}

// NewDispatcher builds a dispatcher. Channels without a sender are treated as
// disabled. recorder may be nil.
func NewDispatcher(rules RuleRepository, senders map[model.Channel]Sender, recorder Recorder) *Dispatcher {
	if senders == nil {
		senders = make(map[model.Channel]Sender)
	}
	return &Dispatcher{
		rules:    rules,
		senders:  senders,
		recorder: recorder,
	}
}

// Dispatch hands ev to every enabled channel of every enabled rule that
// subscribes to its type. A recipient reached by several rules on the same
// channel is sent to once.
func (d *Dispatcher) Dispatch(ctx context.Context, ev model.Event) error {
	rules, err := d.rules.ListRules(ctx)
	if err != nil {
		return fmt.Errorf("load notification rules: %w", err)
	}

	payload := eventPayload(ev)
	sent := make(map[string]bool)
	var errs []error

	for _, rule := range rules {
		if !rule.Matches(ev.Type) {
			continue
		}
		for _, ch := range rule.Channels {
			sender, ok := d.senders[ch]
			if !ok {
				logger.Log.Debug("Notification channel disabled",
					zap.String("rule_id", rule.ID),
					zap.String("channel", string(ch)),
				)
				continue
			}
			for _, recipient := range rule.Recipients.For(ch) {
				key := string(ch) + "\x00" + recipient
				if sent[key] {
					continue
				}
				sent[key] = true

				if err := sender.Send(ctx, recipient, string(ev.Type), payload); err != nil {
					logger.Log.Warn("Notification hand-off failed",
						zap.String("rule_id", rule.ID),
						zap.String("channel", string(ch)),
						zap.String("trigger", string(ev.Type)),
						zap.Error(err),
					)
					errs = append(errs, fmt.Errorf("%s to %s: %w", ch, recipient, err))
					d.observe(ch, ev.Type, "failed")
					continue
				}
				d.observe(ch, ev.Type, "sent")
			}
		}
	}
	return errors.Join(errs...)
}

// DispatchRun notifies about a finished run under its status trigger.
func (d *Dispatcher) DispatchRun(ctx context.Context, run model.SyncRun) error {
	trigger, ok := model.TriggerForRun(run.Status)
	if !ok {
		return nil
	}
	return d.Dispatch(ctx, RunEvent(run, trigger))
}

// NotifyRun and NotifyEvent adapt the dispatcher to the orchestrator, which
// does not act on delivery failures.
func (d *Dispatcher) NotifyRun(ctx context.Context, run model.SyncRun) {
	if err := d.DispatchRun(ctx, run); err != nil {
		logger.Log.Warn("Failed to notify run", zap.String("run_id", run.ID), zap.Error(err))
	}
}

func (d *Dispatcher) NotifyEvent(ctx context.Context, ev model.Event) {
	if err := d.Dispatch(ctx, ev); err != nil {
		logger.Log.Warn("Failed to notify event", zap.String("type", string(ev.Type)), zap.Error(err))
	}
}

func (d *Dispatcher) observe(ch model.Channel, trigger model.Trigger, result string) {
	if d.recorder != nil {
		d.recorder.ObserveNotification(ch, trigger, result)
	}
}

// RunEvent describes a finished run as a notification event.
func RunEvent(run model.SyncRun, trigger model.Trigger) model.Event {
	at := time.Now().UTC()
	if run.FinishedAt != nil {
		at = *run.FinishedAt
	}

	var failed []string
	for _, o := range run.Outcomes {
		if o.Status == model.OutcomeError {
			failed = append(failed, o.PlatformID)
		}
	}

	payload := map[string]any{
		"kind":           string(run.Kind),
		"status":         string(run.Status),
		"initiator":      string(run.Initiator),
		"itemsProcessed": run.ItemsProcessed,
		"itemsSucceeded": run.ItemsSucceeded,
		"itemsFailed":    run.ItemsFailed,
	}
	if len(failed) > 0 {
		payload["failedPlatforms"] = failed
	}
	if run.Error != "" {
		payload["error"] = run.Error
	}

	return model.Event{
		Type:       trigger,
		OccurredAt: at,
		RunID:      run.ID,
		Subject:    fmt.Sprintf("Sync run %s finished: %s", run.Kind, run.Status),
		Payload:    payload,
	}
}

func eventPayload(ev model.Event) map[string]any {
	out := make(map[string]any, len(ev.Payload)+4)
	for k, v := range ev.Payload {
		out[k] = v
	}
	out["occurredAt"] = ev.OccurredAt
	if ev.Subject != "" {
		out["subject"] = ev.Subject
	}
	if ev.RunID != "" {
		out["runId"] = ev.RunID
	}
	if ev.PlatformID != "" {
		out["platformId"] = ev.PlatformID
	}
	return out
}

// SaveRule validates r, assigning an id to new rules, and stores it.
func (d *Dispatcher) SaveRule(ctx context.Context, r model.NotificationRule) (model.NotificationRule, error) {
	if err := ValidateRule(r); err != nil {
		return model.NotificationRule{}, err
	}
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if err := d.rules.SaveRule(ctx, r); err != nil {
		return model.NotificationRule{}, err
	}
	return r, nil
}

func (d *Dispatcher) DeleteRule(ctx context.Context, id string) error {
	return d.rules.DeleteRule(ctx, id)
}

func (d *Dispatcher) ListRules(ctx context.Context) ([]model.NotificationRule, error) {
	return d.rules.ListRules(ctx)
}

func ValidateRule(r model.NotificationRule) error {
	if r.Name == "" {
		return fmt.Errorf("notification rule: name is required: %w", model.ErrValidation)
	}
	if len(r.Channels) == 0 || len(r.Triggers) == 0 {
		return fmt.Errorf("notification rule %q: channels and triggers are required: %w", r.Name, model.ErrValidation)
	}
	for _, ch := range r.Channels {
		switch ch {
		case model.ChannelEmail, model.ChannelSMS, model.ChannelPush, model.ChannelInApp:
		default:
			return fmt.Errorf("notification rule %q: unknown channel %q: %w", r.Name, ch, model.ErrValidation)
		}
	}
	for _, t := range r.Triggers {
		if !t.IsValid() {
			return fmt.Errorf("notification rule %q: unknown trigger %q: %w", r.Name, t, model.ErrValidation)
		}
	}
	return nil
}
