// Package trigger evaluates the three trigger kinds and emits
// replication requests to the execution coordinator: manual API calls,
// cron schedules, and artifact push/delete events. Missed cron ticks
// during downtime are not backfilled; a tick fires at most once, best
// effort. A failed execution never prevents the next tick.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/ocimirror/ocimirror/internal/coordinator"
	"github.com/ocimirror/ocimirror/internal/model"
	"github.com/ocimirror/ocimirror/internal/notification"
	"github.com/ocimirror/ocimirror/internal/store"
)

// ErrInvalidCron is returned when a schedule expression does not parse.
var ErrInvalidCron = errors.New("invalid cron expression")

// Starter is the slice of the coordinator the engine uses.
type Starter interface {
	Start(ctx context.Context, req *coordinator.Request) (string, error)
}

// Engine owns trigger evaluation for all policies.
type Engine struct {
	policies store.PolicyStore
	starter  Starter

	cron *cron.Cron

	// entries maps policy ID to its registered cron entry
	mu      sync.Mutex
	entries map[int64]cron.EntryID

	// ctx bounds executions started by schedule and event triggers
	ctx context.Context
}

// New creates a trigger engine and subscribes it to the event hub.
func New(policies store.PolicyStore, starter Starter, hub *notification.Hub) *Engine {
	e := &Engine{
		policies: policies,
		starter:  starter,
		cron:     cron.New(),
		entries:  map[int64]cron.EntryID{},
		ctx:      context.Background(),
	}
	if hub != nil {
		hub.Subscribe(e.onEvent)
	}
	return e
}

// ValidateCron checks a schedule expression against the standard
// five-field cron grammar.
func ValidateCron(expr string) error {
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCron, err)
	}
	return nil
}

// Start registers all enabled scheduled policies and starts the cron
// runner. ctx bounds the executions the engine starts.
func (e *Engine) Start(ctx context.Context) error {
	e.ctx = ctx

	policies, err := e.listAllPolicies(ctx)
	if err != nil {
		return fmt.Errorf("failed to load policies for scheduling: %w", err)
	}
	for _, p := range policies {
		if p.Enabled && p.Trigger.Kind == model.TriggerKindScheduled {
			if err := e.Register(p); err != nil {
				slog.Error("Failed to register schedule for policy",
					"policy_id", p.ID, "error", err)
			}
		}
	}

	e.cron.Start()
	slog.Info("Trigger engine started", "scheduled_policies", len(e.entries))
	return nil
}

// Stop halts the cron runner; a fired tick that is still starting an
// execution runs to completion.
func (e *Engine) Stop() {
	ctx := e.cron.Stop()
	<-ctx.Done()
	slog.Info("Trigger engine stopped")
}

// TriggerManual starts one execution for the policy right away.
func (e *Engine) TriggerManual(ctx context.Context, policyID int64) (string, error) {
	return e.starter.Start(ctx, &coordinator.Request{
		PolicyID: policyID,
		Trigger:  model.TriggerKindManual,
	})
}

// Register adds (or replaces) the cron entry for a scheduled policy.
// The policy service calls it when a scheduled policy is created,
// updated, or enabled.
func (e *Engine) Register(p *model.Policy) error {
	if p.Trigger.Kind != model.TriggerKindScheduled {
		return nil
	}
	if err := ValidateCron(p.Trigger.Cron); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if entryID, ok := e.entries[p.ID]; ok {
		e.cron.Remove(entryID)
		delete(e.entries, p.ID)
	}

	policyID := p.ID
	entryID, err := e.cron.AddFunc(p.Trigger.Cron, func() {
		e.onTick(policyID)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCron, err)
	}
	e.entries[p.ID] = entryID

	slog.Info("Schedule registered", "policy_id", p.ID, "cron", p.Trigger.Cron)
	return nil
}

// Deregister removes the cron entry of a policy, if any. Called when a
// policy is disabled, deleted, or its trigger changes kind.
func (e *Engine) Deregister(policyID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if entryID, ok := e.entries[policyID]; ok {
		e.cron.Remove(entryID)
		delete(e.entries, policyID)
		slog.Info("Schedule deregistered", "policy_id", policyID)
	}
}

// onTick runs on the cron goroutine for each scheduled fire. The policy
// is re-read so a disable between ticks is honored.
func (e *Engine) onTick(policyID int64) {
	policy, err := e.policies.Get(e.ctx, policyID)
	if err != nil {
		slog.Error("Failed to load policy on schedule tick",
			"policy_id", policyID, "error", err)
		return
	}
	if !policy.Enabled {
		slog.Debug("Skipping tick for disabled policy", "policy_id", policyID)
		return
	}

	id, err := e.starter.Start(e.ctx, &coordinator.Request{
		PolicyID: policyID,
		Trigger:  model.TriggerKindScheduled,
	})
	if err != nil {
		// Reported, not retried; the next tick gets a fresh chance
		slog.Error("Scheduled trigger failed to start execution",
			"policy_id", policyID, "error", err)
		return
	}
	slog.Info("Scheduled trigger fired", "policy_id", policyID, "execution_id", id)
}

// onEvent reacts to one artifact notification: every enabled
// event-triggered policy whose filter matches the resource gets an
// execution narrowed to just that resource.
func (e *Engine) onEvent(ctx context.Context, ev notification.Event) {
	policies, err := e.listAllPolicies(ctx)
	if err != nil {
		slog.Error("Failed to load policies for event trigger", "error", err)
		return
	}

	for _, p := range policies {
		if !p.Enabled || p.Trigger.Kind != model.TriggerKindEvent {
			continue
		}
		if !eventMatches(p.Trigger.Events, ev.Type) {
			continue
		}
		if !p.Filter.Matches(ev.Resource) {
			continue
		}

		snapshot := p.Filter.Narrow(ev.Resource)
		resource := ev.Resource
		id, err := e.starter.Start(ctx, &coordinator.Request{
			PolicyID:       p.ID,
			Trigger:        model.TriggerKindEvent,
			FilterSnapshot: &snapshot,
			Resource:       &resource,
			Deleted:        ev.Type == model.EventTypeDelete,
		})
		if err != nil {
			slog.Error("Event trigger failed to start execution",
				"policy_id", p.ID, "resource", ev.Resource.String(), "error", err)
			continue
		}
		slog.Info("Event trigger fired",
			"policy_id", p.ID,
			"execution_id", id,
			"event", ev.Type,
			"resource", ev.Resource.String())
	}
}

func eventMatches(subscribed []model.EventType, got model.EventType) bool {
	// An event trigger with no explicit list reacts to pushes only
	if len(subscribed) == 0 {
		return got == model.EventTypePush
	}
	for _, t := range subscribed {
		if t == got {
			return true
		}
	}
	return false
}

func (e *Engine) listAllPolicies(ctx context.Context) ([]*model.Policy, error) {
	var all []*model.Policy
	page := 1
	for {
		policies, total, err := e.policies.List(ctx, store.PolicyQuery{
			Page: store.Page{Page: page, PageSize: 100},
		})
		if err != nil {
			return nil, err
		}
		all = append(all, policies...)
		if len(all) >= total || len(policies) == 0 {
			return all, nil
		}
		page++
	}
}
