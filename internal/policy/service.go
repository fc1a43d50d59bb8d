// Package policy implements the replication policy service: validated
// CRUD over the policy store plus the enablement side effects that
// register or deregister schedules with the trigger engine.
package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ocimirror/ocimirror/internal/model"
	"github.com/ocimirror/ocimirror/internal/store"
	"github.com/ocimirror/ocimirror/internal/trigger"
)

var (
	// ErrNotFound is returned when the policy does not exist
	ErrNotFound = errors.New("policy not found")

	// ErrNameConflict is returned when another policy uses the name
	ErrNameConflict = errors.New("policy name already in use")

	// ErrHasRunningExecutions is returned when deleting a policy with
	// in-progress executions
	ErrHasRunningExecutions = errors.New("policy has executions in progress")

	// ErrValidation wraps all policy validation failures
	ErrValidation = errors.New("invalid policy")
)

// Scheduler is the slice of the trigger engine the service drives.
type Scheduler interface {
	Register(p *model.Policy) error
	Deregister(policyID int64)
}

// Service is the policy store component.
type Service struct {
	policies   store.PolicyStore
	endpoints  store.EndpointStore
	executions store.ExecutionStore
	scheduler  Scheduler
}

// NewService creates the policy service. scheduler may be nil in
// read-only deployments.
func NewService(policies store.PolicyStore, endpoints store.EndpointStore, executions store.ExecutionStore, scheduler Scheduler) *Service {
	return &Service{
		policies:   policies,
		endpoints:  endpoints,
		executions: executions,
		scheduler:  scheduler,
	}
}

// Create validates and stores a new policy. An enabled scheduled
// policy is registered with the trigger engine as a side effect.
func (s *Service) Create(ctx context.Context, p *model.Policy) (int64, error) {
	if err := s.validate(ctx, p); err != nil {
		return 0, err
	}

	id, err := s.policies.Create(ctx, p)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return 0, ErrNameConflict
		}
		return 0, fmt.Errorf("failed to create policy: %w", err)
	}
	p.ID = id

	s.syncSchedule(p)
	slog.Info("Policy created", "policy_id", id, "name", p.Name, "trigger", p.Trigger.Kind)
	return id, nil
}

// Get returns one policy by ID.
func (s *Service) Get(ctx context.Context, id int64) (*model.Policy, error) {
	p, err := s.policies.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load policy: %w", err)
	}
	return p, nil
}

// List returns policies matching the query and the total match count.
func (s *Service) List(ctx context.Context, q store.PolicyQuery) ([]*model.Policy, int, error) {
	return s.policies.List(ctx, q)
}

// Update validates and replaces a policy, then reconciles its schedule
// registration with the new trigger and enablement state.
func (s *Service) Update(ctx context.Context, p *model.Policy) error {
	if err := s.validate(ctx, p); err != nil {
		return err
	}

	if err := s.policies.Update(ctx, p); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return ErrNotFound
		case errors.Is(err, store.ErrConflict):
			return ErrNameConflict
		default:
			return fmt.Errorf("failed to update policy: %w", err)
		}
	}

	s.syncSchedule(p)
	slog.Info("Policy updated", "policy_id", p.ID, "name", p.Name)
	return nil
}

// SetEnabled flips the enabled flag, registering or deregistering the
// schedule accordingly.
func (s *Service) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	if err := s.policies.SetEnabled(ctx, id, enabled); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to set policy enablement: %w", err)
	}

	p, err := s.policies.Get(ctx, id)
	if err == nil {
		s.syncSchedule(p)
	}
	slog.Info("Policy enablement changed", "policy_id", id, "enabled", enabled)
	return nil
}

// Delete removes a policy. It conflicts while the policy has an
// execution in progress; finished executions keep their weak policy
// reference and survive the delete.
func (s *Service) Delete(ctx context.Context, id int64) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}

	active, err := s.executions.HasActive(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to check for running executions: %w", err)
	}
	if active {
		return ErrHasRunningExecutions
	}

	if s.scheduler != nil {
		s.scheduler.Deregister(id)
	}

	if err := s.policies.Delete(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete policy: %w", err)
	}
	slog.Info("Policy deleted", "policy_id", id)
	return nil
}

// syncSchedule reconciles the trigger engine with the policy's current
// state: enabled scheduled policies are registered, everything else is
// deregistered.
func (s *Service) syncSchedule(p *model.Policy) {
	if s.scheduler == nil {
		return
	}
	if p.Enabled && p.Trigger.Kind == model.TriggerKindScheduled {
		if err := s.scheduler.Register(p); err != nil {
			slog.Error("Failed to register policy schedule", "policy_id", p.ID, "error", err)
		}
		return
	}
	s.scheduler.Deregister(p.ID)
}

// validate enforces the policy contract: non-empty name, resolvable
// endpoints, a known trigger kind, a parseable cron expression for
// scheduled triggers, and known event types for event triggers.
func (s *Service) validate(ctx context.Context, p *model.Policy) error {
	if p.Name == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}

	if _, err := s.endpoints.Get(ctx, p.SrcRegistryID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: source registry %d does not exist", ErrValidation, p.SrcRegistryID)
		}
		return fmt.Errorf("failed to resolve source registry: %w", err)
	}
	if _, err := s.endpoints.Get(ctx, p.DstRegistryID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: destination registry %d does not exist", ErrValidation, p.DstRegistryID)
		}
		return fmt.Errorf("failed to resolve destination registry: %w", err)
	}

	switch p.Filter.Resource {
	case "", model.ResourceTypeImage, model.ResourceTypeChart:
	default:
		return fmt.Errorf("%w: unknown resource type %q", ErrValidation, p.Filter.Resource)
	}

	switch p.Trigger.Kind {
	case model.TriggerKindManual:
	case model.TriggerKindScheduled:
		if p.Trigger.Cron == "" {
			return fmt.Errorf("%w: scheduled trigger requires a cron expression", ErrValidation)
		}
		if err := trigger.ValidateCron(p.Trigger.Cron); err != nil {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
	case model.TriggerKindEvent:
		for _, ev := range p.Trigger.Events {
			if ev != model.EventTypePush && ev != model.EventTypeDelete {
				return fmt.Errorf("%w: unknown event type %q", ErrValidation, ev)
			}
		}
	default:
		return fmt.Errorf("%w: unknown trigger kind %q", ErrValidation, p.Trigger.Kind)
	}

	if p.MaxRetries < 0 {
		return fmt.Errorf("%w: max_retries must not be negative", ErrValidation)
	}
	return nil
}
