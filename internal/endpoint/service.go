// Package endpoint implements the registry endpoint service: CRUD over
// stored registry credentials plus the connectivity ping. Credentials
// are opaque to every consumer and never logged.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/ocimirror/ocimirror/internal/model"
	"github.com/ocimirror/ocimirror/internal/registry"
	"github.com/ocimirror/ocimirror/internal/store"
)

var (
	// ErrNotFound is returned when the endpoint does not exist
	ErrNotFound = errors.New("registry endpoint not found")

	// ErrNameConflict is returned when another endpoint uses the name
	ErrNameConflict = errors.New("registry endpoint name already in use")

	// ErrReferenced is returned when deleting or mutating an endpoint
	// that policies still depend on
	ErrReferenced = errors.New("registry endpoint is referenced by policies")

	// ErrValidation wraps endpoint validation failures
	ErrValidation = errors.New("invalid registry endpoint")
)

// Service is the registry endpoint component.
type Service struct {
	endpoints  store.EndpointStore
	policies   store.PolicyStore
	executions store.ExecutionStore
	clients    registry.Factory
}

// NewService creates the endpoint service.
func NewService(endpoints store.EndpointStore, policies store.PolicyStore, executions store.ExecutionStore, clients registry.Factory) *Service {
	return &Service{
		endpoints:  endpoints,
		policies:   policies,
		executions: executions,
		clients:    clients,
	}
}

// Create validates and stores a new endpoint.
func (s *Service) Create(ctx context.Context, e *model.Endpoint) (int64, error) {
	if err := validate(e); err != nil {
		return 0, err
	}

	id, err := s.endpoints.Create(ctx, e)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return 0, ErrNameConflict
		}
		return 0, fmt.Errorf("failed to create endpoint: %w", err)
	}
	slog.Info("Registry endpoint created", "endpoint_id", id, "name", e.Name, "url", e.URL)
	return id, nil
}

// Get returns one endpoint by ID.
func (s *Service) Get(ctx context.Context, id int64) (*model.Endpoint, error) {
	e, err := s.endpoints.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load endpoint: %w", err)
	}
	return e, nil
}

// List returns endpoints whose name contains the given substring.
func (s *Service) List(ctx context.Context, name string, page store.Page) ([]*model.Endpoint, int, error) {
	return s.endpoints.List(ctx, name, page)
}

// Update validates and replaces an endpoint. While a referencing policy
// has an execution in progress the endpoint is immutable, because
// running workers share its credential read-only.
func (s *Service) Update(ctx context.Context, e *model.Endpoint) error {
	if err := validate(e); err != nil {
		return err
	}

	busy, err := s.referencedByActiveExecution(ctx, e.ID)
	if err != nil {
		return err
	}
	if busy {
		return fmt.Errorf("%w: an execution using this endpoint is in progress", ErrReferenced)
	}

	// An empty password means "keep the stored credential". Responses
	// never echo credentials, so clients cannot send them back on update.
	if e.Password == "" {
		stored, err := s.Get(ctx, e.ID)
		if err != nil {
			return err
		}
		e.Password = stored.Password
	}

	if err := s.endpoints.Update(ctx, e); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return ErrNotFound
		case errors.Is(err, store.ErrConflict):
			return ErrNameConflict
		default:
			return fmt.Errorf("failed to update endpoint: %w", err)
		}
	}
	slog.Info("Registry endpoint updated", "endpoint_id", e.ID, "name", e.Name)
	return nil
}

// Delete removes an endpoint unless any policy still references it.
func (s *Service) Delete(ctx context.Context, id int64) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}

	referencing, _, err := s.policies.List(ctx, store.PolicyQuery{
		EndpointID: id,
		Page:       store.Page{PageSize: 1},
	})
	if err != nil {
		return fmt.Errorf("failed to check referencing policies: %w", err)
	}
	if len(referencing) > 0 {
		return ErrReferenced
	}

	if err := s.endpoints.Delete(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete endpoint: %w", err)
	}
	slog.Info("Registry endpoint deleted", "endpoint_id", id)
	return nil
}

// Ping checks connectivity and credentials against the endpoint's /v2/
// base URL. A failed ping is surfaced to the caller and never retried.
func (s *Service) Ping(ctx context.Context, e *model.Endpoint) error {
	if err := validate(e); err != nil {
		return err
	}
	client, err := s.clients.ClientFor(e)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return client.Ping(ctx)
}

// PingByID pings a stored endpoint.
func (s *Service) PingByID(ctx context.Context, id int64) error {
	e, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return s.Ping(ctx, e)
}

// referencedByActiveExecution reports whether any policy referencing
// the endpoint currently has an execution in progress.
func (s *Service) referencedByActiveExecution(ctx context.Context, endpointID int64) (bool, error) {
	page := 1
	for {
		policies, total, err := s.policies.List(ctx, store.PolicyQuery{
			EndpointID: endpointID,
			Page:       store.Page{Page: page, PageSize: 100},
		})
		if err != nil {
			return false, fmt.Errorf("failed to list referencing policies: %w", err)
		}
		for _, p := range policies {
			active, err := s.executions.HasActive(ctx, p.ID)
			if err != nil {
				return false, fmt.Errorf("failed to check executions of policy %d: %w", p.ID, err)
			}
			if active {
				return true, nil
			}
		}
		if page*100 >= total || len(policies) == 0 {
			return false, nil
		}
		page++
	}
}

func validate(e *model.Endpoint) error {
	if e.Name == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}
	if e.URL == "" {
		return fmt.Errorf("%w: url is required", ErrValidation)
	}
	u, err := url.Parse(e.URL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: url must use http or https", ErrValidation)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: url must include a host", ErrValidation)
	}
	return nil
}
