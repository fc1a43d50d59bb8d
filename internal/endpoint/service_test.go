package endpoint

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocimirror/ocimirror/internal/model"
	"github.com/ocimirror/ocimirror/internal/registry"
	"github.com/ocimirror/ocimirror/internal/store"
	"github.com/ocimirror/ocimirror/internal/store/memory"
)

// fakeClient answers pings with a scripted result.
type fakeClient struct {
	registry.Client
	pingErr error
}

func (f *fakeClient) Ping(context.Context) error { return f.pingErr }

type fakeFactory struct {
	pingErr   error
	clientErr error
	pinged    []*model.Endpoint
}

func (f *fakeFactory) ClientFor(e *model.Endpoint) (registry.Client, error) {
	if f.clientErr != nil {
		return nil, f.clientErr
	}
	f.pinged = append(f.pinged, e)
	return &fakeClient{pingErr: f.pingErr}, nil
}

type harness struct {
	svc        *Service
	endpoints  *memory.EndpointStore
	policies   *memory.PolicyStore
	executions *memory.ExecutionStore
	clients    *fakeFactory
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		endpoints:  memory.NewEndpointStore(),
		policies:   memory.NewPolicyStore(),
		executions: memory.NewExecutionStore(),
		clients:    &fakeFactory{},
	}
	h.svc = NewService(h.endpoints, h.policies, h.executions, h.clients)
	return h
}

func validEndpoint() *model.Endpoint {
	return &model.Endpoint{
		Name:     "upstream",
		URL:      "https://registry.example.com",
		Username: "replicator",
		Password: "s3cret",
	}
}

func TestCreateAndGet(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	id, err := h.svc.Create(context.Background(), validEndpoint())
	require.NoError(t, err)
	require.NotZero(t, id)

	got, err := h.svc.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "upstream", got.Name)
	assert.Equal(t, "s3cret", got.Password)

	_, err = h.svc.Get(context.Background(), id+100)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateValidation(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	cases := []struct {
		name   string
		mutate func(*model.Endpoint)
	}{
		{"empty name", func(e *model.Endpoint) { e.Name = "" }},
		{"empty url", func(e *model.Endpoint) { e.URL = "" }},
		{"bad scheme", func(e *model.Endpoint) { e.URL = "ftp://registry.example.com" }},
		{"no host", func(e *model.Endpoint) { e.URL = "https://" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := validEndpoint()
			tc.mutate(e)
			_, err := h.svc.Create(context.Background(), e)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestCreateNameConflict(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, err := h.svc.Create(context.Background(), validEndpoint())
	require.NoError(t, err)

	_, err = h.svc.Create(context.Background(), validEndpoint())
	assert.ErrorIs(t, err, ErrNameConflict)
}

func TestUpdate(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	e := validEndpoint()
	id, err := h.svc.Create(context.Background(), e)
	require.NoError(t, err)

	e.ID = id
	e.URL = "https://registry2.example.com"
	require.NoError(t, h.svc.Update(context.Background(), e))

	got, err := h.svc.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "https://registry2.example.com", got.URL)

	missing := validEndpoint()
	missing.ID = id + 100
	missing.Name = "elsewhere"
	assert.ErrorIs(t, h.svc.Update(context.Background(), missing), ErrNotFound)
}

func TestUpdateWithoutPasswordKeepsStoredCredential(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	id, err := h.svc.Create(context.Background(), validEndpoint())
	require.NoError(t, err)

	// Responses never echo credentials, so an update built from a read
	// carries an empty password. The stored one must survive.
	update := validEndpoint()
	update.ID = id
	update.URL = "https://registry2.example.com"
	update.Password = ""
	require.NoError(t, h.svc.Update(context.Background(), update))

	got, err := h.svc.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "https://registry2.example.com", got.URL)
	assert.Equal(t, "s3cret", got.Password)

	// A non-empty password still replaces the credential.
	update.Password = "rotated"
	require.NoError(t, h.svc.Update(context.Background(), update))
	got, err = h.svc.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "rotated", got.Password)
}

func TestUpdateBlockedDuringActiveExecution(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	e := validEndpoint()
	id, err := h.svc.Create(context.Background(), e)
	require.NoError(t, err)

	policyID, err := h.policies.Create(context.Background(), &model.Policy{
		Name:          "mirror-alpine",
		Enabled:       true,
		SrcRegistryID: id,
		DstRegistryID: id,
		Trigger:       model.Trigger{Kind: model.TriggerKindManual},
	})
	require.NoError(t, err)

	require.NoError(t, h.executions.CreateExecution(context.Background(), &model.Execution{
		ID:        "66666666-6666-6666-6666-666666666666",
		PolicyID:  policyID,
		Status:    model.ExecutionInProgress,
		StartTime: time.Now(),
	}))

	e.ID = id
	e.Password = "rotated"
	assert.ErrorIs(t, h.svc.Update(context.Background(), e), ErrReferenced)
}

func TestDeleteBlockedByReferencingPolicy(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	id, err := h.svc.Create(context.Background(), validEndpoint())
	require.NoError(t, err)

	_, err = h.policies.Create(context.Background(), &model.Policy{
		Name:          "mirror-alpine",
		SrcRegistryID: id,
		DstRegistryID: id,
		Trigger:       model.Trigger{Kind: model.TriggerKindManual},
	})
	require.NoError(t, err)

	assert.ErrorIs(t, h.svc.Delete(context.Background(), id), ErrReferenced)
}

func TestDelete(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	id, err := h.svc.Create(context.Background(), validEndpoint())
	require.NoError(t, err)

	require.NoError(t, h.svc.Delete(context.Background(), id))
	_, err = h.svc.Get(context.Background(), id)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, h.svc.Delete(context.Background(), id), ErrNotFound)
}

func TestPing(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	require.NoError(t, h.svc.Ping(context.Background(), validEndpoint()))
	require.Len(t, h.clients.pinged, 1)

	h.clients.pingErr = registry.ErrAuth
	err := h.svc.Ping(context.Background(), validEndpoint())
	assert.ErrorIs(t, err, registry.ErrAuth)

	bad := validEndpoint()
	bad.URL = "not a url at all ://"
	assert.ErrorIs(t, h.svc.Ping(context.Background(), bad), ErrValidation)
}

func TestPingClientConstructionFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.clients.clientErr = errors.New("unsupported registry type")
	assert.ErrorIs(t, h.svc.Ping(context.Background(), validEndpoint()), ErrValidation)
}

func TestPingByID(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	id, err := h.svc.Create(context.Background(), validEndpoint())
	require.NoError(t, err)

	require.NoError(t, h.svc.PingByID(context.Background(), id))
	require.Len(t, h.clients.pinged, 1)
	assert.Equal(t, "upstream", h.clients.pinged[0].Name)

	assert.ErrorIs(t, h.svc.PingByID(context.Background(), id+100), ErrNotFound)
}

func TestListByName(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, err := h.svc.Create(context.Background(), validEndpoint())
	require.NoError(t, err)
	other := validEndpoint()
	other.Name = "downstream"
	_, err = h.svc.Create(context.Background(), other)
	require.NoError(t, err)

	endpoints, total, err := h.svc.List(context.Background(), "up", store.Page{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, endpoints, 1)
	assert.Equal(t, "upstream", endpoints[0].Name)
}
