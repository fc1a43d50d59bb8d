package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ocimirror/ocimirror/internal/model"
	"github.com/ocimirror/ocimirror/internal/store"
)

// PolicyStore is a PostgreSQL-backed store.PolicyStore.
type PolicyStore struct {
	pool *pgxpool.Pool
}

// NewPolicyStore creates a policy store on the given pool.
func NewPolicyStore(pool *pgxpool.Pool) *PolicyStore {
	return &PolicyStore{pool: pool}
}

const policyColumns = `id, name, description, enabled, src_registry_id, dst_registry_id,
	dest_namespace, filter, trigger_spec, override, replicate_deletion,
	disallow_overlap, max_retries, created_at, updated_at`

// Create stores the policy and returns its assigned ID.
func (s *PolicyStore) Create(ctx context.Context, p *model.Policy) (int64, error) {
	filter, triggerSpec, err := marshalPolicyDocs(p)
	if err != nil {
		return 0, err
	}

	var id int64
	err = s.pool.QueryRow(ctx, `
		INSERT INTO replication_policies (
			name, description, enabled, src_registry_id, dst_registry_id,
			dest_namespace, filter, trigger_spec, override,
			replicate_deletion, disallow_overlap, max_retries
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id`,
		p.Name, p.Description, p.Enabled, p.SrcRegistryID, p.DstRegistryID,
		p.DestNamespace, filter, triggerSpec, p.Override,
		p.ReplicateDeletion, p.DisallowOverlap, p.MaxRetries,
	).Scan(&id)
	if err != nil {
		return 0, mapError(err)
	}
	return id, nil
}

// Get returns the policy with the given ID.
func (s *PolicyStore) Get(ctx context.Context, id int64) (*model.Policy, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+policyColumns+` FROM replication_policies WHERE id = $1`, id)
	return scanPolicy(row)
}

// Update replaces the stored policy.
func (s *PolicyStore) Update(ctx context.Context, p *model.Policy) error {
	filter, triggerSpec, err := marshalPolicyDocs(p)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE replication_policies SET
			name = $2, description = $3, enabled = $4,
			src_registry_id = $5, dst_registry_id = $6, dest_namespace = $7,
			filter = $8, trigger_spec = $9, override = $10,
			replicate_deletion = $11, disallow_overlap = $12,
			max_retries = $13, updated_at = now()
		WHERE id = $1`,
		p.ID, p.Name, p.Description, p.Enabled,
		p.SrcRegistryID, p.DstRegistryID, p.DestNamespace,
		filter, triggerSpec, p.Override,
		p.ReplicateDeletion, p.DisallowOverlap, p.MaxRetries,
	)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Delete removes the policy.
func (s *PolicyStore) Delete(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM replication_policies WHERE id = $1`, id)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// SetEnabled flips the enabled flag.
func (s *PolicyStore) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE replication_policies SET enabled = $2, updated_at = now() WHERE id = $1`,
		id, enabled)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// List returns policies matching the query plus the unpaginated total.
func (s *PolicyStore) List(ctx context.Context, q store.PolicyQuery) ([]*model.Policy, int, error) {
	where := ` WHERE ($1 = '' OR name LIKE '%' || $1 || '%')
		AND ($2::bigint = 0 OR src_registry_id = $2 OR dst_registry_id = $2)`

	var total int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM replication_policies`+where, q.Name, q.EndpointID,
	).Scan(&total)
	if err != nil {
		return nil, 0, mapError(err)
	}

	limit, offset := q.Window()
	rows, err := s.pool.Query(ctx,
		`SELECT `+policyColumns+` FROM replication_policies`+where+
			` ORDER BY id LIMIT $3 OFFSET $4`,
		q.Name, q.EndpointID, limit, offset)
	if err != nil {
		return nil, 0, mapError(err)
	}
	defer rows.Close()

	policies := []*model.Policy{}
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, 0, err
		}
		policies = append(policies, p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, mapError(err)
	}
	return policies, total, nil
}

func marshalPolicyDocs(p *model.Policy) (filter, triggerSpec []byte, err error) {
	filter, err = json.Marshal(p.Filter)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode filter: %w", err)
	}
	triggerSpec, err = json.Marshal(p.Trigger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode trigger: %w", err)
	}
	return filter, triggerSpec, nil
}

func scanPolicy(row pgx.Row) (*model.Policy, error) {
	var (
		p           model.Policy
		filter      []byte
		triggerSpec []byte
	)
	err := row.Scan(
		&p.ID, &p.Name, &p.Description, &p.Enabled,
		&p.SrcRegistryID, &p.DstRegistryID, &p.DestNamespace,
		&filter, &triggerSpec, &p.Override,
		&p.ReplicateDeletion, &p.DisallowOverlap, &p.MaxRetries,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, mapError(err)
	}
	if err := json.Unmarshal(filter, &p.Filter); err != nil {
		return nil, fmt.Errorf("failed to decode filter: %w", err)
	}
	if err := json.Unmarshal(triggerSpec, &p.Trigger); err != nil {
		return nil, fmt.Errorf("failed to decode trigger: %w", err)
	}
	return &p, nil
}
