package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ocimirror/ocimirror/internal/model"
	"github.com/ocimirror/ocimirror/internal/store"
)

// EndpointStore is a PostgreSQL-backed store.EndpointStore. Deleting an
// endpoint referenced by a policy trips the foreign key constraint,
// which surfaces as store.ErrConflict.
type EndpointStore struct {
	pool *pgxpool.Pool
}

// NewEndpointStore creates an endpoint store on the given pool.
func NewEndpointStore(pool *pgxpool.Pool) *EndpointStore {
	return &EndpointStore{pool: pool}
}

const endpointColumns = `id, name, url, username, password, type, insecure, created_at, updated_at`

// Create stores the endpoint and returns its assigned ID.
func (s *EndpointStore) Create(ctx context.Context, e *model.Endpoint) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO registries (name, url, username, password, type, insecure)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		e.Name, e.URL, e.Username, e.Password, e.Type, e.Insecure,
	).Scan(&id)
	if err != nil {
		return 0, mapError(err)
	}
	return id, nil
}

// Get returns the endpoint with the given ID.
func (s *EndpointStore) Get(ctx context.Context, id int64) (*model.Endpoint, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+endpointColumns+` FROM registries WHERE id = $1`, id)
	return scanEndpoint(row)
}

// Update replaces the stored endpoint.
func (s *EndpointStore) Update(ctx context.Context, e *model.Endpoint) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE registries SET
			name = $2, url = $3, username = $4, password = $5,
			type = $6, insecure = $7, updated_at = now()
		WHERE id = $1`,
		e.ID, e.Name, e.URL, e.Username, e.Password, e.Type, e.Insecure,
	)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Delete removes the endpoint.
func (s *EndpointStore) Delete(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM registries WHERE id = $1`, id)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// List returns endpoints whose name contains the given substring.
func (s *EndpointStore) List(ctx context.Context, name string, page store.Page) ([]*model.Endpoint, int, error) {
	var total int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM registries WHERE ($1 = '' OR name LIKE '%' || $1 || '%')`,
		name,
	).Scan(&total)
	if err != nil {
		return nil, 0, mapError(err)
	}

	limit, offset := page.Window()
	rows, err := s.pool.Query(ctx,
		`SELECT `+endpointColumns+` FROM registries
		WHERE ($1 = '' OR name LIKE '%' || $1 || '%')
		ORDER BY id LIMIT $2 OFFSET $3`,
		name, limit, offset)
	if err != nil {
		return nil, 0, mapError(err)
	}
	defer rows.Close()

	endpoints := []*model.Endpoint{}
	for rows.Next() {
		e, err := scanEndpoint(rows)
		if err != nil {
			return nil, 0, err
		}
		endpoints = append(endpoints, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, mapError(err)
	}
	return endpoints, total, nil
}

func scanEndpoint(row pgx.Row) (*model.Endpoint, error) {
	var e model.Endpoint
	err := row.Scan(
		&e.ID, &e.Name, &e.URL, &e.Username, &e.Password,
		&e.Type, &e.Insecure, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, mapError(err)
	}
	return &e, nil
}
