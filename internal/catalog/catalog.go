// Package catalog is the content-addressed, versioned store for playbooks
// and credentials (spec §4.3).
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/noetl/noetl-sub018/internal/apperr"
	"github.com/noetl/noetl-sub018/internal/ids"
	"github.com/noetl/noetl-sub018/internal/store"
)

// Kind is the closed set of catalog resource kinds.
type Kind string

const (
	KindPlaybook   Kind = "Playbook"
	KindCredential Kind = "Credential"
)

// Resource is one version of a catalog entry.
type Resource struct {
	ID        int64
	Kind      Kind
	Path      string
	Version   int
	Payload   json.RawMessage
	CreatedAt time.Time
}

// Store persists catalog resources in Postgres. Versions are monotonic per
// path; content is immutable once stored.
type Store struct {
	pool *store.Pool
	ids  *ids.Generator
}

// New builds a catalog Store backed by pool, minting resource ids from gen.
func New(pool *store.Pool, gen *ids.Generator) *Store {
	return &Store{pool: pool, ids: gen}
}

// Register stores a new version of a resource at path. version is the
// caller-requested value; if zero, the next monotonic version for path is
// assigned automatically.
func (s *Store) Register(ctx context.Context, kind Kind, path string, payload json.RawMessage, version int) (*Resource, error) {
	if path == "" {
		return nil, apperr.New(apperr.KindInvalidResource, "catalog: path is required")
	}
	if !json.Valid(payload) {
		return nil, apperr.New(apperr.KindInvalidResource, "catalog: payload is not valid JSON")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransientStorage, "catalog: begin tx", err)
	}
	defer tx.Rollback(ctx)

	if version == 0 {
		row := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(version), 0) + 1 FROM catalog_resources WHERE path = $1`, path)
		if err := row.Scan(&version); err != nil {
			return nil, apperr.Wrap(apperr.KindTransientStorage, "catalog: next version", err)
		}
	}

	id := s.ids.Next()
	_, err = tx.Exec(ctx, `
		INSERT INTO catalog_resources (id, kind, path, version, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, now())`,
		id, string(kind), path, version, payload)
	if err != nil {
		if isUniqueViolation(err) {
			existing, getErr := s.get(ctx, s.pool, path, &version)
			if getErr != nil {
				return nil, apperr.Wrap(apperr.KindConflict, "catalog: duplicate register", err)
			}
			return existing, nil
		}
		return nil, apperr.Wrap(apperr.KindTransientStorage, "catalog: insert", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, apperr.Wrap(apperr.KindTransientStorage, "catalog: commit", err)
	}

	return &Resource{ID: id, Kind: kind, Path: path, Version: version, Payload: payload}, nil
}

// Get returns the resource at path. When version is nil, the latest version
// is returned.
func (s *Store) Get(ctx context.Context, path string, version *int) (*Resource, error) {
	return s.get(ctx, s.pool, path, version)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) get(ctx context.Context, q querier, path string, version *int) (*Resource, error) {
	var row pgx.Row
	if version != nil {
		row = q.QueryRow(ctx, `
			SELECT id, kind, path, version, payload, created_at
			FROM catalog_resources WHERE path = $1 AND version = $2`, path, *version)
	} else {
		row = q.QueryRow(ctx, `
			SELECT id, kind, path, version, payload, created_at
			FROM catalog_resources WHERE path = $1 ORDER BY version DESC LIMIT 1`, path)
	}

	var r Resource
	var kind string
	if err := row.Scan(&r.ID, &kind, &r.Path, &r.Version, &r.Payload, &r.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.New(apperr.KindNotFound, "catalog: resource not found")
		}
		return nil, apperr.Wrap(apperr.KindTransientStorage, "catalog: get", err)
	}
	r.Kind = Kind(kind)
	return &r, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
