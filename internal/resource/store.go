package resource

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/botmesh/botmesh/internal/common/logger"
	"github.com/botmesh/botmesh/internal/db"
	"github.com/botmesh/botmesh/internal/db/dialect"
)

// Sentinel errors surfaced to callers.
var (
	ErrNotFound  = errors.New("resource not found")
	ErrDuplicate = errors.New("resource already exists")
)

// Store persists resources in the polymorphic container table.
type Store struct {
	pool   *db.Pool
	driver string
	logger *logger.Logger
}

// NewStore creates a resource store over the given pool.
func NewStore(pool *db.Pool, log *logger.Logger) *Store {
	return &Store{
		pool:   pool,
		driver: pool.Writer().DriverName(),
		logger: log.WithFields(zap.String("component", "resource-store")),
	}
}

// InitSchema creates the container table and its indexes. Idempotent; the
// startup_initialization lock gates concurrent workers, but re-running is
// safe regardless.
func (s *Store) InitSchema(ctx context.Context) error {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if dialect.IsPostgres(s.driver) {
		serial = "BIGSERIAL PRIMARY KEY"
	}

	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS resources (
			id %s,
			owner_id INTEGER NOT NULL DEFAULT 0,
			kind TEXT NOT NULL,
			name TEXT NOT NULL,
			namespace TEXT NOT NULL DEFAULT 'default',
			json TEXT NOT NULL DEFAULT '{}',
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`, serial),
		// Uniqueness holds among active rows only; soft-deleted rows keep
		// their name free for reuse.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_resources_identity
			ON resources(owner_id, kind, name, namespace) WHERE is_active = 1`,
		`CREATE INDEX IF NOT EXISTS idx_resources_kind ON resources(kind, is_active)`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Writer().ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize resources schema: %w", err)
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // sqlite
		strings.Contains(msg, "duplicate key value") // postgres
}

// Create inserts a new active resource and fills in its ID and timestamps.
func (s *Store) Create(ctx context.Context, res *Resource) error {
	if res.Namespace == "" {
		res.Namespace = DefaultNamespace
	}
	if len(res.JSON) == 0 {
		res.JSON = []byte("{}")
	}
	now := time.Now().UTC()
	res.CreatedAt = now
	res.UpdatedAt = now
	res.IsActive = true

	id, err := dialect.InsertReturningID(ctx, s.pool.Writer(),
		`INSERT INTO resources (owner_id, kind, name, namespace, json, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 1, ?, ?)`,
		res.OwnerID, res.Kind, res.Name, res.Namespace, string(res.JSON), res.CreatedAt, res.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s %s/%s", ErrDuplicate, res.Kind, res.Namespace, res.Name)
		}
		return fmt.Errorf("failed to create resource: %w", err)
	}
	res.ID = id
	return nil
}

type resourceRow struct {
	ID        int64     `db:"id"`
	OwnerID   int64     `db:"owner_id"`
	Kind      string    `db:"kind"`
	Name      string    `db:"name"`
	Namespace string    `db:"namespace"`
	JSON      string    `db:"json"`
	IsActive  int       `db:"is_active"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r resourceRow) toResource() *Resource {
	return &Resource{
		ID:        r.ID,
		OwnerID:   r.OwnerID,
		Kind:      Kind(r.Kind),
		Name:      r.Name,
		Namespace: r.Namespace,
		JSON:      []byte(r.JSON),
		IsActive:  r.IsActive == 1,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

// Get returns the active resource for the exact owner scope, or ErrNotFound.
func (s *Store) Get(ctx context.Context, owner int64, kind Kind, name, namespace string) (*Resource, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	var row resourceRow
	reader := s.pool.Reader()
	err := reader.GetContext(ctx, &row, reader.Rebind(
		`SELECT * FROM resources
		 WHERE owner_id = ? AND kind = ? AND name = ? AND namespace = ? AND is_active = 1`),
		owner, kind, name, namespace)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s %s/%s (owner %d)", ErrNotFound, kind, namespace, name, owner)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource: %w", err)
	}
	return row.toResource(), nil
}

// GetWithFallback searches the owner scope first, then the public scope.
func (s *Store) GetWithFallback(ctx context.Context, owner int64, kind Kind, name, namespace string) (*Resource, error) {
	res, err := s.Get(ctx, owner, kind, name, namespace)
	if err == nil {
		return res, nil
	}
	if !errors.Is(err, ErrNotFound) || owner == PublicOwner {
		return nil, err
	}
	return s.Get(ctx, PublicOwner, kind, name, namespace)
}

// GetByID returns the resource row by primary key, active or not.
func (s *Store) GetByID(ctx context.Context, id int64) (*Resource, error) {
	var row resourceRow
	reader := s.pool.Reader()
	err := reader.GetContext(ctx, &row, reader.Rebind(`SELECT * FROM resources WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource: %w", err)
	}
	return row.toResource(), nil
}

// ListFilter narrows and paginates List results.
type ListFilter struct {
	Search        string // matches name
	IncludePublic bool
	Limit         int
	Offset        int
}

// List returns active resources of a kind in the owner scope, name-ordered.
func (s *Store) List(ctx context.Context, owner int64, kind Kind, filter ListFilter) ([]*Resource, error) {
	query := `SELECT * FROM resources WHERE kind = ? AND is_active = 1`
	args := []any{kind}

	if filter.IncludePublic && owner != PublicOwner {
		query += ` AND owner_id IN (?, ?)`
		args = append(args, owner, PublicOwner)
	} else {
		query += ` AND owner_id = ?`
		args = append(args, owner)
	}
	if filter.Search != "" {
		query += ` AND name ` + dialect.Like(s.driver) + ` ?`
		args = append(args, "%"+filter.Search+"%")
	}
	query += ` ORDER BY name ASC, namespace ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, filter.Limit, filter.Offset)
	}

	var rows []resourceRow
	reader := s.pool.Reader()
	if err := reader.SelectContext(ctx, &rows, reader.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	out := make([]*Resource, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toResource())
	}
	return out, nil
}

// Update rewrites the JSON document and bumps updated_at.
func (s *Store) Update(ctx context.Context, res *Resource) error {
	res.UpdatedAt = time.Now().UTC()
	writer := s.pool.Writer()
	result, err := writer.ExecContext(ctx, writer.Rebind(
		`UPDATE resources SET json = ?, updated_at = ? WHERE id = ?`),
		string(res.JSON), res.UpdatedAt, res.ID)
	if err != nil {
		return fmt.Errorf("failed to update resource: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("%w: id %d", ErrNotFound, res.ID)
	}
	return nil
}

// UpdateJSON applies a read-modify-write patch to the JSON document inside
// a transaction. The row is locked for the duration on Postgres; SQLite
// serializes through the single writer connection. The column is always
// rewritten, even if the patch returns the input unchanged.
func (s *Store) UpdateJSON(ctx context.Context, id int64, patch func([]byte) ([]byte, error)) error {
	writer := s.pool.Writer()
	tx, err := writer.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	query := `SELECT json FROM resources WHERE id = ?`
	if dialect.IsPostgres(s.driver) {
		query += ` FOR UPDATE`
	}
	var current string
	if err := tx.GetContext(ctx, &current, writer.Rebind(query), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: id %d", ErrNotFound, id)
		}
		return fmt.Errorf("failed to read resource json: %w", err)
	}

	patched, err := patch([]byte(current))
	if err != nil {
		return err
	}
	if !json.Valid(patched) {
		return fmt.Errorf("patch produced invalid json for resource %d", id)
	}

	if _, err := tx.ExecContext(ctx, writer.Rebind(
		`UPDATE resources SET json = ?, updated_at = ? WHERE id = ?`),
		string(patched), time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to write resource json: %w", err)
	}
	return tx.Commit()
}

// SoftDelete deactivates a resource; rows are never purged.
func (s *Store) SoftDelete(ctx context.Context, id int64) error {
	writer := s.pool.Writer()
	result, err := writer.ExecContext(ctx, writer.Rebind(
		`UPDATE resources SET is_active = 0, updated_at = ? WHERE id = ? AND is_active = 1`),
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to soft-delete resource: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return nil
}

// TaskFilter selects candidate tasks for the dispatcher.
type TaskFilter struct {
	Statuses      []string          // task status block values
	Labels        map[string]string // all must match
	ExcludeSource string            // skip tasks whose labels.source equals this
	Limit         int
}

// ListTasks returns active Task resources matching the filter, oldest first.
// Status and labels live inside the JSON document, queried via json_extract
// (or jsonb operators on Postgres).
func (s *Store) ListTasks(ctx context.Context, filter TaskFilter) ([]*Resource, error) {
	query := `SELECT * FROM resources WHERE kind = ? AND is_active = 1`
	args := []any{KindTask}

	if len(filter.Statuses) > 0 {
		placeholders := strings.Repeat("?,", len(filter.Statuses))
		query += fmt.Sprintf(" AND %s IN (%s)",
			dialect.JSONExtract(s.driver, "json", "status.status"),
			placeholders[:len(placeholders)-1])
		for _, st := range filter.Statuses {
			args = append(args, st)
		}
	}
	for key, value := range filter.Labels {
		query += " AND " + dialect.JSONExtract(s.driver, "json", "labels."+key) + " = ?"
		args = append(args, value)
	}
	if filter.ExcludeSource != "" {
		src := dialect.JSONExtract(s.driver, "json", "labels."+LabelSource)
		query += fmt.Sprintf(" AND (%s IS NULL OR %s != ?)", src, src)
		args = append(args, filter.ExcludeSource)
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	var rows []resourceRow
	reader := s.pool.Reader()
	if err := reader.SelectContext(ctx, &rows, reader.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	out := make([]*Resource, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toResource())
	}
	return out, nil
}

// ListSubscriptions returns all active Subscription resources across owners.
// The trigger scheduler filters due ones in Go; due-ness lives inside the
// _internal document and batch sizes are small.
func (s *Store) ListSubscriptions(ctx context.Context) ([]*Resource, error) {
	var rows []resourceRow
	reader := s.pool.Reader()
	err := reader.SelectContext(ctx, &rows, reader.Rebind(
		`SELECT * FROM resources WHERE kind = ? AND is_active = 1 ORDER BY id ASC`), KindSubscription)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	out := make([]*Resource, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toResource())
	}
	return out, nil
}

// ResolveRef fetches a referenced resource with owner-then-public fallback.
func (s *Store) ResolveRef(ctx context.Context, owner int64, kind Kind, ref Ref) (*Resource, error) {
	if ref.IsZero() {
		return nil, fmt.Errorf("%w: empty %s reference", ErrNotFound, kind)
	}
	return s.GetWithFallback(ctx, owner, kind, ref.Name, ref.NamespaceOrDefault())
}
