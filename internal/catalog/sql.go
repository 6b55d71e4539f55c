package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

const (
	sqlGetEntity = `SELECT id, name, folder_name, created_at, updated_at, deleted_at
		FROM entities WHERE id = ?`

	sqlListEntities = `SELECT id, name, folder_name, created_at, updated_at, deleted_at
		FROM entities`

	sqlInsertEntity = `INSERT INTO entities (id, name, folder_name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`

	sqlRenameEntity = `UPDATE entities SET name = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL`

	sqlDeleteEntity = `UPDATE entities SET deleted_at = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL`

	sqlInsertUpload = `INSERT INTO uploads (id, entity_id, file_name, remote_path, size, uploaded_at)
		VALUES (?, ?, ?, ?, ?, ?)`

	sqlListUploads = `SELECT id, entity_id, file_name, remote_path, size, uploaded_at
		FROM uploads WHERE entity_id = ? ORDER BY uploaded_at, id`
)

// Options configures an SQLStore.
type Options struct {
	// FolderNaming is NamingID (default) or NamingName.
	FolderNaming string
}

// SQLStore implements Store on database/sql, backed by SQLite or PostgreSQL.
type SQLStore struct {
	db       *sql.DB
	pool     *pgxpool.Pool // non-nil for PostgreSQL
	postgres bool
	naming   string
	logger   *slog.Logger
	nowFunc  func() time.Time // injectable for deterministic tests
}

var _ Store = (*SQLStore)(nil)

// Open connects to the catalog at dsn and applies pending migrations.
// A postgres:// or postgresql:// DSN selects PostgreSQL; anything else is a
// SQLite file path, optionally prefixed with "sqlite:".
func Open(ctx context.Context, dsn string, opts Options, logger *slog.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if _, err := FolderName(opts.FolderNaming, "", "x"); err != nil {
		return nil, err
	}

	s := &SQLStore{
		naming:  opts.FolderNaming,
		logger:  logger,
		nowFunc: time.Now,
	}

	dialect := goose.DialectSQLite3

	if isPostgresDSN(dsn) {
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("catalog: connecting to postgres: %w", err)
		}

		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("catalog: pinging postgres: %w", err)
		}

		s.pool = pool
		s.postgres = true
		s.db = stdlib.OpenDBFromPool(pool)
		dialect = goose.DialectPostgres
	} else {
		path := strings.TrimPrefix(dsn, "sqlite:")
		if path == "" {
			return nil, errors.New("catalog: empty database path")
		}

		// DSN parameters ensure pragmas apply to every connection from the pool.
		db, err := sql.Open("sqlite", fmt.Sprintf(
			"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
				"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)"+
				"&_pragma=journal_size_limit(67108864)",
			path,
		))
		if err != nil {
			return nil, fmt.Errorf("catalog: opening database %s: %w", path, err)
		}

		db.SetMaxOpenConns(1)
		s.db = db
	}

	if err := runMigrations(ctx, s.db, dialect, logger); err != nil {
		s.Close()
		return nil, err
	}

	logger.Info("catalog opened",
		slog.String("driver", string(dialect)),
		slog.String("folder_naming", s.folderNaming()),
	)

	return s, nil
}

func isPostgresDSN(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

// Close releases the database handle and, for PostgreSQL, the pool.
func (s *SQLStore) Close() error {
	err := s.db.Close()

	if s.pool != nil {
		s.pool.Close()
	}

	return err
}

func (s *SQLStore) folderNaming() string {
	if s.naming == "" {
		return NamingID
	}

	return s.naming
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if !s.postgres {
		return query
	}

	var b strings.Builder

	n := 0

	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))

			continue
		}

		b.WriteRune(r)
	}

	return b.String()
}

// GetEntity returns the entity with the given id, deleted or not.
func (s *SQLStore) GetEntity(ctx context.Context, id string) (*Entity, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(sqlGetEntity), id)

	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrEntityNotFound, id)
	}

	if err != nil {
		return nil, fmt.Errorf("catalog: loading entity %s: %w", id, err)
	}

	return e, nil
}

// ListEntities returns entities ordered by creation time.
func (s *SQLStore) ListEntities(ctx context.Context, filter EntityFilter) ([]Entity, error) {
	var (
		where []string
		args  []any
	)

	if !filter.IncludeDeleted {
		where = append(where, "deleted_at IS NULL")
	}

	if filter.NamePrefix != "" {
		where = append(where, "substr(name, 1, ?) = ?")
		args = append(args, utf8.RuneCountInString(filter.NamePrefix), filter.NamePrefix)
	}

	query := sqlListEntities
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("catalog: listing entities: %w", err)
	}
	defer rows.Close()

	var out []Entity

	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("catalog: scanning entity: %w", err)
		}

		out = append(out, *e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: iterating entities: %w", err)
	}

	return out, nil
}

// CreateEntity inserts a new entity. Its id and folder name are assigned
// here and never change afterwards.
func (s *SQLStore) CreateEntity(ctx context.Context, name string) (*Entity, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	id := NewID()

	folder, err := FolderName(s.naming, id, name)
	if err != nil {
		return nil, err
	}

	now := s.nowFunc().UTC()
	e := &Entity{
		ID:         id,
		Name:       name,
		FolderName: folder,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if _, err := s.db.ExecContext(ctx, s.rebind(sqlInsertEntity),
		e.ID, e.Name, e.FolderName, now.UnixNano(), now.UnixNano(),
	); err != nil {
		return nil, fmt.Errorf("catalog: creating entity: %w", err)
	}

	s.logger.Debug("entity created",
		slog.String("id", e.ID),
		slog.String("folder_name", e.FolderName),
	)

	return e, nil
}

// RenameEntity changes the display name of an active entity.
func (s *SQLStore) RenameEntity(ctx context.Context, id, name string) error {
	if err := validateName(name); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, s.rebind(sqlRenameEntity), name, s.nowFunc().UTC().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("catalog: renaming entity %s: %w", id, err)
	}

	return expectOneRow(res, id)
}

// DeleteEntity soft-deletes an active entity. Its folder stops being
// expected and becomes eligible for orphan cleanup.
func (s *SQLStore) DeleteEntity(ctx context.Context, id string) error {
	now := s.nowFunc().UTC().UnixNano()

	res, err := s.db.ExecContext(ctx, s.rebind(sqlDeleteEntity), now, now, id)
	if err != nil {
		return fmt.Errorf("catalog: deleting entity %s: %w", id, err)
	}

	return expectOneRow(res, id)
}

// RecordUpload stores a confirmed upload. ID and UploadedAt are filled in
// when zero.
func (s *SQLStore) RecordUpload(ctx context.Context, u Upload) (*Upload, error) {
	if u.ID == "" {
		u.ID = NewID()
	}

	if u.UploadedAt.IsZero() {
		u.UploadedAt = s.nowFunc()
	}

	u.UploadedAt = u.UploadedAt.UTC()

	if _, err := s.db.ExecContext(ctx, s.rebind(sqlInsertUpload),
		u.ID, u.EntityID, u.FileName, u.RemotePath, u.Size, u.UploadedAt.UnixNano(),
	); err != nil {
		return nil, fmt.Errorf("catalog: recording upload %s: %w", u.RemotePath, err)
	}

	return &u, nil
}

// ListUploads returns the uploads of one entity, oldest first.
func (s *SQLStore) ListUploads(ctx context.Context, entityID string) ([]Upload, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(sqlListUploads), entityID)
	if err != nil {
		return nil, fmt.Errorf("catalog: listing uploads: %w", err)
	}
	defer rows.Close()

	var out []Upload

	for rows.Next() {
		var (
			u  Upload
			at int64
		)

		if err := rows.Scan(&u.ID, &u.EntityID, &u.FileName, &u.RemotePath, &u.Size, &at); err != nil {
			return nil, fmt.Errorf("catalog: scanning upload: %w", err)
		}

		u.UploadedAt = time.Unix(0, at).UTC()
		out = append(out, u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: iterating uploads: %w", err)
	}

	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (*Entity, error) {
	var (
		e                Entity
		created, updated int64
		deleted          sql.NullInt64
	)

	if err := row.Scan(&e.ID, &e.Name, &e.FolderName, &created, &updated, &deleted); err != nil {
		return nil, err
	}

	e.CreatedAt = time.Unix(0, created).UTC()
	e.UpdatedAt = time.Unix(0, updated).UTC()

	if deleted.Valid {
		t := time.Unix(0, deleted.Int64).UTC()
		e.DeletedAt = &t
	}

	return &e, nil
}

func expectOneRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("catalog: checking update of %s: %w", id, err)
	}

	if n == 0 {
		return fmt.Errorf("%w: %s", ErrEntityNotFound, id)
	}

	return nil
}
