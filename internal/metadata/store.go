// Package metadata is the authoritative, transactional record of buckets and
// objects, backed by SQLite. The filesystem payload tree is a derived mirror;
// existence questions are always answered here.
package metadata

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations
var migrationsFS embed.FS

var (
	// ErrBucketExists is returned by CreateBucket for a duplicate name.
	ErrBucketExists = errors.New("metadata: bucket already exists")
	// ErrBucketNotFound is returned when a named bucket has no row.
	ErrBucketNotFound = errors.New("metadata: bucket not found")
	// ErrObjectNotFound is returned when a (bucket, key) pair has no row.
	ErrObjectNotFound = errors.New("metadata: object not found")
)

// Bucket is a single row of the bucket namespace.
type Bucket struct {
	Name      string
	CreatedAt time.Time
}

// Object is a single object metadata row. StoragePath always points at the
// payload matching ETag; keeping that true under partial failure is the
// coordinator's job.
type Object struct {
	BucketName        string
	ObjectKey         string
	InternalStorageID string
	SizeBytes         int64
	ETag              string
	ContentType       string
	StoragePath       string
	LastModified      time.Time
}

// Store wraps the SQLite metadata database. The underlying *sql.DB pools
// connections internally, so a single Store is safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the metadata database at dbPath and
// applies all embedded migrations.
func Open(ctx context.Context, dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := initSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// initSchema applies all SQL files in the embedded migrations directory in
// lexicographical order.
func initSchema(ctx context.Context, db *sql.DB) error {
	return fs.WalkDir(migrationsFS, "migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		content, readError := migrationsFS.ReadFile(path)
		if readError != nil {
			return fmt.Errorf("error reading SQL file: %w", readError)
		}

		slog.Info("Running migration", "path", path)
		_, execError := db.ExecContext(ctx, string(content))
		return execError
	})
}

// withTx runs fn within a database transaction, committing on success and
// rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing transaction: %w", err)
	}

	return nil
}

// CreateBucket inserts a new bucket row. The name must contain at least one
// non-whitespace character.
func (s *Store) CreateBucket(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("metadata: bucket name must not be blank")
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO buckets(name, created_at) VALUES(?, ?)`,
		name, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert bucket: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrBucketExists
	}
	return nil
}

// ListBuckets returns all buckets, most recently created first.
func (s *Store) ListBuckets(ctx context.Context) ([]Bucket, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, created_at FROM buckets ORDER BY created_at DESC, name`)
	if err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}
	defer rows.Close()

	var buckets []Bucket
	for rows.Next() {
		var b Bucket
		if err := rows.Scan(&b.Name, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan bucket: %w", err)
		}
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}

// BucketExists reports whether a bucket row with the given name exists.
func (s *Store) BucketExists(ctx context.Context, name string) (bool, error) {
	var count int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM buckets WHERE name = ?`, name).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// DeleteBucket removes a bucket row. Object rows for the bucket are removed
// by the schema's ON DELETE CASCADE. Returns ErrBucketNotFound if no row
// exists.
func (s *Store) DeleteBucket(ctx context.Context, name string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM buckets WHERE name = ?`, name)
		if err != nil {
			return fmt.Errorf("delete bucket: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return ErrBucketNotFound
		}
		return nil
	})
}

// UpsertObject inserts the object row or, when (bucket_name, object_key)
// already exists, replaces its storage id, path, size, etag, content type,
// and last-modified time. The whole operation is a single statement so
// concurrent writers to the same key cannot lose updates.
func (s *Store) UpsertObject(ctx context.Context, obj Object) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO objects (
			bucket_name, object_key, internal_storage_id, storage_path,
			size_bytes, etag, content_type, last_modified
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(bucket_name, object_key) DO UPDATE SET
			internal_storage_id = excluded.internal_storage_id,
			storage_path = excluded.storage_path,
			size_bytes = excluded.size_bytes,
			etag = excluded.etag,
			content_type = excluded.content_type,
			last_modified = excluded.last_modified`,
		obj.BucketName, obj.ObjectKey, obj.InternalStorageID, obj.StoragePath,
		obj.SizeBytes, obj.ETag, obj.ContentType, obj.LastModified,
	)
	if err != nil {
		return fmt.Errorf("upsert object: %w", err)
	}
	return nil
}

// GetObject returns the metadata row for (bucket, key), or ErrObjectNotFound.
func (s *Store) GetObject(ctx context.Context, bucket, key string) (Object, error) {
	obj := Object{BucketName: bucket, ObjectKey: key}
	var contentType sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT internal_storage_id, storage_path, size_bytes, etag, content_type, last_modified
		FROM objects
		WHERE bucket_name = ? AND object_key = ?`,
		bucket, key,
	).Scan(&obj.InternalStorageID, &obj.StoragePath, &obj.SizeBytes, &obj.ETag, &contentType, &obj.LastModified)
	if errors.Is(err, sql.ErrNoRows) {
		return Object{}, ErrObjectNotFound
	}
	if err != nil {
		return Object{}, fmt.Errorf("lookup object: %w", err)
	}

	if contentType.Valid {
		obj.ContentType = contentType.String
	}
	return obj, nil
}

// DeleteObject removes the metadata row for (bucket, key). Returns
// ErrObjectNotFound if no row exists.
func (s *Store) DeleteObject(ctx context.Context, bucket, key string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM objects WHERE bucket_name = ? AND object_key = ?`, bucket, key)
	if err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrObjectNotFound
	}
	return nil
}
