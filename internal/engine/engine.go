// Package engine coordinates the metadata store, the blob store, and the
// metadata cache. Every mutating operation drives the two stores in a fixed
// order with best-effort compensation when one side fails, and touches the
// cache only after the metadata commit, so the cache can never outlive its
// own invalidation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"pail/internal/blob"
	"pail/internal/cache"
	"pail/internal/metadata"
)

const fallbackContentType = "application/octet-stream"

// Engine exposes the bucket and object operations served to the transport
// layer. All methods are safe for concurrent use.
type Engine struct {
	meta    *metadata.Store
	blobs   *blob.Store
	cache   *cache.Cache
	metrics *Metrics
	writers *keyLocks
}

// New assembles an Engine. The cache and metrics are constructed once by the
// caller at process start and passed in by handle.
func New(meta *metadata.Store, blobs *blob.Store, c *cache.Cache, m *Metrics) *Engine {
	return &Engine{
		meta:    meta,
		blobs:   blobs,
		cache:   c,
		metrics: m,
		writers: newKeyLocks(),
	}
}

// PutResult reports the outcome of a successful PutObject.
type PutResult struct {
	ETag        string
	ContentType string
}

// Object is a readable object returned by GetObject. The caller must close
// Body.
type Object struct {
	Body         io.ReadCloser
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
}

// CreateBucket creates the bucket metadata row and then its root directory.
// If the directory cannot be created, the row is compensated away so the two
// resources do not diverge past this call.
func (e *Engine) CreateBucket(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: bucket name must not be blank", ErrInvalidArgument)
	}

	if err := e.meta.CreateBucket(ctx, name); err != nil {
		if errors.Is(err, metadata.ErrBucketExists) {
			return fmt.Errorf("%w: bucket %q", ErrConflict, name)
		}
		return fmt.Errorf("%w: %w", ErrMetadata, err)
	}

	if err := e.blobs.MakeBucketRoot(name); err != nil {
		slog.Error("Failed to create bucket root, rolling back metadata row", "bucket", name, "error", err)
		if rbErr := e.meta.DeleteBucket(ctx, name); rbErr != nil {
			slog.Error("Failed to roll back bucket row", "bucket", name, "error", rbErr)
		}
		return fmt.Errorf("%w: create bucket root: %w", ErrStorage, err)
	}

	return nil
}

// ListBuckets returns all buckets, most recently created first.
func (e *Engine) ListBuckets(ctx context.Context) ([]metadata.Bucket, error) {
	buckets, err := e.meta.ListBuckets(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMetadata, err)
	}
	return buckets, nil
}

// HeadBucket confirms that the named bucket exists.
func (e *Engine) HeadBucket(ctx context.Context, name string) error {
	exists, err := e.meta.BucketExists(ctx, name)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMetadata, err)
	}
	if !exists {
		return fmt.Errorf("%w: bucket %q", ErrNotFound, name)
	}
	return nil
}

// DeleteBucket removes the bucket's root directory tree first and its
// metadata row second. If the directory removal fails, the delete aborts
// with the row retained, so a bucket never appears deleted while its files
// remain on disk. Object rows are removed by the store's cascade.
func (e *Engine) DeleteBucket(ctx context.Context, name string) error {
	exists, err := e.meta.BucketExists(ctx, name)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMetadata, err)
	}
	if !exists {
		return fmt.Errorf("%w: bucket %q", ErrNotFound, name)
	}

	if err := e.blobs.RemoveBucketRoot(name); err != nil {
		return fmt.Errorf("%w: remove bucket root: %w", ErrStorage, err)
	}

	if err := e.meta.DeleteBucket(ctx, name); err != nil {
		if errors.Is(err, metadata.ErrBucketNotFound) {
			// A concurrent delete won; the end state is what we wanted.
			slog.Debug("Bucket row already gone", "bucket", name)
		} else {
			return fmt.Errorf("%w: %w", ErrMetadata, err)
		}
	}

	e.cache.InvalidateBucket(name)
	return nil
}

// PutObject streams the payload to disk, resolves the final content type,
// commits the metadata row, and invalidates the cache entry, in that order.
// A blob write failure leaves the system exactly as it was; a metadata
// failure triggers a best-effort removal of the just-written payload.
func (e *Engine) PutObject(ctx context.Context, bucket, key string, body io.Reader, contentTypeHint string) (PutResult, error) {
	if err := validateKey(key); err != nil {
		return PutResult{}, err
	}

	exists, err := e.meta.BucketExists(ctx, bucket)
	if err != nil {
		return PutResult{}, fmt.Errorf("%w: %w", ErrMetadata, err)
	}
	if !exists {
		return PutResult{}, fmt.Errorf("%w: bucket %q", ErrNotFound, bucket)
	}

	e.writers.lock(bucket, key)
	defer e.writers.unlock(bucket, key)

	storagePath := e.blobs.ObjectPath(bucket, key)

	res, err := e.blobs.Write(bucket, key, body)
	if err != nil {
		return PutResult{}, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	contentType := resolveContentType(contentTypeHint, res.SniffedType, key)

	obj := metadata.Object{
		BucketName:        bucket,
		ObjectKey:         key,
		InternalStorageID: fmt.Sprintf("%x", uuid.New()),
		SizeBytes:         res.Size,
		ETag:              res.ETag,
		ContentType:       contentType,
		StoragePath:       storagePath,
		LastModified:      time.Now().UTC(),
	}

	if err := e.meta.UpsertObject(ctx, obj); err != nil {
		slog.Error("Metadata commit failed after blob write, removing payload", "bucket", bucket, "key", key, "error", err)
		if rmErr := e.blobs.Remove(storagePath, e.blobs.BucketRoot(bucket)); rmErr != nil {
			// The payload is now an unreachable orphan; no metadata
			// points at it. Left for out-of-band garbage collection.
			e.metrics.OrphanCleanups.Inc()
			slog.Error("Failed to remove orphaned payload", "path", storagePath, "error", rmErr)
		}
		return PutResult{}, fmt.Errorf("%w: %w", ErrMetadata, err)
	}

	// Invalidate last, after the commit, so a concurrent reader cannot
	// repopulate the cache with a snapshot older than this write.
	e.cache.Invalidate(bucket, key)

	return PutResult{ETag: res.ETag, ContentType: contentType}, nil
}

// GetObject resolves metadata through the cache (populating it on a miss),
// verifies the payload still exists, and returns a lazy reader over it.
// Metadata without a payload is an inconsistency, reported as a server-side
// failure distinct from not-found.
func (e *Engine) GetObject(ctx context.Context, bucket, key string) (*Object, error) {
	obj, hit := e.cache.Get(bucket, key)
	if hit {
		e.metrics.CacheHits.Inc()
	} else {
		e.metrics.CacheMisses.Inc()

		var err error
		obj, err = e.meta.GetObject(ctx, bucket, key)
		if errors.Is(err, metadata.ErrObjectNotFound) {
			return nil, fmt.Errorf("%w: object %q in bucket %q", ErrNotFound, key, bucket)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMetadata, err)
		}

		e.cache.Put(bucket, key, obj)
	}

	exists, err := e.blobs.Exists(obj.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	if !exists {
		return nil, e.reportInconsistency(bucket, key, obj.StoragePath)
	}

	body, err := e.blobs.Open(obj.StoragePath)
	if err != nil {
		// The payload can vanish between the existence check and the
		// open; that window is the same inconsistency.
		if errors.Is(err, fs.ErrNotExist) {
			return nil, e.reportInconsistency(bucket, key, obj.StoragePath)
		}
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	return &Object{
		Body:         body,
		Size:         obj.SizeBytes,
		ETag:         obj.ETag,
		ContentType:  obj.ContentType,
		LastModified: obj.LastModified,
	}, nil
}

// reportInconsistency records a metadata-present/payload-missing condition
// and evicts the stale cache entry.
func (e *Engine) reportInconsistency(bucket, key, storagePath string) error {
	e.cache.Invalidate(bucket, key)
	e.metrics.Inconsistencies.Inc()
	slog.Error("Object metadata exists but payload is missing",
		"bucket", bucket, "key", key, "path", storagePath)
	return fmt.Errorf("%w: payload missing at %s", ErrInconsistent, storagePath)
}

// DeleteObject removes the payload first and the metadata row second. A
// payload that is already absent is tolerated (metadata is the source of
// truth for existence); a metadata failure after the payload was removed is
// a partial failure, surfaced as an operator-visible condition.
func (e *Engine) DeleteObject(ctx context.Context, bucket, key string) error {
	e.writers.lock(bucket, key)
	defer e.writers.unlock(bucket, key)

	obj, err := e.meta.GetObject(ctx, bucket, key)
	if errors.Is(err, metadata.ErrObjectNotFound) {
		return fmt.Errorf("%w: object %q in bucket %q", ErrNotFound, key, bucket)
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMetadata, err)
	}

	if err := e.blobs.Remove(obj.StoragePath, e.blobs.BucketRoot(bucket)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			slog.Warn("Payload already absent during delete", "bucket", bucket, "key", key, "path", obj.StoragePath)
		} else {
			return fmt.Errorf("%w: remove payload: %w", ErrStorage, err)
		}
	}

	if err := e.meta.DeleteObject(ctx, bucket, key); err != nil {
		if errors.Is(err, metadata.ErrObjectNotFound) {
			// A concurrent delete removed the row; nothing diverged.
			slog.Debug("Object row already gone", "bucket", bucket, "key", key)
		} else {
			e.metrics.PartialFailures.Inc()
			slog.Error("CRITICAL: payload removed but metadata row remains",
				"bucket", bucket, "key", key, "error", err)
			return fmt.Errorf("%w: %w", ErrPartialFailure, err)
		}
	}

	e.cache.Invalidate(bucket, key)
	return nil
}

// validateKey rejects blank keys and keys that would escape the bucket's
// directory once mapped onto the filesystem.
func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: object key must not be blank", ErrInvalidArgument)
	}
	if key != path.Clean(key) || strings.HasPrefix(key, "/") || key == ".." || strings.HasPrefix(key, "../") {
		return fmt.Errorf("%w: object key %q is not a clean relative path", ErrInvalidArgument, key)
	}
	return nil
}

// resolveContentType picks the stored content type: the caller's explicit
// value if provided, else the sniffed type when it is more specific than the
// generic fallback, else a guess from the key's extension, else the
// fallback. Media-type parameters are stripped, so a sniffed
// "text/plain; charset=utf-8" is stored as "text/plain".
func resolveContentType(hint, sniffed, key string) string {
	contentType := hint
	if contentType == "" {
		switch {
		case sniffed != "" && !strings.HasPrefix(sniffed, fallbackContentType):
			contentType = sniffed
		default:
			if guessed := mime.TypeByExtension(path.Ext(key)); guessed != "" {
				contentType = guessed
			} else {
				contentType = fallbackContentType
			}
		}
	}

	if parsed, _, err := mime.ParseMediaType(contentType); err == nil {
		return parsed
	}
	return contentType
}
