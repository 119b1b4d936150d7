// Package s3 stores lock documents as JSON objects in an S3-compatible bucket,
// relying on If-Match / If-None-Match conditional writes for CAS.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"syscall"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/itinerd/internal/storage"
	"pkt.systems/itinerd/internal/svcfields"
	"pkt.systems/pslog"
)

const (
	locksDir        = "locks"
	objectSuffix    = ".json"
	contentType     = "application/json"
	maxDocumentSize = 1 << 20
)

// Config controls the behaviour of the S3 lock store.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	CustomCreds    *credentials.Credentials
	Transport      http.RoundTripper
}

// Store implements storage.LockStore on S3-compatible object storage.
type Store struct {
	client *minio.Client
	cfg    Config
}

// New constructs a Store using the provided configuration.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		if cfg.Region != "" {
			endpoint = fmt.Sprintf("s3.%s.amazonaws.com", cfg.Region)
		} else {
			endpoint = "s3.amazonaws.com"
		}
	}
	if cfg.Transport == nil {
		cfg.Transport = defaultTransport()
	}
	creds := cfg.CustomCreds
	if creds == nil {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		})
	}
	options := &minio.Options{
		Creds:     creds,
		Secure:    !cfg.Insecure,
		Region:    cfg.Region,
		Transport: cfg.Transport,
	}
	if cfg.ForcePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &Store{client: client, cfg: cfg}, nil
}

func defaultTransport() http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	clone := base.Clone()
	clone.MaxIdleConns = 256
	clone.MaxIdleConnsPerHost = 64
	clone.IdleConnTimeout = 90 * time.Second
	clone.TLSHandshakeTimeout = 10 * time.Second
	return clone
}

// Config returns a copy of the configuration used to build the store.
func (s *Store) Config() Config { return s.cfg }

// BucketExists reports whether the configured bucket exists.
func (s *Store) BucketExists(ctx context.Context) (bool, error) {
	return s.client.BucketExists(ctx, s.cfg.Bucket)
}

// Close releases nothing; the minio client has no teardown.
func (s *Store) Close() error { return nil }

func (s *Store) logger(ctx context.Context) pslog.Logger {
	return svcfields.FromContext(ctx, nil)
}

func (s *Store) listPrefix() string {
	if s.cfg.Prefix == "" {
		return locksDir + "/"
	}
	return path.Join(s.cfg.Prefix, locksDir) + "/"
}

func (s *Store) object(resourceID string) (string, error) {
	if strings.TrimSpace(resourceID) == "" {
		return "", fmt.Errorf("s3: empty resource id")
	}
	return s.listPrefix() + url.PathEscape(resourceID) + objectSuffix, nil
}

func (s *Store) resourceFromObject(key string) (string, bool) {
	rel := strings.TrimPrefix(key, s.listPrefix())
	if rel == key || !strings.HasSuffix(rel, objectSuffix) {
		return "", false
	}
	id, err := url.PathUnescape(strings.TrimSuffix(rel, objectSuffix))
	if err != nil || id == "" {
		return "", false
	}
	return id, true
}

// Load downloads the document for resourceID together with its ETag.
func (s *Store) Load(ctx context.Context, resourceID string) (storage.LoadResult, error) {
	logger := s.logger(ctx)
	start := time.Now()
	object, err := s.object(resourceID)
	if err != nil {
		return storage.LoadResult{}, err
	}
	logger.Trace("s3.load.begin", "resource", resourceID, "object", object)
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, object, minio.GetObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return storage.LoadResult{}, storage.ErrNotFound
		}
		logger.Debug("s3.load.get_error", "resource", resourceID, "object", object, "error", err)
		return storage.LoadResult{}, s.wrapError(err, "s3: get lock")
	}
	defer obj.Close()

	payload, err := io.ReadAll(io.LimitReader(obj, maxDocumentSize))
	if err != nil {
		if isNotFound(err) {
			return storage.LoadResult{}, storage.ErrNotFound
		}
		logger.Debug("s3.load.read_error", "resource", resourceID, "object", object, "error", err)
		return storage.LoadResult{}, s.wrapError(err, "s3: read lock")
	}
	info, err := obj.Stat()
	if err != nil {
		if isNotFound(err) {
			return storage.LoadResult{}, storage.ErrNotFound
		}
		return storage.LoadResult{}, s.wrapError(err, "s3: stat lock")
	}
	doc, err := storage.UnmarshalDocument(payload)
	if err != nil {
		logger.Warn("s3.load.decode_error", "resource", resourceID, "object", object, "error", err)
		return storage.LoadResult{}, err
	}
	etag := stripETag(info.ETag)
	logger.Debug("s3.load.success",
		"resource", resourceID,
		"etag", etag,
		"holders", len(doc.Holders),
		"elapsed", time.Since(start),
	)
	return storage.LoadResult{Doc: doc, ETag: etag}, nil
}

// Store uploads doc with If-Match (update) or If-None-Match (create) semantics.
func (s *Store) Store(ctx context.Context, resourceID string, doc *storage.LockDocument, expectedETag string) (string, error) {
	logger := s.logger(ctx)
	start := time.Now()
	object, err := s.object(resourceID)
	if err != nil {
		return "", err
	}
	payload, err := storage.MarshalDocument(doc)
	if err != nil {
		return "", err
	}
	logger.Trace("s3.store.begin", "resource", resourceID, "object", object, "expected_etag", expectedETag)
	options := minio.PutObjectOptions{ContentType: contentType}
	if expectedETag != "" {
		options.SetMatchETag(expectedETag)
	} else {
		options.SetMatchETagExcept("*")
	}
	info, err := s.client.PutObject(ctx, s.cfg.Bucket, object, bytes.NewReader(payload), int64(len(payload)), options)
	if err != nil {
		if isPreconditionFailed(err) {
			logger.Debug("s3.store.cas_mismatch", "resource", resourceID, "expected_etag", expectedETag)
			return "", storage.ErrCASMismatch
		}
		if isNotFound(err) {
			return "", storage.ErrNotFound
		}
		logger.Debug("s3.store.put_error", "resource", resourceID, "object", object, "error", err)
		return "", s.wrapError(err, "s3: put lock")
	}
	etag := stripETag(info.ETag)
	logger.Debug("s3.store.success", "resource", resourceID, "etag", etag, "elapsed", time.Since(start))
	return etag, nil
}

// Delete removes the document, checking expectedETag first when supplied.
func (s *Store) Delete(ctx context.Context, resourceID string, expectedETag string) error {
	logger := s.logger(ctx)
	object, err := s.object(resourceID)
	if err != nil {
		return err
	}
	info, err := s.client.StatObject(ctx, s.cfg.Bucket, object, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return storage.ErrNotFound
		}
		return s.wrapError(err, "s3: stat lock")
	}
	if expectedETag != "" && stripETag(info.ETag) != expectedETag {
		logger.Debug("s3.delete.cas_mismatch",
			"resource", resourceID,
			"expected_etag", expectedETag,
			"current_etag", stripETag(info.ETag),
		)
		return storage.ErrCASMismatch
	}
	if err := s.client.RemoveObject(ctx, s.cfg.Bucket, object, minio.RemoveObjectOptions{}); err != nil {
		logger.Debug("s3.delete.remove_error", "resource", resourceID, "object", object, "error", err)
		return s.wrapError(err, "s3: remove lock")
	}
	logger.Debug("s3.delete.success", "resource", resourceID)
	return nil
}

// ListExpired scans the bucket for documents with a lease that expired before now.
func (s *Store) ListExpired(ctx context.Context, now time.Time) ([]string, error) {
	var out []string
	err := s.scan(ctx, func(id string, doc *storage.LockDocument) {
		if doc.HasExpired(now) {
			out = append(out, id)
		}
	})
	return out, err
}

// ListByOwner scans the bucket for documents naming owner as a holder.
func (s *Store) ListByOwner(ctx context.Context, owner string) ([]string, error) {
	var out []string
	err := s.scan(ctx, func(id string, doc *storage.LockDocument) {
		if doc.HasOwner(owner) {
			out = append(out, id)
		}
	})
	return out, err
}

// Inventory counts documents and holders.
func (s *Store) Inventory(ctx context.Context, now time.Time) (storage.Inventory, error) {
	var inv storage.Inventory
	err := s.scan(ctx, func(_ string, doc *storage.LockDocument) {
		inv.Tally(doc, now)
	})
	return inv, err
}

func (s *Store) scan(ctx context.Context, visit func(string, *storage.LockDocument)) error {
	logger := s.logger(ctx)
	prefix := s.listPrefix()
	var ids []string
	for object := range s.client.ListObjects(ctx, s.cfg.Bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if object.Err != nil {
			logger.Debug("s3.scan.list_error", "prefix", prefix, "error", object.Err)
			return s.wrapError(object.Err, "s3: list locks")
		}
		if id, ok := s.resourceFromObject(object.Key); ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		res, err := s.Load(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		visit(id, res.Doc)
	}
	return nil
}

func stripETag(etag string) string {
	return strings.Trim(etag, "\"")
}

func isNotFound(err error) bool {
	errResp := minio.ErrorResponse{}
	if errors.As(err, &errResp) {
		return errResp.StatusCode == http.StatusNotFound || errResp.Code == "NoSuchKey"
	}
	return false
}

func isPreconditionFailed(err error) bool {
	errResp := minio.ErrorResponse{}
	if !errors.As(err, &errResp) {
		return false
	}
	if errResp.StatusCode == http.StatusPreconditionFailed {
		return true
	}
	if errResp.StatusCode == http.StatusConflict {
		switch errResp.Code {
		case "ConditionalRequestConflict", "OperationAborted":
			return true
		}
	}
	return false
}

func (s *Store) wrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	retryable := isRetryable(err)
	if msg != "" {
		err = fmt.Errorf("%s: %w", msg, err)
	}
	if retryable {
		return storage.NewTransientError(err)
	}
	return err
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || isNetworkConnectionError(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsTemporary {
		return true
	}
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return true
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusRequestTimeout:
		return true
	}
	return false
}

func isNetworkConnectionError(err error) bool {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	for _, errno := range []syscall.Errno{
		syscall.ECONNRESET, syscall.ECONNABORTED, syscall.EPIPE,
		syscall.ECONNREFUSED, syscall.EHOSTUNREACH, syscall.ENETUNREACH,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}
