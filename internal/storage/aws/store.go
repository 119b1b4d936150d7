// Package aws stores lock documents in AWS S3 through the official SDK,
// using If-Match / If-None-Match conditional puts for CAS.
package aws

import (
	"bytes"
	"context"
	"crypto/tls"
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

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithy "github.com/aws/smithy-go"

	"pkt.systems/itinerd/internal/storage"
	"pkt.systems/itinerd/internal/svcfields"
	"pkt.systems/pslog"
)

const (
	locksDir        = "locks"
	objectSuffix    = ".json"
	contentType     = "application/json"
	maxDocumentSize = 1 << 20
	awsOpTimeout    = 30 * time.Second
)

// Config controls the behaviour of the AWS S3 lock store.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	// Static credentials; when AccessKeyID is empty the SDK default chain
	// (environment, shared config, IMDS) is used.
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// Store implements storage.LockStore backed by AWS S3.
type Store struct {
	client *s3.Client
	cfg    Config
}

// New constructs a Store using the provided configuration.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("aws: bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("aws: region is required")
	}
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithHTTPClient(&http.Client{Transport: defaultTransport(cfg.Insecure)}),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("aws: load config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ForcePathStyle
		if cfg.Endpoint == "" {
			return
		}
		endpoint := cfg.Endpoint
		if !strings.Contains(endpoint, "://") {
			scheme := "https"
			if cfg.Insecure {
				scheme = "http"
			}
			endpoint = scheme + "://" + endpoint
		}
		o.BaseEndpoint = aws.String(endpoint)
		// Third-party endpoints often reject the SDK's default trailing checksums.
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})
	return &Store{client: client, cfg: cfg}, nil
}

func defaultTransport(insecure bool) http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	clone := base.Clone()
	clone.MaxIdleConns = 256
	clone.MaxIdleConnsPerHost = 64
	clone.IdleConnTimeout = 90 * time.Second
	clone.TLSHandshakeTimeout = 10 * time.Second
	if insecure {
		clone.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return clone
}

// Config returns a copy of the configuration used to build the store.
func (s *Store) Config() Config { return s.cfg }

// Close is a no-op for the AWS client.
func (s *Store) Close() error { return nil }

func (s *Store) logger(ctx context.Context) pslog.Logger {
	return svcfields.FromContext(ctx, nil)
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= awsOpTimeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, awsOpTimeout)
}

// BucketExists reports whether the configured bucket exists.
func (s *Store) BucketExists(ctx context.Context) (bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.cfg.Bucket)})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Store) listPrefix() string {
	if s.cfg.Prefix == "" {
		return locksDir + "/"
	}
	return path.Join(s.cfg.Prefix, locksDir) + "/"
}

func (s *Store) object(resourceID string) (string, error) {
	if strings.TrimSpace(resourceID) == "" {
		return "", fmt.Errorf("aws: empty resource id")
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

// Load downloads the document for resourceID and returns it with its ETag.
func (s *Store) Load(ctx context.Context, resourceID string) (storage.LoadResult, error) {
	logger := s.logger(ctx)
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	start := time.Now()
	object, err := s.object(resourceID)
	if err != nil {
		return storage.LoadResult{}, err
	}
	logger.Trace("aws.load.begin", "resource", resourceID, "object", object)
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(object),
	})
	if err != nil {
		if isNotFound(err) {
			return storage.LoadResult{}, storage.ErrNotFound
		}
		logger.Debug("aws.load.get_error", "resource", resourceID, "object", object, "error", err)
		return storage.LoadResult{}, wrapError(err, "aws: get lock")
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return storage.LoadResult{}, wrapError(err, "aws: read lock")
	}
	doc, err := storage.UnmarshalDocument(payload)
	if err != nil {
		logger.Warn("aws.load.decode_error", "resource", resourceID, "object", object, "error", err)
		return storage.LoadResult{}, err
	}
	etag := stripETag(aws.ToString(resp.ETag))
	logger.Debug("aws.load.success",
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
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	start := time.Now()
	object, err := s.object(resourceID)
	if err != nil {
		return "", err
	}
	payload, err := storage.MarshalDocument(doc)
	if err != nil {
		return "", err
	}
	logger.Trace("aws.store.begin", "resource", resourceID, "object", object, "expected_etag", expectedETag)
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(object),
		Body:          bytes.NewReader(payload),
		ContentLength: aws.Int64(int64(len(payload))),
		ContentType:   aws.String(contentType),
	}
	if expectedETag != "" {
		input.IfMatch = aws.String(expectedETag)
	} else {
		input.IfNoneMatch = aws.String("*")
	}
	out, err := s.client.PutObject(ctx, input)
	if err != nil {
		if isPreconditionFailed(err) {
			logger.Debug("aws.store.cas_mismatch", "resource", resourceID, "expected_etag", expectedETag)
			return "", storage.ErrCASMismatch
		}
		if expectedETag != "" && isNotFound(err) {
			return "", storage.ErrNotFound
		}
		logger.Debug("aws.store.put_error", "resource", resourceID, "object", object, "error", err)
		return "", wrapError(err, "aws: put lock")
	}
	etag := stripETag(aws.ToString(out.ETag))
	if etag == "" {
		stat, statErr := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: aws.String(object)})
		if statErr != nil {
			return "", wrapError(statErr, "aws: stat lock")
		}
		etag = stripETag(aws.ToString(stat.ETag))
	}
	logger.Debug("aws.store.success", "resource", resourceID, "etag", etag, "elapsed", time.Since(start))
	return etag, nil
}

// Delete removes the document, checking expectedETag first when supplied.
func (s *Store) Delete(ctx context.Context, resourceID string, expectedETag string) error {
	logger := s.logger(ctx)
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	object, err := s.object(resourceID)
	if err != nil {
		return err
	}
	stat, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: aws.String(object)})
	if err != nil {
		if isNotFound(err) {
			return storage.ErrNotFound
		}
		return wrapError(err, "aws: stat lock")
	}
	if current := stripETag(aws.ToString(stat.ETag)); expectedETag != "" && current != expectedETag {
		logger.Debug("aws.delete.cas_mismatch", "resource", resourceID, "expected_etag", expectedETag, "current_etag", current)
		return storage.ErrCASMismatch
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: aws.String(object)}); err != nil {
		logger.Debug("aws.delete.remove_error", "resource", resourceID, "object", object, "error", err)
		return wrapError(err, "aws: remove lock")
	}
	logger.Debug("aws.delete.success", "resource", resourceID)
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
	prefix := s.listPrefix()
	var ids []string
	pager := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(prefix),
	})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			s.logger(ctx).Debug("aws.scan.list_error", "prefix", prefix, "error", err)
			return wrapError(err, "aws: list locks")
		}
		for _, object := range page.Contents {
			if id, ok := s.resourceFromObject(aws.ToString(object.Key)); ok {
				ids = append(ids, id)
			}
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

func wrapError(err error, msg string) error {
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
	if status, ok := httpStatusCode(err); ok {
		switch {
		case status >= http.StatusInternalServerError:
			return true
		case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout:
			return true
		}
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

func httpStatusCode(err error) (int, bool) {
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode(), true
	}
	return 0, false
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return true
		}
	}
	if status, ok := httpStatusCode(err); ok {
		return status == http.StatusNotFound
	}
	return false
}

func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict", "OperationAborted":
			return true
		}
	}
	if status, ok := httpStatusCode(err); ok {
		return status == http.StatusPreconditionFailed || status == http.StatusConflict
	}
	return false
}
