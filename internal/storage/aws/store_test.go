package aws

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"syscall"
	"testing"
	"time"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"

	"pkt.systems/itinerd/internal/storage"
)

func setupFakeS3(t *testing.T) Config {
	t.Helper()
	backend := s3mem.New()
	server := httptest.NewServer(gofakes3.New(backend).Server())
	t.Cleanup(server.Close)
	bucket := "itinerd-test"
	if err := backend.CreateBucket(bucket); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	return Config{
		Endpoint:        server.URL,
		Region:          "us-east-1",
		Bucket:          bucket,
		Prefix:          "itinerd",
		ForcePathStyle:  true,
		AccessKeyID:     "test",
		SecretAccessKey: "test",
	}
}

func TestAWSStoreLockLifecycle(t *testing.T) {
	store, err := New(setupFakeS3(t))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	if ok, err := store.BucketExists(ctx); err != nil || !ok {
		t.Fatalf("bucket exists: %v %v", ok, err)
	}
	if _, err := store.Load(ctx, "trip/node_1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	doc := &storage.LockDocument{
		ResourceID: "trip/node_1",
		Holders:    []storage.Holder{{Owner: "worker-a", Type: storage.LockWrite, ExpiresAtMillis: 5000}},
	}
	etag, err := store.Store(ctx, "trip/node_1", doc, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	loaded, err := store.Load(ctx, "trip/node_1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.ETag != etag || loaded.Doc.Holders[0].Owner != "worker-a" {
		t.Fatalf("unexpected load %+v etag=%q want %q", loaded.Doc, loaded.ETag, etag)
	}
	doc.Holders[0].ExpiresAtMillis = 9000
	newETag, err := store.Store(ctx, "trip/node_1", doc, etag)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := store.Store(ctx, "trip/node_1", doc, "bogus"); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected cas mismatch, got %v", err)
	}
	if err := store.Delete(ctx, "trip/node_1", "wrong"); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected delete cas mismatch, got %v", err)
	}
	if err := store.Delete(ctx, "trip/node_1", newETag); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Delete(ctx, "trip/node_1", ""); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func TestAWSStoreScans(t *testing.T) {
	store, err := New(setupFakeS3(t))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	now := time.UnixMilli(100_000)
	put := func(id string, holders ...storage.Holder) {
		t.Helper()
		if _, err := store.Store(ctx, id, &storage.LockDocument{ResourceID: id, Holders: holders}, ""); err != nil {
			t.Fatalf("store %s: %v", id, err)
		}
	}
	put("node_a", storage.Holder{Owner: "alice", Type: storage.LockRead, ExpiresAtMillis: 50_000})
	put("node_b", storage.Holder{Owner: "bob", Type: storage.LockExclusive, ExpiresAtMillis: 150_000})

	expired, err := store.ListExpired(ctx, now)
	if err != nil || len(expired) != 1 || expired[0] != "node_a" {
		t.Fatalf("list expired: %v %v", expired, err)
	}
	owned, err := store.ListByOwner(ctx, "bob")
	if err != nil || len(owned) != 1 || owned[0] != "node_b" {
		t.Fatalf("list by owner: %v %v", owned, err)
	}
	inv, err := store.Inventory(ctx, now)
	if err != nil || inv.Resources != 2 || inv.ActiveHolders != 1 || inv.ExpiredHolders != 1 {
		t.Fatalf("inventory: %+v %v", inv, err)
	}
}

func TestNewRequiresBucketAndRegion(t *testing.T) {
	if _, err := New(Config{Region: "us-east-1"}); err == nil {
		t.Fatal("expected error for missing bucket")
	}
	if _, err := New(Config{Bucket: "b"}); err == nil {
		t.Fatal("expected error for missing region")
	}
}

func responseError(status int) error {
	return &awshttp.ResponseError{
		ResponseError: &smithyhttp.ResponseError{
			Response: &smithyhttp.Response{Response: &http.Response{StatusCode: status}},
			Err:      errors.New(http.StatusText(status)),
		},
	}
}

func TestErrorClassification(t *testing.T) {
	if !isPreconditionFailed(&smithy.GenericAPIError{Code: "PreconditionFailed"}) {
		t.Fatal("expected precondition failure from api code")
	}
	if !isPreconditionFailed(responseError(http.StatusPreconditionFailed)) {
		t.Fatal("expected precondition failure from status")
	}
	if !isNotFound(&smithy.GenericAPIError{Code: "NoSuchKey"}) || !isNotFound(responseError(http.StatusNotFound)) {
		t.Fatal("expected not found")
	}
	if isNotFound(responseError(http.StatusForbidden)) {
		t.Fatal("forbidden is not not-found")
	}
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"deadline", context.DeadlineExceeded, true},
		{"conn refused", syscall.ECONNREFUSED, true},
		{"server error", responseError(http.StatusServiceUnavailable), true},
		{"throttled", responseError(http.StatusTooManyRequests), true},
		{"forbidden", responseError(http.StatusForbidden), false},
		{"plain", errors.New("boom"), false},
	}
	for _, tc := range cases {
		if got := isRetryable(tc.err); got != tc.want {
			t.Fatalf("%s: isRetryable = %v, want %v", tc.name, got, tc.want)
		}
	}
	if !storage.IsTransient(wrapError(syscall.ECONNRESET, "aws: put lock")) {
		t.Fatal("expected transient wrap")
	}
}
