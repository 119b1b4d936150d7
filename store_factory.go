package itinerd

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	minioCredentials "github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/itinerd/internal/storage"
	awsstore "pkt.systems/itinerd/internal/storage/aws"
	"pkt.systems/itinerd/internal/storage/disk"
	"pkt.systems/itinerd/internal/storage/memory"
	"pkt.systems/itinerd/internal/storage/s3"
)

// CredentialSummary describes which credentials were selected for object storage.
type CredentialSummary struct {
	AccessKey string
	HasSecret bool
	Source    string
}

func openStore(ctx context.Context, cfg Config) (storage.LockStore, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("parse store URL: %w", err)
	}
	var store objectStore
	switch u.Scheme {
	case "memory", "mem", "":
		return memory.New(), nil
	case "disk", "file":
		root := u.Path
		if u.Host != "" {
			root = u.Host + u.Path
		}
		if root == "" {
			return nil, fmt.Errorf("disk store missing path (expected disk:///path/to/root)")
		}
		ds, err := disk.New(disk.Config{Root: root})
		if err != nil {
			return nil, err
		}
		return ds, nil
	case "s3":
		s3cfg, _, err := BuildGenericS3Config(cfg)
		if err != nil {
			return nil, err
		}
		s3store, err := s3.New(s3cfg)
		if err != nil {
			return nil, err
		}
		store = objectStore{LockStore: s3store, bucket: s3cfg.Bucket, exists: s3store.BucketExists}
	case "aws":
		awscfg, _, err := BuildAWSConfig(cfg)
		if err != nil {
			return nil, err
		}
		awsStore, err := awsstore.New(awscfg)
		if err != nil {
			return nil, err
		}
		store = objectStore{LockStore: awsStore, bucket: awscfg.Bucket, exists: awsStore.BucketExists}
	default:
		return nil, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	if err := ensureObjectStoreReady(ctx, store); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store.LockStore, nil
}

// objectStore pairs a bucket-backed LockStore with its readiness probe.
type objectStore struct {
	storage.LockStore
	bucket string
	exists func(context.Context) (bool, error)
}

// BuildGenericS3Config parses s3:// URLs that target generic S3-compatible services (MinIO, etc.).
func BuildGenericS3Config(cfg Config) (s3.Config, CredentialSummary, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "s3" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	endpoint := strings.TrimSpace(u.Host)
	if endpoint == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 store missing host (expected s3://host[:port]/bucket[/prefix])")
	}
	bucket, prefix, ok := strings.Cut(strings.Trim(u.Path, "/"), "/")
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 store missing bucket (expected s3://host[:port]/bucket[/prefix])")
	}
	if !ok {
		prefix = ""
	}
	query := u.Query()
	secure := true
	if strings.EqualFold(query.Get("scheme"), "http") {
		secure = false
	}
	if v, ok := queryBool(query, "tls"); ok {
		secure = v
	}
	if v, ok := queryBool(query, "insecure"); ok && v {
		secure = false
	}
	forcePath, _ := queryBool(query, "path-style")
	cred, summary, err := resolveGenericS3Credentials(cfg)
	if err != nil {
		return s3.Config{}, summary, err
	}
	return s3.Config{
		Endpoint:       endpoint,
		Region:         strings.TrimSpace(query.Get("region")),
		Bucket:         bucket,
		Prefix:         strings.Trim(prefix, "/"),
		Insecure:       !secure,
		ForcePathStyle: forcePath,
		CustomCreds:    cred,
	}, summary, nil
}

// BuildAWSConfig parses aws:// URLs that target AWS S3 with regional
// configuration. ?endpoint= points the SDK at an S3-compatible service instead.
func BuildAWSConfig(cfg Config) (awsstore.Config, CredentialSummary, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return awsstore.Config{}, CredentialSummary{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "aws" {
		return awsstore.Config{}, CredentialSummary{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	bucket := strings.TrimSpace(u.Host)
	if bucket == "" {
		return awsstore.Config{}, CredentialSummary{}, fmt.Errorf("aws store missing bucket (expected aws://bucket[/prefix])")
	}
	query := u.Query()
	region := strings.TrimSpace(cfg.AWSRegion)
	if v := strings.TrimSpace(query.Get("region")); v != "" {
		region = v
	}
	if region == "" {
		return awsstore.Config{}, CredentialSummary{}, fmt.Errorf("aws store requires region (set --aws-region or ITINERD_AWS_REGION)")
	}
	insecure, _ := queryBool(query, "insecure")
	forcePath, _ := queryBool(query, "path-style")
	out := awsstore.Config{
		Endpoint:       strings.TrimSpace(query.Get("endpoint")),
		Region:         region,
		Bucket:         bucket,
		Prefix:         strings.Trim(u.Path, "/"),
		Insecure:       insecure,
		ForcePathStyle: forcePath,
	}
	if access := strings.TrimSpace(cfg.S3AccessKeyID); access != "" {
		if cfg.S3SecretAccessKey == "" {
			return awsstore.Config{}, CredentialSummary{AccessKey: access, Source: "config"}, fmt.Errorf("aws credentials incomplete (need access key and secret key)")
		}
		out.AccessKeyID = access
		out.SecretAccessKey = cfg.S3SecretAccessKey
		out.SessionToken = cfg.S3SessionToken
		return out, CredentialSummary{AccessKey: access, HasSecret: true, Source: "config"}, nil
	}
	return out, resolveAWSCredentials(), nil
}

func queryBool(query url.Values, key string) (bool, bool) {
	raw := query.Get(key)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}

func resolveGenericS3Credentials(cfg Config) (*minioCredentials.Credentials, CredentialSummary, error) {
	accessKey := strings.TrimSpace(cfg.S3AccessKeyID)
	secretKey := cfg.S3SecretAccessKey
	sessionToken := cfg.S3SessionToken
	source := "config"
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		accessKey = strings.TrimSpace(os.Getenv("ITINERD_S3_ACCESS_KEY_ID"))
		secretKey = os.Getenv("ITINERD_S3_SECRET_ACCESS_KEY")
		sessionToken = os.Getenv("ITINERD_S3_SESSION_TOKEN")
		source = "env:ITINERD_S3_ACCESS_KEY_ID"
	}
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		accessKey = strings.TrimSpace(os.Getenv("MINIO_ROOT_USER"))
		secretKey = os.Getenv("MINIO_ROOT_PASSWORD")
		source = "env:MINIO_ROOT_USER"
	}
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		return minioCredentials.NewStaticV4("", "", ""), CredentialSummary{Source: "anonymous"}, nil
	}
	summary := CredentialSummary{AccessKey: accessKey, HasSecret: secretKey != "", Source: source}
	if accessKey == "" || secretKey == "" {
		return nil, summary, fmt.Errorf("s3 credentials incomplete (need access key and secret key)")
	}
	return minioCredentials.NewStaticV4(accessKey, secretKey, sessionToken), summary, nil
}

// resolveAWSCredentials leaves credential selection to the SDK default chain
// and only reports which source it is expected to pick.
func resolveAWSCredentials() CredentialSummary {
	summary := CredentialSummary{}
	if access := strings.TrimSpace(os.Getenv("AWS_ACCESS_KEY_ID")); access != "" {
		summary.AccessKey = access
		summary.HasSecret = strings.TrimSpace(os.Getenv("AWS_SECRET_ACCESS_KEY")) != ""
		summary.Source = "env:AWS_ACCESS_KEY_ID"
	} else if profile := strings.TrimSpace(os.Getenv("AWS_PROFILE")); profile != "" {
		summary.Source = "profile:" + profile
	} else {
		summary.Source = "auto"
	}
	return summary
}

func ensureObjectStoreReady(ctx context.Context, store objectStore) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	exists, err := store.exists(timeoutCtx)
	if err != nil {
		return fmt.Errorf("object store connectivity check failed: %w", err)
	}
	if !exists {
		return fmt.Errorf("object store bucket %s does not exist", store.bucket)
	}
	return nil
}
