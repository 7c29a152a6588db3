// Package objectstore implements storage.Backend over an S3-compatible
// object store: content-addressed tree bodies plus a mutable "latest
// root" pointer object, grounded on the pack's S3 artifact store (AWS
// config.LoadDefaultConfig with an optional BaseEndpoint override for
// MinIO/LocalStack).
package objectstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/certen-labs/merkle-snapshot/pkg/apperr"
	"github.com/certen-labs/merkle-snapshot/pkg/storage"
	"github.com/certen-labs/merkle-snapshot/pkg/tree"
)

const (
	treesPrefix    = "trees/"
	rootsPrefix    = "metadata/roots/"
	latestRootKey  = "metadata/latest-root.json"
	jsonTypeHeader = "application/json"
)

// Config describes how to reach the bucket. Endpoint is the full scheme,
// host, and port (e.g. "https://minio.local:9000"); the caller folds any
// separate port/SSL settings into it before constructing Config, since the
// endpoint URL already fully determines both.
type Config struct {
	Bucket    string
	Region    string
	Endpoint  string // optional custom endpoint (MinIO/LocalStack)
	AccessKey string // static credential; empty falls back to the AWS default chain
	SecretKey string
}

// Backend is the S3-compatible storage.Backend implementation.
type Backend struct {
	client *s3.Client
	bucket string
}

// New constructs a Backend from cfg.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.Bucket == "" {
		return nil, apperr.New(apperr.KindInvalid, "objectstore.New", fmt.Errorf("bucket is required"))
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, apperr.New(apperr.KindIO, "objectstore.New", fmt.Errorf("load AWS config: %w", err))
	}

	clientOpts := func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}

	return &Backend{
		client: s3.NewFromConfig(awsCfg, clientOpts),
		bucket: cfg.Bucket,
	}, nil
}

// latestRootPointer is the mutable object at metadata/latest-root.json.
type latestRootPointer struct {
	RootHash string `json:"rootHash"`
}

func (b *Backend) isNotFound(err error) bool {
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode() == 404
	}
	return false
}

func (b *Backend) getJSON(ctx context.Context, key string, out any) (bool, error) {
	result, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if b.isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	defer result.Body.Close()

	raw, err := io.ReadAll(result.Body)
	if err != nil {
		return false, fmt.Errorf("read %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return true, nil
}

func (b *Backend) putJSON(ctx context.Context, key string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(raw),
		ContentType: aws.String(jsonTypeHeader),
		Metadata:    map[string]string{"content-kind": "merkle-snapshot"},
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// GetLatestRootHash reads the mutable pointer object; a missing pointer is
// treated as "no root committed yet".
func (b *Backend) GetLatestRootHash(ctx context.Context) (string, bool, error) {
	var ptr latestRootPointer
	found, err := b.getJSON(ctx, latestRootKey, &ptr)
	if err != nil {
		return "", false, apperr.New(apperr.KindIO, "objectstore.GetLatestRootHash", err)
	}
	if !found {
		return "", false, nil
	}
	return ptr.RootHash, true, nil
}

// StoreTree writes the body, then the root record, then atomically
// overwrites the latest pointer.
func (b *Backend) StoreTree(ctx context.Context, in storage.NewTree) (storage.RootRecord, error) {
	if in.RootHash == "" {
		return storage.RootRecord{}, apperr.New(apperr.KindInvalid, "objectstore.StoreTree", fmt.Errorf("root hash is required"))
	}
	if in.ItemCount <= 0 {
		return storage.RootRecord{}, apperr.New(apperr.KindInvalid, "objectstore.StoreTree", fmt.Errorf("item count must be > 0"))
	}

	record := storage.RootRecord{
		ID:         in.RootHash,
		RootHash:   in.RootHash,
		ItemCount:  in.ItemCount,
		SourcePath: in.SourcePath,
		CreatedAt:  time.Now().UTC(),
	}

	if err := b.putJSON(ctx, treesPrefix+in.RootHash+".json", in.Body); err != nil {
		return storage.RootRecord{}, apperr.New(apperr.KindIO, "objectstore.StoreTree", err)
	}
	if err := b.putJSON(ctx, rootsPrefix+in.RootHash+".json", record); err != nil {
		return storage.RootRecord{}, apperr.New(apperr.KindIO, "objectstore.StoreTree", err)
	}
	if err := b.putJSON(ctx, latestRootKey, latestRootPointer{RootHash: in.RootHash}); err != nil {
		return storage.RootRecord{}, apperr.New(apperr.KindIO, "objectstore.StoreTree", err)
	}

	return record, nil
}

// GetTreeByRootHash reads both the record and body objects for rootHash.
func (b *Backend) GetTreeByRootHash(ctx context.Context, rootHash string) (storage.FullTree, bool, error) {
	var record storage.RootRecord
	found, err := b.getJSON(ctx, rootsPrefix+rootHash+".json", &record)
	if err != nil {
		return storage.FullTree{}, false, apperr.New(apperr.KindIO, "objectstore.GetTreeByRootHash", err)
	}
	if !found {
		return storage.FullTree{}, false, nil
	}

	var body tree.Body
	found, err = b.getJSON(ctx, treesPrefix+rootHash+".json", &body)
	if err != nil {
		return storage.FullTree{}, false, apperr.New(apperr.KindIO, "objectstore.GetTreeByRootHash", err)
	}
	if !found {
		return storage.FullTree{}, false, nil
	}

	return storage.FullTree{RootRecord: record, Body: body}, true, nil
}

// GetRecentRoots lists the metadata/roots/ prefix and returns the newest
// limit records.
func (b *Backend) GetRecentRoots(ctx context.Context, limit int) ([]storage.RootRecord, error) {
	if limit <= 0 {
		limit = 5
	}

	records, err := b.listRootRecords(ctx)
	if err != nil {
		return nil, err
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (b *Backend) listRootRecords(ctx context.Context) ([]storage.RootRecord, error) {
	var records []storage.RootRecord

	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(rootsPrefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, apperr.New(apperr.KindIO, "objectstore.listRootRecords", fmt.Errorf("list objects: %w", err))
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if !strings.HasSuffix(key, ".json") {
				continue
			}
			var record storage.RootRecord
			if _, err := b.getJSON(ctx, key, &record); err != nil {
				return nil, apperr.New(apperr.KindIO, "objectstore.listRootRecords", err)
			}
			records = append(records, record)
		}
	}
	return records, nil
}

// TestConnection probes the bucket with a HeadBucket call.
func (b *Backend) TestConnection(ctx context.Context) storage.ConnectionStatus {
	now := time.Now()
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)})
	if err != nil {
		return storage.ConnectionStatus{Connected: false, Timestamp: now, Error: err.Error()}
	}
	return storage.ConnectionStatus{Connected: true, Timestamp: now}
}

// Stats aggregates over the metadata/roots/ listing.
func (b *Backend) Stats(ctx context.Context) (storage.Stats, error) {
	records, err := b.listRootRecords(ctx)
	if err != nil {
		return storage.Stats{}, err
	}

	stats := storage.Stats{TotalTrees: int64(len(records))}
	if len(records) == 0 {
		return stats, nil
	}

	var itemSum int
	latest, earliest := records[0].CreatedAt, records[0].CreatedAt
	for _, r := range records {
		itemSum += r.ItemCount
		if r.CreatedAt.After(latest) {
			latest = r.CreatedAt
		}
		if r.CreatedAt.Before(earliest) {
			earliest = r.CreatedAt
		}
	}
	stats.LatestTree = &latest
	stats.EarliestTree = &earliest
	stats.AvgItemCount = float64(itemSum) / float64(len(records))
	return stats, nil
}

// Close is a no-op: the S3 client holds no long-lived connection to release.
func (b *Backend) Close() error {
	return nil
}
