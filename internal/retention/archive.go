// Package retention ages the sync audit log and tombstones out of
// Postgres. Expired audit rows are archived to object storage before
// deletion; tombstones past their window are dropped outright.
package retention

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"driftline/api/internal/store"
)

// ArchiveConfig holds object storage connection settings.
type ArchiveConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Archive writes expired audit batches to an S3-compatible bucket.
type Archive struct {
	client *minio.Client
	bucket string
}

// NewArchive connects to object storage and ensures the bucket exists.
func NewArchive(ctx context.Context, cfg ArchiveConfig) (*Archive, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create object storage client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %q: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %q: %w", cfg.Bucket, err)
		}
	}

	return &Archive{client: client, bucket: cfg.Bucket}, nil
}

// StoreBatch writes one batch of expired operations as a JSON object
// keyed by sweep time and id range.
func (a *Archive) StoreBatch(ctx context.Context, sweptAt time.Time, ops []store.SyncOperation) (string, error) {
	if len(ops) == 0 {
		return "", nil
	}

	payload, err := json.Marshal(ops)
	if err != nil {
		return "", fmt.Errorf("marshal archive batch: %w", err)
	}

	key := fmt.Sprintf("operations/%s/ops-%d-%d.json",
		sweptAt.UTC().Format("2006/01/02"), ops[0].ID, ops[len(ops)-1].ID)

	_, err = a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(payload), int64(len(payload)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return "", fmt.Errorf("store archive batch %q: %w", key, err)
	}
	return key, nil
}
