// Package blobstore implements spec §4.B's blob store gateway against
// any S3-compatible endpoint via minio-go/v7. storj-storj's own gateway
// package (pkg/miniogw) is the nearest thing the retrieved pack has to
// an S3-facing storage layer, though it implements the *server* side of
// the minio API rather than calling out as a client; the client-side
// shape here (PutObject/PresignedGetObject/RemoveObject) follows
// minio-go/v7's documented contract directly.
package blobstore

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/minio/minio-go/v7"

	"pushd.sh/pushd/internal/apperr"
)

const (
	blobPrefix    = "blob/"
	historyPrefix = "history/"
	healthKey     = "blob/__health__"

	defaultPresignExpiry = 1 * time.Hour
)

// Gateway is the blob store contract of spec §4.B.
type Gateway interface {
	PutBlob(ctx context.Context, blobID string, r io.Reader, size int64, contentType string) error
	GetBlobURL(ctx context.Context, blobID string) (string, error)
	DeleteBlob(ctx context.Context, blobID string) error

	PutHistorySnapshot(ctx context.Context, deploymentID string, body []byte) error
	GetHistorySnapshot(ctx context.Context, deploymentID string) ([]byte, error)

	HealthCheck(ctx context.Context) error
}

// MinioGateway is the Gateway backed by a real (or any S3-compatible)
// minio-go/v7 client.
type MinioGateway struct {
	client         *minio.Client
	bucket         string
	presignExpiry  time.Duration
}

// Option configures a MinioGateway.
type Option func(*MinioGateway)

// WithPresignExpiry overrides the default presigned-URL lifetime.
func WithPresignExpiry(d time.Duration) Option {
	return func(g *MinioGateway) { g.presignExpiry = d }
}

// NewMinioGateway wraps client against bucket.
func NewMinioGateway(client *minio.Client, bucket string, opts ...Option) *MinioGateway {
	g := &MinioGateway{client: client, bucket: bucket, presignExpiry: defaultPresignExpiry}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func blobKey(blobID string) string {
	return blobPrefix + blobID
}

func historyKey(deploymentID string) string {
	return historyPrefix + deploymentID
}

// PutBlob uploads r as blobID's content-addressed object.
func (g *MinioGateway) PutBlob(ctx context.Context, blobID string, r io.Reader, size int64, contentType string) error {
	_, err := g.client.PutObject(ctx, g.bucket, blobKey(blobID), r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return apperr.Wrap(apperr.ConnectionFailed, err)
	}
	return nil
}

// GetBlobURL returns a time-bounded presigned GET URL for blobID.
func (g *MinioGateway) GetBlobURL(ctx context.Context, blobID string) (string, error) {
	u, err := g.client.PresignedGetObject(ctx, g.bucket, blobKey(blobID), g.presignExpiry, nil)
	if err != nil {
		return "", apperr.Wrap(apperr.ConnectionFailed, err)
	}
	return u.String(), nil
}

// DeleteBlob removes blobID's object. Deleting an absent object is not
// an error: spec §4.B's callers only ever delete blobs they believe
// exist, and a double-delete must stay idempotent.
func (g *MinioGateway) DeleteBlob(ctx context.Context, blobID string) error {
	if err := g.client.RemoveObject(ctx, g.bucket, blobKey(blobID), minio.RemoveObjectOptions{}); err != nil {
		return apperr.Wrap(apperr.ConnectionFailed, err)
	}
	return nil
}

// PutHistorySnapshot stores deploymentID's package-history JSON snapshot
// for blob-backed deployments (spec §6).
func (g *MinioGateway) PutHistorySnapshot(ctx context.Context, deploymentID string, body []byte) error {
	_, err := g.client.PutObject(ctx, g.bucket, historyKey(deploymentID), bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return apperr.Wrap(apperr.ConnectionFailed, err)
	}
	return nil
}

// GetHistorySnapshot returns deploymentID's last-stored history snapshot.
func (g *MinioGateway) GetHistorySnapshot(ctx context.Context, deploymentID string) ([]byte, error) {
	obj, err := g.client.GetObject(ctx, g.bucket, historyKey(deploymentID), minio.GetObjectOptions{})
	if err != nil {
		return nil, apperr.Wrap(apperr.ConnectionFailed, err)
	}
	defer obj.Close()

	body, err := io.ReadAll(obj)
	if err != nil {
		if errResp := minio.ToErrorResponse(err); errResp.Code == "NoSuchKey" {
			return nil, apperr.New(apperr.NotFound, "no history snapshot for deployment %q", deploymentID)
		}
		return nil, apperr.Wrap(apperr.ConnectionFailed, err)
	}
	return body, nil
}

// HealthCheck performs spec §4.B's fixed write/read round trip at a
// reserved key, proving both PUT and GET path reachability.
func (g *MinioGateway) HealthCheck(ctx context.Context) error {
	payload := []byte("health")
	_, err := g.client.PutObject(ctx, g.bucket, healthKey, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType: "text/plain",
	})
	if err != nil {
		return apperr.Wrap(apperr.ConnectionFailed, err)
	}

	obj, err := g.client.GetObject(ctx, g.bucket, healthKey, minio.GetObjectOptions{})
	if err != nil {
		return apperr.Wrap(apperr.ConnectionFailed, err)
	}
	defer obj.Close()

	got, err := io.ReadAll(obj)
	if err != nil {
		return apperr.Wrap(apperr.ConnectionFailed, err)
	}
	if !bytes.Equal(got, payload) {
		return apperr.New(apperr.ConnectionFailed, "blob store health check round trip mismatch")
	}
	return nil
}
