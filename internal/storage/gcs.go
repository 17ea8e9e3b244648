package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCS stores objects in a Google Cloud Storage bucket.
type GCS struct {
	client *gcs.Client
	bucket *gcs.BucketHandle
}

// NewGCS connects with the service account key at credentialsFile, or
// application default credentials when it is empty.
func NewGCS(ctx context.Context, bucket, credentialsFile string) (*GCS, error) {
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("gcs bucket required")
	}
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCS{client: client, bucket: client.Bucket(bucket)}, nil
}

func (g *GCS) Driver() string { return "gcs" }

func (g *GCS) Put(ctx context.Context, key string, r io.Reader, _ int64) error {
	w := g.bucket.Object(key).NewWriter(ctx)
	w.ContentType = "application/gzip"
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return fmt.Errorf("write gcs object %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize gcs object %s: %w", key, err)
	}
	return nil
}

func (g *GCS) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := g.bucket.Object(key).NewReader(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read gcs object %s: %w", key, err)
	}
	return r, nil
}

func (g *GCS) Delete(ctx context.Context, key string) error {
	err := g.bucket.Object(key).Delete(ctx)
	if err != nil && !errors.Is(err, gcs.ErrObjectNotExist) {
		return fmt.Errorf("delete gcs object %s: %w", key, err)
	}
	return nil
}

func (g *GCS) Exists(ctx context.Context, key string) (bool, error) {
	_, err := g.bucket.Object(key).Attrs(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat gcs object %s: %w", key, err)
	}
	return true, nil
}

// Close releases the client.
func (g *GCS) Close() error {
	return g.client.Close()
}
