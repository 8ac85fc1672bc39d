package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"
)

const opTimeout = 30 * time.Second

// GCS implements Store on Google Cloud Storage. Generation-pinned reads map
// directly onto GCS object generations.
type GCS struct {
	client *storage.Client
}

// NewGCS wraps an initialised storage client.
func NewGCS(client *storage.Client) *GCS {
	return &GCS{client: client}
}

func (g *GCS) Fetch(ctx context.Context, bucket, name string, generation int64) ([]byte, ObjectAttrs, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	obj := g.client.Bucket(bucket).Object(name)
	if generation > 0 {
		obj = obj.Generation(generation)
	}

	attrs, err := obj.Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ObjectAttrs{}, fmt.Errorf("%w: %s (gen %d)", ErrNotFound, URI(bucket, name), generation)
		}
		return nil, ObjectAttrs{}, fmt.Errorf("stat %s: %w", URI(bucket, name), err)
	}

	r, err := obj.NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ObjectAttrs{}, fmt.Errorf("%w: %s (gen %d)", ErrNotFound, URI(bucket, name), generation)
		}
		return nil, ObjectAttrs{}, fmt.Errorf("open %s: %w", URI(bucket, name), err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, ObjectAttrs{}, fmt.Errorf("read %s: %w", URI(bucket, name), err)
	}

	return data, ObjectAttrs{
		Bucket:      bucket,
		Name:        name,
		Generation:  attrs.Generation,
		Size:        attrs.Size,
		ContentType: attrs.ContentType,
		Metadata:    attrs.Metadata,
	}, nil
}

func (g *GCS) Upload(ctx context.Context, bucket, name string, data []byte, contentType string) (ObjectAttrs, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	w := g.client.Bucket(bucket).Object(name).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return ObjectAttrs{}, fmt.Errorf("write %s: %w", URI(bucket, name), err)
	}
	if err := w.Close(); err != nil {
		return ObjectAttrs{}, fmt.Errorf("close %s: %w", URI(bucket, name), err)
	}

	a := w.Attrs()
	return ObjectAttrs{
		Bucket:      bucket,
		Name:        name,
		Generation:  a.Generation,
		Size:        a.Size,
		ContentType: a.ContentType,
		Metadata:    a.Metadata,
	}, nil
}
