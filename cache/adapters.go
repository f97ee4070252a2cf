package cache

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/yelban/roast-sub000/internal/blob"
	"github.com/yelban/roast-sub000/internal/objectstore"
)

const (
	audioContentType    = "audio/mpeg"
	metadataContentType = "application/json"
)

// ObjectStoreTier adapts the S3-compatible client to the Tier interface.
// Audio goes to <key>.mp3 with a <key>.json metadata sidecar. Writes
// without source text, such as backfills from the blob tier, store only
// the audio and leave any existing sidecar alone.
type ObjectStoreTier struct {
	client *objectstore.Client
}

func NewObjectStoreTier(client *objectstore.Client) *ObjectStoreTier {
	return &ObjectStoreTier{client: client}
}

func (t *ObjectStoreTier) Name() TierName { return TierObjectStore }

func (t *ObjectStoreTier) Get(ctx context.Context, key Key) ([]byte, error) {
	b, err := t.client.Get(ctx, key.AudioObject())
	if errors.Is(err, objectstore.ErrNotFound) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, &UnavailableError{Tier: TierObjectStore, Err: err}
	}
	return b, nil
}

func (t *ObjectStoreTier) Put(ctx context.Context, key Key, audio []byte, meta Metadata) error {
	if err := t.client.Put(ctx, key.AudioObject(), audio, audioContentType); err != nil {
		return &UnavailableError{Tier: TierObjectStore, Err: err}
	}
	if meta.Text == "" {
		return nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	if err := t.client.Put(ctx, key.MetadataObject(), b, metadataContentType); err != nil {
		return &UnavailableError{Tier: TierObjectStore, Err: err}
	}
	return nil
}

// Metadata reads the JSON sidecar for key
func (t *ObjectStoreTier) Metadata(ctx context.Context, key Key) (Metadata, error) {
	var meta Metadata
	b, err := t.client.Get(ctx, key.MetadataObject())
	if errors.Is(err, objectstore.ErrNotFound) {
		return meta, ErrMiss
	}
	if err != nil {
		return meta, &UnavailableError{Tier: TierObjectStore, Err: err}
	}
	if err := json.Unmarshal(b, &meta); err != nil {
		return meta, err
	}
	return meta, nil
}

// BlobTier adapts the blob fallback store to the Tier interface
type BlobTier struct {
	client *blob.Client
}

func NewBlobTier(client *blob.Client) *BlobTier {
	return &BlobTier{client: client}
}

func (t *BlobTier) Name() TierName { return TierBlob }

func (t *BlobTier) Get(ctx context.Context, key Key) ([]byte, error) {
	b, err := t.client.Get(ctx, key.AudioObject())
	if errors.Is(err, blob.ErrNotFound) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, &UnavailableError{Tier: TierBlob, Err: err}
	}
	return b, nil
}

// Put uploads audio when the store is writable. A read-only store
// silently accepts the write.
func (t *BlobTier) Put(ctx context.Context, key Key, audio []byte, _ Metadata) error {
	if !t.client.Writable() {
		return nil
	}
	if err := t.client.Put(ctx, key.AudioObject(), audio, audioContentType); err != nil {
		return &UnavailableError{Tier: TierBlob, Err: err}
	}
	return nil
}
