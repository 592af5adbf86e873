package server

import (
	"context"
	"errors"
)

// ErrNotFound is returned when an entry is not in the cache.
var ErrNotFound = errors.New("not found")

// Cache defines the interface for caching blob properties
type Cache interface {
	GetProperties(ctx context.Context, bucket, key string) (*BlobProperties, error)
	SetProperties(ctx context.Context, bucket, key string, props *BlobProperties) error
	DeleteProperties(ctx context.Context, bucket, key string) error
}

// NoOpCache implements the Cache interface but does nothing
type NoOpCache struct{}

// GetProperties returns a not found error
func (c *NoOpCache) GetProperties(ctx context.Context, bucket, key string) (*BlobProperties, error) {
	return nil, ErrNotFound
}

// SetProperties does nothing
func (c *NoOpCache) SetProperties(ctx context.Context, bucket, key string, props *BlobProperties) error {
	return nil
}

// DeleteProperties does nothing
func (c *NoOpCache) DeleteProperties(ctx context.Context, bucket, key string) error {
	return nil
}

// Equal checks if the cache is a NoOpCache
func (c *NoOpCache) Equal(other Cache) bool {
	_, ok := other.(*NoOpCache)
	return ok
}
