package storage

import "context"

// Storage is the durable byte store used for checkpoints, pause markers,
// and exported artifacts. Paths are relative to the store's base directory.
type Storage interface {
	Save(ctx context.Context, path string, data []byte) error
	Load(ctx context.Context, path string) ([]byte, error)
	List(ctx context.Context, pattern string) ([]string, error)
	Exists(ctx context.Context, path string) bool
	Touch(ctx context.Context, path string) error
	Delete(ctx context.Context, path string) error
}
