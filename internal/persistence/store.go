package persistence

import (
	"context"
	"errors"
)

// ErrNoSnapshot is returned by Load when nothing has been saved yet
var ErrNoSnapshot = errors.New("no snapshot stored")

// Store is a durable home for the snapshot blob. Each Save replaces the
// previous blob.
type Store interface {
	Save(ctx context.Context, blob []byte) error
	Load(ctx context.Context) ([]byte, error)
	Name() string
}
