// Package store persists scheduler checkpoints. Every backend stores one
// opaque blob produced by scheduler.SerializeState.
package store

import (
	"context"
	"errors"
	"fmt"
)

// ErrNoState is returned by Load when nothing has been saved yet.
var ErrNoState = errors.New("no saved state")

// Store saves and loads a single state blob.
type Store interface {
	Save(ctx context.Context, data []byte) error
	Load(ctx context.Context) ([]byte, error)
	Close() error
}

// Open returns the backend named by kind. dsn is a file path for "file" and
// "sqlite", a redis:// URL for "redis" and a mongodb:// URI for "mongo".
func Open(ctx context.Context, kind, dsn string) (Store, error) {
	var (
		s   Store
		err error
	)
	switch kind {
	case "file":
		s = NewFileStore(dsn)
	case "sqlite":
		s, err = OpenSQLite(ctx, dsn)
	case "redis":
		s, err = OpenRedis(ctx, dsn)
	case "mongo":
		s, err = OpenMongo(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown store %q", kind)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}
