package localstore

import (
	"context"
	"fmt"
)

// Open builds the store named by driver: memory, file or postgres. The
// returned close func is never nil.
func Open(ctx context.Context, driver, path, dsn string) (Store, func(), error) {
	switch driver {
	case "", "memory":
		return NewMemoryStore(), func() {}, nil
	case "file":
		fs, err := NewFileStore(path)
		if err != nil {
			return nil, nil, fmt.Errorf("open file store %s: %w", path, err)
		}
		return fs, func() {}, nil
	case "postgres":
		pg, err := NewPostgresStore(ctx, dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres store: %w", err)
		}
		return pg, pg.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", driver)
}
