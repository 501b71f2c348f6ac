package sessionstore

import (
	"context"
	"fmt"
	"strings"
)

type Options struct {
	// Kind is one of memory, file, postgres, auto.
	Kind        string
	Path        string
	DatabaseURL string
}

// NewStore builds the configured store. auto picks postgres when a database
// URL is set, then file when a path is set, otherwise memory.
func NewStore(ctx context.Context, opts Options) (Store, error) {
	kind := strings.ToLower(strings.TrimSpace(opts.Kind))
	if kind == "" || kind == "auto" {
		switch {
		case strings.TrimSpace(opts.DatabaseURL) != "":
			kind = "postgres"
		case strings.TrimSpace(opts.Path) != "":
			kind = "file"
		default:
			kind = "memory"
		}
	}

	switch kind {
	case "memory":
		return NewInMemoryStore(), nil
	case "file":
		return NewFileStore(opts.Path)
	case "postgres":
		return NewPostgresStore(ctx, opts.DatabaseURL)
	default:
		return nil, fmt.Errorf("unsupported session store %q (expected memory|file|postgres|auto)", opts.Kind)
	}
}
