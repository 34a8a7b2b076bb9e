package memory

import (
	"context"
	"strings"
)

// Mode names the store NewStore picks for databaseURL.
func Mode(databaseURL string) string {
	if strings.TrimSpace(databaseURL) == "" {
		return "memory"
	}
	return "postgres"
}

// NewStore opens the session store: PostgreSQL when a database URL is configured,
// otherwise an in-process map that does not survive restarts.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if Mode(databaseURL) == "memory" {
		return NewInMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}
