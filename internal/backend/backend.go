package backend

import (
	"context"

	"github.com/local/parsemd/internal/core"
)

// Result is the normalized output of every backend.
type Result struct {
	Markdown string
	Images   map[string]string
}

// Backend turns a terminal-format payload into markdown and images.
type Backend interface {
	Parse(ctx context.Context, filename string, payload []byte, opts core.Options) (Result, error)
}

// Pinger is implemented by backends that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}
