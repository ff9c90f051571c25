package backend

import (
	"context"
	"unicode/utf8"

	"github.com/local/parsemd/internal/core"
)

// Markdown returns UTF-8 payloads unchanged.
type Markdown struct{}

func (Markdown) Parse(_ context.Context, filename string, payload []byte, _ core.Options) (Result, error) {
	if !utf8.Valid(payload) {
		return Result{}, &core.DecodeError{Filename: filename, Offset: invalidOffset(payload)}
	}
	return Result{Markdown: string(payload), Images: map[string]string{}}, nil
}

func invalidOffset(b []byte) int {
	for i := 0; i < len(b); {
		r, size := utf8.DecodeRune(b[i:])
		if r == utf8.RuneError && size <= 1 {
			return i
		}
		i += size
	}
	return len(b)
}
