// Package embedding defines the embedding capability the vector index
// depends on, and an Ollama-backed implementation of it.
package embedding

import (
	"context"

	"github.com/dgallion1/docanalyst/internal/docerr"
)

// Gateway maps text to a fixed-length vector. Implementations wrap provider
// failures in ErrUnavailable and must honour ctx deadlines.
type Gateway interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ErrUnavailable is returned (wrapped) on any provider failure.
var ErrUnavailable = docerr.ErrEmbeddingUnavailable

// GatewayFunc adapts a function to the Gateway interface.
type GatewayFunc func(ctx context.Context, text string) ([]float32, error)

func (f GatewayFunc) Embed(ctx context.Context, text string) ([]float32, error) {
	return f(ctx, text)
}
