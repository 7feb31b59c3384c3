// Package generation defines the text-generation capability used by the
// schema extractor, plus an Anthropic Messages API implementation.
package generation

import (
	"context"

	"github.com/dgallion1/docanalyst/internal/docerr"
)

// Gateway turns a prompt into model text. Implementations wrap provider
// failures in ErrUnavailable and must honour ctx deadlines.
type Gateway interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// ErrUnavailable is returned (wrapped) on any provider failure.
var ErrUnavailable = docerr.ErrGenerationUnavailable

// GatewayFunc adapts a function to the Gateway interface.
type GatewayFunc func(ctx context.Context, prompt string) (string, error)

func (f GatewayFunc) Generate(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}
