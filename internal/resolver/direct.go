package resolver

import (
	"context"

	"github.com/refsmith/downloader/internal/parser"
)

// DirectResolver passes plain URLs through unchanged. It is the fallback
// with the lowest priority and doubles as the reference implementation for
// new resolver authors.
type DirectResolver struct{}

// NewDirectResolver creates the resolver.
func NewDirectResolver() *DirectResolver {
	return &DirectResolver{}
}

// Name implements Resolver.
func (r *DirectResolver) Name() string { return "direct" }

// Priority implements Resolver.
func (r *DirectResolver) Priority() Priority { return PriorityFallback }

// CanHandle implements Resolver.
func (r *DirectResolver) CanHandle(_ string, inputType parser.InputType) bool {
	return inputType == parser.InputTypeURL
}

// Resolve implements Resolver.
func (r *DirectResolver) Resolve(_ context.Context, input string, _ *Context) (Step, error) {
	return StepURL(NewResolvedURL(input)), nil
}
