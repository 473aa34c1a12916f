package resolver

import (
	"context"
	"log/slog"
	"sort"

	"github.com/refsmith/downloader/internal/parser"
)

// Registry is a priority-ordered collection of resolvers with the
// resolution loop.
type Registry struct {
	resolvers []Resolver
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends a resolver. Registration order breaks priority ties.
func (r *Registry) Register(resolver Resolver) {
	slog.Debug("registering resolver", "name", resolver.Name(), "priority", resolver.Priority())
	r.resolvers = append(r.resolvers, resolver)
}

// ResolverCount returns the number of registered resolvers.
func (r *Registry) ResolverCount() int { return len(r.resolvers) }

// FindHandlers returns the resolvers claiming the input, sorted by
// priority with registration order preserved within a level.
func (r *Registry) FindHandlers(input string, inputType parser.InputType) []Resolver {
	var handlers []Resolver
	for _, resolver := range r.resolvers {
		if resolver.CanHandle(input, inputType) {
			handlers = append(handlers, resolver)
		}
	}
	sort.SliceStable(handlers, func(i, j int) bool {
		return handlers[i].Priority() < handlers[j].Priority()
	})
	return handlers
}

// ResolveToURL runs the full resolution loop:
//
//  1. find applicable handlers
//  2. try each in priority order
//  3. a Url step returns success
//  4. a Redirect step restarts the loop at the new URL (as a Url input)
//  5. a NeedsAuth step returns AuthRequiredError
//  6. a Failed step (or handler error) moves on to the next handler
//  7. AllResolversFailedError when every handler failed without a redirect
func (r *Registry) ResolveToURL(ctx context.Context, input string, inputType parser.InputType, rctx *Context) (*ResolvedURL, error) {
	currentInput := input
	currentType := inputType
	redirectCount := 0

	for {
		handlers := r.FindHandlers(currentInput, currentType)
		if len(handlers) == 0 {
			return nil, &NoResolverError{Input: currentInput}
		}

		slog.Debug("found handlers for input", "handler_count", len(handlers), "input_type", currentType.String())

		tried := 0
		gotRedirect := false

		for _, handler := range handlers {
			tried++
			slog.Debug("trying resolver", "resolver", handler.Name())

			step, err := handler.Resolve(ctx, currentInput, rctx)
			if err != nil {
				slog.Warn("resolver returned error", "resolver", handler.Name(), "err", err)
				continue
			}

			switch {
			case step.Resolved != nil:
				slog.Info("resolution successful", "resolver", handler.Name())
				return step.Resolved, nil
			case step.Redirect != "":
				redirectCount++
				if redirectCount > rctx.MaxRedirects {
					return nil, &TooManyRedirectsError{Input: input, Count: redirectCount}
				}
				slog.Debug("following redirect", "resolver", handler.Name(), "redirect_count", redirectCount)
				currentInput = step.Redirect
				currentType = parser.InputTypeURL
				gotRedirect = true
			case step.Auth != nil:
				return nil, &AuthRequiredError{Domain: step.Auth.Domain, Message: step.Auth.Message}
			default:
				slog.Debug("resolver failed, trying next", "resolver", handler.Name(), "err", step.Failed)
			}

			if gotRedirect {
				break
			}
		}

		if gotRedirect {
			continue
		}
		return nil, &AllResolversFailedError{Input: input, Tried: tried}
	}
}

// BuildDefaultRegistry assembles the standard resolver chain in
// deterministic order: arXiv, PubMed, IEEE, Springer, ScienceDirect
// (Specialized), Crossref (General), Direct (Fallback). A site resolver
// whose construction fails is skipped with a warning; the remaining
// resolvers still register.
func BuildDefaultRegistry(cfg ClientConfig, crossrefMailto string) *Registry {
	registry := NewRegistry()

	registry.Register(NewArxivResolver())

	if pubmed, err := NewPubMedResolver(cfg); err != nil {
		slog.Warn("PubMed resolver unavailable; continuing with remaining resolvers", "err", err)
	} else {
		registry.Register(pubmed)
	}

	if ieee, err := NewIEEEResolver(cfg); err != nil {
		slog.Warn("IEEE resolver unavailable; continuing with remaining resolvers", "err", err)
	} else {
		registry.Register(ieee)
	}

	if springer, err := NewSpringerResolver(cfg); err != nil {
		slog.Warn("Springer resolver unavailable; continuing with remaining resolvers", "err", err)
	} else {
		registry.Register(springer)
	}

	if sciencedirect, err := NewScienceDirectResolver(cfg); err != nil {
		slog.Warn("ScienceDirect resolver unavailable; continuing with generic resolvers", "err", err)
	} else {
		registry.Register(sciencedirect)
	}

	if crossref, err := NewCrossrefResolver(cfg, crossrefMailto); err != nil {
		slog.Warn("Crossref resolver unavailable; continuing with direct fallback only", "err", err)
	} else {
		registry.Register(crossref)
	}

	registry.Register(NewDirectResolver())
	return registry
}
