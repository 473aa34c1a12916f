// Package resolver transforms parsed inputs (URLs, DOIs) into concrete
// downloadable URLs through a priority-ordered registry of site-specific
// and generic resolvers.
package resolver

import (
	"context"
	"fmt"

	"github.com/refsmith/downloader/internal/parser"
)

// StandardMetadataKeys is the shared metadata contract every site resolver
// populates when it knows the values. Extra keys are preserved.
var StandardMetadataKeys = [5]string{"title", "authors", "doi", "year", "source_url"}

// Priority orders resolver trial: Specialized first, then General, then
// Fallback. Within a level, registration order is preserved.
type Priority int

const (
	// PrioritySpecialized is for site-specific resolvers (arXiv, PubMed).
	PrioritySpecialized Priority = iota
	// PriorityGeneral is for generic resolvers (DOI via Crossref).
	PriorityGeneral
	// PriorityFallback is for direct URL passthrough.
	PriorityFallback
)

// ResolvedURL is a final downloadable URL with optional metadata.
type ResolvedURL struct {
	URL      string
	Metadata map[string]string
}

// NewResolvedURL builds a resolved URL with no metadata.
func NewResolvedURL(url string) *ResolvedURL {
	return &ResolvedURL{URL: url, Metadata: map[string]string{}}
}

// NewResolvedURLWithMetadata builds a resolved URL carrying metadata.
func NewResolvedURLWithMetadata(url string, metadata map[string]string) *ResolvedURL {
	if metadata == nil {
		metadata = map[string]string{}
	}
	return &ResolvedURL{URL: url, Metadata: metadata}
}

// AuthRequirement describes a source that needs interactive authentication.
type AuthRequirement struct {
	Domain  string
	Message string
}

// Step is the tagged outcome of a single resolver attempt: exactly one of
// Resolved, Redirect, Auth, or Failed is set.
type Step struct {
	Resolved *ResolvedURL
	Redirect string
	Auth     *AuthRequirement
	Failed   error
}

// StepURL wraps a final resolved URL.
func StepURL(resolved *ResolvedURL) Step { return Step{Resolved: resolved} }

// StepRedirect asks the registry to restart resolution at a new URL.
func StepRedirect(url string) Step { return Step{Redirect: url} }

// StepNeedsAuth reports that authentication is required.
func StepNeedsAuth(domain, message string) Step {
	return Step{Auth: &AuthRequirement{Domain: domain, Message: message}}
}

// StepFailed reports that this resolver could not resolve the input.
func StepFailed(err error) Step { return Step{Failed: err} }

// Context carries resolution limits.
type Context struct {
	// MaxRedirects bounds registry-level redirect hops.
	MaxRedirects int
}

// NewContext returns the default context (10 redirects).
func NewContext() *Context {
	return &Context{MaxRedirects: 10}
}

// Resolver is the capability contract all resolvers implement.
type Resolver interface {
	// Name identifies the resolver ("direct", "crossref", "arxiv", ...).
	Name() string
	// Priority returns the resolver's trial-order level.
	Priority() Priority
	// CanHandle reports whether this resolver claims the input.
	CanHandle(input string, inputType parser.InputType) bool
	// Resolve attempts to turn the input into a downloadable URL.
	Resolve(ctx context.Context, input string, rctx *Context) (Step, error)
}

// NoResolverError means no registered resolver claimed the input.
type NoResolverError struct {
	Input string
}

func (e *NoResolverError) Error() string {
	return fmt.Sprintf("no resolver can handle input: %s", e.Input)
}

// TooManyRedirectsError means the redirect chain exceeded the budget.
type TooManyRedirectsError struct {
	Input string
	Count int
}

func (e *TooManyRedirectsError) Error() string {
	return fmt.Sprintf("too many redirects (%d) resolving: %s", e.Count, e.Input)
}

// AuthRequiredError surfaces a NeedsAuth step as a terminal error.
type AuthRequiredError struct {
	Domain  string
	Message string
}

func (e *AuthRequiredError) Error() string {
	return fmt.Sprintf("authentication required for %s: %s", e.Domain, e.Message)
}

// AllResolversFailedError means every applicable resolver failed.
type AllResolversFailedError struct {
	Input string
	Tried int
}

func (e *AllResolversFailedError) Error() string {
	return fmt.Sprintf("all %d resolvers failed for input: %s", e.Tried, e.Input)
}

// ResolutionFailedError is a per-resolver failure carried in StepFailed.
type ResolutionFailedError struct {
	Input  string
	Reason string
}

func (e *ResolutionFailedError) Error() string {
	return fmt.Sprintf("resolution failed for %s: %s", e.Input, e.Reason)
}

func resolutionFailed(input, reason string) Step {
	return StepFailed(&ResolutionFailedError{Input: input, Reason: reason})
}
