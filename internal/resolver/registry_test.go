package resolver

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/refsmith/downloader/internal/parser"
)

type mockResolver struct {
	name     string
	priority Priority
	handles  []parser.InputType
	step     Step
	calls    int
}

func (m *mockResolver) Name() string       { return m.name }
func (m *mockResolver) Priority() Priority { return m.priority }
func (m *mockResolver) CanHandle(_ string, inputType parser.InputType) bool {
	for _, t := range m.handles {
		if t == inputType {
			return true
		}
	}
	return false
}
func (m *mockResolver) Resolve(_ context.Context, _ string, _ *Context) (Step, error) {
	m.calls++
	return m.step, nil
}

func urlMock(name string, priority Priority, target string) *mockResolver {
	return &mockResolver{
		name: name, priority: priority,
		handles: []parser.InputType{parser.InputTypeURL},
		step:    StepURL(NewResolvedURL(target)),
	}
}

func failingMock(name string, priority Priority, handles ...parser.InputType) *mockResolver {
	return &mockResolver{
		name: name, priority: priority, handles: handles,
		step: StepFailed(&ResolutionFailedError{Input: "test", Reason: "mock failure"}),
	}
}

func TestRegistryFindHandlersPriorityOrder(t *testing.T) {
	registry := NewRegistry()
	registry.Register(urlMock("fallback", PriorityFallback, "https://f.example"))
	registry.Register(urlMock("specialized", PrioritySpecialized, "https://s.example"))
	registry.Register(urlMock("general", PriorityGeneral, "https://g.example"))

	handlers := registry.FindHandlers("https://example.com", parser.InputTypeURL)
	require.Len(t, handlers, 3)
	assert.Equal(t, "specialized", handlers[0].Name())
	assert.Equal(t, "general", handlers[1].Name())
	assert.Equal(t, "fallback", handlers[2].Name())
}

func TestRegistryStableOrderWithinPriority(t *testing.T) {
	registry := NewRegistry()
	registry.Register(urlMock("first", PrioritySpecialized, "https://1.example"))
	registry.Register(urlMock("second", PrioritySpecialized, "https://2.example"))

	handlers := registry.FindHandlers("https://example.com", parser.InputTypeURL)
	require.Len(t, handlers, 2)
	assert.Equal(t, "first", handlers[0].Name())
	assert.Equal(t, "second", handlers[1].Name())
}

func TestRegistryNoResolver(t *testing.T) {
	registry := NewRegistry()
	_, err := registry.ResolveToURL(context.Background(), "10.1234/x", parser.InputTypeDOI, NewContext())
	var noResolver *NoResolverError
	assert.ErrorAs(t, err, &noResolver)
}

func TestRegistryFirstURLWins(t *testing.T) {
	registry := NewRegistry()
	specialized := urlMock("specialized", PrioritySpecialized, "https://winner.example/file.pdf")
	fallback := urlMock("fallback", PriorityFallback, "https://loser.example/file.pdf")
	registry.Register(fallback)
	registry.Register(specialized)

	resolved, err := registry.ResolveToURL(context.Background(), "https://example.com", parser.InputTypeURL, NewContext())
	require.NoError(t, err)
	assert.Equal(t, "https://winner.example/file.pdf", resolved.URL)
	assert.Zero(t, fallback.calls, "lower-priority resolver untried after a win")
}

func TestRegistryFailedFallsThrough(t *testing.T) {
	registry := NewRegistry()
	registry.Register(failingMock("broken", PrioritySpecialized, parser.InputTypeURL))
	registry.Register(urlMock("direct", PriorityFallback, "https://example.com/x.pdf"))

	resolved, err := registry.ResolveToURL(context.Background(), "https://example.com/x.pdf", parser.InputTypeURL, NewContext())
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/x.pdf", resolved.URL)
}

func TestRegistryAllFailed(t *testing.T) {
	registry := NewRegistry()
	registry.Register(failingMock("a", PrioritySpecialized, parser.InputTypeURL))
	registry.Register(failingMock("b", PriorityFallback, parser.InputTypeURL))

	_, err := registry.ResolveToURL(context.Background(), "https://example.com", parser.InputTypeURL, NewContext())
	var allFailed *AllResolversFailedError
	require.ErrorAs(t, err, &allFailed)
	assert.Equal(t, 2, allFailed.Tried)
}

func TestRegistryRedirectRestartsLoop(t *testing.T) {
	registry := NewRegistry()
	registry.Register(&mockResolver{
		name: "redirector", priority: PriorityGeneral,
		handles: []parser.InputType{parser.InputTypeDOI},
		step:    StepRedirect("https://example.com/final.pdf"),
	})
	registry.Register(urlMock("direct", PriorityFallback, "https://example.com/final.pdf"))

	resolved, err := registry.ResolveToURL(context.Background(), "10.1234/x", parser.InputTypeDOI, NewContext())
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/final.pdf", resolved.URL)
}

func TestRegistryTooManyRedirects(t *testing.T) {
	registry := NewRegistry()
	registry.Register(&mockResolver{
		name: "looper", priority: PrioritySpecialized,
		handles: []parser.InputType{parser.InputTypeURL, parser.InputTypeDOI},
		step:    StepRedirect("https://example.com/again"),
	})

	_, err := registry.ResolveToURL(context.Background(), "https://example.com/start", parser.InputTypeURL, NewContext())
	var tooMany *TooManyRedirectsError
	require.ErrorAs(t, err, &tooMany)
	assert.Greater(t, tooMany.Count, 10)
}

func TestRegistryNeedsAuthIsTerminal(t *testing.T) {
	registry := NewRegistry()
	registry.Register(&mockResolver{
		name: "gated", priority: PrioritySpecialized,
		handles: []parser.InputType{parser.InputTypeURL},
		step:    StepNeedsAuth("example.com", "login required"),
	})
	registry.Register(urlMock("direct", PriorityFallback, "https://example.com"))

	_, err := registry.ResolveToURL(context.Background(), "https://example.com", parser.InputTypeURL, NewContext())
	var authErr *AuthRequiredError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "example.com", authErr.Domain)
	assert.Equal(t, "login required", authErr.Message)
}

func TestBuildDefaultRegistryOrder(t *testing.T) {
	registry := BuildDefaultRegistry(ClientConfig{}, "downloader@example.com")
	assert.Equal(t, 7, registry.ResolverCount())

	handlers := registry.FindHandlers("10.1234/generic", parser.InputTypeDOI)
	require.NotEmpty(t, handlers)
	assert.Equal(t, "crossref", handlers[0].Name(), "generic DOIs route to Crossref first")

	handlers = registry.FindHandlers("https://example.com/paper.pdf", parser.InputTypeURL)
	require.NotEmpty(t, handlers)
	assert.Equal(t, "direct", handlers[len(handlers)-1].Name(), "direct is always last")
}

func TestResolveContextDefault(t *testing.T) {
	assert.Equal(t, 10, NewContext().MaxRedirects)
}

func TestStepConstructors(t *testing.T) {
	step := StepURL(NewResolvedURL("https://example.com"))
	assert.NotNil(t, step.Resolved)

	step = StepRedirect("https://next.example")
	assert.Equal(t, "https://next.example", step.Redirect)

	step = StepNeedsAuth("d", "m")
	require.NotNil(t, step.Auth)

	step = StepFailed(errors.New("nope"))
	assert.Error(t, step.Failed)
}
