// Package provider defines the inference provider port and an explicit
// registry addressing providers by logical name.
package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Request is a single generation request.
type Request struct {
	// System is the role instruction, if any.
	System string
	Prompt string
	// Context maps file paths to content the model should see.
	Context     map[string]string
	MaxTokens   int
	Temperature float64
}

// Response is what a provider returns for one Request.
type Response struct {
	Content    string
	TokensUsed int
	Model      string
}

// Provider is the port interface for a text/code generation backend.
//
// Implementations wrap network, timeout and overload failures with
// domain.ErrTransientProvider so callers know they may retry.
type Provider interface {
	Generate(ctx context.Context, req Request) (Response, error)
}

// Func adapts a plain function to the Provider interface.
type Func func(ctx context.Context, req Request) (Response, error)

// Generate calls f.
func (f Func) Generate(ctx context.Context, req Request) (Response, error) { return f(ctx, req) }

// UserMessage renders the prompt followed by the context files, in path
// order, as a single user message for chat-style backends.
func UserMessage(req Request) string {
	if len(req.Context) == 0 {
		return req.Prompt
	}
	paths := make([]string, 0, len(req.Context))
	for p := range req.Context {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var b strings.Builder
	b.WriteString(req.Prompt)
	for _, p := range paths {
		fmt.Fprintf(&b, "\n\n--- %s ---\n%s", p, req.Context[p])
	}
	return b.String()
}
