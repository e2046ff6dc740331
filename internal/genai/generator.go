// Package genai is the text-generation collaborator: it renders the
// instruction for one generation attempt, calls the provider and unwraps the
// generated source from the reply.
package genai

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Request carries everything a generation attempt feeds the service.
type Request struct {
	// Prompt is the user's intent for this attempt.
	Prompt string
	// Current is the present content of the editable artifact.
	Current string
	// References maps read-only artifact names to their content.
	References map[string]string
}

// Generator produces new source for the editable artifact.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// renderInstruction builds the fixed instruction template around the user's
// prompt and the artifact contents.
func renderInstruction(req Request) string {
	var b strings.Builder
	b.WriteString("You are editing a live code sketch. Rewrite the sketch source to satisfy the request.\n")
	b.WriteString("Reply with the complete new source file and nothing else.\n\n")
	names := make([]string, 0, len(req.References))
	for name := range req.References {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "Read-only reference %s:\n%s\n\n", name, req.References[name])
	}
	fmt.Fprintf(&b, "Current sketch source:\n%s\n\n", req.Current)
	fmt.Fprintf(&b, "Request: %s\n", req.Prompt)
	return b.String()
}

// ExtractSource unwraps fenced-code markup from a model reply. A reply that
// is not fenced is used verbatim.
func ExtractSource(reply string) string {
	trimmed := strings.TrimSpace(reply)
	if !strings.HasPrefix(trimmed, "```") {
		return reply
	}
	lines := strings.Split(trimmed, "\n")
	if len(lines) < 2 {
		return reply
	}
	// Drop the opening fence (with optional language tag) and a closing fence.
	lines = lines[1:]
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) == "```" {
			lines = lines[:i]
			break
		}
	}
	return strings.Join(lines, "\n")
}
