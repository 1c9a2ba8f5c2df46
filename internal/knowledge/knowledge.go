// Package knowledge accumulates structured memory across a run: per-story
// summaries, files touched, decisions, and reusable patterns. The graph is
// serialized inside the run state and re-injected into subsequent prompts.
package knowledge

import (
	"fmt"
	"sort"
	"strings"
)

// FileFact records one file the agent touched while implementing a story.
type FileFact struct {
	Path       string   `json:"path"`
	Purpose    string   `json:"purpose"`
	KeySymbols []string `json:"keySymbols,omitempty"`
	Operation  string   `json:"operation"` // created, modified, deleted
}

// Decision records a design decision and why it was taken.
type Decision struct {
	Title                  string `json:"title"`
	Rationale              string `json:"rationale"`
	AlternativesConsidered string `json:"alternativesConsidered,omitempty"`
}

// Pattern records a reusable approach worth applying to later stories.
type Pattern struct {
	Name        string `json:"name"`
	WhenToApply string `json:"whenToApply"`
}

// StoryRecord is the accumulated knowledge for one story.
type StoryRecord struct {
	Summary      string     `json:"summary"`
	FilesTouched []FileFact `json:"filesTouched,omitempty"`
	Decisions    []Decision `json:"decisions,omitempty"`
	Patterns     []Pattern  `json:"patterns,omitempty"`
}

// Payload is the knowledge extracted from one iteration's tag stream.
type Payload struct {
	Summary      string
	FilesTouched []FileFact
	Decisions    []Decision
	Patterns     []Pattern
}

// Graph is the append-only knowledge graph for a run. Re-running a story
// updates that story's record in place and never touches prior stories.
type Graph struct {
	Stories map[string]StoryRecord `json:"stories"`
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{Stories: make(map[string]StoryRecord)}
}

// Merge folds an iteration payload into the story's record. Summary and
// filesTouched are overwritten; decisions and patterns accumulate,
// deduplicated by title/name, so re-applying a payload is idempotent.
func (g *Graph) Merge(storyID string, p Payload) {
	if g.Stories == nil {
		g.Stories = make(map[string]StoryRecord)
	}
	rec := g.Stories[storyID]

	if p.Summary != "" {
		rec.Summary = p.Summary
	}
	if len(p.FilesTouched) > 0 {
		rec.FilesTouched = append([]FileFact(nil), p.FilesTouched...)
	}

	haveDecision := make(map[string]bool, len(rec.Decisions))
	for _, d := range rec.Decisions {
		haveDecision[d.Title] = true
	}
	for _, d := range p.Decisions {
		if d.Title == "" || haveDecision[d.Title] {
			continue
		}
		rec.Decisions = append(rec.Decisions, d)
		haveDecision[d.Title] = true
	}

	havePattern := make(map[string]bool, len(rec.Patterns))
	for _, pt := range rec.Patterns {
		havePattern[pt.Name] = true
	}
	for _, pt := range p.Patterns {
		if pt.Name == "" || havePattern[pt.Name] {
			continue
		}
		rec.Patterns = append(rec.Patterns, pt)
		havePattern[pt.Name] = true
	}

	g.Stories[storyID] = rec
}

// storyIDs returns the story ids in deterministic order.
func (g *Graph) storyIDs() []string {
	ids := make([]string, 0, len(g.Stories))
	for id := range g.Stories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Context renders the graph as a compact prompt block. Every prior story
// contributes its summary, file facts, and decisions; patterns are listed
// once, globally.
func (g *Graph) Context() string {
	if g == nil || len(g.Stories) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("## Accumulated knowledge from prior stories\n\n")

	for _, id := range g.storyIDs() {
		rec := g.Stories[id]
		fmt.Fprintf(&b, "### %s\n", id)
		if rec.Summary != "" {
			fmt.Fprintf(&b, "%s\n", rec.Summary)
		}
		if len(rec.FilesTouched) > 0 {
			b.WriteString("Files:\n")
			for _, f := range rec.FilesTouched {
				line := fmt.Sprintf("- %s (%s): %s", f.Path, f.Operation, f.Purpose)
				if len(f.KeySymbols) > 0 {
					line += " [" + strings.Join(f.KeySymbols, ", ") + "]"
				}
				b.WriteString(line + "\n")
			}
		}
		if len(rec.Decisions) > 0 {
			b.WriteString("Decisions:\n")
			for _, d := range rec.Decisions {
				fmt.Fprintf(&b, "- %s: %s", d.Title, d.Rationale)
				if d.AlternativesConsidered != "" {
					fmt.Fprintf(&b, " (considered: %s)", d.AlternativesConsidered)
				}
				b.WriteString("\n")
			}
		}
		b.WriteString("\n")
	}

	patterns := g.allPatterns()
	if len(patterns) > 0 {
		b.WriteString("### Patterns to apply\n")
		for _, p := range patterns {
			fmt.Fprintf(&b, "- %s: %s\n", p.Name, p.WhenToApply)
		}
	}

	return strings.TrimRight(b.String(), "\n") + "\n"
}

// allPatterns collects patterns across stories, first occurrence wins.
func (g *Graph) allPatterns() []Pattern {
	seen := make(map[string]bool)
	var out []Pattern
	for _, id := range g.storyIDs() {
		for _, p := range g.Stories[id].Patterns {
			if seen[p.Name] {
				continue
			}
			seen[p.Name] = true
			out = append(out, p)
		}
	}
	return out
}
