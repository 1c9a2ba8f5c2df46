package orchestrator

import (
	"fmt"
	"strings"

	"github.com/antigravity-dev/autom8/internal/knowledge"
	"github.com/antigravity-dev/autom8/internal/spec"
)

// tagInstructions tells the agent how to signal completion and report
// structured knowledge back through the output stream.
const tagInstructions = `When you are done, emit these tags in your final message:
- <promise>COMPLETE</promise> once the work is finished.
- <work-summary>one paragraph describing what you did (max 500 chars)</work-summary>
- <files-touched>JSON array of {"path","purpose","keySymbols","operation"} (operation: created|modified|deleted)</files-touched>
- <decisions>JSON array of {"title","rationale","alternativesConsidered"}</decisions>
- <patterns>JSON array of {"name","whenToApply"} for approaches worth reusing</patterns>`

func storyBlock(story *spec.UserStory) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Story %s: %s\n\n%s\n", story.ID, story.Title, story.Description)
	if len(story.AcceptanceCriteria) > 0 {
		b.WriteString("\nAcceptance criteria:\n")
		for _, ac := range story.AcceptanceCriteria {
			fmt.Fprintf(&b, "- %s\n", ac)
		}
	}
	if story.Notes != "" {
		fmt.Fprintf(&b, "\nNotes: %s\n", story.Notes)
	}
	return b.String()
}

func implementPrompt(s *spec.Spec, story *spec.UserStory, iteration int, graph *knowledge.Graph, specPath string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are implementing one user story of the feature %q for project %s.\n\n", s.Description, s.Project)

	if ctx := graph.Context(); ctx != "" {
		b.WriteString(ctx)
		b.WriteString("\n")
	}

	b.WriteString(storyBlock(story))
	fmt.Fprintf(&b, "\nThis is iteration %d for this story.\n", iteration)
	fmt.Fprintf(&b, "\nWhen every acceptance criterion is met, set \"passes\": true for story %s in the spec file %s (edit the JSON atomically).\n", story.ID, specPath)
	b.WriteString("Do not push to any remote.\n\n")
	b.WriteString(tagInstructions)
	return b.String()
}

// reviewStrictness maps a review pass to its instruction. Later passes
// narrow to what genuinely blocks a merge.
func reviewStrictness(pass int) string {
	switch {
	case pass <= 1:
		return "Review thoroughly: correctness, edge cases, style, tests."
	case pass == 2:
		return "Report significant problems only; ignore style nits."
	default:
		return "Report blockers only: bugs or broken builds that must not merge."
	}
}

func reviewPrompt(s *spec.Spec, pass int, graph *knowledge.Graph, artifactPath string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are reviewing the implementation of %q (project %s), review pass %d.\n\n", s.Description, s.Project, pass)

	if ctx := graph.Context(); ctx != "" {
		b.WriteString(ctx)
		b.WriteString("\n")
	}

	b.WriteString(reviewStrictness(pass))
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "If you find issues, write them to %s (markdown, one section per issue).\n", artifactPath)
	fmt.Fprintf(&b, "If there are no issues, delete %s if it exists and do not create it.\n", artifactPath)
	b.WriteString("Do not push to any remote.\n\n")
	b.WriteString(tagInstructions)
	return b.String()
}

func correctPrompt(s *spec.Spec, reviewContents string, graph *knowledge.Graph) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are correcting review findings for %q (project %s).\n\n", s.Description, s.Project)

	if ctx := graph.Context(); ctx != "" {
		b.WriteString(ctx)
		b.WriteString("\n")
	}

	b.WriteString("## Review findings\n\n")
	b.WriteString(reviewContents)
	b.WriteString("\n\nFix every finding. Do not push to any remote.\n\n")
	b.WriteString(tagInstructions)
	return b.String()
}

func commitPrompt(s *spec.Spec, exclusions []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Commit the implementation of %q on branch %s.\n\n", s.Description, s.BranchName)
	b.WriteString("Stage and commit all changes with a clear, conventional commit message.\n")
	b.WriteString("Never stage these paths:\n")
	for _, e := range exclusions {
		fmt.Fprintf(&b, "- %s\n", e)
	}
	b.WriteString("Do not push.\n\n")
	b.WriteString(tagInstructions)
	return b.String()
}

func convertSpecPrompt(markdown, outPath string) string {
	var b strings.Builder
	b.WriteString("Convert the following markdown feature spec into a JSON spec artifact.\n\n")
	fmt.Fprintf(&b, "Write the JSON to %s using this shape with camelCase keys:\n", outPath)
	b.WriteString(`{"project": "...", "branchName": "...", "description": "...", "userStories": [{"id": "US-001", "title": "...", "description": "...", "acceptanceCriteria": ["..."], "priority": 1, "passes": false}]}` + "\n\n")
	b.WriteString("Story ids must be unique; priorities are integers, smallest first.\n")
	b.WriteString("Set passes to false everywhere. Write the file atomically and emit <promise>COMPLETE</promise>.\n\n")
	b.WriteString("## Markdown spec\n\n")
	b.WriteString(markdown)
	return b.String()
}

func prBodyPrompt(s *spec.Spec, template string, graph *knowledge.Graph) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Fill in this pull request template for %q (project %s).\n\n", s.Description, s.Project)

	if ctx := graph.Context(); ctx != "" {
		b.WriteString(ctx)
		b.WriteString("\n")
	}

	b.WriteString("## Template\n\n")
	b.WriteString(template)
	b.WriteString("\n\nRespond with the completed markdown body only, then <promise>COMPLETE</promise>.\n")
	return b.String()
}

// defaultPRBody synthesizes a body when the repo has no PR template.
func defaultPRBody(s *spec.Spec) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## %s\n\n%s\n\n### Stories\n\n", s.Project, s.Description)
	for _, story := range s.Ordered() {
		status := " "
		if story.Passes {
			status = "x"
		}
		fmt.Fprintf(&b, "- [%s] %s: %s\n", status, story.ID, story.Title)
	}
	return b.String()
}
