package claude

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/antigravity-dev/autom8/internal/knowledge"
)

// CompleteTag is the inline completion signal the agent emits when a
// story or phase is done.
const CompleteTag = "<promise>COMPLETE</promise>"

const maxSummaryLen = 500

var (
	workSummaryRe  = regexp.MustCompile(`(?s)<work-summary>(.*?)</work-summary>`)
	filesTouchedRe = regexp.MustCompile(`(?s)<files-touched>(.*?)</files-touched>`)
	decisionsRe    = regexp.MustCompile(`(?s)<decisions>(.*?)</decisions>`)
	patternsRe     = regexp.MustCompile(`(?s)<patterns>(.*?)</patterns>`)
)

// ScanTags extracts the inline tags from the concatenated text stream of
// one iteration. Missing tags yield zero values; a duplicated
// work-summary is last-one-wins while knowledge tags accumulate.
// Malformed tag bodies are dropped, never fatal.
func ScanTags(text string) (complete bool, payload knowledge.Payload) {
	complete = strings.Contains(text, CompleteTag)

	if matches := workSummaryRe.FindAllStringSubmatch(text, -1); len(matches) > 0 {
		summary := strings.TrimSpace(matches[len(matches)-1][1])
		if len(summary) > maxSummaryLen {
			summary = summary[:maxSummaryLen]
		}
		payload.Summary = summary
	}

	for _, m := range filesTouchedRe.FindAllStringSubmatch(text, -1) {
		var facts []knowledge.FileFact
		if err := json.Unmarshal([]byte(strings.TrimSpace(m[1])), &facts); err == nil {
			payload.FilesTouched = append(payload.FilesTouched, facts...)
		}
	}
	for _, m := range decisionsRe.FindAllStringSubmatch(text, -1) {
		var decisions []knowledge.Decision
		if err := json.Unmarshal([]byte(strings.TrimSpace(m[1])), &decisions); err == nil {
			payload.Decisions = append(payload.Decisions, decisions...)
		}
	}
	for _, m := range patternsRe.FindAllStringSubmatch(text, -1) {
		var patterns []knowledge.Pattern
		if err := json.Unmarshal([]byte(strings.TrimSpace(m[1])), &patterns); err == nil {
			payload.Patterns = append(payload.Patterns, patterns...)
		}
	}

	return complete, payload
}
