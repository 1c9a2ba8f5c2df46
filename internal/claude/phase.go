package claude

// Phase identifies what kind of creative work an invocation performs. The
// permission policy is derived from it.
type Phase string

const (
	PhaseImplement        Phase = "implement"
	PhaseReview           Phase = "review"
	PhaseCorrect          Phase = "correct"
	PhaseCommit           Phase = "commit"
	PhaseCreatePR         Phase = "createPR"
	PhaseConvertSpec      Phase = "convertSpec"
	PhaseReviewPRComments Phase = "reviewPRComments"
)

// pushDisallowed is the one dangerous tool pattern the broker blocks
// outside the createPR phase. Commits are reversible; a push is not.
const pushDisallowed = "Bash(git push:*)"

// BypassesBroker reports whether the phase skips permission mediation
// entirely (one-shot, low-risk phases).
func (p Phase) BypassesBroker() bool {
	return p == PhaseConvertSpec || p == PhaseReviewPRComments
}

// permissionArgs returns the tool-restriction flags for a phase. With
// allPermissions set the broker is bypassed for every phase.
func permissionArgs(phase Phase, allPermissions bool) []string {
	if allPermissions || phase.BypassesBroker() {
		return []string{"--dangerously-skip-permissions"}
	}
	switch phase {
	case PhaseImplement, PhaseReview, PhaseCorrect, PhaseCommit:
		return []string{"--disallowedTools", pushDisallowed}
	case PhaseCreatePR:
		// push is the phase's purpose
		return nil
	default:
		return []string{"--disallowedTools", pushDisallowed}
	}
}
