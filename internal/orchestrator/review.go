package orchestrator

import (
	"os"
	"path/filepath"
	"strings"
)

// ReviewArtifactName is the file-based rendezvous between reviewer and
// orchestrator. The reviewer creates it only when issues exist; its
// presence routes the machine to correcting. It is internal: never commit
// it and never accept user-authored content at this path.
const ReviewArtifactName = "autom8_review.md"

func reviewArtifactPath(workDir string) string {
	return filepath.Join(workDir, ReviewArtifactName)
}

// clearReviewArtifact deletes a stale artifact before the reviewer runs,
// so a leftover file from a prior run can never route a fresh run into
// correcting.
func clearReviewArtifact(workDir string) error {
	err := os.Remove(reviewArtifactPath(workDir))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// readReviewFindings returns the artifact contents, or "" when the file
// is absent or effectively empty. Presence-and-non-emptiness is the
// protocol; the subprocess exit stream is not consulted.
func readReviewFindings(workDir string) string {
	data, err := os.ReadFile(reviewArtifactPath(workDir))
	if err != nil {
		return ""
	}
	text := strings.TrimSpace(string(data))
	return text
}
