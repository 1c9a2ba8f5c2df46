// Package spec defines the feature spec model: a project, a target branch,
// and an ordered list of user stories with acceptance criteria.
package spec

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// UserStory is the atomic unit of work. The passes flag is the sole
// completion signal and is flipped by the agent editing the spec JSON.
type UserStory struct {
	ID                 string   `json:"id"`
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	AcceptanceCriteria []string `json:"acceptanceCriteria"`
	Priority           int      `json:"priority"`
	Passes             bool     `json:"passes"`
	Notes              string   `json:"notes,omitempty"`
}

// Spec is a feature spec for a single branch of a single project.
type Spec struct {
	Project     string      `json:"project"`
	BranchName  string      `json:"branchName"`
	Description string      `json:"description"`
	UserStories []UserStory `json:"userStories"`
}

// Load reads and validates a spec JSON file.
func Load(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read spec %s: %w", path, err)
	}

	var s Spec
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse spec %s: %w", path, err)
	}

	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid spec %s: %w", path, err)
	}
	return &s, nil
}

// Save writes the spec as indented JSON via temp-file rename so a
// concurrent reader never observes a partial write.
func (s *Spec) Save(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal spec: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write spec: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace spec: %w", err)
	}
	return nil
}

// Validate checks required fields and the unique-story-id invariant.
func (s *Spec) Validate() error {
	if strings.TrimSpace(s.Project) == "" {
		return fmt.Errorf("spec is missing project")
	}
	if strings.TrimSpace(s.BranchName) == "" {
		return fmt.Errorf("spec is missing branchName")
	}
	if len(s.UserStories) == 0 {
		return fmt.Errorf("spec has no user stories")
	}

	seen := make(map[string]bool, len(s.UserStories))
	for i, story := range s.UserStories {
		id := strings.TrimSpace(story.ID)
		if id == "" {
			return fmt.Errorf("story at index %d is missing id", i)
		}
		if seen[id] {
			return fmt.Errorf("duplicate story id %q", id)
		}
		seen[id] = true
		if strings.TrimSpace(story.Title) == "" {
			return fmt.Errorf("story %s is missing title", id)
		}
	}
	return nil
}

// Ordered returns the stories in traversal order: priority ascending,
// ties broken by id lexicographically ascending. The sort is stable.
func (s *Spec) Ordered() []UserStory {
	out := make([]UserStory, len(s.UserStories))
	copy(out, s.UserStories)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// NextStory returns the first story in traversal order with passes=false,
// or nil if every story passes.
func (s *Spec) NextStory() *UserStory {
	for _, story := range s.Ordered() {
		if !story.Passes {
			st := story
			return &st
		}
	}
	return nil
}

// AllPass reports whether every story has passes=true.
func (s *Spec) AllPass() bool {
	return s.NextStory() == nil
}

// Story returns the story with the given id, or nil.
func (s *Spec) Story(id string) *UserStory {
	for i := range s.UserStories {
		if s.UserStories[i].ID == id {
			return &s.UserStories[i]
		}
	}
	return nil
}

// Slug derives a filesystem-safe slug from the branch name, used for
// spec artifact filenames (spec-<slug>.json).
func (s *Spec) Slug() string {
	slug := strings.ToLower(strings.TrimSpace(s.BranchName))
	replacer := strings.NewReplacer("/", "-", "\\", "-", ":", "-", " ", "-", ".", "-")
	return replacer.Replace(slug)
}

// ArtifactPath returns the canonical spec JSON path under specDir.
func (s *Spec) ArtifactPath(specDir string) string {
	return filepath.Join(specDir, fmt.Sprintf("spec-%s.json", s.Slug()))
}
