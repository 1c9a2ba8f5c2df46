package orchestrator

import "errors"

// Error kinds the orchestrator converts into the failed state. Sentinels
// so callers and tests can classify with errors.Is.
var (
	ErrSpecInvalid         = errors.New("spec invalid")
	ErrMaxStoryIterations  = errors.New("story iteration limit reached")
	ErrMaxReviewIterations = errors.New("review iteration limit reached")
)
