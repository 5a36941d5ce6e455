package generation

import "errors"

// Domain errors for generation.
var (
	ErrTaskNotFound      = errors.New("generation task not found")
	ErrTaskFinished      = errors.New("generation task already finished")
	ErrInvalidTransition = errors.New("invalid task state transition")
	ErrEmptyPrompt       = errors.New("prompt is required")
	ErrInvalidCount      = errors.New("invalid image count")
	ErrSubmissionFailed  = errors.New("provider rejected the generation request")
)
