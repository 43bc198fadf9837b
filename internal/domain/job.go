package domain

import (
	"fmt"
	"strings"
)

// Step enumerates the stages of the generation pipeline state machine.
type Step string

const (
	StepSubmitted               Step = "submitted"
	StepProcessingImages        Step = "processing_images"
	StepGeneratingStory         Step = "generating_story"
	StepGeneratingIllustrations Step = "generating_illustrations"
	StepFinalizing              Step = "finalizing"
	StepDone                    Step = "done"
	StepFailed                  Step = "failed"
)

// Terminal reports whether no further progress updates follow this step.
func (s Step) Terminal() bool {
	return s == StepDone || s == StepFailed
}

// Page count bounds enforced at submission.
const (
	MinPageCount     = 1
	MaxPageCount     = 12
	DefaultPageCount = 5
)

// DefaultArtStyle is used when the caller leaves the art style blank.
const DefaultArtStyle = "soft watercolor children's book illustration"

// GenerationJob is one user-submitted storybook request. It lives only in
// memory and in staged temporary files; on success its result is persisted as
// a Storybook.
type GenerationJob struct {
	ID              string
	RequesterID     *string // nil for anonymous submissions
	Prompt          string
	ReferenceImages []string // staged local file paths, submission order
	PageCount       int
	ArtStyle        string
	Language        string
	ReaderAge       int
	Author          string
}

// Normalize clamps the page count into the supported range and fills defaults.
func (j *GenerationJob) Normalize() {
	j.Prompt = strings.TrimSpace(j.Prompt)
	if j.PageCount == 0 {
		j.PageCount = DefaultPageCount
	}
	if j.PageCount < MinPageCount {
		j.PageCount = MinPageCount
	}
	if j.PageCount > MaxPageCount {
		j.PageCount = MaxPageCount
	}
	if strings.TrimSpace(j.ArtStyle) == "" {
		j.ArtStyle = DefaultArtStyle
	}
	if strings.TrimSpace(j.Language) == "" {
		j.Language = "en"
	}
}

// Validate rejects submissions that must never enter the state machine.
func (j *GenerationJob) Validate() error {
	if j.Prompt == "" {
		return fmt.Errorf("%w: prompt is required", ErrValidation)
	}
	if j.ReaderAge < 0 {
		return fmt.Errorf("%w: reader age must not be negative", ErrValidation)
	}
	return nil
}

// ProgressRecord is the externally observable state of a running job. It is
// written only by the orchestrator task that owns the job and replaced whole
// on every update. StorybookID is set only on the terminal done record;
// ErrorDetail only on the terminal failed record.
type ProgressRecord struct {
	Step        Step
	Percent     int
	Message     string
	ErrorDetail string
	StorybookID string
}

// StoryPage is one page of a freshly generated, not yet illustrated story.
type StoryPage struct {
	PageNumber  int
	Text        string
	ImagePrompt string
}

// GeneratedStory is the ephemeral output of the text generation client.
// PageNumber values form a contiguous 1..N sequence matching the requested
// page count.
type GeneratedStory struct {
	Title                string
	Pages                []StoryPage
	CharacterDescription string
	DefaultClothing      string
	ArtStyleHint         string
}
