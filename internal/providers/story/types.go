package story

import (
	"context"

	"github.com/storyforge/server/internal/domain"
)

// Request describes a normalized story generation call.
type Request struct {
	Prompt              string
	ReferenceImagePaths []string
	PageCount           int
	ArtStyle            string
	Language            string
	ReaderAge           int
	Author              string
	RequestID           string
}

// Generator is the contract implemented by all text generation providers.
type Generator interface {
	Generate(ctx context.Context, req Request) (*domain.GeneratedStory, error)
}
