package story

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/storyforge/server/internal/domain"
	"github.com/storyforge/server/internal/providers/genai"
)

// GeminiGenerator produces structured stories through the shared Gemini client.
type GeminiGenerator struct {
	client *genai.Client
}

// NewGeminiGenerator constructs a GeminiGenerator.
func NewGeminiGenerator(client *genai.Client) *GeminiGenerator {
	return &GeminiGenerator{client: client}
}

// Generate requests a story document and normalizes it into the domain shape.
func (g *GeminiGenerator) Generate(ctx context.Context, req Request) (*domain.GeneratedStory, error) {
	payload, err := g.client.GenerateStory(ctx, genai.StoryRequest{
		Prompt:              req.Prompt,
		ReferenceImagePaths: req.ReferenceImagePaths,
		PageCount:           req.PageCount,
		ArtStyle:            req.ArtStyle,
		Language:            req.Language,
		ReaderAge:           req.ReaderAge,
		Author:              req.Author,
		RequestID:           req.RequestID,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoryGeneration, err)
	}
	return normalizeStory(payload, req)
}

// normalizeStory enforces the contiguous 1..N page numbering contract. Models
// occasionally return pages out of order or with surplus entries; too few
// pages is an upstream failure.
func normalizeStory(payload *genai.StoryPayload, req Request) (*domain.GeneratedStory, error) {
	pages := make([]domain.StoryPage, 0, len(payload.Pages))
	for _, p := range payload.Pages {
		text := strings.TrimSpace(p.Text)
		prompt := strings.TrimSpace(p.ImagePrompt)
		if text == "" || prompt == "" {
			continue
		}
		pages = append(pages, domain.StoryPage{PageNumber: p.PageNumber, Text: text, ImagePrompt: prompt})
	}
	if len(pages) < req.PageCount {
		return nil, fmt.Errorf("%w: got %d usable pages, want %d", domain.ErrStoryGeneration, len(pages), req.PageCount)
	}

	sort.SliceStable(pages, func(i, j int) bool { return pages[i].PageNumber < pages[j].PageNumber })
	pages = pages[:req.PageCount]
	for i := range pages {
		pages[i].PageNumber = i + 1
	}

	artStyle := strings.TrimSpace(payload.ArtStyle)
	if artStyle == "" {
		artStyle = req.ArtStyle
	}

	return &domain.GeneratedStory{
		Title:                normalizeTitle(payload.Title, req.Language),
		Pages:                pages,
		CharacterDescription: strings.TrimSpace(payload.MainCharacterDescription),
		DefaultClothing:      strings.TrimSpace(payload.DefaultClothing),
		ArtStyleHint:         artStyle,
	}, nil
}

// normalizeTitle title-cases an all-lowercase model answer in the story's
// language; properly cased titles pass through untouched.
func normalizeTitle(title, locale string) string {
	title = strings.TrimSpace(title)
	if title == "" || title != strings.ToLower(title) {
		return title
	}
	tag, err := language.Parse(locale)
	if err != nil {
		tag = language.English
	}
	return cases.Title(tag).String(title)
}
