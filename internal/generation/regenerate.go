package generation

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/storyforge/server/internal/domain"
	"github.com/storyforge/server/internal/providers/illustration"
)

// RegenerateRequest carries optional replacement content for a single page.
// Empty fields keep the stored text and image prompt; the illustration is
// always re-rendered.
type RegenerateRequest struct {
	Text        string
	ImagePrompt string
}

// RegeneratePage re-renders one page of a persisted storybook and atomically
// replaces that page's text, image URL and image prompt. References are
// anchored to the book's stored cover image and, when present, its first
// inspiration photo, so the regenerated page keeps the established look.
func (o *Orchestrator) RegeneratePage(ctx context.Context, storybookID string, pageNumber int, requesterID *string, req RegenerateRequest) (*domain.Page, error) {
	book, err := o.books.GetByID(ctx, storybookID)
	if err != nil {
		return nil, err
	}
	if !book.OwnedBy(requesterID) {
		return nil, fmt.Errorf("%w: storybook belongs to another user", domain.ErrForbidden)
	}
	page, ok := book.Page(pageNumber)
	if !ok {
		return nil, fmt.Errorf("%w: page %d", domain.ErrNotFound, pageNumber)
	}

	text := strings.TrimSpace(req.Text)
	if text == "" {
		text = page.Text
	}
	prompt := strings.TrimSpace(req.ImagePrompt)
	if prompt == "" {
		prompt = page.ImagePrompt
	}

	tempID := "regen-" + uuid.NewString()
	dir, err := o.staging.JobDir(tempID)
	if err != nil {
		return nil, err
	}
	logger := o.logger.With().Str("storybook_id", storybookID).Int("page", pageNumber).Logger()
	defer o.cleanup(tempID, logger)

	var inspiration []string
	if len(book.InspirationImageURLs) > 0 {
		path, err := o.publisher.Retrieve(ctx, book.InspirationImageURLs[0], dir)
		if err != nil {
			logger.Warn().Err(err).Msg("orchestrator: inspiration image unavailable for regeneration")
		} else {
			inspiration = append(inspiration, path)
		}
	}
	coverPath := ""
	if book.CoverImageURL != "" {
		coverPath, err = o.publisher.Retrieve(ctx, book.CoverImageURL, dir)
		if err != nil {
			return nil, fmt.Errorf("retrieve cover reference: %w", err)
		}
	}

	localPath, err := o.illustrator.Render(ctx, illustration.Request{
		Prompt:              prompt,
		ReferenceImagePaths: BuildReferences(KindPage, inspiration, coverPath),
		ArtStyle:            book.ArtStyle,
		AspectRatio:         pageAspectRatio,
		OutputDir:           dir,
		RequestID:           tempID,
	})
	if err != nil {
		return nil, err
	}

	key := assetKey(book.ID, fmt.Sprintf("page-%02d-%s%s", pageNumber, tempID[len(tempID)-8:], filepath.Ext(localPath)))
	url, err := o.publisher.Publish(ctx, localPath, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPublish, err)
	}

	update := domain.PageUpdate{Text: text, ImageURL: url, ImagePrompt: prompt}
	if err := o.books.UpdatePage(ctx, storybookID, pageNumber, update); err != nil {
		return nil, err
	}

	logger.Info().Msg("orchestrator: page regenerated")
	return &domain.Page{PageNumber: pageNumber, Text: text, ImageURL: url, ImagePrompt: prompt}, nil
}
