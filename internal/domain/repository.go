package domain

import "context"

// StorybookRepository defines persistence for finished storybooks.
type StorybookRepository interface {
	// Create persists the book and all of its pages in a single atomic write.
	Create(ctx context.Context, book *Storybook) error
	GetByID(ctx context.Context, id string) (*Storybook, error)
	// UpdatePage replaces exactly one page's text, image URL and image prompt.
	UpdatePage(ctx context.Context, storybookID string, pageNumber int, update PageUpdate) error
}
