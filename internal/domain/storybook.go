package domain

import "time"

// Page is one illustrated page of a storybook.
type Page struct {
	PageNumber  int
	Text        string
	ImageURL    string
	ImagePrompt string
}

// Storybook is the durable result of a finished generation job. The character
// and style metadata is kept alongside the pages so later single-page
// regeneration can reproduce the book's established look.
type Storybook struct {
	ID                   string
	UserID               *string // nil for anonymous books
	Title                string
	CoverImageURL        string
	BackCoverImageURL    string
	Pages                []Page
	CharacterDescription string
	DefaultClothing      string
	ArtStyle             string
	InspirationImageURLs []string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Page returns the page with the given number, if present.
func (b *Storybook) Page(number int) (*Page, bool) {
	for i := range b.Pages {
		if b.Pages[i].PageNumber == number {
			return &b.Pages[i], true
		}
	}
	return nil, false
}

// OwnedBy reports whether the requester may modify this book. Anonymous books
// have no owner and are open to whoever holds the identifier.
func (b *Storybook) OwnedBy(requesterID *string) bool {
	if b.UserID == nil {
		return true
	}
	return requesterID != nil && *requesterID == *b.UserID
}

// PageUpdate carries the replacement fields for a single-page regeneration.
type PageUpdate struct {
	Text        string
	ImageURL    string
	ImagePrompt string
}
