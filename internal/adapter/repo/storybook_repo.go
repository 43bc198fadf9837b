package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/storyforge/server/internal/domain"
)

// StorybookRepositoryPG implements domain.StorybookRepository using PostgreSQL.
type StorybookRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewStorybookRepository creates a new storybook repository backed by PostgreSQL.
func NewStorybookRepository(pool *pgxpool.Pool) *StorybookRepositoryPG {
	return &StorybookRepositoryPG{pool: pool}
}

// Create persists the book and all of its pages inside one transaction.
func (r *StorybookRepositoryPG) Create(ctx context.Context, book *domain.Storybook) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin storybook insert: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
INSERT INTO storybooks (id, user_id, title, cover_image_url, back_cover_image_url,
                        character_description, default_clothing, art_style, inspiration_image_urls)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);
`,
		book.ID,
		book.UserID,
		book.Title,
		book.CoverImageURL,
		book.BackCoverImageURL,
		book.CharacterDescription,
		book.DefaultClothing,
		book.ArtStyle,
		book.InspirationImageURLs,
	)
	if err != nil {
		return fmt.Errorf("insert storybook: %w", err)
	}

	for _, page := range book.Pages {
		if _, err := tx.Exec(ctx, `
INSERT INTO storybook_pages (storybook_id, page_number, text, image_url, image_prompt)
VALUES ($1, $2, $3, $4, $5);
`, book.ID, page.PageNumber, page.Text, page.ImageURL, page.ImagePrompt); err != nil {
			return fmt.Errorf("insert page %d: %w", page.PageNumber, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit storybook insert: %w", err)
	}
	return nil
}

// GetByID fetches a storybook with its pages in order.
func (r *StorybookRepositoryPG) GetByID(ctx context.Context, id string) (*domain.Storybook, error) {
	row := r.pool.QueryRow(ctx, `
SELECT id, user_id, title, cover_image_url, back_cover_image_url,
       character_description, default_clothing, art_style, inspiration_image_urls,
       created_at, updated_at
FROM storybooks
WHERE id = $1;
`, id)

	var book domain.Storybook
	if err := row.Scan(
		&book.ID,
		&book.UserID,
		&book.Title,
		&book.CoverImageURL,
		&book.BackCoverImageURL,
		&book.CharacterDescription,
		&book.DefaultClothing,
		&book.ArtStyle,
		&book.InspirationImageURLs,
		&book.CreatedAt,
		&book.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}

	rows, err := r.pool.Query(ctx, `
SELECT page_number, text, image_url, image_prompt
FROM storybook_pages
WHERE storybook_id = $1
ORDER BY page_number ASC;
`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var page domain.Page
		if err := rows.Scan(&page.PageNumber, &page.Text, &page.ImageURL, &page.ImagePrompt); err != nil {
			return nil, err
		}
		book.Pages = append(book.Pages, page)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &book, nil
}

// UpdatePage replaces exactly one page's content.
func (r *StorybookRepositoryPG) UpdatePage(ctx context.Context, storybookID string, pageNumber int, update domain.PageUpdate) error {
	tag, err := r.pool.Exec(ctx, `
UPDATE storybook_pages
SET text = $3,
    image_url = $4,
    image_prompt = $5
WHERE storybook_id = $1 AND page_number = $2;
`, storybookID, pageNumber, update.Text, update.ImageURL, update.ImagePrompt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	_, err = r.pool.Exec(ctx, `UPDATE storybooks SET updated_at = NOW() WHERE id = $1;`, storybookID)
	return err
}
