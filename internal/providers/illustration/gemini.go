package illustration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/storyforge/server/internal/domain"
	"github.com/storyforge/server/internal/providers/genai"
)

const defaultMaxElapsed = 2 * time.Minute

// GeminiRenderer renders illustrations through the shared Gemini client.
// Transient upstream failures are retried with exponential backoff; the
// orchestration layer above performs no retries of its own.
type GeminiRenderer struct {
	client     *genai.Client
	newBackoff func() backoff.BackOff
}

// RendererOption customizes a GeminiRenderer.
type RendererOption func(*GeminiRenderer)

// WithBackoff overrides the retry policy factory.
func WithBackoff(factory func() backoff.BackOff) RendererOption {
	return func(r *GeminiRenderer) { r.newBackoff = factory }
}

// NewGeminiRenderer constructs a GeminiRenderer with the default retry policy.
func NewGeminiRenderer(client *genai.Client, opts ...RendererOption) *GeminiRenderer {
	r := &GeminiRenderer{
		client: client,
		newBackoff: func() backoff.BackOff {
			policy := backoff.NewExponentialBackOff()
			policy.MaxElapsedTime = defaultMaxElapsed
			return policy
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Render generates one illustration and writes it into req.OutputDir.
func (r *GeminiRenderer) Render(ctx context.Context, req Request) (string, error) {
	var result *genai.ImageResult
	operation := func() error {
		res, err := r.client.GenerateImage(ctx, genai.ImageRequest{
			Prompt:              req.Prompt,
			ReferenceImagePaths: req.ReferenceImagePaths,
			ArtStyle:            req.ArtStyle,
			AspectRatio:         req.AspectRatio,
			RequestID:           req.RequestID,
		})
		if err != nil {
			return err
		}
		result = res
		return nil
	}
	if err := backoff.Retry(operation, backoff.WithContext(r.newBackoff(), ctx)); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrIllustration, err)
	}

	path := filepath.Join(req.OutputDir, fmt.Sprintf("render-%s%s", uuid.NewString(), extensionForFormat(result.Format)))
	if err := os.WriteFile(path, result.Data, 0o644); err != nil {
		return "", fmt.Errorf("%w: write rendered image: %v", domain.ErrIllustration, err)
	}
	return path, nil
}

func extensionForFormat(format string) string {
	switch format {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".png"
	}
}
