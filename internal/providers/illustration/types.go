package illustration

import "context"

// Request describes one illustration rendering call. OutputDir is the job's
// staging directory; the rendered file is written there and its path returned.
type Request struct {
	Prompt              string
	ReferenceImagePaths []string
	ArtStyle            string
	AspectRatio         string
	OutputDir           string
	RequestID           string
}

// Renderer is the contract implemented by all illustration providers.
type Renderer interface {
	Render(ctx context.Context, req Request) (string, error)
}
