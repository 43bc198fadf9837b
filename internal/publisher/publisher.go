package publisher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/storyforge/server/internal/storage"
)

// Publisher turns a local binary into a durably fetchable URL. Implementations
// stand in for object storage; the pipeline depends only on this contract.
type Publisher interface {
	// Publish uploads the file at localPath under the given logical key and
	// returns its public URL.
	Publish(ctx context.Context, localPath, key string) (string, error)
	// Delete removes a previously published asset. Best effort; callers treat
	// failures as non-fatal.
	Delete(ctx context.Context, key string) error
	// Retrieve fetches a previously published asset back into destDir and
	// returns the local file path, so it can be fed to the illustration client
	// as a reference image.
	Retrieve(ctx context.Context, url, destDir string) (string, error)
}

// FilePublisher publishes assets into a local FileStore and addresses them
// under a public base URL, typically served by the API's static file route.
type FilePublisher struct {
	store   *storage.FileStore
	baseURL string
}

// NewFilePublisher wires a publisher on top of the given store and base URL.
func NewFilePublisher(store *storage.FileStore, baseURL string) (*FilePublisher, error) {
	if store == nil {
		return nil, errors.New("publisher: store is required")
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("publisher: base url is required")
	}
	return &FilePublisher{store: store, baseURL: baseURL}, nil
}

// Publish copies the local file into the store and returns its public URL.
func (p *FilePublisher) Publish(ctx context.Context, localPath, key string) (string, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", fmt.Errorf("publisher: read local file: %w", err)
	}
	storedKey, err := p.store.Write(ctx, key, data)
	if err != nil {
		return "", fmt.Errorf("publisher: store asset: %w", err)
	}
	return p.baseURL + "/" + storedKey, nil
}

// Delete removes the asset stored under the given key.
func (p *FilePublisher) Delete(ctx context.Context, key string) error {
	return p.store.Remove(ctx, key)
}

// Retrieve copies a published asset back to a local file. Only URLs under this
// publisher's base URL can be resolved.
func (p *FilePublisher) Retrieve(ctx context.Context, url, destDir string) (string, error) {
	key, ok := p.KeyForURL(url)
	if !ok {
		return "", fmt.Errorf("publisher: url %q is not served by this store", url)
	}
	data, err := p.store.Read(ctx, key)
	if err != nil {
		return "", err
	}
	path := filepath.Join(destDir, filepath.Base(key))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("publisher: write local copy: %w", err)
	}
	return path, nil
}

// KeyForURL maps a public URL back to its storage key.
func (p *FilePublisher) KeyForURL(url string) (string, bool) {
	if !strings.HasPrefix(url, p.baseURL+"/") {
		return "", false
	}
	return strings.TrimPrefix(url, p.baseURL+"/"), true
}
