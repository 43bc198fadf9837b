package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/storyforge/server/internal/domain"
	"github.com/storyforge/server/internal/generation"
	"github.com/storyforge/server/internal/infra"
	"github.com/storyforge/server/internal/storage"
)

// GenerationService is the slice of the orchestrator the HTTP layer consumes.
type GenerationService interface {
	StartGeneration(job domain.GenerationJob) (string, error)
	GetProgress(jobID string) (domain.ProgressRecord, error)
	RegeneratePage(ctx context.Context, storybookID string, pageNumber int, requesterID *string, req generation.RegenerateRequest) (*domain.Page, error)
}

// App bundles the dependencies shared by all HTTP handlers.
type App struct {
	Logger    infra.Logger
	Generator GenerationService
	Books     domain.StorybookRepository
	Staging   *storage.Staging
	StaticDir string
}

// NewApp constructs the handler container.
func NewApp(logger infra.Logger, generator GenerationService, books domain.StorybookRepository, staging *storage.Staging, staticDir string) *App {
	return &App{
		Logger:    logger,
		Generator: generator,
		Books:     books,
		Staging:   staging,
		StaticDir: staticDir,
	}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, slug, message string) {
	a.json(w, code, map[string]string{"error": slug, "message": message})
}

// requesterID reads the authenticated user identity the (external) auth layer
// forwards with the request. Anonymous submissions carry no identity.
func requesterID(r *http.Request) *string {
	id := strings.TrimSpace(r.Header.Get("X-User-ID"))
	if id == "" {
		return nil
	}
	return &id
}
