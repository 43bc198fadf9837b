package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/storyforge/server/internal/domain"
	"github.com/storyforge/server/internal/generation"
	"github.com/storyforge/server/internal/middleware"
)

const (
	maxUploadBytes = 32 << 20
	maxPhotos      = 5
)

type submitResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

type progressResponse struct {
	Step        string `json:"step"`
	Percent     int    `json:"percent"`
	Message     string `json:"message"`
	ErrorDetail string `json:"error_detail,omitempty"`
	StorybookID string `json:"storybook_id,omitempty"`
}

type pageResponse struct {
	PageNumber  int    `json:"page_number"`
	Text        string `json:"text"`
	ImageURL    string `json:"image_url"`
	ImagePrompt string `json:"image_prompt"`
}

type storybookResponse struct {
	ID                string         `json:"id"`
	Title             string         `json:"title"`
	CoverImageURL     string         `json:"cover_image_url"`
	BackCoverImageURL string         `json:"back_cover_image_url"`
	ArtStyle          string         `json:"art_style"`
	Pages             []pageResponse `json:"pages"`
}

// SubmitStorybook accepts a multipart generation request, stages the uploaded
// reference photos and launches the background job. The response carries only
// the polling key; everything else is observed through progress polling.
func (a *App) SubmitStorybook(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid multipart payload")
		return
	}

	jobID := uuid.NewString()
	job := domain.GenerationJob{
		ID:          jobID,
		RequesterID: requesterID(r),
		Prompt:      r.FormValue("prompt"),
		ArtStyle:    r.FormValue("art_style"),
		Author:      r.FormValue("author"),
		Language:    middleware.LocaleFromContext(r.Context()),
	}
	if v := r.FormValue("page_count"); v != "" {
		count, err := strconv.Atoi(v)
		if err != nil {
			a.error(w, http.StatusBadRequest, "bad_request", "page_count must be a number")
			return
		}
		job.PageCount = count
	}
	if v := r.FormValue("reader_age"); v != "" {
		age, err := strconv.Atoi(v)
		if err != nil || age < 0 {
			a.error(w, http.StatusBadRequest, "bad_request", "reader_age must be a non-negative number")
			return
		}
		job.ReaderAge = age
	}

	if r.MultipartForm != nil {
		photos := r.MultipartForm.File["photos"]
		if len(photos) > maxPhotos {
			a.error(w, http.StatusBadRequest, "bad_request", "too many reference photos")
			return
		}
		for i, header := range photos {
			f, err := header.Open()
			if err != nil {
				a.error(w, http.StatusBadRequest, "bad_request", "could not read uploaded photo")
				return
			}
			path, err := a.Staging.StageUpload(jobID, i, header.Filename, f)
			f.Close()
			if err != nil {
				a.Logger.Error().Err(err).Str("job_id", jobID).Msg("handlers: staging upload failed")
				a.error(w, http.StatusInternalServerError, "internal", "could not stage uploaded photo")
				return
			}
			job.ReferenceImages = append(job.ReferenceImages, path)
		}
	}

	id, err := a.Generator.StartGeneration(job)
	if err != nil {
		if cleanupErr := a.Staging.CleanupJob(jobID); cleanupErr != nil {
			a.Logger.Warn().Err(cleanupErr).Str("job_id", jobID).Msg("handlers: upload cleanup failed")
		}
		if errors.Is(err, domain.ErrValidation) {
			a.error(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		a.error(w, http.StatusInternalServerError, "internal", "could not start generation")
		return
	}

	a.json(w, http.StatusAccepted, submitResponse{JobID: id, Status: string(domain.StepSubmitted)})
}

// GenerationProgress returns the latest progress record for a job.
func (a *App) GenerationProgress(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if jobID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "job_id required")
		return
	}
	record, err := a.Generator.GetProgress(jobID)
	if err != nil {
		a.error(w, http.StatusNotFound, "not_found", "unknown or expired job")
		return
	}
	a.json(w, http.StatusOK, progressResponse{
		Step:        string(record.Step),
		Percent:     record.Percent,
		Message:     record.Message,
		ErrorDetail: record.ErrorDetail,
		StorybookID: record.StorybookID,
	})
}

// GetStorybook fetches a persisted storybook.
func (a *App) GetStorybook(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	book, err := a.Books.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusNotFound, "not_found", "storybook not found")
			return
		}
		a.error(w, http.StatusInternalServerError, "internal", "could not load storybook")
		return
	}
	a.json(w, http.StatusOK, storybookView(book))
}

type regeneratePageRequest struct {
	Text        string `json:"text"`
	ImagePrompt string `json:"image_prompt"`
}

// RegeneratePage re-renders a single page of a persisted storybook.
func (a *App) RegeneratePage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	pageNumber, err := strconv.Atoi(chi.URLParam(r, "page"))
	if err != nil || pageNumber < 1 {
		a.error(w, http.StatusBadRequest, "bad_request", "page must be a positive number")
		return
	}

	var req regeneratePageRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
			return
		}
	}

	page, err := a.Generator.RegeneratePage(r.Context(), id, pageNumber, requesterID(r), generation.RegenerateRequest{
		Text:        strings.TrimSpace(req.Text),
		ImagePrompt: strings.TrimSpace(req.ImagePrompt),
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			a.error(w, http.StatusNotFound, "not_found", "storybook or page not found")
		case errors.Is(err, domain.ErrForbidden):
			a.error(w, http.StatusForbidden, "forbidden", "storybook belongs to another user")
		default:
			a.Logger.Error().Err(err).Str("storybook_id", id).Msg("handlers: page regeneration failed")
			a.error(w, http.StatusBadGateway, "upstream", "page regeneration failed")
		}
		return
	}

	a.json(w, http.StatusOK, pageResponse{
		PageNumber:  page.PageNumber,
		Text:        page.Text,
		ImageURL:    page.ImageURL,
		ImagePrompt: page.ImagePrompt,
	})
}

func storybookView(book *domain.Storybook) storybookResponse {
	pages := make([]pageResponse, 0, len(book.Pages))
	for _, p := range book.Pages {
		pages = append(pages, pageResponse{
			PageNumber:  p.PageNumber,
			Text:        p.Text,
			ImageURL:    p.ImageURL,
			ImagePrompt: p.ImagePrompt,
		})
	}
	return storybookResponse{
		ID:                book.ID,
		Title:             book.Title,
		CoverImageURL:     book.CoverImageURL,
		BackCoverImageURL: book.BackCoverImageURL,
		ArtStyle:          book.ArtStyle,
		Pages:             pages,
	}
}
