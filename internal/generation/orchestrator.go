package generation

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/storyforge/server/internal/domain"
	"github.com/storyforge/server/internal/infra"
	"github.com/storyforge/server/internal/providers/illustration"
	"github.com/storyforge/server/internal/providers/story"
	"github.com/storyforge/server/internal/publisher"
	"github.com/storyforge/server/internal/storage"
)

// Stage percent budgets. The illustration stage interpolates linearly across
// pageCount+2 image operations (cover, pages, back cover).
const (
	percentProcessingImages  = 10
	percentStoryStart        = 25
	percentStoryDone         = 45
	percentIllustrationStart = 50
	percentIllustrationEnd   = 92
	percentFinalizing        = 95
	percentDone              = 100
)

const pageAspectRatio = "3:4"

// Options wires an Orchestrator's collaborators.
type Options struct {
	Story       story.Generator
	Illustrator illustration.Renderer
	Publisher   publisher.Publisher
	Books       domain.StorybookRepository
	Progress    ProgressStore
	Staging     *storage.Staging
	Logger      infra.Logger
	// MaxConcurrentJobs bounds the number of jobs generating at once.
	// Submission never blocks; queued jobs wait inside their own task.
	MaxConcurrentJobs int
}

// Orchestrator drives a generation job from submission to a persisted
// storybook. Each job runs as one detached task; the only externally
// observable interface while it runs is the progress store.
type Orchestrator struct {
	story       story.Generator
	illustrator illustration.Renderer
	publisher   publisher.Publisher
	books       domain.StorybookRepository
	progress    ProgressStore
	staging     *storage.Staging
	logger      infra.Logger
	sem         *semaphore.Weighted
	running     sync.Map // jobID -> chan struct{}, closed when the task ends
}

// New constructs an Orchestrator.
func New(opts Options) *Orchestrator {
	progress := opts.Progress
	if progress == nil {
		progress = NewTracker(0)
	}
	var sem *semaphore.Weighted
	if opts.MaxConcurrentJobs > 0 {
		sem = semaphore.NewWeighted(int64(opts.MaxConcurrentJobs))
	}
	return &Orchestrator{
		story:       opts.Story,
		illustrator: opts.Illustrator,
		publisher:   opts.Publisher,
		books:       opts.Books,
		progress:    progress,
		staging:     opts.Staging,
		logger:      opts.Logger,
		sem:         sem,
	}
}

// StartGeneration validates the job, records the submitted state and launches
// the background task. It returns the polling key immediately; the caller has
// no handle to await or cancel the task.
func (o *Orchestrator) StartGeneration(job domain.GenerationJob) (string, error) {
	job.Normalize()
	if err := job.Validate(); err != nil {
		return "", err
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}

	o.progress.Set(job.ID, domain.ProgressRecord{
		Step:    domain.StepSubmitted,
		Percent: 0,
		Message: "Storybook request received",
	})

	done := make(chan struct{})
	o.running.Store(job.ID, done)
	go func() {
		defer func() {
			o.running.Delete(job.ID)
			close(done)
		}()
		o.run(job)
	}()

	return job.ID, nil
}

// GetProgress returns the latest progress record for the job.
func (o *Orchestrator) GetProgress(jobID string) (domain.ProgressRecord, error) {
	return o.progress.Get(jobID)
}

// Wait blocks until the job's background task has finished. Jobs that already
// reached a terminal state return immediately.
func (o *Orchestrator) Wait(jobID string) {
	if v, ok := o.running.Load(jobID); ok {
		<-v.(chan struct{})
	}
}

func (o *Orchestrator) run(job domain.GenerationJob) {
	ctx := context.Background()
	logger := o.logger.With().Str("job_id", job.ID).Logger()
	defer o.cleanup(job.ID, logger)

	if o.sem != nil {
		if err := o.sem.Acquire(ctx, 1); err != nil {
			o.fail(job.ID, logger, "Could not schedule the job", err)
			return
		}
		defer o.sem.Release(1)
	}

	// Stage 1: cheap bookkeeping over the staged reference photos.
	o.progress.Set(job.ID, record(domain.StepProcessingImages, percentProcessingImages, "Preparing reference photos"))
	if err := validateReferences(job.ReferenceImages); err != nil {
		o.fail(job.ID, logger, "Could not read the uploaded photos", err)
		return
	}
	inspirationURLs, err := o.publishInspiration(ctx, job)
	if err != nil {
		o.fail(job.ID, logger, "Storing reference photos failed", err)
		return
	}

	// Stage 2: one structured story call. No partial story is kept on failure.
	o.progress.Set(job.ID, record(domain.StepGeneratingStory, percentStoryStart, "Writing the story"))
	generated, err := o.story.Generate(ctx, story.Request{
		Prompt:              job.Prompt,
		ReferenceImagePaths: job.ReferenceImages,
		PageCount:           job.PageCount,
		ArtStyle:            job.ArtStyle,
		Language:            job.Language,
		ReaderAge:           job.ReaderAge,
		Author:              job.Author,
		RequestID:           job.ID,
	})
	if err != nil {
		o.fail(job.ID, logger, "Story generation failed", err)
		return
	}
	o.progress.Set(job.ID, record(domain.StepGeneratingStory, percentStoryDone, fmt.Sprintf("Story %q written", generated.Title)))

	artStyle := generated.ArtStyleHint
	if artStyle == "" {
		artStyle = job.ArtStyle
	}
	book := &domain.Storybook{
		ID:                   uuid.NewString(),
		UserID:               job.RequesterID,
		Title:                generated.Title,
		CharacterDescription: generated.CharacterDescription,
		DefaultClothing:      generated.DefaultClothing,
		ArtStyle:             artStyle,
		InspirationImageURLs: inspirationURLs,
	}

	dir, err := o.staging.JobDir(job.ID)
	if err != nil {
		o.fail(job.ID, logger, "Preparing the work directory failed", err)
		return
	}

	// Stage 3: cover, then each page in order, then the back cover. Strictly
	// sequential: every image after the cover references the cover.
	total := job.PageCount + 2
	completed := 0
	o.progress.Set(job.ID, record(domain.StepGeneratingIllustrations, percentIllustrationStart, "Illustrating the cover"))

	coverRefs := BuildReferences(KindCover, job.ReferenceImages, "")
	coverLocal, coverURL, err := o.renderAndPublish(ctx, job.ID, dir, coverPrompt(generated), coverRefs, artStyle, "cover")
	if err != nil {
		o.fail(job.ID, logger, "Cover illustration failed", err)
		return
	}
	book.CoverImageURL = coverURL
	completed++
	o.progress.Set(job.ID, record(domain.StepGeneratingIllustrations, illustrationPercent(completed, total), "Cover ready"))

	for _, page := range generated.Pages {
		refs := BuildReferences(KindPage, job.ReferenceImages, coverLocal)
		_, pageURL, err := o.renderAndPublish(ctx, job.ID, dir, page.ImagePrompt, refs, artStyle, fmt.Sprintf("page-%02d", page.PageNumber))
		if err != nil {
			o.fail(job.ID, logger, fmt.Sprintf("Illustration for page %d failed", page.PageNumber), err)
			return
		}
		book.Pages = append(book.Pages, domain.Page{
			PageNumber:  page.PageNumber,
			Text:        page.Text,
			ImageURL:    pageURL,
			ImagePrompt: page.ImagePrompt,
		})
		completed++
		o.progress.Set(job.ID, record(domain.StepGeneratingIllustrations, illustrationPercent(completed, total),
			fmt.Sprintf("Illustrated page %d of %d", page.PageNumber, job.PageCount)))
	}

	backRefs := BuildReferences(KindBackCover, job.ReferenceImages, coverLocal)
	_, backURL, err := o.renderAndPublish(ctx, job.ID, dir, backCoverPrompt(generated), backRefs, artStyle, "back-cover")
	if err != nil {
		o.fail(job.ID, logger, "Back cover illustration failed", err)
		return
	}
	book.BackCoverImageURL = backURL
	completed++
	o.progress.Set(job.ID, record(domain.StepGeneratingIllustrations, illustrationPercent(completed, total), "Back cover ready"))

	// Stage 4: a single atomic write from the fully built in-memory book.
	o.progress.Set(job.ID, record(domain.StepFinalizing, percentFinalizing, "Saving your storybook"))
	if err := o.books.Create(ctx, book); err != nil {
		o.fail(job.ID, logger, "Saving the storybook failed", err)
		return
	}

	o.progress.Set(job.ID, domain.ProgressRecord{
		Step:        domain.StepDone,
		Percent:     percentDone,
		Message:     "Your storybook is ready",
		StorybookID: book.ID,
	})
	logger.Info().Str("storybook_id", book.ID).Int("pages", len(book.Pages)).Msg("orchestrator: job finished")
}

// renderAndPublish runs one illustration operation: render into the job's
// staging directory, then publish under a job-scoped asset key. Published
// assets from jobs that later fail are never referenced by any persisted
// record; they are storage-cost orphans, not correctness hazards.
func (o *Orchestrator) renderAndPublish(ctx context.Context, jobID, dir, prompt string, refs []string, artStyle, name string) (string, string, error) {
	localPath, err := o.illustrator.Render(ctx, illustration.Request{
		Prompt:              prompt,
		ReferenceImagePaths: refs,
		ArtStyle:            artStyle,
		AspectRatio:         pageAspectRatio,
		OutputDir:           dir,
		RequestID:           jobID,
	})
	if err != nil {
		return "", "", err
	}
	url, err := o.publisher.Publish(ctx, localPath, assetKey(jobID, name+filepath.Ext(localPath)))
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", domain.ErrPublish, err)
	}
	return localPath, url, nil
}

// publishInspiration uploads the user's reference photos so later single-page
// regeneration can anchor to them after the staged copies are gone.
func (o *Orchestrator) publishInspiration(ctx context.Context, job domain.GenerationJob) ([]string, error) {
	if len(job.ReferenceImages) == 0 {
		return nil, nil
	}
	urls := make([]string, 0, len(job.ReferenceImages))
	for i, path := range job.ReferenceImages {
		key := assetKey(job.ID, fmt.Sprintf("inspiration-%02d%s", i+1, filepath.Ext(path)))
		url, err := o.publisher.Publish(ctx, path, key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrPublish, err)
		}
		urls = append(urls, url)
	}
	return urls, nil
}

// fail converts any task error into the terminal failed record. The raw error
// detail is preserved for diagnostics; nothing is re-thrown, there is no
// caller connected to a background task.
func (o *Orchestrator) fail(jobID string, logger infra.Logger, message string, err error) {
	logger.Error().Err(err).Msg("orchestrator: job failed")
	o.progress.Set(jobID, domain.ProgressRecord{
		Step:        domain.StepFailed,
		Message:     message,
		ErrorDetail: err.Error(),
	})
}

// cleanup removes every locally staged temporary file of the job, on success
// and on failure alike. Cleanup trouble is logged, never escalated.
func (o *Orchestrator) cleanup(jobID string, logger infra.Logger) {
	if err := o.staging.CleanupJob(jobID); err != nil {
		logger.Warn().Err(err).Msg("orchestrator: temp file cleanup failed")
	}
}

func record(step domain.Step, percent int, message string) domain.ProgressRecord {
	return domain.ProgressRecord{Step: step, Percent: percent, Message: message}
}

func illustrationPercent(completed, total int) int {
	span := percentIllustrationEnd - percentIllustrationStart
	return percentIllustrationStart + span*completed/total
}

func assetKey(scopeID, name string) string {
	return fmt.Sprintf("storybooks/%s/%s", scopeID, name)
}

func validateReferences(paths []string) error {
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("reference image %s: %w", filepath.Base(path), err)
		}
		if info.IsDir() || info.Size() == 0 {
			return fmt.Errorf("reference image %s is empty", filepath.Base(path))
		}
	}
	return nil
}

func coverPrompt(generated *domain.GeneratedStory) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Front cover illustration for a children's storybook titled %q.", generated.Title)
	if generated.CharacterDescription != "" {
		fmt.Fprintf(&b, " The main character is %s", generated.CharacterDescription)
		if generated.DefaultClothing != "" {
			fmt.Fprintf(&b, ", wearing %s", generated.DefaultClothing)
		}
		b.WriteString(".")
	}
	b.WriteString(" Warm, inviting composition with gentle space for the title text.")
	return b.String()
}

func backCoverPrompt(generated *domain.GeneratedStory) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Back cover illustration for the storybook %q: a calm closing scene.", generated.Title)
	if generated.CharacterDescription != "" {
		fmt.Fprintf(&b, " Show %s from behind or at rest, matching the cover.", generated.CharacterDescription)
	}
	b.WriteString(" No text.")
	return b.String()
}
