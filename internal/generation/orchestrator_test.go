package generation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/storyforge/server/internal/domain"
	"github.com/storyforge/server/internal/providers/illustration"
	"github.com/storyforge/server/internal/providers/story"
	"github.com/storyforge/server/internal/storage"
)

type fakeStory struct {
	mu    sync.Mutex
	calls []story.Request
	err   error
}

func (f *fakeStory) Generate(ctx context.Context, req story.Request) (*domain.GeneratedStory, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	pages := make([]domain.StoryPage, req.PageCount)
	for i := range pages {
		pages[i] = domain.StoryPage{
			PageNumber:  i + 1,
			Text:        fmt.Sprintf("page %d text", i+1),
			ImagePrompt: fmt.Sprintf("page %d scene", i+1),
		}
	}
	return &domain.GeneratedStory{
		Title:                "The Brave Rabbit",
		Pages:                pages,
		CharacterDescription: "a small grey rabbit",
		DefaultClothing:      "a red scarf",
		ArtStyleHint:         req.ArtStyle,
	}, nil
}

type fakeRenderer struct {
	mu    sync.Mutex
	calls []illustration.Request
	err   error
}

func (f *fakeRenderer) Render(ctx context.Context, req illustration.Request) (string, error) {
	f.mu.Lock()
	recorded := req
	recorded.ReferenceImagePaths = append([]string(nil), req.ReferenceImagePaths...)
	f.calls = append(f.calls, recorded)
	n := len(f.calls)
	f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	path := filepath.Join(req.OutputDir, fmt.Sprintf("render-%02d.png", n))
	if err := os.WriteFile(path, []byte("png bytes"), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (f *fakeRenderer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakePublisher struct {
	mu        sync.Mutex
	published []string
}

func (f *fakePublisher) Publish(ctx context.Context, localPath, key string) (string, error) {
	if _, err := os.Stat(localPath); err != nil {
		return "", err
	}
	f.mu.Lock()
	f.published = append(f.published, key)
	f.mu.Unlock()
	return "https://cdn.test/" + key, nil
}

func (f *fakePublisher) Delete(ctx context.Context, key string) error { return nil }

func (f *fakePublisher) Retrieve(ctx context.Context, url, destDir string) (string, error) {
	path := filepath.Join(destDir, filepath.Base(url))
	if err := os.WriteFile(path, []byte("retrieved "+url), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

type fakeBooks struct {
	mu      sync.Mutex
	created []*domain.Storybook
	byID    map[string]*domain.Storybook
}

func newFakeBooks() *fakeBooks {
	return &fakeBooks{byID: make(map[string]*domain.Storybook)}
}

func (f *fakeBooks) Create(ctx context.Context, book *domain.Storybook) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *book
	clone.Pages = append([]domain.Page(nil), book.Pages...)
	f.created = append(f.created, &clone)
	f.byID[clone.ID] = &clone
	return nil
}

func (f *fakeBooks) GetByID(ctx context.Context, id string) (*domain.Storybook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	book, ok := f.byID[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	clone := *book
	clone.Pages = append([]domain.Page(nil), book.Pages...)
	return &clone, nil
}

func (f *fakeBooks) UpdatePage(ctx context.Context, storybookID string, pageNumber int, update domain.PageUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	book, ok := f.byID[storybookID]
	if !ok {
		return domain.ErrNotFound
	}
	for i := range book.Pages {
		if book.Pages[i].PageNumber == pageNumber {
			book.Pages[i].Text = update.Text
			book.Pages[i].ImageURL = update.ImageURL
			book.Pages[i].ImagePrompt = update.ImagePrompt
			return nil
		}
	}
	return domain.ErrNotFound
}

// recordingStore wraps a Tracker and keeps every record, in order, per job.
type recordingStore struct {
	inner   *Tracker
	mu      sync.Mutex
	history map[string][]domain.ProgressRecord
}

func newRecordingStore() *recordingStore {
	return &recordingStore{inner: NewTracker(0), history: make(map[string][]domain.ProgressRecord)}
}

func (s *recordingStore) Set(jobID string, record domain.ProgressRecord) {
	s.inner.Set(jobID, record)
	stored, _ := s.inner.Get(jobID)
	s.mu.Lock()
	s.history[jobID] = append(s.history[jobID], stored)
	s.mu.Unlock()
}

func (s *recordingStore) Get(jobID string) (domain.ProgressRecord, error) { return s.inner.Get(jobID) }
func (s *recordingStore) Clear(jobID string)                              { s.inner.Clear(jobID) }

func (s *recordingStore) records(jobID string) []domain.ProgressRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ProgressRecord(nil), s.history[jobID]...)
}

type testEnv struct {
	orchestrator *Orchestrator
	story        *fakeStory
	renderer     *fakeRenderer
	publisher    *fakePublisher
	books        *fakeBooks
	progress     *recordingStore
	staging      *storage.Staging
	stagingPath  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	stagingPath := t.TempDir()
	staging, err := storage.NewStaging(stagingPath)
	if err != nil {
		t.Fatalf("NewStaging returned error: %v", err)
	}
	env := &testEnv{
		story:       &fakeStory{},
		renderer:    &fakeRenderer{},
		publisher:   &fakePublisher{},
		books:       newFakeBooks(),
		progress:    newRecordingStore(),
		staging:     staging,
		stagingPath: stagingPath,
	}
	env.orchestrator = New(Options{
		Story:       env.story,
		Illustrator: env.renderer,
		Publisher:   env.publisher,
		Books:       env.books,
		Progress:    env.progress,
		Staging:     staging,
		Logger:      zerolog.Nop(),
	})
	return env
}

func (e *testEnv) runJob(t *testing.T, job domain.GenerationJob) string {
	t.Helper()
	jobID, err := e.orchestrator.StartGeneration(job)
	if err != nil {
		t.Fatalf("StartGeneration returned error: %v", err)
	}
	e.orchestrator.Wait(jobID)
	return jobID
}

func TestGenerationSucceedsWithoutReferencePhotos(t *testing.T) {
	env := newTestEnv(t)

	jobID := env.runJob(t, domain.GenerationJob{Prompt: "a brave rabbit", PageCount: 3})

	final, err := env.orchestrator.GetProgress(jobID)
	if err != nil {
		t.Fatalf("GetProgress returned error: %v", err)
	}
	if final.Step != domain.StepDone {
		t.Fatalf("final step = %q, want %q (detail: %s)", final.Step, domain.StepDone, final.ErrorDetail)
	}
	if final.Percent != 100 {
		t.Fatalf("final percent = %d, want 100", final.Percent)
	}
	if final.StorybookID == "" {
		t.Fatal("final record is missing the storybook id")
	}

	if len(env.books.created) != 1 {
		t.Fatalf("storybooks created = %d, want exactly 1", len(env.books.created))
	}
	book := env.books.created[0]
	if book.ID != final.StorybookID {
		t.Fatalf("persisted id %q does not match progress id %q", book.ID, final.StorybookID)
	}
	if len(book.Pages) != 3 {
		t.Fatalf("pages = %d, want 3", len(book.Pages))
	}
	for i, page := range book.Pages {
		if page.PageNumber != i+1 {
			t.Fatalf("pages[%d].PageNumber = %d, want %d", i, page.PageNumber, i+1)
		}
		if page.ImageURL == "" {
			t.Fatalf("pages[%d] has no image url", i)
		}
	}
	if book.CoverImageURL == "" || book.BackCoverImageURL == "" {
		t.Fatalf("cover %q / back cover %q must both be set", book.CoverImageURL, book.BackCoverImageURL)
	}

	// cover + 3 pages + back cover
	if got := env.renderer.callCount(); got != 5 {
		t.Fatalf("render calls = %d, want 5", got)
	}
}

func TestProgressPercentIsMonotonic(t *testing.T) {
	env := newTestEnv(t)

	jobID := env.runJob(t, domain.GenerationJob{Prompt: "a brave rabbit", PageCount: 4})

	records := env.progress.records(jobID)
	if len(records) == 0 {
		t.Fatal("no progress records observed")
	}
	last := -1
	for i, record := range records {
		if record.Percent < last {
			t.Fatalf("records[%d].Percent = %d, regressed below %d", i, record.Percent, last)
		}
		last = record.Percent
	}
	if records[len(records)-1].Step != domain.StepDone {
		t.Fatalf("last step = %q, want %q", records[len(records)-1].Step, domain.StepDone)
	}
}

func TestStoryFailureSkipsIllustrations(t *testing.T) {
	env := newTestEnv(t)
	env.story.err = errors.New("model unavailable")

	jobID := env.runJob(t, domain.GenerationJob{Prompt: "a brave rabbit", PageCount: 3})

	final, err := env.orchestrator.GetProgress(jobID)
	if err != nil {
		t.Fatalf("GetProgress returned error: %v", err)
	}
	if final.Step != domain.StepFailed {
		t.Fatalf("final step = %q, want %q", final.Step, domain.StepFailed)
	}
	if final.ErrorDetail == "" {
		t.Fatal("failed record is missing the error detail")
	}
	if got := env.renderer.callCount(); got != 0 {
		t.Fatalf("render calls = %d, want 0", got)
	}
	if len(env.books.created) != 0 {
		t.Fatalf("storybooks created = %d, want 0", len(env.books.created))
	}
}

func TestReferenceChainIncludesCoverAfterInspiration(t *testing.T) {
	env := newTestEnv(t)

	jobID := "job-with-photos"
	dir, err := env.staging.JobDir(jobID)
	if err != nil {
		t.Fatalf("JobDir returned error: %v", err)
	}
	photo1 := filepath.Join(dir, "reference-01.jpg")
	photo2 := filepath.Join(dir, "reference-02.jpg")
	for _, p := range []string{photo1, photo2} {
		if err := os.WriteFile(p, []byte("photo"), 0o644); err != nil {
			t.Fatalf("write photo: %v", err)
		}
	}

	env.runJob(t, domain.GenerationJob{
		ID:              jobID,
		Prompt:          "a brave rabbit",
		PageCount:       1,
		ReferenceImages: []string{photo1, photo2},
	})

	final, _ := env.orchestrator.GetProgress(jobID)
	if final.Step != domain.StepDone {
		t.Fatalf("final step = %q, want done (detail: %s)", final.Step, final.ErrorDetail)
	}

	env.renderer.mu.Lock()
	calls := append([]illustration.Request(nil), env.renderer.calls...)
	env.renderer.mu.Unlock()
	if len(calls) != 3 {
		t.Fatalf("render calls = %d, want 3", len(calls))
	}

	cover := calls[0]
	if len(cover.ReferenceImagePaths) != 2 ||
		cover.ReferenceImagePaths[0] != photo1 || cover.ReferenceImagePaths[1] != photo2 {
		t.Fatalf("cover references = %v, want [%s %s]", cover.ReferenceImagePaths, photo1, photo2)
	}

	coverLocal := filepath.Join(dir, "render-01.png")
	for i, call := range calls[1:] {
		refs := call.ReferenceImagePaths
		if len(refs) != 3 {
			t.Fatalf("calls[%d] references = %v, want 3 entries", i+1, refs)
		}
		if refs[0] != photo1 || refs[1] != photo2 {
			t.Fatalf("calls[%d] inspiration order = %v, want photos first", i+1, refs[:2])
		}
		if refs[2] != coverLocal {
			t.Fatalf("calls[%d] last reference = %q, want cover %q", i+1, refs[2], coverLocal)
		}
	}
}

func TestStagedFilesAreCleanedUp(t *testing.T) {
	env := newTestEnv(t)

	jobID := env.runJob(t, domain.GenerationJob{Prompt: "a brave rabbit", PageCount: 2})

	if _, err := os.Stat(filepath.Join(env.stagingPath, jobID)); !os.IsNotExist(err) {
		t.Fatalf("staging dir for job %s still exists (err=%v)", jobID, err)
	}
}

func TestStagedFilesAreCleanedUpOnFailure(t *testing.T) {
	env := newTestEnv(t)
	env.renderer.err = errors.New("render quota exceeded")

	jobID := env.runJob(t, domain.GenerationJob{Prompt: "a brave rabbit", PageCount: 2})

	final, _ := env.orchestrator.GetProgress(jobID)
	if final.Step != domain.StepFailed {
		t.Fatalf("final step = %q, want failed", final.Step)
	}
	if _, err := os.Stat(filepath.Join(env.stagingPath, jobID)); !os.IsNotExist(err) {
		t.Fatalf("staging dir for job %s still exists (err=%v)", jobID, err)
	}
}

func TestStartGenerationRejectsEmptyPrompt(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.orchestrator.StartGeneration(domain.GenerationJob{Prompt: "   "})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestPageCountIsClamped(t *testing.T) {
	env := newTestEnv(t)

	env.runJob(t, domain.GenerationJob{Prompt: "a brave rabbit", PageCount: 99})

	env.story.mu.Lock()
	defer env.story.mu.Unlock()
	if len(env.story.calls) != 1 {
		t.Fatalf("story calls = %d, want 1", len(env.story.calls))
	}
	if got := env.story.calls[0].PageCount; got != domain.MaxPageCount {
		t.Fatalf("requested page count = %d, want clamp to %d", got, domain.MaxPageCount)
	}
}
