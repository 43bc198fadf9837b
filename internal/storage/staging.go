package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Staging manages the per-job temporary directories that hold uploaded
// reference photos and intermediate rendered images while a generation job is
// running. Everything under a job directory is discarded once the job reaches
// a terminal state.
type Staging struct {
	basePath string
}

// NewStaging initializes a staging area rooted at basePath.
func NewStaging(basePath string) (*Staging, error) {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" {
		return nil, errors.New("staging: base path is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("staging: ensure base path: %w", err)
	}
	return &Staging{basePath: basePath}, nil
}

// JobDir returns the temporary directory for the given job, creating it on
// first use.
func (s *Staging) JobDir(jobID string) (string, error) {
	if s == nil {
		return "", errors.New("staging: not configured")
	}
	cleanID, err := sanitizeJobID(jobID)
	if err != nil {
		return "", err
	}
	dir := filepath.Join(s.basePath, cleanID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("staging: ensure job directory: %w", err)
	}
	return dir, nil
}

// StageUpload copies an uploaded reference photo into the job's directory and
// returns the staged file path. The original filename is kept only for its
// extension; staged files are numbered in submission order.
func (s *Staging) StageUpload(jobID string, index int, filename string, r io.Reader) (string, error) {
	dir, err := s.JobDir(jobID)
	if err != nil {
		return "", err
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		ext = ".bin"
	}
	path := filepath.Join(dir, fmt.Sprintf("reference-%02d%s", index+1, ext))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("staging: create upload file: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("staging: write upload: %w", err)
	}
	return path, nil
}

// CleanupJob deletes the job's directory and everything staged inside it.
// Cleaning up a job that never staged anything is not an error.
func (s *Staging) CleanupJob(jobID string) error {
	if s == nil {
		return nil
	}
	cleanID, err := sanitizeJobID(jobID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(s.basePath, cleanID)); err != nil {
		return fmt.Errorf("staging: cleanup job: %w", err)
	}
	return nil
}

func sanitizeJobID(jobID string) (string, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return "", errors.New("staging: job id is required")
	}
	if strings.ContainsAny(jobID, "/\\") || strings.Contains(jobID, "..") {
		return "", fmt.Errorf("staging: invalid job id %q", jobID)
	}
	return jobID, nil
}
