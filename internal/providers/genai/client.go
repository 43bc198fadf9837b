package genai

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/storyforge/server/internal/infra"
)

// Options controls how the Gemini client is configured.
type Options struct {
	APIKey     string
	BaseURL    string
	StoryModel string
	ImageModel string
	HTTPClient *http.Client
	Logger     *infra.Logger
}

// Client provides a lightweight facade over Gemini so the story and
// illustration providers can focus on translating domain requests to API
// calls. When no API key is configured the client produces deterministic
// synthetic output, which keeps the whole generation pipeline operational in
// local and CI environments.
type Client struct {
	apiKey     string
	baseURL    string
	storyModel string
	imageModel string
	httpClient *http.Client
	logger     *infra.Logger
}

// StoryRequest describes one structured-story generation call.
type StoryRequest struct {
	Prompt              string
	ReferenceImagePaths []string
	PageCount           int
	ArtStyle            string
	Language            string
	ReaderAge           int
	Author              string
	RequestID           string
}

// StoryPayload mirrors the JSON document the model is instructed to emit.
type StoryPayload struct {
	Title                    string             `json:"title"`
	MainCharacterDescription string             `json:"main_character_description"`
	DefaultClothing          string             `json:"default_clothing"`
	ArtStyle                 string             `json:"art_style"`
	Pages                    []StoryPagePayload `json:"pages"`
}

// StoryPagePayload is one page entry of the structured story document.
type StoryPagePayload struct {
	PageNumber  int    `json:"page_number"`
	Text        string `json:"text"`
	ImagePrompt string `json:"image_prompt"`
}

// ImageRequest describes one illustration rendering call. Reference images are
// attached as inline data in the listed order.
type ImageRequest struct {
	Prompt              string
	ReferenceImagePaths []string
	ArtStyle            string
	AspectRatio         string
	RequestID           string
}

// ImageResult holds the rendered image bytes and their MIME type.
type ImageResult struct {
	Data   []byte
	Format string
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts,omitempty"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
}

type geminiGenerationConfig struct {
	CandidateCount     int      `json:"candidateCount,omitempty"`
	ResponseMimeType   string   `json:"responseMimeType,omitempty"`
	ResponseModalities []string `json:"responseModalities,omitempty"`
}

type geminiGenerateContentRequest struct {
	Contents         []geminiContent         `json:"contents"`
	GenerationConfig *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
}

type geminiGenerateContentResponse struct {
	Candidates []geminiCandidate `json:"candidates"`
}

type geminiErrorResponse struct {
	Error struct {
		Code    int    `json:"code,omitempty"`
		Message string `json:"message,omitempty"`
	} `json:"error"`
}

// NewClient constructs a Gemini client with sane defaults. Callers may provide
// a nil HTTP client; a reusable one with sensible timeouts will be created.
func NewClient(opts Options) (*Client, error) {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 120 * time.Second}
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}

	storyModel := opts.StoryModel
	if storyModel == "" {
		storyModel = "gemini-1.5-flash"
	}
	imageModel := opts.ImageModel
	if imageModel == "" {
		imageModel = "gemini-2.0-flash-exp"
	}

	var logger *infra.Logger
	if opts.Logger != nil {
		logger = opts.Logger
	} else {
		discard := zerolog.New(io.Discard)
		l := infra.Logger(discard)
		logger = &l
	}

	return &Client{
		apiKey:     strings.TrimSpace(opts.APIKey),
		baseURL:    baseURL,
		storyModel: storyModel,
		imageModel: imageModel,
		httpClient: client,
		logger:     logger,
	}, nil
}

// StoryModel returns the configured text model identifier.
func (c *Client) StoryModel() string { return c.storyModel }

// ImageModel returns the configured image model identifier.
func (c *Client) ImageModel() string { return c.imageModel }

// GenerateStory asks the model for a structured storybook document. Without an
// API key a deterministic synthetic story is returned instead.
func (c *Client) GenerateStory(ctx context.Context, req StoryRequest) (*StoryPayload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.apiKey == "" {
		return c.syntheticStory(req), nil
	}

	parts := []geminiPart{{Text: buildStoryInstruction(req)}}
	imageParts, err := inlineImageParts(req.ReferenceImagePaths)
	if err != nil {
		return nil, err
	}
	parts = append(parts, imageParts...)

	payload := geminiGenerateContentRequest{
		Contents: []geminiContent{{Role: "user", Parts: parts}},
		GenerationConfig: &geminiGenerationConfig{
			CandidateCount:   1,
			ResponseMimeType: "application/json",
		},
	}

	var response geminiGenerateContentResponse
	if err := c.invokeGemini(ctx, fmt.Sprintf("/models/%s:generateContent", url.PathEscape(c.storyModel)), payload, &response); err != nil {
		return nil, err
	}

	text := firstTextPart(response)
	if text == "" {
		return nil, fmt.Errorf("gemini returned no story content")
	}
	var story StoryPayload
	if err := json.Unmarshal([]byte(extractJSONDocument(text)), &story); err != nil {
		return nil, fmt.Errorf("decode story document: %w", err)
	}
	if story.Title == "" || len(story.Pages) == 0 {
		return nil, fmt.Errorf("story document is incomplete")
	}

	c.logger.Debug().
		Str("request_id", req.RequestID).
		Str("model", c.storyModel).
		Int("pages", len(story.Pages)).
		Msg("genai: generated story document")

	return &story, nil
}

// GenerateImage renders a single illustration conditioned on the reference
// images, in order. Without an API key a deterministic synthetic PNG is
// returned instead.
func (c *Client) GenerateImage(ctx context.Context, req ImageRequest) (*ImageResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.apiKey == "" {
		return c.syntheticImage(req)
	}

	parts := []geminiPart{{Text: buildImageInstruction(req)}}
	imageParts, err := inlineImageParts(req.ReferenceImagePaths)
	if err != nil {
		return nil, err
	}
	parts = append(parts, imageParts...)

	payload := geminiGenerateContentRequest{
		Contents: []geminiContent{{Role: "user", Parts: parts}},
		GenerationConfig: &geminiGenerationConfig{
			CandidateCount:     1,
			ResponseModalities: []string{"IMAGE"},
		},
	}

	var response geminiGenerateContentResponse
	if err := c.invokeGemini(ctx, fmt.Sprintf("/models/%s:generateContent", url.PathEscape(c.imageModel)), payload, &response); err != nil {
		return nil, err
	}

	for _, candidate := range response.Candidates {
		for _, part := range candidate.Content.Parts {
			if part.InlineData == nil || part.InlineData.Data == "" {
				continue
			}
			data, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
			if err != nil {
				return nil, fmt.Errorf("decode inline image: %w", err)
			}
			format := part.InlineData.MimeType
			if format == "" {
				format = "image/png"
			}
			c.logger.Debug().
				Str("request_id", req.RequestID).
				Str("model", c.imageModel).
				Int("references", len(req.ReferenceImagePaths)).
				Msg("genai: rendered illustration")
			return &ImageResult{Data: data, Format: format}, nil
		}
	}

	return nil, fmt.Errorf("gemini returned no image content")
}

func (c *Client) invokeGemini(ctx context.Context, path string, payload any, out any) error {
	endpoint := strings.TrimRight(c.baseURL, "/") + path
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	q := req.URL.Query()
	if c.apiKey != "" {
		q.Set("key", c.apiKey)
	}
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("invoke gemini: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr geminiErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error.Message != "" {
			return fmt.Errorf("gemini status %d: %s", resp.StatusCode, apiErr.Error.Message)
		}
		data, _ := io.ReadAll(resp.Body)
		if len(data) > 0 {
			return fmt.Errorf("gemini status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
		}
		return fmt.Errorf("gemini status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode gemini response: %w", err)
	}
	return nil
}

func buildStoryInstruction(req StoryRequest) string {
	var b strings.Builder
	b.WriteString("Write an illustrated children's storybook as a single JSON document with the keys ")
	b.WriteString(`"title", "main_character_description", "default_clothing", "art_style" and "pages".` + "\n")
	fmt.Fprintf(&b, "The story must have exactly %d pages. Each entry of \"pages\" holds \"page_number\" (1-based, sequential), \"text\" (2-4 sentences) and \"image_prompt\" (a full visual description of the scene, restating the main character's appearance).\n", req.PageCount)
	fmt.Fprintf(&b, "Story idea: %s\n", strings.TrimSpace(req.Prompt))
	fmt.Fprintf(&b, "Art style: %s\n", req.ArtStyle)
	if req.Language != "" {
		fmt.Fprintf(&b, "Write title and page text in language: %s\n", req.Language)
	}
	if req.ReaderAge > 0 {
		fmt.Fprintf(&b, "Target reader age: %d\n", req.ReaderAge)
	}
	if author := strings.TrimSpace(req.Author); author != "" {
		fmt.Fprintf(&b, "Credit the author as: %s\n", author)
	}
	if len(req.ReferenceImagePaths) > 0 {
		b.WriteString("The attached photos show the main character. Base main_character_description on their appearance.\n")
	}
	b.WriteString("Respond with the JSON document only.")
	return b.String()
}

func buildImageInstruction(req ImageRequest) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(req.Prompt))
	if style := strings.TrimSpace(req.ArtStyle); style != "" {
		b.WriteString("\nArt style: ")
		b.WriteString(style)
	}
	if aspect := strings.TrimSpace(req.AspectRatio); aspect != "" {
		b.WriteString("\nAspect ratio: ")
		b.WriteString(aspect)
	}
	if len(req.ReferenceImagePaths) > 0 {
		b.WriteString("\nKeep the main character's face, hair and clothing consistent with the attached reference images.")
	}
	return b.String()
}

// inlineImageParts reads each reference file and attaches it as inline data in
// the given order. Order matters: the raw photos come before any generated
// cover so the likeness is never superseded by a self-referential rendering.
func inlineImageParts(paths []string) ([]geminiPart, error) {
	parts := make([]geminiPart, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read reference image %s: %w", filepath.Base(path), err)
		}
		parts = append(parts, geminiPart{InlineData: &geminiInlineData{
			MimeType: mimeForExtension(filepath.Ext(path)),
			Data:     base64.StdEncoding.EncodeToString(data),
		}})
	}
	return parts, nil
}

func mimeForExtension(ext string) string {
	switch strings.ToLower(ext) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	case ".gif":
		return "image/gif"
	default:
		return "image/png"
	}
}

func firstTextPart(response geminiGenerateContentResponse) string {
	for _, candidate := range response.Candidates {
		for _, part := range candidate.Content.Parts {
			if strings.TrimSpace(part.Text) != "" {
				return part.Text
			}
		}
	}
	return ""
}

// extractJSONDocument tolerates models that wrap the JSON answer in a
// markdown code fence despite the response MIME type.
func extractJSONDocument(text string) string {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
			trimmed = trimmed[:idx]
		}
		return strings.TrimSpace(trimmed)
	}
	return trimmed
}

func deterministicSeed(parts ...any) string {
	hasher := sha256.New()
	for _, part := range parts {
		hasher.Write([]byte(fmt.Sprintf("%v", part)))
		hasher.Write([]byte{'|'})
	}
	return hex.EncodeToString(hasher.Sum(nil))[:16]
}
