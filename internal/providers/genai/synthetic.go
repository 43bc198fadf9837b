package genai

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"strconv"
	"strings"
)

// Synthetic generation keeps the pipeline fully exercisable without an API
// key: stories and illustrations are derived deterministically from the
// request so repeated runs produce identical output.

func (c *Client) syntheticStory(req StoryRequest) *StoryPayload {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		prompt = "a quiet adventure"
	}
	pages := make([]StoryPagePayload, req.PageCount)
	for i := range pages {
		pages[i] = StoryPagePayload{
			PageNumber:  i + 1,
			Text:        fmt.Sprintf("Page %d of the tale about %s.", i+1, prompt),
			ImagePrompt: fmt.Sprintf("Scene %d: %s, %s", i+1, prompt, req.ArtStyle),
		}
	}

	c.logger.Debug().
		Str("request_id", req.RequestID).
		Str("model", c.storyModel).
		Int("pages", len(pages)).
		Msg("genai: generated synthetic story")

	return &StoryPayload{
		Title:                    fmt.Sprintf("The Story of %s", prompt),
		MainCharacterDescription: fmt.Sprintf("the hero of %q", prompt),
		DefaultClothing:          "a bright yellow raincoat",
		ArtStyle:                 req.ArtStyle,
		Pages:                    pages,
	}
}

func (c *Client) syntheticImage(req ImageRequest) (*ImageResult, error) {
	seed := deterministicSeed(req.RequestID, req.Prompt, req.ArtStyle, len(req.ReferenceImagePaths))
	data := renderSyntheticImage(1024, 1024, seed)
	if data == nil {
		return nil, fmt.Errorf("render synthetic image")
	}

	c.logger.Debug().
		Str("request_id", req.RequestID).
		Str("model", c.imageModel).
		Int("references", len(req.ReferenceImagePaths)).
		Msg("genai: generated synthetic illustration")

	return &ImageResult{Data: data, Format: "image/png"}, nil
}

func renderSyntheticImage(width, height int, seed string) []byte {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	base := colorFromSeed(seed, 0)
	accent := colorFromSeed(seed, 1)
	draw.Draw(img, img.Bounds(), &image.Uniform{base}, image.Point{}, draw.Src)

	stripeHeight := height / 12
	if stripeHeight < 32 {
		stripeHeight = 32
	}
	for y := 0; y < height; y += stripeHeight * 2 {
		bottom := y + stripeHeight
		if bottom > height {
			bottom = height
		}
		stripe := image.Rect(0, y, width, bottom)
		draw.Draw(img, stripe, &image.Uniform{accent}, image.Point{}, draw.Over)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil
	}
	return buf.Bytes()
}

func colorFromSeed(seed string, shift int) color.RGBA {
	if seed == "" {
		seed = "000000"
	}
	doubled := seed + seed
	start := (shift * 6) % len(seed)
	segment := doubled[start : start+6]
	return color.RGBA{
		R: parseHexByte(segment[0:2]),
		G: parseHexByte(segment[2:4]),
		B: parseHexByte(segment[4:6]),
		A: 255,
	}
}

func parseHexByte(s string) uint8 {
	v, err := strconv.ParseUint(s, 16, 8)
	if err != nil {
		return 0
	}
	return uint8(v)
}
