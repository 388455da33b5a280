package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/duskpine/vombat/internal/llm"
)

// DrawService generates images through an OpenAI-compatible images
// endpoint. The result is a hosted URL or a base64 payload depending on
// what the backend returns.
type DrawService struct {
	apiKey     string
	apiBase    string
	model      string
	httpClient *http.Client
}

func NewDrawService(apiKey, apiBase, model string) *DrawService {
	if apiBase == "" {
		apiBase = "https://api.openai.com/v1"
	}
	if model == "" {
		model = "dall-e-3"
	}
	return &DrawService{
		apiKey:     apiKey,
		apiBase:    apiBase,
		model:      model,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
}

// Generated is one produced image.
type Generated struct {
	URL     string
	B64JSON string
	Revised string
}

// Generate produces one image for prompt.
func (s *DrawService) Generate(ctx context.Context, prompt string) (*Generated, error) {
	body, err := json.Marshal(map[string]any{
		"model":  s.model,
		"prompt": prompt,
		"n":      1,
		"size":   "1024x1024",
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.apiBase+"/images/generations", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("image generation: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("image generation: status %d: %s", resp.StatusCode, raw)
	}

	var parsed struct {
		Data []struct {
			URL           string `json:"url"`
			B64JSON       string `json:"b64_json"`
			RevisedPrompt string `json:"revised_prompt"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("image generation decode: %w", err)
	}
	if len(parsed.Data) == 0 {
		return nil, fmt.Errorf("image generation: empty response")
	}
	d := parsed.Data[0]
	return &Generated{URL: d.URL, B64JSON: d.B64JSON, Revised: d.RevisedPrompt}, nil
}

// Tool exposes image generation to the model. The handler returns the
// image URL; the pipeline turns it into a media send.
func (s *DrawService) Tool() llm.Tool {
	return llm.Tool{
		Name:        "draw_image",
		Description: "Generate an image from a text prompt. Returns the image URL.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"prompt": map[string]interface{}{
					"type":        "string",
					"description": "Description of the image to generate.",
				},
			},
			"required": []string{"prompt"},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
			prompt, err := requireString(args, "prompt")
			if err != nil {
				return "", err
			}
			img, err := s.Generate(ctx, prompt)
			if err != nil {
				return "", err
			}
			if img.URL != "" {
				return img.URL, nil
			}
			return "generated image (base64 payload, " + fmt.Sprint(len(img.B64JSON)) + " bytes)", nil
		},
	}
}
