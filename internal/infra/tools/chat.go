package tools

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"navi/internal/domain/agent"
	"navi/internal/shared/errors"
)

const chatTemperature = 0.7

// Responses are capped; a runaway body should fail loudly, not OOM.
const maxResponseBytes = 20 << 20

// chat performs one OpenAI-compatible chat completion. The system prompt
// comes from the binding; the screenshot, when present, is embedded as a
// base64 data URL alongside the text.
func (r *Registry) chat(ctx context.Context, b binding, text string, image []byte) (agent.ToolResult, error) {
	var content any = text
	if len(image) > 0 {
		content = []map[string]any{
			{"type": "text", "text": text},
			{"type": "image_url", "image_url": map[string]any{"url": dataURL(image)}},
		}
	}

	messages := make([]map[string]any, 0, 2)
	if b.prompt != "" {
		messages = append(messages, map[string]any{"role": "system", "content": b.prompt})
	}
	messages = append(messages, map[string]any{"role": "user", "content": content})

	payload := map[string]any{
		"model":       b.model,
		"messages":    messages,
		"temperature": chatTemperature,
		"stream":      false,
	}

	body, err := r.post(ctx, b.baseURL+"/chat/completions", b.apiKey, payload)
	if err != nil {
		return agent.ToolResult{}, err
	}

	var resp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
		Error *struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return agent.ToolResult{}, fmt.Errorf("decode response: %w", err)
	}
	if resp.Error != nil && resp.Error.Message != "" {
		if resp.Error.Type != "" {
			return agent.ToolResult{}, fmt.Errorf("%s: %s", resp.Error.Type, resp.Error.Message)
		}
		return agent.ToolResult{}, fmt.Errorf("%s", resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		return agent.ToolResult{}, errors.Transientf("model returned no choices")
	}

	return agent.ToolResult{
		Text:         resp.Choices[0].Message.Content,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}

// embed performs one embeddings call and returns the vector as JSON text.
func (r *Registry) embed(ctx context.Context, b binding, text string) (agent.ToolResult, error) {
	payload := map[string]any{
		"model": b.model,
		"input": text,
	}

	body, err := r.post(ctx, b.baseURL+"/embeddings", b.apiKey, payload)
	if err != nil {
		return agent.ToolResult{}, err
	}

	var resp struct {
		Data []struct {
			Embedding []float64 `json:"embedding"`
		} `json:"data"`
		Usage struct {
			PromptTokens int `json:"prompt_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return agent.ToolResult{}, fmt.Errorf("decode response: %w", err)
	}
	if len(resp.Data) == 0 {
		return agent.ToolResult{}, errors.Transientf("embedding response has no data")
	}

	vector, err := json.Marshal(resp.Data[0].Embedding)
	if err != nil {
		return agent.ToolResult{}, fmt.Errorf("encode vector: %w", err)
	}
	return agent.ToolResult{
		Text:        string(vector),
		InputTokens: resp.Usage.PromptTokens,
	}, nil
}

// post sends one bearer-authenticated JSON request and returns the raw
// body.
func (r *Registry) post(ctx context.Context, url, apiKey string, payload any) ([]byte, error) {
	req, err := buildJSONRequest(ctx, url, payload)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	return r.send(req)
}

func buildJSONRequest(ctx context.Context, url string, payload any) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// send executes the request. Non-2xx statuses map to HTTPError so the
// caller's retry policy can classify them.
func (r *Registry) send(req *http.Request) ([]byte, error) {
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", req.URL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &errors.HTTPError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       string(respBody),
		}
	}
	return respBody, nil
}

var jpegMagic = []byte{0xff, 0xd8, 0xff}

// dataURL wraps image bytes for the multimodal content array. Screenshots
// arrive PNG-normalized, but sniff anyway so raw JPEG input stays honest.
func dataURL(image []byte) string {
	mime := "image/png"
	if bytes.HasPrefix(image, jpegMagic) {
		mime = "image/jpeg"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(image)
}
