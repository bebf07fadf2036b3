package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"navi/internal/domain/agent"
)

const maxSearchResults = 8

// search runs one web search through the Serper API and formats the
// findings as a plain-text digest for the knowledge fusion step.
func (r *Registry) search(ctx context.Context, b binding, query string) (agent.ToolResult, error) {
	body, err := r.postSerper(ctx, b.baseURL+"/search", b.apiKey, map[string]any{"q": query})
	if err != nil {
		return agent.ToolResult{}, err
	}

	var resp struct {
		AnswerBox struct {
			Answer  string `json:"answer"`
			Snippet string `json:"snippet"`
		} `json:"answerBox"`
		Organic []struct {
			Title   string `json:"title"`
			Link    string `json:"link"`
			Snippet string `json:"snippet"`
		} `json:"organic"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return agent.ToolResult{}, fmt.Errorf("decode search response: %w", err)
	}

	var digest strings.Builder
	if answer := firstNonEmpty(resp.AnswerBox.Answer, resp.AnswerBox.Snippet); answer != "" {
		fmt.Fprintf(&digest, "Answer: %s\n\n", answer)
	}
	for i, hit := range resp.Organic {
		if i >= maxSearchResults {
			break
		}
		fmt.Fprintf(&digest, "- %s: %s (%s)\n", hit.Title, hit.Snippet, hit.Link)
	}

	return agent.ToolResult{Text: strings.TrimSpace(digest.String())}, nil
}

// postSerper mirrors post but with Serper's X-API-KEY header scheme.
func (r *Registry) postSerper(ctx context.Context, url, apiKey string, payload any) ([]byte, error) {
	req, err := buildJSONRequest(ctx, url, payload)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-KEY", apiKey)
	return r.send(req)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
