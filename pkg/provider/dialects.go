package provider

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/polisai/polis-agents/pkg/domain"
)

const anthropicVersion = "2023-06-01"

type anthropicDialect struct{}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicResponse struct {
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Content    []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (anthropicDialect) endpoint(baseURL, _ string) string {
	return baseURL + "/v1/messages"
}

func (anthropicDialect) headers(h http.Header, key string) {
	h.Set("x-api-key", key)
	h.Set("anthropic-version", anthropicVersion)
}

func (anthropicDialect) body(model string, maxTokens int, prompt domain.Prompt, c *domain.Context) any {
	system, turns := conversation(prompt, c)
	msgs := make([]anthropicMessage, len(turns))
	for i, t := range turns {
		msgs[i] = anthropicMessage{Role: string(t.Role), Content: t.Content}
	}
	return anthropicRequest{Model: model, MaxTokens: maxTokens, System: system, Messages: msgs}
}

func (anthropicDialect) decode(data []byte) (string, map[string]any, error) {
	var resp anthropicResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", nil, err
	}
	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String(), map[string]any{
		"stop_reason":   resp.StopReason,
		"input_tokens":  resp.Usage.InputTokens,
		"output_tokens": resp.Usage.OutputTokens,
	}, nil
}

type geminiDialect struct{}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	GenerationConfig  struct {
		MaxOutputTokens int `json:"maxOutputTokens,omitempty"`
	} `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

func (geminiDialect) endpoint(baseURL, model string) string {
	return baseURL + "/v1beta/models/" + url.PathEscape(model) + ":generateContent"
}

func (geminiDialect) headers(h http.Header, key string) {
	h.Set("x-goog-api-key", key)
}

func (geminiDialect) body(_ string, maxTokens int, prompt domain.Prompt, c *domain.Context) any {
	system, turns := conversation(prompt, c)
	req := geminiRequest{Contents: make([]geminiContent, len(turns))}
	for i, t := range turns {
		role := "user"
		if t.Role == domain.RoleAssistant {
			role = "model"
		}
		req.Contents[i] = geminiContent{Role: role, Parts: []geminiPart{{Text: t.Content}}}
	}
	if system != "" {
		req.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: system}}}
	}
	req.GenerationConfig.MaxOutputTokens = maxTokens
	return req
}

func (geminiDialect) decode(data []byte) (string, map[string]any, error) {
	var resp geminiResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", nil, err
	}
	if len(resp.Candidates) == 0 {
		return "", nil, errors.New("no candidates in response")
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		b.WriteString(part.Text)
	}
	return b.String(), map[string]any{
		"finish_reason": resp.Candidates[0].FinishReason,
		"input_tokens":  resp.UsageMetadata.PromptTokenCount,
		"output_tokens": resp.UsageMetadata.CandidatesTokenCount,
	}, nil
}

type openAIDialect struct{}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model               string          `json:"model"`
	Messages            []openAIMessage `json:"messages"`
	MaxCompletionTokens int             `json:"max_completion_tokens,omitempty"`
}

type openAIResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      openAIMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (openAIDialect) endpoint(baseURL, _ string) string {
	return baseURL + "/v1/chat/completions"
}

func (openAIDialect) headers(h http.Header, key string) {
	h.Set("Authorization", "Bearer "+key)
}

func (openAIDialect) body(model string, maxTokens int, prompt domain.Prompt, c *domain.Context) any {
	system, turns := conversation(prompt, c)
	msgs := make([]openAIMessage, 0, len(turns)+1)
	if system != "" {
		msgs = append(msgs, openAIMessage{Role: "system", Content: system})
	}
	for _, t := range turns {
		msgs = append(msgs, openAIMessage{Role: string(t.Role), Content: t.Content})
	}
	return openAIRequest{Model: model, Messages: msgs, MaxCompletionTokens: maxTokens}
}

func (openAIDialect) decode(data []byte) (string, map[string]any, error) {
	var resp openAIResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", nil, err
	}
	if len(resp.Choices) == 0 {
		return "", nil, errors.New("no choices in response")
	}
	return resp.Choices[0].Message.Content, map[string]any{
		"finish_reason": resp.Choices[0].FinishReason,
		"input_tokens":  resp.Usage.PromptTokens,
		"output_tokens": resp.Usage.CompletionTokens,
	}, nil
}
