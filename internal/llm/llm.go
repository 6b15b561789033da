// Package llm provides the language-model judge used by contact dedup: given
// two contact cards, it rules whether they describe the same person and with
// what confidence.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mnemos-ai/mnemos/internal/model"
)

// Verdict is a judge ruling on one candidate pair.
type Verdict struct {
	Duplicate  bool   `json:"duplicate"`
	Confidence int    `json:"confidence"`
	Reason     string `json:"reason"`
}

// Judge rules on whether two contact cards describe the same person.
type Judge interface {
	JudgeDuplicate(ctx context.Context, a, b Card) (Verdict, error)
}

// Card is the judge's view of a contact: the comparable fields only.
type Card struct {
	Name    string `json:"name"`
	Email   string `json:"email,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Company string `json:"company,omitempty"`
	Title   string `json:"title,omitempty"`
}

// Config for the chat-completions judge.
type Config struct {
	APIKey  string
	BaseURL string // default https://api.openai.com/v1
	Model   string // default gpt-4o-mini
}

// ChatJudge calls an OpenAI-compatible chat completions endpoint and parses
// a strict JSON verdict out of the reply.
type ChatJudge struct {
	cfg    Config
	client *http.Client
}

// NewChatJudge creates the judge. Returns an error when no API key is set so
// the caller can fall back to heuristic-only dedup.
func NewChatJudge(cfg Config) (*ChatJudge, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm: api key required: %w", model.ErrInvalidArgument)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	return &ChatJudge{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

const judgeSystemPrompt = `You decide whether two contact cards describe the same real person.
Respond with JSON only, no prose: {"duplicate": bool, "confidence": int 0-100, "reason": "short"}.
Nicknames, formatting differences, and one-field typos still count as the same person.
Different people at the same company are not duplicates.`

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float32       `json:"temperature"`
	ResponseFormat *respFormat   `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type respFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// JudgeDuplicate asks the model for a verdict on one pair.
func (j *ChatJudge) JudgeDuplicate(ctx context.Context, a, b Card) (Verdict, error) {
	userMsg, err := json.Marshal(map[string]Card{"first": a, "second": b})
	if err != nil {
		return Verdict{}, fmt.Errorf("llm: encode cards: %w", err)
	}

	body, err := json.Marshal(chatRequest{
		Model: j.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: judgeSystemPrompt},
			{Role: "user", Content: string(userMsg)},
		},
		Temperature:    0,
		ResponseFormat: &respFormat{Type: "json_object"},
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("llm: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(j.cfg.BaseURL, "/")+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Verdict{}, fmt.Errorf("llm: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+j.cfg.APIKey)

	resp, err := j.client.Do(req)
	if err != nil {
		return Verdict{}, fmt.Errorf("llm: call judge: %w: %w", model.ErrDependencyDown, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Verdict{}, fmt.Errorf("llm: read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return Verdict{}, &model.RetryableError{Err: fmt.Errorf("llm: rate limited: %w", model.ErrRateLimited)}
	case resp.StatusCode >= 500:
		return Verdict{}, &model.RetryableError{Err: fmt.Errorf("llm: upstream %d: %w", resp.StatusCode, model.ErrDependencyDown)}
	case resp.StatusCode != http.StatusOK:
		return Verdict{}, fmt.Errorf("llm: upstream %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	var cr chatResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		return Verdict{}, fmt.Errorf("llm: decode response: %w", err)
	}
	if cr.Error != nil {
		return Verdict{}, fmt.Errorf("llm: upstream error: %s", cr.Error.Message)
	}
	if len(cr.Choices) == 0 {
		return Verdict{}, fmt.Errorf("llm: empty response")
	}

	return parseVerdict(cr.Choices[0].Message.Content)
}

// parseVerdict extracts the JSON verdict from the model reply, tolerating
// markdown fences around the object.
func parseVerdict(content string) (Verdict, error) {
	content = strings.TrimSpace(content)
	if i := strings.Index(content, "{"); i >= 0 {
		if j := strings.LastIndex(content, "}"); j > i {
			content = content[i : j+1]
		}
	}
	var v Verdict
	if err := json.Unmarshal([]byte(content), &v); err != nil {
		return Verdict{}, fmt.Errorf("llm: unparseable verdict %q: %w", truncate(content, 200), err)
	}
	if v.Confidence < 0 {
		v.Confidence = 0
	}
	if v.Confidence > 100 {
		v.Confidence = 100
	}
	return v, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
