package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemos-ai/mnemos/internal/model"
)

func TestParseVerdict(t *testing.T) {
	v, err := parseVerdict(`{"duplicate": true, "confidence": 93, "reason": "same email"}`)
	require.NoError(t, err)
	assert.True(t, v.Duplicate)
	assert.Equal(t, 93, v.Confidence)
	assert.Equal(t, "same email", v.Reason)
}

func TestParseVerdictMarkdownFences(t *testing.T) {
	v, err := parseVerdict("```json\n{\"duplicate\": false, \"confidence\": 80, \"reason\": \"different people\"}\n```")
	require.NoError(t, err)
	assert.False(t, v.Duplicate)
	assert.Equal(t, 80, v.Confidence)
}

func TestParseVerdictClampsConfidence(t *testing.T) {
	v, err := parseVerdict(`{"duplicate": true, "confidence": 150}`)
	require.NoError(t, err)
	assert.Equal(t, 100, v.Confidence)

	v, err = parseVerdict(`{"duplicate": true, "confidence": -5}`)
	require.NoError(t, err)
	assert.Equal(t, 0, v.Confidence)
}

func TestParseVerdictGarbage(t *testing.T) {
	_, err := parseVerdict("I think they are probably the same person.")
	require.Error(t, err)
}

func TestNewChatJudgeRequiresKey(t *testing.T) {
	_, err := NewChatJudge(Config{})
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
}

func TestChatJudgeHappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{
					"content": `{"duplicate": true, "confidence": 95, "reason": "match"}`,
				}},
			},
		})
	}))
	defer srv.Close()

	j, err := NewChatJudge(Config{APIKey: "test-key", BaseURL: srv.URL})
	require.NoError(t, err)

	v, err := j.JudgeDuplicate(context.Background(), Card{Name: "Ada"}, Card{Name: "Ada"})
	require.NoError(t, err)
	assert.True(t, v.Duplicate)
	assert.Equal(t, 95, v.Confidence)
}

func TestChatJudgeRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	j, err := NewChatJudge(Config{APIKey: "k", BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = j.JudgeDuplicate(context.Background(), Card{Name: "A"}, Card{Name: "B"})
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrRateLimited)

	var re *model.RetryableError
	assert.ErrorAs(t, err, &re)
}

func TestChatJudgeUpstreamDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	j, err := NewChatJudge(Config{APIKey: "k", BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = j.JudgeDuplicate(context.Background(), Card{Name: "A"}, Card{Name: "B"})
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrDependencyDown)
	assert.True(t, model.Retryable(err))
}

func TestMockJudge(t *testing.T) {
	ctx := context.Background()
	judge := MockJudge{}

	v, _ := judge.JudgeDuplicate(ctx, Card{Name: "Ada", Email: "a@x.com"}, Card{Name: "ada", Email: "A@X.com"})
	assert.True(t, v.Duplicate)
	assert.GreaterOrEqual(t, v.Confidence, 90)

	v, _ = judge.JudgeDuplicate(ctx, Card{Name: "Ada"}, Card{Name: "Ada"})
	assert.True(t, v.Duplicate)
	assert.Less(t, v.Confidence, 90, "name alone is not confident")

	v, _ = judge.JudgeDuplicate(ctx, Card{Name: "Ada"}, Card{Name: "Grace"})
	assert.False(t, v.Duplicate)
}
