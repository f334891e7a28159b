package parser

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Blackbird-3/HireFlow/internal/config"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAIChatModelGenerate(t *testing.T) {
	var gotAuth string
	var gotBody chatCompletionRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &gotBody))

		content := `{"name":"张三"}`
		resp := chatCompletionResponse{
			Model: "test-model",
			Choices: []chatChoice{
				{Message: chatResponseMessage{Role: "assistant", Content: &content}, FinishReason: "stop"},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	m, err := NewOpenAIChatModel(config.LLMConfig{
		BaseURL: server.URL,
		APIKey:  "test-key",
		Model:   "test-model",
	})
	require.NoError(t, err)

	msg, err := m.Generate(context.Background(), []*schema.Message{
		schema.SystemMessage("你是抽取引擎"),
		schema.UserMessage("抽取这份简历"),
	})
	require.NoError(t, err)

	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, "test-model", gotBody.Model)
	assert.Len(t, gotBody.Messages, 2)
	assert.Equal(t, schema.Assistant, msg.Role)
	assert.Equal(t, `{"name":"张三"}`, msg.Content)
}

func TestOpenAIChatModelGenerateAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"rate limit exceeded","type":"rate_limit"}}`))
	}))
	defer server.Close()

	m, err := NewOpenAIChatModel(config.LLMConfig{BaseURL: server.URL})
	require.NoError(t, err)

	_, err = m.Generate(context.Background(), []*schema.Message{schema.UserMessage("hello")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit exceeded")
}

func TestOpenAIChatModelNoAuthHeaderWithoutKey(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		content := "ok"
		json.NewEncoder(w).Encode(chatCompletionResponse{
			Choices: []chatChoice{{Message: chatResponseMessage{Role: "assistant", Content: &content}}},
		})
	}))
	defer server.Close()

	m, err := NewOpenAIChatModel(config.LLMConfig{BaseURL: server.URL})
	require.NoError(t, err)

	_, err = m.Generate(context.Background(), []*schema.Message{schema.UserMessage("hi")})
	require.NoError(t, err)
	assert.Empty(t, gotAuth)
}

func TestOpenAIChatModelWithToolsClones(t *testing.T) {
	m, err := NewOpenAIChatModel(config.LLMConfig{})
	require.NoError(t, err)

	bound, err := m.WithTools([]*schema.ToolInfo{
		{Name: "lookup_candidate", Desc: "按ID查询候选人"},
	})
	require.NoError(t, err)

	clone, ok := bound.(*OpenAIChatModel)
	require.True(t, ok)
	assert.Len(t, clone.boundTools, 1)
	assert.Equal(t, "lookup_candidate", clone.boundTools[0].Function.Name)
	assert.Empty(t, m.boundTools, "原实例不应被修改")
}
