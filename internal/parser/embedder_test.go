package parser

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Blackbird-3/HireFlow/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEmbedder(t *testing.T, handler http.HandlerFunc) (*OpenAIEmbedder, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	e, err := NewOpenAIEmbedder(config.EmbeddingConfig{
		BaseURL:    srv.URL,
		Model:      "nomic-embed-text",
		Dimensions: 4,
		APIKey:     "test-key",
	})
	require.NoError(t, err)
	return e, srv
}

func TestEmbedStringsSuccess(t *testing.T) {
	var gotAuth string
	var gotReq embeddingRequest

	e, _ := newTestEmbedder(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		resp := embeddingResponse{
			Object: "list",
			Data: []embeddingDataEntry{
				{Object: "embedding", Embedding: []float64{0.1, 0.2, 0.3, 0.4}, Index: 0},
				{Object: "embedding", Embedding: []float64{0.5, 0.6, 0.7, 0.8}, Index: 1},
			},
			Model: "nomic-embed-text",
		}
		_ = json.NewEncoder(w).Encode(resp)
	})

	vectors, err := e.EmbedStrings(context.Background(), []string{"简历片段一", "简历片段二"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Equal(t, []float64{0.1, 0.2, 0.3, 0.4}, vectors[0])
	assert.Equal(t, []float64{0.5, 0.6, 0.7, 0.8}, vectors[1])

	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, "nomic-embed-text", gotReq.Model)
	assert.Equal(t, 4, gotReq.Dimensions)
}

func TestEmbedStringsSingleTextSendsString(t *testing.T) {
	e, _ := newTestEmbedder(t, func(w http.ResponseWriter, r *http.Request) {
		var raw map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		// 单条输入按字符串发送，不包成数组
		_, isString := raw["input"].(string)
		assert.True(t, isString)

		resp := embeddingResponse{
			Data: []embeddingDataEntry{{Embedding: []float64{1, 2, 3, 4}, Index: 0}},
		}
		_ = json.NewEncoder(w).Encode(resp)
	})

	vectors, err := e.EmbedStrings(context.Background(), []string{"单条文本"})
	require.NoError(t, err)
	require.Len(t, vectors, 1)
}

func TestEmbedStringsEmptyInput(t *testing.T) {
	e, _ := newTestEmbedder(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("空输入不应发起HTTP请求")
	})

	vectors, err := e.EmbedStrings(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, vectors)
}

func TestEmbedStringsServerErrorIsTyped(t *testing.T) {
	e, _ := newTestEmbedder(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"model not loaded","type":"server_error"}}`))
	})

	_, err := e.EmbedStrings(context.Background(), []string{"文本"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEmbeddingService)
	assert.Contains(t, err.Error(), "model not loaded")
}

func TestEmbedStringsUnreachableServiceIsTyped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // 立即关闭，模拟服务不可达

	e, err := NewOpenAIEmbedder(config.EmbeddingConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = e.EmbedStrings(context.Background(), []string{"文本"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEmbeddingService)
}

func TestEmbedStringsCountMismatch(t *testing.T) {
	e, _ := newTestEmbedder(t, func(w http.ResponseWriter, r *http.Request) {
		resp := embeddingResponse{
			Data: []embeddingDataEntry{{Embedding: []float64{1}, Index: 0}},
		}
		_ = json.NewEncoder(w).Encode(resp)
	})

	_, err := e.EmbedStrings(context.Background(), []string{"一", "二"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEmbeddingService)
}

func TestNewOpenAIEmbedderDefaults(t *testing.T) {
	e, err := NewOpenAIEmbedder(config.EmbeddingConfig{})
	require.NoError(t, err)
	assert.Equal(t, "nomic-embed-text", e.model)
	assert.Equal(t, "http://localhost:11434/v1/embeddings", e.baseURL)
}
