package parser

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Blackbird-3/HireFlow/internal/config"
	"github.com/Blackbird-3/HireFlow/internal/logger"
	"github.com/Blackbird-3/HireFlow/pkg/ratelimit"

	"github.com/cloudwego/eino/components/embedding"
)

// ErrEmbeddingService 嵌入服务不可用或返回错误。
// 语义检索层不会在该错误下伪造向量，调用方据此失败整个摄入/搜索请求。
var ErrEmbeddingService = errors.New("嵌入服务调用失败")

// OpenAIEmbedder 通过OpenAI兼容的/embeddings端点生成文本向量，
// 实现 cloudwego/eino 的 embedding.Embedder 接口。
// 默认指向本地Ollama的兼容端点，也可配置为任何兼容服务。
type OpenAIEmbedder struct {
	apiKey     string
	model      string
	dimensions int
	baseURL    string
	httpClient *http.Client
	limiter    *ratelimit.TokenBucket
}

// NewOpenAIEmbedder 按配置创建嵌入客户端
func NewOpenAIEmbedder(cfg config.EmbeddingConfig) (*OpenAIEmbedder, error) {
	model := cfg.Model
	if model == "" {
		model = "nomic-embed-text"
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "http://localhost:11434/v1/embeddings"
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	e := &OpenAIEmbedder{
		apiKey:     cfg.APIKey,
		model:      model,
		dimensions: cfg.Dimensions,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
	if cfg.QPMLimit > 0 {
		e.limiter = ratelimit.NewTokenBucket(cfg.QPMLimit, 0)
	}
	return e, nil
}

// GetDimensions 返回配置的向量维度
func (e *OpenAIEmbedder) GetDimensions() int {
	return e.dimensions
}

// embeddingRequest OpenAI兼容的Embedding请求体
type embeddingRequest struct {
	Input          interface{} `json:"input"` // string 或 []string
	Model          string      `json:"model"`
	Dimensions     int         `json:"dimensions,omitempty"`
	EncodingFormat string      `json:"encoding_format,omitempty"`
}

// embeddingResponse OpenAI兼容的Embedding响应体
type embeddingResponse struct {
	Object string               `json:"object"`
	Data   []embeddingDataEntry `json:"data"`
	Model  string               `json:"model"`
	Usage  embeddingUsage       `json:"usage"`
	Error  *embeddingAPIError   `json:"error,omitempty"`
}

type embeddingDataEntry struct {
	Object    string    `json:"object"`
	Embedding []float64 `json:"embedding"`
	Index     int       `json:"index"`
}

type embeddingUsage struct {
	PromptTokens int `json:"prompt_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

type embeddingAPIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// EmbedStrings 将一批文本转换为向量，实现 embedding.Embedder 接口。
// 配置了QPM限流时在限流约束下调用，临时性失败按退避策略重试。
func (e *OpenAIEmbedder) EmbedStrings(ctx context.Context, texts []string, opts ...embedding.Option) ([][]float64, error) {
	if len(texts) == 0 {
		return [][]float64{}, nil
	}

	options := &embedding.Options{}
	embedding.GetCommonOptions(options, opts...)

	effectiveModel := e.model
	if options.Model != nil && *options.Model != "" {
		effectiveModel = *options.Model
	}

	var result [][]float64
	call := func() error {
		out, err := e.embedOnce(ctx, texts, effectiveModel)
		if err != nil {
			return err
		}
		result = out
		return nil
	}

	var err error
	if e.limiter != nil {
		err = e.limiter.RetryWithBackoff(ctx, call)
	} else {
		err = call()
	}
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).
			Int("text_count", len(texts)).
			Str("model", effectiveModel).
			Msg("文本嵌入失败")
		return nil, err
	}

	logger.Ctx(ctx).Debug().
		Int("text_count", len(texts)).
		Int("dimension", firstEmbeddingDim(result)).
		Str("model", effectiveModel).
		Msg("文本嵌入完成")
	return result, nil
}

// embedOnce 执行一次HTTP调用
func (e *OpenAIEmbedder) embedOnce(ctx context.Context, texts []string, model string) ([][]float64, error) {
	var input interface{}
	if len(texts) == 1 {
		input = texts[0]
	} else {
		input = texts
	}

	reqBody := embeddingRequest{
		Input: input,
		Model: model,
	}
	if e.dimensions > 0 {
		reqBody.Dimensions = e.dimensions
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("序列化嵌入请求失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("创建HTTP请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingService, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: 读取响应体失败: %v", ErrEmbeddingService, err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr embeddingAPIError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("%w: 状态码%d, 类型=%s, 错误=%s", ErrEmbeddingService, resp.StatusCode, apiErr.Type, apiErr.Message)
		}
		return nil, fmt.Errorf("%w: 状态码%d, 响应: %s", ErrEmbeddingService, resp.StatusCode, string(body))
	}

	var parsed embeddingResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("%w: 解析响应JSON失败: %v", ErrEmbeddingService, err)
	}
	if parsed.Error != nil && parsed.Error.Message != "" {
		return nil, fmt.Errorf("%w: API返回错误: %s", ErrEmbeddingService, parsed.Error.Message)
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("%w: 返回向量数%d与输入文本数%d不一致", ErrEmbeddingService, len(parsed.Data), len(texts))
	}

	out := make([][]float64, len(parsed.Data))
	for _, entry := range parsed.Data {
		if entry.Index < 0 || entry.Index >= len(out) {
			return nil, fmt.Errorf("%w: 返回向量索引%d越界", ErrEmbeddingService, entry.Index)
		}
		out[entry.Index] = entry.Embedding
	}
	return out, nil
}

func firstEmbeddingDim(embeddings [][]float64) int {
	if len(embeddings) > 0 {
		return len(embeddings[0])
	}
	return 0
}
