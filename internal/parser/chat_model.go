package parser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Blackbird-3/HireFlow/internal/config"
	"github.com/Blackbird-3/HireFlow/internal/logger"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

const (
	defaultChatCompletionsURL = "http://localhost:11434/v1/chat/completions"
	defaultChatModelName      = "llama3.2:1b"
	defaultChatTimeout        = 120 * time.Second
)

// OpenAIChatModel 通过OpenAI兼容的chat/completions端点调用聊天模型，
// 实现eino的model.ToolCallingChatModel接口。本地Ollama、vLLM和
// OpenAI官方端点都走同一套协议。
type OpenAIChatModel struct {
	apiKey     string
	modelName  string
	apiURL     string
	httpClient *http.Client
	boundTools []chatTool
}

// NewOpenAIChatModel 从配置创建聊天模型客户端。
// BaseURL为空时默认指向本地Ollama端点；APIKey为空时不发送Authorization头。
func NewOpenAIChatModel(cfg config.LLMConfig) (*OpenAIChatModel, error) {
	apiURL := strings.TrimSpace(cfg.BaseURL)
	if apiURL == "" {
		apiURL = defaultChatCompletionsURL
	}
	modelName := strings.TrimSpace(cfg.Model)
	if modelName == "" {
		modelName = defaultChatModelName
	}
	timeout := defaultChatTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}

	return &OpenAIChatModel{
		apiKey:     cfg.APIKey,
		modelName:  modelName,
		apiURL:     apiURL,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// --- OpenAI兼容的请求/响应结构 ---

type chatToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type chatTool struct {
	Type     string           `json:"type"` // 固定为"function"
	Function chatToolFunction `json:"function"`
}

type chatCompletionRequest struct {
	Model    string            `json:"model"`
	Messages []*schema.Message `json:"messages"` // eino的schema.Message与OpenAI的role/content字段兼容
	Tools    []chatTool        `json:"tools,omitempty"`
}

type chatResponseMessage struct {
	Role      string             `json:"role"`
	Content   *string            `json:"content"` // 有tool_calls时可能为null
	ToolCalls []chatToolCallData `json:"tool_calls,omitempty"`
}

type chatToolCallData struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type chatChoice struct {
	Index        int                 `json:"index"`
	Message      chatResponseMessage `json:"message"`
	FinishReason string              `json:"finish_reason"`
}

type chatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
}

type chatAPIError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Generate 实现model.BaseChatModel接口
func (m *OpenAIChatModel) Generate(ctx context.Context, messages []*schema.Message, options ...model.Option) (*schema.Message, error) {
	reqPayload := chatCompletionRequest{
		Model:    m.modelName,
		Messages: messages,
	}
	if len(m.boundTools) > 0 {
		reqPayload.Tools = m.boundTools
	}

	jsonData, err := json.Marshal(reqPayload)
	if err != nil {
		return nil, fmt.Errorf("序列化请求体失败: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.apiURL, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("创建HTTP请求失败: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if m.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+m.apiKey)
	}

	httpResp, err := m.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("发送HTTP请求失败: %w", err)
	}
	defer httpResp.Body.Close()

	bodyBytes, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应体失败: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		var apiErr chatAPIError
		if json.Unmarshal(bodyBytes, &apiErr) == nil && apiErr.Error.Message != "" {
			return nil, fmt.Errorf("LLM API请求失败，状态%s: %s", httpResp.Status, apiErr.Error.Message)
		}
		return nil, fmt.Errorf("LLM API请求失败，状态%s: %s", httpResp.Status, truncateForError(string(bodyBytes)))
	}

	var resp chatCompletionResponse
	if err := json.Unmarshal(bodyBytes, &resp); err != nil {
		return nil, fmt.Errorf("反序列化API响应失败: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("API返回空choices")
	}

	apiMessage := resp.Choices[0].Message
	content := ""
	if apiMessage.Content != nil {
		content = *apiMessage.Content
	}

	result := &schema.Message{
		Role:    schema.RoleType(apiMessage.Role),
		Content: content,
	}
	if result.Role == "" {
		result.Role = schema.Assistant
	}

	if len(apiMessage.ToolCalls) > 0 {
		result.ToolCalls = make([]schema.ToolCall, len(apiMessage.ToolCalls))
		for i, tc := range apiMessage.ToolCalls {
			result.ToolCalls[i] = schema.ToolCall{
				ID: tc.ID,
				Function: schema.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			}
		}
	}

	return result, nil
}

// Stream 实现model.BaseChatModel接口。结构化抽取只用同步调用，暂不支持流式。
func (m *OpenAIChatModel) Stream(ctx context.Context, messages []*schema.Message, options ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, fmt.Errorf("OpenAIChatModel暂不支持流式输出")
}

// WithTools 实现model.ToolCallingChatModel接口。
// eino的schema.ParamsOneOf没有导出参数映射，这里只传递工具名称和描述，
// 参数schema统一用空对象占位。结构化抽取不依赖工具调用，该限制无实际影响。
func (m *OpenAIChatModel) WithTools(tools []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	bound := make([]chatTool, 0, len(tools))
	for _, toolInfo := range tools {
		if toolInfo == nil {
			continue
		}
		logger.Debug().Str("tool", toolInfo.Name).Msg("绑定工具时参数schema未导出，使用空对象占位")
		bound = append(bound, chatTool{
			Type: "function",
			Function: chatToolFunction{
				Name:        toolInfo.Name,
				Description: toolInfo.Desc,
				Parameters:  json.RawMessage(`{"type":"object","properties":{}}`),
			},
		})
	}

	clone := &OpenAIChatModel{
		apiKey:     m.apiKey,
		modelName:  m.modelName,
		apiURL:     m.apiURL,
		httpClient: m.httpClient,
		boundTools: bound,
	}
	return clone, nil
}

var _ model.ToolCallingChatModel = (*OpenAIChatModel)(nil)
