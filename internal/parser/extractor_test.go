package parser

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 测试用LLM模型模拟器
type mockChatModel struct {
	response  string
	err       error
	callCount int
}

// Generate 实现model.ChatModel接口
func (m *mockChatModel) Generate(ctx context.Context, messages []*schema.Message, options ...model.Option) (*schema.Message, error) {
	m.callCount++
	if m.err != nil {
		return nil, m.err
	}
	return &schema.Message{
		Role:    "assistant",
		Content: m.response,
	}, nil
}

// Stream 实现model.ChatModel接口，测试中不需要流式响应
func (m *mockChatModel) Stream(ctx context.Context, messages []*schema.Message, options ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, nil
}

// WithTools 实现model.ToolCallingChatModel接口
func (m *mockChatModel) WithTools(tools []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	return m, nil
}

func TestExtractCandidateProfileSuccess(t *testing.T) {
	mock := &mockChatModel{response: `{
		"name": "李四",
		"contact": {"email": "lisi@example.com", "phone": "13900139000"},
		"skills": ["Golang", "MySQL", "Redis"],
		"experience": [{"title": "后端工程师", "company": "某公司", "dates": "2020-2023", "responsibilities": "服务端开发"}],
		"education": [{"degree": "硕士", "institution": "某大学", "dates": "2017-2020"}],
		"certifications": []
	}`}

	e, err := NewStructuredExtractor(mock)
	require.NoError(t, err)

	profile, err := e.ExtractCandidateProfile(context.Background(), "cand-1", "", "简历原文")
	require.NoError(t, err)
	assert.Equal(t, "cand-1", profile.CandidateID)
	assert.Equal(t, "李四", profile.Name)
	assert.Equal(t, "lisi@example.com", profile.Contact.Email)
	assert.Equal(t, []string{"Golang", "MySQL", "Redis"}, profile.Skills)
	require.Len(t, profile.Experience, 1)
	assert.Equal(t, "后端工程师", profile.Experience[0].Title)
}

func TestExtractCandidateProfileKeepsProvidedName(t *testing.T) {
	mock := &mockChatModel{response: `{"name": "抽取出的名字", "skills": ["Go"]}`}

	e, err := NewStructuredExtractor(mock)
	require.NoError(t, err)

	// 上传时已知的姓名优先于LLM抽取结果
	profile, err := e.ExtractCandidateProfile(context.Background(), "cand-1", "王五", "text")
	require.NoError(t, err)
	assert.Equal(t, "王五", profile.Name)
}

func TestExtractCandidateProfileWrappedInMarkdown(t *testing.T) {
	mock := &mockChatModel{response: "```json\n{\"skills\": [\"Go\"]}\n```"}

	e, err := NewStructuredExtractor(mock)
	require.NoError(t, err)

	profile, err := e.ExtractCandidateProfile(context.Background(), "cand-1", "", "text")
	require.NoError(t, err)
	assert.Equal(t, []string{"Go"}, profile.Skills)
}

func TestExtractCandidateProfileRegexFallback(t *testing.T) {
	// LLM输出完全不是JSON，但包含技能行，走正则兜底
	mock := &mockChatModel{response: "无法按要求输出。\nSkills: Go, MySQL, Kafka\n以上。"}

	e, err := NewStructuredExtractor(mock)
	require.NoError(t, err)

	profile, err := e.ExtractCandidateProfile(context.Background(), "cand-1", "赵六", "text")
	require.NoError(t, err)
	assert.Equal(t, []string{"Go", "MySQL", "Kafka"}, profile.Skills)
	assert.Equal(t, "赵六", profile.Name)
}

func TestExtractCandidateProfileUnparseableReturnsDefaultAndParseError(t *testing.T) {
	mock := &mockChatModel{response: "完全无结构的输出，没有任何可用信息"}

	e, err := NewStructuredExtractor(mock)
	require.NoError(t, err)

	profile, err := e.ExtractCandidateProfile(context.Background(), "cand-1", "孙七", "text")
	require.Error(t, err)

	var perr *ParseError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "json", perr.Stage)

	// 默认档案随错误一起返回，是否采用由调用方显式决定
	require.NotNil(t, profile)
	assert.Equal(t, "cand-1", profile.CandidateID)
	assert.Empty(t, profile.Skills)
}

func TestExtractCandidateProfileLLMError(t *testing.T) {
	mock := &mockChatModel{err: errors.New("connection refused")}

	e, err := NewStructuredExtractor(mock)
	require.NoError(t, err)

	_, err = e.ExtractCandidateProfile(context.Background(), "cand-1", "", "text")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLLMService))
}

func TestExtractJobRequirementSuccess(t *testing.T) {
	mock := &mockChatModel{response: `{
		"title": "资深后端工程师",
		"skills": ["go", "mysql"],
		"experience": {"minimum_years": 5, "description": "5年以上后端开发经验"},
		"qualifications": ["Bachelor's degree in CS"],
		"responsibilities": ["核心服务设计与开发"]
	}`}

	e, err := NewStructuredExtractor(mock)
	require.NoError(t, err)

	job, err := e.ExtractJobRequirement(context.Background(), "job-1", "", "岗位描述原文")
	require.NoError(t, err)
	assert.Equal(t, "job-1", job.JobID)
	assert.Equal(t, "资深后端工程师", job.Title)
	require.NotNil(t, job.Experience)
	assert.Equal(t, 5, job.Experience.MinimumYears)
	assert.Equal(t, []string{"Bachelor's degree in CS"}, job.Qualifications)
}

func TestExtractJobRequirementNormalizesNilSlices(t *testing.T) {
	mock := &mockChatModel{response: `{"title": "实习生"}`}

	e, err := NewStructuredExtractor(mock)
	require.NoError(t, err)

	job, err := e.ExtractJobRequirement(context.Background(), "job-1", "", "text")
	require.NoError(t, err)
	assert.NotNil(t, job.Skills)
	assert.NotNil(t, job.Qualifications)
	assert.NotNil(t, job.Responsibilities)
	assert.Nil(t, job.Experience)
}

func TestSanitizeJSONFixesInnerQuotes(t *testing.T) {
	src := `{"summary": "熟悉"分布式"系统"}`
	fixed := sanitizeJSON(src)

	var out map[string]string
	require.NoError(t, json.Unmarshal([]byte(fixed), &out))
	assert.Equal(t, `熟悉"分布式"系统`, out["summary"])
}

func TestExtractJSONObjectIgnoresBracesInStrings(t *testing.T) {
	text := `前缀 {"a": "值包含}括号", "b": 1} 后缀`
	got := extractJSONObject(text)
	assert.Equal(t, `{"a": "值包含}括号", "b": 1}`, got)
}

func TestFallbackExtractSkillsChineseSeparators(t *testing.T) {
	skills := fallbackExtractSkills("技能：Go、MySQL，Kafka；Redis")
	assert.Equal(t, []string{"Go", "MySQL", "Kafka", "Redis"}, skills)
}
