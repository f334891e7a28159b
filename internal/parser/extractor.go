package parser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/Blackbird-3/HireFlow/internal/logger"
	"github.com/Blackbird-3/HireFlow/internal/types"
	"github.com/Blackbird-3/HireFlow/pkg/ratelimit"

	"github.com/cloudwego/eino/components/model"
	einoschema "github.com/cloudwego/eino/schema"
)

// ErrLLMService LLM服务不可用或返回错误
var ErrLLMService = errors.New("LLM服务调用失败")

// ParseError LLM输出无法解析为结构化记录。
// 调用方按显式的默认记录策略处理，不做静默替换。
type ParseError struct {
	Stage string // 解析阶段：json / fallback
	Raw   string // 原始LLM输出（截断）
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("解析LLM输出失败(阶段=%s): %v", e.Stage, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// cvPromptTemplate 简历结构化抽取的提示词
const cvPromptTemplate = `你是一位专业的简历信息抽取助手。请从下面的【简历文本】中抽取结构化信息，并严格按照指定的JSON格式输出。

**输出JSON格式：**
{
  "name": "候选人姓名",
  "contact": {"email": "邮箱", "phone": "电话"},
  "skills": ["技能1", "技能2"],
  "experience": [{"title": "职位", "company": "公司", "dates": "起止时间", "responsibilities": "职责描述"}],
  "education": [{"degree": "学位", "institution": "学校", "dates": "起止时间"}],
  "certifications": ["证书1"]
}

**要求：**
- 完整输出必须是一个合法的JSON对象，禁止输出JSON之外的任何文本或Markdown标记。
- 信息缺失的字段输出空字符串或空数组，不要编造。
- 技能按简历原文表述保留，不做归一化。

【简历文本】
%s`

// jobPromptTemplate 岗位描述结构化抽取的提示词
const jobPromptTemplate = `你是一位专业的招聘信息抽取助手。请从下面的【岗位描述】中抽取结构化信息，并严格按照指定的JSON格式输出。

**输出JSON格式：**
{
  "title": "岗位名称",
  "skills": ["要求技能1", "要求技能2"],
  "experience": {"minimum_years": 0, "description": "经验要求原文"},
  "qualifications": ["学历/资质要求1"],
  "responsibilities": ["岗位职责1"]
}

**要求：**
- 完整输出必须是一个合法的JSON对象，禁止输出JSON之外的任何文本或Markdown标记。
- minimum_years为整数，无明确年限要求时输出0。
- 信息缺失的字段输出空字符串或空数组，不要编造。

【岗位描述】
%s`

const extractorSystemMessage = "你是一个只输出JSON的信息抽取引擎。"

// StructuredExtractor 用LLM把自由文本的简历和岗位描述抽取为结构化记录
type StructuredExtractor struct {
	llmModel model.ToolCallingChatModel
	limiter  *ratelimit.TokenBucket
}

// StructuredExtractorOption 抽取器的配置选项
type StructuredExtractorOption func(*StructuredExtractor)

// WithExtractorQPMLimit 设置LLM调用的QPM限流
func WithExtractorQPMLimit(qpm int) StructuredExtractorOption {
	return func(e *StructuredExtractor) {
		if qpm > 0 {
			e.limiter = ratelimit.NewTokenBucket(qpm, 0)
		}
	}
}

// NewStructuredExtractor 创建抽取器
func NewStructuredExtractor(llmModel model.ToolCallingChatModel, opts ...StructuredExtractorOption) (*StructuredExtractor, error) {
	if llmModel == nil {
		return nil, fmt.Errorf("llmModel不能为空")
	}
	e := &StructuredExtractor{llmModel: llmModel}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// rawCandidateRecord 与LLM输出对应的中间结构
type rawCandidateRecord struct {
	Name           string                  `json:"name"`
	Contact        types.Contact           `json:"contact"`
	Skills         []string                `json:"skills"`
	Experience     []types.ExperienceEntry `json:"experience"`
	Education      []types.EducationEntry  `json:"education"`
	Certifications []string                `json:"certifications"`
}

type rawJobRecord struct {
	Title            string               `json:"title"`
	Skills           []string             `json:"skills"`
	Experience       *types.JobExperience `json:"experience"`
	Qualifications   []string             `json:"qualifications"`
	Responsibilities []string             `json:"responsibilities"`
}

// ExtractCandidateProfile 从简历文本抽取候选人档案。
// LLM输出无法解析时先尝试正则兜底抽取技能；兜底也失败时返回仅含标识字段的
// 默认档案和*ParseError，由调用方决定是否采用默认档案。
func (e *StructuredExtractor) ExtractCandidateProfile(ctx context.Context, candidateID, candidateName, text string) (*types.CandidateProfile, error) {
	defaultProfile := &types.CandidateProfile{
		CandidateID:    candidateID,
		Name:           candidateName,
		Skills:         []string{},
		Experience:     []types.ExperienceEntry{},
		Education:      []types.EducationEntry{},
		Certifications: []string{},
	}

	content, err := e.generate(ctx, fmt.Sprintf(cvPromptTemplate, text))
	if err != nil {
		return defaultProfile, err
	}

	var record rawCandidateRecord
	if perr := unmarshalLLMJSON(content, &record); perr != nil {
		// 正则兜底：至少把技能行捞出来
		skills := fallbackExtractSkills(content, text)
		if len(skills) > 0 {
			logger.Ctx(ctx).Warn().
				Str("candidate_id", candidateID).
				Int("fallback_skills", len(skills)).
				Msg("LLM输出JSON解析失败，使用正则兜底抽取技能")
			defaultProfile.Skills = skills
			return defaultProfile, nil
		}
		return defaultProfile, perr
	}

	profile := &types.CandidateProfile{
		CandidateID:    candidateID,
		Name:           candidateName,
		Contact:        record.Contact,
		Skills:         record.Skills,
		Experience:     record.Experience,
		Education:      record.Education,
		Certifications: record.Certifications,
	}
	if profile.Name == "" {
		profile.Name = record.Name
	}
	normalizeProfile(profile)
	return profile, nil
}

// ExtractJobRequirement 从岗位描述抽取结构化的岗位要求
func (e *StructuredExtractor) ExtractJobRequirement(ctx context.Context, jobID, title, description string) (*types.JobRequirement, error) {
	defaultJob := &types.JobRequirement{
		JobID:            jobID,
		Title:            title,
		Skills:           []string{},
		Qualifications:   []string{},
		Responsibilities: []string{},
	}

	content, err := e.generate(ctx, fmt.Sprintf(jobPromptTemplate, description))
	if err != nil {
		return defaultJob, err
	}

	var record rawJobRecord
	if perr := unmarshalLLMJSON(content, &record); perr != nil {
		return defaultJob, perr
	}

	job := &types.JobRequirement{
		JobID:            jobID,
		Title:            title,
		Skills:           record.Skills,
		Experience:       record.Experience,
		Qualifications:   record.Qualifications,
		Responsibilities: record.Responsibilities,
	}
	if job.Title == "" {
		job.Title = record.Title
	}
	normalizeJob(job)
	return job, nil
}

// generate 构建消息并调用LLM，配置了限流时在限流约束下执行
func (e *StructuredExtractor) generate(ctx context.Context, userPrompt string) (string, error) {
	messages := []*einoschema.Message{
		einoschema.SystemMessage(extractorSystemMessage),
		einoschema.UserMessage(userPrompt),
	}

	var response *einoschema.Message
	call := func() error {
		var err error
		response, err = e.llmModel.Generate(ctx, messages)
		return err
	}

	var err error
	if e.limiter != nil {
		err = e.limiter.RetryWithBackoff(ctx, call)
	} else {
		err = call()
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrLLMService, err)
	}
	if response == nil || response.Content == "" {
		return "", fmt.Errorf("%w: 返回空响应", ErrLLMService)
	}

	return strings.TrimPrefix(response.Content, "\uFEFF"), nil
}

// unmarshalLLMJSON 从LLM输出中提取JSON并反序列化，失败时自动修复非法引号后重试
func unmarshalLLMJSON(content string, out interface{}) *ParseError {
	jsonStr := extractJSONObject(content)
	if jsonStr == "" {
		return &ParseError{
			Stage: "json",
			Raw:   truncateForError(content),
			Err:   fmt.Errorf("响应中没有找到JSON对象"),
		}
	}

	if !utf8.ValidString(jsonStr) {
		jsonStr = strings.ToValidUTF8(jsonStr, "")
	}

	if err := json.Unmarshal([]byte(jsonStr), out); err != nil {
		fixed := sanitizeJSON(jsonStr)
		if fixErr := json.Unmarshal([]byte(fixed), out); fixErr != nil {
			return &ParseError{
				Stage: "json",
				Raw:   truncateForError(content),
				Err:   fmt.Errorf("反序列化失败: %w (修复后仍失败: %v)", err, fixErr),
			}
		}
	}
	return nil
}

// extractJSONObject 用括号配对从文本中提取第一个完整的JSON对象
func extractJSONObject(text string) string {
	start := strings.Index(text, "{")
	if start == -1 {
		return ""
	}
	level := 0
	inStr := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inStr {
				escaped = true
			}
		case '"':
			inStr = !inStr
		case '{':
			if !inStr {
				level++
			}
		case '}':
			if !inStr {
				level--
				if level == 0 {
					return text[start : i+1]
				}
			}
		}
	}
	return ""
}

// sanitizeJSON 把字符串字面量内部未转义的双引号改写为\"。
// 通过检查引号之后第一个非空白字符是否为 : , ] } 来判断该引号是否真正结束字符串。
func sanitizeJSON(src string) string {
	var b strings.Builder
	inStr := false
	escaped := false

	for i := 0; i < len(src); i++ {
		c := src[i]

		switch {
		case c == '"' && !escaped:
			if !inStr {
				inStr = true
				b.WriteByte(c)
				continue
			}
			j := i + 1
			for j < len(src) && (src[j] == ' ' || src[j] == '\t' || src[j] == '\n' || src[j] == '\r') {
				j++
			}
			if j < len(src) && (src[j] == ':' || src[j] == ',' || src[j] == ']' || src[j] == '}') {
				inStr = false
				b.WriteByte(c)
			} else {
				b.WriteString("\\\"")
			}
		case c == '\\' && !escaped:
			escaped = true
			b.WriteByte(c)
			continue
		default:
			b.WriteByte(c)
		}
		escaped = false
	}
	return b.String()
}

// skillsLineRe 兜底用：匹配"技能/skills"行后面的逗号分隔列表
var skillsLineRe = regexp.MustCompile(`(?im)^\s*(?:skills?|技能|专业技能)\s*[:：]\s*(.+)$`)

// fallbackExtractSkills 在LLM输出和原文中用正则搜索技能行，按逗号、顿号切开
func fallbackExtractSkills(contents ...string) []string {
	for _, content := range contents {
		m := skillsLineRe.FindStringSubmatch(content)
		if m == nil {
			continue
		}
		raw := strings.FieldsFunc(m[1], func(r rune) bool {
			return r == ',' || r == '，' || r == '、' || r == ';' || r == '；'
		})
		skills := make([]string, 0, len(raw))
		for _, s := range raw {
			s = strings.Trim(strings.TrimSpace(s), `"[]`)
			if s != "" {
				skills = append(skills, s)
			}
		}
		if len(skills) > 0 {
			return skills
		}
	}
	return nil
}

// normalizeProfile 把nil切片统一为空切片，评分引擎不处理null
func normalizeProfile(p *types.CandidateProfile) {
	if p.Skills == nil {
		p.Skills = []string{}
	}
	if p.Experience == nil {
		p.Experience = []types.ExperienceEntry{}
	}
	if p.Education == nil {
		p.Education = []types.EducationEntry{}
	}
	if p.Certifications == nil {
		p.Certifications = []string{}
	}
}

func normalizeJob(j *types.JobRequirement) {
	if j.Skills == nil {
		j.Skills = []string{}
	}
	if j.Qualifications == nil {
		j.Qualifications = []string{}
	}
	if j.Responsibilities == nil {
		j.Responsibilities = []string{}
	}
}

func truncateForError(s string) string {
	const max = 300
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
